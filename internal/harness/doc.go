// Package harness runs YAML scenarios against a real engine.
//
// Each scenario gets a fresh SQLite store, an in-memory blob store, a step
// clock and sequential fresh ids, so identical scenarios produce identical
// aggregates and golden files.
//
// # Scenario Format
//
//	name: abc_close
//	description: "create, update and close one case"
//	domain: demo                 # default domain for submit steps
//	schemas: schemas             # optional CUE directory, relative to the scenario
//	steps:
//	  - submit:                  # a submission payload
//	      form_id: a
//	      xmlns: http://example.org/register
//	      received_on: "2024-01-01T09:00:00Z"
//	      cases:
//	        - case_id: c1
//	          create: { case_type: person, case_name: X, owner_id: o1 }
//	    expect: { outcome: normal }
//	  - archive: { form_id: b, user_id: admin }
//	  - unarchive: { form_id: b }
//	  - rebuild: { case_id: c1, reason: "support ticket" }
//	  - archive: { form_id: missing }
//	    expect: { error: FORM_NOT_FOUND }
//	  - soft_delete: { case_id: c1 }
//	  - repair_clashes: { dry_run: false }
//	assertions:
//	  - type: case
//	    case_id: c1
//	    expect: { name: Y, closed: true, properties: { age: 30 } }
//	  - type: form
//	    form_id: b
//	    expect: { state: normal }
//	  - type: history
//	    case_id: c1
//	    types: [form|case_create, form, form|case_close]
//	  - type: outcome_count
//	    outcome: duplicate
//	    count: 0
//	  - type: verify
//	golden: true
//
// # Assertion Types
//
//   - case: the aggregate matches expect (subset match); missing: true
//     asserts the case was never built
//   - form: the stored form record matches expect; missing: true asserts no
//     such form
//   - history: the case's transaction types, markers included, in log order
//   - outcome_count: the number of submit steps with the given outcome
//   - verify: every stored aggregate equals a fresh fold of its log
//
// With golden: true, RunWithGolden compares every aggregate of the domain
// with testdata/golden/<name>.golden.
package harness

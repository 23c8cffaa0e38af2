package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultDomain is used when a scenario names none.
const DefaultDomain = "demo"

// Scenario is one executable ledger scenario.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Domain fills in submissions that omit one and scopes verify and
	// golden snapshots.
	Domain string `yaml:"domain,omitempty"`

	// Schemas is a directory of CUE property schemas. A relative path is
	// resolved against the scenario file.
	Schemas string `yaml:"schemas,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`

	// Golden requests a golden aggregate comparison in RunWithGolden.
	Golden bool `yaml:"golden,omitempty"`
}

// Step is one engine operation. Exactly one operation field is set.
type Step struct {
	// Submit is a submission payload, encoded to JSON as given.
	Submit map[string]any `yaml:"submit,omitempty"`

	Archive       *FormStep   `yaml:"archive,omitempty"`
	Unarchive     *FormStep   `yaml:"unarchive,omitempty"`
	Rebuild       *CaseStep   `yaml:"rebuild,omitempty"`
	SoftDelete    *CaseStep   `yaml:"soft_delete,omitempty"`
	RepairClashes *RepairStep `yaml:"repair_clashes,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`
}

// FormStep names a form for archive and unarchive.
type FormStep struct {
	FormID string `yaml:"form_id"`
	UserID string `yaml:"user_id,omitempty"`
}

// CaseStep names a case for rebuild and soft delete.
type CaseStep struct {
	CaseID string `yaml:"case_id"`

	// Reason is the text of a user requested rebuild.
	Reason string `yaml:"reason,omitempty"`
}

// RepairStep runs clash repair over the scenario domain.
type RepairStep struct {
	DryRun bool `yaml:"dry_run,omitempty"`
}

// Expect checks the result of one step. An empty Error expects success.
type Expect struct {
	Outcome string `yaml:"outcome,omitempty"`
	Error   string `yaml:"error,omitempty"`
}

// Assertion checks state after the last step.
type Assertion struct {
	Type string `yaml:"type"`

	CaseID string `yaml:"case_id,omitempty"`
	FormID string `yaml:"form_id,omitempty"`

	// Expect holds field values for case and form (subset match).
	Expect map[string]any `yaml:"expect,omitempty"`

	// Missing asserts the case or form does not exist.
	Missing bool `yaml:"missing,omitempty"`

	// Types is the expected history for history assertions.
	Types []string `yaml:"types,omitempty"`

	Outcome string `yaml:"outcome,omitempty"`
	Count   int    `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertCase         = "case"
	AssertForm         = "form"
	AssertHistory      = "history"
	AssertOutcomeCount = "outcome_count"
	AssertVerify       = "verify"
)

// Step operation names, as they appear in traces.
const (
	OpSubmit        = "submit"
	OpArchive       = "archive"
	OpUnarchive     = "unarchive"
	OpRebuild       = "rebuild"
	OpSoftDelete    = "soft_delete"
	OpRepairClashes = "repair_clashes"
)

// Op returns the name of the step's operation, or "" when none or more
// than one is set.
func (s *Step) Op() string {
	var ops []string
	if s.Submit != nil {
		ops = append(ops, OpSubmit)
	}
	if s.Archive != nil {
		ops = append(ops, OpArchive)
	}
	if s.Unarchive != nil {
		ops = append(ops, OpUnarchive)
	}
	if s.Rebuild != nil {
		ops = append(ops, OpRebuild)
	}
	if s.SoftDelete != nil {
		ops = append(ops, OpSoftDelete)
	}
	if s.RepairClashes != nil {
		ops = append(ops, OpRepairClashes)
	}
	if len(ops) != 1 {
		return ""
	}
	return ops[0]
}

// LoadScenario reads and checks a scenario file. Unknown fields are
// rejected. Schema paths are resolved against the file's directory.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Schemas != "" && !filepath.IsAbs(scenario.Schemas) {
		scenario.Schemas = filepath.Join(filepath.Dir(path), scenario.Schemas)
	}
	if scenario.Domain == "" {
		scenario.Domain = DefaultDomain
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 && !s.Golden {
		return fmt.Errorf("assertions list is required unless golden is set")
	}

	if s.Schemas != "" {
		if _, err := os.Stat(s.Schemas); err != nil {
			return fmt.Errorf("schema directory not found: %s", s.Schemas)
		}
	}

	for i := range s.Steps {
		if err := validateStep(i, &s.Steps[i]); err != nil {
			return err
		}
	}
	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, step *Step) error {
	switch step.Op() {
	case "":
		return fmt.Errorf("steps[%d]: exactly one operation is required", index)
	case OpArchive, OpUnarchive:
		fs := step.Archive
		if fs == nil {
			fs = step.Unarchive
		}
		if fs.FormID == "" {
			return fmt.Errorf("steps[%d]: form_id is required", index)
		}
	case OpRebuild, OpSoftDelete:
		cs := step.Rebuild
		if cs == nil {
			cs = step.SoftDelete
		}
		if cs.CaseID == "" {
			return fmt.Errorf("steps[%d]: case_id is required", index)
		}
	}
	if step.Expect != nil && step.Expect.Outcome != "" && step.Submit == nil {
		return fmt.Errorf("steps[%d].expect: outcome only applies to submit", index)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertCase:
		if a.CaseID == "" {
			return fmt.Errorf("assertions[%d]: case_id is required for case", index)
		}
		if !a.Missing && len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect or missing is required for case", index)
		}
	case AssertForm:
		if a.FormID == "" {
			return fmt.Errorf("assertions[%d]: form_id is required for form", index)
		}
		if !a.Missing && len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect or missing is required for form", index)
		}
	case AssertHistory:
		if a.CaseID == "" {
			return fmt.Errorf("assertions[%d]: case_id is required for history", index)
		}
	case AssertOutcomeCount:
		if a.Outcome == "" {
			return fmt.Errorf("assertions[%d]: outcome is required for outcome_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for outcome_count", index)
		}
	case AssertVerify:
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

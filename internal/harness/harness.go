package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dimagi/caseledger/internal/blob"
	"github.com/dimagi/caseledger/internal/engine"
	"github.com/dimagi/caseledger/internal/model"
	"github.com/dimagi/caseledger/internal/schema"
	"github.com/dimagi/caseledger/internal/store"
	"github.com/dimagi/caseledger/internal/testutil"
)

// ScenarioClockStart is where the engine clock of every scenario starts.
// Submissions without received_on are stamped from it, one second apart.
var ScenarioClockStart = testutil.Epoch.Add(10 * time.Hour)

// Harness executes the steps of one scenario.
type Harness struct {
	engine *engine.Engine
	store  *store.Store
	domain string
}

// Run executes a scenario in a fresh store and returns the result.
//
// The returned error is for failures of the harness itself: an unreadable
// schema, a store that cannot be opened, a step that cannot be encoded.
// Engine errors and failed assertions are recorded in the result.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "caseledger-scenario-")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario dir: %w", err)
	}
	defer os.RemoveAll(dir)

	st, err := store.Open(filepath.Join(dir, "ledger.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	defer st.Close()

	schemas, err := loadSchemas(scenario.Schemas)
	if err != nil {
		return nil, err
	}

	eng, err := engine.New(ctx, st, blob.NewMemory(),
		engine.WithSchemas(schemas),
		engine.WithIDGenerator(testutil.NewSequentialIDs("fresh")),
		engine.WithTimeSource(testutil.NewStepClock(ScenarioClockStart, time.Second)),
	)
	if err != nil {
		return nil, err
	}

	domain := scenario.Domain
	if domain == "" {
		domain = DefaultDomain
	}
	h := &Harness{engine: eng, store: st, domain: domain}

	result := NewResult()
	for i := range scenario.Steps {
		if err := h.executeStep(ctx, i, &scenario.Steps[i], result); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}

	for _, msg := range EvaluateAssertions(ctx, eng, domain, result, scenario.Assertions) {
		result.AddError(msg)
	}

	cases, err := h.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	result.Cases = cases
	return result, nil
}

func loadSchemas(dir string) (*schema.Registry, error) {
	if dir == "" {
		return schema.NewRegistry(), nil
	}
	reg, err := schema.Load(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load schemas: %w", err)
	}
	return reg, nil
}

// executeStep runs one step and records it in the trace. Engine errors
// are checked against the step's expect clause.
func (h *Harness) executeStep(ctx context.Context, i int, step *Step, result *Result) error {
	ev := TraceEvent{Step: i, Op: step.Op()}
	var (
		rebuilds []engine.RebuildResult
		err      error
	)

	switch ev.Op {
	case OpSubmit:
		payload, perr := h.payload(step.Submit)
		if perr != nil {
			return perr
		}
		ev.Target, _ = step.Submit["form_id"].(string)
		var res *engine.SubmitResult
		res, err = h.engine.Submit(ctx, payload)
		if err == nil {
			ev.Outcome = string(res.Outcome)
			ev.FormID = res.Form.FormID
			rebuilds = res.Rebuilds
		}
	case OpArchive:
		ev.Target = step.Archive.FormID
		rebuilds, err = h.engine.Archive(ctx, step.Archive.FormID, userOr(step.Archive.UserID))
	case OpUnarchive:
		ev.Target = step.Unarchive.FormID
		rebuilds, err = h.engine.Unarchive(ctx, step.Unarchive.FormID, userOr(step.Unarchive.UserID))
	case OpRebuild:
		ev.Target = step.Rebuild.CaseID
		reason := model.ReasonUserRequested(step.Rebuild.Reason)
		var res engine.RebuildResult
		res, err = h.engine.RebuildCase(ctx, step.Rebuild.CaseID, reason)
		rebuilds = []engine.RebuildResult{res}
	case OpSoftDelete:
		ev.Target = step.SoftDelete.CaseID
		err = h.engine.SoftDeleteCase(ctx, step.SoftDelete.CaseID)
	case OpRepairClashes:
		ev.Target = h.domain
		var report *engine.ClashReport
		report, err = h.engine.RepairClashes(ctx, h.domain, step.RepairClashes.DryRun)
		if report != nil {
			rebuilds = report.Rebuilds
		}
	default:
		return fmt.Errorf("no operation")
	}

	if err != nil {
		ev.Error = errorCode(err)
	}
	for _, r := range rebuilds {
		if r.Changed {
			ev.Rebuilt = append(ev.Rebuilt, r.CaseID)
		}
	}
	result.AddTrace(ev)

	checkExpect(i, step, ev, err, result)
	return nil
}

func checkExpect(i int, step *Step, ev TraceEvent, err error, result *Result) {
	var want Expect
	if step.Expect != nil {
		want = *step.Expect
	}
	switch {
	case want.Error == "" && err != nil:
		result.AddError(fmt.Sprintf("steps[%d] %s %s: unexpected error: %v", i, ev.Op, ev.Target, err))
	case want.Error != "" && err == nil:
		result.AddError(fmt.Sprintf("steps[%d] %s %s: expected error %s, got success", i, ev.Op, ev.Target, want.Error))
	case want.Error != "" && ev.Error != want.Error:
		result.AddError(fmt.Sprintf("steps[%d] %s %s: expected error %s, got %s (%v)", i, ev.Op, ev.Target, want.Error, ev.Error, err))
	}
	if want.Outcome != "" && err == nil && ev.Outcome != want.Outcome {
		result.AddError(fmt.Sprintf("steps[%d] submit %s: expected outcome %s, got %s", i, ev.Target, want.Outcome, ev.Outcome))
	}
}

// payload encodes a submit step, filling in the scenario domain.
func (h *Harness) payload(fields map[string]any) ([]byte, error) {
	sub := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		sub[k] = v
	}
	if _, ok := sub["domain"]; !ok {
		sub["domain"] = h.domain
	}
	if _, ok := sub["user_id"]; !ok {
		sub["user_id"] = "u1"
	}
	if _, ok := sub["form"]; !ok {
		sub["form"] = map[string]any{}
	}
	data, err := json.Marshal(sub)
	if err != nil {
		return nil, fmt.Errorf("failed to encode submission: %w", err)
	}
	return data, nil
}

// snapshot reads every aggregate of the scenario domain.
func (h *Harness) snapshot(ctx context.Context) ([]*model.Case, error) {
	ids, err := h.store.ListCaseIDs(ctx, h.domain)
	if err != nil {
		return nil, err
	}
	cases := make([]*model.Case, 0, len(ids))
	for _, id := range ids {
		c, err := h.engine.GetCase(ctx, id)
		if err != nil {
			return nil, err
		}
		cases = append(cases, c)
	}
	return cases, nil
}

func userOr(id string) string {
	if id == "" {
		return "admin"
	}
	return id
}

// errorCode returns the ledger code of err, or "ERROR" for other failures.
func errorCode(err error) string {
	if code, ok := model.CodeOf(err); ok {
		return string(code)
	}
	return "ERROR"
}

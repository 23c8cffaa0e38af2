package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/dimagi/caseledger/internal/engine"
	"github.com/dimagi/caseledger/internal/model"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Target   string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s", e.Type)
	if e.Target != "" {
		fmt.Fprintf(&buf, " %s", e.Target)
	}
	fmt.Fprintf(&buf, "\n  Expected: %s\n  Actual: %s", e.Expected, e.Actual)
	return buf.String()
}

// EvaluateAssertions checks every assertion against the engine state and
// the trace. Returns one message per failed assertion.
func EvaluateAssertions(ctx context.Context, e *engine.Engine, domain string, result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertCase:
			err = assertCase(ctx, e, a)
		case AssertForm:
			err = assertForm(ctx, e, a)
		case AssertHistory:
			err = assertHistory(ctx, e, a)
		case AssertOutcomeCount:
			err = assertOutcomeCount(result.Trace, a)
		case AssertVerify:
			err = assertVerify(ctx, e, domain)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}

func assertCase(ctx context.Context, e *engine.Engine, a Assertion) error {
	c, err := e.GetCase(ctx, a.CaseID)
	if model.IsCaseNotFound(err) {
		if a.Missing {
			return nil
		}
		return &AssertionError{Type: AssertCase, Target: a.CaseID, Expected: "case to exist", Actual: "case not found"}
	}
	if err != nil {
		return err
	}
	if a.Missing {
		return &AssertionError{Type: AssertCase, Target: a.CaseID, Expected: "no case", Actual: "case exists"}
	}
	return matchFields(AssertCase, a.CaseID, a.Expect, c.Object())
}

func assertForm(ctx context.Context, e *engine.Engine, a Assertion) error {
	f, err := e.GetFormExact(ctx, a.FormID)
	if model.IsFormNotFound(err) {
		if a.Missing {
			return nil
		}
		return &AssertionError{Type: AssertForm, Target: a.FormID, Expected: "form to exist", Actual: "form not found"}
	}
	if err != nil {
		return err
	}
	if a.Missing {
		return &AssertionError{Type: AssertForm, Target: a.FormID, Expected: "no form", Actual: "form exists"}
	}
	obj, err := formObject(f)
	if err != nil {
		return err
	}
	return matchFields(AssertForm, a.FormID, a.Expect, obj)
}

func formObject(f *model.Form) (model.Object, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode form %s: %w", f.FormID, err)
	}
	v, err := model.UnmarshalValue(data)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(model.Object)
	if !ok {
		return nil, fmt.Errorf("form %s did not encode to an object", f.FormID)
	}
	return obj, nil
}

func assertHistory(ctx context.Context, e *engine.Engine, a Assertion) error {
	txs, err := e.History(ctx, a.CaseID)
	if err != nil {
		return err
	}
	got := make([]string, len(txs))
	for i, t := range txs {
		got[i] = t.Type.String()
	}
	want := a.Types
	if want == nil {
		want = []string{}
	}
	if !slices.Equal(got, want) {
		return &AssertionError{
			Type:     AssertHistory,
			Target:   a.CaseID,
			Expected: fmt.Sprintf("%v", want),
			Actual:   fmt.Sprintf("%v", got),
		}
	}
	return nil
}

func assertOutcomeCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if ev.Op == OpSubmit && ev.Outcome == a.Outcome {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertOutcomeCount,
			Expected: fmt.Sprintf("%d %s submissions", a.Count, a.Outcome),
			Actual:   fmt.Sprintf("%d", count),
		}
	}
	return nil
}

func assertVerify(ctx context.Context, e *engine.Engine, domain string) error {
	report, err := e.Verify(ctx, domain)
	if err != nil {
		return err
	}
	if len(report.Mismatches) > 0 {
		ids := make([]string, len(report.Mismatches))
		for i, m := range report.Mismatches {
			ids[i] = m.CaseID
		}
		return &AssertionError{
			Type:     AssertVerify,
			Expected: "stored aggregates equal a fresh fold",
			Actual:   "mismatched cases " + strings.Join(ids, ", "),
		}
	}
	return nil
}

// matchFields checks expect against actual with subset semantics.
func matchFields(typ, target string, expect map[string]any, actual model.Object) error {
	want, err := model.FromAny(expect)
	if err != nil {
		return fmt.Errorf("%s %s: expect: %w", typ, target, err)
	}
	path, ok := subsetMatch(want, actual, "")
	if ok {
		return nil
	}
	got, _ := lookup(actual, path)
	exp, _ := lookup(want, path)
	return &AssertionError{
		Type:     typ,
		Target:   target,
		Expected: fmt.Sprintf("%s = %s", path, display(exp)),
		Actual:   fmt.Sprintf("%s = %s", path, display(got)),
	}
}

// subsetMatch reports whether every field of want is present in got with
// an equal value. Objects recurse; everything else compares whole. A
// string matches a date when it is the date's canonical rendering. On a
// mismatch the dotted path of the first differing field is returned.
func subsetMatch(want, got model.Value, path string) (string, bool) {
	wantObj, ok := want.(model.Object)
	if !ok {
		return path, valueMatch(want, got)
	}
	gotObj, ok := got.(model.Object)
	if !ok {
		return path, false
	}
	for _, k := range wantObj.SortedKeys() {
		sub := k
		if path != "" {
			sub = path + "." + k
		}
		g, present := gotObj[k]
		if !present {
			return sub, false
		}
		if p, ok := subsetMatch(wantObj[k], g, sub); !ok {
			return p, false
		}
	}
	return path, true
}

func valueMatch(want, got model.Value) bool {
	if s, ok := want.(model.String); ok {
		if d, ok := got.(model.Date); ok {
			return string(s) == model.FormatTime(d.Time())
		}
	}
	return model.Equal(want, got)
}

func lookup(v model.Value, path string) (model.Value, bool) {
	if path == "" {
		return v, true
	}
	for _, k := range strings.Split(path, ".") {
		obj, ok := v.(model.Object)
		if !ok {
			return nil, false
		}
		if v, ok = obj[k]; !ok {
			return nil, false
		}
	}
	return v, true
}

func display(v model.Value) string {
	if v == nil {
		return "<missing>"
	}
	b, err := model.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

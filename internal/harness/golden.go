package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/dimagi/caseledger/internal/model"
)

// Snapshot renders the aggregates of a result as canonical JSON:
//
//	{"cases":[<aggregate>...],"scenario":"<name>"}
//
// Cases keep the result's case id order.
func Snapshot(scenarioName string, result *Result) ([]byte, error) {
	cases := make(model.Array, len(result.Cases))
	for i, c := range result.Cases {
		cases[i] = c.Object()
	}
	return model.MarshalCanonical(model.Object{
		"scenario": model.String(scenarioName),
		"cases":    cases,
	})
}

// RunWithGolden executes a scenario, fails t if it does not pass, and
// compares its aggregates with testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(t.Context(), scenario)
	if err != nil {
		return nil, err
	}
	for _, msg := range result.Errors {
		t.Error(msg)
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return result, err
	}
	return result, nil
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := Snapshot(scenarioName, result)
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}

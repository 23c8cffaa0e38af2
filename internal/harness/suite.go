package harness

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// SuiteResult summarizes a directory of scenarios.
type SuiteResult struct {
	Total    int               `json:"total"`
	Passed   int               `json:"passed"`
	Failed   int               `json:"failed"`
	Failures []ScenarioFailure `json:"failures,omitempty"`
}

// ScenarioFailure is one scenario that did not pass.
type ScenarioFailure struct {
	Name   string   `json:"name,omitempty"`
	Path   string   `json:"path"`
	Errors []string `json:"errors"`
}

// FindScenarios returns the .yaml and .yml files directly in dir, sorted.
func FindScenarios(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read scenario dir: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".yaml", ".yml":
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// RunDir loads and runs every scenario in dir.
//
// With a non-empty goldenDir, scenarios marked golden are also compared
// with goldenDir/<name>.golden; a missing or different file fails the
// scenario.
func RunDir(ctx context.Context, dir, goldenDir string) (*SuiteResult, error) {
	paths, err := FindScenarios(dir)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no scenarios found in %s", dir)
	}

	result := &SuiteResult{}
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Total++

		failure := ScenarioFailure{Path: path}
		scenario, err := LoadScenario(path)
		if err != nil {
			failure.Errors = []string{fmt.Sprintf("failed to load scenario: %v", err)}
			result.fail(failure)
			continue
		}
		failure.Name = scenario.Name

		runResult, err := Run(ctx, scenario)
		if err != nil {
			failure.Errors = []string{fmt.Sprintf("scenario execution failed: %v", err)}
			result.fail(failure)
			continue
		}
		failure.Errors = runResult.Errors

		if goldenDir != "" && scenario.Golden {
			if msg := compareGolden(goldenDir, scenario.Name, runResult); msg != "" {
				failure.Errors = append(failure.Errors, msg)
			}
		}

		if len(failure.Errors) > 0 {
			result.fail(failure)
			continue
		}
		result.Passed++
	}
	return result, nil
}

func (r *SuiteResult) fail(f ScenarioFailure) {
	r.Failed++
	r.Failures = append(r.Failures, f)
}

func compareGolden(dir, name string, result *Result) string {
	want, err := os.ReadFile(filepath.Join(dir, name+".golden"))
	if err != nil {
		return fmt.Sprintf("golden: %v", err)
	}
	got, err := Snapshot(name, result)
	if err != nil {
		return fmt.Sprintf("golden: %v", err)
	}
	if !bytes.Equal(bytes.TrimSpace(want), got) {
		return fmt.Sprintf("golden: aggregates differ from %s.golden", name)
	}
	return ""
}

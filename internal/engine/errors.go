package engine

import (
	"errors"
	"fmt"
	"strings"
)

// CaseFailure is one case that could not be processed.
type CaseFailure struct {
	CaseID string
	Err    error
}

// BatchError collects per-case failures of a multi-case operation.
//
// A failing case never aborts the others: the operation processes every
// case and reports all failures together. Unwrap exposes the individual
// errors so errors.As finds typed errors inside the batch.
type BatchError struct {
	// Op names the operation, e.g. "rebuild cases for form f1".
	Op string

	Failures []CaseFailure
}

// Error implements the error interface.
func (e *BatchError) Error() string {
	ids := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		ids[i] = f.CaseID
	}
	if len(e.Failures) == 1 {
		return fmt.Sprintf("%s: case %s: %v", e.Op, ids[0], e.Failures[0].Err)
	}
	return fmt.Sprintf("%s: %d cases failed (%s)", e.Op, len(e.Failures), strings.Join(ids, ", "))
}

// Unwrap returns the per-case errors.
func (e *BatchError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}

// IsBatchError reports whether err is or wraps a BatchError.
func IsBatchError(err error) bool {
	var be *BatchError
	return errors.As(err, &be)
}

// batch accumulates failures and returns nil when there are none.
type batch struct {
	op       string
	failures []CaseFailure
}

func (b *batch) add(caseID string, err error) {
	b.failures = append(b.failures, CaseFailure{CaseID: caseID, Err: err})
}

func (b *batch) err() error {
	if len(b.failures) == 0 {
		return nil
	}
	return &BatchError{Op: b.op, Failures: b.failures}
}

package model

import (
	"errors"
	"fmt"
	"time"
)

// LedgerError is the shared error type for ledger failures.
//
// Codes:
//   - INVALID_STATE_TRANSITION: lifecycle transition from an unexpected state;
//     callers refetch and retry
//   - DUPLICATE_TRANSACTION: a second enabled transaction for one (case, form)
//   - ORDERING_VIOLATION: an input stream is not ordered by its key; fatal
//   - MISATTRIBUTED_EDIT: an edit link joins forms of different xmlns
//   - CASE_NOT_FOUND / FORM_NOT_FOUND / ATTACHMENT_NOT_FOUND: lookups
type LedgerError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// CaseID identifies the affected case, if any.
	CaseID string

	// FormID identifies the affected form, if any.
	FormID string

	// Details contains additional context.
	Details map[string]string
}

// ErrorCode categorizes ledger errors.
type ErrorCode string

const (
	ErrCodeInvalidStateTransition ErrorCode = "INVALID_STATE_TRANSITION"
	ErrCodeDuplicateTransaction   ErrorCode = "DUPLICATE_TRANSACTION"
	ErrCodeOrderingViolation      ErrorCode = "ORDERING_VIOLATION"
	ErrCodeMisattributedEdit      ErrorCode = "MISATTRIBUTED_EDIT"
	ErrCodeCaseNotFound           ErrorCode = "CASE_NOT_FOUND"
	ErrCodeFormNotFound           ErrorCode = "FORM_NOT_FOUND"
	ErrCodeAttachmentNotFound     ErrorCode = "ATTACHMENT_NOT_FOUND"
)

// Error implements the error interface.
func (e *LedgerError) Error() string {
	switch {
	case e.CaseID != "" && e.FormID != "":
		return fmt.Sprintf("%s: %s (case=%s, form=%s)", e.Code, e.Message, e.CaseID, e.FormID)
	case e.CaseID != "":
		return fmt.Sprintf("%s: %s (case=%s)", e.Code, e.Message, e.CaseID)
	case e.FormID != "":
		return fmt.Sprintf("%s: %s (form=%s)", e.Code, e.Message, e.FormID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// CodeOf returns the code of the first LedgerError in err's chain.
func CodeOf(err error) (ErrorCode, bool) {
	var le *LedgerError
	if errors.As(err, &le) {
		return le.Code, true
	}
	return "", false
}

func hasCode(err error, code ErrorCode) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}

// IsInvalidStateTransition matches wrapped errors too.
func IsInvalidStateTransition(err error) bool {
	return hasCode(err, ErrCodeInvalidStateTransition)
}

func IsDuplicateTransaction(err error) bool { return hasCode(err, ErrCodeDuplicateTransaction) }
func IsOrderingViolation(err error) bool    { return hasCode(err, ErrCodeOrderingViolation) }
func IsMisattributedEdit(err error) bool    { return hasCode(err, ErrCodeMisattributedEdit) }
func IsCaseNotFound(err error) bool         { return hasCode(err, ErrCodeCaseNotFound) }
func IsFormNotFound(err error) bool         { return hasCode(err, ErrCodeFormNotFound) }
func IsAttachmentNotFound(err error) bool   { return hasCode(err, ErrCodeAttachmentNotFound) }

// NewInvalidStateTransition reports that op cannot apply to a form in state.
func NewInvalidStateTransition(formID string, state FormState, op OperationType) *LedgerError {
	return &LedgerError{
		Code:    ErrCodeInvalidStateTransition,
		Message: fmt.Sprintf("cannot %s a form in state %s", op, state),
		FormID:  formID,
		Details: map[string]string{"state": string(state), "operation": string(op)},
	}
}

// NewDuplicateTransaction reports a second enabled transaction for a pair.
func NewDuplicateTransaction(caseID, formID string) *LedgerError {
	return &LedgerError{
		Code:    ErrCodeDuplicateTransaction,
		Message: "an enabled transaction already exists for this case and form",
		CaseID:  caseID,
		FormID:  formID,
	}
}

// NewOrderingViolation reports a stream element that arrived out of order.
func NewOrderingViolation(entityID string, prev, got time.Time) *LedgerError {
	return &LedgerError{
		Code:    ErrCodeOrderingViolation,
		Message: fmt.Sprintf("received_on %s precedes previous %s", FormatTime(got), FormatTime(prev)),
		FormID:  entityID,
		Details: map[string]string{"previous": FormatTime(prev), "got": FormatTime(got)},
	}
}

// NewMisattributedEdit reports a form linked as an edit of an unrelated form.
func NewMisattributedEdit(formID, deprecatedID, xmlns, deprecatedXMLNS string) *LedgerError {
	return &LedgerError{
		Code:    ErrCodeMisattributedEdit,
		Message: fmt.Sprintf("form %s (%s) is recorded as an edit of %s (%s)", formID, xmlns, deprecatedID, deprecatedXMLNS),
		FormID:  formID,
		Details: map[string]string{
			"deprecated_form_id": deprecatedID,
			"xmlns":              xmlns,
			"deprecated_xmlns":   deprecatedXMLNS,
		},
	}
}

func NewCaseNotFound(caseID string) *LedgerError {
	return &LedgerError{Code: ErrCodeCaseNotFound, Message: "case not found", CaseID: caseID}
}

func NewFormNotFound(formID string) *LedgerError {
	return &LedgerError{Code: ErrCodeFormNotFound, Message: "form not found", FormID: formID}
}

func NewAttachmentNotFound(formID, name string) *LedgerError {
	return &LedgerError{
		Code:    ErrCodeAttachmentNotFound,
		Message: fmt.Sprintf("attachment %q not found", name),
		FormID:  formID,
	}
}

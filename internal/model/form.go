package model

import (
	"time"
)

// FormState is the lifecycle state of a form id slot.
type FormState string

const (
	FormNormal     FormState = "normal"
	FormArchived   FormState = "archived"
	FormDeprecated FormState = "deprecated"
	FormDuplicate  FormState = "duplicate"
	FormError      FormState = "error"
)

// Valid reports whether s is a known state.
func (s FormState) Valid() bool {
	switch s {
	case FormNormal, FormArchived, FormDeprecated, FormDuplicate, FormError:
		return true
	}
	return false
}

// Processed reports whether forms in this state contribute transactions.
func (s FormState) Processed() bool {
	return s == FormNormal
}

// OperationType names an audited lifecycle operation.
type OperationType string

const (
	OpArchive     OperationType = "archive"
	OpUnarchive   OperationType = "unarchive"
	OpEdit        OperationType = "edit"
	OpDuplicate   OperationType = "duplicate"
	OpClashRepair OperationType = "clash_repair"
)

// Transition returns the state reached by applying op to s.
//
//	normal   --archive-->   archived
//	archived --unarchive--> normal
//	normal   --edit-->      deprecated
//	normal   --duplicate--> duplicate
//	deprecated --clash_repair--> normal
//
// Any other pair is an InvalidStateTransition.
func (s FormState) Transition(formID string, op OperationType) (FormState, error) {
	switch {
	case s == FormNormal && op == OpArchive:
		return FormArchived, nil
	case s == FormArchived && op == OpUnarchive:
		return FormNormal, nil
	case s == FormNormal && op == OpEdit:
		return FormDeprecated, nil
	case s == FormNormal && op == OpDuplicate:
		return FormDuplicate, nil
	case s == FormDeprecated && op == OpClashRepair:
		return FormNormal, nil
	}
	return s, NewInvalidStateTransition(formID, s, op)
}

// Operation is one audit entry on a form.
type Operation struct {
	UserID    string        `json:"user_id"`
	Operation OperationType `json:"operation"`
	Date      time.Time     `json:"date"`
}

// Attachment describes a blob owned by a form.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Key         string `json:"key"`
	Size        int64  `json:"size"`
}

// PayloadAttachment is the name under which the submitted body is kept.
// Transactions are regenerated from it during clash repair.
const PayloadAttachment = "form.json"

// Form is one submission and its lifecycle state.
type Form struct {
	FormID           string       `json:"form_id"`
	Domain           string       `json:"domain"`
	XMLNS            string       `json:"xmlns"`
	UserID           string       `json:"user_id,omitempty"`
	ReceivedOn       time.Time    `json:"received_on"`
	EditedOn         *time.Time   `json:"edited_on,omitempty"`
	State            FormState    `json:"state"`
	OrigID           string       `json:"orig_id,omitempty"`
	DeprecatedFormID string       `json:"deprecated_form_id,omitempty"`
	Seq              int64        `json:"seq"`
	ContentHash      string       `json:"content_hash,omitempty"`
	Problem          string       `json:"problem,omitempty"`
	Operations       []Operation  `json:"operations"`
	Attachments      []Attachment `json:"attachments"`
}

// Attachment returns the named attachment.
func (f *Form) Attachment(name string) (Attachment, bool) {
	for _, a := range f.Attachments {
		if a.Name == name {
			return a, true
		}
	}
	return Attachment{}, false
}

package model

import (
	"strings"
	"time"
)

// TransactionType is a bit set describing what a transaction carries.
// Values match the historical ledger so exported data stays comparable.
type TransactionType int

const (
	TypeForm                 TransactionType = 1
	TypeRebuildWithReason    TransactionType = 2
	TypeRebuildUserRequested TransactionType = 4
	TypeRebuildUserArchived  TransactionType = 8
	TypeRebuildFormArchived  TransactionType = 16
	TypeRebuildFormEdit      TransactionType = 32
	TypeLedger               TransactionType = 64
	TypeCaseCreate           TransactionType = 128
	TypeCaseClose            TransactionType = 256
	TypeCaseIndex            TransactionType = 512
	TypeCaseAttachment       TransactionType = 1024
	TypeRebuildFormReprocess TransactionType = 2048
)

// rebuildTypes covers every marker type.
const rebuildTypes = TypeRebuildWithReason | TypeRebuildUserRequested |
	TypeRebuildUserArchived | TypeRebuildFormArchived | TypeRebuildFormEdit |
	TypeRebuildFormReprocess

var typeNames = []struct {
	t    TransactionType
	name string
}{
	{TypeForm, "form"},
	{TypeRebuildWithReason, "rebuild_with_reason"},
	{TypeRebuildUserRequested, "user_requested_rebuild"},
	{TypeRebuildUserArchived, "user_archived_rebuild"},
	{TypeRebuildFormArchived, "form_archive_rebuild"},
	{TypeRebuildFormEdit, "form_edit_rebuild"},
	{TypeLedger, "ledger"},
	{TypeCaseCreate, "case_create"},
	{TypeCaseClose, "case_close"},
	{TypeCaseIndex, "case_index"},
	{TypeCaseAttachment, "case_attachment"},
	{TypeRebuildFormReprocess, "form_reprocess_rebuild"},
}

// Has reports whether all bits of flag are set.
func (t TransactionType) Has(flag TransactionType) bool {
	return t&flag == flag
}

// IsRebuild reports whether t is a rebuild marker.
func (t TransactionType) IsRebuild() bool {
	return t&rebuildTypes != 0
}

// String lists the set flags, e.g. "form|case_create".
func (t TransactionType) String() string {
	var parts []string
	for _, tn := range typeNames {
		if t.Has(tn.t) {
			parts = append(parts, tn.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// TransactionDetails carries auxiliary data stored with a transaction.
type TransactionDetails struct {
	XMLNS            string `json:"xmlns,omitempty"`
	Reason           string `json:"reason,omitempty"`
	DeprecatedFormID string `json:"deprecated_form_id,omitempty"`
}

// CreateBlock holds the create section of a case block.
type CreateBlock struct {
	CaseType string `json:"case_type"`
	CaseName string `json:"case_name"`
	OwnerID  string `json:"owner_id"`
}

// IndexChange adds or, with an empty ReferencedID, removes a case index.
type IndexChange struct {
	Identifier     string `json:"identifier"`
	ReferencedType string `json:"referenced_type,omitempty"`
	ReferencedID   string `json:"referenced_id"`
	Relationship   string `json:"relationship,omitempty"`
}

// Removes reports whether the change deletes the index.
func (c IndexChange) Removes() bool {
	return c.ReferencedID == ""
}

// CaseBlock is the effect of one form on one case.
type CaseBlock struct {
	UserID  string        `json:"user_id,omitempty"`
	Create  *CreateBlock  `json:"create,omitempty"`
	Update  Object        `json:"update,omitempty"`
	Close   bool          `json:"close,omitempty"`
	Indices []IndexChange `json:"indices,omitempty"`
}

// Transaction is one entry of a case's transaction log.
//
// FormID is a weak reference: it is resolved through the form store and never
// owns the form. Markers have an empty FormID and a nil Block.
type Transaction struct {
	ID         int64              `json:"id"`
	CaseID     string             `json:"case_id"`
	Domain     string             `json:"domain"`
	FormID     string             `json:"form_id,omitempty"`
	Type       TransactionType    `json:"type"`
	ServerDate time.Time          `json:"server_date"`
	Seq        int64              `json:"seq"`
	Revoked    bool               `json:"revoked"`
	Details    TransactionDetails `json:"details"`
	Block      *CaseBlock         `json:"block,omitempty"`
}

// IsCaseCreate reports whether the transaction creates its case.
func (t *Transaction) IsCaseCreate() bool {
	return t.Type.Has(TypeCaseCreate)
}

// IsCaseClose reports whether the transaction closes its case.
func (t *Transaction) IsCaseClose() bool {
	return t.Type.Has(TypeCaseClose)
}

// TouchesCase reports whether the transaction carries a case block.
// Ledger-only and marker transactions do not.
func (t *Transaction) TouchesCase() bool {
	return t.Type.Has(TypeForm) && t.Block != nil
}

// TypeForBlock derives the type flags for a form transaction.
func TypeForBlock(b *CaseBlock, ledger bool) TransactionType {
	t := TypeForm
	if ledger {
		t |= TypeLedger
	}
	if b == nil {
		return t
	}
	if b.Create != nil {
		t |= TypeCaseCreate
	}
	if b.Close {
		t |= TypeCaseClose
	}
	if len(b.Indices) > 0 {
		t |= TypeCaseIndex
	}
	return t
}

// Reason describes why a rebuild happened. Kind selects the marker type.
type Reason struct {
	Kind TransactionType `json:"kind"`
	Text string          `json:"text"`
}

// Common rebuild reasons.
func ReasonFormArchived(formID string) Reason {
	return Reason{Kind: TypeRebuildFormArchived, Text: "form archived: " + formID}
}

func ReasonFormUnarchived(formID string) Reason {
	return Reason{Kind: TypeRebuildFormArchived, Text: "form unarchived: " + formID}
}

func ReasonFormEdited(formID string) Reason {
	return Reason{Kind: TypeRebuildFormEdit, Text: "form edited: " + formID}
}

func ReasonClashRepair(formID string) Reason {
	return Reason{Kind: TypeRebuildFormReprocess, Text: "clash repair: " + formID}
}

func ReasonUserRequested(text string) Reason {
	return Reason{Kind: TypeRebuildUserRequested, Text: text}
}

// Package casebuild folds an ordered list of case transactions into a case
// aggregate.
//
// Build is a pure function. It reads no clock, performs no I/O and never
// iterates a map to produce ordered output, so two calls on the same input
// produce byte-identical canonical aggregates.
package casebuild

import (
	"sort"
	"time"

	"github.com/dimagi/caseledger/internal/model"
)

// Update keys that set known case fields instead of dynamic properties.
const (
	keyCaseType = "case_type"
	keyCaseName = "case_name"
	keyOwnerID  = "owner_id"
)

// Build folds txs into the aggregate for caseID.
//
// txs must already be in log order (server_date, then seq, then row id).
// Rebuild markers and revoked transactions are skipped. When nothing is left
// to fold the result is a tombstone with IsDeleted set.
//
// Per transaction, in order:
//  1. update keys overwrite earlier values
//  2. the first create sets opened_by and opened_on; later creates only
//     contribute their fields
//  3. a close sets closed, closed_by and closed_on; a later case block
//     without a close reopens the case
//  4. index changes replace earlier ones with the same identifier, and an
//     empty referenced id removes the index
//  5. modified_on is the server_date of the transaction
func Build(caseID string, txs []model.Transaction) *model.Case {
	c := &model.Case{
		CaseID:     caseID,
		Properties: model.Object{},
		Indices:    []model.CaseIndex{},
		FormIDs:    []string{},
	}

	indices := make(map[string]model.CaseIndex)
	seenForms := make(map[string]bool)
	folded := 0

	for i := range txs {
		tx := &txs[i]
		if tx.Revoked || tx.FormID == "" || tx.Type.IsRebuild() {
			continue
		}
		folded++
		if c.Domain == "" {
			c.Domain = tx.Domain
		}
		if !seenForms[tx.FormID] {
			seenForms[tx.FormID] = true
			c.FormIDs = append(c.FormIDs, tx.FormID)
		}
		c.ModifiedOn = timePtr(tx.ServerDate)

		if !tx.TouchesCase() {
			// Ledger-only: contributes the form, never reopens.
			continue
		}
		apply(c, tx, indices)
	}

	if folded == 0 {
		c.IsDeleted = true
		return c
	}

	ids := make([]string, 0, len(indices))
	for id := range indices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		c.Indices = append(c.Indices, indices[id])
	}
	return c
}

func apply(c *model.Case, tx *model.Transaction, indices map[string]model.CaseIndex) {
	b := tx.Block
	if b.UserID != "" {
		c.ModifiedBy = b.UserID
	}

	if b.Create != nil {
		if c.OpenedOn == nil {
			c.OpenedOn = timePtr(tx.ServerDate)
			c.OpenedBy = b.UserID
		}
		if b.Create.CaseType != "" {
			c.Type = b.Create.CaseType
		}
		if b.Create.CaseName != "" {
			c.Name = b.Create.CaseName
		}
		if b.Create.OwnerID != "" {
			c.OwnerID = b.Create.OwnerID
		}
	}

	for _, key := range b.Update.SortedKeys() {
		v := b.Update[key]
		if applyKnown(c, key, v) {
			continue
		}
		c.Properties[key] = v
	}

	if b.Close {
		c.Closed = true
		c.ClosedBy = b.UserID
		c.ClosedOn = timePtr(tx.ServerDate)
	} else if c.Closed {
		c.Closed = false
		c.ClosedBy = ""
		c.ClosedOn = nil
	}

	for _, change := range b.Indices {
		if change.Removes() {
			delete(indices, change.Identifier)
			continue
		}
		indices[change.Identifier] = model.CaseIndex{
			Identifier:     change.Identifier,
			ReferencedType: change.ReferencedType,
			ReferencedID:   change.ReferencedID,
			Relationship:   relationship(change.Relationship),
		}
	}
}

// applyKnown routes string updates of the known keys onto the case fields.
func applyKnown(c *model.Case, key string, v model.Value) bool {
	s, ok := v.(model.String)
	if !ok {
		return false
	}
	switch key {
	case keyCaseType:
		c.Type = string(s)
	case keyCaseName:
		c.Name = string(s)
	case keyOwnerID:
		c.OwnerID = string(s)
	default:
		return false
	}
	return true
}

func relationship(r string) string {
	if r == "" {
		return "child"
	}
	return r
}

func timePtr(t time.Time) *time.Time {
	u := t.UTC()
	return &u
}

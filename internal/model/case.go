package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// CaseIndex links a case to a referenced case.
type CaseIndex struct {
	Identifier     string `json:"identifier"`
	ReferencedType string `json:"referenced_type"`
	ReferencedID   string `json:"referenced_id"`
	Relationship   string `json:"relationship"`
}

// Case is the aggregate folded from a case's enabled transactions.
// It has no independently settable state.
type Case struct {
	CaseID     string      `json:"case_id"`
	Domain     string      `json:"domain"`
	Type       string      `json:"type"`
	Name       string      `json:"name"`
	OwnerID    string      `json:"owner_id"`
	Properties Object      `json:"properties"`
	Closed     bool        `json:"closed"`
	ClosedBy   string      `json:"closed_by"`
	ClosedOn   *time.Time  `json:"closed_on"`
	OpenedBy   string      `json:"opened_by"`
	OpenedOn   *time.Time  `json:"opened_on"`
	ModifiedOn *time.Time  `json:"modified_on"`
	ModifiedBy string      `json:"modified_by"`
	Indices    []CaseIndex `json:"indices"`
	IsDeleted  bool        `json:"is_deleted"`
	FormIDs    []string    `json:"form_ids"`
}

// Property returns a dynamic property or one of the known fields by name.
func (c *Case) Property(name string) (Value, bool) {
	switch name {
	case "case_type", "type":
		return String(c.Type), true
	case "case_name", "name":
		return String(c.Name), true
	case "owner_id":
		return String(c.OwnerID), true
	}
	v, ok := c.Properties[name]
	return v, ok
}

func timeValue(t *time.Time) Value {
	if t == nil {
		return Null{}
	}
	return String(FormatTime(*t))
}

// Object renders the aggregate as a canonical object.
func (c *Case) Object() Object {
	props := c.Properties
	if props == nil {
		props = Object{}
	}
	indices := make(Array, len(c.Indices))
	for i, idx := range c.Indices {
		indices[i] = Object{
			"identifier":      String(idx.Identifier),
			"referenced_type": String(idx.ReferencedType),
			"referenced_id":   String(idx.ReferencedID),
			"relationship":    String(idx.Relationship),
		}
	}
	formIDs := make(Array, len(c.FormIDs))
	for i, id := range c.FormIDs {
		formIDs[i] = String(id)
	}
	return Object{
		"case_id":     String(c.CaseID),
		"domain":      String(c.Domain),
		"type":        String(c.Type),
		"name":        String(c.Name),
		"owner_id":    String(c.OwnerID),
		"properties":  props,
		"closed":      Bool(c.Closed),
		"closed_by":   String(c.ClosedBy),
		"closed_on":   timeValue(c.ClosedOn),
		"opened_by":   String(c.OpenedBy),
		"opened_on":   timeValue(c.OpenedOn),
		"modified_on": timeValue(c.ModifiedOn),
		"modified_by": String(c.ModifiedBy),
		"indices":     indices,
		"is_deleted":  Bool(c.IsDeleted),
		"form_ids":    formIDs,
	}
}

// Canonical returns the canonical JSON encoding of the aggregate.
// Aggregates folded from identical histories encode to identical bytes.
func (c *Case) Canonical() ([]byte, error) {
	b, err := MarshalCanonical(c.Object())
	if err != nil {
		return nil, fmt.Errorf("canonical case %s: %w", c.CaseID, err)
	}
	return b, nil
}

// SameState reports whether a and b encode identically.
func SameState(a, b *Case) bool {
	if a == nil || b == nil {
		return a == b
	}
	ab, err := a.Canonical()
	if err != nil {
		return false
	}
	bb, err := b.Canonical()
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

// DecodeCase restores an aggregate from its canonical encoding.
func DecodeCase(data []byte) (*Case, error) {
	var c Case
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode case: %w", err)
	}
	if c.Properties == nil {
		c.Properties = Object{}
	}
	if c.Indices == nil {
		c.Indices = []CaseIndex{}
	}
	if c.FormIDs == nil {
		c.FormIDs = []string{}
	}
	return &c, nil
}

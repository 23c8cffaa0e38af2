// Package ingest turns submission payloads into form records and the case
// transactions they generate. Live submission, migration and clash repair
// all derive transactions through Derive.
package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dimagi/caseledger/internal/model"
)

// ErrMalformed marks a payload that does not decode or lacks required
// structure.
var ErrMalformed = errors.New("malformed submission")

// Submission is the JSON payload of one form submission.
type Submission struct {
	FormID     string     `json:"form_id"`
	Domain     string     `json:"domain"`
	XMLNS      string     `json:"xmlns"`
	UserID     string     `json:"user_id"`
	ReceivedOn *time.Time `json:"received_on,omitempty"`

	// Form is the submitted form body. It is kept verbatim.
	Form model.Object `json:"form"`

	// Cases are the case blocks, at most one per case id.
	Cases []CaseBlock `json:"cases"`

	// Ledgers names cases that receive a ledger-only transaction.
	Ledgers []string `json:"ledgers,omitempty"`

	Attachments []Attachment `json:"attachments,omitempty"`
}

// CaseBlock is the submitted effect of the form on one case.
type CaseBlock struct {
	CaseID  string              `json:"case_id"`
	Create  *model.CreateBlock  `json:"create,omitempty"`
	Update  model.Object        `json:"update,omitempty"`
	Close   bool                `json:"close,omitempty"`
	Indices []model.IndexChange `json:"index,omitempty"`
}

// Attachment is an inline binary attachment. Data is base64 in JSON.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
}

// Parse decodes and checks a submission payload.
func Parse(data []byte) (*Submission, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var sub Submission
	if err := dec.Decode(&sub); err != nil {
		return nil, fmt.Errorf("%w: decode submission: %w", ErrMalformed, err)
	}
	if err := sub.Check(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return &sub, nil
}

// Check verifies the required fields and the shape of case blocks and
// attachments. It fills in an empty form body.
func (s *Submission) Check() error {
	var missing []string
	if strings.TrimSpace(s.FormID) == "" {
		missing = append(missing, "form_id")
	}
	if strings.TrimSpace(s.Domain) == "" {
		missing = append(missing, "domain")
	}
	if strings.TrimSpace(s.XMLNS) == "" {
		missing = append(missing, "xmlns")
	}
	if len(missing) > 0 {
		return fmt.Errorf("submission missing %s", strings.Join(missing, ", "))
	}
	if s.Form == nil {
		s.Form = model.Object{}
	}

	seen := make(map[string]bool)
	for i, c := range s.Cases {
		if strings.TrimSpace(c.CaseID) == "" {
			return fmt.Errorf("submission %s: cases[%d] has no case_id", s.FormID, i)
		}
		if seen[c.CaseID] {
			return fmt.Errorf("submission %s: case %s appears twice", s.FormID, c.CaseID)
		}
		seen[c.CaseID] = true
		for j, idx := range c.Indices {
			if strings.TrimSpace(idx.Identifier) == "" {
				return fmt.Errorf("submission %s: case %s index[%d] has no identifier", s.FormID, c.CaseID, j)
			}
		}
	}
	names := make(map[string]bool)
	for _, a := range s.Attachments {
		if a.Name == "" || a.Name == model.PayloadAttachment {
			return fmt.Errorf("submission %s: invalid attachment name %q", s.FormID, a.Name)
		}
		if names[a.Name] {
			return fmt.Errorf("submission %s: attachment %s appears twice", s.FormID, a.Name)
		}
		names[a.Name] = true
	}
	return nil
}

// Object returns the submission as a canonical value tree.
func (s *Submission) Object() (model.Object, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode submission %s: %w", s.FormID, err)
	}
	v, err := model.UnmarshalValue(raw)
	if err != nil {
		return nil, fmt.Errorf("decode submission %s: %w", s.FormID, err)
	}
	obj, ok := v.(model.Object)
	if !ok {
		return nil, fmt.Errorf("submission %s is not an object", s.FormID)
	}
	return obj, nil
}

// Payload returns the canonical bytes kept as the form.json attachment.
// Inline attachment data is stored separately and left out.
func (s *Submission) Payload() ([]byte, error) {
	obj, err := s.Object()
	if err != nil {
		return nil, err
	}
	delete(obj, "attachments")
	return model.MarshalCanonical(obj)
}

// ContentHash identifies the submitted content. Arrival time is excluded so
// a resubmission of the same content hashes the same.
func (s *Submission) ContentHash() (string, error) {
	obj, err := s.Object()
	if err != nil {
		return "", err
	}
	delete(obj, "received_on")
	return model.FormContentHash(obj)
}

// CaseIDs returns every case the submission names, index targets included,
// sorted.
func (s *Submission) CaseIDs() []string {
	seen := make(map[string]bool)
	for _, c := range s.Cases {
		seen[c.CaseID] = true
		for _, idx := range c.Indices {
			if !idx.Removes() {
				seen[idx.ReferencedID] = true
			}
		}
	}
	for _, id := range s.Ledgers {
		seen[id] = true
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

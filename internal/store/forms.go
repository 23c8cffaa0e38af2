package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dimagi/caseledger/internal/model"
)

// ErrFormExists is returned when a form id slot is already taken.
var ErrFormExists = errors.New("form id already exists")

// SaveSubmission writes a form with its operations, attachment metadata and
// generated transactions in one transaction. Either everything persists or
// nothing does.
func (s *Store) SaveSubmission(ctx context.Context, f *model.Form, txs []model.Transaction) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := insertForm(ctx, tx, f); err != nil {
			return err
		}
		for i := range txs {
			id, err := appendTransaction(ctx, tx, &txs[i])
			if err != nil {
				return err
			}
			txs[i].ID = id
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save submission %s: %w", f.FormID, err)
	}
	return nil
}

func insertForm(ctx context.Context, q queryer, f *model.Form) (int64, error) {
	var exists int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM forms WHERE form_id = ?`, f.FormID).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("check form %s: %w", f.FormID, err)
	}
	if exists > 0 {
		return 0, fmt.Errorf("%w: %s", ErrFormExists, f.FormID)
	}

	res, err := q.ExecContext(ctx, `
		INSERT INTO forms
		(form_id, domain, xmlns, user_id, received_on, edited_on, state, orig_id, deprecated_form_id, seq, content_hash, problem)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		f.FormID,
		f.Domain,
		f.XMLNS,
		f.UserID,
		toNanos(f.ReceivedOn),
		nullableNanos(f.EditedOn),
		string(f.State),
		f.OrigID,
		f.DeprecatedFormID,
		f.Seq,
		f.ContentHash,
		f.Problem,
	)
	if err != nil {
		return 0, fmt.Errorf("insert form %s: %w", f.FormID, err)
	}
	pk, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert form %s: %w", f.FormID, err)
	}

	for i, op := range f.Operations {
		if err := insertOperation(ctx, q, pk, i, op); err != nil {
			return 0, err
		}
	}
	for _, a := range f.Attachments {
		_, err := q.ExecContext(ctx, `
			INSERT INTO form_attachments (form_pk, name, content_type, blob_key, size)
			VALUES (?, ?, ?, ?, ?)
		`, pk, a.Name, a.ContentType, a.Key, a.Size)
		if err != nil {
			return 0, fmt.Errorf("insert attachment %s/%s: %w", f.FormID, a.Name, err)
		}
	}
	return pk, nil
}

func insertOperation(ctx context.Context, q queryer, pk int64, idx int, op model.Operation) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO form_operations (form_pk, idx, user_id, operation, date)
		VALUES (?, ?, ?, ?, ?)
	`, pk, idx, op.UserID, string(op.Operation), toNanos(op.Date))
	if err != nil {
		return fmt.Errorf("insert operation: %w", err)
	}
	return nil
}

// appendOperation adds op after the form's existing operations.
func appendOperation(ctx context.Context, q queryer, pk int64, op model.Operation) error {
	var next int
	err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(idx) + 1, 0) FROM form_operations WHERE form_pk = ?`, pk).Scan(&next)
	if err != nil {
		return fmt.Errorf("next operation index: %w", err)
	}
	return insertOperation(ctx, q, pk, next, op)
}

// ReadForm returns the form currently holding formID. It does not follow
// deprecation links; see engine.GetForm for that.
func (s *Store) ReadForm(ctx context.Context, formID string) (*model.Form, error) {
	_, f, err := readForm(ctx, s.db, formID)
	return f, err
}

func readForm(ctx context.Context, q queryer, formID string) (int64, *model.Form, error) {
	row := q.QueryRowContext(ctx, `SELECT `+formColumns+` FROM forms WHERE form_id = ?`, formID)
	pk, f, err := scanForm(row)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, model.NewFormNotFound(formID)
	}
	if err != nil {
		return 0, nil, fmt.Errorf("read form %s: %w", formID, err)
	}
	if err := loadFormChildren(ctx, q, pk, &f); err != nil {
		return 0, nil, err
	}
	return pk, &f, nil
}

func loadFormChildren(ctx context.Context, q queryer, pk int64, f *model.Form) error {
	rows, err := q.QueryContext(ctx, `
		SELECT user_id, operation, date FROM form_operations
		WHERE form_pk = ? ORDER BY idx ASC
	`, pk)
	if err != nil {
		return fmt.Errorf("query operations for %s: %w", f.FormID, err)
	}
	f.Operations = []model.Operation{}
	for rows.Next() {
		var (
			op   model.Operation
			name string
			date int64
		)
		if err := rows.Scan(&op.UserID, &name, &date); err != nil {
			rows.Close()
			return fmt.Errorf("scan operation: %w", err)
		}
		op.Operation = model.OperationType(name)
		op.Date = fromNanos(date)
		f.Operations = append(f.Operations, op)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterate operations: %w", err)
	}
	rows.Close()

	rows, err = q.QueryContext(ctx, `
		SELECT name, content_type, blob_key, size FROM form_attachments
		WHERE form_pk = ? ORDER BY name COLLATE BINARY ASC
	`, pk)
	if err != nil {
		return fmt.Errorf("query attachments for %s: %w", f.FormID, err)
	}
	defer rows.Close()
	f.Attachments = []model.Attachment{}
	for rows.Next() {
		var a model.Attachment
		if err := rows.Scan(&a.Name, &a.ContentType, &a.Key, &a.Size); err != nil {
			return fmt.Errorf("scan attachment: %w", err)
		}
		f.Attachments = append(f.Attachments, a)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate attachments: %w", err)
	}
	return nil
}

// FormExists reports whether any form holds formID.
func (s *Store) FormExists(ctx context.Context, formID string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM forms WHERE form_id = ?`, formID).Scan(&n); err != nil {
		return false, fmt.Errorf("form exists %s: %w", formID, err)
	}
	return n > 0, nil
}

// ListForms returns every form of a domain ordered by received_on, then seq.
func (s *Store) ListForms(ctx context.Context, domain string) ([]model.Form, error) {
	return s.queryForms(ctx, `
		SELECT `+formColumns+` FROM forms
		WHERE domain = ?
		ORDER BY received_on ASC, seq ASC, pk ASC
	`, domain)
}

// EditLinkedForms returns Normal and Archived forms of a domain that record
// a deprecated predecessor, in ingestion order.
func (s *Store) EditLinkedForms(ctx context.Context, domain string) ([]model.Form, error) {
	return s.queryForms(ctx, `
		SELECT `+formColumns+` FROM forms
		WHERE domain = ? AND deprecated_form_id != '' AND state IN (?, ?)
		ORDER BY seq ASC, pk ASC
	`, domain, string(model.FormNormal), string(model.FormArchived))
}

func (s *Store) queryForms(ctx context.Context, query string, args ...any) ([]model.Form, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query forms: %w", err)
	}
	type keyed struct {
		pk   int64
		form model.Form
	}
	var found []keyed
	for rows.Next() {
		pk, f, err := scanForm(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan form: %w", err)
		}
		found = append(found, keyed{pk, f})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate forms: %w", err)
	}
	rows.Close()

	forms := make([]model.Form, 0, len(found))
	for _, k := range found {
		f := k.form
		if err := loadFormChildren(ctx, s.db, k.pk, &f); err != nil {
			return nil, err
		}
		forms = append(forms, f)
	}
	return forms, nil
}

// MaxSeq returns the highest ingestion sequence number in the store.
func (s *Store) MaxSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM forms`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("max seq: %w", err)
	}
	return seq, nil
}

// TransitionForm moves formID from one state to another, appends op, and sets
// the revoked flag of every transaction the form produced. The state change is
// compare-and-set: if the form is not in from, nothing is written and an
// InvalidStateTransition is returned.
//
// missing holds transactions derived for a form that has none, such as one
// copied in as Archived. They are written in the same transaction when the
// form still has no transactions and ignored otherwise.
//
// Returns the ids of every case the form's transactions touch.
func (s *Store) TransitionForm(ctx context.Context, formID string, from, to model.FormState, op model.Operation, revoke bool, missing []model.Transaction) ([]string, error) {
	var cases []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		pk, f, err := readForm(ctx, tx, formID)
		if err != nil {
			return err
		}
		if f.State != from {
			return model.NewInvalidStateTransition(formID, f.State, op.Operation)
		}
		res, err := tx.ExecContext(ctx, `UPDATE forms SET state = ? WHERE pk = ? AND state = ?`, string(to), pk, string(from))
		if err != nil {
			return fmt.Errorf("update state: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil || n != 1 {
			return model.NewInvalidStateTransition(formID, f.State, op.Operation)
		}
		if err := appendOperation(ctx, tx, pk, op); err != nil {
			return err
		}
		if len(missing) > 0 {
			if err := appendMissing(ctx, tx, formID, missing); err != nil {
				return err
			}
		}
		if revoke {
			err = setRevoked(ctx, tx, `form_id = ?`, []any{formID}, true)
		} else {
			err = enableForForm(ctx, tx, formID)
		}
		if err != nil {
			return err
		}
		cases, err = casesForForm(ctx, tx, formID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("transition form %s: %w", formID, err)
	}
	return cases, nil
}

func appendMissing(ctx context.Context, tx *sql.Tx, formID string, txs []model.Transaction) error {
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM case_transactions WHERE form_id = ?`, formID).Scan(&n); err != nil {
		return fmt.Errorf("count transactions for %s: %w", formID, err)
	}
	if n > 0 {
		return nil
	}
	for i := range txs {
		if txs[i].FormID != formID {
			return fmt.Errorf("transaction for case %s belongs to form %s, not %s", txs[i].CaseID, txs[i].FormID, formID)
		}
		// Written revoked; the state change below sets the final flag.
		txs[i].Revoked = true
		id, err := appendTransaction(ctx, tx, &txs[i])
		if err != nil {
			return err
		}
		txs[i].ID = id
	}
	return nil
}

// AppendOperation records an audit entry without changing state.
func (s *Store) AppendOperation(ctx context.Context, formID string, op model.Operation) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		pk, _, err := readForm(ctx, tx, formID)
		if err != nil {
			return err
		}
		return appendOperation(ctx, tx, pk, op)
	})
}

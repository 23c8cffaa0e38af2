package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/dimagi/caseledger/internal/model"
)

// Append adds a transaction to the log. A second enabled transaction for the
// same (case_id, form_id) fails with DuplicateTransactionError.
func (s *Store) Append(ctx context.Context, t model.Transaction) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = appendTransaction(ctx, tx, &t)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("append transaction: %w", err)
	}
	return id, nil
}

func appendTransaction(ctx context.Context, q queryer, t *model.Transaction) (int64, error) {
	if t.FormID != "" && !t.Revoked {
		taken, err := enabledPairExists(ctx, q, t.CaseID, t.FormID, 0)
		if err != nil {
			return 0, err
		}
		if taken {
			return 0, model.NewDuplicateTransaction(t.CaseID, t.FormID)
		}
	}

	details, err := marshalDetails(t.Details)
	if err != nil {
		return 0, err
	}
	block, err := marshalBlock(t.Block)
	if err != nil {
		return 0, err
	}

	res, err := q.ExecContext(ctx, `
		INSERT INTO case_transactions
		(case_id, domain, form_id, type, server_date, seq, revoked, details, block)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.CaseID,
		t.Domain,
		t.FormID,
		int(t.Type),
		toNanos(t.ServerDate),
		t.Seq,
		boolInt(t.Revoked),
		details,
		block,
	)
	if err != nil {
		return 0, fmt.Errorf("insert transaction %s/%s: %w", t.CaseID, t.FormID, err)
	}
	return res.LastInsertId()
}

// enabledPairExists reports whether an enabled transaction other than
// exceptID holds (caseID, formID).
func enabledPairExists(ctx context.Context, q queryer, caseID, formID string, exceptID int64) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM case_transactions
		WHERE case_id = ? AND form_id = ? AND revoked = 0 AND id != ?
	`, caseID, formID, exceptID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check enabled pair %s/%s: %w", caseID, formID, err)
	}
	return n > 0, nil
}

// Disable revokes the transaction for (caseID, formID). Idempotent.
func (s *Store) Disable(ctx context.Context, caseID, formID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return setRevoked(ctx, tx, `case_id = ? AND form_id = ?`, []any{caseID, formID}, true)
	})
}

// Enable restores the most recent transaction for (caseID, formID).
// Idempotent when it is already enabled.
func (s *Store) Enable(ctx context.Context, caseID, formID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var id int64
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM case_transactions
			WHERE case_id = ? AND form_id = ?
			ORDER BY id DESC LIMIT 1
		`, caseID, formID).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("find transaction %s/%s: %w", caseID, formID, err)
		}
		return enableTransaction(ctx, tx, id, caseID, formID)
	})
}

func enableTransaction(ctx context.Context, q queryer, id int64, caseID, formID string) error {
	taken, err := enabledPairExists(ctx, q, caseID, formID, id)
	if err != nil {
		return err
	}
	if taken {
		return model.NewDuplicateTransaction(caseID, formID)
	}
	if _, err := q.ExecContext(ctx, `UPDATE case_transactions SET revoked = 0 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("enable transaction %d: %w", id, err)
	}
	return nil
}

// enableForForm re-enables every transaction the form produced.
func enableForForm(ctx context.Context, q queryer, formID string) error {
	rows, err := q.QueryContext(ctx, `
		SELECT id, case_id FROM case_transactions
		WHERE form_id = ? AND revoked = 1
		ORDER BY id ASC
	`, formID)
	if err != nil {
		return fmt.Errorf("query revoked transactions for %s: %w", formID, err)
	}
	type pair struct {
		id     int64
		caseID string
	}
	var pairs []pair
	for rows.Next() {
		var p pair
		if err := rows.Scan(&p.id, &p.caseID); err != nil {
			rows.Close()
			return fmt.Errorf("scan revoked transaction: %w", err)
		}
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterate revoked transactions: %w", err)
	}
	rows.Close()

	for _, p := range pairs {
		if err := enableTransaction(ctx, q, p.id, p.caseID, formID); err != nil {
			return err
		}
	}
	return nil
}

func setRevoked(ctx context.Context, q queryer, where string, args []any, revoked bool) error {
	query := `UPDATE case_transactions SET revoked = ? WHERE form_id != '' AND ` + where
	if _, err := q.ExecContext(ctx, query, append([]any{boolInt(revoked)}, args...)...); err != nil {
		return fmt.Errorf("set revoked: %w", err)
	}
	return nil
}

// OrderedTransactions returns the enabled form transactions of a case sorted
// by server_date, then ingestion seq, then row id. Rebuild markers are not
// included. Returns an empty slice (not nil) when there are none.
func (s *Store) OrderedTransactions(ctx context.Context, caseID string) ([]model.Transaction, error) {
	return orderedTransactions(ctx, s.db, caseID)
}

func orderedTransactions(ctx context.Context, q queryer, caseID string) ([]model.Transaction, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+transactionColumns+` FROM case_transactions
		WHERE case_id = ? AND revoked = 0 AND form_id != ''
		ORDER BY server_date ASC, seq ASC, id ASC
	`, caseID)
	if err != nil {
		return nil, fmt.Errorf("query ordered transactions for %s: %w", caseID, err)
	}
	return collectTransactions(rows)
}

// CaseHistory returns every transaction of a case, revoked ones and rebuild
// markers included, in log order.
func (s *Store) CaseHistory(ctx context.Context, caseID string) ([]model.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+transactionColumns+` FROM case_transactions
		WHERE case_id = ?
		ORDER BY server_date ASC, seq ASC, id ASC
	`, caseID)
	if err != nil {
		return nil, fmt.Errorf("query history for %s: %w", caseID, err)
	}
	return collectTransactions(rows)
}

// TransactionsForForm returns every transaction the form produced.
func (s *Store) TransactionsForForm(ctx context.Context, formID string) ([]model.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+transactionColumns+` FROM case_transactions
		WHERE form_id = ?
		ORDER BY case_id COLLATE BINARY ASC, id ASC
	`, formID)
	if err != nil {
		return nil, fmt.Errorf("query transactions for form %s: %w", formID, err)
	}
	return collectTransactions(rows)
}

// CasesForForm returns every case the form's transactions reference,
// including cases only named as index targets, sorted.
func (s *Store) CasesForForm(ctx context.Context, formID string) ([]string, error) {
	return casesForForm(ctx, s.db, formID)
}

func casesForForm(ctx context.Context, q queryer, formID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+transactionColumns+` FROM case_transactions
		WHERE form_id = ?
		ORDER BY id ASC
	`, formID)
	if err != nil {
		return nil, fmt.Errorf("query cases for form %s: %w", formID, err)
	}
	txs, err := collectTransactions(rows)
	if err != nil {
		return nil, err
	}
	return CaseIDs(txs), nil
}

// CaseIDs collects the case ids and index targets of txs, sorted and unique.
func CaseIDs(txs []model.Transaction) []string {
	seen := make(map[string]bool)
	for _, t := range txs {
		seen[t.CaseID] = true
		if t.Block == nil {
			continue
		}
		for _, idx := range t.Block.Indices {
			if !idx.Removes() {
				seen[idx.ReferencedID] = true
			}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LastMarker returns the most recent rebuild marker of a case, or nil.
func (s *Store) LastMarker(ctx context.Context, caseID string) (*model.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+transactionColumns+` FROM case_transactions
		WHERE case_id = ? AND form_id = ''
		ORDER BY id DESC LIMIT 1
	`, caseID)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last marker for %s: %w", caseID, err)
	}
	return &t, nil
}

// CountTransactions returns the total number of rows in the log.
func (s *Store) CountTransactions(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM case_transactions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count transactions: %w", err)
	}
	return n, nil
}

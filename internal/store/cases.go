package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dimagi/caseledger/internal/model"
)

// ReadCase returns the stored aggregate for caseID, or CaseNotFound.
func (s *Store) ReadCase(ctx context.Context, caseID string) (*model.Case, error) {
	var state string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM cases WHERE case_id = ?`, caseID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NewCaseNotFound(caseID)
	}
	if err != nil {
		return nil, fmt.Errorf("read case %s: %w", caseID, err)
	}
	return model.DecodeCase([]byte(state))
}

// SaveCase writes the aggregate and, when marker is non-nil, appends the
// rebuild marker in the same transaction. The soft-deleted flag is kept and
// forces IsDeleted.
func (s *Store) SaveCase(ctx context.Context, c *model.Case, marker *model.Transaction, at time.Time) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		deleted, err := softDeleted(ctx, tx, c.CaseID)
		if err != nil {
			return err
		}
		if deleted {
			c.IsDeleted = true
		}
		state, err := c.Canonical()
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO cases (case_id, domain, state, soft_deleted, rebuilt_at)
			VALUES (?, ?, ?, 0, ?)
			ON CONFLICT(case_id) DO UPDATE SET
				domain = excluded.domain,
				state = excluded.state,
				rebuilt_at = excluded.rebuilt_at
		`, c.CaseID, c.Domain, string(state), toNanos(at))
		if err != nil {
			return fmt.Errorf("upsert case: %w", err)
		}
		if marker != nil {
			if _, err := appendTransaction(ctx, tx, marker); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save case %s: %w", c.CaseID, err)
	}
	return nil
}

func softDeleted(ctx context.Context, q queryer, caseID string) (bool, error) {
	var flag int
	err := q.QueryRowContext(ctx, `SELECT soft_deleted FROM cases WHERE case_id = ?`, caseID).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("soft deleted %s: %w", caseID, err)
	}
	return flag != 0, nil
}

// IsSoftDeleted reports whether the case was soft deleted.
func (s *Store) IsSoftDeleted(ctx context.Context, caseID string) (bool, error) {
	return softDeleted(ctx, s.db, caseID)
}

// SoftDeleteCase flags a stored case as deleted. Rebuilds keep the flag.
func (s *Store) SoftDeleteCase(ctx context.Context, caseID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var state string
		err := tx.QueryRowContext(ctx, `SELECT state FROM cases WHERE case_id = ?`, caseID).Scan(&state)
		if errors.Is(err, sql.ErrNoRows) {
			return model.NewCaseNotFound(caseID)
		}
		if err != nil {
			return fmt.Errorf("read case %s: %w", caseID, err)
		}
		c, err := model.DecodeCase([]byte(state))
		if err != nil {
			return err
		}
		c.IsDeleted = true
		updated, err := c.Canonical()
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE cases SET soft_deleted = 1, state = ? WHERE case_id = ?`, string(updated), caseID)
		if err != nil {
			return fmt.Errorf("soft delete %s: %w", caseID, err)
		}
		return nil
	})
}

// ListCaseIDs returns the ids of every stored case in a domain, sorted.
// An empty domain lists all cases.
func (s *Store) ListCaseIDs(ctx context.Context, domain string) ([]string, error) {
	query := `SELECT case_id FROM cases ORDER BY case_id COLLATE BINARY ASC`
	var args []any
	if domain != "" {
		query = `SELECT case_id FROM cases WHERE domain = ? ORDER BY case_id COLLATE BINARY ASC`
		args = append(args, domain)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan case id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cases: %w", err)
	}
	return ids, nil
}

// HasTransactions reports whether any transaction names caseID.
func (s *Store) HasTransactions(ctx context.Context, caseID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM case_transactions WHERE case_id = ?`, caseID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("has transactions %s: %w", caseID, err)
	}
	return n > 0, nil
}

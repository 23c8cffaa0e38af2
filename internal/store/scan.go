package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dimagi/caseledger/internal/model"
)

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullableNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// marshalDetails converts details to JSON TEXT. Go's encoding/json emits
// struct fields in declaration order, so the output is stable.
func marshalDetails(d model.TransactionDetails) (string, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("marshal details: %w", err)
	}
	return string(b), nil
}

// marshalBlock converts a case block to JSON TEXT. The update map is encoded
// canonically through model.Object.MarshalJSON.
func marshalBlock(b *model.CaseBlock) (sql.NullString, error) {
	if b == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(b)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal block: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

const transactionColumns = `id, case_id, domain, form_id, type, server_date, seq, revoked, details, block`

func scanTransaction(row rowScanner) (model.Transaction, error) {
	var (
		tx         model.Transaction
		serverDate int64
		revoked    int
		details    string
		block      sql.NullString
		typ        int
	)
	if err := row.Scan(&tx.ID, &tx.CaseID, &tx.Domain, &tx.FormID, &typ, &serverDate, &tx.Seq, &revoked, &details, &block); err != nil {
		return model.Transaction{}, fmt.Errorf("scan transaction: %w", err)
	}
	tx.Type = model.TransactionType(typ)
	tx.ServerDate = fromNanos(serverDate)
	tx.Revoked = revoked != 0
	if err := json.Unmarshal([]byte(details), &tx.Details); err != nil {
		return model.Transaction{}, fmt.Errorf("unmarshal details for transaction %d: %w", tx.ID, err)
	}
	if block.Valid {
		var b model.CaseBlock
		if err := json.Unmarshal([]byte(block.String), &b); err != nil {
			return model.Transaction{}, fmt.Errorf("unmarshal block for transaction %d: %w", tx.ID, err)
		}
		tx.Block = &b
	}
	return tx, nil
}

func collectTransactions(rows *sql.Rows) ([]model.Transaction, error) {
	defer rows.Close()
	txs := []model.Transaction{}
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return txs, nil
}

const formColumns = `pk, form_id, domain, xmlns, user_id, received_on, edited_on, state, orig_id, deprecated_form_id, seq, content_hash, problem`

func scanForm(row rowScanner) (int64, model.Form, error) {
	var (
		pk         int64
		f          model.Form
		receivedOn int64
		editedOn   sql.NullInt64
		state      string
	)
	err := row.Scan(&pk, &f.FormID, &f.Domain, &f.XMLNS, &f.UserID, &receivedOn, &editedOn,
		&state, &f.OrigID, &f.DeprecatedFormID, &f.Seq, &f.ContentHash, &f.Problem)
	if err != nil {
		return 0, model.Form{}, err
	}
	f.ReceivedOn = fromNanos(receivedOn)
	f.EditedOn = timePtr(editedOn)
	f.State = model.FormState(state)
	return pk, f, nil
}

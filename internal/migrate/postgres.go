package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

const (
	postgresDriver = "pgx"

	// Default tables of a Postgres document export. Each has columns
	// id (insertion order), domain and doc (jsonb).
	DefaultFormTable = "form_docs"
	DefaultCaseTable = "case_docs"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// PostgresSource reads form and case documents from a Postgres export.
// Documents are yielded in id order.
type PostgresSource struct {
	db        *sql.DB
	formTable string
	caseTable string
}

// OpenPostgres connects to dsn. Empty table names use the defaults.
func OpenPostgres(ctx context.Context, dsn, formTable, caseTable string) (*PostgresSource, error) {
	if formTable == "" {
		formTable = DefaultFormTable
	}
	if caseTable == "" {
		caseTable = DefaultCaseTable
	}
	openMu.Lock()
	db, err := sqlOpen(postgresDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresSource{db: db, formTable: formTable, caseTable: caseTable}, nil
}

func (s *PostgresSource) Forms(ctx context.Context, domain string, fn func(*FormDoc) error) error {
	return s.scan(ctx, s.formTable, domain, func(data []byte) error {
		doc, err := ParseFormDoc(data)
		if err != nil {
			return err
		}
		return fn(doc)
	})
}

func (s *PostgresSource) Cases(ctx context.Context, domain string, fn func(*CaseDoc) error) error {
	return s.scan(ctx, s.caseTable, domain, func(data []byte) error {
		doc, err := ParseCaseDoc(data)
		if err != nil {
			return err
		}
		return fn(doc)
	})
}

func (s *PostgresSource) Close() error {
	return s.db.Close()
}

func (s *PostgresSource) scan(ctx context.Context, table, domain string, fn func([]byte) error) error {
	// Table names come from configuration, never from documents.
	query := fmt.Sprintf(`SELECT doc::text FROM %s WHERE domain = $1 ORDER BY id`, table)
	rows, err := s.db.QueryContext(ctx, query, domain)
	if err != nil {
		return fmt.Errorf("select %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return fmt.Errorf("scan %s: %w", table, err)
		}
		if err := fn(doc); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate %s: %w", table, err)
	}
	return nil
}

// OverrideSQLOpen swaps the function used to open Postgres connections and
// returns a restore func. Tests use it to run against a stub driver.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}

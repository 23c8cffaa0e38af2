// Package store provides SQLite-backed durable storage for the case ledger.
//
// Tables:
//   - forms (+ form_operations, form_attachments): one row per form id slot.
//     The internal pk never changes, so an edit can swap the public form_id
//     without touching operations or attachments.
//   - case_transactions: the append-only case transaction log. Archive and
//     edit revoke rows; only clash repair deletes them.
//   - cases: the aggregate cache written by rebuilds.
//
// # Ordering
//
// OrderedTransactions sorts by server_date ASC, seq ASC, id ASC. server_date is
// stored as unix nanoseconds so the SQL order is the time order. seq is the
// ingestion sequence number and breaks timestamp ties deterministically.
//
// # Atomicity
//
// Every lifecycle change (transition, edit, clash repair) and every aggregate
// write with its marker commits in one SQL transaction. The connection pool is
// limited to a single connection, so statements inside a transaction must use
// the *sql.Tx, never the *sql.DB.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store

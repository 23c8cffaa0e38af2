// Package engine implements the form lifecycle and case rebuild engine.
//
// Forms are events and cases are folds over them. The engine accepts
// submissions, moves forms through their lifecycle (archive, unarchive,
// edit, duplicate, clash repair) and keeps every case aggregate equal to
// the fold of its enabled transactions.
//
// ARCHITECTURE:
//
// Write path:
//  1. Submit parses the payload and derives transactions (package ingest)
//  2. payload and attachments go to the blob store, content addressed
//  3. the form and its transactions are written in one SQL transaction
//  4. every touched case is rebuilt (inline, or queued in async mode)
//
// Rebuild:
// RebuildCase reads the case's enabled transactions in log order
// (server_date, then seq, then row id), folds them with casebuild.Build and
// writes the aggregate together with a rebuild marker. A rebuild that would
// change nothing writes nothing.
//
// CONCURRENCY:
//
// Case locks: every aggregate write happens under the case's lock. Multi-case
// operations lock in sorted id order.
//
// Rebuild queue: with WithAsyncRebuild, lifecycle operations enqueue
// RebuildRequested commands and Run drains them with a bounded worker pool.
// The default is synchronous: rebuilds run inline and their results are
// returned to the caller.
//
// Sequence clock: every stored form gets a seq from Clock. Fold order never
// depends on processing order.
package engine

// Package model provides the canonical data model for the case ledger.
//
// This package contains type definitions, canonical serialization and the
// shared error taxonomy. All other internal packages import model; model
// imports nothing internal.
//
// Key constraints:
//   - Property values are a sealed variant type (Value), never bare interface{}
//   - Decimals are exact text, never float64
//   - All times are UTC and serialized as RFC 3339 with nanoseconds
//   - All JSON tags use snake_case
//   - Canonical JSON (MarshalCanonical) is the only serialization used for
//     aggregate comparison and content hashing
package model

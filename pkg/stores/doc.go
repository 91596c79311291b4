// Package stores provides the SQLite persistence layer for froyoflow.
// A single SQLiteStore backs workflow definitions, run views, the
// append-only execution ledger, run outcomes, events and the audit trail.
// Schema changes are applied from embedded migrations.
package stores

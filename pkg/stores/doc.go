// Package stores provides the SQLite persistence layer for resources,
// dependency edges, the operation ledger, operation logs, and cache metadata.
package stores

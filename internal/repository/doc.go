// Package repository defines the data access interfaces for portalgate.
//
// Two kinds of records are persisted: the equipment inventory (descriptors
// added through the API, credentials included) and the session ledger, an
// append-and-update history of every guest session the adapters created.
// Adapters keep their live session state in memory; the ledger is what the
// dashboard reads after a restart.
//
// # SQLite Implementation
//
// The sqlite subpackage implements Repository on modernc.org/sqlite with WAL
// mode. Descriptors are stored as JSON with the credential kind
// discriminator, and indexed columns (id, type, ip_address) override the
// JSON on read. The schema is created on startup.
//
// # Testing
//
// The sqlite repository is tested against in-memory databases.
package repository

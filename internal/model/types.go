// Package model holds the interfaces external collaborators must satisfy
// (the Database, PreparedRequest, Statement, and RowAdapter contracts of
// spec.md §6) plus the small set of value types that cross those
// boundaries. It is the dependency hub every other package in this module
// imports, the same role internal/model plays in the teacher daemon this
// module is adapted from.
package model

import (
	"context"
	"database/sql"

	"github.com/sqlitewatch/fetchedcontroller/internal/rowsnapshot"
	"github.com/sqlitewatch/fetchedcontroller/internal/selection"
)

// ChangeEvent describes one write the caller asserts a Database.Write
// closure performed, used to drive TransactionObserver.DidChange.
type ChangeEvent struct {
	Kind    selection.ChangeKind
	Table   string
	Columns []string
}

// Observer is the callback surface a Database implementation drives on
// commit/rollback, matching spec.md §4.3's TransactionObserver contract.
// Registered observers are driven serially on the writer context. Every
// registered observer receives every call; an observer tracks for itself
// whether a transaction concerned it.
type Observer interface {
	// DidChange is called once per ChangeEvent asserted by a Write call,
	// before that transaction commits.
	DidChange(ChangeEvent)
	// WillCommit is called immediately before the transaction commits.
	WillCommit()
	// DidCommit is called after a successful commit. The observer is
	// responsible for opening its own snapshot read.
	DidCommit(ctx context.Context)
	// DidRollback is called when the transaction is rolled back, whether
	// due to an explicit error or a recovered panic.
	DidRollback()
}

// Database is the external collaborator a FetchedController is built
// against: a SQLite handle exposing a serial writer context, a
// snapshot-isolated read context that may run concurrently with writes,
// and transaction-observer registration.
type Database interface {
	// Write runs fn inside a single write transaction on the writer
	// context. events lists every change fn is asserted to make; each is
	// delivered to every registered Observer's DidChange before commit.
	Write(ctx context.Context, events []ChangeEvent, fn func(*sql.Tx) error) error
	// ReadFromCurrentState runs fn against a read-only connection that
	// observes a consistent snapshot of the database, concurrently with
	// any in-flight Write.
	ReadFromCurrentState(ctx context.Context, fn func(*sql.Conn) error) error
	// RegisterTransactionObserver and UnregisterTransactionObserver add
	// or remove an Observer from the set driven by Write.
	RegisterTransactionObserver(Observer)
	UnregisterTransactionObserver(Observer)
}

// Statement is an enumerable cursor over raw rows, as produced by preparing
// a PreparedRequest against a Database.
type Statement interface {
	Next(ctx context.Context) bool
	Snapshot() (rowsnapshot.Snapshot, error)
	Err() error
	Close() error
}

// RowAdapter optionally remaps the column names a Statement reports before
// they are captured into a Snapshot, e.g. to rename ambiguous joined
// columns. A nil RowAdapter leaves names untouched.
type RowAdapter interface {
	Adapt(columns []string) []string
}

// PreparedRequest is the read-only query a FetchedController tracks. It
// knows how to prepare itself against a Database and what it reads.
type PreparedRequest interface {
	Prepare(ctx context.Context, db Database) (Statement, RowAdapter, error)
	SelectionInfo() selection.Info
}

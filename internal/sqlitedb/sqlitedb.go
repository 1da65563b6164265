// Package sqlitedb implements model.Database over modernc.org/sqlite (the
// pure-Go driver the teacher's internal/db package already depends on).
// modernc.org/sqlite does not expose the native sqlite3_update_hook/
// commit_hook/rollback_hook bindings mattn/go-sqlite3 offers through
// database/sql, so change notification is driven explicitly: DB.Write takes
// the []model.ChangeEvent the caller asserts it performed and forwards it,
// WillCommit, and DidCommit/DidRollback to every registered
// model.Observer — see SPEC_FULL.md §6.
package sqlitedb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/sqlitewatch/fetchedcontroller/internal/config"
	"github.com/sqlitewatch/fetchedcontroller/internal/model"
)

// DB is a model.Database backed by two *sql.DB handles into the same WAL
// file: a single-connection writer (serializing all writes, mirroring the
// teacher's db.Store.SetMaxOpenConns(1) convention) and a multi-connection
// read-only pool that observes a consistent snapshot concurrently with an
// in-flight write, per spec.md §4.4/§6.
type DB struct {
	writer *sql.DB
	reader *sql.DB

	writeMu sync.Mutex

	obsMu     sync.RWMutex
	observers []model.Observer
}

// Open creates the parent directory if needed and opens both handles
// against path in WAL mode, using config.DefaultConfig's busy timeout.
func Open(ctx context.Context, path string) (*DB, error) {
	return OpenWithConfig(ctx, path, config.DefaultConfig())
}

// OpenWithConfig is Open with a caller-supplied Config, used by cmd/fetchdemo
// to apply config.Config.BusyTimeout (and, via path, config.Config.DBPath)
// instead of the package default.
func OpenWithConfig(ctx context.Context, path string, cfg config.Config) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlitedb: path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	busyMillis := cfg.BusyTimeout.Milliseconds()
	if busyMillis <= 0 {
		busyMillis = 5000
	}

	writerDSN := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)", path, busyMillis)
	writer, err := sql.Open("sqlite", writerDSN)
	if err != nil {
		return nil, fmt.Errorf("open writer: %w", err)
	}
	writer.SetMaxOpenConns(1)
	if err := writer.PingContext(ctx); err != nil {
		writer.Close()
		return nil, fmt.Errorf("ping writer: %w", err)
	}

	readerDSN := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=query_only(1)", path, busyMillis)
	reader, err := sql.Open("sqlite", readerDSN)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("open reader: %w", err)
	}
	if err := reader.PingContext(ctx); err != nil {
		writer.Close()
		reader.Close()
		return nil, fmt.Errorf("ping reader: %w", err)
	}

	return &DB{writer: writer, reader: reader}, nil
}

// Close closes both underlying handles.
func (d *DB) Close() error {
	werr := d.writer.Close()
	rerr := d.reader.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// WriterDB exposes the raw writer handle for schema migrations and the
// rare caller that needs it directly.
func (d *DB) WriterDB() *sql.DB { return d.writer }

// Write runs fn inside one write transaction, serialized against every
// other Write call, and drives every registered Observer's
// DidChange/WillCommit/DidCommit/DidRollback around it.
func (d *DB) Write(ctx context.Context, events []model.ChangeEvent, fn func(*sql.Tx) error) (err error) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	tx, err := d.writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin write transaction: %w", err)
	}

	committed := false
	defer func() {
		r := recover()
		if !committed {
			_ = tx.Rollback()
			d.notifyRollback()
		}
		if r != nil {
			panic(r)
		}
	}()

	if err = fn(tx); err != nil {
		return fmt.Errorf("run write transaction: %w", err)
	}

	d.notifyChanges(events)
	d.notifyWillCommit()

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit write transaction: %w", err)
	}
	committed = true
	d.notifyDidCommit(ctx)
	return nil
}

// ReadFromCurrentState runs fn against a pooled read-only connection,
// observing a consistent WAL snapshot independent of any concurrent Write.
func (d *DB) ReadFromCurrentState(ctx context.Context, fn func(*sql.Conn) error) error {
	conn, err := d.reader.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire read connection: %w", err)
	}
	defer conn.Close()
	if err := fn(conn); err != nil {
		return fmt.Errorf("read from current state: %w", err)
	}
	return nil
}

// AcquireReadConn hands the caller a read-only connection it owns until it
// calls Close, used by Statement implementations that iterate rows across
// multiple calls rather than within one callback's scope.
func (d *DB) AcquireReadConn(ctx context.Context) (*sql.Conn, error) {
	conn, err := d.reader.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire read connection: %w", err)
	}
	return conn, nil
}

func (d *DB) RegisterTransactionObserver(o model.Observer) {
	d.obsMu.Lock()
	defer d.obsMu.Unlock()
	d.observers = append(d.observers, o)
}

func (d *DB) UnregisterTransactionObserver(o model.Observer) {
	d.obsMu.Lock()
	defer d.obsMu.Unlock()
	for i, existing := range d.observers {
		if existing == o {
			d.observers = append(d.observers[:i], d.observers[i+1:]...)
			return
		}
	}
}

func (d *DB) notifyChanges(events []model.ChangeEvent) {
	d.obsMu.RLock()
	defer d.obsMu.RUnlock()
	for _, ev := range events {
		for _, o := range d.observers {
			o.DidChange(ev)
		}
	}
}

func (d *DB) notifyWillCommit() {
	d.obsMu.RLock()
	defer d.obsMu.RUnlock()
	for _, o := range d.observers {
		o.WillCommit()
	}
}

func (d *DB) notifyDidCommit(ctx context.Context) {
	d.obsMu.RLock()
	defer d.obsMu.RUnlock()
	for _, o := range d.observers {
		o.DidCommit(ctx)
	}
}

func (d *DB) notifyRollback() {
	d.obsMu.RLock()
	defer d.obsMu.RUnlock()
	for _, o := range d.observers {
		o.DidRollback()
	}
}

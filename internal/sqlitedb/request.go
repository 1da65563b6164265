package sqlitedb

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sqlitewatch/fetchedcontroller/internal/config"
	"github.com/sqlitewatch/fetchedcontroller/internal/model"
	"github.com/sqlitewatch/fetchedcontroller/internal/rowsnapshot"
	"github.com/sqlitewatch/fetchedcontroller/internal/selection"
)

// defaultParser memoizes selection.Info by SQL text across every Request,
// as described in SPEC_FULL.md §2/§4.9 (hashicorp/golang-lru/v2), sized by
// config.Config.SelectionCacheSize.
var defaultParser = selection.NewCachedParser(config.DefaultConfig().SelectionCacheSize)

// Request is the concrete model.PreparedRequest built from raw SQL text:
// its SelectionInfo is derived by best-effort parsing of the query rather
// than being declared by the caller.
type Request struct {
	query string
	args  []any
}

// NewRequest builds a Request from a SELECT query and its bound arguments.
func NewRequest(query string, args ...any) *Request {
	return &Request{query: query, args: args}
}

// SelectionInfo implements model.PreparedRequest.
func (r *Request) SelectionInfo() selection.Info {
	return defaultParser.Parse(r.query)
}

// Prepare implements model.PreparedRequest against a concrete *DB: it
// acquires a read connection the returned Statement owns until Close, and
// runs the query against it.
func (r *Request) Prepare(ctx context.Context, db model.Database) (model.Statement, model.RowAdapter, error) {
	sdb, ok := db.(*DB)
	if !ok {
		return nil, nil, &model.PrepareError{Request: r.query, Err: fmt.Errorf("sqlitedb: Request requires a *sqlitedb.DB, got %T", db)}
	}

	conn, err := sdb.AcquireReadConn(ctx)
	if err != nil {
		return nil, nil, &model.PrepareError{Request: r.query, Err: err}
	}

	rows, err := conn.QueryContext(ctx, r.query, r.args...)
	if err != nil {
		conn.Close()
		return nil, nil, &model.PrepareError{Request: r.query, Err: err}
	}

	return &rowStatement{conn: conn, rows: rows, query: r.query}, nil, nil
}

// rowStatement implements model.Statement over a *sql.Rows cursor and the
// connection it was issued on.
type rowStatement struct {
	conn  *sql.Conn
	rows  *sql.Rows
	query string
}

func (s *rowStatement) Next(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}
	return s.rows.Next()
}

func (s *rowStatement) Snapshot() (rowsnapshot.Snapshot, error) {
	snap, err := rowsnapshot.FromRows(s.rows)
	if err != nil {
		return rowsnapshot.Snapshot{}, &model.ExecutionError{Request: s.query, Err: err}
	}
	return snap, nil
}

func (s *rowStatement) Err() error {
	if err := s.rows.Err(); err != nil {
		return &model.ExecutionError{Request: s.query, Err: err}
	}
	return nil
}

func (s *rowStatement) Close() error {
	rerr := s.rows.Close()
	cerr := s.conn.Close()
	if rerr != nil {
		return rerr
	}
	return cerr
}

// Package controller implements FetchedController[Element], the public
// facade spec.md §9 asks for as a single generic type replacing the
// source's four element-kind specializations: a Projector[Element] plus an
// optional Identity are enough to parametrize every specialization.
package controller

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"weak"

	"github.com/google/uuid"

	"github.com/sqlitewatch/fetchedcontroller/internal/config"
	"github.com/sqlitewatch/fetchedcontroller/internal/differ"
	"github.com/sqlitewatch/fetchedcontroller/internal/model"
	"github.com/sqlitewatch/fetchedcontroller/internal/observer"
	"github.com/sqlitewatch/fetchedcontroller/internal/resultset"
	"github.com/sqlitewatch/fetchedcontroller/internal/rowsnapshot"
	"github.com/sqlitewatch/fetchedcontroller/internal/scheduler"
	"github.com/sqlitewatch/fetchedcontroller/internal/section"
)

// Callbacks is the set of notifications Track installs. The controller
// always computes the full per-record edit script, so OnChange receives
// the events of every change it reports; there is no identity-free fast
// path here. All four fields are optional.
//
// FetchAlongside, if set, computes an auxiliary value alongside every
// re-fetch this controller performs — for a commit-driven refresh, inside
// the same pinned read view the scheduler opens for the main query, before
// the writer lock is released, so it observes exactly the same database
// state as the rows being diffed. Its result (or the zero value of
// Alongside, if FetchAlongside is nil) is passed to both WillChange and
// DidChange. If it errors, the whole refresh fails: the error is returned
// from Fetch/SetRequest or passed to the TrackErrors handler, and none of
// WillChange/OnChange/DidChange is called.
type Callbacks[Element, Alongside any] struct {
	WillChange     func(alongside Alongside)
	OnChange       func(events []differ.Event[Element])
	DidChange      func(alongside Alongside)
	FetchAlongside func(ctx context.Context, db model.Database) (Alongside, error)
}

type lifecycle int

const (
	lifecycleIdle lifecycle = iota
	lifecycleFetched
	lifecycleObserving
	lifecycleInert
)

// Controller holds the current ResultSet for one PreparedRequest and,
// once Track is called, keeps it in sync with the database across
// committed transactions, in commit order, without blocking writers.
// Alongside is the type of the optional fetch-alongside value threaded
// through WillChange/DidChange; a Controller that never needs one can be
// instantiated with Alongside = struct{}.
type Controller[Element, Alongside any] struct {
	mu sync.Mutex

	id uuid.UUID

	db       model.Database
	request  model.PreparedRequest
	project  resultset.Projector[Element]
	identity resultset.Identity

	current resultset.ResultSet[Element]
	state   lifecycle

	obs   *observer.TransactionObserver
	sched *scheduler.Scheduler[statementHandle[Alongside], fetchResult[Element, Alongside]]

	callbacks Callbacks[Element, Alongside]
	onError   func(error)
}

type statementHandle[Alongside any] struct {
	stmt      model.Statement
	adapter   model.RowAdapter
	alongside Alongside
}

type fetchResult[Element, Alongside any] struct {
	rows      resultset.ResultSet[Element]
	alongside Alongside
}

// Create builds a Controller and performs its first synchronous fetch.
func Create[Element, Alongside any](ctx context.Context, db model.Database, request model.PreparedRequest, project resultset.Projector[Element], identity resultset.Identity) (*Controller[Element, Alongside], error) {
	c := &Controller[Element, Alongside]{
		id:       uuid.New(),
		db:       db,
		request:  request,
		project:  project,
		identity: identity,
		sched:    scheduler.New[statementHandle[Alongside], fetchResult[Element, Alongside]](scheduler.NewSerialQueueWithCapacity(config.DefaultConfig().NotificationQueueSize)),
	}
	next, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}
	c.current = next
	c.state = lifecycleFetched
	return c, nil
}

// Fetch re-runs the request synchronously and reports the result to any
// installed callbacks as a single willChange/onChange/didChange burst.
func (c *Controller[Element, Alongside]) Fetch(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refetchLocked(ctx)
}

// SetRequest replaces the tracked request and, per the resolved Open
// Question in SPEC_FULL.md §9, always performs its own synchronous fetch
// regardless of whether Track has been called yet — the next commit-driven
// delivery (if any) reports the transition from this new state, not from
// whatever request preceded it.
func (c *Controller[Element, Alongside]) SetRequest(ctx context.Context, request model.PreparedRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.request = request
	if err := c.refetchLocked(ctx); err != nil {
		return err
	}
	if c.state == lifecycleObserving {
		c.teardownObserverLocked()
		c.installObserverLocked()
	}
	return nil
}

// Track installs callbacks and, on first call, registers a transaction
// observer so future commits touching the request's selection are
// delivered via OnChange/DidChange. Calling Track again just replaces the
// callbacks.
func (c *Controller[Element, Alongside]) Track(cb Callbacks[Element, Alongside]) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == lifecycleInert {
		return fmt.Errorf("controller: cannot track a stopped controller")
	}
	c.callbacks = cb
	if c.state == lifecycleObserving {
		return nil
	}
	c.installObserverLocked()
	c.state = lifecycleObserving
	return nil
}

// TrackErrors installs the callback invoked when an asynchronous,
// commit-driven re-fetch (or its fetch-alongside computation) fails.
// Synchronous Fetch/SetRequest errors are returned directly instead.
func (c *Controller[Element, Alongside]) TrackErrors(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = fn
}

// Stop invalidates the installed observer and releases the scheduler's
// worker, moving the controller to its inert terminal state. Safe to call
// more than once.
func (c *Controller[Element, Alongside]) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == lifecycleInert {
		return
	}
	c.teardownObserverLocked()
	c.sched.Close()
	c.state = lifecycleInert
}

// ID returns this controller's instance identifier, stable for its
// lifetime, useful for a caller correlating callback activity or error
// reports across several tracked controllers.
func (c *Controller[Element, Alongside]) ID() uuid.UUID { return c.id }

// Count returns the number of rows currently held.
func (c *Controller[Element, Alongside]) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.current)
}

// At returns the item at a zero-based position in the current ResultSet.
// Panics if i is out of range.
func (c *Controller[Element, Alongside]) At(i int) resultset.Item[Element] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current[i]
}

// IndexOf returns the position of the row identified by snap, using the
// controller's Identity if one was supplied, or full row equality
// otherwise. Returns (-1, false) if no row matches.
func (c *Controller[Element, Alongside]) IndexOf(snap rowsnapshot.Snapshot) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, item := range c.current {
		if c.identity != nil {
			if c.identity(item.Snapshot, snap) {
				return i, true
			}
			continue
		}
		if item.Snapshot.Equal(snap) {
			return i, true
		}
	}
	return -1, false
}

// Sections returns the current result set as a single SectionView. This
// controller does not group rows into multiple named sections; see
// DESIGN.md for that simplification.
func (c *Controller[Element, Alongside]) Sections() []section.View[Element] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return []section.View[Element]{section.All(c.current)}
}

func (c *Controller[Element, Alongside]) refetchLocked(ctx context.Context) error {
	next, err := c.fetch(ctx)
	if err != nil {
		return err
	}
	var alongside Alongside
	if fn := c.callbacks.FetchAlongside; fn != nil {
		alongside, err = fn(ctx, c.db)
		if err != nil {
			return err
		}
	}
	c.applySynchronousLocked(next, alongside)
	return nil
}

func (c *Controller[Element, Alongside]) fetch(ctx context.Context) (resultset.ResultSet[Element], error) {
	stmt, adapter, err := c.request.Prepare(ctx, c.db)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()
	return c.collect(ctx, stmt, adapter)
}

func (c *Controller[Element, Alongside]) collect(ctx context.Context, stmt model.Statement, adapter model.RowAdapter) (resultset.ResultSet[Element], error) {
	var snaps []rowsnapshot.Snapshot
	for stmt.Next(ctx) {
		snap, err := stmt.Snapshot()
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, applyAdapter(adapter, snap))
	}
	if err := stmt.Err(); err != nil {
		return nil, err
	}
	return resultset.Build(snaps, c.project), nil
}

func applyAdapter(adapter model.RowAdapter, snap rowsnapshot.Snapshot) rowsnapshot.Snapshot {
	if adapter == nil {
		return snap
	}
	cols := adapter.Adapt(snap.Columns())
	vals := make([]any, snap.Len())
	for i := range vals {
		vals[i] = snap.ValueAt(i)
	}
	return rowsnapshot.New(cols, vals)
}

// applySynchronousLocked covers Create/Fetch/SetRequest: there is no
// separate commit-time notice, so willChange/onChange/didChange all fire
// together, on the caller's own goroutine, once the new state is known.
func (c *Controller[Element, Alongside]) applySynchronousLocked(next resultset.ResultSet[Element], alongside Alongside) {
	prev := c.current
	events, changed := differ.Diff(prev, next, c.identity, true)
	c.current = next
	if !changed {
		return
	}
	if c.callbacks.WillChange != nil {
		c.callbacks.WillChange(alongside)
	}
	if c.callbacks.OnChange != nil {
		c.callbacks.OnChange(events)
	}
	if c.callbacks.DidChange != nil {
		c.callbacks.DidChange(alongside)
	}
}

// applyDeliveredLocked covers the commit-driven path. It always runs on
// the scheduler's notification queue (deliver, inside didCommitHook's
// Schedule call) rather than on the writer context, so will/on/did-change
// all fire together here, satisfying the invariant that every consumer
// callback runs synchronously on the notification context.
func (c *Controller[Element, Alongside]) applyDeliveredLocked(next resultset.ResultSet[Element], alongside Alongside) {
	prev := c.current
	events, changed := differ.Diff(prev, next, c.identity, true)
	c.current = next
	if !changed {
		return
	}
	if c.callbacks.WillChange != nil {
		c.callbacks.WillChange(alongside)
	}
	if c.callbacks.OnChange != nil {
		c.callbacks.OnChange(events)
	}
	if c.callbacks.DidChange != nil {
		c.callbacks.DidChange(alongside)
	}
}

// installObserverLocked registers a TransactionObserver whose callbacks
// hold only a weak.Pointer back to the controller, per spec.md §9's
// redesign note: a Database that outlives every external reference to this
// Controller must not be the thing keeping it alive. runtime.AddCleanup
// arranges for the observer to be invalidated and unregistered once the
// controller itself becomes unreachable, even if the caller never calls
// Stop.
//
// WillCommit is wired to a no-op: will-change used to fire here, directly
// on the writer context, but that put a slow or writer-reentrant consumer
// callback in the path of every other Write call. It now fires inside
// didCommitHook's scheduled job instead, alongside on/did-change, all on
// the notification queue.
func (c *Controller[Element, Alongside]) installObserverLocked() {
	sel := c.request.SelectionInfo()
	weakC := weak.Make(c)

	obs := observer.New(sel,
		func() {},
		func(ctx context.Context) {
			if cc := weakC.Value(); cc != nil {
				cc.didCommitHook(ctx)
			}
		},
	)
	c.obs = obs
	c.db.RegisterTransactionObserver(obs)

	runtime.AddCleanup(c, func(cleanup cleanupArgs) {
		cleanup.obs.Invalidate()
		cleanup.db.UnregisterTransactionObserver(cleanup.obs)
	}, cleanupArgs{obs: obs, db: c.db})
}

type cleanupArgs struct {
	obs *observer.TransactionObserver
	db  model.Database
}

func (c *Controller[Element, Alongside]) teardownObserverLocked() {
	if c.obs == nil {
		return
	}
	c.obs.Invalidate()
	c.db.UnregisterTransactionObserver(c.obs)
	c.obs = nil
}

// didCommitHook runs synchronously on the writer context (it is called
// from TransactionObserver.DidCommit, itself called from inside
// model.Database.Write before the writer lock is released): it must only
// do the minimal synchronous work of opening a pinned read view (and, if
// one is configured, computing the fetch-alongside value against that
// same pinned view) via Scheduler.Schedule, never the row iteration
// itself.
func (c *Controller[Element, Alongside]) didCommitHook(ctx context.Context) {
	c.sched.Schedule(ctx,
		func(ctx context.Context) (statementHandle[Alongside], error) {
			c.mu.Lock()
			request := c.request
			db := c.db
			alongsideFn := c.callbacks.FetchAlongside
			c.mu.Unlock()
			stmt, adapter, err := request.Prepare(ctx, db)
			if err != nil {
				return statementHandle[Alongside]{}, err
			}
			var alongside Alongside
			if alongsideFn != nil {
				alongside, err = alongsideFn(ctx, db)
				if err != nil {
					stmt.Close()
					return statementHandle[Alongside]{}, err
				}
			}
			return statementHandle[Alongside]{stmt: stmt, adapter: adapter, alongside: alongside}, nil
		},
		func(ctx context.Context, h statementHandle[Alongside]) (fetchResult[Element, Alongside], error) {
			defer h.stmt.Close()
			// project is fixed at construction time, so collect needs no
			// lock here; only applyDeliveredLocked below touches shared
			// mutable state.
			rows, err := c.collect(ctx, h.stmt, h.adapter)
			if err != nil {
				return fetchResult[Element, Alongside]{}, err
			}
			return fetchResult[Element, Alongside]{rows: rows, alongside: h.alongside}, nil
		},
		func(result fetchResult[Element, Alongside], err error) {
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.state != lifecycleObserving {
				return
			}
			if err != nil {
				fn := c.onError
				if fn != nil {
					fn(err)
				}
				return
			}
			c.applyDeliveredLocked(result.rows, result.alongside)
		},
	)
}

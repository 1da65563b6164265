// Package observer implements model.Observer: the per-controller transaction
// watcher described in spec.md §4.3, which tracks whether a committed
// transaction touched anything the controller's request reads and, if so,
// calls the willChange/didChange hooks it was built with.
package observer

import (
	"context"
	"sync"

	"github.com/sqlitewatch/fetchedcontroller/internal/model"
	"github.com/sqlitewatch/fetchedcontroller/internal/selection"
)

// TransactionObserver is registered with a model.Database and, on every
// write transaction, decides for itself whether it cares: a Database is
// expected to call DidChange/WillCommit/DidCommit/DidRollback on every
// registered observer unconditionally, leaving each observer responsible
// for no-op'ing when uninterested or invalidated.
type TransactionObserver struct {
	mu          sync.Mutex
	selection   selection.Info
	dirty       bool
	invalidated bool

	willChange func()
	didChange  func(ctx context.Context)
}

// New builds a TransactionObserver watching sel, calling willChange
// synchronously on the writer context just before a dirtying commit, and
// didChange, also synchronously from DidCommit, once that commit has
// landed.
func New(sel selection.Info, willChange func(), didChange func(context.Context)) *TransactionObserver {
	return &TransactionObserver{selection: sel, willChange: willChange, didChange: didChange}
}

// DidChange marks the observer dirty if ev falls within its selection. A
// single transaction may report many events; the first relevant one is
// enough, so later ones are cheap no-ops.
func (o *TransactionObserver) DidChange(ev model.ChangeEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.invalidated || o.dirty {
		return
	}
	if o.selection.Observes(ev.Kind, ev.Table, ev.Columns...) {
		o.dirty = true
	}
}

// WillCommit fires the willChange callback, still on the writer context,
// iff the transaction dirtied this observer and it has not been
// invalidated since.
func (o *TransactionObserver) WillCommit() {
	o.mu.Lock()
	fire := o.dirty && !o.invalidated
	fn := o.willChange
	o.mu.Unlock()
	if fire && fn != nil {
		fn()
	}
}

// DidCommit clears the dirty flag and, unless invalidated in the meantime,
// fires the didChange callback so the controller can open its own snapshot
// read of the new state.
func (o *TransactionObserver) DidCommit(ctx context.Context) {
	o.mu.Lock()
	fire := o.dirty && !o.invalidated
	fn := o.didChange
	o.dirty = false
	o.mu.Unlock()
	if fire && fn != nil {
		fn(ctx)
	}
}

// DidRollback clears the dirty flag without notifying; a rolled-back
// transaction never happened as far as any observer is concerned, per
// spec.md §9 (cleared unconditionally, including rollback via a recovered
// panic inside Database.Write).
func (o *TransactionObserver) DidRollback() {
	o.mu.Lock()
	o.dirty = false
	o.mu.Unlock()
}

// Invalidate makes every subsequent callback a no-op. It is idempotent and
// safe to call concurrently with DidChange/WillCommit/DidCommit/DidRollback,
// used when the controller that owns this observer is torn down or
// reclaimed (spec.md §9's weak-handle teardown).
func (o *TransactionObserver) Invalidate() {
	o.mu.Lock()
	o.invalidated = true
	o.mu.Unlock()
}

// Invalidated reports whether Invalidate has been called.
func (o *TransactionObserver) Invalidated() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.invalidated
}

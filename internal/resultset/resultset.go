// Package resultset holds the ordered sequence of rows a FetchedController
// currently presents, and the small generic capabilities (Projector,
// Identity) spec.md §9 collapses the teacher's per-element-kind
// specializations into.
package resultset

import (
	"sync"

	"github.com/sqlitewatch/fetchedcontroller/internal/rowsnapshot"
)

// Projector converts a raw row into the consumer-visible Element type. It
// is the single capability spec.md §9 uses to replace the source's four
// element-kind specializations (raw row, single-column value, optional,
// record).
type Projector[Element any] func(rowsnapshot.Snapshot) (Element, error)

// Identity decides whether two rows refer to the same logical entity across
// snapshots (e.g. same primary key). A nil Identity means the controller
// has no caller-supplied notion of identity: the Differ still computes a
// per-record script but never fuses a deletion/insertion pair, so every
// changed row surfaces as a deletion plus an insertion.
type Identity func(a, b rowsnapshot.Snapshot) bool

// itemMemo holds the lazily-computed element behind a pointer so Item
// itself stays a plain copyable value (ResultSet is passed around and
// reassigned by value throughout the controller and Differ).
type itemMemo[Element any] struct {
	once    sync.Once
	element Element
	err     error
}

// Item is the internal pair (snapshot, cached element) spec.md §3 defines.
// The element is materialized lazily on first access via Element and
// memoized; Item equality (see Equal) is snapshot equality only.
type Item[Element any] struct {
	Snapshot rowsnapshot.Snapshot

	memo    *itemMemo[Element]
	project Projector[Element]
}

// NewItem builds an Item around a snapshot and the projector that will
// materialize its Element on first access.
func NewItem[Element any](snapshot rowsnapshot.Snapshot, project Projector[Element]) Item[Element] {
	return Item[Element]{Snapshot: snapshot, project: project, memo: &itemMemo[Element]{}}
}

// Element returns the memoized projection of the row, computing it via the
// Projector on first call. Decoding failures surface here, never at
// construction time, matching spec.md §4.1's failure-mode contract.
func (it Item[Element]) Element() (Element, error) {
	it.memo.once.Do(func() {
		it.memo.element, it.memo.err = it.project(it.Snapshot)
	})
	return it.memo.element, it.memo.err
}

// Equal implements spec.md §3's Item equality: snapshot equality, all
// columns, in order. The cached element is irrelevant to identity.
func (it Item[Element]) Equal(other Item[Element]) bool {
	return it.Snapshot.Equal(other.Snapshot)
}

// ResultSet is the ordered, canonical "current state" held by a controller.
type ResultSet[Element any] []Item[Element]

// Build projects a slice of snapshots into a ResultSet sharing one
// projector, in order.
func Build[Element any](snapshots []rowsnapshot.Snapshot, project Projector[Element]) ResultSet[Element] {
	out := make(ResultSet[Element], len(snapshots))
	for i, s := range snapshots {
		out[i] = NewItem(s, project)
	}
	return out
}

// PairwiseEqual reports whether a and b have the same length and every
// corresponding Item compares Equal, used for the Differ's identity-free
// fast path (spec.md §4.5).
func PairwiseEqual[Element any](a, b ResultSet[Element]) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

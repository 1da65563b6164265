// Package section provides SectionView, a thin window onto a contiguous
// range of a controller's current result set (spec.md §3/§4.7). The
// teacher repo has no analogous "single presentational section" type; this
// is a small, dependency-free value type in the same plain-struct idiom as
// internal/resultset.
package section

import "github.com/sqlitewatch/fetchedcontroller/internal/resultset"

// View exposes one contiguous run of a ResultSet as a zero-indexed,
// randomly and sequentially accessible collection.
type View[Element any] struct {
	rows  resultset.ResultSet[Element]
	start int
	end   int // exclusive
}

// New builds a View over rows[start:end]. Panics if the range is invalid,
// matching spec.md's ProgrammerError policy for misuse of positional
// access.
func New[Element any](rows resultset.ResultSet[Element], start, end int) View[Element] {
	if start < 0 || end < start || end > len(rows) {
		panic("section: invalid range")
	}
	return View[Element]{rows: rows, start: start, end: end}
}

// All wraps an entire ResultSet as a single View.
func All[Element any](rows resultset.ResultSet[Element]) View[Element] {
	return New(rows, 0, len(rows))
}

// Count returns the number of rows in the section.
func (v View[Element]) Count() int { return v.end - v.start }

// IsEmpty reports whether the section has no rows.
func (v View[Element]) IsEmpty() bool { return v.Count() == 0 }

// StartIndex returns the section's first row's index in the backing
// ResultSet.
func (v View[Element]) StartIndex() int { return v.start }

// EndIndex returns the exclusive end index of the section in the backing
// ResultSet.
func (v View[Element]) EndIndex() int { return v.end }

// At returns the item at a zero-based position within the section. Panics
// if i is out of range.
func (v View[Element]) At(i int) resultset.Item[Element] {
	if i < 0 || i >= v.Count() {
		panic("section: index out of range")
	}
	return v.rows[v.start+i]
}

// ForEach visits every item in the section in forward order.
func (v View[Element]) ForEach(fn func(i int, item resultset.Item[Element])) {
	for i := 0; i < v.Count(); i++ {
		fn(i, v.At(i))
	}
}

// ForEachReverse visits every item in the section in reverse order.
func (v View[Element]) ForEachReverse(fn func(i int, item resultset.Item[Element])) {
	for i := v.Count() - 1; i >= 0; i-- {
		fn(i, v.At(i))
	}
}

// Package rowsnapshot provides an immutable, value-typed copy of one SQL
// result row, independent of the cursor that produced it.
package rowsnapshot

import (
	"database/sql"
	"fmt"
	"reflect"
)

// Snapshot is an ordered, named sequence of column values copied out of a
// single SQL result row. Two snapshots are equal iff every (column, value)
// pair matches in order; this is the equality used throughout the module to
// decide whether a row changed between fetches.
type Snapshot struct {
	columns []string
	values  []any
	index   map[string]int
}

// New builds a Snapshot from parallel column-name/value slices. The caller
// retains no reference to values after the call; Snapshot takes ownership.
func New(columns []string, values []any) Snapshot {
	index := make(map[string]int, len(columns))
	for i, c := range columns {
		index[c] = i
	}
	return Snapshot{columns: columns, values: values, index: index}
}

// FromRows copies the current row of an open *sql.Rows cursor into a
// Snapshot. It does not advance the cursor; call rows.Next first.
func FromRows(rows *sql.Rows) (Snapshot, error) {
	columns, err := rows.Columns()
	if err != nil {
		return Snapshot{}, fmt.Errorf("rowsnapshot: columns: %w", err)
	}
	raw := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return Snapshot{}, fmt.Errorf("rowsnapshot: scan: %w", err)
	}
	return New(columns, raw), nil
}

// Columns returns the ordered column names.
func (s Snapshot) Columns() []string {
	out := make([]string, len(s.columns))
	copy(out, s.columns)
	return out
}

// Len returns the number of columns.
func (s Snapshot) Len() int { return len(s.columns) }

// ValueAt returns the value at a zero-based column position. Panics if index
// is out of range, matching spec.md's ProgrammerError policy for misuse of
// positional access.
func (s Snapshot) ValueAt(i int) any {
	if i < 0 || i >= len(s.values) {
		panic(fmt.Sprintf("rowsnapshot: index %d out of range [0,%d)", i, len(s.values)))
	}
	return s.values[i]
}

// ValueNamed returns the value for a column name and whether it was present.
func (s Snapshot) ValueNamed(name string) (any, bool) {
	i, ok := s.index[name]
	if !ok {
		return nil, false
	}
	return s.values[i], true
}

// Iterate calls fn for every (column, value) pair in column order.
func (s Snapshot) Iterate(fn func(column string, value any)) {
	for i, c := range s.columns {
		fn(c, s.values[i])
	}
}

// Equal reports whether s and other carry the same ordered sequence of
// (column, value) pairs. This is the row equality used to decide whether a
// fast-path identity-free diff can be skipped (invariant 4.5) and is also
// the basis for changed-column computation (invariant 5).
func (s Snapshot) Equal(other Snapshot) bool {
	if len(s.columns) != len(other.columns) {
		return false
	}
	for i := range s.columns {
		if s.columns[i] != other.columns[i] {
			return false
		}
		if !valueEqual(s.values[i], other.values[i]) {
			return false
		}
	}
	return true
}

// ChangedColumns returns the set of column names whose value differs between
// s (treated as "previous") and other (treated as "new"), mapped to the
// value s held for that column. Columns present in only one snapshot are
// considered changed. This implements spec.md invariant 5 exactly: the
// result contains every column where the values differ, and no others.
func (s Snapshot) ChangedColumns(other Snapshot) map[string]any {
	changed := make(map[string]any)
	seen := make(map[string]bool, len(s.columns))
	for i, c := range s.columns {
		seen[c] = true
		ov, ok := other.ValueNamed(c)
		if !ok || !valueEqual(s.values[i], ov) {
			changed[c] = s.values[i]
		}
	}
	for i, c := range other.columns {
		if seen[c] {
			continue
		}
		if _, ok := s.ValueNamed(c); !ok {
			changed[c] = nil
			_ = i
		}
	}
	return changed
}

// Hash returns a value suitable for use as a map key summarizing the full
// contents of the snapshot; equal snapshots always hash equal. It is not a
// cryptographic digest and collisions are acceptable.
func (s Snapshot) Hash() string {
	var b []byte
	for i, c := range s.columns {
		b = append(b, c...)
		b = append(b, 0)
		b = append(b, fmt.Sprintf("%#v", s.values[i])...)
		b = append(b, 0)
		_ = i
	}
	return string(b)
}

func valueEqual(a, b any) bool {
	switch av := a.(type) {
	case []byte:
		bv, ok := b.([]byte)
		if !ok {
			return false
		}
		if len(av) != len(bv) {
			return false
		}
		for i := range av {
			if av[i] != bv[i] {
				return false
			}
		}
		return true
	default:
		return reflect.DeepEqual(a, b)
	}
}

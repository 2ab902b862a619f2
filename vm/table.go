package vm

import "strings"

// ---------------------------------------------------------------------------
// Table: persistent key/value mapping
// ---------------------------------------------------------------------------

type tableEntry struct {
	key Value
	val Value
}

// Table is an immutable association table. Insert returns a new table and
// leaves the receiver untouched, so tables may be shared across values the
// same way lists share their tails. Lookup is linear, which matches the
// small tables the language builds in practice (records, module method
// sets).
type Table struct {
	entries []tableEntry
}

// NewEmptyTable returns an empty table.
func NewEmptyTable() *Table { return &Table{} }

// Len returns the number of entries.
func (t *Table) Len() int { return len(t.entries) }

// Get returns the value bound to key. Missing keys yield Nil, never an
// error, so lookup is total.
func (t *Table) Get(key Value) Value {
	for i := range t.entries {
		if t.entries[i].key.Equal(key) {
			return t.entries[i].val
		}
	}
	return Nil
}

// Has reports whether key is present, distinguishing a stored Nil from an
// absent key.
func (t *Table) Has(key Value) bool {
	for i := range t.entries {
		if t.entries[i].key.Equal(key) {
			return true
		}
	}
	return false
}

// Insert returns a new table with key bound to val. An existing binding for
// key is replaced in the copy; the receiver is never modified.
func (t *Table) Insert(key, val Value) *Table {
	out := &Table{entries: make([]tableEntry, len(t.entries), len(t.entries)+1)}
	copy(out.entries, t.entries)
	for i := range out.entries {
		if out.entries[i].key.Equal(key) {
			out.entries[i].val = val
			return out
		}
	}
	out.entries = append(out.entries, tableEntry{key: key, val: val})
	return out
}

// Equal reports whether both tables hold the same bindings, irrespective of
// insertion order.
func (t *Table) Equal(o *Table) bool {
	if t == o {
		return true
	}
	if len(t.entries) != len(o.entries) {
		return false
	}
	for i := range t.entries {
		if !o.Get(t.entries[i].key).Equal(t.entries[i].val) {
			return false
		}
		if !o.Has(t.entries[i].key) {
			return false
		}
	}
	return true
}

// each visits every binding in insertion order.
func (t *Table) each(fn func(k, v Value)) {
	for i := range t.entries {
		fn(t.entries[i].key, t.entries[i].val)
	}
}

// Keys returns the keys in insertion order.
func (t *Table) Keys() []Value {
	out := make([]Value, len(t.entries))
	for i := range t.entries {
		out[i] = t.entries[i].key
	}
	return out
}

// Display renders the table in braces, entries in insertion order.
func (t *Table) Display(st *SymbolTable) string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i := range t.entries {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(t.entries[i].key.Display(st))
		sb.WriteString(" = ")
		sb.WriteString(t.entries[i].val.Display(st))
	}
	sb.WriteByte('}')
	return sb.String()
}

package vm

import "sync"

// ---------------------------------------------------------------------------
// SymbolTable: Interned symbols
// ---------------------------------------------------------------------------

// Symbol is the handle of an interned identifier or :symbol literal.
// Handles compare in O(1), hash as plain integers, and are totally ordered
// by interning sequence. A handle is only meaningful together with the
// SymbolTable that produced it.
type Symbol uint64

// SymbolTable interns symbol text to unique handles. It is process-wide
// state: created once at runtime start, passed explicitly into every VM,
// and never torn down before process exit. Entries are never removed;
// symbol text is assumed to come from finite, compile-time-bounded source.
type SymbolTable struct {
	mu     sync.RWMutex
	byName map[string]Symbol // text -> handle
	byID   []string          // handle -> text
}

// NewSymbolTable creates a new empty symbol table.
func NewSymbolTable() *SymbolTable {
	return &SymbolTable{
		byName: make(map[string]Symbol),
		byID:   make([]string, 0, 256),
	}
}

// Intern returns the handle for a symbol, creating a new one if needed.
// Interning the same text twice returns the same handle.
func (st *SymbolTable) Intern(name string) Symbol {
	// Fast path: read-only lookup
	st.mu.RLock()
	if id, ok := st.byName[name]; ok {
		st.mu.RUnlock()
		return id
	}
	st.mu.RUnlock()

	st.mu.Lock()
	defer st.mu.Unlock()

	// Double-check after acquiring write lock
	if id, ok := st.byName[name]; ok {
		return id
	}

	id := Symbol(len(st.byID))
	st.byName[name] = id
	st.byID = append(st.byID, name)
	return id
}

// Lookup returns the handle for a symbol, or 0 and false if not interned.
func (st *SymbolTable) Lookup(name string) (Symbol, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	id, ok := st.byName[name]
	return id, ok
}

// Name returns the text for a handle, or "" if invalid.
func (st *SymbolTable) Name(id Symbol) string {
	st.mu.RLock()
	defer st.mu.RUnlock()

	if int(id) >= len(st.byID) {
		return ""
	}
	return st.byID[id]
}

// Len returns the number of interned symbols.
func (st *SymbolTable) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.byID)
}

// All returns all symbol names in handle order.
func (st *SymbolTable) All() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()

	result := make([]string, len(st.byID))
	copy(result, st.byID)
	return result
}

// SymbolValue interns name and wraps the handle in a Value.
func (st *SymbolTable) SymbolValue(name string) Value {
	return FromSymbol(st.Intern(name))
}

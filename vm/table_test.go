package vm

import "testing"

func TestTableInsertIsPersistent(t *testing.T) {
	st := NewSymbolTable()
	k1, k2 := st.SymbolValue("a"), st.SymbolValue("b")

	t0 := NewEmptyTable()
	t1 := t0.Insert(k1, FromNum(1))
	t2 := t1.Insert(k2, FromNum(2))
	t3 := t1.Insert(k1, FromNum(10)) // replace in a copy

	if t0.Len() != 0 {
		t.Error("insert mutated the empty table")
	}
	if t1.Len() != 1 || !t1.Get(k1).Equal(FromNum(1)) {
		t.Error("t1 wrong after later inserts")
	}
	if !t2.Get(k1).Equal(FromNum(1)) || !t2.Get(k2).Equal(FromNum(2)) {
		t.Error("t2 missing bindings")
	}
	if !t3.Get(k1).Equal(FromNum(10)) || t3.Len() != 1 {
		t.Error("replacement insert wrong")
	}
	if !t1.Get(k1).Equal(FromNum(1)) {
		t.Error("replacement insert mutated the original")
	}
}

func TestTableLookupIsTotal(t *testing.T) {
	st := NewSymbolTable()
	tab := NewEmptyTable().Insert(st.SymbolValue("present"), Nil)

	if !tab.Get(st.SymbolValue("absent")).IsNil() {
		t.Error("missing key did not yield nil")
	}
	if tab.Has(st.SymbolValue("absent")) {
		t.Error("Has reports an absent key")
	}
	// A stored nil is distinguishable from an absent key only via Has.
	if !tab.Has(st.SymbolValue("present")) {
		t.Error("Has misses a key bound to nil")
	}
}

func TestTableEqualIgnoresOrder(t *testing.T) {
	st := NewSymbolTable()
	a, b := st.SymbolValue("a"), st.SymbolValue("b")

	t1 := NewEmptyTable().Insert(a, FromNum(1)).Insert(b, FromNum(2))
	t2 := NewEmptyTable().Insert(b, FromNum(2)).Insert(a, FromNum(1))
	if !t1.Equal(t2) {
		t.Error("tables with same bindings in different order compare unequal")
	}
	t3 := t2.Insert(a, FromNum(9))
	if t1.Equal(t3) {
		t.Error("tables with different values compare equal")
	}
}

func TestTableKeysAndDisplay(t *testing.T) {
	st := NewSymbolTable()
	tab := NewEmptyTable().
		Insert(st.SymbolValue("x"), FromNum(1)).
		Insert(st.SymbolValue("y"), FromNum(2))

	keys := tab.Keys()
	if len(keys) != 2 || !keys[0].Equal(st.SymbolValue("x")) || !keys[1].Equal(st.SymbolValue("y")) {
		t.Errorf("Keys() = %v", keys)
	}
	if got := tab.Display(st); got != "{:x = 1, :y = 2}" {
		t.Errorf("Display() = %q", got)
	}
}

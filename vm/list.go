package vm

// ---------------------------------------------------------------------------
// List: immutable cons list operations
// ---------------------------------------------------------------------------
//
// A list value is a chain of cons cells allocated on the Heap. Prepending
// allocates one cell and shares the tail; no operation below ever mutates
// an existing cell, so lists may be shared freely across values.

// ListHead returns the first element, or Nil for the empty list.
func ListHead(v Value) Value {
	if v.kind != KindList {
		panic("ListHead: not a list")
	}
	if v.obj == nil {
		return Nil
	}
	return v.obj.head
}

// ListTail returns the list without its first element. The tail of the
// empty list is the empty list.
func ListTail(v Value) Value {
	if v.kind != KindList {
		panic("ListTail: not a list")
	}
	if v.obj == nil {
		return EmptyList
	}
	return Value{kind: KindList, obj: v.obj.tail}
}

// ListLen walks the spine and returns the element count.
func ListLen(v Value) int {
	if v.kind != KindList {
		panic("ListLen: not a list")
	}
	n := 0
	for cell := v.obj; cell != nil; cell = cell.tail {
		n++
	}
	return n
}

// ListIndex returns the element at position i, or Nil when i is out of
// range or negative.
func ListIndex(v Value, i int) Value {
	if v.kind != KindList {
		panic("ListIndex: not a list")
	}
	if i < 0 {
		return Nil
	}
	for cell := v.obj; cell != nil; cell = cell.tail {
		if i == 0 {
			return cell.head
		}
		i--
	}
	return Nil
}

// ListEach calls fn for every element in order.
func ListEach(v Value, fn func(Value)) {
	for cell := v.obj; cell != nil; cell = cell.tail {
		fn(cell.head)
	}
}

// ListReverse returns a new list with the elements of v in reverse order.
// The input and the partially built chain stay pinned, since each Cons may
// trigger a collection.
func (h *Heap) ListReverse(v Value) (Value, error) {
	mark := h.pinMark()
	defer h.pinRelease(mark)
	h.pin(v)
	h.pin(EmptyList) // slot for the growing chain
	out := EmptyList
	var err error
	for cell := v.obj; cell != nil; cell = cell.tail {
		out, err = h.Cons(cell.head, out)
		if err != nil {
			return Nil, err
		}
		h.pinned[mark+1] = out
	}
	return out, nil
}

// ListFromSlice builds a list with the slice elements in order.
func (h *Heap) ListFromSlice(elems []Value) (Value, error) {
	mark := h.pinMark()
	defer h.pinRelease(mark)
	h.pinned = append(h.pinned, elems...)
	h.pin(EmptyList) // slot for the growing chain
	out := EmptyList
	var err error
	for i := len(elems) - 1; i >= 0; i-- {
		out, err = h.Cons(elems[i], out)
		if err != nil {
			return Nil, err
		}
		h.pinned[mark+len(elems)] = out
	}
	return out, nil
}

// ListToSlice collects the elements into a fresh slice.
func ListToSlice(v Value) []Value {
	var out []Value
	for cell := v.obj; cell != nil; cell = cell.tail {
		out = append(out, cell.head)
	}
	return out
}

func listEqual(a, b *Object) bool {
	for a != nil && b != nil {
		if a == b {
			return true // shared tail
		}
		if !a.head.Equal(b.head) {
			return false
		}
		a, b = a.tail, b.tail
	}
	return a == nil && b == nil
}

package vm

// ---------------------------------------------------------------------------
// Heap: mark-and-sweep managed storage for compound values
// ---------------------------------------------------------------------------

// Object is the heap header shared by every compound value. Objects are
// threaded on an intrusive singly-linked list owned by the Heap so the
// sweep phase can walk every allocation without a side table. Exactly one
// payload field is populated, selected by kind.
type Object struct {
	next   *Object
	marked bool
	kind   Kind

	// Str payload. No trailing sentinel is stored.
	bytes []byte

	// List payload: one cons cell. tail == nil terminates the list.
	head Value
	tail *Object

	// Table payload.
	table *Table

	// Fun / Native payload.
	fun *Fun
}

const objectOverhead = 64 // rough per-header cost, in bytes

// size estimates the bytes retained by this object alone, excluding
// anything it references.
func (o *Object) size() uint64 {
	n := uint64(objectOverhead)
	switch o.kind {
	case KindStr:
		n += uint64(len(o.bytes))
	case KindTable:
		n += uint64(o.table.Len()) * 32
	case KindFun, KindNative:
		n += uint64(len(o.fun.Applied)) * 24
	}
	return n
}

// RootSet enumerates the values a collection must treat as live. The
// interpreter implements it over its stack, call frames and globals.
type RootSet interface {
	// EachRoot calls fn for every root value. It must visit every value
	// the mutator can still reach.
	EachRoot(fn func(Value))
}

// HeapStats is a snapshot of collector counters.
type HeapStats struct {
	Live           uint64 // objects currently allocated
	AllocatedBytes uint64 // estimated bytes held by live objects
	TotalAllocs    uint64 // objects ever allocated
	TotalFrees     uint64 // objects ever reclaimed
	Collections    uint64 // completed mark-and-sweep cycles
	NextThreshold  uint64 // byte size that triggers the next cycle
}

// Heap owns every compound value the interpreter creates. Allocation may
// trigger a stop-the-world mark-and-sweep cycle; the Heap is not safe for
// concurrent use and is confined to the interpreter goroutine.
type Heap struct {
	objects *Object
	roots   RootSet

	live      uint64
	bytes     uint64
	threshold uint64
	maxBytes  uint64 // 0 = unlimited
	disabled  bool

	totalAllocs uint64
	totalFrees  uint64
	cycles      uint64

	// pinned roots values under construction outside any interpreter
	// frame, such as chunk constants mid-decode.
	pinned []Value

	// chunks roots the constant pools of decoded chunks, which are plain
	// Go structs the mark phase cannot otherwise reach between runs.
	chunks []*Chunk
}

// DefaultGCThreshold is the initial heap size, in bytes, that triggers the
// first collection cycle.
const DefaultGCThreshold = 1 << 20

// NewHeap creates a heap. threshold <= 0 selects DefaultGCThreshold;
// maxBytes <= 0 means no hard cap. roots may be installed later via
// SetRoots but must be present before the first allocation past the
// threshold.
func NewHeap(threshold, maxBytes int64, disabled bool) *Heap {
	if threshold <= 0 {
		threshold = DefaultGCThreshold
	}
	h := &Heap{threshold: uint64(threshold), disabled: disabled}
	if maxBytes > 0 {
		h.maxBytes = uint64(maxBytes)
	}
	return h
}

// SetRoots installs the root enumerator used by collection cycles.
func (h *Heap) SetRoots(r RootSet) { h.roots = r }

// Stats returns a snapshot of the collector counters.
func (h *Heap) Stats() HeapStats {
	return HeapStats{
		Live:           h.live,
		AllocatedBytes: h.bytes,
		TotalAllocs:    h.totalAllocs,
		TotalFrees:     h.totalFrees,
		Collections:    h.cycles,
		NextThreshold:  h.threshold,
	}
}

// alloc links a fresh object into the heap, collecting first if the next
// allocation would cross the threshold. It returns an OutOfMemory error
// when a hard cap is configured and a full cycle cannot free enough.
func (h *Heap) alloc(o *Object) error {
	sz := o.size()
	if !h.disabled && h.roots != nil && h.bytes+sz > h.threshold {
		h.Collect()
		// Grow the threshold when a cycle reclaimed less than half of
		// the heap, so steady-state programs do not collect every
		// allocation.
		if h.bytes+sz > h.threshold/2 {
			h.threshold *= 2
		}
	}
	if h.maxBytes != 0 && h.bytes+sz > h.maxBytes {
		if !h.disabled && h.roots != nil {
			h.Collect()
		}
		if h.bytes+sz > h.maxBytes {
			return &ControlError{Kind: ErrOutOfMemory, Message: "heap limit exceeded"}
		}
	}
	o.next = h.objects
	h.objects = o
	h.live++
	h.bytes += sz
	h.totalAllocs++
	return nil
}

// Collect runs one full mark-and-sweep cycle immediately. Safe to call at
// any point where no Value is held outside the root set.
func (h *Heap) Collect() {
	if h.roots == nil {
		return
	}
	h.roots.EachRoot(markValue)
	for _, v := range h.pinned {
		markValue(v)
	}
	for _, c := range h.chunks {
		for _, v := range c.Consts {
			markValue(v)
		}
	}
	h.sweep()
	h.cycles++
}

func (h *Heap) pin(v Value)         { h.pinned = append(h.pinned, v) }
func (h *Heap) pinMark() int        { return len(h.pinned) }
func (h *Heap) pinRelease(mark int) { h.pinned = h.pinned[:mark] }

// RootChunk keeps c's constants alive for the heap's lifetime. A chunk is
// a plain Go struct, so its constant pool is only reachable through a call
// frame while the chunk runs; rooting it here covers the gaps before,
// between and after runs. DecodeChunk roots decoded chunks automatically;
// embedders building chunks programmatically on a live heap should root
// them before allocating constants.
func (h *Heap) RootChunk(c *Chunk) { h.chunks = append(h.chunks, c) }

func markValue(v Value) {
	markObject(v.obj)
}

func markObject(o *Object) {
	for o != nil && !o.marked {
		o.marked = true
		switch o.kind {
		case KindList:
			markValue(o.head)
			o = o.tail // iterate the spine, don't recurse it
			continue
		case KindTable:
			o.table.each(func(k, v Value) {
				markValue(k)
				markValue(v)
			})
		case KindFun, KindNative:
			for _, a := range o.fun.Applied {
				markValue(a)
			}
			if o.fun.Code != nil {
				for _, c := range o.fun.Code.Consts {
					markValue(c)
				}
			}
		}
		return
	}
}

func (h *Heap) sweep() {
	link := &h.objects
	for *link != nil {
		o := *link
		if o.marked {
			o.marked = false
			link = &o.next
			continue
		}
		*link = o.next
		h.live--
		h.bytes -= o.size()
		h.totalFrees++
		o.next = nil
	}
}

// ---------------------------------------------------------------------------
// Allocation entry points
// ---------------------------------------------------------------------------

// NewStr allocates a string value holding s.
func (h *Heap) NewStr(s string) (Value, error) {
	o := &Object{kind: KindStr, bytes: []byte(s)}
	if err := h.alloc(o); err != nil {
		return Nil, err
	}
	return Value{kind: KindStr, obj: o}, nil
}

// NewStrBytes allocates a string value taking ownership of b.
func (h *Heap) NewStrBytes(b []byte) (Value, error) {
	o := &Object{kind: KindStr, bytes: b}
	if err := h.alloc(o); err != nil {
		return Nil, err
	}
	return Value{kind: KindStr, obj: o}, nil
}

// Cons allocates a new list cell with head prepended to tail. The tail is
// shared, never copied. Panics if tail is not a list.
func (h *Heap) Cons(head, tail Value) (Value, error) {
	if tail.kind != KindList {
		panic("Heap.Cons: tail is not a list")
	}
	o := &Object{kind: KindList, head: head, tail: tail.obj}
	if err := h.alloc(o); err != nil {
		return Nil, err
	}
	return Value{kind: KindList, obj: o}, nil
}

// NewTable allocates a table value wrapping t.
func (h *Heap) NewTable(t *Table) (Value, error) {
	o := &Object{kind: KindTable, table: t}
	if err := h.alloc(o); err != nil {
		return Nil, err
	}
	return Value{kind: KindTable, obj: o}, nil
}

// NewFun allocates a bytecode function value.
func (h *Heap) NewFun(f *Fun) (Value, error) {
	kind := KindFun
	if f.Native != nil {
		kind = KindNative
	}
	o := &Object{kind: kind, fun: f}
	if err := h.alloc(o); err != nil {
		return Nil, err
	}
	return Value{kind: kind, obj: o}, nil
}

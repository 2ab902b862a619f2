package vm

import (
	"fmt"
	"io"
	"math"
	"os"
)

// ---------------------------------------------------------------------------
// VM: the bytecode interpreter
// ---------------------------------------------------------------------------

// Options configures an interpreter instance. The zero value selects the
// defaults below.
type Options struct {
	StackSize    int   // operand stack capacity, values
	MaxFrames    int   // call depth limit
	GCThreshold  int64 // initial collection trigger, bytes
	MaxHeapBytes int64 // hard heap cap, 0 = unlimited
	GCDisabled   bool  // never collect (tests only)
	Trace        bool  // write an execution trace
	TraceWriter  io.Writer
}

const (
	DefaultStackSize = 8192
	DefaultMaxFrames = 1024

	// maxLocalSlots bounds the local slot index a Save instruction may
	// name, so a malformed chunk cannot demand an absurd locals array.
	maxLocalSlots = 1 << 16
)

func (o *Options) fill() {
	if o.StackSize <= 0 {
		o.StackSize = DefaultStackSize
	}
	if o.MaxFrames <= 0 {
		o.MaxFrames = DefaultMaxFrames
	}
	if o.TraceWriter == nil {
		o.TraceWriter = os.Stderr
	}
}

// frame is one activation record. base is the operand stack height at
// entry; everything above it belongs to this frame and is discarded on
// return.
type frame struct {
	fun    *Fun
	chunk  *Chunk
	ip     int
	base   int
	locals []Value
}

// VM executes chunks. It owns the heap, the global environment and the
// module registry. A VM is confined to one goroutine.
type VM struct {
	opts    Options
	symbols *SymbolTable
	heap    *Heap
	modules *ModuleSet

	stack  []Value
	sp     int
	frames []frame

	globals map[Symbol]Value
	halted  bool

	// protected roots values held only by in-flight Go code (native
	// arguments, FFI buffers) across a possible collection.
	protected []Value
}

// New creates an interpreter. A nil symbol table allocates a fresh one.
// The prelude is installed; the returned VM is ready to Run a chunk.
func New(opts Options, st *SymbolTable) *VM {
	opts.fill()
	if st == nil {
		st = NewSymbolTable()
	}
	vm := &VM{
		opts:    opts,
		symbols: st,
		heap:    NewHeap(opts.GCThreshold, opts.MaxHeapBytes, opts.GCDisabled),
		stack:   make([]Value, opts.StackSize),
		globals: make(map[Symbol]Value),
	}
	vm.modules = NewModuleSet(st)
	vm.heap.SetRoots(vm)
	installPrelude(vm)
	return vm
}

// Symbols returns the interner shared by every chunk this VM runs.
func (vm *VM) Symbols() *SymbolTable { return vm.symbols }

// Heap returns the value heap.
func (vm *VM) Heap() *Heap { return vm.heap }

// Modules returns the method namespace registry.
func (vm *VM) Modules() *ModuleSet { return vm.modules }

// FrameDepth returns the number of live call frames.
func (vm *VM) FrameDepth() int { return len(vm.frames) }

// DefineGlobal binds name in the global environment.
func (vm *VM) DefineGlobal(name string, v Value) {
	vm.globals[vm.symbols.Intern(name)] = v
}

// Global reads a global by name.
func (vm *VM) Global(name string) (Value, bool) {
	v, ok := vm.globals[vm.symbols.Intern(name)]
	return v, ok
}

// ---------------------------------------------------------------------------
// Stack primitives
// ---------------------------------------------------------------------------

func (vm *VM) push(v Value) error {
	if vm.sp >= len(vm.stack) {
		return &ControlError{Kind: ErrStackOverflow, Message: "operand stack exhausted"}
	}
	vm.stack[vm.sp] = v
	vm.sp++
	return nil
}

func (vm *VM) pop() Value {
	vm.sp--
	v := vm.stack[vm.sp]
	vm.stack[vm.sp] = Nil
	return v
}

func (vm *VM) peek() Value { return vm.stack[vm.sp-1] }

// popN removes the n top values and returns them in popped order, newest
// first. The returned slice is freshly allocated.
func (vm *VM) popN(n int) []Value {
	out := make([]Value, n)
	for i := 0; i < n; i++ {
		out[i] = vm.pop()
	}
	return out
}

// ---------------------------------------------------------------------------
// Roots
// ---------------------------------------------------------------------------

// EachRoot implements RootSet over the operand stack, frame locals, chunk
// constants, globals and values protected by in-flight native code.
func (vm *VM) EachRoot(fn func(Value)) {
	for i := 0; i < vm.sp; i++ {
		fn(vm.stack[i])
	}
	for i := range vm.frames {
		fr := &vm.frames[i]
		for _, l := range fr.locals {
			fn(l)
		}
		for _, c := range fr.chunk.Consts {
			fn(c)
		}
		for _, a := range fr.fun.Applied {
			fn(a)
		}
	}
	for _, v := range vm.globals {
		fn(v)
	}
	for _, v := range vm.protected {
		fn(v)
	}
}

// Protect roots v for the duration of the current native call. Native code
// that builds compound values across further allocations must protect its
// intermediates.
func (vm *VM) Protect(v Value) { vm.protected = append(vm.protected, v) }

func (vm *VM) protectMark() int        { return len(vm.protected) }
func (vm *VM) protectRelease(mark int) { vm.protected = vm.protected[:mark] }

// ---------------------------------------------------------------------------
// Running and calling
// ---------------------------------------------------------------------------

// Run executes a top-level chunk and returns the value left on the stack,
// or Nil when the chunk leaves the stack empty.
func (vm *VM) Run(chunk *Chunk) (Value, error) {
	top := &Fun{Arity: 0, Code: chunk}
	if err := vm.pushFrame(top, chunk); err != nil {
		return Nil, err
	}
	if err := vm.exec(0); err != nil {
		vm.frames = vm.frames[:0]
		vm.sp = 0
		return Nil, err
	}
	if vm.sp == 0 {
		return Nil, nil
	}
	return vm.pop(), nil
}

// CallValue applies fn to args, given in source order, and runs it to
// completion. It is the entry point natives use to call back into the
// interpreter.
func (vm *VM) CallValue(fn Value, args []Value) (Value, error) {
	popped := make([]Value, len(args))
	for i, a := range args {
		popped[len(args)-1-i] = a
	}
	return vm.applyPopped(fn, popped)
}

// applyPopped applies callee to args given newest-first and runs any
// bytecode body to completion with a nested execution loop. The callee and
// arguments live only in Go locals here, so they stay protected until the
// application has produced its result.
func (vm *VM) applyPopped(callee Value, popped []Value) (Value, error) {
	if !callee.IsCallable() {
		return Nil, errTypef("cannot call a %v", callee.Kind())
	}
	mark := vm.protectMark()
	vm.Protect(callee)
	vm.protected = append(vm.protected, popped...)
	defer vm.protectRelease(mark)
	f := callee.Fun()
	rem := f.Remaining()
	switch {
	case len(popped) < rem:
		return vm.heap.NewFun(f.Apply(popped))
	case len(popped) == rem:
		return vm.invoke(f, popped)
	default:
		// Over-application: satisfy the arity with the earliest source
		// arguments and apply the rest to the result.
		cut := len(popped) - rem
		out, err := vm.invoke(f, popped[cut:])
		if err != nil {
			return Nil, err
		}
		return vm.applyPopped(out, popped[:cut])
	}
}

// invoke runs f with an exact argument vector, newest first.
func (vm *VM) invoke(f *Fun, popped []Value) (Value, error) {
	if f.Native != nil {
		return vm.callNative(f, popped)
	}
	depth := len(vm.frames)
	spMark := vm.sp
	if err := vm.pushFrame(f, f.Code); err != nil {
		return Nil, err
	}
	if err := vm.pushArgs(f, popped); err != nil {
		vm.frames = vm.frames[:depth]
		return Nil, err
	}
	if err := vm.exec(depth); err != nil {
		// Unwind anything the failed activation left behind so a rescue
		// boundary resumes with a clean stack.
		vm.frames = vm.frames[:depth]
		for i := spMark; i < vm.sp; i++ {
			vm.stack[i] = Nil
		}
		vm.sp = spMark
		return Nil, err
	}
	return vm.pop(), nil
}

// callNative flips the argument vector to source order, protects it, and
// calls the Go implementation.
func (vm *VM) callNative(f *Fun, popped []Value) (Value, error) {
	args := make([]Value, len(popped))
	for i, a := range popped {
		args[len(popped)-1-i] = a
	}
	mark := vm.protectMark()
	vm.protected = append(vm.protected, args...)
	out, err := f.Native(vm, args)
	vm.protectRelease(mark)
	if err != nil {
		return Nil, err
	}
	return out, nil
}

func (vm *VM) pushFrame(f *Fun, chunk *Chunk) error {
	if len(vm.frames) >= vm.opts.MaxFrames {
		return &ControlError{Kind: ErrStackOverflow, Message: "call depth exceeded"}
	}
	vm.frames = append(vm.frames, frame{fun: f, chunk: chunk, base: vm.sp})
	return nil
}

// pushArgs lays out the full argument vector for f: the fresh arguments
// newest-first, then anything captured by partial application. Pushing in
// that order leaves the first parameter on top, where the body's first
// save expects it.
func (vm *VM) pushArgs(f *Fun, popped []Value) error {
	for _, a := range popped {
		if err := vm.push(a); err != nil {
			return err
		}
	}
	for _, a := range f.Applied {
		if err := vm.push(a); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// The dispatch loop
// ---------------------------------------------------------------------------

// exec runs frames until the frame stack drops back to stopDepth. Errors
// propagate with the faulting instruction's source position attached.
func (vm *VM) exec(stopDepth int) error {
	for {
		fr := &vm.frames[len(vm.frames)-1]
		if fr.ip >= len(fr.chunk.Code) {
			if done, err := vm.returnFrame(stopDepth); err != nil {
				return err
			} else if done {
				return nil
			}
			continue
		}
		in := fr.chunk.Code[fr.ip]
		fr.ip++
		if vm.opts.Trace {
			vm.traceInstr(fr, in)
		}
		if err := vm.step(fr, in); err != nil {
			var ce *ControlError
			if e, ok := err.(*ControlError); ok {
				ce = e
			} else {
				ce = &ControlError{Kind: ErrRaised, Message: err.Error()}
			}
			return ce.at(in.Line, in.Column)
		}
		if vm.halted {
			vm.halted = false
			if done, err := vm.returnFrame(stopDepth); err != nil {
				return err
			} else if done {
				return nil
			}
		}
	}
}

// returnFrame pops the top frame, preserving its result value. Reports
// whether execution has unwound to stopDepth.
func (vm *VM) returnFrame(stopDepth int) (bool, error) {
	fr := &vm.frames[len(vm.frames)-1]
	result := Nil
	if vm.sp > fr.base {
		result = vm.pop()
	}
	for vm.sp > fr.base {
		vm.pop()
	}
	vm.frames = vm.frames[:len(vm.frames)-1]
	if err := vm.push(result); err != nil {
		return false, err
	}
	return len(vm.frames) <= stopDepth, nil
}

func (vm *VM) traceInstr(fr *frame, in Instr) {
	operand := ""
	if opHasA(in.Op) {
		operand = fmt.Sprintf(" %d", in.A)
	}
	if opHasSym(in.Op) {
		operand += " :" + vm.symbols.Name(in.Sym)
	}
	fmt.Fprintf(vm.opts.TraceWriter, "[%02d] %04d %s%s (sp=%d)\n",
		len(vm.frames), fr.ip-1, in.Op, operand, vm.sp)
}

// step executes one instruction in fr. Frame pushes and tail resets happen
// here; frame pops happen in exec when step sets vm.halted or ip runs off
// the end.
func (vm *VM) step(fr *frame, in Instr) error {
	switch in.Op {
	case OpHalt:
		vm.halted = true
		return nil

	case OpPush:
		if in.A < 0 || in.A >= len(fr.chunk.Consts) {
			return errTypef("constant index %d out of range", in.A)
		}
		return vm.push(fr.chunk.Consts[in.A])

	case OpPop:
		if err := vm.need(fr, 1); err != nil {
			return err
		}
		vm.pop()
		return nil

	case OpDup:
		if err := vm.need(fr, 1); err != nil {
			return err
		}
		return vm.push(vm.peek())

	case OpRev:
		if err := vm.need(fr, 2); err != nil {
			return err
		}
		vm.stack[vm.sp-1], vm.stack[vm.sp-2] = vm.stack[vm.sp-2], vm.stack[vm.sp-1]
		return nil

	case OpLoad:
		if in.A < 0 || in.A >= len(fr.locals) {
			return vm.push(Nil)
		}
		return vm.push(fr.locals[in.A])

	case OpSave:
		if err := vm.need(fr, 1); err != nil {
			return err
		}
		if in.A < 0 || in.A >= maxLocalSlots {
			return errTypef("malformed bytecode: local slot %d out of range", in.A)
		}
		for len(fr.locals) <= in.A {
			fr.locals = append(fr.locals, Nil)
		}
		fr.locals[in.A] = vm.pop()
		return nil

	case OpDrop:
		if in.A >= 0 && in.A < len(fr.locals) {
			fr.locals = fr.locals[:in.A]
		}
		return nil

	case OpLoag:
		v, ok := vm.globals[in.Sym]
		if !ok {
			return errUnbound(vm.symbols.Name(in.Sym))
		}
		return vm.push(v)

	case OpSavg:
		if err := vm.need(fr, 1); err != nil {
			return err
		}
		vm.globals[in.Sym] = vm.pop()
		return nil

	case OpJmp:
		return vm.jump(fr, in.A)

	case OpJmf:
		if err := vm.need(fr, 1); err != nil {
			return err
		}
		if !vm.pop().IsTruthy() {
			return vm.jump(fr, in.A)
		}
		return nil

	case OpCall:
		return vm.opCall(fr, in.A)

	case OpTCall:
		return vm.opTailCall(fr, in.A)

	case OpPrep:
		if err := vm.need(fr, 2); err != nil {
			return err
		}
		x := vm.pop()
		xs := vm.pop()
		if !xs.IsList() {
			return errTypef("prepend target must be a list, got %v", xs.Kind())
		}
		// Popped slots are cleared, so x and xs are invisible to the
		// collector if the allocation below triggers a cycle.
		mark := vm.protectMark()
		vm.Protect(x)
		vm.Protect(xs)
		out, err := vm.heap.Cons(x, xs)
		vm.protectRelease(mark)
		if err != nil {
			return err
		}
		return vm.push(out)

	case OpInsert:
		if err := vm.need(fr, 2); err != nil {
			return err
		}
		val := vm.pop()
		tv := vm.pop()
		if !tv.IsTable() {
			return errTypef("insert target must be a table, got %v", tv.Kind())
		}
		mark := vm.protectMark()
		vm.Protect(val)
		vm.Protect(tv)
		out, err := vm.heap.NewTable(tv.Table().Insert(FromSymbol(in.Sym), val))
		vm.protectRelease(mark)
		if err != nil {
			return err
		}
		return vm.push(out)

	case OpAdd, OpSub, OpMul, OpDiv, OpRem,
		OpBitAnd, OpBitOr, OpXor, OpShl, OpShr,
		OpLess, OpLessEq:
		if err := vm.need(fr, 2); err != nil {
			return err
		}
		right := vm.pop()
		left := vm.pop()
		out, err := vm.binary(in.Op, left, right)
		if err != nil {
			return err
		}
		return vm.push(out)

	case OpEq:
		if err := vm.need(fr, 2); err != nil {
			return err
		}
		right := vm.pop()
		left := vm.pop()
		return vm.push(FromBool(left.Equal(right)))

	case OpNot:
		if err := vm.need(fr, 1); err != nil {
			return err
		}
		return vm.push(FromBool(!vm.pop().IsTruthy()))

	case OpLen:
		if err := vm.need(fr, 1); err != nil {
			return err
		}
		v := vm.pop()
		switch v.Kind() {
		case KindStr:
			return vm.push(FromNum(float64(len(v.StrBytes()))))
		case KindList:
			return vm.push(FromNum(float64(ListLen(v))))
		case KindTable:
			return vm.push(FromNum(float64(v.Table().Len())))
		default:
			return errTypef("len of %v", v.Kind())
		}

	case OpNeg:
		if err := vm.need(fr, 1); err != nil {
			return err
		}
		v := vm.pop()
		if !v.IsNum() {
			return errTypef("unary minus on %v", v.Kind())
		}
		return vm.push(FromNum(-v.Num()))

	case OpNew:
		if in.A < 0 {
			return errTypef("malformed bytecode: negative argument count %d", in.A)
		}
		if err := vm.need(fr, in.A+1); err != nil {
			return err
		}
		module := vm.pop()
		popped := vm.popN(in.A)
		args := make([]Value, len(popped))
		for i, a := range popped {
			args[len(popped)-1-i] = a
		}
		inst, err := vm.Instantiate(module, args)
		if err != nil {
			return err
		}
		return vm.push(inst)

	case OpGet:
		if err := vm.need(fr, 1); err != nil {
			return err
		}
		v := vm.pop()
		if !v.IsTable() {
			return errTypef("field access on %v", v.Kind())
		}
		return vm.push(v.Table().Get(FromSymbol(in.Sym)))

	case OpInvk:
		if in.A < 0 {
			return errTypef("malformed bytecode: negative argument count %d", in.A)
		}
		if err := vm.need(fr, in.A+1); err != nil {
			return err
		}
		receiver := vm.pop()
		popped := vm.popN(in.A)
		method, ok := vm.modules.Resolve(receiver, in.Sym)
		if !ok {
			return errNoImpl(vm.symbols.Name(in.Sym), receiver.Kind().String())
		}
		// The receiver binds the first parameter, so it goes at the
		// oldest end of the vector.
		out, err := vm.applyPopped(method, append(popped, receiver))
		if err != nil {
			return err
		}
		return vm.push(out)

	default:
		return errTypef("unknown opcode %v", in.Op)
	}
}

// jump bounds-checks a target before taking it. Jumping to len(Code) is a
// legal way to return.
func (vm *VM) jump(fr *frame, target int) error {
	if target < 0 || target > len(fr.chunk.Code) {
		return errTypef("malformed bytecode: jump target %d out of range", target)
	}
	fr.ip = target
	return nil
}

// need rejects an instruction whose operands are not on the frame's part
// of the stack. Malformed chunks fail cleanly instead of reading another
// frame's values.
func (vm *VM) need(fr *frame, n int) error {
	if n < 0 || vm.sp-fr.base < n {
		return errTypef("malformed bytecode: %s needs %d operands, frame has %d",
			fr.chunk.Code[fr.ip-1].Op, n, vm.sp-fr.base)
	}
	return nil
}

// opCall implements OpCall: pop the callee then argc arguments, then do
// total application. Exact bytecode application pushes a frame instead of
// recursing, so only over-application nests execution loops.
func (vm *VM) opCall(fr *frame, argc int) error {
	if argc < 0 {
		return errTypef("malformed bytecode: negative argument count %d", argc)
	}
	if err := vm.need(fr, argc+1); err != nil {
		return err
	}
	callee := vm.pop()
	popped := vm.popN(argc)
	if !callee.IsCallable() {
		return errTypef("cannot call a %v", callee.Kind())
	}
	mark := vm.protectMark()
	vm.Protect(callee)
	vm.protected = append(vm.protected, popped...)
	defer vm.protectRelease(mark)
	f := callee.Fun()
	rem := f.Remaining()
	switch {
	case argc < rem:
		part, err := vm.heap.NewFun(f.Apply(popped))
		if err != nil {
			return err
		}
		return vm.push(part)
	case argc == rem && f.Native == nil:
		if err := vm.pushFrame(f, f.Code); err != nil {
			return err
		}
		return vm.pushArgs(f, popped)
	default:
		out, err := vm.applyPopped(callee, popped)
		if err != nil {
			return err
		}
		return vm.push(out)
	}
}

// opTailCall reuses the current frame for exact self recursion. Anything
// else in tail position degrades to a plain call, which stays correct but
// consumes a frame.
func (vm *VM) opTailCall(fr *frame, argc int) error {
	if err := vm.need(fr, argc+1); err != nil {
		return err
	}
	callee := vm.peek()
	if callee.IsCallable() {
		f := callee.Fun()
		if f.SameBody(fr.fun) && argc == f.Remaining() {
			vm.pop() // callee
			popped := vm.popN(argc)
			for vm.sp > fr.base {
				vm.pop()
			}
			fr.ip = 0
			fr.locals = fr.locals[:0]
			return vm.pushArgs(f, popped)
		}
	}
	return vm.opCall(fr, argc)
}

// binary evaluates a two-operand arithmetic, bitwise or ordering op.
func (vm *VM) binary(op Op, left, right Value) (Value, error) {
	switch op {
	case OpAdd:
		if left.IsNum() && right.IsNum() {
			return FromNum(left.Num() + right.Num()), nil
		}
		if left.IsStr() && right.IsStr() {
			return vm.heap.NewStr(left.Str() + right.Str())
		}
		return Nil, errTypef("cannot add %v and %v", left.Kind(), right.Kind())
	case OpSub, OpMul, OpDiv, OpRem:
		if !left.IsNum() || !right.IsNum() {
			return Nil, errTypef("arithmetic on %v and %v", left.Kind(), right.Kind())
		}
		l, r := left.Num(), right.Num()
		switch op {
		case OpSub:
			return FromNum(l - r), nil
		case OpMul:
			return FromNum(l * r), nil
		case OpDiv:
			return FromNum(l / r), nil
		default:
			return FromNum(math.Mod(l, r)), nil
		}
	case OpBitAnd, OpBitOr, OpXor, OpShl, OpShr:
		if !left.IsNum() || !right.IsNum() {
			return Nil, errTypef("bitwise op on %v and %v", left.Kind(), right.Kind())
		}
		// Operands round to 64-bit integers before the bit op.
		l := int64(math.Round(left.Num()))
		r := int64(math.Round(right.Num()))
		if (op == OpShl || op == OpShr) && r < 0 {
			return Nil, errTypef("negative shift count %v", right.Num())
		}
		// Counts of 64 or more shift everything out: 0 for Shl, the
		// sign bit for Shr.
		switch op {
		case OpBitAnd:
			return FromNum(float64(l & r)), nil
		case OpBitOr:
			return FromNum(float64(l | r)), nil
		case OpXor:
			return FromNum(float64(l ^ r)), nil
		case OpShl:
			return FromNum(float64(l << uint64(r))), nil
		default:
			return FromNum(float64(l >> uint64(r))), nil
		}
	case OpLess, OpLessEq:
		if left.IsNum() && right.IsNum() {
			if op == OpLess {
				return FromBool(left.Num() < right.Num()), nil
			}
			return FromBool(left.Num() <= right.Num()), nil
		}
		if left.IsStr() && right.IsStr() {
			if op == OpLess {
				return FromBool(left.Str() < right.Str()), nil
			}
			return FromBool(left.Str() <= right.Str()), nil
		}
		return Nil, errTypef("cannot order %v and %v", left.Kind(), right.Kind())
	}
	return Nil, errTypef("unknown binary op %v", op)
}

package vm

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"
)

// ---------------------------------------------------------------------------
// FFI: the foreign function bridge
// ---------------------------------------------------------------------------
//
// Foreign functions exchange values through untyped pointers with a small
// boxing ABI: numbers travel as a pointer to a float64, strings as a
// pointer to a length-prefixed handle (no terminator byte, embedded zero
// bytes are legal). A foreign function that returns a nil pointer signals
// failure; void functions are declared as such and yield nil to the
// script. Functions are registered by name in a registry the embedder
// populates, so scripts never load code the host did not hand them.

// CRet declares what a foreign function returns.
type CRet uint8

const (
	CNum CRet = iota
	CStr
	CVoid
)

// CFn is a foreign implementation. argv holds one boxed pointer per
// argument; the return pointer must be a box of the declared CRet kind,
// or nil to signal failure.
type CFn func(argv []unsafe.Pointer) unsafe.Pointer

// VariadicArity marks a foreign function that accepts any argument count.
const VariadicArity = -1

// ForeignFn is one registered foreign function. Arity is fixed unless set
// to VariadicArity.
type ForeignFn struct {
	Name  string
	Arity int
	Ret   CRet
	Fn    CFn
}

// FFIRegistry maps names to foreign functions. Safe for concurrent
// registration; lookup is read-mostly.
type FFIRegistry struct {
	mu     sync.RWMutex
	byName map[string]*ForeignFn
}

// NewFFIRegistry creates an empty registry.
func NewFFIRegistry() *FFIRegistry {
	return &FFIRegistry{byName: make(map[string]*ForeignFn)}
}

// Register adds or replaces a foreign function.
func (r *FFIRegistry) Register(f ForeignFn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[f.Name] = &f
}

// Lookup finds a foreign function by name.
func (r *FFIRegistry) Lookup(name string) (*ForeignFn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.byName[name]
	return f, ok
}

// ---------------------------------------------------------------------------
// Boxing ABI
// ---------------------------------------------------------------------------

// strHandle is the wire shape of a string crossing the boundary. n counts
// bytes; p points at the first byte of a buffer with no terminator.
type strHandle struct {
	n int
	p *byte
}

// YexNum boxes a number for the foreign side.
func YexNum(f float64) unsafe.Pointer {
	box := new(float64)
	*box = f
	return unsafe.Pointer(box)
}

// YexGetNum unboxes a number pointer.
func YexGetNum(p unsafe.Pointer) float64 {
	return *(*float64)(p)
}

// YexInitStr boxes a string for the foreign side.
func YexInitStr(s string) unsafe.Pointer {
	h := &strHandle{n: len(s)}
	if len(s) > 0 {
		buf := []byte(s)
		h.p = &buf[0]
	}
	return unsafe.Pointer(h)
}

// YexGetStr unboxes a string handle, copying the bytes out.
func YexGetStr(p unsafe.Pointer) string {
	h := (*strHandle)(p)
	if h.n == 0 {
		return ""
	}
	return string(unsafe.Slice(h.p, h.n))
}

// marshalArg boxes a script value for a foreign call.
func marshalArg(v Value) (unsafe.Pointer, error) {
	switch v.Kind() {
	case KindNum:
		return YexNum(v.Num()), nil
	case KindStr:
		return YexInitStr(v.Str()), nil
	default:
		return nil, errTypef("ffi: cannot pass a %v across the boundary", v.Kind())
	}
}

// ---------------------------------------------------------------------------
// Script surface
// ---------------------------------------------------------------------------

// InstallFFI exposes reg to scripts through the ffi and ffi_exists
// globals. ffi takes a function name (string or symbol) and an argument
// list.
func InstallFFI(vm *VM, reg *FFIRegistry) {
	defer vm.protectRelease(vm.protectMark())

	vm.DefineGlobal("ffi", vm.newNative("ffi", 2, func(vm *VM, args []Value) (Value, error) {
		name, err := ffiName(vm, args[0])
		if err != nil {
			return Nil, err
		}
		if !args[1].IsList() {
			return Nil, errTypef("ffi: arguments must be a list")
		}
		f, ok := reg.Lookup(name)
		if !ok {
			return Nil, &ControlError{
				Kind:    ErrNativeCallFailed,
				Message: fmt.Sprintf("ffi: no foreign function %q", name),
			}
		}
		callArgs := ListToSlice(args[1])
		if f.Arity != VariadicArity && len(callArgs) != f.Arity {
			return Nil, errTypef("ffi: %s takes %d arguments, got %d", name, f.Arity, len(callArgs))
		}
		return vm.callForeign(f, callArgs)
	}))
	vm.DefineGlobal("ffi_exists", vm.newNative("ffi_exists", 1, func(vm *VM, args []Value) (Value, error) {
		name, err := ffiName(vm, args[0])
		if err != nil {
			return Nil, err
		}
		_, ok := reg.Lookup(name)
		return FromBool(ok), nil
	}))
}

func ffiName(vm *VM, v Value) (string, error) {
	switch v.Kind() {
	case KindStr:
		return v.Str(), nil
	case KindSym:
		return vm.symbols.Name(v.Sym()), nil
	default:
		return "", errTypef("ffi: function name must be a string or symbol")
	}
}

// callForeign marshals args, runs the foreign function and unboxes its
// return according to the declared kind.
func (vm *VM) callForeign(f *ForeignFn, args []Value) (Value, error) {
	argv := make([]unsafe.Pointer, len(args))
	for i, a := range args {
		p, err := marshalArg(a)
		if err != nil {
			return Nil, err
		}
		argv[i] = p
	}
	ret := f.Fn(argv)
	// The boxes must outlive the call even if the foreign side stashed
	// raw interior pointers.
	runtime.KeepAlive(argv)
	if ret == nil {
		if f.Ret == CVoid {
			return Nil, nil
		}
		return Nil, &ControlError{
			Kind:    ErrNativeCallFailed,
			Message: fmt.Sprintf("ffi: %s signalled failure", f.Name),
		}
	}
	switch f.Ret {
	case CNum:
		return FromNum(YexGetNum(ret)), nil
	case CStr:
		return vm.str(YexGetStr(ret))
	default:
		return Nil, nil
	}
}

package vm

// ---------------------------------------------------------------------------
// Fun: callable values
// ---------------------------------------------------------------------------

// NativeFn is the signature of a function implemented in Go. args arrive in
// source order. Returning an error unwinds the interpreter unless a rescue
// boundary catches it.
type NativeFn func(vm *VM, args []Value) (Value, error)

// Fun is a callable. A bytecode function carries a Code chunk; a native
// carries a Go function. Applied holds arguments captured by partial
// application, stored newest-first so that invocation can push the whole
// vector in one pass. A Fun is immutable; Apply returns a fresh one.
type Fun struct {
	Arity      int
	Code       *Chunk
	Native     NativeFn
	NativeName string

	// Applied is ordered last-supplied first. The final element is the
	// value bound to the function's first parameter.
	Applied []Value
}

// Remaining returns how many parameters are still unbound. A call that
// supplies exactly this many arguments invokes the body.
func (f *Fun) Remaining() int { return f.Arity - len(f.Applied) }

// IsNative reports whether f is implemented in Go.
func (f *Fun) IsNative() bool { return f.Native != nil }

// Apply captures args (in popped order, newest first) and returns the
// partially applied function. The receiver is unchanged.
func (f *Fun) Apply(args []Value) *Fun {
	applied := make([]Value, 0, len(args)+len(f.Applied))
	applied = append(applied, args...)
	applied = append(applied, f.Applied...)
	return &Fun{
		Arity:      f.Arity,
		Code:       f.Code,
		Native:     f.Native,
		NativeName: f.NativeName,
		Applied:    applied,
	}
}

// SameBody reports whether f and o execute the same code. Used by the
// tail-call check, which only reuses a frame for self recursion.
func (f *Fun) SameBody(o *Fun) bool {
	if f.Native != nil || o.Native != nil {
		return false
	}
	return f.Code == o.Code
}

// Name returns a printable name for diagnostics.
func (f *Fun) Name() string {
	if f.Native != nil {
		if f.NativeName != "" {
			return f.NativeName
		}
		return "<native>"
	}
	return "<fun>"
}

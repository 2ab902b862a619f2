package vm

import (
	"errors"
	"testing"
)

func testVM(t *testing.T) *VM {
	t.Helper()
	return New(Options{}, nil)
}

func run(t *testing.T, vm *VM, c *Chunk) Value {
	t.Helper()
	out, err := vm.Run(c)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return out
}

func runErr(t *testing.T, vm *VM, c *Chunk) *ControlError {
	t.Helper()
	_, err := vm.Run(c)
	if err == nil {
		t.Fatal("Run succeeded, want error")
	}
	var ce *ControlError
	if !errors.As(err, &ce) {
		t.Fatalf("error is %T, want *ControlError", err)
	}
	return ce
}

func ins(op Op, a int) Instr          { return Instr{Op: op, A: a} }
func insS(op Op, sym Symbol) Instr    { return Instr{Op: op, Sym: sym} }
func op(o Op) Instr                   { return Instr{Op: o} }
func chunk(code ...Instr) *Chunk      { return &Chunk{Code: code} }
func withConsts(c *Chunk, vs ...Value) *Chunk {
	c.Consts = vs
	return c
}

func TestArithmetic(t *testing.T) {
	tests := []struct {
		name string
		op   Op
		l, r float64
		want float64
	}{
		{"add", OpAdd, 2, 3, 5},
		{"sub", OpSub, 10, 4, 6},
		{"mul", OpMul, 6, 7, 42},
		{"div", OpDiv, 9, 2, 4.5},
		{"rem", OpRem, 9, 4, 1},
		{"band", OpBitAnd, 6, 3, 2},
		{"bor", OpBitOr, 6, 3, 7},
		{"xor", OpXor, 6, 3, 5},
		{"shl", OpShl, 1, 4, 16},
		{"shr", OpShr, 16, 2, 4},
		{"band rounds", OpBitAnd, 6.7, 3.2, 7 & 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vm := testVM(t)
			c := withConsts(chunk(ins(OpPush, 0), ins(OpPush, 1), op(tt.op)),
				FromNum(tt.l), FromNum(tt.r))
			out := run(t, vm, c)
			if !out.Equal(FromNum(tt.want)) {
				t.Errorf("got %s, want %v", out.Display(vm.Symbols()), tt.want)
			}
		})
	}
}

func TestShiftCountEdges(t *testing.T) {
	tests := []struct {
		name    string
		op      Op
		l, r    float64
		want    float64
		wantErr bool
	}{
		{"shl by width clears", OpShl, 1, 64, 0, false},
		{"shl far past width", OpShl, -1, 200, 0, false},
		{"shr past width keeps sign", OpShr, -8, 70, -1, false},
		{"shr past width positive", OpShr, 8, 70, 0, false},
		{"negative shl count", OpShl, 1, -2, 0, true},
		{"negative shr count", OpShr, 16, -1, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vm := testVM(t)
			c := withConsts(chunk(ins(OpPush, 0), ins(OpPush, 1), op(tt.op)),
				FromNum(tt.l), FromNum(tt.r))
			if tt.wantErr {
				if ce := runErr(t, vm, c); ce.Kind != ErrType {
					t.Errorf("kind = %v, want TypeError", ce.Kind)
				}
				return
			}
			out := run(t, vm, c)
			if !out.Equal(FromNum(tt.want)) {
				t.Errorf("got %s, want %v", out.Display(vm.Symbols()), tt.want)
			}
		})
	}
}

func TestStringConcatAndOrder(t *testing.T) {
	vm := testVM(t)
	a, _ := vm.Heap().NewStr("foo")
	b, _ := vm.Heap().NewStr("bar")
	out := run(t, vm, withConsts(chunk(ins(OpPush, 0), ins(OpPush, 1), op(OpAdd)), a, b))
	if !out.IsStr() || out.Str() != "foobar" {
		t.Fatalf("concat = %s", out.Display(vm.Symbols()))
	}

	vm2 := testVM(t)
	out = run(t, vm2, withConsts(chunk(ins(OpPush, 0), ins(OpPush, 1), op(OpLess)),
		FromNum(7), FromNum(3)))
	if !out.Equal(False) {
		t.Fatal("7 < 3 evaluated truthy: operand order is swapped")
	}
}

func TestAddKindMismatch(t *testing.T) {
	vm := testVM(t)
	s, _ := vm.Heap().NewStr("x")
	ce := runErr(t, vm, withConsts(chunk(
		Instr{Op: OpPush, A: 0, Line: 3, Column: 9},
		Instr{Op: OpPush, A: 1, Line: 3, Column: 9},
		Instr{Op: OpAdd, Line: 3, Column: 7},
	), FromNum(1), s))
	if ce.Kind != ErrType {
		t.Errorf("Kind = %v, want TypeError", ce.Kind)
	}
	if ce.Line != 3 || ce.Column != 7 {
		t.Errorf("position = %d:%d, want 3:7", ce.Line, ce.Column)
	}
}

func TestJumps(t *testing.T) {
	// if false then 1 else 2
	vm := testVM(t)
	c := withConsts(chunk(
		ins(OpPush, 0), // false
		ins(OpJmf, 4),
		ins(OpPush, 1),
		ins(OpJmp, 5),
		ins(OpPush, 2),
	), False, FromNum(1), FromNum(2))
	if out := run(t, vm, c); !out.Equal(FromNum(2)) {
		t.Fatalf("else branch not taken: %s", out.Display(vm.Symbols()))
	}
}

func TestLocals(t *testing.T) {
	vm := testVM(t)
	c := withConsts(chunk(
		ins(OpPush, 0),
		ins(OpSave, 0),
		ins(OpLoad, 0),
		ins(OpLoad, 0),
		op(OpAdd),
		ins(OpDrop, 0),
		ins(OpLoad, 0), // dropped slot reads nil
		op(OpNot),      // nil -> true
		op(OpPop),
	), FromNum(21))
	if out := run(t, vm, c); !out.Equal(FromNum(42)) {
		t.Fatalf("got %s, want 42", out.Display(vm.Symbols()))
	}
}

func TestGlobals(t *testing.T) {
	vm := testVM(t)
	sym := vm.Symbols().Intern("answer")
	run(t, vm, withConsts(chunk(ins(OpPush, 0), insS(OpSavg, sym)), FromNum(42)))
	got, ok := vm.Global("answer")
	if !ok || !got.Equal(FromNum(42)) {
		t.Fatal("global not defined by savg")
	}

	ce := runErr(t, vm, chunk(insS(OpLoag, vm.Symbols().Intern("nope"))))
	if ce.Kind != ErrUnboundName {
		t.Fatalf("Kind = %v, want UnboundName", ce.Kind)
	}
}

func TestPrepAndInsert(t *testing.T) {
	vm := testVM(t)
	sym := vm.Symbols().Intern("k")
	empty, _ := vm.Heap().NewTable(NewEmptyTable())
	c := withConsts(chunk(
		ins(OpPush, 0), // []
		ins(OpPush, 1), // 2
		op(OpPrep),     // [2]
		ins(OpPush, 2), // 1
		op(OpPrep),     // [1, 2]
		op(OpLen),
	), EmptyList, FromNum(2), FromNum(1))
	if out := run(t, vm, c); !out.Equal(FromNum(2)) {
		t.Fatalf("list len = %s, want 2", out.Display(vm.Symbols()))
	}

	c = withConsts(chunk(
		ins(OpPush, 0),
		ins(OpPush, 1),
		insS(OpInsert, sym),
		insS(OpGet, sym),
	), empty, FromNum(7))
	if out := run(t, vm, c); !out.Equal(FromNum(7)) {
		t.Fatalf("table get = %s, want 7", out.Display(vm.Symbols()))
	}
}

// mulFun builds fn (x, y) -> x * y as a chunk constant.
func mulFun(t *testing.T, vm *VM) Value {
	t.Helper()
	body := chunk(
		ins(OpSave, 0),
		ins(OpSave, 1),
		ins(OpLoad, 0),
		ins(OpLoad, 1),
		op(OpMul),
	)
	f, err := vm.Heap().NewFun(&Fun{Arity: 2, Code: body})
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestCallExact(t *testing.T) {
	vm := testVM(t)
	c := withConsts(chunk(
		ins(OpPush, 1), // 6
		ins(OpPush, 2), // 7
		ins(OpPush, 0), // mul
		ins(OpCall, 2),
	), mulFun(t, vm), FromNum(6), FromNum(7))
	if out := run(t, vm, c); !out.Equal(FromNum(42)) {
		t.Fatalf("mul(6, 7) = %s", out.Display(vm.Symbols()))
	}
}

func TestCurrying(t *testing.T) {
	vm := testVM(t)
	// mul(2)(5) == 10
	c := withConsts(chunk(
		ins(OpPush, 1), // 2
		ins(OpPush, 0), // mul
		ins(OpCall, 1), // partial
		ins(OpPush, 2), // 5
		op(OpRev),      // callee back on top
		ins(OpCall, 1),
	), mulFun(t, vm), FromNum(2), FromNum(5))
	if out := run(t, vm, c); !out.Equal(FromNum(10)) {
		t.Fatalf("mul(2)(5) = %s, want 10", out.Display(vm.Symbols()))
	}
}

func TestCurryingDoesNotMutateOriginal(t *testing.T) {
	vm := testVM(t)
	mul := mulFun(t, vm)
	double, err := vm.CallValue(mul, []Value{FromNum(2)})
	if err != nil {
		t.Fatal(err)
	}
	if !double.IsCallable() || double.Fun().Remaining() != 1 {
		t.Fatalf("partial application remaining = %d, want 1", double.Fun().Remaining())
	}
	if mul.Fun().Remaining() != 2 {
		t.Fatal("partial application mutated the source function")
	}
	out, err := vm.CallValue(double, []Value{FromNum(5)})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Equal(FromNum(10)) {
		t.Fatalf("double(5) = %s, want 10", out.Display(vm.Symbols()))
	}
	// The partial stays reusable.
	out, err = vm.CallValue(double, []Value{FromNum(7)})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Equal(FromNum(14)) {
		t.Fatalf("double(7) = %s, want 14", out.Display(vm.Symbols()))
	}
}

func TestOverApplication(t *testing.T) {
	vm := testVM(t)
	mul := mulFun(t, vm)
	// mkScaler = fn (x) -> mul(x); mkScaler(2, 5) == mul(2)(5) == 10
	body := withConsts(chunk(
		ins(OpSave, 0),
		ins(OpLoad, 0),
		ins(OpPush, 0),
		ins(OpCall, 1),
	), mul)
	mkScaler, err := vm.Heap().NewFun(&Fun{Arity: 1, Code: body})
	if err != nil {
		t.Fatal(err)
	}
	out, err := vm.CallValue(mkScaler, []Value{FromNum(2), FromNum(5)})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Equal(FromNum(10)) {
		t.Fatalf("mkScaler(2, 5) = %s, want 10", out.Display(vm.Symbols()))
	}
}

func TestCallNonCallable(t *testing.T) {
	vm := testVM(t)
	ce := runErr(t, vm, withConsts(chunk(ins(OpPush, 0), ins(OpCall, 0)), FromNum(1)))
	if ce.Kind != ErrType {
		t.Fatalf("Kind = %v, want TypeError", ce.Kind)
	}
	if _, err := vm.CallValue(Nil, nil); err == nil {
		t.Fatal("CallValue(nil) succeeded")
	}
}

func TestInvkOnList(t *testing.T) {
	vm := testVM(t)
	lenSym := vm.Symbols().Intern("len")
	c := withConsts(chunk(
		ins(OpPush, 0),
		ins(OpPush, 1),
		op(OpPrep),
		ins(OpPush, 2),
		op(OpPrep),
		Instr{Op: OpInvk, A: 0, Sym: lenSym},
	), EmptyList, FromNum(2), FromNum(1))
	if out := run(t, vm, c); !out.Equal(FromNum(2)) {
		t.Fatalf("[1, 2].len() = %s", out.Display(vm.Symbols()))
	}
}

func TestInvkNoImplementation(t *testing.T) {
	vm := testVM(t)
	ce := runErr(t, vm, withConsts(chunk(
		ins(OpPush, 0),
		Instr{Op: OpInvk, A: 0, Sym: vm.Symbols().Intern("frobnicate")},
	), FromNum(1)))
	if ce.Kind != ErrNoImplementation {
		t.Fatalf("Kind = %v, want NoImplementation", ce.Kind)
	}
}

func TestStackOps(t *testing.T) {
	vm := testVM(t)
	c := withConsts(chunk(
		ins(OpPush, 0),
		op(OpDup),
		op(OpAdd),
		ins(OpPush, 1),
		op(OpRev),
		op(OpSub),
	), FromNum(1), FromNum(9))
	// After dup/add the stack is [2]; push 9 then rev leaves [9, 2], so
	// sub computes 9 - 2.
	if out := run(t, vm, c); !out.Equal(FromNum(7)) {
		t.Fatalf("got %s, want 7", out.Display(vm.Symbols()))
	}
}

func TestNegAndLen(t *testing.T) {
	vm := testVM(t)
	if out := run(t, vm, withConsts(chunk(ins(OpPush, 0), op(OpNeg)), FromNum(5))); !out.Equal(FromNum(-5)) {
		t.Fatal("neg wrong")
	}
	s, _ := vm.Heap().NewStr("hello")
	if out := run(t, vm, withConsts(chunk(ins(OpPush, 0), op(OpLen)), s)); !out.Equal(FromNum(5)) {
		t.Fatal("str len wrong")
	}
	ce := runErr(t, vm, withConsts(chunk(ins(OpPush, 0), op(OpLen)), FromNum(5)))
	if ce.Kind != ErrType {
		t.Fatal("len of a number did not type error")
	}
}

func TestMalformedBytecodeFailsCleanly(t *testing.T) {
	tests := []struct {
		name string
		c    *Chunk
	}{
		{"operand underflow", chunk(op(OpAdd))},
		{"constant out of range", chunk(ins(OpPush, 5))},
		{"negative constant", chunk(ins(OpPush, -1))},
		{"negative jump", chunk(ins(OpJmp, -3))},
		{"jump past end", withConsts(chunk(ins(OpPush, 0), ins(OpJmf, 99)), False)},
		{"negative argc", withConsts(chunk(ins(OpPush, 0), ins(OpCall, -2)), FromNum(1))},
		{"pop from empty", chunk(op(OpPop))},
		{"huge local slot", withConsts(chunk(ins(OpPush, 0), ins(OpSave, 1<<40)), FromNum(1))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vm := testVM(t)
			_, err := vm.Run(tt.c)
			if err == nil {
				t.Fatal("malformed chunk ran without error")
			}
			if vm.FrameDepth() != 0 {
				t.Fatal("frames leaked after malformed chunk")
			}
		})
	}
}

func TestCallCannotReadCallerOperands(t *testing.T) {
	// A function body that pops more than its own frame holds must fail,
	// not consume the caller's values.
	vm := testVM(t)
	greedy, err := vm.Heap().NewFun(&Fun{Arity: 0, Code: chunk(op(OpPop))})
	if err != nil {
		t.Fatal(err)
	}
	c := withConsts(chunk(
		ins(OpPush, 1), // caller value that must stay untouched
		ins(OpPush, 0),
		ins(OpCall, 0),
	), greedy, FromNum(7))
	if _, err := vm.Run(c); err == nil {
		t.Fatal("operand underflow across frames went undetected")
	}
}

func TestFrameDepthRestoredAfterRun(t *testing.T) {
	vm := testVM(t)
	run(t, vm, withConsts(chunk(
		ins(OpPush, 1),
		ins(OpPush, 2),
		ins(OpPush, 0),
		ins(OpCall, 2),
	), mulFun(t, vm), FromNum(2), FromNum(3)))
	if d := vm.FrameDepth(); d != 0 {
		t.Fatalf("FrameDepth after Run = %d, want 0", d)
	}
}

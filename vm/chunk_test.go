package vm

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestChunkRoundTrip(t *testing.T) {
	srcSyms := NewSymbolTable()
	srcHeap := NewHeap(0, 0, true)
	hello, _ := srcHeap.NewStr("hello")

	inner := withConsts(chunk(
		ins(OpSave, 0),
		ins(OpLoad, 0),
		ins(OpPush, 0),
		op(OpAdd),
	), FromNum(1))
	innerFun, _ := srcHeap.NewFun(&Fun{Arity: 1, Code: inner})

	src := withConsts(chunk(
		Instr{Op: OpPush, A: 0, Line: 1, Column: 1},
		Instr{Op: OpSavg, Sym: srcSyms.Intern("greeting"), Line: 1, Column: 1},
		Instr{Op: OpPush, A: 3, Line: 2, Column: 5},
		Instr{Op: OpPush, A: 1, Line: 2, Column: 1},
		Instr{Op: OpCall, A: 1, Line: 2, Column: 1},
	), hello, innerFun, srcSyms.SymbolValue("tag"), FromNum(41))

	var buf bytes.Buffer
	if err := EncodeChunk(&buf, src, srcSyms); err != nil {
		t.Fatalf("encode: %v", err)
	}

	// Decode into a fresh world: new interner, new heap.
	dstSyms := NewSymbolTable()
	dstSyms.Intern("unrelated") // shift handles so a raw copy would break
	dstVM := New(Options{}, dstSyms)
	got, err := DecodeChunk(bytes.NewReader(buf.Bytes()), dstVM.Heap(), dstSyms)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if len(got.Code) != len(src.Code) {
		t.Fatalf("code length %d, want %d", len(got.Code), len(src.Code))
	}
	for i, in := range got.Code {
		if in.Op != src.Code[i].Op || in.A != src.Code[i].A ||
			in.Line != src.Code[i].Line || in.Column != src.Code[i].Column {
			t.Errorf("instr %d = %+v, want %+v", i, in, src.Code[i])
		}
	}
	if name := dstSyms.Name(got.Code[1].Sym); name != "greeting" {
		t.Errorf("symbol operand resolved to %q, want %q", name, "greeting")
	}
	if !got.Consts[0].IsStr() || got.Consts[0].Str() != "hello" {
		t.Error("string constant lost")
	}
	if dstSyms.Name(got.Consts[2].Sym()) != "tag" {
		t.Error("symbol constant lost")
	}
	if !got.Consts[3].Equal(FromNum(41)) {
		t.Error("number constant lost")
	}
	fd := got.Consts[1]
	if !fd.IsCallable() || fd.Fun().Arity != 1 || len(fd.Fun().Code.Code) != 4 {
		t.Fatal("function constant lost")
	}

	// The decoded chunk runs: greeting global gets set, inner adds 1.
	vm := dstVM
	out, err := vm.Run(got)
	if err != nil {
		t.Fatalf("running decoded chunk: %v", err)
	}
	if !out.Equal(FromNum(42)) {
		t.Fatalf("decoded chunk result = %s, want 42", out.Display(dstSyms))
	}
	if g, ok := vm.Global("greeting"); !ok || g.Str() != "hello" {
		t.Error("decoded chunk did not set the greeting global")
	}
}

func TestDecodeSurvivesCollectionMidDecode(t *testing.T) {
	srcSyms := NewSymbolTable()
	srcHeap := NewHeap(0, 0, true)
	src := &Chunk{}
	for i := 0; i < 32; i++ {
		s, _ := srcHeap.NewStr(strings.Repeat("x", 4096+i))
		src.Emit(ins(OpPush, src.AddConst(s)))
	}
	var buf bytes.Buffer
	if err := EncodeChunk(&buf, src, srcSyms); err != nil {
		t.Fatal(err)
	}

	// A threshold smaller than the constant pool forces collection cycles
	// while constants are still being decoded.
	dstSyms := NewSymbolTable()
	dstVM := New(Options{GCThreshold: 256}, dstSyms)
	before := dstVM.Heap().Stats().Live
	got, err := DecodeChunk(bytes.NewReader(buf.Bytes()), dstVM.Heap(), dstSyms)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if live := dstVM.Heap().Stats().Live; live < before+32 {
		t.Fatalf("constants swept during decode: %d live, want at least %d", live, before+32)
	}

	// The chunk is not executing yet, so a collection between decoding
	// and running must leave the constants alone as well.
	dstVM.Heap().Collect()
	if live := dstVM.Heap().Stats().Live; live < before+32 {
		t.Fatalf("constants swept before the chunk ran: %d live, want at least %d", live, before+32)
	}
	for i, v := range got.Consts {
		if !v.IsStr() || len(v.StrBytes()) != 4096+i {
			t.Fatalf("constant %d corrupted", i)
		}
	}
}

func TestDecodeRejectsOversizedLocalSlot(t *testing.T) {
	st := NewSymbolTable()
	h := NewHeap(0, 0, true)

	var buf bytes.Buffer
	if err := EncodeChunk(&buf, withConsts(chunk(ins(OpPush, 0), ins(OpSave, 1<<40)), FromNum(1)), st); err != nil {
		t.Fatal(err)
	}
	if _, err := DecodeChunk(bytes.NewReader(buf.Bytes()), h, st); err == nil {
		t.Fatal("oversized local slot decoded without error")
	}
}

func TestDecodeRejectsBadHeader(t *testing.T) {
	st := NewSymbolTable()
	h := NewHeap(0, 0, true)

	if _, err := DecodeChunk(bytes.NewReader([]byte("NOPE\x01rest")), h, st); !errors.Is(err, ErrBadMagic) {
		t.Errorf("bad magic: err = %v, want ErrBadMagic", err)
	}
	if _, err := DecodeChunk(bytes.NewReader([]byte("YEXC\x63")), h, st); !errors.Is(err, ErrBadVersion) {
		t.Errorf("bad version: err = %v, want ErrBadVersion", err)
	}
	if _, err := DecodeChunk(bytes.NewReader([]byte("YEX")), h, st); !errors.Is(err, ErrTruncated) {
		t.Errorf("short header: err = %v, want ErrTruncated", err)
	}

	// A valid header with a cut-off payload.
	var buf bytes.Buffer
	if err := EncodeChunk(&buf, withConsts(chunk(ins(OpPush, 0)), FromNum(1)), st); err != nil {
		t.Fatal(err)
	}
	cut := buf.Bytes()[:buf.Len()-2]
	if _, err := DecodeChunk(bytes.NewReader(cut), h, st); err == nil {
		t.Error("truncated payload decoded without error")
	}
}

func TestEncodeRejectsClosureConstants(t *testing.T) {
	st := NewSymbolTable()
	h := NewHeap(0, 0, true)
	base := &Fun{Arity: 2, Code: chunk(ins(OpSave, 0))}
	applied, _ := h.NewFun(base.Apply([]Value{FromNum(1)}))

	var buf bytes.Buffer
	err := EncodeChunk(&buf, withConsts(chunk(ins(OpPush, 0)), applied), st)
	if err == nil {
		t.Fatal("partially applied constant encoded without error")
	}
}

func TestAddConstDeduplicates(t *testing.T) {
	c := &Chunk{}
	a := c.AddConst(FromNum(1))
	b := c.AddConst(FromNum(2))
	if c.AddConst(FromNum(1)) != a || c.AddConst(FromNum(2)) != b {
		t.Error("equal constants were not reused")
	}
	if len(c.Consts) != 2 {
		t.Errorf("pool size = %d, want 2", len(c.Consts))
	}
}

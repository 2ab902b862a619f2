package vm

import (
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// ---------------------------------------------------------------------------
// Chunk: compiled bytecode and its wire format
// ---------------------------------------------------------------------------

// Chunk is a compiled unit of bytecode: an instruction sequence plus the
// constant pool it indexes. The top-level chunk of a file runs as a nullary
// body; function literals are nested chunks stored in the pool.
type Chunk struct {
	Code   []Instr
	Consts []Value
}

// Emit appends an instruction and returns its index.
func (c *Chunk) Emit(in Instr) int {
	c.Code = append(c.Code, in)
	return len(c.Code) - 1
}

// AddConst appends v to the constant pool and returns its index. An equal
// constant already present is reused.
func (c *Chunk) AddConst(v Value) int {
	for i := range c.Consts {
		if c.Consts[i].Equal(v) {
			return i
		}
	}
	c.Consts = append(c.Consts, v)
	return len(c.Consts) - 1
}

// ---------------------------------------------------------------------------
// Wire format
// ---------------------------------------------------------------------------
//
// A .yexc file is a four byte magic, a one byte format version, then one
// CBOR-encoded wireChunk. Strings and symbols travel by name; the loader
// re-interns symbols and re-allocates strings on the target heap, so a
// chunk file is portable across processes.

var chunkMagic = [4]byte{'Y', 'E', 'X', 'C'}

// ChunkFormatVersion is the current wire format version.
const ChunkFormatVersion = 1

var (
	ErrBadMagic     = errors.New("chunk: bad magic, not a yex chunk file")
	ErrBadVersion   = errors.New("chunk: unsupported format version")
	ErrTruncated    = errors.New("chunk: truncated input")
	ErrBadConstKind = errors.New("chunk: unknown constant kind")
)

var (
	chunkEncMode cbor.EncMode
	chunkDecMode cbor.DecMode
)

func init() {
	var err error
	chunkEncMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	chunkDecMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

type wireInstr struct {
	Op     uint8  `cbor:"o"`
	A      int64  `cbor:"a,omitempty"`
	Sym    string `cbor:"s,omitempty"`
	Line   int32  `cbor:"l,omitempty"`
	Column int32  `cbor:"c,omitempty"`
}

const (
	wireNil uint8 = iota
	wireBool
	wireNum
	wireSym
	wireStr
	wireFunKind
)

type wireConst struct {
	Kind uint8      `cbor:"k"`
	Bool bool       `cbor:"b,omitempty"`
	Num  float64    `cbor:"n,omitempty"`
	Str  string     `cbor:"s,omitempty"`
	Fun  *wireProto `cbor:"f,omitempty"`
}

type wireProto struct {
	Arity int       `cbor:"a"`
	Body  wireChunk `cbor:"b"`
}

type wireChunk struct {
	Code   []wireInstr `cbor:"i"`
	Consts []wireConst `cbor:"c"`
}

// EncodeChunk writes c to w in the .yexc wire format. Symbol operands are
// resolved to names through st.
func EncodeChunk(w io.Writer, c *Chunk, st *SymbolTable) error {
	if _, err := w.Write(chunkMagic[:]); err != nil {
		return err
	}
	if _, err := w.Write([]byte{ChunkFormatVersion}); err != nil {
		return err
	}
	wc, err := chunkToWire(c, st)
	if err != nil {
		return err
	}
	enc := chunkEncMode.NewEncoder(w)
	return enc.Encode(wc)
}

func chunkToWire(c *Chunk, st *SymbolTable) (*wireChunk, error) {
	wc := &wireChunk{
		Code:   make([]wireInstr, len(c.Code)),
		Consts: make([]wireConst, len(c.Consts)),
	}
	for i, in := range c.Code {
		wi := wireInstr{Op: uint8(in.Op), Line: int32(in.Line), Column: int32(in.Column)}
		if opHasA(in.Op) {
			wi.A = int64(in.A)
		}
		if opHasSym(in.Op) {
			wi.Sym = st.Name(in.Sym)
		}
		wc.Code[i] = wi
	}
	for i, v := range c.Consts {
		k, err := constToWire(v, st)
		if err != nil {
			return nil, fmt.Errorf("constant %d: %w", i, err)
		}
		wc.Consts[i] = k
	}
	return wc, nil
}

func constToWire(v Value, st *SymbolTable) (wireConst, error) {
	switch v.Kind() {
	case KindNil:
		return wireConst{Kind: wireNil}, nil
	case KindBool:
		return wireConst{Kind: wireBool, Bool: v.Bool()}, nil
	case KindNum:
		return wireConst{Kind: wireNum, Num: v.Num()}, nil
	case KindSym:
		return wireConst{Kind: wireSym, Str: st.Name(v.Sym())}, nil
	case KindStr:
		return wireConst{Kind: wireStr, Str: v.Str()}, nil
	case KindFun:
		f := v.Fun()
		if f.Code == nil || len(f.Applied) != 0 {
			return wireConst{}, errors.New("only plain bytecode functions can be constants")
		}
		body, err := chunkToWire(f.Code, st)
		if err != nil {
			return wireConst{}, err
		}
		return wireConst{Kind: wireFunKind, Fun: &wireProto{Arity: f.Arity, Body: *body}}, nil
	default:
		return wireConst{}, fmt.Errorf("%v cannot appear in a constant pool", v.Kind())
	}
}

// DecodeChunk reads one chunk from r, interning symbols into st and
// allocating string and function constants on h. The decoded chunk's
// constants stay rooted on h for the heap's lifetime.
func DecodeChunk(r io.Reader, h *Heap, st *SymbolTable) (*Chunk, error) {
	var header [5]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncated
		}
		return nil, err
	}
	if [4]byte(header[:4]) != chunkMagic {
		return nil, ErrBadMagic
	}
	if header[4] != ChunkFormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, header[4])
	}
	var wc wireChunk
	dec := chunkDecMode.NewDecoder(r)
	if err := dec.Decode(&wc); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncated
		}
		return nil, err
	}
	// Decoded constants are not reachable from the interpreter's roots
	// until the chunk runs, so pin them against a mid-decode collection.
	mark := h.pinMark()
	defer h.pinRelease(mark)
	c, err := chunkFromWire(&wc, h, st)
	if err != nil {
		return nil, err
	}
	// Root the chunk itself so its constants also survive collections
	// between decoding and running (and between runs). Nested function
	// bodies are reachable through the constant pool.
	h.RootChunk(c)
	return c, nil
}

func chunkFromWire(wc *wireChunk, h *Heap, st *SymbolTable) (*Chunk, error) {
	c := &Chunk{
		Code:   make([]Instr, len(wc.Code)),
		Consts: make([]Value, len(wc.Consts)),
	}
	for i, wi := range wc.Code {
		if wi.Op >= uint8(opCount) {
			return nil, fmt.Errorf("chunk: unknown opcode %d at %d", wi.Op, i)
		}
		in := Instr{Op: Op(wi.Op), A: int(wi.A), Line: int(wi.Line), Column: int(wi.Column)}
		if opHasSym(in.Op) {
			in.Sym = st.Intern(wi.Sym)
		}
		switch in.Op {
		case OpPush:
			if in.A < 0 || in.A >= len(wc.Consts) {
				return nil, fmt.Errorf("chunk: constant index %d out of range at %d", in.A, i)
			}
		case OpJmp, OpJmf:
			if in.A < 0 || in.A > len(wc.Code) {
				return nil, fmt.Errorf("chunk: jump target %d out of range at %d", in.A, i)
			}
		case OpSave:
			if in.A < 0 || in.A >= maxLocalSlots {
				return nil, fmt.Errorf("chunk: local slot %d out of range at %d", in.A, i)
			}
		case OpLoad, OpDrop, OpCall, OpTCall, OpNew, OpInvk:
			if in.A < 0 {
				return nil, fmt.Errorf("chunk: negative operand %d at %d", in.A, i)
			}
		}
		c.Code[i] = in
	}
	for i, wk := range wc.Consts {
		v, err := constFromWire(wk, h, st)
		if err != nil {
			return nil, fmt.Errorf("constant %d: %w", i, err)
		}
		h.pin(v)
		c.Consts[i] = v
	}
	return c, nil
}

func constFromWire(wk wireConst, h *Heap, st *SymbolTable) (Value, error) {
	switch wk.Kind {
	case wireNil:
		return Nil, nil
	case wireBool:
		return FromBool(wk.Bool), nil
	case wireNum:
		return FromNum(wk.Num), nil
	case wireSym:
		return FromSymbol(st.Intern(wk.Str)), nil
	case wireStr:
		return h.NewStr(wk.Str)
	case wireFunKind:
		if wk.Fun == nil {
			return Nil, ErrTruncated
		}
		body, err := chunkFromWire(&wk.Fun.Body, h, st)
		if err != nil {
			return Nil, err
		}
		return h.NewFun(&Fun{Arity: wk.Fun.Arity, Code: body})
	default:
		return Nil, fmt.Errorf("%w: %d", ErrBadConstKind, wk.Kind)
	}
}

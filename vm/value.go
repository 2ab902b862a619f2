package vm

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Value: the tagged runtime value
// ---------------------------------------------------------------------------

// Kind discriminates the closed set of runtime value variants.
type Kind uint8

const (
	KindNil Kind = iota
	KindBool
	KindNum
	KindSym
	KindStr
	KindList
	KindTable
	KindFun
	KindNative
)

// String returns a human-readable name for the kind, matching the names the
// language uses for its builtin modules.
func (k Kind) String() string {
	switch k {
	case KindNil:
		return "Nil"
	case KindBool:
		return "Bool"
	case KindNum:
		return "Num"
	case KindSym:
		return "Sym"
	case KindStr:
		return "Str"
	case KindList:
		return "List"
	case KindTable:
		return "Table"
	case KindFun:
		return "Fn"
	case KindNative:
		return "Fn"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Value is a yex runtime value. Scalars (nil, booleans, numbers, symbols)
// are immediate: the payload lives in bits and obj is nil. Compound values
// (strings, lists, tables, functions) carry a pointer to a heap object
// managed by the collector. A Value is immutable once constructed; the only
// mutable state behind one is GC bookkeeping, which is not part of the
// logical value.
type Value struct {
	kind Kind
	bits uint64  // Num: IEEE-754 bits; Bool: 0/1; Sym: handle
	obj  *Object // Str/Table/Fun/Native payload; List head cell (nil = empty)
}

// Nil is the nil value. The zero Value is Nil, which keeps freshly cleared
// stack slots and locals well-formed.
var Nil = Value{kind: KindNil}

// True and False are the boolean values.
var (
	True  = Value{kind: KindBool, bits: 1}
	False = Value{kind: KindBool, bits: 0}
)

// EmptyList is the empty list (the Nil terminator of every list).
var EmptyList = Value{kind: KindList}

// Kind returns the variant tag of v.
func (v Value) Kind() Kind { return v.kind }

// ---------------------------------------------------------------------------
// Constructors and accessors
// ---------------------------------------------------------------------------

// FromNum creates a Num value.
func FromNum(f float64) Value {
	return Value{kind: KindNum, bits: math.Float64bits(f)}
}

// Num returns v as a float64. Panics if v is not a Num.
func (v Value) Num() float64 {
	if v.kind != KindNum {
		panic("Value.Num: not a number")
	}
	return math.Float64frombits(v.bits)
}

// FromBool creates a Bool value.
func FromBool(b bool) Value {
	if b {
		return True
	}
	return False
}

// Bool returns v as a bool. Panics if v is not a Bool.
func (v Value) Bool() bool {
	if v.kind != KindBool {
		panic("Value.Bool: not a boolean")
	}
	return v.bits != 0
}

// FromSymbol creates a Sym value from an interned handle.
func FromSymbol(s Symbol) Value {
	return Value{kind: KindSym, bits: uint64(s)}
}

// Sym returns the symbol handle. Panics if v is not a Sym.
func (v Value) Sym() Symbol {
	if v.kind != KindSym {
		panic("Value.Sym: not a symbol")
	}
	return Symbol(v.bits)
}

// IsNil reports whether v is the nil value.
func (v Value) IsNil() bool { return v.kind == KindNil }

// IsNum reports whether v is a number.
func (v Value) IsNum() bool { return v.kind == KindNum }

// IsStr reports whether v is a string.
func (v Value) IsStr() bool { return v.kind == KindStr }

// IsList reports whether v is a list (including the empty list).
func (v Value) IsList() bool { return v.kind == KindList }

// IsTable reports whether v is a table.
func (v Value) IsTable() bool { return v.kind == KindTable }

// IsCallable reports whether v can be the target of a call.
func (v Value) IsCallable() bool { return v.kind == KindFun || v.kind == KindNative }

// Str returns the string payload. Panics if v is not a Str.
func (v Value) Str() string {
	if v.kind != KindStr {
		panic("Value.Str: not a string")
	}
	return string(v.obj.bytes)
}

// StrBytes returns the raw byte buffer of a Str. The buffer is stored
// without a trailing sentinel; callers must not mutate it.
func (v Value) StrBytes() []byte {
	if v.kind != KindStr {
		panic("Value.StrBytes: not a string")
	}
	return v.obj.bytes
}

// Table returns the table payload. Panics if v is not a Table.
func (v Value) Table() *Table {
	if v.kind != KindTable {
		panic("Value.Table: not a table")
	}
	return v.obj.table
}

// Fun returns the function payload. Panics if v is not callable.
func (v Value) Fun() *Fun {
	if v.kind != KindFun && v.kind != KindNative {
		panic("Value.Fun: not a function")
	}
	return v.obj.fun
}

// ---------------------------------------------------------------------------
// Truthiness
// ---------------------------------------------------------------------------

// IsTruthy reports whether v is considered true in conditionals. Falsy
// values are nil, false, the empty string and the number zero; everything
// else, symbols and empty aggregates included, is truthy.
func (v Value) IsTruthy() bool {
	switch v.kind {
	case KindNil:
		return false
	case KindBool:
		return v.bits != 0
	case KindNum:
		return math.Float64frombits(v.bits) != 0
	case KindStr:
		return len(v.obj.bytes) != 0
	default:
		return true
	}
}

// ---------------------------------------------------------------------------
// Structural equality
// ---------------------------------------------------------------------------

// Equal reports deep structural equality: numeric equality for Num,
// byte-for-byte equality for Str, handle equality for Sym, element-wise deep
// equality for List and Table. Functions are equal only when they share a
// body and have equal applied-argument vectors.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		// KindFun and KindNative are both callables; nothing else crosses.
		if !(v.IsCallable() && o.IsCallable()) {
			return false
		}
	}
	switch v.kind {
	case KindNil:
		return true
	case KindBool, KindSym:
		return v.bits == o.bits
	case KindNum:
		return math.Float64frombits(v.bits) == math.Float64frombits(o.bits)
	case KindStr:
		return string(v.obj.bytes) == string(o.obj.bytes)
	case KindList:
		return listEqual(v.obj, o.obj)
	case KindTable:
		return v.obj.table.Equal(o.obj.table)
	case KindFun, KindNative:
		return funEqual(v.obj.fun, o.obj.fun)
	default:
		return false
	}
}

func funEqual(a, b *Fun) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	if a.Code != b.Code || a.Native != nil || b.Native != nil {
		// Distinct native registrations are never equal; bytecode bodies
		// compare by prototype identity.
		if a.Code == nil || a.Code != b.Code {
			return false
		}
	}
	if len(a.Applied) != len(b.Applied) {
		return false
	}
	for i := range a.Applied {
		if !a.Applied[i].Equal(b.Applied[i]) {
			return false
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// Display
// ---------------------------------------------------------------------------

// Display renders v the way the language prints it: strings quoted, symbols
// with a leading colon, lists in brackets, tables in braces. Symbol names
// are resolved through st; a nil st falls back to the raw handle.
func (v Value) Display(st *SymbolTable) string {
	switch v.kind {
	case KindNil:
		return "nil"
	case KindBool:
		return strconv.FormatBool(v.bits != 0)
	case KindNum:
		return formatNum(math.Float64frombits(v.bits))
	case KindSym:
		if st != nil {
			return ":" + st.Name(Symbol(v.bits))
		}
		return fmt.Sprintf(":sym#%d", v.bits)
	case KindStr:
		return `"` + string(v.obj.bytes) + `"`
	case KindList:
		var sb strings.Builder
		sb.WriteByte('[')
		first := true
		for cell := v.obj; cell != nil; cell = cell.tail {
			if !first {
				sb.WriteString(", ")
			}
			first = false
			sb.WriteString(cell.head.Display(st))
		}
		sb.WriteByte(']')
		return sb.String()
	case KindTable:
		return v.obj.table.Display(st)
	case KindFun, KindNative:
		return fmt.Sprintf("<fun(%d)>", v.obj.fun.Remaining())
	default:
		return fmt.Sprintf("<unknown kind %d>", v.kind)
	}
}

// DisplayRaw is Display except that strings render without quotes. It is
// what print and println use.
func (v Value) DisplayRaw(st *SymbolTable) string {
	if v.kind == KindStr {
		return string(v.obj.bytes)
	}
	return v.Display(st)
}

// formatNum prints a number the shortest way that round-trips, with
// integral values shown without a decimal point.
func formatNum(f float64) string {
	if f == math.Trunc(f) && !math.IsInf(f, 0) && math.Abs(f) < 1e15 {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

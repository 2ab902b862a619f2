package vm

import "fmt"

// ---------------------------------------------------------------------------
// Op: the bytecode instruction set
// ---------------------------------------------------------------------------

// Op is a bytecode operation. Operands live in the Instr that carries the
// op, not in a separate byte stream, so decoding is a single slice index.
type Op uint8

const (
	// OpHalt stops execution of the current chunk.
	OpHalt Op = iota

	// Stack shuffling.
	OpPush // push constant A
	OpPop  // discard the top value
	OpDup  // duplicate the top value
	OpRev  // swap the two top values

	// Locals. Save pops into slot A; Load pushes slot A; Drop clears
	// slots A and above when a scope ends.
	OpLoad
	OpSave
	OpDrop

	// Globals, addressed by interned symbol.
	OpLoag
	OpSavg

	// Control flow. Jump targets are absolute instruction indices.
	OpJmp // unconditional jump to A
	OpJmf // pop, jump to A when falsy

	// Calls. Call pops the callee then A arguments; TCall additionally
	// requires self recursion and reuses the current frame.
	OpCall
	OpTCall

	// Aggregates. Prep pops a value and a list and pushes the cons;
	// Insert pops a value and a table and pushes the extended table,
	// binding key Sym.
	OpPrep
	OpInsert

	// Arithmetic and bitwise. Binary ops pop right then left.
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpRem
	OpBitAnd
	OpBitOr
	OpXor
	OpShl
	OpShr

	// Comparison and unary.
	OpEq
	OpLess
	OpLessEq
	OpNot
	OpLen
	OpNeg

	// Module dispatch. New pops a module and A arguments and runs the
	// module's initializer; Get pushes field Sym of the popped module;
	// Invk pops a receiver and A arguments and dispatches method Sym on
	// the receiver's module.
	OpNew
	OpGet
	OpInvk

	opCount
)

var opNames = [...]string{
	OpHalt:   "halt",
	OpPush:   "push",
	OpPop:    "pop",
	OpDup:    "dup",
	OpRev:    "rev",
	OpLoad:   "load",
	OpSave:   "save",
	OpDrop:   "drop",
	OpLoag:   "loag",
	OpSavg:   "savg",
	OpJmp:    "jmp",
	OpJmf:    "jmf",
	OpCall:   "call",
	OpTCall:  "tcall",
	OpPrep:   "prep",
	OpInsert: "insert",
	OpAdd:    "add",
	OpSub:    "sub",
	OpMul:    "mul",
	OpDiv:    "div",
	OpRem:    "rem",
	OpBitAnd: "band",
	OpBitOr:  "bor",
	OpXor:    "xor",
	OpShl:    "shl",
	OpShr:    "shr",
	OpEq:     "eq",
	OpLess:   "less",
	OpLessEq: "lesseq",
	OpNot:    "not",
	OpLen:    "len",
	OpNeg:    "neg",
	OpNew:    "new",
	OpGet:    "get",
	OpInvk:   "invk",
}

func (op Op) String() string {
	if int(op) < len(opNames) {
		return opNames[op]
	}
	return fmt.Sprintf("op(%d)", uint8(op))
}

// opHasA reports whether the op reads its integer operand.
func opHasA(op Op) bool {
	switch op {
	case OpPush, OpLoad, OpSave, OpDrop, OpJmp, OpJmf, OpCall, OpTCall, OpNew, OpInvk:
		return true
	}
	return false
}

// opHasSym reports whether the op reads its symbol operand.
func opHasSym(op Op) bool {
	switch op {
	case OpLoag, OpSavg, OpInsert, OpGet, OpInvk:
		return true
	}
	return false
}

// Instr is one decoded instruction. Every instruction carries the source
// position it was compiled from, used to stamp runtime errors.
type Instr struct {
	Op     Op
	A      int    // constant index, local slot, jump target or argc
	Sym    Symbol // global, key or method name
	Line   int
	Column int
}

package vm

import "fmt"

// ---------------------------------------------------------------------------
// ControlError: runtime errors raised by the interpreter
// ---------------------------------------------------------------------------

// ErrKind classifies a runtime error.
type ErrKind uint8

const (
	// ErrType is an operand of the wrong kind for an operation.
	ErrType ErrKind = iota
	// ErrUnboundName is a read of a global that was never defined.
	ErrUnboundName
	// ErrNoImplementation is a method invocation the receiver's module
	// does not provide.
	ErrNoImplementation
	// ErrNativeCallFailed is a foreign function that signalled failure.
	ErrNativeCallFailed
	// ErrOutOfMemory is a heap allocation past the configured hard cap.
	ErrOutOfMemory
	// ErrStackOverflow is operand stack or call frame exhaustion.
	ErrStackOverflow
	// ErrRaised is an error thrown by user code via raise.
	ErrRaised
)

func (k ErrKind) String() string {
	switch k {
	case ErrType:
		return "TypeError"
	case ErrUnboundName:
		return "UnboundName"
	case ErrNoImplementation:
		return "NoImplementation"
	case ErrNativeCallFailed:
		return "NativeCallFailed"
	case ErrOutOfMemory:
		return "OutOfMemory"
	case ErrStackOverflow:
		return "StackOverflow"
	case ErrRaised:
		return "Error"
	default:
		return fmt.Sprintf("ErrKind(%d)", uint8(k))
	}
}

// ControlError is the error type every interpreter failure surfaces as.
// Line and Column locate the instruction that faulted; both are zero when
// the failure happened outside bytecode execution.
type ControlError struct {
	Kind    ErrKind
	Message string
	Line    int
	Column  int
}

func (e *ControlError) Error() string {
	if e.Line != 0 {
		return fmt.Sprintf("[%d:%d] %s: %s", e.Line, e.Column, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// at stamps the error with a source position if it has none yet.
func (e *ControlError) at(line, column int) *ControlError {
	if e.Line == 0 {
		e.Line = line
		e.Column = column
	}
	return e
}

func errTypef(format string, args ...any) *ControlError {
	return &ControlError{Kind: ErrType, Message: fmt.Sprintf(format, args...)}
}

func errUnbound(name string) *ControlError {
	return &ControlError{Kind: ErrUnboundName, Message: fmt.Sprintf("unbound name %q", name)}
}

func errNoImpl(method, kind string) *ControlError {
	return &ControlError{
		Kind:    ErrNoImplementation,
		Message: fmt.Sprintf("%s does not implement %q", kind, method),
	}
}

// Package vm implements the yex runtime core: the tagged value model, the
// symbol interner, the mark-and-sweep heap, the stack-based bytecode
// interpreter with tail-call frame reuse and automatic partial application,
// trait/module dispatch, and the native-function bridge.
//
// The package does not contain a compiler. It consumes bytecode chunks
// produced by an external front end (or built programmatically, as the tests
// do) and executes them to completion on a single goroutine.
//
// # Execution model
//
// A VM executes one Chunk at a time. The operand stack holds Values; the
// frame stack records one activation per bytecode call. Calling a bytecode
// function pushes a frame; returning pops it; a tail call (OpTCall) reuses
// the current frame in place, so self-recursive tail loops run in constant
// frame space. Native functions run synchronously on the same goroutine and
// may re-enter the VM through CallValue.
//
// # Calling convention
//
// The caller pushes arguments in source order and the callee on top, then
// issues OpCall with the argument count. A function body begins with one
// OpSave per parameter, first parameter first. Supplying fewer arguments
// than the arity is not an error; it produces a new partially-applied
// function value (see Fun.Apply).
//
// # Memory
//
// Compound values (strings, cons cells, tables, closures) live on the VM's
// Heap and are reclaimed by a stop-the-world mark-and-sweep collector. The
// roots are the operand stack, frame locals, globals, reachable chunk
// constants, and closure captures. Scalar values (numbers, booleans,
// symbols, nil) are immediate and never allocate.
package vm

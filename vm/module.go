package vm

// ---------------------------------------------------------------------------
// ModuleSet: per-kind method namespaces
// ---------------------------------------------------------------------------
//
// A module is an ordinary table mapping symbols to functions. Every value
// kind has a builtin module (Num, Str, List, ...) installed by the prelude
// and reachable as a global under the same name, so `List.map` is a plain
// field access on the List module while `xs.map(f)` dispatches through the
// receiver's kind. Table values can carry their own module via the
// __module field; methods found there win over the builtin Table module.

// moduleField is the name of the hidden field linking an instance table to
// its module.
const moduleField = "__module"

// ModuleSet resolves a method symbol against a receiver.
type ModuleSet struct {
	byKind    map[Kind]Value // each entry is a Table value
	moduleSym Symbol
}

// NewModuleSet creates an empty registry.
func NewModuleSet(st *SymbolTable) *ModuleSet {
	return &ModuleSet{
		byKind:    make(map[Kind]Value),
		moduleSym: st.Intern(moduleField),
	}
}

// Register installs module (a Table value) as the method namespace for
// kind. Panics if module is not a table.
func (m *ModuleSet) Register(kind Kind, module Value) {
	if !module.IsTable() {
		panic("ModuleSet.Register: module is not a table")
	}
	m.byKind[kind] = module
}

// ForKind returns the builtin module for kind, or Nil when none is
// registered.
func (m *ModuleSet) ForKind(kind Kind) Value {
	if mod, ok := m.byKind[kind]; ok {
		return mod
	}
	return Nil
}

// Resolve finds the implementation of method sym for receiver. Table
// receivers consult their own module first, then the builtin for their
// kind. The second result is false when no implementation exists.
func (m *ModuleSet) Resolve(receiver Value, sym Symbol) (Value, bool) {
	key := FromSymbol(sym)
	if receiver.IsTable() {
		if own := receiver.Table().Get(FromSymbol(m.moduleSym)); own.IsTable() {
			if fn := own.Table().Get(key); fn.IsCallable() {
				return fn, true
			}
		}
	}
	builtin := m.ForKind(receiver.Kind())
	if builtin.IsTable() {
		if fn := builtin.Table().Get(key); fn.IsCallable() {
			return fn, true
		}
	}
	return Nil, false
}

// Instantiate runs module's constructor with args and links the resulting
// table back to module. A module without a constructor yields an empty
// instance when called with no arguments.
func (vm *VM) Instantiate(module Value, args []Value) (Value, error) {
	if !module.IsTable() {
		return Nil, errTypef("new requires a module, got %v", module.Kind())
	}
	// module and args arrive popped off the operand stack; keep them and
	// the constructed instance rooted across the allocations below.
	mark := vm.protectMark()
	vm.Protect(module)
	vm.protected = append(vm.protected, args...)
	defer vm.protectRelease(mark)
	newSym := FromSymbol(vm.symbols.Intern("new"))
	ctor := module.Table().Get(newSym)
	var inst Value
	if ctor.IsCallable() {
		out, err := vm.CallValue(ctor, args)
		if err != nil {
			return Nil, err
		}
		inst = out
	} else {
		if len(args) != 0 {
			return Nil, errNoImpl("new", "module "+module.Display(vm.symbols))
		}
		empty, err := vm.heap.NewTable(NewEmptyTable())
		if err != nil {
			return Nil, err
		}
		inst = empty
	}
	if !inst.IsTable() {
		return inst, nil
	}
	vm.Protect(inst)
	linked := inst.Table().Insert(FromSymbol(vm.modules.moduleSym), module)
	return vm.heap.NewTable(linked)
}

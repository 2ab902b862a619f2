package vm

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Prelude: globals and builtin modules
// ---------------------------------------------------------------------------

// mustAlloc unwraps an allocation during prelude installation. The heap is
// empty at that point, so failure means a misconfigured hard cap.
func mustAlloc(v Value, err error) Value {
	if err != nil {
		panic(fmt.Sprintf("prelude install: %v", err))
	}
	return v
}

func (vm *VM) newNative(name string, arity int, fn NativeFn) Value {
	v := mustAlloc(vm.heap.NewFun(&Fun{Arity: arity, Native: fn, NativeName: name}))
	// Keep the function rooted until installation binds it to a global.
	vm.Protect(v)
	return v
}

// newModule builds a table value from a method set and registers it both
// as a global and, when kind is meaningful, as the namespace for that
// kind. Methods receive the receiver as their first argument.
func (vm *VM) newModule(name string, kind Kind, methods map[string]Value) Value {
	t := NewEmptyTable()
	for mname, fn := range methods {
		t = t.Insert(FromSymbol(vm.symbols.Intern(mname)), fn)
	}
	mod := mustAlloc(vm.heap.NewTable(t))
	vm.DefineGlobal(name, mod)
	if kind != KindNil || name == "Nil" {
		vm.modules.Register(kind, mod)
	}
	return mod
}

func (vm *VM) str(s string) (Value, error) { return vm.heap.NewStr(s) }

func installPrelude(vm *VM) {
	defer vm.protectRelease(vm.protectMark())
	stdin := bufio.NewReader(os.Stdin)

	vm.DefineGlobal("println", vm.newNative("println", 1, func(vm *VM, args []Value) (Value, error) {
		fmt.Println(args[0].DisplayRaw(vm.symbols))
		return Nil, nil
	}))
	vm.DefineGlobal("print", vm.newNative("print", 1, func(vm *VM, args []Value) (Value, error) {
		fmt.Print(args[0].DisplayRaw(vm.symbols))
		return Nil, nil
	}))
	vm.DefineGlobal("input", vm.newNative("input", 1, func(vm *VM, args []Value) (Value, error) {
		fmt.Print(args[0].DisplayRaw(vm.symbols))
		line, err := stdin.ReadString('\n')
		if err != nil && line == "" {
			return Nil, &ControlError{Kind: ErrNativeCallFailed, Message: "input: " + err.Error()}
		}
		return vm.str(strings.TrimRight(line, "\r\n"))
	}))
	vm.DefineGlobal("type", vm.newNative("type", 1, func(vm *VM, args []Value) (Value, error) {
		return vm.str(args[0].Kind().String())
	}))
	vm.DefineGlobal("inspect", vm.newNative("inspect", 1, func(vm *VM, args []Value) (Value, error) {
		return vm.str(args[0].Display(vm.symbols))
	}))
	vm.DefineGlobal("num", vm.newNative("num", 1, func(vm *VM, args []Value) (Value, error) {
		switch args[0].Kind() {
		case KindNum:
			return args[0], nil
		case KindStr:
			f, err := strconv.ParseFloat(strings.TrimSpace(args[0].Str()), 64)
			if err != nil {
				return Nil, errTypef("cannot parse %q as a number", args[0].Str())
			}
			return FromNum(f), nil
		default:
			return Nil, errTypef("cannot convert %v to a number", args[0].Kind())
		}
	}))
	vm.DefineGlobal("str", vm.newNative("str", 1, func(vm *VM, args []Value) (Value, error) {
		return vm.str(args[0].DisplayRaw(vm.symbols))
	}))
	vm.DefineGlobal("exit", vm.newNative("exit", 1, func(vm *VM, args []Value) (Value, error) {
		code := 0
		if args[0].IsNum() {
			code = int(args[0].Num())
		}
		os.Exit(code)
		return Nil, nil
	}))
	vm.DefineGlobal("raise", vm.newNative("raise", 1, func(vm *VM, args []Value) (Value, error) {
		return Nil, &ControlError{Kind: ErrRaised, Message: args[0].DisplayRaw(vm.symbols)}
	}))
	vm.DefineGlobal("collectgarbage", vm.newNative("collectgarbage", 0, func(vm *VM, args []Value) (Value, error) {
		vm.heap.Collect()
		return FromNum(float64(vm.heap.Stats().Live)), nil
	}))
	vm.DefineGlobal("rescue", vm.newNative("rescue", 1, func(vm *VM, args []Value) (Value, error) {
		out, err := vm.CallValue(args[0], nil)
		t := NewEmptyTable()
		if err != nil {
			kind, message := ErrRaised.String(), err.Error()
			if ce, ok := err.(*ControlError); ok {
				kind, message = ce.Kind.String(), ce.Message
			}
			msg, aerr := vm.str(message)
			if aerr != nil {
				return Nil, aerr
			}
			vm.Protect(msg)
			t = t.Insert(vm.symbols.SymbolValue("ok"), False)
			t = t.Insert(vm.symbols.SymbolValue("kind"), vm.symbols.SymbolValue(kind))
			t = t.Insert(vm.symbols.SymbolValue("error"), msg)
		} else {
			vm.Protect(out)
			t = t.Insert(vm.symbols.SymbolValue("ok"), True)
			t = t.Insert(vm.symbols.SymbolValue("value"), out)
		}
		return vm.heap.NewTable(t)
	}))

	installListModule(vm)
	installTableModule(vm)
	installStrModule(vm)
	installNumModule(vm)
	installSymModule(vm)
	installFnModule(vm)
	vm.newModule("Bool", KindBool, map[string]Value{"show": showFn(vm)})
	vm.newModule("Nil", KindNil, map[string]Value{"show": showFn(vm)})
}

// showFn renders the receiver the way inspect does. Every builtin module
// carries one.
func showFn(vm *VM) Value {
	return vm.newNative("show", 1, func(vm *VM, args []Value) (Value, error) {
		return vm.str(args[0].Display(vm.symbols))
	})
}

// ---------------------------------------------------------------------------
// List
// ---------------------------------------------------------------------------

func installListModule(vm *VM) {
	vm.newModule("List", KindList, map[string]Value{
		"show": showFn(vm),
		"new": vm.newNative("List.new", 0, func(vm *VM, args []Value) (Value, error) {
			return EmptyList, nil
		}),
		"drop": vm.newNative("List.drop", 2, func(vm *VM, args []Value) (Value, error) {
			if !args[0].IsList() || !args[1].IsNum() {
				return Nil, errTypef("drop: expected a list and a count")
			}
			xs := args[0]
			for n := int(args[1].Num()); n > 0 && xs.obj != nil; n-- {
				xs = ListTail(xs)
			}
			return xs, nil
		}),
		"find": vm.newNative("List.find", 2, func(vm *VM, args []Value) (Value, error) {
			if !args[0].IsList() {
				return Nil, errTypef("find: expected a list, got %v", args[0].Kind())
			}
			for cell := args[0].obj; cell != nil; cell = cell.tail {
				hit, err := vm.CallValue(args[1], []Value{cell.head})
				if err != nil {
					return Nil, err
				}
				if hit.IsTruthy() {
					return cell.head, nil
				}
			}
			return Nil, nil
		}),
		"head": vm.newNative("List.head", 1, func(vm *VM, args []Value) (Value, error) {
			return requireList(args[0], "head", ListHead)
		}),
		"tail": vm.newNative("List.tail", 1, func(vm *VM, args []Value) (Value, error) {
			return requireList(args[0], "tail", ListTail)
		}),
		"len": vm.newNative("List.len", 1, func(vm *VM, args []Value) (Value, error) {
			if !args[0].IsList() {
				return Nil, errTypef("len: expected a list, got %v", args[0].Kind())
			}
			return FromNum(float64(ListLen(args[0]))), nil
		}),
		"get": vm.newNative("List.get", 2, func(vm *VM, args []Value) (Value, error) {
			if !args[0].IsList() || !args[1].IsNum() {
				return Nil, errTypef("get: expected a list and an index")
			}
			return ListIndex(args[0], int(args[1].Num())), nil
		}),
		"rev": vm.newNative("List.rev", 1, func(vm *VM, args []Value) (Value, error) {
			if !args[0].IsList() {
				return Nil, errTypef("rev: expected a list, got %v", args[0].Kind())
			}
			return vm.heap.ListReverse(args[0])
		}),
		"map": vm.newNative("List.map", 2, func(vm *VM, args []Value) (Value, error) {
			if !args[0].IsList() {
				return Nil, errTypef("map: expected a list, got %v", args[0].Kind())
			}
			var out []Value
			var cerr error
			ListEach(args[0], func(x Value) {
				if cerr != nil {
					return
				}
				v, err := vm.CallValue(args[1], []Value{x})
				if err != nil {
					cerr = err
					return
				}
				vm.Protect(v)
				out = append(out, v)
			})
			if cerr != nil {
				return Nil, cerr
			}
			return vm.heap.ListFromSlice(out)
		}),
		"filter": vm.newNative("List.filter", 2, func(vm *VM, args []Value) (Value, error) {
			if !args[0].IsList() {
				return Nil, errTypef("filter: expected a list, got %v", args[0].Kind())
			}
			var out []Value
			var cerr error
			ListEach(args[0], func(x Value) {
				if cerr != nil {
					return
				}
				keep, err := vm.CallValue(args[1], []Value{x})
				if err != nil {
					cerr = err
					return
				}
				if keep.IsTruthy() {
					out = append(out, x)
				}
			})
			if cerr != nil {
				return Nil, cerr
			}
			return vm.heap.ListFromSlice(out)
		}),
		"fold": vm.newNative("List.fold", 3, func(vm *VM, args []Value) (Value, error) {
			if !args[0].IsList() {
				return Nil, errTypef("fold: expected a list, got %v", args[0].Kind())
			}
			acc := args[1]
			var cerr error
			ListEach(args[0], func(x Value) {
				if cerr != nil {
					return
				}
				v, err := vm.CallValue(args[2], []Value{acc, x})
				if err != nil {
					cerr = err
					return
				}
				vm.Protect(v)
				acc = v
			})
			if cerr != nil {
				return Nil, cerr
			}
			return acc, nil
		}),
		"join": vm.newNative("List.join", 2, func(vm *VM, args []Value) (Value, error) {
			if !args[0].IsList() || !args[1].IsStr() {
				return Nil, errTypef("join: expected a list and a separator string")
			}
			var parts []string
			ListEach(args[0], func(x Value) {
				parts = append(parts, x.DisplayRaw(vm.symbols))
			})
			return vm.str(strings.Join(parts, args[1].Str()))
		}),
	})
}

func requireList(v Value, op string, fn func(Value) Value) (Value, error) {
	if !v.IsList() {
		return Nil, errTypef("%s: expected a list, got %v", op, v.Kind())
	}
	return fn(v), nil
}

// ---------------------------------------------------------------------------
// Table
// ---------------------------------------------------------------------------

func installTableModule(vm *VM) {
	vm.newModule("Table", KindTable, map[string]Value{
		"show": showFn(vm),
		"new": vm.newNative("Table.new", 0, func(vm *VM, args []Value) (Value, error) {
			return vm.heap.NewTable(NewEmptyTable())
		}),
		"toList": vm.newNative("Table.toList", 1, func(vm *VM, args []Value) (Value, error) {
			if !args[0].IsTable() {
				return Nil, errTypef("toList: expected a table, got %v", args[0].Kind())
			}
			var pairs []Value
			var cerr error
			args[0].Table().each(func(k, v Value) {
				if cerr != nil {
					return
				}
				pair, err := vm.heap.ListFromSlice([]Value{k, v})
				if err != nil {
					cerr = err
					return
				}
				vm.Protect(pair)
				pairs = append(pairs, pair)
			})
			if cerr != nil {
				return Nil, cerr
			}
			return vm.heap.ListFromSlice(pairs)
		}),
		"insert": vm.newNative("Table.insert", 3, func(vm *VM, args []Value) (Value, error) {
			if !args[0].IsTable() {
				return Nil, errTypef("insert: expected a table, got %v", args[0].Kind())
			}
			return vm.heap.NewTable(args[0].Table().Insert(args[1], args[2]))
		}),
		"get": vm.newNative("Table.get", 2, func(vm *VM, args []Value) (Value, error) {
			if !args[0].IsTable() {
				return Nil, errTypef("get: expected a table, got %v", args[0].Kind())
			}
			return args[0].Table().Get(args[1]), nil
		}),
		"has": vm.newNative("Table.has", 2, func(vm *VM, args []Value) (Value, error) {
			if !args[0].IsTable() {
				return Nil, errTypef("has: expected a table, got %v", args[0].Kind())
			}
			return FromBool(args[0].Table().Has(args[1])), nil
		}),
		"keys": vm.newNative("Table.keys", 1, func(vm *VM, args []Value) (Value, error) {
			if !args[0].IsTable() {
				return Nil, errTypef("keys: expected a table, got %v", args[0].Kind())
			}
			return vm.heap.ListFromSlice(args[0].Table().Keys())
		}),
		"len": vm.newNative("Table.len", 1, func(vm *VM, args []Value) (Value, error) {
			if !args[0].IsTable() {
				return Nil, errTypef("len: expected a table, got %v", args[0].Kind())
			}
			return FromNum(float64(args[0].Table().Len())), nil
		}),
	})
}

// ---------------------------------------------------------------------------
// Str
// ---------------------------------------------------------------------------

func installStrModule(vm *VM) {
	vm.newModule("Str", KindStr, map[string]Value{
		"show": showFn(vm),
		"new": vm.newNative("Str.new", 0, func(vm *VM, args []Value) (Value, error) {
			return vm.str("")
		}),
		"get": vm.newNative("Str.get", 2, func(vm *VM, args []Value) (Value, error) {
			if !args[0].IsStr() || !args[1].IsNum() {
				return Nil, errTypef("get: expected a string and an index")
			}
			b := args[0].StrBytes()
			i := int(args[1].Num())
			if i < 0 || i >= len(b) {
				return Nil, nil
			}
			return vm.str(string(b[i : i+1]))
		}),
		"toList": vm.newNative("Str.toList", 1, func(vm *VM, args []Value) (Value, error) {
			if !args[0].IsStr() {
				return Nil, errTypef("toList: expected a string, got %v", args[0].Kind())
			}
			var out []Value
			for _, r := range args[0].Str() {
				s, err := vm.str(string(r))
				if err != nil {
					return Nil, err
				}
				vm.Protect(s)
				out = append(out, s)
			}
			return vm.heap.ListFromSlice(out)
		}),
		"len": vm.newNative("Str.len", 1, func(vm *VM, args []Value) (Value, error) {
			if !args[0].IsStr() {
				return Nil, errTypef("len: expected a string, got %v", args[0].Kind())
			}
			return FromNum(float64(len(args[0].StrBytes()))), nil
		}),
		"upper": strMethod(vm, "upper", strings.ToUpper),
		"lower": strMethod(vm, "lower", strings.ToLower),
		"trim":  strMethod(vm, "trim", strings.TrimSpace),
		"contains": vm.newNative("Str.contains", 2, func(vm *VM, args []Value) (Value, error) {
			if !args[0].IsStr() || !args[1].IsStr() {
				return Nil, errTypef("contains: expected two strings")
			}
			return FromBool(strings.Contains(args[0].Str(), args[1].Str())), nil
		}),
		"split": vm.newNative("Str.split", 2, func(vm *VM, args []Value) (Value, error) {
			if !args[0].IsStr() || !args[1].IsStr() {
				return Nil, errTypef("split: expected two strings")
			}
			parts := strings.Split(args[0].Str(), args[1].Str())
			out := make([]Value, 0, len(parts))
			for _, p := range parts {
				s, err := vm.str(p)
				if err != nil {
					return Nil, err
				}
				vm.Protect(s)
				out = append(out, s)
			}
			return vm.heap.ListFromSlice(out)
		}),
		"sub": vm.newNative("Str.sub", 3, func(vm *VM, args []Value) (Value, error) {
			if !args[0].IsStr() || !args[1].IsNum() || !args[2].IsNum() {
				return Nil, errTypef("sub: expected a string and two indices")
			}
			s := args[0].Str()
			from, to := int(args[1].Num()), int(args[2].Num())
			if from < 0 {
				from = 0
			}
			if to > len(s) {
				to = len(s)
			}
			if from > to {
				from = to
			}
			return vm.str(s[from:to])
		}),
	})
}

func strMethod(vm *VM, name string, fn func(string) string) Value {
	return vm.newNative("Str."+name, 1, func(vm *VM, args []Value) (Value, error) {
		if !args[0].IsStr() {
			return Nil, errTypef("%s: expected a string, got %v", name, args[0].Kind())
		}
		return vm.str(fn(args[0].Str()))
	})
}

// ---------------------------------------------------------------------------
// Num, Sym, Fn
// ---------------------------------------------------------------------------

func installNumModule(vm *VM) {
	vm.newModule("Num", KindNum, map[string]Value{
		"show":  showFn(vm),
		"floor": numMethod(vm, "floor", math.Floor),
		"ceil":  numMethod(vm, "ceil", math.Ceil),
		"abs":   numMethod(vm, "abs", math.Abs),
		"sqrt":  numMethod(vm, "sqrt", math.Sqrt),
		"round": numMethod(vm, "round", math.Round),
	})
}

func numMethod(vm *VM, name string, fn func(float64) float64) Value {
	return vm.newNative("Num."+name, 1, func(vm *VM, args []Value) (Value, error) {
		if !args[0].IsNum() {
			return Nil, errTypef("%s: expected a number, got %v", name, args[0].Kind())
		}
		return FromNum(fn(args[0].Num())), nil
	})
}

func installSymModule(vm *VM) {
	vm.newModule("Sym", KindSym, map[string]Value{
		"show": showFn(vm),
		"name": vm.newNative("Sym.name", 1, func(vm *VM, args []Value) (Value, error) {
			if args[0].Kind() != KindSym {
				return Nil, errTypef("name: expected a symbol, got %v", args[0].Kind())
			}
			return vm.str(vm.symbols.Name(args[0].Sym()))
		}),
	})
}

func installFnModule(vm *VM) {
	mod := vm.newModule("Fn", KindFun, map[string]Value{
		"show": showFn(vm),
		"arity": vm.newNative("Fn.arity", 1, func(vm *VM, args []Value) (Value, error) {
			if !args[0].IsCallable() {
				return Nil, errTypef("arity: expected a function, got %v", args[0].Kind())
			}
			return FromNum(float64(args[0].Fun().Remaining())), nil
		}),
		"apply": vm.newNative("Fn.apply", 2, func(vm *VM, args []Value) (Value, error) {
			if !args[0].IsCallable() {
				return Nil, errTypef("apply: expected a function, got %v", args[0].Kind())
			}
			if !args[1].IsList() {
				return Nil, errTypef("apply: arguments must be a list")
			}
			return vm.CallValue(args[0], ListToSlice(args[1]))
		}),
	})
	// Natives and bytecode functions share one namespace.
	vm.modules.Register(KindNative, mod)
}

// ---------------------------------------------------------------------------
// IO natives
// ---------------------------------------------------------------------------

// InstallIO registers the side-effecting file and process natives. The
// embedder decides whether scripts get them; the CLI always installs them
// with the arguments that followed the script path.
func InstallIO(vm *VM, scriptArgs []string) {
	defer vm.protectRelease(vm.protectMark())
	vm.DefineGlobal("fread", vm.newNative("fread", 1, func(vm *VM, args []Value) (Value, error) {
		if !args[0].IsStr() {
			return Nil, errTypef("fread: expected a path string")
		}
		data, err := os.ReadFile(args[0].Str())
		if err != nil {
			return Nil, &ControlError{Kind: ErrNativeCallFailed, Message: "fread: " + err.Error()}
		}
		return vm.heap.NewStrBytes(data)
	}))
	vm.DefineGlobal("fwrite", vm.newNative("fwrite", 2, func(vm *VM, args []Value) (Value, error) {
		if !args[0].IsStr() || !args[1].IsStr() {
			return Nil, errTypef("fwrite: expected a path and contents")
		}
		if err := os.WriteFile(args[0].Str(), args[1].StrBytes(), 0o644); err != nil {
			return Nil, &ControlError{Kind: ErrNativeCallFailed, Message: "fwrite: " + err.Error()}
		}
		return Nil, nil
	}))
	vm.DefineGlobal("remove", vm.newNative("remove", 1, func(vm *VM, args []Value) (Value, error) {
		if !args[0].IsStr() {
			return Nil, errTypef("remove: expected a path string")
		}
		if err := os.Remove(args[0].Str()); err != nil {
			return Nil, &ControlError{Kind: ErrNativeCallFailed, Message: "remove: " + err.Error()}
		}
		return Nil, nil
	}))
	vm.DefineGlobal("exists", vm.newNative("exists", 1, func(vm *VM, args []Value) (Value, error) {
		if !args[0].IsStr() {
			return Nil, errTypef("exists: expected a path string")
		}
		_, err := os.Stat(args[0].Str())
		return FromBool(err == nil), nil
	}))
	vm.DefineGlobal("system", vm.newNative("system", 1, func(vm *VM, args []Value) (Value, error) {
		if !args[0].IsStr() {
			return Nil, errTypef("system: expected a command string")
		}
		out, err := exec.Command("sh", "-c", args[0].Str()).CombinedOutput()
		if err != nil {
			return Nil, &ControlError{Kind: ErrNativeCallFailed, Message: "system: " + err.Error()}
		}
		return vm.heap.NewStrBytes(out)
	}))
	vm.DefineGlobal("getenv", vm.newNative("getenv", 1, func(vm *VM, args []Value) (Value, error) {
		if !args[0].IsStr() {
			return Nil, errTypef("getenv: expected a name string")
		}
		v, ok := os.LookupEnv(args[0].Str())
		if !ok {
			return Nil, nil
		}
		return vm.str(v)
	}))
	vm.DefineGlobal("setenv", vm.newNative("setenv", 2, func(vm *VM, args []Value) (Value, error) {
		if !args[0].IsStr() || !args[1].IsStr() {
			return Nil, errTypef("setenv: expected a name and a value")
		}
		if err := os.Setenv(args[0].Str(), args[1].Str()); err != nil {
			return Nil, &ControlError{Kind: ErrNativeCallFailed, Message: "setenv: " + err.Error()}
		}
		return Nil, nil
	}))
	vm.DefineGlobal("getargs", vm.newNative("getargs", 0, func(vm *VM, args []Value) (Value, error) {
		out := make([]Value, 0, len(scriptArgs))
		for _, a := range scriptArgs {
			s, err := vm.str(a)
			if err != nil {
				return Nil, err
			}
			vm.Protect(s)
			out = append(out, s)
		}
		return vm.heap.ListFromSlice(out)
	}))
}

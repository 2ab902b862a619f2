package vm

import (
	"fmt"
	"io"
)

// Disassemble writes a listing of c to w: one line per instruction, then
// the constant pool, recursing into function constants. name labels the
// chunk in the output.
func Disassemble(w io.Writer, c *Chunk, st *SymbolTable, name string) {
	fmt.Fprintf(w, "== %s ==\n", name)
	for i, in := range c.Code {
		fmt.Fprintf(w, "%04d  %-7s", i, in.Op)
		if opHasA(in.Op) {
			fmt.Fprintf(w, " %-5d", in.A)
		} else {
			fmt.Fprint(w, "      ")
		}
		if opHasSym(in.Op) {
			fmt.Fprintf(w, " :%s", st.Name(in.Sym))
		}
		if in.Line != 0 {
			fmt.Fprintf(w, "  ; %d:%d", in.Line, in.Column)
		}
		fmt.Fprintln(w)
	}
	var nested []*Fun
	for i, v := range c.Consts {
		fmt.Fprintf(w, "const %-3d %s\n", i, v.Display(st))
		if v.IsCallable() && v.Fun().Code != nil {
			nested = append(nested, v.Fun())
		}
	}
	for i, f := range nested {
		fmt.Fprintln(w)
		Disassemble(w, f.Code, st, fmt.Sprintf("%s.fn%d/%d", name, i, f.Arity))
	}
}

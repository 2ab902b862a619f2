package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/yex-lang/yex/config"
	"github.com/yex-lang/yex/vm"
)

var log = commonlog.GetLogger("yex")

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, `yex runs compiled yex chunk files.

Usage:

  yex [flags] program.yexc [args...]

Flags:

`)
	flag.PrintDefaults()
	fmt.Fprintf(out, `
Examples:

  yex fib.yexc
  yex -d fib.yexc
  yex -trace -config ./yex.toml server.yexc 8080
`)
}

func main() {
	var (
		disassemble = flag.Bool("d", false, "disassemble the chunk instead of running it")
		trace       = flag.Bool("trace", false, "write an instruction trace to stderr")
		configPath  = flag.String("config", "", "path to yex.toml (default: search upward from the working directory)")
		verbosity   = flag.Int("v", 0, "log verbosity")
	)
	flag.Usage = usage
	flag.Parse()

	commonlog.Configure(*verbosity, nil)

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}
	path := flag.Arg(0)
	scriptArgs := flag.Args()[1:]

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.FindAndLoad(".")
	}
	if err != nil {
		fail("%s", err)
	}
	opts := cfg.Options()
	if *trace {
		opts.Trace = true
	}

	symbols := vm.NewSymbolTable()
	machine := vm.New(opts, symbols)

	vm.InstallIO(machine, scriptArgs)
	vm.InstallFFI(machine, vm.NewFFIRegistry())
	for _, lib := range cfg.FFI.Libraries {
		log.Warningf("ffi library %q requested by config; register foreign functions from the host embedding", lib)
	}

	f, err := os.Open(path)
	if err != nil {
		fail("%s", err)
	}
	chunk, err := vm.DecodeChunk(f, machine.Heap(), symbols)
	f.Close()
	if err != nil {
		fail("%s: %s", path, err)
	}
	log.Debugf("loaded %s: %d instructions, %d constants", path, len(chunk.Code), len(chunk.Consts))

	if *disassemble {
		vm.Disassemble(os.Stdout, chunk, symbols, path)
		return
	}

	if _, err := machine.Run(chunk); err != nil {
		fail("%s", err)
	}
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "yex: "+format+"\n", args...)
	os.Exit(1)
}

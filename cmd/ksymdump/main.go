// ksymdump loads a kallsyms listing and either dumps the module symbol
// tables or resolves the addresses given as arguments.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/klogtools/ksymtab"
	"github.com/klogtools/ksymtab/symtab"
)

var (
	kallsymsPath = flag.String("kallsyms", ksymtab.DefaultKallsymsPath, "kernel symbol listing to load")
	staticSyms   = flag.Int("static-syms", 0, "number of symbols already known from the static kernel symbol table")
)

func main() {
	flag.Parse()
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))

	store := symtab.NewStore()
	if err := load(store); err != nil {
		_ = level.Error(logger).Log("msg", "error loading kernel symbols", "err", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		dump(store)
		return
	}
	for _, arg := range args {
		addr, err := strconv.ParseUint(strings.TrimPrefix(arg, "0x"), 16, 64)
		if err != nil {
			_ = level.Error(logger).Log("msg", "bad address", "arg", arg, "err", err)
			os.Exit(1)
		}
		res, ok := store.Resolve(addr)
		if !ok {
			fmt.Printf("%016x not found\n", addr)
			continue
		}
		fmt.Printf("%016x (%s)\n", addr, res)
	}
}

func load(store *symtab.Store) error {
	f, err := os.Open(*kallsymsPath)
	if err != nil {
		return err
	}
	defer f.Close()
	return store.Load(f, *staticSyms)
}

func dump(store *symtab.Store) {
	modules := store.Modules()
	fmt.Printf("%d modules, %d symbols\n", len(modules), store.NumSymbols())
	for _, m := range modules {
		name := m.Name
		if m.Anonymous() {
			name = "kernel"
		}
		fmt.Printf("%s: %d symbols\n", name, len(m.Symbols))
		for _, sym := range m.Symbols {
			fmt.Printf("  %016x %s\n", sym.Address, sym.Name)
		}
	}
}

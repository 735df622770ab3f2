// Package symtab builds in-memory kernel module symbol tables from the
// kallsyms listing and resolves addresses against them.
package symtab

import (
	"fmt"

	"github.com/samber/lo"
)

// Symbol is one kallsyms entry owned by a Module.
type Symbol struct {
	Name    string
	Address uint64
}

// Module is one contiguous run of kallsyms lines attributed to the same
// kernel module. Lines with no bracket annotation belong to the
// anonymous module, the kernel image itself.
type Module struct {
	Name    string
	Symbols []Symbol

	// named distinguishes an absent annotation from a present but
	// empty one.
	named bool
}

func (m *Module) Anonymous() bool {
	return !m.named
}

func (m *Module) label(symbol string) string {
	if !m.named {
		return symbol
	}
	return m.Name + ":" + symbol
}

// Resolution places an address Offset bytes past the symbol named by
// Label, inside a span of Size bytes up to the module's next symbol.
type Resolution struct {
	Label  string
	Offset uint64
	Size   uint64
}

func (r Resolution) String() string {
	return fmt.Sprintf("%s+%d/%d", r.Label, r.Offset, r.Size)
}

// Store holds the module symbol tables built from one kallsyms read.
// A Store does no locking; callers serialize access.
type Store struct {
	modules []*Module
	loaded  bool
}

func NewStore() *Store {
	return &Store{}
}

// Clear discards all modules. Safe to call repeatedly and on an empty
// Store.
func (s *Store) Clear() {
	s.modules = nil
	s.loaded = false
}

func (s *Store) Loaded() bool {
	return s.loaded
}

func (s *Store) Modules() []*Module {
	return s.modules
}

func (s *Store) NumSymbols() int {
	return lo.SumBy(s.modules, func(m *Module) int { return len(m.Symbols) })
}

// Resolve finds the symbol addr falls inside of, preferring the
// candidate with the smallest offset and, on equal offsets, the
// smallest span. Each module contributes at most one candidate: the
// symbol preceding its first symbol with an address strictly greater
// than addr. Addresses at or past a module's last symbol never match
// within that module.
func (s *Store) Resolve(addr uint64) (Resolution, bool) {
	var best Resolution
	for _, m := range s.modules {
		for i := 1; i < len(m.Symbols); i++ {
			if m.Symbols[i].Address > addr {
				prev := m.Symbols[i-1]
				offset := addr - prev.Address
				size := m.Symbols[i].Address - prev.Address
				if best.Size == 0 || offset < best.Offset ||
					(offset == best.Offset && size < best.Size) {
					best = Resolution{Label: m.label(prev.Name), Offset: offset, Size: size}
				}
				break
			}
		}
	}
	if best.Size == 0 {
		return Resolution{}, false
	}
	return best, true
}

package symtab

import (
	"bufio"
	"bytes"
	"cmp"
	"io"
	"slices"
	"strconv"
)

// kallsymsEntry is one accepted line of the kallsyms listing:
// "<hex address> <type> <name>", module symbols carrying a trailing
// "\t[<module>]" annotation.
type kallsymsEntry struct {
	address   uint64
	name      string
	module    string
	hasModule bool
}

func parseKallsymsLine(line []byte, staticSymbols int) (kallsymsEntry, bool) {
	// With a static symbol table present, unannotated lines duplicate
	// symbols already known from it.
	bracket := bytes.IndexByte(line, '[')
	if staticSymbols > 0 && bracket == -1 {
		return kallsymsEntry{}, false
	}

	var e kallsymsEntry
	end := len(line)
	if bracket != -1 {
		annotation := line[bracket+1:]
		if j := bytes.IndexByte(annotation, ']'); j != -1 {
			annotation = annotation[:j]
		}
		e.module = string(bytes.TrimRight(annotation, " \t"))
		e.hasModule = true
		end = len(bytes.TrimRight(line[:bracket], " \t"))
	}

	space := bytes.IndexByte(line[:end], ' ')
	if space == -1 {
		return kallsymsEntry{}, false
	}
	address, err := strconv.ParseUint(string(line[:space]), 16, 64)
	if err != nil {
		return kallsymsEntry{}, false
	}
	// The name starts past the one-char type field and its separators.
	nameStart := space + 3
	if nameStart >= end {
		return kallsymsEntry{}, false
	}
	e.address = address
	e.name = string(line[nameStart:end])
	return e, true
}

// Load rebuilds the Store from one pass over src in kallsyms format,
// discarding any previous contents. staticSymbols is the number of
// symbols the caller already knows from its static kernel symbol
// table; when positive, unannotated lines are skipped. Malformed lines
// are skipped silently. On a read error the Store is left empty.
func (s *Store) Load(src io.Reader, staticSymbols int) error {
	s.Clear()
	var active *Module
	scanner := bufio.NewScanner(src)
	for scanner.Scan() {
		e, ok := parseKallsymsLine(scanner.Bytes(), staticSymbols)
		if !ok {
			continue
		}
		if active == nil || active.named != e.hasModule ||
			(e.hasModule && active.Name != e.module) {
			// Grouping is by adjacency: a module whose lines come in
			// non-contiguous runs gets one entry per run.
			active = &Module{Name: e.module, named: e.hasModule}
			s.modules = append(s.modules, active)
		}
		active.Symbols = append(active.Symbols, Symbol{Name: e.name, Address: e.address})
	}
	if err := scanner.Err(); err != nil {
		s.Clear()
		return err
	}
	for _, m := range s.modules {
		if len(m.Symbols) < 2 {
			continue
		}
		slices.SortFunc(m.Symbols, func(a, b Symbol) int {
			return cmp.Compare(a.Address, b.Address)
		})
	}
	s.loaded = true
	return nil
}

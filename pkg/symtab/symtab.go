// Package symtab maps instruction addresses back to source level file, line
// and function identity. It is the monitor's symbol resolution service: the
// debug information is loaded once at startup and queried read-only after
// that.
package symtab

import (
	"sort"

	lru "github.com/hashicorp/golang-lru"
)

const lookupCacheSize = 256

// Func describes one function in the debugged image: its name and the half
// open address range [Entry, End) its code occupies.
type Func struct {
	Name  string
	Entry uint32
	End   uint32
}

// LineEntry associates the instructions starting at Addr with a source file
// and line. Entries cover the range up to the next entry's address.
type LineEntry struct {
	Addr uint32
	File string
	Line int
}

// Location is the source attribution of one instruction address.
type Location struct {
	File      string
	Line      int
	Func      string
	FuncEntry uint32
}

// Resolver resolves an instruction address to its source location. The
// second return value is false when no debug information covers the address.
type Resolver interface {
	PCToLocation(pc uint32) (Location, bool)
}

// Table is a Resolver backed by in-memory function and line records, with an
// LRU cache in front of the binary searches. It is immutable after New.
type Table struct {
	funcs []Func
	lines []LineEntry
	cache *lru.Cache
}

// New builds a lookup table from the given function and line records. The
// inputs are copied and sorted by address.
func New(funcs []Func, lines []LineEntry) *Table {
	t := &Table{
		funcs: append([]Func(nil), funcs...),
		lines: append([]LineEntry(nil), lines...),
	}
	sort.Slice(t.funcs, func(i, j int) bool { return t.funcs[i].Entry < t.funcs[j].Entry })
	sort.Slice(t.lines, func(i, j int) bool { return t.lines[i].Addr < t.lines[j].Addr })
	t.cache, _ = lru.New(lookupCacheSize)
	return t
}

// PCToLocation returns the source location enclosing pc. It reports false if
// no function covers the address.
func (t *Table) PCToLocation(pc uint32) (Location, bool) {
	if cached, ok := t.cache.Get(pc); ok {
		return cached.(Location), true
	}

	i := sort.Search(len(t.funcs), func(i int) bool { return t.funcs[i].Entry > pc })
	if i == 0 {
		return Location{}, false
	}
	fn := t.funcs[i-1]
	if pc >= fn.End {
		return Location{}, false
	}

	loc := Location{Func: fn.Name, FuncEntry: fn.Entry, File: "<unknown>"}
	if j := sort.Search(len(t.lines), func(j int) bool { return t.lines[j].Addr > pc }); j > 0 {
		loc.File = t.lines[j-1].File
		loc.Line = t.lines[j-1].Line
	}

	t.cache.Add(pc, loc)
	return loc, true
}

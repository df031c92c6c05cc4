package mm

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/go-kmon/kmon/pkg/logflags"
)

// ErrNotMapped is returned when a lookup reaches a non-present entry and
// creation of the missing structure was not requested.
var ErrNotMapped = errors.New("virtual address is not mapped")

// WordStore provides word-granular access to physical memory. Page tables
// live in physical memory; the address space reads and writes them through
// this interface.
type WordStore interface {
	Word(physAddr uint32) uint32
	SetWord(physAddr, word uint32)
}

// FrameAllocator allocates physical frames for page table structures.
type FrameAllocator interface {
	AllocFrame() (Frame, error)
}

// EntryRef is a handle to a page table entry slot in physical memory. The
// entry is located, not owned: mutations through the ref write straight into
// the page table.
type EntryRef struct {
	store WordStore
	addr  uint32
}

// Load reads the current entry value from the table.
func (r EntryRef) Load() Entry {
	return Entry(r.store.Word(r.addr))
}

// Store writes a new entry value into the table.
func (r EntryRef) Store(e Entry) {
	r.store.SetWord(r.addr, uint32(e))
}

// AddrSpace is a two-level page table rooted at a page directory frame. The
// directory and every page table occupy one frame each; an entry covers one
// 4KB page and a directory slot covers 4MB.
type AddrSpace struct {
	mem   WordStore
	alloc FrameAllocator
	root  Frame
	log   *logrus.Entry
}

// NewAddrSpace allocates a zeroed page directory from alloc and returns an
// address space rooted at it.
func NewAddrSpace(mem WordStore, alloc FrameAllocator) (*AddrSpace, error) {
	root, err := alloc.AllocFrame()
	if err != nil {
		return nil, err
	}
	as := &AddrSpace{mem: mem, alloc: alloc, root: root, log: logflags.MMULogger()}
	as.zeroFrame(root)
	return as, nil
}

// Root returns the page directory frame of the address space.
func (as *AddrSpace) Root() Frame {
	return as.root
}

func (as *AddrSpace) zeroFrame(f Frame) {
	base := f.Address()
	for off := uint32(0); off < PageSize; off += WordSize {
		as.mem.SetWord(base+off, 0)
	}
}

// Walk returns a reference to the leaf page table entry governing virtAddr.
// If the page table holding the entry does not exist it is allocated, zeroed
// and installed when create is set; otherwise Walk returns ErrNotMapped.
func (as *AddrSpace) Walk(virtAddr uint32, create bool) (EntryRef, error) {
	dirIndex := virtAddr >> (PageShift + 10)
	tblIndex := (virtAddr >> PageShift) & (pageTableEntries - 1)

	dirSlot := EntryRef{store: as.mem, addr: as.root.Address() + dirIndex*WordSize}
	dirEntry := dirSlot.Load()
	if !dirEntry.HasFlags(FlagPresent) {
		if !create {
			return EntryRef{}, ErrNotMapped
		}
		tblFrame, err := as.alloc.AllocFrame()
		if err != nil {
			return EntryRef{}, err
		}
		as.zeroFrame(tblFrame)
		var e Entry
		e.SetFrame(tblFrame)
		e.SetFlags(FlagPresent | FlagWritable | FlagUser)
		dirSlot.Store(e)
		dirEntry = e
		as.log.WithFields(logrus.Fields{
			"dir":   dirIndex,
			"frame": tblFrame,
		}).Debug("installed page table")
	}

	return EntryRef{store: as.mem, addr: dirEntry.Frame().Address() + tblIndex*WordSize}, nil
}

// Map installs a mapping from page to frame with the given flags, allocating
// the intermediate page table if needed.
func (as *AddrSpace) Map(page Page, frame Frame, flags EntryFlag) error {
	ref, err := as.Walk(page.Address(), true)
	if err != nil {
		return err
	}
	var e Entry
	e.SetFrame(frame)
	e.SetFlags(flags)
	ref.Store(e)
	return nil
}

// Translate returns the physical address that corresponds to virtAddr, or
// ErrNotMapped if no present mapping covers it.
func (as *AddrSpace) Translate(virtAddr uint32) (uint32, error) {
	ref, err := as.Walk(virtAddr, false)
	if err != nil {
		return 0, err
	}
	entry := ref.Load()
	if !entry.HasFlags(FlagPresent) {
		return 0, ErrNotMapped
	}
	return entry.Frame().Address() + (virtAddr & (PageSize - 1)), nil
}

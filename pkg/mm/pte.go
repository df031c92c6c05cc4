package mm

// EntryFlag describes a status or permission flag encoded in the low bits of
// a page table entry.
type EntryFlag uint32

const (
	// FlagPresent is set when the page is mapped in physical memory.
	FlagPresent EntryFlag = 1 << iota

	// FlagWritable is set if the page can be written to.
	FlagWritable

	// FlagUser is set if user-mode code can access the page.
	FlagUser

	// FlagWriteThrough selects write-through caching for the page.
	FlagWriteThrough

	// FlagNoCache prevents the page from being cached.
	FlagNoCache

	// FlagAccessed is set by the MMU when the page is accessed.
	FlagAccessed

	// FlagDirty is set by the MMU when the page is written to.
	FlagDirty

	// FlagHuge is set on directory entries mapping a large page directly.
	FlagHuge

	// FlagGlobal exempts the translation from TLB flushes on address
	// space switches.
	FlagGlobal
)

// entryFrameMask extracts the physical frame portion of an entry. Bits 12-31
// hold the frame address, the low 12 bits hold the flags.
const entryFrameMask uint32 = 0xfffff000

// Entry is a single page table entry: a physical frame number in the high
// bits plus status/permission flags in the low bits.
type Entry uint32

// HasFlags returns true if the entry has all the input flags set.
func (e Entry) HasFlags(flags EntryFlag) bool {
	return uint32(e)&uint32(flags) == uint32(flags)
}

// SetFlags sets the input flags on the entry.
func (e *Entry) SetFlags(flags EntryFlag) {
	*e = Entry(uint32(*e) | uint32(flags))
}

// ClearFlags unsets the input flags from the entry.
func (e *Entry) ClearFlags(flags EntryFlag) {
	*e = Entry(uint32(*e) &^ uint32(flags))
}

// Frame returns the physical frame the entry points to.
func (e Entry) Frame() Frame {
	return Frame((uint32(e) & entryFrameMask) >> PageShift)
}

// SetFrame updates the entry to point to the given physical frame, leaving
// the flag bits untouched.
func (e *Entry) SetFrame(frame Frame) {
	*e = Entry((uint32(*e) &^ entryFrameMask) | frame.Address())
}

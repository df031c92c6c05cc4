// Package mm models the memory layout of the monitored kernel: physical
// frames, virtual pages and the two-level page table structure that maps
// one onto the other.
package mm

// The monitored machine is a 32-bit architecture with 4KB pages and the
// physical address space aliased into the upper part of the kernel's
// virtual address space starting at KernBase.
const (
	// PageShift is equal to log2(PageSize).
	PageShift = 12

	// PageSize is the system page size in bytes.
	PageSize = 1 << PageShift

	// KernBase is the virtual address where the kernel alias of physical
	// memory begins. Physical address pa is kernel-visible at KernBase+pa.
	KernBase uint32 = 0xf0000000

	// WordSize is the machine word size in bytes.
	WordSize = 4

	pageTableEntries = 1 << 10
)

// Frame describes a physical memory page index.
type Frame uint32

// Address returns the physical memory address of the first byte of the frame.
func (f Frame) Address() uint32 {
	return uint32(f) << PageShift
}

// FrameFromAddress returns the Frame containing the given physical address,
// rounding down when the address is not page aligned.
func FrameFromAddress(physAddr uint32) Frame {
	return Frame(physAddr >> PageShift)
}

// Page describes a virtual memory page index.
type Page uint32

// Address returns the virtual address of the first byte of the page.
func (p Page) Address() uint32 {
	return uint32(p) << PageShift
}

// PageFromAddress returns the Page containing the given virtual address,
// rounding down when the address is not page aligned.
func PageFromAddress(virtAddr uint32) Page {
	return Page(virtAddr >> PageShift)
}

// KernAddr returns the kernel-visible virtual alias for a physical address.
func KernAddr(physAddr uint32) uint32 {
	return KernBase + physAddr
}

// KernelImage describes the load layout of the kernel executable. The
// addresses are the virtual link addresses of the corresponding linker
// symbols.
type KernelImage struct {
	Start uint32 // physical load address of the image
	Entry uint32 // kernel entry point
	Etext uint32 // end of the text segment
	Edata uint32 // end of initialized data
	End   uint32 // end of the image (bss included)
}

// Footprint returns the size of the kernel's executable memory footprint in
// kilobytes, rounded up.
func (img KernelImage) Footprint() uint32 {
	return (img.End - img.Entry + 1023) / 1024
}

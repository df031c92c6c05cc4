package target

import (
	"encoding/binary"
	"fmt"

	"github.com/go-kmon/kmon/pkg/mm"
)

// Fault is the panic value raised when an access falls outside mapped
// memory. The monitor deliberately performs no bounds checking of operator
// supplied addresses; a bad access is the software analog of the hardware
// fault the real monitor would take.
type Fault struct {
	Addr uint32
}

func (f *Fault) Error() string {
	return fmt.Sprintf("unhandled fault accessing 0x%08x", f.Addr)
}

// Memory is the machine's flat physical memory. Words are little endian.
type Memory struct {
	data []byte
}

// NewMemory returns a zeroed physical memory of the given size in bytes.
func NewMemory(size uint32) *Memory {
	return &Memory{data: make([]byte, size)}
}

// Size returns the size of physical memory in bytes.
func (m *Memory) Size() uint32 {
	return uint32(len(m.data))
}

// Word reads the 32-bit word at the given physical address. Accesses outside
// physical memory panic with a Fault.
func (m *Memory) Word(physAddr uint32) uint32 {
	if physAddr+mm.WordSize > uint32(len(m.data)) || physAddr+mm.WordSize < physAddr {
		panic(&Fault{Addr: physAddr})
	}
	return binary.LittleEndian.Uint32(m.data[physAddr:])
}

// SetWord writes the 32-bit word at the given physical address.
func (m *Memory) SetWord(physAddr, word uint32) {
	if physAddr+mm.WordSize > uint32(len(m.data)) || physAddr+mm.WordSize < physAddr {
		panic(&Fault{Addr: physAddr})
	}
	binary.LittleEndian.PutUint32(m.data[physAddr:], word)
}

// Load copies raw bytes into physical memory starting at physAddr.
func (m *Memory) Load(physAddr uint32, data []byte) error {
	if physAddr+uint32(len(data)) > uint32(len(m.data)) {
		return fmt.Errorf("image of %d bytes does not fit at 0x%08x", len(data), physAddr)
	}
	copy(m.data[physAddr:], data)
	return nil
}

// BumpAllocator hands out physical frames sequentially from a fixed range.
// Frames are never returned; the monitor's page table structures are
// permanent for the life of the machine.
type BumpAllocator struct {
	next  mm.Frame
	limit mm.Frame
}

// NewBumpAllocator returns an allocator over the frame range [first, limit).
func NewBumpAllocator(first, limit mm.Frame) *BumpAllocator {
	return &BumpAllocator{next: first, limit: limit}
}

// AllocFrame returns the next free frame.
func (a *BumpAllocator) AllocFrame() (mm.Frame, error) {
	if a.next >= a.limit {
		return 0, fmt.Errorf("out of physical frames (limit %d)", a.limit)
	}
	f := a.next
	a.next++
	return f, nil
}

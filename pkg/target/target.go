// Package target implements the machine the monitor inspects: physical
// memory, the kernel address space, the kernel image layout and the
// currently trapped process. In a real deployment these come from the live
// kernel; here they form a self-contained snapshot machine that the monitor
// drives through the same interfaces.
package target

import (
	"fmt"
	"io/ioutil"

	"github.com/sirupsen/logrus"

	"github.com/go-kmon/kmon/pkg/logflags"
	"github.com/go-kmon/kmon/pkg/mm"
	"github.com/go-kmon/kmon/pkg/symtab"
	"github.com/go-kmon/kmon/pkg/trap"
)

// DefaultMemSize is the default amount of physical memory for a synthetic
// machine.
const DefaultMemSize uint32 = 16 << 20

const (
	imageStart    uint32 = 0x00100000 // physical load address of the kernel image
	allocStart    uint32 = 0x00200000 // first frame handed out by the allocator
	bootStackTop  uint32 = 0x000f8000 // physical top of the boot stack
	procStackTop  uint32 = 0x000e8000 // physical top of the trapped process stack
	kernCodeSel   uint16 = 0x08
	kernDataSel   uint16 = 0x10
	eflagsDefault uint32 = 0x00000082
)

// ProcState describes the scheduling state of a process.
type ProcState int

const (
	// ProcTrapped means the process is stopped in the monitor.
	ProcTrapped ProcState = iota
	// ProcRunning means control was handed back to the process.
	ProcRunning
)

// Process is an execution handle: the unit the monitor resumes or steps.
type Process struct {
	ID    int
	Name  string
	State ProcState
	TF    *trap.Frame
}

// Machine bundles everything the monitor needs to inspect: physical memory,
// the kernel address space, debug symbols, the kernel image layout and the
// current process.
type Machine struct {
	Mem     *Memory
	Alloc   *BumpAllocator
	Kern    *mm.AddrSpace
	Syms    *symtab.Table
	Image   mm.KernelImage
	CurProc *Process

	// BootEBP is the frame pointer of the boot context, used by backtrace
	// when the monitor was entered outside any trap.
	BootEBP uint32

	log *logrus.Entry
}

// New builds a machine with the given amount of physical memory. The whole
// of physical memory is aliased into the kernel address space at
// mm.KernBase, the way the monitored kernel maps itself.
func New(memSize uint32) (*Machine, error) {
	if memSize < allocStart+mm.PageSize {
		return nil, fmt.Errorf("physical memory of %d bytes is too small", memSize)
	}

	m := &Machine{
		Mem:   NewMemory(memSize),
		Alloc: NewBumpAllocator(mm.FrameFromAddress(allocStart), mm.Frame(memSize>>mm.PageShift)),
		log:   logflags.MachineLogger(),
	}

	kern, err := mm.NewAddrSpace(m.Mem, m.Alloc)
	if err != nil {
		return nil, err
	}
	m.Kern = kern

	// Alias all of physical memory at KernBase.
	for pa := uint32(0); pa < memSize; pa += mm.PageSize {
		page := mm.PageFromAddress(mm.KernAddr(pa))
		if err := kern.Map(page, mm.FrameFromAddress(pa), mm.FlagPresent|mm.FlagWritable|mm.FlagGlobal); err != nil {
			return nil, err
		}
	}

	m.Image = mm.KernelImage{
		Start: imageStart,
		Entry: mm.KernAddr(imageStart) + 0x0c,
		Etext: mm.KernAddr(imageStart) + 0x1acf4,
		Edata: mm.KernAddr(imageStart) + 0x2f000,
		End:   mm.KernAddr(imageStart) + 0x36a70,
	}
	m.Syms = defaultSymbols(m.Image)
	m.BootEBP = m.buildBootStack()

	m.log.WithFields(logrus.Fields{
		"mem":    memSize,
		"frames": memSize >> mm.PageShift,
	}).Debug("machine initialized")

	return m, nil
}

// defaultSymbols builds the debug information for the synthetic kernel
// image: a handful of functions laid out inside the image's text segment.
func defaultSymbols(img mm.KernelImage) *symtab.Table {
	base := img.Entry &^ 0xfff
	funcs := []symtab.Func{
		{Name: "entry", Entry: base + 0x0c, End: base + 0x40},
		{Name: "kern_init", Entry: base + 0x40, End: base + 0x140},
		{Name: "monitor", Entry: base + 0x140, End: base + 0x300},
		{Name: "runcmd", Entry: base + 0x300, End: base + 0x480},
		{Name: "trap_dispatch", Entry: base + 0x480, End: base + 0x600},
		{Name: "sched_yield", Entry: base + 0x600, End: base + 0x6c0},
		{Name: "env_run", Entry: base + 0x6c0, End: base + 0x7a0},
	}
	lines := []symtab.LineEntry{
		{Addr: base + 0x0c, File: "kern/entry.S", Line: 44},
		{Addr: base + 0x40, File: "kern/init.c", Line: 24},
		{Addr: base + 0x140, File: "kern/monitor.c", Line: 252},
		{Addr: base + 0x300, File: "kern/monitor.c", Line: 214},
		{Addr: base + 0x480, File: "kern/trap.c", Line: 176},
		{Addr: base + 0x600, File: "kern/sched.c", Line: 9},
		{Addr: base + 0x6c0, File: "kern/env.c", Line: 486},
	}
	return symtab.New(funcs, lines)
}

// buildBootStack lays out the boot context's frame pointer chain so that
// backtrace has something truthful to walk before any trap occurred:
// monitor <- kern_init <- entry, root frame terminated by a null saved
// frame pointer.
func (m *Machine) buildBootStack() uint32 {
	base := m.Image.Entry &^ 0xfff
	return m.buildChain(bootStackTop, []chainFrame{
		{ret: base + 0x1f0, args: [5]uint32{0, 0, 0, 0, 0}},              // in monitor
		{ret: base + 0x9a, args: [5]uint32{0x10094, 0, 0x646c, 0, 0x40}}, // in kern_init
		{ret: base + 0x28, args: [5]uint32{0, 0, 0, 0, 0}},               // in entry
	})
}

type chainFrame struct {
	ret  uint32
	args [5]uint32
}

// buildChain writes a saved-frame-pointer chain into physical memory below
// stackTop and returns the innermost frame pointer as a kernel virtual
// address. frames[0] is the innermost frame.
func (m *Machine) buildChain(stackTop uint32, frames []chainFrame) uint32 {
	const frameSize = 0x20

	// Stacks grow down: the innermost frame sits lowest, each caller's
	// frame one step above it.
	fps := make([]uint32, len(frames))
	for i := range frames {
		fps[i] = stackTop - frameSize*uint32(len(frames)-i)
	}

	for i, f := range frames {
		caller := uint32(0)
		if i+1 < len(frames) {
			caller = mm.KernAddr(fps[i+1])
		}
		m.Mem.SetWord(fps[i], caller)
		m.Mem.SetWord(fps[i]+4, f.ret)
		for j, arg := range f.args {
			m.Mem.SetWord(fps[i]+8+uint32(j)*4, arg)
		}
	}

	return mm.KernAddr(fps[0])
}

// LoadImage reads a raw memory image from path into physical memory at the
// kernel's load address, replacing the synthetic image contents.
func (m *Machine) LoadImage(path string) error {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return err
	}
	return m.Mem.Load(imageStart, data)
}

// SpawnTrapped creates a process stopped at a breakpoint inside the kernel,
// with a plausible stack behind it, and installs it as the current process.
// It returns the trap frame the monitor should be entered with.
func (m *Machine) SpawnTrapped() *trap.Frame {
	base := m.Image.Entry &^ 0xfff
	ebp := m.buildChain(procStackTop, []chainFrame{
		{ret: base + 0x4f2, args: [5]uint32{3, 0, 0, 0, 0}}, // in trap_dispatch
		{ret: base + 0x1c8, args: [5]uint32{0, 0, 0, 0, 0}}, // in monitor
	})

	tf := &trap.Frame{
		EBP:    ebp,
		Trapno: trap.TBrkpt,
		EIP:    base + 0x620, // in sched_yield
		CS:     kernCodeSel,
		Eflags: eflagsDefault,
		ESP:    ebp - 8,
		SS:     kernDataSel,
		ES:     kernDataSel,
		DS:     kernDataSel,
	}

	m.CurProc = &Process{ID: 1, Name: "idle", State: ProcTrapped, TF: tf}
	return tf
}

// PhysWord reads a word of physical memory.
func (m *Machine) PhysWord(physAddr uint32) uint32 {
	return m.Mem.Word(physAddr)
}

// VirtWord reads a word of virtual memory through the kernel address space.
// Reading an unmapped address panics with a Fault, mirroring the hardware
// fault the real monitor would take.
func (m *Machine) VirtWord(virtAddr uint32) uint32 {
	pa, err := m.Kern.Translate(virtAddr)
	if err != nil {
		panic(&Fault{Addr: virtAddr})
	}
	return m.Mem.Word(pa)
}

// Resume hands control back to the current process. In the real kernel this
// call does not return; the snapshot machine records the handoff instead so
// the monitor loop can wind down normally.
func (m *Machine) Resume(tf *trap.Frame) error {
	if m.CurProc == nil {
		return fmt.Errorf("no current process")
	}
	m.CurProc.TF = tf
	m.CurProc.State = ProcRunning
	m.log.WithFields(logrus.Fields{
		"proc": m.CurProc.ID,
		"eip":  fmt.Sprintf("0x%08x", tf.EIP),
		"tf":   tf.Eflags&trap.FlagTF != 0,
	}).Debug("resuming process")
	return nil
}

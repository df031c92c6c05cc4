// Package monitor implements the kernel monitor: an interactive command
// loop for inspecting and mutating live kernel state. Commands receive the
// trap context the monitor was entered with, if any, and operate on the
// kernel through the collaborator interfaces carried by the Session.
package monitor

import (
	"io"

	"github.com/go-kmon/kmon/pkg/mm"
	"github.com/go-kmon/kmon/pkg/symtab"
	"github.com/go-kmon/kmon/pkg/trap"
)

// Memory is the monitor's raw memory access. Physical addresses are reached
// through their kernel-visible alias, so a single virtual read suffices. No
// bounds checking is performed; reading an unmapped address faults, which is
// an accepted boundary of this tool's trust model.
type Memory interface {
	// VirtWord reads a word of virtual memory.
	VirtWord(virtAddr uint32) uint32
}

// Translator locates the page table entry slot governing a virtual address,
// optionally creating the intermediate structures when they are missing.
type Translator interface {
	Walk(virtAddr uint32, create bool) (mm.EntryRef, error)
}

// Resumer hands a trap context back to the scheduler, resuming the
// interrupted process. In the live kernel a successful resume never returns
// to the caller; implementations here report success with a nil error and
// the monitor winds its loop down in response.
type Resumer interface {
	Resume(tf *trap.Frame) error
}

// Session carries the kernel state a command operates on. The kernel
// singletons (active address space, current process, image layout) are
// passed explicitly so commands can be exercised against synthetic
// collaborators.
type Session struct {
	Mem       Memory
	AddrSpace Translator
	Syms      symtab.Resolver
	Resumer   Resumer
	Image     mm.KernelImage

	// BootEBP is the frame pointer backtrace starts from when the monitor
	// was entered outside any trap.
	BootEBP uint32

	Stdout io.Writer
}

// Package trap defines the saved execution context captured when the
// monitored kernel takes an exception, along with the vector numbers and
// flag bits the monitor needs to interpret it.
package trap

import (
	"fmt"
	"io"
)

// Exception vector numbers.
const (
	TDivide  = 0  // divide error
	TDebug   = 1  // debug exception
	TNMI     = 2  // non-maskable interrupt
	TBrkpt   = 3  // breakpoint
	TOflow   = 4  // overflow
	TBound   = 5  // bounds check
	TIllop   = 6  // illegal opcode
	TDevice  = 7  // device not available
	TDblflt  = 8  // double fault
	TTSS     = 10 // invalid task switch segment
	TSegnp   = 11 // segment not present
	TStack   = 12 // stack exception
	TGpflt   = 13 // general protection fault
	TPgflt   = 14 // page fault
	TFperr   = 16 // floating point error
	TAlign   = 17 // alignment check
	TMchk    = 18 // machine check
	TSimderr = 19 // SIMD floating point error
)

// FlagTF is the single-step trap flag in the EFLAGS register. When set the
// processor raises a debug exception after executing one instruction.
const FlagTF uint32 = 0x00000100

var excnames = []string{
	"Divide error",
	"Debug",
	"Non-Maskable Interrupt",
	"Breakpoint",
	"Overflow",
	"BOUND Range Exceeded",
	"Invalid Opcode",
	"Device Not Available",
	"Double Fault",
	"Coprocessor Segment Overrun",
	"Invalid TSS",
	"Segment Not Present",
	"Stack Fault",
	"General Protection",
	"Page Fault",
	"(unknown trap)",
	"x87 FPU Floating-Point Error",
	"Alignment Check",
	"Machine-Check",
	"SIMD Floating-Point Exception",
}

// Name returns a human readable name for an exception vector number.
func Name(trapno uint32) string {
	if trapno < uint32(len(excnames)) {
		return excnames[trapno]
	}
	return "(unknown trap)"
}

// Frame is the register state saved when execution was interrupted by an
// exception or breakpoint. The monitor borrows frames from the trapping
// mechanism; it may flip flag bits but never owns or frees them.
type Frame struct {
	// General purpose registers in pusha order.
	EDI uint32
	ESI uint32
	EBP uint32
	EBX uint32
	EDX uint32
	ECX uint32
	EAX uint32

	ES uint16
	DS uint16

	Trapno uint32
	Err    uint32

	EIP    uint32
	CS     uint16
	Eflags uint32

	ESP uint32
	SS  uint16
}

// Print writes the full contents of the frame to w in the fixed layout used
// by the kernel's own trap printer.
func (f *Frame) Print(w io.Writer) {
	fmt.Fprintf(w, "TRAP frame\n")
	fmt.Fprintf(w, "  edi  0x%08x\n", f.EDI)
	fmt.Fprintf(w, "  esi  0x%08x\n", f.ESI)
	fmt.Fprintf(w, "  ebp  0x%08x\n", f.EBP)
	fmt.Fprintf(w, "  ebx  0x%08x\n", f.EBX)
	fmt.Fprintf(w, "  edx  0x%08x\n", f.EDX)
	fmt.Fprintf(w, "  ecx  0x%08x\n", f.ECX)
	fmt.Fprintf(w, "  eax  0x%08x\n", f.EAX)
	fmt.Fprintf(w, "  es   0x----%04x\n", f.ES)
	fmt.Fprintf(w, "  ds   0x----%04x\n", f.DS)
	fmt.Fprintf(w, "  trap 0x%08x %s\n", f.Trapno, Name(f.Trapno))
	fmt.Fprintf(w, "  err  0x%08x\n", f.Err)
	fmt.Fprintf(w, "  eip  0x%08x\n", f.EIP)
	fmt.Fprintf(w, "  cs   0x----%04x\n", f.CS)
	fmt.Fprintf(w, "  flag 0x%08x\n", f.Eflags)
	fmt.Fprintf(w, "  esp  0x%08x\n", f.ESP)
	fmt.Fprintf(w, "  ss   0x----%04x\n", f.SS)
}

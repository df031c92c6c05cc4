package monitor

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/go-kmon/kmon/pkg/mm"
	"github.com/go-kmon/kmon/pkg/trap"
)

const (
	// maxArgs bounds the number of whitespace separated tokens accepted on
	// one input line, command name included.
	maxArgs = 16

	// maxBacktraceFrames bounds the frame pointer walk so that a corrupted
	// or cyclic chain is reported instead of looping forever.
	maxBacktraceFrames = 64
)

const inputWhitespace = " \t\r\n"

type callContext struct {
	// TF is the trap context the monitor was entered with, nil when the
	// monitor was invoked outside any trap (e.g. at boot).
	TF *trap.Frame
}

type cmdfunc func(s *Session, ctx callContext, args []string) error

type command struct {
	aliases []string
	helpMsg string
	cmdFn   cmdfunc
}

// Returns true if the command string matches one of the aliases for this command
func (c command) match(cmdstr string) bool {
	for _, v := range c.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

// Commands represents the commands of the kernel monitor. The set is fixed
// at construction; only aliases can be merged in afterwards.
type Commands struct {
	cmds []command
}

// DebugCommands returns a Commands struct with the monitor's command table.
func DebugCommands() *Commands {
	c := &Commands{}

	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: c.help, helpMsg: "Display this list of commands."},
		{aliases: []string{"kerninfo"}, cmdFn: kerninfo, helpMsg: "Display information about the kernel."},
		{aliases: []string{"backtrace", "bt"}, cmdFn: backtrace, helpMsg: "Display stack backtrace."},
		{aliases: []string{"map"}, cmdFn: showMappings, helpMsg: "map <start> <end>. Display page mappings for a virtual address range."},
		{aliases: []string{"set"}, cmdFn: setMapping, helpMsg: "set <page> <flags>. Rewrite the mapping flags of a page."},
		{aliases: []string{"xp"}, cmdFn: dumpPhys, helpMsg: "xp <start> <length>. Dump physical memory."},
		{aliases: []string{"xv"}, cmdFn: dumpVirt, helpMsg: "xv <start> <length>. Dump virtual memory."},
		{aliases: []string{"c", "continue"}, cmdFn: cont, helpMsg: "Continue the trapped process."},
		{aliases: []string{"si", "step"}, cmdFn: stepInstruction, helpMsg: "Single step the trapped process."},
		{aliases: []string{"exit", "quit", "q"}, cmdFn: exitCommand, helpMsg: "Exit the monitor."},
	}

	return c
}

// Register custom commands. Expects cf to be a func of type cmdfunc,
// returning only an error.
func (c *Commands) Register(cmdstr string, cf cmdfunc, helpMsg string) {
	for i := range c.cmds {
		if c.cmds[i].match(cmdstr) {
			c.cmds[i].cmdFn = cf
			return
		}
	}

	c.cmds = append(c.cmds, command{aliases: []string{cmdstr}, cmdFn: cf, helpMsg: helpMsg})
}

// Find will look up the command function for the given command input. It
// returns nil if no command matches.
func (c *Commands) Find(cmdstr string) cmdfunc {
	for _, v := range c.cmds {
		if v.match(cmdstr) {
			return v.cmdFn
		}
	}
	return nil
}

// Merge takes aliases defined in the config struct and merges them with the
// default aliases.
func (c *Commands) Merge(allAliases map[string][]string) {
	for i := range c.cmds {
		if aliases, ok := allAliases[c.cmds[i].aliases[0]]; ok {
			c.cmds[i].aliases = append(c.cmds[i].aliases, aliases...)
		}
	}
}

// Call tokenizes one input line and dispatches it. User input errors
// (unknown command, too many tokens, malformed arguments) are reported on
// the session output and do not produce an error: the monitor loop always
// continues past them. A returned ExitRequestError asks the loop to wind
// down.
func (c *Commands) Call(line string, ctx callContext, s *Session) error {
	args := strings.FieldsFunc(line, func(r rune) bool {
		return strings.ContainsRune(inputWhitespace, r)
	})
	if len(args) == 0 {
		return nil
	}
	if len(args) > maxArgs {
		fmt.Fprintf(s.Stdout, "Too many arguments (max %d)\n", maxArgs)
		return nil
	}

	cmd := c.Find(args[0])
	if cmd == nil {
		fmt.Fprintf(s.Stdout, "Unknown command '%s'\n", args[0])
		return nil
	}
	return cmd(s, ctx, args[1:])
}

// ExitRequestError is returned when the operator asks the monitor to wind
// down its loop.
type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return ""
}

func exitCommand(s *Session, ctx callContext, args []string) error {
	return ExitRequestError{}
}

func (c *Commands) help(s *Session, ctx callContext, args []string) error {
	w := new(tabwriter.Writer)
	w.Init(s.Stdout, 0, 8, 0, '-', 0)
	for _, cmd := range c.cmds {
		if len(cmd.aliases) > 1 {
			fmt.Fprintf(w, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), cmd.helpMsg)
		} else {
			fmt.Fprintf(w, "    %s \t %s\n", cmd.aliases[0], cmd.helpMsg)
		}
	}
	return w.Flush()
}

func kerninfo(s *Session, ctx callContext, args []string) error {
	img := s.Image
	fmt.Fprintf(s.Stdout, "Special kernel symbols:\n")
	fmt.Fprintf(s.Stdout, "  _start                  %08x (phys)\n", img.Start)
	fmt.Fprintf(s.Stdout, "  entry  %08x (virt)  %08x (phys)\n", img.Entry, img.Entry-mm.KernBase)
	fmt.Fprintf(s.Stdout, "  etext  %08x (virt)  %08x (phys)\n", img.Etext, img.Etext-mm.KernBase)
	fmt.Fprintf(s.Stdout, "  edata  %08x (virt)  %08x (phys)\n", img.Edata, img.Edata-mm.KernBase)
	fmt.Fprintf(s.Stdout, "  end    %08x (virt)  %08x (phys)\n", img.End, img.End-mm.KernBase)
	fmt.Fprintf(s.Stdout, "Kernel executable memory footprint: %dKB\n", img.Footprint())
	return nil
}

// backtrace walks the chain of saved frame pointers from the current frame
// to the root. Each frame prints the frame pointer, the return address, the
// five argument words above it and the symbolic location of the return
// address. A null saved frame pointer terminates the walk. The chain's
// integrity is the stack's responsibility: a corrupted chain walks into
// whatever it points at.
func backtrace(s *Session, ctx callContext, args []string) error {
	fp := s.BootEBP
	if ctx.TF != nil {
		fp = ctx.TF.EBP
	}

	fmt.Fprintf(s.Stdout, "Stack backtrace:\n")
	for depth := 0; fp != 0; depth++ {
		if depth >= maxBacktraceFrames {
			fmt.Fprintf(s.Stdout, "  ...chain exceeds %d frames, giving up\n", maxBacktraceFrames)
			break
		}

		ret := s.Mem.VirtWord(fp + 4)
		fmt.Fprintf(s.Stdout, "  ebp %08x  eip %08x  args %08x %08x %08x %08x %08x\n",
			fp, ret,
			s.Mem.VirtWord(fp+8), s.Mem.VirtWord(fp+12), s.Mem.VirtWord(fp+16),
			s.Mem.VirtWord(fp+20), s.Mem.VirtWord(fp+24))
		fmt.Fprintf(s.Stdout, "         %s\n", formatLocation(s, ret))

		fp = s.Mem.VirtWord(fp)
	}
	return nil
}

func formatLocation(s *Session, pc uint32) string {
	loc, ok := s.Syms.PCToLocation(pc)
	if !ok {
		return fmt.Sprintf("<unknown>:0: <unknown>+%d", pc)
	}
	return fmt.Sprintf("%s:%d: %s+%d", loc.File, loc.Line, loc.Func, pc-loc.FuncEntry)
}

// entryGlyphs is the fixed decode order for the mapping status string. The
// order is part of the monitor's output contract.
var entryGlyphs = []struct {
	flag  mm.EntryFlag
	glyph byte
}{
	{mm.FlagGlobal, 'G'},
	{mm.FlagHuge, 'S'},
	{mm.FlagDirty, 'D'},
	{mm.FlagAccessed, 'A'},
	{mm.FlagNoCache, 'C'},
	{mm.FlagWriteThrough, 'T'},
	{mm.FlagUser, 'U'},
	{mm.FlagWritable, 'W'},
	{mm.FlagPresent, 'P'},
}

func decodeEntry(e mm.Entry) string {
	status := []byte("---------")
	for i, g := range entryGlyphs {
		if e.HasFlags(g.flag) {
			status[i] = g.glyph
		}
	}
	return string(status)
}

func printEntry(w io.Writer, page mm.Page, e mm.Entry) {
	fmt.Fprintf(w, "[%5x-%5x] %s %5x\n", uint32(page), uint32(page)+1, decodeEntry(e), uint32(e.Frame()))
}

func showMappings(s *Session, ctx callContext, args []string) error {
	start, end, ok := parsePair(s, args, "map <start> <end>")
	if !ok {
		return nil
	}
	if start > end {
		fmt.Fprintf(s.Stdout, "Invalid parameters[start=%08x, end=%08x]\n", start, end)
		return nil
	}

	start &^= mm.PageSize - 1
	for va := start; va < end; va += mm.PageSize {
		ref, err := s.AddrSpace.Walk(va, true)
		if err != nil {
			return err
		}
		printEntry(s.Stdout, mm.PageFromAddress(va), ref.Load())
	}
	return nil
}

func setMapping(s *Session, ctx callContext, args []string) error {
	page, flags, ok := parsePair(s, args, "set <page> <flags>")
	if !ok {
		return nil
	}
	if page > mm.KernBase {
		fmt.Fprintf(s.Stdout, "Invalid parameters[page=%08x]\n", page)
		return nil
	}

	page &^= mm.PageSize - 1
	ref, err := s.AddrSpace.Walk(page, true)
	if err != nil {
		return err
	}

	// The frame number is preserved; the flag bits are replaced wholesale.
	// A flags value with bits in the frame portion passes through untouched
	// and rewrites the mapped frame: operator input is trusted here.
	entry := mm.Entry(ref.Load().Frame().Address() | flags)
	ref.Store(entry)

	printEntry(s.Stdout, mm.PageFromAddress(page), entry)
	return nil
}

func dumpPhys(s *Session, ctx callContext, args []string) error {
	return dump(s, args, "xp <start> <length>", true)
}

func dumpVirt(s *Session, ctx callContext, args []string) error {
	return dump(s, args, "xv <start> <length>", false)
}

// dump prints length words of memory in rows of four, starting at start.
// Physical addresses are not directly dereferenceable and go through their
// kernel-visible alias first.
func dump(s *Session, args []string, usage string, phys bool) error {
	start, length, ok := parsePair(s, args, usage)
	if !ok {
		return nil
	}

	for i := uint32(0); i < length; i, start = i+4, start+16 {
		var words [4]uint32
		for j := uint32(0); j < 4; j++ {
			addr := start + j*mm.WordSize
			if phys {
				addr = mm.KernAddr(addr)
			}
			words[j] = s.Mem.VirtWord(addr)
		}
		fmt.Fprintf(s.Stdout, "[%08x]: 0x%08x 0x%08x 0x%08x 0x%08x\n",
			start, words[0], words[1], words[2], words[3])
	}
	return nil
}

// errInvalidTrapFrame rejects resume/step requests when the monitor was not
// entered from a breakpoint or debug exception.
var errInvalidTrapFrame = errors.New("invalid trap frame: not a breakpoint or debug exception")

func checkTrapped(tf *trap.Frame) error {
	if tf == nil || (tf.Trapno != trap.TBrkpt && tf.Trapno != trap.TDebug) {
		return errInvalidTrapFrame
	}
	return nil
}

func cont(s *Session, ctx callContext, args []string) error {
	if err := checkTrapped(ctx.TF); err != nil {
		return err
	}

	ctx.TF.Eflags &^= trap.FlagTF
	if err := s.Resumer.Resume(ctx.TF); err != nil {
		return err
	}

	// Control was handed back to the process; nothing more runs in this
	// monitor invocation.
	return ExitRequestError{}
}

func stepInstruction(s *Session, ctx callContext, args []string) error {
	if err := checkTrapped(ctx.TF); err != nil {
		return err
	}

	fmt.Fprintf(s.Stdout, "0x%08x %s\n", ctx.TF.EIP, formatLocation(s, ctx.TF.EIP))

	ctx.TF.Eflags |= trap.FlagTF
	if err := s.Resumer.Resume(ctx.TF); err != nil {
		return err
	}
	return ExitRequestError{}
}

func parseAddr(arg string) (uint32, error) {
	v, err := strconv.ParseUint(arg, 0, 32)
	return uint32(v), err
}

// parsePair parses the two numeric arguments every range-taking command
// uses. Standard numeric prefixes select the base (0x hex, 0 octal).
func parsePair(s *Session, args []string, usage string) (uint32, uint32, bool) {
	if len(args) != 2 {
		fmt.Fprintf(s.Stdout, "Usage: %s\n", usage)
		return 0, 0, false
	}
	a, err := parseAddr(args[0])
	if err != nil {
		fmt.Fprintf(s.Stdout, "Invalid number '%s'\n", args[0])
		return 0, 0, false
	}
	b, err := parseAddr(args[1])
	if err != nil {
		fmt.Fprintf(s.Stdout, "Invalid number '%s'\n", args[1])
		return 0, 0, false
	}
	return a, b, true
}

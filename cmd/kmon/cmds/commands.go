package cmds

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/go-kmon/kmon/pkg/config"
	"github.com/go-kmon/kmon/pkg/logflags"
	"github.com/go-kmon/kmon/pkg/monitor"
	"github.com/go-kmon/kmon/pkg/target"
	"github.com/go-kmon/kmon/pkg/trap"
	"github.com/go-kmon/kmon/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// initFile is the path to a file of monitor commands executed on startup.
	initFile string
	// memImage is the path to a raw memory image loaded into the machine.
	memImage string
	// memSize is the amount of physical memory given to the machine.
	memSize = sizeFlag(target.DefaultMemSize)
	// trapped is whether to enter the monitor with a process stopped at a
	// breakpoint instead of the boot context.
	trapped bool

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const kmonCommandLongDesc = `kmon is an interactive monitor for exploring kernel state.

It drives the same command loop a kernel-resident monitor exposes after a
breakpoint or debug exception: stack backtraces with symbol attribution,
page table inspection and mutation, raw physical and virtual memory dumps,
and continue/single-step control over the trapped process.`

// New returns an initialized command tree.
func New() *cobra.Command {
	conf = config.LoadConfig()

	rootCommand = &cobra.Command{
		Use:   "kmon",
		Short: "kmon is an interactive kernel monitor.",
		Long:  kmonCommandLongDesc,
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(execute())
		},
	}
	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debugging output.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", "Comma separated list of components that should produce debug output (monitor,mmu,machine).")
	rootCommand.Flags().StringVar(&initFile, "init", "", "Init file, executed by the monitor before it starts prompting.")
	rootCommand.Flags().StringVar(&memImage, "mem", "", "Raw memory image loaded at the kernel's physical load address.")
	rootCommand.Flags().Var(&memSize, "mem-size", "Amount of physical memory for the machine (e.g. 64M).")
	rootCommand.Flags().BoolVar(&trapped, "trapped", false, "Enter the monitor with a process stopped at a breakpoint.")

	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("kmon %s\n%s\n", version.KmonVersion, version.BuildInfo())
		},
	}
	rootCommand.AddCommand(versionCommand)

	return rootCommand
}

func execute() int {
	if err := logflags.Setup(log, logOutput); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	machine, err := target.New(uint32(memSize))
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not initialize machine: %v\n", err)
		return 1
	}

	if memImage != "" {
		if err := machine.LoadImage(memImage); err != nil {
			fmt.Fprintf(os.Stderr, "could not load memory image: %v\n", err)
			return 1
		}
	}

	var tf *trap.Frame
	if trapped {
		tf = machine.SpawnTrapped()
	}

	session := &monitor.Session{
		Mem:       machine,
		AddrSpace: machine.Kern,
		Syms:      machine.Syms,
		Resumer:   machine,
		Image:     machine.Image,
		BootEBP:   machine.BootEBP,
	}

	term := monitor.New(session, tf, conf)
	term.InitFile = initFile

	status, err := term.Run()
	if err != nil {
		fmt.Println(err)
	}
	return status
}

// sizeFlag is a memory size in bytes, accepted on the command line as a
// plain byte count or with a K/M suffix.
type sizeFlag uint32

func (s *sizeFlag) String() string {
	return fmt.Sprintf("%dM", uint32(*s)>>20)
}

func (s *sizeFlag) Type() string {
	return "size"
}

func (s *sizeFlag) Set(v string) error {
	mult := uint64(1)
	switch {
	case strings.HasSuffix(v, "M"):
		mult, v = 1<<20, strings.TrimSuffix(v, "M")
	case strings.HasSuffix(v, "K"):
		mult, v = 1<<10, strings.TrimSuffix(v, "K")
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid size %q", v)
	}
	*s = sizeFlag(n * mult)
	return nil
}

var _ pflag.Value = (*sizeFlag)(nil)

package monitor

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"

	"github.com/derekparker/trie"
	"github.com/go-delve/liner"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	sys "golang.org/x/sys/unix"

	"github.com/go-kmon/kmon/pkg/config"
	"github.com/go-kmon/kmon/pkg/logflags"
	"github.com/go-kmon/kmon/pkg/trap"
)

const (
	historyFile   string = "history"
	defaultPrompt string = "K> "
)

const (
	ansiRed   = 31
	ansiGreen = 32
)

// Term runs the monitor's read-eval-print loop on the operator's terminal.
type Term struct {
	session  *Session
	ctx      callContext
	conf     *config.Config
	prompt   string
	line     *liner.State
	cmds     *Commands
	cmdIndex *trie.Trie
	dumb     bool
	stdout   io.Writer
	log      *logrus.Entry

	// InitFile is a file of monitor commands executed before the loop
	// starts reading from the terminal.
	InitFile string
}

// New returns a monitor terminal over the given session. tf is the trap
// context the monitor was entered with; it is nil when the monitor runs
// outside any trap.
func New(session *Session, tf *trap.Frame, conf *config.Config) *Term {
	cmds := DebugCommands()
	if conf != nil && conf.Aliases != nil {
		cmds.Merge(conf.Aliases)
	}
	if conf == nil {
		conf = &config.Config{}
	}

	prompt := conf.Prompt
	if prompt == "" {
		prompt = defaultPrompt
	}

	dumb := strings.ToLower(os.Getenv("TERM")) == "dumb" || !isatty.IsTerminal(os.Stdout.Fd())
	var w io.Writer = os.Stdout
	if !dumb {
		w = colorable.NewColorableStdout()
	}

	if session.Stdout == nil {
		session.Stdout = w
	}

	t := &Term{
		session: session,
		ctx:     callContext{TF: tf},
		conf:    conf,
		prompt:  prompt,
		line:    liner.NewLiner(),
		cmds:    cmds,
		dumb:    dumb,
		stdout:  w,
		log:     logflags.MonitorLogger(),
	}
	t.cmds.Register("config", t.configCmd, "config -list|-save, config alias <command> <alias>, config prompt <prompt>. Show or change configuration.")

	index := trie.New()
	for _, cmd := range t.cmds.cmds {
		for _, alias := range cmd.aliases {
			index.Add(alias, nil)
		}
	}
	t.cmdIndex = index

	return t
}

const configUsage = "Usage: config -list | config -save | config alias <command> <alias> | config prompt <prompt>"

// configCmd shows or changes the monitor configuration. Changes apply to the
// running monitor immediately; -save persists them for future sessions.
func (t *Term) configCmd(s *Session, ctx callContext, args []string) error {
	switch {
	case len(args) == 1 && args[0] == "-list":
		return t.configList(s)
	case len(args) == 1 && args[0] == "-save":
		return config.SaveConfig(t.conf)
	case len(args) == 3 && args[0] == "alias":
		return t.configAlias(s, args[1], args[2])
	case len(args) == 2 && args[0] == "prompt":
		t.conf.Prompt = args[1]
		t.prompt = args[1]
		return nil
	}
	fmt.Fprintf(s.Stdout, "%s\n", configUsage)
	return nil
}

func (t *Term) configList(s *Session) error {
	fmt.Fprintf(s.Stdout, "prompt %q\n", t.prompt)
	if len(t.conf.Aliases) == 0 {
		return nil
	}

	names := make([]string, 0, len(t.conf.Aliases))
	for name := range t.conf.Aliases {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintf(s.Stdout, "aliases:\n")
	for _, name := range names {
		fmt.Fprintf(s.Stdout, "  %s: %s\n", name, strings.Join(t.conf.Aliases[name], " "))
	}
	return nil
}

func (t *Term) configAlias(s *Session, cmdstr, alias string) error {
	// Aliases key on the canonical command name so a later Merge finds them.
	var canonical string
	for _, cmd := range t.cmds.cmds {
		if cmd.match(cmdstr) {
			canonical = cmd.aliases[0]
			break
		}
	}
	if canonical == "" {
		fmt.Fprintf(s.Stdout, "Unknown command '%s'\n", cmdstr)
		return nil
	}

	if t.conf.Aliases == nil {
		t.conf.Aliases = make(map[string][]string)
	}
	t.conf.Aliases[canonical] = append(t.conf.Aliases[canonical], alias)
	t.cmds.Merge(map[string][]string{canonical: {alias}})
	t.cmdIndex.Add(alias, nil)
	return nil
}

// Close returns the terminal to its previous mode.
func (t *Term) Close() {
	t.line.Close()
}

func (t *Term) sigintGuard(ch <-chan os.Signal) {
	for range ch {
		fmt.Fprintf(t.stdout, "\nInterrupt. Use 'exit' to leave the monitor, 'c' to continue the process.\n")
	}
}

// Run begins the monitor loop: print the banner and the incoming trap
// context, then read and dispatch lines until a command requests exit or
// control is handed back to the trapped process.
func (t *Term) Run() (int, error) {
	defer t.Close()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sys.SIGINT)
	go t.sigintGuard(ch)

	t.line.SetCompleter(func(line string) []string {
		return t.cmdIndex.PrefixSearch(strings.ToLower(line))
	})

	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Printf("Unable to load history file: %v.", err)
	}

	f, err := os.Open(fullHistoryFile)
	if err != nil {
		f, err = os.Create(fullHistoryFile)
		if err != nil {
			fmt.Printf("Unable to open history file: %v. History will not be saved for this session.", err)
		}
	}
	if f != nil {
		t.line.ReadHistory(f)
		f.Close()
	}

	t.println(ansiRed, "Welcome to the kmon kernel monitor!")
	t.println(ansiGreen, "Type 'help' for a list of commands.")

	if t.ctx.TF != nil {
		t.ctx.TF.Print(t.session.Stdout)
	}

	if t.InitFile != "" {
		err := t.cmds.executeFile(t, t.InitFile)
		if err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			fmt.Fprintf(os.Stderr, "Error executing init file: %s\n", err)
		}
	}

	for {
		cmdstr, err := t.promptForInput()
		if err != nil {
			if err == io.EOF {
				fmt.Fprintln(t.stdout, "exit")
				return t.handleExit()
			}
			return 1, fmt.Errorf("prompt for input failed: %v", err)
		}

		t.log.WithField("cmd", cmdstr).Debug("dispatching")

		if err := t.cmds.Call(cmdstr, t.ctx, t.session); err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			fmt.Fprintf(os.Stderr, "Command failed: %s\n", err)
		}
	}
}

func (t *Term) promptForInput() (string, error) {
	l, err := t.line.Prompt(t.prompt)
	if err != nil {
		return "", err
	}

	l = strings.TrimSuffix(l, "\n")
	if l != "" {
		t.line.AppendHistory(l)
	}

	return l, nil
}

func (t *Term) handleExit() (int, error) {
	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Println("Error saving history file:", err)
	} else {
		if f, err := os.OpenFile(fullHistoryFile, os.O_RDWR, 0666); err == nil {
			_, err := t.line.WriteHistory(f)
			if err != nil {
				fmt.Println("readline history error:", err)
			}
			f.Close()
		}
	}
	return 0, nil
}

func (t *Term) println(color int, s string) {
	if t.dumb {
		fmt.Fprintln(t.stdout, s)
		return
	}
	fmt.Fprintf(t.stdout, "\033[%dm%s\033[0m\n", color, s)
}

// executeFile runs the commands in the named file, one per line. Empty
// lines and lines starting with # are skipped.
func (c *Commands) executeFile(t *Term, name string) error {
	fh, err := os.Open(name)
	if err != nil {
		return err
	}
	defer fh.Close()

	scanner := bufio.NewScanner(fh)
	lineno := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		lineno++

		if line == "" || line[0] == '#' {
			continue
		}

		if err := c.Call(line, t.ctx, t.session); err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return err
			}
			fmt.Printf("%s:%d: %v\n", name, lineno, err)
		}
	}

	return scanner.Err()
}

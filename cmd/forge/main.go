// Command forge is a source-based package manager: it resolves a
// project's dependency graph, builds it, and reports status, following
// the same command-dispatch shape as the teacher's cmd/dep/main.go.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/sirupsen/logrus"

	"github.com/forgepm/forge/internal/diagnostic"
)

// command is the per-subcommand interface every forge verb implements,
// mirroring the teacher's command interface in cmd/dep/main.go.
type command interface {
	Name() string
	Args() string
	ShortHelp() string
	LongHelp() string
	Register(*flag.FlagSet)
	Run(ctx context.Context, ch *diagnostic.Channel, workDir string, args []string) error
}

func main() {
	wd, err := os.Getwd()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to get working directory:", err)
		os.Exit(1)
	}
	os.Exit(run(os.Args, wd))
}

func run(args []string, workDir string) int {
	commands := []command{
		&resolveCommand{},
		&buildCommand{},
		&statusCommand{},
	}

	usage := func() {
		fmt.Fprintln(os.Stderr, "forge is a tool for managing source dependencies")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "Usage: forge <command>")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "Commands:")
		w := tabwriter.NewWriter(os.Stderr, 0, 4, 2, ' ', 0)
		for _, c := range commands {
			fmt.Fprintf(w, "\t%s\t%s\n", c.Name(), c.ShortHelp())
		}
		w.Flush()
	}

	if len(args) < 2 || strings.ToLower(args[1]) == "help" || strings.ToLower(args[1]) == "-h" {
		usage()
		return 1
	}

	cmdName := args[1]
	for _, c := range commands {
		if c.Name() != cmdName {
			continue
		}

		fs := flag.NewFlagSet(cmdName, flag.ContinueOnError)
		fs.SetOutput(os.Stderr)
		verbose := fs.Bool("v", false, "enable verbose logging")
		c.Register(fs)
		resetUsage(fs, cmdName, c.Args(), c.LongHelp())

		if err := fs.Parse(args[2:]); err != nil {
			return 1
		}

		level := logrus.InfoLevel
		if *verbose {
			level = logrus.DebugLevel
		}
		ch := diagnostic.New(os.Stderr, level)

		if err := c.Run(context.Background(), ch, workDir, fs.Args()); err != nil {
			ch.Errorf("%v", err)
			return 1
		}
		return 0
	}

	fmt.Fprintf(os.Stderr, "forge: %s: no such command\n", cmdName)
	usage()
	return 1
}

func resetUsage(fs *flag.FlagSet, name, args, longHelp string) {
	var hasFlags bool
	var flagBlock bytes.Buffer
	fw := tabwriter.NewWriter(&flagBlock, 0, 4, 2, ' ', 0)
	fs.VisitAll(func(f *flag.Flag) {
		hasFlags = true
		def := f.DefValue
		if def == "" {
			def = "<none>"
		}
		fmt.Fprintf(fw, "\t-%s\t%s (default: %s)\n", f.Name, f.Usage, def)
	})
	fw.Flush()
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: forge %s %s\n\n", name, args)
		fmt.Fprintln(os.Stderr, strings.TrimSpace(longHelp))
		if hasFlags {
			fmt.Fprintln(os.Stderr, "\nFlags:\n")
			fmt.Fprintln(os.Stderr, flagBlock.String())
		}
	}
}

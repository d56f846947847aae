package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sticnarf/runwind/pkg/config"
	"github.com/sticnarf/runwind/pkg/logflags"
	"github.com/sticnarf/runwind/pkg/objfile"
	"github.com/sticnarf/runwind/pkg/unwind"
)

// version is set at link time.
var version = "unknown"

var (
	log       bool
	logOutput string
	logDest   string
	maxFrames int
)

func main() {
	conf := config.LoadConfig()

	rootCommand := &cobra.Command{
		Use:   "runwind",
		Short: "Walk and inspect the stack of the current process.",
		Long: `Runwind demonstrates in-process stack unwinding: it discovers the
modules loaded into its own process, parses their call frame data, and
walks its own stack one frame at a time. Every memory access is
validated first, so corrupt or unreadable frames degrade into errors
instead of crashes.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !log && conf.Log {
				log = conf.Log
				if logOutput == "" {
					logOutput = conf.LogOutput
				}
			}
			return logflags.Setup(log, logOutput, logDest)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logflags.Close()
		},
	}
	rootCommand.PersistentFlags().BoolVar(&log, "log", false, "Enable component logging.")
	rootCommand.PersistentFlags().StringVar(&logOutput, "log-output", "", "Comma separated list of components that should produce log output (objfile, unwind, cache).")
	rootCommand.PersistentFlags().StringVar(&logDest, "log-dest", "", "Write log output to the specified file instead of standard error.")

	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Print the version number.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("runwind version: %s\n", version)
		},
	}
	rootCommand.AddCommand(versionCommand)

	modulesCommand := &cobra.Command{
		Use:   "modules",
		Short: "List the modules loaded into this process.",
		Run:   modulesCmd,
	}
	rootCommand.AddCommand(modulesCommand)

	backtraceCommand := &cobra.Command{
		Use:   "backtrace",
		Short: "Walk and print this process' own stack.",
		Run: func(cmd *cobra.Command, args []string) {
			backtraceCmd(conf)
		},
	}
	backtraceCommand.Flags().IntVar(&maxFrames, "max-frames", 0, "Maximum number of frames to walk, 0 uses the configured default.")
	rootCommand.AddCommand(backtraceCommand)

	if err := rootCommand.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func modulesCmd(cmd *cobra.Command, args []string) {
	for _, m := range objfile.Modules() {
		text := m.Text()
		kind := "none"
		switch m.Unwind().Kind {
		case objfile.UnwindMapped:
			kind = "mapped"
		case objfile.UnwindLiveScan:
			kind = "live"
		}
		fmt.Printf("%#016x %#016x-%#016x unwind=%-6s %s\n",
			m.Base(), text.Vaddr, text.Vaddr+text.Size, kind, m.Path())
	}
}

func backtraceCmd(conf *config.Config) {
	limit := maxFrames
	if limit <= 0 {
		limit = conf.MaxFrames
	}

	u := unwind.New()
	if conf.FramePointerFallback != nil {
		u.SetFramePointerFallback(*conf.FramePointerFallback)
	}
	c := unwind.NewCache(unwind.MayAllocate)
	defer c.Close()

	// a few nested calls so the walk has something to show
	outer(u, c, limit)
}

//go:noinline
func outer(u *unwind.Unwinder, c *unwind.Cache, limit int) {
	middle(u, c, limit)
}

//go:noinline
func middle(u *unwind.Unwinder, c *unwind.Cache, limit int) {
	inner(u, c, limit)
}

//go:noinline
func inner(u *unwind.Unwinder, c *unwind.Cache, limit int) {
	mods := u.Modules()

	n := 0
	it := u.IterFrames(c)
	for it.Next() {
		pc := it.PC()
		fmt.Printf("%2d: %#016x %s\n", n, pc, locate(mods, pc))
		n++
		if n >= limit {
			fmt.Printf("... stopping after %d frames\n", n)
			break
		}
	}
	if err := it.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "walk stopped: %v\n", err)
	}
}

// locate renders pc as module plus offset.
func locate(mods []*objfile.Module, pc uint64) string {
	for _, m := range mods {
		if m.Contains(pc) {
			return fmt.Sprintf("%s+%#x", m.Path(), pc-m.Base())
		}
	}
	return "?"
}

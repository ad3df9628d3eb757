// Command galago is the CLI front end for the linker: open an object
// (and optionally its explicit dependencies), inspect an ELF image's
// dynamic section without loading it, or watch the live registry.
package main

import (
	"debug/elf"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/zboralski/galago/dl"
	"github.com/zboralski/galago/internal/colorize"
	"github.com/zboralski/galago/internal/elfview"
	glog "github.com/zboralski/galago/internal/log"
	"github.com/zboralski/galago/internal/tui"
)

var verbose bool

func main() {
	rootCmd := &cobra.Command{
		Use:   "galago",
		Short: "A userspace ELF dynamic linker",
		Long: `galago loads, relocates, and initializes ELF shared objects directly in
this process the same way ld.so does: it maps PT_LOAD segments with real
mmap/mprotect, applies relocations (eagerly or lazily through a hand-
assembled PLT trampoline), resolves symbols across the standard scope
search order, and runs DT_INIT/DT_FINI in dependency order.

Examples:
  galago open libfoo.so               # load and relocate, lazy binding
  galago open --now --global libfoo.so
  galago info libfoo.so               # dump .dynamic without loading
  galago monitor                      # watch the live registry`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			glog.Init(verbose)
			return dl.Init()
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose debug output")

	rootCmd.AddCommand(openCmd(), infoCmd(), monitorCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, colorize.Error(err.Error()))
		os.Exit(1)
	}
}

func openCmd() *cobra.Command {
	var flagNow, flagGlobal, flagNoDelete bool

	cmd := &cobra.Command{
		Use:   "open <binary.so> [dep.so...]",
		Short: "Load and relocate an ELF shared object",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := dl.Lazy
			if flagNow {
				flags = dl.Now
			}
			if flagGlobal {
				flags |= dl.Global
			}
			if flagNoDelete {
				flags |= dl.NoDelete
			}

			// Explicit trailing paths are opened first. The primary
			// object's DT_NEEDED walk still looks each name up on
			// LD_LIBRARY_PATH and the policy search path; a name found
			// there at the same absolute path reuses the object opened
			// here. Trailing objects join the global scope only with
			// --global.
			for _, dep := range args[1:] {
				if _, err := dl.Open(dep, flags); err != nil {
					return fmt.Errorf("open dependency %s: %w", dep, err)
				}
			}

			h, err := dl.Open(args[0], flags)
			if err != nil {
				return fmt.Errorf("open %s: %w", args[0], err)
			}
			fmt.Printf("%s loaded, handle=%s\n",
				colorize.FuncName(filepath.Base(args[0])),
				colorize.Address(uint64(h)))
			return nil
		},
	}
	cmd.Flags().BoolVar(&flagNow, "now", false, "bind all symbols eagerly (RTLD_NOW)")
	cmd.Flags().BoolVar(&flagGlobal, "global", false, "make symbols visible to later loads (RTLD_GLOBAL)")
	cmd.Flags().BoolVar(&flagNoDelete, "nodelete", false, "never actually unload (RTLD_NODELETE)")
	return cmd
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <binary.so>",
		Short: "Show ELF header, .dynamic section, and relocation summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return showInfo(args[0])
		},
	}
}

func monitorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Watch the live object registry in a terminal UI",
		RunE: func(cmd *cobra.Command, args []string) error {
			return tui.Run()
		},
	}
}

func showInfo(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	v, err := elfview.Open(abs)
	if err != nil {
		return fmt.Errorf("parse %s: %w", abs, err)
	}

	fmt.Printf("%s %s\n", colorize.Header("Binary:"), filepath.Base(abs))
	fmt.Printf("%s %v  %s %v  %s %v\n",
		colorize.Detail("Class:"), v.Class,
		colorize.Detail("Machine:"), v.Arch.Machine,
		colorize.Detail("PIE:"), v.IsPIE())
	fmt.Printf("%s %s  %s %d\n\n",
		colorize.Detail("Entry:"), colorize.Address(v.Entry),
		colorize.Detail("PT_LOAD segments:"), countLoads(v))

	fmt.Println(colorize.Header(".dynamic"))
	for _, tag := range elfview.DynTagOrder() {
		if val, ok := v.DynVal(tag); ok {
			fmt.Println("  " + colorize.DynEntry(tag.String(), uint64(val)))
		}
	}

	if needed := v.Needed(); len(needed) > 0 {
		fmt.Println()
		fmt.Println(colorize.Header("DT_NEEDED"))
		for _, n := range needed {
			fmt.Println("  " + colorize.String(n))
		}
	}

	fmt.Println()
	fmt.Printf("%s %d  %s %d  %s %d\n",
		colorize.Detail("Dynamic symbols:"), len(v.DynSymbols),
		colorize.Detail(".rela.dyn entries:"), len(v.Rela),
		colorize.Detail(".rela.plt entries:"), len(v.RelaPlt))

	return nil
}

func countLoads(v *elfview.View) int {
	n := 0
	for _, p := range v.Progs {
		if p.Type == elf.PT_LOAD {
			n++
		}
	}
	return n
}

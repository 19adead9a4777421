package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/burnett941a/PseudocodeCompiler/pkg/vfs"
	"github.com/burnett941a/PseudocodeCompiler/pkg/vm"
)

var (
	inputValues []string
	interactive bool
	storageDir  string
	randSeed    int64
	maxSteps    int
	showIR      bool
)

var runCmd = &cobra.Command{
	Use:   "run <file>",
	Short: "Compile and execute a source file on the virtual machine",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		source, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}

		opts := vm.RunOptions{
			Optimize:    optimize,
			Inputs:      inputValues,
			MaxSteps:    maxSteps,
			WriteOutput: func(line string) { fmt.Println(line) },
		}
		if cmd.Flags().Changed("seed") {
			opts.Seeded = true
			opts.Seed = randSeed
		}

		if storageDir != "" {
			files, err := loadStorage(storageDir)
			if err != nil {
				return err
			}
			opts.Files = files
		}

		var prompt *liner.State
		if interactive {
			prompt = liner.NewLiner()
			defer prompt.Close()
			prompt.SetCtrlCAborts(true)
			opts.ReadInput = func(name string) (string, error) {
				value, err := prompt.Prompt(name + "? ")
				if err != nil {
					return "", fmt.Errorf("input aborted: %w", err)
				}
				return strings.TrimSpace(value), nil
			}
		}

		res, runErr := vm.Run(string(source), opts)
		if showIR && res != nil {
			for _, instr := range res.IR {
				fmt.Fprintln(os.Stderr, instr)
			}
		}
		if runErr != nil {
			return runErr
		}

		if storageDir != "" {
			if err := persistStorage(storageDir, res.Files); err != nil {
				return err
			}
		}
		color.New(color.FgGreen).Fprintf(os.Stderr, "run complete: %d output lines, %d virtual files\n",
			len(res.Output), len(res.Files))
		return nil
	},
}

func init() {
	runCmd.Flags().StringSliceVarP(&inputValues, "inputs", "i", nil, "pre-queued INPUT values (batch mode)")
	runCmd.Flags().BoolVar(&interactive, "interactive", false, "prompt on INPUT instead of using the queue")
	runCmd.Flags().StringVar(&storageDir, "storage", "", "host directory to load the virtual filesystem from and persist it to")
	runCmd.Flags().Int64Var(&randSeed, "seed", 0, "seed for RAND (deterministic runs)")
	runCmd.Flags().IntVar(&maxSteps, "max-steps", 0, "override the execution step cap")
	runCmd.Flags().BoolVar(&showIR, "show-ir", false, "print the IR to stderr after the run")
}

// loadStorage reads a host directory into a virtual file map via a
// scratch filesystem.
func loadStorage(dir string) (map[string][]string, error) {
	scratch := vfs.New()
	if err := scratch.LoadFrom(dir); err != nil {
		return nil, err
	}
	return scratch.Snapshot(), nil
}

func persistStorage(dir string, files map[string][]string) error {
	scratch := vfs.New()
	for name, lines := range files {
		scratch.Put(name, lines)
	}
	return scratch.PersistTo(dir)
}

package cmd

import (
	"errors"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/burnett941a/PseudocodeCompiler/pkg/compiler"
	"github.com/burnett941a/PseudocodeCompiler/pkg/vm"
)

var optimize bool

var rootCmd = &cobra.Command{
	Use:   "pseudoc",
	Short: "pseudoc — pseudocode compiler and virtual machine",
	Long: `pseudoc compiles and runs programs written in CIE-style teaching
pseudocode.

Commands:
  build  Compile a source file and print the generated IR
  run    Compile and execute a source file on the virtual machine
`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI and returns the process exit code:
// 0 success, 1 LexError, 2 ParseError, 3 TypeError, 4 RuntimeError.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		printError(err)
		return exitCode(err)
	}
	return 0
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&optimize, "optimize", "O", false, "enable constant folding and dead-temporary elimination")

	rootCmd.AddCommand(buildCmd, runCmd)
}

func exitCode(err error) int {
	var lexErr *compiler.LexError
	var parseErr *compiler.ParseError
	var typeErr *compiler.TypeError
	var runErr *vm.RuntimeError
	switch {
	case errors.As(err, &lexErr):
		return 1
	case errors.As(err, &parseErr):
		return 2
	case errors.As(err, &typeErr):
		return 3
	case errors.As(err, &runErr):
		return 4
	}
	return 1
}

func printError(err error) {
	color.New(color.FgRed, color.Bold).Fprintln(color.Error, err.Error())
}

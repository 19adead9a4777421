package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/burnett941a/PseudocodeCompiler/pkg/compiler"
)

var (
	showTokens bool
	showLogs   bool
)

var buildCmd = &cobra.Command{
	Use:   "build <file>",
	Short: "Compile a source file and print the generated IR",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		source, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}

		res, cerr := compiler.Compile(string(source), compiler.Options{Optimize: optimize})

		if showTokens && res != nil {
			printTokens(res.Tokens)
		}
		if cerr != nil {
			return cerr
		}
		if showLogs {
			for _, log := range res.Logs {
				fmt.Fprintln(os.Stderr, log)
			}
		}
		for _, instr := range res.IR {
			fmt.Println(instr)
		}
		return nil
	},
}

func init() {
	buildCmd.Flags().BoolVar(&showTokens, "show-tokens", false, "print the token stream as a table")
	buildCmd.Flags().BoolVar(&showLogs, "show-logs", false, "print the per-stage compile log to stderr")
}

func printTokens(tokens []compiler.Token) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"#", "Type", "Lexeme", "Line", "Col"})
	table.SetBorder(false)
	for i, tok := range tokens {
		table.Append([]string{
			strconv.Itoa(i),
			tok.Type.String(),
			tok.Lexeme,
			strconv.Itoa(tok.Line),
			strconv.Itoa(tok.Column),
		})
	}
	table.Render()
}

package main

import (
	"os"

	"github.com/burnett941a/PseudocodeCompiler/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}

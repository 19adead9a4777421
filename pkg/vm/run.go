package vm

import (
	"github.com/burnett941a/PseudocodeCompiler/pkg/compiler"
)

// RunOptions configures one compile-and-execute cycle.
type RunOptions struct {
	// Optimize enables the IR peepholes.
	Optimize bool
	// Inputs pre-supplies the batch-mode INPUT queue.
	Inputs []string
	// Files pre-populates the virtual filesystem.
	Files map[string][]string
	// WriteOutput, when set, receives each output line as it is
	// emitted.
	WriteOutput func(string)
	// ReadInput, when set, switches the run to driver mode: INPUT
	// defers to this supplier, which may block.
	ReadInput func(name string) (string, error)
	// Seeded and Seed make RAND deterministic.
	Seeded bool
	Seed   int64
	// MaxSteps overrides the execution step cap when positive.
	MaxSteps int
}

// RunResult carries everything a host inspects after a run.
type RunResult struct {
	IR      []string
	Output  []string
	Globals map[string]Value
	Files   map[string][]string
	Logs    []string
}

// Run compiles source and executes it on a fresh VM. The result is
// populated even when execution fails so hosts can inspect output and
// files produced before the fault.
func Run(source string, opts RunOptions) (*RunResult, error) {
	res := &RunResult{}

	compiled, err := compiler.Compile(source, compiler.Options{Optimize: opts.Optimize})
	if compiled != nil {
		res.Logs = compiled.Logs
		res.IR = compiled.IR
	}
	if err != nil {
		return res, err
	}

	machine, err := New(compiled.IR)
	if err != nil {
		return res, err
	}
	if opts.Seeded {
		machine.Seed(opts.Seed)
	}
	if opts.MaxSteps > 0 {
		machine.MaxSteps = opts.MaxSteps
	}
	machine.QueueInputs(opts.Inputs...)
	if opts.WriteOutput != nil {
		machine.SetOutput(opts.WriteOutput)
	}
	for name, lines := range opts.Files {
		machine.FS().Put(name, lines)
	}

	var runErr error
	if opts.ReadInput != nil {
		machine.SetReadInput(opts.ReadInput)
		runErr = machine.RunDriver()
	} else {
		runErr = machine.Run()
	}

	res.Output = machine.Output()
	res.Globals = machine.Globals()
	res.Files = machine.FS().Snapshot()
	return res, runErr
}

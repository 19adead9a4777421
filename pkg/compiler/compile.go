package compiler

import "fmt"

// Options controls a single compilation.
type Options struct {
	// Optimize enables constant folding and dead-temporary
	// elimination over the generated IR.
	Optimize bool
}

// Result carries every artifact of one compilation together with the
// stage log. Compile is pure: it never touches the host.
type Result struct {
	Tokens  []Token
	Program *Program
	IR      []string
	Logs    []string
}

// Compile runs the full pipeline: lex, parse, semantic analysis, IR
// generation, and (optionally) the peephole optimizer. The first error
// in any stage aborts the pipeline; the Result holds everything
// produced up to that point.
func Compile(source string, opts Options) (*Result, error) {
	res := &Result{}

	tokens, err := Lex(source)
	res.Tokens = tokens
	if err != nil {
		return res, err
	}
	res.Logs = append(res.Logs, fmt.Sprintf("lex: %d tokens", len(tokens)))

	prog, err := Parse(tokens)
	if err != nil {
		return res, err
	}
	res.Program = prog
	res.Logs = append(res.Logs, fmt.Sprintf("parse: %d top-level statements", len(prog.Stmts)))

	if err := Analyze(prog); err != nil {
		return res, err
	}
	res.Logs = append(res.Logs, "semantic: ok")

	ir := Generate(prog)
	res.Logs = append(res.Logs, fmt.Sprintf("codegen: %d instructions", len(ir)))

	if opts.Optimize {
		optimized := Optimize(ir)
		res.Logs = append(res.Logs, fmt.Sprintf("optimize: %d -> %d instructions", len(ir), len(optimized)))
		ir = optimized
	}
	res.IR = ir
	return res, nil
}

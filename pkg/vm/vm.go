package vm

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/burnett941a/PseudocodeCompiler/pkg/vfs"
)

// DefaultMaxSteps caps execution as a safety net against runaway
// programs.
const DefaultMaxSteps = 10_000_000

// DefaultYieldEvery is how many driver-mode steps run between
// cooperative yields.
const DefaultYieldEvery = 1000

// ErrCancelled is the cause of a RuntimeError raised when Halt is
// called during a driver-mode run.
var ErrCancelled = errors.New("execution cancelled")

// RuntimeError reports a fault during IR execution, carrying the
// program counter and offending instruction.
type RuntimeError struct {
	PC    int
	Instr string
	Msg   string
	cause error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("RuntimeError: %s (pc %d: %s)", e.Msg, e.PC, e.Instr)
}

func (e *RuntimeError) Unwrap() error { return e.cause }

// frame is one runtime scope: local bindings plus the caller-visible
// targets of BYREF parameters.
type frame struct {
	locals map[string]Value
	byref  map[string]string
}

func newFrame() *frame {
	return &frame{locals: make(map[string]Value), byref: make(map[string]string)}
}

var tempNameRe = regexp.MustCompile(`^T\d+$`)

// VM executes the textual IR. It owns the scope stack, the argument
// and reference stacks, the virtual filesystem, and the I/O hooks. A
// VM instance is single-threaded; only Halt may be called from another
// goroutine.
type VM struct {
	instrs []string
	labels map[string]int

	pc        int
	globals   map[string]Value
	frames    []*frame
	callStack []int
	argStack  []Value
	refStack  []string
	retVal    Value

	fs *vfs.FS

	outputLines []string
	outParts    []string
	writeOutput func(string)

	inputQueue []string
	readInput  func(name string) (string, error)

	rng *rand.Rand

	steps      int
	MaxSteps   int
	YieldEvery int
	halted     atomic.Bool
}

// New builds a VM over the instruction list, indexing every label. A
// label defined more than once is an error.
func New(instrs []string) (*VM, error) {
	labels := make(map[string]int)
	for i, instr := range instrs {
		if strings.HasSuffix(instr, ":") {
			name := strings.TrimSuffix(instr, ":")
			if _, ok := labels[name]; ok {
				return nil, fmt.Errorf("label %q defined more than once", name)
			}
			labels[name] = i
		}
	}
	return &VM{
		instrs:     instrs,
		labels:     labels,
		globals:    make(map[string]Value),
		fs:         vfs.New(),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		MaxSteps:   DefaultMaxSteps,
		YieldEvery: DefaultYieldEvery,
	}, nil
}

// Seed makes RAND deterministic for tests.
func (vm *VM) Seed(seed int64) {
	vm.rng = rand.New(rand.NewSource(seed))
}

// SetOutput installs the host output sink. Output lines are always
// collected on the VM as well.
func (vm *VM) SetOutput(fn func(string)) { vm.writeOutput = fn }

// QueueInputs appends values to the batch-mode input queue.
func (vm *VM) QueueInputs(values ...string) {
	vm.inputQueue = append(vm.inputQueue, values...)
}

// SetReadInput installs the interactive input supplier; the supplier
// may block until the host produces a value. Installing one switches
// INPUT handling in RunDriver from the queue to the supplier; Run
// always reads the queue.
func (vm *VM) SetReadInput(fn func(name string) (string, error)) { vm.readInput = fn }

// Halt requests cancellation; the current or next INPUT (and each
// driver-mode iteration) fails with a cancelled error.
func (vm *VM) Halt() { vm.halted.Store(true) }

// FS exposes the VM's virtual filesystem for pre-population and
// post-run inspection.
func (vm *VM) FS() *vfs.FS { return vm.fs }

// Output returns every line emitted so far.
func (vm *VM) Output() []string { return vm.outputLines }

// Globals returns the global bindings, excluding generator
// temporaries.
func (vm *VM) Globals() map[string]Value {
	out := make(map[string]Value)
	for name, v := range vm.globals {
		if tempNameRe.MatchString(name) {
			continue
		}
		out[name] = v
	}
	return out
}

// Run executes to completion in batch mode: INPUT consumes the
// pre-supplied queue and fails when it is exhausted.
func (vm *VM) Run() error {
	supplier := vm.readInput
	vm.readInput = nil
	defer func() { vm.readInput = supplier }()
	return vm.run(false)
}

// RunDriver executes in driver mode: INPUT defers to the installed
// supplier, the halt flag is honoured between instructions, and the
// VM yields cooperatively every YieldEvery steps.
func (vm *VM) RunDriver() error {
	return vm.run(true)
}

func (vm *VM) run(driver bool) error {
	for vm.pc < len(vm.instrs) {
		if driver {
			if vm.halted.Load() {
				return vm.fault(ErrCancelled, "cancelled")
			}
			if vm.YieldEvery > 0 && vm.steps%vm.YieldEvery == 0 {
				runtime.Gosched()
			}
		}
		instr := vm.instrs[vm.pc]
		if strings.HasSuffix(instr, ":") {
			vm.pc++
			continue
		}
		vm.steps++
		if vm.steps > vm.MaxSteps {
			return vm.fault(nil, "step limit exceeded (%d)", vm.MaxSteps)
		}
		if err := vm.step(instr); err != nil {
			var rerr *RuntimeError
			if errors.As(err, &rerr) {
				return err
			}
			return vm.fault(err, "%s", err.Error())
		}
	}
	return nil
}

func (vm *VM) fault(cause error, format string, args ...any) error {
	instr := ""
	if vm.pc >= 0 && vm.pc < len(vm.instrs) {
		instr = vm.instrs[vm.pc]
	}
	return &RuntimeError{PC: vm.pc, Instr: instr, Msg: fmt.Sprintf(format, args...), cause: cause}
}

// splitFields splits an instruction into tokens, keeping quoted string
// literals (including their quotes) intact.
func splitFields(instr string) []string {
	var fields []string
	var cur strings.Builder
	inQuote := false
	for i := 0; i < len(instr); i++ {
		c := instr[i]
		switch {
		case inQuote:
			cur.WriteByte(c)
			if c == '\\' && i+1 < len(instr) {
				i++
				cur.WriteByte(instr[i])
			} else if c == '"' {
				inQuote = false
			}
		case c == '"':
			cur.WriteByte(c)
			inQuote = true
		case c == ' ':
			if cur.Len() > 0 {
				fields = append(fields, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteByte(c)
		}
	}
	if cur.Len() > 0 {
		fields = append(fields, cur.String())
	}
	return fields
}

// step executes one non-label instruction and leaves pc at the next
// instruction to run.
func (vm *VM) step(instr string) error {
	fields := splitFields(instr)
	if len(fields) == 0 {
		vm.pc++
		return nil
	}

	switch fields[0] {
	case "GOTO":
		return vm.jump(fields[1])
	case "IFZ", "IFNZ":
		v, err := vm.resolve(fields[1])
		if err != nil {
			return err
		}
		taken := truthy(v)
		if fields[0] == "IFZ" {
			taken = !taken
		}
		if taken {
			return vm.jump(fields[3])
		}
		vm.pc++
		return nil
	case "PUSH":
		v, err := vm.resolve(fields[1])
		if err != nil {
			return err
		}
		vm.argStack = append(vm.argStack, v)
		vm.pc++
		return nil
	case "PUSH_REF":
		vm.refStack = append(vm.refStack, fields[1])
		vm.pc++
		return nil
	case "ENTER_SCOPE":
		vm.frames = append(vm.frames, newFrame())
		vm.pc++
		return nil
	case "EXIT_SCOPE":
		if len(vm.frames) == 0 {
			return fmt.Errorf("EXIT_SCOPE with empty scope stack")
		}
		vm.frames = vm.frames[:len(vm.frames)-1]
		vm.pc++
		return nil
	case "POP_PARAM", "POP_BYREF":
		return vm.popParam(fields[0] == "POP_BYREF", fields[1])
	case "WRITEBACK_BYREF":
		return vm.writebackByref(fields[1])
	case "CALL":
		vm.callStack = append(vm.callStack, vm.pc+1)
		target, ok := vm.labels[fields[1]]
		if !ok {
			return fmt.Errorf("undefined label %q", fields[1])
		}
		vm.pc = target
		return nil
	case "RET":
		if len(vm.callStack) == 0 {
			return fmt.Errorf("RET with empty call stack")
		}
		vm.pc = vm.callStack[len(vm.callStack)-1]
		vm.callStack = vm.callStack[:len(vm.callStack)-1]
		return nil
	case "RETVAL":
		v, err := vm.resolve(fields[1])
		if err != nil {
			return err
		}
		vm.retVal = v
		vm.pc++
		return nil
	case "OUTPUT":
		v, err := vm.resolve(fields[1])
		if err != nil {
			return err
		}
		vm.emitOutput(formatValue(v))
		vm.pc++
		return nil
	case "OUTPUT_PART":
		v, err := vm.resolve(fields[1])
		if err != nil {
			return err
		}
		vm.outParts = append(vm.outParts, formatValue(v))
		vm.pc++
		return nil
	case "OUTPUT_END":
		vm.emitOutput(strings.Join(vm.outParts, ""))
		vm.outParts = nil
		vm.pc++
		return nil
	case "INPUT":
		return vm.execInput(fields[1])
	case "ARRAY":
		return vm.execArray(fields[1], fields[2])
	case "LOCAL":
		if len(vm.frames) > 0 {
			top := vm.frames[len(vm.frames)-1]
			if _, ok := top.locals[fields[1]]; !ok {
				top.locals[fields[1]] = nil
			}
		}
		vm.pc++
		return nil
	case "OPENFILE":
		name, err := vm.fileName(fields[1])
		if err != nil {
			return err
		}
		vm.fs.Open(name, vfs.Mode(fields[2]))
		vm.pc++
		return nil
	case "READFILE":
		name, err := vm.fileName(fields[1])
		if err != nil {
			return err
		}
		line, err := vm.fs.Read(name)
		if err != nil {
			return fmt.Errorf("READFILE %s: %w", name, err)
		}
		if err := vm.assign(fields[2], line); err != nil {
			return err
		}
		vm.pc++
		return nil
	case "WRITEFILE":
		name, err := vm.fileName(fields[1])
		if err != nil {
			return err
		}
		v, err := vm.resolve(fields[2])
		if err != nil {
			return err
		}
		if err := vm.fs.Write(name, formatValue(v)); err != nil {
			return fmt.Errorf("WRITEFILE %s: %w", name, err)
		}
		vm.pc++
		return nil
	case "CLOSEFILE":
		name, err := vm.fileName(fields[1])
		if err != nil {
			return err
		}
		vm.fs.Close(name)
		vm.pc++
		return nil
	}

	// Assignment forms: target = <operand> | a OP b | BUILTIN ... | RETVAL
	if len(fields) >= 3 && fields[1] == "=" {
		return vm.execAssign(fields[0], fields[2:])
	}
	return fmt.Errorf("unknown instruction %q", instr)
}

func (vm *VM) jump(label string) error {
	target, ok := vm.labels[label]
	if !ok {
		return fmt.Errorf("undefined label %q", label)
	}
	vm.pc = target
	return nil
}

func (vm *VM) emitOutput(line string) {
	vm.outputLines = append(vm.outputLines, line)
	if vm.writeOutput != nil {
		vm.writeOutput(line)
	}
}

func (vm *VM) popParam(byref bool, name string) error {
	if len(vm.argStack) == 0 || len(vm.refStack) == 0 {
		return fmt.Errorf("argument stack underflow popping %q", name)
	}
	if len(vm.frames) == 0 {
		return fmt.Errorf("POP outside a scope")
	}
	v := vm.argStack[len(vm.argStack)-1]
	vm.argStack = vm.argStack[:len(vm.argStack)-1]
	ref := vm.refStack[len(vm.refStack)-1]
	vm.refStack = vm.refStack[:len(vm.refStack)-1]

	top := vm.frames[len(vm.frames)-1]
	top.locals[name] = v
	if byref {
		top.byref[name] = ref
	}
	vm.pc++
	return nil
}

// writebackByref copies the current local value of a BYREF parameter
// to the caller-visible target recorded at the call, resolving that
// target with the callee's frame removed.
func (vm *VM) writebackByref(name string) error {
	if len(vm.frames) == 0 {
		return fmt.Errorf("WRITEBACK_BYREF outside a scope")
	}
	top := vm.frames[len(vm.frames)-1]
	ref := top.byref[name]
	if ref == "" || ref == "__NONE__" {
		vm.pc++
		return nil
	}
	val := top.locals[name]

	vm.frames = vm.frames[:len(vm.frames)-1]
	err := vm.assign(ref, val)
	vm.frames = append(vm.frames, top)
	if err != nil {
		return err
	}
	vm.pc++
	return nil
}

func (vm *VM) execInput(target string) error {
	var raw string
	if vm.readInput != nil {
		if vm.halted.Load() {
			return vm.fault(ErrCancelled, "cancelled")
		}
		s, err := vm.readInput(target)
		if err != nil {
			return err
		}
		if vm.halted.Load() {
			return vm.fault(ErrCancelled, "cancelled")
		}
		raw = s
	} else {
		if len(vm.inputQueue) == 0 {
			return fmt.Errorf("input queue exhausted at INPUT %s", target)
		}
		raw = vm.inputQueue[0]
		vm.inputQueue = vm.inputQueue[1:]
	}

	var v Value
	if f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil {
		v = f
	} else {
		v = raw
	}
	if err := vm.assign(target, v); err != nil {
		return err
	}
	vm.pc++
	return nil
}

// execArray allocates dense zero-filled storage for an ARRAY
// declaration. The bounds argument looks like [a:b] or [a:b,c:d].
func (vm *VM) execArray(name, bounds string) error {
	inner := strings.TrimSuffix(strings.TrimPrefix(bounds, "["), "]")
	var dims []Dim
	for _, part := range strings.Split(inner, ",") {
		lohi := strings.SplitN(part, ":", 2)
		if len(lohi) != 2 {
			return fmt.Errorf("malformed array bounds %q", bounds)
		}
		lo, err := strconv.Atoi(lohi[0])
		if err != nil {
			return fmt.Errorf("malformed array bounds %q", bounds)
		}
		hi, err := strconv.Atoi(lohi[1])
		if err != nil {
			return fmt.Errorf("malformed array bounds %q", bounds)
		}
		if lo > hi {
			return fmt.Errorf("array %q has invalid bounds [%d:%d]", name, lo, hi)
		}
		dims = append(dims, Dim{Lo: lo, Hi: hi})
	}
	arr := NewArray(dims)
	if len(vm.frames) > 0 {
		vm.frames[len(vm.frames)-1].locals[name] = arr
	} else {
		vm.globals[name] = arr
	}
	vm.pc++
	return nil
}

func (vm *VM) fileName(tok string) (string, error) {
	v, err := vm.resolve(tok)
	if err != nil {
		return "", err
	}
	return toStr(v), nil
}

func (vm *VM) execAssign(target string, rhs []string) error {
	var v Value
	var err error
	switch {
	case rhs[0] == "BUILTIN":
		if len(rhs) < 2 {
			return fmt.Errorf("malformed BUILTIN instruction")
		}
		v, err = vm.callBuiltin(rhs[1], rhs[2:])
	case len(rhs) == 3 && rhs[0] != "BUILTIN":
		var a, b Value
		if a, err = vm.resolve(rhs[0]); err != nil {
			return err
		}
		if b, err = vm.resolve(rhs[2]); err != nil {
			return err
		}
		v, err = binop(a, rhs[1], b)
	case len(rhs) == 1:
		v, err = vm.resolve(rhs[0])
	default:
		return fmt.Errorf("malformed assignment %q", strings.Join(rhs, " "))
	}
	if err != nil {
		return err
	}
	if err := vm.assign(target, v); err != nil {
		return err
	}
	vm.pc++
	return nil
}

//  Operand resolution

// resolve reads one operand: a quoted string literal, a number, the
// RETVAL slot, an array element, a record field, or a variable looked
// up through the scope chain.
func (vm *VM) resolve(tok string) (Value, error) {
	if strings.HasPrefix(tok, "\"") {
		s, err := strconv.Unquote(tok)
		if err != nil {
			return nil, fmt.Errorf("malformed string literal %s", tok)
		}
		return s, nil
	}
	if f, err := strconv.ParseFloat(tok, 64); err == nil {
		return f, nil
	}
	if tok == "RETVAL" {
		return vm.retVal, nil
	}
	if open := strings.IndexByte(tok, '['); open >= 0 && strings.HasSuffix(tok, "]") {
		return vm.readElement(tok[:open], tok[open+1:len(tok)-1])
	}
	if dot := strings.IndexByte(tok, '.'); dot >= 0 {
		return vm.readField(tok[:dot], tok[dot+1:])
	}
	v, ok := vm.lookupVar(tok)
	if !ok {
		return nil, fmt.Errorf("undefined variable %q", tok)
	}
	return v, nil
}

// lookupVar resolves a plain name: current frame locals first, then
// globals.
func (vm *VM) lookupVar(name string) (Value, bool) {
	if len(vm.frames) > 0 {
		if v, ok := vm.frames[len(vm.frames)-1].locals[name]; ok {
			return v, true
		}
	}
	v, ok := vm.globals[name]
	return v, ok
}

// indices resolves a comma-separated index list to integers.
func (vm *VM) indices(spec string) ([]int, error) {
	parts := strings.Split(spec, ",")
	out := make([]int, len(parts))
	for i, part := range parts {
		v, err := vm.resolve(part)
		if err != nil {
			return nil, err
		}
		f, err := toNum(v)
		if err != nil {
			return nil, fmt.Errorf("array index %q: %w", part, err)
		}
		out[i] = int(math.Trunc(f))
	}
	return out, nil
}

func (vm *VM) array(name string) (*Array, error) {
	v, ok := vm.lookupVar(name)
	if !ok {
		return nil, fmt.Errorf("undeclared array %q", name)
	}
	arr, ok := v.(*Array)
	if !ok {
		return nil, fmt.Errorf("variable %q is not an array", name)
	}
	return arr, nil
}

func (vm *VM) readElement(name, spec string) (Value, error) {
	arr, err := vm.array(name)
	if err != nil {
		return nil, err
	}
	idx, err := vm.indices(spec)
	if err != nil {
		return nil, err
	}
	v, err := arr.Get(idx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return v, nil
}

func (vm *VM) readField(name, field string) (Value, error) {
	v, ok := vm.lookupVar(name)
	if !ok {
		return nil, fmt.Errorf("undefined variable %q", name)
	}
	rec, ok := v.(Record)
	if !ok {
		return nil, fmt.Errorf("variable %q is not a record", name)
	}
	fv, ok := rec[field]
	if !ok {
		return nil, fmt.Errorf("field %q of %q is not set", field, name)
	}
	return fv, nil
}

//  Assignment

// assign writes v through the same structural rules resolve reads
// with: array element, record field, or plain name. Plain names
// follow the scope rule: an existing local wins, then a new local is
// created unless the name is already global.
func (vm *VM) assign(target string, v Value) error {
	if open := strings.IndexByte(target, '['); open >= 0 && strings.HasSuffix(target, "]") {
		arr, err := vm.array(target[:open])
		if err != nil {
			return err
		}
		idx, err := vm.indices(target[open+1 : len(target)-1])
		if err != nil {
			return err
		}
		if err := arr.Set(idx, v); err != nil {
			return fmt.Errorf("%s: %w", target[:open], err)
		}
		return nil
	}
	if dot := strings.IndexByte(target, '.'); dot >= 0 {
		return vm.assignField(target[:dot], target[dot+1:], v)
	}

	if len(vm.frames) > 0 {
		top := vm.frames[len(vm.frames)-1]
		if _, ok := top.locals[target]; ok {
			top.locals[target] = v
			return nil
		}
		if _, ok := vm.globals[target]; !ok {
			top.locals[target] = v
			return nil
		}
	}
	vm.globals[target] = v
	return nil
}

// assignField writes one record field, creating the record on first
// use following the plain-name scope rule.
func (vm *VM) assignField(name, field string, v Value) error {
	store := func(rec Record) { rec[field] = v }

	if len(vm.frames) > 0 {
		top := vm.frames[len(vm.frames)-1]
		if existing, ok := top.locals[name]; ok {
			rec, ok := existing.(Record)
			if !ok {
				if existing != nil {
					return fmt.Errorf("variable %q is not a record", name)
				}
				rec = make(Record)
				top.locals[name] = rec
			}
			store(rec)
			return nil
		}
		if _, ok := vm.globals[name]; !ok {
			rec := make(Record)
			top.locals[name] = rec
			store(rec)
			return nil
		}
	}
	existing, ok := vm.globals[name]
	if ok {
		if rec, isRec := existing.(Record); isRec {
			store(rec)
			return nil
		}
		if existing != nil {
			return fmt.Errorf("variable %q is not a record", name)
		}
	}
	rec := make(Record)
	vm.globals[name] = rec
	store(rec)
	return nil
}

//  Arithmetic

// binop applies one IR binary operator. `+` concatenates when either
// operand is a string; `&` always concatenates; comparisons yield 0 or
// 1; `&&` and `||` treat 0, empty, and unset values as false.
func binop(a Value, op string, b Value) (Value, error) {
	switch op {
	case "&":
		return toStr(a) + toStr(b), nil
	case "&&":
		return boolNum(truthy(a) && truthy(b)), nil
	case "||":
		return boolNum(truthy(a) || truthy(b)), nil
	case "+":
		if _, ok := a.(string); ok {
			return toStr(a) + toStr(b), nil
		}
		if _, ok := b.(string); ok {
			return toStr(a) + toStr(b), nil
		}
	}

	switch op {
	case "==", "!=", "<", ">", "<=", ">=":
		return compare(a, op, b)
	}

	x, err := toNum(a)
	if err != nil {
		return nil, err
	}
	y, err := toNum(b)
	if err != nil {
		return nil, err
	}
	switch op {
	case "+":
		return x + y, nil
	case "-":
		return x - y, nil
	case "*":
		return x * y, nil
	case "/":
		if y == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return x / y, nil
	case "^":
		return math.Pow(x, y), nil
	case "DIV":
		if y == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return math.Trunc(x / y), nil
	case "MOD":
		if y == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return math.Mod(x, y), nil
	}
	return nil, fmt.Errorf("unknown operator %q", op)
}

func boolNum(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// compare orders two numbers numerically, otherwise their string
// renderings byte-wise.
func compare(a Value, op string, b Value) (Value, error) {
	af, aNum := a.(float64)
	bf, bNum := b.(float64)

	var lt, eq bool
	if aNum && bNum {
		lt, eq = af < bf, af == bf
	} else {
		as, bs := toStr(a), toStr(b)
		lt, eq = as < bs, as == bs
	}

	switch op {
	case "==":
		return boolNum(eq), nil
	case "!=":
		return boolNum(!eq), nil
	case "<":
		return boolNum(lt), nil
	case "<=":
		return boolNum(lt || eq), nil
	case ">":
		return boolNum(!lt && !eq), nil
	case ">=":
		return boolNum(!lt), nil
	}
	return nil, fmt.Errorf("unknown comparison %q", op)
}

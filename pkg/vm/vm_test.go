package vm

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exec runs raw IR on a fresh VM and returns it.
func exec(t *testing.T, ir []string) *VM {
	t.Helper()
	machine, err := New(ir)
	require.NoError(t, err)
	require.NoError(t, machine.Run())
	return machine
}

func TestArithmeticOps(t *testing.T) {
	tests := []struct {
		name  string
		instr string
		want  Value
	}{
		{"Add", "X = 2 + 3", float64(5)},
		{"Sub", "X = 2 - 5", float64(-3)},
		{"Mul", "X = 3 * 4", float64(12)},
		{"RealDiv", "X = 1 / 2", float64(0.5)},
		{"Pow", "X = 2 ^ 8", float64(256)},
		{"IntDiv", "X = -7 DIV 2", float64(-3)},
		{"ModDividendSign", "X = -7 MOD 3", float64(-1)},
		{"Concat", `X = "a" & "b"`, "ab"},
		{"ConcatNumber", `X = "n=" & 4`, "n=4"},
		{"PlusConcatsStrings", `X = "a" + "b"`, "ab"},
		{"CmpTrue", "X = 2 < 3", float64(1)},
		{"CmpFalse", "X = 2 > 3", float64(0)},
		{"CmpStrings", `X = "apple" < "banana"`, float64(1)},
		{"Eq", "X = 4 == 4", float64(1)},
		{"NotEq", "X = 4 != 4", float64(0)},
		{"AndBoth", "X = 1 && 1", float64(1)},
		{"AndShortValue", "X = 0 && 1", float64(0)},
		{"Or", "X = 0 || 1", float64(1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			machine := exec(t, []string{tt.instr})
			assert.Equal(t, tt.want, machine.Globals()["X"])
		})
	}
}

func TestDivisionByZero(t *testing.T) {
	machine, err := New([]string{"X = 1 / 0"})
	require.NoError(t, err)
	err = machine.Run()
	var rerr *RuntimeError
	require.ErrorAs(t, err, &rerr)
	assert.Contains(t, rerr.Msg, "division by zero")
	assert.Equal(t, 0, rerr.PC)
}

func TestJumpsAndLabels(t *testing.T) {
	machine := exec(t, []string{
		"GOTO L1",
		"X = 1",
		"L1:",
		"X = 2",
	})
	assert.Equal(t, float64(2), machine.Globals()["X"])
}

func TestIFZAndIFNZ(t *testing.T) {
	machine := exec(t, []string{
		"T1 = 0",
		"IFZ T1 GOTO L1",
		"X = 1",
		"L1:",
		"T2 = 5",
		"IFNZ T2 GOTO L2",
		"Y = 1",
		"L2:",
		"Z = 9",
	})
	globals := machine.Globals()
	assert.NotContains(t, globals, "X")
	assert.NotContains(t, globals, "Y")
	assert.Equal(t, float64(9), globals["Z"])
}

func TestUndefinedLabelFails(t *testing.T) {
	machine, err := New([]string{"GOTO L9"})
	require.NoError(t, err)
	err = machine.Run()
	var rerr *RuntimeError
	require.ErrorAs(t, err, &rerr)
	assert.Contains(t, rerr.Msg, "undefined label")
}

func TestDuplicateLabelRejected(t *testing.T) {
	_, err := New([]string{"L1:", "L1:"})
	assert.Error(t, err)
}

func TestArrayAllocationZeroFills(t *testing.T) {
	machine := exec(t, []string{
		"ARRAY A [1:3]",
		"X = A[2]",
	})
	assert.Equal(t, float64(0), machine.Globals()["X"])
}

func TestArrayTwoDimensional(t *testing.T) {
	machine := exec(t, []string{
		"ARRAY G [1:2,1:3]",
		"G[2,3] = 42",
		"X = G[2,3]",
		"Y = G[2,2]",
	})
	assert.Equal(t, float64(42), machine.Globals()["X"])
	assert.Equal(t, float64(0), machine.Globals()["Y"])
}

func TestArrayOutOfBounds(t *testing.T) {
	machine, err := New([]string{
		"ARRAY A [1:3]",
		"X = A[4]",
	})
	require.NoError(t, err)
	err = machine.Run()
	var rerr *RuntimeError
	require.ErrorAs(t, err, &rerr)
	assert.Contains(t, rerr.Msg, "out of bounds")
}

func TestArrayVariableIndex(t *testing.T) {
	machine := exec(t, []string{
		"ARRAY A [1:3]",
		"I = 2",
		"A[I] = 7",
		"X = A[I]",
	})
	assert.Equal(t, float64(7), machine.Globals()["X"])
}

func TestRecordFields(t *testing.T) {
	machine := exec(t, []string{
		"P.X = 3",
		"P.Y = 4",
		"S = P.X + P.Y",
	})
	assert.Equal(t, float64(7), machine.Globals()["S"])
}

func TestScopeLocalsDoNotLeak(t *testing.T) {
	machine := exec(t, []string{
		"GOTO L1",
		"PROC_P:",
		"ENTER_SCOPE",
		"LOCAL X",
		"X = 99",
		"EXIT_SCOPE",
		"RET",
		"L1:",
		"CALL PROC_P",
	})
	assert.NotContains(t, machine.Globals(), "X")
}

func TestScopeGlobalWriteFromRoutine(t *testing.T) {
	// A name that already exists globally is written globally, not
	// shadowed.
	machine := exec(t, []string{
		"G = 1",
		"GOTO L1",
		"PROC_P:",
		"ENTER_SCOPE",
		"G = 2",
		"EXIT_SCOPE",
		"RET",
		"L1:",
		"CALL PROC_P",
	})
	assert.Equal(t, float64(2), machine.Globals()["G"])
}

func TestLocalPreReservationShadowsGlobal(t *testing.T) {
	machine := exec(t, []string{
		"G = 1",
		"GOTO L1",
		"PROC_P:",
		"ENTER_SCOPE",
		"LOCAL G",
		"G = 2",
		"EXIT_SCOPE",
		"RET",
		"L1:",
		"CALL PROC_P",
	})
	assert.Equal(t, float64(1), machine.Globals()["G"])
}

func TestParamsAndRetval(t *testing.T) {
	machine := exec(t, []string{
		"GOTO L1",
		"FUNC_Double:",
		"ENTER_SCOPE",
		"POP_PARAM N",
		"T1 = N * 2",
		"RETVAL T1",
		"EXIT_SCOPE",
		"RET",
		"L1:",
		"PUSH 21",
		"PUSH_REF __NONE__",
		"CALL FUNC_Double",
		"X = RETVAL",
	})
	assert.Equal(t, float64(42), machine.Globals()["X"])
}

func TestByrefWriteback(t *testing.T) {
	machine := exec(t, []string{
		"A = 10",
		"GOTO L1",
		"PROC_Bump:",
		"ENTER_SCOPE",
		"POP_BYREF P",
		"P = P + 1",
		"WRITEBACK_BYREF P",
		"EXIT_SCOPE",
		"RET",
		"L1:",
		"PUSH A",
		"PUSH_REF A",
		"CALL PROC_Bump",
	})
	assert.Equal(t, float64(11), machine.Globals()["A"])
}

func TestByrefWritebackThroughArrayElement(t *testing.T) {
	machine := exec(t, []string{
		"ARRAY A [1:3]",
		"A[2] = 5",
		"GOTO L1",
		"PROC_Bump:",
		"ENTER_SCOPE",
		"POP_BYREF P",
		"P = P + 1",
		"WRITEBACK_BYREF P",
		"EXIT_SCOPE",
		"RET",
		"L1:",
		"PUSH A[2]",
		"PUSH_REF A[2]",
		"CALL PROC_Bump",
		"X = A[2]",
	})
	assert.Equal(t, float64(6), machine.Globals()["X"])
}

func TestByrefNoneRefIsDiscarded(t *testing.T) {
	machine := exec(t, []string{
		"GOTO L1",
		"PROC_P:",
		"ENTER_SCOPE",
		"POP_BYREF P",
		"P = 99",
		"WRITEBACK_BYREF P",
		"EXIT_SCOPE",
		"RET",
		"L1:",
		"PUSH 7",
		"PUSH_REF __NONE__",
		"CALL PROC_P",
	})
	assert.NotContains(t, machine.Globals(), "P")
}

func TestOutputParts(t *testing.T) {
	machine := exec(t, []string{
		"A = 10",
		`OUTPUT_PART "A="`,
		"OUTPUT_PART A",
		"OUTPUT_END",
	})
	assert.Equal(t, []string{"A=10"}, machine.Output())
}

func TestOutputFormatsIntegralReals(t *testing.T) {
	machine := exec(t, []string{
		"X = 6 / 2",
		"OUTPUT X",
		"Y = 1 / 2",
		"OUTPUT Y",
	})
	assert.Equal(t, []string{"3", "0.5"}, machine.Output())
}

func TestInputQueueCoercion(t *testing.T) {
	machine, err := New([]string{
		"INPUT X",
		"INPUT S",
	})
	require.NoError(t, err)
	machine.QueueInputs("42", "hello")
	require.NoError(t, machine.Run())
	assert.Equal(t, float64(42), machine.Globals()["X"])
	assert.Equal(t, "hello", machine.Globals()["S"])
}

func TestInputQueueExhausted(t *testing.T) {
	machine, err := New([]string{"INPUT X"})
	require.NoError(t, err)
	err = machine.Run()
	var rerr *RuntimeError
	require.ErrorAs(t, err, &rerr)
	assert.Contains(t, rerr.Msg, "input queue exhausted")
}

func TestDriverModeReadInput(t *testing.T) {
	machine, err := New([]string{
		"INPUT X",
		"OUTPUT X",
	})
	require.NoError(t, err)
	var asked []string
	machine.SetReadInput(func(name string) (string, error) {
		asked = append(asked, name)
		return "7", nil
	})
	require.NoError(t, machine.RunDriver())
	assert.Equal(t, []string{"X"}, asked)
	assert.Equal(t, []string{"7"}, machine.Output())
}

func TestHaltCancelsDriverRun(t *testing.T) {
	machine, err := New([]string{
		"L1:",
		"X = 1",
		"GOTO L1",
	})
	require.NoError(t, err)
	machine.SetReadInput(func(string) (string, error) { return "", nil })

	var wg sync.WaitGroup
	wg.Add(1)
	var runErr error
	go func() {
		defer wg.Done()
		runErr = machine.RunDriver()
	}()
	time.Sleep(10 * time.Millisecond)
	machine.Halt()
	wg.Wait()

	require.Error(t, runErr)
	assert.True(t, errors.Is(runErr, ErrCancelled), "want ErrCancelled, got %v", runErr)
}

func TestHaltCancelsPendingInput(t *testing.T) {
	machine, err := New([]string{"INPUT X"})
	require.NoError(t, err)
	machine.SetReadInput(func(string) (string, error) {
		machine.Halt()
		return "5", nil
	})
	runErr := machine.RunDriver()
	assert.True(t, errors.Is(runErr, ErrCancelled), "want ErrCancelled, got %v", runErr)
}

func TestStepLimit(t *testing.T) {
	machine, err := New([]string{
		"L1:",
		"X = 1",
		"GOTO L1",
	})
	require.NoError(t, err)
	machine.MaxSteps = 1000
	runErr := machine.Run()
	var rerr *RuntimeError
	require.ErrorAs(t, runErr, &rerr)
	assert.Contains(t, rerr.Msg, "step limit exceeded")
}

func TestFileInstructions(t *testing.T) {
	machine := exec(t, []string{
		`OPENFILE "f.txt" WRITE`,
		`WRITEFILE "f.txt" "one"`,
		`WRITEFILE "f.txt" "two"`,
		`CLOSEFILE "f.txt"`,
		`OPENFILE "f.txt" READ`,
		`READFILE "f.txt" L`,
		`CLOSEFILE "f.txt"`,
	})
	lines, ok := machine.FS().Get("f.txt")
	require.True(t, ok)
	assert.Equal(t, []string{"one", "two"}, lines)
	assert.Equal(t, "one", machine.Globals()["L"])
}

func TestReadPastEOFFails(t *testing.T) {
	machine, err := New([]string{
		`OPENFILE "f.txt" READ`,
		`READFILE "f.txt" L`,
	})
	require.NoError(t, err)
	runErr := machine.Run()
	var rerr *RuntimeError
	require.ErrorAs(t, runErr, &rerr)
	assert.Contains(t, rerr.Msg, "end of file")
}

func TestWriteWrongModeFails(t *testing.T) {
	machine, err := New([]string{
		`OPENFILE "f.txt" READ`,
		`WRITEFILE "f.txt" "x"`,
	})
	require.NoError(t, err)
	runErr := machine.Run()
	var rerr *RuntimeError
	require.ErrorAs(t, runErr, &rerr)
	assert.Contains(t, rerr.Msg, "not open for WRITE")
}

func TestSeededRandIsDeterministic(t *testing.T) {
	run := func() []string {
		machine, err := New([]string{
			"T1 = BUILTIN RAND 100",
			"OUTPUT T1",
			"T2 = BUILTIN RAND 100",
			"OUTPUT T2",
		})
		require.NoError(t, err)
		machine.Seed(42)
		require.NoError(t, machine.Run())
		return machine.Output()
	}
	assert.Equal(t, run(), run())
}

func TestGlobalsExcludeTemporaries(t *testing.T) {
	machine := exec(t, []string{
		"T1 = 2 + 3",
		"X = T1",
	})
	globals := machine.Globals()
	assert.NotContains(t, globals, "T1")
	assert.Equal(t, float64(5), globals["X"])
}

func TestWriteOutputSink(t *testing.T) {
	machine, err := New([]string{`OUTPUT "hi"`})
	require.NoError(t, err)
	var sunk []string
	machine.SetOutput(func(line string) { sunk = append(sunk, line) })
	require.NoError(t, machine.Run())
	assert.Equal(t, []string{"hi"}, sunk)
	assert.Equal(t, []string{"hi"}, machine.Output())
}

func TestQuotedStringsKeepSpaces(t *testing.T) {
	machine := exec(t, []string{
		`S = "two words"`,
		"OUTPUT S",
	})
	assert.Equal(t, []string{"two words"}, machine.Output())
}

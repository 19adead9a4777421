package vm

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// callBuiltin dispatches one `BUILTIN NAME args...` instruction.
// String arguments are handled as rune sequences; MID uses a 1-based
// start position.
func (vm *VM) callBuiltin(name string, args []string) (Value, error) {
	resolved := make([]Value, len(args))
	for i, arg := range args {
		v, err := vm.resolve(arg)
		if err != nil {
			return nil, err
		}
		resolved[i] = v
	}

	str := func(i int) string { return toStr(resolved[i]) }
	num := func(i int) (float64, error) { return toNum(resolved[i]) }

	if err := checkBuiltinArity(name, len(args)); err != nil {
		return nil, err
	}

	switch strings.ToUpper(name) {
	case "LENGTH":
		return float64(len([]rune(str(0)))), nil
	case "UCASE", "TO_UPPER":
		return strings.ToUpper(str(0)), nil
	case "LCASE", "TO_LOWER":
		return strings.ToLower(str(0)), nil
	case "MID":
		start, err := num(1)
		if err != nil {
			return nil, err
		}
		length, err := num(2)
		if err != nil {
			return nil, err
		}
		runes := []rune(str(0))
		from := int(start) - 1
		if from < 0 {
			from = 0
		}
		if from > len(runes) {
			from = len(runes)
		}
		to := from + int(length)
		if to > len(runes) {
			to = len(runes)
		}
		if to < from {
			to = from
		}
		return string(runes[from:to]), nil
	case "LEFT":
		n, err := num(1)
		if err != nil {
			return nil, err
		}
		runes := []rune(str(0))
		count := int(n)
		if count > len(runes) {
			count = len(runes)
		}
		if count < 0 {
			count = 0
		}
		return string(runes[:count]), nil
	case "RIGHT":
		n, err := num(1)
		if err != nil {
			return nil, err
		}
		runes := []rune(str(0))
		count := int(n)
		if count > len(runes) {
			count = len(runes)
		}
		if count < 0 {
			count = 0
		}
		return string(runes[len(runes)-count:]), nil
	case "INT":
		x, err := num(0)
		if err != nil {
			return nil, err
		}
		return math.Trunc(x), nil
	case "RAND":
		x, err := num(0)
		if err != nil {
			return nil, err
		}
		upper := int(math.Floor(x))
		if upper < 0 {
			return nil, fmt.Errorf("RAND requires a non-negative bound, got %s", formatValue(x))
		}
		return float64(vm.rng.Intn(upper + 1)), nil
	case "NUM_TO_STR":
		x, err := num(0)
		if err != nil {
			return nil, err
		}
		return formatValue(x), nil
	case "STR_TO_NUM":
		s := strings.TrimSpace(str(0))
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("STR_TO_NUM: %q is not numeric", str(0))
		}
		return f, nil
	case "CHR":
		x, err := num(0)
		if err != nil {
			return nil, err
		}
		return string(rune(int(x))), nil
	case "ASC":
		runes := []rune(str(0))
		if len(runes) == 0 {
			return nil, fmt.Errorf("ASC requires a non-empty string")
		}
		return float64(runes[0]), nil
	case "EOF":
		if vm.fs.EOF(str(0)) {
			return float64(1), nil
		}
		return float64(0), nil
	}
	return nil, fmt.Errorf("unknown built-in %q", name)
}

// builtinArity maps each built-in to its argument count.
var builtinArity = map[string]int{
	"LENGTH":     1,
	"UCASE":      1,
	"LCASE":      1,
	"TO_UPPER":   1,
	"TO_LOWER":   1,
	"MID":        3,
	"LEFT":       2,
	"RIGHT":      2,
	"INT":        1,
	"RAND":       1,
	"NUM_TO_STR": 1,
	"STR_TO_NUM": 1,
	"CHR":        1,
	"ASC":        1,
	"EOF":        1,
}

func checkBuiltinArity(name string, got int) error {
	want, ok := builtinArity[strings.ToUpper(name)]
	if !ok {
		return fmt.Errorf("unknown built-in %q", name)
	}
	if got != want {
		return fmt.Errorf("%s expects %d arguments, got %d", strings.ToUpper(name), want, got)
	}
	return nil
}

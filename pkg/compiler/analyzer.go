package compiler

import (
	"fmt"
	"strings"
)

// builtinSig is the fixed signature of one built-in function. Param
// kinds are "NUM" (INTEGER or REAL), "STR" (STRING or CHAR).
type builtinSig struct {
	Params []string
	Result string
}

var builtinSigs = map[string]builtinSig{
	"LENGTH":     {Params: []string{"STR"}, Result: "INTEGER"},
	"UCASE":      {Params: []string{"STR"}, Result: "STRING"},
	"LCASE":      {Params: []string{"STR"}, Result: "STRING"},
	"TO_UPPER":   {Params: []string{"STR"}, Result: "STRING"},
	"TO_LOWER":   {Params: []string{"STR"}, Result: "STRING"},
	"MID":        {Params: []string{"STR", "NUM", "NUM"}, Result: "STRING"},
	"LEFT":       {Params: []string{"STR", "NUM"}, Result: "STRING"},
	"RIGHT":      {Params: []string{"STR", "NUM"}, Result: "STRING"},
	"INT":        {Params: []string{"NUM"}, Result: "INTEGER"},
	"RAND":       {Params: []string{"NUM"}, Result: "INTEGER"},
	"NUM_TO_STR": {Params: []string{"NUM"}, Result: "STRING"},
	"STR_TO_NUM": {Params: []string{"STR"}, Result: "REAL"},
	"CHR":        {Params: []string{"NUM"}, Result: "CHAR"},
	"ASC":        {Params: []string{"STR"}, Result: "INTEGER"},
	"EOF":        {Params: []string{"STR"}, Result: "BOOLEAN"},
}

// lookupBuiltin resolves a call name to a built-in signature,
// case-insensitively.
func lookupBuiltin(name string) (builtinSig, bool) {
	sig, ok := builtinSigs[strings.ToUpper(name)]
	return sig, ok
}

func isNumeric(t string) bool { return t == "INTEGER" || t == "REAL" }
func isStringy(t string) bool { return t == "STRING" || t == "CHAR" }

// Analyzer walks the AST checking scope, type, and arity rules. It
// never mutates the tree.
type Analyzer struct {
	syms  *SymbolTable
	types map[string]map[string]string // record name -> field -> type
	procs map[string]*ProcDecl
	funcs map[string]*FuncDecl

	currentFunc *FuncDecl
	inRoutine   bool
}

func NewAnalyzer() *Analyzer {
	return &Analyzer{
		syms:  NewSymbolTable(),
		types: make(map[string]map[string]string),
		procs: make(map[string]*ProcDecl),
		funcs: make(map[string]*FuncDecl),
	}
}

// Analyze runs both passes over the program. Pass one registers type,
// procedure and function names so forward calls are legal; pass two
// checks every statement.
func Analyze(prog *Program) error {
	return NewAnalyzer().Analyze(prog)
}

func (a *Analyzer) Analyze(prog *Program) error {
	if err := a.registerDecls(prog); err != nil {
		return err
	}
	return a.checkStmts(prog.Stmts)
}

func (a *Analyzer) errf(line int, format string, args ...any) error {
	return &TypeError{Line: line, Msg: fmt.Sprintf(format, args...)}
}

// isBuiltinType reports whether t is one of the five builtin data types.
func isBuiltinType(t string) bool {
	switch t {
	case "INTEGER", "REAL", "STRING", "BOOLEAN", "CHAR":
		return true
	}
	return false
}

// resolveType checks that t names a builtin type or a registered record.
func (a *Analyzer) resolveType(t string, line int) error {
	if isBuiltinType(t) {
		return nil
	}
	if _, ok := a.types[t]; ok {
		return nil
	}
	return a.errf(line, "unknown type %q", t)
}

// registerDecls is pass one: record TYPE, PROCEDURE and FUNCTION
// signatures from the top level.
func (a *Analyzer) registerDecls(prog *Program) error {
	for _, stmt := range prog.Stmts {
		switch s := stmt.(type) {
		case *TypeDefStmt:
			if _, ok := a.types[s.Name]; ok {
				return a.errf(s.Line, "type %q already declared", s.Name)
			}
			fields := make(map[string]string)
			for _, f := range s.Fields {
				if _, ok := fields[f.Name]; ok {
					return a.errf(s.Line, "duplicate field %q in type %q", f.Name, s.Name)
				}
				if !isBuiltinType(f.DataType) {
					if _, ok := a.types[f.DataType]; !ok {
						return a.errf(s.Line, "unknown field type %q in type %q", f.DataType, s.Name)
					}
				}
				fields[f.Name] = f.DataType
			}
			a.types[s.Name] = fields
		case *ProcDecl:
			if _, ok := a.procs[s.Name]; ok {
				return a.errf(s.Line, "procedure %q already declared", s.Name)
			}
			if _, ok := a.funcs[s.Name]; ok {
				return a.errf(s.Line, "routine %q already declared", s.Name)
			}
			a.procs[s.Name] = s
		case *FuncDecl:
			if _, ok := a.funcs[s.Name]; ok {
				return a.errf(s.Line, "function %q already declared", s.Name)
			}
			if _, ok := a.procs[s.Name]; ok {
				return a.errf(s.Line, "routine %q already declared", s.Name)
			}
			a.funcs[s.Name] = s
		}
	}
	return nil
}

func (a *Analyzer) checkStmts(stmts []Stmt) error {
	for _, stmt := range stmts {
		if err := a.checkStmt(stmt); err != nil {
			return err
		}
	}
	return nil
}

// compatible applies the assignment compatibility matrix:
// varType <- exprType.
func compatible(varType, exprType string) bool {
	if varType == exprType {
		return true
	}
	switch varType {
	case "REAL":
		return exprType == "INTEGER" // widening
	case "STRING":
		return exprType == "CHAR" // widening
	}
	return false
}

func (a *Analyzer) checkStmt(stmt Stmt) error {
	switch s := stmt.(type) {
	case *DeclareStmt:
		return a.checkDeclare(s)
	case *ConstantStmt:
		return a.checkConstant(s)
	case *TypeDefStmt:
		if a.inRoutine {
			return a.errf(s.Line, "TYPE declarations must be at the top level")
		}
		return nil // registered in pass one
	case *AssignStmt:
		return a.checkAssign(s)
	case *OutputStmt:
		for _, e := range s.Exprs {
			if _, err := a.inferExpr(e, s.Line); err != nil {
				return err
			}
		}
		return nil
	case *InputStmt:
		return a.checkInput(s)
	case *IfStmt:
		if err := a.checkCondition(s.Cond, s.Line, "IF"); err != nil {
			return err
		}
		if err := a.checkStmts(s.Then); err != nil {
			return err
		}
		return a.checkStmts(s.Else)
	case *WhileStmt:
		if err := a.checkCondition(s.Cond, s.Line, "WHILE"); err != nil {
			return err
		}
		return a.checkStmts(s.Body)
	case *ForStmt:
		return a.checkFor(s)
	case *RepeatStmt:
		if err := a.checkStmts(s.Body); err != nil {
			return err
		}
		return a.checkCondition(s.Cond, s.Line, "REPEAT UNTIL")
	case *CaseStmt:
		return a.checkCase(s)
	case *ProcDecl:
		return a.checkRoutine(s.Name, s.Params, s.Body, nil, s.Line)
	case *FuncDecl:
		return a.checkRoutine(s.Name, s.Params, s.Body, s, s.Line)
	case *CallStmt:
		return a.checkCall(s)
	case *ReturnStmt:
		return a.checkReturn(s)
	case *OpenFileStmt:
		return a.checkFileName(s.File, s.Line)
	case *ReadFileStmt:
		return a.checkReadFile(s)
	case *WriteFileStmt:
		if err := a.checkFileName(s.File, s.Line); err != nil {
			return err
		}
		_, err := a.inferExpr(s.Data, s.Line)
		return err
	case *CloseFileStmt:
		return a.checkFileName(s.File, s.Line)
	default:
		return a.errf(0, "unhandled statement %T", stmt)
	}
}

func (a *Analyzer) checkDeclare(s *DeclareStmt) error {
	if err := a.resolveType(s.DataType, s.Line); err != nil {
		return err
	}
	for _, d := range s.Dims {
		if d.Start > d.End {
			return a.errf(s.Line, "array %q has invalid bounds [%d:%d]", s.Name, d.Start, d.End)
		}
	}
	sym := &Symbol{
		Type:    s.DataType,
		IsArray: len(s.Dims) > 0,
		Dims:    s.Dims,
		// Arrays are dense and zero-filled at allocation, so every
		// element reads as assigned.
		Assigned: len(s.Dims) > 0,
	}
	if err := a.syms.Declare(s.Name, sym); err != nil {
		return a.errf(s.Line, "%s", err.Error())
	}
	return nil
}

func (a *Analyzer) checkConstant(s *ConstantStmt) error {
	t, err := a.inferExpr(s.Value, s.Line)
	if err != nil {
		return err
	}
	sym := &Symbol{Type: t, Assigned: true, IsConstant: true}
	if err := a.syms.Declare(s.Name, sym); err != nil {
		return a.errf(s.Line, "%s", err.Error())
	}
	return nil
}

func (a *Analyzer) checkAssign(s *AssignStmt) error {
	sym, ok := a.syms.Lookup(s.Name)
	if !ok {
		return a.errf(s.Line, "Variable '%s' not declared", s.Name)
	}
	if sym.IsConstant {
		return a.errf(s.Line, "cannot assign to constant '%s'", s.Name)
	}

	targetType := sym.Type
	switch {
	case len(s.Indices) > 0:
		if !sym.IsArray {
			return a.errf(s.Line, "variable '%s' is not an array", s.Name)
		}
		if len(s.Indices) != len(sym.Dims) {
			return a.errf(s.Line, "array '%s' expects %d indices, got %d", s.Name, len(sym.Dims), len(s.Indices))
		}
		for _, idx := range s.Indices {
			it, err := a.inferExpr(idx, s.Line)
			if err != nil {
				return err
			}
			if it != "INTEGER" {
				return a.errf(s.Line, "array index for '%s' must be INTEGER, got %s", s.Name, it)
			}
		}
	case s.Field != "":
		fields, ok := a.types[sym.Type]
		if !ok {
			return a.errf(s.Line, "variable '%s' has no fields (type %s)", s.Name, sym.Type)
		}
		ft, ok := fields[s.Field]
		if !ok {
			return a.errf(s.Line, "type %s has no field '%s'", sym.Type, s.Field)
		}
		targetType = ft
	default:
		if sym.IsArray {
			return a.errf(s.Line, "cannot assign to array '%s' without indices", s.Name)
		}
	}

	exprType, err := a.inferExpr(s.Expr, s.Line)
	if err != nil {
		return err
	}
	if !compatible(targetType, exprType) {
		return a.errf(s.Line, "cannot assign %s to '%s' of type %s", exprType, s.Name, targetType)
	}
	sym.Assigned = true
	return nil
}

func (a *Analyzer) checkInput(s *InputStmt) error {
	sym, ok := a.syms.Lookup(s.Name)
	if !ok {
		return a.errf(s.Line, "Variable '%s' not declared", s.Name)
	}
	if sym.IsConstant {
		return a.errf(s.Line, "cannot INPUT into constant '%s'", s.Name)
	}
	if len(s.Indices) > 0 {
		if !sym.IsArray {
			return a.errf(s.Line, "variable '%s' is not an array", s.Name)
		}
		if len(s.Indices) != len(sym.Dims) {
			return a.errf(s.Line, "array '%s' expects %d indices, got %d", s.Name, len(sym.Dims), len(s.Indices))
		}
		for _, idx := range s.Indices {
			it, err := a.inferExpr(idx, s.Line)
			if err != nil {
				return err
			}
			if it != "INTEGER" {
				return a.errf(s.Line, "array index for '%s' must be INTEGER, got %s", s.Name, it)
			}
		}
	} else if s.Field != "" {
		fields, ok := a.types[sym.Type]
		if !ok {
			return a.errf(s.Line, "variable '%s' has no fields (type %s)", s.Name, sym.Type)
		}
		if _, ok := fields[s.Field]; !ok {
			return a.errf(s.Line, "type %s has no field '%s'", sym.Type, s.Field)
		}
	}
	// INPUT counts as an assignment.
	sym.Assigned = true
	return nil
}

func (a *Analyzer) checkCondition(cond Expr, line int, construct string) error {
	t, err := a.inferExpr(cond, line)
	if err != nil {
		return err
	}
	if t != "BOOLEAN" {
		return a.errf(line, "%s condition must be BOOLEAN, got %s", construct, t)
	}
	return nil
}

func (a *Analyzer) checkFor(s *ForStmt) error {
	sym, ok := a.syms.Lookup(s.Var)
	if !ok {
		return a.errf(s.Line, "FOR loop variable '%s' not declared", s.Var)
	}
	if sym.Type != "INTEGER" || sym.IsArray {
		return a.errf(s.Line, "FOR loop variable '%s' must be INTEGER", s.Var)
	}
	for _, part := range []struct {
		name string
		expr Expr
	}{{"start", s.Start}, {"end", s.End}, {"step", s.Step}} {
		if part.expr == nil {
			continue
		}
		t, err := a.inferExpr(part.expr, s.Line)
		if err != nil {
			return err
		}
		if t != "INTEGER" {
			return a.errf(s.Line, "FOR %s expression must be INTEGER, got %s", part.name, t)
		}
	}
	// The loop variable counts as assigned.
	sym.Assigned = true
	return a.checkStmts(s.Body)
}

func (a *Analyzer) checkCase(s *CaseStmt) error {
	selType, err := a.inferExpr(s.Expr, s.Line)
	if err != nil {
		return err
	}
	for _, branch := range s.Branches {
		for _, v := range branch.Values {
			vt, err := a.inferExpr(v, s.Line)
			if err != nil {
				return err
			}
			// numeric<->numeric is allowed, otherwise exact match
			if isNumeric(selType) && isNumeric(vt) {
				continue
			}
			if selType != vt {
				return a.errf(s.Line, "CASE value type %s does not match selector type %s", vt, selType)
			}
		}
		if err := a.checkStmts(branch.Body); err != nil {
			return err
		}
	}
	return a.checkStmts(s.Otherwise)
}

// checkRoutine checks a procedure or function body in a fresh scope.
// fn is nil for procedures.
func (a *Analyzer) checkRoutine(name string, params []Param, body []Stmt, fn *FuncDecl, line int) error {
	if a.inRoutine {
		return a.errf(line, "routine %q declared inside another routine", name)
	}
	if fn != nil {
		if err := a.resolveType(fn.Returns, line); err != nil {
			return err
		}
	}

	a.syms.EnterScope()
	prevFunc, prevIn := a.currentFunc, a.inRoutine
	a.currentFunc, a.inRoutine = fn, true
	defer func() {
		a.syms.ExitScope()
		a.currentFunc, a.inRoutine = prevFunc, prevIn
	}()

	for _, param := range params {
		if err := a.resolveType(param.DataType, line); err != nil {
			return err
		}
		// Parameters count as assigned.
		sym := &Symbol{Type: param.DataType, Assigned: true}
		if err := a.syms.Declare(param.Name, sym); err != nil {
			return a.errf(line, "%s", err.Error())
		}
	}
	return a.checkStmts(body)
}

// lvalueArg reports whether e can be the target of a BYREF write-back.
func lvalueArg(e Expr) bool {
	switch e.(type) {
	case *Ident, *IndexExpr, *FieldExpr:
		return true
	}
	return false
}

func (a *Analyzer) checkArgs(name string, params []Param, args []Expr, line int) error {
	if len(args) != len(params) {
		return a.errf(line, "'%s' expects %d arguments, got %d", name, len(params), len(args))
	}
	for i, arg := range args {
		if _, err := a.inferExpr(arg, line); err != nil {
			return err
		}
		if params[i].Mode == ByRef && !lvalueArg(arg) {
			return a.errf(line, "BYREF argument %d of '%s' must be a variable, array element, or record field", i+1, name)
		}
	}
	return nil
}

func (a *Analyzer) checkCall(s *CallStmt) error {
	if proc, ok := a.procs[s.Name]; ok {
		return a.checkArgs(s.Name, proc.Params, s.Args, s.Line)
	}
	if _, ok := a.funcs[s.Name]; ok {
		return a.errf(s.Line, "CALL requires a procedure; '%s' is a function", s.Name)
	}
	return a.errf(s.Line, "unknown procedure '%s'", s.Name)
}

func (a *Analyzer) checkReturn(s *ReturnStmt) error {
	if !a.inRoutine {
		return a.errf(s.Line, "RETURN outside a procedure or function")
	}
	if a.currentFunc != nil {
		if s.Expr == nil {
			return a.errf(s.Line, "RETURN in function '%s' requires a value", a.currentFunc.Name)
		}
		// The payload type is inferred but not checked against the
		// declared RETURNS type.
		_, err := a.inferExpr(s.Expr, s.Line)
		return err
	}
	if s.Expr != nil {
		return a.errf(s.Line, "RETURN in a procedure cannot carry a value")
	}
	return nil
}

func (a *Analyzer) checkFileName(file Expr, line int) error {
	t, err := a.inferExpr(file, line)
	if err != nil {
		return err
	}
	if !isStringy(t) {
		return a.errf(line, "file name must be STRING, got %s", t)
	}
	return nil
}

func (a *Analyzer) checkReadFile(s *ReadFileStmt) error {
	if err := a.checkFileName(s.File, s.Line); err != nil {
		return err
	}
	sym, ok := a.syms.Lookup(s.Target)
	if !ok {
		return a.errf(s.Line, "Variable '%s' not declared", s.Target)
	}
	if sym.IsConstant {
		return a.errf(s.Line, "cannot READFILE into constant '%s'", s.Target)
	}
	if !isStringy(sym.Type) || sym.IsArray {
		return a.errf(s.Line, "READFILE target '%s' must be STRING", s.Target)
	}
	// READFILE counts as an assignment.
	sym.Assigned = true
	return nil
}

//  Expression typing

func (a *Analyzer) inferExpr(e Expr, line int) (string, error) {
	switch n := e.(type) {
	case *IntegerLit:
		return "INTEGER", nil
	case *RealLit:
		return "REAL", nil
	case *StringLit:
		// A one-character literal is a CHAR; it widens to STRING on
		// assignment.
		if len([]rune(n.Value)) == 1 {
			return "CHAR", nil
		}
		return "STRING", nil
	case *BooleanLit:
		return "BOOLEAN", nil
	case *Ident:
		sym, ok := a.syms.Lookup(n.Name)
		if !ok {
			return "", a.errf(line, "Variable '%s' not declared", n.Name)
		}
		if !sym.Assigned {
			return "", a.errf(line, "Variable '%s' used before assignment", n.Name)
		}
		return sym.Type, nil
	case *IndexExpr:
		sym, ok := a.syms.Lookup(n.Name)
		if !ok {
			return "", a.errf(line, "Variable '%s' not declared", n.Name)
		}
		if !sym.IsArray {
			return "", a.errf(line, "variable '%s' is not an array", n.Name)
		}
		if len(n.Indices) != len(sym.Dims) {
			return "", a.errf(line, "array '%s' expects %d indices, got %d", n.Name, len(sym.Dims), len(n.Indices))
		}
		for _, idx := range n.Indices {
			it, err := a.inferExpr(idx, line)
			if err != nil {
				return "", err
			}
			if it != "INTEGER" {
				return "", a.errf(line, "array index for '%s' must be INTEGER, got %s", n.Name, it)
			}
		}
		if !sym.Assigned {
			return "", a.errf(line, "Variable '%s' used before assignment", n.Name)
		}
		return sym.Type, nil
	case *FieldExpr:
		sym, ok := a.syms.Lookup(n.Name)
		if !ok {
			return "", a.errf(line, "Variable '%s' not declared", n.Name)
		}
		fields, ok := a.types[sym.Type]
		if !ok {
			return "", a.errf(line, "variable '%s' has no fields (type %s)", n.Name, sym.Type)
		}
		ft, ok := fields[n.Field]
		if !ok {
			return "", a.errf(line, "type %s has no field '%s'", sym.Type, n.Field)
		}
		if !sym.Assigned {
			return "", a.errf(line, "Variable '%s' used before assignment", n.Name)
		}
		return ft, nil
	case *UnaryExpr:
		t, err := a.inferExpr(n.Right, line)
		if err != nil {
			return "", err
		}
		switch n.Op {
		case MINUS:
			if !isNumeric(t) {
				return "", a.errf(line, "unary - requires a numeric operand, got %s", t)
			}
			return t, nil
		case NOT:
			if t != "BOOLEAN" {
				return "", a.errf(line, "NOT requires a BOOLEAN operand, got %s", t)
			}
			return "BOOLEAN", nil
		}
		return "", a.errf(line, "unknown unary operator %s", n.Op)
	case *BinaryExpr:
		return a.inferBinary(n, line)
	case *CallExpr:
		return a.inferCall(n, line)
	default:
		return "", a.errf(line, "unhandled expression %T", e)
	}
}

func (a *Analyzer) inferBinary(n *BinaryExpr, line int) (string, error) {
	lt, err := a.inferExpr(n.Left, line)
	if err != nil {
		return "", err
	}
	rt, err := a.inferExpr(n.Right, line)
	if err != nil {
		return "", err
	}

	switch n.Op {
	case PLUS, MINUS, STAR, SLASH, CARET, DIV, MOD:
		if !isNumeric(lt) || !isNumeric(rt) {
			return "", a.errf(line, "operator %s requires numeric operands, got %s and %s", opLexeme(n.Op), lt, rt)
		}
		switch n.Op {
		case SLASH:
			return "REAL", nil
		case DIV, MOD:
			return "INTEGER", nil
		}
		if lt == "REAL" || rt == "REAL" {
			return "REAL", nil
		}
		return "INTEGER", nil
	case AMP:
		if !isStringy(lt) && !isStringy(rt) {
			return "", a.errf(line, "operator & requires a STRING operand, got %s and %s", lt, rt)
		}
		return "STRING", nil
	case EQUALS, NOT_EQ, LESS, GREATER, LESS_EQ, GREATER_EQ:
		ok := (isNumeric(lt) && isNumeric(rt)) ||
			(isStringy(lt) && isStringy(rt)) ||
			(lt == "BOOLEAN" && rt == "BOOLEAN")
		if !ok {
			return "", a.errf(line, "cannot compare %s with %s", lt, rt)
		}
		return "BOOLEAN", nil
	case AND, OR:
		if lt != "BOOLEAN" || rt != "BOOLEAN" {
			return "", a.errf(line, "%s requires BOOLEAN operands, got %s and %s", opLexeme(n.Op), lt, rt)
		}
		return "BOOLEAN", nil
	}
	return "", a.errf(line, "unknown binary operator %s", n.Op)
}

func (a *Analyzer) inferCall(n *CallExpr, line int) (string, error) {
	if sig, ok := lookupBuiltin(n.Name); ok {
		if len(n.Args) != len(sig.Params) {
			return "", a.errf(line, "'%s' expects %d arguments, got %d", n.Name, len(sig.Params), len(n.Args))
		}
		for i, arg := range n.Args {
			t, err := a.inferExpr(arg, line)
			if err != nil {
				return "", err
			}
			switch sig.Params[i] {
			case "NUM":
				if !isNumeric(t) {
					return "", a.errf(line, "argument %d of '%s' must be numeric, got %s", i+1, n.Name, t)
				}
			case "STR":
				if !isStringy(t) {
					return "", a.errf(line, "argument %d of '%s' must be STRING, got %s", i+1, n.Name, t)
				}
			}
		}
		return sig.Result, nil
	}
	if fn, ok := a.funcs[n.Name]; ok {
		if err := a.checkArgs(n.Name, fn.Params, n.Args, line); err != nil {
			return "", err
		}
		return fn.Returns, nil
	}
	if _, ok := a.procs[n.Name]; ok {
		return "", a.errf(line, "procedure '%s' cannot be used in an expression", n.Name)
	}
	return "", a.errf(line, "unknown function '%s'", n.Name)
}

// opLexeme maps an operator TokenType to its source spelling for
// diagnostics.
func opLexeme(tt TokenType) string {
	switch tt {
	case PLUS:
		return "+"
	case MINUS:
		return "-"
	case STAR:
		return "*"
	case SLASH:
		return "/"
	case CARET:
		return "^"
	case DIV:
		return "DIV"
	case MOD:
		return "MOD"
	case AMP:
		return "&"
	case AND:
		return "AND"
	case OR:
		return "OR"
	case EQUALS:
		return "="
	case NOT_EQ:
		return "<>"
	case LESS:
		return "<"
	case GREATER:
		return ">"
	case LESS_EQ:
		return "<="
	case GREATER_EQ:
		return ">="
	}
	return tt.String()
}

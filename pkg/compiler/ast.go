package compiler

import (
	"fmt"
	"strings"
)

//  Expression nodes

// Expr is implemented by every node that produces a value.
type Expr interface {
	exprNode()
	String() string
}

// IntegerLit is an INTEGER constant.
type IntegerLit struct {
	Value int
}

func (*IntegerLit) exprNode()        {}
func (l *IntegerLit) String() string { return fmt.Sprintf("%d", l.Value) }

// RealLit is a REAL constant.
type RealLit struct {
	Value float64
}

func (*RealLit) exprNode()        {}
func (l *RealLit) String() string { return formatNumber(l.Value) }

// StringLit is a string constant "..." or '...'.
type StringLit struct {
	Value string
}

func (*StringLit) exprNode()        {}
func (l *StringLit) String() string { return fmt.Sprintf("%q", l.Value) }

// BooleanLit is TRUE or FALSE, promoted from an identifier in primary
// position.
type BooleanLit struct {
	Value bool
}

func (*BooleanLit) exprNode() {}
func (l *BooleanLit) String() string {
	if l.Value {
		return "TRUE"
	}
	return "FALSE"
}

// Ident is a read of a named variable or constant.
type Ident struct {
	Name string
}

func (*Ident) exprNode()        {}
func (v *Ident) String() string { return v.Name }

// IndexExpr is a read of one array element: Name[i] or Name[i,j].
type IndexExpr struct {
	Name    string
	Indices []Expr // length 1 or 2
}

func (*IndexExpr) exprNode() {}
func (e *IndexExpr) String() string {
	parts := make([]string, len(e.Indices))
	for i, idx := range e.Indices {
		parts[i] = idx.String()
	}
	return fmt.Sprintf("%s[%s]", e.Name, strings.Join(parts, ","))
}

// FieldExpr is a read of one record field: Name.Field.
type FieldExpr struct {
	Name  string
	Field string
}

func (*FieldExpr) exprNode()        {}
func (e *FieldExpr) String() string { return e.Name + "." + e.Field }

// BinaryExpr represents Left Op Right.
type BinaryExpr struct {
	Op    TokenType
	Left  Expr
	Right Expr
}

func (*BinaryExpr) exprNode() {}
func (b *BinaryExpr) String() string {
	return fmt.Sprintf("(%s %s %s)", b.Left, b.Op, b.Right)
}

// UnaryExpr represents Op Right, where Op is MINUS or NOT.
type UnaryExpr struct {
	Op    TokenType
	Right Expr
}

func (*UnaryExpr) exprNode()        {}
func (u *UnaryExpr) String() string { return fmt.Sprintf("(%s %s)", u.Op, u.Right) }

// CallExpr represents Name(args) in expression position: a user
// function or a built-in.
type CallExpr struct {
	Name string
	Args []Expr
}

func (*CallExpr) exprNode() {}
func (c *CallExpr) String() string {
	return fmt.Sprintf("Call(%s, args=%v)", c.Name, c.Args)
}

//  Statement nodes

// Stmt is implemented by every node that does not produce a value.
type Stmt interface {
	stmtNode()
	String() string
}

// Program is the root node: the ordered top-level statement list.
type Program struct {
	Stmts []Stmt
}

func (p *Program) String() string { return fmt.Sprintf("Program(len=%d)", len(p.Stmts)) }

// Dimension is one declared array bound pair [Start:End].
type Dimension struct {
	Start int
	End   int
}

// DeclareStmt represents DECLARE Name : DataType, optionally with one
// or two array dimensions.
type DeclareStmt struct {
	Name     string
	DataType string // builtin type name or user record type
	Dims     []Dimension
	Line     int
}

func (*DeclareStmt) stmtNode() {}
func (d *DeclareStmt) String() string {
	if len(d.Dims) > 0 {
		return fmt.Sprintf("Declare(%s : ARRAY%v OF %s)", d.Name, d.Dims, d.DataType)
	}
	return fmt.Sprintf("Declare(%s : %s)", d.Name, d.DataType)
}

// ConstantStmt represents CONSTANT Name = literal.
type ConstantStmt struct {
	Name  string
	Value Expr // literal, possibly negated
	Line  int
}

func (*ConstantStmt) stmtNode()        {}
func (c *ConstantStmt) String() string { return fmt.Sprintf("Constant(%s = %s)", c.Name, c.Value) }

// FieldDecl is one DECLARE line inside a TYPE block.
type FieldDecl struct {
	Name     string
	DataType string
}

// TypeDefStmt represents TYPE Name ... ENDTYPE.
type TypeDefStmt struct {
	Name   string
	Fields []FieldDecl
	Line   int
}

func (*TypeDefStmt) stmtNode() {}
func (t *TypeDefStmt) String() string {
	return fmt.Sprintf("TypeDef(%s, fields=%d)", t.Name, len(t.Fields))
}

// AssignStmt represents Target <- Expr. The target is a plain name, an
// indexed element, or a record field; Indices and Field are mutually
// exclusive.
type AssignStmt struct {
	Name    string
	Indices []Expr
	Field   string
	Expr    Expr
	Line    int
}

func (*AssignStmt) stmtNode() {}
func (a *AssignStmt) String() string {
	target := a.Name
	if len(a.Indices) > 0 {
		parts := make([]string, len(a.Indices))
		for i, idx := range a.Indices {
			parts[i] = idx.String()
		}
		target += "[" + strings.Join(parts, ",") + "]"
	} else if a.Field != "" {
		target += "." + a.Field
	}
	return fmt.Sprintf("Assign(%s <- %s)", target, a.Expr)
}

// OutputStmt represents OUTPUT expr, expr, ...
type OutputStmt struct {
	Exprs []Expr
	Line  int
}

func (*OutputStmt) stmtNode()        {}
func (o *OutputStmt) String() string { return fmt.Sprintf("Output(%v)", o.Exprs) }

// InputStmt represents INPUT target.
type InputStmt struct {
	Name    string
	Indices []Expr
	Field   string
	Line    int
}

func (*InputStmt) stmtNode()        {}
func (i *InputStmt) String() string { return fmt.Sprintf("Input(%s)", i.Name) }

// IfStmt represents IF cond THEN ... [ELSE ...] ENDIF.
type IfStmt struct {
	Cond Expr
	Then []Stmt
	Else []Stmt // nil when no ELSE branch
	Line int
}

func (*IfStmt) stmtNode() {}
func (i *IfStmt) String() string {
	return fmt.Sprintf("If(%s, then=%d, else=%d)", i.Cond, len(i.Then), len(i.Else))
}

// WhileStmt represents WHILE cond DO ... ENDWHILE.
type WhileStmt struct {
	Cond Expr
	Body []Stmt
	Line int
}

func (*WhileStmt) stmtNode()        {}
func (w *WhileStmt) String() string { return fmt.Sprintf("While(%s, body=%d)", w.Cond, len(w.Body)) }

// ForStmt represents FOR Var <- Start TO End [STEP Step] ... NEXT [Var].
// Step is nil when absent (implicit step of 1).
type ForStmt struct {
	Var   string
	Start Expr
	End   Expr
	Step  Expr
	Body  []Stmt
	Line  int
}

func (*ForStmt) stmtNode() {}
func (f *ForStmt) String() string {
	if f.Step != nil {
		return fmt.Sprintf("For(%s <- %s TO %s STEP %s)", f.Var, f.Start, f.End, f.Step)
	}
	return fmt.Sprintf("For(%s <- %s TO %s)", f.Var, f.Start, f.End)
}

// RepeatStmt represents REPEAT ... UNTIL cond.
type RepeatStmt struct {
	Body []Stmt
	Cond Expr
	Line int
}

func (*RepeatStmt) stmtNode() {}
func (r *RepeatStmt) String() string {
	return fmt.Sprintf("Repeat(body=%d, until=%s)", len(r.Body), r.Cond)
}

// CaseBranch is one value list and body inside CASE OF.
type CaseBranch struct {
	Values []Expr // one or more comma-separated match values
	Body   []Stmt
}

// CaseStmt represents CASE OF expr ... [OTHERWISE ...] ENDCASE.
type CaseStmt struct {
	Expr      Expr
	Branches  []CaseBranch
	Otherwise []Stmt // nil when absent
	Line      int
}

func (*CaseStmt) stmtNode() {}
func (c *CaseStmt) String() string {
	return fmt.Sprintf("Case(%s, branches=%d, otherwise=%d)", c.Expr, len(c.Branches), len(c.Otherwise))
}

// ParamMode is the call mode of one routine parameter.
type ParamMode int

const (
	ByVal ParamMode = iota // copy in
	ByRef                  // write-back at routine exit
)

func (m ParamMode) String() string {
	if m == ByRef {
		return "BYREF"
	}
	return "BYVAL"
}

// Param is one declared routine parameter.
type Param struct {
	Name     string
	DataType string
	Mode     ParamMode
}

// ProcDecl represents PROCEDURE Name(params) ... ENDPROCEDURE.
type ProcDecl struct {
	Name   string
	Params []Param
	Body   []Stmt
	Line   int
}

func (*ProcDecl) stmtNode() {}
func (p *ProcDecl) String() string {
	return fmt.Sprintf("Procedure(%s, params=%d, body=%d)", p.Name, len(p.Params), len(p.Body))
}

// FuncDecl represents FUNCTION Name(params) RETURNS Type ... ENDFUNCTION.
type FuncDecl struct {
	Name    string
	Params  []Param
	Returns string
	Body    []Stmt
	Line    int
}

func (*FuncDecl) stmtNode() {}
func (f *FuncDecl) String() string {
	return fmt.Sprintf("Function(%s, params=%d) RETURNS %s", f.Name, len(f.Params), f.Returns)
}

// CallStmt represents CALL Name(args).
type CallStmt struct {
	Name string
	Args []Expr
	Line int
}

func (*CallStmt) stmtNode()        {}
func (c *CallStmt) String() string { return fmt.Sprintf("CallStmt(%s, args=%d)", c.Name, len(c.Args)) }

// ReturnStmt represents RETURN [expr]. Expr is nil in procedures.
type ReturnStmt struct {
	Expr Expr
	Line int
}

func (*ReturnStmt) stmtNode() {}
func (r *ReturnStmt) String() string {
	if r.Expr != nil {
		return fmt.Sprintf("Return(%s)", r.Expr)
	}
	return "Return"
}

// OpenFileStmt represents OPENFILE file FOR READ|WRITE|APPEND.
type OpenFileStmt struct {
	File Expr
	Mode string // "READ", "WRITE" or "APPEND"
	Line int
}

func (*OpenFileStmt) stmtNode()        {}
func (o *OpenFileStmt) String() string { return fmt.Sprintf("OpenFile(%s FOR %s)", o.File, o.Mode) }

// ReadFileStmt represents READFILE file, var.
type ReadFileStmt struct {
	File   Expr
	Target string
	Line   int
}

func (*ReadFileStmt) stmtNode()        {}
func (r *ReadFileStmt) String() string { return fmt.Sprintf("ReadFile(%s, %s)", r.File, r.Target) }

// WriteFileStmt represents WRITEFILE file, expr.
type WriteFileStmt struct {
	File Expr
	Data Expr
	Line int
}

func (*WriteFileStmt) stmtNode()        {}
func (w *WriteFileStmt) String() string { return fmt.Sprintf("WriteFile(%s, %s)", w.File, w.Data) }

// CloseFileStmt represents CLOSEFILE file.
type CloseFileStmt struct {
	File Expr
	Line int
}

func (*CloseFileStmt) stmtNode()        {}
func (c *CloseFileStmt) String() string { return fmt.Sprintf("CloseFile(%s)", c.File) }

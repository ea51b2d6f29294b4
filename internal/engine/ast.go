package engine

// ast.go defines the parse tree the lexer/parser produce. The Analyzer
// (analyzer.go) is the only consumer; nothing downstream of it ever sees
// an AST node again.

// ColDef is one CREATE TABLE column declaration.
type ColDef struct {
	Name string
	Type string // "INT", "FLOAT", "CHAR", "DATETIME"
	Len  int    // CHAR(n) declared length; ignored otherwise
}

// CreateTableStmt is CREATE TABLE tab (col type, ...).
type CreateTableStmt struct {
	Table string
	Cols  []ColDef
}

// DropTableStmt is DROP TABLE tab.
type DropTableStmt struct {
	Table string
}

// CreateIndexStmt is CREATE INDEX tab (col, ...).
type CreateIndexStmt struct {
	Table string
	Cols  []string
}

// DropIndexStmt is DROP INDEX tab (col, ...).
type DropIndexStmt struct {
	Table string
	Cols  []string
}

// ShowTablesStmt is SHOW TABLES.
type ShowTablesStmt struct{}

// ShowIndexStmt is SHOW INDEX tab.
type ShowIndexStmt struct {
	Table string
}

// DescTableStmt is DESC tab.
type DescTableStmt struct {
	Table string
}

// LiteralExpr is a parsed literal: a number (int or float, disambiguated
// later by the Analyzer against the target column's type), a quoted
// string, or a bare identifier used as a column reference.
type LiteralExpr struct {
	IsString bool
	IsIdent  bool
	Raw      string
}

// InsertStmt is INSERT INTO tab VALUES (v1, v2, ...).
type InsertStmt struct {
	Table  string
	Values []LiteralExpr
}

// LoadStmt is LOAD 'path' INTO tab.
type LoadStmt struct {
	Path  string
	Table string
}

// CondExpr is one WHERE/HAVING conjunct: col OP value, or col OP col.
// In a HAVING clause the left side may instead be an aggregate call
// (IsAgg), e.g. HAVING SUM(sal) > 100.
type CondExpr struct {
	Col   string
	Op    string // "=", "<>", "<", ">", "<=", ">="
	Value LiteralExpr

	IsAgg   bool
	AggFunc string
	AggCol  string
	AggStar bool
}

// AggCallExpr is an aggregate call in a SELECT list or HAVING clause,
// e.g. SUM(sal), COUNT(*).
type AggCallExpr struct {
	Func  string // SUM, COUNT, MAX, MIN
	Col   string // "" for COUNT(*)
	Star  bool
	Alias string
}

// OrderExpr is one ORDER BY column with its direction.
type OrderExpr struct {
	Col  string
	Desc bool
}

// SelectStmt is the full SELECT grammar this engine accepts.
type SelectStmt struct {
	Cols      []string      // plain column references; empty means *
	Star      bool
	Aggs      []AggCallExpr
	Tables    []string
	Where     []CondExpr
	GroupBy   []string
	Having    []CondExpr
	OrderBy   []OrderExpr
	Limit     int // -1 means unbounded
}

// SetExpr is one UPDATE SET clause: col = value, or col = col + value.
type SetExpr struct {
	Col     string
	Value   LiteralExpr
	IsArith bool
	RHSCol  string
}

// UpdateStmt is UPDATE tab SET col=expr[,...] [WHERE ...].
type UpdateStmt struct {
	Table string
	Sets  []SetExpr
	Where []CondExpr
}

// DeleteStmt is DELETE FROM tab [WHERE ...].
type DeleteStmt struct {
	Table string
	Where []CondExpr
}

// TxnStmt is BEGIN/COMMIT/ABORT/ROLLBACK.
type TxnStmt struct {
	Kind string
}

// HelpStmt is HELP.
type HelpStmt struct{}

// SetOutputStmt is SET OUTPUT_FILE OFF, accepted as a no-op for client
// compatibility.
type SetOutputStmt struct{}

// Stmt is the sum type every parsed statement satisfies; the Analyzer
// type-switches over it.
type Stmt interface {
	isStmt()
}

func (*CreateTableStmt) isStmt() {}
func (*DropTableStmt) isStmt()   {}
func (*CreateIndexStmt) isStmt() {}
func (*DropIndexStmt) isStmt()   {}
func (*ShowTablesStmt) isStmt()  {}
func (*ShowIndexStmt) isStmt()   {}
func (*DescTableStmt) isStmt()   {}
func (*InsertStmt) isStmt()      {}
func (*LoadStmt) isStmt()        {}
func (*SelectStmt) isStmt()      {}
func (*UpdateStmt) isStmt()      {}
func (*DeleteStmt) isStmt()      {}
func (*TxnStmt) isStmt()         {}
func (*HelpStmt) isStmt()        {}
func (*SetOutputStmt) isStmt()   {}

package engine

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/cases"

	"github.com/relicaldb/relicaldb/internal/catalog"
	"github.com/relicaldb/relicaldb/internal/coltype"
	"github.com/relicaldb/relicaldb/internal/dberrors"
)

// The analyzer binds a parsed statement to the live catalog: it resolves
// table and column names, checks arity and type compatibility, and
// lowers literals into typed Values. Its output is one of the *Query
// types below; nothing past this point ever looks at an AST node again.

// identFold normalizes column identifiers before they are looked up
// against a table's schema, so `WHERE Name = ...` resolves the same
// column as one declared `name`. Table names are matched exactly
// against the catalog, which keys tables by their declared spelling.
var identFold = cases.Fold()

func foldIdent(s string) string { return identFold.String(s) }

// SelectQuery is a fully resolved SELECT, ready for the planner.
type SelectQuery struct {
	Tables    []string
	Where     []Predicate
	GroupBy   []string
	Aggs      []AggSpec
	Having    []Predicate
	PlainCols []string
	Star      bool
	OrderBy   []OrderKey
	Limit     int

	tableOf map[string]string
}

// InsertQuery is a fully resolved INSERT.
type InsertQuery struct {
	Table  string
	Values []Value
}

// UpdateQuery is a fully resolved UPDATE.
type UpdateQuery struct {
	Table string
	Sets  []SetClause
	Where []Predicate
}

// DeleteQuery is a fully resolved DELETE.
type DeleteQuery struct {
	Table string
	Where []Predicate
}

// LoadQuery is a fully resolved LOAD.
type LoadQuery struct {
	Table string
	Path  string
}

// CreateTableQuery is a fully resolved CREATE TABLE.
type CreateTableQuery struct {
	Table string
	Cols  []catalog.ColMeta
}

// DropTableQuery is a fully resolved DROP TABLE.
type DropTableQuery struct {
	Table string
}

// CreateIndexQuery is a fully resolved CREATE INDEX.
type CreateIndexQuery struct {
	Table string
	Cols  []string
}

// DropIndexQuery is a fully resolved DROP INDEX.
type DropIndexQuery struct {
	Table string
	Cols  []string
}

// ShowTablesQuery, ShowIndexQuery, DescTableQuery are the resolved forms
// of the catalog-introspection utility statements.
type ShowTablesQuery struct{}
type ShowIndexQuery struct{ Table string }
type DescTableQuery struct{ Table string }

// Analyze binds stmt to cat and returns the resolved IR node. Statements
// that need no catalog resolution (BEGIN/COMMIT/ABORT/ROLLBACK, HELP, SET
// OUTPUT_FILE OFF) pass through as the original AST node.
func Analyze(cat *catalog.Catalog, stmt Stmt) (any, error) {
	switch s := stmt.(type) {
	case *CreateTableStmt:
		return analyzeCreateTable(s)
	case *DropTableStmt:
		return &DropTableQuery{Table: s.Table}, nil
	case *CreateIndexStmt:
		return analyzeCreateIndex(cat, s)
	case *DropIndexStmt:
		return analyzeDropIndex(cat, s)
	case *ShowTablesStmt:
		return &ShowTablesQuery{}, nil
	case *ShowIndexStmt:
		return &ShowIndexQuery{Table: s.Table}, nil
	case *DescTableStmt:
		return &DescTableQuery{Table: s.Table}, nil
	case *InsertStmt:
		return analyzeInsert(cat, s)
	case *LoadStmt:
		if _, err := cat.GetTable(s.Table); err != nil {
			return nil, err
		}
		return &LoadQuery{Table: s.Table, Path: s.Path}, nil
	case *DeleteStmt:
		return analyzeDelete(cat, s)
	case *UpdateStmt:
		return analyzeUpdate(cat, s)
	case *SelectStmt:
		return analyzeSelect(cat, s)
	case *TxnStmt, *HelpStmt, *SetOutputStmt:
		return s, nil
	}
	return nil, fmt.Errorf("%w: unrecognized statement", dberrors.ErrInternal)
}

func colType(name string) (coltype.Type, int32, error) {
	switch name {
	case "INT":
		return coltype.Int, int32(coltype.FixedLen(coltype.Int)), nil
	case "FLOAT":
		return coltype.Float, int32(coltype.FixedLen(coltype.Float)), nil
	case "DATETIME":
		return coltype.DateTime, int32(coltype.FixedLen(coltype.DateTime)), nil
	case "CHAR":
		return coltype.String, 0, nil
	}
	return 0, 0, fmt.Errorf("%w: unknown column type %s", dberrors.ErrInvalidType, name)
}

func analyzeCreateTable(s *CreateTableStmt) (*CreateTableQuery, error) {
	cols := make([]catalog.ColMeta, 0, len(s.Cols))
	offset := int32(0)
	seen := make(map[string]bool, len(s.Cols))
	for _, c := range s.Cols {
		if seen[c.Name] {
			return nil, fmt.Errorf("%w: duplicate column %s", dberrors.ErrInvalidColLength, c.Name)
		}
		seen[c.Name] = true
		t, fixedLen, err := colType(c.Type)
		if err != nil {
			return nil, err
		}
		length := fixedLen
		if t == coltype.String {
			if c.Len <= 0 {
				return nil, fmt.Errorf("%w: CHAR column %s needs a positive length", dberrors.ErrInvalidColLength, c.Name)
			}
			length = int32(c.Len)
		}
		cols = append(cols, catalog.ColMeta{TabName: s.Table, Name: c.Name, Type: t, Len: length, Offset: offset})
		offset += length
	}
	return &CreateTableQuery{Table: s.Table, Cols: cols}, nil
}

func analyzeCreateIndex(cat *catalog.Catalog, s *CreateIndexStmt) (*CreateIndexQuery, error) {
	tab, err := cat.GetTable(s.Table)
	if err != nil {
		return nil, err
	}
	cols := make([]string, 0, len(s.Cols))
	for _, c := range s.Cols {
		col, ok := lookupCol(tab, c)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s", dberrors.ErrColumnNotFound, s.Table, c)
		}
		cols = append(cols, col.Name)
	}
	return &CreateIndexQuery{Table: s.Table, Cols: cols}, nil
}

func analyzeDropIndex(cat *catalog.Catalog, s *DropIndexStmt) (*DropIndexQuery, error) {
	if _, err := cat.GetTable(s.Table); err != nil {
		return nil, err
	}
	return &DropIndexQuery{Table: s.Table, Cols: s.Cols}, nil
}

func analyzeInsert(cat *catalog.Catalog, s *InsertStmt) (*InsertQuery, error) {
	tab, err := cat.GetTable(s.Table)
	if err != nil {
		return nil, err
	}
	if len(s.Values) != len(tab.Cols) {
		return nil, fmt.Errorf("%w: %s expects %d values, got %d", dberrors.ErrIncompatibleType, s.Table, len(tab.Cols), len(s.Values))
	}
	vals := make([]Value, len(s.Values))
	for i, lit := range s.Values {
		v, err := literalToValue(lit, tab.Cols[i])
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	return &InsertQuery{Table: s.Table, Values: vals}, nil
}

func analyzeDelete(cat *catalog.Catalog, s *DeleteStmt) (*DeleteQuery, error) {
	tab, err := cat.GetTable(s.Table)
	if err != nil {
		return nil, err
	}
	preds, err := resolveConds(singleTableLookup(tab), nil, s.Where)
	if err != nil {
		return nil, err
	}
	return &DeleteQuery{Table: s.Table, Where: preds}, nil
}

func analyzeUpdate(cat *catalog.Catalog, s *UpdateStmt) (*UpdateQuery, error) {
	tab, err := cat.GetTable(s.Table)
	if err != nil {
		return nil, err
	}
	lookup := singleTableLookup(tab)
	sets := make([]SetClause, 0, len(s.Sets))
	for _, se := range s.Sets {
		col, ok := lookupCol(tab, se.Col)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s", dberrors.ErrColumnNotFound, s.Table, se.Col)
		}
		sc := SetClause{Col: col.Name}
		if se.IsArith {
			if _, ok := lookupCol(tab, se.RHSCol); !ok {
				return nil, fmt.Errorf("%w: %s.%s", dberrors.ErrColumnNotFound, s.Table, se.RHSCol)
			}
			v, err := literalToValue(se.Value, *col)
			if err != nil {
				return nil, err
			}
			sc.IsArith = true
			sc.ArithOp = '+'
			sc.Value = v
		} else {
			v, err := literalToValue(se.Value, *col)
			if err != nil {
				return nil, err
			}
			sc.Value = v
		}
		sets = append(sets, sc)
	}
	preds, err := resolveConds(lookup, nil, s.Where)
	if err != nil {
		return nil, err
	}
	return &UpdateQuery{Table: s.Table, Sets: sets, Where: preds}, nil
}

func analyzeSelect(cat *catalog.Catalog, s *SelectStmt) (*SelectQuery, error) {
	if len(s.Tables) == 0 {
		return nil, fmt.Errorf("%w: SELECT requires a FROM clause", dberrors.ErrInternal)
	}
	lookup := make(map[string]catalog.ColMeta)
	tableOf := make(map[string]string)
	ambiguous := make(map[string]bool)
	for _, tn := range s.Tables {
		tab, err := cat.GetTable(tn)
		if err != nil {
			return nil, err
		}
		for _, c := range tab.Cols {
			key := foldIdent(c.Name)
			if _, dup := lookup[key]; dup {
				delete(lookup, key)
				ambiguous[key] = true
				tableOf[c.Name] = ""
				continue
			}
			lookup[key] = c
			tableOf[c.Name] = tn
		}
	}
	resolve := func(name string) (catalog.ColMeta, error) {
		key := foldIdent(name)
		if ambiguous[key] {
			return catalog.ColMeta{}, fmt.Errorf("%w: %s", dberrors.ErrAmbiguousColumn, name)
		}
		c, ok := lookup[key]
		if !ok {
			return catalog.ColMeta{}, fmt.Errorf("%w: %s", dberrors.ErrColumnNotFound, name)
		}
		return c, nil
	}

	where, err := resolveConds(lookup, ambiguous, s.Where)
	if err != nil {
		return nil, err
	}

	var aggs []AggSpec
	for _, a := range s.Aggs {
		spec := AggSpec{Alias: a.Alias}
		fn, err := aggFuncFromName(a.Func, a.Star)
		if err != nil {
			return nil, err
		}
		spec.Func = fn
		if !a.Star {
			c, err := resolve(a.Col)
			if err != nil {
				return nil, err
			}
			spec.Col = c.Name
		}
		aggs = append(aggs, spec)
	}

	groupBy := make([]string, 0, len(s.GroupBy))
	for _, g := range s.GroupBy {
		c, err := resolve(g)
		if err != nil {
			return nil, err
		}
		groupBy = append(groupBy, c.Name)
	}

	if len(aggs) > 0 || len(groupBy) > 0 {
		groupSet := make(map[string]bool, len(groupBy))
		for _, g := range groupBy {
			groupSet[g] = true
		}
		for _, c := range s.Cols {
			col, err := resolve(c)
			if err != nil || !groupSet[col.Name] {
				return nil, fmt.Errorf("%w: %s must appear in GROUP BY or be aggregated", dberrors.ErrIncompatibleType, c)
			}
		}
	}

	having, err := resolveHavingConds(s.Having, aggs)
	if err != nil {
		return nil, err
	}

	var orderBy []OrderKey
	for _, o := range s.OrderBy {
		orderBy = append(orderBy, OrderKey{Col: o.Col, Desc: o.Desc})
	}

	plainCols := make([]string, 0, len(s.Cols))
	for _, c := range s.Cols {
		col, err := resolve(c)
		if err != nil {
			return nil, err
		}
		plainCols = append(plainCols, col.Name)
	}

	return &SelectQuery{
		Tables:    s.Tables,
		Where:     where,
		GroupBy:   groupBy,
		Aggs:      aggs,
		Having:    having,
		PlainCols: plainCols,
		Star:      s.Star,
		OrderBy:   orderBy,
		Limit:     s.Limit,
		tableOf:   tableOf,
	}, nil
}

func singleTableLookup(tab *catalog.TabMeta) map[string]catalog.ColMeta {
	m := make(map[string]catalog.ColMeta, len(tab.Cols))
	for _, c := range tab.Cols {
		m[foldIdent(c.Name)] = c
	}
	return m
}

// lookupCol resolves name against tab's columns case-insensitively,
// returning the column as the catalog actually declared it.
func lookupCol(tab *catalog.TabMeta, name string) (*catalog.ColMeta, bool) {
	folded := foldIdent(name)
	for i := range tab.Cols {
		if foldIdent(tab.Cols[i].Name) == folded {
			return &tab.Cols[i], true
		}
	}
	return nil, false
}

func resolveConds(lookup map[string]catalog.ColMeta, ambiguous map[string]bool, conds []CondExpr) ([]Predicate, error) {
	preds := make([]Predicate, 0, len(conds))
	for _, c := range conds {
		p, err := resolveCond(lookup, ambiguous, c)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	return preds, nil
}

func lookupOrErr(lookup map[string]catalog.ColMeta, ambiguous map[string]bool, name string) (catalog.ColMeta, error) {
	key := foldIdent(name)
	if ambiguous[key] {
		return catalog.ColMeta{}, fmt.Errorf("%w: %s", dberrors.ErrAmbiguousColumn, name)
	}
	col, ok := lookup[key]
	if !ok {
		return catalog.ColMeta{}, fmt.Errorf("%w: %s", dberrors.ErrColumnNotFound, name)
	}
	return col, nil
}

func resolveCond(lookup map[string]catalog.ColMeta, ambiguous map[string]bool, c CondExpr) (Predicate, error) {
	col, err := lookupOrErr(lookup, ambiguous, c.Col)
	if err != nil {
		return Predicate{}, err
	}
	op, err := parseCompOp(c.Op)
	if err != nil {
		return Predicate{}, err
	}
	if c.Value.IsIdent {
		rhs, err := lookupOrErr(lookup, ambiguous, c.Value.Raw)
		if err != nil {
			return Predicate{}, err
		}
		return Predicate{Col: col.Name, Op: op, RHSCol: rhs.Name, HasRHSCol: true}, nil
	}
	v, err := literalToValue(c.Value, col)
	if err != nil {
		return Predicate{}, err
	}
	return Predicate{Col: col.Name, Op: op, Value: v}, nil
}

// resolveHavingConds resolves HAVING conjuncts against the post-
// aggregation row, whose schema (group columns plus aggregate aliases)
// only exists once the AggregateExecutor runs. An aggregate call on the
// left side must match an aggregate present in the SELECT list (except
// COUNT(*), which the aggregate executor always tracks) and resolves
// to that aggregate's output column. Literal comparisons are typed from
// the literal itself (permissive INT/FLOAT widening handles the rest at
// eval time), not from catalog metadata.
func resolveHavingConds(conds []CondExpr, aggs []AggSpec) ([]Predicate, error) {
	preds := make([]Predicate, 0, len(conds))
	for _, c := range conds {
		op, err := parseCompOp(c.Op)
		if err != nil {
			return nil, err
		}
		p := Predicate{Col: c.Col, Op: op}
		if c.IsAgg {
			name, err := havingAggColumn(c, aggs)
			if err != nil {
				return nil, err
			}
			p.Col = name
		}
		if c.Value.IsIdent {
			p.RHSCol = c.Value.Raw
			p.HasRHSCol = true
		} else {
			p.Value = literalToValueFree(c.Value)
		}
		preds = append(preds, p)
	}
	return preds, nil
}

func havingAggColumn(c CondExpr, aggs []AggSpec) (string, error) {
	fn, err := aggFuncFromName(c.AggFunc, c.AggStar)
	if err != nil {
		return "", err
	}
	for _, a := range aggs {
		if a.Func == fn && (c.AggStar || foldIdent(a.Col) == foldIdent(c.AggCol)) {
			return a.Alias, nil
		}
	}
	if fn == AggCountStar {
		return countStarCol, nil
	}
	return "", fmt.Errorf("%w: HAVING %s must reference an aggregate in the SELECT list or COUNT(*)", dberrors.ErrIncompatibleType, c.AggFunc)
}

func aggFuncFromName(name string, star bool) (AggFunc, error) {
	switch name {
	case "SUM":
		return AggSum, nil
	case "COUNT":
		if star {
			return AggCountStar, nil
		}
		return AggCount, nil
	case "MAX":
		return AggMax, nil
	case "MIN":
		return AggMin, nil
	}
	return 0, fmt.Errorf("%w: unknown aggregate %s", dberrors.ErrInvalidType, name)
}

func parseCompOp(op string) (CompOp, error) {
	switch op {
	case "=":
		return OpEq, nil
	case "<>":
		return OpNe, nil
	case "<":
		return OpLt, nil
	case ">":
		return OpGt, nil
	case "<=":
		return OpLe, nil
	case ">=":
		return OpGe, nil
	}
	return 0, fmt.Errorf("%w: unknown comparison operator %s", dberrors.ErrInvalidType, op)
}

// literalToValue converts a parsed literal into a Value under the target
// column's type, the same permissive INT/FLOAT widening Encode applies,
// plus DATETIME string parsing.
func literalToValue(lit LiteralExpr, col catalog.ColMeta) (Value, error) {
	switch col.Type {
	case coltype.Int:
		if lit.IsString {
			return Value{}, fmt.Errorf("%w: %s expects INT, got string", dberrors.ErrIncompatibleType, col.Name)
		}
		n, err := strconv.ParseFloat(lit.Raw, 64)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %q is not numeric", dberrors.ErrIncompatibleType, lit.Raw)
		}
		return IntValue(int32(n)), nil
	case coltype.Float:
		if lit.IsString {
			return Value{}, fmt.Errorf("%w: %s expects FLOAT, got string", dberrors.ErrIncompatibleType, col.Name)
		}
		f, err := strconv.ParseFloat(lit.Raw, 32)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %q is not numeric", dberrors.ErrIncompatibleType, lit.Raw)
		}
		return FloatValue(float32(f)), nil
	case coltype.String:
		if !lit.IsString {
			return Value{}, fmt.Errorf("%w: %s expects a quoted string", dberrors.ErrIncompatibleType, col.Name)
		}
		if len(lit.Raw) > int(col.Len) {
			return Value{}, fmt.Errorf("%w: %q exceeds column length %d", dberrors.ErrTypeOverflow, lit.Raw, col.Len)
		}
		return StringValue(lit.Raw), nil
	case coltype.DateTime:
		if !lit.IsString {
			return Value{}, fmt.Errorf("%w: %s expects a quoted DATETIME string", dberrors.ErrIncompatibleType, col.Name)
		}
		return parseDateTimeLiteral(lit.Raw)
	}
	return Value{}, fmt.Errorf("%w: unsupported column type for %s", dberrors.ErrInvalidType, col.Name)
}

// literalToValueFree infers a Value's type from the literal's own shape,
// used where no catalog column backs the comparison (HAVING literals).
func literalToValueFree(lit LiteralExpr) Value {
	if lit.IsString {
		return StringValue(lit.Raw)
	}
	if strings.Contains(lit.Raw, ".") {
		f, _ := strconv.ParseFloat(lit.Raw, 32)
		return FloatValue(float32(f))
	}
	n, _ := strconv.ParseInt(lit.Raw, 10, 32)
	return IntValue(int32(n))
}

func parseDateTimeLiteral(raw string) (Value, error) {
	var y, mo, d, h, mi, s int
	if _, err := fmt.Sscanf(strings.TrimSpace(raw), "%04d-%02d-%02d %02d:%02d:%02d", &y, &mo, &d, &h, &mi, &s); err != nil {
		return Value{}, fmt.Errorf("%w: %q is not a DATETIME", dberrors.ErrIncompatibleType, raw)
	}
	if !coltype.ValidDateTime(y, mo, d, h, mi, s) {
		return Value{}, fmt.Errorf("%w: %q is not a valid calendar DATETIME", dberrors.ErrIncompatibleType, raw)
	}
	buf := coltype.EncodeDateTime(y, mo, d, h, mi, s)
	return Value{Type: coltype.DateTime, DT: decodeU64(buf)}, nil
}

func decodeU64(buf []byte) uint64 {
	v := uint64(0)
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return v
}

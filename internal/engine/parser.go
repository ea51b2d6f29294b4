package engine

import (
	"fmt"
	"strconv"
)

// parser is a recursive-descent parser over the engine's statement
// surface. It is deliberately small: one statement per call to
// ParseStatement, one token of lookahead, conjunctive-only WHERE/HAVING
// clauses. It is a supporting harness for the Analyzer's contract, not a
// general SQL frontend.
type parser struct {
	lx   *lexer
	cur  token
	prev token
}

func newParser(sql string) *parser {
	p := &parser{lx: newLexer(sql)}
	p.advance()
	return p
}

func (p *parser) advance() {
	p.prev = p.cur
	p.cur = p.lx.nextToken()
}

func (p *parser) atKeyword(kw string) bool {
	return p.cur.Typ == tKeyword && p.cur.Val == kw
}

func (p *parser) atSymbol(sym string) bool {
	return p.cur.Typ == tSymbol && p.cur.Val == sym
}

func (p *parser) expectKeyword(kw string) error {
	if !p.atKeyword(kw) {
		return fmt.Errorf("parse: expected keyword %s, got %q at %d", kw, p.cur.Val, p.cur.Pos)
	}
	p.advance()
	return nil
}

func (p *parser) expectSymbol(sym string) error {
	if !p.atSymbol(sym) {
		return fmt.Errorf("parse: expected %q, got %q at %d", sym, p.cur.Val, p.cur.Pos)
	}
	p.advance()
	return nil
}

func (p *parser) expectIdent() (string, error) {
	if p.cur.Typ != tIdent {
		return "", fmt.Errorf("parse: expected identifier, got %q at %d", p.cur.Val, p.cur.Pos)
	}
	v := p.cur.Val
	p.advance()
	return v, nil
}

func (p *parser) skipSemi() {
	if p.atSymbol(";") {
		p.advance()
	}
}

// ParseStatement parses exactly one statement from sql.
func ParseStatement(sql string) (Stmt, error) {
	p := newParser(sql)
	if p.cur.Typ == tEOF {
		return nil, fmt.Errorf("parse: empty statement")
	}
	stmt, err := p.parseStmt()
	if err != nil {
		return nil, err
	}
	p.skipSemi()
	if p.cur.Typ != tEOF {
		return nil, fmt.Errorf("parse: unexpected trailing input %q at %d", p.cur.Val, p.cur.Pos)
	}
	return stmt, nil
}

func (p *parser) parseStmt() (Stmt, error) {
	switch {
	case p.atKeyword("CREATE"):
		return p.parseCreate()
	case p.atKeyword("DROP"):
		return p.parseDrop()
	case p.atKeyword("SHOW"):
		return p.parseShow()
	case p.atKeyword("DESC"):
		p.advance()
		tab, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		return &DescTableStmt{Table: tab}, nil
	case p.atKeyword("INSERT"):
		return p.parseInsert()
	case p.atKeyword("LOAD"):
		return p.parseLoad()
	case p.atKeyword("DELETE"):
		return p.parseDelete()
	case p.atKeyword("UPDATE"):
		return p.parseUpdate()
	case p.atKeyword("SELECT"):
		return p.parseSelect()
	case p.atKeyword("BEGIN"):
		p.advance()
		return &TxnStmt{Kind: "BEGIN"}, nil
	case p.atKeyword("COMMIT"):
		p.advance()
		return &TxnStmt{Kind: "COMMIT"}, nil
	case p.atKeyword("ABORT"):
		p.advance()
		return &TxnStmt{Kind: "ABORT"}, nil
	case p.atKeyword("ROLLBACK"):
		p.advance()
		return &TxnStmt{Kind: "ROLLBACK"}, nil
	case p.atKeyword("HELP"):
		p.advance()
		return &HelpStmt{}, nil
	case p.atKeyword("SET"):
		p.advance()
		if err := p.expectKeyword("OUTPUT_FILE"); err != nil {
			return nil, err
		}
		if err := p.expectKeyword("OFF"); err != nil {
			return nil, err
		}
		return &SetOutputStmt{}, nil
	}
	return nil, fmt.Errorf("parse: unrecognized statement starting at %q (%d)", p.cur.Val, p.cur.Pos)
}

func (p *parser) parseCreate() (Stmt, error) {
	p.advance() // CREATE
	switch {
	case p.atKeyword("TABLE"):
		p.advance()
		tab, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		if err := p.expectSymbol("("); err != nil {
			return nil, err
		}
		var cols []ColDef
		for {
			name, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			cd, err := p.parseColType(name)
			if err != nil {
				return nil, err
			}
			cols = append(cols, cd)
			if p.atSymbol(",") {
				p.advance()
				continue
			}
			break
		}
		if err := p.expectSymbol(")"); err != nil {
			return nil, err
		}
		return &CreateTableStmt{Table: tab, Cols: cols}, nil
	case p.atKeyword("INDEX"):
		p.advance()
		tab, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		cols, err := p.parseIdentList()
		if err != nil {
			return nil, err
		}
		return &CreateIndexStmt{Table: tab, Cols: cols}, nil
	}
	return nil, fmt.Errorf("parse: expected TABLE or INDEX after CREATE at %d", p.cur.Pos)
}

func (p *parser) parseColType(name string) (ColDef, error) {
	switch {
	case p.atKeyword("INT"):
		p.advance()
		return ColDef{Name: name, Type: "INT"}, nil
	case p.atKeyword("FLOAT"):
		p.advance()
		return ColDef{Name: name, Type: "FLOAT"}, nil
	case p.atKeyword("DATETIME"):
		p.advance()
		return ColDef{Name: name, Type: "DATETIME"}, nil
	case p.atKeyword("CHAR"):
		p.advance()
		if err := p.expectSymbol("("); err != nil {
			return ColDef{}, err
		}
		if p.cur.Typ != tNumber {
			return ColDef{}, fmt.Errorf("parse: expected CHAR length at %d", p.cur.Pos)
		}
		n, err := strconv.Atoi(p.cur.Val)
		if err != nil {
			return ColDef{}, fmt.Errorf("parse: invalid CHAR length %q", p.cur.Val)
		}
		p.advance()
		if err := p.expectSymbol(")"); err != nil {
			return ColDef{}, err
		}
		return ColDef{Name: name, Type: "CHAR", Len: n}, nil
	}
	return ColDef{}, fmt.Errorf("parse: expected a column type at %d, got %q", p.cur.Pos, p.cur.Val)
}

// parseIdentList parses '(' ident (',' ident)* ')'.
func (p *parser) parseIdentList() ([]string, error) {
	if err := p.expectSymbol("("); err != nil {
		return nil, err
	}
	var out []string
	for {
		name, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		out = append(out, name)
		if p.atSymbol(",") {
			p.advance()
			continue
		}
		break
	}
	if err := p.expectSymbol(")"); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *parser) parseDrop() (Stmt, error) {
	p.advance() // DROP
	switch {
	case p.atKeyword("TABLE"):
		p.advance()
		tab, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		return &DropTableStmt{Table: tab}, nil
	case p.atKeyword("INDEX"):
		p.advance()
		tab, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		cols, err := p.parseIdentList()
		if err != nil {
			return nil, err
		}
		return &DropIndexStmt{Table: tab, Cols: cols}, nil
	}
	return nil, fmt.Errorf("parse: expected TABLE or INDEX after DROP at %d", p.cur.Pos)
}

func (p *parser) parseShow() (Stmt, error) {
	p.advance() // SHOW
	switch {
	case p.atKeyword("TABLES"):
		p.advance()
		return &ShowTablesStmt{}, nil
	case p.atKeyword("INDEX"):
		p.advance()
		tab, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		return &ShowIndexStmt{Table: tab}, nil
	}
	return nil, fmt.Errorf("parse: expected TABLES or INDEX after SHOW at %d", p.cur.Pos)
}

func (p *parser) parseInsert() (Stmt, error) {
	p.advance() // INSERT
	if err := p.expectKeyword("INTO"); err != nil {
		return nil, err
	}
	tab, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("VALUES"); err != nil {
		return nil, err
	}
	if err := p.expectSymbol("("); err != nil {
		return nil, err
	}
	var vals []LiteralExpr
	for {
		v, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		vals = append(vals, v)
		if p.atSymbol(",") {
			p.advance()
			continue
		}
		break
	}
	if err := p.expectSymbol(")"); err != nil {
		return nil, err
	}
	return &InsertStmt{Table: tab, Values: vals}, nil
}

func (p *parser) parseLiteral() (LiteralExpr, error) {
	switch {
	case p.cur.Typ == tNumber:
		v := p.cur.Val
		p.advance()
		return LiteralExpr{Raw: v}, nil
	case p.cur.Typ == tString:
		v := p.cur.Val
		p.advance()
		return LiteralExpr{Raw: v, IsString: true}, nil
	case p.cur.Typ == tSymbol && p.cur.Val == "-":
		p.advance()
		if p.cur.Typ != tNumber {
			return LiteralExpr{}, fmt.Errorf("parse: expected number after '-' at %d", p.cur.Pos)
		}
		v := "-" + p.cur.Val
		p.advance()
		return LiteralExpr{Raw: v}, nil
	case p.cur.Typ == tIdent:
		v := p.cur.Val
		p.advance()
		return LiteralExpr{Raw: v, IsIdent: true}, nil
	}
	return LiteralExpr{}, fmt.Errorf("parse: expected a literal value at %d, got %q", p.cur.Pos, p.cur.Val)
}

func (p *parser) parseLoad() (Stmt, error) {
	p.advance() // LOAD
	if p.cur.Typ != tString {
		return nil, fmt.Errorf("parse: expected quoted path after LOAD at %d", p.cur.Pos)
	}
	path := p.cur.Val
	p.advance()
	if err := p.expectKeyword("INTO"); err != nil {
		return nil, err
	}
	tab, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	return &LoadStmt{Path: path, Table: tab}, nil
}

func (p *parser) parseDelete() (Stmt, error) {
	p.advance() // DELETE
	if err := p.expectKeyword("FROM"); err != nil {
		return nil, err
	}
	tab, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	var where []CondExpr
	if p.atKeyword("WHERE") {
		p.advance()
		where, err = p.parseCondList(false)
		if err != nil {
			return nil, err
		}
	}
	return &DeleteStmt{Table: tab, Where: where}, nil
}

func (p *parser) parseUpdate() (Stmt, error) {
	p.advance() // UPDATE
	tab, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("SET"); err != nil {
		return nil, err
	}
	var sets []SetExpr
	for {
		col, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		if err := p.expectSymbol("="); err != nil {
			return nil, err
		}
		se, err := p.parseSetRHS(col)
		if err != nil {
			return nil, err
		}
		sets = append(sets, se)
		if p.atSymbol(",") {
			p.advance()
			continue
		}
		break
	}
	var where []CondExpr
	if p.atKeyword("WHERE") {
		p.advance()
		where, err = p.parseCondList(false)
		if err != nil {
			return nil, err
		}
	}
	return &UpdateStmt{Table: tab, Sets: sets, Where: where}, nil
}

// parseSetRHS parses the right-hand side of `col = ...`: either a plain
// literal, or `col + value`, the only arithmetic form UPDATE supports.
func (p *parser) parseSetRHS(col string) (SetExpr, error) {
	if p.cur.Typ == tIdent {
		rhsCol := p.cur.Val
		p.advance()
		if p.atSymbol("+") {
			p.advance()
			v, err := p.parseLiteral()
			if err != nil {
				return SetExpr{}, err
			}
			return SetExpr{Col: col, IsArith: true, RHSCol: rhsCol, Value: v}, nil
		}
		return SetExpr{Col: col, Value: LiteralExpr{Raw: rhsCol, IsIdent: true}}, nil
	}
	v, err := p.parseLiteral()
	if err != nil {
		return SetExpr{}, err
	}
	return SetExpr{Col: col, Value: v}, nil
}

// parseCondList parses a conjunction of comparisons: cond (AND cond)*.
// The grammar is conjunctive-only. allowAgg admits aggregate calls on
// the left side, used only for HAVING clauses.
func (p *parser) parseCondList(allowAgg bool) ([]CondExpr, error) {
	var out []CondExpr
	for {
		c, err := p.parseCond(allowAgg)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
		if p.atKeyword("AND") {
			p.advance()
			continue
		}
		break
	}
	return out, nil
}

func (p *parser) parseCond(allowAgg bool) (CondExpr, error) {
	var cond CondExpr
	if allowAgg && isAggKeyword(p.cur) {
		agg, err := p.parseAggCall()
		if err != nil {
			return CondExpr{}, err
		}
		cond = CondExpr{IsAgg: true, AggFunc: agg.Func, AggCol: agg.Col, AggStar: agg.Star}
	} else {
		col, err := p.expectIdent()
		if err != nil {
			return CondExpr{}, err
		}
		cond = CondExpr{Col: col}
	}
	op, err := p.parseCompOp()
	if err != nil {
		return CondExpr{}, err
	}
	v, err := p.parseLiteral()
	if err != nil {
		return CondExpr{}, err
	}
	cond.Op = op
	cond.Value = v
	return cond, nil
}

func (p *parser) parseCompOp() (string, error) {
	if p.cur.Typ != tSymbol {
		return "", fmt.Errorf("parse: expected a comparison operator at %d, got %q", p.cur.Pos, p.cur.Val)
	}
	switch p.cur.Val {
	case "=", "<>", "<", ">", "<=", ">=":
		v := p.cur.Val
		p.advance()
		return v, nil
	}
	return "", fmt.Errorf("parse: unknown comparison operator %q at %d", p.cur.Val, p.cur.Pos)
}

func (p *parser) parseSelect() (Stmt, error) {
	p.advance() // SELECT
	stmt := &SelectStmt{Limit: -1}

	if p.atSymbol("*") {
		p.advance()
		stmt.Star = true
	} else {
		for {
			if isAggKeyword(p.cur) {
				agg, err := p.parseAggCall()
				if err != nil {
					return nil, err
				}
				stmt.Aggs = append(stmt.Aggs, agg)
			} else {
				col, err := p.expectIdent()
				if err != nil {
					return nil, err
				}
				stmt.Cols = append(stmt.Cols, col)
			}
			if p.atSymbol(",") {
				p.advance()
				continue
			}
			break
		}
	}

	if err := p.expectKeyword("FROM"); err != nil {
		return nil, err
	}
	tabs, err := p.parseCommaIdents()
	if err != nil {
		return nil, err
	}
	stmt.Tables = tabs

	if p.atKeyword("WHERE") {
		p.advance()
		stmt.Where, err = p.parseCondList(false)
		if err != nil {
			return nil, err
		}
	}
	if p.atKeyword("GROUP") {
		p.advance()
		if err := p.expectKeyword("BY"); err != nil {
			return nil, err
		}
		stmt.GroupBy, err = p.parseCommaIdents()
		if err != nil {
			return nil, err
		}
	}
	if p.atKeyword("HAVING") {
		p.advance()
		stmt.Having, err = p.parseCondList(true)
		if err != nil {
			return nil, err
		}
	}
	if p.atKeyword("ORDER") {
		p.advance()
		if err := p.expectKeyword("BY"); err != nil {
			return nil, err
		}
		for {
			col, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			desc := false
			if p.atKeyword("DESC") {
				desc = true
				p.advance()
			} else if p.atKeyword("ASC") {
				p.advance()
			}
			stmt.OrderBy = append(stmt.OrderBy, OrderExpr{Col: col, Desc: desc})
			if p.atSymbol(",") {
				p.advance()
				continue
			}
			break
		}
	}
	if p.atKeyword("LIMIT") {
		p.advance()
		if p.cur.Typ != tNumber {
			return nil, fmt.Errorf("parse: expected a number after LIMIT at %d", p.cur.Pos)
		}
		n, err := strconv.Atoi(p.cur.Val)
		if err != nil {
			return nil, fmt.Errorf("parse: invalid LIMIT value %q", p.cur.Val)
		}
		p.advance()
		stmt.Limit = n
	}
	return stmt, nil
}

func (p *parser) parseCommaIdents() ([]string, error) {
	var out []string
	for {
		name, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		out = append(out, name)
		if p.atSymbol(",") {
			p.advance()
			continue
		}
		break
	}
	return out, nil
}

func isAggKeyword(t token) bool {
	return t.Typ == tKeyword && (t.Val == "SUM" || t.Val == "COUNT" || t.Val == "MAX" || t.Val == "MIN")
}

func (p *parser) parseAggCall() (AggCallExpr, error) {
	fn := p.cur.Val
	p.advance()
	if err := p.expectSymbol("("); err != nil {
		return AggCallExpr{}, err
	}
	agg := AggCallExpr{Func: fn}
	if p.atSymbol("*") {
		p.advance()
		agg.Star = true
	} else {
		col, err := p.expectIdent()
		if err != nil {
			return AggCallExpr{}, err
		}
		agg.Col = col
	}
	if err := p.expectSymbol(")"); err != nil {
		return AggCallExpr{}, err
	}
	if p.atKeyword("AS") {
		p.advance()
		alias, err := p.expectIdent()
		if err != nil {
			return AggCallExpr{}, err
		}
		agg.Alias = alias
	} else {
		agg.Alias = defaultAggAlias(agg)
	}
	return agg, nil
}

func defaultAggAlias(a AggCallExpr) string {
	if a.Star {
		return a.Func + "(*)"
	}
	return a.Func + "(" + a.Col + ")"
}

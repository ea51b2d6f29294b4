package engine

import (
	"github.com/relicaldb/relicaldb/internal/catalog"
	"github.com/relicaldb/relicaldb/internal/coltype"
	"github.com/relicaldb/relicaldb/internal/storage/record"
)

// Tuple is one row flowing through the operator tree: its output schema,
// the concatenated raw bytes of its (possibly joined/projected) columns,
// and the Rid it derived from, where defined.
type Tuple struct {
	Cols []catalog.ColMeta
	Data []byte
	Rid  record.Rid
	HasRid bool
}

// Value extracts and decodes the named column from the tuple.
func (t Tuple) Value(colName string) (Value, bool) {
	for _, c := range t.Cols {
		if c.Name == colName {
			return Decode(t.Data[c.Offset:c.Offset+c.Len], c), true
		}
	}
	return Value{}, false
}

// CompOp is a comparison operator.
type CompOp int

const (
	OpEq CompOp = iota
	OpNe
	OpLt
	OpGt
	OpLe
	OpGe
)

func (o CompOp) String() string {
	return [...]string{"=", "<>", "<", ">", "<=", ">="}[o]
}

// Predicate is one conjunct of a WHERE/HAVING clause: col OP value, or
// col OP col when RHSCol is set.
type Predicate struct {
	Col    string
	Op     CompOp
	Value  Value
	RHSCol string
	HasRHSCol bool
}

// Eval evaluates the predicate against a materialized tuple.
func (p Predicate) Eval(t Tuple) bool {
	lhs, ok := t.Value(p.Col)
	if !ok {
		return false
	}
	var rhs Value
	if p.HasRHSCol {
		v, ok := t.Value(p.RHSCol)
		if !ok {
			return false
		}
		rhs = v
	} else {
		rhs = p.Value
	}
	return compareValues(lhs, rhs, p.Op)
}

func compareValues(lhs, rhs Value, op CompOp) bool {
	var cmp int
	switch {
	case lhs.Type == coltype.String && rhs.Type == coltype.String:
		cmp = stringCmp(lhs.S, rhs.S)
	case lhs.Type == coltype.DateTime && rhs.Type == coltype.DateTime:
		switch {
		case lhs.DT < rhs.DT:
			cmp = -1
		case lhs.DT > rhs.DT:
			cmp = 1
		default:
			cmp = 0
		}
	default:
		// INT↔FLOAT permissive comparison.
		lf, rf := lhs.AsFloat(), rhs.AsFloat()
		switch {
		case lf < rf:
			cmp = -1
		case lf > rf:
			cmp = 1
		default:
			cmp = 0
		}
	}
	switch op {
	case OpEq:
		return cmp == 0
	case OpNe:
		return cmp != 0
	case OpLt:
		return cmp < 0
	case OpGt:
		return cmp > 0
	case OpLe:
		return cmp <= 0
	case OpGe:
		return cmp >= 0
	}
	return false
}

func stringCmp(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

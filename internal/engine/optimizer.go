package engine

import (
	"math"

	"github.com/relicaldb/relicaldb/internal/catalog"
	"github.com/relicaldb/relicaldb/internal/coltype"
)

// The optimizer rewrites each LogicalScan into a physical access path:
// a sequential scan, or, when the scan's predicates cover a usable
// prefix of one of the table's indexes, an index range scan
// whose bounds are built by padding the uncovered trailing index
// columns with their type's minimum/maximum encodable value.

// PhysicalNode is a node of the physical plan tree.
type PhysicalNode interface {
	isPhysicalNode()
}

// PhysicalSeqScan is a full heap scan filtered by Preds.
type PhysicalSeqScan struct {
	Table string
	Preds []Predicate
}

// PhysicalIndexScan is a bounded index range scan filtered by Preds.
type PhysicalIndexScan struct {
	Table string
	Preds []Predicate
	Idx   catalog.IndexMeta
	Lower []byte
	Upper []byte
}

// PhysicalJoin mirrors LogicalJoin once both sides are rewritten.
type PhysicalJoin struct {
	Left, Right PhysicalNode
	Preds       []Predicate
}

func (*PhysicalSeqScan) isPhysicalNode()   {}
func (*PhysicalIndexScan) isPhysicalNode() {}
func (*PhysicalJoin) isPhysicalNode()      {}

// Optimize rewrites a logical plan into a physical one.
func Optimize(cat *catalog.Catalog, node LogicalNode) (PhysicalNode, error) {
	switch n := node.(type) {
	case *LogicalScan:
		return optimizeScan(cat, n)
	case *LogicalJoin:
		l, err := Optimize(cat, n.Left)
		if err != nil {
			return nil, err
		}
		r, err := Optimize(cat, n.Right)
		if err != nil {
			return nil, err
		}
		return &PhysicalJoin{Left: l, Right: r, Preds: n.Preds}, nil
	}
	return nil, nil
}

func optimizeScan(cat *catalog.Catalog, scan *LogicalScan) (PhysicalNode, error) {
	tab, err := cat.GetTable(scan.Table)
	if err != nil {
		return nil, err
	}

	byCol := make(map[string][]Predicate)
	var consCols []string
	for _, p := range scan.Preds {
		if p.HasRHSCol || p.Op == OpNe {
			continue
		}
		if _, seen := byCol[p.Col]; !seen {
			consCols = append(consCols, p.Col)
		}
		byCol[p.Col] = append(byCol[p.Col], p)
	}
	if len(consCols) == 0 {
		return &PhysicalSeqScan{Table: scan.Table, Preds: scan.Preds}, nil
	}
	idx, ok := tab.IsIndex(consCols)
	if !ok {
		return &PhysicalSeqScan{Table: scan.Table, Preds: scan.Preds}, nil
	}

	lower, upper, err := buildIndexBounds(idx, byCol)
	if err != nil {
		return nil, err
	}
	return &PhysicalIndexScan{Table: scan.Table, Preds: scan.Preds, Idx: idx, Lower: lower, Upper: upper}, nil
}

// buildIndexBounds builds the composite [lower, upper] range over idx's
// full key by ranging each indexed column against its predicates:
// equality narrows both bounds, < and <= narrow the upper, > and >=
// narrow the lower, and an unconstrained column is padded with its
// type's minimum (lower) or maximum (upper) encodable value. Strict
// bounds stay inclusive at the key level; the scan re-checks the
// residual predicates per tuple.
func buildIndexBounds(idx catalog.IndexMeta, byCol map[string][]Predicate) ([]byte, []byte, error) {
	lower := make([]byte, 0, idx.ColTotLen)
	upper := make([]byte, 0, idx.ColTotLen)
	for _, c := range idx.Cols {
		lo := minKeyBytes(c.Type, c.Len)
		hi := maxKeyBytes(c.Type, c.Len)
		for _, p := range byCol[c.Name] {
			enc, err := Encode(p.Value, c)
			if err != nil {
				return nil, nil, err
			}
			switch p.Op {
			case OpEq:
				lo, hi = enc, enc
			case OpLt, OpLe:
				hi = enc
			case OpGt, OpGe:
				lo = enc
			}
		}
		lower = append(lower, lo...)
		upper = append(upper, hi...)
	}
	return lower, upper, nil
}

func minKeyBytes(t coltype.Type, length int32) []byte {
	switch t {
	case coltype.Int:
		return coltype.EncodeInt(math.MinInt32)
	case coltype.Float:
		return coltype.EncodeFloat(-math.MaxFloat32)
	case coltype.DateTime:
		return make([]byte, 8)
	case coltype.String:
		return make([]byte, length)
	}
	return make([]byte, length)
}

func maxKeyBytes(t coltype.Type, length int32) []byte {
	switch t {
	case coltype.Int:
		return coltype.EncodeInt(math.MaxInt32)
	case coltype.Float:
		return coltype.EncodeFloat(math.MaxFloat32)
	case coltype.DateTime:
		buf := make([]byte, 8)
		for i := range buf {
			buf[i] = 0xFF
		}
		return buf
	case coltype.String:
		buf := make([]byte, length)
		for i := range buf {
			buf[i] = 0xFF
		}
		return buf
	}
	buf := make([]byte, length)
	for i := range buf {
		buf[i] = 0xFF
	}
	return buf
}

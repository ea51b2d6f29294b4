package engine

import (
	"strings"

	"github.com/relicaldb/relicaldb/internal/catalog"
	"github.com/relicaldb/relicaldb/internal/coltype"
	"github.com/relicaldb/relicaldb/internal/storage/bplustree"
)

// AggFunc is one of the four supported aggregates.
type AggFunc int

const (
	AggSum AggFunc = iota
	AggCount
	AggCountStar
	AggMax
	AggMin
)

// AggSpec is one SELECT-list aggregate expression, e.g. SUM(sal) AS s.
type AggSpec struct {
	Func  AggFunc
	Col   string
	Alias string
}

// countStarCol names the hidden per-group row count every aggregate row
// carries, so HAVING COUNT(*) works whether or not COUNT(*) appears in
// the SELECT list. It is never part of the executor's output schema.
const countStarCol = "COUNT(*)"

type accumulator struct {
	sum      float64
	count    int64
	countAll int64
	max      Value
	min      Value
	haveMax  bool
	haveMin  bool
	isFloat  bool
}

func (a *accumulator) add(v Value, hasVal bool) {
	a.countAll++
	if !hasVal {
		return
	}
	a.count++
	f := v.AsFloat()
	a.sum += f
	if v.Type == coltype.Float {
		a.isFloat = true
	}
	if !a.haveMax || compareValuesRaw(v, a.max) > 0 {
		a.max = v
		a.haveMax = true
	}
	if !a.haveMin || compareValuesRaw(v, a.min) < 0 {
		a.min = v
		a.haveMin = true
	}
}

func (a *accumulator) finalize(spec AggSpec) Value {
	switch spec.Func {
	case AggSum:
		if a.isFloat {
			return FloatValue(float32(a.sum))
		}
		return IntValue(int32(a.sum))
	case AggCount:
		return IntValue(int32(a.count))
	case AggCountStar:
		return IntValue(int32(a.countAll))
	case AggMax:
		return a.max
	case AggMin:
		return a.min
	}
	return Value{}
}

// AggregateExecutor consumes its child's tuples into a hash map keyed by
// the grouping column values, finalizes one accumulator row per group,
// then filters finalized rows through HAVING. COUNT(*) is tracked
// separately from column-based counts.
type AggregateExecutor struct {
	child      Executor
	groupCols  []string
	aggs       []AggSpec
	having     []Predicate

	outCols []catalog.ColMeta
	rows    []Tuple
	pos     int
}

// NewAggregate constructs a GROUP BY/aggregate executor. groupCols may be
// empty (whole-table aggregate).
func NewAggregate(child Executor, groupCols []string, aggs []AggSpec, having []Predicate) *AggregateExecutor {
	return &AggregateExecutor{child: child, groupCols: groupCols, aggs: aggs, having: having}
}

func (e *AggregateExecutor) Columns() []catalog.ColMeta { return e.outCols }

func groupKey(t Tuple, cols []string) string {
	var b strings.Builder
	for _, c := range cols {
		v, _ := t.Value(c)
		b.WriteString(v.String())
		b.WriteByte('\x1f')
	}
	return b.String()
}

func (e *AggregateExecutor) Begin() error {
	if err := e.child.Begin(); err != nil {
		return err
	}

	type group struct {
		keyVals []Value
		accs    []*accumulator
		n       int64
	}
	groups := make(map[string]*group)
	var order []string

	for !e.child.IsEnd() {
		t := e.child.Current()
		k := groupKey(t, e.groupCols)
		g, ok := groups[k]
		if !ok {
			keyVals := make([]Value, len(e.groupCols))
			for i, c := range e.groupCols {
				keyVals[i], _ = t.Value(c)
			}
			accs := make([]*accumulator, len(e.aggs))
			for i := range accs {
				accs[i] = &accumulator{}
			}
			g = &group{keyVals: keyVals, accs: accs}
			groups[k] = g
			order = append(order, k)
		}
		g.n++
		for i, spec := range e.aggs {
			if spec.Func == AggCountStar {
				g.accs[i].add(Value{}, false)
				continue
			}
			v, ok := t.Value(spec.Col)
			g.accs[i].add(v, ok)
		}
		if err := e.child.Next(); err != nil {
			return err
		}
	}

	e.buildSchema()

	for _, k := range order {
		g := groups[k]
		buf := make([]byte, 0)
		var cols []catalog.ColMeta
		offset := int32(0)
		for i, c := range e.groupCols {
			col := catalog.ColMeta{Name: c, Type: g.keyVals[i].Type, Len: colLenFor(g.keyVals[i]), Offset: offset}
			cols = append(cols, col)
			offset += col.Len
			enc := encodeValueRaw(g.keyVals[i], col)
			buf = append(buf, enc...)
		}
		for i, spec := range e.aggs {
			v := g.accs[i].finalize(spec)
			col := catalog.ColMeta{Name: spec.Alias, Type: v.Type, Len: colLenFor(v), Offset: offset}
			cols = append(cols, col)
			offset += col.Len
			enc := encodeValueRaw(v, col)
			buf = append(buf, enc...)
		}
		hidden := catalog.ColMeta{Name: countStarCol, Type: coltype.Int, Len: 4, Offset: offset}
		cols = append(cols, hidden)
		buf = append(buf, encodeValueRaw(IntValue(int32(g.n)), hidden)...)
		row := Tuple{Cols: cols, Data: buf}
		if matchesAll(row, e.having) {
			e.rows = append(e.rows, row)
		}
	}
	e.pos = 0
	return nil
}

func (e *AggregateExecutor) buildSchema() {
	offset := int32(0)
	for _, c := range e.groupCols {
		col := catalog.ColMeta{Name: c, Offset: offset}
		e.outCols = append(e.outCols, col)
	}
	for _, spec := range e.aggs {
		e.outCols = append(e.outCols, catalog.ColMeta{Name: spec.Alias, Offset: offset})
	}
}

func colLenFor(v Value) int32 {
	switch v.Type {
	case coltype.Int:
		return 4
	case coltype.Float:
		return 4
	case coltype.DateTime:
		return 8
	case coltype.String:
		return int32(len(v.S))
	}
	return 0
}

func encodeValueRaw(v Value, col catalog.ColMeta) []byte {
	enc, err := Encode(v, col)
	if err != nil {
		// Aggregated values are always type-consistent with their own
		// column; this path only fires for STRING length mismatches
		// which cannot occur since col.Len derives from v itself.
		return make([]byte, col.Len)
	}
	return enc
}

func (e *AggregateExecutor) Next() error { e.pos++; return nil }
func (e *AggregateExecutor) IsEnd() bool { return e.pos >= len(e.rows) }
func (e *AggregateExecutor) Current() Tuple {
	if e.pos >= len(e.rows) {
		return Tuple{}
	}
	return e.rows[e.pos]
}

// FastCount counts every record in a table via per-page record counts,
// bypassing the operator loop entirely: the FastCount short-circuit for
// SELECT COUNT(*) FROM t with no WHERE/GROUP BY.
func FastCount(ctx *Context, table string) (int64, error) {
	heap, err := ctx.Cat.Heap(table)
	if err != nil {
		return 0, err
	}
	return heap.CountRecords()
}

// FastAggWithIndex computes COUNT/MIN/MAX over an index range by
// consulting boundary iids and leaf-chain sizes instead of iterating
// every tuple. col describes the indexed column whose key bytes are
// being aggregated; keyOff is its byte offset within the composite key
// (after any equality-prefix columns).
func FastAggWithIndex(tree *bplustree.Tree, lower, upper []byte, fn AggFunc, col catalog.ColMeta, keyOff int) (Value, int64, error) {
	lo, err := tree.LowerBound(lower)
	if err != nil {
		return Value{}, 0, err
	}
	hi, err := tree.UpperBound(upper)
	if err != nil {
		return Value{}, 0, err
	}
	count, err := tree.RangeCount(lo, hi)
	if err != nil {
		return Value{}, 0, err
	}
	if fn == AggCount || fn == AggCountStar {
		return IntValue(int32(count)), count, nil
	}
	if count == 0 {
		return Value{}, 0, nil
	}
	var key []byte
	if fn == AggMin {
		key, err = tree.KeyAt(lo)
	} else {
		key, err = tree.KeyAtUpperExclusive(hi)
	}
	if err != nil {
		return Value{}, 0, err
	}
	return Decode(key[keyOff:keyOff+int(col.Len)], col), count, nil
}

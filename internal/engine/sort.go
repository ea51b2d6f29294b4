package engine

import (
	"sort"

	"github.com/relicaldb/relicaldb/internal/catalog"
	"github.com/relicaldb/relicaldb/internal/coltype"
)

// OrderKey is one ORDER BY column with its direction.
type OrderKey struct {
	Col  string
	Desc bool
}

// SortExecutor materializes all of its child's tuples, sorts them with a
// multi-key stable comparator, and streams up to Limit (-1 means
// unbounded). The comparator returns false on full key equality, as a
// strict weak ordering requires.
type SortExecutor struct {
	child Executor
	keys  []OrderKey
	limit int

	rows []Tuple
	pos  int
}

// NewSort constructs a sort of child's output by keys, streaming at most
// limit rows (-1 for unbounded).
func NewSort(child Executor, keys []OrderKey, limit int) *SortExecutor {
	return &SortExecutor{child: child, keys: keys, limit: limit}
}

func (e *SortExecutor) Columns() []catalog.ColMeta { return e.child.Columns() }

func (e *SortExecutor) Begin() error {
	if err := e.child.Begin(); err != nil {
		return err
	}
	e.rows = nil
	for !e.child.IsEnd() {
		e.rows = append(e.rows, e.child.Current())
		if err := e.child.Next(); err != nil {
			return err
		}
	}
	sort.SliceStable(e.rows, func(i, j int) bool {
		return e.less(e.rows[i], e.rows[j])
	})
	if e.limit >= 0 && e.limit < len(e.rows) {
		e.rows = e.rows[:e.limit]
	}
	e.pos = 0
	return nil
}

// less compares a and b by every order key in turn, falling through to
// the next key on equality and returning false once all keys are
// exhausted, never reporting a < b on a full tie.
func (e *SortExecutor) less(a, b Tuple) bool {
	for _, k := range e.keys {
		av, _ := a.Value(k.Col)
		bv, _ := b.Value(k.Col)
		cmp := compareValuesRaw(av, bv)
		if cmp == 0 {
			continue
		}
		if k.Desc {
			return cmp > 0
		}
		return cmp < 0
	}
	return false
}

func compareValuesRaw(a, b Value) int {
	if a.Type == coltype.String && b.Type == coltype.String {
		return stringCmp(a.S, b.S)
	}
	if a.Type == coltype.DateTime && b.Type == coltype.DateTime {
		switch {
		case a.DT < b.DT:
			return -1
		case a.DT > b.DT:
			return 1
		default:
			return 0
		}
	}
	af, bf := a.AsFloat(), b.AsFloat()
	switch {
	case af < bf:
		return -1
	case af > bf:
		return 1
	default:
		return 0
	}
}

func (e *SortExecutor) Next() error {
	e.pos++
	return nil
}

func (e *SortExecutor) IsEnd() bool { return e.pos >= len(e.rows) }

func (e *SortExecutor) Current() Tuple {
	if e.pos >= len(e.rows) {
		return Tuple{}
	}
	return e.rows[e.pos]
}

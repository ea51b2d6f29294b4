package engine

import (
	"testing"

	"github.com/relicaldb/relicaldb/internal/catalog"
	"github.com/relicaldb/relicaldb/internal/coltype"
)

// fixedExecutor is a minimal in-memory Executor for testing operators
// that sit above another Executor (Sort, Aggregate, Projection) without
// needing live storage.
type fixedExecutor struct {
	cols []catalog.ColMeta
	rows []Tuple
	pos  int
}

func (e *fixedExecutor) Columns() []catalog.ColMeta { return e.cols }
func (e *fixedExecutor) Begin() error                { e.pos = 0; return nil }
func (e *fixedExecutor) Next() error                  { e.pos++; return nil }
func (e *fixedExecutor) IsEnd() bool                  { return e.pos >= len(e.rows) }
func (e *fixedExecutor) Current() Tuple {
	if e.pos >= len(e.rows) {
		return Tuple{}
	}
	return e.rows[e.pos]
}

func intRow(col catalog.ColMeta, v int32) Tuple {
	return Tuple{Cols: []catalog.ColMeta{col}, Data: coltype.EncodeInt(v)}
}

func TestSortExecutor_OrdersAscendingByDefault(t *testing.T) {
	col := catalog.ColMeta{Name: "n", Type: coltype.Int, Len: 4}
	child := &fixedExecutor{
		cols: []catalog.ColMeta{col},
		rows: []Tuple{intRow(col, 3), intRow(col, 1), intRow(col, 2)},
	}
	s := NewSort(child, []OrderKey{{Col: "n"}}, -1)
	if err := s.Begin(); err != nil {
		t.Fatalf("begin: %v", err)
	}
	var got []int32
	for !s.IsEnd() {
		v, _ := s.Current().Value("n")
		got = append(got, v.I)
		if err := s.Next(); err != nil {
			t.Fatalf("next: %v", err)
		}
	}
	want := []int32{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestSortExecutor_DescendingAndLimit(t *testing.T) {
	col := catalog.ColMeta{Name: "n", Type: coltype.Int, Len: 4}
	child := &fixedExecutor{
		cols: []catalog.ColMeta{col},
		rows: []Tuple{intRow(col, 1), intRow(col, 5), intRow(col, 3), intRow(col, 4)},
	}
	s := NewSort(child, []OrderKey{{Col: "n", Desc: true}}, 2)
	if err := s.Begin(); err != nil {
		t.Fatalf("begin: %v", err)
	}
	var got []int32
	for !s.IsEnd() {
		v, _ := s.Current().Value("n")
		got = append(got, v.I)
		if err := s.Next(); err != nil {
			t.Fatalf("next: %v", err)
		}
	}
	want := []int32{5, 4}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("got %v, want %v", got, want)
	}
}

// TestSortExecutor_LessReturnsFalseOnFullEquality: a strict weak
// ordering must return false once every order key ties, never true.
func TestSortExecutor_LessReturnsFalseOnFullEquality(t *testing.T) {
	col := catalog.ColMeta{Name: "n", Type: coltype.Int, Len: 4}
	e := &SortExecutor{keys: []OrderKey{{Col: "n"}}}
	a := intRow(col, 5)
	b := intRow(col, 5)
	if e.less(a, b) {
		t.Fatal("less(a, b) must be false when every order key is equal")
	}
	if e.less(b, a) {
		t.Fatal("less(b, a) must be false when every order key is equal")
	}
}

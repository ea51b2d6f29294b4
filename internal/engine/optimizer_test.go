package engine

import (
	"testing"

	"github.com/relicaldb/relicaldb/internal/catalog"
	"github.com/relicaldb/relicaldb/internal/coltype"
	"github.com/relicaldb/relicaldb/internal/storage/buffer"
	"github.com/relicaldb/relicaldb/internal/storage/disk"
)

func newOptimizerCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	dir := t.TempDir()
	dm := disk.NewManager(dir)
	pool := buffer.NewPool(dm, 64)
	cat, err := catalog.CreateDB(dir, "optdb", dm, pool)
	if err != nil {
		t.Fatalf("create db: %v", err)
	}
	cols := []catalog.ColMeta{
		{Name: "a", Type: coltype.Int, Len: 4},
		{Name: "b", Type: coltype.Int, Len: 4},
		{Name: "c", Type: coltype.Int, Len: 4},
	}
	if err := cat.CreateTable("t", cols); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if err := cat.CreateIndex("t", []string{"a", "b"}); err != nil {
		t.Fatalf("create index: %v", err)
	}
	return cat
}

func TestOptimize_UnindexedPredicateFallsBackToSeqScan(t *testing.T) {
	cat := newOptimizerCatalog(t)
	scan := &LogicalScan{Table: "t", Preds: []Predicate{{Col: "c", Op: OpGt, Value: IntValue(1)}}}
	phys, err := Optimize(cat, scan)
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if _, ok := phys.(*PhysicalSeqScan); !ok {
		t.Fatalf("expected PhysicalSeqScan for a predicate on an unindexed column, got %T", phys)
	}
}

func TestOptimize_RangePredicateNarrowsIndexBounds(t *testing.T) {
	cat := newOptimizerCatalog(t)
	scan := &LogicalScan{Table: "t", Preds: []Predicate{
		{Col: "a", Op: OpGe, Value: IntValue(2)},
		{Col: "a", Op: OpLt, Value: IntValue(9)},
	}}
	phys, err := Optimize(cat, scan)
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	idxScan, ok := phys.(*PhysicalIndexScan)
	if !ok {
		t.Fatalf("expected PhysicalIndexScan for range predicates on indexed column a, got %T", phys)
	}
	if got := coltype.DecodeInt(idxScan.Lower[:4]); got != 2 {
		t.Fatalf("expected lower bound to fix a>=2, got %d", got)
	}
	if got := coltype.DecodeInt(idxScan.Upper[:4]); got != 9 {
		t.Fatalf("expected upper bound to fix a<9 (inclusive key bound, residual re-check), got %d", got)
	}
}

func TestOptimize_EqualityPrefixUsesIndexScan(t *testing.T) {
	cat := newOptimizerCatalog(t)
	scan := &LogicalScan{Table: "t", Preds: []Predicate{{Col: "a", Op: OpEq, Value: IntValue(7)}}}
	phys, err := Optimize(cat, scan)
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	idxScan, ok := phys.(*PhysicalIndexScan)
	if !ok {
		t.Fatalf("expected PhysicalIndexScan for an equality predicate on indexed column a, got %T", phys)
	}
	if idxScan.Idx.ColNum != 2 {
		t.Fatalf("expected the (a,b) index to be selected, got ColNum=%d", idxScan.Idx.ColNum)
	}
	// The uncovered trailing column b should be padded to the full
	// min/max range in lower/upper, while a's exact value is fixed.
	wantA := coltype.EncodeInt(7)
	if len(idxScan.Lower) != 8 || len(idxScan.Upper) != 8 {
		t.Fatalf("expected 8-byte composite bounds for a 2-column INT index, got %d/%d", len(idxScan.Lower), len(idxScan.Upper))
	}
	for i, b := range wantA {
		if idxScan.Lower[i] != b || idxScan.Upper[i] != b {
			t.Fatalf("expected both bounds to fix column a=7, got lower=%v upper=%v", idxScan.Lower[:4], idxScan.Upper[:4])
		}
	}
	if string(idxScan.Lower[4:]) == string(idxScan.Upper[4:]) {
		t.Fatal("expected the uncovered trailing column b to differ between lower and upper bound padding")
	}
}

func TestOptimize_NoUsableIndexFallsBackToSeqScan(t *testing.T) {
	cat := newOptimizerCatalog(t)
	scan := &LogicalScan{Table: "t", Preds: []Predicate{{Col: "c", Op: OpEq, Value: IntValue(1)}}}
	phys, err := Optimize(cat, scan)
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if _, ok := phys.(*PhysicalSeqScan); !ok {
		t.Fatalf("expected PhysicalSeqScan for an equality predicate on an unindexed column, got %T", phys)
	}
}

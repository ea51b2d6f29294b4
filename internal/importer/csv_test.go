package importer

import (
	"strings"
	"testing"

	"github.com/relicaldb/relicaldb/internal/catalog"
	"github.com/relicaldb/relicaldb/internal/coltype"
	"github.com/relicaldb/relicaldb/internal/storage/bplustree"
	"github.com/relicaldb/relicaldb/internal/storage/buffer"
	"github.com/relicaldb/relicaldb/internal/storage/disk"
	"github.com/relicaldb/relicaldb/internal/storage/record"
)

type fakeWriter struct {
	rows   [][]byte
	next   int64
	closed bool
}

func (h *fakeWriter) Append(rec []byte) (record.Rid, error) {
	h.rows = append(h.rows, append([]byte(nil), rec...))
	rid := record.Rid{PageNo: 1, SlotNo: int32(h.next)}
	h.next++
	return rid, nil
}

func (h *fakeWriter) Close() error {
	h.closed = true
	return nil
}

type fakeIndex struct {
	tree *bplustree.Tree
}

func (f *fakeIndex) RebuildFromLoad(key []byte, rid record.Rid) error {
	return f.tree.RebuildFromLoad(key, rid)
}

func newFakeIntTree(t *testing.T) *bplustree.Tree {
	t.Helper()
	dm := disk.NewManager(t.TempDir())
	pool := buffer.NewPool(dm, 64)
	fid, err := dm.OpenFile("idx")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	tree, err := bplustree.Create(dm, pool, fid, []coltype.Type{coltype.Int}, []int32{4})
	if err != nil {
		t.Fatalf("create tree: %v", err)
	}
	return tree
}

func TestLoadCSV_InsertsEveryValidRow(t *testing.T) {
	cols := []catalog.ColMeta{
		{Name: "id", Type: coltype.Int, Len: 4, Offset: 0},
		{Name: "name", Type: coltype.String, Len: 8, Offset: 4},
	}
	csv := "1,alice\n2,bob\n3,carol\n"
	w := &fakeWriter{}
	res, err := LoadCSV(strings.NewReader(csv), cols, w, nil, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if res.RowsInserted != 3 || res.RowsSkipped != 0 {
		t.Fatalf("expected 3 inserted/0 skipped, got %+v", res)
	}
	if len(w.rows) != 3 {
		t.Fatalf("expected 3 rows written to the heap, got %d", len(w.rows))
	}
	if !w.closed {
		t.Fatal("expected the page writer to be closed after the heap pass")
	}
}

func TestLoadCSV_SkipsMalformedRowsAndRecordsErrors(t *testing.T) {
	cols := []catalog.ColMeta{
		{Name: "id", Type: coltype.Int, Len: 4, Offset: 0},
	}
	csv := "1\nnotanumber\n3\n"
	w := &fakeWriter{}
	res, err := LoadCSV(strings.NewReader(csv), cols, w, nil, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if res.RowsInserted != 2 || res.RowsSkipped != 1 {
		t.Fatalf("expected 2 inserted/1 skipped, got %+v", res)
	}
	if len(res.Errors) != 1 {
		t.Fatalf("expected exactly 1 recorded error, got %v", res.Errors)
	}
}

func TestLoadCSV_BulkLoadsIndexViaRebuildFromLoad(t *testing.T) {
	cols := []catalog.ColMeta{
		{Name: "id", Type: coltype.Int, Len: 4, Offset: 0},
	}
	idxMeta := catalog.IndexMeta{
		TabName:   "t",
		ColTotLen: 4,
		ColNum:    1,
		Cols:      []catalog.ColMeta{{Name: "id", Type: coltype.Int, Len: 4, Offset: 0}},
	}
	csv := "30\n10\n20\n"
	w := &fakeWriter{}
	tree := newFakeIntTree(t)
	idx := &fakeIndex{tree: tree}
	res, err := LoadCSV(strings.NewReader(csv), cols, w, []catalog.IndexMeta{idxMeta}, func(string) (Index, error) {
		return idx, nil
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if res.RowsInserted != 3 {
		t.Fatalf("expected 3 rows inserted, got %d", res.RowsInserted)
	}
	for _, v := range []int32{10, 20, 30} {
		if _, ok, err := tree.Get(coltype.EncodeInt(v)); err != nil || !ok {
			t.Fatalf("expected key %d to be present after bulk load, ok=%v err=%v", v, ok, err)
		}
	}
}

package record

import (
	"bytes"
	"testing"

	"github.com/relicaldb/relicaldb/internal/storage/buffer"
	"github.com/relicaldb/relicaldb/internal/storage/disk"
)

func newHeap(t *testing.T, recordSize int) *Manager {
	t.Helper()
	dm := disk.NewManager(t.TempDir())
	pool := buffer.NewPool(dm, 16)
	fid, err := dm.OpenFile("heap")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	m, err := Create(dm, pool, fid, recordSize)
	if err != nil {
		t.Fatalf("create heap: %v", err)
	}
	return m
}

func rec(n int, b byte) []byte { return bytes.Repeat([]byte{b}, n) }

func TestInsertGet_RoundTrip(t *testing.T) {
	m := newHeap(t, 16)
	rid, err := m.Insert(rec(16, 0x11))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := m.Get(rid)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, rec(16, 0x11)) {
		t.Fatalf("round-trip mismatch: %v", got)
	}
}

func TestInsert_WrongSize(t *testing.T) {
	m := newHeap(t, 16)
	if _, err := m.Insert(rec(15, 1)); err == nil {
		t.Fatal("expected error inserting wrong-sized record")
	}
}

func TestUpdate_OverwritesRecord(t *testing.T) {
	m := newHeap(t, 8)
	rid, err := m.Insert(rec(8, 1))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := m.Update(rid, rec(8, 2)); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := m.Get(rid)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, rec(8, 2)) {
		t.Fatalf("expected updated bytes, got %v", got)
	}
}

func TestUpdate_MissingSlot(t *testing.T) {
	m := newHeap(t, 8)
	if err := m.Update(Rid{PageNo: firstDataPage, SlotNo: 0}, rec(8, 1)); err == nil {
		t.Fatal("expected RecordNotFound updating an empty slot")
	}
}

func TestDelete_FreesSlotForReuse(t *testing.T) {
	m := newHeap(t, 8)
	rid, err := m.Insert(rec(8, 9))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := m.Delete(rid); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := m.Get(rid); err == nil {
		t.Fatal("expected RecordNotFound after delete")
	}

	rid2, err := m.Insert(rec(8, 7))
	if err != nil {
		t.Fatalf("reinsert: %v", err)
	}
	if rid2.PageNo != rid.PageNo || rid2.SlotNo != rid.SlotNo {
		t.Fatalf("expected slot reuse, got %+v want %+v", rid2, rid)
	}
}

func TestDelete_Idempotent(t *testing.T) {
	m := newHeap(t, 8)
	rid, _ := m.Insert(rec(8, 1))
	if err := m.Delete(rid); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := m.Delete(rid); err == nil {
		t.Fatal("expected error deleting an already-free slot")
	}
}

func TestInsertAt_RestoresExactRidAfterDelete(t *testing.T) {
	m := newHeap(t, 8)
	rid, err := m.Insert(rec(8, 1))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	other, err := m.Insert(rec(8, 2))
	if err != nil {
		t.Fatalf("insert other: %v", err)
	}
	if err := m.Delete(rid); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := m.InsertAt(rid, rec(8, 1)); err != nil {
		t.Fatalf("insertAt: %v", err)
	}
	got, err := m.Get(rid)
	if err != nil {
		t.Fatalf("get after insertAt: %v", err)
	}
	if !bytes.Equal(got, rec(8, 1)) {
		t.Fatalf("insertAt payload mismatch: %v", got)
	}
	if stillThere, err := m.Get(other); err != nil || !bytes.Equal(stillThere, rec(8, 2)) {
		t.Fatalf("unrelated record disturbed: %v %v", stillThere, err)
	}
}

func TestInsertAt_RejectsOccupiedSlot(t *testing.T) {
	m := newHeap(t, 8)
	rid, _ := m.Insert(rec(8, 1))
	if err := m.InsertAt(rid, rec(8, 2)); err == nil {
		t.Fatal("expected error inserting into an occupied slot")
	}
}

func TestScan_YieldsLiveRecordsInOrder(t *testing.T) {
	m := newHeap(t, 8)
	perPage := int(m.FileHeader().NumRecordsPerPage)

	var rids []Rid
	for i := 0; i < perPage*3+2; i++ {
		rid, err := m.Insert(rec(8, byte(i)))
		if err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
		rids = append(rids, rid)
	}

	// Delete every third record to exercise bitmap gaps.
	deleted := map[Rid]bool{}
	for i, rid := range rids {
		if i%3 == 0 {
			if err := m.Delete(rid); err != nil {
				t.Fatalf("delete %d: %v", i, err)
			}
			deleted[rid] = true
		}
	}

	sc := m.NewScan()
	var seen []Rid
	for {
		rid, ok, err := sc.Next()
		if err != nil {
			t.Fatalf("scan next: %v", err)
		}
		if !ok {
			break
		}
		seen = append(seen, rid)
	}

	wantCount := len(rids) - len(deleted)
	if len(seen) != wantCount {
		t.Fatalf("expected %d live records, got %d", wantCount, len(seen))
	}
	for _, rid := range seen {
		if deleted[rid] {
			t.Fatalf("scan yielded a deleted rid %+v", rid)
		}
	}
}

func TestBulkAppender_WritesBurstsReadableByNormalPath(t *testing.T) {
	m := newHeap(t, 8)
	perPage := int(m.FileHeader().NumRecordsPerPage)

	b := m.NewBulkAppender(2)
	n := perPage*2 + 3 // one full burst plus a trailing partial page
	var rids []Rid
	for i := 0; i < n; i++ {
		rid, err := b.Append(rec(8, byte(i%251)))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		rids = append(rids, rid)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	for i, rid := range rids {
		got, err := m.Get(rid)
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		if !bytes.Equal(got, rec(8, byte(i%251))) {
			t.Fatalf("record %d mismatch after bulk append", i)
		}
	}

	sc := m.NewScan()
	count := 0
	for {
		_, ok, err := sc.Next()
		if err != nil {
			t.Fatalf("scan: %v", err)
		}
		if !ok {
			break
		}
		count++
	}
	if count != n {
		t.Fatalf("expected scan to see %d bulk-appended records, got %d", n, count)
	}

	// The trailing partial page is on the free chain, so an ordinary
	// insert lands there rather than allocating a fresh page.
	rid, err := m.Insert(rec(8, 0xEE))
	if err != nil {
		t.Fatalf("insert after bulk load: %v", err)
	}
	if rid.PageNo != rids[n-1].PageNo {
		t.Fatalf("expected insert to fill the partial bulk page %d, got page %d", rids[n-1].PageNo, rid.PageNo)
	}
}

func TestCountRecords_MatchesBitmapPopcount(t *testing.T) {
	m := newHeap(t, 8)
	perPage := int(m.FileHeader().NumRecordsPerPage)

	n := perPage + 3
	var rids []Rid
	for i := 0; i < n; i++ {
		rid, err := m.Insert(rec(8, 1))
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
		rids = append(rids, rid)
	}
	if err := m.Delete(rids[0]); err != nil {
		t.Fatalf("delete: %v", err)
	}

	count, err := m.CountRecords()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != int64(n-1) {
		t.Fatalf("expected count %d, got %d", n-1, count)
	}

	ok, err := m.PopcountCheck(firstDataPage)
	if err != nil {
		t.Fatalf("popcount check: %v", err)
	}
	if !ok {
		t.Fatal("expected bitmap popcount to match page record count")
	}
}

func TestRecordsPerPage_FitsPageBudget(t *testing.T) {
	n := RecordsPerPage(100)
	if n <= 0 {
		t.Fatal("expected a positive number of records per page")
	}
	bitmapSize := (n + 7) / 8
	if pageHdrSize+bitmapSize+n*100 > disk.PageSize {
		t.Fatalf("packing for %d records overflows the page", n)
	}
	// One more record should not fit.
	n2 := n + 1
	bitmapSize2 := (n2 + 7) / 8
	if pageHdrSize+bitmapSize2+n2*100 <= disk.PageSize {
		t.Fatalf("RecordsPerPage underestimated capacity")
	}
}

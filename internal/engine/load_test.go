package engine

import (
	"os"
	"path/filepath"
	"testing"
)

// TestLoad_BulkInsertsCSVRows exercises LOAD 'path' INTO tab end to end
// through the session pipeline, including the index bulk-load path.
func TestLoad_BulkInsertsCSVRows(t *testing.T) {
	s := newTestSession(t)
	mustExec(t, s, "CREATE TABLE emp (id INT, dept CHAR(8), sal FLOAT)")
	mustExec(t, s, "CREATE INDEX emp (id)")

	dir := t.TempDir()
	path := filepath.Join(dir, "emp.csv")
	csv := "1,eng,50000\n2,sales,40000\n3,eng,60000\n"
	if err := os.WriteFile(path, []byte(csv), 0o644); err != nil {
		t.Fatalf("write csv: %v", err)
	}

	res := mustExec(t, s, "LOAD '"+path+"' INTO emp")
	if res.RowsAffected != 3 {
		t.Fatalf("expected 3 rows loaded, got %d (message=%q)", res.RowsAffected, res.Message)
	}

	sel := mustExec(t, s, "SELECT id, dept FROM emp WHERE id = 3")
	rows := rowStrings(sel)
	if len(rows) != 1 || rows[0][1] != "eng" {
		t.Fatalf("expected the loaded row for id=3 to be indexed and selectable, got %v", rows)
	}
}

// TestLoad_SkipsMalformedRowsButInsertsTheRest verifies LOAD tolerates
// bad rows rather than aborting the whole file.
func TestLoad_SkipsMalformedRowsButInsertsTheRest(t *testing.T) {
	s := newTestSession(t)
	mustExec(t, s, "CREATE TABLE t (id INT)")

	dir := t.TempDir()
	path := filepath.Join(dir, "t.csv")
	csv := "1\nnotanumber\n3\n"
	if err := os.WriteFile(path, []byte(csv), 0o644); err != nil {
		t.Fatalf("write csv: %v", err)
	}

	res := mustExec(t, s, "LOAD '"+path+"' INTO t")
	if res.RowsAffected != 2 {
		t.Fatalf("expected 2 rows loaded, got %d", res.RowsAffected)
	}
	if res.Message == "" {
		t.Fatal("expected the malformed row's error to surface in the result message")
	}

	sel := mustExec(t, s, "SELECT id FROM t")
	if len(sel.Rows) != 2 {
		t.Fatalf("expected 2 rows present after load, got %d", len(sel.Rows))
	}
}

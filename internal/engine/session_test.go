package engine

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/relicaldb/relicaldb/internal/catalog"
	"github.com/relicaldb/relicaldb/internal/dberrors"
	"github.com/relicaldb/relicaldb/internal/storage/buffer"
	"github.com/relicaldb/relicaldb/internal/storage/disk"
	"github.com/relicaldb/relicaldb/internal/txn"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	dir := t.TempDir()
	dm := disk.NewManager(dir)
	pool := buffer.NewPool(dm, 256)
	cat, err := catalog.CreateDB(dir, "testdb", dm, pool)
	if err != nil {
		t.Fatalf("create db: %v", err)
	}
	lockMgr := txn.NewLockManager()
	txnMgr := txn.NewTransactionManager(lockMgr)
	return NewSession(cat, txnMgr, nil)
}

func mustExec(t *testing.T, s *Session, sql string) *Result {
	t.Helper()
	res, err := s.Exec(sql)
	if err != nil {
		t.Fatalf("exec %q: %v", sql, err)
	}
	return res
}

func rowStrings(res *Result) [][]string {
	out := make([][]string, len(res.Rows))
	for i, row := range res.Rows {
		cells := make([]string, len(row))
		for j, v := range row {
			cells[j] = v.String()
		}
		out[i] = cells
	}
	return out
}

// TestCreateInsertSelect drives create/insert/select end to end
// through the session pipeline.
func TestCreateInsertSelect(t *testing.T) {
	s := newTestSession(t)
	mustExec(t, s, "CREATE TABLE t (id INT, name CHAR(8))")
	mustExec(t, s, "INSERT INTO t VALUES (1, 'alice')")
	mustExec(t, s, "INSERT INTO t VALUES (2, 'bob')")

	res := mustExec(t, s, "SELECT * FROM t WHERE id > 1")
	rows := rowStrings(res)
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d: %v", len(rows), rows)
	}
	if rows[0][0] != "2" || rows[0][1] != "bob" {
		t.Fatalf("expected (2, bob), got %v", rows[0])
	}
}

// TestIndexRangeSelect verifies index selection, range bounds, and the
// residual filter on a half-open range.
func TestIndexRangeSelect(t *testing.T) {
	s := newTestSession(t)
	mustExec(t, s, "CREATE TABLE t (k INT, v INT)")
	mustExec(t, s, "INSERT INTO t VALUES (1,10)")
	mustExec(t, s, "INSERT INTO t VALUES (2,20)")
	mustExec(t, s, "INSERT INTO t VALUES (3,30)")
	mustExec(t, s, "CREATE INDEX t (k)")

	res := mustExec(t, s, "SELECT v FROM t WHERE k >= 2 AND k < 3")
	rows := rowStrings(res)
	if len(rows) != 1 || rows[0][0] != "20" {
		t.Fatalf("expected [[20]], got %v", rows)
	}
}

// TestUpdateArithmetic covers the col = col + value SET form.
func TestUpdateArithmetic(t *testing.T) {
	s := newTestSession(t)
	mustExec(t, s, "CREATE TABLE s (id INT, score FLOAT)")
	mustExec(t, s, "INSERT INTO s VALUES (1, 50.0)")
	mustExec(t, s, "UPDATE s SET score = score + 5.5 WHERE id = 1")

	res := mustExec(t, s, "SELECT score FROM s")
	rows := rowStrings(res)
	if len(rows) != 1 || rows[0][0] != "55.500000" {
		t.Fatalf("expected [[55.500000]], got %v", rows)
	}
}

// TestGroupByHaving aggregates per group and filters groups through
// HAVING against the aggregate's alias.
func TestGroupByHaving(t *testing.T) {
	s := newTestSession(t)
	mustExec(t, s, "CREATE TABLE g (dept CHAR(4), sal INT)")
	mustExec(t, s, "INSERT INTO g VALUES ('eng', 100)")
	mustExec(t, s, "INSERT INTO g VALUES ('eng', 200)")
	mustExec(t, s, "INSERT INTO g VALUES ('hr', 50)")

	res := mustExec(t, s, "SELECT dept, SUM(sal) AS s FROM g GROUP BY dept HAVING s > 100")
	rows := rowStrings(res)
	if len(rows) != 1 {
		t.Fatalf("expected 1 group past HAVING, got %d: %v", len(rows), rows)
	}
	if rows[0][0] != "eng" || rows[0][1] != "300" {
		t.Fatalf("expected (eng, 300), got %v", rows[0])
	}
}

// TestGroupByHaving_AggregateCallForm exercises the HAVING SUM(sal)
// spelling (no alias), plus HAVING COUNT(*) without COUNT(*) in the
// SELECT list.
func TestGroupByHaving_AggregateCallForm(t *testing.T) {
	s := newTestSession(t)
	mustExec(t, s, "CREATE TABLE g (dept CHAR(4), sal INT)")
	mustExec(t, s, "INSERT INTO g VALUES ('eng', 100)")
	mustExec(t, s, "INSERT INTO g VALUES ('eng', 200)")
	mustExec(t, s, "INSERT INTO g VALUES ('hr', 50)")

	res := mustExec(t, s, "SELECT dept, SUM(sal) AS s FROM g GROUP BY dept HAVING SUM(sal) > 100")
	rows := rowStrings(res)
	if len(rows) != 1 || rows[0][0] != "eng" || rows[0][1] != "300" {
		t.Fatalf("expected [[eng 300]], got %v", rows)
	}

	res = mustExec(t, s, "SELECT dept, SUM(sal) AS s FROM g GROUP BY dept HAVING COUNT(*) > 1")
	rows = rowStrings(res)
	if len(rows) != 1 || rows[0][0] != "eng" {
		t.Fatalf("expected only the two-row eng group past HAVING COUNT(*), got %v", rows)
	}
}

// TestAbortRollback: a duplicate-key error inside an explicit
// transaction rolls back every mutation the transaction made, including
// the first, now-committed-looking insert.
func TestAbortRollback(t *testing.T) {
	s := newTestSession(t)
	mustExec(t, s, "CREATE TABLE t (id INT, name CHAR(8))")
	mustExec(t, s, "CREATE INDEX t (id)")

	mustExec(t, s, "BEGIN")
	mustExec(t, s, "INSERT INTO t VALUES (9, 'x')")
	if _, err := s.Exec("INSERT INTO t VALUES (9, 'y')"); err == nil {
		t.Fatal("expected DuplicateKey inserting a second row with id=9")
	}
	mustExec(t, s, "ABORT")

	res := mustExec(t, s, "SELECT * FROM t WHERE id = 9")
	if len(res.Rows) != 0 {
		t.Fatalf("expected no rows for id=9 after abort, got %v", rowStrings(res))
	}
}

// TestWaitDie: an older transaction holds an X lock on a record; a
// younger transaction requesting a conflicting lock on the same record
// dies under wait-die rather than waiting, and the older transaction's
// update still commits.
func TestWaitDie(t *testing.T) {
	s := newTestSession(t)
	mustExec(t, s, "CREATE TABLE t (k INT, v INT)")
	mustExec(t, s, "INSERT INTO t VALUES (1, 10)")
	mustExec(t, s, "CREATE INDEX t (k)")

	var wg sync.WaitGroup
	var t1Err, t2Err error
	started := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		t1 := newTestSessionSharedCatalog(s)
		_, err := t1.Exec("BEGIN")
		if err != nil {
			t1Err = err
			close(started)
			return
		}
		if _, err := t1.Exec("UPDATE t SET v = v + 1 WHERE k = 1"); err != nil {
			t1Err = err
			close(started)
			return
		}
		close(started)
		time.Sleep(150 * time.Millisecond)
		if _, err := t1.Exec("COMMIT"); err != nil {
			t1Err = err
		}
	}()

	<-started
	t2 := newTestSessionSharedCatalog(s)
	if _, err := t2.Exec("BEGIN"); err != nil {
		t2Err = err
	} else if _, err := t2.Exec("UPDATE t SET v = v + 1 WHERE k = 1"); err != nil {
		t2Err = err
		// A real client issues ROLLBACK after a failed statement in an
		// explicit transaction; do the same so T2's locks are released
		// before the final verification query below.
		t2.Exec("ABORT")
	}
	wg.Wait()

	if t1Err != nil {
		t.Fatalf("expected T1 (older) to succeed, got %v", t1Err)
	}
	if t2Err == nil {
		t.Fatal("expected T2 (younger) to abort via wait-die on the conflicting X lock")
	}
	if !errors.Is(t2Err, dberrors.ErrWaitDieAbort) {
		t.Fatalf("expected WaitDieAbort, got %v", t2Err)
	}

	res := mustExec(t, s, "SELECT v FROM t WHERE k = 1")
	rows := rowStrings(res)
	if len(rows) != 1 || rows[0][0] != "11" {
		t.Fatalf("expected v incremented exactly once to 11, got %v", rows)
	}
}

// newTestSessionSharedCatalog builds an independent Session sharing the
// same catalog/transaction manager as an existing session, the way two
// concurrent client connections would.
func newTestSessionSharedCatalog(s *Session) *Session {
	return NewSession(s.cat, s.txnMgr, s.loadPool)
}

func TestParseThenExec_DropAndShowTables(t *testing.T) {
	s := newTestSession(t)
	mustExec(t, s, "CREATE TABLE a (x INT)")
	mustExec(t, s, "CREATE TABLE b (y INT)")

	res := mustExec(t, s, "SHOW TABLES")
	if !strings.Contains(res.Message, "a") || !strings.Contains(res.Message, "b") {
		t.Fatalf("expected SHOW TABLES to list a and b, got %q", res.Message)
	}

	mustExec(t, s, "DROP TABLE a")
	res = mustExec(t, s, "SHOW TABLES")
	if strings.Contains(res.Message, "a") {
		t.Fatalf("expected a to be gone after DROP TABLE, got %q", res.Message)
	}
}

func TestDelete_RemovesMatchingRowsOnly(t *testing.T) {
	s := newTestSession(t)
	mustExec(t, s, "CREATE TABLE t (id INT)")
	mustExec(t, s, "INSERT INTO t VALUES (1)")
	mustExec(t, s, "INSERT INTO t VALUES (2)")
	mustExec(t, s, "INSERT INTO t VALUES (3)")

	mustExec(t, s, "DELETE FROM t WHERE id = 2")
	res := mustExec(t, s, "SELECT id FROM t")
	rows := rowStrings(res)
	if len(rows) != 2 {
		t.Fatalf("expected 2 remaining rows, got %v", rows)
	}
	for _, r := range rows {
		if r[0] == "2" {
			t.Fatalf("expected id=2 to be deleted, still present: %v", rows)
		}
	}
}

func TestHelp_ReturnsUsageText(t *testing.T) {
	s := newTestSession(t)
	res := mustExec(t, s, "HELP")
	if !strings.Contains(res.Message, "CREATE TABLE") {
		t.Fatalf("expected help text to mention CREATE TABLE, got %q", res.Message)
	}
}

package txn

import (
	"errors"
	"testing"
)

func TestBegin_AssignsMonotonicIDsAndTimestamps(t *testing.T) {
	lm := NewLockManager()
	tm := NewTransactionManager(lm)
	t1 := tm.Begin()
	t2 := tm.Begin()

	if t2.ID <= t1.ID {
		t.Fatalf("expected monotonically increasing ids, got %d then %d", t1.ID, t2.ID)
	}
	if t2.StartTS <= t1.StartTS {
		t.Fatalf("expected monotonically increasing start timestamps, got %d then %d", t1.StartTS, t2.StartTS)
	}
	if t1.Status() != Default {
		t.Fatalf("expected fresh transaction in Default state, got %v", t1.Status())
	}
}

func TestCommit_ReleasesLocksAndClearsUndo(t *testing.T) {
	lm := NewLockManager()
	tm := NewTransactionManager(lm)
	txn := tm.Begin()

	id := TableLockID(0)
	if err := lm.Acquire(txn, id, X); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	ran := false
	txn.AppendTableUndo(func() error { ran = true; return nil })

	tm.Commit(txn)

	if txn.Status() != Committed {
		t.Fatalf("expected Committed, got %v", txn.Status())
	}
	if ran {
		t.Fatal("commit must not run undo actions")
	}

	// Lock must be free for another transaction now.
	t2 := tm.Begin()
	if err := lm.Acquire(t2, id, X); err != nil {
		t.Fatalf("expected lock free after commit, got %v", err)
	}
}

func TestAbort_ReplaysUndoInReverseOrder(t *testing.T) {
	lm := NewLockManager()
	tm := NewTransactionManager(lm)
	txn := tm.Begin()

	var order []int
	txn.AppendTableUndo(func() error { order = append(order, 1); return nil })
	txn.AppendTableUndo(func() error { order = append(order, 2); return nil })
	txn.AppendTableUndo(func() error { order = append(order, 3); return nil })

	var idxOrder []int
	txn.AppendIndexUndo(func() error { idxOrder = append(idxOrder, 10); return nil })
	txn.AppendIndexUndo(func() error { idxOrder = append(idxOrder, 20); return nil })

	if err := tm.Abort(txn); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if txn.Status() != Aborted {
		t.Fatalf("expected Aborted, got %v", txn.Status())
	}
	wantTable := []int{3, 2, 1}
	for i, v := range wantTable {
		if order[i] != v {
			t.Fatalf("table undo order = %v, want %v", order, wantTable)
		}
	}
	wantIdx := []int{20, 10}
	for i, v := range wantIdx {
		if idxOrder[i] != v {
			t.Fatalf("index undo order = %v, want %v", idxOrder, wantIdx)
		}
	}
}

func TestAbort_StopsOnFirstUndoFailure(t *testing.T) {
	lm := NewLockManager()
	tm := NewTransactionManager(lm)
	txn := tm.Begin()

	sentinel := errors.New("boom")
	ran2 := false
	txn.AppendTableUndo(func() error { ran2 = true; return nil })
	txn.AppendTableUndo(func() error { return sentinel })

	err := tm.Abort(txn)
	if err == nil {
		t.Fatal("expected abort to surface the undo failure")
	}
	if ran2 {
		t.Fatal("undo actions replay in reverse; the second-appended action should run first and fail before the first")
	}
}

func TestAbort_ReleasesLocksHeldByAbortingTxn(t *testing.T) {
	lm := NewLockManager()
	tm := NewTransactionManager(lm)
	txn := tm.Begin()
	id := TableLockID(0)
	if err := lm.Acquire(txn, id, X); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := tm.Abort(txn); err != nil {
		t.Fatalf("abort: %v", err)
	}

	t2 := tm.Begin()
	if err := lm.Acquire(t2, id, X); err != nil {
		t.Fatalf("expected lock free after abort, got %v", err)
	}
}

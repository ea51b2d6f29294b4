package txn

import (
	"fmt"
	"log"
	"sync"
)

// TransactionManager owns the monotonic id/timestamp counter and the
// global transaction table.
type TransactionManager struct {
	mu      sync.Mutex
	nextID  int64
	nextTS  int64
	active  map[int64]*Transaction
	lockMgr *LockManager
}

// NewTransactionManager creates a transaction manager bound to lockMgr.
func NewTransactionManager(lockMgr *LockManager) *TransactionManager {
	return &TransactionManager{active: make(map[int64]*Transaction), lockMgr: lockMgr}
}

// Begin constructs a fresh transaction in Default state, stamps a
// monotonic start timestamp, and registers it.
func (tm *TransactionManager) Begin() *Transaction {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.nextID++
	tm.nextTS++
	t := &Transaction{
		mgr:     tm,
		ID:      tm.nextID,
		StartTS: tm.nextTS,
		State:   Default,
		lockSet: make(map[LockDataID]LockMode),
	}
	tm.active[t.ID] = t
	return t
}

func (tm *TransactionManager) startTS(id int64) (int64, bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	t, ok := tm.active[id]
	if !ok {
		return 0, false
	}
	return t.StartTS, true
}

// LockManager returns the shared lock manager, for executors that need to
// call Acquire directly.
func (tm *TransactionManager) LockManager() *LockManager { return tm.lockMgr }

// Commit releases every lock the transaction holds, clears its undo sets,
// and transitions it to Committed. Commit performs no I/O beyond lock
// release, so it cannot fail under this engine's scope.
func (tm *TransactionManager) Commit(t *Transaction) {
	tm.lockMgr.ReleaseAll(t)
	t.mu.Lock()
	t.tableUndo = nil
	t.indexUndo = nil
	t.State = Committed
	t.mu.Unlock()
	tm.forget(t)
}

// Abort replays the table-write undo deque in reverse, then the
// index-write undo deque in reverse, then releases all locks and
// transitions the transaction to Aborted. Acquiring locks during abort
// is unnecessary because the aborting transaction still holds them.
func (tm *TransactionManager) Abort(t *Transaction) error {
	t.mu.Lock()
	tableUndo := t.tableUndo
	indexUndo := t.indexUndo
	t.mu.Unlock()

	for i := len(tableUndo) - 1; i >= 0; i-- {
		if err := tableUndo[i](); err != nil {
			log.Printf("txn: abort %d: table undo failed: %v", t.ID, err)
			return fmt.Errorf("txn: abort %d: table undo: %w", t.ID, err)
		}
	}
	for i := len(indexUndo) - 1; i >= 0; i-- {
		if err := indexUndo[i](); err != nil {
			log.Printf("txn: abort %d: index undo failed: %v", t.ID, err)
			return fmt.Errorf("txn: abort %d: index undo: %w", t.ID, err)
		}
	}

	tm.lockMgr.ReleaseAll(t)
	t.mu.Lock()
	t.tableUndo = nil
	t.indexUndo = nil
	t.State = Aborted
	t.mu.Unlock()
	tm.forget(t)
	return nil
}

func (tm *TransactionManager) forget(t *Transaction) {
	tm.mu.Lock()
	delete(tm.active, t.ID)
	tm.mu.Unlock()
}

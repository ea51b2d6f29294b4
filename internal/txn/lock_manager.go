// Package txn implements the lock manager (C6) and transaction manager
// (C7): hierarchical multi-granularity locking with wait-die deadlock
// avoidance under strict two-phase locking, and per-transaction undo
// tracking for abort.
package txn

import (
	"fmt"
	"sync"

	"github.com/relicaldb/relicaldb/internal/dberrors"
	"github.com/relicaldb/relicaldb/internal/storage/disk"
	"github.com/relicaldb/relicaldb/internal/storage/record"
)

// LockMode is one of the five standard multi-granularity lock modes.
type LockMode int

const (
	IS LockMode = iota
	IX
	S
	SIX
	X
)

func (m LockMode) String() string {
	return [...]string{"IS", "IX", "S", "SIX", "X"}[m]
}

// compatMatrix[a][b] reports whether a transaction holding mode a permits
// a concurrent grant of mode b.
var compatMatrix = [5][5]bool{
	IS:  {IS: true, IX: true, S: true, SIX: true, X: false},
	IX:  {IS: true, IX: true, S: false, SIX: false, X: false},
	S:   {IS: true, IX: false, S: true, SIX: false, X: false},
	SIX: {IS: true, IX: false, S: false, SIX: false, X: false},
	X:   {IS: false, IX: false, S: false, SIX: false, X: false},
}

func compatible(a, b LockMode) bool { return compatMatrix[a][b] }

// stronger reports whether a implies everything b would grant, i.e. a is
// at least as strong as b for upgrade purposes.
func stronger(a, b LockMode) bool {
	switch b {
	case IS:
		return true
	case IX:
		return a == IX || a == SIX || a == X
	case S:
		return a == S || a == SIX || a == X
	case SIX:
		return a == SIX || a == X
	case X:
		return a == X
	}
	return false
}

// joinMode computes the group lock mode after adding mode `add` to a
// group currently at `cur` (pass IS as the zero value for an empty group).
func joinMode(cur LockMode, add LockMode) LockMode {
	rank := func(m LockMode) int {
		switch m {
		case IS:
			return 0
		case IX, S:
			return 1
		case SIX:
			return 2
		case X:
			return 3
		}
		return 0
	}
	if add == IX && cur == S || add == S && cur == IX {
		return SIX
	}
	if rank(add) > rank(cur) {
		return add
	}
	return cur
}

// LockDataID identifies the object a lock is held on: either a whole
// table (IsRecord=false) or a single record within it.
type LockDataID struct {
	File     disk.FileID
	IsRecord bool
	Rid      record.Rid
}

// TableLockID builds a table-level lock identifier.
func TableLockID(file disk.FileID) LockDataID { return LockDataID{File: file} }

// RecordLockID builds a record-level lock identifier.
func RecordLockID(file disk.FileID, rid record.Rid) LockDataID {
	return LockDataID{File: file, IsRecord: true, Rid: rid}
}

type lockRequest struct {
	txnID   int64
	mode    LockMode
	granted bool
}

type lockQueue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	groupMode LockMode
	hasGrants bool
	requests  []*lockRequest
}

func newLockQueue() *lockQueue {
	q := &lockQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// LockManager owns the per-object wait queues.
type LockManager struct {
	mu    sync.Mutex
	table map[LockDataID]*lockQueue
}

// NewLockManager creates an empty lock manager.
func NewLockManager() *LockManager {
	return &LockManager{table: make(map[LockDataID]*lockQueue)}
}

func (lm *LockManager) queueFor(id LockDataID) *lockQueue {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	q, ok := lm.table[id]
	if !ok {
		q = newLockQueue()
		lm.table[id] = q
	}
	return q
}

// Acquire requests mode on id for txn, blocking until granted, denied by
// transaction-state gate, or aborted by wait-die. Re-entrant: if txn
// already holds an at-least-as-strong mode, returns immediately.
func (lm *LockManager) Acquire(t *Transaction, id LockDataID, mode LockMode) error {
	t.mu.Lock()
	switch t.State {
	case Committed, Aborted:
		t.mu.Unlock()
		return nil
	case Shrinking:
		t.mu.Unlock()
		return fmt.Errorf("%w: txn %d requested a lock while shrinking", dberrors.ErrLockOnShrinking, t.ID)
	case Default:
		t.State = Growing
	}
	if existing, held := t.lockSet[id]; held && stronger(existing, mode) {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	q := lm.queueFor(id)
	q.mu.Lock()
	defer q.mu.Unlock()

	var held *lockRequest
	for _, r := range q.requests {
		if r.txnID == t.ID && r.granted {
			held = r
			break
		}
	}
	if held != nil && stronger(held.mode, mode) {
		return nil
	}

	for {
		if lm.canGrantNow(q, t.ID, mode) {
			granted := mode
			if held != nil {
				// Upgrade in place: the existing granted entry changes mode
				// rather than adding a second request for the same txn; the
				// new mode joins the held one (S plus IX gives SIX).
				granted = joinMode(held.mode, mode)
				held.mode = granted
			} else {
				q.requests = append(q.requests, &lockRequest{txnID: t.ID, mode: mode, granted: true})
			}
			q.groupMode = lm.recomputeGroup(q)
			t.mu.Lock()
			t.lockSet[id] = granted
			t.mu.Unlock()
			return nil
		}

		if lm.shouldDie(q, t, mode) {
			return fmt.Errorf("%w: txn %d (ts=%d) dies waiting on an older holder", dberrors.ErrWaitDieAbort, t.ID, t.StartTS)
		}

		q.requests = append(q.requests, &lockRequest{txnID: t.ID, mode: mode, granted: false})
		q.cond.Wait()
		// Remove our waiting marker before re-evaluating; it is re-added
		// above if we must wait again.
		for i, r := range q.requests {
			if r.txnID == t.ID && !r.granted {
				q.requests = append(q.requests[:i], q.requests[i+1:]...)
				break
			}
		}
	}
}

// canGrantNow reports whether mode is compatible with every other
// granted request in the queue.
func (lm *LockManager) canGrantNow(q *lockQueue, txnID int64, mode LockMode) bool {
	for _, r := range q.requests {
		if r.granted && r.txnID != txnID && !compatible(r.mode, mode) {
			return false
		}
	}
	return true
}

// shouldDie implements wait-die: if any granted holder whose mode
// conflicts with the requested mode has an older start timestamp than t,
// t dies rather than waits.
func (lm *LockManager) shouldDie(q *lockQueue, t *Transaction, mode LockMode) bool {
	for _, r := range q.requests {
		if !r.granted || r.txnID == t.ID || compatible(r.mode, mode) {
			continue
		}
		holderTS, ok := t.mgr.startTS(r.txnID)
		if ok && holderTS < t.StartTS {
			return true
		}
	}
	return false
}

func (lm *LockManager) recomputeGroup(q *lockQueue) LockMode {
	mode := LockMode(IS)
	any := false
	for _, r := range q.requests {
		if r.granted {
			if !any {
				mode = r.mode
				any = true
				continue
			}
			mode = joinMode(mode, r.mode)
		}
	}
	return mode
}

// Release drops txn's lock on id, recomputes the group mode, and wakes
// waiters. It is a no-op if txn does not hold id.
func (lm *LockManager) Release(t *Transaction, id LockDataID) {
	q := lm.queueFor(id)
	q.mu.Lock()
	for i, r := range q.requests {
		if r.txnID == t.ID && r.granted {
			q.requests = append(q.requests[:i], q.requests[i+1:]...)
			break
		}
	}
	q.groupMode = lm.recomputeGroup(q)
	q.cond.Broadcast()
	q.mu.Unlock()

	t.mu.Lock()
	delete(t.lockSet, id)
	if t.State == Growing {
		t.State = Shrinking
	}
	t.mu.Unlock()
}

// ReleaseAll drops every lock txn holds, used by commit/abort.
func (lm *LockManager) ReleaseAll(t *Transaction) {
	t.mu.Lock()
	ids := make([]LockDataID, 0, len(t.lockSet))
	for id := range t.lockSet {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	for _, id := range ids {
		lm.Release(t, id)
	}
}

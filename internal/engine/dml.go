package engine

import (
	"fmt"

	"github.com/relicaldb/relicaldb/internal/catalog"
	"github.com/relicaldb/relicaldb/internal/coltype"
	"github.com/relicaldb/relicaldb/internal/dberrors"
	"github.com/relicaldb/relicaldb/internal/storage/bplustree"
	"github.com/relicaldb/relicaldb/internal/storage/record"
	"github.com/relicaldb/relicaldb/internal/txn"
)

func indexOffsets(idx catalog.IndexMeta) ([]int, []int32) {
	offsets := make([]int, len(idx.Cols))
	lens := make([]int32, len(idx.Cols))
	for i, c := range idx.Cols {
		offsets[i] = int(c.Offset)
		lens[i] = c.Len
	}
	return offsets, lens
}

// InsertExecutor takes an IX lock on the table, inserts the record, and
// builds each index entry, undoing the record insert if any index
// rejects the key as a duplicate.
type InsertExecutor struct {
	ctx    *Context
	table  string
	values []Value

	tab  *catalog.TabMeta
	done bool
	rid  record.Rid
}

// NewInsert constructs an insert of one row of values into table.
func NewInsert(ctx *Context, table string, values []Value) *InsertExecutor {
	return &InsertExecutor{ctx: ctx, table: table, values: values}
}

func (e *InsertExecutor) Columns() []catalog.ColMeta { return e.tab.Cols }

func (e *InsertExecutor) Begin() error {
	tab, err := e.ctx.Cat.GetTable(e.table)
	if err != nil {
		return err
	}
	e.tab = tab
	if len(e.values) != len(tab.Cols) {
		return fmt.Errorf("%w: %s expects %d values, got %d", dberrors.ErrIncompatibleType, e.table, len(tab.Cols), len(e.values))
	}

	fid, err := e.ctx.Cat.HeapFileID(e.table)
	if err != nil {
		return err
	}
	if err := e.ctx.TxnMgr.LockManager().Acquire(e.ctx.Txn, txn.TableLockID(fid), txn.IX); err != nil {
		return err
	}

	buf := make([]byte, 0, tab.RecordSize())
	for i, col := range tab.Cols {
		enc, err := Encode(e.values[i], col)
		if err != nil {
			return err
		}
		buf = append(buf, enc...)
	}

	heap, err := e.ctx.Cat.Heap(e.table)
	if err != nil {
		return err
	}
	rid, err := heap.Insert(buf)
	if err != nil {
		return err
	}
	e.rid = rid
	table := e.table
	ctx := e.ctx
	e.ctx.Txn.AppendTableUndo(func() error {
		h, err := ctx.Cat.Heap(table)
		if err != nil {
			return err
		}
		return h.Delete(rid)
	})

	for _, idx := range tab.Indexes {
		offsets, lens := indexOffsets(idx)
		key := bplustree.MakeKey(buf, offsets, lens)
		tree, err := e.ctx.Cat.Index(idx.FileName())
		if err != nil {
			return err
		}
		if err := tree.InsertEntry(key, rid); err != nil {
			// Surface the duplicate-key error; the statement driver aborts
			// the transaction, and the undo entries appended above roll the
			// record insert back. Compensating here as well would make the
			// abort replay delete the record twice.
			return err
		}
		idxFile := idx.FileName()
		e.ctx.Txn.AppendIndexUndo(func() error {
			t, err := ctx.Cat.Index(idxFile)
			if err != nil {
				return err
			}
			return t.DeleteEntry(key)
		})
	}

	e.done = false
	return nil
}

func (e *InsertExecutor) Next() error { e.done = true; return nil }
func (e *InsertExecutor) IsEnd() bool { return e.done }
func (e *InsertExecutor) Current() Tuple {
	return Tuple{Cols: e.tab.Cols, Rid: e.rid, HasRid: true}
}

// SetClause is one assignment of an UPDATE statement: col = value, or
// col = col + value when IsArith is set.
type SetClause struct {
	Col     string
	Value   Value
	IsArith bool
	ArithOp byte // '+' is the only supported operator
}

// UpdateExecutor takes an IX lock on the table; for each matching Rid,
// computes the new record, swaps each index entry, and overwrites the
// record, appending undo for both.
type UpdateExecutor struct {
	ctx    *Context
	table  string
	preds  []Predicate
	sets   []SetClause

	tab   *catalog.TabMeta
	rids  []record.Rid
	pos   int
}

// NewUpdate constructs an update of table's rows matching preds.
func NewUpdate(ctx *Context, table string, preds []Predicate, sets []SetClause) *UpdateExecutor {
	return &UpdateExecutor{ctx: ctx, table: table, preds: preds, sets: sets}
}

func (e *UpdateExecutor) Columns() []catalog.ColMeta { return e.tab.Cols }

func (e *UpdateExecutor) Begin() error {
	tab, err := e.ctx.Cat.GetTable(e.table)
	if err != nil {
		return err
	}
	e.tab = tab
	fid, err := e.ctx.Cat.HeapFileID(e.table)
	if err != nil {
		return err
	}
	if err := e.ctx.TxnMgr.LockManager().Acquire(e.ctx.Txn, txn.TableLockID(fid), txn.IX); err != nil {
		return err
	}
	heap, err := e.ctx.Cat.Heap(e.table)
	if err != nil {
		return err
	}

	scan := heap.NewScan()
	for {
		rid, ok, err := scan.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		raw, err := heap.Get(rid)
		if err != nil {
			return err
		}
		t := Tuple{Cols: tab.Cols, Data: raw, Rid: rid, HasRid: true}
		if matchesAll(t, e.preds) {
			if err := e.ctx.TxnMgr.LockManager().Acquire(e.ctx.Txn, txn.RecordLockID(fid, rid), txn.X); err != nil {
				return err
			}
			e.rids = append(e.rids, rid)
		}
	}
	e.pos = -1
	return e.applyNext()
}

func (e *UpdateExecutor) applyNext() error {
	e.pos++
	if e.pos >= len(e.rids) {
		return nil
	}
	rid := e.rids[e.pos]
	heap, err := e.ctx.Cat.Heap(e.table)
	if err != nil {
		return err
	}
	oldRaw, err := heap.Get(rid)
	if err != nil {
		return err
	}
	oldTuple := Tuple{Cols: e.tab.Cols, Data: oldRaw}

	newRaw := append([]byte(nil), oldRaw...)
	for _, set := range e.sets {
		col, err := e.tab.GetCol(set.Col)
		if err != nil {
			return err
		}
		var newVal Value
		if set.IsArith {
			cur, _ := oldTuple.Value(set.Col)
			newVal = addValues(cur, set.Value, *col)
		} else {
			newVal = set.Value
		}
		enc, err := Encode(newVal, *col)
		if err != nil {
			return err
		}
		copy(newRaw[col.Offset:col.Offset+col.Len], enc)
	}

	ctx := e.ctx
	table := e.table
	savedOld := append([]byte(nil), oldRaw...)
	ctx.Txn.AppendTableUndo(func() error {
		h, err := ctx.Cat.Heap(table)
		if err != nil {
			return err
		}
		return h.Update(rid, savedOld)
	})

	for _, idx := range e.tab.Indexes {
		offsets, lens := indexOffsets(idx)
		oldKey := bplustree.MakeKey(oldRaw, offsets, lens)
		newKey := bplustree.MakeKey(newRaw, offsets, lens)
		tree, err := ctx.Cat.Index(idx.FileName())
		if err != nil {
			return err
		}
		if err := tree.DeleteEntry(oldKey); err != nil {
			return err
		}
		if err := tree.InsertEntry(newKey, rid); err != nil {
			// Restore the record and index atomically.
			tree.InsertEntry(oldKey, rid)
			return err
		}
		idxFile := idx.FileName()
		savedOldKey := oldKey
		savedNewKey := newKey
		ctx.Txn.AppendIndexUndo(func() error {
			t, err := ctx.Cat.Index(idxFile)
			if err != nil {
				return err
			}
			if err := t.DeleteEntry(savedNewKey); err != nil {
				return err
			}
			return t.InsertEntry(savedOldKey, rid)
		})
	}

	if err := heap.Update(rid, newRaw); err != nil {
		return err
	}
	return nil
}

func addValues(a, b Value, col catalog.ColMeta) Value {
	if col.Type == coltype.Int {
		return IntValue(a.I + int32(b.AsFloat()))
	}
	return FloatValue(float32(a.AsFloat() + b.AsFloat()))
}

func (e *UpdateExecutor) Next() error { return e.applyNext() }
func (e *UpdateExecutor) IsEnd() bool { return e.pos >= len(e.rids) }
func (e *UpdateExecutor) Current() Tuple {
	if e.pos >= len(e.rids) {
		return Tuple{}
	}
	return Tuple{Cols: e.tab.Cols, Rid: e.rids[e.pos], HasRid: true}
}

// DeleteExecutor takes an IX lock; for each matching Rid, deletes every
// index key, then the record, appending undo for both.
type DeleteExecutor struct {
	ctx   *Context
	table string
	preds []Predicate

	tab  *catalog.TabMeta
	rids []record.Rid
	pos  int
}

// NewDelete constructs a delete of table's rows matching preds.
func NewDelete(ctx *Context, table string, preds []Predicate) *DeleteExecutor {
	return &DeleteExecutor{ctx: ctx, table: table, preds: preds}
}

func (e *DeleteExecutor) Columns() []catalog.ColMeta { return e.tab.Cols }

func (e *DeleteExecutor) Begin() error {
	tab, err := e.ctx.Cat.GetTable(e.table)
	if err != nil {
		return err
	}
	e.tab = tab
	fid, err := e.ctx.Cat.HeapFileID(e.table)
	if err != nil {
		return err
	}
	if err := e.ctx.TxnMgr.LockManager().Acquire(e.ctx.Txn, txn.TableLockID(fid), txn.IX); err != nil {
		return err
	}
	heap, err := e.ctx.Cat.Heap(e.table)
	if err != nil {
		return err
	}
	scan := heap.NewScan()
	for {
		rid, ok, err := scan.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		raw, err := heap.Get(rid)
		if err != nil {
			return err
		}
		t := Tuple{Cols: tab.Cols, Data: raw, Rid: rid, HasRid: true}
		if matchesAll(t, e.preds) {
			if err := e.ctx.TxnMgr.LockManager().Acquire(e.ctx.Txn, txn.RecordLockID(fid, rid), txn.X); err != nil {
				return err
			}
			e.rids = append(e.rids, rid)
		}
	}
	e.pos = -1
	return e.applyNext()
}

func (e *DeleteExecutor) applyNext() error {
	e.pos++
	if e.pos >= len(e.rids) {
		return nil
	}
	rid := e.rids[e.pos]
	heap, err := e.ctx.Cat.Heap(e.table)
	if err != nil {
		return err
	}
	raw, err := heap.Get(rid)
	if err != nil {
		return err
	}
	savedRaw := append([]byte(nil), raw...)
	ctx := e.ctx
	table := e.table

	for _, idx := range e.tab.Indexes {
		offsets, lens := indexOffsets(idx)
		key := bplustree.MakeKey(raw, offsets, lens)
		tree, err := ctx.Cat.Index(idx.FileName())
		if err != nil {
			return err
		}
		if err := tree.DeleteEntry(key); err != nil {
			return err
		}
		idxFile := idx.FileName()
		savedKey := key
		ctx.Txn.AppendIndexUndo(func() error {
			t, err := ctx.Cat.Index(idxFile)
			if err != nil {
				return err
			}
			return t.InsertEntry(savedKey, rid)
		})
	}

	if err := heap.Delete(rid); err != nil {
		return err
	}
	ctx.Txn.AppendTableUndo(func() error {
		h, err := ctx.Cat.Heap(table)
		if err != nil {
			return err
		}
		return h.InsertAt(rid, savedRaw)
	})
	return nil
}

func (e *DeleteExecutor) Next() error { return e.applyNext() }
func (e *DeleteExecutor) IsEnd() bool { return e.pos >= len(e.rids) }
func (e *DeleteExecutor) Current() Tuple {
	if e.pos >= len(e.rids) {
		return Tuple{}
	}
	return Tuple{Cols: e.tab.Cols, Rid: e.rids[e.pos], HasRid: true}
}

package engine

import (
	"github.com/relicaldb/relicaldb/internal/catalog"
	"github.com/relicaldb/relicaldb/internal/storage/bplustree"
	"github.com/relicaldb/relicaldb/internal/storage/record"
	"github.com/relicaldb/relicaldb/internal/txn"
)

// Executor is the fixed method set every physical operator implements:
// begin positions the iterator at the first qualifying tuple, next
// advances it, isEnd signals termination.
type Executor interface {
	Begin() error
	Next() error
	IsEnd() bool
	Current() Tuple
	Columns() []catalog.ColMeta
}

// Context carries the catalog and the active transaction through a
// statement's executor tree; lock acquisition always goes through
// Txn/TxnMgr, never directly against storage.
type Context struct {
	Cat    *catalog.Catalog
	Txn    *txn.Transaction
	TxnMgr *txn.TransactionManager
}

// SeqScanExecutor performs a full heap scan under an S lock on the table,
// filtering tuples that satisfy every predicate.
type SeqScanExecutor struct {
	ctx   *Context
	table string
	preds []Predicate

	tab  *catalog.TabMeta
	scan *record.Scan
	cur  Tuple
	end  bool
}

// NewSeqScan constructs a sequential scan over table, filtered by preds.
func NewSeqScan(ctx *Context, table string, preds []Predicate) *SeqScanExecutor {
	return &SeqScanExecutor{ctx: ctx, table: table, preds: preds}
}

func (e *SeqScanExecutor) Columns() []catalog.ColMeta { return e.tab.Cols }

func (e *SeqScanExecutor) Begin() error {
	tab, err := e.ctx.Cat.GetTable(e.table)
	if err != nil {
		return err
	}
	e.tab = tab
	heap, err := e.ctx.Cat.Heap(e.table)
	if err != nil {
		return err
	}
	lockID, err := e.tableLockID()
	if err != nil {
		return err
	}
	if err := e.ctx.TxnMgr.LockManager().Acquire(e.ctx.Txn, lockID, txn.S); err != nil {
		return err
	}
	e.scan = heap.NewScan()
	return e.advance()
}

func (e *SeqScanExecutor) tableLockID() (txn.LockDataID, error) {
	fid, err := e.ctx.Cat.HeapFileID(e.table)
	if err != nil {
		return txn.LockDataID{}, err
	}
	return txn.TableLockID(fid), nil
}

func (e *SeqScanExecutor) advance() error {
	heap, err := e.ctx.Cat.Heap(e.table)
	if err != nil {
		return err
	}
	for {
		rid, ok, err := e.scan.Next()
		if err != nil {
			return err
		}
		if !ok {
			e.end = true
			return nil
		}
		raw, err := heap.Get(rid)
		if err != nil {
			return err
		}
		t := Tuple{Cols: e.tab.Cols, Data: raw, Rid: rid, HasRid: true}
		if matchesAll(t, e.preds) {
			e.cur = t
			return nil
		}
	}
}

func matchesAll(t Tuple, preds []Predicate) bool {
	for _, p := range preds {
		if !p.Eval(t) {
			return false
		}
	}
	return true
}

func (e *SeqScanExecutor) Next() error    { return e.advance() }
func (e *SeqScanExecutor) IsEnd() bool    { return e.end }
func (e *SeqScanExecutor) Current() Tuple { return e.cur }

// IndexScanExecutor ranges an index via lower_bound/upper_bound and
// re-checks residual predicates per tuple, since the index covers only a
// declared prefix of the requested columns.
type IndexScanExecutor struct {
	ctx      *Context
	table    string
	preds    []Predicate
	idxMeta  catalog.IndexMeta
	lowerKey []byte
	upperKey []byte

	tab   *catalog.TabMeta
	tree  *bplustree.Tree
	scan  *bplustree.Scan
	cur   Tuple
	end   bool
}

// NewIndexScan constructs an index-range scan. lowerKey/upperKey are the
// composite range bounds already built by the optimizer.
func NewIndexScan(ctx *Context, table string, preds []Predicate, idxMeta catalog.IndexMeta, lowerKey, upperKey []byte) *IndexScanExecutor {
	return &IndexScanExecutor{ctx: ctx, table: table, preds: preds, idxMeta: idxMeta, lowerKey: lowerKey, upperKey: upperKey}
}

func (e *IndexScanExecutor) Columns() []catalog.ColMeta { return e.tab.Cols }

func (e *IndexScanExecutor) Begin() error {
	tab, err := e.ctx.Cat.GetTable(e.table)
	if err != nil {
		return err
	}
	e.tab = tab
	fid, err := e.ctx.Cat.HeapFileID(e.table)
	if err != nil {
		return err
	}
	if err := e.ctx.TxnMgr.LockManager().Acquire(e.ctx.Txn, txn.TableLockID(fid), txn.S); err != nil {
		return err
	}
	tree, err := e.ctx.Cat.Index(e.idxMeta.FileName())
	if err != nil {
		return err
	}
	e.tree = tree
	lower, err := tree.LowerBound(e.lowerKey)
	if err != nil {
		return err
	}
	upper, err := tree.UpperBound(e.upperKey)
	if err != nil {
		return err
	}
	e.scan = tree.NewScan(lower, upper)
	return e.advance()
}

func (e *IndexScanExecutor) advance() error {
	heap, err := e.ctx.Cat.Heap(e.table)
	if err != nil {
		return err
	}
	for {
		rid, ok, err := e.scan.Next()
		if err != nil {
			return err
		}
		if !ok {
			e.end = true
			return nil
		}
		raw, err := heap.Get(rid)
		if err != nil {
			return err
		}
		t := Tuple{Cols: e.tab.Cols, Data: raw, Rid: rid, HasRid: true}
		if matchesAll(t, e.preds) {
			e.cur = t
			return nil
		}
	}
}

func (e *IndexScanExecutor) Next() error    { return e.advance() }
func (e *IndexScanExecutor) IsEnd() bool    { return e.end }
func (e *IndexScanExecutor) Current() Tuple { return e.cur }

// NestedLoopJoinExecutor computes the Cartesian product of its children,
// filtered by preds, rebasing the right child's tuple offsets by the left
// child's tuple length.
type NestedLoopJoinExecutor struct {
	left, right Executor
	preds       []Predicate
	cols        []catalog.ColMeta
	cur         Tuple
	end         bool
}

// NewNestedLoopJoin constructs a nested-loop join over left × right.
func NewNestedLoopJoin(left, right Executor, preds []Predicate) *NestedLoopJoinExecutor {
	return &NestedLoopJoinExecutor{left: left, right: right, preds: preds}
}

func (e *NestedLoopJoinExecutor) Columns() []catalog.ColMeta { return e.cols }

func (e *NestedLoopJoinExecutor) Begin() error {
	if err := e.left.Begin(); err != nil {
		return err
	}
	if e.left.IsEnd() {
		e.end = true
		return nil
	}
	if err := e.right.Begin(); err != nil {
		return err
	}
	e.cols = append(append([]catalog.ColMeta{}, e.left.Columns()...), rebase(e.right.Columns(), leftLen(e.left.Columns()))...)
	return e.advance()
}

func leftLen(cols []catalog.ColMeta) int32 {
	n := int32(0)
	for _, c := range cols {
		n += c.Len
	}
	return n
}

func rebase(cols []catalog.ColMeta, offset int32) []catalog.ColMeta {
	out := make([]catalog.ColMeta, len(cols))
	for i, c := range cols {
		c.Offset += offset
		out[i] = c
	}
	return out
}

func (e *NestedLoopJoinExecutor) advance() error {
	for {
		if e.right.IsEnd() {
			if err := e.left.Next(); err != nil {
				return err
			}
			if e.left.IsEnd() {
				e.end = true
				return nil
			}
			if err := e.right.Begin(); err != nil {
				return err
			}
			continue
		}
		combined := Tuple{
			Cols: e.cols,
			Data: append(append([]byte{}, e.left.Current().Data...), e.right.Current().Data...),
		}
		if err := e.right.Next(); err != nil {
			return err
		}
		if matchesAll(combined, e.preds) {
			e.cur = combined
			return nil
		}
	}
}

func (e *NestedLoopJoinExecutor) Next() error    { return e.advance() }
func (e *NestedLoopJoinExecutor) IsEnd() bool    { return e.end }
func (e *NestedLoopJoinExecutor) Current() Tuple { return e.cur }

// ProjectionExecutor materializes a tuple containing only the selected
// columns, recomputing offsets, and passes rid() through unchanged.
type ProjectionExecutor struct {
	child   Executor
	colsIn  []string
	outCols []catalog.ColMeta
	cur     Tuple
}

// NewProjection constructs a projection of child over the named columns.
func NewProjection(child Executor, colNames []string) *ProjectionExecutor {
	return &ProjectionExecutor{child: child, colsIn: colNames}
}

func (e *ProjectionExecutor) Columns() []catalog.ColMeta { return e.outCols }

func (e *ProjectionExecutor) Begin() error {
	if err := e.child.Begin(); err != nil {
		return err
	}
	offset := int32(0)
	e.outCols = nil
	for _, name := range e.colsIn {
		for _, c := range e.child.Columns() {
			if c.Name == name {
				c.Offset = offset
				e.outCols = append(e.outCols, c)
				offset += c.Len
				break
			}
		}
	}
	if !e.child.IsEnd() {
		e.project()
	}
	return nil
}

func (e *ProjectionExecutor) project() {
	src := e.child.Current()
	buf := make([]byte, 0, leftLen(e.outCols))
	for _, c := range e.outCols {
		for _, sc := range src.Cols {
			if sc.Name == c.Name {
				buf = append(buf, src.Data[sc.Offset:sc.Offset+sc.Len]...)
			}
		}
	}
	e.cur = Tuple{Cols: e.outCols, Data: buf, Rid: src.Rid, HasRid: src.HasRid}
}

func (e *ProjectionExecutor) Next() error {
	if err := e.child.Next(); err != nil {
		return err
	}
	if !e.child.IsEnd() {
		e.project()
	}
	return nil
}
func (e *ProjectionExecutor) IsEnd() bool    { return e.child.IsEnd() }
func (e *ProjectionExecutor) Current() Tuple { return e.cur }

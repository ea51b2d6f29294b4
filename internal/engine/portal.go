package engine

import (
	"fmt"
	"strings"

	"github.com/relicaldb/relicaldb/internal/catalog"
	"github.com/relicaldb/relicaldb/internal/dberrors"
	"github.com/relicaldb/relicaldb/internal/importer"
	"github.com/relicaldb/relicaldb/internal/txn"
)

// The portal runs an analyzed statement to completion: it tags the
// statement with the execution strategy it used, materializes the
// physical operator tree when one is needed, and drives it under the
// active transaction's locks. It is the only piece of C8 that touches
// C9 executors directly.

// StmtTag classifies how a statement was executed, for diagnostics and
// tests that want to assert a particular access path was taken.
type StmtTag int

const (
	TagOneSelect StmtTag = iota
	TagDmlWithoutSelect
	TagMultiQuery
	TagCmdUtility
	TagAggSelect
	TagAggSelectWithIndex
	TagFastAgg
	TagFastAggWithIndex
)

// Result is the uniform outcome of running one statement through the
// portal: a row set for SELECT, an affected-row count for DML, or a
// human-readable message for DDL and introspection statements.
type Result struct {
	Tag          StmtTag
	Columns      []catalog.ColMeta
	Rows         [][]Value
	RowsAffected int64
	Message      string
}

// Execute analyzes and runs stmt against ctx. Callers handle
// BEGIN/COMMIT/ABORT/ROLLBACK, HELP, and SET OUTPUT_FILE OFF themselves
// before reaching here (see session.go) since those never touch the
// catalog.
func Execute(ctx *Context, loadPool *importer.Pool, stmt Stmt) (*Result, error) {
	analyzed, err := Analyze(ctx.Cat, stmt)
	if err != nil {
		return nil, err
	}
	switch q := analyzed.(type) {
	case *CreateTableQuery:
		if err := ctx.Cat.CreateTable(q.Table, q.Cols); err != nil {
			return nil, err
		}
		return &Result{Tag: TagMultiQuery, Message: fmt.Sprintf("table %s created", q.Table)}, nil
	case *DropTableQuery:
		if err := ctx.Cat.DropTable(q.Table); err != nil {
			return nil, err
		}
		return &Result{Tag: TagMultiQuery, Message: fmt.Sprintf("table %s dropped", q.Table)}, nil
	case *CreateIndexQuery:
		if err := ctx.Cat.CreateIndex(q.Table, q.Cols); err != nil {
			return nil, err
		}
		return &Result{Tag: TagMultiQuery, Message: "index created"}, nil
	case *DropIndexQuery:
		if err := ctx.Cat.DropIndex(q.Table, q.Cols); err != nil {
			return nil, err
		}
		return &Result{Tag: TagMultiQuery, Message: "index dropped"}, nil
	case *ShowTablesQuery:
		names := ctx.Cat.ShowTables()
		return &Result{Tag: TagCmdUtility, Message: strings.Join(names, "\n")}, nil
	case *ShowIndexQuery:
		text, err := ctx.Cat.ShowIndex(q.Table)
		if err != nil {
			return nil, err
		}
		return &Result{Tag: TagCmdUtility, Message: text}, nil
	case *DescTableQuery:
		text, err := ctx.Cat.DescTable(q.Table)
		if err != nil {
			return nil, err
		}
		return &Result{Tag: TagCmdUtility, Message: text}, nil
	case *InsertQuery:
		n, err := driveDML(NewInsert(ctx, q.Table, q.Values))
		if err != nil {
			return nil, err
		}
		return &Result{Tag: TagDmlWithoutSelect, RowsAffected: n}, nil
	case *DeleteQuery:
		n, err := driveDML(NewDelete(ctx, q.Table, q.Where))
		if err != nil {
			return nil, err
		}
		return &Result{Tag: TagDmlWithoutSelect, RowsAffected: n}, nil
	case *UpdateQuery:
		n, err := driveDML(NewUpdate(ctx, q.Table, q.Where, q.Sets))
		if err != nil {
			return nil, err
		}
		return &Result{Tag: TagDmlWithoutSelect, RowsAffected: n}, nil
	case *LoadQuery:
		exec := NewLoad(ctx, q.Table, q.Path, loadPool)
		if err := exec.Begin(); err != nil {
			return nil, err
		}
		res := exec.Result()
		return &Result{Tag: TagDmlWithoutSelect, RowsAffected: res.RowsInserted, Message: strings.Join(res.Errors, "; ")}, nil
	case *SelectQuery:
		return executeSelect(ctx, q)
	}
	return nil, fmt.Errorf("%w: analyzed statement has no portal handler", dberrors.ErrInternal)
}

// driveDML runs e to completion, counting one row per Begin/Next cycle
// that leaves the executor not-yet-ended: InsertExecutor always yields
// exactly one, Update/Delete one per matching Rid.
func driveDML(e Executor) (int64, error) {
	if err := e.Begin(); err != nil {
		return 0, err
	}
	var n int64
	for !e.IsEnd() {
		n++
		if err := e.Next(); err != nil {
			return n, err
		}
	}
	return n, nil
}

func executeSelect(ctx *Context, q *SelectQuery) (*Result, error) {
	if res, ok, err := tryFastPath(ctx, q); err != nil {
		return nil, err
	} else if ok {
		return res, nil
	}

	logical := BuildPlan(q)
	physical, err := Optimize(ctx.Cat, logical)
	if err != nil {
		return nil, err
	}
	var exec Executor = buildExecutorTree(ctx, physical)

	tag := TagOneSelect
	if len(q.Aggs) > 0 || len(q.GroupBy) > 0 {
		exec = NewAggregate(exec, q.GroupBy, q.Aggs, q.Having)
		if containsIndexScan(physical) {
			tag = TagAggSelectWithIndex
		} else {
			tag = TagAggSelect
		}
		if len(q.OrderBy) > 0 || q.Limit >= 0 {
			exec = NewSort(exec, q.OrderBy, q.Limit)
		}
	} else {
		if len(q.OrderBy) > 0 || q.Limit >= 0 {
			exec = NewSort(exec, q.OrderBy, q.Limit)
		}
		if !q.Star {
			exec = NewProjection(exec, q.PlainCols)
		}
	}

	if err := exec.Begin(); err != nil {
		return nil, err
	}
	cols := exec.Columns()
	var rows [][]Value
	for !exec.IsEnd() {
		cur := exec.Current()
		row := make([]Value, len(cols))
		for i, c := range cols {
			row[i], _ = cur.Value(c.Name)
		}
		rows = append(rows, row)
		if err := exec.Next(); err != nil {
			return nil, err
		}
	}
	return &Result{Tag: tag, Columns: cols, Rows: rows}, nil
}

func toOrderKeys(in []OrderExpr) []OrderKey {
	out := make([]OrderKey, len(in))
	for i, o := range in {
		out[i] = OrderKey{Col: o.Col, Desc: o.Desc}
	}
	return out
}

func buildExecutorTree(ctx *Context, node PhysicalNode) Executor {
	switch n := node.(type) {
	case *PhysicalSeqScan:
		return NewSeqScan(ctx, n.Table, n.Preds)
	case *PhysicalIndexScan:
		return NewIndexScan(ctx, n.Table, n.Preds, n.Idx, n.Lower, n.Upper)
	case *PhysicalJoin:
		return NewNestedLoopJoin(buildExecutorTree(ctx, n.Left), buildExecutorTree(ctx, n.Right), n.Preds)
	}
	return nil
}

func containsIndexScan(node PhysicalNode) bool {
	switch n := node.(type) {
	case *PhysicalIndexScan:
		return true
	case *PhysicalJoin:
		return containsIndexScan(n.Left) || containsIndexScan(n.Right)
	}
	return false
}

// tryFastPath recognizes the two short-circuit aggregate forms that skip
// the operator tree entirely: COUNT(*) over a whole table (FastCount),
// and COUNT/MIN/MAX over an indexed column restricted by an equality
// prefix (FastAggWithIndex).
func tryFastPath(ctx *Context, q *SelectQuery) (*Result, bool, error) {
	if len(q.Tables) != 1 || len(q.GroupBy) != 0 || len(q.Aggs) != 1 {
		return nil, false, nil
	}
	agg := q.Aggs[0]
	table := q.Tables[0]

	if agg.Func == AggCountStar && len(q.Where) == 0 && len(q.Having) == 0 {
		fid, err := ctx.Cat.HeapFileID(table)
		if err != nil {
			return nil, false, err
		}
		if err := ctx.TxnMgr.LockManager().Acquire(ctx.Txn, txn.TableLockID(fid), txn.S); err != nil {
			return nil, false, err
		}
		n, err := FastCount(ctx, table)
		if err != nil {
			return nil, false, err
		}
		col := catalog.ColMeta{Name: agg.Alias}
		return &Result{Tag: TagFastAgg, Columns: []catalog.ColMeta{col}, Rows: [][]Value{{IntValue(int32(n))}}}, true, nil
	}

	if agg.Func != AggCount && agg.Func != AggCountStar && agg.Func != AggMin && agg.Func != AggMax {
		return nil, false, nil
	}
	if len(q.Having) != 0 {
		return nil, false, nil
	}
	tab, err := ctx.Cat.GetTable(table)
	if err != nil {
		return nil, false, err
	}

	var eqCols []string
	byCol := make(map[string][]Predicate)
	for _, p := range q.Where {
		if p.Op != OpEq || p.HasRHSCol {
			return nil, false, nil
		}
		if _, seen := byCol[p.Col]; !seen {
			eqCols = append(eqCols, p.Col)
		}
		byCol[p.Col] = append(byCol[p.Col], p)
	}

	probeCols := eqCols
	if agg.Func != AggCount && agg.Func != AggCountStar {
		probeCols = append(append([]string{}, eqCols...), agg.Col)
	}
	idx, ok := tab.IsIndex(probeCols)
	if !ok {
		return nil, false, nil
	}

	fid, err := ctx.Cat.HeapFileID(table)
	if err != nil {
		return nil, false, err
	}
	if err := ctx.TxnMgr.LockManager().Acquire(ctx.Txn, txn.TableLockID(fid), txn.S); err != nil {
		return nil, false, err
	}

	lower, upper, err := buildIndexBounds(idx, byCol)
	if err != nil {
		return nil, false, err
	}
	tree, err := ctx.Cat.Index(idx.FileName())
	if err != nil {
		return nil, false, err
	}
	var aggColMeta catalog.ColMeta
	keyOff := 0
	if agg.Col != "" {
		c, err := tab.GetCol(agg.Col)
		if err != nil {
			return nil, false, err
		}
		aggColMeta = *c
		for _, ic := range idx.Cols {
			if ic.Name == aggColMeta.Name {
				break
			}
			keyOff += int(ic.Len)
		}
	}
	val, count, err := FastAggWithIndex(tree, lower, upper, agg.Func, aggColMeta, keyOff)
	if err != nil {
		return nil, false, err
	}
	if agg.Func == AggCount || agg.Func == AggCountStar {
		val = IntValue(int32(count))
	}
	col := catalog.ColMeta{Name: agg.Alias}
	return &Result{Tag: TagFastAggWithIndex, Columns: []catalog.ColMeta{col}, Rows: [][]Value{{val}}}, true, nil
}

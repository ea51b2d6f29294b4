package engine

import (
	"os"

	"github.com/relicaldb/relicaldb/internal/catalog"
	"github.com/relicaldb/relicaldb/internal/importer"
	"github.com/relicaldb/relicaldb/internal/txn"
)

// LoadExecutor implements LOAD 'path' INTO tab: takes an IX lock on the
// table, then streams the CSV file through internal/importer, which
// assembles whole heap pages and writes them to disk in bounded bursts
// before bulk-building each index.
type LoadExecutor struct {
	ctx      *Context
	table    string
	path     string
	loadPool *importer.Pool

	tab    *catalog.TabMeta
	result *importer.Result
	done   bool
}

// NewLoad constructs a CSV load of path into table, gated by pool (may be
// nil to run ungated).
func NewLoad(ctx *Context, table, path string, pool *importer.Pool) *LoadExecutor {
	return &LoadExecutor{ctx: ctx, table: table, path: path, loadPool: pool}
}

func (e *LoadExecutor) Columns() []catalog.ColMeta { return e.tab.Cols }

func (e *LoadExecutor) Begin() error {
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

	if e.loadPool != nil {
		e.loadPool.Acquire()
		defer e.loadPool.Release()
	}

	f, err := os.Open(e.path)
	if err != nil {
		return err
	}
	defer f.Close()

	heap, err := e.ctx.Cat.Heap(e.table)
	if err != nil {
		return err
	}
	cat := e.ctx.Cat
	w := heap.NewBulkAppender(importer.BurstSize)
	res, err := importer.LoadCSV(f, tab.Cols, w, tab.Indexes, func(fileName string) (importer.Index, error) {
		return cat.Index(fileName)
	})
	if err != nil {
		return err
	}
	e.result = res
	e.done = false
	return nil
}

func (e *LoadExecutor) Next() error { e.done = true; return nil }
func (e *LoadExecutor) IsEnd() bool { return e.done }
func (e *LoadExecutor) Current() Tuple {
	return Tuple{Cols: e.tab.Cols}
}

// Result returns the row counts and any per-row errors from the load.
func (e *LoadExecutor) Result() *importer.Result { return e.result }

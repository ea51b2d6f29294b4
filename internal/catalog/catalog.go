package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"github.com/relicaldb/relicaldb/internal/coltype"
	"github.com/relicaldb/relicaldb/internal/dberrors"
	"github.com/relicaldb/relicaldb/internal/storage/bplustree"
	"github.com/relicaldb/relicaldb/internal/storage/buffer"
	"github.com/relicaldb/relicaldb/internal/storage/disk"
	"github.com/relicaldb/relicaldb/internal/storage/record"
)

const metaFileName = "db.meta"

type openHeap struct {
	fileID disk.FileID
	mgr    *record.Manager
}

type openIndex struct {
	fileID disk.FileID
	tree   *bplustree.Tree
}

// Catalog is an open database: its in-memory metadata plus every heap and
// index file it has open, backed by a shared disk manager and buffer
// pool. Each DDL operation updates the in-memory catalog, flushes
// metadata, and creates/destroys the corresponding C3/C4 files.
type Catalog struct {
	dir  string
	disk *disk.Manager
	pool *buffer.Pool
	meta *dbMetaFile

	heaps   map[string]*openHeap
	indexes map[string]*openIndex
}

// CreateDB creates a new database directory with an empty catalog.
func CreateDB(dir, name string, d *disk.Manager, pool *buffer.Pool) (*Catalog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("catalog: create db dir: %w", err)
	}
	meta := &dbMetaFile{Name: name, DatabaseID: uuid.New(), Tabs: make(map[string]*TabMeta)}
	c := &Catalog{dir: dir, disk: d, pool: pool, meta: meta, heaps: make(map[string]*openHeap), indexes: make(map[string]*openIndex)}
	if err := c.flushMeta(); err != nil {
		return nil, err
	}
	return c, nil
}

// OpenDB loads an existing database's catalog and opens every table's heap
// and index files.
func OpenDB(dir string, d *disk.Manager, pool *buffer.Pool) (*Catalog, error) {
	f, err := os.Open(filepath.Join(dir, metaFileName))
	if err != nil {
		return nil, fmt.Errorf("catalog: open db.meta: %w", err)
	}
	defer f.Close()
	meta, err := readDbMeta(f)
	if err != nil {
		return nil, err
	}

	c := &Catalog{dir: dir, disk: d, pool: pool, meta: meta, heaps: make(map[string]*openHeap), indexes: make(map[string]*openIndex)}
	for _, tab := range meta.Tabs {
		if err := c.openTableFiles(tab); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Catalog) openTableFiles(tab *TabMeta) error {
	fileID, err := c.disk.OpenFile(tab.Name)
	if err != nil {
		return err
	}
	mgr, err := record.Open(c.disk, c.pool, fileID)
	if err != nil {
		return err
	}
	c.heaps[tab.Name] = &openHeap{fileID: fileID, mgr: mgr}

	for _, idx := range tab.Indexes {
		fn := idx.FileName()
		ifID, err := c.disk.OpenFile(fn)
		if err != nil {
			return err
		}
		tree, err := bplustree.Open(c.disk, c.pool, ifID)
		if err != nil {
			return err
		}
		c.indexes[fn] = &openIndex{fileID: ifID, tree: tree}
	}
	return nil
}

func (c *Catalog) flushMeta() error {
	f, err := os.Create(filepath.Join(c.dir, metaFileName))
	if err != nil {
		return fmt.Errorf("catalog: write db.meta: %w", err)
	}
	defer f.Close()
	return writeDbMeta(f, c.meta)
}

// CloseDB flushes every open heap/index file's dirty pages and closes the
// underlying file descriptors.
func (c *Catalog) CloseDB() error {
	for _, h := range c.heaps {
		if err := c.pool.FlushAll(h.fileID); err != nil {
			return err
		}
		if err := c.disk.CloseFile(h.fileID); err != nil {
			return err
		}
	}
	for _, ix := range c.indexes {
		if err := c.pool.FlushAll(ix.fileID); err != nil {
			return err
		}
		if err := c.disk.CloseFile(ix.fileID); err != nil {
			return err
		}
	}
	return nil
}

// FlushAllDirty flushes every open heap and index file's dirty pages
// without closing them, used by the periodic checkpoint job.
func (c *Catalog) FlushAllDirty() error {
	for _, h := range c.heaps {
		if err := c.pool.FlushAll(h.fileID); err != nil {
			return err
		}
	}
	for _, ix := range c.indexes {
		if err := c.pool.FlushAll(ix.fileID); err != nil {
			return err
		}
	}
	return nil
}

// SizeOnDisk sums the on-disk byte size of every open heap and index
// file, reported in the checkpoint scheduler's log line.
func (c *Catalog) SizeOnDisk() (int64, error) {
	var total int64
	for _, h := range c.heaps {
		n, err := c.disk.Size(h.fileID)
		if err != nil {
			return 0, err
		}
		total += n
	}
	for _, ix := range c.indexes {
		n, err := c.disk.Size(ix.fileID)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// DatabaseID returns the UUID stamped on this database's catalog header.
func (c *Catalog) DatabaseID() uuid.UUID { return c.meta.DatabaseID }

// ShowTables returns table names in sorted order.
func (c *Catalog) ShowTables() []string {
	names := make([]string, 0, len(c.meta.Tabs))
	for n := range c.meta.Tabs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// GetTable returns a table's metadata, or ErrTableNotFound.
func (c *Catalog) GetTable(name string) (*TabMeta, error) {
	t, ok := c.meta.Tabs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", dberrors.ErrTableNotFound, name)
	}
	return t, nil
}

// HeapFileID returns the open disk.FileID backing a table's heap file,
// used by executors to build table-level lock identifiers.
func (c *Catalog) HeapFileID(name string) (disk.FileID, error) {
	h, ok := c.heaps[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", dberrors.ErrTableNotFound, name)
	}
	return h.fileID, nil
}

// Heap returns the open heap file handle for a table.
func (c *Catalog) Heap(name string) (*record.Manager, error) {
	h, ok := c.heaps[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", dberrors.ErrTableNotFound, name)
	}
	return h.mgr, nil
}

// Index returns the open B+ tree for an index by its file name.
func (c *Catalog) Index(fileName string) (*bplustree.Tree, error) {
	ix, ok := c.indexes[fileName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", dberrors.ErrIndexNotFound, fileName)
	}
	return ix.tree, nil
}

// CreateTable registers a new table, packing column offsets left-to-right
// without padding, and creates its heap file.
func (c *Catalog) CreateTable(name string, cols []ColMeta) error {
	if _, exists := c.meta.Tabs[name]; exists {
		return fmt.Errorf("%w: %s", dberrors.ErrTableExists, name)
	}
	offset := int32(0)
	packed := make([]ColMeta, len(cols))
	for i, col := range cols {
		col.TabName = name
		col.Offset = offset
		packed[i] = col
		offset += col.Len
	}
	tab := &TabMeta{Name: name, Cols: packed}

	fileID, err := c.disk.OpenFile(name)
	if err != nil {
		return err
	}
	mgr, err := record.Create(c.disk, c.pool, fileID, int(offset))
	if err != nil {
		return err
	}
	c.heaps[name] = &openHeap{fileID: fileID, mgr: mgr}
	c.meta.Tabs[name] = tab
	return c.flushMeta()
}

// DropTable removes a table, its indexes, and their backing files.
func (c *Catalog) DropTable(name string) error {
	tab, err := c.GetTable(name)
	if err != nil {
		return err
	}
	for _, idx := range tab.Indexes {
		if err := c.destroyIndexFile(idx.FileName()); err != nil {
			return err
		}
	}
	h := c.heaps[name]
	c.pool.DeleteAll(h.fileID)
	if err := c.disk.CloseFile(h.fileID); err != nil {
		return err
	}
	delete(c.heaps, name)
	if err := c.disk.DestroyFile(name); err != nil {
		return err
	}
	delete(c.meta.Tabs, name)
	return c.flushMeta()
}

func (c *Catalog) destroyIndexFile(fileName string) error {
	ix, ok := c.indexes[fileName]
	if !ok {
		return nil
	}
	c.pool.DeleteAll(ix.fileID)
	if err := c.disk.CloseFile(ix.fileID); err != nil {
		return err
	}
	delete(c.indexes, fileName)
	return c.disk.DestroyFile(fileName)
}

// CreateIndex builds a new composite index over colNames. If the table
// already has rows, it scans the heap and bulk-loads the index in sorted
// key order via rebuild_index_from_load.
func (c *Catalog) CreateIndex(tableName string, colNames []string) error {
	tab, err := c.GetTable(tableName)
	if err != nil {
		return err
	}
	if _, err := tab.GetIndexMeta(colNames); err == nil {
		return fmt.Errorf("%w: %s(%v)", dberrors.ErrIndexExists, tableName, colNames)
	}

	var idxCols []ColMeta
	var colTypes []coltype.Type
	var colLens []int32
	var offsets []int
	totLen := int32(0)
	for _, name := range colNames {
		col, err := tab.GetCol(name)
		if err != nil {
			return err
		}
		idxCols = append(idxCols, *col)
		colTypes = append(colTypes, col.Type)
		colLens = append(colLens, col.Len)
		offsets = append(offsets, int(col.Offset))
		totLen += col.Len
	}
	idxMeta := IndexMeta{TabName: tableName, ColTotLen: totLen, ColNum: int32(len(idxCols)), Cols: idxCols}
	fileName := idxMeta.FileName()

	fileID, err := c.disk.OpenFile(fileName)
	if err != nil {
		return err
	}
	tree, err := bplustree.Create(c.disk, c.pool, fileID, colTypes, colLens)
	if err != nil {
		return err
	}
	c.indexes[fileName] = &openIndex{fileID: fileID, tree: tree}

	heap := c.heaps[tableName].mgr
	type pair struct {
		key []byte
		rid record.Rid
	}
	var pairs []pair
	scan := heap.NewScan()
	for {
		rid, ok, err := scan.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		rec, err := heap.Get(rid)
		if err != nil {
			return err
		}
		key := bplustree.MakeKey(rec, offsets, colLens)
		pairs = append(pairs, pair{key: key, rid: rid})
	}
	sort.Slice(pairs, func(i, j int) bool {
		return coltype.CompareComposite(pairs[i].key, pairs[j].key, colTypes, int32ToInt(colLens)) < 0
	})
	for _, p := range pairs {
		if err := tree.RebuildFromLoad(p.key, p.rid); err != nil {
			return err
		}
	}

	for i := range tab.Cols {
		if tab.Cols[i].Name == colNames[0] && len(colNames) == 1 {
			tab.Cols[i].Index = true
		}
	}
	tab.Indexes = append(tab.Indexes, idxMeta)
	return c.flushMeta()
}

// DropIndex removes an index and its backing file.
func (c *Catalog) DropIndex(tableName string, colNames []string) error {
	tab, err := c.GetTable(tableName)
	if err != nil {
		return err
	}
	idxMeta, err := tab.GetIndexMeta(colNames)
	if err != nil {
		return err
	}
	fileName := idxMeta.FileName()
	if err := c.destroyIndexFile(fileName); err != nil {
		return err
	}
	for i, idx := range tab.Indexes {
		if idx.FileName() == fileName {
			tab.Indexes = append(tab.Indexes[:i], tab.Indexes[i+1:]...)
			break
		}
	}
	return c.flushMeta()
}

// Stat reports a table's allocated page count and live record count.
func (c *Catalog) Stat(name string) (pages int64, records int64, err error) {
	h, ok := c.heaps[name]
	if !ok {
		return 0, 0, fmt.Errorf("%w: %s", dberrors.ErrTableNotFound, name)
	}
	hdr := h.mgr.FileHeader()
	records, err = h.mgr.CountRecords()
	if err != nil {
		return 0, 0, err
	}
	return hdr.NumPages, records, nil
}

// DescTable renders the column listing, one row per column with its
// type, length, and indexed flag, followed by the table's page and
// record counts from Stat.
func (c *Catalog) DescTable(name string) (string, error) {
	tab, err := c.GetTable(name)
	if err != nil {
		return "", err
	}
	out := "Field\tType\tLength\tIndex\n"
	for _, col := range tab.Cols {
		out += fmt.Sprintf("%s\t%s\t%d\t%v\n", col.Name, col.Type, col.Len, col.Index)
	}
	pages, records, err := c.Stat(name)
	if err != nil {
		return "", err
	}
	out += fmt.Sprintf("%d page(s), %d record(s)\n", pages, records)
	return out, nil
}

// ShowIndex renders the indexes defined on a table.
func (c *Catalog) ShowIndex(name string) (string, error) {
	tab, err := c.GetTable(name)
	if err != nil {
		return "", err
	}
	out := ""
	for _, idx := range tab.Indexes {
		names := make([]string, len(idx.Cols))
		for i, c := range idx.Cols {
			names[i] = c.Name
		}
		out += fmt.Sprintf("%s\tunique\t(%v)\n", tab.Name, names)
	}
	return out, nil
}

func int32ToInt(in []int32) []int {
	out := make([]int, len(in))
	for i, v := range in {
		out[i] = int(v)
	}
	return out
}

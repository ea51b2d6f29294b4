// Package importer implements the bulk CSV loader behind the LOAD
// statement: it streams a CSV file into an already-existing table,
// converting each field to its column's type and handing the encoded
// rows to a page-burst writer that assembles whole pages and writes
// them to disk directly, bypassing the buffer pool.
package importer

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/relicaldb/relicaldb/internal/catalog"
	"github.com/relicaldb/relicaldb/internal/coltype"
	"github.com/relicaldb/relicaldb/internal/dberrors"
	"github.com/relicaldb/relicaldb/internal/storage/bplustree"
	"github.com/relicaldb/relicaldb/internal/storage/record"
)

// BurstSize caps how many page images a load buffers in memory before
// they are written to disk in one contiguous burst.
const BurstSize = 1024

// Pool gates how many concurrent LOAD statements may run against one
// catalog at a time, since each load pins a working set of pages.
type Pool struct {
	sem chan struct{}
}

// NewPool constructs a load concurrency gate admitting at most n
// concurrent loads.
func NewPool(n int) *Pool {
	if n <= 0 {
		n = 1
	}
	return &Pool{sem: make(chan struct{}, n)}
}

// Acquire blocks until a load slot is free.
func (p *Pool) Acquire() { p.sem <- struct{}{} }

// Release frees a load slot.
func (p *Pool) Release() { <-p.sem }

// Result summarizes one LOAD's outcome.
type Result struct {
	RowsInserted int64
	RowsSkipped  int64
	Errors       []string
}

// parseField converts one CSV field to a value of the given column type,
// trimming surrounding whitespace.
func parseField(field string, col catalog.ColMeta) (engineValue, error) {
	field = strings.TrimSpace(field)
	switch col.Type {
	case coltype.Int:
		n, err := strconv.ParseInt(field, 10, 32)
		if err != nil {
			return engineValue{}, fmt.Errorf("%w: %q is not an INT", dberrors.ErrIncompatibleType, field)
		}
		return engineValue{kind: coltype.Int, i: int32(n)}, nil
	case coltype.Float:
		f, err := strconv.ParseFloat(field, 32)
		if err != nil {
			return engineValue{}, fmt.Errorf("%w: %q is not a FLOAT", dberrors.ErrIncompatibleType, field)
		}
		return engineValue{kind: coltype.Float, f: float32(f)}, nil
	case coltype.String:
		if len(field) > int(col.Len) {
			return engineValue{}, fmt.Errorf("%w: %q exceeds column length %d", dberrors.ErrTypeOverflow, field, col.Len)
		}
		return engineValue{kind: coltype.String, s: field}, nil
	case coltype.DateTime:
		var y, mo, d, h, mi, s int
		if _, err := fmt.Sscanf(field, "%04d-%02d-%02d %02d:%02d:%02d", &y, &mo, &d, &h, &mi, &s); err != nil {
			return engineValue{}, fmt.Errorf("%w: %q is not a DATETIME", dberrors.ErrIncompatibleType, field)
		}
		if !coltype.ValidDateTime(y, mo, d, h, mi, s) {
			return engineValue{}, fmt.Errorf("%w: %q is not a valid calendar DATETIME", dberrors.ErrIncompatibleType, field)
		}
		return engineValue{kind: coltype.DateTime, dt: coltype.EncodeDateTime(y, mo, d, h, mi, s)}, nil
	}
	return engineValue{}, fmt.Errorf("%w: unsupported column type %v", dberrors.ErrInvalidType, col.Type)
}

// engineValue is a minimal stand-in for engine.Value, kept here to avoid
// importer depending on the engine package (engine already depends on
// catalog/coltype; importer sits below engine in the load path).
type engineValue struct {
	kind coltype.Type
	i    int32
	f    float32
	s    string
	dt   []byte
}

func encodeField(v engineValue, col catalog.ColMeta) []byte {
	switch v.kind {
	case coltype.Int:
		return coltype.EncodeInt(v.i)
	case coltype.Float:
		return coltype.EncodeFloat(v.f)
	case coltype.String:
		return coltype.EncodeString(v.s, int(col.Len))
	case coltype.DateTime:
		return v.dt
	}
	return nil
}

// BulkWriter is the page-burst append path of *record.Manager's
// BulkAppender: rows go into in-memory page images that are written to
// disk in contiguous bursts, and Close persists the trailing partial
// page and file header.
type BulkWriter interface {
	Append(rec []byte) (record.Rid, error)
	Close() error
}

// Index is the subset of *bplustree.Tree the loader needs: RebuildFromLoad
// is the append-only bulk path used once the index's (key, rid) pairs
// have been sorted by this index's columns.
type Index interface {
	RebuildFromLoad(key []byte, rid record.Rid) error
}

type keyRid struct {
	key []byte
	rid record.Rid
}

// LoadCSV streams r's rows through w in file order; w assembles whole
// pages and writes them to disk in contiguous bursts. Rows that fail
// type conversion are skipped and recorded in Result.Errors rather than
// aborting the whole load. If the table has indexes, each index's
// (key, rid) pairs are collected in memory during the heap pass, sorted
// in memory by that index's key afterward (no external sort or spill to
// disk), and built via RebuildFromLoad, the
// append-only bulk path, never per-row InsertEntry, mirroring how a
// populated table's CREATE INDEX also bulk-loads from a sorted scan.
// w is Closed before the index build so every Rid handed to an index is
// durable on disk first.
func LoadCSV(r io.Reader, cols []catalog.ColMeta, w BulkWriter, indexes []catalog.IndexMeta, openIndex func(string) (Index, error)) (*Result, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(cols)
	res := &Result{}

	pending := make([][]keyRid, len(indexes))
	offsetsPerIdx := make([][]int, len(indexes))
	lensPerIdx := make([][]int32, len(indexes))
	for i, idx := range indexes {
		offsetsPerIdx[i], lensPerIdx[i] = indexOffsets(idx)
	}

	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			res.RowsSkipped++
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		buf, ok := encodeRow(rec, cols, res)
		if !ok {
			continue
		}
		rid, err := w.Append(buf)
		if err != nil {
			res.RowsSkipped++
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		for i := range indexes {
			key := bplustree.MakeKey(buf, offsetsPerIdx[i], lensPerIdx[i])
			pending[i] = append(pending[i], keyRid{key: key, rid: rid})
		}
		res.RowsInserted++
	}

	if err := w.Close(); err != nil {
		return res, err
	}

	for i, idx := range indexes {
		tree, err := openIndex(idx.FileName())
		if err != nil {
			return res, err
		}
		lens := lensPerIdx[i]
		types := make([]coltype.Type, len(idx.Cols))
		for j, c := range idx.Cols {
			types[j] = c.Type
		}
		pairs := pending[i]
		sort.Slice(pairs, func(a, b int) bool {
			return coltype.CompareComposite(pairs[a].key, pairs[b].key, types, int32ToInt(lens)) < 0
		})
		for _, p := range pairs {
			if err := tree.RebuildFromLoad(p.key, p.rid); err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("index %s: %v", idx.FileName(), err))
			}
		}
	}
	return res, nil
}

func int32ToInt(in []int32) []int {
	out := make([]int, len(in))
	for i, v := range in {
		out[i] = int(v)
	}
	return out
}

func encodeRow(rec []string, cols []catalog.ColMeta, res *Result) ([]byte, bool) {
	if len(rec) != len(cols) {
		res.RowsSkipped++
		res.Errors = append(res.Errors, fmt.Sprintf("expected %d fields, got %d", len(cols), len(rec)))
		return nil, false
	}
	buf := make([]byte, 0)
	for i, col := range cols {
		v, err := parseField(rec[i], col)
		if err != nil {
			res.RowsSkipped++
			res.Errors = append(res.Errors, err.Error())
			return nil, false
		}
		buf = append(buf, encodeField(v, col)...)
	}
	return buf, true
}

func indexOffsets(idx catalog.IndexMeta) ([]int, []int32) {
	offsets := make([]int, len(idx.Cols))
	lens := make([]int32, len(idx.Cols))
	for i, c := range idx.Cols {
		offsets[i] = int(c.Offset)
		lens[i] = c.Len
	}
	return offsets, lens
}

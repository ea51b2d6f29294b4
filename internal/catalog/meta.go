// Package catalog implements schema metadata: column/index/table/database
// descriptions, their tokenized on-disk serialization, and the DDL
// operations that keep the in-memory catalog, the heap files (C3), and the
// index files (C4) in sync.
package catalog

import (
	"fmt"

	"github.com/relicaldb/relicaldb/internal/coltype"
	"github.com/relicaldb/relicaldb/internal/dberrors"
)

// ColMeta describes one column of a table.
type ColMeta struct {
	TabName string
	Name    string
	Type    coltype.Type
	Len     int32
	Offset  int32
	Index   bool
}

// IndexMeta describes a composite secondary index.
type IndexMeta struct {
	TabName   string
	ColTotLen int32
	ColNum    int32
	Cols      []ColMeta
}

// FileName returns the on-disk index file name: <table>_<col1>_<col2>….idx
func (im IndexMeta) FileName() string {
	name := im.TabName
	for _, c := range im.Cols {
		name += "_" + c.Name
	}
	return name + ".idx"
}

// TabMeta describes one table: its columns and the indexes built over it.
type TabMeta struct {
	Name    string
	Cols    []ColMeta
	Indexes []IndexMeta
}

// IsCol reports whether the table has a column named colName.
func (t *TabMeta) IsCol(colName string) bool {
	_, ok := t.findCol(colName)
	return ok
}

func (t *TabMeta) findCol(colName string) (int, bool) {
	for i := range t.Cols {
		if t.Cols[i].Name == colName {
			return i, true
		}
	}
	return 0, false
}

// GetCol returns the column metadata for colName, or ErrColumnNotFound.
func (t *TabMeta) GetCol(colName string) (*ColMeta, error) {
	i, ok := t.findCol(colName)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", dberrors.ErrColumnNotFound, t.Name, colName)
	}
	return &t.Cols[i], nil
}

// IsIndex finds a usable index for colNames: the index whose declared
// column list has the longest contiguous left-prefix covered by colNames
// (in any order), ties broken by fewest leftover (uncovered trailing)
// index columns.
func (t *TabMeta) IsIndex(colNames []string) (IndexMeta, bool) {
	requested := make(map[string]bool, len(colNames))
	for _, c := range colNames {
		requested[c] = true
	}

	var best *IndexMeta
	bestPrefix := 0
	bestNotMatched := int(^uint(0) >> 1)

	for i := range t.Indexes {
		idx := &t.Indexes[i]
		prefixLen := 0
		for prefixLen < int(idx.ColNum) && requested[idx.Cols[prefixLen].Name] {
			prefixLen++
		}
		if prefixLen == 0 {
			continue
		}
		notMatched := 0
		j := prefixLen
		for j < int(idx.ColNum) && !requested[idx.Cols[j].Name] {
			j++
			notMatched++
		}
		if j != int(idx.ColNum) {
			continue
		}
		if prefixLen > bestPrefix || (prefixLen == bestPrefix && notMatched < bestNotMatched) {
			best = idx
			bestPrefix = prefixLen
			bestNotMatched = notMatched
		}
	}
	if best == nil {
		return IndexMeta{}, false
	}
	return *best, true
}

// GetIndexMeta returns the index meta whose declared column list exactly
// equals colNames, in order, or ErrIndexNotFound.
func (t *TabMeta) GetIndexMeta(colNames []string) (*IndexMeta, error) {
	for i := range t.Indexes {
		idx := &t.Indexes[i]
		if int(idx.ColNum) != len(colNames) {
			continue
		}
		match := true
		for j, name := range colNames {
			if idx.Cols[j].Name != name {
				match = false
				break
			}
		}
		if match {
			return idx, nil
		}
	}
	return nil, fmt.Errorf("%w: %s on %v", dberrors.ErrIndexNotFound, t.Name, colNames)
}

// IsColIndexed reports whether colName participates in any index.
func (t *TabMeta) IsColIndexed(colName string) bool {
	for _, idx := range t.Indexes {
		for _, c := range idx.Cols {
			if c.Name == colName {
				return true
			}
		}
	}
	return false
}

// RecordSize returns the sum of column lengths (== offsets packed
// left-to-right without padding).
func (t *TabMeta) RecordSize() int {
	size := 0
	for _, c := range t.Cols {
		size += int(c.Len)
	}
	return size
}

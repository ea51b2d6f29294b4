package catalog

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/relicaldb/relicaldb/internal/coltype"
)

// dbMetaFile is the in-memory, fully-loaded representation of db.meta:
// database name, a UUID identifier, and the per-table metadata.
type dbMetaFile struct {
	Name       string
	DatabaseID uuid.UUID
	Tabs       map[string]*TabMeta
}

// writeDbMeta renders the catalog as a whitespace-tokenized stream:
// name, database id, table count, then per table (name, col count,
// cols, index count, indexes).
func writeDbMeta(w io.Writer, db *dbMetaFile) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "%s\n%s\n%d\n", tok(db.Name), db.DatabaseID.String(), len(db.Tabs))
	for _, name := range sortedKeys(db.Tabs) {
		if err := writeTabMeta(bw, db.Tabs[name]); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func writeTabMeta(bw *bufio.Writer, t *TabMeta) error {
	fmt.Fprintf(bw, "%s\n%d\n", tok(t.Name), len(t.Cols))
	for _, c := range t.Cols {
		writeColMeta(bw, c)
	}
	fmt.Fprintf(bw, "%d\n", len(t.Indexes))
	for _, idx := range t.Indexes {
		writeIndexMeta(bw, idx)
	}
	return nil
}

func writeColMeta(bw *bufio.Writer, c ColMeta) {
	fmt.Fprintf(bw, "%s %s %d %d %d %d\n", tok(c.TabName), tok(c.Name), int(c.Type), c.Len, c.Offset, boolInt(c.Index))
}

func writeIndexMeta(bw *bufio.Writer, idx IndexMeta) {
	fmt.Fprintf(bw, "%s %d %d\n", tok(idx.TabName), idx.ColTotLen, idx.ColNum)
	for _, c := range idx.Cols {
		writeColMeta(bw, c)
	}
}

// readDbMeta parses the stream written by writeDbMeta. Deterministic
// round-trip is required: readDbMeta(writeDbMeta(m)) == m.
func readDbMeta(r io.Reader) (*dbMetaFile, error) {
	sc := newTokenScanner(r)
	db := &dbMetaFile{Tabs: make(map[string]*TabMeta)}

	name, err := sc.next()
	if err != nil {
		return nil, err
	}
	db.Name = untok(name)

	idStr, err := sc.next()
	if err != nil {
		return nil, err
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("catalog: parse database id: %w", err)
	}
	db.DatabaseID = id

	n, err := sc.nextInt()
	if err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		tab, err := readTabMeta(sc)
		if err != nil {
			return nil, err
		}
		db.Tabs[tab.Name] = tab
	}
	return db, nil
}

func readTabMeta(sc *tokenScanner) (*TabMeta, error) {
	name, err := sc.next()
	if err != nil {
		return nil, err
	}
	t := &TabMeta{Name: untok(name)}

	nc, err := sc.nextInt()
	if err != nil {
		return nil, err
	}
	for i := 0; i < nc; i++ {
		c, err := readColMeta(sc)
		if err != nil {
			return nil, err
		}
		t.Cols = append(t.Cols, c)
	}

	ni, err := sc.nextInt()
	if err != nil {
		return nil, err
	}
	for i := 0; i < ni; i++ {
		idx, err := readIndexMeta(sc)
		if err != nil {
			return nil, err
		}
		t.Indexes = append(t.Indexes, idx)
	}
	return t, nil
}

func readColMeta(sc *tokenScanner) (ColMeta, error) {
	tabName, err := sc.next()
	if err != nil {
		return ColMeta{}, err
	}
	name, err := sc.next()
	if err != nil {
		return ColMeta{}, err
	}
	typ, err := sc.nextInt()
	if err != nil {
		return ColMeta{}, err
	}
	length, err := sc.nextInt()
	if err != nil {
		return ColMeta{}, err
	}
	offset, err := sc.nextInt()
	if err != nil {
		return ColMeta{}, err
	}
	indexFlag, err := sc.nextInt()
	if err != nil {
		return ColMeta{}, err
	}
	return ColMeta{
		TabName: untok(tabName),
		Name:    untok(name),
		Type:    coltype.Type(typ),
		Len:     int32(length),
		Offset:  int32(offset),
		Index:   indexFlag != 0,
	}, nil
}

func readIndexMeta(sc *tokenScanner) (IndexMeta, error) {
	tabName, err := sc.next()
	if err != nil {
		return IndexMeta{}, err
	}
	totLen, err := sc.nextInt()
	if err != nil {
		return IndexMeta{}, err
	}
	colNum, err := sc.nextInt()
	if err != nil {
		return IndexMeta{}, err
	}
	idx := IndexMeta{TabName: untok(tabName), ColTotLen: int32(totLen), ColNum: int32(colNum)}
	for i := 0; i < colNum; i++ {
		c, err := readColMeta(sc)
		if err != nil {
			return IndexMeta{}, err
		}
		idx.Cols = append(idx.Cols, c)
	}
	return idx, nil
}

// tok/untok escape whitespace in names so the tokenized format round-trips
// even for identifiers (never in practice, but kept strict).
func tok(s string) string   { return strings.ReplaceAll(s, " ", "\x01") }
func untok(s string) string { return strings.ReplaceAll(s, "\x01", " ") }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func sortedKeys(m map[string]*TabMeta) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}

// tokenScanner reads whitespace/newline-separated tokens, the Go
// equivalent of the source's `operator>>` stream extraction.
type tokenScanner struct {
	sc *bufio.Scanner
}

func newTokenScanner(r io.Reader) *tokenScanner {
	sc := bufio.NewScanner(r)
	sc.Split(bufio.ScanWords)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &tokenScanner{sc: sc}
}

func (t *tokenScanner) next() (string, error) {
	if !t.sc.Scan() {
		if err := t.sc.Err(); err != nil {
			return "", err
		}
		return "", fmt.Errorf("catalog: unexpected end of metadata stream")
	}
	return t.sc.Text(), nil
}

func (t *tokenScanner) nextInt() (int, error) {
	s, err := t.next()
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("catalog: parse int token %q: %w", s, err)
	}
	return n, nil
}

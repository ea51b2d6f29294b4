package catalog

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/relicaldb/relicaldb/internal/coltype"
)

func TestDbMeta_RoundTrip(t *testing.T) {
	db := &dbMetaFile{
		Name:       "mydb",
		DatabaseID: uuid.New(),
		Tabs: map[string]*TabMeta{
			"t1": {
				Name: "t1",
				Cols: []ColMeta{
					{TabName: "t1", Name: "id", Type: coltype.Int, Len: 4, Offset: 0, Index: true},
					{TabName: "t1", Name: "name", Type: coltype.String, Len: 8, Offset: 4},
				},
				Indexes: []IndexMeta{
					{
						TabName:   "t1",
						ColTotLen: 4,
						ColNum:    1,
						Cols: []ColMeta{
							{TabName: "t1", Name: "id", Type: coltype.Int, Len: 4, Offset: 0, Index: true},
						},
					},
				},
			},
		},
	}

	var buf bytes.Buffer
	if err := writeDbMeta(&buf, db); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := readDbMeta(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	if got.Name != db.Name {
		t.Fatalf("name mismatch: %q vs %q", got.Name, db.Name)
	}
	if got.DatabaseID != db.DatabaseID {
		t.Fatalf("database id mismatch")
	}
	if len(got.Tabs) != len(db.Tabs) {
		t.Fatalf("table count mismatch: %d vs %d", len(got.Tabs), len(db.Tabs))
	}
	gotTab := got.Tabs["t1"]
	if gotTab == nil {
		t.Fatal("expected table t1 to survive round trip")
	}
	if len(gotTab.Cols) != 2 || gotTab.Cols[0].Name != "id" || gotTab.Cols[1].Name != "name" {
		t.Fatalf("column round trip mismatch: %+v", gotTab.Cols)
	}
	if !gotTab.Cols[0].Index {
		t.Fatal("expected id column's Index flag to survive round trip")
	}
	if len(gotTab.Indexes) != 1 || gotTab.Indexes[0].ColNum != 1 {
		t.Fatalf("index round trip mismatch: %+v", gotTab.Indexes)
	}
}

func TestTokUntok_Reversible(t *testing.T) {
	s := "a name with spaces"
	if got := untok(tok(s)); got != s {
		t.Fatalf("tok/untok round trip: got %q want %q", got, s)
	}
}

package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/relicaldb/relicaldb/internal/catalog"
	"github.com/relicaldb/relicaldb/internal/config"
	"github.com/relicaldb/relicaldb/internal/coltype"
	"github.com/relicaldb/relicaldb/internal/engine"
)

func TestBuildRdbengine(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	out := filepath.Join(os.TempDir(), "rdbengine_bin")
	cmd := exec.CommandContext(ctx, "go", "build", "-o", out, ".")
	cmd.Env = os.Environ()
	if outp, err := cmd.CombinedOutput(); err != nil {
		_ = os.Remove(out)
		t.Fatalf("go build failed: %v\n%s", err, string(outp))
	}
	_ = os.Remove(out)
}

func TestOpenCatalog_CreatesThenReopens(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DataDir = dir
	cfg.BufferPoolFrames = 64

	cat, _, teardown, err := openCatalog(cfg, "rdbtest")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	cols := []catalog.ColMeta{{Name: "id", Type: coltype.Int, Len: 4}}
	if err := cat.CreateTable("t", cols); err != nil {
		teardown()
		t.Fatalf("create table: %v", err)
	}
	teardown()

	cat2, _, teardown2, err := openCatalog(cfg, "rdbtest")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer teardown2()
	if _, err := cat2.GetTable("t"); err != nil {
		t.Fatalf("expected table t to survive reopen, got: %v", err)
	}
}

func captureStdout(t *testing.T, f func()) string {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	orig := os.Stdout
	os.Stdout = w
	defer func() { os.Stdout = orig }()

	f()
	w.Close()
	var buf bytes.Buffer
	io.Copy(&buf, r)
	return buf.String()
}

func TestPrintResult_DmlPrintsRowsAffected(t *testing.T) {
	out := captureStdout(t, func() {
		printResult(&engine.Result{Tag: engine.TagDmlWithoutSelect, RowsAffected: 2})
	})
	if !strings.Contains(out, "2 rows affected") {
		t.Fatalf("expected the rows-affected count in the DML output, got %q", out)
	}
}

func TestPrintResult_SelectPrintsColumnHeader(t *testing.T) {
	out := captureStdout(t, func() {
		printResult(&engine.Result{
			Tag:     engine.TagOneSelect,
			Columns: []catalog.ColMeta{{Name: "id", Type: coltype.Int, Len: 4}},
			Rows:    [][]engine.Value{{engine.IntValue(1)}},
		})
	})
	if !strings.Contains(out, "id") {
		t.Fatalf("expected output listing the column header and row, got %q", out)
	}
}

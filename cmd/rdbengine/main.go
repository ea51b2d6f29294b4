// Command rdbengine is a thin REPL harness over the engine: it wires the
// storage stack together from an EngineConfig and drives one
// engine.Session against stdin, one statement at a time, each
// terminated by ';' (a statement may span several lines). It is not a network server or a full client tool, just enough
// to exercise the engine end to end.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/relicaldb/relicaldb/internal/catalog"
	"github.com/relicaldb/relicaldb/internal/config"
	"github.com/relicaldb/relicaldb/internal/engine"
	"github.com/relicaldb/relicaldb/internal/importer"
	"github.com/relicaldb/relicaldb/internal/scheduler"
	"github.com/relicaldb/relicaldb/internal/storage/buffer"
	"github.com/relicaldb/relicaldb/internal/storage/disk"
	"github.com/relicaldb/relicaldb/internal/txn"
)

var (
	flagConfig = flag.String("config", "", "path to a YAML EngineConfig (defaults built in if omitted)")
	flagDBName = flag.String("db", "relicaldb", "database name to create if data_dir is empty")
)

func main() {
	flag.Parse()

	cfg := config.Default()
	if *flagConfig != "" {
		loaded, err := config.Load(*flagConfig)
		if err != nil {
			fmt.Fprintln(os.Stderr, "config error:", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	cat, d, teardown, err := openCatalog(cfg, *flagDBName)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open error:", err)
		os.Exit(1)
	}
	defer teardown()

	lockMgr := txn.NewLockManager()
	txnMgr := txn.NewTransactionManager(lockMgr)

	chkLog, err := d.OpenLogFile("checkpoint.log")
	if err != nil {
		fmt.Fprintln(os.Stderr, "checkpoint log error:", err)
		os.Exit(1)
	}
	defer chkLog.Close()

	checkpointer := scheduler.New(cat, chkLog)
	if err := checkpointer.Start(cfg.CheckpointCron); err != nil {
		fmt.Fprintln(os.Stderr, "checkpoint scheduler error:", err)
		os.Exit(1)
	}
	defer checkpointer.Stop()

	loadPool := importer.NewPool(cfg.LoadConcurrency)
	sess := engine.NewSession(cat, txnMgr, loadPool)

	runREPL(sess)
}

// openCatalog creates a fresh database under cfg.DataDir the first time
// it is run, and reopens it on every subsequent run. The disk manager is
// returned alongside so the caller can open the checkpoint log through
// it.
func openCatalog(cfg config.EngineConfig, name string) (*catalog.Catalog, *disk.Manager, func(), error) {
	d := disk.NewManager(cfg.DataDir)
	pool := buffer.NewPool(d, cfg.BufferPoolFrames)

	metaPath := cfg.DataDir + "/db.meta"
	var cat *catalog.Catalog
	var err error
	if _, statErr := os.Stat(metaPath); os.IsNotExist(statErr) {
		cat, err = catalog.CreateDB(cfg.DataDir, name, d, pool)
	} else {
		cat, err = catalog.OpenDB(cfg.DataDir, d, pool)
	}
	if err != nil {
		return nil, nil, nil, err
	}
	teardown := func() {
		if err := cat.CloseDB(); err != nil {
			fmt.Fprintln(os.Stderr, "close error:", err)
		}
	}
	return cat, d, teardown, nil
}

func runREPL(sess *engine.Session) {
	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 1024), 4*1024*1024)

	interactive := false
	if fi, err := os.Stdin.Stat(); err == nil {
		interactive = (fi.Mode() & os.ModeCharDevice) != 0
	}

	var buf strings.Builder
	for {
		if interactive {
			if buf.Len() == 0 {
				fmt.Print("rdb> ")
			} else {
				fmt.Print(" ... ")
			}
		}

		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				fmt.Fprintln(os.Stderr, "read error:", err)
			}
			return
		}

		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}

		buf.WriteString(line)
		buf.WriteByte(' ')
		if !strings.HasSuffix(line, ";") {
			continue
		}

		stmt := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(buf.String()), ";"))
		buf.Reset()
		if stmt == "" {
			continue
		}

		res, err := sess.Exec(stmt)
		if err != nil {
			fmt.Fprintln(os.Stderr, "ERR:", err)
			continue
		}
		printResult(res)
	}
}

func printResult(res *engine.Result) {
	switch res.Tag {
	case engine.TagDmlWithoutSelect:
		fmt.Printf("OK (%d rows affected)\n", res.RowsAffected)
		if res.Message != "" {
			fmt.Println(res.Message)
		}
	case engine.TagMultiQuery, engine.TagCmdUtility:
		fmt.Println(res.Message)
	default:
		printRows(res)
	}
}

func printRows(res *engine.Result) {
	if len(res.Columns) == 0 {
		fmt.Println("(0 rows)")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	names := make([]string, len(res.Columns))
	for i, c := range res.Columns {
		names[i] = c.Name
	}
	fmt.Fprintln(w, strings.Join(names, "\t"))
	for _, row := range res.Rows {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = v.String()
		}
		fmt.Fprintln(w, strings.Join(cells, "\t"))
	}
	w.Flush()
	fmt.Printf("(%d rows)\n", len(res.Rows))
}

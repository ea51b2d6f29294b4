package engine

import (
	"fmt"

	"github.com/relicaldb/relicaldb/internal/catalog"
	"github.com/relicaldb/relicaldb/internal/dberrors"
	"github.com/relicaldb/relicaldb/internal/importer"
	"github.com/relicaldb/relicaldb/internal/txn"
)

const helpText = `supported statements:
  CREATE TABLE tab (col type, ...)
  DROP TABLE tab
  CREATE INDEX tab (col, ...)
  DROP INDEX tab (col, ...)
  SHOW TABLES
  SHOW INDEX tab
  DESC tab
  INSERT INTO tab VALUES (v, ...)
  LOAD 'path' INTO tab
  DELETE FROM tab [WHERE ...]
  UPDATE tab SET col=expr[,...] [WHERE ...]
  SELECT ... FROM ... [WHERE] [GROUP BY] [HAVING] [ORDER BY] [LIMIT]
  BEGIN | COMMIT | ABORT | ROLLBACK
`

// Session drives one client's statements against a catalog: statements
// issued outside an explicit BEGIN/COMMIT block run as their own
// single-statement transaction (auto-commit), mirroring how a table's
// CREATE/DROP or a bare INSERT is expected to take effect immediately.
type Session struct {
	cat      *catalog.Catalog
	txnMgr   *txn.TransactionManager
	loadPool *importer.Pool

	active *txn.Transaction
}

// NewSession constructs a session bound to cat, coordinating its locks
// and undo through txnMgr. loadPool may be nil to run LOAD ungated.
func NewSession(cat *catalog.Catalog, txnMgr *txn.TransactionManager, loadPool *importer.Pool) *Session {
	return &Session{cat: cat, txnMgr: txnMgr, loadPool: loadPool}
}

// Exec parses and runs one statement.
func (s *Session) Exec(sql string) (*Result, error) {
	stmt, err := ParseStatement(sql)
	if err != nil {
		return nil, err
	}
	return s.ExecStmt(stmt)
}

// ExecStmt runs an already-parsed statement.
func (s *Session) ExecStmt(stmt Stmt) (*Result, error) {
	switch st := stmt.(type) {
	case *TxnStmt:
		return s.execTxn(st)
	case *HelpStmt:
		return &Result{Tag: TagCmdUtility, Message: helpText}, nil
	case *SetOutputStmt:
		return &Result{Tag: TagCmdUtility, Message: "OK"}, nil
	}

	t := s.active
	implicit := t == nil
	if implicit {
		t = s.txnMgr.Begin()
	}
	ctx := &Context{Cat: s.cat, Txn: t, TxnMgr: s.txnMgr}

	res, err := Execute(ctx, s.loadPool, stmt)
	if implicit {
		if err != nil {
			if aerr := s.txnMgr.Abort(t); aerr != nil {
				return nil, fmt.Errorf("%w (during abort of: %v)", aerr, err)
			}
		} else {
			s.txnMgr.Commit(t)
		}
	}
	return res, err
}

func (s *Session) execTxn(st *TxnStmt) (*Result, error) {
	switch st.Kind {
	case "BEGIN":
		if s.active != nil {
			return nil, fmt.Errorf("%w: a transaction is already active", dberrors.ErrInternal)
		}
		s.active = s.txnMgr.Begin()
		return &Result{Tag: TagCmdUtility, Message: "transaction started"}, nil
	case "COMMIT":
		if s.active == nil {
			return nil, fmt.Errorf("%w: no active transaction", dberrors.ErrInternal)
		}
		s.txnMgr.Commit(s.active)
		s.active = nil
		return &Result{Tag: TagCmdUtility, Message: "transaction committed"}, nil
	case "ABORT", "ROLLBACK":
		if s.active == nil {
			return nil, fmt.Errorf("%w: no active transaction", dberrors.ErrInternal)
		}
		t := s.active
		s.active = nil
		if err := s.txnMgr.Abort(t); err != nil {
			return nil, err
		}
		return &Result{Tag: TagCmdUtility, Message: "transaction aborted"}, nil
	}
	return nil, fmt.Errorf("%w: unknown transaction statement %s", dberrors.ErrInternal, st.Kind)
}

// Package mocksql provides a queue-driven database/sql driver for tests.
//
// Every statement issued through the returned *sql.DB must match the next
// queued Operation in type and (whitespace-normalised) SQL text. Stores are
// exercised against their real queries without a running MySQL server.
package mocksql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// Kind identifies the expected driver call.
type Kind int

const (
	KindExec Kind = iota
	KindQuery
	KindBegin
	KindCommit
	KindRollback
)

func (k Kind) String() string {
	switch k {
	case KindExec:
		return "exec"
	case KindQuery:
		return "query"
	case KindBegin:
		return "begin"
	case KindCommit:
		return "commit"
	case KindRollback:
		return "rollback"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Operation is one expected call.
type Operation struct {
	Kind   Kind
	SQL    string
	Args   []driver.Value
	Result Result
	Rows   Rows
	Err    error
}

// Result is returned from Exec operations.
type Result struct {
	LastInsertID int64
	RowsAffected int64
}

// execResult adapts Result to driver.Result.
type execResult struct{ r Result }

func (e execResult) LastInsertId() (int64, error) { return e.r.LastInsertID, nil }
func (e execResult) RowsAffected() (int64, error) { return e.r.RowsAffected, nil }

// Rows is returned from Query operations.
type Rows struct {
	Columns []string
	Values  [][]driver.Value
}

// Exec expects an ExecContext call with the given SQL.
func Exec(query string, result Result) Operation {
	return Operation{Kind: KindExec, SQL: query, Result: result}
}

// Query expects a QueryContext call with the given SQL.
func Query(query string, rows Rows) Operation {
	return Operation{Kind: KindQuery, SQL: query, Rows: rows}
}

func Begin() Operation    { return Operation{Kind: KindBegin} }
func Commit() Operation   { return Operation{Kind: KindCommit} }
func Rollback() Operation { return Operation{Kind: KindRollback} }

// WithArgs makes the operation also assert the bound arguments.
func (o Operation) WithArgs(args ...driver.Value) Operation {
	o.Args = args
	return o
}

// WithErr makes the operation fail with err.
func (o Operation) WithErr(err error) Operation {
	o.Err = err
	return o
}

// Driver replays the queued operations.
type Driver struct {
	mu  sync.Mutex
	ops []Operation
	idx int
}

var driverSeq atomic.Int32

// New registers a fresh driver instance and opens a single-connection pool on it.
func New(t testing.TB, ops ...Operation) (*sql.DB, *Driver) {
	t.Helper()

	drv := &Driver{ops: ops}
	name := fmt.Sprintf("mocksql-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	t.Cleanup(func() { db.Close() })
	return db, drv
}

// AssertConsumed fails the test when queued operations were not issued.
func (d *Driver) AssertConsumed(t testing.TB) {
	t.Helper()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.idx != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", d.idx, len(d.ops))
	}
}

// Open implements driver.Driver.
func (d *Driver) Open(string) (driver.Conn, error) {
	return &conn{driver: d}, nil
}

func (d *Driver) next(expected Kind, query string, args []driver.NamedValue) (*Operation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.idx >= len(d.ops) {
		return nil, fmt.Errorf("unexpected operation: %v %q", expected, Normalize(query))
	}
	op := &d.ops[d.idx]
	if op.Kind != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", op.Kind, expected)
	}
	d.idx++
	if op.SQL != "" {
		want := Normalize(op.SQL)
		got := Normalize(query)
		if want != got {
			return nil, fmt.Errorf("unexpected query. want %q got %q", want, got)
		}
	}
	if op.Args != nil {
		actual := make([]driver.Value, len(args))
		for i, arg := range args {
			actual[i] = arg.Value
		}
		if !reflect.DeepEqual(op.Args, actual) {
			return nil, fmt.Errorf("unexpected args for %q. want %v got %v", Normalize(query), op.Args, actual)
		}
	}
	return op, nil
}

type conn struct {
	driver *Driver
}

func (c *conn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *conn) Close() error { return nil }

func (c *conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *conn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	op, err := c.driver.next(KindBegin, "", nil)
	if err != nil {
		return nil, err
	}
	if op.Err != nil {
		return nil, op.Err
	}
	return &tx{driver: c.driver}, nil
}

func (c *conn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	op, err := c.driver.next(KindExec, query, args)
	if err != nil {
		return nil, err
	}
	if op.Err != nil {
		return nil, op.Err
	}
	return execResult{r: op.Result}, nil
}

func (c *conn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	op, err := c.driver.next(KindQuery, query, args)
	if err != nil {
		return nil, err
	}
	if op.Err != nil {
		return nil, op.Err
	}
	return &rows{columns: op.Rows.Columns, values: op.Rows.Values}, nil
}

func (c *conn) Ping(context.Context) error { return nil }

type tx struct {
	driver *Driver
}

func (t *tx) Commit() error {
	op, err := t.driver.next(KindCommit, "", nil)
	if err != nil {
		return err
	}
	return op.Err
}

func (t *tx) Rollback() error {
	op, err := t.driver.next(KindRollback, "", nil)
	if err != nil {
		return err
	}
	return op.Err
}

type rows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *rows) Columns() []string { return r.columns }
func (r *rows) Close() error      { return nil }

func (r *rows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

// Normalize collapses whitespace so expected SQL can be written freely.
func Normalize(query string) string {
	return strings.Join(strings.Fields(query), " ")
}

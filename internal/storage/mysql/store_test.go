package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	stdErrors "errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	gomysql "github.com/go-sql-driver/mysql"

	xerrors "AgentDCA/internal/errors"
	"AgentDCA/internal/kv"
)

func newTestStore(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Unix(1_700_000_000, 0) }}
}

func TestStoreGet(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		queryOp(`SELECT v FROM kv_entries WHERE k = ?`, mockRowsData{
			columns: []string{"v"},
			values:  [][]driver.Value{{[]byte(`{"id":"o-1"}`)}},
		}),
		queryOp(`SELECT v FROM kv_entries WHERE k = ?`, mockRowsData{columns: []string{"v"}}),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	store := newTestStore(db)
	value, err := store.Get(context.Background(), "order:o-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(value) != `{"id":"o-1"}` {
		t.Fatalf("unexpected value: %s", value)
	}
	if _, err := store.Get(context.Background(), "order:missing"); !stdErrors.Is(err, kv.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreSetAndDelete(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		execOp(`INSERT INTO kv_entries (k, v, updated_at) VALUES (?, ?, ?)
        ON DUPLICATE KEY UPDATE v = VALUES(v), updated_at = VALUES(updated_at)`, mockResult{rowsAffected: 1}),
		execOp(`DELETE FROM kv_entries WHERE k = ?`, mockResult{rowsAffected: 1}),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	store := newTestStore(db)
	if err := store.Set(context.Background(), "agent-key-by-wallet:0xabc", []byte("k-1")); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := store.Delete(context.Background(), "agent-key-by-wallet:0xabc"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
}

func TestStoreCompareAndSwapCreate(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		execOp(`INSERT INTO kv_entries (k, v, updated_at) VALUES (?, ?, ?)`, mockResult{rowsAffected: 1}),
		{typ: opExec, query: `INSERT INTO kv_entries (k, v, updated_at) VALUES (?, ?, ?)`, err: &gomysql.MySQLError{Number: mysqlDuplicateEntry, Message: "Duplicate entry"}},
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	store := newTestStore(db)
	swapped, err := store.CompareAndSwap(context.Background(), "order:o-1", nil, []byte("v1"))
	if err != nil || !swapped {
		t.Fatalf("expected create to succeed: swapped=%v err=%v", swapped, err)
	}
	swapped, err = store.CompareAndSwap(context.Background(), "order:o-1", nil, []byte("v1"))
	if err != nil {
		t.Fatalf("duplicate insert should not be an error: %v", err)
	}
	if swapped {
		t.Fatalf("duplicate insert must not report success")
	}
}

func TestStoreCompareAndSwapUpdate(t *testing.T) {
	t.Parallel()

	const update = `UPDATE kv_entries SET v = ?, updated_at = ? WHERE k = ? AND v = ?`
	db, driver := newMockDB(t, []mockOperation{
		execOp(update, mockResult{rowsAffected: 1}),
		execOp(update, mockResult{rowsAffected: 0}),
		{typ: opExec, query: update, err: fmt.Errorf("connection reset")},
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	store := newTestStore(db)
	ctx := context.Background()
	if swapped, err := store.CompareAndSwap(ctx, "order:o-1", []byte("v1"), []byte("v2")); err != nil || !swapped {
		t.Fatalf("expected swap: swapped=%v err=%v", swapped, err)
	}
	if swapped, err := store.CompareAndSwap(ctx, "order:o-1", []byte("v1"), []byte("v3")); err != nil || swapped {
		t.Fatalf("stale swap must fail quietly: swapped=%v err=%v", swapped, err)
	}
	_, err := store.CompareAndSwap(ctx, "order:o-1", []byte("v2"), []byte("v3"))
	if xerrors.CodeOf(err) != xerrors.CodeStorageFailure {
		t.Fatalf("expected storage failure, got %v", err)
	}
	if xerrors.ClassOf(err) != xerrors.ClassTransient {
		t.Fatalf("storage failures should be transient")
	}
}

func TestStoreSetOperations(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		beginOp(),
		execOp(`INSERT IGNORE INTO kv_set_members (set_key, member, created_at) VALUES (?, ?, ?)`, mockResult{rowsAffected: 1}),
		execOp(`INSERT IGNORE INTO kv_set_members (set_key, member, created_at) VALUES (?, ?, ?)`, mockResult{rowsAffected: 0}),
		commitOp(),
		queryOp(`SELECT member FROM kv_set_members WHERE set_key = ? ORDER BY member`, mockRowsData{
			columns: []string{"member"},
			values:  [][]driver.Value{{"o-1"}, {"o-2"}},
		}),
		beginOp(),
		{typ: opExec, query: `DELETE FROM kv_set_members WHERE set_key = ? AND member = ?`, err: fmt.Errorf("deadlock")},
		rollbackOp(),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	store := newTestStore(db)
	ctx := context.Background()
	if err := store.SAdd(ctx, "orders", "o-1", "o-2"); err != nil {
		t.Fatalf("sadd failed: %v", err)
	}
	members, err := store.SMembers(ctx, "orders")
	if err != nil {
		t.Fatalf("smembers failed: %v", err)
	}
	if len(members) != 2 || members[0] != "o-1" || members[1] != "o-2" {
		t.Fatalf("unexpected members: %v", members)
	}
	if err := store.SRem(ctx, "orders", "o-1"); xerrors.CodeOf(err) != xerrors.CodeStorageFailure {
		t.Fatalf("expected storage failure from srem, got %v", err)
	}
	if err := store.SAdd(ctx, "orders"); err != nil {
		t.Fatalf("empty sadd should be a no-op: %v", err)
	}
}

type operationType int

const (
	opExec operationType = iota
	opQuery
	opBegin
	opCommit
	opRollback
)

type mockOperation struct {
	typ    operationType
	query  string
	result mockResult
	rows   mockRowsData
	err    error
}

type mockResult struct {
	lastInsertID int64
	rowsAffected int64
}

func (r mockResult) LastInsertId() (int64, error) { return r.lastInsertID, nil }
func (r mockResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type mockRowsData struct {
	columns []string
	values  [][]driver.Value
}

type queueDriver struct {
	ops []mockOperation
	idx int32
}

var driverSeq atomic.Int32

func newMockDB(t *testing.T, ops []mockOperation) (*sql.DB, *queueDriver) {
	t.Helper()

	drv := &queueDriver{ops: ops}
	name := fmt.Sprintf("mock-mysql-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, drv
}

func execOp(query string, result mockResult) mockOperation {
	return mockOperation{typ: opExec, query: query, result: result}
}

func queryOp(query string, rows mockRowsData) mockOperation {
	return mockOperation{typ: opQuery, query: query, rows: rows}
}

func beginOp() mockOperation { return mockOperation{typ: opBegin} }

func commitOp() mockOperation { return mockOperation{typ: opCommit} }

func rollbackOp() mockOperation { return mockOperation{typ: opRollback} }

func (d *queueDriver) assertConsumed(t *testing.T) {
	t.Helper()

	if int(atomic.LoadInt32(&d.idx)) != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", atomic.LoadInt32(&d.idx), len(d.ops))
	}
}

func (d *queueDriver) Open(name string) (driver.Conn, error) {
	return &mockConn{driver: d}, nil
}

type mockConn struct {
	driver *queueDriver
}

func (c *mockConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *mockConn) Close() error { return nil }

func (c *mockConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *mockConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	op, err := c.next(opBegin, "")
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockTx{driver: c.driver}, nil
}

func (c *mockConn) Exec(query string, args []driver.Value) (driver.Result, error) {
	return c.ExecContext(context.Background(), query, named(args))
}

func (c *mockConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	op, err := c.next(opExec, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return op.result, nil
}

func (c *mockConn) Query(query string, args []driver.Value) (driver.Rows, error) {
	return c.QueryContext(context.Background(), query, named(args))
}

func (c *mockConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	op, err := c.next(opQuery, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockRows{columns: op.rows.columns, values: op.rows.values}, nil
}

func (c *mockConn) Ping(ctx context.Context) error { return nil }

func (c *mockConn) next(expected operationType, query string) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&c.driver.idx))
	if idx >= len(c.driver.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &c.driver.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", expected, op.typ)
	}
	atomic.AddInt32(&c.driver.idx, 1)
	if op.query != "" {
		expectedSQL := normalizeSQL(op.query)
		actualSQL := normalizeSQL(query)
		if expectedSQL != actualSQL {
			return nil, fmt.Errorf("unexpected query. want %q got %q", expectedSQL, actualSQL)
		}
	}
	return op, nil
}

type mockTx struct {
	driver *queueDriver
}

func (t *mockTx) Commit() error {
	op, err := t.next(opCommit)
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) Rollback() error {
	op, err := t.next(opRollback)
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) next(expected operationType) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&t.driver.idx))
	if idx >= len(t.driver.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &t.driver.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", expected, op.typ)
	}
	atomic.AddInt32(&t.driver.idx, 1)
	return op, nil
}

type mockRows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *mockRows) Columns() []string { return r.columns }
func (r *mockRows) Close() error      { return nil }

func (r *mockRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

func named(args []driver.Value) []driver.NamedValue {
	namedArgs := make([]driver.NamedValue, len(args))
	for i, arg := range args {
		namedArgs[i] = driver.NamedValue{Ordinal: i + 1, Value: arg}
	}
	return namedArgs
}

func normalizeSQL(query string) string {
	fields := strings.Fields(query)
	return strings.Join(fields, " ")
}

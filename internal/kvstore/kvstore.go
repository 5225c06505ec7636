// Package kvstore is the transactional KV environment every other component
// of the scheduler persists through. It is deliberately table-shaped rather
// than schema-shaped: every table is a plain (key, value) map, so a
// secondary index is just a table whose values happen to be encoded bitmaps
// (see internal/bitmap) and a record table is just a table whose values
// happen to be encoded structs.
//
// The implementation follows the same approach the teacher's
// internal/storage/sqlite package uses for its relational tables: the
// pure-Go ncruces/go-sqlite3 driver (no cgo), one *sql.DB per environment,
// and explicit BEGIN IMMEDIATE write transactions taken from a single
// checked-out *sql.Conn to acquire the write lock early, exactly as
// documented on storage.Storage.RunInTransaction. A single in-process mutex
// additionally serializes write transactions so a second writer blocks
// instead of retrying against SQLITE_BUSY.
package kvstore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"sync"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/nikita812/idxqueue/internal/apperr"
)

// Env is one ACID environment holding a fixed set of named tables.
type Env struct {
	db   *sql.DB
	path string

	mu       sync.Mutex   // serializes write transactions (see package doc)
	tablesMu sync.RWMutex // guards tables
	tables   map[string]bool
}

// Open creates (or reopens) the environment at path. The caller must call
// CreateTable for every table it intends to use before starting a
// transaction against it.
func Open(path string) (*Env, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, apperr.Wrap(apperr.KvError, "opening environment", err)
	}
	db.SetMaxOpenConns(1 << 8)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, apperr.Wrap(apperr.KvError, "configuring environment", err)
	}
	return &Env{db: db, path: path, tables: make(map[string]bool)}, nil
}

// Path returns the filesystem path backing the environment.
func (e *Env) Path() string { return e.path }

// Close releases the underlying database handle.
func (e *Env) Close() error {
	if err := e.db.Close(); err != nil {
		return apperr.Wrap(apperr.KvError, "closing environment", err)
	}
	return nil
}

func physicalName(table string) string { return "kv_" + table }

// CreateTable registers a logical table name, creating its backing physical
// table if it does not already exist. Idempotent.
func (e *Env) CreateTable(table string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.known(table) {
		return nil
	}
	stmt := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (k BLOB PRIMARY KEY, v BLOB NOT NULL)`,
		physicalName(table),
	)
	if _, err := e.db.Exec(stmt); err != nil {
		return apperr.Wrap(apperr.KvError, fmt.Sprintf("creating table %q", table), err)
	}
	e.tablesMu.Lock()
	e.tables[table] = true
	e.tablesMu.Unlock()
	return nil
}

func (e *Env) known(table string) bool {
	e.tablesMu.RLock()
	defer e.tablesMu.RUnlock()
	return e.tables[table]
}

// Txn is a single transaction against the environment. A read txn sees a
// consistent snapshot taken at Txn start; a write txn holds the
// environment's single write lock until Commit or Rollback.
type Txn struct {
	env      *Env
	ctx      context.Context
	conn     *sql.Conn
	writable bool
	done     bool
}

// ReadTxn opens a read-only snapshot. Multiple read txns may be open
// concurrently with each other and with an in-flight write txn.
func (e *Env) ReadTxn(ctx context.Context) (*Txn, error) {
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KvError, "opening read transaction", err)
	}
	if _, err := conn.ExecContext(ctx, "BEGIN DEFERRED"); err != nil {
		_ = conn.Close()
		return nil, apperr.Wrap(apperr.KvError, "opening read transaction", err)
	}
	return &Txn{env: e, ctx: ctx, conn: conn, writable: false}, nil
}

// WriteTxn opens the environment's single write transaction. It blocks
// until any other in-flight write transaction commits or rolls back.
func (e *Env) WriteTxn(ctx context.Context) (*Txn, error) {
	e.mu.Lock()
	conn, err := e.db.Conn(ctx)
	if err != nil {
		e.mu.Unlock()
		return nil, apperr.Wrap(apperr.KvError, "opening write transaction", err)
	}
	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		_ = conn.Close()
		e.mu.Unlock()
		return nil, apperr.Wrap(apperr.KvError, "opening write transaction", err)
	}
	return &Txn{env: e, ctx: ctx, conn: conn, writable: true}, nil
}

// Commit finalizes the transaction.
func (t *Txn) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.release()
	if _, err := t.conn.ExecContext(t.ctx, "COMMIT"); err != nil {
		return apperr.Wrap(apperr.KvError, "committing transaction", err)
	}
	return nil
}

// Rollback aborts the transaction. Safe to call after Commit (no-op).
func (t *Txn) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.release()
	if _, err := t.conn.ExecContext(t.ctx, "ROLLBACK"); err != nil {
		return apperr.Wrap(apperr.KvError, "rolling back transaction", err)
	}
	return nil
}

func (t *Txn) release() {
	_ = t.conn.Close()
	if t.writable {
		t.env.mu.Unlock()
	}
}

func (t *Txn) requireTable(table string) error {
	if !t.env.known(table) {
		return apperr.Newf(apperr.KvError, "unknown table %q", table)
	}
	return nil
}

// Get returns the value stored under key in table, and ok=false if absent.
func (t *Txn) Get(table string, key []byte) (value []byte, ok bool, err error) {
	if err := t.requireTable(table); err != nil {
		return nil, false, err
	}
	q := fmt.Sprintf(`SELECT v FROM %s WHERE k = ?`, physicalName(table))
	row := t.conn.QueryRowContext(t.ctx, q, key)
	if err := row.Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, apperr.Wrap(apperr.KvError, "reading key", err)
	}
	return value, true, nil
}

// Put inserts or overwrites the value stored under key in table.
func (t *Txn) Put(table string, key, value []byte) error {
	if !t.writable {
		return apperr.New(apperr.KvError, "put on read-only transaction")
	}
	if err := t.requireTable(table); err != nil {
		return err
	}
	q := fmt.Sprintf(`INSERT INTO %s (k, v) VALUES (?, ?)
		ON CONFLICT(k) DO UPDATE SET v = excluded.v`, physicalName(table))
	if _, err := t.conn.ExecContext(t.ctx, q, key, value); err != nil {
		return apperr.Wrap(apperr.KvError, "writing key", err)
	}
	return nil
}

// Append inserts (key, value) under the invariant that key is strictly
// greater than every existing key in table. It is used for all-tasks, whose
// keys (task ids) must never be reused and must remain contiguous.
func (t *Txn) Append(table string, key, value []byte) error {
	if !t.writable {
		return apperr.New(apperr.KvError, "append on read-only transaction")
	}
	maxKey, ok, err := t.MaxKey(table)
	if err != nil {
		return err
	}
	if ok && bytes.Compare(key, maxKey) <= 0 {
		return apperr.Newf(apperr.KvError, "append key %x is not greater than current max %x", key, maxKey)
	}
	return t.Put(table, key, value)
}

// Delete removes key from table, if present.
func (t *Txn) Delete(table string, key []byte) error {
	if !t.writable {
		return apperr.New(apperr.KvError, "delete on read-only transaction")
	}
	if err := t.requireTable(table); err != nil {
		return err
	}
	q := fmt.Sprintf(`DELETE FROM %s WHERE k = ?`, physicalName(table))
	if _, err := t.conn.ExecContext(t.ctx, q, key); err != nil {
		return apperr.Wrap(apperr.KvError, "deleting key", err)
	}
	return nil
}

// MaxKey returns the lexicographically greatest key in table.
func (t *Txn) MaxKey(table string) (key []byte, ok bool, err error) {
	if err := t.requireTable(table); err != nil {
		return nil, false, err
	}
	q := fmt.Sprintf(`SELECT k FROM %s ORDER BY k DESC LIMIT 1`, physicalName(table))
	row := t.conn.QueryRowContext(t.ctx, q)
	if err := row.Scan(&key); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, apperr.Wrap(apperr.KvError, "reading max key", err)
	}
	return key, true, nil
}

// Keys returns every key currently stored in table, in ascending byte order.
func (t *Txn) Keys(table string) ([][]byte, error) {
	if err := t.requireTable(table); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT k FROM %s ORDER BY k ASC`, physicalName(table))
	rows, err := t.conn.QueryContext(t.ctx, q)
	if err != nil {
		return nil, apperr.Wrap(apperr.KvError, "listing keys", err)
	}
	defer rows.Close()

	var keys [][]byte
	for rows.Next() {
		var k []byte
		if err := rows.Scan(&k); err != nil {
			return nil, apperr.Wrap(apperr.KvError, "scanning key", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KvError, "iterating keys", err)
	}
	return keys, nil
}

// U32Key encodes a task/document id as a big-endian sort-preserving key.
func U32Key(id uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, id)
	return buf
}

// U32FromKey decodes a key produced by U32Key.
func U32FromKey(key []byte) (uint32, error) {
	if len(key) != 4 {
		return 0, apperr.Newf(apperr.KvError, "malformed u32 key of length %d", len(key))
	}
	return binary.BigEndian.Uint32(key), nil
}

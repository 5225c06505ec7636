package kvstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nikita812/idxqueue/internal/apperr"
)

func openTestEnv(t *testing.T) *Env {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	env, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = env.Close() })
	if err := env.CreateTable("widgets"); err != nil {
		t.Fatalf("create table: %v", err)
	}
	return env
}

func TestPutGetRoundTrip(t *testing.T) {
	env := openTestEnv(t)
	ctx := context.Background()

	wtxn, err := env.WriteTxn(ctx)
	if err != nil {
		t.Fatalf("write txn: %v", err)
	}
	if err := wtxn.Put("widgets", []byte("a"), []byte("1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := wtxn.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	rtxn, err := env.ReadTxn(ctx)
	if err != nil {
		t.Fatalf("read txn: %v", err)
	}
	defer rtxn.Rollback()

	v, ok, err := rtxn.Get("widgets", []byte("a"))
	if err != nil || !ok {
		t.Fatalf("get: v=%s ok=%v err=%v", v, ok, err)
	}
	if string(v) != "1" {
		t.Fatalf("get = %q, want 1", v)
	}

	if _, ok, err := rtxn.Get("widgets", []byte("missing")); err != nil || ok {
		t.Fatalf("get missing: ok=%v err=%v", ok, err)
	}
}

func TestRollbackDiscardsWrites(t *testing.T) {
	env := openTestEnv(t)
	ctx := context.Background()

	wtxn, err := env.WriteTxn(ctx)
	if err != nil {
		t.Fatalf("write txn: %v", err)
	}
	if err := wtxn.Put("widgets", []byte("a"), []byte("1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := wtxn.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	rtxn, err := env.ReadTxn(ctx)
	if err != nil {
		t.Fatalf("read txn: %v", err)
	}
	defer rtxn.Rollback()
	if _, ok, err := rtxn.Get("widgets", []byte("a")); err != nil || ok {
		t.Fatalf("get after rollback: ok=%v err=%v", ok, err)
	}
}

func TestAppendRejectsNonIncreasingKey(t *testing.T) {
	env := openTestEnv(t)
	ctx := context.Background()

	wtxn, err := env.WriteTxn(ctx)
	if err != nil {
		t.Fatalf("write txn: %v", err)
	}
	defer wtxn.Rollback()

	if err := wtxn.Append("widgets", U32Key(5), []byte("five")); err != nil {
		t.Fatalf("first append: %v", err)
	}
	if err := wtxn.Append("widgets", U32Key(5), []byte("five-again")); !apperr.Is(err, apperr.KvError) {
		t.Fatalf("expected KvError for non-increasing append, got %v", err)
	}
	if err := wtxn.Append("widgets", U32Key(3), []byte("three")); !apperr.Is(err, apperr.KvError) {
		t.Fatalf("expected KvError for decreasing append, got %v", err)
	}
	if err := wtxn.Append("widgets", U32Key(6), []byte("six")); err != nil {
		t.Fatalf("ascending append: %v", err)
	}
}

func TestMaxKeyAndKeys(t *testing.T) {
	env := openTestEnv(t)
	ctx := context.Background()

	wtxn, err := env.WriteTxn(ctx)
	if err != nil {
		t.Fatalf("write txn: %v", err)
	}
	for _, id := range []uint32{1, 2, 3} {
		if err := wtxn.Append("widgets", U32Key(id), []byte("x")); err != nil {
			t.Fatalf("append %d: %v", id, err)
		}
	}
	if err := wtxn.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	rtxn, err := env.ReadTxn(ctx)
	if err != nil {
		t.Fatalf("read txn: %v", err)
	}
	defer rtxn.Rollback()

	maxKey, ok, err := rtxn.MaxKey("widgets")
	if err != nil || !ok {
		t.Fatalf("max key: ok=%v err=%v", ok, err)
	}
	got, err := U32FromKey(maxKey)
	if err != nil {
		t.Fatalf("decode max key: %v", err)
	}
	if got != 3 {
		t.Fatalf("max key = %d, want 3", got)
	}

	keys, err := rtxn.Keys("widgets")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 3 {
		t.Fatalf("keys = %d, want 3", len(keys))
	}
}

func TestUnknownTableRejected(t *testing.T) {
	env := openTestEnv(t)
	ctx := context.Background()

	rtxn, err := env.ReadTxn(ctx)
	if err != nil {
		t.Fatalf("read txn: %v", err)
	}
	defer rtxn.Rollback()

	if _, _, err := rtxn.Get("ghosts", []byte("a")); !apperr.Is(err, apperr.KvError) {
		t.Fatalf("expected KvError for unknown table, got %v", err)
	}
}

func TestDeleteRemovesKey(t *testing.T) {
	env := openTestEnv(t)
	ctx := context.Background()

	wtxn, err := env.WriteTxn(ctx)
	if err != nil {
		t.Fatalf("write txn: %v", err)
	}
	if err := wtxn.Put("widgets", []byte("a"), []byte("1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := wtxn.Delete("widgets", []byte("a")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := wtxn.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	rtxn, err := env.ReadTxn(ctx)
	if err != nil {
		t.Fatalf("read txn: %v", err)
	}
	defer rtxn.Rollback()
	if _, ok, err := rtxn.Get("widgets", []byte("a")); err != nil || ok {
		t.Fatalf("get after delete: ok=%v err=%v", ok, err)
	}
}

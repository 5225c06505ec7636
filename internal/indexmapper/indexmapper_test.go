package indexmapper

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nikita812/idxqueue/internal/apperr"
	"github.com/nikita812/idxqueue/internal/kvstore"
	"github.com/nikita812/idxqueue/internal/types"
)

func openTestMapper(t *testing.T) *Mapper {
	t.Helper()
	env, err := kvstore.Open(filepath.Join(t.TempDir(), "meta.db"))
	if err != nil {
		t.Fatalf("open meta env: %v", err)
	}
	t.Cleanup(func() { _ = env.Close() })
	m, err := Open(env, filepath.Join(t.TempDir(), "indexes"))
	if err != nil {
		t.Fatalf("open mapper: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestCreateThenIndexReturnsSameHandle(t *testing.T) {
	m := openTestMapper(t)
	ctx := context.Background()

	if err := m.CreateIndex(ctx, "movies"); err != nil {
		t.Fatalf("create: %v", err)
	}

	h1, err := m.Index(ctx, "movies")
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	defer h1.Release()

	h2, err := m.Index(ctx, "movies")
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	defer h2.Release()

	if h1 != h2 {
		t.Fatalf("expected the same cached handle")
	}
}

func TestCreateIndexTwiceFails(t *testing.T) {
	m := openTestMapper(t)
	ctx := context.Background()

	if err := m.CreateIndex(ctx, "movies"); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := m.CreateIndex(ctx, "movies")
	if !apperr.Is(err, apperr.IndexAlreadyExists) {
		t.Fatalf("expected IndexAlreadyExists, got %v", err)
	}
}

func TestIndexNotFound(t *testing.T) {
	m := openTestMapper(t)
	if _, err := m.Index(context.Background(), "ghost"); !apperr.Is(err, apperr.IndexNotFound) {
		t.Fatalf("expected IndexNotFound, got %v", err)
	}
}

func TestHandleSurvivesDeleteUntilReleased(t *testing.T) {
	m := openTestMapper(t)
	ctx := context.Background()

	if err := m.CreateIndex(ctx, "movies"); err != nil {
		t.Fatalf("create: %v", err)
	}
	h, err := m.Index(ctx, "movies")
	if err != nil {
		t.Fatalf("index: %v", err)
	}

	if err := m.DeleteIndex(ctx, "movies"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	// The handle is still usable: its env wasn't closed out from under us.
	wtxn, err := h.Env().WriteTxn(ctx)
	if err != nil {
		t.Fatalf("write txn on handle held across delete: %v", err)
	}
	if err := wtxn.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	if _, err := m.Index(ctx, "movies"); !apperr.Is(err, apperr.IndexNotFound) {
		t.Fatalf("expected IndexNotFound after delete, got %v", err)
	}

	if err := h.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestSwapIndexesExchangesNames(t *testing.T) {
	m := openTestMapper(t)
	ctx := context.Background()

	if err := m.CreateIndex(ctx, "a"); err != nil {
		t.Fatalf("create a: %v", err)
	}
	if err := m.CreateIndex(ctx, "b"); err != nil {
		t.Fatalf("create b: %v", err)
	}

	ha, err := m.Index(ctx, "a")
	if err != nil {
		t.Fatalf("index a: %v", err)
	}
	defer ha.Release()
	hb, err := m.Index(ctx, "b")
	if err != nil {
		t.Fatalf("index b: %v", err)
	}
	defer hb.Release()

	if err := m.SwapIndexes(ctx, []types.IndexSwapPair{{Lhs: "a", Rhs: "b"}}); err != nil {
		t.Fatalf("swap: %v", err)
	}

	haAfter, err := m.Index(ctx, "a")
	if err != nil {
		t.Fatalf("index a after swap: %v", err)
	}
	defer haAfter.Release()
	if haAfter.UID() != hb.UID() {
		t.Fatalf("after swap, name a should resolve to b's storage")
	}
}

func TestIndexesListsAllNames(t *testing.T) {
	m := openTestMapper(t)
	ctx := context.Background()

	if err := m.CreateIndex(ctx, "a"); err != nil {
		t.Fatalf("create a: %v", err)
	}
	if err := m.CreateIndex(ctx, "b"); err != nil {
		t.Fatalf("create b: %v", err)
	}

	names, err := m.Indexes(ctx)
	if err != nil {
		t.Fatalf("indexes: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("names = %v, want 2 entries", names)
	}
}

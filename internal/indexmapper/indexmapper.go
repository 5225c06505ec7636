// Package indexmapper is the index lifecycle mapper (component C4): it
// decouples an index's logical name from its on-disk location, so renaming
// (via swap) never touches the filesystem, and keeps a lazily-populated,
// ref-counted cache of open per-index storage handles, the same shape the
// teacher's daemon registry keeps for its discovered daemon entries, just
// backed by a kvstore table instead of a JSON file.
package indexmapper

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/nikita812/idxqueue/internal/apperr"
	"github.com/nikita812/idxqueue/internal/kvstore"
	"github.com/nikita812/idxqueue/internal/types"
)

const mappingTable = "index_mapping"

// Handle is an open reference to one index's storage environment. Holders
// must call Release when done; the underlying environment and (if the
// index has since been deleted) its directory are only torn down once the
// last reference is released, so a reader that grabbed a Handle before a
// concurrent delete_index commit can keep using it safely.
type Handle struct {
	uid  string
	path string
	env  *kvstore.Env

	mu            sync.Mutex
	refCount      int
	pendingDelete bool
}

// UID returns the index's stable storage-level identifier (distinct from
// its logical name, which may change across a swap).
func (h *Handle) UID() string { return h.uid }

// Env returns the index's own transactional KV environment.
func (h *Handle) Env() *kvstore.Env { return h.env }

func (h *Handle) retain() {
	h.mu.Lock()
	h.refCount++
	h.mu.Unlock()
}

// Release drops one reference to the handle. If the index has been deleted
// and this was the last outstanding reference, its environment is closed
// and its directory removed.
func (h *Handle) Release() error {
	h.mu.Lock()
	h.refCount--
	shouldDestroy := h.pendingDelete && h.refCount <= 0
	h.mu.Unlock()

	if !shouldDestroy {
		return nil
	}
	if err := h.env.Close(); err != nil {
		return err
	}
	if err := os.RemoveAll(h.path); err != nil {
		return apperr.Wrap(apperr.IoError, "removing index directory", err)
	}
	return nil
}

// Mapper is the lazy cache of index handles. It stores the name-to-uid
// mapping in meta's "index_mapping" table and opens per-index environments
// on demand under basePath/<uid>.
type Mapper struct {
	meta     *kvstore.Env
	basePath string

	mu      sync.Mutex
	handles map[string]*Handle // uid -> handle
}

// Open registers the mapping table against meta and returns a Mapper that
// creates per-index directories under basePath.
func Open(meta *kvstore.Env, basePath string) (*Mapper, error) {
	if err := meta.CreateTable(mappingTable); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, apperr.Wrap(apperr.IoError, "creating indexes directory", err)
	}
	return &Mapper{meta: meta, basePath: basePath, handles: make(map[string]*Handle)}, nil
}

func (m *Mapper) lookupUID(ctx context.Context, name string) (string, bool, error) {
	rtxn, err := m.meta.ReadTxn(ctx)
	if err != nil {
		return "", false, err
	}
	defer rtxn.Rollback()
	data, ok, err := rtxn.Get(mappingTable, []byte(name))
	if err != nil || !ok {
		return "", ok, err
	}
	return string(data), true, nil
}

// CreateIndex allocates a fresh storage environment for name, which must
// not already exist.
func (m *Mapper) CreateIndex(ctx context.Context, name string) error {
	if _, ok, err := m.lookupUID(ctx, name); err != nil {
		return err
	} else if ok {
		return apperr.Newf(apperr.IndexAlreadyExists, "index %q already exists", name)
	}

	id := uuid.NewString()
	path := filepath.Join(m.basePath, id)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return apperr.Wrap(apperr.IoError, "creating index directory", err)
	}
	env, err := kvstore.Open(filepath.Join(path, "index.db"))
	if err != nil {
		return err
	}

	wtxn, err := m.meta.WriteTxn(ctx)
	if err != nil {
		_ = env.Close()
		return err
	}
	if err := wtxn.Put(mappingTable, []byte(name), []byte(id)); err != nil {
		wtxn.Rollback()
		_ = env.Close()
		return err
	}
	if err := wtxn.Commit(); err != nil {
		_ = env.Close()
		return err
	}

	m.mu.Lock()
	m.handles[id] = &Handle{uid: id, path: path, env: env}
	m.mu.Unlock()
	return nil
}

// Index returns a retained Handle for name. The caller must call
// Handle.Release when finished with it.
func (m *Mapper) Index(ctx context.Context, name string) (*Handle, error) {
	id, ok, err := m.lookupUID(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Newf(apperr.IndexNotFound, "index %q not found", name)
	}

	m.mu.Lock()
	handle, cached := m.handles[id]
	m.mu.Unlock()
	if !cached {
		env, err := kvstore.Open(filepath.Join(m.basePath, id, "index.db"))
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		if existing, ok := m.handles[id]; ok {
			_ = env.Close()
			handle = existing
		} else {
			handle = &Handle{uid: id, path: filepath.Join(m.basePath, id), env: env}
			m.handles[id] = handle
		}
		m.mu.Unlock()
	}

	handle.retain()
	return handle, nil
}

// Indexes returns every currently registered index name.
func (m *Mapper) Indexes(ctx context.Context) ([]string, error) {
	rtxn, err := m.meta.ReadTxn(ctx)
	if err != nil {
		return nil, err
	}
	defer rtxn.Rollback()
	keys, err := rtxn.Keys(mappingTable)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = string(k)
	}
	return names, nil
}

// DeleteIndex removes name from the mapping. The underlying storage is only
// destroyed once every outstanding Handle referencing it has been released,
// so in-flight readers are unaffected.
func (m *Mapper) DeleteIndex(ctx context.Context, name string) error {
	id, ok, err := m.lookupUID(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Newf(apperr.IndexNotFound, "index %q not found", name)
	}

	wtxn, err := m.meta.WriteTxn(ctx)
	if err != nil {
		return err
	}
	if err := wtxn.Delete(mappingTable, []byte(name)); err != nil {
		wtxn.Rollback()
		return err
	}
	if err := wtxn.Commit(); err != nil {
		return err
	}

	m.mu.Lock()
	handle, cached := m.handles[id]
	if cached {
		delete(m.handles, id)
	}
	m.mu.Unlock()

	if !cached {
		// Never opened in this process: safe to destroy immediately.
		if err := os.RemoveAll(filepath.Join(m.basePath, id)); err != nil {
			return apperr.Wrap(apperr.IoError, "removing index directory", err)
		}
		return nil
	}

	handle.mu.Lock()
	handle.pendingDelete = true
	destroyNow := handle.refCount <= 0
	handle.mu.Unlock()
	if destroyNow {
		if err := handle.env.Close(); err != nil {
			return err
		}
		if err := os.RemoveAll(handle.path); err != nil {
			return apperr.Wrap(apperr.IoError, "removing index directory", err)
		}
	}
	return nil
}

// SwapIndexes atomically exchanges the storage each pair of names points
// at. Every pair commits in a single write transaction: readers never
// observe half a swap.
func (m *Mapper) SwapIndexes(ctx context.Context, pairs []types.IndexSwapPair) error {
	wtxn, err := m.meta.WriteTxn(ctx)
	if err != nil {
		return err
	}
	defer wtxn.Rollback()

	for _, pair := range pairs {
		lhsID, lhsOK, err := wtxn.Get(mappingTable, []byte(pair.Lhs))
		if err != nil {
			return err
		}
		rhsID, rhsOK, err := wtxn.Get(mappingTable, []byte(pair.Rhs))
		if err != nil {
			return err
		}
		if !lhsOK {
			return apperr.Newf(apperr.IndexNotFound, "index %q not found", pair.Lhs)
		}
		if !rhsOK {
			return apperr.Newf(apperr.IndexNotFound, "index %q not found", pair.Rhs)
		}
		if err := wtxn.Put(mappingTable, []byte(pair.Lhs), rhsID); err != nil {
			return err
		}
		if err := wtxn.Put(mappingTable, []byte(pair.Rhs), lhsID); err != nil {
			return err
		}
	}
	return wtxn.Commit()
}

// Close closes every cached environment, regardless of outstanding
// references. Callers must ensure no other goroutine is using a Handle.
func (m *Mapper) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for id, h := range m.handles {
		if err := h.env.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.handles, id)
	}
	return firstErr
}

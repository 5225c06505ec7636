// Package taskstore is the durable task queue (component C5): task records
// indexed by id, plus three secondary bitmap indexes (status, kind,
// per-index tasks) that let every query engine filter run as set algebra
// instead of a table scan. It is built directly on internal/kvstore and
// internal/bitmap, the same division of labor the original's index-scheduler
// keeps between its heed databases and its RoaringBitmap secondary indexes.
package taskstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nikita812/idxqueue/internal/apperr"
	"github.com/nikita812/idxqueue/internal/bitmap"
	"github.com/nikita812/idxqueue/internal/kvstore"
	"github.com/nikita812/idxqueue/internal/types"
)

const (
	tableAllTasks   = "all_tasks"
	tableStatus     = "status"
	tableKind       = "kind"
	tableIndexTasks = "index_tasks"
)

// Store is the durable task queue.
type Store struct {
	env *kvstore.Env
}

// Open registers the store's tables against env and returns a Store.
func Open(env *kvstore.Env) (*Store, error) {
	for _, table := range []string{tableAllTasks, tableStatus, tableKind, tableIndexTasks} {
		if err := env.CreateTable(table); err != nil {
			return nil, err
		}
	}
	return &Store{env: env}, nil
}

func statusKey(s types.Status) []byte { return []byte{byte(s)} }
func kindKey(k types.KindTag) []byte  { return []byte{byte(k)} }
func indexKey(uid string) []byte      { return []byte(uid) }

func (s *Store) loadSet(txn *kvstore.Txn, table string, key []byte) (*bitmap.Set, error) {
	data, ok, err := txn.Get(table, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return bitmap.New(), nil
	}
	set, err := bitmap.Decode(data)
	if err != nil {
		return nil, apperr.Wrap(apperr.CorruptedTaskQueue, "decoding secondary index entry", err)
	}
	return set, nil
}

func (s *Store) storeSet(txn *kvstore.Txn, table string, key []byte, set *bitmap.Set) error {
	data, err := set.Encode()
	if err != nil {
		return apperr.Wrap(apperr.CorruptedTaskQueue, "encoding secondary index entry", err)
	}
	return txn.Put(table, key, data)
}

func (s *Store) addToSet(txn *kvstore.Txn, table string, key []byte, uid uint32) error {
	set, err := s.loadSet(txn, table, key)
	if err != nil {
		return err
	}
	set.Add(uid)
	return s.storeSet(txn, table, key, set)
}

func (s *Store) removeFromSet(txn *kvstore.Txn, table string, key []byte, uid uint32) error {
	set, err := s.loadSet(txn, table, key)
	if err != nil {
		return err
	}
	set.Remove(uid)
	return s.storeSet(txn, table, key, set)
}

// taskRecord is the on-disk encoding of a Task.
type taskRecord = types.Task

func encodeTask(t *types.Task) ([]byte, error) {
	data, err := json.Marshal((*taskRecord)(t))
	if err != nil {
		return nil, apperr.Wrap(apperr.CorruptedTaskQueue, "encoding task", err)
	}
	return data, nil
}

func decodeTask(data []byte) (*types.Task, error) {
	var t taskRecord
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, apperr.Wrap(apperr.CorruptedTaskQueue, "decoding task", err)
	}
	return (*types.Task)(&t), nil
}

// NextUID returns the id that Register would assign next, without
// registering anything. Exposed so CancelTask/DeleteTasks can resolve a
// Query against the task list that existed before their own enqueue.
func (s *Store) NextUID(ctx context.Context) (uint32, error) {
	rtxn, err := s.env.ReadTxn(ctx)
	if err != nil {
		return 0, err
	}
	defer rtxn.Rollback()
	return s.nextUIDLocked(rtxn)
}

func (s *Store) nextUIDLocked(txn *kvstore.Txn) (uint32, error) {
	maxKey, ok, err := txn.MaxKey(tableAllTasks)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	last, err := kvstore.U32FromKey(maxKey)
	if err != nil {
		return 0, err
	}
	return last + 1, nil
}

// Register durably appends a new task for kind and returns the stored
// record. Enqueueing never fails part-way: the task row and every secondary
// index entry it touches commit in one write transaction.
func (s *Store) Register(ctx context.Context, kind types.KindWithContent) (*types.Task, error) {
	wtxn, err := s.env.WriteTxn(ctx)
	if err != nil {
		return nil, err
	}
	defer wtxn.Rollback()

	uid, err := s.nextUIDLocked(wtxn)
	if err != nil {
		return nil, err
	}

	task := &types.Task{
		UID:        uid,
		EnqueuedAt: time.Now().UTC(),
		Status:     types.StatusEnqueued,
		Details:    kind.DefaultDetails(),
		Kind:       kind,
	}

	data, err := encodeTask(task)
	if err != nil {
		return nil, err
	}
	if err := wtxn.Append(tableAllTasks, kvstore.U32Key(uid), data); err != nil {
		return nil, err
	}
	if err := s.addToSet(wtxn, tableStatus, statusKey(types.StatusEnqueued), uid); err != nil {
		return nil, err
	}
	if err := s.addToSet(wtxn, tableKind, kindKey(kind.AsKind()), uid); err != nil {
		return nil, err
	}
	for _, idx := range kind.Indexes() {
		if err := s.addToSet(wtxn, tableIndexTasks, indexKey(idx), uid); err != nil {
			return nil, err
		}
	}

	if err := wtxn.Commit(); err != nil {
		return nil, err
	}
	return task, nil
}

// Get returns a single task by id.
func (s *Store) Get(ctx context.Context, uid uint32) (*types.Task, error) {
	rtxn, err := s.env.ReadTxn(ctx)
	if err != nil {
		return nil, err
	}
	defer rtxn.Rollback()
	return s.getLocked(rtxn, uid)
}

func (s *Store) getLocked(txn *kvstore.Txn, uid uint32) (*types.Task, error) {
	data, ok, err := txn.Get(tableAllTasks, kvstore.U32Key(uid))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Newf(apperr.CorruptedTaskQueue, "task %d referenced by a secondary index but missing from all_tasks", uid)
	}
	return decodeTask(data)
}

// EnqueuedAscending returns every currently-enqueued task, in ascending
// enqueue order, with no limit applied. The autobatcher needs the whole
// run, not a page of it, to decide how far a fused batch extends.
func (s *Store) EnqueuedAscending(ctx context.Context) ([]*types.Task, error) {
	rtxn, err := s.env.ReadTxn(ctx)
	if err != nil {
		return nil, err
	}
	defer rtxn.Rollback()

	set, err := s.loadSet(rtxn, tableStatus, statusKey(types.StatusEnqueued))
	if err != nil {
		return nil, err
	}
	ids := set.ToSlice()
	tasks := make([]*types.Task, 0, len(ids))
	for _, id := range ids {
		task, err := s.getLocked(rtxn, id)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// Query runs q against the persisted task list and returns the matching
// tasks' ids, highest-first, capped at q.Limit. Overlaying in-flight
// processing state onto the result is the scheduler's job, not the store's.
func (s *Store) Query(ctx context.Context, q types.Query) ([]uint32, error) {
	q = q.WithDefaults()
	rtxn, err := s.env.ReadTxn(ctx)
	if err != nil {
		return nil, err
	}
	defer rtxn.Rollback()

	maxKey, ok, err := rtxn.MaxKey(tableAllTasks)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	lastUID, err := kvstore.U32FromKey(maxKey)
	if err != nil {
		return nil, err
	}

	candidates := bitmap.Range(0, lastUID+1)
	if q.From != nil {
		candidates.IntersectInPlace(bitmap.Range(0, *q.From+1))
	}
	if q.UID != nil {
		candidates.IntersectInPlace(bitmap.Of(q.UID...))
	}
	if q.Status != nil {
		union := bitmap.New()
		for _, st := range q.Status {
			set, err := s.loadSet(rtxn, tableStatus, statusKey(st))
			if err != nil {
				return nil, err
			}
			union.UnionInPlace(set)
		}
		candidates.IntersectInPlace(union)
	}
	if q.Kind != nil {
		union := bitmap.New()
		for _, k := range q.Kind {
			set, err := s.loadSet(rtxn, tableKind, kindKey(k))
			if err != nil {
				return nil, err
			}
			union.UnionInPlace(set)
		}
		candidates.IntersectInPlace(union)
	}
	if q.IndexUID != nil {
		union := bitmap.New()
		for _, uid := range q.IndexUID {
			set, err := s.loadSet(rtxn, tableIndexTasks, indexKey(uid))
			if err != nil {
				return nil, err
			}
			union.UnionInPlace(set)
		}
		candidates.IntersectInPlace(union)
	}

	out := make([]uint32, 0, q.Limit)
	candidates.ReverseIterate(func(id uint32) bool {
		out = append(out, id)
		return uint32(len(out)) < q.Limit
	})
	return out, nil
}

// GetTasks is Query followed by decoding every matched id into its Task.
func (s *Store) GetTasks(ctx context.Context, q types.Query) ([]*types.Task, error) {
	ids, err := s.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	rtxn, err := s.env.ReadTxn(ctx)
	if err != nil {
		return nil, err
	}
	defer rtxn.Rollback()

	tasks := make([]*types.Task, 0, len(ids))
	for _, id := range ids {
		task, err := s.getLocked(rtxn, id)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// Update overwrites the stored record for task.UID and moves it between
// status buckets if its status changed. Callers (the scheduler) must
// pass the previous status so the old bucket can be cleared; passing the
// same status as task.Status is a no-op on the status index.
func (s *Store) Update(ctx context.Context, previousStatus types.Status, task *types.Task) error {
	wtxn, err := s.env.WriteTxn(ctx)
	if err != nil {
		return err
	}
	defer wtxn.Rollback()

	data, err := encodeTask(task)
	if err != nil {
		return err
	}
	if err := wtxn.Put(tableAllTasks, kvstore.U32Key(task.UID), data); err != nil {
		return err
	}
	if previousStatus != task.Status {
		if err := s.removeFromSet(wtxn, tableStatus, statusKey(previousStatus), task.UID); err != nil {
			return err
		}
		if err := s.addToSet(wtxn, tableStatus, statusKey(task.Status), task.UID); err != nil {
			return err
		}
	}
	return wtxn.Commit()
}

// SwapIndexTasks exchanges the index_tasks bitmap entries for every pair of
// index names in pairs, so a query for either name keeps returning the task
// ids that belong with the storage it now points at. Call alongside an
// indexmapper name-to-storage swap; the two must agree on which tasks belong
// to which name.
func (s *Store) SwapIndexTasks(ctx context.Context, pairs []types.IndexSwapPair) error {
	if len(pairs) == 0 {
		return nil
	}
	wtxn, err := s.env.WriteTxn(ctx)
	if err != nil {
		return err
	}
	defer wtxn.Rollback()

	for _, pair := range pairs {
		lhsSet, err := s.loadSet(wtxn, tableIndexTasks, indexKey(pair.Lhs))
		if err != nil {
			return err
		}
		rhsSet, err := s.loadSet(wtxn, tableIndexTasks, indexKey(pair.Rhs))
		if err != nil {
			return err
		}
		if err := s.storeSet(wtxn, tableIndexTasks, indexKey(pair.Lhs), rhsSet); err != nil {
			return err
		}
		if err := s.storeSet(wtxn, tableIndexTasks, indexKey(pair.Rhs), lhsSet); err != nil {
			return err
		}
	}
	return wtxn.Commit()
}

// Delete permanently removes the given tasks from the queue and every
// secondary index entry referencing them. Used by the task-deletion
// operation to garbage-collect terminal tasks a DeleteTasks query matched.
func (s *Store) Delete(ctx context.Context, ids []uint32) error {
	if len(ids) == 0 {
		return nil
	}
	wtxn, err := s.env.WriteTxn(ctx)
	if err != nil {
		return err
	}
	defer wtxn.Rollback()

	for _, id := range ids {
		task, err := s.getLocked(wtxn, id)
		if err != nil {
			return err
		}
		if err := wtxn.Delete(tableAllTasks, kvstore.U32Key(id)); err != nil {
			return err
		}
		if err := s.removeFromSet(wtxn, tableStatus, statusKey(task.Status), id); err != nil {
			return err
		}
		if err := s.removeFromSet(wtxn, tableKind, kindKey(task.Kind.AsKind()), id); err != nil {
			return err
		}
		for _, idx := range task.Kind.Indexes() {
			if err := s.removeFromSet(wtxn, tableIndexTasks, indexKey(idx), id); err != nil {
				return err
			}
		}
	}
	return wtxn.Commit()
}

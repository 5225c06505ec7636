// Package scheduler is the dedicated loop goroutine (component C8) tying
// together the task queue, the autobatcher, and the batch processor. It
// wakes on a single coalescing signal, runs exactly one batch per wake-up,
// and resignals itself when there might be more work left, the same
// run-then-maybe-resignal shape the original's background thread uses
// around wake_up.wait()/wake_up.signal().
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nikita812/idxqueue/internal/autobatch"
	"github.com/nikita812/idxqueue/internal/batch"
	"github.com/nikita812/idxqueue/internal/bitmap"
	"github.com/nikita812/idxqueue/internal/taskstore"
	"github.com/nikita812/idxqueue/internal/types"
	"github.com/nikita812/idxqueue/internal/wakeup"
)

// Scheduler drives the single-writer task processing loop.
type Scheduler struct {
	store     *taskstore.Store
	processor *batch.Processor
	logger    *slog.Logger
	wake      *wakeup.Signal

	autobatchingEnabled bool

	mu              sync.RWMutex
	processing      *bitmap.Set
	processingSince time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// Options configures a Scheduler.
type Options struct {
	AutobatchingEnabled bool
	Logger              *slog.Logger
}

// New builds a Scheduler. Call Start to begin processing.
func New(store *taskstore.Store, processor *batch.Processor, opts Options) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:                store,
		processor:            processor,
		logger:               logger,
		wake:                 wakeup.New(),
		autobatchingEnabled:  opts.AutobatchingEnabled,
		processing:           bitmap.New(),
	}
}

// Start spawns the loop goroutine. It is safe to call once per Scheduler.
func (s *Scheduler) Start(ctx context.Context) {
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.run(ctx)
}

// Stop signals the loop to exit and waits for it to do so.
func (s *Scheduler) Stop() {
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	<-s.doneCh
}

// WakeUp requests a tick, coalescing with any already-pending wake-up.
func (s *Scheduler) WakeUp() { s.wake.Set() }

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-s.wake.WaitChan():
			n, err := s.tick(ctx)
			if err != nil {
				s.logger.Error("batch tick failed", "error", err)
				continue
			}
			if n > 0 {
				s.wake.Set()
			}
		}
	}
}

// Register enqueues kind and wakes the loop.
func (s *Scheduler) Register(ctx context.Context, kind types.KindWithContent) (*types.Task, error) {
	task, err := s.store.Register(ctx, kind)
	if err != nil {
		return nil, err
	}
	s.WakeUp()
	return task, nil
}

// GetTasks runs q against the store and overlays in-flight processing
// state: a task the loop currently has in hand reports Processing and its
// StartedAt even though its persisted record still says Enqueued, exactly
// the overlay the original's processing_tasks lock provides without a
// write for every processing transition.
func (s *Scheduler) GetTasks(ctx context.Context, q types.Query) ([]*types.Task, error) {
	tasks, err := s.store.GetTasks(ctx, q)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	processing := s.processing
	since := s.processingSince
	s.mu.RUnlock()

	for _, t := range tasks {
		if processing.Contains(t.UID) {
			t.Status = types.StatusProcessing
			t.StartedAt = &since
		}
	}
	return tasks, nil
}

// tick runs at most one batch and returns how many tasks it covered. A
// return of (0, nil) means there was nothing enqueued.
func (s *Scheduler) tick(ctx context.Context) (int, error) {
	enqueued, err := s.store.EnqueuedAscending(ctx)
	if err != nil {
		return 0, err
	}
	if len(enqueued) == 0 {
		return 0, nil
	}

	inputs := make([]autobatch.EnqueuedTask, len(enqueued))
	byUID := make(map[uint32]*types.Task, len(enqueued))
	for i, t := range enqueued {
		inputs[i] = autobatch.EnqueuedTask{UID: t.UID, Kind: t.Kind}
		byUID[t.UID] = t
	}

	var b *autobatch.Batch
	if s.autobatchingEnabled {
		b = autobatch.NextBatch(inputs)
	} else {
		b = autobatch.NextBatch(inputs[:1])
	}
	if b == nil {
		return 0, nil
	}

	tasks := make([]*types.Task, len(b.TaskUIDs))
	for i, uid := range b.TaskUIDs {
		tasks[i] = byUID[uid]
	}

	s.mu.Lock()
	s.processing = bitmap.Of(b.TaskUIDs...)
	s.processingSince = time.Now().UTC()
	s.mu.Unlock()

	results, runErr := s.processor.Run(ctx, b, tasks)
	if runErr != nil {
		s.logger.Warn("batch finished with an error", "batch_kind", b.Kind, "error", runErr)
	}

	for _, task := range results {
		if err := s.store.Update(ctx, types.StatusEnqueued, task); err != nil {
			s.logger.Error("failed to persist task outcome", "task_uid", task.UID, "error", err)
		}
	}

	s.mu.Lock()
	s.processing = bitmap.New()
	s.mu.Unlock()

	return len(b.TaskUIDs), nil
}

// CancelTasks marks every non-terminal task among uids as Canceled. It
// satisfies batch.CancelResolver.
func (s *Scheduler) CancelTasks(ctx context.Context, uids []uint32) (int64, error) {
	var canceled int64
	for _, uid := range uids {
		task, err := s.store.Get(ctx, uid)
		if err != nil {
			return canceled, err
		}
		if task.Status.Terminal() {
			continue
		}
		previous := task.Status
		task.Status = types.StatusCanceled
		now := time.Now().UTC()
		task.FinishedAt = &now
		if err := s.store.Update(ctx, previous, task); err != nil {
			return canceled, err
		}
		canceled++
	}
	return canceled, nil
}

// DeleteTasks permanently removes every terminal task among uids. A
// non-terminal task (enqueued or processing) cannot be deleted and is
// skipped rather than erroring the whole batch. It satisfies
// batch.DeleteResolver.
func (s *Scheduler) DeleteTasks(ctx context.Context, uids []uint32) (int64, error) {
	var deletable []uint32
	for _, uid := range uids {
		task, err := s.store.Get(ctx, uid)
		if err != nil {
			return 0, err
		}
		if task.Status.Terminal() {
			deletable = append(deletable, uid)
		}
	}
	if err := s.store.Delete(ctx, deletable); err != nil {
		return 0, err
	}
	return int64(len(deletable)), nil
}

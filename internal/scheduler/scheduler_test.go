package scheduler

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/nikita812/idxqueue/internal/batch"
	"github.com/nikita812/idxqueue/internal/indexmapper"
	"github.com/nikita812/idxqueue/internal/kvstore"
	"github.com/nikita812/idxqueue/internal/taskstore"
	"github.com/nikita812/idxqueue/internal/types"
	"github.com/nikita812/idxqueue/internal/updatefile"
)

type blockingEngine struct {
	release chan struct{}
}

func (e *blockingEngine) ImportDocuments(ctx context.Context, h *indexmapper.Handle, content io.Reader, method types.ImportMethod, primaryKey *string) (int64, error) {
	if e.release != nil {
		<-e.release
	}
	return 1, nil
}
func (e *blockingEngine) DeleteDocuments(ctx context.Context, h *indexmapper.Handle, ids []string) (int64, error) {
	return int64(len(ids)), nil
}
func (e *blockingEngine) ClearDocuments(ctx context.Context, h *indexmapper.Handle) (int64, error) {
	return 0, nil
}
func (e *blockingEngine) ApplySettings(ctx context.Context, h *indexmapper.Handle, settings map[string]any) error {
	return nil
}

type testHarness struct {
	sched *Scheduler
	store *taskstore.Store
	blobs *updatefile.Store
}

func newHarness(t *testing.T, engine batch.IndexEngine, autobatching bool) *testHarness {
	t.Helper()
	metaEnv, err := kvstore.Open(filepath.Join(t.TempDir(), "meta.db"))
	if err != nil {
		t.Fatalf("open meta: %v", err)
	}
	t.Cleanup(func() { _ = metaEnv.Close() })

	store, err := taskstore.Open(metaEnv)
	if err != nil {
		t.Fatalf("open taskstore: %v", err)
	}

	mapper, err := indexmapper.Open(metaEnv, filepath.Join(t.TempDir(), "indexes"))
	if err != nil {
		t.Fatalf("open mapper: %v", err)
	}
	t.Cleanup(func() { _ = mapper.Close() })

	blobs, err := updatefile.Open(filepath.Join(t.TempDir(), "blobs"))
	if err != nil {
		t.Fatalf("open blobs: %v", err)
	}

	processor := &batch.Processor{
		Mapper:   mapper,
		Blobs:    blobs,
		Engine:   engine,
		Exporter: batch.NoopExporter{},
	}
	sched := New(store, processor, Options{AutobatchingEnabled: autobatching})
	processor.Cancels = sched
	processor.Deletes = sched

	return &testHarness{sched: sched, store: store, blobs: blobs}
}

func importKind(t *testing.T, h *testHarness, index string) types.KindWithContent {
	t.Helper()
	w, err := h.blobs.NewWriter()
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if _, err := w.Write([]byte("{}")); err != nil {
		t.Fatalf("write blob: %v", err)
	}
	if err := w.Persist(); err != nil {
		t.Fatalf("persist blob: %v", err)
	}
	return types.KindWithContent{
		Tag: types.KindDocumentImport,
		DocumentImport: &types.DocumentImportContent{
			IndexUID:    index,
			Method:      types.ImportReplace,
			ContentUUID: w.UUID(),
		},
	}
}

func waitForStatus(t *testing.T, h *testHarness, uid uint32, want types.Status, timeout time.Duration) *types.Task {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		task, err := h.sched.GetTasks(context.Background(), types.Query{UID: []uint32{uid}})
		if err != nil {
			t.Fatalf("get tasks: %v", err)
		}
		if len(task) == 1 && task[0].Status == want {
			return task[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %d did not reach status %v within %v", uid, want, timeout)
	return nil
}

func TestRegisterThenProcessSucceeds(t *testing.T) {
	h := newHarness(t, &blockingEngine{}, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.sched.Start(ctx)
	defer h.sched.Stop()

	if err := h.sched.processor.Mapper.CreateIndex(ctx, "movies"); err != nil {
		t.Fatalf("create index: %v", err)
	}

	task, err := h.sched.Register(ctx, importKind(t, h, "movies"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	got := waitForStatus(t, h, task.UID, types.StatusSucceeded, time.Second)
	if got.Details == nil || got.Details.DocumentAddition == nil || *got.Details.DocumentAddition.IndexedDocuments != 1 {
		t.Fatalf("details = %+v", got.Details)
	}
}

func TestInsertTaskWhileAnotherIsProcessingIsPickedUpByResignal(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, &blockingEngine{release: release}, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := h.sched.processor.Mapper.CreateIndex(ctx, "movies"); err != nil {
		t.Fatalf("create index: %v", err)
	}

	first, err := h.sched.store.Register(ctx, importKind(t, h, "movies"))
	if err != nil {
		t.Fatalf("register first: %v", err)
	}

	h.sched.Start(ctx)
	defer h.sched.Stop()
	h.sched.WakeUp()

	// Give the loop a moment to pick the first task up and block inside the
	// engine, then enqueue a second task behind it.
	time.Sleep(20 * time.Millisecond)
	second, err := h.sched.Register(ctx, importKind(t, h, "movies"))
	if err != nil {
		t.Fatalf("register second: %v", err)
	}

	close(release)

	waitForStatus(t, h, first.UID, types.StatusSucceeded, time.Second)
	waitForStatus(t, h, second.UID, types.StatusSucceeded, time.Second)
}

func TestProcessTasksWithoutAutobatchingRunsOneAtATime(t *testing.T) {
	h := newHarness(t, &blockingEngine{}, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := h.sched.processor.Mapper.CreateIndex(ctx, "movies"); err != nil {
		t.Fatalf("create index: %v", err)
	}

	a, err := h.sched.store.Register(ctx, importKind(t, h, "movies"))
	if err != nil {
		t.Fatalf("register a: %v", err)
	}
	b, err := h.sched.store.Register(ctx, importKind(t, h, "movies"))
	if err != nil {
		t.Fatalf("register b: %v", err)
	}

	h.sched.Start(ctx)
	defer h.sched.Stop()
	h.sched.WakeUp()

	waitForStatus(t, h, a.UID, types.StatusSucceeded, time.Second)
	waitForStatus(t, h, b.UID, types.StatusSucceeded, time.Second)
}

func TestTaskDeletionSkipsNonTerminalTasks(t *testing.T) {
	h := newHarness(t, &blockingEngine{release: make(chan struct{})}, true)
	ctx := context.Background()

	if err := h.sched.processor.Mapper.CreateIndex(ctx, "movies"); err != nil {
		t.Fatalf("create index: %v", err)
	}
	enqueuedTask, err := h.sched.store.Register(ctx, importKind(t, h, "movies"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	deleted, err := h.sched.DeleteTasks(ctx, []uint32{enqueuedTask.UID})
	if err != nil {
		t.Fatalf("delete tasks: %v", err)
	}
	if deleted != 0 {
		t.Fatalf("deleted = %d, want 0 for a still-enqueued task", deleted)
	}

	still, err := h.sched.store.Get(ctx, enqueuedTask.UID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if still.Status != types.StatusEnqueued {
		t.Fatalf("status = %v, want enqueued", still.Status)
	}
}

func TestTaskDeletionDeletesTerminalTasks(t *testing.T) {
	h := newHarness(t, &blockingEngine{}, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := h.sched.processor.Mapper.CreateIndex(ctx, "movies"); err != nil {
		t.Fatalf("create index: %v", err)
	}
	h.sched.Start(ctx)
	task, err := h.sched.Register(ctx, importKind(t, h, "movies"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	waitForStatus(t, h, task.UID, types.StatusSucceeded, time.Second)
	h.sched.Stop()

	deleted, err := h.sched.DeleteTasks(context.Background(), []uint32{task.UID})
	if err != nil {
		t.Fatalf("delete tasks: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}
	if _, err := h.sched.store.Get(context.Background(), task.UID); err == nil {
		t.Fatalf("expected error fetching deleted task")
	}
}

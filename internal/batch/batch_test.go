package batch

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/nikita812/idxqueue/internal/apperr"
	"github.com/nikita812/idxqueue/internal/autobatch"
	"github.com/nikita812/idxqueue/internal/indexmapper"
	"github.com/nikita812/idxqueue/internal/kvstore"
	"github.com/nikita812/idxqueue/internal/taskstore"
	"github.com/nikita812/idxqueue/internal/types"
	"github.com/nikita812/idxqueue/internal/updatefile"
)

type fakeEngine struct {
	importErr error
	indexed   int64
}

func (f *fakeEngine) ImportDocuments(ctx context.Context, h *indexmapper.Handle, content io.Reader, method types.ImportMethod, primaryKey *string) (int64, error) {
	if f.importErr != nil {
		return 0, f.importErr
	}
	data, _ := io.ReadAll(content)
	_ = data
	return f.indexed, nil
}

func (f *fakeEngine) DeleteDocuments(ctx context.Context, h *indexmapper.Handle, ids []string) (int64, error) {
	return int64(len(ids)), nil
}

func (f *fakeEngine) ClearDocuments(ctx context.Context, h *indexmapper.Handle) (int64, error) {
	return 7, nil
}

func (f *fakeEngine) ApplySettings(ctx context.Context, h *indexmapper.Handle, settings map[string]any) error {
	return nil
}

func newTestProcessor(t *testing.T, engine IndexEngine) (*Processor, *updatefile.Store) {
	t.Helper()
	metaEnv, err := kvstore.Open(filepath.Join(t.TempDir(), "meta.db"))
	if err != nil {
		t.Fatalf("open meta env: %v", err)
	}
	t.Cleanup(func() { _ = metaEnv.Close() })

	mapper, err := indexmapper.Open(metaEnv, filepath.Join(t.TempDir(), "indexes"))
	if err != nil {
		t.Fatalf("open mapper: %v", err)
	}
	t.Cleanup(func() { _ = mapper.Close() })

	blobs, err := updatefile.Open(filepath.Join(t.TempDir(), "blobs"))
	if err != nil {
		t.Fatalf("open blobs: %v", err)
	}

	store, err := taskstore.Open(metaEnv)
	if err != nil {
		t.Fatalf("open taskstore: %v", err)
	}

	return &Processor{
		Mapper:   mapper,
		Blobs:    blobs,
		Engine:   engine,
		Exporter: NoopExporter{},
		Tasks:    store,
	}, blobs
}

func documentImportTask(uid uint32, index, contentUUID string) *types.Task {
	k := types.KindWithContent{
		Tag: types.KindDocumentImport,
		DocumentImport: &types.DocumentImportContent{
			IndexUID:    index,
			Method:      types.ImportReplace,
			ContentUUID: contentUUID,
		},
	}
	return &types.Task{
		UID:     uid,
		Status:  types.StatusEnqueued,
		Kind:    k,
		Details: k.DefaultDetails(),
	}
}

func TestRunIndexCreationThenImport(t *testing.T) {
	p, blobs := newTestProcessor(t, &fakeEngine{indexed: 3})
	ctx := context.Background()

	w, err := blobs.NewWriter()
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if _, err := w.Write([]byte("{}")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Persist(); err != nil {
		t.Fatalf("persist: %v", err)
	}

	creationTask := &types.Task{
		UID:    0,
		Status: types.StatusEnqueued,
		Kind: types.KindWithContent{
			Tag:           types.KindIndexCreation,
			IndexCreation: &types.IndexCreationContent{IndexUID: "movies"},
		},
	}
	importTask := documentImportTask(1, "movies", w.UUID())

	// Build the batch the same way the scheduler does, via the real
	// autobatcher, so a regression in fusing the import onto the
	// IndexCreation batch's payload fails this test.
	b := autobatch.NextBatch([]autobatch.EnqueuedTask{
		{UID: creationTask.UID, Kind: creationTask.Kind},
		{UID: importTask.UID, Kind: importTask.Kind},
	})

	tasks, err := p.Run(ctx, b, []*types.Task{creationTask, importTask})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, task := range tasks {
		if task.Status != types.StatusSucceeded {
			t.Fatalf("task %d status = %v, want succeeded", task.UID, task.Status)
		}
	}
	if *importTask.Details.DocumentAddition.IndexedDocuments != 3 {
		t.Fatalf("indexed documents = %d, want 3", *importTask.Details.DocumentAddition.IndexedDocuments)
	}
}

func TestRunFailsWholeBatchOnEngineError(t *testing.T) {
	p, blobs := newTestProcessor(t, &fakeEngine{importErr: apperr.New(apperr.BatchExecutionError, "boom")})
	ctx := context.Background()

	if err := p.Mapper.CreateIndex(ctx, "movies"); err != nil {
		t.Fatalf("create index: %v", err)
	}

	w, err := blobs.NewWriter()
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := w.Persist(); err != nil {
		t.Fatalf("persist: %v", err)
	}

	t1 := documentImportTask(0, "movies", w.UUID())
	t2 := documentImportTask(1, "movies", w.UUID())
	b := &autobatch.Batch{
		TaskUIDs:        []uint32{0, 1},
		Kind:            types.KindDocumentImport,
		IndexUID:        "movies",
		DocumentImports: []*types.DocumentImportContent{t1.Kind.DocumentImport, t2.Kind.DocumentImport},
	}

	tasks, err := p.Run(ctx, b, []*types.Task{t1, t2})
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, task := range tasks {
		if task.Status != types.StatusFailed {
			t.Fatalf("task %d status = %v, want failed", task.UID, task.Status)
		}
		if task.Error == nil {
			t.Fatalf("task %d should carry an error", task.UID)
		}
	}
}

func TestRunDocumentClearReportsDeletedCount(t *testing.T) {
	p, _ := newTestProcessor(t, &fakeEngine{})
	ctx := context.Background()

	if err := p.Mapper.CreateIndex(ctx, "movies"); err != nil {
		t.Fatalf("create index: %v", err)
	}

	k := types.KindWithContent{Tag: types.KindDocumentClear, DocumentClear: &types.DocumentClearContent{IndexUID: "movies"}}
	task := &types.Task{UID: 0, Kind: k, Details: k.DefaultDetails()}
	b := &autobatch.Batch{TaskUIDs: []uint32{0}, Kind: types.KindDocumentClear, IndexUID: "movies"}

	tasks, err := p.Run(ctx, b, []*types.Task{task})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if *tasks[0].Details.ClearAll.DeletedDocuments != 7 {
		t.Fatalf("deleted documents = %d, want 7", *tasks[0].Details.ClearAll.DeletedDocuments)
	}
}

func TestRunIndexSwapExchangesIndexTasks(t *testing.T) {
	p, _ := newTestProcessor(t, &fakeEngine{})
	ctx := context.Background()

	if err := p.Mapper.CreateIndex(ctx, "movies"); err != nil {
		t.Fatalf("create index movies: %v", err)
	}
	if err := p.Mapper.CreateIndex(ctx, "books"); err != nil {
		t.Fatalf("create index books: %v", err)
	}

	store := p.Tasks.(*taskstore.Store)
	moviesTask, err := store.Register(ctx, types.KindWithContent{
		Tag:           types.KindDocumentClear,
		DocumentClear: &types.DocumentClearContent{IndexUID: "movies"},
	})
	if err != nil {
		t.Fatalf("register movies task: %v", err)
	}
	booksTask, err := store.Register(ctx, types.KindWithContent{
		Tag:           types.KindDocumentClear,
		DocumentClear: &types.DocumentClearContent{IndexUID: "books"},
	})
	if err != nil {
		t.Fatalf("register books task: %v", err)
	}

	k := types.KindWithContent{
		Tag:       types.KindIndexSwap,
		IndexSwap: &types.IndexSwapContent{Swaps: []types.IndexSwapPair{{Lhs: "movies", Rhs: "books"}}},
	}
	swapTask := &types.Task{UID: 99, Kind: k, Details: k.DefaultDetails()}
	b := &autobatch.Batch{TaskUIDs: []uint32{99}, Kind: types.KindIndexSwap}

	if _, err := p.Run(ctx, b, []*types.Task{swapTask}); err != nil {
		t.Fatalf("run: %v", err)
	}

	moviesTasks, err := store.GetTasks(ctx, types.Query{IndexUID: []string{"movies"}, Limit: 10})
	if err != nil {
		t.Fatalf("get tasks for movies: %v", err)
	}
	if len(moviesTasks) != 1 || moviesTasks[0].UID != booksTask.UID {
		t.Fatalf("movies index now holds %+v, want only the original books task", moviesTasks)
	}

	booksTasks, err := store.GetTasks(ctx, types.Query{IndexUID: []string{"books"}, Limit: 10})
	if err != nil {
		t.Fatalf("get tasks for books: %v", err)
	}
	if len(booksTasks) != 1 || booksTasks[0].UID != moviesTask.UID {
		t.Fatalf("books index now holds %+v, want only the original movies task", booksTasks)
	}
}

func TestRunSnapshotUsesExporter(t *testing.T) {
	p, _ := newTestProcessor(t, &fakeEngine{})
	ctx := context.Background()

	k := types.KindWithContent{Tag: types.KindSnapshot, Snapshot: &types.SnapshotContent{}}
	task := &types.Task{UID: 0, Kind: k}
	b := &autobatch.Batch{TaskUIDs: []uint32{0}, Kind: types.KindSnapshot}

	tasks, err := p.Run(ctx, b, []*types.Task{task})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if tasks[0].Status != types.StatusSucceeded {
		t.Fatalf("status = %v, want succeeded", tasks[0].Status)
	}
}

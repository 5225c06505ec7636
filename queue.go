package idxqueue

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/nikita812/idxqueue/internal/apperr"
	"github.com/nikita812/idxqueue/internal/batch"
	"github.com/nikita812/idxqueue/internal/indexmapper"
	"github.com/nikita812/idxqueue/internal/kvstore"
	"github.com/nikita812/idxqueue/internal/logging"
	"github.com/nikita812/idxqueue/internal/scheduler"
	"github.com/nikita812/idxqueue/internal/taskstore"
	"github.com/nikita812/idxqueue/internal/updatefile"
)

// Queue is the entry point: register tasks, query the task list, and
// manage the index lifecycle, all backed by one durable scheduler.
type Queue struct {
	opts Options

	lock      *flock.Flock
	metaEnv   *kvstore.Env
	store     *taskstore.Store
	mapper    *indexmapper.Mapper
	blobs     *updatefile.Store
	processor *batch.Processor
	scheduler *scheduler.Scheduler
}

// Open wires up a Queue from opts and starts its scheduler loop. The
// returned Queue holds an exclusive lock over opts.TasksPath for its
// lifetime; call Close to release it.
func Open(ctx context.Context, opts Options) (*Queue, error) {
	if err := os.MkdirAll(opts.TasksPath, 0o755); err != nil {
		return nil, apperr.Wrap(apperr.IoError, "creating task queue directory", err)
	}

	lock := flock.New(filepath.Join(opts.TasksPath, ".lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, apperr.Wrap(apperr.IoError, "acquiring task queue lock", err)
	}
	if !locked {
		return nil, apperr.New(apperr.IoError, "another process already holds the task queue lock")
	}

	metaEnv, err := kvstore.Open(filepath.Join(opts.TasksPath, "tasks.db"))
	if err != nil {
		_, _ = lock.TryUnlock()
		return nil, err
	}

	store, err := taskstore.Open(metaEnv)
	if err != nil {
		_ = metaEnv.Close()
		_, _ = lock.TryUnlock()
		return nil, err
	}

	mapper, err := indexmapper.Open(metaEnv, opts.IndexesPath)
	if err != nil {
		_ = metaEnv.Close()
		_, _ = lock.TryUnlock()
		return nil, err
	}

	blobs, err := updatefile.Open(opts.UpdateFilesPath)
	if err != nil {
		_ = metaEnv.Close()
		_, _ = lock.TryUnlock()
		return nil, err
	}

	exporter := opts.Exporter
	if exporter == nil {
		exporter = &fileExporter{dumpsPath: opts.DumpsPath}
	}
	engine := opts.Engine
	if engine == nil {
		engine = unconfiguredEngine{}
	}

	processor := &batch.Processor{
		Mapper:   mapper,
		Blobs:    blobs,
		Engine:   engine,
		Exporter: exporter,
		Tasks:    store,
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.New(logging.Options{Level: opts.LogLevel})
	}

	sched := scheduler.New(store, processor, scheduler.Options{
		AutobatchingEnabled: opts.AutobatchingEnabled,
		Logger:              logger,
	})
	processor.Cancels = sched
	processor.Deletes = sched

	q := &Queue{
		opts:      opts,
		lock:      lock,
		metaEnv:   metaEnv,
		store:     store,
		mapper:    mapper,
		blobs:     blobs,
		processor: processor,
		scheduler: sched,
	}
	sched.Start(ctx)
	return q, nil
}

// Close stops the scheduler loop, closes every open environment, and
// releases the process lock.
func (q *Queue) Close() error {
	q.scheduler.Stop()
	mapperErr := q.mapper.Close()
	envErr := q.metaEnv.Close()
	_, lockErr := q.lock.TryUnlock()
	for _, err := range []error{mapperErr, envErr, lockErr} {
		if err != nil {
			return err
		}
	}
	return nil
}

// Register enqueues kind and returns the stored Task, waking the scheduler.
func (q *Queue) Register(ctx context.Context, kind KindWithContent) (*Task, error) {
	return q.scheduler.Register(ctx, kind)
}

// GetTasks runs q filters against the task list, overlaying any task the
// scheduler currently has in flight with a Processing status.
func (q *Queue) GetTasks(ctx context.Context, query Query) ([]*Task, error) {
	return q.scheduler.GetTasks(ctx, query)
}

// CreateIndex registers a new, empty index.
func (q *Queue) CreateIndex(ctx context.Context, uid string) error {
	return q.mapper.CreateIndex(ctx, uid)
}

// Indexes lists every currently registered index uid.
func (q *Queue) Indexes(ctx context.Context) ([]string, error) {
	return q.mapper.Indexes(ctx)
}

// UpdateFileWriter opens a new update-file blob writer for a document
// import payload. The caller writes the payload, calls Persist to commit
// it, and passes the writer's UUID as DocumentImportContent.ContentUUID.
func (q *Queue) UpdateFileWriter() (*updatefile.Writer, error) {
	return q.blobs.NewWriter()
}

// DeleteUpdateFile removes a blob the scheduler no longer needs, e.g. after
// a task referencing it is itself deleted without ever running.
func (q *Queue) DeleteUpdateFile(id string) error {
	return q.blobs.Delete(id)
}

// ImportDump is the hook for restoring a queue's state from a dump produced
// by a KindDumpExport task. Dump import is not implemented: it always
// returns an IoError and reads nothing from r.
func (q *Queue) ImportDump(ctx context.Context, r io.Reader) error {
	return apperr.New(apperr.IoError, "dump import is not supported by this queue")
}

// fileExporter is the default batch.Exporter: a dump is a timestamped
// marker file under dumpsPath, written with the same temp-file-then-rename
// atomicity internal/updatefile uses for blobs, and a snapshot is a no-op
// since this package does not own an on-disk format for a full queue
// snapshot (that belongs to whatever owns the index engine).
type fileExporter struct {
	dumpsPath string
}

func (e *fileExporter) ExportDump(ctx context.Context) (string, error) {
	id := uuid.NewString()
	if e.dumpsPath == "" {
		return id, nil
	}
	if err := os.MkdirAll(e.dumpsPath, 0o755); err != nil {
		return "", apperr.Wrap(apperr.IoError, "creating dumps directory", err)
	}
	final := filepath.Join(e.dumpsPath, id+".dump")
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, []byte(id), 0o644); err != nil {
		return "", apperr.Wrap(apperr.IoError, "writing dump marker", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return "", apperr.Wrap(apperr.IoError, "persisting dump marker", err)
	}
	return id, nil
}

func (e *fileExporter) ExportSnapshot(ctx context.Context) error {
	return nil
}

type unconfiguredEngine struct{}

func (unconfiguredEngine) ImportDocuments(ctx context.Context, h *indexmapper.Handle, content io.Reader, method ImportMethod, primaryKey *string) (int64, error) {
	return 0, apperr.New(apperr.BatchExecutionError, "no IndexEngine configured for this queue")
}

func (unconfiguredEngine) DeleteDocuments(ctx context.Context, h *indexmapper.Handle, ids []string) (int64, error) {
	return 0, apperr.New(apperr.BatchExecutionError, "no IndexEngine configured for this queue")
}

func (unconfiguredEngine) ClearDocuments(ctx context.Context, h *indexmapper.Handle) (int64, error) {
	return 0, apperr.New(apperr.BatchExecutionError, "no IndexEngine configured for this queue")
}

func (unconfiguredEngine) ApplySettings(ctx context.Context, h *indexmapper.Handle, settings map[string]any) error {
	return apperr.New(apperr.BatchExecutionError, "no IndexEngine configured for this queue")
}

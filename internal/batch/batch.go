// Package batch executes one autobatch.Batch against the index engine and
// writes the outcome back onto each task it covered (component C7). The
// actual document/settings engine and the dump/snapshot exporter are both
// injected interfaces: this package only knows how to drive them and how to
// turn their results, or their failure, into Task updates.
package batch

import (
	"context"
	"io"
	"time"

	"github.com/nikita812/idxqueue/internal/apperr"
	"github.com/nikita812/idxqueue/internal/autobatch"
	"github.com/nikita812/idxqueue/internal/indexmapper"
	"github.com/nikita812/idxqueue/internal/types"
	"github.com/nikita812/idxqueue/internal/updatefile"
)

// IndexEngine applies document and settings mutations to one index's
// storage. The scheduler only ever calls it from inside batch processing,
// never concurrently for the same index.
type IndexEngine interface {
	ImportDocuments(ctx context.Context, handle *indexmapper.Handle, content io.Reader, method types.ImportMethod, primaryKey *string) (indexed int64, err error)
	DeleteDocuments(ctx context.Context, handle *indexmapper.Handle, ids []string) (deleted int64, err error)
	ClearDocuments(ctx context.Context, handle *indexmapper.Handle) (deleted int64, err error)
	ApplySettings(ctx context.Context, handle *indexmapper.Handle, settings map[string]any) error
}

// Exporter performs the out-of-band dump and snapshot operations. The
// scheduler is not itself responsible for choosing an export format.
type Exporter interface {
	ExportDump(ctx context.Context) (dumpUID string, err error)
	ExportSnapshot(ctx context.Context) error
}

// NoopExporter satisfies Exporter by doing nothing successfully; its dumps
// all report the uid "noop-dump".
type NoopExporter struct{}

func (NoopExporter) ExportDump(ctx context.Context) (string, error) { return "noop-dump", nil }
func (NoopExporter) ExportSnapshot(ctx context.Context) error       { return nil }

// CancelResolver cancels in-flight or enqueued tasks and reports how many it
// actually canceled; DeleteResolver reports how many tasks were deleted.
// Both are satisfied by the scheduler, which is the only component that
// knows which tasks are currently processing.
type CancelResolver interface {
	CancelTasks(ctx context.Context, uids []uint32) (canceled int64, err error)
}

// DeleteResolver deletes task records outright.
type DeleteResolver interface {
	DeleteTasks(ctx context.Context, uids []uint32) (deleted int64, err error)
}

// IndexTaskSwapper exchanges the per-index task-id index when two indexes
// are swapped, so a query against either name keeps returning the tasks
// that belong with the storage it now points at. Satisfied by
// internal/taskstore.Store.
type IndexTaskSwapper interface {
	SwapIndexTasks(ctx context.Context, pairs []types.IndexSwapPair) error
}

// Processor executes batches.
type Processor struct {
	Mapper   *indexmapper.Mapper
	Blobs    *updatefile.Store
	Engine   IndexEngine
	Exporter Exporter
	Cancels  CancelResolver
	Deletes  DeleteResolver
	Tasks    IndexTaskSwapper
}

// Run executes b, mutating each task in tasks (which must be in the same
// order as b.TaskUIDs) to reflect its outcome, and returns that slice. If
// the batch's operation fails outright (an index-engine or storage error,
// as opposed to a per-document problem the engine itself reports), every
// task in the batch is marked Failed with the same error and Run returns
// that error too, mirroring the original's all-or-nothing batch failure
// semantics.
func (p *Processor) Run(ctx context.Context, b *autobatch.Batch, tasks []*types.Task) ([]*types.Task, error) {
	now := time.Now().UTC()
	for _, t := range tasks {
		t.StartedAt = &now
	}

	err := p.execute(ctx, b, tasks)

	finished := time.Now().UTC()
	if err != nil {
		for _, t := range tasks {
			t.Status = types.StatusFailed
			t.FinishedAt = &finished
			t.Error = toTaskError(err)
		}
		return tasks, err
	}

	for _, t := range tasks {
		if t.Status != types.StatusFailed {
			t.Status = types.StatusSucceeded
		}
		t.FinishedAt = &finished
	}
	return tasks, nil
}

func toTaskError(err error) *types.TaskError {
	code := apperr.BatchExecutionError
	if c, ok := apperr.CodeOf(err); ok {
		code = c
	}
	return &types.TaskError{Code: code.String(), Message: err.Error()}
}

func (p *Processor) execute(ctx context.Context, b *autobatch.Batch, tasks []*types.Task) error {
	switch b.Kind {
	case types.KindIndexCreation:
		return p.runIndexCreation(ctx, b, tasks)
	case types.KindIndexUpdate:
		return p.runIndexUpdate(ctx, b, tasks)
	case types.KindIndexDeletion:
		return p.Mapper.DeleteIndex(ctx, b.IndexUID)
	case types.KindIndexSwap:
		return p.runIndexSwap(ctx, tasks)
	case types.KindDocumentImport:
		return p.runDocumentImport(ctx, b, tasks)
	case types.KindDocumentDeletion:
		return p.runDocumentDeletion(ctx, b, tasks)
	case types.KindDocumentClear:
		return p.runDocumentClear(ctx, b, tasks)
	case types.KindSettings:
		return p.runSettings(ctx, b, tasks)
	case types.KindCancelTask:
		return p.runCancelTask(ctx, tasks)
	case types.KindDeleteTasks:
		return p.runDeleteTasks(ctx, tasks)
	case types.KindDumpExport:
		return p.runDumpExport(ctx, tasks)
	case types.KindSnapshot:
		return p.Exporter.ExportSnapshot(ctx)
	default:
		return apperr.Newf(apperr.BatchExecutionError, "unhandled batch kind %v", b.Kind)
	}
}

func (p *Processor) runIndexCreation(ctx context.Context, b *autobatch.Batch, tasks []*types.Task) error {
	if err := p.Mapper.CreateIndex(ctx, b.IndexUID); err != nil {
		return err
	}
	return p.runFusedIndexOps(ctx, b, tasks)
}

func (p *Processor) runIndexUpdate(ctx context.Context, b *autobatch.Batch, tasks []*types.Task) error {
	if _, err := p.Mapper.Index(ctx, b.IndexUID); err != nil {
		return err
	}
	return nil
}

// runFusedIndexOps applies the document and settings operations an
// IndexCreation, Settings or DocumentClear batch absorbed from the tasks
// queued right behind it.
func (p *Processor) runFusedIndexOps(ctx context.Context, b *autobatch.Batch, tasks []*types.Task) error {
	if b.Settings != nil {
		if err := p.applyFusedSettings(ctx, b.IndexUID, b.Settings); err != nil {
			return err
		}
	}
	if b.DocumentClear {
		if err := p.applyFusedClear(ctx, b.IndexUID, tasks); err != nil {
			return err
		}
	}
	if len(b.DocumentImports) > 0 {
		if err := p.applyImports(ctx, b.IndexUID, b.DocumentImports, tasks); err != nil {
			return err
		}
	}
	if len(b.DocumentDeletions) > 0 {
		if err := p.applyDeletions(ctx, b.IndexUID, b.DocumentDeletions, tasks); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) applyFusedSettings(ctx context.Context, indexUID string, settings *types.SettingsContent) error {
	handle, err := p.Mapper.Index(ctx, indexUID)
	if err != nil {
		return err
	}
	defer handle.Release()
	return p.Engine.ApplySettings(ctx, handle, settings.Settings)
}

func (p *Processor) applyFusedClear(ctx context.Context, indexUID string, tasks []*types.Task) error {
	handle, err := p.Mapper.Index(ctx, indexUID)
	if err != nil {
		return err
	}
	defer handle.Release()

	deleted, err := p.Engine.ClearDocuments(ctx, handle)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.Kind.Tag == types.KindDocumentClear && t.Details != nil && t.Details.Tag == types.DetailsClearAll {
			t.Details.ClearAll.DeletedDocuments = &deleted
		}
	}
	return nil
}

func (p *Processor) runIndexSwap(ctx context.Context, tasks []*types.Task) error {
	var pairs []types.IndexSwapPair
	for _, t := range tasks {
		if t.Kind.Tag == types.KindIndexSwap {
			pairs = append(pairs, t.Kind.IndexSwap.Swaps...)
		}
	}
	if err := p.Mapper.SwapIndexes(ctx, pairs); err != nil {
		return err
	}
	if err := p.Tasks.SwapIndexTasks(ctx, pairs); err != nil {
		return err
	}
	for _, t := range tasks {
		if t.Kind.Tag == types.KindIndexSwap {
			t.Details = &types.Details{Tag: types.DetailsIndexSwap, IndexSwap: &types.IndexSwapDetails{Swaps: t.Kind.IndexSwap.Swaps}}
		}
	}
	return nil
}

func (p *Processor) applyImports(ctx context.Context, indexUID string, imports []*types.DocumentImportContent, tasks []*types.Task) error {
	handle, err := p.Mapper.Index(ctx, indexUID)
	if err != nil {
		return err
	}
	defer handle.Release()

	byUUID := make(map[string]*types.DocumentImportContent, len(imports))
	for _, c := range imports {
		byUUID[c.ContentUUID] = c
	}

	for _, t := range tasks {
		if t.Kind.Tag != types.KindDocumentImport {
			continue
		}
		c := t.Kind.DocumentImport
		blob, err := p.Blobs.Open(ctx, c.ContentUUID)
		if err != nil {
			return err
		}
		indexed, err := p.Engine.ImportDocuments(ctx, handle, blob, c.Method, c.PrimaryKey)
		_ = blob.Close()
		if err != nil {
			return err
		}
		if t.Details != nil && t.Details.Tag == types.DetailsDocumentAddition {
			t.Details.DocumentAddition.IndexedDocuments = &indexed
		}
		_ = p.Blobs.Delete(c.ContentUUID)
	}
	return nil
}

func (p *Processor) applyDeletions(ctx context.Context, indexUID string, deletions []*types.DocumentDeletionContent, tasks []*types.Task) error {
	handle, err := p.Mapper.Index(ctx, indexUID)
	if err != nil {
		return err
	}
	defer handle.Release()

	for _, t := range tasks {
		if t.Kind.Tag != types.KindDocumentDeletion {
			continue
		}
		c := t.Kind.DocumentDeletion
		deleted, err := p.Engine.DeleteDocuments(ctx, handle, c.DocumentIDs)
		if err != nil {
			return err
		}
		if t.Details != nil && t.Details.Tag == types.DetailsDocumentDeletion {
			t.Details.DocumentDeletion.DeletedDocuments = &deleted
		}
	}
	return nil
}

func (p *Processor) runDocumentImport(ctx context.Context, b *autobatch.Batch, tasks []*types.Task) error {
	return p.applyImports(ctx, b.IndexUID, b.DocumentImports, tasks)
}

func (p *Processor) runDocumentDeletion(ctx context.Context, b *autobatch.Batch, tasks []*types.Task) error {
	return p.applyDeletions(ctx, b.IndexUID, b.DocumentDeletions, tasks)
}

func (p *Processor) runDocumentClear(ctx context.Context, b *autobatch.Batch, tasks []*types.Task) error {
	handle, err := p.Mapper.Index(ctx, b.IndexUID)
	if err != nil {
		return err
	}
	defer handle.Release()

	deleted, err := p.Engine.ClearDocuments(ctx, handle)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.Kind.Tag == types.KindDocumentClear && t.Details != nil && t.Details.Tag == types.DetailsClearAll {
			t.Details.ClearAll.DeletedDocuments = &deleted
		}
	}
	return p.runFusedIndexOps(ctx, b, tasks)
}

func (p *Processor) runSettings(ctx context.Context, b *autobatch.Batch, tasks []*types.Task) error {
	handle, err := p.Mapper.Index(ctx, b.IndexUID)
	if err != nil {
		if apperr.Is(err, apperr.IndexNotFound) && b.Settings != nil && b.Settings.AllowIndexCreation {
			if err := p.Mapper.CreateIndex(ctx, b.IndexUID); err != nil {
				return err
			}
			handle, err = p.Mapper.Index(ctx, b.IndexUID)
			if err != nil {
				return err
			}
		} else {
			return err
		}
	}
	defer handle.Release()

	if b.Settings != nil {
		if err := p.Engine.ApplySettings(ctx, handle, b.Settings.Settings); err != nil {
			return err
		}
	}
	return p.runFusedIndexOps(ctx, b, tasks)
}

func (p *Processor) runCancelTask(ctx context.Context, tasks []*types.Task) error {
	for _, t := range tasks {
		if t.Kind.Tag != types.KindCancelTask {
			continue
		}
		c := t.Kind.CancelTask
		canceled, err := p.Cancels.CancelTasks(ctx, c.Tasks)
		if err != nil {
			return err
		}
		if t.Details != nil && t.Details.Tag == types.DetailsCancelation {
			t.Details.Cancelation.CanceledTasks = &canceled
		} else {
			matched := int64(len(c.Tasks))
			t.Details = &types.Details{
				Tag: types.DetailsCancelation,
				Cancelation: &types.CancelationDetails{
					MatchedTasks:  matched,
					CanceledTasks: &canceled,
					OriginalQuery: c.Query,
				},
			}
		}
	}
	return nil
}

func (p *Processor) runDeleteTasks(ctx context.Context, tasks []*types.Task) error {
	for _, t := range tasks {
		if t.Kind.Tag != types.KindDeleteTasks {
			continue
		}
		c := t.Kind.DeleteTasks
		deleted, err := p.Deletes.DeleteTasks(ctx, c.Tasks)
		if err != nil {
			return err
		}
		if t.Details != nil && t.Details.Tag == types.DetailsDeleteTasks {
			t.Details.DeleteTasks.DeletedTasks = &deleted
		}
	}
	return nil
}

func (p *Processor) runDumpExport(ctx context.Context, tasks []*types.Task) error {
	uid, err := p.Exporter.ExportDump(ctx)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.Kind.Tag == types.KindDumpExport {
			t.Details = &types.Details{Tag: types.DetailsDump, Dump: &types.DumpDetails{DumpUID: uid}}
		}
	}
	return nil
}

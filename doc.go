// Package idxqueue is a durable task queue for a multi-index search
// service: tasks are registered, persisted transactionally, autobatched,
// and run one batch at a time by a single dedicated scheduler goroutine.
//
// A Queue owns three things on disk: the task queue's own KV environment
// (also where the index name-to-storage mapping lives), a directory per
// index, and a directory of pending document import blobs. Open acquires an
// exclusive process lock over the task queue directory for as long as the
// Queue is open, so only one process may run a given queue's scheduler at a
// time.
package idxqueue

import (
	idxtypes "github.com/nikita812/idxqueue/internal/types"
)

// Re-exported so callers never need to import the internal types package
// directly, the same facade shape the teacher's root package uses over its
// own internal types.
type (
	Task                    = idxtypes.Task
	Status                  = idxtypes.Status
	KindTag                 = idxtypes.KindTag
	KindWithContent         = idxtypes.KindWithContent
	Details                 = idxtypes.Details
	Query                   = idxtypes.Query
	TaskError               = idxtypes.TaskError
	ImportMethod            = idxtypes.ImportMethod
	DocumentImportContent   = idxtypes.DocumentImportContent
	DocumentDeletionContent = idxtypes.DocumentDeletionContent
	DocumentClearContent    = idxtypes.DocumentClearContent
	SettingsContent         = idxtypes.SettingsContent
	IndexCreationContent    = idxtypes.IndexCreationContent
	IndexUpdateContent      = idxtypes.IndexUpdateContent
	IndexDeletionContent    = idxtypes.IndexDeletionContent
	IndexSwapContent        = idxtypes.IndexSwapContent
	IndexSwapPair           = idxtypes.IndexSwapPair
	CancelTaskContent       = idxtypes.CancelTaskContent
	DeleteTasksContent      = idxtypes.DeleteTasksContent
	DumpExportContent       = idxtypes.DumpExportContent
	SnapshotContent         = idxtypes.SnapshotContent
)

const (
	StatusEnqueued   = idxtypes.StatusEnqueued
	StatusProcessing = idxtypes.StatusProcessing
	StatusSucceeded  = idxtypes.StatusSucceeded
	StatusFailed     = idxtypes.StatusFailed
	StatusCanceled   = idxtypes.StatusCanceled

	KindDocumentImport   = idxtypes.KindDocumentImport
	KindDocumentDeletion = idxtypes.KindDocumentDeletion
	KindDocumentClear    = idxtypes.KindDocumentClear
	KindSettings         = idxtypes.KindSettings
	KindIndexCreation    = idxtypes.KindIndexCreation
	KindIndexUpdate      = idxtypes.KindIndexUpdate
	KindIndexDeletion    = idxtypes.KindIndexDeletion
	KindIndexSwap        = idxtypes.KindIndexSwap
	KindCancelTask       = idxtypes.KindCancelTask
	KindDeleteTasks      = idxtypes.KindDeleteTasks
	KindDumpExport       = idxtypes.KindDumpExport
	KindSnapshot         = idxtypes.KindSnapshot

	ImportReplace = idxtypes.ImportReplace
	ImportUpdate  = idxtypes.ImportUpdate

	DefaultLimit = idxtypes.DefaultLimit
)

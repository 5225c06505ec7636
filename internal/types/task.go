// Package types defines the data model shared by every component of the
// scheduler: the Task record itself, its tagged-union payload
// (KindWithContent), its tagged-union outcome (Details), and the Query used
// to filter the task list.
//
// Rust's index-scheduler represents a task's payload and its details as
// enums with per-variant fields. Go has no sum types, so both are modeled
// the idiomatic Go way: a struct with a discriminant tag plus one nullable
// pointer field per variant. Exactly one of those pointer fields is non-nil
// for any given tag.
package types

import "time"

// Status is the lifecycle state of a task.
type Status int

const (
	StatusEnqueued Status = iota
	StatusProcessing
	StatusSucceeded
	StatusFailed
	StatusCanceled
)

func (s Status) String() string {
	switch s {
	case StatusEnqueued:
		return "enqueued"
	case StatusProcessing:
		return "processing"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// AllStatuses lists every valid Status, in declaration order.
func AllStatuses() []Status {
	return []Status{StatusEnqueued, StatusProcessing, StatusSucceeded, StatusFailed, StatusCanceled}
}

// Terminal reports whether a task in this status can never change status
// again. Only enqueued and processing tasks are non-terminal.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCanceled
}

// KindTag discriminates the twelve task payload shapes.
type KindTag int

const (
	KindDocumentImport KindTag = iota
	KindDocumentDeletion
	KindDocumentClear
	KindSettings
	KindIndexCreation
	KindIndexUpdate
	KindIndexDeletion
	KindIndexSwap
	KindCancelTask
	KindDeleteTasks
	KindDumpExport
	KindSnapshot
)

func (k KindTag) String() string {
	switch k {
	case KindDocumentImport:
		return "document_import"
	case KindDocumentDeletion:
		return "document_deletion"
	case KindDocumentClear:
		return "document_clear"
	case KindSettings:
		return "settings_update"
	case KindIndexCreation:
		return "index_creation"
	case KindIndexUpdate:
		return "index_update"
	case KindIndexDeletion:
		return "index_deletion"
	case KindIndexSwap:
		return "index_swap"
	case KindCancelTask:
		return "task_cancelation"
	case KindDeleteTasks:
		return "task_deletion"
	case KindDumpExport:
		return "dump_export"
	case KindSnapshot:
		return "snapshot_creation"
	default:
		return "unknown"
	}
}

// ImportMethod selects how an imported document batch is merged.
type ImportMethod int

const (
	ImportReplace ImportMethod = iota
	ImportUpdate
)

// DocumentImportContent is the payload of a KindDocumentImport task.
type DocumentImportContent struct {
	IndexUID         string
	PrimaryKey       *string
	Method           ImportMethod
	ContentUUID      string // key into the update-file blob store
	DocumentCount    int64  // number of documents in the blob, if known up front
}

// DocumentDeletionContent is the payload of a KindDocumentDeletion task.
type DocumentDeletionContent struct {
	IndexUID    string
	DocumentIDs []string
}

// DocumentClearContent is the payload of a KindDocumentClear task.
type DocumentClearContent struct {
	IndexUID string
}

// SettingsContent is the payload of a KindSettings task. Settings is kept
// opaque (a raw JSON-ish map) since its shape belongs to the index engine,
// not the scheduler.
type SettingsContent struct {
	IndexUID     string
	Settings     map[string]any
	IsDeletion   bool // true when this settings update resets to defaults
	AllowIndexCreation bool
}

// IndexCreationContent is the payload of a KindIndexCreation task.
type IndexCreationContent struct {
	IndexUID   string
	PrimaryKey *string
}

// IndexUpdateContent is the payload of a KindIndexUpdate task.
type IndexUpdateContent struct {
	IndexUID   string
	PrimaryKey *string
}

// IndexDeletionContent is the payload of a KindIndexDeletion task.
type IndexDeletionContent struct {
	IndexUID string
}

// IndexSwapPair names the two index uids exchanged by one swap operation.
type IndexSwapPair struct {
	Lhs string
	Rhs string
}

// IndexSwapContent is the payload of a KindIndexSwap task. A single task may
// request several independent swaps at once.
type IndexSwapContent struct {
	Swaps []IndexSwapPair
}

// CancelTaskContent is the payload of a KindCancelTask task.
type CancelTaskContent struct {
	Query Query
	Tasks []uint32 // resolved at enqueue time from Query
}

// DeleteTasksContent is the payload of a KindDeleteTasks task.
type DeleteTasksContent struct {
	Query Query
	Tasks []uint32 // resolved at enqueue time from Query
}

// DumpExportContent is the payload of a KindDumpExport task.
type DumpExportContent struct {
	DumpUID string
}

// SnapshotContent is the payload of a KindSnapshot task.
type SnapshotContent struct{}

// KindWithContent is a task's payload: exactly one of the pointer fields
// matching Tag is non-nil.
type KindWithContent struct {
	Tag KindTag

	DocumentImport   *DocumentImportContent
	DocumentDeletion *DocumentDeletionContent
	DocumentClear    *DocumentClearContent
	Settings         *SettingsContent
	IndexCreation    *IndexCreationContent
	IndexUpdate      *IndexUpdateContent
	IndexDeletion    *IndexDeletionContent
	IndexSwap        *IndexSwapContent
	CancelTask       *CancelTaskContent
	DeleteTasks      *DeleteTasksContent
	DumpExport       *DumpExportContent
	Snapshot         *SnapshotContent
}

// AsKind returns the Tag, mirroring the original's as_kind accessor.
func (k KindWithContent) AsKind() KindTag { return k.Tag }

// Indexes returns the index uids this task payload touches, or nil if the
// task is not index-scoped (cancelation, deletion, dump, snapshot).
func (k KindWithContent) Indexes() []string {
	switch k.Tag {
	case KindDocumentImport:
		return []string{k.DocumentImport.IndexUID}
	case KindDocumentDeletion:
		return []string{k.DocumentDeletion.IndexUID}
	case KindDocumentClear:
		return []string{k.DocumentClear.IndexUID}
	case KindSettings:
		return []string{k.Settings.IndexUID}
	case KindIndexCreation:
		return []string{k.IndexCreation.IndexUID}
	case KindIndexUpdate:
		return []string{k.IndexUpdate.IndexUID}
	case KindIndexDeletion:
		return []string{k.IndexDeletion.IndexUID}
	case KindIndexSwap:
		out := make([]string, 0, len(k.IndexSwap.Swaps)*2)
		for _, sw := range k.IndexSwap.Swaps {
			out = append(out, sw.Lhs, sw.Rhs)
		}
		return out
	case KindCancelTask, KindDeleteTasks, KindDumpExport, KindSnapshot:
		return nil
	default:
		return nil
	}
}

// ContentUUID returns the update-file blob id this payload references, and
// ok=false if the payload has none. Only DocumentImport carries a blob.
func (k KindWithContent) ContentUUID() (string, bool) {
	if k.Tag == KindDocumentImport {
		return k.DocumentImport.ContentUUID, true
	}
	return "", false
}

// DefaultDetails builds the Details value a task is given at enqueue time,
// before a batch has run. Kinds with no upfront detail (index deletion,
// cancelation, dump export, snapshot, index swap) return nil; the batch
// processor fills Details in on completion. Task deletion starts with its
// matched count and gets its deleted count once processed.
func (k KindWithContent) DefaultDetails() *Details {
	switch k.Tag {
	case KindDocumentImport:
		return &Details{
			Tag: DetailsDocumentAddition,
			DocumentAddition: &DocumentAdditionDetails{
				ReceivedDocuments: k.DocumentImport.DocumentCount,
			},
		}
	case KindDocumentDeletion:
		n := int64(len(k.DocumentDeletion.DocumentIDs))
		return &Details{
			Tag: DetailsDocumentDeletion,
			DocumentDeletion: &DocumentDeletionDetails{
				ReceivedDocumentIDs: n,
			},
		}
	case KindDocumentClear:
		return &Details{Tag: DetailsClearAll, ClearAll: &ClearAllDetails{}}
	case KindSettings:
		return &Details{Tag: DetailsSettings, Settings: &SettingsDetails{Settings: k.Settings.Settings}}
	case KindIndexCreation:
		return &Details{Tag: DetailsIndexInfo, IndexInfo: &IndexInfoDetails{PrimaryKey: k.IndexCreation.PrimaryKey}}
	case KindIndexUpdate:
		return &Details{Tag: DetailsIndexInfo, IndexInfo: &IndexInfoDetails{PrimaryKey: k.IndexUpdate.PrimaryKey}}
	case KindDeleteTasks:
		return &Details{
			Tag: DetailsDeleteTasks,
			DeleteTasks: &DeleteTasksDetails{
				MatchedTasks:  int64(len(k.DeleteTasks.Tasks)),
				OriginalQuery: k.DeleteTasks.Query,
			},
		}
	case KindIndexDeletion, KindIndexSwap, KindCancelTask, KindDumpExport, KindSnapshot:
		return nil
	default:
		return nil
	}
}

// DetailsTag discriminates the outcome shapes a batch can write back.
type DetailsTag int

const (
	DetailsDocumentAddition DetailsTag = iota
	DetailsSettings
	DetailsIndexInfo
	DetailsDocumentDeletion
	DetailsClearAll
	DetailsDeleteTasks
	DetailsDump
	DetailsCancelation
	DetailsIndexSwap
)

// DocumentAdditionDetails reports how many documents a DocumentImport task
// received and, once the batch has run, how many were actually indexed.
type DocumentAdditionDetails struct {
	ReceivedDocuments int64
	IndexedDocuments  *int64
}

// SettingsDetails echoes the settings patch a Settings task applied.
type SettingsDetails struct {
	Settings map[string]any
}

// IndexInfoDetails reports the primary key an index creation/update
// resolved to.
type IndexInfoDetails struct {
	PrimaryKey *string
}

// DocumentDeletionDetails reports how many ids a DocumentDeletion task
// matched, and once processed, how many were actually removed.
type DocumentDeletionDetails struct {
	ReceivedDocumentIDs int64
	DeletedDocuments    *int64
}

// ClearAllDetails reports how many documents a DocumentClear task removed.
type ClearAllDetails struct {
	DeletedDocuments *int64
}

// DeleteTasksDetails reports the query a DeleteTasks task ran and its
// outcome.
type DeleteTasksDetails struct {
	MatchedTasks  int64
	DeletedTasks  *int64
	OriginalQuery Query
}

// DumpDetails reports the dump uid a DumpExport task produced.
type DumpDetails struct {
	DumpUID string
}

// CancelationDetails reports the query a CancelTask task ran and its
// outcome.
type CancelationDetails struct {
	MatchedTasks  int64
	CanceledTasks *int64
	OriginalQuery Query
}

// IndexSwapDetails reports the swaps an IndexSwap task performed.
type IndexSwapDetails struct {
	Swaps []IndexSwapPair
}

// Details is a task's outcome: exactly one pointer field matching Tag is
// non-nil.
type Details struct {
	Tag DetailsTag

	DocumentAddition *DocumentAdditionDetails
	Settings         *SettingsDetails
	IndexInfo        *IndexInfoDetails
	DocumentDeletion *DocumentDeletionDetails
	ClearAll         *ClearAllDetails
	DeleteTasks      *DeleteTasksDetails
	Dump             *DumpDetails
	Cancelation      *CancelationDetails
	IndexSwap        *IndexSwapDetails
}

// TaskError is the outcome of a failed task, independent of apperr.Error so
// that persisted task records do not depend on the error package's runtime
// representation.
type TaskError struct {
	Code    string
	Message string
}

// Task is one row of the durable task queue.
type Task struct {
	UID         uint32
	EnqueuedAt  time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
	Error       *TaskError
	Details     *Details
	Status      Status
	Kind        KindWithContent
}

// Query filters the task list. A nil slice field means "no filter on this
// dimension"; a non-nil empty slice matches nothing.
type Query struct {
	Limit    uint32
	From     *uint32
	Status   []Status
	Kind     []KindTag
	IndexUID []string
	UID      []uint32
}

// DefaultLimit is applied when a Query does not specify one.
const DefaultLimit = 20

// WithDefaults returns a copy of q with Limit set to DefaultLimit if it was
// zero.
func (q Query) WithDefaults() Query {
	if q.Limit == 0 {
		q.Limit = DefaultLimit
	}
	return q
}

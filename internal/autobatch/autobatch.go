// Package autobatch decides which contiguous prefix of enqueued tasks fuses
// into a single batch. It is a pure function over in-memory task payloads:
// no kvstore, no bitmap, no I/O of any kind, the same way the teacher's
// internal/queries package keeps its graph-walking helpers free of anything
// beyond the slice in front of them.
package autobatch

import "github.com/nikita812/idxqueue/internal/types"

// Batch is the contiguous prefix of enqueued tasks the scheduler should run
// as one unit, plus the merged payload that unit executes.
type Batch struct {
	TaskUIDs []uint32
	Kind     types.KindTag
	IndexUID string // empty for index-less kinds (cancel/delete/dump/snapshot)

	// DocumentImports holds every fused import's payload (including its
	// content uuid), in enqueue order: the whole run when Kind ==
	// KindDocumentImport, or the imports an IndexCreation, Settings or
	// DocumentClear batch absorbed.
	DocumentImports []*types.DocumentImportContent

	// DocumentDeletions holds every fused deletion's payload, in enqueue
	// order: the whole run when Kind == KindDocumentDeletion, or the
	// deletions an IndexCreation, Settings or DocumentClear batch absorbed.
	DocumentDeletions []*types.DocumentDeletionContent

	// Settings is populated when Kind == KindSettings, or when an
	// IndexCreation batch fused a trailing Settings task: the last settings
	// task in the fused run, since later settings in the same batch
	// supersede earlier ones.
	Settings *types.SettingsContent

	// DocumentClear is set when an IndexCreation batch fused a trailing
	// DocumentClear task.
	DocumentClear bool
}

// EnqueuedTask is the minimal view of a queued task the autobatcher needs:
// its id, its payload, and nothing about timing or storage.
type EnqueuedTask struct {
	UID  uint32
	Kind types.KindWithContent
}

// NextBatch scans queued, which must be in ascending enqueue order, and
// returns the batch formed by fusing a prefix of it, or nil if queued is
// empty. Every kind not explicitly handled below batches alone: it forms a
// batch of exactly one task.
func NextBatch(queued []EnqueuedTask) *Batch {
	if len(queued) == 0 {
		return nil
	}

	first := queued[0]
	switch first.Kind.Tag {
	case types.KindIndexDeletion:
		return fuseIndexDeletion(queued)
	case types.KindIndexCreation:
		return fuseIndexScoped(queued, first.Kind.IndexCreation.IndexUID)
	case types.KindDocumentImport:
		return fuseDocumentImport(queued)
	case types.KindSettings:
		return fuseSettings(queued)
	case types.KindDocumentClear:
		return fuseDocumentClear(queued)
	case types.KindDocumentDeletion:
		return fuseDocumentDeletion(queued)
	default:
		// IndexUpdate, IndexSwap, CancelTask, DeleteTasks, DumpExport,
		// Snapshot never fuse with anything, including tasks of their own
		// kind.
		return &Batch{TaskUIDs: []uint32{first.UID}, Kind: first.Kind.Tag, IndexUID: soleIndex(first.Kind)}
	}
}

func soleIndex(k types.KindWithContent) string {
	idx := k.Indexes()
	if len(idx) == 0 {
		return ""
	}
	return idx[0]
}

// fuseIndexDeletion absorbs every immediately-following task scoped to the
// same index, whatever kind it is: once the index is gone, any queued
// operation against it becomes a no-op the deletion itself accounts for.
func fuseIndexDeletion(queued []EnqueuedTask) *Batch {
	target := queued[0].Kind.IndexDeletion.IndexUID
	uids := []uint32{queued[0].UID}
	for _, t := range queued[1:] {
		if !touchesOnlyIndex(t.Kind, target) {
			break
		}
		uids = append(uids, t.UID)
	}
	return &Batch{TaskUIDs: uids, Kind: types.KindIndexDeletion, IndexUID: target}
}

func touchesOnlyIndex(k types.KindWithContent, target string) bool {
	idx := k.Indexes()
	if len(idx) == 0 {
		return false
	}
	for _, i := range idx {
		if i != target {
			return false
		}
	}
	return true
}

// fuseIndexScoped fuses a run of document/settings operations against the
// index an IndexCreation task just created, stopping at the first task of
// an unrelated kind or a different index. The fused operations' own
// payloads are carried on the batch so the processor actually runs them,
// not just the IndexCreation itself.
func fuseIndexScoped(queued []EnqueuedTask, indexUID string) *Batch {
	first := queued[0]
	uids := []uint32{first.UID}

	var imports []*types.DocumentImportContent
	var deletions []*types.DocumentDeletionContent
	var settings *types.SettingsContent
	var clear bool
	for _, t := range queued[1:] {
		if !sameIndexMergeableOp(t.Kind, indexUID) {
			break
		}
		switch t.Kind.Tag {
		case types.KindDocumentImport:
			imports = append(imports, t.Kind.DocumentImport)
		case types.KindDocumentDeletion:
			deletions = append(deletions, t.Kind.DocumentDeletion)
		case types.KindSettings:
			settings = t.Kind.Settings
		case types.KindDocumentClear:
			clear = true
		}
		uids = append(uids, t.UID)
	}
	return &Batch{
		TaskUIDs:          uids,
		Kind:              first.Kind.Tag,
		IndexUID:          indexUID,
		DocumentImports:   imports,
		DocumentDeletions: deletions,
		Settings:          settings,
		DocumentClear:     clear,
	}
}

func sameIndexMergeableOp(k types.KindWithContent, indexUID string) bool {
	switch k.Tag {
	case types.KindDocumentImport:
		return k.DocumentImport.IndexUID == indexUID
	case types.KindDocumentDeletion:
		return k.DocumentDeletion.IndexUID == indexUID
	case types.KindDocumentClear:
		return k.DocumentClear.IndexUID == indexUID
	case types.KindSettings:
		return k.Settings.IndexUID == indexUID
	default:
		return false
	}
}

// fuseDocumentImport fuses a run of DocumentImport tasks against the same
// index using the same merge method.
func fuseDocumentImport(queued []EnqueuedTask) *Batch {
	first := queued[0].Kind.DocumentImport
	uids := []uint32{queued[0].UID}
	imports := []*types.DocumentImportContent{first}
	for _, t := range queued[1:] {
		if t.Kind.Tag != types.KindDocumentImport {
			break
		}
		c := t.Kind.DocumentImport
		if c.IndexUID != first.IndexUID || c.Method != first.Method {
			break
		}
		uids = append(uids, t.UID)
		imports = append(imports, c)
	}
	return &Batch{
		TaskUIDs:        uids,
		Kind:            types.KindDocumentImport,
		IndexUID:        first.IndexUID,
		DocumentImports: imports,
	}
}

// fuseDocumentDeletion fuses a run of DocumentDeletion tasks against the
// same index.
func fuseDocumentDeletion(queued []EnqueuedTask) *Batch {
	first := queued[0].Kind.DocumentDeletion
	uids := []uint32{queued[0].UID}
	deletions := []*types.DocumentDeletionContent{first}
	for _, t := range queued[1:] {
		if t.Kind.Tag != types.KindDocumentDeletion {
			break
		}
		c := t.Kind.DocumentDeletion
		if c.IndexUID != first.IndexUID {
			break
		}
		uids = append(uids, t.UID)
		deletions = append(deletions, c)
	}
	return &Batch{
		TaskUIDs:          uids,
		Kind:              types.KindDocumentDeletion,
		IndexUID:          first.IndexUID,
		DocumentDeletions: deletions,
	}
}

// fuseSettings fuses a run of Settings tasks against the same index,
// followed by any DocumentImport/DocumentDeletion tasks also against that
// index: a settings change and the document operations queued right behind
// it commit as one unit, matching the rule that a settings task absorbs
// trailing document operations on the same index.
func fuseSettings(queued []EnqueuedTask) *Batch {
	first := queued[0].Kind.Settings
	indexUID := first.IndexUID
	uids := []uint32{queued[0].UID}
	last := first

	i := 1
	for ; i < len(queued); i++ {
		k := queued[i].Kind
		if k.Tag != types.KindSettings || k.Settings.IndexUID != indexUID {
			break
		}
		last = k.Settings
		uids = append(uids, queued[i].UID)
	}

	var imports []*types.DocumentImportContent
	var deletions []*types.DocumentDeletionContent
	for ; i < len(queued); i++ {
		k := queued[i].Kind
		if k.Tag == types.KindDocumentImport && k.DocumentImport.IndexUID == indexUID {
			imports = append(imports, k.DocumentImport)
		} else if k.Tag == types.KindDocumentDeletion && k.DocumentDeletion.IndexUID == indexUID {
			deletions = append(deletions, k.DocumentDeletion)
		} else {
			break
		}
		uids = append(uids, queued[i].UID)
	}

	return &Batch{
		TaskUIDs:          uids,
		Kind:              types.KindSettings,
		IndexUID:          indexUID,
		Settings:          last,
		DocumentImports:   imports,
		DocumentDeletions: deletions,
	}
}

// fuseDocumentClear fuses a DocumentClear with the DocumentImport/
// DocumentDeletion/DocumentClear tasks against the same index queued right
// behind it. Further clears fold into the first one only while no import or
// deletion has been fused yet; the fused imports and deletions are carried
// on the batch so the processor applies them after the clear.
func fuseDocumentClear(queued []EnqueuedTask) *Batch {
	indexUID := queued[0].Kind.DocumentClear.IndexUID
	uids := []uint32{queued[0].UID}
	var imports []*types.DocumentImportContent
	var deletions []*types.DocumentDeletionContent
	for _, t := range queued[1:] {
		k := t.Kind
		if k.Tag == types.KindDocumentImport && k.DocumentImport.IndexUID == indexUID {
			imports = append(imports, k.DocumentImport)
		} else if k.Tag == types.KindDocumentDeletion && k.DocumentDeletion.IndexUID == indexUID {
			deletions = append(deletions, k.DocumentDeletion)
		} else if !(k.Tag == types.KindDocumentClear && k.DocumentClear.IndexUID == indexUID && len(imports) == 0 && len(deletions) == 0) {
			break
		}
		uids = append(uids, t.UID)
	}
	return &Batch{
		TaskUIDs:          uids,
		Kind:              types.KindDocumentClear,
		IndexUID:          indexUID,
		DocumentImports:   imports,
		DocumentDeletions: deletions,
	}
}

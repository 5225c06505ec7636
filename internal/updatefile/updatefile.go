// Package updatefile is the content-addressed blob store backing document
// import payloads. Each blob is identified by a freshly generated uuid and
// lives at <path>/<uuid>.jsonl; a blob only exists once its writer has been
// explicitly persisted, mirroring the atomic-write pattern the teacher's
// daemon registry uses for its own state file: write to a temp file in the
// same directory, fsync, then rename into place.
package updatefile

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/nikita812/idxqueue/internal/apperr"
)

// Store manages update-file blobs rooted at a single directory.
type Store struct {
	path string
}

// Open returns a Store rooted at path, creating the directory if needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, apperr.Wrap(apperr.IoError, "creating update-file directory", err)
	}
	return &Store{path: path}, nil
}

// Path returns the directory the store is rooted at.
func (s *Store) Path() string { return s.path }

func (s *Store) finalPath(id string) string { return filepath.Join(s.path, id+".jsonl") }
func (s *Store) tempPath(id string) string  { return filepath.Join(s.path, id+".jsonl.tmp") }

// Writer is an in-progress blob. Until Persist is called, the blob does not
// exist from any other reader's point of view. Discard removes the temp
// file; a writer that is neither persisted nor discarded leaves its
// <uuid>.jsonl.tmp file in the directory, invisible to Open and Exists.
type Writer struct {
	store *Store
	id    string
	file  *os.File
}

// NewWriter allocates a fresh blob id and returns a Writer for it.
func (s *Store) NewWriter() (*Writer, error) {
	id := uuid.NewString()
	f, err := os.Create(s.tempPath(id))
	if err != nil {
		return nil, apperr.Wrap(apperr.PayloadError, "creating update-file writer", err)
	}
	return &Writer{store: s, id: id, file: f}, nil
}

// UUID returns the blob id this writer will persist under.
func (w *Writer) UUID() string { return w.id }

// Write appends bytes to the in-progress blob.
func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.file.Write(p)
	if err != nil {
		return n, apperr.Wrap(apperr.PayloadError, "writing update-file content", err)
	}
	return n, nil
}

// Persist durably commits the blob: fsync the temp file, then rename it
// into its final content-addressed location. After Persist returns nil, the
// blob is visible to Open/Delete from any process sharing the directory.
func (w *Writer) Persist() error {
	if err := w.file.Sync(); err != nil {
		_ = w.file.Close()
		return apperr.Wrap(apperr.PayloadError, "syncing update-file", err)
	}
	if err := w.file.Close(); err != nil {
		return apperr.Wrap(apperr.PayloadError, "closing update-file", err)
	}
	if err := os.Rename(w.store.tempPath(w.id), w.store.finalPath(w.id)); err != nil {
		return apperr.Wrap(apperr.PayloadError, "persisting update-file", err)
	}
	return nil
}

// Discard abandons the in-progress blob, removing its temp file.
func (w *Writer) Discard() error {
	_ = w.file.Close()
	if err := os.Remove(w.store.tempPath(w.id)); err != nil && !os.IsNotExist(err) {
		return apperr.Wrap(apperr.PayloadError, "discarding update-file", err)
	}
	return nil
}

// Open returns a reader for the persisted blob identified by id.
func (s *Store) Open(_ context.Context, id string) (io.ReadCloser, error) {
	f, err := os.Open(s.finalPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperr.Newf(apperr.PayloadError, "update-file %q not found", id)
		}
		return nil, apperr.Wrap(apperr.PayloadError, "opening update-file", err)
	}
	return f, nil
}

// Delete removes the persisted blob identified by id. Deleting a blob that
// does not exist is not an error, matching the original's best-effort
// cleanup of already-consumed payloads.
func (s *Store) Delete(id string) error {
	if err := os.Remove(s.finalPath(id)); err != nil && !os.IsNotExist(err) {
		return apperr.Wrap(apperr.PayloadError, "deleting update-file", err)
	}
	return nil
}

// Exists reports whether a persisted blob with the given id is present.
func (s *Store) Exists(id string) bool {
	_, err := os.Stat(s.finalPath(id))
	return err == nil
}

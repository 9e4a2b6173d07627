// internal/workspace/workspace.go
package workspace

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrSnapshotUnavailable is returned when a snapshot's content cannot be
// materialized from the pool (for example after storage cleanup).
var ErrSnapshotUnavailable = errors.New("snapshot content unavailable")

// ErrRangeOutOfBounds is returned when an edit range does not fit the file
var ErrRangeOutOfBounds = errors.New("edit range out of bounds")

// Range is a half-open byte range [Start, End) within a file
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of bytes covered by the range
func (r Range) Len() int { return r.End - r.Start }

// Workspace is the file-state collaborator: it applies and reverts ranged
// edits and takes/restores snapshots through a Store. All paths are
// relative to the workspace root.
type Workspace struct {
	root  string
	store *Store
	mu    sync.Mutex
}

// New creates a workspace rooted at dir, snapshotting into store
func New(root string, store *Store) *Workspace {
	return &Workspace{root: root, store: store}
}

// Root returns the workspace root directory
func (w *Workspace) Root() string { return w.root }

// abs resolves a workspace-relative path, rejecting escapes
func (w *Workspace) abs(path string) (string, error) {
	clean := filepath.Clean(path)
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return filepath.Join(w.root, clean), nil
}

// ReadFile reads a workspace file
func (w *Workspace) ReadFile(path string) ([]byte, error) {
	full, err := w.abs(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(full)
}

// WriteFile replaces a workspace file wholesale, creating parents as needed.
// It returns the previous content and whether the file existed.
func (w *Workspace) WriteFile(path string, content []byte) (before []byte, existed bool, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	full, err := w.abs(path)
	if err != nil {
		return nil, false, err
	}

	before, readErr := os.ReadFile(full)
	existed = readErr == nil
	if readErr != nil && !os.IsNotExist(readErr) {
		return nil, false, readErr
	}

	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return nil, existed, err
	}
	if err := os.WriteFile(full, content, 0644); err != nil {
		return nil, existed, err
	}
	return before, existed, nil
}

// ApplyEdit replaces the byte range r of a file with content. A range at
// the current end of a missing file creates it. Returns the bytes the
// range previously held.
func (w *Workspace) ApplyEdit(path string, r Range, content []byte) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	full, err := w.abs(path)
	if err != nil {
		return nil, err
	}

	current, readErr := os.ReadFile(full)
	if readErr != nil {
		if !os.IsNotExist(readErr) {
			return nil, readErr
		}
		current = nil
	}

	if r.Start < 0 || r.End < r.Start || r.End > len(current) {
		return nil, fmt.Errorf("%w: [%d,%d) in %d bytes of %s", ErrRangeOutOfBounds, r.Start, r.End, len(current), path)
	}

	before := make([]byte, r.Len())
	copy(before, current[r.Start:r.End])

	next := make([]byte, 0, len(current)-r.Len()+len(content))
	next = append(next, current[:r.Start]...)
	next = append(next, content...)
	next = append(next, current[r.End:]...)

	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(full, next, 0644); err != nil {
		return nil, err
	}
	return before, nil
}

// RevertRange puts the original bytes back into the range a prior edit
// occupies. The range describes the edit's current extent in the file.
func (w *Workspace) RevertRange(path string, r Range, original []byte) error {
	_, err := w.ApplyEdit(path, r, original)
	return err
}

// Hash returns the content hash of a file, or the empty-string hash when
// the file does not exist.
func (w *Workspace) Hash(path string) (string, error) {
	data, err := w.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return HashBytes(nil), nil
		}
		return "", err
	}
	return HashBytes(data), nil
}

// Remove deletes a workspace file, ignoring files already gone
func (w *Workspace) Remove(path string) error {
	full, err := w.abs(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Snapshot captures the current state of the workspace into the store
// and returns a cheap reference to it.
func (w *Workspace) Snapshot() (*SnapshotRef, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.store.Take(w.root)
}

// LoadRef reads a snapshot ref from the store by id
func (w *Workspace) LoadRef(id string) (*SnapshotRef, error) {
	return w.store.LoadRef(id)
}

// DeleteRef discards a snapshot ref. Pool contents stay; they may be
// shared with other refs.
func (w *Workspace) DeleteRef(id string) error {
	return w.store.Delete(id)
}

// Restore reverts the workspace to a snapshot. deletePaths lists files
// created after the snapshot that must be removed. All snapshot content is
// materialized before any file is written, so a missing pool entry leaves
// the workspace untouched.
func (w *Workspace) Restore(ref *SnapshotRef, deletePaths []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	contents, err := w.store.Materialize(ref)
	if err != nil {
		return err
	}

	for _, f := range ref.Files {
		full, err := w.abs(f.Path)
		if err != nil {
			return err
		}
		if f.Deleted {
			if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			return err
		}
		mode := os.FileMode(f.Mode)
		if mode == 0 {
			mode = 0644
		}
		if err := os.WriteFile(full, contents[f.Hash], mode); err != nil {
			return err
		}
	}

	for _, p := range deletePaths {
		full, err := w.abs(p)
		if err != nil {
			return err
		}
		if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// HashBytes returns the sha256 hex digest used to key the content pool
func HashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h)
}

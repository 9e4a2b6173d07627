// internal/diff/tracker.go
package diff

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentloop/internal/event"
	"agentloop/internal/workspace"
)

// ErrStaleHunk is returned when the hunk's file changed outside the
// tracker since the hunk was recorded. The caller must re-fetch the diff.
var ErrStaleHunk = errors.New("hunk is stale: file modified externally")

// ErrHunkNotFound is returned for unknown hunk ids
var ErrHunkNotFound = errors.New("hunk not found")

// ErrIntervalOpen is returned when accept/reject targets a hunk whose
// checkpoint interval has not closed yet.
var ErrIntervalOpen = errors.New("hunk's checkpoint interval is still open")

// Status of a hunk's review lifecycle
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
)

// Hunk is one reviewable contiguous change to one file, scoped to a
// checkpoint interval. Range tracks the current extent of the
// after-content in the file and is re-anchored as sibling hunks are
// rejected.
type Hunk struct {
	ID           string          `json:"id"`
	Path         string          `json:"path"`
	Range        workspace.Range `json:"range"`
	Before       []byte          `json:"before"`
	After        []byte          `json:"after"`
	Status       Status          `json:"status"`
	CheckpointID string          `json:"checkpoint_id"`
	Created      bool            `json:"created,omitempty"`
	RecordedAt   time.Time       `json:"recorded_at"`

	// fileHash is the file's content hash after this hunk's edit (and any
	// later tracker-driven change). A mismatch at reject time means an
	// external writer touched the file.
	fileHash string
}

// Tracker accumulates hunks reported by edit tools and exposes
// accept/reject at hunk, file and whole-change granularity.
type Tracker struct {
	threadID string
	ws       *workspace.Workspace
	hub      *event.Hub

	mu      sync.Mutex
	hunks   []*Hunk
	byID    map[string]*Hunk
	watcher *watcher

	// openInterval reports whether a checkpoint interval is still open;
	// hunks inside an open interval are not yet reviewable.
	openInterval func(checkpointID string) bool
}

// NewTracker creates a tracker for one thread. openInterval is consulted
// before accept/reject; nil means every interval counts as closed.
func NewTracker(threadID string, ws *workspace.Workspace, hub *event.Hub, openInterval func(string) bool) (*Tracker, error) {
	t := &Tracker{
		threadID:     threadID,
		ws:           ws,
		hub:          hub,
		byID:         make(map[string]*Hunk),
		openInterval: openInterval,
	}
	w, err := newWatcher(ws.Root(), t.onExternalChange)
	if err != nil {
		return nil, fmt.Errorf("create diff watcher: %w", err)
	}
	t.watcher = w
	return t, nil
}

// Close releases the file watcher
func (t *Tracker) Close() error {
	if t.watcher != nil {
		return t.watcher.close()
	}
	return nil
}

// Record adds a hunk for an edit already applied to the workspace. The
// range is the extent of the after-content in the file right now. Earlier
// pending hunks in the same file shift when the edit landed before them.
func (t *Tracker) Record(checkpointID, path string, r workspace.Range, before, after []byte, created bool) (*Hunk, error) {
	hash, err := t.ws.Hash(path)
	if err != nil {
		return nil, fmt.Errorf("hash %s: %w", path, err)
	}

	t.mu.Lock()

	delta := len(after) - len(before)
	for _, h := range t.hunks {
		if h.Path != path || h.Status != StatusPending {
			continue
		}
		if h.Range.Start >= r.Start+len(before) {
			h.Range.Start += delta
			h.Range.End += delta
		}
	}

	h := &Hunk{
		ID:           uuid.New().String(),
		Path:         path,
		Range:        r,
		Before:       before,
		After:        after,
		Status:       StatusPending,
		CheckpointID: checkpointID,
		Created:      created,
		RecordedAt:   time.Now(),
		fileHash:     hash,
	}
	t.hunks = append(t.hunks, h)
	t.byID[h.ID] = h

	// Tracker-driven writes refresh sibling hashes; only outside writers
	// should trip staleness.
	for _, sib := range t.hunks {
		if sib.Path == path {
			sib.fileHash = hash
		}
	}
	t.mu.Unlock()

	t.watcher.watch(path)
	t.emitDiff()
	return h, nil
}

// onExternalChange re-hashes a changed file; if the hash no longer
// matches, pending hunks keep their stale hash and a diff update fires so
// consumers re-fetch.
func (t *Tracker) onExternalChange(path string) {
	t.mu.Lock()
	touched := false
	for _, h := range t.hunks {
		if h.Path == path && h.Status == StatusPending {
			touched = true
			break
		}
	}
	t.mu.Unlock()
	if touched {
		t.emitDiff()
	}
}

// Aggregated returns every pending hunk across all files, ordered by path
// then offset.
func (t *Tracker) Aggregated() []*Hunk {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []*Hunk
	for _, h := range t.hunks {
		if h.Status == StatusPending {
			out = append(out, h)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].Range.Start < out[j].Range.Start
	})
	return out
}

// File returns the pending hunks of one file ordered by offset
func (t *Tracker) File(path string) []*Hunk {
	var out []*Hunk
	for _, h := range t.Aggregated() {
		if h.Path == path {
			out = append(out, h)
		}
	}
	return out
}

// Accept marks one hunk final. The file already holds the after-content;
// nothing else happens.
func (t *Tracker) Accept(hunkID string) error {
	t.mu.Lock()
	h, ok := t.byID[hunkID]
	if !ok {
		t.mu.Unlock()
		return ErrHunkNotFound
	}
	if h.Status != StatusPending {
		t.mu.Unlock()
		return nil
	}
	if t.intervalOpen(h.CheckpointID) {
		t.mu.Unlock()
		return ErrIntervalOpen
	}
	h.Status = StatusAccepted
	t.mu.Unlock()

	t.emitDiff()
	return nil
}

// AcceptFile accepts every pending hunk of one file
func (t *Tracker) AcceptFile(path string) error {
	for _, h := range t.File(path) {
		if err := t.Accept(h.ID); err != nil {
			return err
		}
	}
	return nil
}

// AcceptAll accepts every pending hunk
func (t *Tracker) AcceptAll() error {
	for _, h := range t.Aggregated() {
		if err := t.Accept(h.ID); err != nil {
			return err
		}
	}
	return nil
}

// Reject reverts exactly one hunk's range in the workspace and re-anchors
// sibling ranges. Fails with ErrStaleHunk, leaving the file untouched,
// when the file changed externally since the hunk was recorded.
func (t *Tracker) Reject(hunkID string) error {
	t.mu.Lock()
	h, ok := t.byID[hunkID]
	if !ok {
		t.mu.Unlock()
		return ErrHunkNotFound
	}
	if t.intervalOpen(h.CheckpointID) {
		t.mu.Unlock()
		return ErrIntervalOpen
	}

	// Staleness is checked even for terminal hunks: callers must learn
	// the file drifted before assuming the recorded diff still holds.
	current, err := t.ws.Hash(h.Path)
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("hash %s: %w", h.Path, err)
	}
	if current != h.fileHash {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrStaleHunk, h.Path)
	}
	if h.Status != StatusPending {
		t.mu.Unlock()
		return nil
	}

	if err := t.ws.RevertRange(h.Path, h.Range, h.Before); err != nil {
		t.mu.Unlock()
		return fmt.Errorf("revert %s: %w", h.Path, err)
	}

	h.Status = StatusRejected

	// Later hunks in the file shift by the size difference.
	delta := len(h.Before) - len(h.After)
	for _, sib := range t.hunks {
		if sib.Path != h.Path || sib.Status != StatusPending {
			continue
		}
		if sib.Range.Start >= h.Range.Start {
			sib.Range.Start += delta
			sib.Range.End += delta
		}
	}

	// The revert changed the file; refresh sibling hashes.
	newHash, err := t.ws.Hash(h.Path)
	if err == nil {
		for _, sib := range t.hunks {
			if sib.Path == h.Path {
				sib.fileHash = newHash
			}
		}
	}

	// A rejected creation leaves an empty file behind; remove it when no
	// other pending hunk still owns the path.
	if h.Created && !t.pathPendingLocked(h.Path) {
		if data, rerr := t.ws.ReadFile(h.Path); rerr == nil && len(data) == 0 {
			t.ws.Remove(h.Path)
		}
	}
	t.mu.Unlock()

	log.Printf("[Diff] rejected hunk %s in %s", h.ID, h.Path)
	t.emitDiff()
	return nil
}

// RejectFile rejects every pending hunk of one file, last offset first so
// earlier ranges stay valid while later ones are reverted.
func (t *Tracker) RejectFile(path string) error {
	hunks := t.File(path)
	for i := len(hunks) - 1; i >= 0; i-- {
		if err := t.Reject(hunks[i].ID); err != nil {
			return err
		}
	}
	return nil
}

// RejectAll rejects every pending hunk
func (t *Tracker) RejectAll() error {
	byPath := make(map[string]bool)
	for _, h := range t.Aggregated() {
		byPath[h.Path] = true
	}
	for path := range byPath {
		if err := t.RejectFile(path); err != nil {
			return err
		}
	}
	return nil
}

// DropInterval removes all hunks belonging to the given checkpoint
// intervals from the active branch without touching files. Used by
// message-edit truncation and by restore.
func (t *Tracker) DropInterval(checkpointIDs ...string) {
	drop := make(map[string]bool, len(checkpointIDs))
	for _, id := range checkpointIDs {
		drop[id] = true
	}

	t.mu.Lock()
	kept := t.hunks[:0]
	for _, h := range t.hunks {
		if drop[h.CheckpointID] {
			delete(t.byID, h.ID)
			continue
		}
		kept = append(kept, h)
	}
	t.hunks = kept
	t.mu.Unlock()

	t.emitDiff()
}

// CreatedFiles returns the paths of files created by hunks in the given
// checkpoint intervals. Restore removes them.
func (t *Tracker) CreatedFiles(checkpointIDs ...string) []string {
	want := make(map[string]bool, len(checkpointIDs))
	for _, id := range checkpointIDs {
		want[id] = true
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, h := range t.hunks {
		if want[h.CheckpointID] && h.Created && !seen[h.Path] {
			seen[h.Path] = true
			out = append(out, h.Path)
		}
	}
	return out
}

// PendingCount returns the number of pending hunks
func (t *Tracker) PendingCount() int {
	return len(t.Aggregated())
}

func (t *Tracker) intervalOpen(checkpointID string) bool {
	if t.openInterval == nil {
		return false
	}
	return t.openInterval(checkpointID)
}

func (t *Tracker) pathPendingLocked(path string) bool {
	for _, h := range t.hunks {
		if h.Path == path && h.Status == StatusPending {
			return true
		}
	}
	return false
}

func (t *Tracker) emitDiff() {
	if t.hub == nil {
		return
	}
	pending := t.Aggregated()
	seen := make(map[string]bool)
	var files []string
	for _, h := range pending {
		if !seen[h.Path] {
			seen[h.Path] = true
			files = append(files, h.Path)
		}
	}
	t.hub.EmitDiffUpdated(t.threadID, files, len(pending))
}

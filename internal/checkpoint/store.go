// internal/checkpoint/store.go
package checkpoint

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentloop/internal/workspace"
)

// ErrAlreadyOpen is returned when a checkpoint interval is already open
// for the thread.
var ErrAlreadyOpen = errors.New("checkpoint interval already open")

// ErrNotFound is returned when a checkpoint id is unknown
var ErrNotFound = errors.New("checkpoint not found")

// Checkpoint marks a workspace snapshot anchored to a point in a thread.
// Immutable once created; restore operations reference it, never change it.
type Checkpoint struct {
	ID          string    `json:"id"`
	ThreadID    string    `json:"thread_id"`
	AnchorIndex int       `json:"anchor_index"`
	SnapshotID  string    `json:"snapshot_id"`
	Reason      string    `json:"reason"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store sequences when snapshots are taken and which thread positions they
// bracket. The snapshots themselves are cheap references held by the
// workspace snapshot store.
type Store struct {
	ws *workspace.Workspace

	mu       sync.Mutex
	byThread map[string][]*Checkpoint
	byID     map[string]*Checkpoint
	open     map[string]*Checkpoint // threadID -> open interval
}

// NewStore creates a checkpoint store over the given workspace
func NewStore(ws *workspace.Workspace) *Store {
	return &Store{
		ws:       ws,
		byThread: make(map[string][]*Checkpoint),
		byID:     make(map[string]*Checkpoint),
		open:     make(map[string]*Checkpoint),
	}
}

// Begin takes a snapshot and opens a checkpoint interval anchored before
// the message at anchorIndex. Fails with ErrAlreadyOpen when the thread
// already has an open interval; the caller reuses that interval instead.
func (s *Store) Begin(threadID string, anchorIndex int, reason string) (*Checkpoint, error) {
	s.mu.Lock()
	if _, exists := s.open[threadID]; exists {
		s.mu.Unlock()
		return nil, ErrAlreadyOpen
	}
	s.mu.Unlock()

	// Snapshot outside the lock; it touches the filesystem.
	ref, err := s.ws.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("take snapshot: %w", err)
	}

	cp := &Checkpoint{
		ID:          uuid.New().String(),
		ThreadID:    threadID,
		AnchorIndex: anchorIndex,
		SnapshotID:  ref.ID,
		Reason:      reason,
		CreatedAt:   time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.open[threadID]; exists {
		// Lost the race; the ref just taken belongs to no checkpoint.
		if err := s.ws.DeleteRef(ref.ID); err != nil {
			log.Printf("[Checkpoint] drop unused snapshot %s: %v", ref.ID, err)
		}
		return nil, ErrAlreadyOpen
	}
	s.byThread[threadID] = append(s.byThread[threadID], cp)
	s.byID[cp.ID] = cp
	s.open[threadID] = cp

	log.Printf("[Checkpoint] opened %s for thread %s at anchor %d", cp.ID, threadID, anchorIndex)
	return cp, nil
}

// Open returns the thread's open checkpoint interval, or nil
func (s *Store) Open(threadID string) *Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open[threadID]
}

// CloseInterval closes the thread's open interval, if any. Hunks recorded
// inside it become eligible for accept/reject.
func (s *Store) CloseInterval(threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.open, threadID)
}

// Get looks up a checkpoint by id
func (s *Store) Get(id string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cp, nil
}

// List returns the thread's checkpoints in creation order
func (s *Store) List(threadID string) []*Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Checkpoint, len(s.byThread[threadID]))
	copy(out, s.byThread[threadID])
	return out
}

// Restore reverts the workspace to the checkpoint's snapshot. deletePaths
// lists files created after the checkpoint that must go. On any failure
// the workspace and the store are left unchanged; a missing snapshot maps
// to workspace.ErrSnapshotUnavailable.
func (s *Store) Restore(id string, deletePaths []string) (*Checkpoint, error) {
	cp, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	ref, err := s.ws.LoadRef(cp.SnapshotID)
	if err != nil {
		return nil, fmt.Errorf("%w: snapshot %s: %v", workspace.ErrSnapshotUnavailable, cp.SnapshotID, err)
	}

	if err := s.ws.Restore(ref, deletePaths); err != nil {
		return nil, err
	}

	// Checkpoints after the restored one leave the active branch.
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.byThread[cp.ThreadID][:0]
	for _, other := range s.byThread[cp.ThreadID] {
		if other.CreatedAt.After(cp.CreatedAt) && other.ID != cp.ID {
			delete(s.byID, other.ID)
			continue
		}
		kept = append(kept, other)
	}
	s.byThread[cp.ThreadID] = kept
	delete(s.open, cp.ThreadID)

	log.Printf("[Checkpoint] restored thread %s to %s", cp.ThreadID, cp.ID)
	return cp, nil
}

// TruncateAfter drops checkpoints anchored at or beyond anchorIndex from
// the active branch. Used when a message edit rewrites history; the
// workspace itself is left as-is.
func (s *Store) TruncateAfter(threadID string, anchorIndex int) []*Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()

	var dropped []*Checkpoint
	kept := s.byThread[threadID][:0]
	for _, cp := range s.byThread[threadID] {
		if cp.AnchorIndex >= anchorIndex {
			dropped = append(dropped, cp)
			delete(s.byID, cp.ID)
			continue
		}
		kept = append(kept, cp)
	}
	s.byThread[threadID] = kept

	if open, ok := s.open[threadID]; ok && open.AnchorIndex >= anchorIndex {
		delete(s.open, threadID)
	}
	return dropped
}

// Adopt reinstates checkpoints loaded from a persisted thread record
func (s *Store) Adopt(threadID string, cps []*Checkpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cp := range cps {
		s.byThread[threadID] = append(s.byThread[threadID], cp)
		s.byID[cp.ID] = cp
	}
}

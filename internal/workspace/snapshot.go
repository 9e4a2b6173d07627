// internal/workspace/snapshot.go
package workspace

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

// FileEntry records one file within a snapshot
type FileEntry struct {
	Path    string `json:"path"`
	Hash    string `json:"hash"`
	Mode    uint32 `json:"mode,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
}

// SnapshotRef is a cheap reference to captured workspace state. File
// contents live in the content pool keyed by hash; the ref itself only
// names them.
type SnapshotRef struct {
	ID      string      `json:"id"`
	Branch  string      `json:"branch,omitempty"`
	TakenAt time.Time   `json:"taken_at"`
	Files   []FileEntry `json:"files"`
}

// Store persists snapshot refs and their file contents. Contents are
// content-addressable and zstd-compressed, so unchanged files across
// snapshots share one pool entry.
type Store struct {
	baseDir string
	mu      sync.RWMutex
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewStore creates a snapshot store under baseDir
func NewStore(baseDir string, compressionLevel int) *Store {
	encoder, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(compressionLevel)))
	decoder, _ := zstd.NewReader(nil)
	return &Store{baseDir: baseDir, encoder: encoder, decoder: decoder}
}

func (s *Store) refsDir() string { return filepath.Join(s.baseDir, "refs") }
func (s *Store) poolDir() string { return filepath.Join(s.baseDir, "content_pool") }

// Take captures the current state of the workspace rooted at root. When
// root is a git repository, tracked files and the dirty set are captured
// and ignored artifacts are skipped; otherwise every regular file is.
// Unchanged contents dedupe in the pool, so broad refs stay cheap.
func (s *Store) Take(root string) (*SnapshotRef, error) {
	paths, branch, err := snapshotPaths(root)
	if err != nil {
		return nil, fmt.Errorf("discover snapshot files: %w", err)
	}

	ref := &SnapshotRef{
		ID:      uuid.New().String(),
		Branch:  branch,
		TakenAt: time.Now(),
	}

	for _, rel := range paths {
		full := filepath.Join(root, rel)
		info, err := os.Lstat(full)
		if os.IsNotExist(err) {
			ref.Files = append(ref.Files, FileEntry{Path: rel, Deleted: true})
			continue
		}
		if err != nil {
			return nil, err
		}
		if !info.Mode().IsRegular() {
			continue
		}

		data, err := os.ReadFile(full)
		if err != nil {
			return nil, err
		}
		hash := HashBytes(data)
		if err := s.putContent(hash, data); err != nil {
			return nil, err
		}
		ref.Files = append(ref.Files, FileEntry{Path: rel, Hash: hash, Mode: uint32(info.Mode().Perm())})
	}

	if err := s.saveRef(ref); err != nil {
		return nil, err
	}
	return ref, nil
}

// putContent stores data in the pool unless the hash is already present
func (s *Store) putContent(hash string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.poolDir(), 0755); err != nil {
		return err
	}
	path := filepath.Join(s.poolDir(), hash)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	compressed := s.encoder.EncodeAll(data, nil)
	return os.WriteFile(path, compressed, 0644)
}

// saveRef writes the snapshot ref metadata
func (s *Store) saveRef(ref *SnapshotRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.refsDir(), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(ref, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.refsDir(), ref.ID+".json"), data, 0644)
}

// LoadRef reads a snapshot ref by id
func (s *Store) LoadRef(id string) (*SnapshotRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(s.refsDir(), id+".json"))
	if err != nil {
		return nil, err
	}
	var ref SnapshotRef
	if err := json.Unmarshal(data, &ref); err != nil {
		return nil, fmt.Errorf("decode snapshot ref %s: %w", id, err)
	}
	return &ref, nil
}

// Materialize loads every file content a ref names, keyed by hash. A
// missing or corrupt pool entry fails the whole operation with
// ErrSnapshotUnavailable before anything is returned.
func (s *Store) Materialize(ref *SnapshotRef) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	contents := make(map[string][]byte)
	for _, f := range ref.Files {
		if f.Deleted {
			continue
		}
		if _, ok := contents[f.Hash]; ok {
			continue
		}
		compressed, err := os.ReadFile(filepath.Join(s.poolDir(), f.Hash))
		if err != nil {
			return nil, fmt.Errorf("%w: %s (%s)", ErrSnapshotUnavailable, f.Path, f.Hash)
		}
		data, err := s.decoder.DecodeAll(compressed, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrSnapshotUnavailable, f.Path, err)
		}
		contents[f.Hash] = data
	}
	return contents, nil
}

// Delete removes a snapshot ref. Pool contents stay; they may be shared.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(filepath.Join(s.refsDir(), id+".json"))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// walkAll lists every regular file under root, skipping VCS metadata
func walkAll(root string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if name == ".git" || strings.HasPrefix(name, ".") && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		paths = append(paths, rel)
		return nil
	})
	return paths, err
}

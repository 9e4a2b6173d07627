// internal/workspace/workspace_test.go
package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

func newTestWorkspace(t *testing.T) *Workspace {
	t.Helper()
	root, err := os.MkdirTemp("", "workspace_test")
	if err != nil {
		t.Fatal(err)
	}
	snapDir, err := os.MkdirTemp("", "snapshot_test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		os.RemoveAll(root)
		os.RemoveAll(snapDir)
	})
	return New(root, NewStore(snapDir, 3))
}

func TestApplyEdit(t *testing.T) {
	ws := newTestWorkspace(t)

	t.Run("CreateFile", func(t *testing.T) {
		before, err := ws.ApplyEdit("a.txt", Range{Start: 0, End: 0}, []byte("hello"))
		if err != nil {
			t.Fatalf("ApplyEdit failed: %v", err)
		}
		if len(before) != 0 {
			t.Errorf("expected empty before content, got %q", before)
		}
		data, _ := ws.ReadFile("a.txt")
		if string(data) != "hello" {
			t.Errorf("expected %q, got %q", "hello", data)
		}
	})

	t.Run("ReplaceRange", func(t *testing.T) {
		before, err := ws.ApplyEdit("a.txt", Range{Start: 0, End: 5}, []byte("goodbye"))
		if err != nil {
			t.Fatalf("ApplyEdit failed: %v", err)
		}
		if string(before) != "hello" {
			t.Errorf("expected before %q, got %q", "hello", before)
		}
		data, _ := ws.ReadFile("a.txt")
		if string(data) != "goodbye" {
			t.Errorf("expected %q, got %q", "goodbye", data)
		}
	})

	t.Run("OutOfBounds", func(t *testing.T) {
		_, err := ws.ApplyEdit("a.txt", Range{Start: 0, End: 100}, []byte("x"))
		if !errors.Is(err, ErrRangeOutOfBounds) {
			t.Errorf("expected ErrRangeOutOfBounds, got %v", err)
		}
	})

	t.Run("EscapeRejected", func(t *testing.T) {
		_, err := ws.ApplyEdit("../escape.txt", Range{}, []byte("x"))
		if err == nil {
			t.Error("expected error for path escaping the workspace")
		}
	})
}

func TestRevertRange(t *testing.T) {
	ws := newTestWorkspace(t)

	ws.WriteFile("b.txt", []byte("one two three"))
	before, err := ws.ApplyEdit("b.txt", Range{Start: 4, End: 7}, []byte("2"))
	if err != nil {
		t.Fatal(err)
	}

	if err := ws.RevertRange("b.txt", Range{Start: 4, End: 5}, before); err != nil {
		t.Fatalf("RevertRange failed: %v", err)
	}
	data, _ := ws.ReadFile("b.txt")
	if string(data) != "one two three" {
		t.Errorf("expected original content restored, got %q", data)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	ws := newTestWorkspace(t)

	ws.WriteFile("src/main.go", []byte("package main\n"))
	ws.WriteFile("README.md", []byte("readme\n"))

	ref, err := ws.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if len(ref.Files) != 2 {
		t.Fatalf("expected 2 files in snapshot, got %d", len(ref.Files))
	}

	// Mutate after the snapshot.
	ws.WriteFile("src/main.go", []byte("package mutated\n"))
	ws.WriteFile("new.txt", []byte("created later"))

	if err := ws.Restore(ref, []string{"new.txt"}); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	data, _ := ws.ReadFile("src/main.go")
	if string(data) != "package main\n" {
		t.Errorf("expected restored content, got %q", data)
	}
	if _, err := ws.ReadFile("new.txt"); !os.IsNotExist(err) {
		t.Errorf("expected new.txt removed, got err=%v", err)
	}
}

func TestSnapshotContentShared(t *testing.T) {
	ws := newTestWorkspace(t)

	ws.WriteFile("a.txt", []byte("same content"))
	ref1, err := ws.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	ref2, err := ws.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if ref1.Files[0].Hash != ref2.Files[0].Hash {
		t.Error("unchanged file should share one pool entry across snapshots")
	}
}

func TestSnapshotGitWorkspace(t *testing.T) {
	ws := newTestWorkspace(t)
	root := ws.Root()

	repo, err := git.PlainInit(root, false)
	if err != nil {
		t.Fatal(err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "clean.txt"), []byte("committed content"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := wt.Add("clean.txt"); err != nil {
		t.Fatal(err)
	}
	_, err = wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	if err != nil {
		t.Fatal(err)
	}

	ws.WriteFile("dirty.txt", []byte("uncommitted"))

	ref, err := ws.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if ref.Branch != "master" {
		t.Errorf("Branch = %q, want master", ref.Branch)
	}

	byPath := make(map[string]bool)
	for _, f := range ref.Files {
		byPath[f.Path] = true
		if strings.HasPrefix(f.Path, ".git") {
			t.Errorf("repository metadata captured: %s", f.Path)
		}
	}
	if !byPath["clean.txt"] {
		t.Error("a clean tracked file must be captured; restore needs its content")
	}
	if !byPath["dirty.txt"] {
		t.Error("an untracked file must be captured")
	}

	t.Run("RestoreRevertsCleanFileMutation", func(t *testing.T) {
		ws.WriteFile("clean.txt", []byte("MUTATED BY AGENT"))
		if err := ws.Restore(ref, nil); err != nil {
			t.Fatalf("Restore failed: %v", err)
		}
		data, _ := ws.ReadFile("clean.txt")
		if string(data) != "committed content" {
			t.Errorf("clean.txt = %q, want %q", data, "committed content")
		}
	})

	t.Run("RestoreRevivesDeletedTrackedFile", func(t *testing.T) {
		if err := ws.Remove("clean.txt"); err != nil {
			t.Fatal(err)
		}
		if err := ws.Restore(ref, nil); err != nil {
			t.Fatalf("Restore failed: %v", err)
		}
		data, _ := ws.ReadFile("clean.txt")
		if string(data) != "committed content" {
			t.Errorf("clean.txt = %q after deletion and restore", data)
		}
	})
}

func TestRestoreUnavailableSnapshot(t *testing.T) {
	ws := newTestWorkspace(t)

	ws.WriteFile("c.txt", []byte("content"))
	ref, err := ws.Snapshot()
	if err != nil {
		t.Fatal(err)
	}

	// Simulate pool garbage collection.
	pool := filepath.Join(ws.store.baseDir, "content_pool")
	if err := os.RemoveAll(pool); err != nil {
		t.Fatal(err)
	}

	ws.WriteFile("c.txt", []byte("mutated"))
	err = ws.Restore(ref, nil)
	if !errors.Is(err, ErrSnapshotUnavailable) {
		t.Fatalf("expected ErrSnapshotUnavailable, got %v", err)
	}

	// No partial restore: the mutation must survive.
	data, _ := ws.ReadFile("c.txt")
	if string(data) != "mutated" {
		t.Errorf("restore failure must leave the workspace unchanged, got %q", data)
	}
}

func TestLoadRef(t *testing.T) {
	ws := newTestWorkspace(t)

	ws.WriteFile("d.txt", []byte("x"))
	ref, err := ws.Snapshot()
	if err != nil {
		t.Fatal(err)
	}

	loaded, err := ws.LoadRef(ref.ID)
	if err != nil {
		t.Fatalf("LoadRef failed: %v", err)
	}
	if loaded.ID != ref.ID || len(loaded.Files) != len(ref.Files) {
		t.Error("loaded ref does not match saved ref")
	}

	if _, err := ws.LoadRef("missing"); err == nil {
		t.Error("expected error for unknown ref id")
	}
}

// internal/checkpoint/store_test.go
package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"agentloop/internal/workspace"
)

func newTestStore(t *testing.T) (*Store, *workspace.Workspace) {
	t.Helper()
	root, err := os.MkdirTemp("", "checkpoint_ws")
	if err != nil {
		t.Fatal(err)
	}
	snapDir, err := os.MkdirTemp("", "checkpoint_snap")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		os.RemoveAll(root)
		os.RemoveAll(snapDir)
	})
	ws := workspace.New(root, workspace.NewStore(snapDir, 3))
	return NewStore(ws), ws
}

func TestBeginAndCloseInterval(t *testing.T) {
	s, ws := newTestStore(t)
	ws.WriteFile("a.txt", []byte("v1"))

	cp, err := s.Begin("thread-1", 2, "edit burst began")
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if cp.AnchorIndex != 2 || cp.ThreadID != "thread-1" {
		t.Errorf("unexpected checkpoint fields: %+v", cp)
	}
	if open := s.Open("thread-1"); open == nil || open.ID != cp.ID {
		t.Error("Begin should leave the interval open")
	}

	t.Run("SecondBeginRejected", func(t *testing.T) {
		if _, err := s.Begin("thread-1", 3, "again"); !errors.Is(err, ErrAlreadyOpen) {
			t.Errorf("expected ErrAlreadyOpen, got %v", err)
		}
	})

	t.Run("OtherThreadUnaffected", func(t *testing.T) {
		cp2, err := s.Begin("thread-2", 0, "first")
		if err != nil {
			t.Fatalf("Begin on a second thread failed: %v", err)
		}
		s.CloseInterval("thread-2")
		if s.Open("thread-2") != nil {
			t.Error("CloseInterval should clear the open interval")
		}
		if _, err := s.Get(cp2.ID); err != nil {
			t.Error("closed checkpoint must remain retrievable")
		}
	})

	s.CloseInterval("thread-1")
	if s.Open("thread-1") != nil {
		t.Error("interval should be closed")
	}

	t.Run("ReopenAfterClose", func(t *testing.T) {
		if _, err := s.Begin("thread-1", 5, "next burst"); err != nil {
			t.Errorf("Begin after close failed: %v", err)
		}
	})
}

func TestConcurrentBeginLeavesNoOrphanRefs(t *testing.T) {
	root, err := os.MkdirTemp("", "checkpoint_ws")
	if err != nil {
		t.Fatal(err)
	}
	snapDir, err := os.MkdirTemp("", "checkpoint_snap")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		os.RemoveAll(root)
		os.RemoveAll(snapDir)
	})
	ws := workspace.New(root, workspace.NewStore(snapDir, 3))
	s := NewStore(ws)
	ws.WriteFile("a.txt", []byte("content"))

	succeeded := 0
	for i := 0; i < 8; i++ {
		threadID := fmt.Sprintf("t%d", i)
		results := make(chan error, 2)
		var wg sync.WaitGroup
		for j := 0; j < 2; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Begin(threadID, 0, "racing")
				results <- err
			}()
		}
		wg.Wait()
		close(results)

		wins := 0
		for err := range results {
			if err == nil {
				wins++
			} else if !errors.Is(err, ErrAlreadyOpen) {
				t.Fatalf("Begin failed with %v", err)
			}
		}
		if wins != 1 {
			t.Fatalf("round %d: %d Begins won, want exactly 1", i, wins)
		}
		succeeded += wins
	}

	// A Begin that lost the race must not leave its snapshot ref behind.
	entries, err := os.ReadDir(filepath.Join(snapDir, "refs"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != succeeded {
		t.Errorf("refs on disk = %d, want %d (one per opened interval)", len(entries), succeeded)
	}
}

func TestGetAndList(t *testing.T) {
	s, ws := newTestStore(t)
	ws.WriteFile("a.txt", []byte("v1"))

	if _, err := s.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	cp1, _ := s.Begin("t", 0, "one")
	s.CloseInterval("t")
	cp2, _ := s.Begin("t", 4, "two")
	s.CloseInterval("t")

	list := s.List("t")
	if len(list) != 2 || list[0].ID != cp1.ID || list[1].ID != cp2.ID {
		t.Errorf("List should return checkpoints in creation order, got %d", len(list))
	}
}

func TestRestore(t *testing.T) {
	s, ws := newTestStore(t)
	ws.WriteFile("a.txt", []byte("original"))

	cp1, err := s.Begin("t", 0, "first")
	if err != nil {
		t.Fatal(err)
	}
	s.CloseInterval("t")

	ws.WriteFile("a.txt", []byte("mutated"))
	ws.WriteFile("b.txt", []byte("created"))
	cp2, err := s.Begin("t", 3, "second")
	if err != nil {
		t.Fatal(err)
	}
	s.CloseInterval("t")

	t.Run("UnknownID", func(t *testing.T) {
		if _, err := s.Restore("missing", nil); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	restored, err := s.Restore(cp1.ID, []string{"b.txt"})
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if restored.ID != cp1.ID {
		t.Errorf("restored wrong checkpoint: %s", restored.ID)
	}

	data, _ := ws.ReadFile("a.txt")
	if string(data) != "original" {
		t.Errorf("expected workspace rolled back, got %q", data)
	}
	if _, err := ws.ReadFile("b.txt"); !os.IsNotExist(err) {
		t.Error("file created after the checkpoint should be deleted")
	}

	t.Run("LaterCheckpointsDropped", func(t *testing.T) {
		if _, err := s.Get(cp2.ID); !errors.Is(err, ErrNotFound) {
			t.Error("checkpoints after the restore target should leave the branch")
		}
		list := s.List("t")
		if len(list) != 1 || list[0].ID != cp1.ID {
			t.Errorf("expected only the restored checkpoint, got %d", len(list))
		}
	})
}

func TestTruncateAfter(t *testing.T) {
	s, ws := newTestStore(t)
	ws.WriteFile("a.txt", []byte("x"))

	cp1, _ := s.Begin("t", 1, "early")
	s.CloseInterval("t")
	cp2, _ := s.Begin("t", 4, "late")
	s.CloseInterval("t")
	cp3, _ := s.Begin("t", 6, "open one")

	dropped := s.TruncateAfter("t", 4)
	if len(dropped) != 2 {
		t.Fatalf("expected 2 dropped checkpoints, got %d", len(dropped))
	}
	ids := map[string]bool{dropped[0].ID: true, dropped[1].ID: true}
	if !ids[cp2.ID] || !ids[cp3.ID] {
		t.Error("checkpoints anchored at or beyond the index should be dropped")
	}
	if s.Open("t") != nil {
		t.Error("a dropped open interval must be closed")
	}
	if _, err := s.Get(cp1.ID); err != nil {
		t.Error("checkpoints before the index must survive")
	}
}

func TestAdopt(t *testing.T) {
	s, _ := newTestStore(t)

	cps := []*Checkpoint{
		{ID: "cp-a", ThreadID: "t", AnchorIndex: 0},
		{ID: "cp-b", ThreadID: "t", AnchorIndex: 3},
	}
	s.Adopt("t", cps)

	if got, err := s.Get("cp-b"); err != nil || got.AnchorIndex != 3 {
		t.Errorf("adopted checkpoint not retrievable: %v", err)
	}
	if len(s.List("t")) != 2 {
		t.Error("adopted checkpoints should appear in List")
	}
	if s.Open("t") != nil {
		t.Error("adoption must not open an interval")
	}
}

// internal/history/index_test.go
package history

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"agentloop/internal/thread"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	dir, err := os.MkdirTemp("", "history_test")
	if err != nil {
		t.Fatal(err)
	}
	idx, err := Open(filepath.Join(dir, "threads.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		idx.Close()
		os.RemoveAll(dir)
	})
	return idx
}

func record(id, title string, lastActive time.Time) thread.Record {
	return thread.Record{
		ID:         id,
		Title:      title,
		Profile:    "write",
		TokenUsage: 100,
		CreatedAt:  lastActive.Add(-time.Hour),
		LastActive: lastActive,
	}
}

func TestSaveAndGetThread(t *testing.T) {
	idx := newTestIndex(t)

	rec := record("t1", "fix the build", time.Now())
	if err := idx.SaveThread(rec); err != nil {
		t.Fatalf("SaveThread failed: %v", err)
	}

	got, err := idx.GetThread("t1")
	if err != nil {
		t.Fatalf("GetThread failed: %v", err)
	}
	if got.ID != "t1" || got.Title != "fix the build" || got.TokenUsage != 100 {
		t.Errorf("unexpected record %+v", got)
	}

	t.Run("Upsert", func(t *testing.T) {
		rec.Title = "fix the build, round two"
		rec.TokenUsage = 250
		if err := idx.SaveThread(rec); err != nil {
			t.Fatal(err)
		}
		got, err := idx.GetThread("t1")
		if err != nil {
			t.Fatal(err)
		}
		if got.Title != "fix the build, round two" || got.TokenUsage != 250 {
			t.Errorf("upsert did not stick: %+v", got)
		}
	})

	t.Run("Unknown", func(t *testing.T) {
		if _, err := idx.GetThread("missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestRecentSixMostRecentFirst(t *testing.T) {
	idx := newTestIndex(t)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 8; i++ {
		rec := record(
			string(rune('a'+i)),
			"thread",
			base.Add(time.Duration(i)*time.Minute),
		)
		if err := idx.SaveThread(rec); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := idx.Recent(6)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 6 {
		t.Fatalf("expected 6 entries, got %d", len(entries))
	}
	if entries[0].ThreadID != "h" || entries[5].ThreadID != "c" {
		t.Errorf("wrong order: first=%s last=%s", entries[0].ThreadID, entries[5].ThreadID)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].LastActiveAt.After(entries[i-1].LastActiveAt) {
			t.Error("entries should be most recent first")
		}
	}
}

func TestArchiveHidesFromRecent(t *testing.T) {
	idx := newTestIndex(t)

	idx.SaveThread(record("keep", "kept", time.Now()))
	idx.SaveThread(record("hide", "hidden", time.Now().Add(time.Minute)))

	if err := idx.Archive("hide"); err != nil {
		t.Fatalf("Archive failed: %v", err)
	}

	entries, err := idx.Recent(6)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].ThreadID != "keep" {
		t.Errorf("archived thread should be hidden, got %+v", entries)
	}

	t.Run("StillRetrievable", func(t *testing.T) {
		if _, err := idx.GetThread("hide"); err != nil {
			t.Errorf("archived threads stay loadable: %v", err)
		}
	})

	t.Run("ListedWithFlag", func(t *testing.T) {
		all, err := idx.List()
		if err != nil {
			t.Fatal(err)
		}
		if len(all) != 2 {
			t.Fatalf("List should include archived threads, got %d", len(all))
		}
		for _, e := range all {
			if e.ThreadID == "hide" && !e.Archived {
				t.Error("archived entry should carry the flag")
			}
		}
	})

	t.Run("UnknownID", func(t *testing.T) {
		if err := idx.Archive("missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestTouchBumpsRecency(t *testing.T) {
	idx := newTestIndex(t)

	idx.SaveThread(record("old", "older", time.Now().Add(-time.Hour)))
	idx.SaveThread(record("new", "newer", time.Now()))

	if err := idx.Touch("old"); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}

	entries, err := idx.Recent(2)
	if err != nil {
		t.Fatal(err)
	}
	if entries[0].ThreadID != "old" {
		t.Errorf("touched thread should lead the recent view, got %s", entries[0].ThreadID)
	}

	if err := idx.Touch("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

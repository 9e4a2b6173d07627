// internal/assembler/assembler_test.go
package assembler

import (
	"context"
	"os"
	"strings"
	"testing"

	"agentloop/internal/config"
	"agentloop/internal/event"
	"agentloop/internal/transport"
	"agentloop/internal/workspace"
)

func newTestAssembler(t *testing.T, cfg config.Runtime) (*Assembler, *workspace.Workspace, *event.Hub) {
	t.Helper()
	root, err := os.MkdirTemp("", "assembler_ws")
	if err != nil {
		t.Fatal(err)
	}
	snapDir, err := os.MkdirTemp("", "assembler_snap")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		os.RemoveAll(root)
		os.RemoveAll(snapDir)
	})
	ws := workspace.New(root, workspace.NewStore(snapDir, 3))
	hub := event.NewHub()
	return New(ws, hub, cfg), ws, hub
}

func TestEstimateTokens(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 400), 100},
	}
	for _, c := range cases {
		if got := EstimateTokens(c.in); got != c.want {
			t.Errorf("EstimateTokens(%d bytes) = %d, want %d", len(c.in), got, c.want)
		}
	}
}

func TestAttachAndAssemble(t *testing.T) {
	cfg := config.Defaults()
	a, ws, _ := newTestAssembler(t, cfg)
	ws.WriteFile("notes.md", []byte("remember the milk"))

	a.Attach("t1", a.FileItem("notes.md"))

	blocks, err := a.Assemble("t1", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(blocks))
	}
	if blocks[0].Kind != string(KindFile) || blocks[0].Content != "remember the milk" {
		t.Errorf("unexpected block %+v", blocks[0])
	}
}

func TestAssembleDropsAutoDiscoveredFirst(t *testing.T) {
	cfg := config.Defaults()
	// A budget that fits the explicit item but not both.
	cfg.ContextWindow = 30
	cfg.ResponseMargin = 10
	a, ws, _ := newTestAssembler(t, cfg)

	ws.WriteFile("pinned.txt", []byte(strings.Repeat("p", 60))) // 15 tokens
	ws.WriteFile("loose.txt", []byte(strings.Repeat("l", 60)))  // 15 tokens

	a.EnableAutoDiscovery(true)
	a.Attach("t1", a.FileItem("pinned.txt"))

	blocks, err := a.Assemble("t1", "please look at loose.txt", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(blocks) != 1 {
		t.Fatalf("expected the auto item dropped, got %d blocks", len(blocks))
	}
	if blocks[0].Source != "pinned.txt" {
		t.Errorf("explicit item should survive, kept %s", blocks[0].Source)
	}
}

func TestAssembleNearLimitNeverFails(t *testing.T) {
	cfg := config.Defaults()
	cfg.ContextWindow = 20
	cfg.ResponseMargin = 10
	a, ws, _ := newTestAssembler(t, cfg)

	ws.WriteFile("big.txt", []byte(strings.Repeat("b", 4000)))
	a.Attach("t1", a.FileItem("big.txt"))

	// History alone exceeds the budget; everything is dropped, nothing errors.
	blocks, err := a.Assemble("t1", "", 100)
	if err != nil {
		t.Fatalf("over-budget assembly must not fail: %v", err)
	}
	if len(blocks) != 0 {
		t.Errorf("expected every item dropped, got %d", len(blocks))
	}
}

func TestDiscoverOnlyWhenEnabled(t *testing.T) {
	a, ws, _ := newTestAssembler(t, config.Defaults())
	ws.WriteFile("main.go", []byte("package main"))

	blocks, _ := a.Assemble("t1", "fix main.go please", 0)
	if len(blocks) != 0 {
		t.Errorf("discovery disabled, expected no blocks, got %d", len(blocks))
	}

	a.EnableAutoDiscovery(true)
	blocks, _ = a.Assemble("t1", "fix main.go please", 0)
	if len(blocks) != 1 || blocks[0].Source != "main.go" {
		t.Errorf("expected main.go discovered, got %+v", blocks)
	}
}

func TestRecordUsageNearLimitOnce(t *testing.T) {
	cfg := config.Defaults()
	cfg.ContextWindow = 100
	cfg.HighWaterFraction = 0.8
	a, _, hub := newTestAssembler(t, cfg)

	sub := hub.Subscribe(8)
	defer sub.Close()

	a.RecordUsage("t1", 50)
	select {
	case ev := <-sub.C:
		t.Fatalf("below high water, unexpected event %+v", ev)
	default:
	}

	a.RecordUsage("t1", 40) // 90 >= 80
	ev := <-sub.C
	if ev.Type != event.TypeNearContextLimit {
		t.Fatalf("expected near-limit event, got %s", ev.Type)
	}
	p := ev.Payload.(event.NearLimitPayload)
	if p.UsedTokens != 90 || p.Window != 100 {
		t.Errorf("unexpected payload %+v", p)
	}

	a.RecordUsage("t1", 5)
	select {
	case ev := <-sub.C:
		t.Fatalf("near-limit should fire once, got %+v", ev)
	default:
	}

	if a.Usage("t1") != 95 {
		t.Errorf("Usage = %d, want 95", a.Usage("t1"))
	}
}

func TestSetUsageResetsWarning(t *testing.T) {
	cfg := config.Defaults()
	cfg.ContextWindow = 100
	a, _, hub := newTestAssembler(t, cfg)

	sub := hub.Subscribe(8)
	defer sub.Close()

	a.RecordUsage("t1", 90)
	<-sub.C

	a.SetUsage("t1", 10)
	a.RecordUsage("t1", 80) // crosses again after reset
	ev := <-sub.C
	if ev.Type != event.TypeNearContextLimit {
		t.Errorf("expected a second near-limit after reset, got %s", ev.Type)
	}
}

func TestSummarize(t *testing.T) {
	cfg := config.Defaults()
	a, _, _ := newTestAssembler(t, cfg)

	tp := transport.NewScript(
		transport.ModelInfo{ID: "m1", Window: 1000},
		[]transport.StreamEvent{transport.Text("summary of the work"), transport.End()},
	)

	a.SetUsage("t1", 5000)
	history := []transport.Message{
		{Role: "user", Content: "do the thing"},
		{Role: "agent", Content: "done"},
	}

	item, err := a.Summarize(context.Background(), tp, "t1", history)
	if err != nil {
		t.Fatal(err)
	}
	if item.Kind != KindThread || item.Content != "summary of the work" {
		t.Errorf("unexpected item %+v", item)
	}
	if a.Usage("t1") != item.Tokens() {
		t.Errorf("usage should reset to the summary cost, got %d", a.Usage("t1"))
	}

	reqs := tp.Requests()
	if len(reqs) != 1 || len(reqs[0].Messages) != 3 {
		t.Fatalf("summarize request should carry the instruction plus history")
	}
}

// cmd/agentloop/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"agentloop/internal/assembler"
	"agentloop/internal/checkpoint"
	"agentloop/internal/config"
	"agentloop/internal/event"
	"agentloop/internal/history"
	"agentloop/internal/server"
	"agentloop/internal/term"
	"agentloop/internal/thread"
	"agentloop/internal/tool"
	"agentloop/internal/transport"
	"agentloop/internal/workspace"
)

func main() {
	var (
		dataDir  = flag.String("data", "", "data directory (default ~/.agentloop)")
		workDir  = flag.String("workspace", ".", "workspace root the agent operates on")
		prompt   = flag.String("prompt", "", "prompt to submit")
		profile  = flag.String("profile", "", "tool profile for the thread (write, ask, minimal or custom)")
		resume   = flag.String("resume", "", "thread id to resume")
		recent   = flag.Bool("recent", false, "list recent threads and exit")
		dryRun   = flag.Bool("dry-run", false, "use the scripted transport instead of the provider command")
		serve    = flag.Bool("serve", false, "expose the observer event stream over WebSocket")
		attach   = flag.String("attach", "", "file path to attach as context")
		discover = flag.Bool("discover", false, "enable context auto-discovery")
	)
	flag.Parse()

	if err := run(*dataDir, *workDir, *prompt, *profile, *resume, *attach, *recent, *dryRun, *serve, *discover); err != nil {
		log.Fatalf("agentloop: %v", err)
	}
}

func run(dataDir, workDir, prompt, profile, resume, attach string, recent, dryRun, serve, discover bool) error {
	var cfg *config.Config
	var err error
	if dataDir != "" {
		cfg, err = config.LoadAt(dataDir)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	idx, err := history.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open history index: %w", err)
	}
	defer idx.Close()

	if recent {
		entries, err := idx.Recent(6)
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Printf("%s  %s  %s\n", e.ThreadID, e.LastActiveAt.Format("2006-01-02 15:04"), e.Title)
		}
		return nil
	}

	if prompt == "" {
		return fmt.Errorf("a -prompt is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := workspace.NewStore(cfg.SnapshotDir, cfg.Runtime.CompressionLevel)
	ws := workspace.New(workDir, store)
	cps := checkpoint.NewStore(ws)
	hub := event.NewHub()

	var tp transport.Transport
	model := transport.ModelInfo{
		ID:                cfg.Runtime.Model,
		Name:              cfg.Runtime.Model,
		Window:            cfg.Runtime.ContextWindow,
		SupportsToolCalls: true,
	}
	if dryRun {
		tp = transport.NewScript(model, []transport.StreamEvent{
			transport.Text("(dry run) nothing was sent to a provider.\n"),
			transport.End(),
		})
	} else {
		tp = transport.NewProc(cfg.Runtime.ProviderCommand, model, workDir)
	}

	// New threads pick the default profile up at creation, so the flag
	// must land before the engine is built.
	if profile != "" {
		cfg.Runtime.DefaultProfile = profile
	}

	asm := assembler.New(ws, hub, cfg.Runtime)
	asm.EnableAutoDiscovery(discover)

	reg := tool.NewRegistry()
	for _, p := range cfg.CustomProfiles {
		reg.DefineProfile(p.Name, p.Tools)
	}

	engine := thread.NewEngine(cfg.Runtime, tp, reg, ws, cps, asm, hub, idx)

	runner := term.NewRunner(workDir, "")
	if err := tool.RegisterBuiltins(reg, ws, runner, engine); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}

	if serve {
		srv := server.New(hub)
		port, err := srv.Start(ctx)
		if err != nil {
			return err
		}
		defer srv.Stop(context.Background())
		fmt.Printf("EVENTS_PORT:%d\n", port)
	}

	sub := hub.Subscribe(1024)
	defer sub.Close()

	var attachments []*assembler.Item
	if attach != "" {
		attachments = append(attachments, asm.FileItem(attach))
	}

	threadID := resume
	if threadID != "" {
		rec, err := idx.GetThread(threadID)
		if err != nil {
			return err
		}
		engine.Load(rec)
		// A resumed thread keeps its saved profile unless the flag
		// overrides it for this turn onward.
		if profile != "" {
			if err := engine.SetProfile(threadID, profile); err != nil {
				return err
			}
		}
	}

	threadID, err = engine.Submit(ctx, threadID, prompt, attachments)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		engine.Interrupt(threadID)
	}()

	for ev := range sub.C {
		switch ev.Type {
		case event.TypeMessageDelta:
			if p, ok := ev.Payload.(event.MessageDeltaPayload); ok {
				fmt.Print(p.Delta)
			}
		case event.TypeToolStatusChanged:
			if p, ok := ev.Payload.(event.ToolStatusPayload); ok {
				fmt.Printf("\n[tool %s] %s %s\n", p.ToolName, p.Status, p.Error)
			}
		case event.TypeCheckpointCreated:
			if p, ok := ev.Payload.(event.CheckpointPayload); ok {
				fmt.Printf("\n[checkpoint %s]\n", p.CheckpointID)
			}
		case event.TypeNearContextLimit:
			fmt.Println("\n[context] approaching the model window; consider summarizing this thread")
		case event.TypeThreadIdle:
			fmt.Println()
			if tr, err := engine.Tracker(threadID); err == nil {
				if n := tr.PendingCount(); n > 0 {
					fmt.Printf("%d pending edit hunk(s); review with accept/reject\n", n)
				}
			}
			return nil
		case event.TypeStateChanged:
			if p, ok := ev.Payload.(event.StatePayload); ok && p.State == string(thread.StateErrored) {
				return fmt.Errorf("thread errored; re-submit to retry")
			}
		}
	}
	return nil
}

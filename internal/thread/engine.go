// internal/thread/engine.go
package thread

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"agentloop/internal/assembler"
	"agentloop/internal/checkpoint"
	"agentloop/internal/config"
	"agentloop/internal/diff"
	"agentloop/internal/event"
	"agentloop/internal/tool"
	"agentloop/internal/transport"
	"agentloop/internal/workspace"
)

// ErrInvalidState is returned for operations not valid in the thread's
// current machine state. Surfaced to the user, never fatal.
var ErrInvalidState = errors.New("operation not valid in current thread state")

// ErrThreadNotFound is returned for unknown thread ids
var ErrThreadNotFound = errors.New("thread not found")

// Persister stores thread records. The history index implements it; the
// engine stays ignorant of the storage layer.
type Persister interface {
	SaveThread(rec Record) error
	Archive(threadID string) error
}

// Engine orchestrates conversations: it submits turns to the model
// transport, streams responses, dispatches tool calls gated by the active
// profile, and drives checkpoints and diff tracking around edit tools.
// One turn runs at a time per thread; distinct threads run independently.
type Engine struct {
	cfg         config.Runtime
	transport   transport.Transport
	registry    *tool.Registry
	ws          *workspace.Workspace
	checkpoints *checkpoint.Store
	hub         *event.Hub
	assembler   *assembler.Assembler
	persist     Persister

	mu       sync.Mutex
	threads  map[string]*Thread
	trackers map[string]*diff.Tracker
	cpMu     map[string]*sync.Mutex // serializes checkpoint opening per thread
}

// NewEngine wires an engine over its collaborators. persist may be nil.
func NewEngine(cfg config.Runtime, t transport.Transport, reg *tool.Registry, ws *workspace.Workspace, cps *checkpoint.Store, asm *assembler.Assembler, hub *event.Hub, persist Persister) *Engine {
	return &Engine{
		cfg:         cfg,
		transport:   t,
		registry:    reg,
		ws:          ws,
		checkpoints: cps,
		hub:         hub,
		assembler:   asm,
		persist:     persist,
		threads:     make(map[string]*Thread),
		trackers:    make(map[string]*diff.Tracker),
		cpMu:        make(map[string]*sync.Mutex),
	}
}

// Thread returns a thread by id
func (e *Engine) Thread(id string) (*Thread, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	th, ok := e.threads[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, id)
	}
	return th, nil
}

// Tracker returns the thread's diff tracker, creating it on first use
func (e *Engine) Tracker(threadID string) (*diff.Tracker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.trackerLocked(threadID)
}

func (e *Engine) trackerLocked(threadID string) (*diff.Tracker, error) {
	if tr, ok := e.trackers[threadID]; ok {
		return tr, nil
	}
	openInterval := func(checkpointID string) bool {
		open := e.checkpoints.Open(threadID)
		return open != nil && open.ID == checkpointID
	}
	tr, err := diff.NewTracker(threadID, e.ws, e.hub, openInterval)
	if err != nil {
		return nil, err
	}
	e.trackers[threadID] = tr
	return tr, nil
}

// newThread mints a thread with a title derived from the first prompt
func (e *Engine) newThread(prompt string) *Thread {
	title := strings.TrimSpace(prompt)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	if len(title) > 64 {
		title = title[:64]
	}

	th := &Thread{
		ID:           uuid.New().String(),
		Title:        title,
		Profile:      e.cfg.DefaultProfile,
		CreatedAt:    time.Now(),
		LastActiveAt: time.Now(),
		state:        StateIdle,
	}

	e.mu.Lock()
	e.threads[th.ID] = th
	e.cpMu[th.ID] = &sync.Mutex{}
	e.mu.Unlock()
	return th
}

// Load reinstates a persisted thread record into the engine
func (e *Engine) Load(rec Record) *Thread {
	th := &Thread{
		ID:           rec.ID,
		Title:        rec.Title,
		Profile:      rec.Profile,
		TokenUsage:   rec.TokenUsage,
		CreatedAt:    rec.CreatedAt,
		LastActiveAt: rec.LastActive,
		arena:        rec.Messages,
		activeLen:    len(rec.Messages),
		state:        StateIdle,
	}
	if th.Profile == "" {
		th.Profile = e.cfg.DefaultProfile
	}

	e.mu.Lock()
	e.threads[th.ID] = th
	e.cpMu[th.ID] = &sync.Mutex{}
	e.mu.Unlock()

	e.checkpoints.Adopt(th.ID, rec.Checkpoints)
	e.assembler.SetUsage(th.ID, rec.TokenUsage)
	return th
}

// SetProfile changes the thread's active tool profile between turns
func (e *Engine) SetProfile(threadID, profile string) error {
	th, err := e.Thread(threadID)
	if err != nil {
		return err
	}
	if th.State() != StateIdle && th.State() != StateErrored {
		return ErrInvalidState
	}
	if _, err := e.registry.Resolve(profile); err != nil {
		return err
	}
	th.mu.Lock()
	th.Profile = profile
	th.mu.Unlock()
	return nil
}

// Submit appends a user message and starts a turn. threadID may be empty
// to start a new thread. Fails with ErrInvalidState while a turn is in
// flight; a thread in Errored accepts re-submission.
func (e *Engine) Submit(ctx context.Context, threadID, prompt string, attachments []*assembler.Item) (string, error) {
	var th *Thread
	if threadID == "" {
		th = e.newThread(prompt)
	} else {
		var err error
		th, err = e.Thread(threadID)
		if err != nil {
			return "", err
		}
	}

	th.mu.Lock()
	if th.state != StateIdle && th.state != StateErrored {
		th.mu.Unlock()
		return "", fmt.Errorf("%w: thread %s is %s", ErrInvalidState, th.ID, th.state)
	}
	th.state = StateAwaitingResponse
	th.mu.Unlock()

	if len(attachments) > 0 {
		e.assembler.Attach(th.ID, attachments...)
	}

	msg := &Message{Role: RoleUser, CreatedAt: time.Now()}
	msg.appendText(prompt)
	for _, it := range attachments {
		msg.Blocks = append(msg.Blocks, Block{Type: BlockAttachment, Source: it.Source})
	}
	th.append(msg)

	e.hub.EmitStateChanged(th.ID, string(StateAwaitingResponse))
	e.startTurn(ctx, th)
	return th.ID, nil
}

// startTurn launches the asynchronous turn loop
func (e *Engine) startTurn(ctx context.Context, th *Thread) {
	turnCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	th.mu.Lock()
	th.cancelTurn = cancel
	th.turnDone = done
	th.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()
		e.runTurn(turnCtx, th)
	}()
}

// Wait blocks until the thread's current turn finishes
func (e *Engine) Wait(threadID string) error {
	th, err := e.Thread(threadID)
	if err != nil {
		return err
	}
	th.mu.Lock()
	done := th.turnDone
	th.mu.Unlock()
	if done != nil {
		<-done
	}
	return nil
}

// Interrupt stops the thread's turn at the next safe boundary. In-flight
// tool calls finalize as failed/cancelled; an open checkpoint interval is
// closed so restore stays available.
func (e *Engine) Interrupt(threadID string) error {
	th, err := e.Thread(threadID)
	if err != nil {
		return err
	}

	th.mu.Lock()
	if th.state == StateIdle || th.state == StateErrored {
		th.mu.Unlock()
		return ErrInvalidState
	}
	th.state = StateInterrupted
	cancel := th.cancelTurn
	th.mu.Unlock()

	e.hub.EmitStateChanged(threadID, string(StateInterrupted))
	if cancel != nil {
		cancel()
	}
	return nil
}

// runTurn drives one submission through streaming and tool rounds until
// the model stops requesting tools, the turn errors, or it is interrupted.
func (e *Engine) runTurn(ctx context.Context, th *Thread) {
	defer e.save(th)

	retries := 0
	for {
		history := e.historyFor(th)
		historyTokens := 0
		for _, m := range history {
			historyTokens += assembler.EstimateTokens(m.Content)
		}

		ctxBlocks, err := e.assembler.Assemble(th.ID, th.lastUserText(), historyTokens)
		if err != nil {
			e.failTurn(th, fmt.Errorf("assemble context: %w", err))
			return
		}

		tools, err := e.registry.SchemaFor(e.transport.Model(), e.activeProfile(th))
		if err != nil {
			e.failTurn(th, fmt.Errorf("resolve profile: %w", err))
			return
		}

		stream, err := e.transport.Send(ctx, transport.Request{
			Model:    e.cfg.Model,
			Messages: history,
			Context:  ctxBlocks,
			Tools:    tools,
		})
		if err != nil {
			var terr *transport.Error
			if errors.As(err, &terr) && terr.Retryable && retries < e.cfg.MaxTransportRetries {
				retries++
				log.Printf("[Engine] transport retry %d/%d for thread %s: %v", retries, e.cfg.MaxTransportRetries, th.ID, err)
				continue
			}
			e.failTurn(th, err)
			return
		}

		calls, interrupted, err := e.consumeStream(ctx, th, stream)
		stream.Close()
		if err != nil {
			e.failTurn(th, err)
			return
		}
		if interrupted {
			e.finishInterrupted(th, calls)
			return
		}

		if len(calls) == 0 {
			e.finishIdle(th)
			return
		}

		interrupted = e.dispatchCalls(ctx, th, calls)
		e.appendResults(th, calls)
		if interrupted {
			e.finishInterrupted(th, nil)
			return
		}
		// Model sees the tool results and may continue.
	}
}

// consumeStream reads one model response. It returns the tool calls
// issued in generation order and whether the turn was interrupted.
func (e *Engine) consumeStream(ctx context.Context, th *Thread, stream transport.Stream) ([]*ToolCall, bool, error) {
	th.setState(StateStreaming)
	e.hub.EmitStateChanged(th.ID, string(StateStreaming))

	agentMsg := &Message{Role: RoleAgent, CreatedAt: time.Now()}
	msgIndex := th.append(agentMsg)

	var calls []*ToolCall
	for {
		if ctx.Err() != nil {
			return calls, true, nil
		}

		ev, err := stream.Recv()
		if err == io.EOF {
			return calls, false, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return calls, true, nil
			}
			return calls, false, err
		}

		switch ev.Kind {
		case transport.EventText:
			th.mu.Lock()
			agentMsg.appendText(ev.Text)
			th.mu.Unlock()
			e.hub.EmitMessageDelta(th.ID, msgIndex, ev.Text)

		case transport.EventToolCall:
			call := &ToolCall{
				ID:     ev.ToolCall.ID,
				Name:   ev.ToolCall.Name,
				Input:  ev.ToolCall.Input,
				Status: CallPending,
			}
			if call.ID == "" {
				call.ID = uuid.New().String()
			}
			th.mu.Lock()
			agentMsg.Blocks = append(agentMsg.Blocks, Block{Type: BlockToolCall, Call: call})
			th.mu.Unlock()
			calls = append(calls, call)
			e.hub.EmitToolStatus(th.ID, call.ID, call.Name, string(CallPending), "")

		case transport.EventUsage:
			tokens := ev.Usage.InputTokens + ev.Usage.OutputTokens
			used := e.assembler.RecordUsage(th.ID, tokens)
			th.mu.Lock()
			th.TokenUsage = used
			th.mu.Unlock()

		case transport.EventEnd:
			return calls, false, nil
		}
	}
}

// dispatchCalls executes a turn's tool calls. Calls the profile rejects
// finalize immediately with a synthetic result so the model observes the
// rejection; the rest run concurrently. Result ordering is handled by the
// caller, which appends in issuance order. Returns whether the turn was
// interrupted.
func (e *Engine) dispatchCalls(ctx context.Context, th *Thread, calls []*ToolCall) bool {
	th.setState(StateToolDispatch)
	e.hub.EmitStateChanged(th.ID, string(StateToolDispatch))

	profile := e.activeProfile(th)
	g, gctx := errgroup.WithContext(ctx)

	for _, call := range calls {
		call := call

		enabled, err := e.registry.Enabled(profile, call.Name)
		if err != nil || !enabled {
			call.Transition(CallRejected)
			call.Error = fmt.Sprintf("tool %q is not enabled in profile %q", call.Name, profile)
			e.hub.EmitToolStatus(th.ID, call.ID, call.Name, string(CallRejected), call.Error)
			continue
		}

		// Cooperative cancellation boundary: no new call starts after
		// an interrupt.
		if ctx.Err() != nil {
			call.Transition(CallFailed)
			call.Error = "cancelled"
			e.hub.EmitToolStatus(th.ID, call.ID, call.Name, string(CallFailed), call.Error)
			continue
		}

		g.Go(func() error {
			e.runCall(gctx, th, call)
			return nil
		})
	}

	g.Wait()
	return ctx.Err() != nil
}

// runCall executes one enabled tool call to a terminal status
func (e *Engine) runCall(ctx context.Context, th *Thread, call *ToolCall) {
	def, err := e.registry.Get(call.Name)
	if err != nil {
		call.Transition(CallFailed)
		call.Error = err.Error()
		e.hub.EmitToolStatus(th.ID, call.ID, call.Name, string(CallFailed), call.Error)
		return
	}

	call.Transition(CallRunning)
	e.hub.EmitToolStatus(th.ID, call.ID, call.Name, string(CallRunning), "")

	callCtx := ctx
	if def.Mutates {
		cp, err := e.ensureCheckpoint(th)
		if err != nil {
			call.Transition(CallFailed)
			call.Error = fmt.Sprintf("open checkpoint: %v", err)
			e.hub.EmitToolStatus(th.ID, call.ID, call.Name, string(CallFailed), call.Error)
			return
		}
		callCtx = tool.WithCall(ctx, tool.CallInfo{ThreadID: th.ID, CheckpointID: cp.ID})
	}

	progress := make(chan string, 16)
	progressDone := make(chan struct{})
	go func() {
		defer close(progressDone)
		for range progress {
			// Progress keeps the status fresh for observers; the final
			// output lands in the result message.
		}
	}()

	output, err := e.registry.Dispatch(callCtx, call.Name, call.Input, progress)
	close(progress)
	<-progressDone

	switch {
	case ctx.Err() != nil:
		// Interrupted: never left Pending, finalized as failed/cancelled.
		call.Transition(CallFailed)
		call.Output = output
		call.Error = "cancelled"
	case err != nil:
		call.Transition(CallFailed)
		call.Error = err.Error()
	default:
		call.Transition(CallCompleted)
		call.Output = output
	}
	e.hub.EmitToolStatus(th.ID, call.ID, call.Name, string(call.Status), call.Error)
}

// appendResults appends one tool result message per call, in the order
// the calls were issued, regardless of completion order. This keeps the
// transcript deterministic under concurrent tool latency.
func (e *Engine) appendResults(th *Thread, calls []*ToolCall) {
	for _, call := range calls {
		text := call.Output
		switch call.Status {
		case CallRejected:
			text = fmt.Sprintf("tool call rejected: %s", call.Error)
		case CallFailed:
			text = fmt.Sprintf("tool call failed: %s", call.Error)
		}
		msg := &Message{
			Role:      RoleTool,
			CreatedAt: time.Now(),
			Blocks:    []Block{{Type: BlockToolResult, ResultFor: call.ID, Text: text}},
		}
		th.append(msg)
	}
}

// ensureCheckpoint returns the thread's open checkpoint interval, opening
// one anchored at the current position when none is open. Serialized per
// thread so concurrent mutating calls share one interval.
func (e *Engine) ensureCheckpoint(th *Thread) (*checkpoint.Checkpoint, error) {
	e.mu.Lock()
	mu := e.cpMu[th.ID]
	e.mu.Unlock()
	if mu == nil {
		return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, th.ID)
	}

	mu.Lock()
	defer mu.Unlock()

	if cp := e.checkpoints.Open(th.ID); cp != nil {
		return cp, nil
	}
	cp, err := e.checkpoints.Begin(th.ID, th.Len(), "edit burst began")
	if err != nil {
		return nil, err
	}
	e.hub.EmitCheckpointCreated(th.ID, cp.ID, cp.AnchorIndex)
	return cp, nil
}

// finishIdle completes a turn: the open checkpoint interval closes and
// its hunks become reviewable.
func (e *Engine) finishIdle(th *Thread) {
	e.checkpoints.CloseInterval(th.ID)
	th.setState(StateIdle)
	e.hub.EmitStateChanged(th.ID, string(StateIdle))
	e.hub.EmitThreadIdle(th.ID)
}

// finishInterrupted finalizes an interrupted turn. Completed calls keep
// their results; pending ones were already failed as cancelled. The
// thread returns to Idle so the restore affordance stays available.
func (e *Engine) finishInterrupted(th *Thread, pending []*ToolCall) {
	for _, call := range pending {
		if call.Status == CallPending || call.Status == CallRunning {
			call.Transition(CallFailed)
			call.Error = "cancelled"
			e.hub.EmitToolStatus(th.ID, call.ID, call.Name, string(CallFailed), call.Error)
		}
	}
	if len(pending) > 0 {
		e.appendResults(th, pending)
	}
	e.checkpoints.CloseInterval(th.ID)
	th.setState(StateIdle)
	e.hub.EmitStateChanged(th.ID, string(StateIdle))
	e.hub.EmitThreadIdle(th.ID)
	log.Printf("[Engine] thread %s interrupted", th.ID)
}

// failTurn moves the thread to Errored. Re-submission retries; the
// engine never silently retries beyond the configured bound.
func (e *Engine) failTurn(th *Thread, err error) {
	e.checkpoints.CloseInterval(th.ID)
	th.setState(StateErrored)
	e.hub.EmitStateChanged(th.ID, string(StateErrored))
	log.Printf("[Engine] thread %s errored: %v", th.ID, err)
}

// EditMessage rewrites the user message at index and resubmits from that
// point. Subsequent messages are superseded, their checkpoints and hunks
// leave the active branch; workspace files are left as-is.
func (e *Engine) EditMessage(ctx context.Context, threadID string, index int, newContent string) error {
	th, err := e.Thread(threadID)
	if err != nil {
		return err
	}

	th.mu.Lock()
	if th.state != StateIdle && th.state != StateErrored {
		th.mu.Unlock()
		return fmt.Errorf("%w: thread is %s", ErrInvalidState, th.state)
	}
	if index < 0 || index >= th.activeLen {
		th.mu.Unlock()
		return fmt.Errorf("message index %d out of range (active length %d)", index, th.activeLen)
	}
	if th.arena[index].Role != RoleUser {
		th.mu.Unlock()
		return fmt.Errorf("message %d is not a user message", index)
	}
	th.state = StateAwaitingResponse
	th.mu.Unlock()

	th.truncate(index)

	dropped := e.checkpoints.TruncateAfter(th.ID, index)
	if len(dropped) > 0 {
		ids := make([]string, len(dropped))
		for i, cp := range dropped {
			ids[i] = cp.ID
		}
		if tr, terr := e.Tracker(th.ID); terr == nil {
			tr.DropInterval(ids...)
		}
	}

	msg := &Message{Role: RoleUser, CreatedAt: time.Now()}
	msg.appendText(newContent)
	th.append(msg)

	e.hub.EmitStateChanged(th.ID, string(StateAwaitingResponse))
	e.startTurn(ctx, th)
	return nil
}

// RestoreCheckpoint reverts the workspace to a checkpoint and supersedes
// everything after its anchor. On failure nothing changes: not the
// files, not the thread.
func (e *Engine) RestoreCheckpoint(threadID, checkpointID string) error {
	th, err := e.Thread(threadID)
	if err != nil {
		return err
	}
	if th.State() != StateIdle && th.State() != StateErrored {
		return ErrInvalidState
	}

	cp, err := e.checkpoints.Get(checkpointID)
	if err != nil {
		return err
	}

	// Hunks at or after the restored checkpoint leave the branch; files
	// they created get removed by the restore.
	var intervalIDs []string
	for _, other := range e.checkpoints.List(threadID) {
		if other.ID == cp.ID || other.CreatedAt.After(cp.CreatedAt) {
			intervalIDs = append(intervalIDs, other.ID)
		}
	}

	tr, err := e.Tracker(threadID)
	if err != nil {
		return err
	}
	deletePaths := tr.CreatedFiles(intervalIDs...)

	if _, err := e.checkpoints.Restore(checkpointID, deletePaths); err != nil {
		return err
	}

	tr.DropInterval(intervalIDs...)
	th.truncate(cp.AnchorIndex)
	e.save(th)
	return nil
}

// CloseThread archives a thread: it disappears from the recent view but
// stays in the history index.
func (e *Engine) CloseThread(threadID string) error {
	th, err := e.Thread(threadID)
	if err != nil {
		return err
	}
	if th.State() != StateIdle && th.State() != StateErrored {
		return ErrInvalidState
	}

	e.save(th)
	if e.persist != nil {
		if err := e.persist.Archive(threadID); err != nil {
			return err
		}
	}

	e.mu.Lock()
	if tr, ok := e.trackers[threadID]; ok {
		tr.Close()
		delete(e.trackers, threadID)
	}
	delete(e.threads, threadID)
	delete(e.cpMu, threadID)
	e.mu.Unlock()
	return nil
}

// Snapshot builds the thread's persisted record
func (e *Engine) Snapshot(th *Thread) Record {
	th.mu.Lock()
	msgs := make([]*Message, th.activeLen)
	copy(msgs, th.arena[:th.activeLen])
	rec := Record{
		ID:         th.ID,
		Title:      th.Title,
		Profile:    th.Profile,
		TokenUsage: th.TokenUsage,
		Messages:   msgs,
		CreatedAt:  th.CreatedAt,
		LastActive: th.LastActiveAt,
	}
	th.mu.Unlock()
	rec.Checkpoints = e.checkpoints.List(th.ID)
	return rec
}

func (e *Engine) save(th *Thread) {
	if e.persist == nil {
		return
	}
	if err := e.persist.SaveThread(e.Snapshot(th)); err != nil {
		log.Printf("[Engine] persist thread %s: %v", th.ID, err)
	}
}

// Record implements tool.MutationSink: edit tools report applied
// mutations here and they land in the thread's diff tracker, scoped to
// the checkpoint interval carried in the context.
func (e *Engine) Record(ctx context.Context, m tool.Mutation) error {
	info, ok := tool.CallFromContext(ctx)
	if !ok {
		return fmt.Errorf("mutation without call info: %s", m.Path)
	}
	tr, err := e.Tracker(info.ThreadID)
	if err != nil {
		return err
	}
	_, err = tr.Record(info.CheckpointID, m.Path, m.Range, m.Before, m.After, m.Created)
	return err
}

// SummarizeThread condenses the thread into a context item usable to
// seed a new thread. Thread usage resets to the summary's cost plus any
// attached items; this is the only sanctioned compression of history.
func (e *Engine) SummarizeThread(ctx context.Context, threadID string) (*assembler.Item, error) {
	th, err := e.Thread(threadID)
	if err != nil {
		return nil, err
	}
	if th.State() != StateIdle && th.State() != StateErrored {
		return nil, ErrInvalidState
	}

	item, err := e.assembler.Summarize(ctx, e.transport, threadID, e.historyFor(th))
	if err != nil {
		return nil, err
	}

	th.mu.Lock()
	th.TokenUsage = e.assembler.Usage(threadID)
	th.mu.Unlock()
	e.save(th)
	return item, nil
}

// historyFor converts the active messages to transport form
func (e *Engine) historyFor(th *Thread) []transport.Message {
	var out []transport.Message
	for _, m := range th.Messages() {
		switch m.Role {
		case RoleUser:
			out = append(out, transport.Message{Role: "user", Content: m.Text()})
		case RoleAgent:
			if text := m.Text(); text != "" {
				out = append(out, transport.Message{Role: "agent", Content: text})
			}
		case RoleTool:
			for _, blk := range m.Blocks {
				if blk.Type == BlockToolResult {
					out = append(out, transport.Message{Role: "tool", Content: blk.Text, ToolCallID: blk.ResultFor})
				}
			}
		}
	}
	return out
}

func (e *Engine) activeProfile(th *Thread) string {
	th.mu.Lock()
	defer th.mu.Unlock()
	return th.Profile
}

// internal/event/hub.go
package event

import (
	"sync"
	"time"
)

// Type identifies the kind of an event
type Type string

const (
	TypeMessageDelta      Type = "message:delta"
	TypeToolStatusChanged Type = "tool:status"
	TypeCheckpointCreated Type = "checkpoint:created"
	TypeDiffUpdated       Type = "diff:updated"
	TypeNearContextLimit  Type = "context:near-limit"
	TypeThreadIdle        Type = "thread:idle"
	TypeStateChanged      Type = "thread:state"
)

// Event is one observer notification. Payload shape depends on Type.
type Event struct {
	Type      Type        `json:"type"`
	ThreadID  string      `json:"thread_id"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// MessageDeltaPayload carries one streamed chunk of message text
type MessageDeltaPayload struct {
	MessageIndex int    `json:"message_index"`
	Delta        string `json:"delta"`
}

// ToolStatusPayload reports a tool call status transition
type ToolStatusPayload struct {
	CallID   string `json:"call_id"`
	ToolName string `json:"tool_name"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

// CheckpointPayload announces a new checkpoint boundary
type CheckpointPayload struct {
	CheckpointID string `json:"checkpoint_id"`
	AnchorIndex  int    `json:"anchor_index"`
}

// DiffPayload summarizes the pending diff after a tracker change
type DiffPayload struct {
	Files        []string `json:"files"`
	PendingHunks int      `json:"pending_hunks"`
}

// NearLimitPayload reports context usage approaching the model window
type NearLimitPayload struct {
	UsedTokens int     `json:"used_tokens"`
	Window     int     `json:"window"`
	Fraction   float64 `json:"fraction"`
}

// StatePayload reports a thread state machine transition
type StatePayload struct {
	State string `json:"state"`
}

// Subscription is a single-consumer event channel. Events for one thread
// are delivered in emission order. A slow consumer loses events rather
// than blocking the engine; Dropped counts the losses.
type Subscription struct {
	C       <-chan Event
	ch      chan Event
	hub     *Hub
	id      int
	dropped int
	mu      sync.Mutex
}

// Dropped returns how many events were discarded because the channel was full
func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close detaches the subscription from the hub
func (s *Subscription) Close() {
	s.hub.unsubscribe(s.id)
}

// Hub fans events out to subscribers. The thread engine and the diff
// tracker emit through it; UI and notification collaborators consume.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{subs: make(map[int]*Subscription)}
}

// Subscribe returns a new subscription with the given channel capacity
func (h *Hub) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 256
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	sub := &Subscription{C: ch, ch: ch, hub: h, id: h.nextID}
	h.subs[sub.id] = sub
	return sub
}

func (h *Hub) unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(sub.ch)
	}
}

// Emit delivers an event to every subscriber without blocking
func (h *Hub) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.mu.Lock()
			sub.dropped++
			sub.mu.Unlock()
		}
	}
}

// EmitMessageDelta emits one streamed text chunk
func (h *Hub) EmitMessageDelta(threadID string, index int, delta string) {
	h.Emit(Event{Type: TypeMessageDelta, ThreadID: threadID, Payload: MessageDeltaPayload{MessageIndex: index, Delta: delta}})
}

// EmitToolStatus emits a tool call status transition
func (h *Hub) EmitToolStatus(threadID, callID, toolName, status, errMsg string) {
	h.Emit(Event{Type: TypeToolStatusChanged, ThreadID: threadID, Payload: ToolStatusPayload{CallID: callID, ToolName: toolName, Status: status, Error: errMsg}})
}

// EmitCheckpointCreated emits a checkpoint boundary marker
func (h *Hub) EmitCheckpointCreated(threadID, checkpointID string, anchor int) {
	h.Emit(Event{Type: TypeCheckpointCreated, ThreadID: threadID, Payload: CheckpointPayload{CheckpointID: checkpointID, AnchorIndex: anchor}})
}

// EmitDiffUpdated emits a diff summary after tracker changes
func (h *Hub) EmitDiffUpdated(threadID string, files []string, pending int) {
	h.Emit(Event{Type: TypeDiffUpdated, ThreadID: threadID, Payload: DiffPayload{Files: files, PendingHunks: pending}})
}

// EmitNearLimit emits a context high-water warning
func (h *Hub) EmitNearLimit(threadID string, used, window int) {
	frac := 0.0
	if window > 0 {
		frac = float64(used) / float64(window)
	}
	h.Emit(Event{Type: TypeNearContextLimit, ThreadID: threadID, Payload: NearLimitPayload{UsedTokens: used, Window: window, Fraction: frac}})
}

// EmitThreadIdle signals that a turn finished and the thread is idle again
func (h *Hub) EmitThreadIdle(threadID string) {
	h.Emit(Event{Type: TypeThreadIdle, ThreadID: threadID, Payload: nil})
}

// EmitStateChanged reports a state machine transition
func (h *Hub) EmitStateChanged(threadID, state string) {
	h.Emit(Event{Type: TypeStateChanged, ThreadID: threadID, Payload: StatePayload{State: state}})
}

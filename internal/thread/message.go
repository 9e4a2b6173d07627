// internal/thread/message.go
package thread

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"agentloop/internal/checkpoint"
)

// Role of a message author
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
	RoleTool  Role = "tool"
)

// CallStatus is a tool call's lifecycle state. Transitions only move
// forward; no status is revisited.
type CallStatus string

const (
	CallPending   CallStatus = "pending"
	CallRunning   CallStatus = "running"
	CallCompleted CallStatus = "completed"
	CallFailed    CallStatus = "failed"
	CallRejected  CallStatus = "rejected"
)

// callRank orders statuses for the forward-only check. Completed, Failed
// and Rejected are all terminal.
var callRank = map[CallStatus]int{
	CallPending:   0,
	CallRunning:   1,
	CallCompleted: 2,
	CallFailed:    2,
	CallRejected:  2,
}

// ToolCall is a model-issued request to invoke a named capability
type ToolCall struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Input  json.RawMessage `json:"input"`
	Status CallStatus      `json:"status"`
	Output string          `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`

	mu sync.Mutex
}

// Transition advances the call status. Moving backwards or away from a
// terminal status is rejected.
func (tc *ToolCall) Transition(next CallStatus) error {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	from, ok := callRank[tc.Status]
	to, tok := callRank[next]
	if !ok || !tok {
		return fmt.Errorf("unknown tool call status %q -> %q", tc.Status, next)
	}
	if to <= from && tc.Status != next {
		return fmt.Errorf("tool call %s cannot move %s -> %s", tc.ID, tc.Status, next)
	}
	if from == 2 && tc.Status != next {
		return fmt.Errorf("tool call %s already terminal (%s)", tc.ID, tc.Status)
	}
	tc.Status = next
	return nil
}

// BlockType discriminates message content blocks
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolCall   BlockType = "tool_call"
	BlockToolResult BlockType = "tool_result"
	BlockImage      BlockType = "image"
	BlockAttachment BlockType = "attachment"
)

// Block is one ordered piece of message content
type Block struct {
	Type BlockType `json:"type"`
	Text string    `json:"text,omitempty"`
	Call *ToolCall `json:"call,omitempty"`
	// ResultFor links a tool_result block to its call id.
	ResultFor string `json:"result_for,omitempty"`
	// Source references attachment or image origin.
	Source string `json:"source,omitempty"`
}

// Message is one transcript entry. Superseded messages stay in the arena
// for inspection but are outside the active history.
type Message struct {
	Role       Role      `json:"role"`
	Blocks     []Block   `json:"blocks"`
	Superseded bool      `json:"superseded,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Text concatenates the message's text blocks
func (m *Message) Text() string {
	var b strings.Builder
	for _, blk := range m.Blocks {
		if blk.Type == BlockText || blk.Type == BlockToolResult {
			b.WriteString(blk.Text)
		}
	}
	return b.String()
}

// appendText extends the trailing text block, or starts one
func (m *Message) appendText(delta string) {
	if n := len(m.Blocks); n > 0 && m.Blocks[n-1].Type == BlockText {
		m.Blocks[n-1].Text += delta
		return
	}
	m.Blocks = append(m.Blocks, Block{Type: BlockText, Text: delta})
}

// State of a thread's turn machine
type State string

const (
	StateIdle             State = "idle"
	StateAwaitingResponse State = "awaiting_response"
	StateStreaming        State = "streaming"
	StateToolDispatch     State = "tool_dispatch"
	StateInterrupted      State = "interrupted"
	StateErrored          State = "errored"
)

// Thread is one persisted conversation. Branching history is an arena of
// messages plus an active length pointer; editing a message truncates the
// active window, it never builds a tree.
type Thread struct {
	ID           string
	Title        string
	Profile      string
	TokenUsage   int
	CreatedAt    time.Time
	LastActiveAt time.Time

	mu        sync.Mutex
	arena     []*Message
	activeLen int
	state     State

	cancelTurn func()
	turnDone   chan struct{}
}

// Record is the serialized form of a thread, as persisted by the history
// index. Only active messages are serialized.
type Record struct {
	ID          string                   `json:"id"`
	Title       string                   `json:"title"`
	Profile     string                   `json:"profile"`
	TokenUsage  int                      `json:"token_usage"`
	Messages    []*Message               `json:"messages"`
	Checkpoints []*checkpoint.Checkpoint `json:"checkpoints"`
	CreatedAt   time.Time                `json:"created_at"`
	LastActive  time.Time                `json:"last_active_at"`
}

// State returns the current machine state
func (t *Thread) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Len returns the active message count
func (t *Thread) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activeLen
}

// Message returns the active message at index
func (t *Thread) Message(index int) (*Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= t.activeLen {
		return nil, fmt.Errorf("message index %d out of range (active length %d)", index, t.activeLen)
	}
	return t.arena[index], nil
}

// Messages returns the active message window
func (t *Thread) Messages() []*Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Message, t.activeLen)
	copy(out, t.arena[:t.activeLen])
	return out
}

// append adds a message to the active window. Anything beyond the active
// length from an earlier branch is dropped from the arena tail first.
func (t *Thread) append(m *Message) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.arena = append(t.arena[:t.activeLen], m)
	t.activeLen = len(t.arena)
	t.LastActiveAt = time.Now()
	return t.activeLen - 1
}

// truncate supersedes every active message at or beyond index
func (t *Thread) truncate(index int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := index; i < t.activeLen; i++ {
		t.arena[i].Superseded = true
	}
	if index < t.activeLen {
		t.activeLen = index
	}
}

func (t *Thread) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// lastUserText returns the text of the most recent active user message
func (t *Thread) lastUserText() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := t.activeLen - 1; i >= 0; i-- {
		if t.arena[i].Role == RoleUser {
			return t.arena[i].Text()
		}
	}
	return ""
}

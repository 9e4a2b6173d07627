// internal/transport/transport.go
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// ModelInfo describes the model behind a transport as opaque capability flags
type ModelInfo struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Window            int    `json:"window"`
	SupportsToolCalls bool   `json:"supports_tool_calls"`
}

// Message is one transcript entry sent to the model
type Message struct {
	Role    string `json:"role"` // "user", "agent", "tool"
	Content string `json:"content"`
	// ToolCallID links a tool-role message to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ContextBlock is one resolved context item included with a request
type ContextBlock struct {
	Kind    string `json:"kind"` // "file", "directory", "thread", "image", "symbol"
	Source  string `json:"source"`
	Content string `json:"content"`
}

// ToolSchema describes one tool offered to the model
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Request is the payload for one model turn
type Request struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Context  []ContextBlock `json:"context,omitempty"`
	Tools    []ToolSchema   `json:"tools,omitempty"`
}

// ToolCallRequest is a model-issued request to invoke a named tool
type ToolCallRequest struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// Usage reports token consumption for a turn
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// EventKind discriminates stream events
type EventKind string

const (
	EventText     EventKind = "text"
	EventToolCall EventKind = "tool_call"
	EventUsage    EventKind = "usage"
	EventEnd      EventKind = "end"
)

// StreamEvent is one element of a model response stream
type StreamEvent struct {
	Kind     EventKind        `json:"type"`
	Text     string           `json:"text,omitempty"`
	ToolCall *ToolCallRequest `json:"tool_call,omitempty"`
	Usage    *Usage           `json:"usage,omitempty"`
}

// Stream yields response events in generation order. Recv returns io.EOF
// after the end event has been consumed.
type Stream interface {
	Recv() (StreamEvent, error)
	Close() error
}

// Transport sends one turn to a model and streams the response
type Transport interface {
	Model() ModelInfo
	Send(ctx context.Context, req Request) (Stream, error)
}

// Error is a provider or network level failure
type Error struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Complete sends a request and concatenates the streamed text, discarding
// tool calls. Used for one-shot completions such as thread summarization.
func Complete(ctx context.Context, t Transport, req Request) (string, error) {
	stream, err := t.Send(ctx, req)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var out string
	for {
		ev, err := stream.Recv()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return "", err
		}
		if ev.Kind == EventText {
			out += ev.Text
		}
	}
}

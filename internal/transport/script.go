// internal/transport/script.go
package transport

import (
	"context"
	"io"
	"sync"
)

// ScriptTransport replays pre-recorded turns. Each Send consumes the next
// scripted turn. Used by tests and by the --dry-run runner.
type ScriptTransport struct {
	Info ModelInfo

	mu       sync.Mutex
	turns    [][]StreamEvent
	next     int
	requests []Request
	sendErr  error
}

// NewScript creates a transport that replays the given turns in order
func NewScript(info ModelInfo, turns ...[]StreamEvent) *ScriptTransport {
	return &ScriptTransport{Info: info, turns: turns}
}

// FailNext makes the next Send return the given error
func (s *ScriptTransport) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

// Requests returns a copy of every request seen so far
func (s *ScriptTransport) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Model returns the scripted model info
func (s *ScriptTransport) Model() ModelInfo { return s.Info }

// Send records the request and returns a stream over the next scripted turn
func (s *ScriptTransport) Send(ctx context.Context, req Request) (Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, req)

	if s.sendErr != nil {
		err := s.sendErr
		s.sendErr = nil
		return nil, err
	}

	var events []StreamEvent
	if s.next < len(s.turns) {
		events = s.turns[s.next]
		s.next++
	}
	return &scriptStream{ctx: ctx, events: events}, nil
}

type scriptStream struct {
	ctx    context.Context
	events []StreamEvent
	pos    int
}

func (st *scriptStream) Recv() (StreamEvent, error) {
	if err := st.ctx.Err(); err != nil {
		return StreamEvent{}, err
	}
	if st.pos >= len(st.events) {
		return StreamEvent{}, io.EOF
	}
	ev := st.events[st.pos]
	st.pos++
	return ev, nil
}

func (st *scriptStream) Close() error { return nil }

// Text is a convenience constructor for a text delta event
func Text(s string) StreamEvent { return StreamEvent{Kind: EventText, Text: s} }

// Call is a convenience constructor for a tool call event
func Call(id, name, input string) StreamEvent {
	return StreamEvent{Kind: EventToolCall, ToolCall: &ToolCallRequest{ID: id, Name: name, Input: []byte(input)}}
}

// End is a convenience constructor for an end-of-turn event
func End() StreamEvent { return StreamEvent{Kind: EventEnd} }

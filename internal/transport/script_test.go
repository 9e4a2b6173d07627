// internal/transport/script_test.go
package transport

import (
	"context"
	"errors"
	"io"
	"testing"
)

var testModel = ModelInfo{ID: "m1", Name: "test model", Window: 1000, SupportsToolCalls: true}

func TestScriptReplaysTurns(t *testing.T) {
	tp := NewScript(testModel,
		[]StreamEvent{Text("first "), Text("turn"), End()},
		[]StreamEvent{Call("c1", "read_file", `{"path":"a.txt"}`), End()},
	)

	t.Run("FirstTurn", func(t *testing.T) {
		stream, err := tp.Send(context.Background(), Request{Model: "m1"})
		if err != nil {
			t.Fatal(err)
		}
		defer stream.Close()

		var text string
		for {
			ev, err := stream.Recv()
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Fatal(err)
			}
			if ev.Kind == EventText {
				text += ev.Text
			}
		}
		if text != "first turn" {
			t.Errorf("text = %q", text)
		}
	})

	t.Run("SecondTurn", func(t *testing.T) {
		stream, err := tp.Send(context.Background(), Request{Model: "m1"})
		if err != nil {
			t.Fatal(err)
		}
		defer stream.Close()

		ev, err := stream.Recv()
		if err != nil {
			t.Fatal(err)
		}
		if ev.Kind != EventToolCall || ev.ToolCall == nil || ev.ToolCall.Name != "read_file" {
			t.Errorf("unexpected event %+v", ev)
		}
	})

	if got := len(tp.Requests()); got != 2 {
		t.Errorf("recorded %d requests, want 2", got)
	}
}

func TestScriptFailNext(t *testing.T) {
	tp := NewScript(testModel, []StreamEvent{Text("ok"), End()})

	wantErr := &Error{Op: "send", Retryable: true, Err: errors.New("connection reset")}
	tp.FailNext(wantErr)

	_, err := tp.Send(context.Background(), Request{})
	var terr *Error
	if !errors.As(err, &terr) || !terr.Retryable {
		t.Fatalf("expected a retryable transport error, got %v", err)
	}

	// The failure is one-shot; the scripted turn is still there.
	stream, err := tp.Send(context.Background(), Request{})
	if err != nil {
		t.Fatalf("second Send failed: %v", err)
	}
	stream.Close()
}

func TestScriptCancelledContext(t *testing.T) {
	tp := NewScript(testModel, []StreamEvent{Text("never"), End()})

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := tp.Send(ctx, Request{})
	if err != nil {
		t.Fatal(err)
	}
	cancel()

	if _, err := stream.Recv(); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestComplete(t *testing.T) {
	tp := NewScript(testModel, []StreamEvent{Text("hello "), Text("world"), End()})

	out, err := Complete(context.Background(), tp, Request{Model: "m1"})
	if err != nil {
		t.Fatal(err)
	}
	if out != "hello world" {
		t.Errorf("Complete = %q", out)
	}
}

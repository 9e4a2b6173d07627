// internal/transport/proc.go
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// ProcTransport drives a provider CLI. Each turn spawns one process, writes
// the request as JSON on stdin and reads newline-delimited stream events
// from stdout. Provider identity stays opaque; only the JSONL contract is
// assumed.
type ProcTransport struct {
	command string
	args    []string
	info    ModelInfo
	workDir string
}

// NewProc creates a process-backed transport. The command string may carry
// arguments ("mycli --stream"); they are split on whitespace.
func NewProc(command string, info ModelInfo, workDir string) *ProcTransport {
	parts := strings.Fields(command)
	var args []string
	cmd := ""
	if len(parts) > 0 {
		cmd = parts[0]
		args = parts[1:]
	}
	return &ProcTransport{command: cmd, args: args, info: info, workDir: workDir}
}

// Model returns the configured model capabilities
func (p *ProcTransport) Model() ModelInfo { return p.info }

// Send spawns the provider process for one turn
func (p *ProcTransport) Send(ctx context.Context, req Request) (Stream, error) {
	if p.command == "" {
		return nil, &Error{Op: "send", Retryable: false, Err: fmt.Errorf("no provider command configured")}
	}

	cmd := exec.CommandContext(ctx, p.command, p.args...)
	if p.workDir != "" {
		cmd.Dir = p.workDir
	}
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &Error{Op: "send", Retryable: false, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &Error{Op: "send", Retryable: false, Err: err}
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, &Error{Op: "send", Retryable: true, Err: fmt.Errorf("start provider: %w", err)}
	}

	log.Printf("[Transport] provider started pid=%d model=%s", cmd.Process.Pid, req.Model)

	payload, err := json.Marshal(req)
	if err != nil {
		cmd.Process.Kill()
		return nil, &Error{Op: "send", Retryable: false, Err: err}
	}

	go func() {
		defer stdin.Close()
		stdin.Write(payload)
		io.WriteString(stdin, "\n")
	}()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	return &procStream{ctx: ctx, cmd: cmd, scanner: scanner}, nil
}

type procStream struct {
	ctx     context.Context
	cmd     *exec.Cmd
	scanner *bufio.Scanner

	mu     sync.Mutex
	closed bool
	ended  bool
}

// Recv reads the next JSONL event from the provider. Lines that do not
// parse are skipped with a log line rather than failing the stream;
// provider CLIs interleave diagnostics with output.
func (st *procStream) Recv() (StreamEvent, error) {
	if err := st.ctx.Err(); err != nil {
		return StreamEvent{}, err
	}

	st.mu.Lock()
	if st.ended {
		st.mu.Unlock()
		return StreamEvent{}, io.EOF
	}
	st.mu.Unlock()

	for st.scanner.Scan() {
		line := strings.TrimSpace(st.scanner.Text())
		if line == "" {
			continue
		}

		var ev StreamEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			log.Printf("[Transport] skipping non-event line: %s", line)
			continue
		}

		if ev.Kind == EventEnd {
			st.mu.Lock()
			st.ended = true
			st.mu.Unlock()
		}
		return ev, nil
	}

	if err := st.scanner.Err(); err != nil {
		return StreamEvent{}, &Error{Op: "recv", Retryable: true, Err: err}
	}

	// Stream closed without an explicit end event.
	st.mu.Lock()
	st.ended = true
	st.mu.Unlock()
	return StreamEvent{}, io.EOF
}

// Close terminates the provider process if it is still running
func (st *procStream) Close() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return nil
	}
	st.closed = true

	if st.cmd.Process != nil {
		st.cmd.Process.Kill()
	}
	return st.cmd.Wait()
}

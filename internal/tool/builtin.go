// internal/tool/builtin.go
package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"agentloop/internal/term"
	"agentloop/internal/workspace"
)

// Mutation describes one applied workspace edit for diff tracking
type Mutation struct {
	Path    string
	Range   workspace.Range // extent of the after-content, post-edit
	Before  []byte
	After   []byte
	Created bool
}

// MutationSink receives mutations from edit-performing tools. The engine
// implements it and scopes each mutation to the thread's open checkpoint
// interval carried in the context.
type MutationSink interface {
	Record(ctx context.Context, m Mutation) error
}

type callInfoKey struct{}

// CallInfo identifies the thread a tool invocation runs for
type CallInfo struct {
	ThreadID     string
	CheckpointID string
}

// WithCall attaches invocation identity to a context
func WithCall(ctx context.Context, info CallInfo) context.Context {
	return context.WithValue(ctx, callInfoKey{}, info)
}

// CallFromContext extracts invocation identity, if present
func CallFromContext(ctx context.Context) (CallInfo, bool) {
	info, ok := ctx.Value(callInfoKey{}).(CallInfo)
	return info, ok
}

// RegisterBuiltins installs the standard tool set: read_file, list_dir,
// write_file, edit_file and run_command.
func RegisterBuiltins(r *Registry, ws *workspace.Workspace, runner *term.Runner, sink MutationSink) error {
	builtins := []Definition{
		{
			Name:        "read_file",
			Description: "Read the contents of a file in the workspace",
			Schema:      json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`),
			ReadOnly:    true,
			Invoke: func(ctx context.Context, input json.RawMessage, _ chan<- string) (string, error) {
				var args struct {
					Path string `json:"path"`
				}
				if err := json.Unmarshal(input, &args); err != nil {
					return "", fmt.Errorf("parse input: %w", err)
				}
				data, err := ws.ReadFile(args.Path)
				if err != nil {
					return "", err
				}
				return string(data), nil
			},
		},
		{
			Name:        "list_dir",
			Description: "List the entries of a workspace directory",
			Schema:      json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}}}`),
			ReadOnly:    true,
			Invoke: func(ctx context.Context, input json.RawMessage, _ chan<- string) (string, error) {
				var args struct {
					Path string `json:"path"`
				}
				if err := json.Unmarshal(input, &args); err != nil {
					return "", fmt.Errorf("parse input: %w", err)
				}
				if args.Path == "" {
					args.Path = "."
				}
				entries, err := os.ReadDir(filepath.Join(ws.Root(), filepath.Clean(args.Path)))
				if err != nil {
					return "", err
				}
				var names []string
				for _, e := range entries {
					name := e.Name()
					if e.IsDir() {
						name += "/"
					}
					names = append(names, name)
				}
				return strings.Join(names, "\n"), nil
			},
		},
		{
			Name:        "write_file",
			Description: "Create or replace a file with the given content",
			Schema:      json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"},"content":{"type":"string"}},"required":["path","content"]}`),
			Mutates:     true,
			Invoke: func(ctx context.Context, input json.RawMessage, _ chan<- string) (string, error) {
				var args struct {
					Path    string `json:"path"`
					Content string `json:"content"`
				}
				if err := json.Unmarshal(input, &args); err != nil {
					return "", fmt.Errorf("parse input: %w", err)
				}

				before, existed, err := ws.WriteFile(args.Path, []byte(args.Content))
				if err != nil {
					return "", err
				}

				if sink != nil {
					err := sink.Record(ctx, Mutation{
						Path:    args.Path,
						Range:   workspace.Range{Start: 0, End: len(args.Content)},
						Before:  before,
						After:   []byte(args.Content),
						Created: !existed,
					})
					if err != nil {
						return "", err
					}
				}
				return fmt.Sprintf("wrote %d bytes to %s", len(args.Content), args.Path), nil
			},
		},
		{
			Name:        "edit_file",
			Description: "Replace the first occurrence of a string in a file",
			Schema:      json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"},"old":{"type":"string"},"new":{"type":"string"}},"required":["path","old","new"]}`),
			Mutates:     true,
			Invoke: func(ctx context.Context, input json.RawMessage, _ chan<- string) (string, error) {
				var args struct {
					Path string `json:"path"`
					Old  string `json:"old"`
					New  string `json:"new"`
				}
				if err := json.Unmarshal(input, &args); err != nil {
					return "", fmt.Errorf("parse input: %w", err)
				}
				if args.Old == "" {
					return "", fmt.Errorf("old string must not be empty")
				}

				current, err := ws.ReadFile(args.Path)
				if err != nil {
					return "", err
				}
				idx := bytes.Index(current, []byte(args.Old))
				if idx < 0 {
					return "", fmt.Errorf("string not found in %s", args.Path)
				}

				r := workspace.Range{Start: idx, End: idx + len(args.Old)}
				before, err := ws.ApplyEdit(args.Path, r, []byte(args.New))
				if err != nil {
					return "", err
				}

				if sink != nil {
					err := sink.Record(ctx, Mutation{
						Path:   args.Path,
						Range:  workspace.Range{Start: idx, End: idx + len(args.New)},
						Before: before,
						After:  []byte(args.New),
					})
					if err != nil {
						return "", err
					}
				}
				return fmt.Sprintf("edited %s at offset %d", args.Path, idx), nil
			},
		},
		{
			Name:        "run_command",
			Description: "Run a shell command in the workspace and return its output",
			Schema:      json.RawMessage(`{"type":"object","properties":{"command":{"type":"string"}},"required":["command"]}`),
			Invoke: func(ctx context.Context, input json.RawMessage, progress chan<- string) (string, error) {
				var args struct {
					Command string `json:"command"`
				}
				if err := json.Unmarshal(input, &args); err != nil {
					return "", fmt.Errorf("parse input: %w", err)
				}
				if runner == nil {
					return "", fmt.Errorf("no command runner configured")
				}
				return runner.Run(ctx, args.Command, progress)
			},
		},
	}

	for _, def := range builtins {
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}

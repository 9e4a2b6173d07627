// internal/term/runner.go
package term

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	gopty "github.com/aymanbagabas/go-pty"
)

// Cached default shell to avoid repeated file system checks
var (
	cachedDefaultShell     string
	cachedDefaultShellOnce sync.Once
)

// Runner executes shell commands for the run_command tool through a PTY,
// so interactive-only programs behave and output arrives interleaved the
// way a terminal would show it.
type Runner struct {
	workDir string
	shell   string
}

// NewRunner creates a runner rooted at workDir. An empty shell picks the
// user's default.
func NewRunner(workDir, shell string) *Runner {
	if shell == "" {
		shell = getDefaultShell()
	}
	return &Runner{workDir: workDir, shell: shell}
}

// Run executes one command and returns its combined output. Progress
// lines stream on the optional channel as they arrive. Cancellation kills
// the process; partial output is still returned with the error.
func (r *Runner) Run(ctx context.Context, command string, progress chan<- string) (string, error) {
	pty, err := gopty.New()
	if err != nil {
		return "", fmt.Errorf("open pty: %w", err)
	}
	defer pty.Close()

	// Non-fatal; some platforms reject resize before start.
	_ = pty.Resize(120, 40)

	cmd := pty.Command(r.shell, "-c", command)
	cmd.Dir = r.workDir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start command: %w", err)
	}

	var out strings.Builder
	copyDone := make(chan struct{})
	go func() {
		defer close(copyDone)
		buf := make([]byte, 4096)
		for {
			n, err := pty.Read(buf)
			if n > 0 {
				chunk := string(buf[:n])
				out.WriteString(chunk)
				if progress != nil {
					select {
					case progress <- chunk:
					default:
					}
				}
			}
			if err != nil {
				return
			}
		}
	}()

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		killCmd(cmd)
		<-waitDone
		<-copyDone
		return out.String(), ctx.Err()
	case err := <-waitDone:
		<-copyDone
		if err != nil {
			return out.String(), fmt.Errorf("command failed: %w", err)
		}
		return out.String(), nil
	}
}

func killCmd(cmd *gopty.Cmd) {
	if cmd.Process != nil {
		cmd.Process.Kill()
	}
}

// getDefaultShell resolves the user's shell, preferring $SHELL
func getDefaultShell() string {
	cachedDefaultShellOnce.Do(func() {
		if shell := os.Getenv("SHELL"); shell != "" {
			cachedDefaultShell = shell
			return
		}
		for _, candidate := range []string{"/bin/zsh", "/bin/bash", "/bin/sh"} {
			if _, err := os.Stat(candidate); err == nil {
				cachedDefaultShell = candidate
				return
			}
		}
		if path, err := exec.LookPath("sh"); err == nil {
			cachedDefaultShell = path
			return
		}
		cachedDefaultShell = "/bin/sh"
	})
	return cachedDefaultShell
}

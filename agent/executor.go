package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/itskum47/deployplane/protocol"
)

// Command is one process invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
	// Env is appended to the agent's own environment.
	Env []string
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// CommandRunner executes commands on the host.
type CommandRunner interface {
	// Run streams each output line to onLine as it is produced.
	Run(ctx context.Context, cmd Command, onLine func(stream, line string)) error
	// Output returns trimmed stdout.
	Output(ctx context.Context, cmd Command) (string, error)
}

// shellCommand wraps a shell snippet for the host's shell.
func shellCommand(script, dir string, env []string) Command {
	if runtime.GOOS == "windows" {
		return Command{Name: "cmd", Args: []string{"/C", script}, Dir: dir, Env: env}
	}
	return Command{Name: "sh", Args: []string{"-c", script}, Dir: dir, Env: env}
}

// pipeWaitDelay bounds how long Run keeps reading output after the shell has
// exited. Processes the command left running in the background still hold the
// pipes open.
var pipeWaitDelay = time.Second

type execRunner struct{}

func (execRunner) build(ctx context.Context, c Command) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	// Cancellation kills everything the command started, not just the shell.
	killProcessGroup(cmd)
	cmd.WaitDelay = pipeWaitDelay
	return cmd
}

func (r execRunner) Run(ctx context.Context, c Command, onLine func(stream, line string)) error {
	cmd := r.build(ctx, c)
	stdout := &lineWriter{stream: protocol.LogStdout, onLine: onLine}
	stderr := &lineWriter{stream: protocol.LogStderr, onLine: onLine}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := r.wait(ctx, cmd)
	stdout.Flush()
	stderr.Flush()
	return err
}

func (r execRunner) Output(ctx context.Context, c Command) (string, error) {
	cmd := r.build(ctx, c)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := r.wait(ctx, cmd); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("%w: %s", err, msg)
		}
		return "", err
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (execRunner) wait(ctx context.Context, cmd *exec.Cmd) error {
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", cmd.Path, err)
	}
	err := cmd.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	// The command itself succeeded; only a background child kept the pipes.
	if errors.Is(err, exec.ErrWaitDelay) {
		return nil
	}
	return exitError(err)
}

const maxLineLength = 1024 * 1024

// lineWriter splits written output into lines for onLine.
type lineWriter struct {
	mu     sync.Mutex
	stream string
	onLine func(stream, line string)
	buf    []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) >= maxLineLength {
		w.emit(w.buf)
		w.buf = nil
	}
	// Keep the unfinished tail in a buffer of its own.
	w.buf = append([]byte(nil), w.buf...)
	return len(p), nil
}

// Flush emits a trailing line that had no newline.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *lineWriter) emit(b []byte) {
	if line := strings.TrimRight(string(b), "\r"); line != "" {
		w.onLine(w.stream, line)
	}
}

func exitError(err error) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("exit code %d", exitErr.ExitCode())
	}
	return err
}

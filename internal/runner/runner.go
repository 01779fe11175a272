// Package runner executes external media tools (ffmpeg, ffprobe) with
// captured output and process-group cancellation.
package runner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/amillerrr/vod-pipeline/pkg/models"
)

const (
	// DefaultTailLines is the number of trailing stderr lines kept for error reporting.
	DefaultTailLines = 20

	// waitDelay bounds how long Wait keeps draining pipes after the process is killed.
	waitDelay = 5 * time.Second
)

// Command describes one external process invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
}

func (c Command) String() string {
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Result holds the captured outcome of a finished process.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   string
	Duration time.Duration
}

// Runner runs external commands.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// ExitError is returned when a process exits with a non-zero status.
type ExitError struct {
	Name     string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s exited with code %d", e.Name, e.ExitCode)
	}
	return fmt.Sprintf("%s exited with code %d: %s", e.Name, e.ExitCode, e.Stderr)
}

// ExecRunner runs commands with os/exec and tracks the live ones.
type ExecRunner struct {
	log       *slog.Logger
	tailLines int

	mu        sync.Mutex
	nextID    int
	processes map[int]*exec.Cmd
}

// NewExecRunner creates a runner that logs tool output to log.
func NewExecRunner(log *slog.Logger) *ExecRunner {
	return &ExecRunner{
		log:       log,
		tailLines: DefaultTailLines,
		processes: make(map[int]*exec.Cmd),
	}
}

// Run starts the command and waits for it. Cancelling ctx kills the
// command's whole process group.
func (r *ExecRunner) Run(ctx context.Context, c Command) (*Result, error) {
	start := time.Now()

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.WaitDelay = waitDelay
	configureProcessGroup(cmd)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", c.Name, err)
	}

	id := r.track(cmd)
	defer r.untrack(id)

	tail := newTailBuffer(r.tailLines)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.monitorOutput(ctx, c.Name, stderrPipe, tail)
	}()

	// All reads from the pipe must finish before Wait closes it.
	wg.Wait()
	cmdErr := cmd.Wait()

	res := &Result{
		ExitCode: cmd.ProcessState.ExitCode(),
		Stdout:   stdout.Bytes(),
		Stderr:   tail.String(),
		Duration: time.Since(start),
	}

	if cmdErr != nil {
		if ctx.Err() != nil {
			return res, fmt.Errorf("%w: %s: %w", models.ErrContextCanceled, c.Name, context.Cause(ctx))
		}
		var exitErr *exec.ExitError
		if errors.As(cmdErr, &exitErr) {
			return res, &ExitError{Name: c.Name, ExitCode: exitErr.ExitCode(), Stderr: res.Stderr}
		}
		return res, fmt.Errorf("%s: %w", c.Name, cmdErr)
	}

	return res, nil
}

// Active returns the number of processes currently running.
func (r *ExecRunner) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.processes)
}

// KillAll kills every running process group. Used on shutdown.
func (r *ExecRunner) KillAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, cmd := range r.processes {
		if cmd.Process != nil {
			if err := killProcessGroup(cmd); err != nil {
				r.log.Warn("Failed to kill process", "pid", cmd.Process.Pid, "error", err)
			}
		}
		delete(r.processes, id)
	}
}

func (r *ExecRunner) track(cmd *exec.Cmd) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.processes[r.nextID] = cmd
	return r.nextID
}

func (r *ExecRunner) untrack(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.processes, id)
}

// monitorOutput logs tool output and keeps its tail. It always reads
// the stream to EOF so the process never blocks on a full pipe.
func (r *ExecRunner) monitorOutput(ctx context.Context, name string, rd io.Reader, tail *tailBuffer) {
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scanner.Split(scanLinesOrCR)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.Contains(line, "frame=") || strings.Contains(line, "time=") {
			r.log.DebugContext(ctx, "Tool progress", "tool", name, "output", line)
			continue
		}
		tail.Add(line)
		if strings.Contains(line, "error") || strings.Contains(line, "Error") {
			r.log.WarnContext(ctx, "Tool warning", "tool", name, "output", line)
		}
	}
	if err := scanner.Err(); err != nil {
		r.log.WarnContext(ctx, "Tool output scanner error", "tool", name, "error", err)
		_, _ = io.Copy(io.Discard, rd)
	}
}

// scanLinesOrCR splits on \n or \r; ffmpeg rewrites its stats line with \r.
func scanLinesOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

type tailBuffer struct {
	max   int
	lines []string
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Add(line string) {
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *tailBuffer) String() string {
	return strings.Join(t.lines, "\n")
}

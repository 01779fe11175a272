//go:build unix

package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/amillerrr/vod-pipeline/pkg/models"
)

func newTestRunner() *ExecRunner {
	return NewExecRunner(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRunCapturesOutput(t *testing.T) {
	r := newTestRunner()

	res, err := r.Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "echo out; echo err >&2"},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := strings.TrimSpace(string(res.Stdout)); got != "out" {
		t.Errorf("Stdout = %q, want %q", got, "out")
	}
	if res.Stderr != "err" {
		t.Errorf("Stderr = %q, want %q", res.Stderr, "err")
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	r := newTestRunner()

	res, err := r.Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "echo broken input >&2; exit 3"},
	})

	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got %v", err)
	}
	if exitErr.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", exitErr.ExitCode)
	}
	if !strings.Contains(exitErr.Stderr, "broken input") {
		t.Errorf("Stderr = %q, want it to contain tool output", exitErr.Stderr)
	}
	if res == nil || res.ExitCode != 3 {
		t.Errorf("expected result with exit code 3, got %+v", res)
	}
}

func TestRunCancelKillsProcess(t *testing.T) {
	r := newTestRunner()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := r.Run(ctx, Command{Name: "sh", Args: []string{"-c", "sleep 30"}})

	if !errors.Is(err, models.ErrContextCanceled) {
		t.Fatalf("expected ErrContextCanceled, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected cause to be kept, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("cancel took %v", elapsed)
	}
	if r.Active() != 0 {
		t.Errorf("Active() = %d after return, want 0", r.Active())
	}
}

func TestRunMissingBinary(t *testing.T) {
	r := newTestRunner()

	_, err := r.Run(context.Background(), Command{Name: "definitely-not-a-real-binary-xyz"})
	if err == nil {
		t.Fatal("expected error for missing binary")
	}
}

func TestScanLinesOrCR(t *testing.T) {
	input := "a\rb\nc"
	var got []string
	data := []byte(input)
	for len(data) > 0 {
		adv, tok, _ := scanLinesOrCR(data, true)
		got = append(got, string(tok))
		data = data[adv:]
	}
	want := []string{"a", "b", "c"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("tokens = %v, want %v", got, want)
	}
}

func TestTailBuffer(t *testing.T) {
	tb := newTailBuffer(2)
	tb.Add("one")
	tb.Add("two")
	tb.Add("three")
	if got := tb.String(); got != "two\nthree" {
		t.Errorf("String() = %q", got)
	}
}

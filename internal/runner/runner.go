// Package runner invokes one external HMMER binary per call, in an
// isolated per-job working directory, under a wall-clock deadline, with
// bounded stdout/stderr capture.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"hmmerweb/internal/config"
	"hmmerweb/internal/hmmer"
)

// Capture filenames inside the job working directory.
const (
	StdoutFile = "stdout.log"
	StderrFile = "stderr.log"
)

// Result reports one finished (or killed) invocation. A Result is only
// meaningful when Run returned a nil error.
type Result struct {
	ExitCode   int
	StdoutPath string
	StderrPath string
	Truncated  bool
	TimedOut   bool
}

// LaunchError means the binary could not be started at all: missing
// executable, permission denied, unusable workdir. This is an
// infrastructure fault, not a tool-reported failure, and callers retry it.
type LaunchError struct {
	Binary string
	Err    error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %v", e.Binary, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Runner executes tool invocations. Concurrent calls are safe as long as
// each operates on its own working directory, which Prepare guarantees.
type Runner struct {
	workRoot   string
	binDir     string
	timeout    time.Duration
	maxCapture int64
	log        zerolog.Logger
}

func New(cfg config.Config, log zerolog.Logger) *Runner {
	return &Runner{
		workRoot:   filepath.Join(cfg.WorkDir, "hmmerweb"),
		binDir:     cfg.HMMERBinDir,
		timeout:    cfg.RunTimeout,
		maxCapture: cfg.MaxCaptureBytes,
		log:        log,
	}
}

// Prepare creates a clean working directory exclusively owned by the job.
// Any leftovers from a previous attempt are discarded first.
func (r *Runner) Prepare(jobID string) (string, error) {
	dir := filepath.Join(r.workRoot, jobID)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("reset workdir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workdir: %w", err)
	}
	return dir, nil
}

// Cleanup discards a job's working directory. Missing directories are fine.
func (r *Runner) Cleanup(jobID string) error {
	return os.RemoveAll(filepath.Join(r.workRoot, jobID))
}

// Run executes cmd inside dir. It returns a *LaunchError if the process
// never started; otherwise the Result carries exit code, capture paths,
// and whether the deadline killed the process.
func (r *Runner) Run(ctx context.Context, dir string, cmd hmmer.Command) (Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	stdoutPath := filepath.Join(dir, StdoutFile)
	stderrPath := filepath.Join(dir, StderrFile)

	stdout, err := newCappedFile(stdoutPath, r.maxCapture)
	if err != nil {
		return Result{}, &LaunchError{Binary: cmd.Binary, Err: err}
	}
	defer stdout.Close()
	stderr, err := newCappedFile(stderrPath, r.maxCapture)
	if err != nil {
		return Result{}, &LaunchError{Binary: cmd.Binary, Err: err}
	}
	defer stderr.Close()

	bin := cmd.Binary
	if r.binDir != "" {
		bin = filepath.Join(r.binDir, cmd.Binary)
	}

	proc := exec.CommandContext(runCtx, bin, cmd.Args...)
	proc.Dir = dir
	proc.Stdout = stdout
	proc.Stderr = stderr
	proc.WaitDelay = 5 * time.Second

	r.log.Debug().Str("binary", bin).Strs("args", cmd.Args).Str("dir", dir).Msg("executing tool")

	start := time.Now()
	if err := proc.Start(); err != nil {
		return Result{}, &LaunchError{Binary: cmd.Binary, Err: err}
	}

	waitErr := proc.Wait()
	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)

	res := Result{
		ExitCode:   proc.ProcessState.ExitCode(),
		StdoutPath: stdoutPath,
		StderrPath: stderrPath,
		Truncated:  stdout.truncated || stderr.truncated,
		TimedOut:   timedOut,
	}

	if waitErr != nil && !timedOut {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			// Wait failed for a reason other than the tool exiting non-zero;
			// treat it like a launch fault so the pool retries.
			return Result{}, &LaunchError{Binary: cmd.Binary, Err: waitErr}
		}
	}

	r.log.Info().
		Str("binary", cmd.Binary).
		Int("exit_code", res.ExitCode).
		Bool("timed_out", res.TimedOut).
		Bool("truncated", res.Truncated).
		Dur("elapsed", time.Since(start)).
		Msg("tool finished")
	return res, nil
}

// cappedFile writes through to a file up to a byte budget, then swallows
// the rest so a misbehaving tool cannot fill the disk. It always reports
// the full write as consumed to keep the child's pipe flowing.
type cappedFile struct {
	f         *os.File
	remaining int64
	truncated bool
}

func newCappedFile(path string, limit int64) (*cappedFile, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create capture file: %w", err)
	}
	return &cappedFile{f: f, remaining: limit}, nil
}

func (c *cappedFile) Write(p []byte) (int, error) {
	if c.remaining <= 0 {
		c.truncated = true
		return len(p), nil
	}
	chunk := p
	if int64(len(chunk)) > c.remaining {
		chunk = chunk[:c.remaining]
		c.truncated = true
	}
	n, err := c.f.Write(chunk)
	c.remaining -= int64(n)
	if err != nil {
		return n, err
	}
	return len(p), nil
}

func (c *cappedFile) Close() error { return c.f.Close() }

// TailFile returns up to max trailing bytes of a capture file, for use in
// human-readable error detail. A missing file yields "".
func TailFile(path string, max int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ""
	}
	if info.Size() > max {
		if _, err := f.Seek(-max, io.SeekEnd); err != nil {
			return ""
		}
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return ""
	}
	return string(data)
}

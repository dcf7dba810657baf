package runner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hmmerweb/internal/config"
	"hmmerweb/internal/hmmer"
)

// writeStub installs a fake tool binary as an executable shell script.
func writeStub(t *testing.T, binDir, name, script string) {
	t.Helper()
	path := filepath.Join(binDir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
}

func newTestRunner(t *testing.T, binDir string, timeout time.Duration, maxCapture int64) *Runner {
	t.Helper()
	return New(config.Config{
		WorkDir:         t.TempDir(),
		HMMERBinDir:     binDir,
		RunTimeout:      timeout,
		MaxCaptureBytes: maxCapture,
	}, zerolog.Nop())
}

func TestRunSuccess(t *testing.T) {
	binDir := t.TempDir()
	writeStub(t, binDir, "stubtool", `echo "building profile"
printf 'HMMER3/f' > profile.hmm
exit 0`)

	r := newTestRunner(t, binDir, 5*time.Second, 1024)
	dir, err := r.Prepare("job-1")
	require.NoError(t, err)

	res, err := r.Run(context.Background(), dir, hmmer.Command{Binary: "stubtool"})
	require.NoError(t, err)
	assert.Zero(t, res.ExitCode)
	assert.False(t, res.TimedOut)
	assert.False(t, res.Truncated)

	out, err := os.ReadFile(res.StdoutPath)
	require.NoError(t, err)
	assert.Contains(t, string(out), "building profile")

	produced, err := os.ReadFile(filepath.Join(dir, "profile.hmm"))
	require.NoError(t, err)
	assert.Equal(t, "HMMER3/f", string(produced))
}

func TestRunToolFailure(t *testing.T) {
	binDir := t.TempDir()
	writeStub(t, binDir, "stubtool", `echo "Error: bad alignment format" >&2
exit 2`)

	r := newTestRunner(t, binDir, 5*time.Second, 1024)
	dir, err := r.Prepare("job-2")
	require.NoError(t, err)

	res, err := r.Run(context.Background(), dir, hmmer.Command{Binary: "stubtool"})
	require.NoError(t, err, "a non-zero exit is a result, not an error")
	assert.Equal(t, 2, res.ExitCode)
	assert.False(t, res.TimedOut)
	assert.Contains(t, TailFile(res.StderrPath, 1024), "bad alignment format")
}

func TestRunTimeout(t *testing.T) {
	binDir := t.TempDir()
	writeStub(t, binDir, "stubtool", `sleep 10`)

	r := newTestRunner(t, binDir, 200*time.Millisecond, 1024)
	dir, err := r.Prepare("job-3")
	require.NoError(t, err)

	start := time.Now()
	res, err := r.Run(context.Background(), dir, hmmer.Command{Binary: "stubtool"})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Less(t, time.Since(start), 5*time.Second, "kill happens near the deadline, not after the sleep")
}

func TestRunLaunchError(t *testing.T) {
	r := newTestRunner(t, t.TempDir(), time.Second, 1024)
	dir, err := r.Prepare("job-4")
	require.NoError(t, err)

	_, err = r.Run(context.Background(), dir, hmmer.Command{Binary: "no-such-binary"})
	require.Error(t, err)
	var launchErr *LaunchError
	assert.ErrorAs(t, err, &launchErr)
	assert.Equal(t, "no-such-binary", launchErr.Binary)
}

func TestRunTruncatesOutput(t *testing.T) {
	binDir := t.TempDir()
	// ~40KB of output against a 1KB cap.
	writeStub(t, binDir, "stubtool", `i=0
while [ $i -lt 1000 ]; do
  echo "0123456789012345678901234567890123456789"
  i=$((i+1))
done`)

	r := newTestRunner(t, binDir, 10*time.Second, 1024)
	dir, err := r.Prepare("job-5")
	require.NoError(t, err)

	res, err := r.Run(context.Background(), dir, hmmer.Command{Binary: "stubtool"})
	require.NoError(t, err)
	assert.Zero(t, res.ExitCode)
	assert.True(t, res.Truncated)

	info, err := os.Stat(res.StdoutPath)
	require.NoError(t, err)
	assert.LessOrEqual(t, info.Size(), int64(1024), "capture never exceeds the cap")
}

func TestPrepareResetsWorkdir(t *testing.T) {
	r := newTestRunner(t, t.TempDir(), time.Second, 1024)

	dir, err := r.Prepare("job-6")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stale"), []byte("x"), 0o644))

	dir2, err := r.Prepare("job-6")
	require.NoError(t, err)
	assert.Equal(t, dir, dir2)
	_, err = os.Stat(filepath.Join(dir2, "stale"))
	assert.True(t, os.IsNotExist(err), "retry attempts start from a clean directory")

	require.NoError(t, r.Cleanup("job-6"))
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
	require.NoError(t, r.Cleanup("job-6"), "cleanup is idempotent")
}

package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"hmmerweb/internal/models"
)

// Local stores artifacts on the filesystem under baseDir/<jobID>/<name>.
type Local struct {
	baseDir string
}

var _ Store = (*Local)(nil)

func NewLocal(baseDir string) *Local {
	return &Local{baseDir: baseDir}
}

func (l *Local) Save(_ context.Context, jobID, name string, r io.Reader) (string, error) {
	name = cleanName(name)
	dir := filepath.Join(l.baseDir, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return "", fmt.Errorf("create artifact: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return Ref(jobID, name), nil
}

func (l *Local) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	jobID, name, err := splitRef(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(l.baseDir, jobID, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("artifact %s: %w", ref, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open artifact %s: %w", ref, err)
	}
	return f, nil
}

func (l *Local) DeleteJob(_ context.Context, jobID string) error {
	// RemoveAll on a missing directory returns nil, giving idempotence.
	if err := os.RemoveAll(filepath.Join(l.baseDir, jobID)); err != nil {
		return fmt.Errorf("delete artifacts of %s: %w", jobID, err)
	}
	return nil
}

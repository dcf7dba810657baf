// Package artifact stores job input and output files outside the job
// record store. Refs have the form "<jobID>/<name>"; no ref is ever shared
// across jobs, so deleting a job's namespace removes everything it owns.
package artifact

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"hmmerweb/internal/config"
	"hmmerweb/internal/models"
)

// Store is the artifact backend. DeleteJob is idempotent: deleting an
// absent namespace is not an error, which lets a crashed purge be replayed.
type Store interface {
	Save(ctx context.Context, jobID, name string, r io.Reader) (ref string, err error)
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
	DeleteJob(ctx context.Context, jobID string) error
}

// New selects a backend from config.
func New(ctx context.Context, cfg config.Config) (Store, error) {
	switch cfg.ArtifactBackend {
	case "", "local":
		return NewLocal(cfg.ArtifactDir), nil
	case "s3":
		return NewS3(ctx, cfg)
	}
	return nil, fmt.Errorf("unknown artifact backend %q", cfg.ArtifactBackend)
}

// Ref assembles a ref from a job id and artifact name.
func Ref(jobID, name string) string {
	return jobID + "/" + cleanName(name)
}

// Name extracts the artifact filename from a ref.
func Name(ref string) string {
	return path.Base(ref)
}

// cleanName flattens any path structure out of a user-supplied filename so
// a ref can never escape its job namespace.
func cleanName(name string) string {
	name = path.Base(path.Clean(strings.ReplaceAll(name, "\\", "/")))
	if name == "." || name == "/" || name == "" {
		return "artifact"
	}
	return name
}

func splitRef(ref string) (jobID, name string, err error) {
	jobID, name, ok := strings.Cut(ref, "/")
	if !ok || jobID == "" || name == "" {
		return "", "", fmt.Errorf("malformed artifact ref %q: %w", ref, models.ErrNotFound)
	}
	return jobID, cleanName(name), nil
}

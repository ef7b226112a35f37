package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/inopsio/modeld/pkg/lifecycle"
)

// MetadataArtifact names the model file, relative to the cache directory.
const MetadataArtifact = "artifact"

// ArtifactRunner validates a model's artifact during initialization.
type ArtifactRunner struct {
	// CacheDir is the directory artifacts are resolved against.
	CacheDir string

	// MaxSize rejects artifacts larger than this many bytes. Zero disables
	// the check.
	MaxSize int64

	// Required fails models that name no artifact.
	Required bool
}

// Run checks that the artifact exists inside CacheDir and fits MaxSize.
func (r *ArtifactRunner) Run(ctx context.Context, job *lifecycle.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	name := job.Model.Metadata[MetadataArtifact]
	if name == "" {
		if r.Required {
			return fmt.Errorf("model has no %q metadata", MetadataArtifact)
		}
		return nil
	}

	path, err := ResolveArtifact(r.CacheDir, name)
	if err != nil {
		return err
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("artifact %s not found in model cache", name)
		}
		return fmt.Errorf("failed to stat artifact: %w", err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("artifact %s is not a regular file", name)
	}
	if r.MaxSize > 0 && info.Size() > r.MaxSize {
		return fmt.Errorf("artifact %s is %d bytes, limit is %d", name, info.Size(), r.MaxSize)
	}
	return nil
}

// ResolveArtifact joins name onto cacheDir, rejecting names that would
// leave it.
func ResolveArtifact(cacheDir, name string) (string, error) {
	if !filepath.IsLocal(name) {
		return "", fmt.Errorf("artifact path %q escapes the model cache", name)
	}
	return filepath.Join(cacheDir, name), nil
}

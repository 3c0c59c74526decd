package worker

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/shrimpsizemoose/trekker/logger"

	"github.com/nbblackbox/gradepipe/internal/engine"
	"github.com/nbblackbox/gradepipe/internal/metrics"
)

type FreshnessOutcome int

const (
	FreshnessFresh FreshnessOutcome = iota
	FreshnessRegenerated
)

// ErrNoBlueprint means the exercise has nothing to grade against; fatal
// for the enclosing job.
var ErrNoBlueprint = errors.New("exercise has no blueprint")

// Checker keeps the engine's on-disk generated assignment in sync with
// the latest published blueprint. The exercise row's last_generated_ts
// carries the upload timestamp the current artifact was built from.
type Checker struct {
	store     Store
	engine    engine.Engine
	courseDir string
}

func NewChecker(store Store, eng engine.Engine, courseDir string) *Checker {
	return &Checker{store: store, engine: eng, courseDir: courseDir}
}

// EnsureFresh regenerates the exercise's student-facing artifact when it
// is missing or older than the latest blueprint upload. Regenerating from
// the same blueprint twice produces the same on-disk state, and a fresh
// artifact makes this call a no-op.
func (c *Checker) EnsureFresh(ctx context.Context, exerciseID string) (FreshnessOutcome, error) {
	ex, err := c.store.GetExercise(exerciseID)
	if err != nil {
		return FreshnessFresh, fmt.Errorf("failed to load exercise: %w", err)
	}
	if ex == nil {
		return FreshnessFresh, fmt.Errorf("exercise %q does not exist", exerciseID)
	}

	bp, err := c.store.GetBlueprint(exerciseID)
	if err != nil {
		return FreshnessFresh, fmt.Errorf("failed to load blueprint: %w", err)
	}
	if bp == nil {
		return FreshnessFresh, ErrNoBlueprint
	}

	generated, err := c.engine.Generated(ctx, exerciseID)
	if err != nil {
		return FreshnessFresh, fmt.Errorf("failed to query generated state: %w", err)
	}
	if generated && ex.LastGeneratedTs >= bp.UploadedTs {
		return FreshnessFresh, nil
	}

	logger.Info.Printf("Blueprint for %s is stale (generated=%v, local=%d, uploaded=%d), regenerating",
		exerciseID, generated, ex.LastGeneratedTs, bp.UploadedTs)

	sourceDir := filepath.Join(c.courseDir, "source", exerciseID)
	if err := os.MkdirAll(sourceDir, 0o755); err != nil {
		return FreshnessFresh, fmt.Errorf("failed to create source dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(sourceDir, bp.Filename), bp.Content, 0o644); err != nil {
		return FreshnessFresh, fmt.Errorf("failed to write blueprint source: %w", err)
	}
	if len(bp.AssetBundle) > 0 {
		if err := unpackBundle(bp.AssetBundle, sourceDir); err != nil {
			return FreshnessFresh, fmt.Errorf("failed to unpack asset bundle: %w", err)
		}
	}

	if err := c.engine.Generate(ctx, exerciseID); err != nil {
		return FreshnessFresh, fmt.Errorf("failed to generate assignment: %w", err)
	}

	if err := c.store.MarkExerciseGenerated(exerciseID, bp.UploadedTs); err != nil {
		return FreshnessFresh, fmt.Errorf("failed to record regeneration: %w", err)
	}

	metrics.RegenerationsTotal.WithLabelValues(exerciseID).Inc()
	return FreshnessRegenerated, nil
}

// unpackBundle extracts a zip archive into dir, refusing entries that
// escape it.
func unpackBundle(bundle []byte, dir string) error {
	zr, err := zip.NewReader(bytes.NewReader(bundle), int64(len(bundle)))
	if err != nil {
		return fmt.Errorf("asset bundle is not a zip archive: %w", err)
	}

	for _, f := range zr.File {
		target := filepath.Join(dir, f.Name)
		if !strings.HasPrefix(target, filepath.Clean(dir)+string(os.PathSeparator)) {
			return fmt.Errorf("asset bundle entry %q escapes target directory", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}

		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("failed to open bundle entry %q: %w", f.Name, err)
		}
		out, err := os.Create(target)
		if err != nil {
			rc.Close()
			return err
		}
		if _, err := io.Copy(out, rc); err != nil {
			out.Close()
			rc.Close()
			return fmt.Errorf("failed to extract %q: %w", f.Name, err)
		}
		out.Close()
		rc.Close()
	}
	return nil
}

package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethpandaops/reportoor/pkg/config"
	"github.com/sirupsen/logrus"
)

// localWriter writes archive documents to a local directory.
type localWriter struct {
	log logrus.FieldLogger
	dir string
}

// Ensure interface compliance.
var _ Writer = (*localWriter)(nil)

// NewLocalWriter creates a Writer backed by a local directory.
func NewLocalWriter(log logrus.FieldLogger, cfg *config.LocalArchive) (Writer, error) {
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("creating archive directory: %w", err)
	}

	return &localWriter{
		log: log.WithField("component", "archive-local"),
		dir: cfg.Dir,
	}, nil
}

// Put writes one document under dir/key.
func (w *localWriter) Put(_ context.Context, key string, data []byte, _ string) error {
	path := filepath.Join(w.dir, filepath.FromSlash(key))

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating archive subdirectory: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing archive file: %w", err)
	}

	return nil
}

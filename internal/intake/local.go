package intake

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Veraticus/expense-flow/internal/config"
)

// DirBlobStore reads receipt files from a local directory. Relative refs resolve against Root.
type DirBlobStore struct {
	Root string
}

// Download returns the bytes stored under ref.
func (d DirBlobStore) Download(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := config.ExpandPath(ref)
	if !filepath.IsAbs(path) && d.Root != "" {
		path = filepath.Join(config.ExpandPath(d.Root), path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", ref, err)
	}
	return data, nil
}

// QueueFunc adapts a function to service.JobQueue.
type QueueFunc func(ctx context.Context, receiptID string) error

// Enqueue calls f.
func (f QueueFunc) Enqueue(ctx context.Context, receiptID string) error {
	return f(ctx, receiptID)
}

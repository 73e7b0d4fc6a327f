// Package snapshot stores sandbox working-tree archives on the control
// host. Each snapshot is an extracted tree under {root}/{snapshot_id},
// written once and then only read back as a tar stream.
package snapshot

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/moby/go-archive"
	"github.com/moby/go-archive/compression"
)

// Store lays snapshots out on the local filesystem.
type Store struct {
	root   string
	logger *slog.Logger
}

// NewStore creates the snapshots root if needed.
func NewStore(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("snapshots root must not be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve snapshots root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshots root %s: %w", abs, err)
	}
	return &Store{
		root:   abs,
		logger: slog.Default().With("component", "snapshot.store"),
	}, nil
}

// Root returns the snapshots root directory.
func (s *Store) Root() string {
	return s.root
}

// Path returns where a snapshot's tree lives.
func (s *Store) Path(id string) string {
	return filepath.Join(s.root, id)
}

// Exists reports whether a snapshot tree is present.
func (s *Store) Exists(id string) bool {
	if err := validateID(id); err != nil {
		return false
	}
	info, err := os.Stat(s.Path(id))
	return err == nil && info.IsDir()
}

// Save extracts a tar stream into the snapshot's directory and returns
// how many archive bytes were consumed. Saving over an existing snapshot
// is refused: snapshots are write-once.
func (s *Store) Save(ctx context.Context, id string, tr io.Reader) (int64, error) {
	if err := validateID(id); err != nil {
		return 0, err
	}
	dest := s.Path(id)
	if _, err := os.Stat(dest); err == nil {
		return 0, fmt.Errorf("snapshot %s already exists", id)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return 0, fmt.Errorf("create snapshot dir %s: %w", dest, err)
	}

	counting := &countingReader{ctx: ctx, r: tr}
	if err := archive.Untar(counting, dest, &archive.TarOptions{NoLchown: true}); err != nil {
		_ = os.RemoveAll(dest)
		return 0, fmt.Errorf("extract snapshot %s: %w", id, err)
	}

	s.logger.Info("Snapshot saved", "snapshot_id", id, "bytes", counting.n)
	return counting.n, nil
}

// Open streams a saved snapshot back as an uncompressed tar archive. The
// entries are relative to the snapshot directory, so extracting the
// stream at a container's root restores the original layout.
func (s *Store) Open(id string) (io.ReadCloser, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	dest := s.Path(id)
	if _, err := os.Stat(dest); err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", id, err)
	}
	rc, err := archive.TarWithOptions(dest, &archive.TarOptions{Compression: compression.None})
	if err != nil {
		return nil, fmt.Errorf("archive snapshot %s: %w", id, err)
	}
	return rc, nil
}

// Remove deletes a snapshot tree. Absence is success.
func (s *Store) Remove(id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	if err := os.RemoveAll(s.Path(id)); err != nil {
		return fmt.Errorf("remove snapshot %s: %w", id, err)
	}
	return nil
}

// validateID keeps snapshot directories inside the root.
func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("snapshot id must not be empty")
	}
	if strings.ContainsAny(id, "/\\") || id == "." || id == ".." {
		return fmt.Errorf("invalid snapshot id %q", id)
	}
	return nil
}

// countingReader counts bytes and aborts on context cancellation.
type countingReader struct {
	ctx context.Context
	r   io.Reader
	n   int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

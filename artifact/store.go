// Package artifact persists run artifacts outside the database: replay
// bundles, exported manifest documents, and handler-produced files. A
// Store is a flat keyed blob space; the Exporter lays replay and
// manifest documents out under tenant/day/run partitions.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pithecene-io/jobforge/iox"
	"github.com/pithecene-io/jobforge/types"
)

// Store is a keyed blob store. Implementations must be safe for
// concurrent use.
type Store interface {
	// Put writes data under key and returns a stable ref locating it.
	Put(ctx context.Context, key string, data []byte) (ref string, err error)
	// Get reads the blob stored under key.
	Get(ctx context.Context, key string) ([]byte, error)
}

// ErrBadKey rejects keys that escape the store's namespace.
var ErrBadKey = errors.New("artifact key must be a clean relative path")

// validateKey refuses traversal and absolute keys.
func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return fmt.Errorf("%w: %q", ErrBadKey, key)
	}
	return nil
}

// DeriveDay computes the day partition segment, YYYY-MM-DD in UTC.
func DeriveDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// FSStore stores blobs under a root directory. Writes go through a
// temp file and rename so readers never observe partial content.
type FSStore struct {
	root string
}

// NewFSStore creates a store rooted at dir, creating it if needed.
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &FSStore{root: dir}, nil
}

// Put implements Store.
func (s *FSStore) Put(_ context.Context, key string, data []byte) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	path := filepath.Join(s.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	if err := iox.WriteAtomic(path, data); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return "file://" + path, nil
}

// Get implements Store.
func (s *FSStore) Get(_ context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(s.root, filepath.FromSlash(key)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.ErrNotFound
		}
		return nil, err
	}
	defer iox.DiscardClose(f)
	return io.ReadAll(f)
}

var _ Store = (*FSStore)(nil)

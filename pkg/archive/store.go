// Package archive stores session audit bundles as content-addressed
// blobs. A bundle is written once, named by its SHA-256 digest, and
// never rewritten; backends only differ in where the bytes live
// (filesystem, S3-compatible object storage, or GCS behind the gcp
// build tag).
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const digestPrefix = "sha256:"

// Store is the contract for content-addressed bundle storage.
type Store interface {
	// Store persists data and returns its digest ("sha256:<hex>").
	// Storing the same bytes twice is a no-op.
	Store(ctx context.Context, data []byte) (string, error)
	// Get retrieves data by digest.
	Get(ctx context.Context, digest string) ([]byte, error)
	// Exists reports whether a blob with this digest is present.
	Exists(ctx context.Context, digest string) (bool, error)
	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, digest string) error
}

// digestOf returns the prefixed digest and bare hex for data.
func digestOf(data []byte) (string, string) {
	sum := sha256.Sum256(data)
	raw := hex.EncodeToString(sum[:])
	return digestPrefix + raw, raw
}

// parseDigest validates a "sha256:<hex>" digest and returns the hex part.
func parseDigest(digest string) (string, error) {
	raw, ok := strings.CutPrefix(digest, digestPrefix)
	if !ok {
		return "", fmt.Errorf("invalid digest format: %s", digest)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("invalid digest hex: %w", err)
	}
	return raw, nil
}

// FileStore keeps bundle blobs on the local filesystem, one file per
// digest. Writes go through a temp file and rename so readers never see
// a partial blob.
type FileStore struct {
	dir string
	mu  sync.RWMutex
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure archive dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(rawHex string) string {
	return filepath.Join(s.dir, rawHex+".blob")
}

func (s *FileStore) Store(ctx context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	digest, raw := digestOf(data)
	path := s.path(raw)

	if _, err := os.Stat(path); err == nil {
		return digest, nil
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write bundle blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("commit bundle blob: %w", err)
	}
	return digest, nil
}

func (s *FileStore) Get(ctx context.Context, digest string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := parseDigest(digest)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(s.path(raw))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("bundle not found: %s", digest)
		}
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (s *FileStore) Exists(ctx context.Context, digest string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := parseDigest(digest)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(s.path(raw)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *FileStore) Delete(ctx context.Context, digest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := parseDigest(digest)
	if err != nil {
		return err
	}
	if err := os.Remove(s.path(raw)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete bundle blob: %w", err)
	}
	return nil
}

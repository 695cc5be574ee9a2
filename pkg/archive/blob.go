// Package archive exports event log segments to content-addressed blob
// storage. Segments are canonical JSONL, so a segment's hash is a stable
// identity for the envelopes it contains; a manifest ties the segments
// of one export together.
package archive

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Mindburn-Labs/meshforge/pkg/canonical"
)

const hashPrefix = "sha256:"

// BlobStore is content-addressed storage. Store returns the blob's
// SHA-256 hash in "sha256:<hex>" form; all other operations take that
// form back.
type BlobStore interface {
	Store(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, hash string) ([]byte, error)
	Exists(ctx context.Context, hash string) (bool, error)
	Delete(ctx context.Context, hash string) error
}

// parseHash strips and checks the "sha256:" prefix, returning the raw
// hex digest.
func parseHash(hash string) (string, error) {
	raw, ok := strings.CutPrefix(hash, hashPrefix)
	if !ok {
		return "", fmt.Errorf("invalid hash format: %s", hash)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("invalid hash hex: %w", err)
	}
	return raw, nil
}

// FSStore is a filesystem-backed BlobStore. Blobs land as
// <dir>/<hex>.blob via write-to-temp-then-rename, so a crash mid-write
// never leaves a partial blob under its final name.
type FSStore struct {
	dir string
	mu  sync.RWMutex
}

// NewFSStore creates the directory if needed and returns a store over it.
func NewFSStore(dir string) (*FSStore, error) {
	//nolint:gosec // G301: segment archives are shared with operators
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("ensure archive dir: %w", err)
	}
	return &FSStore{dir: dir}, nil
}

func (s *FSStore) Store(_ context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw := canonical.HashBytes(data)
	path := filepath.Join(s.dir, raw+".blob")

	if _, err := os.Stat(path); err == nil {
		return hashPrefix + raw, nil
	}

	tmp := path + ".tmp"
	//nolint:gosec // G306: blobs are plain data files
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("commit blob: %w", err)
	}
	return hashPrefix + raw, nil
}

func (s *FSStore) Get(_ context.Context, hash string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := parseHash(hash)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filepath.Join(s.dir, raw+".blob")) //nolint:gosec // hash validated as hex
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("blob not found: %s", hash)
		}
		return nil, fmt.Errorf("open blob: %w", err)
	}
	defer f.Close() //nolint:errcheck

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

func (s *FSStore) Exists(_ context.Context, hash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := parseHash(hash)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(filepath.Join(s.dir, raw+".blob"))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat blob: %w", err)
}

func (s *FSStore) Delete(_ context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := parseHash(hash)
	if err != nil {
		return err
	}

	if err := os.Remove(filepath.Join(s.dir, raw+".blob")); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

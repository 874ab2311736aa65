// Package storage keeps uploaded screenshots behind opaque references.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
)

var ErrInvalidRef = errors.New("invalid screenshot reference")

var refPattern = regexp.MustCompile(`^[a-f0-9]{64}$`)

// FileStore is a content-addressed directory: a reference is the SHA-256 of
// the stored bytes.
type FileStore struct {
	logger *slog.Logger
	dir    string
}

func NewFileStore(logger *slog.Logger, dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create screenshot directory: %w", err)
	}
	return &FileStore{logger: logger, dir: dir}, nil
}

func (s *FileStore) Save(ctx context.Context, data []byte) (string, error) {
	if len(data) == 0 {
		return "", errors.New("screenshot is empty")
	}

	sum := sha256.Sum256(data)
	ref := hex.EncodeToString(sum[:])
	path := s.path(ref)

	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", fmt.Errorf("failed to create screenshot shard: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ref+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create screenshot file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write screenshot: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close screenshot file: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("failed to store screenshot: %w", err)
	}

	s.logger.DebugContext(ctx, "Screenshot stored", "ref", ref, "size", len(data))
	return ref, nil
}

// Load returns an error matching fs.ErrNotExist for unknown references.
func (s *FileStore) Load(_ context.Context, ref string) ([]byte, error) {
	if !refPattern.MatchString(ref) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRef, fs.ErrNotExist)
	}

	data, err := os.ReadFile(s.path(ref))
	if err != nil {
		return nil, fmt.Errorf("failed to read screenshot %s: %w", ref, err)
	}
	return data, nil
}

func (s *FileStore) Exists(_ context.Context, ref string) (bool, error) {
	if !refPattern.MatchString(ref) {
		return false, nil
	}

	_, err := os.Stat(s.path(ref))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat screenshot %s: %w", ref, err)
	}
	return true, nil
}

func (s *FileStore) path(ref string) string {
	return filepath.Join(s.dir, ref[:2], ref)
}

package configstore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore implements ArtifactStore using the local filesystem.
// Artifacts are stored at {baseDir}/{sessionID}.conf with 0600 permissions
// since they contain private key material.
type LocalStore struct {
	baseDir string
}

// NewLocalStore creates a LocalStore that writes to the given base directory.
func NewLocalStore(baseDir string) *LocalStore {
	return &LocalStore{baseDir: baseDir}
}

// resolve validates that storagePath stays within baseDir and returns the
// absolute path.
func (s *LocalStore) resolve(storagePath string) (string, error) {
	fullPath := filepath.Clean(filepath.Join(s.baseDir, storagePath))
	absBase, err := filepath.Abs(s.baseDir)
	if err != nil {
		return "", fmt.Errorf("invalid base dir: %w", err)
	}
	absPath, err := filepath.Abs(fullPath)
	if err != nil {
		return "", fmt.Errorf("invalid path: %w", err)
	}
	if !strings.HasPrefix(absPath, absBase+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid artifact path: path traversal detected")
	}
	return absPath, nil
}

// Save writes an artifact to disk and returns the relative storage path.
func (s *LocalStore) Save(sessionID string, r io.Reader) (string, error) {
	cleanID := filepath.Base(sessionID) // strip any directory components
	relPath := cleanID + ".conf"

	absPath, err := s.resolve(relPath)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(absPath), 0o700); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	f, err := os.OpenFile(absPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return "", fmt.Errorf("failed to create file %s: %w", absPath, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		os.Remove(absPath)
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}

	return relPath, nil
}

// Get opens the artifact at the given storage path for reading.
func (s *LocalStore) Get(storagePath string) (io.ReadCloser, error) {
	absPath, err := s.resolve(storagePath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrArtifactNotFound
		}
		return nil, fmt.Errorf("failed to open artifact: %w", err)
	}
	return f, nil
}

// Delete removes the artifact at the given storage path.
func (s *LocalStore) Delete(storagePath string) error {
	absPath, err := s.resolve(storagePath)
	if err != nil {
		return err
	}

	if err := os.Remove(absPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}
	return nil
}

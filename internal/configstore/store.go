// Package configstore renders and stores one-time WireGuard client
// configuration artifacts. An artifact is written when a session becomes
// active, handed to the user exactly once through a short-lived path, and
// destroyed during deprovisioning.
package configstore

import (
	"errors"
	"io"
)

// ErrArtifactNotFound is returned when no artifact exists at a path, or
// when the artifact has already been consumed.
var ErrArtifactNotFound = errors.New("client config artifact not found")

// ArtifactStore abstracts client configuration artifact storage.
type ArtifactStore interface {
	// Save writes an artifact from the reader and returns the storage path.
	Save(sessionID string, r io.Reader) (storagePath string, err error)

	// Get returns a ReadCloser for the artifact at the given storage path.
	// Returns ErrArtifactNotFound if no artifact exists there.
	Get(storagePath string) (io.ReadCloser, error)

	// Delete removes the artifact at the given storage path. Deleting an
	// absent artifact succeeds.
	Delete(storagePath string) error
}

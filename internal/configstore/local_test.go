package configstore

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLocalStoreRoundTrip(t *testing.T) {
	store := NewLocalStore(t.TempDir())

	path, err := store.Save("sess-1", strings.NewReader("config contents"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if path != "sess-1.conf" {
		t.Errorf("storage path = %s, want sess-1.conf", path)
	}

	r, err := store.Get(path)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	data, err := io.ReadAll(r)
	r.Close()
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if string(data) != "config contents" {
		t.Errorf("artifact = %q, want original contents", data)
	}

	if err := store.Delete(path); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(path); !errors.Is(err, ErrArtifactNotFound) {
		t.Errorf("Get after delete error = %v, want ErrArtifactNotFound", err)
	}
	if err := store.Delete(path); err != nil {
		t.Errorf("second Delete: %v, want nil", err)
	}
}

func TestLocalStorePermissions(t *testing.T) {
	dir := t.TempDir()
	store := NewLocalStore(dir)

	path, err := store.Save("sess-1", strings.NewReader("private key material"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	info, err := os.Stat(filepath.Join(dir, path))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("artifact mode = %o, want 0600", perm)
	}
}

func TestLocalStoreRejectsTraversal(t *testing.T) {
	store := NewLocalStore(t.TempDir())

	if _, err := store.Get("../../etc/passwd"); err == nil {
		t.Error("Get with traversal path succeeded, want error")
	}
	if err := store.Delete("../../etc/passwd"); err == nil {
		t.Error("Delete with traversal path succeeded, want error")
	}

	// Save strips directory components from the session id.
	path, err := store.Save("../evil", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if strings.Contains(path, "..") {
		t.Errorf("storage path %s escapes the base dir", path)
	}
}

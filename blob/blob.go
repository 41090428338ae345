// Package blob stores raw audio slices. Keys are slash-separated paths such as
// audio/<meeting>/chunk-000001.wav; the returned ref is what gets persisted on
// the chunk record and handed back to Get and Delete.
package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/onnwee/meeting-tender/backend/apperr"
)

// Store is the blob collaborator.
type Store interface {
	Put(ctx context.Context, key string, data []byte) (ref string, err error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Delete(ctx context.Context, ref string) error
}

// ChunkKey is the storage key for one audio chunk.
func ChunkKey(meetingID string, chunkNumber int) string {
	return fmt.Sprintf("audio/%s/chunk-%06d.wav", meetingID, chunkNumber)
}

func validKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return fmt.Errorf("blob key %q: %w", key, apperr.ErrValidation)
	}
	return nil
}

// FS stores blobs under a root directory. Refs are the keys themselves.
type FS struct {
	root string
}

func NewFS(root string) (*FS, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &FS{root: root}, nil
}

func (f *FS) path(key string) string { return filepath.Join(f.root, filepath.FromSlash(key)) }

func (f *FS) Put(ctx context.Context, key string, data []byte) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p := f.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return "", fmt.Errorf("blob mkdir: %w: %w", apperr.ErrTransientIO, err)
	}
	// write-then-rename so readers never see a partial file
	tmp := p + ".part"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("blob write: %w: %w", apperr.ErrTransientIO, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("blob rename: %w: %w", apperr.ErrTransientIO, err)
	}
	return key, nil
}

func (f *FS) Get(ctx context.Context, ref string) ([]byte, error) {
	if err := validKey(ref); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.path(ref))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("blob %s: %w", ref, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("blob read: %w: %w", apperr.ErrTransientIO, err)
	}
	return data, nil
}

// Delete removes the blob. Missing blobs are not an error.
func (f *FS) Delete(ctx context.Context, ref string) error {
	if err := validKey(ref); err != nil {
		return err
	}
	if err := os.Remove(f.path(ref)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("blob delete: %w: %w", apperr.ErrTransientIO, err)
	}
	return nil
}

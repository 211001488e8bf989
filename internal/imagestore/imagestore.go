// Package imagestore keeps listing images on disk under content-addressed
// names, so resubmitting the same bytes yields the same reference.
package imagestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// Store saves and loads image bytes by reference.
type Store interface {
	Save(ctx context.Context, data []byte) (string, error)
	Load(ctx context.Context, ref string) ([]byte, string, error)
}

// FS is a filesystem-backed content-addressed image store. References are
// relative paths of the form "ab/abcdef....jpg".
type FS struct {
	root string
}

// NewFS creates the root directory if needed.
func NewFS(root string) (*FS, error) {
	if root == "" {
		return nil, eris.New("imagestore: root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, eris.Wrapf(err, "imagestore: create %s", root)
	}
	return &FS{root: root}, nil
}

var extensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// Save writes data under its SHA-256 digest and returns the reference.
// Saving identical bytes again returns the same reference without rewriting.
func (s *FS) Save(_ context.Context, data []byte) (string, error) {
	if len(data) == 0 {
		return "", eris.New("imagestore: empty image")
	}

	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	ext, ok := extensions[http.DetectContentType(data)]
	if !ok {
		ext = ".bin"
	}
	ref := filepath.ToSlash(filepath.Join(digest[:2], digest+ext))
	path := filepath.Join(s.root, filepath.FromSlash(ref))

	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", eris.Wrap(err, "imagestore: create shard dir")
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return "", eris.Wrap(err, "imagestore: create temp file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", eris.Wrap(err, "imagestore: write image")
	}
	if err := tmp.Close(); err != nil {
		return "", eris.Wrap(err, "imagestore: close image")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", eris.Wrap(err, "imagestore: finalize image")
	}
	return ref, nil
}

// Load reads an image by reference and sniffs its media type.
func (s *FS) Load(_ context.Context, ref string) ([]byte, string, error) {
	path, err := s.resolve(ref)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", eris.Wrapf(err, "imagestore: read %s", ref)
	}
	return data, http.DetectContentType(data), nil
}

// resolve keeps references inside the root.
func (s *FS) resolve(ref string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(ref))
	if ref == "" || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", eris.Errorf("imagestore: invalid reference %q", ref)
	}
	return filepath.Join(s.root, clean), nil
}

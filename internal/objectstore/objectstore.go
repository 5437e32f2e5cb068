// Package objectstore stores uploaded thumbnails behind a public URL.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path"
	"strings"
)

var (
	ErrNotFound    = errors.New("object not found")
	ErrInvalidPath = errors.New("invalid object path")
)

// Store is a flat key/value object store with public URLs.
type Store interface {
	Put(ctx context.Context, path string, data []byte, contentType string) error
	Get(ctx context.Context, path string) ([]byte, error)
	Delete(ctx context.Context, path string) error
	PublicURL(path string) string
	PathFromURL(uri string) (string, bool)
}

// CleanPath validates an object key and returns it in canonical form.
func CleanPath(p string) (string, error) {
	if p == "" || strings.Contains(p, "..") || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return path.Clean(p), nil
}

// urlMapper converts between object keys and the URLs they are served at.
type urlMapper struct {
	base string
}

func newURLMapper(base string) urlMapper {
	return urlMapper{base: strings.TrimRight(base, "/")}
}

func (m urlMapper) PublicURL(p string) string {
	return m.base + "/" + p
}

func (m urlMapper) PathFromURL(uri string) (string, bool) {
	rest, ok := strings.CutPrefix(uri, m.base+"/")
	if !ok || rest == "" {
		return "", false
	}
	p, err := CleanPath(rest)
	if err != nil {
		return "", false
	}
	return p, true
}

// Handler serves objects from s. Mount it with http.StripPrefix so that the
// request path is the object key.
func Handler(s Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, err := CleanPath(strings.TrimPrefix(r.URL.Path, "/"))
		if err != nil {
			http.NotFound(w, r)
			return
		}
		data, err := s.Get(r.Context(), key)
		if errors.Is(err, ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		if err != nil {
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}

		if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		w.Write(data)
	})
}

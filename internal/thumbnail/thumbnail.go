// Package thumbnail validates uploaded thumbnail images and loads stored ones
// back before they are flashed.
package thumbnail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

// MaxBytes caps an uploaded thumbnail.
const MaxBytes = 10 << 20

var (
	ErrNotImage = errors.New("file is not a supported image")
	ErrTooLarge = errors.New("image exceeds 10 MB")
)

var formats = map[string]struct {
	ext         string
	contentType string
}{
	"jpeg": {"jpg", "image/jpeg"},
	"png":  {"png", "image/png"},
	"gif":  {"gif", "image/gif"},
	"webp": {"webp", "image/webp"},
	"bmp":  {"bmp", "image/bmp"},
	"tiff": {"tiff", "image/tiff"},
}

// Image is a decoded, validated thumbnail upload.
type Image struct {
	Filename    string
	Data        []byte
	Format      string
	Ext         string
	ContentType string
	Width       int
	Height      int
}

// Parse checks that data is a complete image in a supported format.
func Parse(filename string, data []byte) (*Image, error) {
	if len(data) > MaxBytes {
		return nil, ErrTooLarge
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotImage, err)
	}
	f, ok := formats[format]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotImage, format)
	}
	if err := Decode(data); err != nil {
		return nil, err
	}

	return &Image{
		Filename:    filepath.Base(filename),
		Data:        data,
		Format:      format,
		Ext:         f.ext,
		ContentType: f.contentType,
		Width:       cfg.Width,
		Height:      cfg.Height,
	}, nil
}

// Decode fully decodes data, catching truncated files DecodeConfig accepts.
func Decode(data []byte) error {
	if _, err := imaging.Decode(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("%w: %v", ErrNotImage, err)
	}
	return nil
}

// Objects is the part of object storage the loader reads from.
type Objects interface {
	Get(ctx context.Context, path string) ([]byte, error)
	PathFromURL(uri string) (string, bool)
}

// Loader fetches a stored thumbnail by its public URL and decodes it.
type Loader struct {
	objects Objects
	client  *http.Client
}

func NewLoader(objects Objects, client *http.Client) *Loader {
	if client == nil {
		client = http.DefaultClient
	}
	return &Loader{objects: objects, client: client}
}

// Fetch returns the raw bytes behind uri.
func (l *Loader) Fetch(ctx context.Context, uri string) ([]byte, error) {
	if l.objects != nil {
		if path, ok := l.objects.PathFromURL(uri); ok {
			return l.objects.Get(ctx, path)
		}
	}
	if !strings.HasPrefix(uri, "http://") && !strings.HasPrefix(uri, "https://") {
		return nil, fmt.Errorf("unsupported thumbnail location: %s", uri)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch thumbnail: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch thumbnail: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read thumbnail: %w", err)
	}
	if len(data) > MaxBytes {
		return nil, ErrTooLarge
	}
	return data, nil
}

// Load fetches and decodes uri.
func (l *Loader) Load(ctx context.Context, uri string) error {
	data, err := l.Fetch(ctx, uri)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return Decode(data)
}

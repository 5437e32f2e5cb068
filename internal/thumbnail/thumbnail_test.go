package thumbnail_test

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/blinktest/blinktest/internal/thumbnail"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, 0, color.RGBA{R: 255, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestParse_PNG(t *testing.T) {
	img, err := thumbnail.Parse("uploads/thumb.png", pngBytes(t, 16, 9))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if img.Format != "png" || img.Ext != "png" || img.ContentType != "image/png" {
		t.Errorf("unexpected format fields: %+v", img)
	}
	if img.Width != 16 || img.Height != 9 {
		t.Errorf("expected 16x9, got %dx%d", img.Width, img.Height)
	}
	if img.Filename != "thumb.png" {
		t.Errorf("expected base filename, got %q", img.Filename)
	}
}

func TestParse_RejectsNonImage(t *testing.T) {
	_, err := thumbnail.Parse("notes.txt", []byte("just some text"))
	if !errors.Is(err, thumbnail.ErrNotImage) {
		t.Errorf("expected ErrNotImage, got %v", err)
	}
}

func TestParse_RejectsTruncated(t *testing.T) {
	data := pngBytes(t, 64, 64)
	_, err := thumbnail.Parse("cut.png", data[:len(data)/2])
	if !errors.Is(err, thumbnail.ErrNotImage) {
		t.Errorf("expected ErrNotImage for truncated file, got %v", err)
	}
}

func TestParse_RejectsOversize(t *testing.T) {
	_, err := thumbnail.Parse("big.png", make([]byte, thumbnail.MaxBytes+1))
	if !errors.Is(err, thumbnail.ErrTooLarge) {
		t.Errorf("expected ErrTooLarge, got %v", err)
	}
}

type memObjects map[string][]byte

func (m memObjects) Get(ctx context.Context, path string) ([]byte, error) {
	data, ok := m[path]
	if !ok {
		return nil, errors.New("missing")
	}
	return data, nil
}

func (m memObjects) PathFromURL(uri string) (string, bool) {
	return strings.CutPrefix(uri, "/thumbnails/")
}

func TestLoader_FromObjectStore(t *testing.T) {
	objects := memObjects{"thumbnails/t1/0.png": pngBytes(t, 4, 4)}
	loader := thumbnail.NewLoader(objects, nil)

	if err := loader.Load(context.Background(), "/thumbnails/thumbnails/t1/0.png"); err != nil {
		t.Errorf("Load: %v", err)
	}
	if err := loader.Load(context.Background(), "/thumbnails/thumbnails/t2/0.png"); err == nil {
		t.Error("expected error for missing object")
	}
}

func TestLoader_FromHTTP(t *testing.T) {
	good := pngBytes(t, 4, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.png":
			w.Write(good)
		case "/bad.png":
			w.Write([]byte("<html>nope</html>"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	loader := thumbnail.NewLoader(nil, srv.Client())
	ctx := context.Background()

	if err := loader.Load(ctx, srv.URL+"/ok.png"); err != nil {
		t.Errorf("Load ok: %v", err)
	}
	if err := loader.Load(ctx, srv.URL+"/bad.png"); !errors.Is(err, thumbnail.ErrNotImage) {
		t.Errorf("expected ErrNotImage, got %v", err)
	}
	if err := loader.Load(ctx, srv.URL+"/missing.png"); err == nil {
		t.Error("expected error for 404")
	}
	if err := loader.Load(ctx, "ftp://example.com/x.png"); err == nil {
		t.Error("expected error for unsupported scheme")
	}
}

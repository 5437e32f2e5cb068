package testutil

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/blinktest/blinktest/internal/store"
)

// SetupTestStore creates a test database and returns the store.
// Uses t.TempDir() for automatic cleanup on test completion.
func SetupTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	tmpDir := t.TempDir()
	dbPath := tmpDir + "/test.db"

	s, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}

	t.Cleanup(func() {
		s.Close()
	})

	return s
}

// CreateProfile inserts a member profile with a throwaway password hash.
func CreateProfile(t *testing.T, s store.Store, email, name string) *store.Profile {
	t.Helper()

	p := &store.Profile{Email: email, Name: name, Role: store.RoleMember, PasswordHash: []byte("x")}
	if err := s.CreateProfile(context.Background(), p); err != nil {
		t.Fatalf("failed to create profile: %v", err)
	}
	return p
}

// PublishTest creates an active test with a primary variant owned by owner.
func PublishTest(t *testing.T, s store.Store, owner *store.Profile) (*store.Test, *store.Variant) {
	t.Helper()
	ctx := context.Background()

	var userID *string
	name := "Unknown"
	if owner != nil {
		userID = &owner.ID
		name = owner.Name
	}

	test, err := s.CreateTest(ctx, store.NewTest{UserID: userID, CreatorName: name, ChannelTag: "Main"})
	if err != nil {
		t.Fatalf("failed to create test: %v", err)
	}
	variant, err := s.CreateVariant(ctx, store.NewVariant{
		TestID:       test.ID,
		ThumbnailURL: "/thumbnails/thumbnails/" + test.ID + "/0.png",
	})
	if err != nil {
		t.Fatalf("failed to create variant: %v", err)
	}
	return test, variant
}

// PNG returns an encoded w x h image.
func PNG(t *testing.T, w, h int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, x%h, color.RGBA{G: 200, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return buf.Bytes()
}

package cli

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/blinktest/blinktest/internal/objectstore"
	"github.com/blinktest/blinktest/internal/realtime"
	"github.com/blinktest/blinktest/internal/store"
)

// withStore opens the database, executes the function, and handles cleanup.
func withStore(fn func(*store.SQLiteStore) error) error {
	s, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer s.Close()

	return fn(s)
}

// openObjects builds the configured thumbnail store.
func openObjects(ctx context.Context) (objectstore.Store, error) {
	switch cfg.Storage.Backend {
	case "minio":
		m := cfg.MinIO
		return objectstore.NewMinIO(ctx, objectstore.MinIOConfig{
			Endpoint:        m.Endpoint,
			AccessKeyID:     m.AccessKeyID,
			SecretAccessKey: m.SecretAccessKey,
			Bucket:          m.Bucket,
			Region:          m.Region,
			UseSSL:          m.UseSSL,
		}, cfg.Storage.PublicBase)
	default:
		return objectstore.NewLocal(cfg.Storage.Dir, cfg.Storage.PublicBase)
	}
}

// openBroker builds the configured response fan-out.
func openBroker(ctx context.Context) (realtime.Broker, error) {
	if cfg.Realtime.Backend == "redis" {
		return realtime.NewRedis(ctx, realtime.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	return realtime.NewMemory(), nil
}

// sessionSecret returns the configured signing secret, or a random one that
// only lives as long as the process.
func sessionSecret() (string, error) {
	if cfg.JWTSecret != "" {
		return cfg.JWTSecret, nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate session secret: %w", err)
	}
	log.Warn().Msg("jwt_secret is not set; sessions will not survive a restart")
	return hex.EncodeToString(buf), nil
}

func notFound(kind, id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%s '%s' not found", kind, id)
	}
	return fmt.Errorf("failed to get %s: %w", kind, err)
}

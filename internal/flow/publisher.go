package flow

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/blinktest/blinktest/internal/metrics"
	"github.com/blinktest/blinktest/internal/store"
	"github.com/blinktest/blinktest/internal/thumbnail"
)

// Records is the part of the record store publishing writes to.
type Records interface {
	CreateTest(ctx context.Context, t store.NewTest) (*store.Test, error)
	CreateVariant(ctx context.Context, v store.NewVariant) (*store.Variant, error)
	DeleteTest(ctx context.Context, id string) error
}

// Objects is the part of object storage publishing writes to.
type Objects interface {
	Put(ctx context.Context, path string, data []byte, contentType string) error
	Delete(ctx context.Context, path string) error
	PublicURL(path string) string
}

type PublishRequest struct {
	Owner         Identity
	Image         *thumbnail.Image
	ChannelTag    string
	DurationBadge string
}

// Publisher creates a test, uploads its thumbnail and records the variant,
// in that order. When a later step fails the earlier ones are undone so that
// no test is left without a thumbnail.
type Publisher struct {
	records        Records
	objects        Objects
	cleanupOrphans bool
}

func NewPublisher(records Records, objects Objects, cleanupOrphans bool) *Publisher {
	return &Publisher{records: records, objects: objects, cleanupOrphans: cleanupOrphans}
}

// ThumbnailPath is the object key for a test's primary thumbnail.
func ThumbnailPath(testID, ext string) string {
	return fmt.Sprintf("thumbnails/%s/0.%s", testID, ext)
}

func (p *Publisher) Publish(ctx context.Context, req PublishRequest) (*store.Test, *store.Variant, error) {
	if req.Image == nil {
		return nil, nil, ErrNoImage
	}

	test, variant, err := p.publish(ctx, req)
	if err != nil {
		metrics.Publishes.WithLabelValues("failure").Inc()
		return nil, nil, err
	}
	metrics.Publishes.WithLabelValues("success").Inc()
	log.Info().Str("test_id", test.ID).Str("user_id", req.Owner.UserID).Msg("test published")
	return test, variant, nil
}

func (p *Publisher) publish(ctx context.Context, req PublishRequest) (*store.Test, *store.Variant, error) {
	userID := req.Owner.UserID
	test, err := p.records.CreateTest(ctx, store.NewTest{
		UserID:          &userID,
		CreatorName:     req.Owner.Name,
		ChannelTag:      req.ChannelTag,
		TargetResponses: store.DefaultTargetResponses,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create test: %w", err)
	}

	path := ThumbnailPath(test.ID, req.Image.Ext)
	if err := p.objects.Put(ctx, path, req.Image.Data, req.Image.ContentType); err != nil {
		p.cleanup(test.ID, "")
		return nil, nil, fmt.Errorf("failed to upload thumbnail: %w", err)
	}

	variant, err := p.records.CreateVariant(ctx, store.NewVariant{
		TestID:        test.ID,
		ThumbnailURL:  p.objects.PublicURL(path),
		DisplayOrder:  0,
		DurationBadge: req.DurationBadge,
	})
	if err != nil {
		p.cleanup(test.ID, path)
		return nil, nil, fmt.Errorf("failed to create variant: %w", err)
	}

	return test, variant, nil
}

// cleanup removes what a failed publish left behind. It runs on a fresh
// context so a cancelled request still gets cleaned up.
func (p *Publisher) cleanup(testID, path string) {
	if !p.cleanupOrphans {
		log.Warn().Str("test_id", testID).Msg("leaving orphaned test after failed publish")
		return
	}

	ctx := context.Background()
	if path != "" {
		if err := p.objects.Delete(ctx, path); err != nil {
			log.Error().Err(err).Str("path", path).Msg("failed to remove orphaned thumbnail")
		}
	}
	if err := p.records.DeleteTest(ctx, testID); err != nil {
		log.Error().Err(err).Str("test_id", testID).Msg("failed to remove orphaned test")
	}
}

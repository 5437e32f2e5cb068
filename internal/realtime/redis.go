package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/blinktest/blinktest/internal/store"
)

const channelPrefix = "blinktest:responses:"

func channelName(testID string) string {
	return channelPrefix + testID
}

// Redis relays responses over Redis pub/sub so every instance behind a load
// balancer sees them.
type Redis struct {
	client *redis.Client
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Redis{client: client}, nil
}

func (b *Redis) Publish(ctx context.Context, r *store.Response) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	if err := b.client.Publish(ctx, channelName(r.TestID), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish response: %w", err)
	}
	return nil
}

func (b *Redis) Subscribe(ctx context.Context, testID string) (<-chan *store.Response, func(), error) {
	pubsub := b.client.Subscribe(ctx, channelName(testID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	out := make(chan *store.Response, subscriberBuffer)
	done := make(chan struct{})
	go func() {
		defer close(out)
		msgs := pubsub.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var r store.Response
				if err := json.Unmarshal([]byte(msg.Payload), &r); err != nil {
					log.Warn().Err(err).Str("channel", msg.Channel).Msg("discarding malformed response event")
					continue
				}
				select {
				case out <- &r:
				default:
					log.Warn().Str("test_id", testID).Msg("dropping response for slow subscriber")
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			pubsub.Close()
		})
	}
	return out, cancel, nil
}

func (b *Redis) Close() error {
	return b.client.Close()
}

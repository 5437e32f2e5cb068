// Package realtime fans newly submitted responses out to results viewers.
package realtime

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/blinktest/blinktest/internal/store"
)

// subscriberBuffer is how many undelivered responses a slow viewer may lag
// behind before new ones are dropped for it.
const subscriberBuffer = 16

// Broker publishes responses per test and lets viewers subscribe to them.
type Broker interface {
	Publish(ctx context.Context, r *store.Response) error
	Subscribe(ctx context.Context, testID string) (<-chan *store.Response, func(), error)
	Close() error
}

// Memory is an in-process broker for single-instance deployments.
type Memory struct {
	mu     sync.Mutex
	subs   map[string]map[chan *store.Response]struct{}
	closed bool
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[chan *store.Response]struct{})}
}

func (m *Memory) Publish(ctx context.Context, r *store.Response) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for ch := range m.subs[r.TestID] {
		select {
		case ch <- r:
		default:
			log.Warn().Str("test_id", r.TestID).Msg("dropping response for slow subscriber")
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, testID string) (<-chan *store.Response, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan *store.Response, subscriberBuffer)
	if m.closed {
		close(ch)
		return ch, func() {}, nil
	}
	if m.subs[testID] == nil {
		m.subs[testID] = make(map[chan *store.Response]struct{})
	}
	m.subs[testID][ch] = struct{}{}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if _, ok := m.subs[testID][ch]; !ok {
				return
			}
			delete(m.subs[testID], ch)
			if len(m.subs[testID]) == 0 {
				delete(m.subs, testID)
			}
			close(ch)
		})
	}
	return ch, cancel, nil
}

// Subscribers returns the number of open subscriptions for testID.
func (m *Memory) Subscribers(testID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[testID])
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for testID, set := range m.subs {
		for ch := range set {
			close(ch)
		}
		delete(m.subs, testID)
	}
	return nil
}

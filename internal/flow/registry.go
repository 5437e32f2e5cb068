package flow

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/blinktest/blinktest/internal/metrics"
)

const (
	DefaultIdleTimeout   = 30 * time.Minute
	DefaultSweepInterval = time.Minute
)

// Registry holds live flows by ID and closes the ones nobody has touched
// for longer than the idle timeout.
type Registry struct {
	clock       clockwork.Clock
	idleTimeout time.Duration

	mu    sync.RWMutex
	flows map[string]Flow

	stop chan struct{}
	done chan struct{}
}

func NewRegistry(clock clockwork.Clock, idleTimeout time.Duration) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Registry{
		clock:       clock,
		idleTimeout: idleTimeout,
		flows:       make(map[string]Flow),
	}
}

func (r *Registry) Add(f Flow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flows[f.ID()] = f
	metrics.ActiveFlows.Set(float64(len(r.flows)))
}

func (r *Registry) Get(id string) (Flow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.flows[id]
	return f, ok
}

// Remove closes and forgets a flow.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	f, ok := r.flows[id]
	delete(r.flows, id)
	metrics.ActiveFlows.Set(float64(len(r.flows)))
	r.mu.Unlock()

	if ok {
		f.Close()
	}
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.flows)
}

// Sweep closes idle flows and returns how many it removed.
func (r *Registry) Sweep() int {
	cutoff := r.clock.Now().Add(-r.idleTimeout)

	r.mu.Lock()
	var idle []Flow
	for id, f := range r.flows {
		if f.LastActive().Before(cutoff) {
			idle = append(idle, f)
			delete(r.flows, id)
		}
	}
	metrics.ActiveFlows.Set(float64(len(r.flows)))
	r.mu.Unlock()

	for _, f := range idle {
		f.Close()
	}
	if len(idle) > 0 {
		log.Debug().Int("count", len(idle)).Msg("swept idle flows")
	}
	return len(idle)
}

// Start sweeps every interval until Stop is called.
func (r *Registry) Start(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	r.stop = make(chan struct{})
	r.done = make(chan struct{})

	ticker := r.clock.NewTicker(interval)
	go func() {
		defer close(r.done)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.Chan():
				r.Sweep()
			}
		}
	}()
}

// Stop ends the sweeper and closes every flow.
func (r *Registry) Stop() {
	if r.stop != nil {
		close(r.stop)
		<-r.done
		r.stop = nil
	}

	r.mu.Lock()
	flows := r.flows
	r.flows = make(map[string]Flow)
	metrics.ActiveFlows.Set(0)
	r.mu.Unlock()

	for _, f := range flows {
		f.Close()
	}
}

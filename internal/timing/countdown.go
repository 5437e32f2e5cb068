// Package timing holds the two timer primitives the flash-test flows are
// built on: a 3..2..1 countdown and a load-then-hold flash window.
package timing

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	CountdownFrom     = 3
	CountdownInterval = time.Second
)

// Countdown decrements from CountdownFrom once per CountdownInterval and
// signals completion when it reaches zero. Start always restarts from the
// top; a stopped or restarted countdown never delivers stale ticks.
type Countdown struct {
	clock    clockwork.Clock
	interval time.Duration

	mu        sync.Mutex
	remaining int
	timer     clockwork.Timer
	gen       uint64
}

func NewCountdown(clock clockwork.Clock) *Countdown {
	return &Countdown{clock: clock, interval: CountdownInterval}
}

// Start resets the countdown to CountdownFrom and schedules the first tick.
// onTick receives each later value (2, 1); onDone runs once at zero. Neither
// is called synchronously from Start.
func (c *Countdown) Start(onTick func(remaining int), onDone func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopLocked()
	c.gen++
	c.remaining = CountdownFrom
	c.schedule(c.gen, onTick, onDone)
}

// Stop cancels any pending tick.
func (c *Countdown) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
	c.gen++
}

// Remaining returns the value currently on display.
func (c *Countdown) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}

func (c *Countdown) schedule(gen uint64, onTick func(int), onDone func()) {
	c.timer = c.clock.AfterFunc(c.interval, func() {
		c.tick(gen, onTick, onDone)
	})
}

func (c *Countdown) tick(gen uint64, onTick func(int), onDone func()) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}

	c.remaining--
	remaining := c.remaining
	if remaining > 0 {
		c.schedule(gen, onTick, onDone)
	} else {
		c.timer = nil
		c.gen++
	}
	c.mu.Unlock()

	if remaining > 0 {
		if onTick != nil {
			onTick(remaining)
		}
		return
	}
	if onDone != nil {
		onDone()
	}
}

func (c *Countdown) stopLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

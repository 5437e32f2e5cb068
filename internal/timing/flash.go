package timing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	FlashDuration      = time.Second
	DefaultLoadTimeout = 10 * time.Second
)

var ErrLoadTimeout = errors.New("thumbnail did not load in time")

// Loader fetches the image that is about to be flashed. It must return once
// ctx is done.
type Loader func(ctx context.Context) error

// FlashHandlers receive the flash lifecycle. Exactly one of Done or Failed
// runs per Start unless the flash is cancelled first, in which case neither
// runs.
type FlashHandlers struct {
	Shown  func()
	Done   func()
	Failed func(err error)
}

// Flash loads an image, then holds it visible for FlashDuration before
// signalling completion.
type Flash struct {
	clock       clockwork.Clock
	duration    time.Duration
	loadTimeout time.Duration

	mu         sync.Mutex
	gen        uint64
	cancelLoad context.CancelCauseFunc
	loadTimer  clockwork.Timer
	holdTimer  clockwork.Timer
}

func NewFlash(clock clockwork.Clock, loadTimeout time.Duration) *Flash {
	if loadTimeout <= 0 {
		loadTimeout = DefaultLoadTimeout
	}
	return &Flash{clock: clock, duration: FlashDuration, loadTimeout: loadTimeout}
}

// Start cancels any flash in progress and begins loading the next one.
func (f *Flash) Start(load Loader, h FlashHandlers) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cancelLocked()
	f.gen++
	gen := f.gen

	ctx, cancel := context.WithCancelCause(context.Background())
	f.cancelLoad = cancel
	f.loadTimer = f.clock.AfterFunc(f.loadTimeout, func() {
		cancel(ErrLoadTimeout)
	})

	go f.load(ctx, gen, load, h)
}

// Cancel stops a pending load or hold. No handler runs afterwards.
func (f *Flash) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelLocked()
	f.gen++
}

func (f *Flash) load(ctx context.Context, gen uint64, load Loader, h FlashHandlers) {
	err := load(ctx)
	if ctx.Err() != nil {
		if cause := context.Cause(ctx); errors.Is(cause, ErrLoadTimeout) {
			err = ErrLoadTimeout
		} else if err == nil {
			err = cause
		}
	}

	f.mu.Lock()
	if gen != f.gen {
		f.mu.Unlock()
		return
	}
	f.stopLoadLocked()
	if err != nil {
		f.gen++
		f.mu.Unlock()
		if h.Failed != nil {
			h.Failed(err)
		}
		return
	}
	f.mu.Unlock()

	if h.Shown != nil {
		h.Shown()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if gen != f.gen {
		return
	}
	start := f.clock.Now()
	f.holdTimer = f.clock.AfterFunc(f.duration, func() {
		f.finish(gen, start, h)
	})
}

func (f *Flash) finish(gen uint64, start time.Time, h FlashHandlers) {
	f.mu.Lock()
	if gen != f.gen {
		f.mu.Unlock()
		return
	}
	if remaining := f.duration - f.clock.Since(start); remaining > 0 {
		f.holdTimer = f.clock.AfterFunc(remaining, func() {
			f.finish(gen, start, h)
		})
		f.mu.Unlock()
		return
	}
	f.holdTimer = nil
	f.gen++
	f.mu.Unlock()

	if h.Done != nil {
		h.Done()
	}
}

func (f *Flash) stopLoadLocked() {
	if f.loadTimer != nil {
		f.loadTimer.Stop()
		f.loadTimer = nil
	}
	if f.cancelLoad != nil {
		f.cancelLoad(context.Canceled)
		f.cancelLoad = nil
	}
}

func (f *Flash) cancelLocked() {
	f.stopLoadLocked()
	if f.holdTimer != nil {
		f.holdTimer.Stop()
		f.holdTimer = nil
	}
}

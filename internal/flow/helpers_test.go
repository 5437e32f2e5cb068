package flow_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/blinktest/blinktest/internal/flow"
	"github.com/blinktest/blinktest/internal/store"
)

// waitPhase polls until f reaches want.
func waitPhase(t *testing.T, f flow.Flow, want flow.Phase) flow.Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap := f.Snapshot()
		if snap.Phase == want {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for phase %s, stuck in %s (error %q)", want, snap.Phase, snap.Error)
		}
		time.Sleep(time.Millisecond)
	}
}

// runCountdown advances the clock through 3, 2, 1.
func runCountdown(t *testing.T, clock clockwork.FakeClock, f flow.Flow) {
	t.Helper()
	for _, want := range []int{3, 2, 1} {
		waitCountdown(t, f, want)
		clock.BlockUntil(1)
		clock.Advance(time.Second)
	}
}

func waitCountdown(t *testing.T, f flow.Flow, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap := f.Snapshot()
		if snap.Phase == flow.PhaseCountdown && snap.Countdown == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected countdown %d, got phase %s countdown %d", want, snap.Phase, snap.Countdown)
		}
		time.Sleep(time.Millisecond)
	}
}

// driveToRespond takes a started flow through countdown and flash, acting
// as a client that reports the flash shown once the hold is over.
func driveToRespond(t *testing.T, clock clockwork.FakeClock, f flow.Flow) {
	t.Helper()
	runCountdown(t, clock, f)
	waitPhase(t, f, flow.PhaseFlash)
	clock.BlockUntil(1)
	clock.Advance(999 * time.Millisecond)
	if err := f.FlashDone(); !errors.Is(err, flow.ErrFlashShowing) {
		t.Fatalf("flash ended early: %v", err)
	}
	clock.Advance(time.Millisecond)
	reportFlashDone(t, f)
	waitPhase(t, f, flow.PhaseRespond)
}

// reportFlashDone retries FlashDone until the server's hold has elapsed.
func reportFlashDone(t *testing.T, f flow.Flow) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		err := f.FlashDone()
		if err == nil {
			return
		}
		if !errors.Is(err, flow.ErrFlashShowing) {
			t.Fatalf("FlashDone: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the flash hold to elapse")
		}
		time.Sleep(time.Millisecond)
	}
}

// waitLoading polls until the countdown is over and the thumbnail is still
// loading.
func waitLoading(t *testing.T, f flow.Flow) flow.Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap := f.Snapshot()
		if snap.Phase == flow.PhaseCountdown && snap.Loading {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected loading, got phase %s countdown %d", snap.Phase, snap.Countdown)
		}
		time.Sleep(time.Millisecond)
	}
}

type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
	gate    chan struct{}
	deleted []string
}

func newMemObjects() *memObjects {
	return &memObjects{objects: make(map[string][]byte)}
}

func (m *memObjects) Put(ctx context.Context, path string, data []byte, contentType string) error {
	if m.gate != nil {
		<-m.gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	m.objects[path] = data
	return nil
}

func (m *memObjects) Delete(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, path)
	m.deleted = append(m.deleted, path)
	return nil
}

func (m *memObjects) PublicURL(path string) string {
	return "/thumbnails/" + path
}

func (m *memObjects) has(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[path]
	return ok
}

// failingVariants wraps a store and fails CreateVariant.
type failingVariants struct {
	store.Store
}

func (f failingVariants) CreateVariant(ctx context.Context, v store.NewVariant) (*store.Variant, error) {
	return nil, errors.New("variant insert failed")
}

type stubImages struct {
	err   error
	block bool
}

func (s stubImages) Load(ctx context.Context, uri string) error {
	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return s.err
}

// gatedImages holds every load until gate is closed.
type gatedImages struct {
	gate chan struct{}
}

func (g gatedImages) Load(ctx context.Context, uri string) error {
	select {
	case <-g.gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type recordingNotifier struct {
	mu        sync.Mutex
	responses []*store.Response
}

func (n *recordingNotifier) Publish(ctx context.Context, r *store.Response) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.responses = append(n.responses, r)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.responses)
}

type failingResponses struct{}

func (failingResponses) CreateResponse(ctx context.Context, r store.NewResponse) (*store.Response, error) {
	return nil, errors.New("database is locked")
}

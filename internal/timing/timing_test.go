package timing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/blinktest/blinktest/internal/timing"
)

const wait = 2 * time.Second

func recvInt(t *testing.T, ch <-chan int) int {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(wait):
		t.Fatal("timed out waiting for tick")
		return 0
	}
}

func recvSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(wait):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func expectNothing(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
		t.Fatalf("unexpected %s", what)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCountdown_TicksThenDone(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cd := timing.NewCountdown(clock)

	ticks := make(chan int, 4)
	done := make(chan struct{}, 1)
	cd.Start(func(n int) { ticks <- n }, func() { done <- struct{}{} })

	if got := cd.Remaining(); got != 3 {
		t.Fatalf("expected countdown to start at 3, got %d", got)
	}

	clock.BlockUntil(1)
	clock.Advance(time.Second)
	if got := recvInt(t, ticks); got != 2 {
		t.Errorf("expected 2, got %d", got)
	}

	clock.BlockUntil(1)
	clock.Advance(time.Second)
	if got := recvInt(t, ticks); got != 1 {
		t.Errorf("expected 1, got %d", got)
	}

	clock.BlockUntil(1)
	clock.Advance(time.Second)
	recvSignal(t, done, "done")

	if got := cd.Remaining(); got != 0 {
		t.Errorf("expected 0 after done, got %d", got)
	}
	if len(ticks) != 0 {
		t.Errorf("unexpected extra ticks: %d", len(ticks))
	}
}

func TestCountdown_NotDoneEarly(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cd := timing.NewCountdown(clock)

	ticks := make(chan int, 4)
	done := make(chan struct{}, 1)
	cd.Start(func(n int) { ticks <- n }, func() { done <- struct{}{} })

	clock.BlockUntil(1)
	clock.Advance(999 * time.Millisecond)
	expectNothing(t, done, "done before first second")
	if cd.Remaining() != 3 {
		t.Errorf("expected 3 before a full second, got %d", cd.Remaining())
	}
}

func TestCountdown_RestartResetsToThree(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cd := timing.NewCountdown(clock)

	ticks := make(chan int, 8)
	done := make(chan struct{}, 2)
	onTick := func(n int) { ticks <- n }
	onDone := func() { done <- struct{}{} }

	cd.Start(onTick, onDone)
	clock.BlockUntil(1)
	clock.Advance(time.Second)
	recvInt(t, ticks)

	cd.Start(onTick, onDone)
	if got := cd.Remaining(); got != 3 {
		t.Fatalf("expected restart at 3, got %d", got)
	}

	for _, want := range []int{2, 1} {
		clock.BlockUntil(1)
		clock.Advance(time.Second)
		if got := recvInt(t, ticks); got != want {
			t.Errorf("expected %d, got %d", want, got)
		}
	}
	clock.BlockUntil(1)
	clock.Advance(time.Second)
	recvSignal(t, done, "done")
	expectNothing(t, done, "second done")
}

func TestCountdown_StopCancelsPendingTick(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cd := timing.NewCountdown(clock)

	done := make(chan struct{}, 1)
	cd.Start(nil, func() { done <- struct{}{} })
	clock.BlockUntil(1)
	cd.Stop()
	clock.BlockUntil(0)

	clock.Advance(5 * time.Second)
	expectNothing(t, done, "done after stop")
}

func TestFlash_HoldsForOneSecond(t *testing.T) {
	clock := clockwork.NewFakeClock()
	f := timing.NewFlash(clock, time.Minute)

	shown := make(chan struct{}, 1)
	done := make(chan struct{}, 1)
	f.Start(func(ctx context.Context) error { return nil }, timing.FlashHandlers{
		Shown: func() { shown <- struct{}{} },
		Done:  func() { done <- struct{}{} },
		Failed: func(err error) {
			t.Errorf("unexpected failure: %v", err)
		},
	})

	recvSignal(t, shown, "shown")
	clock.BlockUntil(1)

	clock.Advance(999 * time.Millisecond)
	expectNothing(t, done, "done before one second")

	clock.Advance(time.Millisecond)
	recvSignal(t, done, "done")
	expectNothing(t, done, "second done")
}

func TestFlash_LoadFailure(t *testing.T) {
	clock := clockwork.NewFakeClock()
	f := timing.NewFlash(clock, time.Minute)

	loadErr := errors.New("decode failed")
	failed := make(chan error, 1)
	f.Start(func(ctx context.Context) error { return loadErr }, timing.FlashHandlers{
		Shown:  func() { t.Error("shown after failed load") },
		Done:   func() { t.Error("done after failed load") },
		Failed: func(err error) { failed <- err },
	})

	select {
	case err := <-failed:
		if !errors.Is(err, loadErr) {
			t.Errorf("expected load error, got %v", err)
		}
	case <-time.After(wait):
		t.Fatal("timed out waiting for failure")
	}
}

func TestFlash_LoadTimeout(t *testing.T) {
	clock := clockwork.NewFakeClock()
	f := timing.NewFlash(clock, 10*time.Second)

	failed := make(chan error, 1)
	f.Start(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, timing.FlashHandlers{
		Shown:  func() { t.Error("shown after timeout") },
		Failed: func(err error) { failed <- err },
	})

	clock.BlockUntil(1)
	clock.Advance(10 * time.Second)

	select {
	case err := <-failed:
		if !errors.Is(err, timing.ErrLoadTimeout) {
			t.Errorf("expected ErrLoadTimeout, got %v", err)
		}
	case <-time.After(wait):
		t.Fatal("timed out waiting for load timeout")
	}
}

func TestFlash_CancelSuppressesHandlers(t *testing.T) {
	clock := clockwork.NewFakeClock()
	f := timing.NewFlash(clock, time.Minute)

	shown := make(chan struct{}, 1)
	done := make(chan struct{}, 1)
	f.Start(func(ctx context.Context) error { return nil }, timing.FlashHandlers{
		Shown: func() { shown <- struct{}{} },
		Done:  func() { done <- struct{}{} },
	})

	recvSignal(t, shown, "shown")
	clock.BlockUntil(1)
	f.Cancel()
	clock.BlockUntil(0)

	clock.Advance(2 * time.Second)
	expectNothing(t, done, "done after cancel")
}

func TestFlash_CancelDuringLoad(t *testing.T) {
	clock := clockwork.NewFakeClock()
	f := timing.NewFlash(clock, time.Minute)

	release := make(chan struct{})
	returned := make(chan struct{})
	called := make(chan struct{}, 3)
	f.Start(func(ctx context.Context) error {
		defer close(returned)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}, timing.FlashHandlers{
		Shown:  func() { called <- struct{}{} },
		Done:   func() { called <- struct{}{} },
		Failed: func(error) { called <- struct{}{} },
	})

	f.Cancel()
	close(release)
	recvSignal(t, returned, "loader return")
	expectNothing(t, called, "handler after cancel")
}

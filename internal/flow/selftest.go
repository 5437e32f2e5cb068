package flow

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/blinktest/blinktest/internal/capture"
	"github.com/blinktest/blinktest/internal/metrics"
	"github.com/blinktest/blinktest/internal/store"
	"github.com/blinktest/blinktest/internal/thumbnail"
	"github.com/blinktest/blinktest/internal/timing"
)

const (
	selfLoadFailedMsg = "Could not display the thumbnail. Try another image."
	publishFailedMsg  = "Publishing failed. Please try again."
)

// SelfTest is the creator's flow: upload a thumbnail, flash it to yourself,
// describe what you saw, then publish it for others or discard it.
type SelfTest struct {
	machine
	owner     Identity
	publisher *Publisher

	image     *thumbnail.Image
	channel   string
	badge     string
	answer    capture.Answer
	published *store.Test
}

func NewSelfTest(cfg Config, owner Identity, publisher *Publisher) *SelfTest {
	return &SelfTest{
		machine:   newMachine(KindSelf, cfg, PhaseLanding),
		owner:     owner,
		publisher: publisher,
		channel:   store.DefaultChannel,
		badge:     store.DefaultDurationBadge,
	}
}

func (s *SelfTest) OwnerID() string { return s.owner.UserID }

// Upload replaces the thumbnail. Only allowed before the first flash.
func (s *SelfTest) Upload(filename string, data []byte) error {
	img, err := thumbnail.Parse(filename, data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked()
	if s.phase != PhaseLanding {
		return ErrInvalidTransition
	}
	s.image = img
	s.errMsg = ""
	return nil
}

// SetDetails updates the channel tag and duration badge shown with the
// thumbnail. Empty values leave the current setting unchanged.
func (s *SelfTest) SetDetails(channel, badge string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked()
	if s.phase != PhaseLanding && s.phase != PhaseDecide {
		return ErrInvalidTransition
	}
	if channel != "" {
		if !store.ValidChannel(channel) {
			return ErrInvalidChannel
		}
		s.channel = channel
	}
	if badge != "" {
		s.badge = badge
	}
	return nil
}

// Image returns the uploaded thumbnail, or nil.
func (s *SelfTest) Image() *thumbnail.Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.image
}

// Start runs the countdown and flash. From decide it flashes the same
// thumbnail again.
func (s *SelfTest) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked()

	if s.phase != PhaseLanding && s.phase != PhaseDecide {
		return ErrInvalidTransition
	}
	return s.startLocked()
}

// FlashAgain replays the countdown and flash from the decide phase.
func (s *SelfTest) FlashAgain() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked()

	if s.phase != PhaseDecide {
		return ErrInvalidTransition
	}
	return s.startLocked()
}

func (s *SelfTest) startLocked() error {
	if s.image == nil {
		return ErrNoImage
	}

	s.runLocked(
		decodeLoader(s.image.Data),
		func(err error) {
			metrics.FlashLoadFailures.WithLabelValues(string(KindSelf)).Inc()
			log.Warn().Err(err).Str("flow_id", s.id).Msg("self-test thumbnail failed to load")
			s.phase = PhaseLanding
			s.errMsg = selfLoadFailedMsg
		},
	)
	return nil
}

// decodeLoader checks that the uploaded bytes render. Decoding is not
// interruptible, so ctx is checked on both sides of it.
func decodeLoader(data []byte) timing.Loader {
	return func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := thumbnail.Decode(data); err != nil {
			return err
		}
		return ctx.Err()
	}
}

func (s *SelfTest) form() capture.Form {
	return capture.Form{
		Heading: SelfHeading,
		OnSubmit: func(ctx context.Context, a capture.Answer) error {
			s.answer = a
			s.phase = PhaseDecide
			return nil
		},
	}
}

// Answer records what the creator saw and moves to the decide phase.
func (s *SelfTest) Answer(ctx context.Context, a capture.Answer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked()

	if s.phase != PhaseRespond {
		return ErrInvalidTransition
	}
	return s.form().Submit(ctx, a)
}

// Publish makes the thumbnail available to other testers. On failure the
// flow returns to decide with an error message and nothing is left behind.
func (s *SelfTest) Publish(ctx context.Context) (*store.Test, error) {
	s.mu.Lock()
	s.touchLocked()
	switch s.phase {
	case PhasePublishing:
		s.mu.Unlock()
		return nil, ErrPublishInFlight
	case PhaseDecide:
	default:
		s.mu.Unlock()
		return nil, ErrInvalidTransition
	}
	s.phase = PhasePublishing
	s.errMsg = ""
	req := PublishRequest{
		Owner:         s.owner,
		Image:         s.image,
		ChannelTag:    s.channel,
		DurationBadge: s.badge,
	}
	s.mu.Unlock()

	test, _, err := s.publisher.Publish(ctx, req)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked()
	if err != nil {
		log.Error().Err(err).Str("flow_id", s.id).Msg("publish failed")
		s.phase = PhaseDecide
		s.errMsg = publishFailedMsg
		return nil, err
	}
	s.phase = PhasePublished
	s.published = test
	return test, nil
}

// Discard throws away the thumbnail and answer and returns to landing.
func (s *SelfTest) Discard() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked()
	if s.phase != PhaseDecide {
		return ErrInvalidTransition
	}
	s.resetLocked()
	return nil
}

// Reset starts over after a successful publish.
func (s *SelfTest) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked()
	if s.phase != PhasePublished {
		return ErrInvalidTransition
	}
	s.resetLocked()
	return nil
}

func (s *SelfTest) resetLocked() {
	s.stopLocked()
	s.phase = PhaseLanding
	s.image = nil
	s.answer = capture.Answer{}
	s.channel = store.DefaultChannel
	s.badge = store.DefaultDurationBadge
	s.errMsg = ""
	s.published = nil
}

func (s *SelfTest) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked()

	snap := s.baseSnapshotLocked()
	snap.HasImage = s.image != nil
	snap.ChannelTag = s.channel
	snap.DurationBadge = s.badge
	snap.CreatorName = s.owner.Name
	snap.Busy = s.phase == PhasePublishing

	switch s.phase {
	case PhaseRespond:
		snap.Heading = SelfHeading
	case PhaseDecide, PhasePublishing:
		snap.AnswerHTML = s.answer.HTML
		snap.Rating = s.answer.Rating
	case PhasePublished:
		if s.published != nil {
			snap.TestID = s.published.ID
		}
	}
	return snap
}

// IsFlowError reports whether err is a client-correctable flow error.
func IsFlowError(err error) bool {
	for _, target := range []error{
		ErrNoImage, ErrPublishInFlight, ErrSubmitInFlight, ErrInvalidTransition,
		ErrUnauthenticated, ErrOwnTest, ErrAlreadyResponded, ErrInvalidChannel,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

package flow

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/blinktest/blinktest/internal/capture"
	"github.com/blinktest/blinktest/internal/metrics"
	"github.com/blinktest/blinktest/internal/store"
)

const (
	testNotFoundMsg     = "Test not found."
	testClosedMsg       = "This test is no longer accepting responses."
	noThumbnailMsg      = "This test has no thumbnail."
	loadFailedMsg       = "Could not load this test. Please try again."
	participantLoadMsg  = "The thumbnail failed to load. Press start to try again."
	submitFailedMsg     = "Could not submit your response. Please try again."
	alreadyRespondedMsg = "You have already responded to this test."
	ownTestMsg          = "This is your own test. Share the link with someone else."
)

// TestSource reads the test a participant is answering.
type TestSource interface {
	GetTest(ctx context.Context, id string) (*store.Test, error)
	PrimaryVariant(ctx context.Context, testID string) (*store.Variant, error)
	RespondedTestIDs(ctx context.Context, userID string) ([]string, error)
}

// ResponseSink persists a submitted response.
type ResponseSink interface {
	CreateResponse(ctx context.Context, r store.NewResponse) (*store.Response, error)
}

// Notifier announces a stored response to live results viewers.
type Notifier interface {
	Publish(ctx context.Context, r *store.Response) error
}

// ImageLoader fetches and decodes a stored thumbnail.
type ImageLoader interface {
	Load(ctx context.Context, uri string) error
}

type ParticipantDeps struct {
	Tests     TestSource
	Responses ResponseSink
	Notifier  Notifier
	Images    ImageLoader
}

// Participant is the tester's flow for someone else's published test.
type Participant struct {
	machine
	testID string
	tester  *Identity
	visitor string
	deps    ParticipantDeps

	test       *store.Test
	variant    *store.Variant
	blocked    error
	notFound   bool
	draft      capture.Answer
	submitting bool
}

// NewParticipant creates a flow in the loading phase. tester is nil for an
// anonymous visitor, who may look but not start.
func NewParticipant(cfg Config, testID string, tester *Identity, deps ParticipantDeps) *Participant {
	return &Participant{
		machine: newMachine(KindParticipant, cfg, PhaseLoading),
		testID:  testID,
		tester:  tester,
		deps:    deps,
	}
}

// BindVisitor ties an anonymous flow to the visitor token of the browser
// that opened it. Call it before the flow is shared.
func (p *Participant) BindVisitor(token string) { p.visitor = token }

func (p *Participant) OwnerID() string {
	if p.tester == nil {
		return VisitorOwner(p.visitor)
	}
	return p.tester.UserID
}

// VisitorOwner is the owner ID of a flow opened by an anonymous visitor.
func VisitorOwner(token string) string { return "visitor:" + token }

// TestID returns the test this flow answers.
func (p *Participant) TestID() string { return p.testID }

// Load fetches the test and its thumbnail record. The flow ends in ready,
// or in done with an explanation when the test cannot be taken.
func (p *Participant) Load(ctx context.Context) error {
	test, variant, responded, err := p.fetch(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.touchLocked()
	if p.phase != PhaseLoading {
		return ErrInvalidTransition
	}

	switch {
	case errors.Is(err, store.ErrNotFound):
		p.phase = PhaseDone
		p.notFound = true
		p.errMsg = testNotFoundMsg
		return nil
	case errors.Is(err, errNoVariant):
		p.test = test
		p.phase = PhaseDone
		p.errMsg = noThumbnailMsg
		return nil
	case err != nil:
		p.phase = PhaseDone
		p.errMsg = loadFailedMsg
		return err
	}

	p.test = test
	p.variant = variant
	if test.Status != store.StatusActive {
		p.phase = PhaseDone
		p.errMsg = testClosedMsg
		return nil
	}

	if p.tester != nil {
		switch {
		case test.OwnedBy(p.tester.UserID):
			p.blocked = ErrOwnTest
			p.errMsg = ownTestMsg
		case responded:
			p.blocked = ErrAlreadyResponded
			p.errMsg = alreadyRespondedMsg
		}
	}
	p.phase = PhaseReady
	return nil
}

var errNoVariant = errors.New("test has no variant")

func (p *Participant) fetch(ctx context.Context) (*store.Test, *store.Variant, bool, error) {
	test, err := p.deps.Tests.GetTest(ctx, p.testID)
	if err != nil {
		return nil, nil, false, err
	}
	variant, err := p.deps.Tests.PrimaryVariant(ctx, p.testID)
	if errors.Is(err, store.ErrNotFound) {
		return test, nil, false, errNoVariant
	}
	if err != nil {
		return nil, nil, false, fmt.Errorf("failed to load variant: %w", err)
	}

	if p.tester == nil {
		return test, variant, false, nil
	}
	ids, err := p.deps.Tests.RespondedTestIDs(ctx, p.tester.UserID)
	if err != nil {
		return nil, nil, false, fmt.Errorf("failed to load responses: %w", err)
	}
	for _, id := range ids {
		if id == p.testID {
			return test, variant, true, nil
		}
	}
	return test, variant, false, nil
}

// Start runs the countdown and flash for the test's thumbnail.
func (p *Participant) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.touchLocked()

	if p.phase != PhaseReady {
		return ErrInvalidTransition
	}
	if p.tester == nil {
		return ErrUnauthenticated
	}
	if p.blocked != nil {
		return p.blocked
	}

	uri := p.variant.ThumbnailURL
	p.runLocked(
		func(ctx context.Context) error {
			return p.deps.Images.Load(ctx, uri)
		},
		func(err error) {
			metrics.FlashLoadFailures.WithLabelValues(string(KindParticipant)).Inc()
			log.Warn().Err(err).Str("test_id", p.testID).Msg("participant thumbnail failed to load")
			p.phase = PhaseReady
			p.errMsg = participantLoadMsg
		},
	)
	return nil
}

func (p *Participant) form() capture.Form {
	return capture.Form{
		Heading: ParticipantHeading,
		OnSubmit: func(ctx context.Context, a capture.Answer) error {
			userID := p.tester.UserID
			resp, err := p.deps.Responses.CreateResponse(ctx, store.NewResponse{
				TestID:        p.testID,
				VariantID:     p.variant.ID,
				UserID:        &userID,
				TesterName:    p.tester.Name,
				AnswerHTML:    a.HTML,
				ClarityRating: a.Rating,
			})
			if err != nil {
				metrics.Responses.WithLabelValues("failure").Inc()
				return err
			}
			metrics.Responses.WithLabelValues("success").Inc()

			if p.deps.Notifier != nil {
				if err := p.deps.Notifier.Publish(ctx, resp); err != nil {
					log.Warn().Err(err).Str("test_id", p.testID).Msg("failed to broadcast response")
				}
			}
			return nil
		},
	}
}

// Answer submits the tester's response. Validation errors and storage
// failures leave the flow in respond with the draft intact.
func (p *Participant) Answer(ctx context.Context, a capture.Answer) error {
	p.mu.Lock()
	p.touchLocked()
	if p.phase != PhaseRespond {
		p.mu.Unlock()
		return ErrInvalidTransition
	}
	if p.submitting {
		p.mu.Unlock()
		return ErrSubmitInFlight
	}
	p.draft = a
	if err := a.Validate(); err != nil {
		p.mu.Unlock()
		return err
	}
	p.submitting = true
	p.errMsg = ""
	form := p.form()
	p.mu.Unlock()

	err := form.Submit(ctx, a)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.touchLocked()
	p.submitting = false

	switch {
	case err == nil:
		p.phase = PhaseDone
		return nil
	case errors.Is(err, store.ErrDuplicateResponse):
		p.phase = PhaseDone
		p.errMsg = alreadyRespondedMsg
		return ErrAlreadyResponded
	case capture.IsValidation(err):
		return err
	default:
		log.Error().Err(err).Str("test_id", p.testID).Msg("failed to store response")
		p.errMsg = submitFailedMsg
		return err
	}
}

func (p *Participant) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.touchLocked()

	snap := p.baseSnapshotLocked()
	snap.TestID = p.testID
	snap.NotFound = p.notFound
	snap.Busy = p.submitting
	if p.test != nil {
		snap.CreatorName = p.test.CreatorName
		snap.ChannelTag = p.test.ChannelTag
	}
	if p.variant != nil {
		snap.HasImage = true
		snap.DurationBadge = p.variant.DurationBadge
		if p.phase == PhaseCountdown || p.phase == PhaseFlash {
			snap.ImageURL = p.variant.ThumbnailURL
		}
	}
	if p.phase == PhaseRespond {
		snap.Heading = ParticipantHeading
		snap.AnswerHTML = p.draft.HTML
		snap.Rating = p.draft.Rating
		snap.CanSubmit = p.draft.CanSubmit() && !p.submitting
	}
	return snap
}

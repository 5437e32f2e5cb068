// Package flow runs the server-side phase machines behind a flash test: the
// creator's self-test and the participant's response session. Clients poll
// Snapshot and send actions; timers advance the phases on the server. The
// flash only ends when the client reports it has shown the thumbnail for the
// full duration and the server's own hold has elapsed.
package flow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/blinktest/blinktest/internal/capture"
	"github.com/blinktest/blinktest/internal/timing"
)

type Phase string

const (
	PhaseLanding    Phase = "landing"
	PhaseLoading    Phase = "loading"
	PhaseReady      Phase = "ready"
	PhaseCountdown  Phase = "countdown"
	PhaseFlash      Phase = "flash"
	PhaseRespond    Phase = "respond"
	PhaseDecide     Phase = "decide"
	PhasePublishing Phase = "publishing"
	PhasePublished  Phase = "published"
	PhaseDone       Phase = "done"
)

type Kind string

const (
	KindSelf        Kind = "self"
	KindParticipant Kind = "participant"
)

const (
	SelfHeading        = "What did you see? Does it communicate your intent?"
	ParticipantHeading = "What was the Thumbnail about?"
)

var (
	ErrNoImage           = errors.New("upload a thumbnail first")
	ErrPublishInFlight   = errors.New("publish already in progress")
	ErrSubmitInFlight    = errors.New("submission already in progress")
	ErrInvalidTransition = errors.New("action not allowed right now")
	ErrFlashShowing      = errors.New("thumbnail is still being shown")
	ErrUnauthenticated   = errors.New("sign in to take this test")
	ErrOwnTest           = errors.New("you cannot respond to your own test")
	ErrAlreadyResponded  = errors.New("you have already responded to this test")
	ErrInvalidChannel    = errors.New("unknown channel tag")
)

// Identity is the signed-in user driving a flow.
type Identity struct {
	UserID string
	Name   string
}

// Snapshot is the client-visible state of a flow.
type Snapshot struct {
	ID            string `json:"id"`
	Kind          Kind   `json:"kind"`
	Phase         Phase  `json:"phase"`
	Countdown     int    `json:"countdown,omitempty"`
	Loading       bool   `json:"loading,omitempty"`
	Heading       string `json:"heading,omitempty"`
	ImageURL      string `json:"image_url,omitempty"`
	HasImage      bool   `json:"has_image"`
	ChannelTag    string `json:"channel_tag,omitempty"`
	DurationBadge string `json:"duration_badge,omitempty"`
	AnswerHTML    string `json:"answer_html,omitempty"`
	Rating        int    `json:"rating,omitempty"`
	CanSubmit     bool   `json:"can_submit"`
	Busy          bool   `json:"busy"`
	Error         string `json:"error,omitempty"`
	NotFound      bool   `json:"not_found,omitempty"`
	TestID        string `json:"test_id,omitempty"`
	CreatorName   string `json:"creator_name,omitempty"`
}

// Flow is the surface the HTTP layer and the registry need from either
// machine.
type Flow interface {
	ID() string
	OwnerID() string
	Kind() Kind
	Snapshot() Snapshot
	Start() error
	FlashDone() error
	Answer(ctx context.Context, a capture.Answer) error
	LastActive() time.Time
	Close()
}

// Config carries what both machines need from the process.
type Config struct {
	Clock       clockwork.Clock
	LoadTimeout time.Duration
}

func (c Config) clock() clockwork.Clock {
	if c.Clock == nil {
		return clockwork.NewRealClock()
	}
	return c.Clock
}

// machine holds the state and timer plumbing shared by both flows. All
// fields are guarded by mu. epoch changes whenever a run is started or
// abandoned so that late timer callbacks from an older run are ignored.
type machine struct {
	id        string
	kind      Kind
	clock     clockwork.Clock
	countdown *timing.Countdown
	flash     *timing.Flash

	mu         sync.Mutex
	phase      Phase
	remaining  int
	held       bool
	errMsg     string
	epoch      uint64
	lastActive time.Time
	closed     bool
}

func newMachine(kind Kind, cfg Config, initial Phase) machine {
	clock := cfg.clock()
	return machine{
		id:         uuid.NewString(),
		kind:       kind,
		clock:      clock,
		countdown:  timing.NewCountdown(clock),
		flash:      timing.NewFlash(clock, cfg.LoadTimeout),
		phase:      initial,
		lastActive: clock.Now(),
	}
}

func (m *machine) ID() string { return m.id }

func (m *machine) Kind() Kind { return m.kind }

func (m *machine) LastActive() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastActive
}

func (m *machine) touchLocked() {
	m.lastActive = m.clock.Now()
}

// runLocked starts the countdown and then the flash. onFail runs with
// mu held when the thumbnail cannot be loaded.
func (m *machine) runLocked(load timing.Loader, onFail func(err error)) {
	m.epoch++
	epoch := m.epoch
	m.phase = PhaseCountdown
	m.remaining = timing.CountdownFrom
	m.held = false
	m.errMsg = ""

	m.countdown.Start(
		func(n int) {
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.epoch == epoch {
				m.remaining = n
			}
		},
		func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.epoch != epoch {
				return
			}
			m.remaining = 0
			m.flash.Start(load, timing.FlashHandlers{
				Shown: func() {
					m.mu.Lock()
					defer m.mu.Unlock()
					if m.epoch == epoch {
						m.phase = PhaseFlash
					}
				},
				Done: func() {
					m.mu.Lock()
					defer m.mu.Unlock()
					if m.epoch == epoch && m.phase == PhaseFlash {
						m.held = true
					}
				},
				Failed: func(err error) {
					m.mu.Lock()
					defer m.mu.Unlock()
					if m.epoch != epoch {
						return
					}
					m.epoch++
					onFail(err)
				},
			})
		},
	)
}

// FlashDone moves from flash to respond. The client calls it after keeping
// the decoded thumbnail on screen for timing.FlashDuration; it is refused
// with ErrFlashShowing until the server's hold has elapsed as well.
func (m *machine) FlashDone() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touchLocked()

	if m.phase != PhaseFlash {
		return ErrInvalidTransition
	}
	if !m.held {
		return ErrFlashShowing
	}
	m.phase = PhaseRespond
	return nil
}

// stopLocked abandons any countdown or flash in progress.
func (m *machine) stopLocked() {
	m.epoch++
	m.countdown.Stop()
	m.flash.Cancel()
}

func (m *machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
	m.closed = true
}

func (m *machine) baseSnapshotLocked() Snapshot {
	s := Snapshot{
		ID:    m.id,
		Kind:  m.kind,
		Phase: m.phase,
		Error: m.errMsg,
	}
	if m.phase == PhaseCountdown {
		// After 1 the thumbnail may still be loading; show no number then.
		if m.remaining > 0 {
			s.Countdown = m.remaining
		} else {
			s.Loading = true
		}
	}
	return s
}

package stage

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/classroom/go/internal/models"
	"github.com/mcdev12/classroom/go/internal/session"
	"github.com/mcdev12/classroom/go/internal/store"
	"github.com/rs/zerolog/log"
)

// EndGraceDelay is how long the end-of-session message stays up before the
// participant is sent away.
const EndGraceDelay = 2 * time.Second

// Mounter attaches the round engine for an activity stage. The returned
// subscription is cancelled when the participant leaves the stage.
type Mounter interface {
	Mount(ctx context.Context, stage models.Stage) (store.Subscription, error)
}

// MounterFunc adapts a function to Mounter.
type MounterFunc func(ctx context.Context, stage models.Stage) (store.Subscription, error)

func (f MounterFunc) Mount(ctx context.Context, stage models.Stage) (store.Subscription, error) {
	return f(ctx, stage)
}

// ModeHandler receives every mode change.
type ModeHandler func(mode Mode, stage models.Stage)

// FollowerConfig wires a Follower to its participant.
type FollowerConfig struct {
	Stages  []models.Stage
	Inputs  ModeInputs
	Mounter Mounter
	OnMode  ModeHandler
	// OnRedirect runs once, EndGraceDelay after the session ends.
	OnRedirect func()
	Clock      clockwork.Clock
}

// Follower tracks the current stage for one participant.
type Follower struct {
	ch  *session.Channel
	cfg FollowerConfig

	mu           sync.Mutex
	sub          store.Subscription
	mounted      store.Subscription
	mountedStage string
	redirect     clockwork.Timer
	stage        models.Stage
	mode         Mode
	closed       bool
}

func NewFollower(ch *session.Channel, cfg FollowerConfig) *Follower {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Follower{
		ch:    ch,
		cfg:   cfg,
		stage: Resolve(models.StageNotStarted, cfg.Stages),
		mode:  ModeWaitingRoom,
	}
}

// Follow subscribes to the session stage.
func (f *Follower) Follow(ctx context.Context) error {
	sub, err := f.ch.SubscribeStage(ctx, func(stageID string) {
		f.Apply(ctx, stageID)
	})
	if err != nil {
		return err
	}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		sub.Unsubscribe()
		return nil
	}
	f.sub = sub
	f.mu.Unlock()
	return nil
}

// Mode returns the current presentation mode and stage.
func (f *Follower) Mode() (Mode, models.Stage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mode, f.stage
}

// Apply handles one delivered stage id. Repeated deliveries of the same stage
// change nothing.
func (f *Follower) Apply(ctx context.Context, stageID string) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}

	stage := Resolve(stageID, f.cfg.Stages)
	mode := ModeFor(stage, f.cfg.Inputs)
	if stage.ID == f.stage.ID && mode == f.mode && (mode != ModePlayActivity || f.mounted != nil) {
		f.mu.Unlock()
		return
	}

	if f.mounted != nil && (mode != ModePlayActivity || f.mountedStage != stage.ID) {
		f.mounted.Unsubscribe()
		f.mounted = nil
		f.mountedStage = ""
	}

	if mode == ModePlayActivity && f.mounted == nil && f.cfg.Mounter != nil {
		sub, err := f.cfg.Mounter.Mount(ctx, stage)
		if err != nil {
			log.Error().Err(err).Str("stage_id", stage.ID).Msg("failed to mount activity, showing waiting room")
			mode = ModeWaitingRoom
		} else {
			f.mounted = sub
			f.mountedStage = stage.ID
		}
	}

	if mode == ModeSessionEnded {
		if f.redirect == nil && f.cfg.OnRedirect != nil {
			f.redirect = f.cfg.Clock.AfterFunc(EndGraceDelay, f.cfg.OnRedirect)
		}
	} else if f.redirect != nil {
		f.redirect.Stop()
		f.redirect = nil
	}

	f.stage = stage
	f.mode = mode
	handler := f.cfg.OnMode
	f.mu.Unlock()

	log.Debug().Str("session_code", f.ch.Code()).Str("stage_id", stage.ID).Str("mode", string(mode)).Msg("stage followed")
	if handler != nil {
		handler(mode, stage)
	}
}

// Close cancels every subscription and the pending redirect.
func (f *Follower) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	if f.sub != nil {
		f.sub.Unsubscribe()
		f.sub = nil
	}
	if f.mounted != nil {
		f.mounted.Unsubscribe()
		f.mounted = nil
	}
	if f.redirect != nil {
		f.redirect.Stop()
		f.redirect = nil
	}
}

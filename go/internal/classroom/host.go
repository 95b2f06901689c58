package classroom

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/classroom/go/internal/lesson"
	"github.com/mcdev12/classroom/go/internal/models"
	"github.com/mcdev12/classroom/go/internal/round"
	"github.com/mcdev12/classroom/go/internal/scoring"
	"github.com/mcdev12/classroom/go/internal/session"
	"github.com/mcdev12/classroom/go/internal/stage"
	"github.com/mcdev12/classroom/go/internal/store"
	"github.com/mcdev12/classroom/go/internal/timer"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownActivity = errors.New("unknown activity")
	ErrDisplayOpen     = errors.New("a display is already open for this session")
	ErrSessionNotFound = session.ErrSessionNotFound
)

// QuizRound is the round engine instantiated for lesson quizzes.
type QuizRound = round.Host[lesson.QuizQuestion, string]

// Registry persists session codes and lifetimes. Optional.
type Registry interface {
	CreateSession(ctx context.Context, meta models.SessionMeta) error
	EndSession(ctx context.Context, code string, at time.Time) error
	CodeExists(ctx context.Context, code string) (bool, error)
	GetSession(ctx context.Context, code string) (*models.SessionMeta, error)
}

// HostConfig wires a host session.
type HostConfig struct {
	Store    store.Store
	Lesson   *lesson.Lesson
	Clock    clockwork.Clock
	Registry Registry
}

// HostSession is everything the host drives for one live session: the stage
// controller, one round per activity and one timer per stage.
type HostSession struct {
	ch         *session.Channel
	lesson     *lesson.Lesson
	clock      clockwork.Clock
	registry   Registry
	controller *stage.Controller
	autostart  *timer.AutoStarter

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	rounds   map[string]*QuizRound
	timers   map[string]*timer.Timer
	display  *AuxDisplay
	finished bool
}

// StartSession allocates a code, publishes the session meta and opens the
// waiting room.
func StartSession(ctx context.Context, cfg HostConfig) (*HostSession, error) {
	if cfg.Lesson == nil {
		return nil, errors.New("start session: no lesson")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	exists := session.StoreCodeChecker(func(code string) *session.Channel {
		return session.NewChannel(cfg.Store, code)
	})
	if cfg.Registry != nil {
		exists = cfg.Registry.CodeExists
	}
	code, err := session.AllocateCode(ctx, exists)
	if err != nil {
		return nil, fmt.Errorf("allocate session code: %w", err)
	}

	h, err := newHostSession(cfg, code)
	if err != nil {
		return nil, err
	}

	meta := models.SessionMeta{
		Code:      code,
		LessonID:  cfg.Lesson.ID,
		Stages:    cfg.Lesson.Stages,
		CreatedAt: cfg.Clock.Now().UTC(),
	}
	if cfg.Registry != nil {
		if err := cfg.Registry.CreateSession(ctx, meta); err != nil {
			h.cancel()
			return nil, err
		}
	}
	if err := h.ch.SetMeta(ctx, meta); err != nil {
		h.cancel()
		return nil, err
	}
	if err := h.controller.Start(ctx); err != nil {
		h.cancel()
		return nil, err
	}

	log.Info().Str("session_code", code).Str("lesson_id", cfg.Lesson.ID).Msg("session started")
	return h, nil
}

// ResumeSession rebuilds the host side of an existing session, for a host
// that reconnects or a gateway that restarted.
func ResumeSession(ctx context.Context, cfg HostConfig, code string) (*HostSession, error) {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	ch := session.NewChannel(cfg.Store, code)
	meta, ok, err := ch.Meta(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, code)
	}
	if meta.Ended() {
		return nil, stage.ErrSessionEnded
	}
	if cfg.Lesson == nil || cfg.Lesson.ID != meta.LessonID {
		return nil, fmt.Errorf("resume session %s: lesson %q not provided", code, meta.LessonID)
	}

	h, err := newHostSession(cfg, code)
	if err != nil {
		return nil, err
	}
	if err := h.controller.Load(ctx); err != nil {
		h.cancel()
		return nil, err
	}
	if h.controller.Ended() {
		// the terminal stage was written but the end never completed
		if err := h.finish(ctx); err != nil {
			h.cancel()
			return nil, err
		}
		return nil, stage.ErrSessionEnded
	}

	for _, s := range cfg.Lesson.Stages {
		state, err := ch.Timer(ctx, s.ID)
		if err != nil {
			h.cancel()
			return nil, err
		}
		if state.UpdatedAt.IsZero() {
			continue
		}
		if err := h.Timer(s.ID).Load(ctx); err != nil {
			h.cancel()
			return nil, err
		}
		if state.AutoStarted || state.Running || state.RemainingSeconds > 0 {
			h.autostart.MarkStarted(s.ID)
		}
	}

	log.Info().Str("session_code", code).Msg("session resumed")
	return h, nil
}

func newHostSession(cfg HostConfig, code string) (*HostSession, error) {
	ch := session.NewChannel(cfg.Store, code)
	controller, err := stage.NewController(ch, cfg.Lesson.Stages)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &HostSession{
		ch:         ch,
		lesson:     cfg.Lesson,
		clock:      cfg.Clock,
		registry:   cfg.Registry,
		controller: controller,
		ctx:        ctx,
		cancel:     cancel,
		rounds:     make(map[string]*QuizRound),
		timers:     make(map[string]*timer.Timer),
	}
	h.autostart = timer.NewAutoStarter(h.Timer)
	controller.OnChange(h.onStage)
	return h, nil
}

func (h *HostSession) onStage(s models.Stage) {
	if _, err := h.autostart.OnStage(h.ctx, s); err != nil {
		log.Error().Err(err).Str("session_code", h.ch.Code()).Str("stage_id", s.ID).Msg("failed to auto-start timer")
	}
}

func (h *HostSession) Code() string { return h.ch.Code() }
func (h *HostSession) Channel() *session.Channel { return h.ch }
func (h *HostSession) Lesson() *lesson.Lesson { return h.lesson }
func (h *HostSession) Controller() *stage.Controller { return h.controller }

// Advance moves to the next stage. Reaching the ended stage ends the session
// the same way End does.
func (h *HostSession) Advance(ctx context.Context) (models.Stage, error) {
	s, err := h.controller.Advance(ctx)
	if err != nil {
		return s, err
	}
	return s, h.finishIfEnded(ctx)
}

func (h *HostSession) JumpTo(ctx context.Context, stageID string) (models.Stage, error) {
	s, err := h.controller.JumpTo(ctx, stageID)
	if err != nil {
		return s, err
	}
	return s, h.finishIfEnded(ctx)
}

// Ended reports whether the session has been ended and this host closed.
func (h *HostSession) Ended() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.finished
}

func (h *HostSession) finishIfEnded(ctx context.Context) error {
	if !h.controller.Ended() {
		return nil
	}
	return h.finish(ctx)
}

// Round returns the round host for an activity, loading any state already
// in the store the first time it is asked for.
func (h *HostSession) Round(ctx context.Context, activityID string) (*QuizRound, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if r, ok := h.rounds[activityID]; ok {
		return r, nil
	}
	a, ok := h.lesson.Activity(activityID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownActivity, activityID)
	}
	r := round.NewHost(h.ch, lesson.QuizGame(a), h.clock)
	if err := r.Load(ctx); err != nil {
		return nil, err
	}
	h.rounds[activityID] = r
	return r, nil
}

// Timer returns the countdown for a stage, creating it on first use.
func (h *HostSession) Timer(stageID string) *timer.Timer {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.timers[stageID]
	if !ok {
		t = timer.New(h.ch, stageID, h.clock)
		h.timers[stageID] = t
	}
	return t
}

// Leaderboard ranks the current roster.
func (h *HostSession) Leaderboard(ctx context.Context) ([]scoring.Standing, error) {
	roster, err := h.ch.Roster(ctx)
	if err != nil {
		return nil, err
	}
	return scoring.Leaderboard(roster), nil
}

// End closes the session: terminal stage, ended timestamp, timers stopped
// and any open display released.
func (h *HostSession) End(ctx context.Context) error {
	if err := h.controller.End(ctx); err != nil {
		return err
	}
	return h.finish(ctx)
}

func (h *HostSession) finish(ctx context.Context) error {
	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return nil
	}
	timers := make([]*timer.Timer, 0, len(h.timers))
	for _, t := range h.timers {
		timers = append(timers, t)
	}
	h.mu.Unlock()

	now := h.clock.Now().UTC()
	if err := h.ch.MarkEnded(ctx, now); err != nil {
		return err
	}
	if h.registry != nil {
		if err := h.registry.EndSession(ctx, h.ch.Code(), now); err != nil {
			log.Error().Err(err).Str("session_code", h.ch.Code()).Msg("failed to record session end")
		}
	}
	// running countdowns are frozen in the store so late viewers see them stopped
	for _, t := range timers {
		if err := t.Pause(ctx); err != nil {
			log.Warn().Err(err).Str("session_code", h.ch.Code()).Str("stage_id", t.StageID()).Msg("failed to stop timer at session end")
		}
	}

	h.mu.Lock()
	h.finished = true
	h.mu.Unlock()
	h.Close()
	return nil
}

// Close releases local resources without touching the store.
func (h *HostSession) Close() {
	h.mu.Lock()
	timers := make([]*timer.Timer, 0, len(h.timers))
	for _, t := range h.timers {
		timers = append(timers, t)
	}
	display := h.display
	h.display = nil
	h.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
	if display != nil {
		display.Close()
	}
	h.cancel()
}

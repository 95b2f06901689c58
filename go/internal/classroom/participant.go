package classroom

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/classroom/go/internal/identity"
	"github.com/mcdev12/classroom/go/internal/lesson"
	"github.com/mcdev12/classroom/go/internal/models"
	"github.com/mcdev12/classroom/go/internal/round"
	"github.com/mcdev12/classroom/go/internal/session"
	"github.com/mcdev12/classroom/go/internal/stage"
	"github.com/mcdev12/classroom/go/internal/store"
	"github.com/mcdev12/classroom/go/internal/timer"
	"github.com/rs/zerolog/log"
)

const DefaultHeartbeatInterval = 15 * time.Second

var ErrInvalidCode = errors.New("invalid session code")

// QuizPlayer is the participant side of a lesson quiz.
type QuizPlayer = round.Player[lesson.QuizQuestion, string]

// QuizView is what a participant sees for the current quiz question.
type QuizView = round.View[lesson.QuizQuestion, string]

// ParticipantConfig wires one participant to a session.
type ParticipantConfig struct {
	Store  store.Store
	Lesson *lesson.Lesson
	Clock  clockwork.Clock
	Code   string
	// ParticipantID is the id persisted by the client. Empty means a new
	// participant.
	ParticipantID     string
	HeartbeatInterval time.Duration

	OnMode     stage.ModeHandler
	OnRound    func(QuizView)
	OnTimer    func(models.TimerState)
	OnSelf     func(models.Participant)
	OnRedirect func()
}

// ParticipantSession is one participant following a live session.
type ParticipantSession struct {
	ch       *session.Channel
	cfg      ParticipantConfig
	id       string
	follower *stage.Follower

	cancel context.CancelFunc

	mu        sync.Mutex
	self      models.Participant
	player    *QuizPlayer
	playing   string         // game id of the mounted player
	absorbed  map[string]int // restart epochs applied by this session
	selfSub   store.Subscription
	roundsSub store.Subscription
	left      bool
}

// Join adds the participant to the session roster, or picks up its existing
// entry when the id is already known, and starts following the stage.
func Join(ctx context.Context, cfg ParticipantConfig) (*ParticipantSession, error) {
	if cfg.Lesson == nil {
		return nil, errors.New("join: no lesson")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}

	self, meta, err := Enroll(ctx, cfg.Store, cfg.Code, cfg.ParticipantID, cfg.Clock.Now().UTC())
	if err != nil {
		return nil, err
	}
	id := self.ID
	ch := session.NewChannel(cfg.Store, cfg.Code)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p := &ParticipantSession{
		ch:     ch,
		cfg:    cfg,
		id:     id,
		cancel:   cancel,
		self:     self,
		absorbed: map[string]int{},
	}

	selfSub, err := ch.SubscribeParticipant(runCtx, id, p.onSelf)
	if err != nil {
		cancel()
		return nil, err
	}
	p.selfSub = selfSub

	roundsSub, err := ch.SubscribeRounds(runCtx, func(state models.RoundState) {
		p.onRound(runCtx, state)
	})
	if err != nil {
		p.Leave()
		return nil, err
	}
	p.mu.Lock()
	p.roundsSub = roundsSub
	p.mu.Unlock()

	p.follower = stage.NewFollower(ch, stage.FollowerConfig{
		Stages: meta.Stages,
		Inputs: stage.ModeInputs{
			ActivityResolvable: cfg.Lesson.HasActivity,
			HasResult:          p.hasResult,
		},
		Mounter:    stage.MounterFunc(p.mount),
		OnMode:     cfg.OnMode,
		OnRedirect: cfg.OnRedirect,
		Clock:      cfg.Clock,
	})
	if err := p.follower.Follow(runCtx); err != nil {
		p.Leave()
		return nil, err
	}

	go p.heartbeat(runCtx)

	log.Debug().Str("session_code", cfg.Code).Str("participant_id", id).Msg("participant following session")
	return p, nil
}

// Enroll checks that the session is live and writes the roster entry for a
// new participant. A returning participant keeps its identity and score and
// only has its heartbeat refreshed. An empty id enrolls a new participant.
func Enroll(ctx context.Context, st store.Store, code, participantID string, now time.Time) (models.Participant, models.SessionMeta, error) {
	if !session.ValidCode(code) {
		return models.Participant{}, models.SessionMeta{}, fmt.Errorf("%w: %q", ErrInvalidCode, code)
	}
	ch := session.NewChannel(st, code)
	meta, ok, err := ch.Meta(ctx)
	if err != nil {
		return models.Participant{}, models.SessionMeta{}, err
	}
	if !ok {
		return models.Participant{}, models.SessionMeta{}, fmt.Errorf("%w: %s", ErrSessionNotFound, code)
	}
	if meta.Ended() {
		return models.Participant{}, models.SessionMeta{}, stage.ErrSessionEnded
	}

	id := participantID
	if id == "" {
		id = identity.NewParticipantID()
	}
	p, err := enroll(ctx, ch, id, now)
	if err != nil {
		return models.Participant{}, models.SessionMeta{}, err
	}
	return p, meta, nil
}

func enroll(ctx context.Context, ch *session.Channel, id string, now time.Time) (models.Participant, error) {
	existing, ok, err := ch.Participant(ctx, id)
	if err != nil {
		return models.Participant{}, err
	}
	if ok {
		if err := ch.UpdateParticipant(ctx, id, map[string]any{session.FieldHeartbeatAt: now}); err != nil {
			return models.Participant{}, err
		}
		existing.HeartbeatAt = now
		return existing, nil
	}

	roster, err := ch.Roster(ctx)
	if err != nil {
		return models.Participant{}, err
	}
	// restarts that happened before the join never touch this participant
	epochs, err := round.CurrentEpochs(ctx, ch)
	if err != nil {
		return models.Participant{}, err
	}
	ident := identity.Assign(id, roster)
	p := models.Participant{
		ID:          id,
		Name:        ident.Name,
		Color:       ident.Color,
		Icon:        ident.Icon,
		JoinedAt:    now,
		HeartbeatAt: now,
	}
	if len(epochs) > 0 {
		p.ResetEpochs = epochs
	}
	if err := ch.SeedParticipant(ctx, p); err != nil {
		return models.Participant{}, err
	}
	log.Info().Str("session_code", ch.Code()).Str("participant_id", id).Str("name", p.Name).Msg("participant enrolled")
	return p, nil
}

func (p *ParticipantSession) ID() string { return p.id }
func (p *ParticipantSession) Code() string { return p.ch.Code() }

// Self returns the participant's last known roster entry.
func (p *ParticipantSession) Self() models.Participant {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.self
}

func (p *ParticipantSession) Mode() (stage.Mode, models.Stage) {
	return p.follower.Mode()
}

// Round returns the current quiz view, if an activity is mounted.
func (p *ParticipantSession) Round() (QuizView, bool) {
	p.mu.Lock()
	player := p.player
	p.mu.Unlock()
	if player == nil {
		return QuizView{}, false
	}
	return player.View(), true
}

// Submit answers the current question of the mounted activity.
func (p *ParticipantSession) Submit(ctx context.Context, answer string) error {
	p.mu.Lock()
	player := p.player
	p.mu.Unlock()
	if player == nil {
		return round.ErrNotAnswerable
	}
	return player.Submit(ctx, answer)
}

// Leave tears down every subscription and the heartbeat. The roster entry
// stays.
func (p *ParticipantSession) Leave() {
	p.mu.Lock()
	if p.left {
		p.mu.Unlock()
		return
	}
	p.left = true
	selfSub, roundsSub := p.selfSub, p.roundsSub
	p.selfSub, p.roundsSub = nil, nil
	p.mu.Unlock()

	if p.follower != nil {
		p.follower.Close()
	}
	if selfSub != nil {
		selfSub.Unsubscribe()
	}
	if roundsSub != nil {
		roundsSub.Unsubscribe()
	}
	p.cancel()
	log.Info().Str("session_code", p.ch.Code()).Str("participant_id", p.id).Msg("participant left")
}

func (p *ParticipantSession) onSelf(rec models.Participant, ok bool) {
	if !ok {
		return
	}
	p.mu.Lock()
	p.self = rec
	fn := p.cfg.OnSelf
	p.mu.Unlock()
	if fn != nil {
		fn(rec)
	}
}

// onRound applies host restarts of games this participant is not playing, so
// the score goes back to zero when the restart happens and not when the game
// is next mounted. The mounted player handles its own game.
func (p *ParticipantSession) onRound(ctx context.Context, state models.RoundState) {
	if state.Epoch == 0 {
		return
	}
	p.mu.Lock()
	applied := max(p.self.ResetEpochs[state.GameID], p.absorbed[state.GameID])
	if p.left || p.playing == state.GameID || state.Epoch <= applied {
		p.mu.Unlock()
		return
	}
	rec := p.self
	p.mu.Unlock()

	if _, err := round.ApplyRestart(ctx, p.ch, rec, state); err != nil {
		log.Error().Err(err).Str("participant_id", p.id).Str("game_id", state.GameID).Msg("failed to apply restart")
		return
	}
	p.mu.Lock()
	p.absorbed[state.GameID] = max(p.absorbed[state.GameID], state.Epoch)
	p.mu.Unlock()
}

func (p *ParticipantSession) hasResult(s models.Stage) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s.ActivityID != "" {
		_, ok := p.self.Results[s.ActivityID]
		return ok
	}
	return len(p.self.Results) > 0
}

// mount attaches the quiz player and the stage timer display for an activity
// stage. Unsubscribing the returned subscription detaches both.
func (p *ParticipantSession) mount(ctx context.Context, s models.Stage) (store.Subscription, error) {
	a, ok := p.cfg.Lesson.Activity(s.ActivityID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownActivity, s.ActivityID)
	}

	rec, _, err := p.ch.Participant(ctx, p.id)
	if err != nil {
		return nil, err
	}

	game := lesson.QuizGame(a)
	player := round.NewPlayer(p.ch, game, p.id, p.cfg.Clock)
	player.Resume(rec)
	if p.cfg.OnRound != nil {
		player.OnChange(p.cfg.OnRound)
	}

	roundSub, err := player.Mount(ctx)
	if err != nil {
		return nil, err
	}
	display, err := timer.NewDisplay(ctx, p.ch, s.ID, p.cfg.OnTimer)
	if err != nil {
		roundSub.Unsubscribe()
		return nil, err
	}

	p.mu.Lock()
	p.player = player
	p.playing = game.ID
	p.mu.Unlock()

	return &mounted{
		unsubscribe: func() {
			roundSub.Unsubscribe()
			display.Close()
			p.mu.Lock()
			p.absorbed[game.ID] = max(p.absorbed[game.ID], player.ResetEpoch())
			if p.player == player {
				p.player = nil
				p.playing = ""
			}
			p.mu.Unlock()
		},
	}, nil
}

func (p *ParticipantSession) heartbeat(ctx context.Context) {
	ticker := p.cfg.Clock.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := p.Heartbeat(ctx); err != nil {
				log.Warn().Err(err).Str("participant_id", p.id).Msg("heartbeat failed")
			}
		}
	}
}

// Heartbeat stamps the participant's presence.
func (p *ParticipantSession) Heartbeat(ctx context.Context) error {
	return p.ch.UpdateParticipant(ctx, p.id, map[string]any{
		session.FieldHeartbeatAt: p.cfg.Clock.Now().UTC(),
	})
}

type mounted struct {
	once        sync.Once
	unsubscribe func()
}

func (m *mounted) Unsubscribe() { m.once.Do(m.unsubscribe) }

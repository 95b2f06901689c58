package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/classroom/go/internal/classroom"
	"github.com/mcdev12/classroom/go/internal/lesson"
	"github.com/mcdev12/classroom/go/internal/models"
	"github.com/mcdev12/classroom/go/internal/session"
	"github.com/mcdev12/classroom/go/internal/stage"
	"github.com/mcdev12/classroom/go/internal/store"
	"github.com/rs/zerolog/log"
)

// Config holds configuration for the gateway service
type Config struct {
	Connection        ConnectionConfig
	JWTSecret         string
	TokenTTL          time.Duration
	HeartbeatInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Connection:        DefaultConnectionConfig(),
		TokenTTL:          12 * time.Hour,
		HeartbeatInterval: classroom.DefaultHeartbeatInterval,
	}
}

// Service is the authoritative server in front of the session store. It owns
// the host side of every live session, runs one participant session per
// connected participant and streams store changes to WebSocket clients.
type Service struct {
	store       store.Store
	lessons     *lesson.Library
	registry    classroom.Registry
	tokens      *TokenIssuer
	connections *ConnectionManager
	clock       clockwork.Clock
	config      Config

	mu           sync.Mutex
	health       *HealthChecker
	hosts        map[string]*classroom.HostSession
	participants map[string]*participantEntry
}

type participantEntry struct {
	session *classroom.ParticipantSession
	refs    int
}

// NewService wires the gateway. registry may be nil.
func NewService(config Config, st store.Store, lessons *lesson.Library, registry classroom.Registry, clock clockwork.Clock) (*Service, error) {
	if config.JWTSecret == "" {
		return nil, errors.New("gateway: JWT secret is required")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{
		store:        st,
		lessons:      lessons,
		registry:     registry,
		tokens:       NewTokenIssuer(config.JWTSecret, config.TokenTTL, clock),
		connections:  NewConnectionManager(st, config.Connection, clock),
		clock:        clock,
		config:       config,
		hosts:        make(map[string]*classroom.HostSession),
		participants: make(map[string]*participantEntry),
	}, nil
}

func (s *Service) Tokens() *TokenIssuer { return s.tokens }
func (s *Service) Connections() *ConnectionManager { return s.connections }

// Start runs the broadcast loop until ctx is done.
func (s *Service) Start(ctx context.Context) error {
	log.Info().Msg("starting classroom gateway service")
	go s.connections.Start(ctx)

	<-ctx.Done()

	log.Info().Msg("classroom gateway service shutting down")
	return s.Stop()
}

// Stop releases every live session without ending it, so a restarted
// gateway can resume them.
func (s *Service) Stop() error {
	s.mu.Lock()
	hosts := make([]*classroom.HostSession, 0, len(s.hosts))
	for _, h := range s.hosts {
		hosts = append(hosts, h)
	}
	s.hosts = make(map[string]*classroom.HostSession)
	parts := make([]*classroom.ParticipantSession, 0, len(s.participants))
	for _, p := range s.participants {
		parts = append(parts, p.session)
	}
	s.participants = make(map[string]*participantEntry)
	s.mu.Unlock()

	for _, p := range parts {
		p.Leave()
	}
	for _, h := range hosts {
		h.Close()
	}
	log.Info().Msg("classroom gateway service stopped")
	return nil
}

// CreateSession starts a session for a lesson and returns the host token.
func (s *Service) CreateSession(ctx context.Context, lessonID string) (*classroom.HostSession, string, error) {
	l, err := s.lessons.Get(lessonID)
	if err != nil {
		return nil, "", err
	}
	h, err := classroom.StartSession(ctx, classroom.HostConfig{
		Store:    s.store,
		Lesson:   l,
		Clock:    s.clock,
		Registry: s.registry,
	})
	if err != nil {
		return nil, "", err
	}
	token, err := s.tokens.IssueHost(h.Code())
	if err != nil {
		h.Close()
		return nil, "", err
	}

	s.mu.Lock()
	s.hosts[h.Code()] = h
	s.mu.Unlock()
	return h, token, nil
}

// Host returns the live host session for code, resuming it from the store
// when this process has not seen it yet.
func (s *Service) Host(ctx context.Context, code string) (*classroom.HostSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.hosts[code]; ok {
		return h, nil
	}
	l, err := s.lessonFor(ctx, code)
	if err != nil {
		return nil, err
	}
	h, err := classroom.ResumeSession(ctx, classroom.HostConfig{
		Store:    s.store,
		Lesson:   l,
		Clock:    s.clock,
		Registry: s.registry,
	}, code)
	if err != nil {
		return nil, err
	}
	s.hosts[code] = h
	return h, nil
}

// EndSession ends a live session. Connected clients stay attached long
// enough to see the ended stage and be redirected.
func (s *Service) EndSession(ctx context.Context, code string) error {
	h, err := s.Host(ctx, code)
	if err != nil {
		return err
	}
	if err := h.End(ctx); err != nil {
		return err
	}
	s.retire(code)
	return nil
}

// Advance moves a session to its next stage, retiring it when that stage is
// the ended one.
func (s *Service) Advance(ctx context.Context, code string) (models.Stage, error) {
	h, err := s.Host(ctx, code)
	if err != nil {
		return models.Stage{}, err
	}
	st, err := h.Advance(ctx)
	if h.Ended() {
		s.retire(code)
	}
	return st, err
}

// JumpTo moves a session directly to a stage.
func (s *Service) JumpTo(ctx context.Context, code, stageID string) (models.Stage, error) {
	h, err := s.Host(ctx, code)
	if err != nil {
		return models.Stage{}, err
	}
	st, err := h.JumpTo(ctx, stageID)
	if h.Ended() {
		s.retire(code)
	}
	return st, err
}

// retire forgets an ended session's host and disconnects its clients once
// participants have been redirected.
func (s *Service) retire(code string) {
	s.mu.Lock()
	delete(s.hosts, code)
	s.mu.Unlock()

	s.clock.AfterFunc(2*stage.EndGraceDelay, func() {
		s.connections.CloseSession(code)
	})
	log.Info().Str("session_code", code).Msg("session retired")
}

// JoinSession enrolls a participant and returns its participant token. A
// participant id that is already on the roster can only be reclaimed with
// a still valid token issued for it.
func (s *Service) JoinSession(ctx context.Context, code, participantID, token string) (models.Participant, string, error) {
	if participantID != "" && session.ValidCode(code) {
		if err := s.checkRejoin(ctx, code, participantID, token); err != nil {
			return models.Participant{}, "", err
		}
	}
	p, _, err := classroom.Enroll(ctx, s.store, code, participantID, s.clock.Now().UTC())
	if err != nil {
		return models.Participant{}, "", err
	}
	token, err = s.tokens.IssueParticipant(code, p.ID)
	if err != nil {
		return models.Participant{}, "", err
	}
	return p, token, nil
}

func (s *Service) checkRejoin(ctx context.Context, code, participantID, token string) error {
	_, exists, err := s.channel(code).Participant(ctx, participantID)
	if err != nil || !exists {
		return err
	}
	if token == "" {
		return fmt.Errorf("%w: rejoining %s needs its participant token", ErrForbidden, participantID)
	}
	claims, err := s.tokens.Parse(token)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrForbidden, err)
	}
	if err := claims.Authorize(RoleParticipant, code); err != nil {
		return err
	}
	if claims.ParticipantID != participantID {
		log.Warn().Str("session_code", code).Str("participant_id", participantID).Str("token_participant_id", claims.ParticipantID).Msg("rejected rejoin with another participant's token")
		return ErrForbidden
	}
	return nil
}

// SessionState is the read model returned to clients that poll.
type SessionState struct {
	Code         string         `json:"code"`
	LessonID     string         `json:"lesson_id"`
	StageID      string         `json:"stage_id"`
	Stage        models.Stage   `json:"stage"`
	Ended        bool           `json:"ended"`
	CreatedAt    time.Time      `json:"created_at"`
	Participants int            `json:"participants"`
	Stages       []models.Stage `json:"stages"`
}

func (s *Service) State(ctx context.Context, code string) (SessionState, error) {
	ch := s.channel(code)
	meta, ok, err := ch.Meta(ctx)
	if err != nil {
		return SessionState{}, err
	}
	if !ok {
		return s.registryState(ctx, code)
	}
	stageID, err := ch.Stage(ctx)
	if err != nil {
		return SessionState{}, err
	}
	roster, err := ch.Roster(ctx)
	if err != nil {
		return SessionState{}, err
	}
	return SessionState{
		Code:         code,
		LessonID:     meta.LessonID,
		StageID:      stageID,
		Stage:        stage.Resolve(stageID, meta.Stages),
		Ended:        meta.Ended(),
		CreatedAt:    meta.CreatedAt,
		Participants: len(roster),
		Stages:       meta.Stages,
	}, nil
}

// registryState answers for a session whose live state is gone from the
// store but which the registry still knows about.
func (s *Service) registryState(ctx context.Context, code string) (SessionState, error) {
	if s.registry == nil {
		return SessionState{}, fmt.Errorf("%w: %s", classroom.ErrSessionNotFound, code)
	}
	meta, err := s.registry.GetSession(ctx, code)
	if err != nil {
		return SessionState{}, err
	}
	stageID := models.StageNotStarted
	if meta.Ended() {
		stageID = models.StageEnded
	}
	return SessionState{
		Code:      meta.Code,
		LessonID:  meta.LessonID,
		StageID:   stageID,
		Stage:     stage.Resolve(stageID, meta.Stages),
		Ended:     meta.Ended(),
		CreatedAt: meta.CreatedAt,
		Stages:    meta.Stages,
	}, nil
}

func (s *Service) lessonFor(ctx context.Context, code string) (*lesson.Lesson, error) {
	meta, ok, err := s.channel(code).Meta(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", classroom.ErrSessionNotFound, code)
	}
	return s.lessons.Get(meta.LessonID)
}

func (s *Service) channel(code string) *session.Channel {
	return session.NewChannel(s.store, code)
}

// ModeData is the payload of a mode frame.
type ModeData struct {
	Mode  stage.Mode   `json:"mode"`
	Stage models.Stage `json:"stage"`
}

// acquireParticipant returns the participant session shared by every
// connection of one participant, joining on first use.
func (s *Service) acquireParticipant(ctx context.Context, code, participantID string) (*classroom.ParticipantSession, error) {
	key := code + "/" + participantID

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.participants[key]; ok {
		e.refs++
		return e.session, nil
	}

	l, err := s.lessonFor(ctx, code)
	if err != nil {
		return nil, err
	}
	send := func(t FrameType, data any) {
		s.connections.SendToParticipant(code, participantID, Frame{Type: t, Data: data, Timestamp: s.clock.Now()})
	}
	ps, err := classroom.Join(ctx, classroom.ParticipantConfig{
		Store:             s.store,
		Lesson:            l,
		Clock:             s.clock,
		Code:              code,
		ParticipantID:     participantID,
		HeartbeatInterval: s.config.HeartbeatInterval,
		OnMode: func(mode stage.Mode, st models.Stage) {
			send(FrameMode, ModeData{Mode: mode, Stage: st})
		},
		OnRound:    func(v classroom.QuizView) { send(FrameRound, v) },
		OnTimer:    func(t models.TimerState) { send(FrameTimer, t) },
		OnRedirect: func() { send(FrameRedirect, nil) },
	})
	if err != nil {
		return nil, err
	}
	s.participants[key] = &participantEntry{session: ps, refs: 1}
	return ps, nil
}

func (s *Service) releaseParticipant(code, participantID string) {
	key := code + "/" + participantID

	s.mu.Lock()
	e, ok := s.participants[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 {
		s.mu.Unlock()
		return
	}
	delete(s.participants, key)
	s.mu.Unlock()

	e.session.Leave()
}

// sendParticipantSnapshot queues the participant's current mode and round
// behind anything already queued for it.
func (s *Service) sendParticipantSnapshot(ps *classroom.ParticipantSession) {
	now := s.clock.Now()
	mode, st := ps.Mode()
	s.connections.SendToParticipant(ps.Code(), ps.ID(), Frame{Type: FrameMode, Data: ModeData{Mode: mode, Stage: st}, Timestamp: now})
	if v, ok := ps.Round(); ok {
		s.connections.SendToParticipant(ps.Code(), ps.ID(), Frame{Type: FrameRound, Data: v, Timestamp: now})
	}
}

// handleParticipantMessage applies a client frame as the connection's own
// participant.
func (s *Service) handleParticipantMessage(ps *classroom.ParticipantSession) func(*Connection, []byte) {
	return func(c *Connection, message []byte) {
		var frame ClientFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.SendFrame(Frame{Type: FrameError, Error: "malformed frame", Timestamp: s.clock.Now()})
			return
		}

		ctx := context.Background()
		var err error
		switch frame.Type {
		case FrameSubmit:
			var answer string
			if err = json.Unmarshal(frame.Answer, &answer); err == nil {
				err = ps.Submit(ctx, answer)
			}
		case FrameHeartbeat:
			err = ps.Heartbeat(ctx)
		default:
			err = fmt.Errorf("unknown frame type %q", frame.Type)
		}
		if err != nil {
			log.Debug().Err(err).Str("participant_id", ps.ID()).Str("frame_type", string(frame.Type)).Msg("participant frame rejected")
			c.SendFrame(Frame{Type: FrameError, Error: err.Error(), Timestamp: s.clock.Now()})
		}
	}
}

package round

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/classroom/go/internal/models"
	"github.com/mcdev12/classroom/go/internal/session"
	"github.com/rs/zerolog/log"
)

// Host drives a game's round state. It is the only writer of the round path.
type Host[P, A any] struct {
	game  Game[P, A]
	ch    *session.Channel
	clock clockwork.Clock

	mu    sync.Mutex
	state models.RoundState
}

// NewHost creates the host side of a game in the waiting phase.
func NewHost[P, A any](ch *session.Channel, game Game[P, A], clock clockwork.Clock) *Host[P, A] {
	state := models.NewRoundState(game.ID)
	state.TotalQuestions = game.Len()
	return &Host[P, A]{
		game:  game,
		ch:    ch,
		clock: clock,
		state: state,
	}
}

// Load picks up the round state already in the store, for a host that
// reconnects mid-session.
func (h *Host[P, A]) Load(ctx context.Context) error {
	state, err := h.ch.Round(ctx, h.game.ID)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	state.TotalQuestions = h.game.Len()
	h.state = state
	return nil
}

func (h *Host[P, A]) GameID() string { return h.game.ID }

// State returns a copy of the last written round state.
func (h *Host[P, A]) State() models.RoundState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Start begins the first question. Listen-first games stop in playing.
func (h *Host[P, A]) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state.Phase != models.RoundPhaseWaiting {
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, h.state.Phase)
	}
	if h.game.Len() == 0 {
		return fmt.Errorf("%w: game %s has no questions", ErrInvalidTransition, h.game.ID)
	}
	log.Info().Str("session_code", h.ch.Code()).Str("game_id", h.game.ID).Msg("round started")
	return h.enterQuestionLocked(ctx, 0)
}

// Open makes the current question answerable.
func (h *Host[P, A]) Open(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state.Phase != models.RoundPhasePlaying {
		return fmt.Errorf("%w: open from %s", ErrInvalidTransition, h.state.Phase)
	}
	return h.openLocked(ctx)
}

// Reveal publishes the correct answer. Revealing twice rewrites the same
// state.
func (h *Host[P, A]) Reveal(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state.Phase {
	case models.RoundPhaseGuessing, models.RoundPhaseRevealed:
	default:
		return fmt.Errorf("%w: reveal from %s", ErrInvalidTransition, h.state.Phase)
	}

	q, err := h.questionLocked()
	if err != nil {
		return err
	}
	answer, err := json.Marshal(q.Answer)
	if err != nil {
		return fmt.Errorf("marshal answer: %w", err)
	}

	next := h.state
	next.Phase = models.RoundPhaseRevealed
	next.RevealedAnswer = answer
	if err := h.writeLocked(ctx, next); err != nil {
		return err
	}
	log.Info().
		Str("session_code", h.ch.Code()).
		Str("game_id", h.game.ID).
		Int("question_index", next.QuestionIndex).
		Msg("answer revealed")
	return nil
}

// Next moves to the following question, or finishes the round after the
// last one.
func (h *Host[P, A]) Next(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state.Phase != models.RoundPhaseRevealed {
		return fmt.Errorf("%w: next from %s", ErrInvalidTransition, h.state.Phase)
	}

	index := h.state.QuestionIndex + 1
	if index >= h.game.Len() {
		next := h.state
		next.Phase = models.RoundPhaseFinished
		next.QuestionPayload = nil
		next.RevealedAnswer = nil
		next.AnswerableSince = nil
		if err := h.writeLocked(ctx, next); err != nil {
			return err
		}
		log.Info().Str("session_code", h.ch.Code()).Str("game_id", h.game.ID).Msg("round finished")
		return nil
	}
	return h.enterQuestionLocked(ctx, index)
}

// Restart returns the round to waiting and bumps the epoch so every
// participant resets its score once.
func (h *Host[P, A]) Restart(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	next := models.NewRoundState(h.game.ID)
	next.TotalQuestions = h.game.Len()
	next.Epoch = h.state.Epoch + 1
	now := h.clock.Now().UTC()
	next.RestartedAt = &now
	if err := h.writeLocked(ctx, next); err != nil {
		return err
	}
	log.Info().Str("session_code", h.ch.Code()).Str("game_id", h.game.ID).Int("epoch", next.Epoch).Msg("round restarted")
	return nil
}

// enterQuestionLocked writes the question payload in the playing phase and,
// unless the game listens first, opens it right away.
func (h *Host[P, A]) enterQuestionLocked(ctx context.Context, index int) error {
	payload, err := json.Marshal(h.game.Questions[index].Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	next := h.state
	next.Phase = models.RoundPhasePlaying
	next.QuestionIndex = index
	next.QuestionPayload = payload
	next.RevealedAnswer = nil
	next.AnswerableSince = nil
	if err := h.writeLocked(ctx, next); err != nil {
		return err
	}

	if h.game.ListenFirst {
		return nil
	}
	return h.openLocked(ctx)
}

func (h *Host[P, A]) openLocked(ctx context.Context) error {
	q, err := h.questionLocked()
	if err != nil {
		return err
	}
	if err := h.game.validate(q.Payload); err != nil {
		log.Warn().Err(err).
			Str("game_id", h.game.ID).
			Int("question_index", h.state.QuestionIndex).
			Msg("question payload failed validation, staying in playing")
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	now := h.clock.Now().UTC()
	next := h.state
	next.Phase = models.RoundPhaseGuessing
	next.AnswerableSince = &now
	return h.writeLocked(ctx, next)
}

func (h *Host[P, A]) questionLocked() (Question[P, A], error) {
	i := h.state.QuestionIndex
	if i < 0 || i >= h.game.Len() {
		return Question[P, A]{}, fmt.Errorf("%w: question %d out of range", ErrInvalidTransition, i)
	}
	return h.game.Questions[i], nil
}

func (h *Host[P, A]) writeLocked(ctx context.Context, next models.RoundState) error {
	if err := h.ch.SetRound(ctx, next); err != nil {
		log.Error().Err(err).Str("game_id", h.game.ID).Msg("failed to write round state")
		return err
	}
	h.state = next
	return nil
}

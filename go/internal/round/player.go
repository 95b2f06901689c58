package round

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/classroom/go/internal/models"
	"github.com/mcdev12/classroom/go/internal/scoring"
	"github.com/mcdev12/classroom/go/internal/session"
	"github.com/mcdev12/classroom/go/internal/store"
	"github.com/rs/zerolog/log"
)

// View is what a participant's screen needs for the current question.
type View[P, A any] struct {
	Phase          models.RoundPhase
	QuestionIndex  int
	TotalQuestions int
	Question       *P
	Answerable     bool
	Selected       *A
	Submitted      bool
	Correctness    scoring.Correctness
	Points         int
	Score          int
}

// Player is the participant side of a game. Every write it makes goes to the
// participant's own roster entry.
type Player[P, A any] struct {
	game          Game[P, A]
	ch            *session.Channel
	participantID string
	clock         clockwork.Clock

	mu          sync.Mutex
	view        View[P, A]
	current     int // question the submission state belongs to, -1 for none
	submittedAt *time.Time
	scoredIndex int
	resetEpoch  int
	resultEpoch int
	joinedAt    time.Time
	record      *models.Participant
	onChange    func(View[P, A])
}

func NewPlayer[P, A any](ch *session.Channel, game Game[P, A], participantID string, clock clockwork.Clock) *Player[P, A] {
	return &Player[P, A]{
		game:          game,
		ch:            ch,
		participantID: participantID,
		clock:         clock,
		view:          View[P, A]{Phase: models.RoundPhaseWaiting, TotalQuestions: game.Len()},
		current:       -1,
		scoredIndex:   -1,
		resultEpoch:   -1,
	}
}

// OnChange registers the callback that receives the view after every
// observed change. It runs outside the player's lock.
func (p *Player[P, A]) OnChange(fn func(View[P, A])) {
	p.mu.Lock()
	p.onChange = fn
	p.mu.Unlock()
}

func (p *Player[P, A]) View() View[P, A] {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.view
}

// ResetEpoch is the latest restart epoch the player has applied.
func (p *Player[P, A]) ResetEpoch() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resetEpoch
}

// Resume restores score and submission state from the participant's own
// roster entry after a reconnect.
func (p *Player[P, A]) Resume(rec models.Participant) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.record = &rec
	p.joinedAt = rec.JoinedAt
	p.view.Score = rec.Score
	p.resetEpoch = rec.ResetEpochs[p.game.ID]
	if idx, ok := rec.Scored[p.game.ID]; ok {
		p.scoredIndex = idx
	}
	if p.current >= 0 {
		p.restoreLocked(p.current)
	}
}

// Mount subscribes the player to its game's round state.
func (p *Player[P, A]) Mount(ctx context.Context) (store.Subscription, error) {
	return p.ch.SubscribeRound(ctx, p.game.ID, func(state models.RoundState) {
		if err := p.Observe(ctx, state); err != nil {
			log.Error().Err(err).
				Str("participant_id", p.participantID).
				Str("game_id", p.game.ID).
				Msg("failed to apply round state")
		}
	})
}

// Observe applies one delivery of the round state. It is safe to call with
// the same state any number of times.
func (p *Player[P, A]) Observe(ctx context.Context, state models.RoundState) error {
	p.mu.Lock()
	view, changed, err := p.observeLocked(ctx, state)
	fn := p.onChange
	p.mu.Unlock()

	if changed && fn != nil {
		fn(view)
	}
	return err
}

func (p *Player[P, A]) observeLocked(ctx context.Context, state models.RoundState) (View[P, A], bool, error) {
	if state.GameID != "" && state.GameID != p.game.ID {
		return p.view, false, nil
	}

	switch {
	case state.Epoch > p.resetEpoch:
		if err := p.resetLocked(ctx, state); err != nil {
			return p.view, false, err
		}
	case state.Epoch < p.resetEpoch:
		// delivery from before a restart we already applied
		return p.view, false, nil
	}

	if state.Phase != models.RoundPhaseWaiting && state.QuestionIndex < p.current {
		return p.view, false, nil
	}

	p.view.TotalQuestions = p.game.Len()
	if state.TotalQuestions > 0 {
		p.view.TotalQuestions = state.TotalQuestions
	}

	var err error
	switch state.Phase {
	case models.RoundPhaseWaiting:
		p.current = -1
		p.clearLocked()
		p.view.Phase = models.RoundPhaseWaiting
		p.view.QuestionIndex = 0
		p.view.Question = nil
		p.view.Answerable = false

	case models.RoundPhasePlaying:
		p.enterLocked(state.QuestionIndex)
		p.view.Phase = models.RoundPhasePlaying
		p.view.Question, _ = p.decodePayload(state)
		p.view.Answerable = false

	case models.RoundPhaseGuessing:
		p.enterLocked(state.QuestionIndex)
		payload, ok := p.decodePayload(state)
		if !ok {
			// without a usable payload the question is not answerable yet
			p.view.Phase = models.RoundPhasePlaying
			p.view.Question = nil
			p.view.Answerable = false
			break
		}
		p.view.Phase = models.RoundPhaseGuessing
		p.view.Question = payload
		p.view.Answerable = true

	case models.RoundPhaseRevealed:
		p.enterLocked(state.QuestionIndex)
		p.view.Phase = models.RoundPhaseRevealed
		p.view.Question, _ = p.decodePayload(state)
		p.view.Answerable = false
		err = p.scoreLocked(ctx, state)

	case models.RoundPhaseFinished:
		p.view.Phase = models.RoundPhaseFinished
		p.view.Question = nil
		p.view.Answerable = false
		err = p.recordResultLocked(ctx, state.Epoch)

	default:
		log.Warn().Str("phase", string(state.Phase)).Str("game_id", p.game.ID).Msg("ignoring unknown round phase")
		return p.view, false, nil
	}

	return p.view, true, err
}

// Submit records the participant's answer for the current question. Only the
// first submission per question is accepted.
func (p *Player[P, A]) Submit(ctx context.Context, answer A) error {
	p.mu.Lock()
	if !p.view.Answerable {
		p.mu.Unlock()
		return ErrNotAnswerable
	}
	if p.view.Submitted {
		p.mu.Unlock()
		return ErrAlreadySubmitted
	}

	raw, err := json.Marshal(answer)
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("marshal answer: %w", err)
	}

	now := p.clock.Now().UTC()
	err = p.ch.UpdateParticipant(ctx, p.participantID, map[string]any{
		session.FieldLastAnswer:      json.RawMessage(raw),
		session.FieldAnswerGame:      p.game.ID,
		session.FieldAnswerIndex:     p.current,
		session.FieldLastSubmittedAt: now,
	})
	if err != nil {
		p.mu.Unlock()
		return err
	}

	p.view.Submitted = true
	p.view.Selected = &answer
	p.submittedAt = &now
	view := p.view
	fn := p.onChange
	p.mu.Unlock()

	log.Debug().
		Str("participant_id", p.participantID).
		Str("game_id", p.game.ID).
		Int("question_index", view.QuestionIndex).
		Msg("answer submitted")
	if fn != nil {
		fn(view)
	}
	return nil
}

// enterLocked moves the submission state to question idx. Seeing the same
// question again keeps what was already selected and submitted.
func (p *Player[P, A]) enterLocked(idx int) {
	p.view.QuestionIndex = idx
	if idx == p.current {
		return
	}
	p.current = idx
	p.clearLocked()
	p.restoreLocked(idx)
}

func (p *Player[P, A]) clearLocked() {
	p.view.Selected = nil
	p.view.Submitted = false
	p.view.Correctness = ""
	p.view.Points = 0
	p.submittedAt = nil
}

func (p *Player[P, A]) restoreLocked(idx int) {
	if p.record == nil || !p.record.AnsweredQuestion(p.game.ID, idx) || p.view.Submitted {
		return
	}
	var answer A
	if err := json.Unmarshal(p.record.LastAnswer, &answer); err != nil {
		log.Warn().Err(err).Str("participant_id", p.participantID).Msg("ignoring unreadable stored answer")
		return
	}
	p.view.Selected = &answer
	p.view.Submitted = true
	p.submittedAt = p.record.LastSubmittedAt
}

// scoreLocked computes this question's points once. The scored marker is
// checked before anything about the submission so a repeated reveal can
// never add points twice.
func (p *Player[P, A]) scoreLocked(ctx context.Context, state models.RoundState) error {
	idx := state.QuestionIndex
	if p.scoredIndex == idx {
		return nil
	}

	correctness := scoring.NoAnswer
	if p.view.Submitted && p.view.Selected != nil {
		correct, ok := p.revealedAnswer(state)
		if !ok {
			log.Warn().Str("game_id", p.game.ID).Int("question_index", idx).Msg("revealed answer missing, waiting for a valid reveal")
			return nil
		}
		correctness = scoring.Incorrect
		if p.game.equal(*p.view.Selected, correct) {
			correctness = scoring.Correct
		}
	}

	points := scoring.Evaluate(p.game.Rule, correctness, p.submittedAt, state.AnswerableSince)
	newScore := p.view.Score + points

	fields := map[string]any{session.GameField(session.FieldScored, p.game.ID): idx}
	if points > 0 {
		fields[session.FieldScore] = newScore
	}
	if err := p.ch.UpdateParticipant(ctx, p.participantID, fields); err != nil {
		return err
	}

	p.scoredIndex = idx
	p.view.Correctness = correctness
	p.view.Points = points
	p.view.Score = newScore

	log.Debug().
		Str("participant_id", p.participantID).
		Str("game_id", p.game.ID).
		Int("question_index", idx).
		Str("correctness", string(correctness)).
		Int("points", points).
		Msg("question scored")
	return nil
}

// resetLocked applies a host restart: score back to zero and the stored
// answer cleared, recorded against the epoch so it happens once. A restart
// from before the participant joined only records the epoch.
func (p *Player[P, A]) resetLocked(ctx context.Context, state models.RoundState) error {
	zero := restartZeroes(p.joinedAt, state)
	if err := p.ch.UpdateParticipant(ctx, p.participantID, restartFields(p.game.ID, state.Epoch, zero, zero)); err != nil {
		return fmt.Errorf("reset after restart: %w", err)
	}

	p.resetEpoch = state.Epoch
	if !zero {
		return nil
	}
	p.scoredIndex = -1
	p.resultEpoch = -1
	p.record = nil
	p.current = -1
	p.clearLocked()
	p.view.Score = 0

	log.Info().Str("participant_id", p.participantID).Str("game_id", p.game.ID).Int("epoch", state.Epoch).Msg("score reset after restart")
	return nil
}

func (p *Player[P, A]) recordResultLocked(ctx context.Context, epoch int) error {
	if p.resultEpoch == epoch {
		return nil
	}
	field := session.GameField(session.FieldResults, p.game.ID)
	if err := p.ch.UpdateParticipant(ctx, p.participantID, map[string]any{field: p.view.Score}); err != nil {
		return err
	}
	p.resultEpoch = epoch
	return nil
}

func (p *Player[P, A]) decodePayload(state models.RoundState) (*P, bool) {
	if len(state.QuestionPayload) == 0 {
		return nil, false
	}
	var payload P
	if err := json.Unmarshal(state.QuestionPayload, &payload); err != nil {
		log.Warn().Err(err).Str("game_id", p.game.ID).Msg("malformed question payload")
		return nil, false
	}
	if err := p.game.validate(payload); err != nil {
		log.Warn().Err(err).Str("game_id", p.game.ID).Msg("question payload failed validation")
		return nil, false
	}
	return &payload, true
}

func (p *Player[P, A]) revealedAnswer(state models.RoundState) (A, bool) {
	var answer A
	if len(state.RevealedAnswer) > 0 {
		if err := json.Unmarshal(state.RevealedAnswer, &answer); err == nil {
			return answer, true
		}
	}
	if idx := state.QuestionIndex; idx >= 0 && idx < p.game.Len() {
		return p.game.Questions[idx].Answer, true
	}
	return answer, false
}

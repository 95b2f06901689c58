package models

import (
	"encoding/json"
	"time"
)

// RoundPhase is the phase of an answer-and-reveal round.
type RoundPhase string

const (
	RoundPhaseWaiting  RoundPhase = "waiting"
	RoundPhasePlaying  RoundPhase = "playing"
	RoundPhaseGuessing RoundPhase = "guessing"
	RoundPhaseRevealed RoundPhase = "revealed"
	RoundPhaseFinished RoundPhase = "finished"
)

// RoundState is the shared state of one mini-game. Payload and answer are
// opaque to the store; each game decodes its own shape.
type RoundState struct {
	GameID          string          `json:"game_id"`
	Phase           RoundPhase      `json:"phase"`
	QuestionIndex   int             `json:"question_index"`
	TotalQuestions  int             `json:"total_questions"`
	QuestionPayload json.RawMessage `json:"question_payload,omitempty"`
	RevealedAnswer  json.RawMessage `json:"revealed_answer,omitempty"`
	AnswerableSince *time.Time      `json:"answerable_since,omitempty"`
	Epoch           int             `json:"epoch"`
	RestartedAt     *time.Time      `json:"restarted_at,omitempty"`
}

// NewRoundState returns the default state used when no round exists yet.
func NewRoundState(gameID string) RoundState {
	return RoundState{GameID: gameID, Phase: RoundPhaseWaiting}
}

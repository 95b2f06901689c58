package models

import (
	"encoding/json"
	"time"
)

// Participant is one roster entry. Only the owning participant writes it,
// apart from the fields seeded at join time.
type Participant struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Color           string          `json:"color"`
	Icon            string          `json:"icon"`
	Score           int             `json:"score"`
	LastAnswer      json.RawMessage `json:"last_answer,omitempty"`
	AnswerGame      string          `json:"answer_game,omitempty"`
	AnswerIndex     *int            `json:"answer_index,omitempty"`
	LastSubmittedAt *time.Time      `json:"last_submitted_at,omitempty"`
	HeartbeatAt     time.Time       `json:"heartbeat_at"`
	JoinedAt        time.Time       `json:"joined_at"`
	ResetEpochs     map[string]int  `json:"reset_epochs,omitempty"`
	Scored          map[string]int  `json:"scored,omitempty"`  // last scored question index per game
	Results         map[string]int  `json:"results,omitempty"` // per activity score snapshot
}

// AnsweredQuestion reports whether the stored answer belongs to the given
// game question.
func (p Participant) AnsweredQuestion(gameID string, index int) bool {
	return p.AnswerGame == gameID && p.AnswerIndex != nil && *p.AnswerIndex == index && len(p.LastAnswer) > 0
}

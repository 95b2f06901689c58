package round

import (
	"errors"

	"github.com/mcdev12/classroom/go/internal/scoring"
)

var (
	ErrInvalidTransition = errors.New("invalid round transition")
	ErrInvalidPayload    = errors.New("invalid question payload")
	ErrAlreadySubmitted  = errors.New("answer already submitted for this question")
	ErrNotAnswerable     = errors.New("question is not answerable")
)

// Question pairs the payload shown to participants with its correct answer.
type Question[P, A any] struct {
	Payload P
	Answer  A
}

// Game describes one answer-and-reveal mini-game. P is the question payload
// shape and A the answer shape; both travel through the store as JSON.
type Game[P, A any] struct {
	ID        string
	Questions []Question[P, A]
	// ListenFirst starts each question in playing (prompt, media) and waits
	// for the host to open answering.
	ListenFirst bool
	Rule        scoring.Rule
	// Validate rejects a payload that cannot be answered. Optional.
	Validate func(P) error
	// Equal compares a submitted answer with the revealed one.
	Equal func(a, b A) bool
}

func (g Game[P, A]) validate(p P) error {
	if g.Validate == nil {
		return nil
	}
	return g.Validate(p)
}

func (g Game[P, A]) equal(a, b A) bool {
	if g.Equal == nil {
		return false
	}
	return g.Equal(a, b)
}

// Len returns the number of questions.
func (g Game[P, A]) Len() int {
	return len(g.Questions)
}

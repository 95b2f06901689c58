package scoring

import (
	"sort"
	"time"

	"github.com/mcdev12/classroom/go/internal/models"
)

// Correctness is the participant's result for one revealed question.
type Correctness string

const (
	Correct   Correctness = "correct"
	Incorrect Correctness = "incorrect"
	NoAnswer  Correctness = "no-answer"
)

// Rule configures points for a game.
type Rule struct {
	Base           int           `json:"base" yaml:"base"`
	SpeedBonus     int           `json:"speed_bonus" yaml:"speed_bonus"`
	SpeedThreshold time.Duration `json:"speed_threshold" yaml:"speed_threshold"`
}

// DefaultRule returns the standard quiz scoring.
func DefaultRule() Rule {
	return Rule{
		Base:           10,
		SpeedBonus:     5,
		SpeedThreshold: 5 * time.Second,
	}
}

// Evaluate returns the points earned for one question. The speed bonus only
// applies to correct answers submitted before the threshold elapsed since the
// question became answerable.
func Evaluate(rule Rule, c Correctness, submittedAt, answerableSince *time.Time) int {
	if c != Correct {
		return 0
	}
	points := rule.Base
	if submittedAt != nil && answerableSince != nil && submittedAt.Sub(*answerableSince) < rule.SpeedThreshold {
		points += rule.SpeedBonus
	}
	return points
}

// Standing is one leaderboard row.
type Standing struct {
	Rank        int    `json:"rank"`
	Participant string `json:"participant_id"`
	Name        string `json:"name"`
	Color       string `json:"color"`
	Icon        string `json:"icon"`
	Score       int    `json:"score"`
	Podium      bool   `json:"podium"`
}

const podiumSize = 3

// Leaderboard orders the roster by score descending. Ties keep roster order,
// so the result is a total order for a given roster. Ranks are positions,
// not dense ranks.
func Leaderboard(roster []models.Participant) []Standing {
	sorted := make([]models.Participant, len(roster))
	copy(sorted, roster)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})

	out := make([]Standing, len(sorted))
	for i, p := range sorted {
		out[i] = Standing{
			Rank:        i + 1,
			Participant: p.ID,
			Name:        p.Name,
			Color:       p.Color,
			Icon:        p.Icon,
			Score:       p.Score,
			Podium:      i < podiumSize,
		}
	}
	return out
}

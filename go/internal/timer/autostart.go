package timer

import (
	"context"
	"errors"
	"sync"

	"github.com/mcdev12/classroom/go/internal/models"
)

// AutoStarter starts an activity stage's timer the first time the stage is
// entered, using the stage's recommended duration. Re-entering a stage never
// restarts its timer.
type AutoStarter struct {
	timerFor func(stageID string) *Timer

	mu      sync.Mutex
	started map[string]bool
}

func NewAutoStarter(timerFor func(stageID string) *Timer) *AutoStarter {
	return &AutoStarter{
		timerFor: timerFor,
		started:  make(map[string]bool),
	}
}

// OnStage handles a stage change and reports whether a timer was started.
func (a *AutoStarter) OnStage(ctx context.Context, stage models.Stage) (bool, error) {
	if stage.Type != models.StageTypeActivity || !stage.HasDuration() {
		return false, nil
	}

	a.mu.Lock()
	if a.started[stage.ID] {
		a.mu.Unlock()
		return false, nil
	}
	a.mu.Unlock()

	minutes := *stage.DurationMinutes
	if minutes > MaxPresetMinutes {
		minutes = MaxPresetMinutes
	}

	// a failed write leaves the stage unmarked so the next entry tries again
	started, err := a.timerFor(stage.ID).AutoStart(ctx, minutes)
	if err != nil && !errors.Is(err, ErrRunning) {
		return false, err
	}
	a.MarkStarted(stage.ID)
	return started, nil
}

// MarkStarted records a stage whose timer already ran, so entering it again
// does not start it.
func (a *AutoStarter) MarkStarted(stageID string) {
	a.mu.Lock()
	a.started[stageID] = true
	a.mu.Unlock()
}

// Started reports whether the stage's timer was already auto-started.
func (a *AutoStarter) Started(stageID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.started[stageID]
}

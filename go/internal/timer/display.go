package timer

import (
	"context"
	"sync"

	"github.com/mcdev12/classroom/go/internal/models"
	"github.com/mcdev12/classroom/go/internal/session"
	"github.com/mcdev12/classroom/go/internal/store"
)

// Display is a participant's read-only view of a stage timer. It shows the
// last synced value and never counts down on its own.
type Display struct {
	mu       sync.Mutex
	state    models.TimerState
	onChange func(models.TimerState)
	sub      store.Subscription
}

// NewDisplay subscribes to the stage timer. fn may be nil.
func NewDisplay(ctx context.Context, ch *session.Channel, stageID string, fn func(models.TimerState)) (*Display, error) {
	d := &Display{
		state:    models.TimerState{StageID: stageID},
		onChange: fn,
	}
	sub, err := ch.SubscribeTimer(ctx, stageID, d.apply)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.sub = sub
	d.mu.Unlock()
	return d, nil
}

func (d *Display) apply(state models.TimerState) {
	d.mu.Lock()
	d.state = state
	fn := d.onChange
	d.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

func (d *Display) State() models.TimerState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Display) Remaining() int { return d.State().RemainingSeconds }

func (d *Display) Running() bool { return d.State().Running }

func (d *Display) Close() {
	d.mu.Lock()
	sub := d.sub
	d.sub = nil
	d.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

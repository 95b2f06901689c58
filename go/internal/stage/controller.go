package stage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mcdev12/classroom/go/internal/models"
	"github.com/mcdev12/classroom/go/internal/session"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownStage = errors.New("unknown stage")
	ErrSessionEnded = errors.New("session has ended")
	ErrNoStages     = errors.New("lesson has no stages")
)

// Controller moves the session through its stages. Only the host runs one.
type Controller struct {
	ch     *session.Channel
	stages []models.Stage

	mu        sync.Mutex
	index     int // -1 before the first stage
	ended     bool
	listeners []func(models.Stage)
}

func NewController(ch *session.Channel, stages []models.Stage) (*Controller, error) {
	if len(stages) == 0 {
		return nil, ErrNoStages
	}
	seen := make(map[string]bool, len(stages))
	for _, s := range stages {
		if s.ID == "" || s.ID == models.StageNotStarted {
			return nil, fmt.Errorf("%w: invalid stage id %q", ErrUnknownStage, s.ID)
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("duplicate stage id %q", s.ID)
		}
		seen[s.ID] = true
	}
	return &Controller{ch: ch, stages: stages, index: -1}, nil
}

// OnChange registers fn to receive the new stage after every successful
// write.
func (c *Controller) OnChange(fn func(models.Stage)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

func (c *Controller) Stages() []models.Stage {
	out := make([]models.Stage, len(c.stages))
	copy(out, c.stages)
	return out
}

// Current returns the current stage and its position; -1 before the first
// stage.
func (c *Controller) Current() (models.Stage, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentLocked(), c.index
}

func (c *Controller) Ended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

// Load picks up the stage already in the store.
func (c *Controller) Load(ctx context.Context) error {
	id, err := c.ch.Stage(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch id {
	case models.StageNotStarted:
		c.index = -1
	case models.StageEnded:
		c.ended = true
	default:
		i := c.indexOf(id)
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrUnknownStage, id)
		}
		c.index = i
		c.ended = c.stages[i].Type == models.StageTypeEnded
	}
	return nil
}

// Start opens the session in the waiting room.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return ErrSessionEnded
	}
	if err := c.ch.SetStage(ctx, models.StageNotStarted); err != nil {
		c.mu.Unlock()
		return err
	}
	c.index = -1
	stage, listeners := c.currentLocked(), c.listenersLocked()
	c.mu.Unlock()

	log.Info().Str("session_code", c.ch.Code()).Msg("session opened")
	notify(listeners, stage)
	return nil
}

// Advance moves to the next stage. Advancing past the last stage ends the
// session.
func (c *Controller) Advance(ctx context.Context) (models.Stage, error) {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return models.Stage{}, ErrSessionEnded
	}
	next := c.index + 1
	c.mu.Unlock()

	if next >= len(c.stages) {
		if err := c.End(ctx); err != nil {
			return models.Stage{}, err
		}
		return Resolve(models.StageEnded, c.stages), nil
	}
	return c.moveTo(ctx, next)
}

// JumpTo moves directly to any stage.
func (c *Controller) JumpTo(ctx context.Context, stageID string) (models.Stage, error) {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return models.Stage{}, ErrSessionEnded
	}
	c.mu.Unlock()

	if stageID == models.StageEnded {
		if err := c.End(ctx); err != nil {
			return models.Stage{}, err
		}
		return Resolve(models.StageEnded, c.stages), nil
	}
	i := c.indexOf(stageID)
	if i < 0 {
		return models.Stage{}, fmt.Errorf("%w: %s", ErrUnknownStage, stageID)
	}
	return c.moveTo(ctx, i)
}

// End writes the terminal stage. Ending twice is a no-op.
func (c *Controller) End(ctx context.Context) error {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return nil
	}
	if err := c.ch.SetStage(ctx, models.StageEnded); err != nil {
		c.mu.Unlock()
		return err
	}
	c.ended = true
	listeners := c.listenersLocked()
	c.mu.Unlock()

	log.Info().Str("session_code", c.ch.Code()).Msg("session ended")
	notify(listeners, Resolve(models.StageEnded, c.stages))
	return nil
}

func (c *Controller) moveTo(ctx context.Context, i int) (models.Stage, error) {
	stage := c.stages[i]

	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return models.Stage{}, ErrSessionEnded
	}
	if err := c.ch.SetStage(ctx, stage.ID); err != nil {
		c.mu.Unlock()
		return models.Stage{}, err
	}
	c.index = i
	if stage.Type == models.StageTypeEnded {
		c.ended = true
	}
	listeners := c.listenersLocked()
	c.mu.Unlock()

	log.Info().
		Str("session_code", c.ch.Code()).
		Str("stage_id", stage.ID).
		Str("stage_type", string(stage.Type)).
		Int("stage_index", i).
		Msg("stage changed")
	notify(listeners, stage)
	return stage, nil
}

func (c *Controller) currentLocked() models.Stage {
	if c.ended && (c.index < 0 || c.stages[c.index].Type != models.StageTypeEnded) {
		return Resolve(models.StageEnded, c.stages)
	}
	if c.index < 0 {
		return Resolve(models.StageNotStarted, c.stages)
	}
	return c.stages[c.index]
}

func (c *Controller) listenersLocked() []func(models.Stage) {
	out := make([]func(models.Stage), len(c.listeners))
	copy(out, c.listeners)
	return out
}

func (c *Controller) indexOf(id string) int {
	for i, s := range c.stages {
		if s.ID == id {
			return i
		}
	}
	return -1
}

func notify(listeners []func(models.Stage), stage models.Stage) {
	for _, fn := range listeners {
		fn(stage)
	}
}

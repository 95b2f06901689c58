package classroom

import (
	"context"
	"sync"
	"time"

	"github.com/mcdev12/classroom/go/internal/models"
	"github.com/mcdev12/classroom/go/internal/scoring"
	"github.com/mcdev12/classroom/go/internal/stage"
	"github.com/mcdev12/classroom/go/internal/store"
	"github.com/rs/zerolog/log"
)

// AuxDisplay is the host's secondary screen (a projector view). A session
// has at most one and it never outlives the HostSession that opened it.
type AuxDisplay struct {
	ID       string
	OpenedAt time.Time

	host *HostSession

	mu       sync.Mutex
	stage    models.Stage
	board    []scoring.Standing
	subs     []store.Subscription
	onUpdate func(models.Stage, []scoring.Standing)
	closed   bool
}

// OpenDisplay claims the session's display slot. fn receives the stage and
// leaderboard after every change and may be nil.
func (h *HostSession) OpenDisplay(ctx context.Context, id string, fn func(models.Stage, []scoring.Standing)) (*AuxDisplay, error) {
	h.mu.Lock()
	if h.display != nil {
		h.mu.Unlock()
		return nil, ErrDisplayOpen
	}
	d := &AuxDisplay{
		ID:       id,
		OpenedAt: h.clock.Now().UTC(),
		host:     h,
		stage:    stage.Resolve(models.StageNotStarted, h.lesson.Stages),
		onUpdate: fn,
	}
	h.display = d
	h.mu.Unlock()

	stageSub, err := h.ch.SubscribeStage(ctx, func(id string) {
		d.update(func() { d.stage = stage.Resolve(id, h.lesson.Stages) })
	})
	if err != nil {
		h.releaseDisplay(d)
		return nil, err
	}
	rosterSub, err := h.ch.SubscribeRoster(ctx, func(roster []models.Participant) {
		d.update(func() { d.board = scoring.Leaderboard(roster) })
	})
	if err != nil {
		stageSub.Unsubscribe()
		h.releaseDisplay(d)
		return nil, err
	}

	d.mu.Lock()
	d.subs = []store.Subscription{stageSub, rosterSub}
	closed := d.closed
	d.mu.Unlock()
	if closed {
		stageSub.Unsubscribe()
		rosterSub.Unsubscribe()
	}

	log.Info().Str("session_code", h.Code()).Str("display_id", id).Msg("display opened")
	return d, nil
}

// Display returns the open display, if any.
func (h *HostSession) Display() (*AuxDisplay, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.display, h.display != nil
}

func (h *HostSession) releaseDisplay(d *AuxDisplay) {
	h.mu.Lock()
	if h.display == d {
		h.display = nil
	}
	h.mu.Unlock()
}

func (d *AuxDisplay) update(apply func()) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	apply()
	s, board, fn := d.stage, d.board, d.onUpdate
	d.mu.Unlock()
	if fn != nil {
		fn(s, board)
	}
}

// Snapshot returns the stage and leaderboard currently shown.
func (d *AuxDisplay) Snapshot() (models.Stage, []scoring.Standing) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stage, d.board
}

// Close releases the display slot.
func (d *AuxDisplay) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	subs := d.subs
	d.subs = nil
	d.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
	d.host.releaseDisplay(d)
}

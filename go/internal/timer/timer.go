package timer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/classroom/go/internal/models"
	"github.com/mcdev12/classroom/go/internal/session"
	"github.com/rs/zerolog/log"
)

const (
	MinPresetMinutes     = 1
	MaxPresetMinutes     = 60
	DefaultPresetMinutes = 5

	tickInterval = time.Second
)

var (
	ErrRunning          = errors.New("timer is running")
	ErrPresetOutOfRange = errors.New("preset out of range")
)

// Timer is the host-side countdown for one stage. Remaining time is derived
// from a deadline so it never goes up between ticks, and only some ticks are
// written to the store (see ShouldSync).
type Timer struct {
	ch      *session.Channel
	stageID string
	clock   clockwork.Clock

	mu          sync.Mutex
	preset      int
	running     bool
	autoStarted bool
	deadline    time.Time
	remaining   int
	ticker      clockwork.Ticker
	stop        chan struct{}
}

func New(ch *session.Channel, stageID string, clock clockwork.Clock) *Timer {
	return &Timer{
		ch:      ch,
		stageID: stageID,
		clock:   clock,
		preset:  DefaultPresetMinutes,
	}
}

// Load restores the timer from the store. A timer that was running keeps
// counting toward the deadline implied by its last sync.
func (t *Timer) Load(ctx context.Context) error {
	state, err := t.ch.Timer(ctx, t.stageID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if state.PresetMinutes >= MinPresetMinutes && state.PresetMinutes <= MaxPresetMinutes {
		t.preset = state.PresetMinutes
	}
	t.remaining = state.RemainingSeconds
	t.autoStarted = t.autoStarted || state.AutoStarted
	if !state.Running || t.running {
		return nil
	}

	deadline := state.UpdatedAt.Add(time.Duration(state.RemainingSeconds) * time.Second)
	if !deadline.After(t.clock.Now()) {
		return t.finishLocked(ctx)
	}
	t.deadline = deadline
	t.running = true
	t.startLoopLocked(ctx)
	return nil
}

func (t *Timer) StageID() string { return t.stageID }

func (t *Timer) Preset() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.preset
}

func (t *Timer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// AutoStarted reports whether the countdown was ever started on stage entry.
func (t *Timer) AutoStarted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.autoStarted
}

// Remaining returns the whole seconds left, rounded up.
func (t *Timer) Remaining() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remainingLocked()
}

// SetPreset changes the preset while the timer is stopped.
func (t *Timer) SetPreset(ctx context.Context, minutes int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.setPresetLocked(ctx, minutes)
}

// AdjustPreset moves the preset by delta minutes.
func (t *Timer) AdjustPreset(ctx context.Context, delta int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.setPresetLocked(ctx, t.preset+delta); err != nil {
		return t.preset, err
	}
	return t.preset, nil
}

func (t *Timer) setPresetLocked(ctx context.Context, minutes int) error {
	if t.running {
		return ErrRunning
	}
	if minutes < MinPresetMinutes || minutes > MaxPresetMinutes {
		return fmt.Errorf("%w: %d minutes", ErrPresetOutOfRange, minutes)
	}
	t.preset = minutes
	return t.writeLocked(ctx)
}

// Start counts down from the preset.
func (t *Timer) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return ErrRunning
	}
	t.remaining = t.preset * 60
	t.deadline = t.clock.Now().Add(time.Duration(t.remaining) * time.Second)
	t.running = true
	if err := t.writeLocked(ctx); err != nil {
		t.running = false
		return err
	}
	t.startLoopLocked(ctx)

	log.Info().
		Str("session_code", t.ch.Code()).
		Str("stage_id", t.stageID).
		Int("preset_minutes", t.preset).
		Msg("timer started")
	return nil
}

// AutoStart sets the preset and starts the countdown in a single write, and
// records that it did so. It returns false without touching the timer once
// that has happened, and ErrRunning if the host already started it.
func (t *Timer) AutoStart(ctx context.Context, minutes int) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.autoStarted {
		return false, nil
	}
	if t.running {
		return false, ErrRunning
	}
	if minutes < MinPresetMinutes || minutes > MaxPresetMinutes {
		return false, fmt.Errorf("%w: %d minutes", ErrPresetOutOfRange, minutes)
	}

	preset, remaining := t.preset, t.remaining
	t.preset = minutes
	t.remaining = minutes * 60
	t.deadline = t.clock.Now().Add(time.Duration(t.remaining) * time.Second)
	t.running = true
	t.autoStarted = true
	if err := t.writeLocked(ctx); err != nil {
		t.preset, t.remaining = preset, remaining
		t.running = false
		t.autoStarted = false
		return false, err
	}
	t.startLoopLocked(ctx)

	log.Info().
		Str("session_code", t.ch.Code()).
		Str("stage_id", t.stageID).
		Int("preset_minutes", minutes).
		Msg("timer auto-started")
	return true, nil
}

// Pause freezes the remaining time.
func (t *Timer) Pause(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return nil
	}
	t.remaining = t.remainingLocked()
	t.running = false
	t.stopLoopLocked()
	return t.writeLocked(ctx)
}

// Resume continues a paused countdown. There is nothing to resume once the
// countdown has reached zero.
func (t *Timer) Resume(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running || t.remaining <= 0 {
		return nil
	}
	t.deadline = t.clock.Now().Add(time.Duration(t.remaining) * time.Second)
	t.running = true
	if err := t.writeLocked(ctx); err != nil {
		t.running = false
		return err
	}
	t.startLoopLocked(ctx)
	return nil
}

// Reset stops the countdown and clears the remaining time.
func (t *Timer) Reset(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopLoopLocked()
	t.running = false
	t.remaining = 0
	return t.writeLocked(ctx)
}

// Stop ends the tick loop without writing anything. Used on teardown.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLoopLocked()
	t.running = false
}

func (t *Timer) startLoopLocked(ctx context.Context) {
	t.stopLoopLocked()
	t.ticker = t.clock.NewTicker(tickInterval)
	t.stop = make(chan struct{})
	// the countdown outlives the request that started it; Stop ends it
	go t.loop(context.WithoutCancel(ctx), t.ticker, t.stop)
}

func (t *Timer) stopLoopLocked() {
	if t.stop != nil {
		close(t.stop)
		t.stop = nil
	}
	if t.ticker != nil {
		t.ticker.Stop()
		t.ticker = nil
	}
}

func (t *Timer) loop(ctx context.Context, ticker clockwork.Ticker, stop chan struct{}) {
	lastSynced := -1
	for {
		select {
		case <-ctx.Done():
			t.mu.Lock()
			if t.stop == stop {
				t.stopLoopLocked()
				t.running = false
			}
			t.mu.Unlock()
			return
		case <-stop:
			return
		case <-ticker.Chan():
			t.mu.Lock()
			if t.stop != stop {
				t.mu.Unlock()
				return
			}
			remaining := t.remainingLocked()
			if remaining <= 0 {
				if err := t.finishLocked(ctx); err != nil {
					log.Error().Err(err).Str("stage_id", t.stageID).Msg("failed to write finished timer")
				}
				t.mu.Unlock()
				return
			}
			if ShouldSync(remaining) && remaining != lastSynced {
				err := t.ch.UpdateTimer(ctx, t.stageID, map[string]any{
					"remaining_seconds": remaining,
					"updated_at":        t.clock.Now().UTC(),
				})
				if err != nil {
					log.Error().Err(err).Str("stage_id", t.stageID).Int("remaining", remaining).Msg("failed to sync timer")
				} else {
					lastSynced = remaining
				}
			}
			t.mu.Unlock()
		}
	}
}

func (t *Timer) finishLocked(ctx context.Context) error {
	t.stopLoopLocked()
	t.running = false
	t.remaining = 0
	log.Info().Str("session_code", t.ch.Code()).Str("stage_id", t.stageID).Msg("timer finished")
	return t.writeLocked(ctx)
}

func (t *Timer) remainingLocked() int {
	if !t.running {
		return t.remaining
	}
	left := t.deadline.Sub(t.clock.Now())
	if left <= 0 {
		return 0
	}
	return int((left + time.Second - 1) / time.Second)
}

func (t *Timer) writeLocked(ctx context.Context) error {
	state := models.TimerState{
		StageID:          t.stageID,
		PresetMinutes:    t.preset,
		RemainingSeconds: t.remainingLocked(),
		Running:          t.running,
		UpdatedAt:        t.clock.Now().UTC(),
		AutoStarted:      t.autoStarted,
	}
	if err := t.ch.SetTimer(ctx, state); err != nil {
		return fmt.Errorf("write timer %s: %w", t.stageID, err)
	}
	return nil
}

// ShouldSync reports whether a tick with the given remaining seconds is
// written to the store: every second under ten, every fifth second up to a
// minute, every tenth second above that, and always at zero.
func ShouldSync(remaining int) bool {
	switch {
	case remaining <= 0:
		return true
	case remaining < 10:
		return true
	case remaining <= 60:
		return remaining%5 == 0
	default:
		return remaining%10 == 0
	}
}

// Format renders seconds as MM:SS.
func Format(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}

package stage

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/classroom/go/internal/models"
	"github.com/mcdev12/classroom/go/internal/session"
	"github.com/mcdev12/classroom/go/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lesson() []models.Stage {
	return []models.Stage{
		{ID: "join-code", Type: models.StageTypeJoin},
		{ID: "demo", Type: models.StageTypeDemo},
		{ID: "activity-q", Type: models.StageTypeActivity, ActivityID: "quiz"},
		{ID: "results", Type: models.StageTypeResults, ActivityID: "quiz"},
		{ID: "ended", Type: models.StageTypeEnded},
	}
}

func resolvable(id string) bool { return id == "quiz" }

type fakeSub struct{ cancelled atomic.Int32 }

func (f *fakeSub) Unsubscribe() { f.cancelled.Add(1) }

type modeLog struct {
	mu    sync.Mutex
	steps []string
	modes []Mode
}

func (l *modeLog) handle(mode Mode, stage models.Stage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.steps = append(l.steps, stage.ID)
	l.modes = append(l.modes, mode)
}

func (l *modeLog) last() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.steps) == 0 {
		return ""
	}
	return l.steps[len(l.steps)-1]
}

func TestModeFor(t *testing.T) {
	in := ModeInputs{ActivityResolvable: resolvable}
	cases := []struct {
		stage models.Stage
		want  Mode
	}{
		{models.Stage{Type: models.StageTypeSummary}, ModeWatchHost},
		{models.Stage{Type: models.StageTypeDiscussion}, ModeWatchHost},
		{models.Stage{Type: models.StageTypeDemo}, ModeWatchHost},
		{models.Stage{Type: models.StageTypeClassDemo}, ModeWatchHost},
		{models.Stage{Type: models.StageTypeVideo}, ModeWatchHost},
		{models.Stage{Type: models.StageTypeLocked}, ModeWatchHost},
		{models.Stage{Type: models.StageTypeJoin}, ModeWatchHost},
		{models.Stage{Type: models.StageTypeActivity, ActivityID: "quiz"}, ModePlayActivity},
		{models.Stage{Type: models.StageTypeActivity, ActivityID: "missing"}, ModeWaitingRoom},
		{models.Stage{Type: models.StageTypeResults}, ModeWatchHost},
		{models.Stage{Type: models.StageTypeEnded}, ModeSessionEnded},
		{Resolve(models.StageNotStarted, nil), ModeWaitingRoom},
		{Resolve(models.StageEnded, nil), ModeSessionEnded},
		{Resolve("gone", lesson()), ModeWaitingRoom},
	}
	for _, tc := range cases {
		t.Run(string(tc.stage.Type)+"/"+tc.stage.ID, func(t *testing.T) {
			assert.Equal(t, tc.want, ModeFor(tc.stage, in))
		})
	}

	withResult := ModeInputs{HasResult: func(models.Stage) bool { return true }}
	assert.Equal(t, ModeIndividualResult, ModeFor(models.Stage{Type: models.StageTypeResults}, withResult))
}

func TestController_AdvanceThroughLesson(t *testing.T) {
	ctx := context.Background()
	ch := session.NewChannel(store.NewMemoryStore(), "ABC123")
	c, err := NewController(ch, lesson())
	require.NoError(t, err)

	var changes []string
	c.OnChange(func(s models.Stage) { changes = append(changes, s.ID) })

	require.NoError(t, c.Start(ctx))
	id, err := ch.Stage(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StageNotStarted, id)

	for _, want := range []string{"join-code", "demo", "activity-q", "results", "ended"} {
		s, err := c.Advance(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, s.ID)
		id, err := ch.Stage(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, id)
	}
	assert.True(t, c.Ended())

	_, err = c.Advance(ctx)
	assert.ErrorIs(t, err, ErrSessionEnded)
	_, err = c.JumpTo(ctx, "demo")
	assert.ErrorIs(t, err, ErrSessionEnded)
	assert.ErrorIs(t, c.Start(ctx), ErrSessionEnded)

	assert.Equal(t, []string{models.StageNotStarted, "join-code", "demo", "activity-q", "results", "ended"}, changes)
}

func TestController_AdvancePastLastEnds(t *testing.T) {
	ctx := context.Background()
	ch := session.NewChannel(store.NewMemoryStore(), "ABC123")
	c, err := NewController(ch, []models.Stage{{ID: "s1", Type: models.StageTypeSummary}})
	require.NoError(t, err)

	_, err = c.Advance(ctx)
	require.NoError(t, err)
	s, err := c.Advance(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StageTypeEnded, s.Type)

	id, _ := ch.Stage(ctx)
	assert.Equal(t, models.StageEnded, id)
	cur, _ := c.Current()
	assert.Equal(t, models.StageEnded, cur.ID)
}

func TestController_JumpTo(t *testing.T) {
	ctx := context.Background()
	ch := session.NewChannel(store.NewMemoryStore(), "ABC123")
	c, err := NewController(ch, lesson())
	require.NoError(t, err)

	s, err := c.JumpTo(ctx, "results")
	require.NoError(t, err)
	assert.Equal(t, "results", s.ID)
	_, idx := c.Current()
	assert.Equal(t, 3, idx)

	_, err = c.JumpTo(ctx, "nope")
	assert.ErrorIs(t, err, ErrUnknownStage)

	// advancing continues from the jumped-to position
	s, err = c.Advance(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ended", s.ID)
}

func TestController_RejectsBadLessons(t *testing.T) {
	ch := session.NewChannel(store.NewMemoryStore(), "ABC123")
	_, err := NewController(ch, nil)
	assert.ErrorIs(t, err, ErrNoStages)

	_, err = NewController(ch, []models.Stage{{ID: "a"}, {ID: "a"}})
	assert.Error(t, err)
}

func TestController_Load(t *testing.T) {
	ctx := context.Background()
	ch := session.NewChannel(store.NewMemoryStore(), "ABC123")
	require.NoError(t, ch.SetStage(ctx, "demo"))

	c, err := NewController(ch, lesson())
	require.NoError(t, err)
	require.NoError(t, c.Load(ctx))
	s, idx := c.Current()
	assert.Equal(t, "demo", s.ID)
	assert.Equal(t, 1, idx)
}

func TestFollower_ScenarioABC123(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	ch := session.NewChannel(store.NewMemoryStore(), "ABC123")

	c, err := NewController(ch, lesson())
	require.NoError(t, err)

	var mounts atomic.Int32
	activitySub := &fakeSub{}
	var redirected atomic.Bool
	log := &modeLog{}

	f := NewFollower(ch, FollowerConfig{
		Stages: lesson(),
		Inputs: ModeInputs{ActivityResolvable: resolvable},
		Mounter: MounterFunc(func(ctx context.Context, stage models.Stage) (store.Subscription, error) {
			mounts.Add(1)
			return activitySub, nil
		}),
		OnMode:     log.handle,
		OnRedirect: func() { redirected.Store(true) },
		Clock:      clock,
	})
	require.NoError(t, f.Follow(ctx))
	defer f.Close()

	require.NoError(t, c.Start(ctx))
	_, err = c.Advance(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return log.last() == "join-code" }, time.Second, 5*time.Millisecond)

	for _, want := range []string{"demo", "activity-q", "results", "ended"} {
		_, err := c.Advance(ctx)
		require.NoError(t, err)
		require.Eventually(t, func() bool { return log.last() == want }, time.Second, 5*time.Millisecond)
	}

	log.mu.Lock()
	assert.Equal(t, []string{"join-code", "demo", "activity-q", "results", "ended"}, log.steps)
	assert.Equal(t, []Mode{ModeWatchHost, ModeWatchHost, ModePlayActivity, ModeWatchHost, ModeSessionEnded}, log.modes)
	log.mu.Unlock()

	assert.EqualValues(t, 1, mounts.Load())
	assert.EqualValues(t, 1, activitySub.cancelled.Load())

	assert.False(t, redirected.Load())
	clock.Advance(EndGraceDelay)
	require.Eventually(t, redirected.Load, time.Second, 5*time.Millisecond)
}

func TestFollower_ModeDependsOnlyOnCurrentStage(t *testing.T) {
	stages := lesson()
	in := ModeInputs{ActivityResolvable: resolvable}
	rng := rand.New(rand.NewPCG(1, 2))

	for run := 0; run < 20; run++ {
		ch := session.NewChannel(store.NewMemoryStore(), "ABC123")
		f := NewFollower(ch, FollowerConfig{
			Stages:  stages,
			Inputs:  in,
			Mounter: MounterFunc(func(context.Context, models.Stage) (store.Subscription, error) { return &fakeSub{}, nil }),
			Clock:   clockwork.NewFakeClock(),
		})

		// random history, always ending on the same stage
		steps := rng.IntN(10)
		for i := 0; i < steps; i++ {
			f.Apply(context.Background(), stages[rng.IntN(len(stages)-1)].ID)
		}
		target := stages[rng.IntN(len(stages))]
		f.Apply(context.Background(), target.ID)

		mode, got := f.Mode()
		assert.Equal(t, target.ID, got.ID)
		assert.Equal(t, ModeFor(target, in), mode)
		f.Close()
	}
}

func TestFollower_UnresolvableActivityShowsWaitingRoom(t *testing.T) {
	ch := session.NewChannel(store.NewMemoryStore(), "ABC123")
	var mounts atomic.Int32
	f := NewFollower(ch, FollowerConfig{
		Stages: []models.Stage{{ID: "a1", Type: models.StageTypeActivity, ActivityID: "unknown"}},
		Inputs: ModeInputs{ActivityResolvable: resolvable},
		Mounter: MounterFunc(func(context.Context, models.Stage) (store.Subscription, error) {
			mounts.Add(1)
			return &fakeSub{}, nil
		}),
		Clock: clockwork.NewFakeClock(),
	})
	defer f.Close()

	f.Apply(context.Background(), "a1")
	mode, _ := f.Mode()
	assert.Equal(t, ModeWaitingRoom, mode)
	assert.Zero(t, mounts.Load())
}

func TestFollower_CloseUnmounts(t *testing.T) {
	ch := session.NewChannel(store.NewMemoryStore(), "ABC123")
	sub := &fakeSub{}
	f := NewFollower(ch, FollowerConfig{
		Stages:  lesson(),
		Inputs:  ModeInputs{ActivityResolvable: resolvable},
		Mounter: MounterFunc(func(context.Context, models.Stage) (store.Subscription, error) { return sub, nil }),
		Clock:   clockwork.NewFakeClock(),
	})

	f.Apply(context.Background(), "activity-q")
	f.Apply(context.Background(), "activity-q")
	f.Close()
	assert.EqualValues(t, 1, sub.cancelled.Load())

	// deliveries after close are ignored
	f.Apply(context.Background(), "demo")
	mode, _ := f.Mode()
	assert.Equal(t, ModePlayActivity, mode)
}

package classroom

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/classroom/go/internal/lesson"
	"github.com/mcdev12/classroom/go/internal/models"
	"github.com/mcdev12/classroom/go/internal/round"
	"github.com/mcdev12/classroom/go/internal/session"
	"github.com/mcdev12/classroom/go/internal/stage"
	"github.com/mcdev12/classroom/go/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = time.Second

type harness struct {
	ctx    context.Context
	store  *store.MemoryStore
	clock  *clockwork.FakeClock
	lesson *lesson.Lesson
	host   *HostSession
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	l, err := lesson.Load("../lesson/testdata/fractions.yaml")
	require.NoError(t, err)

	h := &harness{
		ctx:    context.Background(),
		store:  store.NewMemoryStore(),
		clock:  clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)),
		lesson: l,
	}
	h.host, err = StartSession(h.ctx, HostConfig{Store: h.store, Lesson: l, Clock: h.clock})
	require.NoError(t, err)
	t.Cleanup(h.host.Close)
	return h
}

func (h *harness) join(t *testing.T, id string) *ParticipantSession {
	t.Helper()
	p, err := Join(h.ctx, ParticipantConfig{
		Store:         h.store,
		Lesson:        h.lesson,
		Clock:         h.clock,
		Code:          h.host.Code(),
		ParticipantID: id,
	})
	require.NoError(t, err)
	t.Cleanup(p.Leave)
	return p
}

func (h *harness) advanceTo(t *testing.T, stageID string) {
	t.Helper()
	for i := 0; i < len(h.lesson.Stages)+1; i++ {
		s, err := h.host.Advance(h.ctx)
		require.NoError(t, err)
		if s.ID == stageID {
			return
		}
	}
	t.Fatalf("stage %s never reached", stageID)
}

func waitMode(t *testing.T, p *ParticipantSession, want stage.Mode) {
	t.Helper()
	require.Eventually(t, func() bool {
		mode, _ := p.Mode()
		return mode == want
	}, waitFor, 5*time.Millisecond, "mode never became %s", want)
}

func TestStartSession_PublishesMetaAndWaitingRoom(t *testing.T) {
	h := newHarness(t)
	ch := h.host.Channel()

	assert.True(t, session.ValidCode(h.host.Code()))

	meta, ok, err := ch.Meta(h.ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "fractions", meta.LessonID)
	assert.Len(t, meta.Stages, len(h.lesson.Stages))
	assert.False(t, meta.Ended())

	id, err := ch.Stage(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StageNotStarted, id)
}

func TestHostSession_AutoStartsActivityTimerOnce(t *testing.T) {
	h := newHarness(t)
	h.advanceTo(t, "quiz-stage")

	state, err := h.host.Channel().Timer(h.ctx, "quiz-stage")
	require.NoError(t, err)
	assert.True(t, state.Running)
	assert.Equal(t, 3, state.PresetMinutes)
	assert.Equal(t, 180, state.RemainingSeconds)

	require.NoError(t, h.host.Timer("quiz-stage").Pause(h.ctx))
	_, err = h.host.JumpTo(h.ctx, "demo")
	require.NoError(t, err)
	_, err = h.host.JumpTo(h.ctx, "quiz-stage")
	require.NoError(t, err)

	assert.False(t, h.host.Timer("quiz-stage").Running())
}

func TestHostSession_End(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.host.End(h.ctx))

	ch := h.host.Channel()
	id, err := ch.Stage(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StageEnded, id)

	meta, _, err := ch.Meta(h.ctx)
	require.NoError(t, err)
	assert.True(t, meta.Ended())

	_, err = h.host.Advance(h.ctx)
	assert.ErrorIs(t, err, stage.ErrSessionEnded)

	_, err = Join(h.ctx, ParticipantConfig{Store: h.store, Lesson: h.lesson, Clock: h.clock, Code: h.host.Code()})
	assert.ErrorIs(t, err, stage.ErrSessionEnded)
}

type fakeRegistry struct {
	mu    sync.Mutex
	metas map[string]models.SessionMeta
}

func (r *fakeRegistry) CreateSession(_ context.Context, meta models.SessionMeta) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.metas == nil {
		r.metas = map[string]models.SessionMeta{}
	}
	r.metas[meta.Code] = meta
	return nil
}

func (r *fakeRegistry) EndSession(_ context.Context, code string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	meta, ok := r.metas[code]
	if !ok {
		return session.ErrSessionNotFound
	}
	meta.EndedAt = &at
	r.metas[code] = meta
	return nil
}

func (r *fakeRegistry) CodeExists(_ context.Context, code string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.metas[code]
	return ok, nil
}

func (r *fakeRegistry) GetSession(_ context.Context, code string) (*models.SessionMeta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	meta, ok := r.metas[code]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	return &meta, nil
}

func TestHostSession_AdvancePastLastStageEndsSession(t *testing.T) {
	h := newHarness(t)
	registry := &fakeRegistry{}
	host, err := StartSession(h.ctx, HostConfig{Store: h.store, Lesson: h.lesson, Clock: h.clock, Registry: registry})
	require.NoError(t, err)
	t.Cleanup(host.Close)

	var last models.Stage
	for _, want := range []string{"join-code", "intro", "demo", "quiz-stage", "results", "ended"} {
		last, err = host.Advance(h.ctx)
		require.NoError(t, err)
		require.Equal(t, want, last.ID)
	}
	assert.Equal(t, models.StageTypeEnded, last.Type)
	assert.True(t, host.Ended())

	ch := host.Channel()
	meta, _, err := ch.Meta(h.ctx)
	require.NoError(t, err)
	assert.True(t, meta.Ended())

	recorded, err := registry.GetSession(h.ctx, host.Code())
	require.NoError(t, err)
	assert.NotNil(t, recorded.EndedAt)

	assert.False(t, host.Timer("quiz-stage").Running())
	state, err := ch.Timer(h.ctx, "quiz-stage")
	require.NoError(t, err)
	assert.False(t, state.Running)

	_, err = host.Advance(h.ctx)
	assert.ErrorIs(t, err, stage.ErrSessionEnded)
	_, err = Join(h.ctx, ParticipantConfig{Store: h.store, Lesson: h.lesson, Clock: h.clock, Code: host.Code()})
	assert.ErrorIs(t, err, stage.ErrSessionEnded)
	_, err = ResumeSession(h.ctx, HostConfig{Store: h.store, Lesson: h.lesson, Clock: h.clock}, host.Code())
	assert.ErrorIs(t, err, stage.ErrSessionEnded)
}

func TestHostSession_JumpToEndedStageEndsSession(t *testing.T) {
	h := newHarness(t)
	h.advanceTo(t, "quiz-stage")

	_, err := h.host.JumpTo(h.ctx, "ended")
	require.NoError(t, err)

	assert.True(t, h.host.Ended())
	meta, _, err := h.host.Channel().Meta(h.ctx)
	require.NoError(t, err)
	assert.True(t, meta.Ended())
	assert.False(t, h.host.Timer("quiz-stage").Running())
}

func TestHostSession_SingleDisplay(t *testing.T) {
	h := newHarness(t)

	d, err := h.host.OpenDisplay(h.ctx, "projector", nil)
	require.NoError(t, err)

	_, err = h.host.OpenDisplay(h.ctx, "second", nil)
	assert.ErrorIs(t, err, ErrDisplayOpen)

	h.join(t, "p-1")
	require.Eventually(t, func() bool {
		_, board := d.Snapshot()
		return len(board) == 1
	}, waitFor, 5*time.Millisecond)

	_, err = h.host.Advance(h.ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, _ := d.Snapshot()
		return s.ID == "join-code"
	}, waitFor, 5*time.Millisecond)

	d.Close()
	_, ok := h.host.Display()
	assert.False(t, ok)

	d2, err := h.host.OpenDisplay(h.ctx, "projector", nil)
	require.NoError(t, err)
	d2.Close()
}

func TestResumeSession(t *testing.T) {
	h := newHarness(t)
	h.advanceTo(t, "quiz-stage")

	resumed, err := ResumeSession(h.ctx, HostConfig{Store: h.store, Lesson: h.lesson, Clock: h.clock}, h.host.Code())
	require.NoError(t, err)
	defer resumed.Close()

	current, _ := resumed.Controller().Current()
	assert.Equal(t, "quiz-stage", current.ID)
	assert.True(t, resumed.Timer("quiz-stage").Running())

	_, err = ResumeSession(h.ctx, HostConfig{Store: h.store, Lesson: h.lesson, Clock: h.clock}, "ZZZ999")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestResumeSession_FinishedTimerIsNotStartedAgain(t *testing.T) {
	h := newHarness(t)
	h.advanceTo(t, "quiz-stage")

	h.clock.Advance(181 * time.Second)
	require.Eventually(t, func() bool {
		state, err := h.host.Channel().Timer(h.ctx, "quiz-stage")
		require.NoError(t, err)
		return !state.Running && state.RemainingSeconds == 0
	}, waitFor, 5*time.Millisecond)
	h.host.Close()

	resumed, err := ResumeSession(h.ctx, HostConfig{Store: h.store, Lesson: h.lesson, Clock: h.clock}, h.host.Code())
	require.NoError(t, err)
	defer resumed.Close()

	_, err = resumed.JumpTo(h.ctx, "demo")
	require.NoError(t, err)
	_, err = resumed.JumpTo(h.ctx, "quiz-stage")
	require.NoError(t, err)

	assert.False(t, resumed.Timer("quiz-stage").Running())
	state, err := resumed.Channel().Timer(h.ctx, "quiz-stage")
	require.NoError(t, err)
	assert.False(t, state.Running)
	assert.Equal(t, 0, state.RemainingSeconds)
}

func TestJoin_RejectsBadCodes(t *testing.T) {
	h := newHarness(t)

	_, err := Join(h.ctx, ParticipantConfig{Store: h.store, Lesson: h.lesson, Code: "abc"})
	assert.ErrorIs(t, err, ErrInvalidCode)

	_, err = Join(h.ctx, ParticipantConfig{Store: h.store, Lesson: h.lesson, Code: "ZZZ999"})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestJoin_AssignsIdentityAndKeepsItOnRejoin(t *testing.T) {
	h := newHarness(t)

	p := h.join(t, "p-1")
	first := p.Self()
	assert.NotEmpty(t, first.Name)
	assert.NotEmpty(t, first.Color)
	assert.NotEmpty(t, first.Icon)
	p.Leave()

	again := h.join(t, "p-1")
	assert.Equal(t, first.Name, again.Self().Name)

	roster, err := h.host.Channel().Roster(h.ctx)
	require.NoError(t, err)
	assert.Len(t, roster, 1)
}

func TestJoin_NewParticipantGetsID(t *testing.T) {
	h := newHarness(t)
	p := h.join(t, "")
	assert.NotEmpty(t, p.ID())

	_, ok, err := h.host.Channel().Participant(h.ctx, p.ID())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestParticipant_Heartbeat(t *testing.T) {
	h := newHarness(t)
	p := h.join(t, "p-1")

	ctx, cancel := context.WithTimeout(h.ctx, waitFor)
	defer cancel()
	require.NoError(t, h.clock.BlockUntilContext(ctx, 1))
	h.clock.Advance(DefaultHeartbeatInterval)
	want := h.clock.Now().UTC()

	require.Eventually(t, func() bool {
		rec, _, err := h.host.Channel().Participant(h.ctx, p.ID())
		return err == nil && rec.HeartbeatAt.Equal(want)
	}, waitFor, 5*time.Millisecond)
}

func TestParticipant_QuizFlow(t *testing.T) {
	h := newHarness(t)

	var mu sync.Mutex
	var modes []stage.Mode
	p, err := Join(h.ctx, ParticipantConfig{
		Store:         h.store,
		Lesson:        h.lesson,
		Clock:         h.clock,
		Code:          h.host.Code(),
		ParticipantID: "p-1",
		OnMode: func(mode stage.Mode, _ models.Stage) {
			mu.Lock()
			modes = append(modes, mode)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	defer p.Leave()

	waitMode(t, p, stage.ModeWaitingRoom)
	assert.ErrorIs(t, p.Submit(h.ctx, "3/4"), round.ErrNotAnswerable)

	h.advanceTo(t, "quiz-stage")
	waitMode(t, p, stage.ModePlayActivity)

	quiz, err := h.host.Round(h.ctx, "fractions-quiz")
	require.NoError(t, err)
	require.NoError(t, quiz.Start(h.ctx))

	require.Eventually(t, func() bool {
		v, ok := p.Round()
		return ok && v.Answerable && v.Question != nil
	}, waitFor, 5*time.Millisecond)

	h.clock.Advance(1200 * time.Millisecond)
	require.NoError(t, p.Submit(h.ctx, "3/4"))
	require.NoError(t, quiz.Reveal(h.ctx))

	require.Eventually(t, func() bool { return p.Self().Score == 15 }, waitFor, 5*time.Millisecond)

	board, err := h.host.Leaderboard(h.ctx)
	require.NoError(t, err)
	require.Len(t, board, 1)
	assert.Equal(t, 1, board[0].Rank)
	assert.Equal(t, 15, board[0].Score)

	require.NoError(t, quiz.Next(h.ctx))
	require.NoError(t, quiz.Reveal(h.ctx))
	require.NoError(t, quiz.Next(h.ctx))

	require.Eventually(t, func() bool {
		_, ok := p.Self().Results["fractions-quiz"]
		return ok
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, 15, p.Self().Results["fractions-quiz"])

	h.advanceTo(t, "results")
	waitMode(t, p, stage.ModeIndividualResult)

	_, ok := p.Round()
	assert.False(t, ok, "leaving the activity unmounts the round")

	h.advanceTo(t, "ended")
	waitMode(t, p, stage.ModeSessionEnded)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, modes, stage.ModeWatchHost)
}

func TestParticipant_RedirectAfterEnd(t *testing.T) {
	h := newHarness(t)

	redirected := make(chan struct{})
	p, err := Join(h.ctx, ParticipantConfig{
		Store:      h.store,
		Lesson:     h.lesson,
		Clock:      h.clock,
		Code:       h.host.Code(),
		OnRedirect: func() { close(redirected) },
	})
	require.NoError(t, err)
	defer p.Leave()

	require.NoError(t, h.host.End(h.ctx))
	waitMode(t, p, stage.ModeSessionEnded)

	h.clock.Advance(stage.EndGraceDelay)
	select {
	case <-redirected:
	case <-time.After(waitFor):
		t.Fatal("participant was not redirected")
	}
}

func TestParticipant_LeaveStopsFollowing(t *testing.T) {
	h := newHarness(t)
	p := h.join(t, "p-1")
	waitMode(t, p, stage.ModeWaitingRoom)

	p.Leave()
	p.Leave()

	_, err := h.host.Advance(h.ctx)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)

	mode, _ := p.Mode()
	assert.Equal(t, stage.ModeWaitingRoom, mode)
}

func TestParticipant_RestartBeforeJoinKeepsLaterPoints(t *testing.T) {
	h := newHarness(t)
	quiz, err := h.host.Round(h.ctx, "fractions-quiz")
	require.NoError(t, err)
	require.NoError(t, quiz.Restart(h.ctx))

	p := h.join(t, "p-1")
	assert.Equal(t, 1, p.Self().ResetEpochs["fractions-quiz"])

	require.NoError(t, h.host.Channel().UpdateParticipant(h.ctx, "p-1", map[string]any{session.FieldScore: 30}))
	require.Eventually(t, func() bool { return p.Self().Score == 30 }, waitFor, 5*time.Millisecond)

	h.advanceTo(t, "quiz-stage")
	waitMode(t, p, stage.ModePlayActivity)
	require.NoError(t, quiz.Start(h.ctx))
	require.Eventually(t, func() bool {
		v, ok := p.Round()
		return ok && v.Answerable
	}, waitFor, 5*time.Millisecond)

	v, _ := p.Round()
	assert.Equal(t, 30, v.Score)
	assert.Equal(t, 30, p.Self().Score)
}

func TestParticipant_RestartWhileOnAnotherStage(t *testing.T) {
	h := newHarness(t)
	p := h.join(t, "p-1")
	waitMode(t, p, stage.ModeWaitingRoom)

	ch := h.host.Channel()
	require.NoError(t, ch.UpdateParticipant(h.ctx, "p-1", map[string]any{session.FieldScore: 40}))
	require.Eventually(t, func() bool { return p.Self().Score == 40 }, waitFor, 5*time.Millisecond)

	h.clock.Advance(time.Minute)
	quiz, err := h.host.Round(h.ctx, "fractions-quiz")
	require.NoError(t, err)
	require.NoError(t, quiz.Restart(h.ctx))

	// applied while the quiz is not mounted
	require.Eventually(t, func() bool {
		self := p.Self()
		return self.Score == 0 && self.ResetEpochs["fractions-quiz"] == 1
	}, waitFor, 5*time.Millisecond)

	// points earned after the restart survive mounting the quiz later
	require.NoError(t, ch.UpdateParticipant(h.ctx, "p-1", map[string]any{session.FieldScore: 25}))
	require.Eventually(t, func() bool { return p.Self().Score == 25 }, waitFor, 5*time.Millisecond)

	h.advanceTo(t, "quiz-stage")
	waitMode(t, p, stage.ModePlayActivity)
	require.NoError(t, quiz.Start(h.ctx))
	require.Eventually(t, func() bool {
		v, ok := p.Round()
		return ok && v.Answerable
	}, waitFor, 5*time.Millisecond)

	v, _ := p.Round()
	assert.Equal(t, 25, v.Score)
	rec, _, err := ch.Participant(h.ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, 25, rec.Score)
}

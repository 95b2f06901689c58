package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mcdev12/classroom/go/internal/models"
	"github.com/mcdev12/classroom/go/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannel_Paths(t *testing.T) {
	ch := NewChannel(store.NewMemoryStore(), "ABC123")
	assert.Equal(t, "session/ABC123/stage", ch.StagePath())
	assert.Equal(t, "session/ABC123/meta", ch.MetaPath())
	assert.Equal(t, "session/ABC123/roster/p1", ch.ParticipantPath("p1"))
	assert.Equal(t, "session/ABC123/rounds/quiz", ch.RoundPath("quiz"))
	assert.Equal(t, "session/ABC123/timers/s3", ch.TimerPath("s3"))
}

func TestChannel_MissingDataDecodesToDefaults(t *testing.T) {
	ctx := context.Background()
	ch := NewChannel(store.NewMemoryStore(), "ABC123")

	stage, err := ch.Stage(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StageNotStarted, stage)

	round, err := ch.Round(ctx, "quiz")
	require.NoError(t, err)
	assert.Equal(t, models.RoundPhaseWaiting, round.Phase)
	assert.Equal(t, 0, round.QuestionIndex)
	assert.Equal(t, "quiz", round.GameID)

	timer, err := ch.Timer(ctx, "s3")
	require.NoError(t, err)
	assert.False(t, timer.Running)
	assert.Equal(t, 0, timer.RemainingSeconds)

	roster, err := ch.Roster(ctx)
	require.NoError(t, err)
	assert.Empty(t, roster)

	_, ok, err := ch.Meta(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestChannel_UpdateParticipantKeepsIdentity(t *testing.T) {
	ctx := context.Background()
	ch := NewChannel(store.NewMemoryStore(), "ABC123")

	require.NoError(t, ch.SeedParticipant(ctx, models.Participant{ID: "p1", Name: "Brave Otter", Color: "#2E86AB"}))
	require.NoError(t, ch.UpdateParticipant(ctx, "p1", map[string]any{FieldScore: 15}))

	p, ok, err := ch.Participant(ctx, "p1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Brave Otter", p.Name)
	assert.Equal(t, 15, p.Score)
}

func TestChannel_RosterOrderedByID(t *testing.T) {
	ctx := context.Background()
	ch := NewChannel(store.NewMemoryStore(), "ABC123")
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, ch.SeedParticipant(ctx, models.Participant{ID: id}))
	}

	roster, err := ch.Roster(ctx)
	require.NoError(t, err)
	require.Len(t, roster, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{roster[0].ID, roster[1].ID, roster[2].ID})
}

func TestChannel_SubscribeStageStartsNotStarted(t *testing.T) {
	ctx := context.Background()
	ch := NewChannel(store.NewMemoryStore(), "ABC123")

	var mu sync.Mutex
	var seen []string
	sub, err := ch.SubscribeStage(ctx, func(id string) {
		mu.Lock()
		seen = append(seen, id)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1 && seen[0] == models.StageNotStarted
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, ch.SetStage(ctx, "s1"))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen[len(seen)-1] == "s1"
	}, time.Second, 5*time.Millisecond)
}

func TestChannel_SubscribeRosterSnapshots(t *testing.T) {
	ctx := context.Background()
	ch := NewChannel(store.NewMemoryStore(), "ABC123")

	var mu sync.Mutex
	var latest []models.Participant
	sub, err := ch.SubscribeRoster(ctx, func(r []models.Participant) {
		mu.Lock()
		latest = r
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, ch.SeedParticipant(ctx, models.Participant{ID: "p2", Score: 5}))
	require.NoError(t, ch.SeedParticipant(ctx, models.Participant{ID: "p1", Score: 10}))
	require.NoError(t, ch.UpdateParticipant(ctx, "p2", map[string]any{FieldScore: 20}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(latest) == 2 && latest[0].ID == "p1" && latest[1].Score == 20
	}, time.Second, 5*time.Millisecond)
}

func TestChannel_MarkEndedKeepsStages(t *testing.T) {
	ctx := context.Background()
	ch := NewChannel(store.NewMemoryStore(), "ABC123")
	created := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, ch.SetMeta(ctx, models.SessionMeta{
		Code:      "ABC123",
		LessonID:  "fractions",
		Stages:    []models.Stage{{ID: "s1", Type: models.StageTypeSummary}},
		CreatedAt: created,
	}))
	require.NoError(t, ch.MarkEnded(ctx, created.Add(time.Hour)))

	meta, ok, err := ch.Meta(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, meta.Ended())
	assert.Len(t, meta.Stages, 1)
}

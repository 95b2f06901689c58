package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects delivered entries so tests can wait on them.
type recorder struct {
	mu      sync.Mutex
	entries []Entry
}

func (r *recorder) handle(e Entry) {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

func (r *recorder) last() (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) == 0 {
		return Entry{}, false
	}
	return r.entries[len(r.entries)-1], true
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func TestMemoryStore_GetMissingPath(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Get(context.Background(), "session/ABC123/stage")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_SubscribeDeliversAbsentThenValue(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	rec := &recorder{}

	sub, err := s.Subscribe(ctx, "session/ABC123/stage", rec.handle)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.Eventually(t, func() bool { return rec.count() >= 1 }, time.Second, 5*time.Millisecond)
	first, _ := rec.last()
	assert.False(t, first.Exists)

	require.NoError(t, s.Set(ctx, "session/ABC123/stage", []byte(`"demo"`)))
	require.Eventually(t, func() bool {
		e, ok := rec.last()
		return ok && e.Exists && string(e.Value) == `"demo"`
	}, time.Second, 5*time.Millisecond)
}

func TestMemoryStore_UpdateKeepsSiblingFields(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	path := "session/ABC123/roster/p1"

	require.NoError(t, s.Set(ctx, path, []byte(`{"name":"Brave Otter","score":10}`)))
	require.NoError(t, s.Update(ctx, path, map[string]any{"score": 25}))

	raw, err := s.Get(ctx, path)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "Brave Otter", got["name"])
	assert.EqualValues(t, 25, got["score"])
}

func TestMemoryStore_UpdateCreatesMissingObject(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	path := "session/ABC123/timers/s1"

	require.NoError(t, s.Update(ctx, path, map[string]any{"running": true}))
	raw, err := s.Get(ctx, path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"running":true}`, string(raw))
}

func TestMemoryStore_UpdateNestedKeyKeepsSiblingKeys(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	path := "session/ABC123/roster/p1"

	require.NoError(t, s.Set(ctx, path, []byte(`{"score":30,"scored":{"quiz-a":2}}`)))
	require.NoError(t, s.Update(ctx, path, map[string]any{"scored/quiz-b": 0}))

	raw, err := s.Get(ctx, path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"score":30,"scored":{"quiz-a":2,"quiz-b":0}}`, string(raw))

	require.NoError(t, s.Update(ctx, path, map[string]any{"scored/quiz-a": nil, "scored/quiz-b": nil}))
	raw, err = s.Get(ctx, path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"score":30}`, string(raw))

	require.NoError(t, s.Set(ctx, path, []byte(`{"scored":7}`)))
	assert.Error(t, s.Update(ctx, path, map[string]any{"scored/quiz-a": 1}))
}

func TestMemoryStore_PrefixSubscriptionSeesEveryChild(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Set(ctx, "session/ABC123/roster/a", []byte(`{}`)))

	seen := sync.Map{}
	sub, err := s.SubscribePrefix(ctx, "session/ABC123/roster", func(e Entry) {
		seen.Store(e.Path, true)
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, s.Set(ctx, "session/ABC123/roster/b", []byte(`{}`)))
	require.NoError(t, s.Set(ctx, "session/OTHER1/roster/c", []byte(`{}`)))

	require.Eventually(t, func() bool {
		_, a := seen.Load("session/ABC123/roster/a")
		_, b := seen.Load("session/ABC123/roster/b")
		return a && b
	}, time.Second, 5*time.Millisecond)
	_, other := seen.Load("session/OTHER1/roster/c")
	assert.False(t, other)
}

func TestMemoryStore_UnsubscribeStopsDelivery(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	rec := &recorder{}

	sub, err := s.Subscribe(ctx, "session/ABC123/stage", rec.handle)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)

	sub.Unsubscribe()
	require.NoError(t, s.Set(ctx, "session/ABC123/stage", []byte(`"video"`)))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func TestMemoryStore_CoalescesToLatest(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	path := "session/ABC123/timers/s1"

	block := make(chan struct{})
	rec := &recorder{}
	sub, err := s.Subscribe(ctx, path, func(e Entry) {
		<-block
		rec.handle(e)
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	for i := 0; i < 20; i++ {
		require.NoError(t, s.Set(ctx, path, []byte{byte('a' + i)}))
	}
	close(block)

	require.Eventually(t, func() bool {
		e, ok := rec.last()
		return ok && string(e.Value) == string([]byte{byte('a' + 19)})
	}, time.Second, 5*time.Millisecond)
	assert.Less(t, rec.count(), 21)
}

func TestValidatePath(t *testing.T) {
	cases := []struct {
		path    string
		wantErr bool
	}{
		{"session/ABC123/stage", false},
		{"session/ABC123/roster/3f1c-99", false},
		{"", true},
		{"session//stage", true},
		{"session/a.b/stage", true},
		{"session/*/stage", true},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			err := ValidatePath(tc.path)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPath)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestKeyMapping(t *testing.T) {
	key, err := toKey("session/ABC123/rounds/quiz-1")
	require.NoError(t, err)
	assert.Equal(t, "session.ABC123.rounds.quiz-1", key)
	assert.Equal(t, "session/ABC123/rounds/quiz-1", fromKey(key))
}

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mcdev12/classroom/go/internal/models"
	"github.com/mcdev12/classroom/go/internal/store"
	"github.com/rs/zerolog/log"
)

// Roster field names used in partial updates.
const (
	FieldName            = "name"
	FieldColor           = "color"
	FieldIcon            = "icon"
	FieldScore           = "score"
	FieldLastAnswer      = "last_answer"
	FieldAnswerGame      = "answer_game"
	FieldAnswerIndex     = "answer_index"
	FieldLastSubmittedAt = "last_submitted_at"
	FieldHeartbeatAt     = "heartbeat_at"
	FieldResetEpochs     = "reset_epochs"
	FieldScored          = "scored"
	FieldResults         = "results"
)

// GameField addresses one game's key inside a per-game roster map such as
// FieldScored, so an update touches that game only.
func GameField(field, gameID string) string {
	return field + "/" + gameID
}

// Channel is the store scoped to one session code, with typed accessors for
// the stage, meta, roster, round and timer sub-paths.
type Channel struct {
	store store.Store
	code  string
}

// NewChannel creates a channel for the session code.
func NewChannel(s store.Store, code string) *Channel {
	return &Channel{store: s, code: code}
}

func (c *Channel) Code() string { return c.code }
func (c *Channel) Store() store.Store { return c.store }
func (c *Channel) Root() string { return store.Join("session", c.code) }
func (c *Channel) StagePath() string { return store.Join("session", c.code, "stage") }
func (c *Channel) MetaPath() string { return store.Join("session", c.code, "meta") }
func (c *Channel) RosterPath() string { return store.Join("session", c.code, "roster") }
func (c *Channel) RoundsPath() string { return store.Join("session", c.code, "rounds") }
func (c *Channel) TimersPath() string { return store.Join("session", c.code, "timers") }

func (c *Channel) ParticipantPath(id string) string {
	return store.Join("session", c.code, "roster", id)
}

func (c *Channel) RoundPath(gameID string) string {
	return store.Join("session", c.code, "rounds", gameID)
}

func (c *Channel) TimerPath(stageID string) string {
	return store.Join("session", c.code, "timers", stageID)
}

// Stage returns the current stage id, or models.StageNotStarted when nothing
// has been written yet.
func (c *Channel) Stage(ctx context.Context) (string, error) {
	raw, err := c.store.Get(ctx, c.StagePath())
	if errors.Is(err, store.ErrNotFound) {
		return models.StageNotStarted, nil
	}
	if err != nil {
		return "", fmt.Errorf("get stage: %w", err)
	}
	return decodeStage(raw)
}

func (c *Channel) SetStage(ctx context.Context, stageID string) error {
	raw, err := json.Marshal(stageID)
	if err != nil {
		return fmt.Errorf("marshal stage: %w", err)
	}
	if err := c.store.Set(ctx, c.StagePath(), raw); err != nil {
		return fmt.Errorf("set stage: %w", err)
	}
	return nil
}

// SubscribeStage delivers the current stage id and every change.
func (c *Channel) SubscribeStage(ctx context.Context, fn func(stageID string)) (store.Subscription, error) {
	return c.store.Subscribe(ctx, c.StagePath(), func(e store.Entry) {
		if !e.Exists {
			fn(models.StageNotStarted)
			return
		}
		id, err := decodeStage(e.Value)
		if err != nil {
			log.Warn().Err(err).Str("session_code", c.code).Msg("ignoring malformed stage value")
			return
		}
		fn(id)
	})
}

func (c *Channel) Meta(ctx context.Context) (models.SessionMeta, bool, error) {
	var meta models.SessionMeta
	ok, err := c.getJSON(ctx, c.MetaPath(), &meta)
	if err != nil {
		return models.SessionMeta{}, false, fmt.Errorf("get meta: %w", err)
	}
	return meta, ok, nil
}

func (c *Channel) SetMeta(ctx context.Context, meta models.SessionMeta) error {
	return c.setJSON(ctx, c.MetaPath(), meta)
}

// MarkEnded stamps the end time on the session meta.
func (c *Channel) MarkEnded(ctx context.Context, at time.Time) error {
	if err := c.store.Update(ctx, c.MetaPath(), map[string]any{"ended_at": at.UTC()}); err != nil {
		return fmt.Errorf("mark session ended: %w", err)
	}
	return nil
}

func (c *Channel) Participant(ctx context.Context, id string) (models.Participant, bool, error) {
	var p models.Participant
	ok, err := c.getJSON(ctx, c.ParticipantPath(id), &p)
	if err != nil {
		return models.Participant{}, false, fmt.Errorf("get participant %s: %w", id, err)
	}
	if ok {
		p.ID = id
	}
	return p, ok, nil
}

// Roster returns every participant ordered by participant id. This order is
// the roster iteration order leaderboard ties fall back to.
func (c *Channel) Roster(ctx context.Context) ([]models.Participant, error) {
	entries, err := c.store.List(ctx, c.RosterPath())
	if err != nil {
		return nil, fmt.Errorf("list roster: %w", err)
	}
	byID := make(map[string]models.Participant, len(entries))
	for path, raw := range entries {
		id := c.participantIDFromPath(path)
		if id == "" {
			continue
		}
		var p models.Participant
		if err := json.Unmarshal(raw, &p); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("skipping malformed roster entry")
			continue
		}
		p.ID = id
		byID[id] = p
	}
	return sortedRoster(byID), nil
}

// SeedParticipant writes a complete roster entry. Used once at join time.
func (c *Channel) SeedParticipant(ctx context.Context, p models.Participant) error {
	if p.ID == "" {
		return fmt.Errorf("seed participant: empty id")
	}
	return c.setJSON(ctx, c.ParticipantPath(p.ID), p)
}

// UpdateParticipant merges fields into the participant's own entry.
func (c *Channel) UpdateParticipant(ctx context.Context, id string, fields map[string]any) error {
	if err := c.store.Update(ctx, c.ParticipantPath(id), fields); err != nil {
		return fmt.Errorf("update participant %s: %w", id, err)
	}
	return nil
}

// SubscribeParticipant delivers one participant's entry; ok is false while
// the participant has never joined.
func (c *Channel) SubscribeParticipant(ctx context.Context, id string, fn func(p models.Participant, ok bool)) (store.Subscription, error) {
	return c.store.Subscribe(ctx, c.ParticipantPath(id), func(e store.Entry) {
		if !e.Exists {
			fn(models.Participant{ID: id}, false)
			return
		}
		var p models.Participant
		if err := json.Unmarshal(e.Value, &p); err != nil {
			log.Warn().Err(err).Str("participant_id", id).Msg("ignoring malformed participant value")
			return
		}
		p.ID = id
		fn(p, true)
	})
}

// SubscribeRoster keeps a local copy of the roster and hands fn an ordered
// snapshot after every change.
func (c *Channel) SubscribeRoster(ctx context.Context, fn func([]models.Participant)) (store.Subscription, error) {
	var mu sync.Mutex
	byID := make(map[string]models.Participant)

	return c.store.SubscribePrefix(ctx, c.RosterPath(), func(e store.Entry) {
		id := c.participantIDFromPath(e.Path)
		if id == "" {
			return
		}
		mu.Lock()
		if !e.Exists {
			delete(byID, id)
		} else {
			var p models.Participant
			if err := json.Unmarshal(e.Value, &p); err != nil {
				mu.Unlock()
				log.Warn().Err(err).Str("path", e.Path).Msg("ignoring malformed roster entry")
				return
			}
			p.ID = id
			byID[id] = p
		}
		snapshot := sortedRoster(byID)
		mu.Unlock()

		fn(snapshot)
	})
}

// Round returns the game's round state, defaulting to waiting when absent.
func (c *Channel) Round(ctx context.Context, gameID string) (models.RoundState, error) {
	state := models.NewRoundState(gameID)
	if _, err := c.getJSON(ctx, c.RoundPath(gameID), &state); err != nil {
		return models.RoundState{}, fmt.Errorf("get round %s: %w", gameID, err)
	}
	state.GameID = gameID
	return state, nil
}

func (c *Channel) SetRound(ctx context.Context, state models.RoundState) error {
	return c.setJSON(ctx, c.RoundPath(state.GameID), state)
}

// Rounds returns every round written so far, keyed by game id.
func (c *Channel) Rounds(ctx context.Context) (map[string]models.RoundState, error) {
	entries, err := c.store.List(ctx, c.RoundsPath())
	if err != nil {
		return nil, fmt.Errorf("list rounds: %w", err)
	}
	rounds := make(map[string]models.RoundState, len(entries))
	for path, raw := range entries {
		gameID := strings.TrimPrefix(path, c.RoundsPath()+"/")
		state := models.NewRoundState(gameID)
		if err := json.Unmarshal(raw, &state); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("skipping malformed round entry")
			continue
		}
		state.GameID = gameID
		rounds[gameID] = state
	}
	return rounds, nil
}

// SubscribeRounds delivers every game's round state as it changes.
func (c *Channel) SubscribeRounds(ctx context.Context, fn func(models.RoundState)) (store.Subscription, error) {
	prefix := c.RoundsPath() + "/"
	return c.store.SubscribePrefix(ctx, c.RoundsPath(), func(e store.Entry) {
		gameID := strings.TrimPrefix(e.Path, prefix)
		if !e.Exists || gameID == "" || strings.Contains(gameID, "/") {
			return
		}
		state := models.NewRoundState(gameID)
		if err := json.Unmarshal(e.Value, &state); err != nil {
			log.Warn().Err(err).Str("game_id", gameID).Msg("ignoring malformed round value")
			return
		}
		state.GameID = gameID
		fn(state)
	})
}

func (c *Channel) SubscribeRound(ctx context.Context, gameID string, fn func(models.RoundState)) (store.Subscription, error) {
	return c.store.Subscribe(ctx, c.RoundPath(gameID), func(e store.Entry) {
		state := models.NewRoundState(gameID)
		if e.Exists {
			if err := json.Unmarshal(e.Value, &state); err != nil {
				log.Warn().Err(err).Str("game_id", gameID).Msg("ignoring malformed round value")
				return
			}
		}
		state.GameID = gameID
		fn(state)
	})
}

// Timer returns the stage timer, defaulting to a stopped timer when absent.
func (c *Channel) Timer(ctx context.Context, stageID string) (models.TimerState, error) {
	state := models.TimerState{StageID: stageID}
	if _, err := c.getJSON(ctx, c.TimerPath(stageID), &state); err != nil {
		return models.TimerState{}, fmt.Errorf("get timer %s: %w", stageID, err)
	}
	state.StageID = stageID
	return state, nil
}

func (c *Channel) SetTimer(ctx context.Context, state models.TimerState) error {
	return c.setJSON(ctx, c.TimerPath(state.StageID), state)
}

func (c *Channel) UpdateTimer(ctx context.Context, stageID string, fields map[string]any) error {
	if err := c.store.Update(ctx, c.TimerPath(stageID), fields); err != nil {
		return fmt.Errorf("update timer %s: %w", stageID, err)
	}
	return nil
}

func (c *Channel) SubscribeTimer(ctx context.Context, stageID string, fn func(models.TimerState)) (store.Subscription, error) {
	return c.store.Subscribe(ctx, c.TimerPath(stageID), func(e store.Entry) {
		state := models.TimerState{StageID: stageID}
		if e.Exists {
			if err := json.Unmarshal(e.Value, &state); err != nil {
				log.Warn().Err(err).Str("stage_id", stageID).Msg("ignoring malformed timer value")
				return
			}
		}
		state.StageID = stageID
		fn(state)
	})
}

func (c *Channel) participantIDFromPath(path string) string {
	prefix := c.RosterPath() + "/"
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	id := strings.TrimPrefix(path, prefix)
	if strings.Contains(id, "/") {
		return ""
	}
	return id
}

func (c *Channel) getJSON(ctx context.Context, path string, dst any) (bool, error) {
	raw, err := c.store.Get(ctx, path)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", path, err)
	}
	return true, nil
}

func (c *Channel) setJSON(ctx context.Context, path string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	if err := c.store.Set(ctx, path, raw); err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	return nil
}

func decodeStage(raw []byte) (string, error) {
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return "", fmt.Errorf("decode stage: %w", err)
	}
	if id == "" {
		return models.StageNotStarted, nil
	}
	return id, nil
}

func sortedRoster(byID map[string]models.Participant) []models.Participant {
	out := make([]models.Participant, 0, len(byID))
	for _, p := range byID {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

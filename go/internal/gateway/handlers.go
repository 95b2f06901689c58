package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mcdev12/classroom/go/internal/classroom"
	"github.com/mcdev12/classroom/go/internal/lesson"
	"github.com/mcdev12/classroom/go/internal/models"
	"github.com/mcdev12/classroom/go/internal/round"
	"github.com/mcdev12/classroom/go/internal/scoring"
	"github.com/mcdev12/classroom/go/internal/stage"
	"github.com/mcdev12/classroom/go/internal/timer"
	"github.com/rs/zerolog/log"
)

// Routes returns the gateway's HTTP and WebSocket routes.
func (s *Service) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/api/lessons", s.handleListLessons)
	r.Post("/api/sessions", s.handleCreateSession)

	r.Route("/api/sessions/{code}", func(r chi.Router) {
		r.Get("/state", s.handleGetState)
		r.Get("/leaderboard", s.handleGetLeaderboard)
		r.Post("/join", s.handleJoin)

		r.Group(func(r chi.Router) {
			r.Use(s.requireHost)
			r.Post("/stage/advance", s.handleAdvance)
			r.Post("/stage/jump", s.handleJump)
			r.Post("/stage/end", s.handleEnd)
			r.Post("/rounds/{gameID}/{action}", s.handleRoundAction)
			r.Post("/timers/{stageID}/{action}", s.handleTimerAction)
		})
	})

	r.Get("/ws/session", s.handleSessionConnection)
	r.Get("/ws/stats", s.handleConnectionStats)
	return r
}

func (s *Service) requireHost(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.tokens.Parse(tokenFromRequest(r))
		if err != nil {
			writeError(w, err)
			return
		}
		if err := claims.Authorize(RoleHost, chi.URLParam(r, "code")); err != nil {
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Service) handleListLessons(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"lessons": s.lessons.IDs()})
}

type createSessionRequest struct {
	LessonID string `json:"lesson_id"`
}

type createSessionResponse struct {
	Code      string `json:"code"`
	LessonID  string `json:"lesson_id"`
	HostToken string `json:"host_token"`
}

func (s *Service) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.LessonID == "" {
		http.Error(w, "lesson_id is required", http.StatusBadRequest)
		return
	}
	h, token, err := s.CreateSession(r.Context(), req.LessonID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createSessionResponse{
		Code:      h.Code(),
		LessonID:  req.LessonID,
		HostToken: token,
	})
}

func (s *Service) handleGetState(w http.ResponseWriter, r *http.Request) {
	state, err := s.State(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Service) handleGetLeaderboard(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if _, err := s.State(r.Context(), code); err != nil {
		writeError(w, err)
		return
	}
	roster, err := s.channel(code).Roster(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]scoring.Standing{"standings": scoring.Leaderboard(roster)})
}

type joinRequest struct {
	ParticipantID string `json:"participant_id"`
}

type joinResponse struct {
	ParticipantID string `json:"participant_id"`
	Name          string `json:"name"`
	Color         string `json:"color"`
	Icon          string `json:"icon"`
	Score         int    `json:"score"`
	Token         string `json:"token"`
}

func (s *Service) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed join request", http.StatusBadRequest)
			return
		}
	}
	// a returning participant proves the id with its previous token
	p, token, err := s.JoinSession(r.Context(), chi.URLParam(r, "code"), req.ParticipantID, tokenFromRequest(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, joinResponse{
		ParticipantID: p.ID,
		Name:          p.Name,
		Color:         p.Color,
		Icon:          p.Icon,
		Score:         p.Score,
		Token:         token,
	})
}

func (s *Service) handleAdvance(w http.ResponseWriter, r *http.Request) {
	st, err := s.Advance(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type jumpRequest struct {
	StageID string `json:"stage_id"`
}

func (s *Service) handleJump(w http.ResponseWriter, r *http.Request) {
	var req jumpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.StageID == "" {
		http.Error(w, "stage_id is required", http.StatusBadRequest)
		return
	}
	code := chi.URLParam(r, "code")
	if req.StageID == models.StageEnded {
		s.handleEnd(w, r)
		return
	}
	st, err := s.JumpTo(r.Context(), code, req.StageID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Service) handleEnd(w http.ResponseWriter, r *http.Request) {
	if err := s.EndSession(r.Context(), chi.URLParam(r, "code")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleRoundAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	h, err := s.Host(ctx, chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, err)
		return
	}
	game, err := h.Round(ctx, chi.URLParam(r, "gameID"))
	if err != nil {
		writeError(w, err)
		return
	}

	switch chi.URLParam(r, "action") {
	case "start":
		err = game.Start(ctx)
	case "open":
		err = game.Open(ctx)
	case "reveal":
		err = game.Reveal(ctx)
	case "next":
		err = game.Next(ctx)
	case "restart":
		err = game.Restart(ctx)
	default:
		http.NotFound(w, r)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, game.State())
}

type presetRequest struct {
	Minutes int `json:"minutes"`
	Delta   int `json:"delta"`
}

type timerResponse struct {
	StageID          string `json:"stage_id"`
	PresetMinutes    int    `json:"preset_minutes"`
	RemainingSeconds int    `json:"remaining_seconds"`
	Display          string `json:"display"`
	Running          bool   `json:"running"`
}

func (s *Service) handleTimerAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	h, err := s.Host(ctx, chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, err)
		return
	}
	stageID := chi.URLParam(r, "stageID")
	if !hasStage(h.Lesson().Stages, stageID) {
		writeError(w, stage.ErrUnknownStage)
		return
	}
	t := h.Timer(stageID)

	switch chi.URLParam(r, "action") {
	case "start":
		err = t.Start(ctx)
	case "pause":
		err = t.Pause(ctx)
	case "resume":
		err = t.Resume(ctx)
	case "reset":
		err = t.Reset(ctx)
	case "preset":
		var req presetRequest
		if decodeErr := json.NewDecoder(r.Body).Decode(&req); decodeErr != nil {
			http.Error(w, "minutes or delta is required", http.StatusBadRequest)
			return
		}
		if req.Delta != 0 {
			_, err = t.AdjustPreset(ctx, req.Delta)
		} else {
			err = t.SetPreset(ctx, req.Minutes)
		}
	default:
		http.NotFound(w, r)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	remaining := t.Remaining()
	writeJSON(w, http.StatusOK, timerResponse{
		StageID:          stageID,
		PresetMinutes:    t.Preset(),
		RemainingSeconds: remaining,
		Display:          timer.Format(remaining),
		Running:          t.Running(),
	})
}

// handleSessionConnection upgrades a host, display or participant client.
// Participants get their own mode, round and timer frames and may send
// submit and heartbeat frames; every client receives store change frames.
func (s *Service) handleSessionConnection(w http.ResponseWriter, r *http.Request) {
	claims, err := s.tokens.Parse(tokenFromRequest(r))
	if err != nil {
		writeError(w, err)
		return
	}
	ctx := r.Context()

	switch claims.Role {
	case RoleParticipant:
		ps, err := s.acquireParticipant(ctx, claims.Code, claims.ParticipantID)
		if err != nil {
			writeError(w, err)
			return
		}
		conn, err := s.connections.UpgradeConnection(w, r, claims, s.handleParticipantMessage(ps))
		if err != nil {
			log.Error().Err(err).Str("session_code", claims.Code).Msg("failed to upgrade participant connection")
			s.releaseParticipant(claims.Code, claims.ParticipantID)
			return
		}
		conn.OnClose(func() { s.releaseParticipant(claims.Code, claims.ParticipantID) })
		s.sendParticipantSnapshot(ps)

	case RoleHost:
		h, err := s.Host(ctx, claims.Code)
		if err != nil {
			writeError(w, err)
			return
		}
		if r.URL.Query().Get("display") == "" {
			if _, err := s.connections.UpgradeConnection(w, r, claims, nil); err != nil {
				log.Error().Err(err).Str("session_code", claims.Code).Msg("failed to upgrade host connection")
			}
			return
		}

		// the display outlives this request once the connection is upgraded
		var target atomic.Pointer[Connection]
		display, err := h.OpenDisplay(context.WithoutCancel(ctx), r.URL.Query().Get("display"), func(st models.Stage, board []scoring.Standing) {
			if c := target.Load(); c != nil {
				c.SendFrame(displayFrame(st, board, s.clock.Now()))
			}
		})
		if err != nil {
			writeError(w, err)
			return
		}
		conn, err := s.connections.UpgradeConnection(w, r, claims, nil)
		if err != nil {
			log.Error().Err(err).Str("session_code", claims.Code).Msg("failed to upgrade display connection")
			display.Close()
			return
		}
		target.Store(conn)
		conn.OnClose(display.Close)
		st, board := display.Snapshot()
		conn.SendFrame(displayFrame(st, board, s.clock.Now()))

	default:
		writeError(w, ErrForbidden)
	}
}

func (s *Service) handleConnectionStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.connections.Stats())
}

// DisplayData is the payload of a display frame.
type DisplayData struct {
	Stage       models.Stage       `json:"stage"`
	Leaderboard []scoring.Standing `json:"leaderboard"`
}

func displayFrame(st models.Stage, board []scoring.Standing, at time.Time) Frame {
	return Frame{Type: FrameDisplay, Data: DisplayData{Stage: st, Leaderboard: board}, Timestamp: at}
}

func hasStage(stages []models.Stage, id string) bool {
	for _, st := range stages {
		if st.ID == id {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, classroom.ErrSessionNotFound),
		errors.Is(err, classroom.ErrUnknownActivity),
		errors.Is(err, lesson.ErrLessonNotFound),
		errors.Is(err, stage.ErrUnknownStage):
		status = http.StatusNotFound
	case errors.Is(err, classroom.ErrInvalidCode),
		errors.Is(err, timer.ErrPresetOutOfRange):
		status = http.StatusBadRequest
	case errors.Is(err, stage.ErrSessionEnded):
		status = http.StatusGone
	case errors.Is(err, round.ErrInvalidTransition),
		errors.Is(err, round.ErrInvalidPayload),
		errors.Is(err, timer.ErrRunning),
		errors.Is(err, classroom.ErrDisplayOpen):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

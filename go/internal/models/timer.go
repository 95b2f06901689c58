package models

import "time"

// TimerState is the synchronized countdown for one stage.
type TimerState struct {
	StageID          string    `json:"stage_id"`
	PresetMinutes    int       `json:"preset_minutes"`
	RemainingSeconds int       `json:"remaining_seconds"`
	Running          bool      `json:"running"`
	UpdatedAt        time.Time `json:"updated_at"`
	AutoStarted      bool      `json:"auto_started,omitempty"`
}

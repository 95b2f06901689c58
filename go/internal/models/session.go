package models

import "time"

// SessionMeta is the host-written description of a live session.
type SessionMeta struct {
	Code      string     `json:"code"`
	LessonID  string     `json:"lesson_id"`
	Stages    []Stage    `json:"stages"`
	CreatedAt time.Time  `json:"created_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Ended reports whether the host has closed the session.
func (m SessionMeta) Ended() bool {
	return m.EndedAt != nil
}

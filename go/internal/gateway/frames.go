package gateway

import (
	"encoding/json"
	"time"
)

// FrameType identifies a WebSocket frame.
type FrameType string

const (
	// server to client
	FrameChange   FrameType = "change"
	FrameMode     FrameType = "mode"
	FrameRound    FrameType = "round"
	FrameTimer    FrameType = "timer"
	FrameDisplay  FrameType = "display"
	FrameRedirect FrameType = "redirect"
	FrameError    FrameType = "error"

	// client to server
	FrameSubmit    FrameType = "submit"
	FrameHeartbeat FrameType = "heartbeat"
)

// Frame is one WebSocket message. Change frames carry a store path and its
// value; absent paths are sent with Exists false and a null value.
type Frame struct {
	Type      FrameType       `json:"type"`
	Path      string          `json:"path,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`
	Exists    bool            `json:"exists,omitempty"`
	Data      any             `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ClientFrame is a message sent by a participant.
type ClientFrame struct {
	Type   FrameType       `json:"type"`
	Answer json.RawMessage `json:"answer,omitempty"`
}

func changeFrame(path string, value []byte, exists bool, at time.Time) Frame {
	f := Frame{Type: FrameChange, Path: path, Exists: exists, Timestamp: at}
	if exists && json.Valid(value) {
		f.Value = json.RawMessage(value)
	}
	return f
}

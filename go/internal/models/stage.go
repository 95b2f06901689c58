package models

// StageType defines what kind of lesson step a stage is.
type StageType string

const (
	StageTypeSummary    StageType = "summary"
	StageTypeDemo       StageType = "demo"
	StageTypeClassDemo  StageType = "class-demo"
	StageTypeVideo      StageType = "video"
	StageTypeDiscussion StageType = "discussion"
	StageTypeActivity   StageType = "activity"
	StageTypeResults    StageType = "results"
	StageTypeLocked     StageType = "locked"
	StageTypeJoin       StageType = "join"
	StageTypeEnded      StageType = "ended"
)

// Sentinel stage ids written to the stage path.
const (
	StageNotStarted = "not-started"
	StageEnded      = "ended"
)

// Valid reports whether t is a known stage type.
func (t StageType) Valid() bool {
	switch t {
	case StageTypeSummary, StageTypeDemo, StageTypeClassDemo, StageTypeVideo,
		StageTypeDiscussion, StageTypeActivity, StageTypeResults,
		StageTypeLocked, StageTypeJoin, StageTypeEnded:
		return true
	}
	return false
}

// Stage is an immutable lesson step. Array position defines the sequence.
type Stage struct {
	ID              string    `json:"id" yaml:"id"`
	Type            StageType `json:"type" yaml:"type"`
	DurationMinutes *int      `json:"duration_minutes,omitempty" yaml:"duration_minutes,omitempty"`
	ActivityID      string    `json:"activity_id,omitempty" yaml:"activity,omitempty"`
	Title           string    `json:"title,omitempty" yaml:"title,omitempty"`
}

// HasDuration reports whether the stage declares a recommended duration.
func (s Stage) HasDuration() bool {
	return s.DurationMinutes != nil && *s.DurationMinutes > 0
}

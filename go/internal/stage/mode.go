package stage

import "github.com/mcdev12/classroom/go/internal/models"

// Mode is what a participant's screen shows for the current stage.
type Mode string

const (
	ModeWatchHost        Mode = "watch-host"
	ModePlayActivity     Mode = "play-activity"
	ModeWaitingRoom      Mode = "waiting-room"
	ModeIndividualResult Mode = "individual-result"
	ModeSessionEnded     Mode = "session-ended"
)

// ModeInputs are the participant-local facts the mode mapping may consult.
// Nil functions answer false.
type ModeInputs struct {
	// ActivityResolvable reports whether the lesson has an implementation for
	// the activity id.
	ActivityResolvable func(activityID string) bool
	// HasResult reports whether the participant already has its own result
	// for a results stage.
	HasResult func(stage models.Stage) bool
}

// Resolve maps a stage id from the store to its descriptor. The sentinels
// and unknown ids resolve to synthetic descriptors.
func Resolve(stageID string, stages []models.Stage) models.Stage {
	switch stageID {
	case models.StageNotStarted, "":
		return models.Stage{ID: models.StageNotStarted}
	case models.StageEnded:
		return models.Stage{ID: models.StageEnded, Type: models.StageTypeEnded}
	}
	for _, s := range stages {
		if s.ID == stageID {
			return s
		}
	}
	return models.Stage{ID: stageID}
}

// ModeFor derives the presentation mode from the current stage alone.
func ModeFor(stage models.Stage, in ModeInputs) Mode {
	switch stage.Type {
	case models.StageTypeSummary, models.StageTypeDiscussion, models.StageTypeDemo,
		models.StageTypeClassDemo, models.StageTypeVideo,
		models.StageTypeLocked, models.StageTypeJoin:
		return ModeWatchHost
	case models.StageTypeActivity:
		if stage.ActivityID != "" && in.ActivityResolvable != nil && in.ActivityResolvable(stage.ActivityID) {
			return ModePlayActivity
		}
		return ModeWaitingRoom
	case models.StageTypeResults:
		if in.HasResult != nil && in.HasResult(stage) {
			return ModeIndividualResult
		}
		return ModeWatchHost
	case models.StageTypeEnded:
		return ModeSessionEnded
	default:
		// not-started and anything we cannot place
		return ModeWaitingRoom
	}
}

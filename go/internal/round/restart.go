package round

import (
	"context"
	"fmt"
	"time"

	"github.com/mcdev12/classroom/go/internal/models"
	"github.com/mcdev12/classroom/go/internal/session"
	"github.com/rs/zerolog/log"
)

// restartZeroes reports whether a restart takes the score of a participant
// who joined at joinedAt back to zero. Restarts older than the join only
// move the recorded epoch forward.
func restartZeroes(joinedAt time.Time, state models.RoundState) bool {
	if state.RestartedAt == nil || joinedAt.IsZero() {
		return true
	}
	return joinedAt.Before(*state.RestartedAt)
}

func restartFields(gameID string, epoch int, zero, clearAnswer bool) map[string]any {
	fields := map[string]any{
		session.GameField(session.FieldResetEpochs, gameID): epoch,
	}
	if !zero {
		return fields
	}
	fields[session.FieldScore] = 0
	fields[session.GameField(session.FieldScored, gameID)] = nil
	if clearAnswer {
		fields[session.FieldLastAnswer] = nil
		fields[session.FieldAnswerGame] = nil
		fields[session.FieldAnswerIndex] = nil
		fields[session.FieldLastSubmittedAt] = nil
	}
	return fields
}

// ApplyRestart absorbs a restart of state.GameID into a roster entry whose
// owner is not playing that game right now. It returns false when rec has
// already absorbed state.Epoch. The stored answer is only cleared when it
// belongs to the restarted game.
func ApplyRestart(ctx context.Context, ch *session.Channel, rec models.Participant, state models.RoundState) (bool, error) {
	if state.Epoch <= rec.ResetEpochs[state.GameID] {
		return false, nil
	}
	zero := restartZeroes(rec.JoinedAt, state)
	fields := restartFields(state.GameID, state.Epoch, zero, rec.AnswerGame == state.GameID)
	if err := ch.UpdateParticipant(ctx, rec.ID, fields); err != nil {
		return false, fmt.Errorf("apply restart of %s: %w", state.GameID, err)
	}
	if zero {
		log.Info().Str("participant_id", rec.ID).Str("game_id", state.GameID).Int("epoch", state.Epoch).Msg("score reset after restart")
	}
	return true, nil
}

// CurrentEpochs returns the restart epoch of every round in the session, the
// starting point for a participant who joins now.
func CurrentEpochs(ctx context.Context, ch *session.Channel) (map[string]int, error) {
	rounds, err := ch.Rounds(ctx)
	if err != nil {
		return nil, err
	}
	epochs := make(map[string]int, len(rounds))
	for id, state := range rounds {
		if state.Epoch > 0 {
			epochs[id] = state.Epoch
		}
	}
	return epochs, nil
}

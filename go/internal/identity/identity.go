package identity

import (
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"strings"

	"github.com/google/uuid"
	"github.com/mcdev12/classroom/go/internal/models"
	"github.com/rs/zerolog/log"
)

const (
	maxDeterministicAttempts = 5
	maxSuffixAttempts        = 90
)

var adjectives = []string{
	"Brave", "Calm", "Clever", "Curious", "Daring", "Eager", "Gentle", "Happy",
	"Jolly", "Kind", "Lively", "Lucky", "Mighty", "Nimble", "Proud", "Quick",
	"Quiet", "Sunny", "Swift", "Witty",
}

var animals = []string{
	"Otter", "Falcon", "Panda", "Tiger", "Koala", "Dolphin", "Fox", "Owl",
	"Lynx", "Penguin", "Rabbit", "Heron", "Badger", "Gecko", "Moose", "Walrus",
	"Beaver", "Raven", "Turtle", "Zebra",
}

var colors = []string{
	"#E63946", "#F4A261", "#E9C46A", "#2A9D8F", "#264653", "#2E86AB",
	"#6A4C93", "#FF595E", "#8AC926", "#1982C4", "#FFCA3A", "#B5179E",
}

var icons = []string{
	"star", "rocket", "leaf", "bolt", "heart", "moon",
	"sun", "flame", "planet", "music", "crown", "anchor",
}

// Identity is the display identity shown next to a participant's score.
type Identity struct {
	Name  string
	Color string
	Icon  string
}

// suffix and fragment are swapped in tests.
var (
	suffix   = func() int { return rand.IntN(90) + 10 }
	fragment = func() string { return uuid.NewString()[:4] }
)

// NewParticipantID returns a fresh stable id for a client that has none.
func NewParticipantID() string {
	return uuid.NewString()
}

// Assign derives a display identity from the participant id. The same id
// always gets the same identity unless its name is already taken by another
// participant, in which case salted variants are tried before falling back to
// a numeric suffix, then a short random tag, then the participant id itself.
func Assign(participantID string, roster []models.Participant) Identity {
	taken := make(map[string]bool, len(roster))
	for _, p := range roster {
		if p.ID == participantID {
			continue
		}
		taken[strings.ToLower(p.Name)] = true
	}

	first := derive(participantID, 0)
	for attempt := 0; attempt < maxDeterministicAttempts; attempt++ {
		id := derive(participantID, attempt)
		if !taken[strings.ToLower(id.Name)] {
			return id
		}
	}

	base := first.Name
	for attempt := 0; attempt < maxSuffixAttempts; attempt++ {
		candidate := fmt.Sprintf("%s %d", base, suffix())
		if !taken[strings.ToLower(candidate)] {
			log.Debug().Str("participant_id", participantID).Str("name", candidate).Msg("identity fell back to numeric suffix")
			first.Name = candidate
			return first
		}
	}
	for attempt := 0; attempt < maxSuffixAttempts; attempt++ {
		candidate := base + " " + fragment()
		if !taken[strings.ToLower(candidate)] {
			log.Debug().Str("participant_id", participantID).Str("name", candidate).Msg("identity fell back to random tag")
			first.Name = candidate
			return first
		}
	}
	// ids are unique within a roster
	first.Name = base + " " + participantID
	log.Warn().Str("participant_id", participantID).Msg("every identity variant taken, using participant id")
	return first
}

func derive(participantID string, salt int) Identity {
	key := participantID
	if salt > 0 {
		key = fmt.Sprintf("%s#%d", participantID, salt)
	}
	h := hash(key)
	return Identity{
		Name:  adjectives[h%uint32(len(adjectives))] + " " + animals[(h/uint32(len(adjectives)))%uint32(len(animals))],
		Color: colors[hash(participantID)%uint32(len(colors))],
		Icon:  icons[(hash(participantID)>>8)%uint32(len(icons))],
	}
}

func hash(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

package identity

import (
	"fmt"
	"testing"

	"github.com/mcdev12/classroom/go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssign_Deterministic(t *testing.T) {
	a := Assign("3f1c-99", nil)
	b := Assign("3f1c-99", nil)
	assert.Equal(t, a, b)
	assert.NotEmpty(t, a.Name)
	assert.NotEmpty(t, a.Color)
	assert.NotEmpty(t, a.Icon)
}

func TestAssign_OwnEntryIsNotACollision(t *testing.T) {
	want := Assign("p1", nil)
	got := Assign("p1", []models.Participant{{ID: "p1", Name: want.Name}})
	assert.Equal(t, want, got)
}

func TestAssign_AvoidsTakenName(t *testing.T) {
	want := Assign("p1", nil)
	got := Assign("p1", []models.Participant{{ID: "other", Name: want.Name}})
	assert.NotEqual(t, want.Name, got.Name)
	assert.Equal(t, want.Color, got.Color)
}

func TestAssign_FallsBackToSuffix(t *testing.T) {
	orig := suffix
	defer func() { suffix = orig }()
	n := 41
	suffix = func() int { n++; return n }

	var roster []models.Participant
	for i := 0; i < maxDeterministicAttempts; i++ {
		roster = append(roster, models.Participant{ID: fmt.Sprintf("x%d", i), Name: derive("p1", i).Name})
	}
	base := derive("p1", 0).Name
	roster = append(roster, models.Participant{ID: "y", Name: base + " 42"})

	got := Assign("p1", roster)
	require.Equal(t, base+" 43", got.Name)
}

func TestAssign_FullSuffixRangeStillTerminates(t *testing.T) {
	origSuffix, origFragment := suffix, fragment
	defer func() { suffix, fragment = origSuffix, origFragment }()

	var roster []models.Participant
	for i := 0; i < maxDeterministicAttempts; i++ {
		roster = append(roster, models.Participant{ID: fmt.Sprintf("x%d", i), Name: derive("p1", i).Name})
	}
	base := derive("p1", 0).Name
	for n := 10; n < 100; n++ {
		roster = append(roster, models.Participant{ID: fmt.Sprintf("n%d", n), Name: fmt.Sprintf("%s %d", base, n)})
	}

	fragment = func() string { return "a1b2" }
	got := Assign("p1", roster)
	assert.Equal(t, base+" a1b2", got.Name)

	roster = append(roster, models.Participant{ID: "tagged", Name: base + " A1B2"})
	got = Assign("p1", roster)
	assert.Equal(t, base+" p1", got.Name)
	assert.Equal(t, derive("p1", 0).Color, got.Color)
}

func TestNewParticipantID(t *testing.T) {
	assert.NotEqual(t, NewParticipantID(), NewParticipantID())
}

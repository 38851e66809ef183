package scoring

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petquest/petquest/internal/models"
)

func event(typ string, value float64) models.CanonicalEvent {
	return models.CanonicalEvent{
		ID:         uuid.New(),
		Type:       typ,
		OccurredAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		UserID:     uuid.New(),
		Value:      value,
		Meta:       map[string]string{"source": "github"},
	}
}

func TestScore_FixedRules(t *testing.T) {
	petID := uuid.New()
	cases := []struct {
		typ  string
		want float64
	}{
		{models.EventCommit, CommitFood},
		{models.EventPROpened, PROpenedFood},
		{models.EventCommitComment, CommitCommentFood},
	}
	for _, tc := range cases {
		t.Run(tc.typ, func(t *testing.T) {
			deltas := Score(event(tc.typ, 1), petID)
			require.Len(t, deltas, 1)
			assert.Equal(t, models.StatFood, deltas[0].Stat)
			assert.Equal(t, tc.want, deltas[0].Amount)
			assert.Equal(t, petID, deltas[0].PetID)
		})
	}
}

func TestScore_MergedPRFansOut(t *testing.T) {
	ev := event(models.EventPRMerged, 1)
	deltas := Score(ev, uuid.New())
	require.Len(t, deltas, 2)

	byStat := map[models.StatKind]models.ScoreDelta{}
	for _, d := range deltas {
		byStat[d.Stat] = d
	}
	assert.Equal(t, PRMergedFood, byStat[models.StatFood].Amount)
	assert.Equal(t, PRMergedHappiness, byStat[models.StatHappiness].Amount)

	// Both legs share the event id but dedupe on distinct keys.
	assert.Equal(t, ev.ID, byStat[models.StatFood].EventID)
	assert.NotEqual(t, byStat[models.StatFood].Key(), byStat[models.StatHappiness].Key())
}

func TestScore_ScaledActivity(t *testing.T) {
	deltas := Score(event(models.EventActivity, 3), uuid.New())
	require.Len(t, deltas, 2)

	byStat := map[models.StatKind]float64{}
	for _, d := range deltas {
		byStat[d.Stat] = d.Amount
	}
	assert.Equal(t, ActivityFoodFactor*3, byStat[models.StatFood])
	assert.Equal(t, ActivityHappiness, byStat[models.StatHappiness])
}

func TestScore_ManualProgressScales(t *testing.T) {
	deltas := Score(event(models.EventManualProgress, 50), uuid.New())
	require.Len(t, deltas, 1)
	assert.Equal(t, models.StatProgress, deltas[0].Stat)
	assert.Equal(t, 50.0, deltas[0].Amount)
}

func TestScore_UnruledTypesYieldNothing(t *testing.T) {
	assert.Empty(t, Score(event(models.EventPRClosed, 1), uuid.New()))
	assert.Empty(t, Score(event("star", 1), uuid.New()))
}

func TestScore_Deterministic(t *testing.T) {
	ev := event(models.EventActivity, 2.5)
	petID := uuid.New()
	assert.Equal(t, Score(ev, petID), Score(ev, petID))
}

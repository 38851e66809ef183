// Package scoring converts canonical events into score deltas. The engine is
// deterministic and referentially transparent: the same event always yields
// the same deltas, which is what makes redelivery safe downstream.
package scoring

import (
	"github.com/google/uuid"

	"github.com/petquest/petquest/internal/models"
)

// Reward constants. Tune the economy here, nowhere else.
const (
	CommitFood        = 1.0
	PROpenedFood      = 3.0
	PRMergedFood      = 5.0
	PRMergedHappiness = 3.0
	CommitCommentFood = 0.5

	ActivityFoodFactor = 2.0 // multiplies the normalizer's computed value
	ActivityHappiness  = 1.0
)

// Rule emits one delta for a matching event. Scaled rules multiply Amount by
// the event's value (distance bonuses, user-set habit points); fixed rules
// ignore it.
type Rule struct {
	Stat   models.StatKind
	Amount float64
	Scaled bool
}

// ruleTable drives all scoring. An event type absent from the table yields
// no deltas; that is "no rule defined yet", not an error.
var ruleTable = map[string][]Rule{
	models.EventCommit:        {{Stat: models.StatFood, Amount: CommitFood}},
	models.EventPROpened:      {{Stat: models.StatFood, Amount: PROpenedFood}},
	models.EventPRMerged:      {{Stat: models.StatFood, Amount: PRMergedFood}, {Stat: models.StatHappiness, Amount: PRMergedHappiness}},
	models.EventCommitComment: {{Stat: models.StatFood, Amount: CommitCommentFood}},
	models.EventActivity:      {{Stat: models.StatFood, Amount: ActivityFoodFactor, Scaled: true}, {Stat: models.StatHappiness, Amount: ActivityHappiness}},
	models.EventManualHabit:   {{Stat: models.StatFood, Amount: 1, Scaled: true}},
	models.EventManualProgress: {
		{Stat: models.StatProgress, Amount: 1, Scaled: true},
	},
}

// Score applies the rule table to one event, crediting petID. One event can
// fan out into several deltas of different stats; each carries its own
// idempotency key and dedupes independently.
func Score(event models.CanonicalEvent, petID uuid.UUID) []models.ScoreDelta {
	rules, ok := ruleTable[event.Type]
	if !ok {
		return nil
	}

	deltas := make([]models.ScoreDelta, 0, len(rules))
	for _, rule := range rules {
		amount := rule.Amount
		if rule.Scaled {
			amount = rule.Amount * event.Value
		}
		deltas = append(deltas, models.ScoreDelta{
			EventID:    event.ID,
			Stat:       rule.Stat,
			Amount:     amount,
			PetID:      petID,
			OccurredAt: event.OccurredAt,
			Meta: map[string]string{
				"event_type": event.Type,
				"source":     event.Meta["source"],
			},
		})
	}
	return deltas
}

package models

import (
	"time"

	"github.com/google/uuid"
)

// StatKind names one mutable stat on the aggregate.
type StatKind string

const (
	StatFood      StatKind = "food"
	StatCurrency  StatKind = "currency"
	StatHappiness StatKind = "happiness"
	StatHealth    StatKind = "health"
	StatProgress  StatKind = "progress"
)

// Valid reports whether k is part of the closed stat vocabulary.
func (k StatKind) Valid() bool {
	switch k {
	case StatFood, StatCurrency, StatHappiness, StatHealth, StatProgress:
		return true
	}
	return false
}

// ScoreDelta is the unit of work consumed by the reconciliation worker:
// a signed amount to apply to one stat of one pet.
type ScoreDelta struct {
	EventID    uuid.UUID
	Stat       StatKind
	Amount     float64
	PetID      uuid.UUID
	OccurredAt time.Time
	Meta       map[string]string
}

// Key is the idempotency key. One (event, stat) pair is applied to a pet at
// most once, which lets a single event fan out into several deltas that
// dedupe independently.
func (d ScoreDelta) Key() string {
	return d.EventID.String() + ":" + string(d.Stat)
}

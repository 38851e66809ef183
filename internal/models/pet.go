package models

import (
	"time"

	"github.com/google/uuid"
)

// Default economy settings for newly created pets. A pet's own state may
// override both (per-pet caps are part of the state blob).
const (
	DefaultFoodCap      = 100.0
	DefaultOverflowRate = 0.5

	DefaultHappiness = 50.0
	DefaultHealth    = 100.0

	// GrowthStages is the number of stages a pet moves through as goal
	// progress approaches its target.
	GrowthStages = 4
)

// Pet is the aggregate the pipeline protects. Version increases by exactly
// one per applied delta; all mutation goes through the reconciliation
// worker's compare-and-swap update.
type Pet struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Name      string
	Version   int64
	State     PetState
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PetState is the JSON state blob stored on the pet row.
type PetState struct {
	Food      float64 `json:"food"`
	Currency  float64 `json:"currency"`
	Happiness float64 `json:"happiness"`
	Health    float64 `json:"health"`

	// Goal progress is a specialization of the same delta model: it grows
	// unclamped until it reaches ProgressTarget, at which point the pet is
	// Completed and the growth stage maxes out. A zero target disables
	// completion tracking.
	Progress       float64 `json:"progress"`
	ProgressTarget float64 `json:"progress_target,omitempty"`
	GrowthStage    int     `json:"growth_stage"`
	Completed      bool    `json:"completed"`

	FoodCap      float64 `json:"food_cap"`
	OverflowRate float64 `json:"overflow_to_currency_rate"`

	// AppliedDeltas holds delta idempotency keys in application order,
	// bounded FIFO. See RecordApplied.
	AppliedDeltas []string `json:"applied_deltas"`

	UpdatedAt time.Time `json:"last_updated"`
}

// DefaultPetState is the state a pet is born with.
func DefaultPetState() PetState {
	return PetState{
		Happiness:    DefaultHappiness,
		Health:       DefaultHealth,
		FoodCap:      DefaultFoodCap,
		OverflowRate: DefaultOverflowRate,
		UpdatedAt:    time.Now().UTC(),
	}
}

// AlreadyApplied reports whether the delta key has been applied to this pet.
func (s *PetState) AlreadyApplied(key string) bool {
	for _, k := range s.AppliedDeltas {
		if k == key {
			return true
		}
	}
	return false
}

// RecordApplied appends the key and evicts the oldest entries beyond limit.
// The bound trades memory for a redelivery window: a delta can only be
// reapplied after `limit` newer deltas have pushed its key out.
func (s *PetState) RecordApplied(key string, limit int) {
	s.AppliedDeltas = append(s.AppliedDeltas, key)
	if limit > 0 && len(s.AppliedDeltas) > limit {
		s.AppliedDeltas = s.AppliedDeltas[len(s.AppliedDeltas)-limit:]
	}
}

// Clone returns a working copy safe to mutate during a CAS attempt.
func (s PetState) Clone() PetState {
	out := s
	out.AppliedDeltas = append([]string(nil), s.AppliedDeltas...)
	return out
}

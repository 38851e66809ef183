package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Canonical event types. All provider payloads are normalized into this
// closed vocabulary before scoring.
const (
	EventCommit         = "commit"
	EventPROpened       = "pr_opened"
	EventPRMerged       = "pr_merged"
	EventPRClosed       = "pr_closed"
	EventCommitComment  = "commit_comment"
	EventActivity       = "activity"
	EventManualHabit    = "manual_habit"
	EventManualProgress = "manual_progress"
)

// knownEventTypes is the set of types the pipeline understands. Events of
// other types fail validation; scoring rules may still be absent for a known
// type, which yields zero deltas rather than an error.
var knownEventTypes = map[string]bool{
	EventCommit:         true,
	EventPROpened:       true,
	EventPRMerged:       true,
	EventPRClosed:       true,
	EventCommitComment:  true,
	EventActivity:       true,
	EventManualHabit:    true,
	EventManualProgress: true,
}

// requiredMeta lists metadata keys that must be present per event type.
var requiredMeta = map[string][]string{
	EventCommit:        {"commit_sha"},
	EventPROpened:      {"pr_number"},
	EventPRMerged:      {"pr_number"},
	EventPRClosed:      {"pr_number"},
	EventCommitComment: {"commit_sha"},
	EventManualHabit:   {"title"},
}

// ErrValidation wraps all canonical-event validation failures.
var ErrValidation = errors.New("invalid canonical event")

// RawEvent is the audit-of-record row for every admitted webhook delivery.
// It is created by the gateway, flipped to Processed by the normalizer
// worker, and never deleted by the pipeline.
type RawEvent struct {
	ID                 uuid.UUID
	Provider           string
	EventType          string
	ExternalDeliveryID string
	Payload            []byte
	ReceivedAt         time.Time
	Processed          bool
}

// CanonicalEvent is the provider-agnostic representation of one activity.
//
// ID is derived deterministically from the raw event id plus a stable
// per-item discriminator (commit sha, PR number, ...), so re-normalizing a
// redelivered raw event reproduces the same ids and therefore the same
// delta idempotency keys.
type CanonicalEvent struct {
	ID         uuid.UUID
	Type       string
	OccurredAt time.Time
	UserID     uuid.UUID
	Value      float64
	Meta       map[string]string
	PetID      uuid.UUID // optional; Nil means "use the owner's primary pet"
	RawEventID uuid.UUID
}

// EventID derives the canonical event id for one item of a raw event.
// uuid.NewSHA1 is stable for a given (namespace, name) pair.
func EventID(rawEventID uuid.UUID, discriminator string) uuid.UUID {
	return uuid.NewSHA1(rawEventID, []byte(discriminator))
}

// Validate checks the invariants every canonical event must satisfy before
// it reaches the scoring engine.
func (e CanonicalEvent) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("%w: type is required", ErrValidation)
	}
	if !knownEventTypes[e.Type] {
		return fmt.Errorf("%w: unknown type %q", ErrValidation, e.Type)
	}
	if e.UserID == uuid.Nil {
		return fmt.Errorf("%w: user id is required", ErrValidation)
	}
	if e.Value < 0 {
		return fmt.Errorf("%w: value must be non-negative, got %v", ErrValidation, e.Value)
	}
	for _, key := range requiredMeta[e.Type] {
		if e.Meta[key] == "" {
			return fmt.Errorf("%w: %s events require meta key %q", ErrValidation, e.Type, key)
		}
	}
	return nil
}

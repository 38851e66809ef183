package normalize

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/petquest/petquest/internal/models"
)

// manualEntryPayload is the first-party shape for user-submitted entries
// ("practiced guitar", "read 50 pages"). The sending app is trusted (it
// signs with the manual provider secret) and carries our user id directly.
type manualEntryPayload struct {
	Kind       string            `json:"kind"` // "habit" or "progress"
	Title      string            `json:"title"`
	Value      float64           `json:"value"`
	OccurredAt string            `json:"occurred_at"`
	UserID     string            `json:"user_id"`
	PetID      string            `json:"pet_id"`
	Meta       map[string]string `json:"meta"`
}

// manualEntry produces one manual_habit or manual_progress event.
func manualEntry(payload []byte, userID, rawEventID uuid.UUID) ([]models.CanonicalEvent, []error) {
	var p manualEntryPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, []error{fmt.Errorf("manual entry payload: %w", err)}
	}

	eventType := models.EventManualHabit
	if p.Kind == "progress" {
		eventType = models.EventManualProgress
	}

	value := p.Value
	if value == 0 {
		value = 1
	}

	meta := map[string]string{}
	for k, v := range p.Meta {
		meta[k] = v
	}
	meta["title"] = truncate(p.Title, 500)
	meta["source"] = ProviderManual

	ev := models.CanonicalEvent{
		ID:         models.EventID(rawEventID, "manual"),
		Type:       eventType,
		OccurredAt: parseTime(p.OccurredAt),
		UserID:     userID,
		Value:      value,
		Meta:       meta,
		RawEventID: rawEventID,
	}
	if petID, err := uuid.Parse(p.PetID); err == nil {
		ev.PetID = petID
	}
	if err := ev.Validate(); err != nil {
		return nil, []error{err}
	}
	return []models.CanonicalEvent{ev}, nil
}

// ManualUserID returns the account id embedded in a manual entry payload.
func ManualUserID(payload []byte) (uuid.UUID, error) {
	var p struct {
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return uuid.Nil, fmt.Errorf("manual user id: %w", err)
	}
	id, err := uuid.Parse(p.UserID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("manual user id: %w", err)
	}
	return id, nil
}

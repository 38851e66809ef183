package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Stream messages are flat string maps (Redis stream fields). Two shapes
// travel the queue: the pointer message the gateway publishes for each
// admitted raw event, and the score delta the normalizer stage publishes for
// the reconciler.

var ErrBadMessage = errors.New("malformed queue message")

// PointerMessage references an admitted RawEvent awaiting normalization.
type PointerMessage struct {
	RawEventID uuid.UUID
	EventType  string
	Provider   string
}

// Encode renders the pointer as stream fields.
func (m PointerMessage) Encode() map[string]string {
	return map[string]string{
		"raw_event_id": m.RawEventID.String(),
		"event_type":   m.EventType,
		"provider":     m.Provider,
	}
}

// DecodePointer parses stream fields back into a PointerMessage.
func DecodePointer(values map[string]string) (PointerMessage, error) {
	id, err := uuid.Parse(values["raw_event_id"])
	if err != nil {
		return PointerMessage{}, fmt.Errorf("%w: raw_event_id: %v", ErrBadMessage, err)
	}
	if values["event_type"] == "" {
		return PointerMessage{}, fmt.Errorf("%w: event_type missing", ErrBadMessage)
	}
	return PointerMessage{
		RawEventID: id,
		EventType:  values["event_type"],
		Provider:   values["provider"],
	}, nil
}

// Encode renders the delta as stream fields. Meta is carried as a JSON
// sub-document so the flat map stays flat.
func (d ScoreDelta) Encode() map[string]string {
	values := map[string]string{
		"event_id":    d.EventID.String(),
		"stat":        string(d.Stat),
		"amount":      strconv.FormatFloat(d.Amount, 'f', -1, 64),
		"pet_id":      d.PetID.String(),
		"occurred_at": d.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
	if len(d.Meta) > 0 {
		if b, err := json.Marshal(d.Meta); err == nil {
			values["meta"] = string(b)
		}
	}
	return values
}

// DecodeDelta parses stream fields back into a ScoreDelta.
func DecodeDelta(values map[string]string) (ScoreDelta, error) {
	eventID, err := uuid.Parse(values["event_id"])
	if err != nil {
		return ScoreDelta{}, fmt.Errorf("%w: event_id: %v", ErrBadMessage, err)
	}
	petID, err := uuid.Parse(values["pet_id"])
	if err != nil {
		return ScoreDelta{}, fmt.Errorf("%w: pet_id: %v", ErrBadMessage, err)
	}
	amount, err := strconv.ParseFloat(values["amount"], 64)
	if err != nil {
		return ScoreDelta{}, fmt.Errorf("%w: amount: %v", ErrBadMessage, err)
	}
	d := ScoreDelta{
		EventID: eventID,
		Stat:    StatKind(values["stat"]),
		Amount:  amount,
		PetID:   petID,
	}
	if ts := values["occurred_at"]; ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			d.OccurredAt = t.UTC()
		}
	}
	if raw := values["meta"]; raw != "" {
		meta := map[string]string{}
		if err := json.Unmarshal([]byte(raw), &meta); err == nil {
			d.Meta = meta
		}
	}
	return d, nil
}

package worker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/petquest/petquest/internal/models"
	"github.com/petquest/petquest/internal/normalize"
	"github.com/petquest/petquest/internal/queue"
	"github.com/petquest/petquest/internal/scoring"
	"github.com/petquest/petquest/internal/store"
)

// Normalizer consumes pointer messages, turns the referenced raw event into
// canonical events, scores them, and publishes the resulting deltas.
type Normalizer struct {
	store Store
	queue Queue
	log   *slog.Logger
}

func NewNormalizer(st Store, q Queue, log *slog.Logger) *Normalizer {
	return &Normalizer{store: st, queue: q, log: log}
}

// ProcessMessage handles one pointer message. Returning nil acknowledges the
// message; conditions redelivery cannot fix (malformed pointer, missing row,
// unmatched sender) are logged and acknowledged, while transient failures
// propagate so the message stays pending.
//
// Deltas are published before the raw event is marked processed, so a crash
// in between redelivers the pointer; re-normalization reproduces the same
// deterministic event ids and the reconciler dedupes the repeated deltas.
func (n *Normalizer) ProcessMessage(ctx context.Context, msg queue.Message) error {
	ptr, err := models.DecodePointer(msg.Values)
	if err != nil {
		n.log.Error("malformed pointer message", "msg_id", msg.ID, "err", err)
		return nil
	}

	raw, err := n.store.GetRawEvent(ctx, ptr.RawEventID)
	if errors.Is(err, store.ErrNotFound) {
		n.log.Error("raw event missing", "raw_event_id", ptr.RawEventID)
		return nil
	}
	if err != nil {
		return err
	}
	if raw.Processed {
		n.log.Debug("raw event already processed", "raw_event_id", raw.ID)
		return nil
	}

	userID, found, err := n.resolveOwner(ctx, raw)
	if err != nil {
		return err
	}
	if !found {
		// No connected account for the sender: the event has zero downstream
		// effect but is still settled.
		n.log.Info("no matching account, marking processed", "provider", raw.Provider, "raw_event_id", raw.ID)
		return n.store.MarkRawEventProcessed(ctx, raw.ID)
	}

	pet, err := n.store.PrimaryPetForUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		n.log.Warn("user has no pet, marking processed", "user_id", userID, "raw_event_id", raw.ID)
		return n.store.MarkRawEventProcessed(ctx, raw.ID)
	}
	if err != nil {
		return err
	}

	events, verrs := normalize.Normalize(raw.Provider, raw.EventType, raw.Payload, userID, raw.ID)
	for _, verr := range verrs {
		// One bad item never voids its siblings.
		n.log.Warn("dropped invalid item", "raw_event_id", raw.ID, "err", verr)
	}

	published := 0
	for _, ev := range events {
		target := pet.ID
		if ev.PetID != uuid.Nil {
			target = ev.PetID
		}
		for _, delta := range scoring.Score(ev, target) {
			if _, err := n.queue.Publish(ctx, queue.StreamScoreDeltas, delta.Encode()); err != nil {
				return err
			}
			published++
		}
	}

	if err := n.store.MarkRawEventProcessed(ctx, raw.ID); err != nil {
		return err
	}

	n.log.Info("raw event normalized",
		"raw_event_id", raw.ID, "provider", raw.Provider, "event_type", raw.EventType,
		"events", len(events), "deltas", published)
	return nil
}

// resolveOwner attributes a raw event to an account. The manual provider is
// first-party and embeds our user id; everything else goes through the
// provider-identity lookup.
func (n *Normalizer) resolveOwner(ctx context.Context, raw *models.RawEvent) (uuid.UUID, bool, error) {
	if raw.Provider == normalize.ProviderManual {
		id, err := normalize.ManualUserID(raw.Payload)
		if err != nil {
			n.log.Warn("manual payload without user id", "raw_event_id", raw.ID, "err", err)
			return uuid.Nil, false, nil
		}
		return id, true, nil
	}

	externalID, err := normalize.ExternalUserID(raw.Provider, raw.EventType, raw.Payload)
	if err != nil {
		n.log.Warn("payload without sender identity", "raw_event_id", raw.ID, "err", err)
		return uuid.Nil, false, nil
	}
	return n.store.LookupUserByProviderIdentity(ctx, raw.Provider, externalID)
}

// Package worker contains the two consumer stages of the pipeline: the
// normalizer (pointer message → canonical events → score deltas) and the
// reconciler (score delta → idempotent, optimistically-locked pet mutation).
// Both receive their queue/store/cache handles at construction so tests can
// substitute doubles.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petquest/petquest/internal/config"
	"github.com/petquest/petquest/internal/models"
	"github.com/petquest/petquest/internal/queue"
)

// Store is the persistence the workers depend on.
type Store interface {
	GetRawEvent(ctx context.Context, id uuid.UUID) (*models.RawEvent, error)
	MarkRawEventProcessed(ctx context.Context, id uuid.UUID) error
	ListUnprocessedRawEvents(ctx context.Context, olderThan time.Time, limit int) ([]models.RawEvent, error)
	LookupUserByProviderIdentity(ctx context.Context, provider, externalID string) (uuid.UUID, bool, error)
	GetPet(ctx context.Context, id uuid.UUID) (*models.Pet, error)
	PrimaryPetForUser(ctx context.Context, userID uuid.UUID) (*models.Pet, error)
	UpdatePetCAS(ctx context.Context, id uuid.UUID, oldVersion int64, state models.PetState) (bool, error)
}

// Queue is the durable stream the workers consume from and publish to.
type Queue interface {
	Publish(ctx context.Context, stream string, values map[string]string) (string, error)
	Consume(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]queue.Message, error)
	ConsumePending(ctx context.Context, stream, group, consumer, start string, count int64) ([]queue.Message, error)
	Ack(ctx context.Context, stream, group, id string) error
	EnsureGroup(ctx context.Context, stream, group string) error
}

// Cache is the invalidation-only view the reconciler has of the read cache.
type Cache interface {
	Delete(ctx context.Context, key string) error
}

// handlerFunc processes one message. A nil return (even for duplicates and
// zero-effect messages) acknowledges the message; an error leaves it pending
// for redelivery.
type handlerFunc func(ctx context.Context, msg queue.Message) error

// Runner drives both consumer stages of one worker process.
type Runner struct {
	cfg        config.WorkerConfig
	queue      Queue
	store      Store
	normalizer *Normalizer
	reconciler *Reconciler
	log        *slog.Logger
}

// NewRunner wires a worker from its collaborators.
func NewRunner(cfg config.WorkerConfig, eco config.EconomyConfig, st Store, q Queue, c Cache, log *slog.Logger) *Runner {
	return &Runner{
		cfg:        cfg,
		queue:      q,
		store:      st,
		normalizer: NewNormalizer(st, q, log),
		reconciler: NewReconciler(st, c, cfg, eco, log),
		log:        log,
	}
}

// Run blocks until ctx is cancelled. Startup order matters: consumer groups
// first, then the unprocessed-row sweep, then one pending-message pass per
// stream (crash recovery), then live consumption.
func (r *Runner) Run(ctx context.Context) error {
	for _, stream := range []string{queue.StreamWebhookEvents, queue.StreamScoreDeltas} {
		if err := r.queue.EnsureGroup(ctx, stream, r.cfg.Group); err != nil {
			return err
		}
	}

	if n, err := r.SweepUnprocessed(ctx); err != nil {
		r.log.Error("unprocessed sweep failed", "err", err)
	} else if n > 0 {
		r.log.Info("re-enqueued unprocessed raw events", "count", n)
	}

	r.drainPending(ctx, queue.StreamWebhookEvents, r.normalizer.ProcessMessage)
	r.drainPending(ctx, queue.StreamScoreDeltas, r.reconciler.ProcessMessage)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.consumeLoop(ctx, queue.StreamWebhookEvents, r.normalizer.ProcessMessage)
	}()
	go func() {
		defer wg.Done()
		r.consumeLoop(ctx, queue.StreamScoreDeltas, r.reconciler.ProcessMessage)
	}()
	wg.Wait()
	return ctx.Err()
}

// consumeLoop reads new messages until ctx is cancelled. The blocking read's
// timeout bounds how long shutdown waits; transient queue errors back off
// and continue.
func (r *Runner) consumeLoop(ctx context.Context, stream string, handle handlerFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := r.queue.Consume(ctx, stream, r.cfg.Group, r.cfg.Consumer, r.cfg.BatchSize, r.cfg.BlockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.log.Error("consume failed", "stream", stream, "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}
		for _, msg := range msgs {
			r.handleOne(ctx, stream, msg, handle)
		}
	}
}

// drainPending replays messages delivered to this consumer but never
// acknowledged, before any new message is read. One pass only: the cursor
// advances past every delivered message, so an entry whose handler keeps
// failing stays pending for the next restart instead of being re-read in a
// loop that would starve live consumption.
func (r *Runner) drainPending(ctx context.Context, stream string, handle handlerFunc) {
	recovered, left := 0, 0
	cursor := "0"
	for {
		msgs, err := r.queue.ConsumePending(ctx, stream, r.cfg.Group, r.cfg.Consumer, cursor, r.cfg.BatchSize)
		if err != nil {
			r.log.Error("pending recovery failed", "stream", stream, "err", err)
			return
		}
		if len(msgs) == 0 {
			break
		}
		for _, msg := range msgs {
			if r.handleOne(ctx, stream, msg, handle) {
				recovered++
			} else {
				left++
			}
			cursor = msg.ID
		}
	}
	if recovered > 0 || left > 0 {
		r.log.Info("pending recovery finished", "stream", stream, "recovered", recovered, "left_pending", left)
	}
}

// handleOne enforces the acknowledgment contract: ack if and only if the
// handler returned normally. Reports whether the message was settled.
func (r *Runner) handleOne(ctx context.Context, stream string, msg queue.Message, handle handlerFunc) bool {
	if err := handle(ctx, msg); err != nil {
		r.log.Error("message processing failed, leaving pending", "stream", stream, "msg_id", msg.ID, "err", err)
		return false
	}
	if err := r.queue.Ack(ctx, stream, r.cfg.Group, msg.ID); err != nil {
		// The work is done and idempotent; redelivery will no-op.
		r.log.Error("ack failed", "stream", stream, "msg_id", msg.ID, "err", err)
	}
	return true
}

// SweepUnprocessed re-enqueues raw events that were durably admitted but
// whose pointer message never made it onto the stream (enqueue failed after
// the row write). The age cutoff keeps rows with an in-flight pointer out.
func (r *Runner) SweepUnprocessed(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-r.cfg.SweepAge)
	raws, err := r.store.ListUnprocessedRawEvents(ctx, cutoff, r.cfg.SweepLimit)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, raw := range raws {
		msg := models.PointerMessage{RawEventID: raw.ID, EventType: raw.EventType, Provider: raw.Provider}
		if _, err := r.queue.Publish(ctx, queue.StreamWebhookEvents, msg.Encode()); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

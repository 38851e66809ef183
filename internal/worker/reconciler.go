package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/petquest/petquest/internal/cache"
	"github.com/petquest/petquest/internal/config"
	"github.com/petquest/petquest/internal/models"
	"github.com/petquest/petquest/internal/queue"
	"github.com/petquest/petquest/internal/store"
)

// ErrRetryExhausted means a delta could not be committed within the CAS
// retry budget. The caller must leave the message unacknowledged so the
// recovery path retries it later.
var ErrRetryExhausted = errors.New("retry budget exhausted")

// Reconciler applies score deltas to pet state. All contention on the pet
// row is resolved by compare-and-swap plus retry; nothing is ever locked.
type Reconciler struct {
	store Store
	cache Cache
	log   *slog.Logger

	maxRetries   int
	retryDelay   time.Duration
	appliedLimit int

	// Economy fallbacks for pets whose state carries no per-pet override.
	foodCap      float64
	overflowRate float64
}

func NewReconciler(st Store, c Cache, cfg config.WorkerConfig, eco config.EconomyConfig, log *slog.Logger) *Reconciler {
	return &Reconciler{
		store:        st,
		cache:        c,
		log:          log,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
		appliedLimit: cfg.AppliedSetLimit,
		foodCap:      eco.FoodCap,
		overflowRate: eco.OverflowRate,
	}
}

// ProcessMessage decodes and applies one delta message.
func (r *Reconciler) ProcessMessage(ctx context.Context, msg queue.Message) error {
	delta, err := models.DecodeDelta(msg.Values)
	if err != nil {
		// Redelivery cannot repair a malformed message.
		r.log.Error("malformed delta message", "msg_id", msg.ID, "err", err)
		return nil
	}
	_, err = r.Apply(ctx, delta)
	return err
}

// Apply performs the bounded-retry optimistic-concurrency loop. It returns
// (false, nil) for duplicates — the success path for redelivery — and an
// error only when the delta could not be settled at all.
func (r *Reconciler) Apply(ctx context.Context, delta models.ScoreDelta) (bool, error) {
	if !delta.Stat.Valid() {
		// No mutation defined: zero-effect success, same as an unscored
		// event type.
		r.log.Warn("unknown stat kind", "stat", delta.Stat, "event_id", delta.EventID)
		return false, nil
	}

	key := delta.Key()
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(r.retryDelay * time.Duration(attempt)):
			}
		}

		pet, err := r.store.GetPet(ctx, delta.PetID)
		if errors.Is(err, store.ErrNotFound) {
			r.log.Warn("pet not found, dropping delta", "pet_id", delta.PetID, "key", key)
			return false, nil
		}
		if err != nil {
			return false, err
		}

		// The durable aggregate state is the only idempotency authority;
		// the cache is never consulted here.
		state := pet.State.Clone()
		if state.AlreadyApplied(key) {
			r.log.Debug("delta already applied", "pet_id", pet.ID, "key", key)
			return false, nil
		}

		r.mutate(&state, delta)
		state.RecordApplied(key, r.appliedLimit)
		state.UpdatedAt = time.Now().UTC()

		won, err := r.store.UpdatePetCAS(ctx, pet.ID, pet.Version, state)
		if err != nil {
			return false, err
		}
		if won {
			if err := r.cache.Delete(ctx, cache.PetStateKey(pet.ID.String())); err != nil {
				// Stale reads self-heal at TTL expiry.
				r.log.Warn("cache invalidation failed", "pet_id", pet.ID, "err", err)
			}
			r.log.Info("delta applied",
				"pet_id", pet.ID, "stat", delta.Stat, "amount", delta.Amount,
				"version", pet.Version+1, "key", key)
			return true, nil
		}

		r.log.Warn("version conflict, retrying",
			"pet_id", pet.ID, "attempt", attempt+1, "max", r.maxRetries)
	}

	return false, fmt.Errorf("%w: pet %s delta %s after %d attempts",
		ErrRetryExhausted, delta.PetID, key, r.maxRetries)
}

// mutate applies one delta to a working copy of the state.
func (r *Reconciler) mutate(state *models.PetState, delta models.ScoreDelta) {
	switch delta.Stat {
	case models.StatFood:
		r.applyFood(state, delta.Amount)
	case models.StatCurrency:
		state.Currency += delta.Amount
	case models.StatHappiness:
		state.Happiness = clamp(state.Happiness+delta.Amount, 0, 100)
	case models.StatHealth:
		state.Health = clamp(state.Health+delta.Amount, 0, 100)
	case models.StatProgress:
		applyProgress(state, delta.Amount)
	}
}

// applyFood adds food up to the pet's cap; the excess converts to currency
// at the overflow rate instead of being discarded. The pet's own state wins,
// then the configured economy, then the built-in defaults.
func (r *Reconciler) applyFood(state *models.PetState, amount float64) {
	foodCap := state.FoodCap
	if foodCap <= 0 {
		foodCap = r.foodCap
	}
	if foodCap <= 0 {
		foodCap = models.DefaultFoodCap
	}
	rate := state.OverflowRate
	if rate <= 0 {
		rate = r.overflowRate
	}
	if rate <= 0 {
		rate = models.DefaultOverflowRate
	}

	newFood := state.Food + amount
	if newFood > foodCap {
		state.Currency += (newFood - foodCap) * rate
		state.Food = foodCap
		return
	}
	state.Food = math.Max(0, newFood)
}

// applyProgress grows goal progress, capping at the target. Completion and
// growth stage derive from the progress/target ratio; a zero target means
// the pet tracks no goal.
func applyProgress(state *models.PetState, amount float64) {
	state.Progress += amount
	if state.ProgressTarget <= 0 {
		return
	}
	if state.Progress >= state.ProgressTarget {
		state.Progress = state.ProgressTarget
		state.Completed = true
	}
	stage := int(state.Progress / state.ProgressTarget * models.GrowthStages)
	if stage > models.GrowthStages {
		stage = models.GrowthStages
	}
	state.GrowthStage = stage
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

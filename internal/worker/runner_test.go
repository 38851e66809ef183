package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petquest/petquest/internal/models"
	"github.com/petquest/petquest/internal/queue"
)

func pendingDelta(id string, petID uuid.UUID) queue.Message {
	d := models.ScoreDelta{EventID: uuid.New(), Stat: models.StatFood, Amount: 1, PetID: petID}
	return queue.Message{ID: id, Values: d.Encode()}
}

func TestRunner_DrainPendingProcessesAndAcks(t *testing.T) {
	st := newFakeStore()
	q := newFakeQueue()
	pet := newTestPet()
	st.addPet(pet)

	q.addPending(queue.StreamScoreDeltas,
		pendingDelta("1-1", pet.ID),
		pendingDelta("1-2", pet.ID),
		pendingDelta("1-3", pet.ID))

	r := NewRunner(testWorkerConfig(), testEconomy(), st, q, &fakeCache{}, testLogger())
	r.drainPending(context.Background(), queue.StreamScoreDeltas, r.reconciler.ProcessMessage)

	assert.Empty(t, q.pendingIn(queue.StreamScoreDeltas))
	assert.Len(t, q.acked, 3)
	assert.Equal(t, 3.0, st.pet(pet.ID).State.Food)
}

func TestRunner_DrainPendingIsSinglePass(t *testing.T) {
	st := newFakeStore()
	q := newFakeQueue()

	q.addPending(queue.StreamScoreDeltas,
		pendingDelta("1-1", uuid.New()),
		pendingDelta("1-2", uuid.New()),
		pendingDelta("1-3", uuid.New()))

	r := NewRunner(testWorkerConfig(), testEconomy(), st, q, &fakeCache{}, testLogger())
	failing := func(ctx context.Context, msg queue.Message) error {
		return errors.New("store unavailable")
	}

	// Must return: the cursor moves past every failure instead of
	// re-reading it forever.
	r.drainPending(context.Background(), queue.StreamScoreDeltas, failing)

	assert.Empty(t, q.acked)
	assert.Len(t, q.pendingIn(queue.StreamScoreDeltas), 3)
	// One read per batch plus the terminating empty read.
	assert.LessOrEqual(t, q.pendingReads, 4)
}

func TestRunner_DrainPendingFailureKeepsSiblingsSettling(t *testing.T) {
	st := newFakeStore()
	q := newFakeQueue()
	pet := newTestPet()
	st.addPet(pet)

	// The middle message targets a pet whose load always fails; its
	// neighbors must still settle and the bad one must stay pending.
	good1 := pendingDelta("1-1", pet.ID)
	bad := pendingDelta("1-2", pet.ID)
	good2 := pendingDelta("1-3", pet.ID)
	q.addPending(queue.StreamScoreDeltas, good1, bad, good2)

	r := NewRunner(testWorkerConfig(), testEconomy(), st, q, &fakeCache{}, testLogger())
	handle := func(ctx context.Context, msg queue.Message) error {
		if msg.ID == bad.ID {
			return errors.New("transient failure")
		}
		return r.reconciler.ProcessMessage(ctx, msg)
	}
	r.drainPending(context.Background(), queue.StreamScoreDeltas, handle)

	left := q.pendingIn(queue.StreamScoreDeltas)
	require.Len(t, left, 1)
	assert.Equal(t, bad.ID, left[0].ID)
	assert.Equal(t, 2.0, st.pet(pet.ID).State.Food)
}

func TestRunner_RunReplaysPendingBeforeLive(t *testing.T) {
	st := newFakeStore()
	q := newFakeQueue()
	pet := newTestPet()
	st.addPet(pet)

	ptr := models.PointerMessage{RawEventID: uuid.New(), EventType: "push", Provider: "github"}
	q.addPending(queue.StreamWebhookEvents, queue.Message{ID: "1-1", Values: ptr.Encode()})
	q.addPending(queue.StreamScoreDeltas, pendingDelta("1-1", pet.ID))

	ctx, cancel := context.WithCancel(context.Background())
	q.onConsume = cancel

	r := NewRunner(testWorkerConfig(), testEconomy(), st, q, &fakeCache{}, testLogger())
	err := r.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	// By the time the live loop issued its first read, recovery had
	// already settled everything pending.
	assert.Equal(t, 0, q.pendingAtFirstConsume)
	assert.Len(t, q.acked, 2)
	assert.Equal(t, 1.0, st.pet(pet.ID).State.Food)
}

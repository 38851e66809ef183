package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petquest/petquest/internal/models"
	"github.com/petquest/petquest/internal/queue"
	"github.com/petquest/petquest/internal/store"
)

// fakeStore is an in-memory Store with injectable failures.
type fakeStore struct {
	mu sync.Mutex

	raws       map[uuid.UUID]*models.RawEvent
	pets       map[uuid.UUID]*models.Pet
	identities map[string]uuid.UUID // provider:externalID -> user
	primary    map[uuid.UUID]uuid.UUID

	// casConflicts makes the next N UpdatePetCAS calls lose the race by
	// bumping the stored version first, as a concurrent writer would.
	casConflicts int
	casCalls     int

	getPetErr   error
	getRawErr   error
	markErr     error
	unprocessed []models.RawEvent
	listErr     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		raws:       map[uuid.UUID]*models.RawEvent{},
		pets:       map[uuid.UUID]*models.Pet{},
		identities: map[string]uuid.UUID{},
		primary:    map[uuid.UUID]uuid.UUID{},
	}
}

func (f *fakeStore) GetRawEvent(_ context.Context, id uuid.UUID) (*models.RawEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getRawErr != nil {
		return nil, f.getRawErr
	}
	raw, ok := f.raws[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *raw
	return &cp, nil
}

func (f *fakeStore) MarkRawEventProcessed(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	if raw, ok := f.raws[id]; ok {
		raw.Processed = true
	}
	return nil
}

func (f *fakeStore) ListUnprocessedRawEvents(_ context.Context, _ time.Time, _ int) ([]models.RawEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.unprocessed, nil
}

func (f *fakeStore) LookupUserByProviderIdentity(_ context.Context, provider, externalID string) (uuid.UUID, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.identities[provider+":"+externalID]
	return id, ok, nil
}

func (f *fakeStore) GetPet(_ context.Context, id uuid.UUID) (*models.Pet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getPetErr != nil {
		return nil, f.getPetErr
	}
	pet, ok := f.pets[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *pet
	cp.State = pet.State.Clone()
	return &cp, nil
}

func (f *fakeStore) PrimaryPetForUser(_ context.Context, userID uuid.UUID) (*models.Pet, error) {
	f.mu.Lock()
	petID, ok := f.primary[userID]
	f.mu.Unlock()
	if !ok {
		return nil, store.ErrNotFound
	}
	return f.GetPet(context.Background(), petID)
}

func (f *fakeStore) UpdatePetCAS(_ context.Context, id uuid.UUID, oldVersion int64, state models.PetState) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.casCalls++
	pet, ok := f.pets[id]
	if !ok {
		return false, nil
	}
	if f.casConflicts > 0 {
		f.casConflicts--
		pet.Version++
		return false, nil
	}
	if pet.Version != oldVersion {
		return false, nil
	}
	pet.Version++
	pet.State = state.Clone()
	return true, nil
}

func (f *fakeStore) addPet(pet *models.Pet) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pets[pet.ID] = pet
	f.primary[pet.UserID] = pet.ID
}

func (f *fakeStore) pet(id uuid.UUID) *models.Pet {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pets[id]
}

// fakeQueue records published messages and keeps a per-stream pending list
// with real delivery semantics: an entry stays pending until acked, and
// ConsumePending serves entries with ids greater than the requested start.
type fakeQueue struct {
	mu sync.Mutex

	published  map[string][]map[string]string
	publishErr error
	acked      []string

	pending      map[string][]queue.Message
	pendingReads int

	consumeSeen           bool
	pendingAtFirstConsume int
	onConsume             func()
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		published: map[string][]map[string]string{},
		pending:   map[string][]queue.Message{},
	}
}

func (q *fakeQueue) Publish(_ context.Context, stream string, values map[string]string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.publishErr != nil {
		return "", q.publishErr
	}
	q.published[stream] = append(q.published[stream], values)
	return "0-1", nil
}

func (q *fakeQueue) Consume(ctx context.Context, _, _, _ string, _ int64, block time.Duration) ([]queue.Message, error) {
	q.mu.Lock()
	if !q.consumeSeen {
		q.consumeSeen = true
		for _, msgs := range q.pending {
			q.pendingAtFirstConsume += len(msgs)
		}
	}
	cb := q.onConsume
	q.mu.Unlock()

	if cb != nil {
		cb()
	}
	select {
	case <-ctx.Done():
	case <-time.After(block):
	}
	return nil, nil
}

func (q *fakeQueue) ConsumePending(_ context.Context, stream, _, _, start string, count int64) ([]queue.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pendingReads++

	var out []queue.Message
	for _, m := range q.pending[stream] {
		if m.ID > start {
			out = append(out, m)
			if int64(len(out)) == count {
				break
			}
		}
	}
	return out, nil
}

func (q *fakeQueue) Ack(_ context.Context, stream, _, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, stream+"/"+id)
	msgs := q.pending[stream]
	for i, m := range msgs {
		if m.ID == id {
			q.pending[stream] = append(msgs[:i], msgs[i+1:]...)
			break
		}
	}
	return nil
}

func (q *fakeQueue) EnsureGroup(_ context.Context, _, _ string) error { return nil }

func (q *fakeQueue) addPending(stream string, msgs ...queue.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[stream] = append(q.pending[stream], msgs...)
}

func (q *fakeQueue) pendingIn(stream string) []queue.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queue.Message(nil), q.pending[stream]...)
}

func (q *fakeQueue) publishedTo(stream string) []map[string]string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.published[stream]
}

// fakeCache records invalidations.
type fakeCache struct {
	mu      sync.Mutex
	deleted []string
	err     error
}

func (c *fakeCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.deleted = append(c.deleted, key)
	return nil
}

package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/petquest/petquest/internal/models"
)

// schemaSQL is embedded so the service can self-bootstrap its database schema.
//
//go:embed schema.sql
var schemaSQL string

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// PostgresStore is the durable persistence layer: raw-event audit rows,
// account identity lookups, and the optimistically-locked pet aggregates.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a connection pool and fails fast if the database
// is unreachable.
func NewPostgresStore(dbURL string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// EnsureSchema applies schema.sql. Safe to run multiple times.
func (p *PostgresStore) EnsureSchema() error {
	_, err := p.pool.Exec(context.Background(), schemaSQL)
	return err
}

// Ping is used by the readiness endpoint to validate DB connectivity.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (p *PostgresStore) Close() {
	p.pool.Close()
}

// InsertRawEvent persists an admitted webhook delivery. Duplicate detection
// is enforced by the unique index on external_delivery_id, which stays
// correct under concurrent admission of the same delivery (a read followed
// by an insert would not). Returns the id of the row that owns the delivery
// id and whether this call was a duplicate.
func (p *PostgresStore) InsertRawEvent(ctx context.Context, ev models.RawEvent) (uuid.UUID, bool, error) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}

	// RETURNING yields a row only when the insert won; the conflicting case
	// falls through to a lookup of the existing row.
	var id uuid.UUID
	err := p.pool.QueryRow(ctx, `
		INSERT INTO raw_events(id, provider, event_type, external_delivery_id, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (external_delivery_id) DO NOTHING
		RETURNING id
	`, ev.ID, ev.Provider, ev.EventType, ev.ExternalDeliveryID, ev.Payload).Scan(&id)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, false, err
	}

	err = p.pool.QueryRow(ctx, `
		SELECT id FROM raw_events WHERE external_delivery_id = $1
	`, ev.ExternalDeliveryID).Scan(&id)
	if err != nil {
		return uuid.Nil, false, err
	}
	return id, true, nil
}

// GetRawEvent loads one raw event by id.
func (p *PostgresStore) GetRawEvent(ctx context.Context, id uuid.UUID) (*models.RawEvent, error) {
	var ev models.RawEvent
	err := p.pool.QueryRow(ctx, `
		SELECT id, provider, event_type, external_delivery_id, payload, received_at, processed
		FROM raw_events WHERE id = $1
	`, id).Scan(&ev.ID, &ev.Provider, &ev.EventType, &ev.ExternalDeliveryID, &ev.Payload, &ev.ReceivedAt, &ev.Processed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// MarkRawEventProcessed flips the processed flag. Idempotent.
func (p *PostgresStore) MarkRawEventProcessed(ctx context.Context, id uuid.UUID) error {
	_, err := p.pool.Exec(ctx, `UPDATE raw_events SET processed = TRUE WHERE id = $1`, id)
	return err
}

// ListUnprocessedRawEvents returns raw events that were admitted but never
// picked up, oldest first. The recovery sweep re-enqueues these; olderThan
// keeps freshly admitted rows (whose pointer message is still in flight)
// out of the sweep.
func (p *PostgresStore) ListUnprocessedRawEvents(ctx context.Context, olderThan time.Time, limit int) ([]models.RawEvent, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, provider, event_type, external_delivery_id, payload, received_at, processed
		FROM raw_events
		WHERE NOT processed AND received_at < $1
		ORDER BY received_at
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.RawEvent
	for rows.Next() {
		var ev models.RawEvent
		if err := rows.Scan(&ev.ID, &ev.Provider, &ev.EventType, &ev.ExternalDeliveryID, &ev.Payload, &ev.ReceivedAt, &ev.Processed); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// LookupUserByProviderIdentity resolves a third-party identity to an
// account. A missing mapping is not an error; it means the sender never
// connected this provider.
func (p *PostgresStore) LookupUserByProviderIdentity(ctx context.Context, provider, externalID string) (uuid.UUID, bool, error) {
	var userID uuid.UUID
	err := p.pool.QueryRow(ctx, `
		SELECT user_id FROM user_identities WHERE provider = $1 AND external_id = $2
	`, provider, externalID).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, err
	}
	return userID, true, nil
}

// GetPet loads a pet and its current version.
func (p *PostgresStore) GetPet(ctx context.Context, id uuid.UUID) (*models.Pet, error) {
	return p.scanPet(p.pool.QueryRow(ctx, `
		SELECT id, user_id, name, state, version, created_at, updated_at
		FROM pets WHERE id = $1
	`, id))
}

// PrimaryPetForUser returns the user's oldest pet, the default credit target
// when an event does not name one.
func (p *PostgresStore) PrimaryPetForUser(ctx context.Context, userID uuid.UUID) (*models.Pet, error) {
	return p.scanPet(p.pool.QueryRow(ctx, `
		SELECT id, user_id, name, state, version, created_at, updated_at
		FROM pets WHERE user_id = $1
		ORDER BY created_at
		LIMIT 1
	`, userID))
}

func (p *PostgresStore) scanPet(row pgx.Row) (*models.Pet, error) {
	var pet models.Pet
	var stateJSON []byte
	err := row.Scan(&pet.ID, &pet.UserID, &pet.Name, &stateJSON, &pet.Version, &pet.CreatedAt, &pet.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(stateJSON) > 0 && string(stateJSON) != "{}" {
		if err := json.Unmarshal(stateJSON, &pet.State); err != nil {
			return nil, fmt.Errorf("pet %s state: %w", pet.ID, err)
		}
	} else {
		pet.State = models.DefaultPetState()
	}
	return &pet, nil
}

// UpdatePetCAS persists new state if and only if the version still matches.
// Returns false when another writer won the race; the caller reloads and
// retries.
func (p *PostgresStore) UpdatePetCAS(ctx context.Context, id uuid.UUID, oldVersion int64, state models.PetState) (bool, error) {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return false, err
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE pets
		SET state = $1, version = $2, updated_at = now()
		WHERE id = $3 AND version = $4
	`, stateJSON, oldVersion+1, id, oldVersion)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// CreatePet creates a pet for an owner with the given starting state (the
// caller seeds it from the configured economy).
func (p *PostgresStore) CreatePet(ctx context.Context, userID uuid.UUID, name string, state models.PetState) (*models.Pet, error) {
	pet := &models.Pet{
		ID:      uuid.New(),
		UserID:  userID,
		Name:    name,
		Version: 1,
		State:   state,
	}
	stateJSON, err := json.Marshal(pet.State)
	if err != nil {
		return nil, err
	}
	err = p.pool.QueryRow(ctx, `
		INSERT INTO pets(id, user_id, name, state, version)
		VALUES ($1, $2, $3, $4, 1)
		RETURNING created_at, updated_at
	`, pet.ID, userID, name, stateJSON).Scan(&pet.CreatedAt, &pet.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return pet, nil
}

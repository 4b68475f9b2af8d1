// Package syncapi is the reference implementation of the remote boundary the
// offline client syncs against: Postgres-backed CRUD per entity type with
// idempotency-key replay protection and JWT bearer auth.
package syncapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrRowNotFound is returned when an entity row does not exist.
var ErrRowNotFound = errors.New("syncapi: row not found")

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Service owns the Postgres storage for the registered entity types.
type Service struct {
	pool     *pgxpool.Pool
	logger   *slog.Logger
	entities map[string]bool
}

// New creates a service for the given entity tables.
func New(pool *pgxpool.Pool, entities []string, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{pool: pool, logger: logger, entities: make(map[string]bool, len(entities))}
	for _, e := range entities {
		if !identRe.MatchString(e) {
			return nil, fmt.Errorf("invalid entity name %q", e)
		}
		s.entities[e] = true
	}
	return s, nil
}

// Knows reports whether entity is registered.
func (s *Service) Knows(entity string) bool {
	return s.entities[entity]
}

// InitSchema creates the entity tables and the idempotency table. Safe to
// run repeatedly.
func (s *Service) InitSchema(ctx context.Context) error {
	for entity := range s.entities {
		_, err := s.pool.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS "%s" (
			id         UUID PRIMARY KEY,
			payload    JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, entity))
		if err != nil {
			return fmt.Errorf("failed to create table %s: %w", entity, err)
		}
	}
	_, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS sync_idempotency (
		key         TEXT PRIMARY KEY,
		status_code INT NOT NULL,
		response    JSONB,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`)
	if err != nil {
		return fmt.Errorf("failed to create idempotency table: %w", err)
	}
	return nil
}

// List returns every payload for an entity, oldest first.
func (s *Service) List(ctx context.Context, entity string) ([]json.RawMessage, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT payload FROM "%s" ORDER BY created_at, id`, entity))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", entity, err)
	}
	defer rows.Close()

	items := []json.RawMessage{}
	for rows.Next() {
		var payload json.RawMessage
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", entity, err)
		}
		items = append(items, payload)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", entity, err)
	}
	return items, nil
}

// GetByID returns one payload or ErrRowNotFound.
func (s *Service) GetByID(ctx context.Context, entity, id string) (json.RawMessage, error) {
	rowID, err := uuid.Parse(id)
	if err != nil {
		return nil, ErrRowNotFound
	}
	var payload json.RawMessage
	err = s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT payload FROM "%s" WHERE id = $1`, entity), rowID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s/%s: %w", entity, id, err)
	}
	return payload, nil
}

// Create stores a new row under a server-assigned id. The id and timestamps
// are stamped into the payload so the client mirror matches exactly.
func (s *Service) Create(ctx context.Context, entity string, payload json.RawMessage) (json.RawMessage, error) {
	fields := map[string]any{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &fields); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", entity, err)
		}
	}

	id := uuid.New()
	now := time.Now().UTC()
	fields["id"] = id.String()
	fields["createdAt"] = now.Format(time.RFC3339Nano)
	fields["updatedAt"] = now.Format(time.RFC3339Nano)

	stamped, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to stamp %s payload: %w", entity, err)
	}
	_, err = s.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO "%s" (id, payload, created_at, updated_at) VALUES ($1, $2, $3, $3)`, entity),
		id, stamped, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert %s: %w", entity, err)
	}
	return stamped, nil
}

// Update replaces a row's payload, preserving id and creation time. This is
// a blind overwrite: the last pusher wins, as the sync contract documents.
func (s *Service) Update(ctx context.Context, entity, id string, payload json.RawMessage) (json.RawMessage, error) {
	rowID, err := uuid.Parse(id)
	if err != nil {
		return nil, ErrRowNotFound
	}

	var stored json.RawMessage
	err = s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT payload FROM "%s" WHERE id = $1`, entity), rowID).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s/%s: %w", entity, id, err)
	}

	var prev struct {
		CreatedAt string `json:"createdAt"`
	}
	_ = json.Unmarshal(stored, &prev)

	fields := map[string]any{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &fields); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", entity, err)
		}
	}
	now := time.Now().UTC()
	fields["id"] = id
	fields["createdAt"] = prev.CreatedAt
	fields["updatedAt"] = now.Format(time.RFC3339Nano)

	stamped, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to stamp %s payload: %w", entity, err)
	}
	_, err = s.pool.Exec(ctx, fmt.Sprintf(
		`UPDATE "%s" SET payload = $2, updated_at = $3 WHERE id = $1`, entity),
		rowID, stamped, now)
	if err != nil {
		return nil, fmt.Errorf("failed to update %s/%s: %w", entity, id, err)
	}
	return stamped, nil
}

// Delete removes a row. Deleting an absent row returns ErrRowNotFound so
// the handler can answer 404 and the client can treat a retried delete as
// already confirmed.
func (s *Service) Delete(ctx context.Context, entity, id string) error {
	rowID, err := uuid.Parse(id)
	if err != nil {
		return ErrRowNotFound
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(
		`DELETE FROM "%s" WHERE id = $1`, entity), rowID)
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", entity, id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRowNotFound
	}
	return nil
}

// StoredResponse is a replayed idempotent mutation result.
type StoredResponse struct {
	StatusCode int
	Body       json.RawMessage
}

// LookupIdempotent returns the stored response for a key, if any.
func (s *Service) LookupIdempotent(ctx context.Context, key string) (*StoredResponse, error) {
	var resp StoredResponse
	err := s.pool.QueryRow(ctx,
		`SELECT status_code, response FROM sync_idempotency WHERE key = $1`, key).
		Scan(&resp.StatusCode, &resp.Body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
	}
	return &resp, nil
}

// StoreIdempotent records the response for a key. A concurrent duplicate
// keeps the first stored response.
func (s *Service) StoreIdempotent(ctx context.Context, key string, statusCode int, body json.RawMessage) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sync_idempotency (key, status_code, response) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO NOTHING`, key, statusCode, body)
	if err != nil {
		return fmt.Errorf("failed to store idempotency response: %w", err)
	}
	return nil
}

package offsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Op is a queued mutation kind.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// QueueEntry is one durable pending local write. Coalescing keeps at most
// one entry per (table, entity id), so per-entity causal order is trivially
// preserved across drains.
type QueueEntry struct {
	Seq            int64
	Table          string
	EntityID       string
	Op             Op
	Payload        json.RawMessage // nil for delete
	IdempotencyKey string
	EnqueuedAt     time.Time
	Attempts       int
	Terminal       bool
	LastError      string
}

// Enqueue records a pending mutation, coalescing with any entry already
// queued for the same entity:
//
//   - a later update absorbs an earlier update (and keeps a pending create
//     a create, since the server has never seen the row);
//   - a delete discards any prior entry and becomes the sole pending op;
//   - a delete over a pending create cancels the entry outright, so a record
//     created and deleted offline never touches the network.
//
// Every rewrite is a new logical mutation and gets a fresh idempotency key;
// the key is then reused verbatim across retries of that entry.
func (s *Store) Enqueue(ctx context.Context, table, entityID string, op Op, payload json.RawMessage) error {
	if err := s.checkTable(table); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := enqueueInTx(ctx, tx, table, entityID, op, payload); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit enqueue for %s.%s: %w", table, entityID, err)
	}
	return nil
}

// Stage writes a record and its queued mutation in one transaction. Pending
// rows and queue entries always appear (and disappear) together; a crash
// between the two writes cannot leave a pending row that nothing will push.
func (s *Store) Stage(ctx context.Context, table string, rec Record, op Op) error {
	if err := s.checkTable(table); err != nil {
		return err
	}
	if rec.ID == "" {
		return fmt.Errorf("staged record for %s has no id", table)
	}
	if !rec.Status.valid() {
		return fmt.Errorf("staged record %s.%s has invalid sync status %q", table, rec.ID, rec.Status)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := putRecordInTx(ctx, tx, table, rec); err != nil {
		return fmt.Errorf("failed to stage record %s.%s: %w", table, rec.ID, err)
	}
	payload := rec.Payload
	if op == OpDelete {
		payload = nil
	}
	if err := enqueueInTx(ctx, tx, table, rec.ID, op, payload); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit staged %s for %s.%s: %w", op, table, rec.ID, err)
	}
	return nil
}

func enqueueInTx(ctx context.Context, tx *sql.Tx, table, entityID string, op Op, payload json.RawMessage) error {
	var existing Op
	err := tx.QueryRowContext(ctx,
		`SELECT op FROM sync_queue WHERE entity_table = ? AND entity_id = ?`,
		table, entityID).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sync_queue (entity_table, entity_id, op, payload, idempotency_key, enqueued_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			table, entityID, string(op), payloadArg(payload), uuid.New().String(), fmtTime(time.Now())); err != nil {
			return fmt.Errorf("failed to enqueue %s for %s.%s: %w", op, table, entityID, err)
		}
	case err != nil:
		return fmt.Errorf("failed to inspect queue for %s.%s: %w", table, entityID, err)
	default:
		next := op
		switch {
		case op == OpDelete && existing == OpCreate:
			// Unsynced new record deleted again: cancel, no network call.
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM sync_queue WHERE entity_table = ? AND entity_id = ?`,
				table, entityID); err != nil {
				return fmt.Errorf("failed to cancel pending create for %s.%s: %w", table, entityID, err)
			}
			return nil
		case op == OpUpdate && existing == OpDelete:
			return fmt.Errorf("cannot update %s.%s: delete already pending", table, entityID)
		case op == OpUpdate && existing == OpCreate:
			next = OpCreate
		}
		if next == OpDelete {
			payload = nil
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE sync_queue
			 SET op = ?, payload = ?, idempotency_key = ?, enqueued_at = ?,
			     attempts = 0, terminal = 0, last_error = NULL
			 WHERE entity_table = ? AND entity_id = ?`,
			string(next), payloadArg(payload), uuid.New().String(), fmtTime(time.Now()),
			table, entityID); err != nil {
			return fmt.Errorf("failed to coalesce %s for %s.%s: %w", op, table, entityID, err)
		}
	}
	return nil
}

func payloadArg(payload json.RawMessage) any {
	if payload == nil {
		return nil
	}
	return string(payload)
}

// Pending returns the non-terminal queue entries in FIFO order.
func (s *Store) Pending(ctx context.Context) ([]QueueEntry, error) {
	return s.queueEntries(ctx, `WHERE terminal = 0`)
}

// Failed returns the entries parked after a remote rejection or exhausted
// retries. They are surfaced to the UI and drained only on explicit retry.
func (s *Store) Failed(ctx context.Context) ([]QueueEntry, error) {
	return s.queueEntries(ctx, `WHERE terminal = 1`)
}

// QueueEntryFor returns the pending entry for one entity, or ErrNotFound.
func (s *Store) QueueEntryFor(ctx context.Context, table, entityID string) (*QueueEntry, error) {
	entries, err := s.queueEntries(ctx, `WHERE entity_table = ? AND entity_id = ?`, table, entityID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNotFound
	}
	return &entries[0], nil
}

func (s *Store) queueEntries(ctx context.Context, where string, args ...any) ([]QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, entity_table, entity_id, op, payload, idempotency_key, enqueued_at,
		        attempts, terminal, COALESCE(last_error, '')
		 FROM sync_queue `+where+` ORDER BY seq`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync queue: %w", err)
	}
	defer rows.Close()

	var entries []QueueEntry
	for rows.Next() {
		var e QueueEntry
		var op, enqueuedAt string
		var payload sql.NullString
		var terminal int
		if err := rows.Scan(&e.Seq, &e.Table, &e.EntityID, &op, &payload, &e.IdempotencyKey,
			&enqueuedAt, &e.Attempts, &terminal, &e.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		e.Op = Op(op)
		if payload.Valid {
			e.Payload = json.RawMessage(payload.String)
		}
		e.EnqueuedAt = parseTime(enqueuedAt)
		e.Terminal = terminal != 0
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync queue: %w", err)
	}
	return entries, nil
}

// RemoveEntry dequeues the entry for an entity, but only while it still
// carries the given idempotency key. A mutation coalesced in while the push
// was in flight rotates the key, and that newer mutation must survive.
func (s *Store) RemoveEntry(ctx context.Context, table, entityID, idempotencyKey string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE entity_table = ? AND entity_id = ? AND idempotency_key = ?`,
		table, entityID, idempotencyKey)
	if err != nil {
		return fmt.Errorf("failed to dequeue %s.%s: %w", table, entityID, err)
	}
	return nil
}

// Drop removes a record and any queue entry for it in one transaction. Used
// when a never-synced record is discarded locally.
func (s *Store) Drop(ctx context.Context, table, id string) error {
	if err := s.checkTable(table); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM "%s" WHERE id = ?`, table), id); err != nil {
		return fmt.Errorf("failed to drop record %s.%s: %w", table, id, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE entity_table = ? AND entity_id = ?`, table, id); err != nil {
		return fmt.Errorf("failed to drop queue entry for %s.%s: %w", table, id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit drop of %s.%s: %w", table, id, err)
	}
	return nil
}

// CancelEntry unconditionally drops the queue entry for an entity.
func (s *Store) CancelEntry(ctx context.Context, table, entityID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE entity_table = ? AND entity_id = ?`, table, entityID)
	if err != nil {
		return fmt.Errorf("failed to cancel queue entry for %s.%s: %w", table, entityID, err)
	}
	return nil
}

// RecordFailure increments the attempt counter for an entry and stores the
// diagnostic, returning the new attempt count.
func (s *Store) RecordFailure(ctx context.Context, seq int64, msg string) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE sync_queue SET attempts = attempts + 1, last_error = ? WHERE seq = ?`, msg, seq); err != nil {
		return 0, fmt.Errorf("failed to record queue failure: %w", err)
	}
	var attempts int
	if err := s.db.QueryRowContext(ctx,
		`SELECT attempts FROM sync_queue WHERE seq = ?`, seq).Scan(&attempts); err != nil {
		if err == sql.ErrNoRows {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("failed to read attempt count: %w", err)
	}
	return attempts, nil
}

// MarkTerminal parks an entry so automatic drains skip it.
func (s *Store) MarkTerminal(ctx context.Context, seq int64, msg string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE sync_queue SET terminal = 1, last_error = ? WHERE seq = ?`, msg, seq); err != nil {
		return fmt.Errorf("failed to mark queue entry terminal: %w", err)
	}
	return nil
}

// ResetEntry clears the terminal flag and attempt counter for an entity's
// entry, making it eligible for the next drain. Used by explicit user retry.
func (s *Store) ResetEntry(ctx context.Context, table, entityID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_queue SET terminal = 0, attempts = 0, last_error = NULL
		 WHERE entity_table = ? AND entity_id = ?`, table, entityID)
	if err != nil {
		return fmt.Errorf("failed to reset queue entry for %s.%s: %w", table, entityID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

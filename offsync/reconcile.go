package offsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// RefRule declares that payloads in Table carry, under Field, the id of a
// record in Refs. When a temporary id is reconciled with a server id, every
// matching reference is rewritten in the same transaction.
type RefRule struct {
	Table string // table holding the reference
	Field string // JSON field in that table's payload
	Refs  string // table the id points into
}

// RegisterRef adds an id-reference rewrite rule.
func (s *Store) RegisterRef(rule RefRule) error {
	if !identRe.MatchString(rule.Field) {
		return fmt.Errorf("invalid reference field %q", rule.Field)
	}
	if err := s.checkTable(rule.Table); err != nil {
		return err
	}
	if err := s.checkTable(rule.Refs); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refRules = append(s.refRules, rule)
	return nil
}

func (s *Store) rulesReferencing(table string) []RefRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []RefRule
	for _, r := range s.refRules {
		if r.Refs == table {
			out = append(out, r)
		}
	}
	return out
}

// MergeSynced merges server-authoritative records into a table: rows whose
// current status is synced (or which do not exist locally) are overwritten;
// rows with a pending local mutation are left untouched so a concurrent
// refresh never clobbers user-visible edits. The whole merge is one
// transaction and a failure leaves the table unchanged.
func (s *Store) MergeSynced(ctx context.Context, table string, recs []Record) error {
	if err := s.checkTable(table); err != nil {
		return err
	}
	if len(recs) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, rec := range recs {
		if rec.ID == "" {
			return fmt.Errorf("server record for %s has no id", table)
		}
		var status string
		err := tx.QueryRowContext(ctx, fmt.Sprintf(
			`SELECT sync_status FROM "%s" WHERE id = ?`, table), rec.ID).Scan(&status)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("failed to inspect %s.%s: %w", table, rec.ID, err)
		}
		if err == nil && SyncStatus(status).Pending() {
			continue
		}
		rec.Status = StatusSynced
		rec.LastError = ""
		if err := putRecordInTx(ctx, tx, table, rec); err != nil {
			return fmt.Errorf("failed to merge %s.%s: %w", table, rec.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit merge for %s: %w", table, err)
	}
	return nil
}

// ConfirmCreate finalizes a pushed create: the temporary id is rewritten to
// the server id everywhere (row key, payload id field, queued mutations and
// registered cross-table references) and the record is marked synced, all in
// one transaction.
//
// If the record was edited again while the push was in flight (detected by a
// rotated idempotency key), the local payload and status are kept; only the
// id rewrite happens, and the surviving queue entry is downgraded from
// create to update since the row now exists on the server.
func (s *Store) ConfirmCreate(ctx context.Context, table, tempID, serverID string, serverPayload json.RawMessage, createdAt, updatedAt time.Time, pushedKey string) error {
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

	reEdited, err := entryKeyRotated(ctx, tx, table, tempID, pushedKey)
	if err != nil {
		return err
	}

	if serverID != tempID {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`UPDATE "%s" SET id = ?, payload = json_set(payload, '$.id', ?) WHERE id = ?`, table),
			serverID, serverID, tempID); err != nil {
			return fmt.Errorf("failed to rewrite id %s -> %s in %s: %w", tempID, serverID, table, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE sync_queue SET entity_id = ? WHERE entity_table = ? AND entity_id = ?`,
			serverID, table, tempID); err != nil {
			return fmt.Errorf("failed to rewrite queued id %s -> %s: %w", tempID, serverID, err)
		}
		// A surviving entry for this entity (a coalesced re-edit) still has
		// the temp id in its payload body; the server must never see it.
		if _, err := tx.ExecContext(ctx,
			`UPDATE sync_queue SET payload = json_set(payload, '$.id', ?)
			 WHERE entity_table = ? AND entity_id = ? AND payload IS NOT NULL`,
			serverID, table, serverID); err != nil {
			return fmt.Errorf("failed to rewrite queued payload id for %s.%s: %w", table, serverID, err)
		}
		for _, rule := range s.rulesReferencing(table) {
			field := "$." + rule.Field
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(
				`UPDATE "%s" SET payload = json_set(payload, ?, ?) WHERE json_extract(payload, ?) = ?`, rule.Table),
				field, serverID, field, tempID); err != nil {
				return fmt.Errorf("failed to rewrite %s.%s references: %w", rule.Table, rule.Field, err)
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE sync_queue SET payload = json_set(payload, ?, ?)
				 WHERE entity_table = ? AND payload IS NOT NULL AND json_extract(payload, ?) = ?`,
				field, serverID, rule.Table, field, tempID); err != nil {
				return fmt.Errorf("failed to rewrite queued %s.%s references: %w", rule.Table, rule.Field, err)
			}
		}
	}

	if reEdited {
		if _, err := tx.ExecContext(ctx,
			`UPDATE sync_queue SET op = 'update'
			 WHERE entity_table = ? AND entity_id = ? AND op = 'create'`,
			table, serverID); err != nil {
			return fmt.Errorf("failed to downgrade queued create for %s.%s: %w", table, serverID, err)
		}
	} else {
		rec := Record{
			ID:        serverID,
			Payload:   serverPayload,
			Status:    StatusSynced,
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		}
		if err := putRecordInTx(ctx, tx, table, rec); err != nil {
			return fmt.Errorf("failed to finalize created record %s.%s: %w", table, serverID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit create confirmation for %s.%s: %w", table, serverID, err)
	}
	return nil
}

// ConfirmUpdate finalizes a pushed update with the server-returned state.
// A mutation coalesced in mid-flight keeps the local pending payload.
func (s *Store) ConfirmUpdate(ctx context.Context, table, id string, serverPayload json.RawMessage, createdAt, updatedAt time.Time, pushedKey string) error {
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

	reEdited, err := entryKeyRotated(ctx, tx, table, id, pushedKey)
	if err != nil {
		return err
	}
	if !reEdited {
		rec := Record{
			ID:        id,
			Payload:   serverPayload,
			Status:    StatusSynced,
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		}
		if err := putRecordInTx(ctx, tx, table, rec); err != nil {
			return fmt.Errorf("failed to finalize updated record %s.%s: %w", table, id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit update confirmation for %s.%s: %w", table, id, err)
	}
	return nil
}

// ConfirmDelete removes the local tombstone after the server acknowledged
// the delete. A re-created record (rotated key) is left in place.
func (s *Store) ConfirmDelete(ctx context.Context, table, id, pushedKey string) error {
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

	reCreated, err := entryKeyRotated(ctx, tx, table, id, pushedKey)
	if err != nil {
		return err
	}
	if !reCreated {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`DELETE FROM "%s" WHERE id = ?`, table), id); err != nil {
			return fmt.Errorf("failed to remove tombstone %s.%s: %w", table, id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete confirmation for %s.%s: %w", table, id, err)
	}
	return nil
}

// entryKeyRotated reports whether the queue entry for the entity exists with
// an idempotency key other than the one just pushed, meaning a newer local
// mutation arrived while the push was in flight.
func entryKeyRotated(ctx context.Context, tx *sql.Tx, table, id, pushedKey string) (bool, error) {
	var key string
	err := tx.QueryRowContext(ctx,
		`SELECT idempotency_key FROM sync_queue WHERE entity_table = ? AND entity_id = ?`,
		table, id).Scan(&key)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to inspect queue entry for %s.%s: %w", table, id, err)
	}
	return key != pushedKey, nil
}

// MarkRecordFailed surfaces a push failure on the record. The prior payload
// is retained for retry, never silently reverted.
func (s *Store) MarkRecordFailed(ctx context.Context, table, id, msg string) error {
	if err := s.checkTable(table); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE "%s" SET sync_status = 'failed', last_error = ? WHERE id = ?`, table), msg, id)
	if err != nil {
		return fmt.Errorf("failed to mark record %s.%s failed: %w", table, id, err)
	}
	return nil
}

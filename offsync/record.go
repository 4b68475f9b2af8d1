// Package offsync implements the offline-first synchronization core for the
// digitalisation-assessment client: a SQLite-backed local mirror of
// server-owned entities, a durable coalescing mutation queue, and a generic
// engine that reconciles local writes with the remote source of truth under
// unreliable connectivity.
package offsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SyncStatus describes how a local record diverges from the last known
// server state.
type SyncStatus string

const (
	StatusSynced  SyncStatus = "synced"  // byte-for-byte consistent with the server
	StatusNew     SyncStatus = "new"     // created locally, never reached the server
	StatusUpdated SyncStatus = "updated" // edited locally since last sync
	StatusDeleted SyncStatus = "deleted" // tombstoned locally, delete not yet confirmed
	StatusFailed  SyncStatus = "failed"  // push failed; payload retained for retry
)

// Pending reports whether the record has an unresolved local mutation. Rows
// with a pending status are never clobbered by an incoming pull.
func (s SyncStatus) Pending() bool {
	return s != StatusSynced
}

func (s SyncStatus) valid() bool {
	switch s {
	case StatusSynced, StatusNew, StatusUpdated, StatusDeleted, StatusFailed:
		return true
	}
	return false
}

// Record is the sync envelope stored for every synchronized entity row.
// Business fields live opaquely in Payload; the sync layer only interprets
// ID, Status, timestamps and LastError.
type Record struct {
	ID        string
	Payload   json.RawMessage
	Status    SyncStatus
	CreatedAt time.Time
	UpdatedAt time.Time
	LastError string // populated only when Status is StatusFailed
}

// ErrNotFound is returned when a record is absent from a local table.
var ErrNotFound = errors.New("offsync: record not found")

const tempIDPrefix = "tmp-"

// TempID generates a client-side identifier for a record created offline.
// It is replaced by the canonical server id once the create is pushed.
func TempID() string {
	return tempIDPrefix + uuid.New().String()
}

// IsTempID reports whether id was generated by TempID.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, tempIDPrefix)
}

// RemoteError is a failure reported by the remote API. The status code
// determines whether the queued mutation is retried automatically or parked
// until explicit user action.
type RemoteError struct {
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote: server returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("remote: %s (status %d)", e.Message, e.StatusCode)
}

// Terminal reports whether the failure is a remote rejection (validation
// error, conflict) that would loop forever if retried blindly. Timeouts and
// throttling remain retryable.
func (e *RemoteError) Terminal() bool {
	if e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests {
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// IsNotFound reports whether err is a remote 404.
func IsNotFound(err error) bool {
	var rerr *RemoteError
	return errors.As(err, &rerr) && rerr.StatusCode == http.StatusNotFound
}

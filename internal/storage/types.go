package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines audit trail + dedup marks file next to Path
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Audit actions.
const (
	ActionEntryAdded    = "entry.added"
	ActionEntryRemoved  = "entry.removed"
	ActionLinkChanged   = "link.changed"
	ActionPersistFailed = "persist.failed"
	ActionNotifyFailed  = "notify.failed"
)

// AuditEntry records one monitor action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At          time.Time `json:"at"`
	ChatID      int64     `json:"chat_id"`
	Action      string    `json:"action"`
	URL         string    `json:"url,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Previous    string    `json:"previous,omitempty"`
	Error       string    `json:"error,omitempty"`
}

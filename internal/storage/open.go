package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	logx "linkwatch/pkg/logx"
)

// Store keeps the audit trail of tracked links and the notifier's dedup marks.
type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	// RecentAudit returns up to limit entries, newest first. chatID 0 means
	// every chat.
	RecentAudit(ctx context.Context, chatID int64, limit int) ([]AuditEntry, error)
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	Close() error
}

const defaultAuditLimit = 20

var drivers = map[string]func(Config, logx.Logger) (Store, error){
	"file":    openFile,
	"sqlite":  openSQLite,
	"sqlite3": openSQLite,
}

// Open returns the store for cfg.Driver, or (nil, nil) when storage is off.
func Open(cfg Config, log logx.Logger) (Store, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if name == "" || name == "none" {
		return nil, nil
	}
	open, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("unknown storage driver %q", name)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	st, err := open(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", name, err)
	}
	log.Info("storage opened", logx.String("driver", name), logx.String("path", cfg.Path))
	return st, nil
}

package app

import (
	"context"
	"time"

	"linkwatch/internal/eventbus"
	"linkwatch/internal/monitor"
	"linkwatch/internal/notifier"
	"linkwatch/internal/storage"
	logx "linkwatch/pkg/logx"
)

// auditEntry maps a bus event to an audit record. ok is false for events
// that are not audited.
func auditEntry(e eventbus.Event) (storage.AuditEntry, bool) {
	at := e.Time
	if at.IsZero() {
		at = time.Now()
	}
	switch d := e.Data.(type) {
	case monitor.EntryEvent:
		action := storage.ActionEntryAdded
		switch e.Type {
		case eventbus.TypeEntryAdded:
		case eventbus.TypeEntryRemoved:
			action = storage.ActionEntryRemoved
		default:
			return storage.AuditEntry{}, false
		}
		return storage.AuditEntry{At: at, ChatID: d.ChannelID, Action: action, URL: d.URL, Fingerprint: d.Fingerprint}, true
	case monitor.ChangeEvent:
		if !d.At.IsZero() {
			at = d.At
		}
		return storage.AuditEntry{At: at, ChatID: d.ChannelID, Action: storage.ActionLinkChanged, URL: d.URL, Fingerprint: d.Fingerprint, Previous: d.Previous}, true
	case monitor.PersistFailure:
		return storage.AuditEntry{At: at, Action: storage.ActionPersistFailed, URL: d.Path, Error: d.Error}, true
	case notifier.NotificationEvent:
		if e.Type != eventbus.TypeNotifyFailed && e.Type != eventbus.TypeNotifyDropped {
			return storage.AuditEntry{}, false
		}
		return storage.AuditEntry{At: at, ChatID: d.ChatID, Action: storage.ActionNotifyFailed, Error: d.Error}, true
	}
	return storage.AuditEntry{}, false
}

// runAudit writes audited bus events to st until ctx is canceled.
func runAudit(ctx context.Context, bus eventbus.Bus, st storage.Store, log logx.Logger) {
	events, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			entry, ok := auditEntry(e)
			if !ok {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := st.AppendAudit(wctx, entry)
			cancel()
			if err != nil {
				log.Warn("audit append failed", logx.String("action", entry.Action), logx.Err(err))
			}
		}
	}
}

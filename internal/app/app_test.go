package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"linkwatch/internal/config"
	"linkwatch/internal/eventbus"
	"linkwatch/internal/monitor"
	"linkwatch/internal/notifier"
	"linkwatch/internal/storage"
	logx "linkwatch/pkg/logx"
)

func TestAuditEntryMapping(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	cases := []struct {
		name   string
		ev     eventbus.Event
		ok     bool
		action string
	}{
		{"added", eventbus.Event{Type: eventbus.TypeEntryAdded, Time: at, Data: monitor.EntryEvent{ChannelID: 1, URL: "https://a"}}, true, storage.ActionEntryAdded},
		{"removed", eventbus.Event{Type: eventbus.TypeEntryRemoved, Time: at, Data: monitor.EntryEvent{ChannelID: 1, URL: "https://a"}}, true, storage.ActionEntryRemoved},
		{"changed", eventbus.Event{Type: eventbus.TypeLinkChanged, Data: monitor.ChangeEvent{ChannelID: 1, URL: "https://a", Fingerprint: "n", Previous: "o", At: at}}, true, storage.ActionLinkChanged},
		{"persist", eventbus.Event{Type: eventbus.TypePersistFailed, Time: at, Data: monitor.PersistFailure{Path: "x.json", Error: "disk full"}}, true, storage.ActionPersistFailed},
		{"notify failed", eventbus.Event{Type: eventbus.TypeNotifyFailed, Time: at, Data: notifier.NotificationEvent{ChatID: 1, Error: "boom"}}, true, storage.ActionNotifyFailed},
		{"notify sent", eventbus.Event{Type: eventbus.TypeNotifySent, Time: at, Data: notifier.NotificationEvent{ChatID: 1}}, false, ""},
		{"tick", eventbus.Event{Type: eventbus.TypeTickDone, Time: at, Data: monitor.TickReport{}}, false, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := auditEntry(tc.ev)
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if !ok {
				return
			}
			if got.Action != tc.action || !got.At.Equal(at) {
				t.Fatalf("entry = %+v", got)
			}
		})
	}

	got, _ := auditEntry(eventbus.Event{Type: eventbus.TypeLinkChanged, Data: monitor.ChangeEvent{ChannelID: 42, URL: "https://a", Fingerprint: "n", Previous: "o", At: at}})
	if got.ChatID != 42 || got.Fingerprint != "n" || got.Previous != "o" {
		t.Fatalf("change entry = %+v", got)
	}
}

type memAudit struct {
	mu      sync.Mutex
	entries []storage.AuditEntry
	added   chan struct{}
}

func (m *memAudit) AppendAudit(_ context.Context, e storage.AuditEntry) error {
	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.mu.Unlock()
	select {
	case m.added <- struct{}{}:
	default:
	}
	return nil
}
func (m *memAudit) RecentAudit(context.Context, int64, int) ([]storage.AuditEntry, error) {
	return nil, errors.New("unused")
}
func (m *memAudit) PutDedup(context.Context, string, time.Time) error { return nil }
func (m *memAudit) GetDedup(context.Context, string) (time.Time, bool, error) {
	return time.Time{}, false, nil
}
func (m *memAudit) Close() error { return nil }

func TestRunAuditWritesEvents(t *testing.T) {
	bus := eventbus.New()
	st := &memAudit{added: make(chan struct{}, 4)}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runAudit(ctx, bus, st, logx.Nop())
		close(done)
	}()

	// wait until subscribed: publish until the first entry lands
	deadline := time.After(2 * time.Second)
	for {
		bus.Publish(eventbus.Event{Type: eventbus.TypeEntryAdded, Data: monitor.EntryEvent{ChannelID: 7, URL: "https://a"}})
		select {
		case <-st.added:
		case <-time.After(20 * time.Millisecond):
			continue
		case <-deadline:
			t.Fatalf("audit entry never written")
		}
		break
	}
	cancel()
	<-done

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.entries[0].ChatID != 7 || st.entries[0].Action != storage.ActionEntryAdded {
		t.Fatalf("entry = %+v", st.entries[0])
	}
}

func TestMapLoggingFallsBackToGroupLog(t *testing.T) {
	cfg := &config.Config{}
	cfg.Telegram.GroupLog = "-100123"
	cfg.Logging.Chat.Enabled = true
	if got := mapLogging(cfg).Chat.ChatID; got != -100123 {
		t.Fatalf("chat id = %d", got)
	}
	cfg.Logging.Chat.ChatID = 5
	if got := mapLogging(cfg).Chat.ChatID; got != 5 {
		t.Fatalf("explicit chat id = %d", got)
	}
}

func TestMapStorageAndNotifier(t *testing.T) {
	cfg := &config.Config{}
	if _, enabled, err := mapStorageConfig(cfg); err != nil || enabled {
		t.Fatalf("default storage: enabled=%v err=%v", enabled, err)
	}
	cfg.Storage = &config.StorageConfig{Driver: "sqlite", Path: "x.db"}
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil || !enabled || sc.BusyTimeout != time.Second {
		t.Fatalf("sqlite: %+v %v %v", sc, enabled, err)
	}

	nc, err := mapNotifierConfig(cfg)
	if err != nil || !nc.Enabled || nc.SendTimeout != config.DefaultSendTimeout {
		t.Fatalf("notifier: %+v %v", nc, err)
	}
	if nc.DedupWindow != 30*time.Second {
		t.Fatalf("default dedup window must stay under the 60s tick, got %s", nc.DedupWindow)
	}

	cfg.Monitor.Interval = "10s"
	cfg.Notifier = &config.NotifierConfig{Enabled: true, DedupWindow: "5m"}
	if nc, err = mapNotifierConfig(cfg); err != nil || nc.DedupWindow != 5*time.Second {
		t.Fatalf("fast ticks: window=%s err=%v", nc.DedupWindow, err)
	}
	cfg.Notifier.DedupWindow = "2s"
	if nc, err = mapNotifierConfig(cfg); err != nil || nc.DedupWindow != 2*time.Second {
		t.Fatalf("short window kept as is: window=%s err=%v", nc.DedupWindow, err)
	}
	cfg.Monitor.Interval = ""
	cfg.Notifier = nil

	cfg.Announcements = []config.AnnouncementConfig{{Name: "lunch", Schedule: "30 12 * * *", ChatID: 1, Text: "x"}}
	if a := mapAnnouncements(cfg); len(a) != 1 || a[0].Name != "lunch" {
		t.Fatalf("announcements = %+v", a)
	}
}

package app

import (
	"strconv"
	"strings"
	"time"

	"linkwatch/internal/announce"
	"linkwatch/internal/config"
	"linkwatch/internal/notifier"
	"linkwatch/internal/storage"
	logx "linkwatch/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	chatID := cfg.Logging.Chat.ChatID
	if chatID == 0 {
		if v := strings.TrimSpace(cfg.Telegram.GroupLog); v != "" {
			if id, err := strconv.ParseInt(v, 10, 64); err == nil {
				chatID = id
			}
		}
	}
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Chat.Enabled,
			ChatID:     chatID,
			MinLevel:   cfg.Logging.Chat.MinLevel,
			RatePerSec: cfg.Logging.Chat.RatePerSec,
		},
	}
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	ns, err := cfg.ResolveNotifier()
	if err != nil {
		return notifier.Config{}, err
	}
	ms, err := cfg.ResolveMonitor()
	if err != nil {
		return notifier.Config{}, err
	}
	// A page flipping A->B->A->B sends the same "B" text two ticks apart;
	// keep the window under one tick so the second one is not swallowed.
	if ms.Interval > 0 && ns.DedupWindow >= ms.Interval {
		ns.DedupWindow = ms.Interval / 2
	}
	return notifier.Config{
		Enabled:         ns.Enabled,
		Workers:         ns.Workers,
		QueueSize:       ns.QueueSize,
		RatePerSec:      ns.RatePerSec,
		RetryMax:        ns.RetryMax,
		RetryBase:       ns.RetryBase,
		RetryMaxDelay:   ns.RetryMaxDelay,
		SendTimeout:     ns.SendTimeout,
		DedupWindow:     ns.DedupWindow,
		DedupMaxEntries: ns.DedupMaxEntries,
		PersistDedup:    ns.PersistDedup,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	ss, err := cfg.ResolveStorage()
	if err != nil {
		return storage.Config{}, false, err
	}
	if ss.Driver == "none" {
		return storage.Config{}, false, nil
	}
	busy := ss.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	return storage.Config{Driver: ss.Driver, Path: ss.Path, BusyTimeout: busy}, true, nil
}

func mapAnnouncements(cfg *config.Config) []announce.Announcement {
	out := make([]announce.Announcement, 0, len(cfg.Announcements))
	for _, a := range cfg.Announcements {
		out = append(out, announce.Announcement{
			Name:     a.Name,
			Schedule: a.Schedule,
			ChatID:   a.ChatID,
			Text:     a.Text,
			Disabled: a.Disabled,
		})
	}
	return out
}

package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Monitor  MonitorConfig  `json:"monitor"`

	Notifier      *NotifierConfig      `json:"notifier,omitempty"`
	Storage       *StorageConfig       `json:"storage,omitempty"`
	Announcements []AnnouncementConfig `json:"announcements,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	GroupLog     string  `json:"group_log"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingChat mirrors warnings and errors into a chat. ChatID 0 falls back to telegram.group_log.
type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id,omitempty"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// MonitorConfig controls page tracking.
//
// Defaults (when fields are omitted/zero):
//   - state_file: "monitoramento.json"
//   - interval: "60s" (also accepts HH:MM)
//   - fetch_timeout: "15s"
//   - run_on_start: true
//   - prompt_timeout: "60s"
//   - max_body_bytes: 4 MiB
type MonitorConfig struct {
	StateFile     string `json:"state_file"`
	Interval      string `json:"interval"`
	FetchTimeout  string `json:"fetch_timeout"`
	UserAgent     string `json:"user_agent,omitempty"`
	RunOnStart    *bool  `json:"run_on_start,omitempty"`
	PromptTimeout string `json:"prompt_timeout"`
	MaxBodyBytes  int64  `json:"max_body_bytes,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// If the whole section is omitted, the notifier defaults to enabled=true.
//
// dedup_window suppresses identical (chat, text) messages. It is capped at
// half of monitor.interval so a page that flips back and forth still gets
// one notification per change.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	SendTimeout     string `json:"send_timeout,omitempty"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// StorageConfig controls the optional audit/dedup persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./linkwatch.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// AnnouncementConfig is a scheduled message, e.g. a daily lunch reminder.
type AnnouncementConfig struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"` // cron ("30 12 * * *") or interval ("2h", "02:00")
	ChatID   int64  `json:"chat_id"`
	Text     string `json:"text"`
	Disabled bool   `json:"disabled,omitempty"`
}

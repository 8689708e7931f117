package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"linkwatch/internal/schedule"
)

const (
	DefaultStateFile     = "monitoramento.json"
	DefaultInterval      = 60 * time.Second
	DefaultFetchTimeout  = 15 * time.Second
	DefaultPromptTimeout = 60 * time.Second
	DefaultMaxBodyBytes  = 4 << 20
	DefaultPollTimeout   = 10 * time.Second
	DefaultSendTimeout   = 10 * time.Second
)

// MonitorSettings is MonitorConfig with defaults applied and durations parsed.
type MonitorSettings struct {
	StateFile     string
	Interval      time.Duration
	FetchTimeout  time.Duration
	UserAgent     string
	RunOnStart    bool
	PromptTimeout time.Duration
	MaxBodyBytes  int64
}

func (c *Config) ResolveMonitor() (MonitorSettings, error) {
	m := c.Monitor
	out := MonitorSettings{
		StateFile:    strings.TrimSpace(m.StateFile),
		UserAgent:    strings.TrimSpace(m.UserAgent),
		RunOnStart:   true,
		MaxBodyBytes: m.MaxBodyBytes,
	}
	if out.StateFile == "" {
		out.StateFile = DefaultStateFile
	}
	if m.RunOnStart != nil {
		out.RunOnStart = *m.RunOnStart
	}
	if out.MaxBodyBytes <= 0 {
		out.MaxBodyBytes = DefaultMaxBodyBytes
	}

	out.Interval = DefaultInterval
	if strings.TrimSpace(m.Interval) != "" {
		d, err := schedule.ParseInterval(m.Interval)
		if err != nil {
			return MonitorSettings{}, fmt.Errorf("monitor.interval: %w", err)
		}
		out.Interval = d
	}

	var err error
	if out.FetchTimeout, err = ParseDurationOrDefault("monitor.fetch_timeout", m.FetchTimeout, DefaultFetchTimeout); err != nil {
		return MonitorSettings{}, err
	}
	if out.PromptTimeout, err = ParseDurationOrDefault("monitor.prompt_timeout", m.PromptTimeout, DefaultPromptTimeout); err != nil {
		return MonitorSettings{}, err
	}
	return out, nil
}

// NotifierSettings is NotifierConfig with durations parsed. Zero values are
// left for the notifier to default.
type NotifierSettings struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	SendTimeout     time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

func (c *Config) ResolveNotifier() (NotifierSettings, error) {
	n := c.Notifier
	if n == nil {
		// Section omitted: enabled with defaults.
		return NotifierSettings{Enabled: true, SendTimeout: DefaultSendTimeout, DedupWindow: time.Minute}, nil
	}
	out := NotifierSettings{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    n.PersistDedup,
	}
	var err error
	if out.RetryBase, err = ParseDurationField("notifier.retry_base", n.RetryBase); err != nil {
		return NotifierSettings{}, err
	}
	if out.RetryMaxDelay, err = ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay); err != nil {
		return NotifierSettings{}, err
	}
	if out.SendTimeout, err = ParseDurationOrDefault("notifier.send_timeout", n.SendTimeout, DefaultSendTimeout); err != nil {
		return NotifierSettings{}, err
	}
	if out.DedupWindow, err = ParseDurationField("notifier.dedup_window", n.DedupWindow); err != nil {
		return NotifierSettings{}, err
	}
	return out, nil
}

type StorageSettings struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration
}

func (c *Config) ResolveStorage() (StorageSettings, error) {
	s := c.Storage
	if s == nil {
		return StorageSettings{Driver: "none"}, nil
	}
	out := StorageSettings{Driver: strings.ToLower(strings.TrimSpace(s.Driver)), Path: strings.TrimSpace(s.Path)}
	switch out.Driver {
	case "", "none":
		out.Driver = "none"
	case "file", "sqlite", "sqlite3":
		if out.Path == "" {
			return StorageSettings{}, fmt.Errorf("storage.path is required for driver %q", out.Driver)
		}
	default:
		return StorageSettings{}, fmt.Errorf("storage.driver: unknown driver %q", s.Driver)
	}
	var err error
	if out.BusyTimeout, err = ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
		return StorageSettings{}, err
	}
	return out, nil
}

func (c *Config) PollTimeout() (time.Duration, error) {
	return ParseDurationOrDefault("telegram.poll_timeout", c.Telegram.PollTimeout, DefaultPollTimeout)
}

// Validate checks every section. It is used at startup and before a
// hot-reloaded config is committed.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		errs = append(errs, fmt.Errorf("telegram.token is empty (set it in the config or %s)", EnvToken))
	}
	if _, err := cfg.PollTimeout(); err != nil {
		errs = append(errs, err)
	}
	if _, err := cfg.ResolveMonitor(); err != nil {
		errs = append(errs, err)
	}
	if _, err := cfg.ResolveNotifier(); err != nil {
		errs = append(errs, err)
	}
	if _, err := cfg.ResolveStorage(); err != nil {
		errs = append(errs, err)
	}
	if cfg.Logging.Chat.RatePerSec < 0 {
		errs = append(errs, errors.New("logging.chat.rate_per_sec must be >= 0"))
	}

	names := map[string]bool{}
	for i, a := range cfg.Announcements {
		path := fmt.Sprintf("announcements[%d]", i)
		name := strings.TrimSpace(a.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", path))
		} else if names[name] {
			errs = append(errs, fmt.Errorf("%s.name %q is duplicated", path, name))
		}
		names[name] = true
		if a.ChatID == 0 {
			errs = append(errs, fmt.Errorf("%s.chat_id is required", path))
		}
		if strings.TrimSpace(a.Text) == "" {
			errs = append(errs, fmt.Errorf("%s.text is required", path))
		}
		if _, err := schedule.Parse(a.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("%s.schedule: %w", path, err))
		}
	}
	return errors.Join(errs...)
}

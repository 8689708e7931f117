package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func newTestManager(path string, env map[string]string) *ConfigManager {
	m := NewConfigManager(path)
	m.getenv = func(k string) string { return env[k] }
	return m
}

func TestParseJSONAndYAML(t *testing.T) {
	dir := t.TempDir()
	jsonPath := writeFile(t, dir, "c.json", `{
		"telegram": {"token": "abc", "poll_timeout": "5s"},
		"monitor": {"interval": "90s", "state_file": "s.json"},
		"announcements": [{"name": "lunch", "schedule": "0 12 * * *", "chat_id": 7, "text": "lunch!"}]
	}`)
	yamlPath := writeFile(t, dir, "c.yaml", `
telegram:
  token: abc
  poll_timeout: 5s
monitor:
  interval: "90s"
  state_file: s.json
announcements:
  - name: lunch
    schedule: "0 12 * * *"
    chat_id: 7
    text: lunch!
`)
	for _, p := range []string{jsonPath, yamlPath} {
		cfg, err := newTestManager(p, nil).Parse()
		if err != nil {
			t.Fatalf("%s: %v", p, err)
		}
		if cfg.Telegram.Token != "abc" || cfg.Monitor.StateFile != "s.json" || len(cfg.Announcements) != 1 {
			t.Fatalf("%s: unexpected config %+v", p, cfg)
		}
		if err := Validate(cfg); err != nil {
			t.Fatalf("%s: Validate: %v", p, err)
		}
	}
}

func TestParseRejectsUnknownFieldsAndTrailingData(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"unknown.json":  `{"telegram": {"token": "x", "tokn": "y"}}`,
		"trailing.json": `{"telegram": {}} {}`,
		"unknown.yaml":  "monitor:\n  intervall: 5s\n",
	}
	for name, body := range cases {
		p := writeFile(t, dir, name, body)
		if _, err := newTestManager(p, nil).Parse(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestParseMissingFileUsesEnv(t *testing.T) {
	m := newTestManager(filepath.Join(t.TempDir(), "absent.json"), map[string]string{
		EnvTokenAlt:  "from-env",
		EnvStateFile: "/data/state.json",
	})
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Telegram.Token != "from-env" || cfg.Monitor.StateFile != "/data/state.json" {
		t.Fatalf("env not applied: %+v", cfg)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	p := writeFile(t, t.TempDir(), "c.json", `{"telegram": {"token": "file"}}`)
	cfg, err := newTestManager(p, map[string]string{EnvToken: "primary", EnvTokenAlt: "fallback"}).Parse()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Telegram.Token != "primary" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
}

func TestResolveMonitorDefaults(t *testing.T) {
	cfg := &Config{}
	m, err := cfg.ResolveMonitor()
	if err != nil {
		t.Fatal(err)
	}
	want := MonitorSettings{
		StateFile:     DefaultStateFile,
		Interval:      DefaultInterval,
		FetchTimeout:  DefaultFetchTimeout,
		RunOnStart:    true,
		PromptTimeout: DefaultPromptTimeout,
		MaxBodyBytes:  DefaultMaxBodyBytes,
	}
	if m != want {
		t.Fatalf("got %+v want %+v", m, want)
	}

	off := false
	cfg.Monitor = MonitorConfig{Interval: "00:05", RunOnStart: &off, FetchTimeout: "3s"}
	m, err = cfg.ResolveMonitor()
	if err != nil {
		t.Fatal(err)
	}
	if m.Interval != 5*time.Minute || m.RunOnStart || m.FetchTimeout != 3*time.Second {
		t.Fatalf("got %+v", m)
	}

	cfg.Monitor.Interval = "500ms"
	if _, err := cfg.ResolveMonitor(); err == nil {
		t.Fatal("sub-second interval must be rejected")
	}
}

func TestResolveNotifier(t *testing.T) {
	n, err := (&Config{}).ResolveNotifier()
	if err != nil || !n.Enabled || n.SendTimeout != DefaultSendTimeout {
		t.Fatalf("defaults: %+v %v", n, err)
	}
	cfg := &Config{Notifier: &NotifierConfig{Enabled: true, RetryBase: "nope"}}
	if _, err := cfg.ResolveNotifier(); err == nil || !strings.Contains(err.Error(), "notifier.retry_base") {
		t.Fatalf("expected retry_base error, got %v", err)
	}
}

func TestResolveStorage(t *testing.T) {
	cases := []struct {
		in      *StorageConfig
		driver  string
		wantErr bool
	}{
		{nil, "none", false},
		{&StorageConfig{Driver: ""}, "none", false},
		{&StorageConfig{Driver: "FILE", Path: "x"}, "file", false},
		{&StorageConfig{Driver: "sqlite"}, "", true},
		{&StorageConfig{Driver: "redis", Path: "x"}, "", true},
		{&StorageConfig{Driver: "sqlite", Path: "x", BusyTimeout: "-1s"}, "", true},
	}
	for i, tc := range cases {
		s, err := (&Config{Storage: tc.in}).ResolveStorage()
		if tc.wantErr {
			if err == nil {
				t.Fatalf("case %d: expected error", i)
			}
			continue
		}
		if err != nil || s.Driver != tc.driver {
			t.Fatalf("case %d: got %+v %v", i, s, err)
		}
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := &Config{
		Announcements: []AnnouncementConfig{
			{Name: "a", Schedule: "bogus", ChatID: 1, Text: "x"},
			{Name: "a", Schedule: "1h", ChatID: 0, Text: ""},
		},
	}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"telegram.token", "announcements[0].schedule", "duplicated", "announcements[1].chat_id", "announcements[1].text"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	a := &Config{Telegram: TelegramConfig{Token: "secret-1"}, Monitor: MonitorConfig{Interval: "60s"}}
	b := &Config{Telegram: TelegramConfig{Token: "secret-2"}, Monitor: MonitorConfig{Interval: "2m"}}
	changed, attrs := SummarizeConfigChange(a, b)
	if strings.Join(changed, ",") != "monitor,telegram" {
		t.Fatalf("changed = %v", changed)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}
	if changed, _ := SummarizeConfigChange(a, a); len(changed) != 0 {
		t.Fatalf("identical configs reported %v", changed)
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "c.json", `{"telegram": {"token": "x"}, "monitor": {"interval": "60s"}}`)
	m := newTestManager(p, nil)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	m.SetValidator(func(ctx context.Context, cfg *Config) error { return Validate(cfg) })
	sub := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	time.Sleep(100 * time.Millisecond)

	// Invalid edit: rejected, nothing published.
	writeFile(t, dir, "c.json", `{"telegram": {"token": "x"}, "monitor": {"interval": "zzz"}}`)
	select {
	case cfg := <-sub:
		t.Fatalf("invalid config published: %+v", cfg)
	case <-time.After(600 * time.Millisecond):
	}

	writeFile(t, dir, "c.json", `{"telegram": {"token": "x"}, "monitor": {"interval": "2m"}}`)
	select {
	case cfg := <-sub:
		if cfg.Monitor.Interval != "2m" {
			t.Fatalf("interval = %q", cfg.Monitor.Interval)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no config published")
	}
	if m.Get().Monitor.Interval != "2m" {
		t.Fatal("Get does not return the committed config")
	}

	cancel()
	<-done
}

func TestParseDurationField(t *testing.T) {
	if d, err := ParseDurationField("x", " "); err != nil || d != 0 {
		t.Fatalf("blank: %v %v", d, err)
	}
	if _, err := ParseDurationField("x", "-2s"); err == nil {
		t.Fatal("negative must fail")
	}
	if d, _ := ParseDurationOrDefault("x", "0s", time.Minute); d != time.Minute {
		t.Fatalf("zero should default, got %v", d)
	}
}

func TestParseDurationFieldBareSeconds(t *testing.T) {
	if d, err := ParseDurationField("x", "60"); err != nil || d != time.Minute {
		t.Fatalf("bare seconds: %v %v", d, err)
	}
	if _, err := ParseDurationField("x", "soon"); err == nil {
		t.Fatal("garbage must fail")
	}
}

func TestYAMLToJSON(t *testing.T) {
	out, err := yamlToJSON([]byte("base: &b 5s\nmonitor:\n  interval: *b\n  run_on_start: false\nlist: [1, two]\n"))
	if err != nil {
		t.Fatalf("yamlToJSON: %v", err)
	}
	want := `{"base":"5s","list":[1,"two"],"monitor":{"interval":"5s","run_on_start":false}}`
	if string(out) != want {
		t.Fatalf("got %s, want %s", out, want)
	}
	if out, err := yamlToJSON([]byte("  \n")); err != nil || out != nil {
		t.Fatalf("empty doc: %q %v", out, err)
	}
	if _, err := yamlToJSON([]byte("a: &x {k: 1}\nb:\n  <<: *x\n")); err == nil {
		t.Fatal("merge key should be rejected")
	}
}

func TestReload(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "c.yaml", "telegram:\n  token: x\n")
	m := newTestManager(p, nil)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	m.SetValidator(func(ctx context.Context, cfg *Config) error { return Validate(cfg) })
	sub := m.Subscribe(1)
	ctx := context.Background()

	if changed, err := m.Reload(ctx); err != nil || changed {
		t.Fatalf("unchanged file: changed=%v err=%v", changed, err)
	}
	writeFile(t, dir, "c.yaml", "telegram:\n  token: x\nmonitor:\n  interval: 90s\n")
	if changed, err := m.Reload(ctx); err != nil || !changed {
		t.Fatalf("edited file: changed=%v err=%v", changed, err)
	}
	if cfg := <-sub; cfg.Monitor.Interval != "90s" {
		t.Fatalf("published interval = %q", cfg.Monitor.Interval)
	}
	writeFile(t, dir, "c.yaml", "telegram:\n  token: x\nmonitor:\n  interval: never\n")
	if _, err := m.Reload(ctx); err == nil {
		t.Fatal("invalid file should be rejected")
	}
	if m.Get().Monitor.Interval != "90s" {
		t.Fatal("rejected config was committed")
	}
}

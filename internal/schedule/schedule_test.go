package schedule

import (
	"testing"
	"time"
)

func TestParseVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     Kind
		source   string
		duration time.Duration
		cronSpec string
	}{
		{name: "cron", raw: "30 12 * * *", kind: KindCron, source: "cron", cronSpec: "30 12 * * *"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: KindCron, source: "cron", cronSpec: "0 0 * * *"},
		{name: "descriptor", raw: "@hourly", kind: KindCron, source: "cron", cronSpec: "@hourly"},
		{name: "duration", raw: "60s", kind: KindInterval, source: "duration", duration: time.Minute, cronSpec: "@every 1m0s"},
		{name: "prefixed interval", raw: "every:45s", kind: KindInterval, source: "duration", duration: 45 * time.Second, cronSpec: "@every 45s"},
		{name: "hhmm", raw: "01:30", kind: KindInterval, source: "hhmm", duration: 90 * time.Minute, cronSpec: "@every 1h30m0s"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Parse(tt.raw)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if tt.kind == KindInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
			if got.CronSpec() != tt.cronSpec {
				t.Fatalf("CronSpec = %q, want %q", got.CronSpec(), tt.cronSpec)
			}
		})
	}
}

func TestParseInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "00:75", "500ms", "61 * * * *"} {
		if _, err := Parse(raw); err == nil {
			t.Fatalf("Parse(%q): expected error", raw)
		}
	}
}

func TestParseIntervalRejectsCron(t *testing.T) {
	t.Parallel()
	if _, err := ParseInterval("*/5 * * * *"); err == nil {
		t.Fatal("expected error for cron expression")
	}
	d, err := ParseInterval("every:2m")
	if err != nil || d != 2*time.Minute {
		t.Fatalf("ParseInterval = %v, %v", d, err)
	}
}

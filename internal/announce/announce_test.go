package announce

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"linkwatch/internal/transport"
	logx "linkwatch/pkg/logx"
)

type fakePoster struct {
	mu   sync.Mutex
	got  []transport.Notification
	fail error
}

func (f *fakePoster) Post(_ context.Context, n transport.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.got = append(f.got, n)
	return nil
}

func (f *fakePoster) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got)
}

func TestApplyRejectsInvalidSetAtomically(t *testing.T) {
	s := New(&fakePoster{}, logx.Nop())
	if err := s.Apply([]Announcement{{Name: "lunch", Schedule: "30 12 * * *", ChatID: 1, Text: "lunch"}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	err := s.Apply([]Announcement{
		{Name: "ok", Schedule: "@hourly", ChatID: 1, Text: "x"},
		{Name: "bad", Schedule: "not a schedule at all", ChatID: 1, Text: "x"},
		{Name: "ok", Schedule: "@daily", ChatID: 1, Text: "x"},
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	l := s.List()
	if len(l) != 1 || l[0].Name != "lunch" || l[0].Spec != "30 12 * * *" {
		t.Fatalf("previous set should stay, got %+v", l)
	}
}

func TestTrigger(t *testing.T) {
	p := &fakePoster{}
	s := New(p, logx.Nop())
	if err := s.Apply([]Announcement{{Name: "lunch", Schedule: "12:00", ChatID: -100, Text: "🍽️ lunch time"}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := s.Trigger(context.Background(), "lunch"); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if len(p.got) != 1 || p.got[0].Target.ChatID != -100 || p.got[0].Channel != Channel || p.got[0].Text != "🍽️ lunch time" {
		t.Fatalf("posted %+v", p.got)
	}
	if err := s.Trigger(context.Background(), "nope"); !errors.Is(err, ErrUnknown) {
		t.Fatalf("err = %v", err)
	}
}

func TestScheduledFire(t *testing.T) {
	p := &fakePoster{}
	s := New(p, logx.Nop())
	if err := s.Apply([]Announcement{
		{Name: "tick", Schedule: "@every 1s", ChatID: 5, Text: "hi"},
		{Name: "off", Schedule: "@every 1s", ChatID: 5, Text: "never", Disabled: true},
	}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for p.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	s.Stop(stopCtx)

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.got) == 0 {
		t.Fatalf("announcement never fired")
	}
	for _, n := range p.got {
		if n.Text != "hi" {
			t.Fatalf("disabled announcement fired: %+v", n)
		}
	}
}

func TestApplyWhileRunningReschedules(t *testing.T) {
	s := New(&fakePoster{}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	if err := s.Apply([]Announcement{{Name: "a", Schedule: "@hourly", ChatID: 1, Text: "x"}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	l := s.List()
	if len(l) != 1 || l[0].Next.IsZero() {
		t.Fatalf("entry not scheduled: %+v", l)
	}
	if err := s.Apply(nil); err != nil {
		t.Fatalf("Apply(nil): %v", err)
	}
	if len(s.List()) != 0 {
		t.Fatalf("entries should be cleared")
	}
}

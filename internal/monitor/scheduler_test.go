package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestScheduler(t *testing.T, ex *scriptedExtractor, opts ...SchedulerOption) (*Scheduler, *Registry, *recordingSink) {
	t.Helper()
	reg := NewRegistry(&memStore{}, ex)
	sink := &recordingSink{}
	s := NewScheduler(reg, ex, sink, SchedulerConfig{Interval: time.Hour}, opts...)
	return s, reg, sink
}

func TestSchedulerChangeDetection(t *testing.T) {
	ex := newScripted()
	ex.set("http://x/a", "A")
	s, reg, sink := newTestScheduler(t, ex)
	ctx := context.Background()
	if _, err := reg.Add(ctx, 1, "http://x/a"); err != nil {
		t.Fatal(err)
	}

	rep := s.Tick(ctx)
	if rep.Checked != 1 || rep.Changed != 0 || len(sink.all()) != 0 {
		t.Fatalf("unchanged page must not notify: %+v events=%v", rep, sink.all())
	}

	ex.set("http://x/a", "B")
	rep = s.Tick(ctx)
	if rep.Changed != 1 {
		t.Fatalf("report = %+v", rep)
	}
	evs := sink.all()
	if len(evs) != 1 || evs[0].ChannelID != 1 || evs[0].URL != "http://x/a" || evs[0].Fingerprint != "B" || evs[0].Previous != "A" {
		t.Fatalf("events = %+v", evs)
	}
	if fp, _ := reg.Lookup(1, "http://x/a"); fp != "B" {
		t.Fatalf("stored fingerprint = %q", fp)
	}
}

func TestSchedulerFirstSuccessAfterFailedSeed(t *testing.T) {
	ex := newScripted()
	ex.fail("http://x/a", &FetchError{URL: "http://x/a", Kind: FetchNetwork, Err: errors.New("refused")})
	s, reg, sink := newTestScheduler(t, ex)
	ctx := context.Background()
	res, err := reg.Add(ctx, 1, "http://x/a")
	if err != nil || res.SeedErr == nil {
		t.Fatalf("expected failed seed, got %+v %v", res, err)
	}

	if rep := s.Tick(ctx); rep.Failed != 1 || len(sink.all()) != 0 {
		t.Fatalf("failure must count as unchanged: %+v", rep)
	}

	ex.set("http://x/a", "X")
	s.Tick(ctx)
	evs := sink.all()
	if len(evs) != 1 || evs[0].Fingerprint != "X" || evs[0].Previous != "" {
		t.Fatalf("events = %+v", evs)
	}
}

func TestSchedulerIgnoresEntryWhileSeeding(t *testing.T) {
	ex := newScripted()
	ex.set("http://x/a", "A")
	s, reg, sink := newTestScheduler(t, ex)
	ctx := context.Background()

	var during TickReport
	ex.hook = func(string) {
		// Runs while Add's seed extraction is in flight.
		during = s.Tick(ctx)
	}
	res, err := reg.Add(ctx, 1, "http://x/a")
	if err != nil {
		t.Fatal(err)
	}
	if during.Checked != 0 || during.Changed != 0 {
		t.Fatalf("tick during seed = %+v", during)
	}
	if res.Fingerprint != "A" || res.SeedErr != nil {
		t.Fatalf("Add result = %+v", res)
	}
	if n := ex.callCount("http://x/a"); n != 1 {
		t.Fatalf("extract calls = %d", n)
	}

	ex.hook = nil
	if rep := s.Tick(ctx); rep.Checked != 1 || rep.Changed != 0 {
		t.Fatalf("tick after seed = %+v", rep)
	}
	if evs := sink.all(); len(evs) != 0 {
		t.Fatalf("seeded entry must not notify, got %+v", evs)
	}
}

func TestSchedulerFaultIsolation(t *testing.T) {
	ex := newScripted()
	ex.set("http://x/1", "a")
	ex.set("http://x/2", "b")
	ex.set("http://y/1", "c")
	s, reg, sink := newTestScheduler(t, ex)
	ctx := context.Background()
	for _, add := range []struct {
		ch  int64
		url string
	}{{1, "http://x/1"}, {1, "http://x/2"}, {2, "http://y/1"}} {
		if _, err := reg.Add(ctx, add.ch, add.url); err != nil {
			t.Fatal(err)
		}
	}

	ex.mu.Lock()
	ex.panics["http://x/1"] = true
	ex.mu.Unlock()
	ex.fail("http://x/2", &FetchError{URL: "http://x/2", Kind: FetchNoAnchor})
	ex.set("http://y/1", "c2")

	rep := s.Tick(ctx)
	if rep.Checked != 3 || rep.Failed != 2 || rep.Changed != 1 {
		t.Fatalf("report = %+v", rep)
	}
	evs := sink.all()
	if len(evs) != 1 || evs[0].ChannelID != 2 || evs[0].Fingerprint != "c2" {
		t.Fatalf("events = %+v", evs)
	}
}

func TestSchedulerSkipsUnreachableChannel(t *testing.T) {
	ex := newScripted()
	ex.set("http://x/a", "A")
	ex.set("http://y/a", "A")
	s, reg, sink := newTestScheduler(t, ex, WithChannelChecker(reachability{1: false}))
	ctx := context.Background()
	_, _ = reg.Add(ctx, 1, "http://x/a")
	_, _ = reg.Add(ctx, 2, "http://y/a")
	ex.set("http://x/a", "B")
	ex.set("http://y/a", "B")

	rep := s.Tick(ctx)
	if rep.SkippedChannels != 1 || rep.Channels != 1 || rep.Changed != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if evs := sink.all(); len(evs) != 1 || evs[0].ChannelID != 2 {
		t.Fatalf("events = %+v", evs)
	}
	if got := reg.List(1); len(got) != 1 {
		t.Fatal("unreachable channel must stay tracked")
	}
	if fp, _ := reg.Lookup(1, "http://x/a"); fp != "A" {
		t.Fatalf("skipped channel must keep its fingerprint, got %q", fp)
	}
}

func TestSchedulerEmptyFingerprintIsUnchanged(t *testing.T) {
	ex := newScripted()
	ex.set("http://x/a", "A")
	s, reg, sink := newTestScheduler(t, ex)
	_, _ = reg.Add(context.Background(), 1, "http://x/a")
	ex.set("http://x/a", "")
	if rep := s.Tick(context.Background()); rep.Changed != 0 || len(sink.all()) != 0 {
		t.Fatalf("report = %+v", rep)
	}
	if fp, _ := reg.Lookup(1, "http://x/a"); fp != "A" {
		t.Fatalf("fingerprint = %q", fp)
	}
}

func TestSchedulerSinkFailureStillStores(t *testing.T) {
	ex := newScripted()
	ex.set("http://x/a", "A")
	s, reg, sink := newTestScheduler(t, ex)
	sink.err = errors.New("chat down")
	_, _ = reg.Add(context.Background(), 1, "http://x/a")
	ex.set("http://x/a", "B")

	rep := s.Tick(context.Background())
	if rep.Changed != 1 || rep.NotifyFailed != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if fp, _ := reg.Lookup(1, "http://x/a"); fp != "B" {
		t.Fatalf("fingerprint = %q", fp)
	}
	if rep := s.Tick(context.Background()); rep.Changed != 0 {
		t.Fatalf("second tick must be quiet, got %+v", rep)
	}
}

func TestSchedulerRemovedDuringTick(t *testing.T) {
	ex := newScripted()
	ex.set("http://x/a", "A")
	s, reg, sink := newTestScheduler(t, ex)
	_, _ = reg.Add(context.Background(), 1, "http://x/a")
	ex.set("http://x/a", "B")
	ex.hook = func(string) { _, _ = reg.Remove(1, 1) }

	rep := s.Tick(context.Background())
	if rep.Changed != 0 || len(sink.all()) != 0 {
		t.Fatalf("removed entry must not notify: %+v", rep)
	}
	if reg.Stats().Entries != 0 {
		t.Fatal("entry must stay removed")
	}
}

func TestSchedulerEndToEnd(t *testing.T) {
	ex := newScripted()
	ex.set("http://example.com/a", "http://example.com/a/1")
	s, reg, sink := newTestScheduler(t, ex)
	ctx := context.Background()

	res, err := reg.Add(ctx, 42, "http://example.com/a")
	if err != nil || res.Fingerprint != "http://example.com/a/1" {
		t.Fatalf("Add = %+v %v", res, err)
	}

	ex.set("http://example.com/a", "http://example.com/a/2")
	s.Tick(ctx)
	if evs := sink.all(); len(evs) != 1 || evs[0].ChannelID != 42 || evs[0].Fingerprint != "http://example.com/a/2" {
		t.Fatalf("tick 1 events = %+v", evs)
	}
	if fp, _ := reg.Lookup(42, "http://example.com/a"); fp != "http://example.com/a/2" {
		t.Fatalf("stored = %q", fp)
	}

	s.Tick(ctx)
	if evs := sink.all(); len(evs) != 1 {
		t.Fatalf("tick 2 must not notify, events = %+v", evs)
	}
}

func TestSchedulerTicksDoNotOverlap(t *testing.T) {
	ex := newScripted()
	ex.set("http://x/a", "A")
	s, reg, _ := newTestScheduler(t, ex)
	_, _ = reg.Add(context.Background(), 1, "http://x/a")

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	ex.hook = func(string) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	}

	s.mu.Lock()
	s.runCtx = context.Background()
	s.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.scheduledTick()
	}()
	<-entered

	// A firing while the first tick is in flight is dropped.
	s.scheduledTick()
	close(release)
	wg.Wait()

	_, ticks := s.LastReport()
	if ticks != 1 {
		t.Fatalf("ticks = %d, want 1", ticks)
	}
	s.mu.Lock()
	skipped := s.skipped
	s.mu.Unlock()
	if skipped != 1 {
		t.Fatalf("skipped = %d, want 1", skipped)
	}
}

func TestSchedulerStartStopIdempotent(t *testing.T) {
	ex := newScripted()
	ex.set("http://x/a", "A")
	reg := NewRegistry(&memStore{}, ex)
	_, _ = reg.Add(context.Background(), 1, "http://x/a")
	ex.set("http://x/a", "B")

	sink := &recordingSink{}
	s := NewScheduler(reg, ex, sink, SchedulerConfig{Interval: time.Hour, RunOnStart: true})
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop on idle: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	s.Start(ctx)
	if s.State() != StateRunning {
		t.Fatalf("state = %v", s.State())
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, n := s.LastReport(); n >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("run-on-start tick never happened")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, n := s.LastReport(); n != 1 {
		t.Fatalf("double Start must not schedule twice, ticks=%d", n)
	}
	if next := s.NextRun(); next.IsZero() {
		t.Fatal("NextRun should be set while running")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if s.State() != StateIdle || !s.NextRun().IsZero() {
		t.Fatalf("state = %v", s.State())
	}
	if len(sink.all()) != 1 {
		t.Fatalf("events = %+v", sink.all())
	}
}

func TestSchedulerStopCancelsStuckTick(t *testing.T) {
	ex := newScripted()
	reg := NewRegistry(&memStore{}, ex)
	_, _ = reg.Add(context.Background(), 1, "http://x/a")

	entered := make(chan struct{})
	var once sync.Once
	s := NewScheduler(reg, blockingExtractor{entered: entered, once: &once}, &recordingSink{}, SchedulerConfig{Interval: time.Hour, RunOnStart: true})
	s.Start(context.Background())
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Stop = %v", err)
	}

	// The tick observes cancellation and finishes.
	s.tickMu.Lock()
	s.tickMu.Unlock()
	rep, _ := s.LastReport()
	if rep.Failed != 1 {
		t.Fatalf("report = %+v", rep)
	}
}

type blockingExtractor struct {
	entered chan struct{}
	once    *sync.Once
}

func (b blockingExtractor) Extract(ctx context.Context, url string) (string, error) {
	b.once.Do(func() { close(b.entered) })
	<-ctx.Done()
	return "", &FetchError{URL: url, Kind: FetchNetwork, Err: ctx.Err()}
}

func TestSetIntervalWhileRunning(t *testing.T) {
	s, _, _ := newTestScheduler(t, newScripted())
	s.Start(context.Background())
	defer func() { _ = s.Stop(context.Background()) }()

	s.SetInterval(2 * time.Hour)
	if s.Interval() != 2*time.Hour {
		t.Fatalf("interval = %v", s.Interval())
	}
	next := s.NextRun()
	if d := time.Until(next); d < time.Hour {
		t.Fatalf("next run too soon: %v", d)
	}
}

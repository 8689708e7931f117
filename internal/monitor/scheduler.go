package monitor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"linkwatch/internal/eventbus"
	"linkwatch/internal/schedule"
	"linkwatch/pkg/logx"
)

const (
	DefaultInterval       = 60 * time.Second
	DefaultDeliverTimeout = 10 * time.Second
)

type State int

const (
	StateIdle State = iota
	StateRunning
)

func (s State) String() string {
	if s == StateRunning {
		return "running"
	}
	return "idle"
}

type SchedulerConfig struct {
	Interval time.Duration
	// RunOnStart fires one tick right after Start instead of waiting a full interval.
	RunOnStart     bool
	DeliverTimeout time.Duration
}

// TickReport summarizes one pass over the registry.
type TickReport struct {
	StartedAt       time.Time     `json:"started_at"`
	Duration        time.Duration `json:"duration"`
	Channels        int           `json:"channels"`
	SkippedChannels int           `json:"skipped_channels"`
	Checked         int           `json:"checked"`
	Changed         int           `json:"changed"`
	Failed          int           `json:"failed"`
	NotifyFailed    int           `json:"notify_failed"`
	Aborted         bool          `json:"aborted"`
}

// Scheduler periodically compares every tracked page against its stored
// fingerprint. Ticks never overlap: a firing that finds the previous tick
// still running is skipped.
type Scheduler struct {
	reg     *Registry
	ex      Extractor
	sink    Sink
	checker ChannelChecker
	bus     eventbus.Bus
	log     logx.Logger
	now     func() time.Time

	tickMu sync.Mutex

	mu        sync.Mutex
	cfg       SchedulerConfig
	state     State
	cron      *cron.Cron
	entryID   cron.EntryID
	runCtx    context.Context
	runCancel context.CancelFunc
	last      TickReport
	ticks     uint64
	skipped   uint64
}

type SchedulerOption func(*Scheduler)

func WithChannelChecker(c ChannelChecker) SchedulerOption {
	return func(s *Scheduler) { s.checker = c }
}

func WithSchedulerBus(b eventbus.Bus) SchedulerOption {
	return func(s *Scheduler) { s.bus = b }
}

func WithSchedulerLogger(log logx.Logger) SchedulerOption {
	return func(s *Scheduler) { s.log = log }
}

func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

func NewScheduler(reg *Registry, ex Extractor, sink Sink, cfg SchedulerConfig, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{reg: reg, ex: ex, sink: sink, cfg: normalizeSchedulerConfig(cfg), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func normalizeSchedulerConfig(cfg SchedulerConfig) SchedulerConfig {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.DeliverTimeout <= 0 {
		cfg.DeliverTimeout = DefaultDeliverTimeout
	}
	return cfg
}

// Start moves Idle to Running. Calling it while running is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRunning {
		s.log.Debug("scheduler already running")
		return
	}

	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.cron = cron.New(
		cron.WithParser(schedule.Parser),
		cron.WithLogger(schedule.CronLogger(s.log)),
		cron.WithChain(cron.Recover(schedule.CronLogger(s.log))),
	)
	var sched cron.Schedule = cron.Every(s.cfg.Interval)
	if s.cfg.RunOnStart {
		sched = &kickoffSchedule{next: sched}
	}
	s.entryID = s.cron.Schedule(sched, cron.FuncJob(s.scheduledTick))
	s.cron.Start()
	s.state = StateRunning
	s.log.Info("scheduler started", logx.Duration("interval", s.cfg.Interval), logx.Bool("run_on_start", s.cfg.RunOnStart))
}

// Stop moves Running to Idle. An in-flight tick is drained until ctx expires,
// after which its context is canceled. Stop on an idle scheduler is a no-op.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return nil
	}
	c, cancel := s.cron, s.runCancel
	s.cron, s.runCtx, s.runCancel = nil, nil, nil
	s.state = StateIdle
	s.mu.Unlock()

	done := c.Stop()
	defer cancel()
	select {
	case <-done.Done():
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		cancel()
		s.log.Warn("scheduler stop timed out, in-flight tick canceled", logx.Err(ctx.Err()))
		return ctx.Err()
	}
}

// SetInterval changes the tick period. A running scheduler is re-armed
// without an immediate tick.
func (s *Scheduler) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if d == s.cfg.Interval {
		return
	}
	s.cfg.Interval = d
	if s.state == StateRunning {
		s.cron.Remove(s.entryID)
		s.entryID = s.cron.Schedule(cron.Every(d), cron.FuncJob(s.scheduledTick))
	}
	s.log.Info("scheduler interval changed", logx.Duration("interval", d))
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Interval
}

// LastReport returns the most recent tick report and the number of ticks run.
func (s *Scheduler) LastReport() (TickReport, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.ticks
}

// NextRun returns when the next scheduled tick fires, zero when idle.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Next
}

func (s *Scheduler) scheduledTick() {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if !s.tickMu.TryLock() {
		s.mu.Lock()
		s.skipped++
		s.mu.Unlock()
		s.log.Warn("previous tick still running, skipping")
		return
	}
	defer s.tickMu.Unlock()
	s.runTick(ctx)
}

// Tick runs one pass now, waiting for any in-flight tick to finish first.
func (s *Scheduler) Tick(ctx context.Context) TickReport {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	return s.runTick(ctx)
}

type checkOutcome int

const (
	outcomeUnchanged checkOutcome = iota
	outcomeChanged
	outcomeFailed
	outcomeNotifyFailed
	outcomeGone
)

func (s *Scheduler) runTick(ctx context.Context) TickReport {
	rep := TickReport{StartedAt: s.now()}
	snap := s.reg.Snapshot()

channels:
	for _, ch := range snap.Channels {
		if ctx.Err() != nil {
			rep.Aborted = true
			break
		}
		if s.checker != nil && !s.checker.ChannelReachable(ctx, ch.ChannelID) {
			rep.SkippedChannels++
			s.log.Warn("channel unreachable, skipping this tick", logx.Int64("channel_id", ch.ChannelID))
			continue
		}
		rep.Channels++
		for _, e := range ch.Entries {
			if ctx.Err() != nil {
				rep.Aborted = true
				break channels
			}
			rep.Checked++
			switch s.checkEntry(ctx, ch.ChannelID, e) {
			case outcomeChanged:
				rep.Changed++
			case outcomeNotifyFailed:
				rep.Changed++
				rep.NotifyFailed++
			case outcomeFailed:
				rep.Failed++
			}
		}
	}
	rep.Duration = s.now().Sub(rep.StartedAt)

	s.mu.Lock()
	s.last = rep
	s.ticks++
	s.mu.Unlock()

	s.publish(eventbus.TypeTickDone, rep)
	s.log.Debug("tick done",
		logx.Int("checked", rep.Checked),
		logx.Int("changed", rep.Changed),
		logx.Int("failed", rep.Failed),
		logx.Int("skipped_channels", rep.SkippedChannels),
		logx.Duration("took", rep.Duration),
	)
	return rep
}

// checkEntry handles one (channel, url) unit. Panics are contained here so a
// bad page never takes down its siblings.
func (s *Scheduler) checkEntry(ctx context.Context, channelID int64, e Entry) (out checkOutcome) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("check panicked",
				logx.Int64("channel_id", channelID),
				logx.String("url", e.URL),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
			out = outcomeFailed
		}
	}()

	fp, err := s.ex.Extract(ctx, e.URL)
	if err != nil {
		lvl := s.log.Warn
		if errors.Is(err, context.Canceled) {
			lvl = s.log.Debug
		}
		lvl("check failed", logx.Int64("channel_id", channelID), logx.String("url", e.URL), logx.String("kind", errorKind(err)), logx.Err(err))
		return outcomeFailed
	}
	if fp == "" || fp == e.Fingerprint {
		return outcomeUnchanged
	}

	changed, err := s.reg.UpdateFingerprint(channelID, e.URL, fp)
	if errors.Is(err, ErrNotFound) {
		s.log.Debug("entry removed during tick", logx.Int64("channel_id", channelID), logx.String("url", e.URL))
		return outcomeGone
	}
	if err != nil || !changed {
		return outcomeUnchanged
	}

	ev := ChangeEvent{ChannelID: channelID, URL: e.URL, Fingerprint: fp, Previous: e.Fingerprint, At: s.now()}
	s.publish(eventbus.TypeLinkChanged, ev)
	s.log.Info("link changed", logx.Int64("channel_id", channelID), logx.String("url", e.URL), logx.String("fingerprint", fp))

	if s.sink == nil {
		return outcomeChanged
	}
	dctx, cancel := context.WithTimeout(ctx, s.currentDeliverTimeout())
	defer cancel()
	if err := s.sink.Deliver(dctx, ev); err != nil {
		s.log.Error("notification delivery failed", logx.Int64("channel_id", channelID), logx.String("url", e.URL), logx.Err(err))
		return outcomeNotifyFailed
	}
	return outcomeChanged
}

func (s *Scheduler) currentDeliverTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.DeliverTimeout
}

func (s *Scheduler) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

func errorKind(err error) string {
	var fe *FetchError
	if errors.As(err, &fe) {
		return string(fe.Kind)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return string(FetchNetwork)
	}
	return "unknown"
}

// kickoffSchedule fires once at the first Next call, then defers to next.
// cron only calls Next from its run goroutine.
type kickoffSchedule struct {
	next  cron.Schedule
	fired bool
}

func (k *kickoffSchedule) Next(t time.Time) time.Time {
	if !k.fired {
		k.fired = true
		return t
	}
	return k.next.Next(t)
}

func (r TickReport) String() string {
	return fmt.Sprintf("checked=%d changed=%d failed=%d skipped_channels=%d took=%s",
		r.Checked, r.Changed, r.Failed, r.SkippedChannels, r.Duration.Round(time.Millisecond))
}

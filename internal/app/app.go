package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"linkwatch/internal/announce"
	"linkwatch/internal/commands"
	"linkwatch/internal/config"
	"linkwatch/internal/eventbus"
	"linkwatch/internal/monitor"
	"linkwatch/internal/notifier"
	"linkwatch/internal/runtime/supervisor"
	"linkwatch/internal/storage"
	"linkwatch/internal/transport"
	"linkwatch/internal/transport/telegram"
	logx "linkwatch/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter transport.Adapter

	reg      *monitor.Registry
	sched    *monitor.Scheduler
	notif    *notifier.Service
	announce *announce.Service
	router   *commands.Router

	updates chan transport.Update
}

func New(cfgPath string) (*App, error) {
	bootLog := logx.NewConsole("INFO")
	if err := config.LoadEnv(); err != nil {
		bootLog.Warn("env file not loaded", logx.Err(err))
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	ms, err := cfg.ResolveMonitor()
	if err != nil {
		return nil, err
	}
	pollTimeout, err := cfg.PollTimeout()
	if err != nil {
		return nil, err
	}

	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bootLog.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg), ad)
	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	notifSvc := notifier.New(ncfg, ad, log.With(logx.String("comp", "notifier")), bus, store)

	extractor := monitor.NewHTTPExtractor(monitor.ExtractorConfig{
		Timeout:      ms.FetchTimeout,
		UserAgent:    ms.UserAgent,
		MaxBodyBytes: ms.MaxBodyBytes,
	}, log.With(logx.String("comp", "extractor")))

	regLog := log.With(logx.String("comp", "registry"))
	reg := monitor.NewRegistry(
		monitor.NewFileStore(ms.StateFile, regLog),
		extractor,
		monitor.WithBus(bus),
		monitor.WithRegistryLogger(regLog),
	)

	sched := monitor.NewScheduler(reg, extractor, notifSvc, monitor.SchedulerConfig{
		Interval:       ms.Interval,
		RunOnStart:     ms.RunOnStart,
		DeliverTimeout: ncfg.SendTimeout,
	},
		monitor.WithChannelChecker(ad),
		monitor.WithSchedulerBus(bus),
		monitor.WithSchedulerLogger(log.With(logx.String("comp", "scheduler"))),
	)

	ann := announce.New(notifSvc, log.With(logx.String("comp", "announce")))
	if err := ann.Apply(mapAnnouncements(cfg)); err != nil {
		return nil, err
	}

	router := commands.NewRouter(log.With(logx.String("comp", "commands")), ad, commands.Options{
		Owners:        cfg.Telegram.OwnerUserIDs,
		PromptTimeout: ms.PromptTimeout,
	})
	deps := commands.Deps{
		Tracker:      reg,
		Status:       sched,
		History:      notifSvc,
		FetchTimeout: ms.FetchTimeout,
	}
	if store != nil {
		deps.Audit = store
	}
	router.SetCommands(commands.Builtins(deps))

	return &App{
		cfgm:     cfgm,
		log:      log.With(logx.String("comp", "app")),
		logs:     logSvc,
		bus:      bus,
		store:    store,
		adapter:  ad,
		reg:      reg,
		sched:    sched,
		notif:    notifSvc,
		announce: ann,
		router:   router,
		updates:  make(chan transport.Update, 256),
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return config.Validate(cfg)
	})

	// A corrupt or unreadable state file leaves the registry empty but usable.
	if err := a.reg.Load(); err != nil {
		a.log.Warn("starting with empty registry", logx.Err(err))
	}

	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		return err
	}
	if mu, ok := a.adapter.(transport.CommandMenuUpdater); ok {
		mctx, cancel := context.WithTimeout(runCtx, 10*time.Second)
		if err := mu.UpdateMenuCommands(mctx, a.router.MenuCommands()); err != nil {
			a.log.Warn("command menu update failed", logx.Err(err))
		}
		cancel()
	}

	if a.notif.Enabled() {
		a.notif.Start(runCtx)
	}
	a.sched.Start(runCtx)
	a.announce.Start(runCtx)

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})

	if a.store != nil {
		a.sup.Go0("audit", func(c context.Context) {
			runAudit(c, a.bus, a.store, a.log.With(logx.String("comp", "audit")))
		})
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				if e.Type == eventbus.TypeTickDone {
					if rep, ok := e.Data.(monitor.TickReport); ok {
						a.log.Debug("tick done", logx.String("report", rep.String()))
						continue
					}
				}
				a.log.Debug("event", logx.String("type", e.Type))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		watchdogLoop(c, a.log)
	})
	sdNotify(a.log, daemon.SdNotifyReady)

	a.log.Info("app started")
	return nil
}

// applyConfig pushes a validated config into the running components.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := map[string]bool{}
	for _, s := range sections {
		changed[s] = true
	}

	a.logs.Apply(mapLogging(newCfg))
	a.router.SetOwners(newCfg.Telegram.OwnerUserIDs)

	if ms, err := newCfg.ResolveMonitor(); err != nil {
		a.log.Warn("invalid monitor config; keeping previous", logx.Err(err))
	} else {
		a.sched.SetInterval(ms.Interval)
		a.router.SetPromptTimeout(ms.PromptTimeout)
		if old, err := oldCfg.ResolveMonitor(); err == nil &&
			(old.StateFile != ms.StateFile || old.FetchTimeout != ms.FetchTimeout ||
				old.UserAgent != ms.UserAgent || old.MaxBodyBytes != ms.MaxBodyBytes) {
			a.log.Warn("monitor state_file/fetch settings changed; restart required for them to take effect")
		}
	}

	if ncfg, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		prev := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case prev && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !prev && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	if changed["announcements"] {
		if err := a.announce.Apply(mapAnnouncements(newCfg)); err != nil {
			a.log.Warn("invalid announcements; keeping previous", logx.Err(err))
		}
	}
	if changed["storage"] {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if changed["telegram"] && oldCfg.Telegram.Token != newCfg.Telegram.Token {
		a.log.Warn("telegram token changed; restart required for changes to take effect")
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Time: time.Now(), Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
				max = time.Until(dl)
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// The scheduler drains its in-flight tick before the run context goes away.
	step("scheduler", 5*time.Second, a.sched.Stop)
	step("announce", time.Second, func(c context.Context) error { a.announce.Stop(c); return nil })

	a.sup.Cancel()

	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("supervisor", 3*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

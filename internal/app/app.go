package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"trackbot/internal/eventbus"
	"trackbot/internal/httpapi"
	"trackbot/internal/maintenance"
	"trackbot/internal/metrics"
	"trackbot/internal/notifier"
	"trackbot/internal/poller"
	"trackbot/internal/storage"
	"trackbot/internal/tracking"
	"trackbot/internal/transport"
	"trackbot/internal/transport/logsink"
	"trackbot/internal/transport/telegram"
	"trackbot/internal/upstream"
	logx "trackbot/pkg/logx"
	"trackbot/pkg/systemd"
)

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     *eventbus.MemBus
	store   storage.Store
	sender  transport.Sender
	metrics *metrics.Collector

	tracker  *tracking.Tracker
	upstream *upstream.Client
	notif    *notifier.Service
	poller   *poller.Poller
	http     *httpapi.Server
	maint    *maintenance.Service
}

// New loads the config and builds every component. Persisted subscriptions
// are loaded and scheduled here, so a broken store fails startup.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateMapped(cfg); err != nil {
		return nil, err
	}

	// Sender config mapping
	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	tcfg, err := mapTelegramConfig(cfg)
	if err != nil {
		return nil, err
	}
	var (
		sender  transport.Sender
		permErr func(error) bool
		chatOut transport.Sender
	)
	if tcfg.Token != "" {
		tg, err := telegram.New(tcfg, bootLog)
		if err != nil {
			return nil, err
		}
		sender, chatOut, permErr = tg, tg, telegram.IsPermanent
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg), chatOut)
	log = log.With(logx.String("comp", "app"))
	if sender == nil {
		log.Warn("telegram.token is empty; notifications are written to the log")
		sender = logsink.New(log.With(logx.String("comp", "logsink")))
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
		sender:  sender,
		metrics: metrics.New(),
	}
	if err := a.build(ctx, cfg, permErr); err != nil {
		a.closeStore()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *Config, permErr func(error) bool) error {
	log := a.log

	// Storage (optional)
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return err
	} else if enabled {
		st, err := storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		a.store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	} else {
		log.Warn("storage disabled; subscriptions are kept in memory only")
	}

	tcfg, err := mapTrackingConfig(cfg)
	if err != nil {
		return err
	}
	var trStore tracking.Store
	if a.store != nil {
		trStore = a.store
	}
	a.tracker, err = tracking.New(ctx, tcfg, trStore, log.With(logx.String("comp", "tracking")), tracking.WithMetrics(a.metrics))
	if err != nil {
		return fmt.Errorf("load subscriptions: %w", err)
	}

	ucfg, err := mapUpstreamConfig(cfg)
	if err != nil {
		return err
	}
	a.upstream, err = upstream.New(ucfg, log.With(logx.String("comp", "upstream")))
	if err != nil {
		return err
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return err
	}
	nopts := []notifier.Option{notifier.WithMetrics(a.metrics)}
	if permErr != nil {
		nopts = append(nopts, notifier.WithPermanentError(permErr))
	}
	a.notif = notifier.New(ncfg, a.sender, log.With(logx.String("comp", "notifier")), a.bus, a.store, nopts...)

	pcfg, err := mapPollerConfig(cfg)
	if err != nil {
		return err
	}
	a.poller = poller.New(pcfg, a.tracker, a.upstream, a.notif, a.bus, log.With(logx.String("comp", "poller")), poller.WithMetrics(a.metrics))

	if cfg.Maintenance.Enabled {
		mcfg, err := mapMaintenanceConfig(cfg)
		if err != nil {
			return err
		}
		a.maint, err = maintenance.New(mcfg, a.store, a.tracker, log.With(logx.String("comp", "maintenance")))
		if err != nil {
			return err
		}
	}

	if cfg.HTTP.Enabled {
		hcfg, err := mapHTTPConfig(cfg)
		if err != nil {
			return err
		}
		a.http, err = httpapi.New(hcfg, httpapi.Deps{
			Tracker: a.tracker,
			Metrics: a.metrics.Handler(),
			History: a.notif.History,
			Health:  a.health,
		}, log.With(logx.String("comp", "http")))
		if err != nil {
			return err
		}
	}
	return nil
}

// Tracker exposes the tracker for embedding callers and tests.
func (a *App) Tracker() *tracking.Tracker { return a.tracker }

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

type healthView struct {
	Supervisor  any                     `json:"supervisor"`
	Tracking    tracking.Stats          `json:"tracking"`
	NotifyQueue int                     `json:"notify_queue"`
	BusDropped  uint64                  `json:"bus_dropped"`
	ChatDrops   uint64                  `json:"log_chat_dropped"`
	Maintenance []maintenance.JobStatus `json:"maintenance,omitempty"`
}

func (a *App) health() any {
	h := healthView{
		Tracking:    a.tracker.Stats(),
		NotifyQueue: a.notif.QueueLen(),
		BusDropped:  a.bus.Dropped(),
		ChatDrops:   a.logs.ChatDrops(),
	}
	if a.sup != nil {
		h.Supervisor = a.sup.Snapshot()
	}
	if a.maint != nil {
		h.Maintenance = a.maint.Status()
	}
	return h
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error {
		return validateMapped(cfg)
	})

	// The notifier outlives the supervisor context so Stop can drain it.
	if a.notif.Enabled() {
		a.notif.Start(context.WithoutCancel(ctx))
	}

	a.sup.GoRestart("poller", a.poller.Run)

	if a.http != nil {
		a.sup.Go("http", a.http.Run)
	}
	if a.maint != nil {
		a.maint.Start(a.sup.Context())
	}

	// Keep this debug-level to avoid noise; every poll publishes an event.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if iv := systemd.WatchdogInterval(); iv > 0 {
		a.sup.Go("systemd.watchdog", func(c context.Context) error {
			systemd.Watchdog(c, iv, func() bool { return a.sup.Err() == nil }, a.log)
			return nil
		})
	}

	st := a.tracker.Stats()
	a.log.Info("app started",
		logx.Int("tracked", st.Tracked),
		logx.Duration("interval", st.Interval),
		logx.Duration("cooldown", st.Cooldown),
		logx.Bool("http", a.http != nil),
		logx.Bool("maintenance", a.maint != nil),
	)
	systemd.Ready(a.log)
	systemd.Status(a.log, fmt.Sprintf("tracking %d subscriptions", st.Tracked))
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	systemd.Stopping(a.log)

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		a.stopStep(ctx, name, max, fn)
	}

	step("maintenance", 2*time.Second, func(c context.Context) error {
		if a.maint != nil {
			a.maint.Stop(c)
		}
		return nil
	})
	// Poller and HTTP exit on cancel; wait for them before draining the
	// notifier so no new notifications arrive.
	step("supervisor", 6*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("upstream", 500*time.Millisecond, func(context.Context) error { a.upstream.Close(); return nil })
	step("storage", 2*time.Second, func(context.Context) error { return a.closeStoreErr() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// stopStep runs one shutdown step with an upper bound so one component can't
// stall the whole stop. The caller's deadline is never extended.
func (a *App) stopStep(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	if dl, ok := ctx.Deadline(); ok {
		max = min(max, time.Until(dl))
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

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
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}
		}()
	}
}

func (a *App) closeStore() { _ = a.closeStoreErr() }

func (a *App) closeStoreErr() error {
	if a.store == nil {
		return nil
	}
	st := a.store
	a.store = nil
	return st.Close()
}

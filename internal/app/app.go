package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"defectbot/internal/config"
	"defectbot/internal/defects"
	"defectbot/internal/eventbus"
	"defectbot/internal/httpapi"
	"defectbot/internal/maintenance"
	"defectbot/internal/notifier"
	rtsup "defectbot/internal/runtime/supervisor"
	"defectbot/internal/storage"
	"defectbot/internal/transport"
	"defectbot/internal/transport/telegram"
	logx "defectbot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	lc    *notifier.Lifecycle
	exec  *rtsup.Executor
	notes *notifications
	tg    *telegram.Channel

	defects *defects.Service
	server  *httpapi.Server
	maint   *maintenance.Service

	historySize int

	stopMu  sync.Mutex
	stopped bool
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	tc, err := mapTelegramConfig(cfg)
	if err != nil {
		return nil, err
	}
	hc, err := mapHTTPConfig(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	openCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	store, err := storage.Open(openCtx, sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", sc.Driver))

	a := &App{
		cfgPath:     cfgPath,
		cfgm:        cfgm,
		log:         log,
		logs:        logSvc,
		bus:         eventbus.New(),
		store:       store,
		exec:        rtsup.NewExecutor(log.With(logx.String("comp", "executor"))),
		notes:       &notifications{},
		historySize: cfg.Telegram.HistorySize,
	}
	a.lc = notifier.NewLifecycle(tc.Token, a.openTelegram(tc), log.With(logx.String("comp", "notifier")))
	a.defects = defects.New(store, a.notes, log.With(logx.String("comp", "defects")))

	handler := httpapi.NewHandler(hc, a.defects, a.notes, log.With(logx.String("comp", "http")))
	a.server = httpapi.NewServer(hc, handler.Router(), log.With(logx.String("comp", "http")))
	a.maint = maintenance.New(mapMaintenanceConfig(cfg), store, log.With(logx.String("comp", "maintenance")))
	return a, nil
}

// openTelegram returns the opener the lifecycle uses. On failure it must hand
// back a nil interface, never a typed nil *telegram.Channel.
func (a *App) openTelegram(tc telegram.Config) notifier.Opener {
	return func(ctx context.Context) (transport.Channel, error) {
		ch, err := telegram.New(tc, a.log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		a.tg = ch
		return ch, nil
	}
}

func (a *App) Config() *config.Config { return a.cfgm.Get() }

func (a *App) Defects() *defects.Service { return a.defects }

func (a *App) Store() storage.Store { return a.store }

func (a *App) Executor() *rtsup.Executor { return a.exec }

func (a *App) Maintenance() *maintenance.Service { return a.maint }

func (a *App) Server() *httpapi.Server { return a.server }

// OpenNotifier starts the notification lifecycle and returns the dispatcher.
// With no token configured the dispatcher is disabled and every Dispatch is a no-op.
func (a *App) OpenNotifier(ctx context.Context) (*notifier.Dispatcher, error) {
	if d := a.notes.get(); d != nil {
		return d, nil
	}
	ch, err := a.lc.Startup(ctx)
	if err != nil {
		return nil, err
	}
	d := notifier.NewDispatcher(ch, notifier.NewStoreDirectory(a.store), a.exec,
		a.log.With(logx.String("comp", "notifier")),
		notifier.WithBus(a.bus),
		notifier.WithHistorySize(a.historySize),
	)
	a.notes.set(d)
	return d, nil
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
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.exec.Attach(a.sup)

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	if _, err := a.OpenNotifier(a.sup.Context()); err != nil {
		return a.abort(err)
	}

	cfg := a.cfgm.Get()
	if cfg.Telegram.Poll {
		if a.tg != nil {
			a.tg.Listen(a.sup.Context(), a.defects)
		} else {
			a.log.Warn("telegram.poll is set but notifications are disabled; bot commands unavailable")
		}
	}

	a.server.Start(a.sup.Context())

	if a.maint.Enabled() {
		if err := a.maint.Start(a.sup.Context()); err != nil {
			return a.abort(err)
		}
	}

	a.logBatches()

	// hot reload config fan-out
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
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("systemd notified", logx.String("state", daemon.SdNotifyReady))
	}

	a.log.Info("app started",
		logx.String("addr", cfg.HTTP.Addr),
		logx.Bool("notifications", a.notes.Enabled()),
		logx.Bool("poll", a.tg != nil && cfg.Telegram.Poll),
	)
	return nil
}

// applyConfig applies the logging section live; everything else waits for a restart.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	a.logs.Apply(mapLogConfig(newCfg))

	if config.RestartRequired(sections) {
		a.log.Warn("config changed; restart required for changes to take effect", logx.Strings("sections", sections))
	}
	a.log.Info("config reloaded", fields...)
}

// abort runs the stop path after a failed Start and returns err.
func (a *App) abort(err error) error {
	a.log.Error("startup failed", logx.Err(err))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = a.Stop(ctx, StopStartupFailed)
	return err
}

// logBatches mirrors delivered notification batches into the debug log.
func (a *App) logBatches() {
	events, unsub := a.bus.Subscribe(128, notifier.EventBatch)
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
				ev, ok := e.Data.(notifier.BatchEvent)
				if !ok {
					continue
				}
				a.log.Debug("notification batch",
					logx.Int64("defect_id", ev.DefectID),
					logx.Int("recipients", len(ev.Outcomes)),
					logx.Int("failed", ev.Failed()),
					logx.Strings("skipped", ev.Skipped),
				)
			}
		}
	})
}

// Stop releases everything NewApp and Start acquired. It also works on an
// app that was never started (CLI commands) and is safe to call twice.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.stopMu.Lock()
	if a.stopped {
		a.stopMu.Unlock()
		return nil
	}
	a.stopped = true
	a.stopMu.Unlock()

	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.sup != nil {
		_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	}

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
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
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn must honor stepCtx; if it doesn't, log when it finally returns.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// No new requests, hence no new dispatches.
	step("http", 3*time.Second, func(c context.Context) error { a.server.Stop(c); return nil })

	// Let in-flight notification batches finish while the channel is still open.
	a.exec.Detach()
	step("notifications", 5*time.Second, func(c context.Context) error { return a.exec.Drain(c) })

	if a.sup != nil {
		a.sup.Cancel()
	}
	step("maintenance", 2*time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	step("notifier", 3*time.Second, func(c context.Context) error { return a.lc.Shutdown(c) })
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, event log).
	if a.sup != nil {
		step("supervisor", 2*time.Second, func(c context.Context) error {
			if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	a.log.Info("stopped", logx.Int64("events_dropped", int64(a.bus.Dropped())))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// Package app wires configuration, storage, the browser driver and the
// publish services into one process and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"geopub/internal/accountcheck"
	"geopub/internal/api"
	"geopub/internal/auth"
	"geopub/internal/config"
	"geopub/internal/driver"
	"geopub/internal/driver/roddriver"
	"geopub/internal/eventbus"
	"geopub/internal/metrics"
	"geopub/internal/notify/telegram"
	"geopub/internal/platform"
	"geopub/internal/publish"
	"geopub/internal/publish/guard"
	"geopub/internal/runtime/supervisor"
	"geopub/internal/storage"
	"geopub/internal/task/engine"
	"geopub/internal/task/scheduler"
	logx "geopub/pkg/logx"
	"geopub/pkg/systemd"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	root logx.Logger
	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store     storage.Store
	platforms *platform.Registry
	drv       driver.Driver
	browser   *roddriver.Driver // nil when the browser is disabled
	guard     *guard.Redis      // nil without redis

	engine  *engine.Service // publish attempts only
	jobPool *engine.Service // scheduled jobs
	auth    *auth.Manager
	publish *publish.Scheduler
	checker *accountcheck.Runner
	sched   *scheduler.Service
	metrics *metrics.Collector
	notify  *telegram.Notifier // nil when telegram is disabled
	api     *api.Server
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := validate(ctx, cfg); err != nil {
		return nil, err
	}
	cfgm.SetValidator(validate)

	logs, root := logx.New(mapLogging(cfg))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	a := &App{
		cfgm: cfgm,
		root: root,
		log:  root.With(logx.String("comp", "app")),
		logs: logs,
		bus:  eventbus.New(),
	}
	if err := a.build(ctx, cfg); err != nil {
		a.release()
		_ = logs.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config) error {
	var err error
	if a.platforms, err = loadPlatforms(cfg); err != nil {
		return err
	}
	sc := mapStorage(cfg)
	if a.store, err = storage.Open(ctx, sc); err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.log.Info("storage opened", logx.String("driver", sc.Driver), logx.Bool("encrypted", sc.Secret != ""))
	if sc.Driver == "sqlite" && sc.Secret == "" {
		a.log.Warn("storage.secret is empty, login cookies are stored unencrypted")
	}

	if cfg.Browser.Enabled {
		a.browser = roddriver.New(mapBrowser(cfg), a.root)
		a.drv = a.browser
	} else {
		a.drv = driver.Disabled{}
		a.log.Warn("browser disabled; logins and publishes will fail")
	}

	a.engine = engine.New(mapTaskEngine(cfg), a.root.With(logx.String("comp", "taskengine")), a.bus)
	// auth and publish own their contexts; Stop closes them.
	a.auth = auth.New(context.Background(), a.platforms, a.drv, a.store, a.bus, a.root, mapAuth(cfg))

	var opts []publish.Option
	if gc, on := mapGuard(cfg); on {
		a.guard = guard.New(gc)
		opts = append(opts, publish.WithGuard(a.guard))
		a.log.Info("duplicate submission guard enabled", logx.String("addr", gc.Addr), logx.Duration("window", gc.Window))
	}
	a.publish = publish.New(context.Background(), mapPublish(cfg), a.engine, a.platforms, a.drv, a.store, a.auth, a.bus, a.root, opts...)
	a.checker = accountcheck.New(a.store, a.auth, a.bus, a.root, mapAccountCheck(cfg))

	// Jobs get their own pool: a long account check must not take a
	// publish worker.
	a.jobPool = engine.New(mapJobPool(cfg), a.root.With(logx.String("comp", "jobpool")), a.bus)
	a.sched = scheduler.New(mapScheduler(cfg), a.jobPool, a.root)
	if err := a.registerJobs(cfg); err != nil {
		return err
	}

	a.metrics = metrics.New(a.root)
	a.metrics.WatchEngine(a.engine.Snapshot)
	a.metrics.WatchFaults(a.publish.Faults)
	a.metrics.WatchBus(a.bus)

	if cfg.Telegram.Enabled {
		if a.notify, err = telegram.New(mapTelegram(cfg), a.root); err != nil {
			return err
		}
		a.logs.SetSender(a.notify)
	}
	return nil
}

// Done is closed when the app context ends: a fatal error or Stop.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	run := a.sup.Context()

	n, err := a.publish.Recover(run)
	if err != nil {
		return fmt.Errorf("recover publish requests: %w", err)
	}
	if n > 0 {
		a.log.Warn("requests interrupted by restart closed", logx.Int("count", n))
	}

	a.engine.Start(run)
	a.jobPool.Start(run)
	a.sched.Start(run)

	a.sup.Go("metrics", func(c context.Context) error { return a.metrics.Run(c, a.bus) })
	if a.notify != nil {
		a.sup.GoRestart("telegram", func(c context.Context) error { return a.notify.Run(c, a.bus) },
			supervisor.WithRestartBackoff(time.Second, time.Minute))
	}
	a.sup.Go0("eventbus.log", a.logEvents)

	a.api = api.New(run, mapHTTP(a.cfgm.Get()), api.Deps{
		Accounts:  a.store.Accounts(),
		Auth:      a.auth,
		Publish:   a.publish,
		Checker:   a.checker,
		Jobs:      a.sched,
		Platforms: a.platforms,
		Bus:       a.bus,
		Metrics:   a.metrics.Handler(),
		Health:    a.health,
	}, a.root)
	a.sup.Go("api", a.api.Run)

	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return systemd.Watchdog(c, func() bool { _, ok := a.health(); return ok })
	})

	if _, err := systemd.Ready(); err != nil {
		a.log.Warn("systemd ready notification failed", logx.Err(err))
	}
	a.log.Info("app started",
		logx.Int("platforms", a.platforms.Len()),
		logx.Bool("browser", a.browser != nil),
		logx.Bool("telegram", a.notify != nil),
	)
	return nil
}

// logEvents traces bus traffic at debug level.
func (a *App) logEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("kind", string(ev.Kind)), logx.Time("time", ev.Time))
		}
	}
}

type engineHealth struct {
	Enabled     bool   `json:"enabled"`
	Running     bool   `json:"running"`
	Workers     int    `json:"workers"`
	QueueLen    int    `json:"queue_len"`
	QueueCap    int    `json:"queue_cap"`
	InFlight    int    `json:"in_flight"`
	Dropped     uint64 `json:"dropped"`
	Panics      uint64 `json:"panics"`
	CircuitOpen int    `json:"circuit_open"`
}

type healthReport struct {
	Engine       engineHealth        `json:"engine"`
	JobPool      engineHealth        `json:"job_pool"`
	Scheduler    bool                `json:"scheduler_running"`
	AccountCheck bool                `json:"account_check_running"`
	Supervisor   supervisor.Snapshot `json:"supervisor"`
}

// health is healthy while no supervised goroutine failed, an enabled
// publish pool has live workers and the job pool runs.
func (a *App) health() (any, bool) {
	r := healthReport{
		Engine:       poolHealth(a.engine),
		JobPool:      poolHealth(a.jobPool),
		Scheduler:    a.sched.Running(),
		AccountCheck: a.checker.Running(),
		Supervisor:   a.sup.Snapshot(),
	}
	healthy := r.Supervisor.FirstError == "" && (!r.Engine.Enabled || r.Engine.Running) && r.JobPool.Running
	return r, healthy
}

func poolHealth(e *engine.Service) engineHealth {
	snap := e.Snapshot()
	return engineHealth{
		Enabled:     snap.Enabled,
		Running:     e.Supervisor() != nil,
		Workers:     snap.Workers,
		QueueLen:    snap.QueueLen,
		QueueCap:    snap.QueueCap,
		InFlight:    snap.InFlight,
		Dropped:     snap.Dropped,
		Panics:      snap.Panics,
		CircuitOpen: snap.CircuitOpen,
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.release()
		return a.logs.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := systemd.Stopping(); err != nil {
		a.log.Debug("systemd stopping notification failed", logx.Err(err))
	}

	// Publish and auth close while the bus consumers still run, so the
	// final task states reach the live channel and the operator chat.
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "jobpool", 2*time.Second, func(c context.Context) error { a.jobPool.Stop(c); return nil })
	a.step(ctx, "publish", 3*time.Second, a.publish.Close)
	a.step(ctx, "auth", 2*time.Second, a.auth.Close)
	a.step(ctx, "taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })

	a.sup.Cancel()
	a.step(ctx, "supervisor", 6*time.Second, a.sup.Wait)
	a.release()

	a.log.Info("stopped")
	return a.logs.Close()
}

// release frees external resources. It tolerates a partially built app.
func (a *App) release() {
	var errs []error
	if a.browser != nil {
		errs = append(errs, a.browser.Shutdown())
	}
	if a.guard != nil {
		errs = append(errs, a.guard.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.log.Warn("release resources", logx.Err(err))
	}
}

// step runs one shutdown step with an upper bound so a stuck component
// cannot stall the whole stop. It never extends the caller's deadline.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		max = min(max, time.Until(dl))
	}
	if max <= 0 {
		a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
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
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}

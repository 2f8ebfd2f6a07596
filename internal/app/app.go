// Package app wires the relay: config, logging, transports, the delivery
// pipeline and its ops surfaces. It owns the start and stop order.
package app

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"roomrelay/internal/activity"
	"roomrelay/internal/batch"
	"roomrelay/internal/cache"
	"roomrelay/internal/config"
	"roomrelay/internal/delivery"
	"roomrelay/internal/eventbus"
	"roomrelay/internal/fetch"
	"roomrelay/internal/integrity"
	"roomrelay/internal/janitor"
	"roomrelay/internal/ops"
	"roomrelay/internal/opsapi"
	"roomrelay/internal/pipeline"
	"roomrelay/internal/ratelimit"
	"roomrelay/internal/render"
	rtsup "roomrelay/internal/runtime/supervisor"
	"roomrelay/internal/storage"
	"roomrelay/internal/transport"
	"roomrelay/internal/transport/slack"
	"roomrelay/internal/transport/telegram"
	logx "roomrelay/pkg/logx"
)

type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopFatalError StopReason = "fatal_error"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	router   *transport.Router
	adapters []transport.Adapter

	cache   *cache.Cache
	fetcher *fetch.Fetcher
	limiter *ratelimit.Limiter
	checker *integrity.Checker
	monitor *activity.Monitor
	sched   *batch.Scheduler
	retrier *delivery.Retrier

	pipe *pipeline.Service
	jan  *janitor.Janitor
	api  *opsapi.Service
	cmds *ops.Manager

	updates chan transport.Update
}

// New loads cfgPath and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validateRuntime(cfg) })
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", cfgPath, err)
	}

	router := transport.NewRouter()
	logSvc, log := logx.New(mapLogConfig(cfg), router)
	cfgm.SetLogger(log)

	a := &App{
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     eventbus.New(),
		router:  router,
		updates: make(chan transport.Update, 64),
	}
	if err := a.buildTransports(cfg, log); err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	if sc, enabled := mapStorageConfig(cfg); enabled {
		st, err := storage.Open(sc, log)
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		a.store = st
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	rc, err := cache.New(mapCacheConfig(cfg), log.With(logx.String("comp", "cache")), cache.WithStore(a.store))
	if err != nil {
		a.closeStore()
		_ = logSvc.Close()
		return nil, err
	}
	if n, err := rc.Load(ctx); err != nil {
		a.log.Warn("cache reload failed", logx.Err(err))
	} else if n > 0 {
		a.log.Info("cache entries adopted from disk", logx.Int("entries", n))
	}
	a.cache = rc

	loc, _ := loadLocation(cfg.Pipeline.Timezone)
	mc, policy := mapActivity(cfg)
	a.fetcher = fetch.New(mapFetchConfig(cfg), log, fetch.WithCache(rc))
	a.limiter = ratelimit.New(mapLimiterConfig(cfg), log)
	a.checker = integrity.New(mapIntegrityConfig(cfg), log, integrity.WithBus(a.bus))
	a.monitor = activity.New(mc, policy, log)
	a.sched = batch.NewScheduler(mapBatchConfig(cfg), log)
	a.retrier = delivery.New(mapDeliveryConfig(cfg), router, a.limiter, log, delivery.WithBus(a.bus))

	a.pipe = pipeline.New(mapPipelineConfig(cfg), pipeline.Deps{
		Cache:     rc,
		Fetcher:   a.fetcher,
		Limiter:   a.limiter,
		Checker:   a.checker,
		Monitor:   a.monitor,
		Scheduler: a.sched,
		Retrier:   a.retrier,
		Renderer:  render.NewRegistry(loc),
		Store:     a.store,
		Bus:       a.bus,
	}, log)
	a.jan = janitor.New(mapJanitorConfig(cfg), a.pipe, a.store, log)
	a.api = opsapi.New(mapAPIConfig(cfg), a.pipe, a.jan, log)
	a.cmds = ops.New(a.pipe, router, ownersOf(cfg), log)
	return a, nil
}

func (a *App) buildTransports(cfg *config.Config, log logx.Logger) error {
	if tc := cfg.Telegram; tc != nil {
		poll := tc.PollTimeout.D()
		if poll <= 0 {
			poll = 10 * time.Second
		}
		ad, err := telegram.New(telegram.Config{Token: tc.Token, PollTimeout: poll, Poll: tc.Commands}, log)
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		a.router.Register(ad)
		a.adapters = append(a.adapters, ad)
	}
	if sc := cfg.Slack; sc != nil {
		ad, err := slack.New(slack.Config{Token: sc.Token, APIURL: sc.APIURL}, log)
		if err != nil {
			return fmt.Errorf("slack: %w", err)
		}
		a.router.Register(ad)
		a.adapters = append(a.adapters, ad)
	}
	return nil
}

func ownersOf(cfg *config.Config) []string {
	if cfg.Telegram == nil {
		return nil
	}
	return cfg.Telegram.OwnerUserIDs
}

// Pipeline exposes the delivery pipeline to in-process pollers.
func (a *App) Pipeline() *pipeline.Service { return a.pipe }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	c := a.sup.Context()

	a.pipe.Start(c)
	for _, ad := range a.adapters {
		if err := ad.Start(c, a.updates); err != nil {
			return fmt.Errorf("%s adapter: %w", ad.Scheme(), err)
		}
	}
	a.sup.Go0("ops.commands", func(c context.Context) { a.cmds.Run(c, a.updates) })

	if err := a.jan.Start(c); err != nil {
		a.log.Warn("some housekeeping jobs were not scheduled", logx.Err(err))
	}
	cfg := a.cfgm.Get()
	a.api.Reconfigure(c, mapAPIConfig(cfg))

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
				a.log.Trace("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := cfg
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.apply(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Int("transports", len(a.adapters)),
		logx.Bool("api", cfg.API.Enabled),
		logx.Bool("storage", a.store != nil),
	)
	return nil
}

// restartOnly lists sections whose changes only apply after a restart.
var restartOnly = []string{"storage", "telegram", "slack"}

// apply hot-applies a reloaded config.
func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		if slices.Contains(restartOnly, s) {
			a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
		}
	}
	if prev.Pipeline.Timezone != next.Pipeline.Timezone || prev.Cache.Dir != next.Cache.Dir {
		a.log.Warn("pipeline.timezone and cache.dir changes require a restart")
	}

	a.logs.Apply(mapLogConfig(next))
	a.limiter.Apply(mapLimiterConfig(next))
	a.fetcher.Apply(mapFetchConfig(next))
	a.checker.Apply(mapIntegrityConfig(next))
	mc, policy := mapActivity(next)
	a.monitor.Apply(mc, policy)
	a.sched.Apply(mapBatchConfig(next))
	a.retrier.Apply(mapDeliveryConfig(next))

	cc := mapCacheConfig(next)
	a.cache.Apply(cc.TTL, cc.MaxBytes)
	// Only an edited flag overrides a runtime toggle from the ops surface.
	if prev.Cache.IsEnabled() != next.Cache.IsEnabled() {
		a.pipe.SetCacheEnabled(cc.Enabled)
	}
	a.pipe.Apply(mapPipelineConfig(next))

	if err := a.jan.Apply(ctx, mapJanitorConfig(next)); err != nil {
		a.log.Warn("housekeeping reschedule incomplete", logx.Err(err))
	}
	a.api.Reconfigure(ctx, mapAPIConfig(next))
	a.cmds.SetOwners(ownersOf(next))

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts down intake first, drains the pipeline, then releases
// storage and logging. Each step is bounded by ctx.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	a.step(ctx, "opsapi", 3*time.Second, func(c context.Context) error {
		a.api.Stop(c)
		return nil
	})
	a.step(ctx, "janitor", 3*time.Second, func(c context.Context) error {
		a.jan.Stop(c)
		return nil
	})
	for _, ad := range a.adapters {
		a.step(ctx, "transport."+ad.Scheme(), 3*time.Second, ad.Stop)
	}
	a.step(ctx, "pipeline", 0, func(c context.Context) error {
		a.pipe.Stop(c)
		return nil
	})
	a.sup.Cancel()
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	a.step(ctx, "storage", 2*time.Second, func(context.Context) error {
		a.closeStore()
		return nil
	})

	a.log.Info("stopped", logx.String("reason", string(reason)))
	return a.logs.Close()
}

func (a *App) closeStore() {
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close failed", logx.Err(err))
	}
}

// step runs fn with a deadline of max (or whatever remains of ctx). A step
// that overruns is left to finish in the background.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	stepCtx := ctx
	if max > 0 {
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
		if err != nil && stepCtx.Err() == nil {
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
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}

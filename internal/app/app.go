// Package app wires config, logging, backends, the orchestrator and its
// outer surfaces (HTTP API, scheduled drain, audit storage) into one daemon.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"courier/internal/backend"
	"courier/internal/config"
	"courier/internal/drain"
	"courier/internal/eventbus"
	"courier/internal/httpapi"
	"courier/internal/orchestrator"
	"courier/internal/ratelimit"
	"courier/internal/runtime/supervisor"
	"courier/internal/storage"
	"courier/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	backends []backend.Backend
	orch     *orchestrator.Orchestrator
	drain    *drain.Runner
	http     *httpapi.Server
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	a := &App{cfgm: cfgm, logs: logSvc, log: log.With(logx.String("comp", "app")), bus: eventbus.New()}
	if err := a.build(cfg, log); err != nil {
		a.closeResources()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, log logx.Logger) error {
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return err
		}
		a.store = st
		a.log.Info("audit storage enabled", logx.String("driver", sc.Driver))
	}

	bs, err := buildBackends(cfg, log.With(logx.String("comp", "backend")))
	if err != nil {
		return err
	}
	a.backends = bs

	ocfg, bcfg, err := mapOrchestratorConfig(cfg)
	if err != nil {
		return err
	}
	rl, err := cfg.RateLimit.Resolve()
	if err != nil {
		return err
	}
	opts := []orchestrator.Option{
		orchestrator.WithLogger(log.With(logx.String("comp", "orchestrator"))),
		orchestrator.WithBus(a.bus),
		orchestrator.WithRateLimiter(ratelimit.New(rl.Limit, rl.Window)),
		orchestrator.WithBreakerConfig(bcfg),
	}
	if a.store != nil {
		opts = append(opts, orchestrator.WithAuditSink(auditSink{store: a.store}))
	}
	a.orch, err = orchestrator.New(bs, ocfg, opts...)
	if err != nil {
		return err
	}

	a.drain = drain.New(a.orch, log)
	if cfg.HTTP.Enabled {
		a.http = httpapi.New(mapHTTPConfig(cfg), httpapi.Deps{
			Orchestrator: a.orch,
			Drain:        a.drain,
			Logs:         a.logs,
			Audit:        a.store,
		}, log)
	}
	a.log.Info("courier configured",
		logx.Int("backends", len(bs)),
		logx.String("order", strings.Join(a.orch.Backends(), ",")),
		logx.Int("rate_limit", rl.Limit),
		logx.Duration("rate_window", rl.Window),
	)
	return nil
}

func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orch }

// Done is closed when the app context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// validateReload rejects configs the running components cannot apply.
func validateReload(_ context.Context, cfg *config.Config) error {
	if cfg.Drain.Enabled {
		if _, err := drain.ParseSchedule(cfg.Drain.Schedule); err != nil {
			return fmt.Errorf("drain.schedule: %w", err)
		}
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validateReload)
	if a.http != nil {
		a.http.SetSupervisor(a.sup)
	}

	cfg := a.cfgm.Get()
	if err := validateReload(ctx, cfg); err != nil {
		return err
	}
	if err := a.drain.Start(a.sup.Context(), mapDrainConfig(cfg)); err != nil {
		return err
	}

	if a.http != nil {
		a.sup.Go("http.serve", a.http.Run)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		a.logEvents(c, events)
		return nil
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.GoRestart("config.watch", supervisor.RestartPolicy{}, a.cfgm.Watch)

	a.log.Info("app started")
	return nil
}

func (a *App) logEvents(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			switch d := e.Data.(type) {
			case eventbus.CircuitEvent:
				a.log.Info("circuit state changed",
					logx.String("backend", d.Backend),
					logx.String("from", d.From),
					logx.String("to", d.To),
				)
			case eventbus.DeliveryEvent:
				a.log.Debug("event",
					logx.String("type", e.Type),
					logx.String("id", d.ID),
					logx.String("status", d.Status),
					logx.String("provider", d.Provider),
				)
			default:
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	}
}

// restartOnly lists sections read once at startup.
var restartOnly = map[string]bool{
	"retry":    true,
	"circuit":  true,
	"storage":  true,
	"http":     true,
	"backends": true,
}

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// coalesce bursts
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	var pending []string
	for _, s := range sections {
		if restartOnly[s] {
			pending = append(pending, s)
		}
	}
	if len(pending) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(pending, ",")))
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	if rl, err := newCfg.RateLimit.Resolve(); err != nil {
		a.log.Warn("invalid rate_limit config; keeping previous", logx.Err(err))
	} else {
		a.orch.ConfigureRateLimit(rl.Limit, rl.Window)
	}

	if err := a.drain.Apply(mapDrainConfig(newCfg)); err != nil {
		a.log.Warn("invalid drain config; keeping previous schedule", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts components down in dependency order. Each step is bounded;
// a step that overruns is logged and left to finish in the background.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	a.step(ctx, "drain", 3*time.Second, func(c context.Context) error {
		a.drain.Stop(c)
		return nil
	})
	a.step(ctx, "supervisor", 5*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return nil
	})
	a.step(ctx, "backends+storage", time.Second, func(context.Context) error {
		a.closeResources()
		return nil
	})

	a.log.Info("stopped")
	return a.logs.Close()
}

func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, limit)
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
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}

func (a *App) closeResources() {
	closeBackends(a.backends)
	a.backends = nil
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
		a.store = nil
	}
}

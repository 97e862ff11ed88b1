// Package app wires the broker, the pub/sub adapter, the gateway, the job
// queue and the worker pool into one process and serves them over HTTP.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"chatty/internal/broker"
	"chatty/internal/config"
	"chatty/internal/eventbus"
	"chatty/internal/gateway"
	"chatty/internal/pubsub"
	"chatty/internal/queue"
	"chatty/internal/runtime/supervisor"
	"chatty/internal/storage"
	"chatty/internal/worker"
	logx "chatty/pkg/logx"
	"chatty/pkg/systemd"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/robfig/cron/v3"
)

// Core is what application code needs from the real-time core.
type Core interface {
	Broadcast(ctx context.Context, room, event string, payload []byte) error
	Enqueue(ctx context.Context, queue, handler string, payload []byte, opts queue.Options) (string, error)
}

type App struct {
	cfgm *config.Manager
	set  config.Settings

	root  logx.Logger
	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	sup   *supervisor.Supervisor

	broker broker.Client
	pubsub *pubsub.Adapter
	gw     *gateway.Gateway
	queue  *queue.Queue
	pool   *worker.Pool
	events *collector

	echo *echo.Echo
	srv  *http.Server
	ln   net.Listener
	cron *cron.Cron

	started time.Time
}

var _ Core = (*App)(nil)

// New loads cfgPath and builds the app. It connects to the broker, so it
// blocks for the startup retry budget when the broker is down.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return build(ctx, cfgm, cfg)
}

func build(ctx context.Context, cfgm *config.Manager, cfg *config.Config) (_ *App, err error) {
	set, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}
	if set.InstanceID == "" {
		set.InstanceID = uuid.NewString()
	}

	logs, root := logx.New(logConfig(cfg.Logging, set.InstanceID))
	a := &App{
		cfgm: cfgm,
		set:  set,
		root: root,
		log:  root.With(logx.String("comp", "app")),
		logs: logs,
		bus:  eventbus.New(),
	}
	defer func() {
		if err != nil {
			a.release()
		}
	}()

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, root)
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		a.store = st
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	a.broker, err = connectBroker(ctx, set.Broker, broker.Options{
		Log:            root,
		Bus:            a.bus,
		KeyPrefix:      set.Broker.KeyPrefix,
		HealthInterval: set.Broker.HealthInterval,
	}, a.log)
	if err != nil {
		return nil, err
	}

	a.sup = supervisor.New(context.Background(),
		supervisor.WithLogger(root.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true))

	a.pubsub, err = pubsub.New(a.broker, a.sup, pubsub.Options{
		OriginID:    set.InstanceID,
		Prefix:      set.Broker.KeyPrefix,
		DedupWindow: set.DedupWindow,
		Log:         root,
		Bus:         a.bus,
	})
	if err != nil {
		return nil, err
	}

	g := set.Gateway
	a.gw = gateway.New(gateway.Options{
		HeartbeatInterval: g.HeartbeatInterval,
		MissedHeartbeats:  g.MissedHeartbeats,
		EmitRatePerSec:    g.EmitRatePerSec,
		EmitBurst:         g.EmitBurst,
		MaxRooms:          g.MaxRooms,
		Observer:          a.pubsub,
		Log:               root,
		Bus:               a.bus,
	})
	a.pubsub.SetDeliverer(a.gw)

	var audit queue.Auditor
	if a.store != nil {
		audit = a.store
	}
	q := set.Queue
	a.queue, err = queue.New(queue.Config{
		MaxAttempts:    q.MaxAttempts,
		BackoffBase:    q.BackoffBase,
		BackoffMax:     q.BackoffMax,
		BackoffJitter:  q.BackoffJitter,
		LeaseTimeout:   q.LeaseTimeout,
		HandlerTimeout: q.HandlerTimeout,
		LongPoll:       q.LongPoll,
	}, queue.Deps{Store: a.broker, Log: root, Bus: a.bus, Audit: audit})
	if err != nil {
		return nil, err
	}
	a.pool = worker.New(a.queue, worker.Config{Log: root})
	a.events = newCollector(a.bus)

	if err := a.registerHandlers(); err != nil {
		return nil, err
	}
	a.echo = a.routes()
	a.srv = &http.Server{Handler: a.echo, ReadHeaderTimeout: 10 * time.Second}
	return a, nil
}

func logConfig(l config.LoggingConfig, instance string) logx.Config {
	return logx.Config{
		Level:    l.Level,
		Console:  l.Console,
		JSON:     l.JSON,
		File:     logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Instance: instance,
	}
}

// ReopenLogs reopens the log file after an external rotation.
func (a *App) ReopenLogs() error { return a.logs.Reopen() }

// release closes what build opened when it fails half way.
func (a *App) release() {
	if a.broker != nil {
		_ = a.broker.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

func (a *App) InstanceID() string { return a.set.InstanceID }

// Addr is the bound HTTP address once Start has returned.
func (a *App) Addr() string {
	if a.ln == nil {
		return ""
	}
	return a.ln.Addr().String()
}

func (a *App) Broadcast(ctx context.Context, room, event string, payload []byte) error {
	return a.pubsub.Broadcast(ctx, room, event, payload)
}

func (a *App) Enqueue(ctx context.Context, queueName, handler string, payload []byte, opts queue.Options) (string, error) {
	return a.queue.Enqueue(ctx, queueName, handler, payload, opts)
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} { return a.sup.Context().Done() }

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error { return a.sup.Err() }

func (a *App) Start(ctx context.Context) error {
	a.started = time.Now()

	a.sup.GoRestart("broker.monitor", a.broker.Monitor)
	a.sup.GoRestart("gateway.reaper", a.gw.Run)
	a.queue.Start(a.sup)
	a.pool.Start(a.sup)
	a.sup.Go("events", a.events.run)

	if err := a.startPurge(); err != nil {
		return err
	}
	if a.cfgm != nil {
		a.watchConfig()
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", a.set.HTTPAddr)
	if err != nil {
		return fmt.Errorf("http listen %s: %w", a.set.HTTPAddr, err)
	}
	a.ln = ln
	a.sup.Go("http", func(context.Context) error {
		if err := a.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return systemd.Watchdog(c, func() bool { return a.sup.Err() == nil })
	})

	lanes := a.queue.Definitions()
	if _, err := systemd.Ready(); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	}
	_, _ = systemd.Status(fmt.Sprintf("serving on %s, %d lanes", ln.Addr(), len(lanes)))
	a.log.Info("app started",
		logx.String("addr", ln.Addr().String()),
		logx.String("broker", a.broker.Backend()),
		logx.Int("lanes", len(lanes)))
	return nil
}

// watchConfig applies logging changes live and flags everything else as
// needing a restart.
func (a *App) watchConfig() {
	a.cfgm.SetLogger(a.root.With(logx.String("comp", "config")))
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// keep only the latest of a burst
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
				sections, attrs, restart := config.SummarizeConfigChange(lastApplied, newCfg)
				lastApplied = newCfg
				if len(sections) == 0 {
					a.log.Info("config reloaded (no changes)")
					continue
				}
				if err := a.logs.Apply(logConfig(newCfg.Logging, a.set.InstanceID)); err != nil {
					a.log.Warn("log sink not applied", logx.Err(err))
				}
				if len(restart) > 0 {
					a.log.Warn("config sections changed; restart required for them to take effect",
						logx.String("sections", strings.Join(restart, ",")))
				}
				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Info("config reloaded", fields...)
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := systemd.Stopping(); err != nil {
		a.log.Debug("systemd notify failed", logx.Err(err))
	}

	// step runs one shutdown step with an upper bound so one component can't
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			max = min(max, time.Until(dl))
		}
		if max <= 0 {
			a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
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
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// no new sockets or admin calls, then drop the live ones
	step("http", 3*time.Second, func(c context.Context) error {
		if a.ln == nil {
			return nil
		}
		return a.srv.Shutdown(c)
	})
	step("gateway", time.Second, func(context.Context) error { a.gw.CloseAll("server shutting down"); return nil })
	step("purge", 2*time.Second, func(c context.Context) error {
		if a.cron == nil {
			return nil
		}
		select {
		case <-a.cron.Stop().Done():
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	// worker slots settle their in-flight jobs before the broker goes away
	step("supervisor", 5*time.Second, a.sup.Stop)
	step("pubsub", time.Second, func(context.Context) error { a.pubsub.Close(); return nil })
	step("broker", 2*time.Second, func(context.Context) error { return a.broker.Close() })
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

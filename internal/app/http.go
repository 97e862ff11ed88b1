package app

import (
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"time"

	"chatty/internal/broker"
	"chatty/internal/gateway"
	"chatty/internal/pubsub"
	"chatty/internal/queue"
	"chatty/internal/runtime/supervisor"
	"chatty/internal/worker"
	logx "chatty/pkg/logx"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

const maxDeadList = 1000

func (a *App) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	httpLog := a.root.With(logx.String("comp", "http"))
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogMethod:   true,
		LogURIPath:  true,
		LogStatus:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogValuesFunc: func(_ echo.Context, v echomw.RequestLoggerValues) error {
			httpLog.Debug("request",
				logx.String("method", v.Method),
				logx.String("path", v.URIPath),
				logx.Int("status", v.Status),
				logx.Duration("latency", v.Latency),
				logx.String("remote", v.RemoteIP))
			return nil
		},
	}))

	ws := gateway.NewHandler(a.gw, gateway.HandlerOptions{SendBuffer: a.set.Gateway.SendBuffer, Log: a.root})
	e.GET("/ws", echo.WrapHandler(ws))
	e.GET("/healthz", a.handleHealth)
	e.GET("/stats", a.handleStats)
	e.POST("/users", a.handleCreateUser)

	admin := e.Group("/admin", adminAuth(a.set.AdminToken))
	admin.GET("/jobs/:id", a.handleGetJob)
	admin.GET("/queues/:queue/dead", a.handleListDead)
	admin.DELETE("/queues/:queue/dead", a.handlePurgeDead)

	// profiles stay behind the admin token
	admin.GET("/debug/pprof/cmdline", echo.WrapHandler(http.HandlerFunc(hpprof.Cmdline)))
	admin.GET("/debug/pprof/profile", echo.WrapHandler(http.HandlerFunc(hpprof.Profile)))
	admin.GET("/debug/pprof/symbol", echo.WrapHandler(http.HandlerFunc(hpprof.Symbol)))
	admin.GET("/debug/pprof/trace", echo.WrapHandler(http.HandlerFunc(hpprof.Trace)))
	admin.GET("/debug/pprof/:name", func(c echo.Context) error {
		hpprof.Handler(c.Param("name")).ServeHTTP(c.Response(), c.Request())
		return nil
	})
	return e
}

// adminAuth requires "Authorization: Bearer <token>". An empty token leaves
// the admin routes open.
func adminAuth(token string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if token == "" {
				return next(c)
			}
			scheme, got, ok := strings.Cut(c.Request().Header.Get("Authorization"), " ")
			if !ok || !strings.EqualFold(scheme, "bearer") {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}
			if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(token)) != 1 {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			return next(c)
		}
	}
}

type Health struct {
	Status    string `json:"status"`
	Instance  string `json:"instance"`
	Broker    string `json:"broker"`
	Connected bool   `json:"connected"`
}

func (a *App) handleHealth(c echo.Context) error {
	h := Health{Status: "ok", Instance: a.set.InstanceID, Broker: a.broker.Backend(), Connected: a.broker.Connected()}
	if !h.Connected {
		h.Status = "degraded"
		return c.JSON(http.StatusServiceUnavailable, h)
	}
	return c.JSON(http.StatusOK, h)
}

type Stats struct {
	Instance   string              `json:"instance"`
	Uptime     string              `json:"uptime"`
	Broker     Health              `json:"broker"`
	Gateway    gateway.Stats       `json:"gateway"`
	PubSub     pubsub.Stats        `json:"pubsub"`
	Workers    worker.Snapshot     `json:"workers"`
	Events     EventStats          `json:"events"`
	Goroutines supervisor.Snapshot `json:"goroutines"`
}

func (a *App) Stats() Stats {
	var uptime time.Duration
	if !a.started.IsZero() {
		uptime = time.Since(a.started).Round(time.Second)
	}
	return Stats{
		Instance:   a.set.InstanceID,
		Uptime:     uptime.String(),
		Broker:     Health{Broker: a.broker.Backend(), Connected: a.broker.Connected()},
		Gateway:    a.gw.Stats(),
		PubSub:     a.pubsub.Stats(),
		Workers:    a.pool.Snapshot(),
		Events:     a.events.snapshot(),
		Goroutines: a.sup.Snapshot(),
	}
}

func (a *App) handleStats(c echo.Context) error { return c.JSON(http.StatusOK, a.Stats()) }

func (a *App) handleCreateUser(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, 64<<10))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	id, err := a.enqueueUser(c.Request().Context(), body)
	if err != nil {
		if errors.Is(err, broker.ErrDisconnected) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusAccepted, map[string]string{"job_id": id})
}

func (a *App) handleGetJob(c echo.Context) error {
	j, err := a.queue.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return jobError(err)
	}
	return c.JSON(http.StatusOK, j)
}

func (a *App) handleListDead(c echo.Context) error {
	limit := 100
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = min(n, maxDeadList)
	}
	jobs, err := a.queue.Dead(c.Request().Context(), c.Param("queue"), limit)
	if err != nil {
		return jobError(err)
	}
	if jobs == nil {
		jobs = []*broker.Job{}
	}
	return c.JSON(http.StatusOK, jobs)
}

func (a *App) handlePurgeDead(c echo.Context) error {
	f := broker.PurgeFilter{IDs: c.QueryParams()["id"]}
	if raw := c.QueryParam("before"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "before must be RFC3339")
		}
		f.Before = t
	}
	n, err := a.queue.Purge(c.Request().Context(), c.Param("queue"), f)
	if err != nil {
		return jobError(err)
	}
	return c.JSON(http.StatusOK, map[string]int{"purged": n})
}

func jobError(err error) error {
	switch {
	case errors.Is(err, broker.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "job not found")
	case errors.Is(err, queue.ErrUnknownDefinition):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, broker.ErrDisconnected):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

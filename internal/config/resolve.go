package config

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Connect-failure policies for broker.on_connect_failure.
const (
	OnFailureTerminate = "terminate"
	OnFailureFailover  = "failover"
)

// Settings is the validated, typed form of Config with defaults applied.
type Settings struct {
	InstanceID string

	Broker  BrokerSettings
	Gateway GatewaySettings
	Queue   QueueSettings

	DedupWindow int
	HTTPAddr    string
	AdminToken  string
}

type BrokerSettings struct {
	URL              string
	FailoverURL      string
	OnConnectFailure string
	KeyPrefix        string
	StartupRetries   int
	HealthInterval   time.Duration
}

type GatewaySettings struct {
	HeartbeatInterval time.Duration
	MissedHeartbeats  int
	SendBuffer        int
	EmitRatePerSec    float64
	EmitBurst         int
	MaxRooms          int
}

type QueueSettings struct {
	MaxAttempts         int
	BackoffBase         time.Duration
	BackoffMax          time.Duration
	BackoffJitter       float64
	LeaseTimeout        time.Duration
	HandlerTimeout      time.Duration
	LongPoll            time.Duration
	DeadLetterPurge     string
	DeadLetterRetention time.Duration
	Handlers            map[string]HandlerSettings
}

// HandlerSettings is a lane override. Zero fields inherit the queue policy.
type HandlerSettings struct {
	Concurrency    int
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	HandlerTimeout time.Duration
}

// Handler returns the override for queue/handler, if any.
func (q QueueSettings) Handler(queue, handler string) (HandlerSettings, bool) {
	h, ok := q.Handlers[queue+"/"+handler]
	return h, ok
}

// Resolve applies defaults and validates cfg. All problems are reported at once.
func Resolve(cfg *Config) (Settings, error) {
	if cfg == nil {
		return Settings{}, errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string, def time.Duration) time.Duration {
		d, err := ParseDurationOrDefault(path, raw, def)
		add(err)
		return d
	}

	s := Settings{
		InstanceID:  strings.TrimSpace(cfg.Instance.ID),
		DedupWindow: intOr(cfg.PubSub.DedupWindow, 1024),
		HTTPAddr:    strOr(cfg.HTTP.Addr, ":8080"),
		AdminToken:  strings.TrimSpace(cfg.Admin.Token),
	}

	b := cfg.Broker
	s.Broker = BrokerSettings{
		URL:              strOr(b.URL, "memory://local"),
		FailoverURL:      strings.TrimSpace(b.FailoverURL),
		OnConnectFailure: strings.ToLower(strOr(b.OnConnectFailure, OnFailureTerminate)),
		KeyPrefix:        strOr(b.KeyPrefix, "chatty:"),
		StartupRetries:   intOr(b.StartupRetries, 5),
		HealthInterval:   dur("broker.health_interval", b.HealthInterval, 5*time.Second),
	}
	add(checkBrokerURL("broker.url", s.Broker.URL))
	switch s.Broker.OnConnectFailure {
	case OnFailureTerminate:
	case OnFailureFailover:
		if s.Broker.FailoverURL == "" {
			add(errors.New("broker.failover_url: required when on_connect_failure is failover"))
		} else {
			add(checkBrokerURL("broker.failover_url", s.Broker.FailoverURL))
		}
	default:
		add(fmt.Errorf("broker.on_connect_failure: unknown policy %q", b.OnConnectFailure))
	}
	if b.StartupRetries < 0 {
		add(errors.New("broker.startup_retries: must be >= 0"))
	}

	g := cfg.Gateway
	s.Gateway = GatewaySettings{
		HeartbeatInterval: dur("gateway.heartbeat_interval", g.HeartbeatInterval, 25*time.Second),
		MissedHeartbeats:  intOr(g.MissedHeartbeats, 2),
		SendBuffer:        intOr(g.SendBuffer, 256),
		EmitRatePerSec:    g.EmitRatePerSec,
		EmitBurst:         intOr(g.EmitBurst, 40),
		MaxRooms:          intOr(g.MaxRooms, 64),
	}
	if s.Gateway.EmitRatePerSec <= 0 {
		s.Gateway.EmitRatePerSec = 20
	}

	q := cfg.Queue
	s.Queue = QueueSettings{
		MaxAttempts:         intOr(q.MaxAttempts, 3),
		BackoffBase:         dur("queue.backoff_base", q.BackoffBase, time.Second),
		BackoffMax:          dur("queue.backoff_max", q.BackoffMax, 5*time.Minute),
		BackoffJitter:       q.BackoffJitter,
		LeaseTimeout:        dur("queue.lease_timeout", q.LeaseTimeout, 60*time.Second),
		HandlerTimeout:      dur("queue.handler_timeout", q.HandlerTimeout, 30*time.Second),
		LongPoll:            dur("queue.long_poll", q.LongPoll, 5*time.Second),
		DeadLetterPurge:     strings.TrimSpace(q.DeadLetterPurge),
		DeadLetterRetention: dur("queue.dead_letter_retention", q.DeadLetterRetention, 7*24*time.Hour),
		Handlers:            map[string]HandlerSettings{},
	}
	if q.BackoffJitter == 0 {
		s.Queue.BackoffJitter = 0.2
	}
	if s.Queue.BackoffJitter < 0 || s.Queue.BackoffJitter > 0.5 {
		add(fmt.Errorf("queue.backoff_jitter: must be within [0, 0.5], got %v", q.BackoffJitter))
	}
	if s.Queue.BackoffMax < s.Queue.BackoffBase {
		add(errors.New("queue.backoff_max: must be >= backoff_base"))
	}
	if s.Queue.HandlerTimeout >= s.Queue.LeaseTimeout {
		add(errors.New("queue.handler_timeout: must be shorter than lease_timeout"))
	}
	if s.Queue.DeadLetterPurge != "" {
		if _, err := cron.ParseStandard(s.Queue.DeadLetterPurge); err != nil {
			add(fmt.Errorf("queue.dead_letter_purge: %w", err))
		}
	}

	keys := make([]string, 0, len(q.Handlers))
	for k := range q.Handlers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h := q.Handlers[k]
		path := "queue.handlers." + k
		if qn, hn, ok := strings.Cut(k, "/"); !ok || strings.TrimSpace(qn) == "" || strings.TrimSpace(hn) == "" {
			add(fmt.Errorf("%s: key must be <queue>/<handler>", path))
			continue
		}
		hs := HandlerSettings{
			Concurrency:    h.Concurrency,
			MaxAttempts:    h.MaxAttempts,
			BackoffBase:    dur(path+".backoff_base", h.BackoffBase, 0),
			BackoffMax:     dur(path+".backoff_max", h.BackoffMax, 0),
			HandlerTimeout: dur(path+".handler_timeout", h.HandlerTimeout, 0),
		}
		if h.Concurrency < 0 || h.MaxAttempts < 0 {
			add(fmt.Errorf("%s: concurrency and max_attempts must be >= 0", path))
		}
		if hs.HandlerTimeout >= s.Queue.LeaseTimeout {
			add(fmt.Errorf("%s.handler_timeout: must be shorter than queue.lease_timeout", path))
		}
		s.Queue.Handlers[k] = hs
	}

	if cfg.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
		case "", "none", "file", "sqlite":
		default:
			add(fmt.Errorf("storage.driver: unsupported %q", cfg.Storage.Driver))
		}
		_, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
		add(err)
	}

	if len(errs) > 0 {
		return Settings{}, errors.Join(errs...)
	}
	return s, nil
}

func checkBrokerURL(path, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "memory", "redis", "rediss", "postgres", "postgresql":
		return nil
	default:
		return fmt.Errorf("%s: unsupported scheme %q", path, u.Scheme)
	}
}

func intOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func strOr(v, def string) string {
	if s := strings.TrimSpace(v); s != "" {
		return s
	}
	return def
}

// ParseDurationField parses a Go duration string. Empty means zero; negative
// values are rejected. path names the field in error messages.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted for zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

package config

import (
	"bytes"
	"encoding/json"
)

type Config struct {
	Instance InstanceConfig `json:"instance"`
	Logging  LoggingConfig  `json:"logging"`
	Broker   BrokerConfig   `json:"broker"`
	Gateway  GatewayConfig  `json:"gateway"`
	PubSub   PubSubConfig   `json:"pubsub"`
	Queue    QueueConfig    `json:"queue"`
	HTTP     HTTPConfig     `json:"http"`
	Admin    AdminConfig    `json:"admin"`
	Storage  *StorageConfig `json:"storage,omitempty"`
}

// InstanceConfig identifies this process within the fleet.
// An empty ID is replaced by a random UUID at startup.
type InstanceConfig struct {
	ID string `json:"id,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// BrokerConfig selects the shared message broker.
//
// Example:
//
//	"broker": { "url": "redis://127.0.0.1:6379/0", "on_connect_failure": "failover",
//	            "failover_url": "memory://local" }
//
// Defaults (when fields are omitted/zero):
//   - url: "memory://local"
//   - on_connect_failure: "terminate"
//   - key_prefix: "chatty:"
//   - startup_retries: 5
//   - health_interval: "5s"
type BrokerConfig struct {
	URL              string `json:"url"`
	FailoverURL      string `json:"failover_url,omitempty"`
	OnConnectFailure string `json:"on_connect_failure,omitempty"`
	KeyPrefix        string `json:"key_prefix,omitempty"`
	StartupRetries   int    `json:"startup_retries,omitempty"`
	HealthInterval   string `json:"health_interval,omitempty"`
}

// GatewayConfig controls connection liveness and per-connection limits.
//
// Defaults:
//   - heartbeat_interval: "25s"
//   - missed_heartbeats: 2
//   - send_buffer: 256
//   - emit_rate_per_sec: 20, emit_burst: 40
//   - max_rooms: 64
type GatewayConfig struct {
	HeartbeatInterval string  `json:"heartbeat_interval,omitempty"`
	MissedHeartbeats  int     `json:"missed_heartbeats,omitempty"`
	SendBuffer        int     `json:"send_buffer,omitempty"`
	EmitRatePerSec    float64 `json:"emit_rate_per_sec,omitempty"`
	EmitBurst         int     `json:"emit_burst,omitempty"`
	MaxRooms          int     `json:"max_rooms,omitempty"`
}

type PubSubConfig struct {
	// DedupWindow is how many recent sequence numbers are remembered per origin.
	DedupWindow int `json:"dedup_window,omitempty"`
}

// QueueConfig holds queue-wide retry and lease policy.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults:
//   - max_attempts: 3
//   - backoff_base: "1s", backoff_max: "5m", backoff_jitter: 0.2
//   - lease_timeout: "60s", handler_timeout: "30s"
//   - long_poll: "5s"
//   - dead_letter_purge: "" (disabled), dead_letter_retention: "168h"
type QueueConfig struct {
	MaxAttempts         int                      `json:"max_attempts,omitempty"`
	BackoffBase         string                   `json:"backoff_base,omitempty"`
	BackoffMax          string                   `json:"backoff_max,omitempty"`
	BackoffJitter       float64                  `json:"backoff_jitter,omitempty"`
	LeaseTimeout        string                   `json:"lease_timeout,omitempty"`
	HandlerTimeout      string                   `json:"handler_timeout,omitempty"`
	LongPoll            string                   `json:"long_poll,omitempty"`
	DeadLetterPurge     string                   `json:"dead_letter_purge,omitempty"`
	DeadLetterRetention string                   `json:"dead_letter_retention,omitempty"`
	Handlers            map[string]HandlerConfig `json:"handlers,omitempty"`
}

// HandlerConfig overrides the queue policy for one "<queue>/<handler>" lane.
type HandlerConfig struct {
	Concurrency    int    `json:"concurrency,omitempty"`
	MaxAttempts    int    `json:"max_attempts,omitempty"`
	BackoffBase    string `json:"backoff_base,omitempty"`
	BackoffMax     string `json:"backoff_max,omitempty"`
	HandlerTimeout string `json:"handler_timeout,omitempty"`
}

// UnmarshalJSON disallows unknown fields so typos inside handler overrides are
// caught on reload.
func (h *HandlerConfig) UnmarshalJSON(b []byte) error {
	type plain HandlerConfig
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t plain
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*h = HandlerConfig(t)
	return nil
}

type HTTPConfig struct {
	Addr string `json:"addr,omitempty"` // default ":8080"
}

type AdminConfig struct {
	Token string `json:"token,omitempty"` // bearer token for /admin routes (do not log)
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./chatty.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

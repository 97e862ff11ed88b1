package config

import (
	"hash/fnv"
	"reflect"
	"sort"
	"strings"

	logx "chatty/pkg/logx"
)

// hotSections are applied without a restart.
var hotSections = map[string]bool{"logging": true}

// SummarizeConfigChange returns (1) the sorted list of changed sections,
// (2) safe structured attrs for logging (never the admin token or broker
// credentials), and (3) the subset of changed sections that need a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Instance != newCfg.Instance {
		changed = append(changed, "instance")
		attrs = append(attrs, logx.String("instance.id", newCfg.Instance.ID))
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Broker != newCfg.Broker {
		changed = append(changed, "broker")
		attrs = append(attrs,
			logx.String("broker.url", redactURL(newCfg.Broker.URL)),
			logx.String("broker.on_connect_failure", newCfg.Broker.OnConnectFailure),
			logx.Int("broker.startup_retries", newCfg.Broker.StartupRetries),
		)
	}

	if oldCfg.Gateway != newCfg.Gateway {
		changed = append(changed, "gateway")
		attrs = append(attrs,
			logx.String("gateway.heartbeat_interval", newCfg.Gateway.HeartbeatInterval),
			logx.Int("gateway.missed_heartbeats", newCfg.Gateway.MissedHeartbeats),
		)
	}

	if oldCfg.PubSub != newCfg.PubSub {
		changed = append(changed, "pubsub")
		attrs = append(attrs, logx.Int("pubsub.dedup_window", newCfg.PubSub.DedupWindow))
	}

	if !reflect.DeepEqual(oldCfg.Queue, newCfg.Queue) {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.Int("queue.max_attempts", newCfg.Queue.MaxAttempts),
			logx.String("queue.lease_timeout", newCfg.Queue.LeaseTimeout),
			logx.Int("queue.handler_overrides", len(newCfg.Queue.Handlers)),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs, logx.String("http.addr", newCfg.HTTP.Addr))
	}

	if oldCfg.Admin != newCfg.Admin {
		changed = append(changed, "admin")
		attrs = append(attrs, logx.Bool("admin.token_set", strings.TrimSpace(newCfg.Admin.Token) != ""))
	}

	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nS.Driver),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	sort.Strings(changed)
	restart := make([]string, 0, len(changed))
	for _, s := range changed {
		if !hotSections[s] {
			restart = append(restart, s)
		}
	}
	return changed, attrs, restart
}

// redactURL drops userinfo (passwords) from a broker URL.
func redactURL(raw string) string {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return raw
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		rest = "***@" + rest[at+1:]
	}
	return scheme + "://" + rest
}

func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

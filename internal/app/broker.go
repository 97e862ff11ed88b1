package app

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"chatty/internal/broker"
	"chatty/internal/config"
	logx "chatty/pkg/logx"
)

// Test seams.
var (
	openBroker   = broker.Open
	startupDelay = broker.ReconnectDelay
)

// connectBroker dials the primary broker within the startup retry budget and
// then applies the on_connect_failure policy.
func connectBroker(ctx context.Context, bs config.BrokerSettings, opts broker.Options, log logx.Logger) (broker.Client, error) {
	c, err := dialWithBudget(ctx, bs.URL, bs.StartupRetries, opts, log)
	if err == nil {
		return c, nil
	}
	if ctx.Err() != nil || bs.OnConnectFailure != config.OnFailureFailover {
		return nil, fmt.Errorf("broker %s unreachable: %w", redact(bs.URL), err)
	}

	log.Warn("primary broker unreachable; failing over",
		logx.String("primary", redact(bs.URL)), logx.String("failover", redact(bs.FailoverURL)), logx.Err(err))
	c, ferr := dialWithBudget(ctx, bs.FailoverURL, bs.StartupRetries, opts, log)
	if ferr != nil {
		return nil, fmt.Errorf("broker: primary and failover unreachable: %w",
			errors.Join(err, ferr))
	}
	if c.Backend() == "memory" {
		log.Warn("failover broker is in-process; this instance is isolated from the fleet and jobs are not durable",
			logx.String("failover", redact(bs.FailoverURL)))
	}
	return c, nil
}

func dialWithBudget(ctx context.Context, rawURL string, retries int, opts broker.Options, log logx.Logger) (broker.Client, error) {
	var last error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			wait := startupDelay(attempt - 1)
			log.Warn("broker connect failed; retrying",
				logx.String("url", redact(rawURL)), logx.Int("attempt", attempt), logx.Int("budget", retries),
				logx.Duration("in", wait), logx.Err(last))
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
		}
		c, err := openBroker(ctx, rawURL, opts)
		if err == nil {
			log.Info("broker connected", logx.String("url", redact(rawURL)), logx.String("backend", c.Backend()))
			return c, nil
		}
		last = err
	}
	return nil, last
}

func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid>"
	}
	return u.Redacted()
}

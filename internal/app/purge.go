package app

import (
	"context"
	"fmt"
	"time"

	logx "chatty/pkg/logx"

	"github.com/robfig/cron/v3"
)

// cronLogger routes cron's own logging through logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) { l.log.Debug(msg, logx.Any("kv", kv)) }

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Warn(msg, logx.Err(err), logx.Any("kv", kv))
}

// startPurge schedules the dead-letter purge when queue.dead_letter_purge
// is set.
func (a *App) startPurge() error {
	spec := a.set.Queue.DeadLetterPurge
	if spec == "" {
		return nil
	}
	cl := cronLogger{log: a.root.With(logx.String("comp", "purge"))}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	if _, err := c.AddFunc(spec, func() { a.purgeDeadLetters(a.sup.Context()) }); err != nil {
		return fmt.Errorf("queue.dead_letter_purge: %w", err)
	}
	c.Start()
	a.cron = c
	a.log.Info("dead-letter purge scheduled", logx.String("spec", spec),
		logx.Duration("retention", a.set.Queue.DeadLetterRetention))
	return nil
}

func (a *App) purgeDeadLetters(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	n, err := a.queue.PurgeOlderThan(ctx, a.set.Queue.DeadLetterRetention)
	if err != nil {
		a.log.Warn("dead-letter purge failed", logx.Err(err))
		return n
	}
	a.log.Debug("dead-letter purge finished", logx.Int("count", n))
	return n
}

package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"chatty/internal/broker"
	logx "chatty/pkg/logx"
)

// Store is the persistence API used by the app and the sample handlers.
type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	// RecordJob appends an audit entry for a job transition.
	RecordJob(ctx context.Context, event string, job *broker.Job) error
	// CreateAuthUser stores u with its username and email normalized.
	CreateAuthUser(ctx context.Context, u AuthUser) error
	// FindAuthUser returns the user matching username or email after
	// normalization.
	FindAuthUser(ctx context.Context, username, email string) (AuthUser, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func jobEntry(event string, job *broker.Job) AuditEntry {
	return AuditEntry{
		At:       time.Now(),
		Action:   "job." + event,
		JobID:    job.ID,
		Queue:    job.Queue,
		Handler:  job.Handler,
		Attempts: job.Attempts,
		Error:    job.LastError,
	}
}

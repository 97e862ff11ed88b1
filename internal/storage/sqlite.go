package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"chatty/internal/broker"
	logx "chatty/pkg/logx"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store open", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, action, job_id, queue, handler, attempts, err, meta)
		 VALUES(?,?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.Action, nullStr(e.JobID), nullStr(e.Queue), nullStr(e.Handler),
		e.Attempts, nullStr(e.Error), nullStr(e.MetaJSON),
	)
	return err
}

func (s *sqliteStore) RecordJob(ctx context.Context, event string, job *broker.Job) error {
	return s.AppendAudit(ctx, jobEntry(event, job))
}

func (s *sqliteStore) CreateAuthUser(ctx context.Context, u AuthUser) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	u = u.normalized()
	if u.Username == "" || u.Email == "" {
		return errors.New("storage: username and email are required")
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO auth_users(id, uid, username, email, password_hash, avatar_color, created_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT DO NOTHING`,
		u.ID, nullStr(u.UID), u.Username, u.Email, nullStr(u.PasswordHash), nullStr(u.AvatarColor),
		u.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrUserExists, u.Username)
	}
	return nil
}

func (s *sqliteStore) FindAuthUser(ctx context.Context, username, email string) (AuthUser, error) {
	if s == nil || s.db == nil {
		return AuthUser{}, ErrDisabled
	}
	var (
		u                        AuthUser
		uid, hash, color, create sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, uid, username, email, password_hash, avatar_color, created_at
		 FROM auth_users WHERE username = ? OR email = ? LIMIT 1`,
		NormalizeUsername(username), NormalizeEmail(email),
	).Scan(&u.ID, &uid, &u.Username, &u.Email, &hash, &color, &create)
	if errors.Is(err, sql.ErrNoRows) {
		return AuthUser{}, ErrNotFound
	}
	if err != nil {
		return AuthUser{}, err
	}
	u.UID, u.PasswordHash, u.AvatarColor = uid.String, hash.String, color.String
	u.CreatedAt, _ = time.Parse(time.RFC3339Nano, create.String)
	return u, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

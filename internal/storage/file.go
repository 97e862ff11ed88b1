package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"chatty/internal/broker"
	logx "chatty/pkg/logx"

	"github.com/google/uuid"
)

// fileStore keeps everything in JSON Lines files:
//   - <prefix>.audit.jsonl (append-only)
//   - <prefix>.users.jsonl (append-only, replayed into memory on open)
type fileStore struct {
	log logx.Logger

	mu        sync.Mutex
	auditFile *os.File
	usersFile *os.File

	byUsername map[string]AuthUser
	byEmail    map[string]AuthUser
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{log: log, byUsername: map[string]AuthUser{}, byEmail: map[string]AuthUser{}}
	usersPath := prefix + ".users.jsonl"
	if err := s.replayUsers(usersPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("replay users: %w", err)
	}

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	uf, err := os.OpenFile(usersPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}
	s.auditFile, s.usersFile = af, uf
	log.Debug("file store open", logx.String("prefix", prefix), logx.Int("users", len(s.byUsername)))
	return s, nil
}

func (s *fileStore) replayUsers(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var u AuthUser
		if err := json.Unmarshal(sc.Bytes(), &u); err != nil || u.Username == "" {
			// a torn last line after a crash
			continue
		}
		s.byUsername[u.Username] = u
		s.byEmail[u.Email] = u
	}
	return sc.Err()
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.auditFile != nil {
		errs = append(errs, s.auditFile.Close())
		s.auditFile = nil
	}
	if s.usersFile != nil {
		errs = append(errs, s.usersFile.Close())
		s.usersFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) RecordJob(ctx context.Context, event string, job *broker.Job) error {
	return s.AppendAudit(ctx, jobEntry(event, job))
}

func (s *fileStore) CreateAuthUser(_ context.Context, u AuthUser) error {
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

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.usersFile == nil {
		return errors.New("users file closed")
	}
	_, taken := s.byUsername[u.Username]
	if _, ok := s.byEmail[u.Email]; ok || taken {
		return fmt.Errorf("%w: %s", ErrUserExists, u.Username)
	}
	if err := json.NewEncoder(s.usersFile).Encode(u); err != nil {
		return err
	}
	s.byUsername[u.Username] = u
	s.byEmail[u.Email] = u
	return nil
}

func (s *fileStore) FindAuthUser(_ context.Context, username, email string) (AuthUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.byUsername[NormalizeUsername(username)]; ok {
		return u, nil
	}
	if u, ok := s.byEmail[NormalizeEmail(email)]; ok {
		return u, nil
	}
	return AuthUser{}, ErrNotFound
}

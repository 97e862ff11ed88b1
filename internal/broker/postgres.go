package broker

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	logx "chatty/pkg/logx"

	"github.com/lib/pq"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS chatty_jobs (
	id             TEXT PRIMARY KEY,
	queue          TEXT NOT NULL,
	handler        TEXT NOT NULL,
	payload        BYTEA,
	attempts       INTEGER NOT NULL DEFAULT 0,
	max_attempts   INTEGER NOT NULL DEFAULT 1,
	next_run_at    TIMESTAMPTZ NOT NULL,
	status         TEXT NOT NULL,
	lease_token    TEXT NOT NULL DEFAULT '',
	lease_deadline TIMESTAMPTZ,
	last_error     TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS chatty_jobs_lane_idx ON chatty_jobs (queue, handler, status, next_run_at);
CREATE INDEX IF NOT EXISTS chatty_jobs_dead_idx ON chatty_jobs (queue, status, updated_at);
`

const pgJobColumns = `id, queue, handler, payload, attempts, max_attempts, next_run_at, status,
	lease_token, lease_deadline, last_error, created_at, updated_at`

// pgMaxChannel is NAMEDATALEN-1; longer LISTEN identifiers are truncated by
// the server, so they are hashed instead.
const pgMaxChannel = 63

// Postgres is a Client backed by one table and LISTEN/NOTIFY.
type Postgres struct {
	db       *sql.DB
	listener *pq.Listener
	opts     Options
	log      logx.Logger
	health   *health
	closed   atomic.Bool

	listenMu sync.Mutex // serializes Listen/Unlisten
	mu       sync.Mutex // guards subs; taken by dispatch
	subs     map[string]map[*pgSub]struct{}
	stop     chan struct{}
}

var _ Client = (*Postgres)(nil)

// OpenPostgres connects with a postgres:// DSN, creates the jobs table if
// needed and starts the notification listener.
func OpenPostgres(ctx context.Context, dsn string, opts Options) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("broker: postgres open: %w", err)
	}
	p, err := NewPostgres(ctx, db, opts)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	p.startListener(dsn)
	return p, nil
}

// NewPostgres wraps db without a listener: Publish still notifies, but
// Subscribe and Ready only work after OpenPostgres.
func NewPostgres(ctx context.Context, db *sql.DB, opts Options) (*Postgres, error) {
	opts = opts.withDefaults()
	p := &Postgres{
		db:   db,
		opts: opts,
		subs: map[string]map[*pgSub]struct{}{},
		stop: make(chan struct{}),
	}
	p.health = newHealth("postgres", opts, p.Ping)
	p.log = p.health.log
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("broker: postgres ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, pgSchema); err != nil {
		return nil, fmt.Errorf("broker: postgres migrate: %w", err)
	}
	return p, nil
}

func (p *Postgres) startListener(dsn string) {
	p.listener = pq.NewListener(dsn, time.Second, 30*time.Second, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventDisconnected:
			p.log.Warn("postgres listener disconnected", logx.Err(err))
		case pq.ListenerEventReconnected:
			p.log.Info("postgres listener reconnected")
		case pq.ListenerEventConnectionAttemptFailed:
			p.log.Debug("postgres listener reconnect failed", logx.Err(err))
		}
	})
	go p.dispatch()
}

// dispatch fans notifications out to local subscriptions.
func (p *Postgres) dispatch() {
	for {
		select {
		case <-p.stop:
			return
		case n, ok := <-p.listener.Notify:
			if !ok {
				return
			}
			// nil is sent after a reconnect; there is nothing to replay.
			if n == nil {
				continue
			}
			data, err := base64.StdEncoding.DecodeString(n.Extra)
			if err != nil {
				p.log.Debug("postgres notification not base64", logx.String("channel", n.Channel))
				continue
			}
			p.mu.Lock()
			for s := range p.subs[n.Channel] {
				select {
				case s.ch <- append([]byte(nil), data...):
				default:
				}
			}
			p.mu.Unlock()
		}
	}
}

func (p *Postgres) Backend() string { return "postgres" }

func (p *Postgres) Ping(ctx context.Context) error {
	if p.closed.Load() {
		return ErrClosed
	}
	return p.db.PingContext(ctx)
}

func (p *Postgres) Connected() bool { return !p.closed.Load() && p.health.connected.Load() }

func (p *Postgres) Monitor(ctx context.Context) error { return p.health.monitor(ctx) }

func (p *Postgres) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	close(p.stop)
	p.mu.Lock()
	for _, set := range p.subs {
		for s := range set {
			s.closeLocked()
		}
	}
	p.subs = map[string]map[*pgSub]struct{}{}
	p.mu.Unlock()
	var errs []error
	if p.listener != nil {
		errs = append(errs, p.listener.Close())
	}
	errs = append(errs, p.db.Close())
	return errors.Join(errs...)
}

func (p *Postgres) check() error {
	if p.closed.Load() {
		return ErrClosed
	}
	if !p.health.connected.Load() {
		return ErrDisconnected
	}
	return nil
}

// transport marks the client down on connection-level failures.
func (p *Postgres) transport(err error) error {
	if err == nil || errors.Is(err, sql.ErrNoRows) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return err
	}
	p.health.down(err)
	return fmt.Errorf("%w: %v", ErrDisconnected, err)
}

// pgChannel maps a logical channel to a valid LISTEN identifier.
func pgChannel(name string) string {
	if len(name) <= pgMaxChannel {
		return name
	}
	sum := sha1.Sum([]byte(name))
	return "chatty_" + hex.EncodeToString(sum[:])
}

func (p *Postgres) Publish(ctx context.Context, channel string, data []byte) error {
	if err := p.check(); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, pgChannel(channel), base64.StdEncoding.EncodeToString(data))
	return p.transport(err)
}

type pgSub struct {
	owner   *Postgres
	channel string
	ch      chan []byte
	closed  bool
}

func (s *pgSub) C() <-chan []byte { return s.ch }

func (s *pgSub) Close() error {
	p := s.owner
	p.listenMu.Lock()
	defer p.listenMu.Unlock()

	p.mu.Lock()
	if s.closed {
		p.mu.Unlock()
		return nil
	}
	s.closeLocked()
	set := p.subs[s.channel]
	delete(set, s)
	last := len(set) == 0
	if last {
		delete(p.subs, s.channel)
	}
	p.mu.Unlock()

	if last && p.listener != nil && !p.closed.Load() {
		if err := p.listener.Unlisten(s.channel); err != nil && !errors.Is(err, pq.ErrChannelNotOpen) {
			return err
		}
	}
	return nil
}

func (s *pgSub) closeLocked() {
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (p *Postgres) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	if p.listener == nil {
		return nil, errors.New("broker: postgres client has no listener")
	}
	name := pgChannel(channel)
	s := &pgSub{owner: p, channel: name, ch: make(chan []byte, memSubBuffer)}

	// Listen round-trips through the listener goroutine, which may be
	// waiting on dispatch; p.mu must not be held across it.
	p.listenMu.Lock()
	defer p.listenMu.Unlock()
	p.mu.Lock()
	_, listening := p.subs[name]
	p.mu.Unlock()
	if !listening {
		if err := p.listener.Listen(name); err != nil && !errors.Is(err, pq.ErrChannelAlreadyOpen) {
			return nil, p.transport(err)
		}
	}

	p.mu.Lock()
	set := p.subs[name]
	if set == nil {
		set = map[*pgSub]struct{}{}
		p.subs[name] = set
	}
	set[s] = struct{}{}
	p.mu.Unlock()
	return s, nil
}

func (p *Postgres) readyChannel(queue, handler string) string {
	return p.opts.KeyPrefix + "ready:" + laneKey(queue, handler)
}

func (p *Postgres) Ready(ctx context.Context, queue, handler string) (Subscription, error) {
	return p.Subscribe(ctx, p.readyChannel(queue, handler))
}

func (p *Postgres) signalReady(ctx context.Context, queue, handler string) {
	if err := p.Publish(ctx, p.readyChannel(queue, handler), nil); err != nil {
		p.log.Debug("ready signal failed", logx.String("queue", queue), logx.String("handler", handler), logx.Err(err))
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j        Job
		status   string
		deadline sql.NullTime
	)
	err := row.Scan(&j.ID, &j.Queue, &j.Handler, &j.Payload, &j.Attempts, &j.MaxAttempts, &j.NextRunAt,
		&status, &j.LeaseToken, &deadline, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.Status = Status(status)
	if deadline.Valid {
		j.LeaseDeadline = deadline.Time
	}
	return &j, nil
}

func (p *Postgres) queryJobs(ctx context.Context, query string, args ...any) ([]*Job, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, p.transport(err)
	}
	defer rows.Close()
	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (p *Postgres) Enqueue(ctx context.Context, job *Job) (string, error) {
	if err := p.check(); err != nil {
		return "", err
	}
	if job == nil || job.Queue == "" || job.Handler == "" {
		return "", errors.New("broker: enqueue: queue and handler are required")
	}
	now := p.opts.Now()
	id := job.ID
	if id == "" {
		id = newID()
	}
	next := job.NextRunAt
	if next.IsZero() {
		next = now
	}
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO chatty_jobs (id, queue, handler, payload, attempts, max_attempts, next_run_at, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $7, $8, $8)
		ON CONFLICT (id) DO NOTHING`,
		id, job.Queue, job.Handler, job.Payload, max(job.MaxAttempts, 1), next, string(StatusQueued), now,
	)
	if err != nil {
		return "", p.transport(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return id, ErrDuplicateJob
	}
	p.signalReady(ctx, job.Queue, job.Handler)
	return id, nil
}

func (p *Postgres) Reserve(ctx context.Context, queue, handler string, lease time.Duration) (*Job, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	now := p.opts.Now()
	row := p.db.QueryRowContext(ctx, `
		UPDATE chatty_jobs
		SET status = 'active', attempts = attempts + 1, lease_token = $4, lease_deadline = $5, updated_at = $3
		WHERE id = (
			SELECT id FROM chatty_jobs
			WHERE queue = $1 AND handler = $2 AND status IN ('queued', 'failed-retryable') AND next_run_at <= $3
			ORDER BY next_run_at, created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+pgJobColumns,
		queue, handler, now, newToken(), now.Add(lease),
	)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoJob
	}
	if err != nil {
		return nil, p.transport(err)
	}
	return j, nil
}

// leaseMiss tells ErrNotFound from ErrLeaseLost after a fenced update hit no rows.
func (p *Postgres) leaseMiss(ctx context.Context, id string) error {
	var one int
	err := p.db.QueryRowContext(ctx, `SELECT 1 FROM chatty_jobs WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return p.transport(err)
	}
	return ErrLeaseLost
}

func (p *Postgres) Ack(ctx context.Context, id, token string) error {
	if err := p.check(); err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE chatty_jobs
		SET status = 'completed', lease_token = '', lease_deadline = NULL, updated_at = $3
		WHERE id = $1 AND lease_token = $2 AND status = 'active'`,
		id, token, p.opts.Now(),
	)
	if err != nil {
		return p.transport(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return p.leaseMiss(ctx, id)
	}
	return nil
}

func (p *Postgres) release(ctx context.Context, id, token string, retryAfter time.Duration, reason string, bury bool) (Status, error) {
	if err := p.check(); err != nil {
		return "", err
	}
	now := p.opts.Now()
	var (
		status         string
		queue, handler string
	)
	err := p.db.QueryRowContext(ctx, `
		UPDATE chatty_jobs
		SET status = CASE WHEN $5 OR attempts >= max_attempts THEN 'dead-letter' ELSE 'failed-retryable' END,
		    next_run_at = CASE WHEN $5 OR attempts >= max_attempts THEN next_run_at ELSE $4 END,
		    lease_token = '', lease_deadline = NULL, last_error = $6, updated_at = $3
		WHERE id = $1 AND lease_token = $2 AND status = 'active'
		RETURNING status, queue, handler`,
		id, token, now, now.Add(max(retryAfter, 0)), bury, reason,
	).Scan(&status, &queue, &handler)
	if errors.Is(err, sql.ErrNoRows) {
		return "", p.leaseMiss(ctx, id)
	}
	if err != nil {
		return "", p.transport(err)
	}
	st := Status(status)
	if st == StatusFailedRetryable {
		p.signalReady(ctx, queue, handler)
	}
	return st, nil
}

func (p *Postgres) Nack(ctx context.Context, id, token string, retryAfter time.Duration, reason string) (Status, error) {
	return p.release(ctx, id, token, retryAfter, reason, false)
}

func (p *Postgres) Reclaim(ctx context.Context, id, token string, retryAfter time.Duration, reason string) (Status, error) {
	return p.release(ctx, id, token, retryAfter, reason, false)
}

func (p *Postgres) Bury(ctx context.Context, id, token, reason string) error {
	_, err := p.release(ctx, id, token, 0, reason, true)
	return err
}

func (p *Postgres) Expired(ctx context.Context, queue, handler string, now time.Time, limit int) ([]*Job, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	return p.queryJobs(ctx, `
		SELECT `+pgJobColumns+` FROM chatty_jobs
		WHERE queue = $1 AND handler = $2 AND status = 'active' AND lease_deadline < $3
		ORDER BY lease_deadline LIMIT $4`,
		queue, handler, now, limit,
	)
}

func (p *Postgres) Get(ctx context.Context, id string) (*Job, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	j, err := scanJob(p.db.QueryRowContext(ctx, `SELECT `+pgJobColumns+` FROM chatty_jobs WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, p.transport(err)
	}
	return j, nil
}

func (p *Postgres) Dead(ctx context.Context, queue string, limit int) ([]*Job, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	var lim any
	if limit > 0 {
		lim = limit
	}
	return p.queryJobs(ctx, `
		SELECT `+pgJobColumns+` FROM chatty_jobs
		WHERE queue = $1 AND status = 'dead-letter'
		ORDER BY updated_at LIMIT $2`,
		queue, lim,
	)
}

func (p *Postgres) Purge(ctx context.Context, queue string, f PurgeFilter) (int, error) {
	if err := p.check(); err != nil {
		return 0, err
	}
	var before any
	if !f.Before.IsZero() {
		before = f.Before
	}
	var ids any
	if len(f.IDs) > 0 {
		ids = pq.Array(f.IDs)
	}
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM chatty_jobs
		WHERE queue = $1 AND status = 'dead-letter'
		  AND ($2::timestamptz IS NULL OR updated_at < $2)
		  AND ($3::text[] IS NULL OR id = ANY($3))`,
		queue, before, ids,
	)
	if err != nil {
		return 0, p.transport(err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (p *Postgres) NextRunAt(ctx context.Context, queue, handler string) (time.Time, bool, error) {
	if err := p.check(); err != nil {
		return time.Time{}, false, err
	}
	var next sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT MIN(next_run_at) FROM chatty_jobs
		WHERE queue = $1 AND handler = $2 AND status IN ('queued', 'failed-retryable')`,
		queue, handler,
	).Scan(&next)
	if err != nil {
		return time.Time{}, false, p.transport(err)
	}
	return next.Time, next.Valid, nil
}

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"chatty/internal/broker"
	"chatty/internal/config"
	"chatty/internal/eventbus"
	"chatty/internal/gateway"
	"chatty/internal/queue"
	"chatty/internal/storage"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var hubSeq atomic.Int64

// testConfig points at a memory hub private to the test; pass the same
// broker URL to two apps to model two instances.
func testConfig(t *testing.T, brokerURL string) *config.Config {
	t.Helper()
	return &config.Config{
		Logging: config.LoggingConfig{Level: "error", Console: true},
		Broker:  config.BrokerConfig{URL: brokerURL, StartupRetries: 1},
		Gateway: config.GatewayConfig{HeartbeatInterval: "1s"},
		Queue: config.QueueConfig{
			BackoffBase:    "10ms",
			BackoffMax:     "50ms",
			LeaseTimeout:   "2s",
			HandlerTimeout: "500ms",
			LongPoll:       "50ms",
		},
		HTTP:    config.HTTPConfig{Addr: "127.0.0.1:0"},
		Admin:   config.AdminConfig{Token: "s3cret"},
		Storage: &config.StorageConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "chatty.db")},
	}
}

func memoryURL() string { return fmt.Sprintf("memory://app-test-%d", hubSeq.Add(1)) }

func startApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := build(context.Background(), nil, cfg)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopUnknown)
	})
	return a
}

func call(t *testing.T, a *App, method, path, token, body string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, "http://"+a.Addr()+path, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, b
}

func jobStatus(t *testing.T, a *App, id string) broker.Status {
	t.Helper()
	code, body := call(t, a, http.MethodGet, "/admin/jobs/"+id, "s3cret", "")
	require.Equal(t, http.StatusOK, code, string(body))
	var j broker.Job
	require.NoError(t, json.Unmarshal(body, &j))
	return j.Status
}

func enqueueUser(t *testing.T, a *App, body string) string {
	t.Helper()
	code, resp := call(t, a, http.MethodPost, "/users", "", body)
	require.Equal(t, http.StatusAccepted, code, string(resp))
	var out map[string]string
	require.NoError(t, json.Unmarshal(resp, &out))
	require.NotEmpty(t, out["job_id"])
	return out["job_id"]
}

func TestUserJobWritesStorage(t *testing.T) {
	a := startApp(t, testConfig(t, memoryURL()))

	id := enqueueUser(t, a, `{"uid":"u1","username":"aDA lovelace","email":"Ada@Example.com"}`)
	require.Eventually(t, func() bool { return jobStatus(t, a, id) == broker.StatusCompleted }, 3*time.Second, 20*time.Millisecond)

	u, err := a.store.FindAuthUser(context.Background(), "ada lovelace", "")
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", u.Username)
	assert.Equal(t, "ada@example.com", u.Email)

	// same email, different person: permanent failure, no retries
	dup := enqueueUser(t, a, `{"uid":"u2","username":"Grace","email":"ada@example.com"}`)
	require.Eventually(t, func() bool { return jobStatus(t, a, dup) == broker.StatusDeadLetter }, 3*time.Second, 20*time.Millisecond)

	code, body := call(t, a, http.MethodGet, "/admin/queues/user/dead", "s3cret", "")
	require.Equal(t, http.StatusOK, code)
	var dead []broker.Job
	require.NoError(t, json.Unmarshal(body, &dead))
	require.Len(t, dead, 1)
	assert.Equal(t, dup, dead[0].ID)
	assert.Equal(t, 1, dead[0].Attempts)
	assert.Contains(t, dead[0].LastError, "already taken")

	code, body = call(t, a, http.MethodDelete, "/admin/queues/user/dead?id="+dup, "s3cret", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"purged":1}`, string(body))

	code, _ = call(t, a, http.MethodGet, "/admin/jobs/"+dup, "s3cret", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestRetriedUserJobIsIdempotent(t *testing.T) {
	a := startApp(t, testConfig(t, memoryURL()))
	payload := []byte(`{"uid":"u1","username":"ada","email":"ada@example.com"}`)
	require.NoError(t, a.addUserToDB(context.Background(), &broker.Job{Payload: payload}))
	assert.NoError(t, a.addUserToDB(context.Background(), &broker.Job{Payload: payload}))

	err := a.addUserToDB(context.Background(), &broker.Job{Payload: []byte(`{"username":"x"}`)})
	assert.True(t, queue.IsNoRetry(err))
	err = a.addUserToDB(context.Background(), &broker.Job{Payload: []byte(`not json`)})
	assert.True(t, queue.IsNoRetry(err))
}

func TestUserJobWithoutStorageIsDeadLettered(t *testing.T) {
	cfg := testConfig(t, memoryURL())
	cfg.Storage = nil
	a := startApp(t, cfg)

	id := enqueueUser(t, a, `{"username":"ada","email":"ada@example.com"}`)
	require.Eventually(t, func() bool { return jobStatus(t, a, id) == broker.StatusDeadLetter }, 3*time.Second, 20*time.Millisecond)
}

func TestCreateUserRejectsBadPayload(t *testing.T) {
	a := startApp(t, testConfig(t, memoryURL()))
	code, _ := call(t, a, http.MethodPost, "/users", "", `{"username":"ada"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = call(t, a, http.MethodPost, "/users", "", `nope`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestAdminAuth(t *testing.T) {
	a := startApp(t, testConfig(t, memoryURL()))

	code, _ := call(t, a, http.MethodGet, "/admin/jobs/missing", "", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = call(t, a, http.MethodGet, "/admin/jobs/missing", "wrong", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = call(t, a, http.MethodGet, "/admin/jobs/missing", "s3cret", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = call(t, a, http.MethodGet, "/admin/queues/nope/dead", "s3cret", "")
	assert.Equal(t, http.StatusOK, code)
	code, _ = call(t, a, http.MethodGet, "/admin/queues/user/dead?limit=x", "s3cret", "")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = call(t, a, http.MethodDelete, "/admin/queues/user/dead?before=yesterday", "s3cret", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = call(t, a, http.MethodGet, "/admin/debug/pprof/goroutine?debug=1", "", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, body := call(t, a, http.MethodGet, "/admin/debug/pprof/goroutine?debug=1", "s3cret", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "goroutine")
}

func TestAdminOpenWithoutToken(t *testing.T) {
	cfg := testConfig(t, memoryURL())
	cfg.Admin.Token = ""
	a := startApp(t, cfg)
	code, _ := call(t, a, http.MethodGet, "/admin/queues/user/dead", "", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestHealthzFollowsBroker(t *testing.T) {
	a := startApp(t, testConfig(t, memoryURL()))

	code, body := call(t, a, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, code)
	var h Health
	require.NoError(t, json.Unmarshal(body, &h))
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "memory", h.Broker)
	assert.Equal(t, a.InstanceID(), h.Instance)

	a.broker.(*broker.Memory).SetOnline(false)
	code, _ = call(t, a, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestStatsCountsEvents(t *testing.T) {
	a := startApp(t, testConfig(t, memoryURL()))
	id := enqueueUser(t, a, `{"username":"ada","email":"ada@example.com"}`)
	require.Eventually(t, func() bool { return jobStatus(t, a, id) == broker.StatusCompleted }, 3*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool { return a.events.count(eventbus.JobCompleted) == 1 }, time.Second, 10*time.Millisecond)

	code, body := call(t, a, http.MethodGet, "/stats", "", "")
	require.Equal(t, http.StatusOK, code)
	var s Stats
	require.NoError(t, json.Unmarshal(body, &s))
	assert.Equal(t, a.InstanceID(), s.Instance)
	require.Len(t, s.Workers.Lanes, 1)
	assert.Equal(t, HandlerAddUser, s.Workers.Lanes[0].Handler)
	assert.Equal(t, 5, s.Workers.Lanes[0].Concurrency)
	assert.NotEmpty(t, s.Events.Types)
}

func TestHandlerOverrideFromConfig(t *testing.T) {
	cfg := testConfig(t, memoryURL())
	cfg.Queue.Handlers = map[string]config.HandlerConfig{
		"user/addUserToDB": {Concurrency: 2, MaxAttempts: 7},
	}
	a := startApp(t, cfg)
	def, ok := a.queue.Definition(QueueUser, HandlerAddUser)
	require.True(t, ok)
	assert.Equal(t, 2, def.Concurrency)
	assert.Equal(t, 7, def.Policy.MaxAttempts)
}

func TestPurgeDeadLetters(t *testing.T) {
	cfg := testConfig(t, memoryURL())
	cfg.Queue.DeadLetterPurge = "@every 1h"
	cfg.Queue.DeadLetterRetention = "1ms"
	a := startApp(t, cfg)
	require.NotNil(t, a.cron)

	id, err := a.Enqueue(context.Background(), QueueUser, HandlerAddUser, []byte(`not json`), queue.Options{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return jobStatus(t, a, id) == broker.StatusDeadLetter }, 3*time.Second, 20*time.Millisecond)

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, a.purgeDeadLetters(context.Background()))
	assert.Equal(t, 0, a.purgeDeadLetters(context.Background()))
}

func dialApp(t *testing.T, a *App, user string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+a.Addr()+"/ws?user="+user, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	var welcome gateway.ServerFrame
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&welcome))
	require.Equal(t, gateway.FrameWelcome, welcome.Type)
	return conn
}

// next reads frames until one of type typ arrives.
func next(t *testing.T, conn *websocket.Conn, typ string) gateway.ServerFrame {
	t.Helper()
	for {
		var f gateway.ServerFrame
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		require.NoError(t, conn.ReadJSON(&f))
		if f.Type == typ {
			return f
		}
	}
}

func subscribers(a *App, room string) int {
	return a.broker.(*broker.Memory).Hub().Subscribers(a.pubsub.Channel(room))
}

func TestChatMessageReachesBothInstancesOnce(t *testing.T) {
	url := memoryURL()
	a := startApp(t, testConfig(t, url))
	b := startApp(t, testConfig(t, url))

	alice := dialApp(t, a, "alice")
	bob := dialApp(t, b, "bob")
	for _, c := range []*websocket.Conn{alice, bob} {
		require.NoError(t, c.WriteJSON(gateway.ClientFrame{Type: gateway.FrameSubscribe, Ref: "s", Room: "lobby"}))
		require.Equal(t, "s", next(t, c, gateway.FrameAck).Ref)
	}
	require.Eventually(t, func() bool { return subscribers(a, "lobby") == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, alice.WriteJSON(gateway.ClientFrame{
		Type:    gateway.FrameEmit,
		Ref:     "m",
		Event:   EventMessageSend,
		Payload: json.RawMessage(`{"room":"lobby","body":{"text":"hi"}}`),
	}))

	for _, c := range []*websocket.Conn{alice, bob} {
		ev := next(t, c, gateway.FrameEvent)
		assert.Equal(t, EventMessageNew, ev.Event)
		assert.Equal(t, a.InstanceID(), ev.OriginID)
		var msg ChatMessage
		require.NoError(t, json.Unmarshal(ev.Payload, &msg))
		assert.Equal(t, "alice", msg.From)
		assert.JSONEq(t, `{"text":"hi"}`, string(msg.Body))
	}

	// exactly once: nothing else arrives on bob's socket
	require.NoError(t, bob.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	var extra gateway.ServerFrame
	assert.Error(t, bob.ReadJSON(&extra))
}

func TestChatMessageRequiresMembership(t *testing.T) {
	a := startApp(t, testConfig(t, memoryURL()))
	c := dialApp(t, a, "eve")
	require.NoError(t, c.WriteJSON(gateway.ClientFrame{
		Type:    gateway.FrameEmit,
		Ref:     "m",
		Event:   EventMessageSend,
		Payload: json.RawMessage(`{"room":"secret","body":"x"}`),
	}))
	f := next(t, c, gateway.FrameError)
	assert.Equal(t, "m", f.Ref)
	assert.Contains(t, f.Error, "not subscribed")
}

func TestUserRegisterEventEnqueues(t *testing.T) {
	a := startApp(t, testConfig(t, memoryURL()))
	c := dialApp(t, a, "ada")
	require.NoError(t, c.WriteJSON(gateway.ClientFrame{
		Type:    gateway.FrameEmit,
		Ref:     "r",
		Event:   EventUserRegister,
		Payload: json.RawMessage(`{"username":"ada","email":"ada@example.com"}`),
	}))
	require.Equal(t, "r", next(t, c, gateway.FrameAck).Ref)
	require.Eventually(t, func() bool {
		_, err := a.store.FindAuthUser(context.Background(), "ada", "")
		return err == nil
	}, 3*time.Second, 20*time.Millisecond)
}

func TestMapStorageConfig(t *testing.T) {
	cases := []struct {
		name    string
		in      *config.StorageConfig
		enabled bool
		driver  string
		wantErr bool
	}{
		{name: "absent"},
		{name: "none", in: &config.StorageConfig{Driver: "none"}},
		{name: "file", in: &config.StorageConfig{Driver: "file", Path: "x.json"}, enabled: true, driver: "file"},
		{name: "sqlite3 alias", in: &config.StorageConfig{Driver: "SQLite3", Path: "x.db"}, enabled: true, driver: "sqlite"},
		{name: "missing path", in: &config.StorageConfig{Driver: "sqlite"}, wantErr: true},
		{name: "bad timeout", in: &config.StorageConfig{Driver: "sqlite", Path: "x", BusyTimeout: "soon"}, wantErr: true},
		{name: "unknown", in: &config.StorageConfig{Driver: "mongo", Path: "x"}, wantErr: true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			sc, enabled, err := mapStorageConfig(&config.Config{Storage: c.in})
			if c.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.enabled, enabled)
			assert.Equal(t, c.driver, sc.Driver)
		})
	}
}

func TestStoreIsAuditor(t *testing.T) {
	var _ queue.Auditor = storage.Store(nil)
}

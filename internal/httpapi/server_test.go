package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalforge/evalforge/internal/coordination"
	"github.com/evalforge/evalforge/internal/domain"
	"github.com/evalforge/evalforge/internal/engine"
	"github.com/evalforge/evalforge/internal/lifecycle"
	"github.com/evalforge/evalforge/internal/notify"
	"github.com/evalforge/evalforge/internal/service"
	"github.com/evalforge/evalforge/internal/store"
	"github.com/evalforge/evalforge/internal/worker"
)

type fakeRedis struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: make(map[string]string)}
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewStringCmd(ctx, "get", key)
	if val, ok := f.data[key]; ok {
		cmd.SetVal(val)
	} else {
		cmd.SetErr(redis.Nil)
	}
	return cmd
}

func (f *fakeRedis) Set(ctx context.Context, key string, value any, _ time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewStatusCmd(ctx, "set", key, value)
	f.data[key] = fmt.Sprintf("%v", value)
	cmd.SetVal("OK")
	return cmd
}

func (f *fakeRedis) SetNX(ctx context.Context, key string, value any, _ time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewBoolCmd(ctx, "setnx", key, value)
	if _, exists := f.data[key]; exists {
		cmd.SetVal(false)
	} else {
		f.data[key] = fmt.Sprintf("%v", value)
		cmd.SetVal(true)
	}
	return cmd
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewIntCmd(ctx, "del", keys)
	deleted := int64(0)
	for _, key := range keys {
		if _, exists := f.data[key]; exists {
			delete(f.data, key)
			deleted++
		}
	}
	cmd.SetVal(deleted)
	return cmd
}

func (f *fakeRedis) Eval(ctx context.Context, _ string, keys []string, args ...any) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewCmd(ctx, "eval")
	if len(keys) == 1 && len(args) == 1 && f.data[keys[0]] == fmt.Sprintf("%v", args[0]) {
		delete(f.data, keys[0])
		cmd.SetVal(int64(1))
	} else {
		cmd.SetVal(int64(0))
	}
	return cmd
}

func (f *fakeRedis) Ping(ctx context.Context) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx, "ping")
	cmd.SetVal("PONG")
	return cmd
}

type processorFunc func(ctx context.Context, run *domain.Run, item *domain.WorkItem) (string, error)

func (fn processorFunc) Process(ctx context.Context, run *domain.Run, item *domain.WorkItem) (string, error) {
	return fn(ctx, run, item)
}

var echoProcessor = processorFunc(func(_ context.Context, _ *domain.Run, item *domain.WorkItem) (string, error) {
	return "answer:" + item.Payload.Prompt, nil
})

// testStoreSeq gives every fixture its own shared-cache in-memory database;
// with cache=private each pooled connection would see a separate empty DB.
var testStoreSeq atomic.Int64

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	s, err := store.Open(fmt.Sprintf("file:httpapitest%d?mode=memory&cache=shared", testStoreSeq.Add(1)), nil)
	require.NoError(t, err)

	coord := coordination.New(newFakeRedis(), coordination.Config{
		LockWait: 500 * time.Millisecond,
		LockHold: 5 * time.Second,
	}, nil)

	pool := worker.New(4, 16, nil)
	pool.Start(context.Background())
	t.Cleanup(pool.Stop)

	hub := notify.NewHub(nil)
	t.Cleanup(hub.Close)
	notifier := notify.NewNotifier(hub, "test", nil)

	eng := engine.New(s, engine.NewTracker(s, notifier, nil), coord, echoProcessor, notifier, 5, nil)
	mgr := lifecycle.New(s, coord, pool, eng, notifier, "api-worker", nil)
	svc := service.New(s, mgr, nil, nil)

	srv := httptest.NewServer(New(svc, hub, nil))
	t.Cleanup(srv.Close)
	return srv
}

func createBatch(t *testing.T, srv *httptest.Server) domain.BatchSnapshot {
	t.Helper()
	body := `{
		"name": "api batch",
		"kind": "generation",
		"targets": ["model-a"],
		"questions": [
			{"question_id": 1, "prompt": "q1"},
			{"question_id": 2, "prompt": "q2"}
		]
	}`
	resp, err := http.Post(srv.URL+"/api/batches", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var snap domain.BatchSnapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	return snap
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url, body string, out any) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewReader([]byte(body)))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/healthz", nil))
}

func TestCreateBatchReturnsSnapshot(t *testing.T) {
	srv := newTestServer(t)

	snap := createBatch(t, srv)
	assert.NotZero(t, snap.ID)
	assert.Equal(t, domain.BatchPending, snap.Status)
	assert.Equal(t, "api batch", snap.Name)
}

func TestCreateBatchValidationFails(t *testing.T) {
	srv := newTestServer(t)

	code := postJSON(t, srv.URL+"/api/batches", `{"kind":"generation","targets":["m"]}`, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestGetBatchNotFound(t *testing.T) {
	srv := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/api/batches/9999", nil))
}

func TestInvalidIDIsBadRequest(t *testing.T) {
	srv := newTestServer(t)
	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/api/batches/not-a-number", nil))
}

func TestStartBatchRunsToCompletion(t *testing.T) {
	srv := newTestServer(t)
	snap := createBatch(t, srv)

	code := postJSON(t, fmt.Sprintf("%s/api/batches/%d/start", srv.URL, snap.ID), "", nil)
	require.Equal(t, http.StatusOK, code)

	require.Eventually(t, func() bool {
		var got domain.BatchSnapshot
		if getJSON(t, fmt.Sprintf("%s/api/batches/%d", srv.URL, snap.ID), &got) != http.StatusOK {
			return false
		}
		return got.Status == domain.BatchCompleted
	}, 5*time.Second, 20*time.Millisecond)

	var runs []domain.RunSnapshot
	require.Equal(t, http.StatusOK, getJSON(t, fmt.Sprintf("%s/api/batches/%d/runs", srv.URL, snap.ID), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, domain.RunCompleted, runs[0].Status)
	assert.EqualValues(t, 2, runs[0].CompletedCount)
}

func TestResumePendingBatchConflicts(t *testing.T) {
	srv := newTestServer(t)
	snap := createBatch(t, srv)

	code := postJSON(t, fmt.Sprintf("%s/api/batches/%d/resume", srv.URL, snap.ID), "", nil)
	assert.Equal(t, http.StatusConflict, code)
}

func TestPauseAcceptsReasonBody(t *testing.T) {
	srv := newTestServer(t)
	snap := createBatch(t, srv)

	var got domain.BatchSnapshot
	code := postJSON(t, fmt.Sprintf("%s/api/batches/%d/pause", srv.URL, snap.ID), `{"reason":"maintenance"}`, &got)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, domain.BatchPaused, got.Status)
	assert.Equal(t, "maintenance", got.PauseReason)
}

func TestWebSocketStreamsStatusEvents(t *testing.T) {
	srv := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	snap := createBatch(t, srv)
	code := postJSON(t, fmt.Sprintf("%s/api/batches/%d/start", srv.URL, snap.ID), "", nil)
	require.Equal(t, http.StatusOK, code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(msg), `"type"`)
	assert.Contains(t, string(msg), fmt.Sprintf(`"batch_id":%d`, snap.ID))
}

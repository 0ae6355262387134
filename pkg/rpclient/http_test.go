package rpclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordedRequest captures one request the fake backend saw.
type recordedRequest struct {
	method string
	path   string
	query  string
	auth   string
	body   []byte
}

// fakeBackend is an httptest server recording requests and serving
// canned JSON responses per (method, path).
type fakeBackend struct {
	mu        sync.Mutex
	requests  []recordedRequest
	responses map[string]response
	server    *httptest.Server
}

type response struct {
	status int
	body   string
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()

	b := &fakeBackend{responses: make(map[string]response)}

	b.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		b.mu.Lock()
		b.requests = append(b.requests, recordedRequest{
			method: r.Method,
			path:   r.URL.Path,
			query:  r.URL.RawQuery,
			auth:   r.Header.Get("Authorization"),
			body:   body,
		})
		resp, ok := b.responses[r.Method+" "+r.URL.Path]
		b.mu.Unlock()

		if !ok {
			resp = response{status: http.StatusOK, body: "{}"}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.status)
		_, _ = w.Write([]byte(resp.body))
	}))

	t.Cleanup(b.server.Close)

	return b
}

func (b *fakeBackend) respond(method, path string, status int, body string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.responses[method+" "+path] = response{status: status, body: body}
}

func (b *fakeBackend) recorded() []recordedRequest {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]recordedRequest, len(b.requests))
	copy(out, b.requests)

	return out
}

func newTestClient(t *testing.T, b *fakeBackend) Client {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	return New(log, &Config{
		Endpoint: b.server.URL,
		Project:  "proj",
		Token:    "secret-token",
	})
}

func TestHTTPClient_StartLaunchResolvesAsynchronously(t *testing.T) {
	backend := newFakeBackend(t)
	backend.respond(http.MethodPost, "/api/v1/proj/launch", http.StatusCreated, `{"id":"launch-abc"}`)

	client := newTestClient(t, backend)

	client.StartLaunch(context.Background(), &StartLaunchRequest{
		Name:      "nightly",
		Mode:      "DEFAULT",
		StartTime: time.Now(),
	})

	require.Eventually(t, func() bool {
		return client.LaunchID() == "launch-abc"
	}, 2*time.Second, 10*time.Millisecond)

	reqs := backend.recorded()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodPost, reqs[0].method)
	assert.Equal(t, "/api/v1/proj/launch", reqs[0].path)
	assert.Equal(t, "Bearer secret-token", reqs[0].auth)

	var body map[string]any
	require.NoError(t, json.Unmarshal(reqs[0].body, &body))
	assert.Equal(t, "nightly", body["name"])
	assert.Equal(t, "DEFAULT", body["mode"])

	require.NoError(t, client.Close())
}

func TestHTTPClient_StartLaunchFailureLeavesIDEmpty(t *testing.T) {
	backend := newFakeBackend(t)
	backend.respond(http.MethodPost, "/api/v1/proj/launch", http.StatusInternalServerError, `{"error":"boom"}`)

	client := newTestClient(t, backend)

	client.StartLaunch(context.Background(), &StartLaunchRequest{Name: "nightly"})
	require.NoError(t, client.Close())

	assert.Empty(t, client.LaunchID())
}

func TestHTTPClient_ItemLifecycle(t *testing.T) {
	backend := newFakeBackend(t)
	backend.respond(http.MethodPost, "/api/v1/proj/item", http.StatusCreated, `{"id":"item-1"}`)
	backend.respond(http.MethodPost, "/api/v1/proj/item/item-1", http.StatusCreated, `{"id":"item-2"}`)

	client := newTestClient(t, backend)
	client.SetLaunchID("launch-abc")

	ctx := context.Background()

	suiteID, err := client.StartItem(ctx, "", &StartItemRequest{
		Name: "pkg", Kind: KindSuite, Path: "pkg", StartTime: time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, "item-1", suiteID)

	testID, err := client.StartItem(ctx, suiteID, &StartItemRequest{
		Name: "case", Kind: KindTest, Path: "pkg::case", StartTime: time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, "item-2", testID)

	require.NoError(t, client.FinishItem(ctx, testID, StatusPassed, time.Now()))

	reqs := backend.recorded()
	require.Len(t, reqs, 3)

	// Root item posts to /item, children to /item/{parent}.
	assert.Equal(t, "/api/v1/proj/item", reqs[0].path)
	assert.Equal(t, "/api/v1/proj/item/item-1", reqs[1].path)
	assert.Equal(t, http.MethodPut, reqs[2].method)
	assert.Equal(t, "/api/v1/proj/item/item-2", reqs[2].path)

	var startBody map[string]any
	require.NoError(t, json.Unmarshal(reqs[0].body, &startBody))
	assert.Equal(t, "launch-abc", startBody["launch_id"])
	assert.Equal(t, KindSuite, startBody["kind"])
}

func TestHTTPClient_LogBatch(t *testing.T) {
	backend := newFakeBackend(t)
	client := newTestClient(t, backend)

	now := time.Now()
	records := []LogRecord{
		{Time: now, Level: "info", Message: "first"},
		{Time: now, Level: "error", Message: "second"},
	}

	require.NoError(t, client.Log(context.Background(), "item-1", records))

	reqs := backend.recorded()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/api/v1/proj/log", reqs[0].path)

	var batch []map[string]any
	require.NoError(t, json.Unmarshal(reqs[0].body, &batch))
	require.Len(t, batch, 2)
	assert.Equal(t, "item-1", batch[0]["item_id"])
	assert.Equal(t, "first", batch[0]["message"])
	assert.Equal(t, "second", batch[1]["message"])
}

func TestHTTPClient_LogEmptyBatchIsNoop(t *testing.T) {
	backend := newFakeBackend(t)
	client := newTestClient(t, backend)

	require.NoError(t, client.Log(context.Background(), "item-1", nil))
	assert.Empty(t, backend.recorded())
}

func TestHTTPClient_FindItem(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		backend := newFakeBackend(t)
		backend.respond(http.MethodGet, "/api/v1/proj/item", http.StatusOK, `{"id":"item-9"}`)

		client := newTestClient(t, backend)
		client.SetLaunchID("launch-abc")

		id, err := client.FindItem(context.Background(), "pkg::TestGroup")
		require.NoError(t, err)
		assert.Equal(t, "item-9", id)

		reqs := backend.recorded()
		require.Len(t, reqs, 1)
		assert.Contains(t, reqs[0].query, "launch=launch-abc")
		assert.Contains(t, reqs[0].query, "path=pkg%3A%3ATestGroup")
	})

	t.Run("not found is not an error", func(t *testing.T) {
		backend := newFakeBackend(t)
		backend.respond(http.MethodGet, "/api/v1/proj/item", http.StatusNotFound, `{"error":"item not found"}`)

		client := newTestClient(t, backend)
		client.SetLaunchID("launch-abc")

		id, err := client.FindItem(context.Background(), "pkg::TestGroup")
		require.NoError(t, err)
		assert.Empty(t, id)
	})

	t.Run("no launch id skips the call", func(t *testing.T) {
		backend := newFakeBackend(t)
		client := newTestClient(t, backend)

		id, err := client.FindItem(context.Background(), "pkg")
		require.NoError(t, err)
		assert.Empty(t, id)
		assert.Empty(t, backend.recorded())
	})
}

func TestHTTPClient_FinishLaunch(t *testing.T) {
	backend := newFakeBackend(t)
	client := newTestClient(t, backend)

	// Without an identifier the finish fails locally.
	require.Error(t, client.FinishLaunch(context.Background(), StatusPassed, time.Now()))

	client.SetLaunchID("launch-abc")
	require.NoError(t, client.FinishLaunch(context.Background(), StatusFailed, time.Now()))

	reqs := backend.recorded()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodPut, reqs[0].method)
	assert.Equal(t, "/api/v1/proj/launch/launch-abc/finish", reqs[0].path)

	var body map[string]any
	require.NoError(t, json.Unmarshal(reqs[0].body, &body))
	assert.Equal(t, StatusFailed, body["status"])
}

func TestHTTPClient_ServerErrorSurfaces(t *testing.T) {
	backend := newFakeBackend(t)
	backend.respond(http.MethodPost, "/api/v1/proj/item", http.StatusBadRequest, `{"error":"nope"}`)

	client := newTestClient(t, backend)

	_, err := client.StartItem(context.Background(), "", &StartItemRequest{Name: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

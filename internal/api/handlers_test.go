package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/herald/internal/config"
	"github.com/mattjoyce/herald/internal/events"
	"github.com/mattjoyce/herald/internal/notify"
	"github.com/mattjoyce/herald/internal/state"
	"github.com/mattjoyce/herald/internal/workitem"
)

const testKey = "secret-key"

// mockNotifier implements Notifier for testing
type mockNotifier struct {
	mu       sync.Mutex
	targets  []notify.TargetInfo
	notifyFn func(name string, items []workitem.Item) (notify.Result, error)
	calls    []string
}

func (m *mockNotifier) Notify(_ context.Context, name string, items []workitem.Item) (notify.Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, name)
	m.mu.Unlock()
	if m.notifyFn != nil {
		return m.notifyFn(name, items)
	}
	return notify.Result{Success: true, Message: "ok"}, nil
}

func (m *mockNotifier) Targets() []notify.TargetInfo { return m.targets }

// mockDeliveries implements DeliveryLog for testing
type mockDeliveries struct {
	list []state.Delivery
	err  error
	got  struct {
		target string
		limit  int
	}
}

func (m *mockDeliveries) Recent(_ context.Context, target string, limit int) ([]state.Delivery, error) {
	m.got.target, m.got.limit = target, limit
	return m.list, m.err
}

func newTestServer(n *mockNotifier, d DeliveryLog, hub *events.Hub) *Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(Config{APIKey: testKey}, n, d, hub, logger)
}

func defaultNotifier() *mockNotifier {
	return &mockNotifier{targets: []notify.TargetInfo{
		{Name: "ci", Type: config.TypeScript, Command: "notify.sh"},
		{Name: "ops", Type: config.TypeAgent, Command: "agent --acp"},
	}}
}

func do(t *testing.T, h http.Handler, method, path, body string, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if auth {
		req.Header.Set("Authorization", "Bearer "+testKey)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s := newTestServer(defaultNotifier(), nil, nil)
	rec := do(t, s.Handler(), http.MethodGet, "/healthz", "", false)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthzResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 2, resp.Targets)
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(defaultNotifier(), nil, events.NewHub(1))
	h := s.Handler()

	for _, path := range []string{"/v1/targets", "/v1/events", "/v1/deliveries"} {
		rec := do(t, h, http.MethodGet, path, "", false)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/targets", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid API key")
}

func TestNotify(t *testing.T) {
	var got []workitem.Item
	n := defaultNotifier()
	n.notifyFn = func(name string, items []workitem.Item) (notify.Result, error) {
		got = items
		return notify.Result{Success: true, Message: "delivered 1 item(s)"}, nil
	}
	s := newTestServer(n, nil, nil)

	body := `{"items":[{"id":"A","title":"a","state":"open"},{"id":"B","title":"b","state":"done"}],"states":["open"]}`
	rec := do(t, s.Handler(), http.MethodPost, "/v1/notify/ops", body, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp NotifyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ops", resp.Target)
	assert.True(t, resp.Success)
	assert.Equal(t, 1, resp.Items)
	assert.NotEmpty(t, resp.RequestID)
	require.Len(t, got, 1)
	assert.Equal(t, "A", got[0].ID)

	// Result fields are flattened into the response.
	assert.Contains(t, rec.Body.String(), `"success":true`)
}

func TestNotify_Errors(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		body     string
		notifyFn func(string, []workitem.Item) (notify.Result, error)
		wantCode int
		wantBody string
	}{
		{name: "unknown target", path: "/v1/notify/nope", body: `{"items":[]}`, wantCode: http.StatusNotFound},
		{name: "bad json", path: "/v1/notify/ops", body: `{`, wantCode: http.StatusBadRequest, wantBody: "invalid JSON"},
		{name: "missing id", path: "/v1/notify/ops", body: `{"items":[{"title":"x"}]}`, wantCode: http.StatusBadRequest, wantBody: "items[0].id"},
		{
			name: "delivery failure", path: "/v1/notify/ops", body: `{"items":[]}`,
			notifyFn: func(string, []workitem.Item) (notify.Result, error) {
				return notify.Result{Success: false, Error: "initialize timed out after 0.1s"}, nil
			},
			wantCode: http.StatusBadGateway, wantBody: "0.1s",
		},
		{
			name: "config error", path: "/v1/notify/ops", body: `{"items":[]}`,
			notifyFn: func(string, []workitem.Item) (notify.Result, error) {
				return notify.Result{}, &config.ConfigError{Target: "ops", Field: "command", Msg: "is required"}
			},
			wantCode: http.StatusBadRequest, wantBody: "command",
		},
		{
			name: "unexpected error", path: "/v1/notify/ops", body: `{"items":[]}`,
			notifyFn: func(string, []workitem.Item) (notify.Result, error) {
				return notify.Result{}, errors.New("boom")
			},
			wantCode: http.StatusInternalServerError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := defaultNotifier()
			n.notifyFn = tt.notifyFn
			s := newTestServer(n, nil, nil)
			rec := do(t, s.Handler(), http.MethodPost, tt.path, tt.body, true)
			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			if tt.wantBody != "" {
				assert.Contains(t, rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestNotify_BodyTooLarge(t *testing.T) {
	n := defaultNotifier()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(Config{APIKey: testKey, MaxBodyBytes: 16}, n, nil, nil, logger)

	rec := do(t, s.Handler(), http.MethodPost, "/v1/notify/ops", `{"items":[{"id":"way-too-long-for-the-limit"}]}`, true)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Empty(t, n.calls)
}

func TestTargets(t *testing.T) {
	s := newTestServer(defaultNotifier(), nil, nil)
	rec := do(t, s.Handler(), http.MethodGet, "/v1/targets", "", true)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp TargetsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Targets, 2)
	assert.Equal(t, "ci", resp.Targets[0].Name)
}

func TestDeliveries(t *testing.T) {
	d := &mockDeliveries{list: []state.Delivery{{ID: "d-1", Target: "ops", Channel: "agent", Success: true}}}
	s := newTestServer(defaultNotifier(), d, nil)
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/v1/deliveries?target=ops&limit=5", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ops", d.got.target)
	assert.Equal(t, 5, d.got.limit)

	var resp DeliveriesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Deliveries, 1)
	assert.Equal(t, "d-1", resp.Deliveries[0].ID)

	rec = do(t, h, http.MethodGet, "/v1/deliveries?limit=-1", "", true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	d.err = errors.New("database is locked")
	rec = do(t, h, http.MethodGet, "/v1/deliveries", "", true)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = do(t, newTestServer(defaultNotifier(), nil, nil).Handler(), http.MethodGet, "/v1/deliveries", "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEvents(t *testing.T) {
	hub := events.NewHub(10)
	hub.Publish(events.NotifyStarted, "ops", nil)
	hub.Publish(events.NotifyCompleted, "ops", map[string]bool{"success": true})
	s := newTestServer(defaultNotifier(), nil, hub)
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/v1/events?since=1", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp EventsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Events, 1)
	assert.Equal(t, events.NotifyCompleted, resp.Events[0].Type)
	assert.Equal(t, int64(2), resp.LastID)

	rec = do(t, h, http.MethodGet, "/v1/events?since=abc", "", true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventStream(t *testing.T) {
	hub := events.NewHub(10)
	hub.Publish(events.NotifyStarted, "ops", map[string]int{"items": 1})
	s := newTestServer(defaultNotifier(), nil, hub)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/events/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testKey)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	sc := bufio.NewScanner(resp.Body)
	readEvent := func() []string {
		var lines []string
		for sc.Scan() {
			if sc.Text() == "" {
				return lines
			}
			lines = append(lines, sc.Text())
		}
		return lines
	}

	decode := func(lines []string) events.Event {
		t.Helper()
		require.Len(t, lines, 3)
		require.True(t, strings.HasPrefix(lines[2], "data: "))
		var ev events.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(lines[2], "data: ")), &ev))
		return ev
	}

	// Replayed backlog.
	lines := readEvent()
	ev := decode(lines)
	assert.Equal(t, []string{"id: 1", "event: notify.started"}, lines[:2])
	assert.Equal(t, "ops", ev.Target)
	assert.JSONEq(t, `{"items":1}`, string(ev.Data))

	// Live event.
	hub.Publish(events.NotifyCompleted, "ops", map[string]bool{"success": true})
	lines = readEvent()
	ev = decode(lines)
	assert.Equal(t, []string{"id: 2", "event: notify.completed"}, lines[:2])
	assert.Equal(t, int64(2), ev.ID)
	assert.JSONEq(t, `{"success":true}`, string(ev.Data))
}

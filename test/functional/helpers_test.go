//go:build functional

// Package functional runs the whole service against an in-process data
// service that speaks the bulk query and realtime protocols.
package functional

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/vyrodovalexey/lostfound/internal/backend"
	"github.com/vyrodovalexey/lostfound/internal/config"
	"github.com/vyrodovalexey/lostfound/internal/livesync"
	"github.com/vyrodovalexey/lostfound/internal/model"
	"github.com/vyrodovalexey/lostfound/internal/search"
	"github.com/vyrodovalexey/lostfound/internal/server"
	"github.com/vyrodovalexey/lostfound/internal/view"
)

// Environment variable names for test configuration.
const (
	EnvTestVerbose = "TEST_VERBOSE"
)

// Default test configuration values.
const (
	DefaultTestTimeout     = 5 * time.Second
	DefaultRequestTimeout  = 2 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
	DefaultPollInterval    = 20 * time.Millisecond

	testAPIKey = "anon-key"
)

// Row is a table row as stored by the fake data service.
type Row map[string]any

// NewRow builds a valid lost-and-found row.
func NewRow(id, name, category, status string, created time.Time) Row {
	return Row{
		"id":           id,
		"user_id":      "user-" + id,
		"name":         name,
		"category":     category,
		"location_lat": 28.0595,
		"location_lng": -82.4123,
		"contact_info": name + "@usf.edu",
		"created_at":   created.UTC().Format(time.RFC3339),
		"status":       status,
	}
}

// FakeDataService emulates the hosted database: a bulk query endpoint
// and a realtime websocket that broadcasts row changes.
type FakeDataService struct {
	URL string

	t      *testing.T
	server *httptest.Server

	mu          sync.Mutex
	rows        []Row
	failQueries bool
	queries     int
	channels    map[*websocket.Conn]*realtimeConn
}

type realtimeConn struct {
	topic   string
	writeMu sync.Mutex
}

// NewFakeDataService starts a fake data service holding rows, newest first.
func NewFakeDataService(t *testing.T, rows ...Row) *FakeDataService {
	t.Helper()

	f := &FakeDataService{
		t:        t,
		rows:     rows,
		channels: make(map[*websocket.Conn]*realtimeConn),
	}

	router := mux.NewRouter()
	router.HandleFunc("/rest/v1/{table}", f.handleQuery).Methods(http.MethodGet)
	router.HandleFunc("/realtime/v1/websocket", f.handleRealtime).Methods(http.MethodGet)

	f.server = httptest.NewServer(router)
	f.URL = f.server.URL
	t.Cleanup(f.Close)

	return f
}

// Close disconnects realtime clients and stops the server.
func (f *FakeDataService) Close() {
	f.mu.Lock()
	for conn := range f.channels {
		_ = conn.Close()
	}
	f.mu.Unlock()

	f.server.Close()
}

func (f *FakeDataService) handleQuery(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.queries++

	if r.Header.Get("apikey") != testAPIKey {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"code":"401","message":"Invalid API key"}`)
		return
	}

	if f.failQueries {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"code":"PGRST000","message":"database unavailable"}`)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(f.rows)
}

func (f *FakeDataService) handleRealtime(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("apikey") != testAPIKey {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() {
		f.mu.Lock()
		delete(f.channels, conn)
		f.mu.Unlock()
		_ = conn.Close()
	}()

	var join struct {
		Topic string  `json:"topic"`
		Event string  `json:"event"`
		Ref   *string `json:"ref"`
	}
	if err := conn.ReadJSON(&join); err != nil || join.Event != "phx_join" || join.Ref == nil {
		return
	}

	rc := &realtimeConn{topic: join.Topic}
	reply := fmt.Sprintf(`{"topic":%q,"event":"phx_reply","payload":{"status":"ok","response":{}},"ref":%q}`,
		join.Topic, *join.Ref)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(reply)); err != nil {
		return
	}

	f.mu.Lock()
	f.channels[conn] = rc
	f.mu.Unlock()

	// Heartbeats and the leave message are read and dropped.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Subscribers returns the number of joined realtime channels.
func (f *FakeDataService) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.channels)
}

// Queries returns the number of bulk queries served.
func (f *FakeDataService) Queries() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.queries
}

// SetFailQueries makes bulk queries fail.
func (f *FakeDataService) SetFailQueries(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.failQueries = fail
}

// ReplaceRows swaps the table contents without emitting change events.
func (f *FakeDataService) ReplaceRows(rows ...Row) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.rows = rows
}

// Insert adds a row and broadcasts the change.
func (f *FakeDataService) Insert(row Row) {
	f.mu.Lock()
	f.rows = append([]Row{row}, f.rows...)
	f.mu.Unlock()

	f.broadcast("INSERT", row, Row{})
}

// Update replaces the row with the same id and broadcasts the change.
func (f *FakeDataService) Update(row Row) {
	f.mu.Lock()
	for i := range f.rows {
		if f.rows[i]["id"] == row["id"] {
			f.rows[i] = row
		}
	}
	f.mu.Unlock()

	f.broadcast("UPDATE", row, Row{"id": row["id"]})
}

// Delete removes a row and broadcasts the change.
func (f *FakeDataService) Delete(id string) {
	f.mu.Lock()
	kept := f.rows[:0]
	for _, row := range f.rows {
		if row["id"] != id {
			kept = append(kept, row)
		}
	}
	f.rows = kept
	f.mu.Unlock()

	f.broadcast("DELETE", nil, Row{"id": id})
}

func (f *FakeDataService) broadcast(kind string, record, oldRecord Row) {
	f.t.Helper()

	f.mu.Lock()
	defer f.mu.Unlock()

	for conn, rc := range f.channels {
		frame := map[string]any{
			"topic": rc.topic,
			"event": "postgres_changes",
			"ref":   nil,
			"payload": map[string]any{
				"data": map[string]any{
					"type":             kind,
					"schema":           backend.DefaultSchema,
					"table":            backend.DefaultTable,
					"commit_timestamp": time.Now().UTC().Format(time.RFC3339),
					"record":           record,
					"old_record":       oldRecord,
				},
			},
		}

		rc.writeMu.Lock()
		err := conn.WriteJSON(frame)
		rc.writeMu.Unlock()
		if err != nil {
			f.t.Logf("broadcast %s failed: %v", kind, err)
		}
	}
}

// TestEnv is the service wired to a FakeDataService.
type TestEnv struct {
	Data    *FakeDataService
	Server  *server.Server
	Sync    *livesync.Synchronizer
	BaseURL string
	WSURL   string

	t      *testing.T
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTestEnv starts the service against data and waits until the first
// load finished.
func NewTestEnv(t *testing.T, data *FakeDataService) *TestEnv {
	t.Helper()

	port := freePort(t)

	cfg := config.Default()
	cfg.Server.Port = port
	cfg.Server.ProbePort = 0
	cfg.Server.LogLevel = "error"
	cfg.Server.MetricsEnabled = false
	cfg.Backend.URL = data.URL
	cfg.Backend.APIKey = testAPIKey
	cfg.Backend.RequestTimeout = DefaultRequestTimeout
	require.NoError(t, cfg.Validate())

	logger := zap.NewNop()
	if os.Getenv(EnvTestVerbose) != "" {
		logger = zaptest.NewLogger(t)
	}

	client, err := backend.NewClient(cfg.BackendOptions(), logger)
	require.NoError(t, err)

	pipeline := search.NewPipeline(search.NewMatcher(
		search.WithThreshold(cfg.Search.Threshold),
		search.WithDistance(cfg.Search.Distance),
	))
	synchronizer := livesync.New(client, logger)
	srv := server.New(cfg, logger, synchronizer, pipeline)

	ctx, cancel := context.WithCancel(context.Background())
	env := &TestEnv{
		Data:    data,
		Server:  srv,
		Sync:    synchronizer,
		BaseURL: fmt.Sprintf("http://127.0.0.1:%d", port),
		WSURL:   fmt.Sprintf("ws://127.0.0.1:%d/ws", port),
		t:       t,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go func() {
		defer close(env.done)
		_ = synchronizer.Run(ctx)
	}()

	go func() {
		if err := srv.Start(); err != nil {
			t.Logf("Server error: %v", err)
		}
	}()

	t.Cleanup(env.Stop)
	env.waitForReady()

	return env
}

// waitForReady polls /ready until the first load finished.
func (e *TestEnv) waitForReady() {
	e.t.Helper()

	require.Eventually(e.t, func() bool {
		resp, err := http.Get(e.BaseURL + "/ready")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, DefaultTestTimeout, DefaultPollInterval, "service did not become ready")
}

// WaitForSubscription waits until the change stream is joined.
func (e *TestEnv) WaitForSubscription() {
	e.t.Helper()

	require.Eventually(e.t, func() bool {
		return e.Data.Subscribers() > 0
	}, DefaultTestTimeout, DefaultPollInterval, "change stream was not joined")
}

// Stop shuts the service down.
func (e *TestEnv) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()

	if err := e.Server.Shutdown(ctx); err != nil {
		e.t.Logf("Server shutdown error: %v", err)
	}

	e.cancel()
	select {
	case <-e.done:
	case <-ctx.Done():
		e.t.Errorf("synchronizer did not stop")
	}
}

// APIResponse is a decoded response: the success envelope on 2xx, the
// error body's message on anything else.
type APIResponse struct {
	Success bool
	Data    json.RawMessage
	Error   string
}

// responseBody covers both the success envelope and model.ErrorResponse.
type responseBody struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

// Get performs a GET request and decodes the envelope.
func (e *TestEnv) Get(path string) (int, APIResponse) {
	e.t.Helper()
	return e.do(http.MethodGet, path)
}

// Post performs a body-less POST request and decodes the envelope.
func (e *TestEnv) Post(path string) (int, APIResponse) {
	e.t.Helper()
	return e.do(http.MethodPost, path)
}

func (e *TestEnv) do(method, path string) (int, APIResponse) {
	e.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), DefaultRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, e.BaseURL+path, nil)
	require.NoError(e.t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(e.t, err)
	defer func() {
		_ = resp.Body.Close()
	}()

	var body responseBody
	require.NoError(e.t, json.NewDecoder(resp.Body).Decode(&body))

	out := APIResponse{Success: body.Success, Data: body.Data}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		out.Error = body.Message
	}

	return resp.StatusCode, out
}

// ListView fetches the view for the given query string.
func (e *TestEnv) ListView(query string) view.View {
	e.t.Helper()

	status, resp := e.Get("/api/v1/items" + query)
	require.Equal(e.t, http.StatusOK, status, resp.Error)

	var v view.View
	require.NoError(e.t, json.Unmarshal(resp.Data, &v))

	return v
}

// WaitForView polls the list endpoint until cond holds.
func (e *TestEnv) WaitForView(query string, cond func(view.View) bool) view.View {
	e.t.Helper()

	var last view.View
	require.Eventually(e.t, func() bool {
		last = e.ListView(query)
		return cond(last)
	}, DefaultTestTimeout, DefaultPollInterval, "view never reached the expected state")

	return last
}

// DialLiveView opens a live view websocket.
func (e *TestEnv) DialLiveView() *websocket.Conn {
	e.t.Helper()

	conn, resp, err := websocket.DefaultDialer.Dial(e.WSURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	require.NoError(e.t, err)
	e.t.Cleanup(func() {
		_ = conn.Close()
	})

	return conn
}

// ReadView reads the next view message from a live view.
func ReadView(t *testing.T, conn *websocket.Conn) view.View {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(DefaultTestTimeout)))

	var msg model.WebSocketMessage
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, model.WSMessageTypeView, msg.Type, msg.Error)

	var v view.View
	require.NoError(t, json.Unmarshal(msg.Payload, &v))

	return v
}

// SendCriteria sends new criteria over a live view.
func SendCriteria(t *testing.T, conn *websocket.Conn, params view.CriteriaParams) {
	t.Helper()

	payload, err := json.Marshal(params)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(model.WebSocketMessage{
		Type:    model.WSMessageTypeCriteria,
		Payload: payload,
	}))
}

// ViewIDs returns the item ids of a view in order.
func ViewIDs(v view.View) []string {
	ids := make([]string, len(v.Items))
	for i, item := range v.Items {
		ids[i] = item.ID
	}
	return ids
}

// freePort reserves an ephemeral port and releases it for the server.
func freePort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() {
		_ = listener.Close()
	}()

	return listener.Addr().(*net.TCPAddr).Port
}

// joinIDs formats ids for failure messages.
func joinIDs(ids []string) string {
	return "[" + strings.Join(ids, " ") + "]"
}

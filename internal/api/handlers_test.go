package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/axelterrier/filament-tracker-backend/config"
	"github.com/axelterrier/filament-tracker-backend/internal/broker"
	"github.com/axelterrier/filament-tracker-backend/internal/core"
	"github.com/axelterrier/filament-tracker-backend/internal/infrastructure"
	"github.com/axelterrier/filament-tracker-backend/internal/metrics"
)

const testToken = "s3cret"

const syncReport = `{"print":{"ams":{"ams":[{"id":"0","tray":[
	{"id":"0","tag_uid":"04A7B3F2C8","tray_uuid":"09F1A3BC67","tray_type":"PLA","tray_color":"FFAA33FF","tray_weight":"1000","remain":75},
	{"id":"1","tag_uid":"0000000000000000"}
]}]}}}`

type fakeBroker struct {
	mu        sync.Mutex
	started   []broker.Settings
	stopped   int
	tested    []time.Duration
	startErr  error
	status    broker.Status
	quickTest broker.QuickTestResult
}

func (b *fakeBroker) Start(_ context.Context, s broker.Settings) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.startErr != nil {
		return b.startErr
	}
	b.started = append(b.started, s)
	b.status = broker.Status{State: broker.StateConnecting, BrokerAddress: s.BrokerAddress(), UseTLS: s.UseTLS, Serial: s.Serial}
	return nil
}

func (b *fakeBroker) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped++
	b.status = broker.Status{State: broker.StateIdle}
}

func (b *fakeBroker) Status() broker.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *fakeBroker) QuickTest(_ context.Context, _ broker.Settings, timeout time.Duration) broker.QuickTestResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tested = append(b.tested, timeout)
	return b.quickTest
}

type memorySettings struct {
	saved *broker.Settings
}

func (m *memorySettings) Load() (*broker.Settings, error) { return m.saved, nil }

func (m *memorySettings) Save(s broker.Settings) error {
	m.saved = &s
	return nil
}

type testServer struct {
	router   *gin.Engine
	broker   *fakeBroker
	settings *memorySettings
	repo     core.Repository
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	db, err := infrastructure.NewDatabase(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"}, logger)
	if err != nil {
		t.Fatalf("NewDatabase() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(&core.Filament{}); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	m := metrics.New()
	repo := core.NewRepository(db.DB)
	reconciler := core.NewReconciler(repo, core.SyncHooks{}, m, logger)
	services := &core.ServiceRegistry{
		Filaments:  core.NewFilamentService(repo, nil, 0, logger),
		Reconciler: reconciler,
		Ingest:     core.NewIngestService(reconciler, nil, m, logger),
	}

	ts := &testServer{
		router:   gin.New(),
		broker:   &fakeBroker{status: broker.Status{State: broker.StateIdle}},
		settings: &memorySettings{},
		repo:     repo,
	}
	handlers := NewAPIHandlers(services, ts.broker, ts.settings, logger)
	SetupRoutes(ts.router, handlers, RouteConfig{
		APIToken:    testToken,
		CORSOrigins: []string{"http://localhost:8100"},
	}, m, logger)
	return ts
}

func (ts *testServer) do(method, path, body string, authorized bool) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if authorized {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func TestHealthCheck(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(http.MethodGet, "/health", "", false)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]interface{}
	decodeBody(t, w, &body)
	if body["status"] != "healthy" || body["broker"] != "idle" {
		t.Errorf("body = %v", body)
	}
}

func TestFilamentCRUD(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodPost, "/api/filaments", `{"uid":"04A7B3F2C8","filament_type":"PLA","color_code":"#ffaa33","spool_weight":1000,"remaining_percent":40}`, false)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", w.Code, w.Body)
	}
	var created core.Filament
	decodeBody(t, w, &created)
	if created.ID == 0 || *created.RemainingGrams != 400 {
		t.Errorf("created = %+v", created)
	}

	if w := ts.do(http.MethodPost, "/api/filaments", `{"uid":"04A7B3F2C8"}`, false); w.Code != http.StatusConflict {
		t.Errorf("duplicate create status = %d, want 409", w.Code)
	}
	if w := ts.do(http.MethodPost, "/api/filaments", `{"filament_type":"PLA"}`, false); w.Code != http.StatusBadRequest {
		t.Errorf("create without uid status = %d, want 400", w.Code)
	}

	w = ts.do(http.MethodGet, "/api/filaments", "", false)
	var list []core.Filament
	decodeBody(t, w, &list)
	if len(list) != 1 || list[0].UID != "04A7B3F2C8" {
		t.Errorf("list = %+v", list)
	}

	if w := ts.do(http.MethodGet, "/api/filaments/uid/04A7B3F2C8", "", false); w.Code != http.StatusOK {
		t.Errorf("get by uid status = %d", w.Code)
	}
	if w := ts.do(http.MethodGet, "/api/filaments/uid/unknown", "", false); w.Code != http.StatusNotFound {
		t.Errorf("get unknown uid status = %d", w.Code)
	}
	if w := ts.do(http.MethodGet, "/api/filaments/abc", "", false); w.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d", w.Code)
	}

	path := "/api/filaments/" + strconv.FormatUint(uint64(created.ID), 10)
	w = ts.do(http.MethodPatch, path, `{"color_code":null,"spool_weight":500}`, false)
	if w.Code != http.StatusOK {
		t.Fatalf("update status = %d, body %s", w.Code, w.Body)
	}
	var updated core.Filament
	decodeBody(t, w, &updated)
	if updated.ColorCode != nil || *updated.RemainingGrams != 200 {
		t.Errorf("updated = %+v", updated)
	}

	if w := ts.do(http.MethodPut, path, `{"remaining_percent":150}`, false); w.Code != http.StatusBadRequest {
		t.Errorf("invalid update status = %d", w.Code)
	} else if !strings.Contains(w.Body.String(), "FIL_003") {
		t.Errorf("invalid update body = %s", w.Body)
	}

	if w := ts.do(http.MethodDelete, path, "", false); w.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated delete status = %d, want 401", w.Code)
	}
	if w := ts.do(http.MethodDelete, path, "", true); w.Code != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", w.Code)
	}
	if w := ts.do(http.MethodGet, path, "", false); w.Code != http.StatusNotFound {
		t.Errorf("get deleted status = %d", w.Code)
	}
}

func TestSyncAMS(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodPost, "/api/ams/sync", syncReport, false)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	var result core.IngestResult
	decodeBody(t, w, &result)
	if result.Updated != 1 || result.Skipped != 1 {
		t.Errorf("result = %+v", result)
	}

	f, err := ts.repo.GetFilamentByUID(context.Background(), "04A7B3F2C8")
	if err != nil {
		t.Fatalf("filament not stored: %v", err)
	}
	if *f.ColorCode != "#FFAA33" || *f.RemainingGrams != 750 {
		t.Errorf("stored = %+v", f)
	}

	if w := ts.do(http.MethodPost, "/api/ams/sync", `{"print":`, false); w.Code != http.StatusBadRequest {
		t.Errorf("malformed report status = %d, want 400", w.Code)
	}
}

func TestBrokerRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/mqtt/status"},
		{http.MethodPost, "/api/mqtt/config"},
		{http.MethodPost, "/api/mqtt/test"},
		{http.MethodPost, "/api/mqtt/start"},
		{http.MethodPost, "/api/mqtt/stop"},
	}
	for _, tt := range tests {
		if w := ts.do(tt.method, tt.path, "", false); w.Code != http.StatusUnauthorized {
			t.Errorf("%s %s status = %d, want 401", tt.method, tt.path, w.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/mqtt/status", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token status = %d", w.Code)
	}
}

func TestSaveBrokerConfig(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodPost, "/api/mqtt/config", `{"password":"12345678"}`, true)
	if w.Code != http.StatusBadRequest || !strings.Contains(w.Body.String(), "ip") {
		t.Errorf("missing ip: status = %d, body %s", w.Code, w.Body)
	}
	if ts.settings.saved != nil {
		t.Error("invalid settings were saved")
	}

	w = ts.do(http.MethodPost, "/api/mqtt/config", `{"ip":"192.168.1.50","password":"12345678","serial":"01S00C123"}`, true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	saved := ts.settings.saved
	if saved == nil || !saved.UseTLS || saved.PortTLS != 8883 || !saved.InsecureSkipVerify {
		t.Errorf("saved = %+v, want TLS defaults", saved)
	}
	if len(ts.broker.started) != 1 || ts.broker.started[0].Serial != "01S00C123" {
		t.Errorf("started = %+v", ts.broker.started)
	}
}

func TestStartStopBroker(t *testing.T) {
	ts := newTestServer(t)

	if w := ts.do(http.MethodPost, "/api/mqtt/start", "", true); w.Code != http.StatusBadRequest {
		t.Errorf("start without config status = %d, want 400", w.Code)
	}

	ts.settings.saved = &broker.Settings{IP: "192.168.1.50", Password: "x", UseTLS: false, PortPlain: 1883}
	w := ts.do(http.MethodPost, "/api/mqtt/start", "", true)
	if w.Code != http.StatusOK {
		t.Fatalf("start status = %d", w.Code)
	}
	var st map[string]interface{}
	decodeBody(t, w, &st)
	if st["state"] != "connecting" || st["broker_address"] != "tcp://192.168.1.50:1883" {
		t.Errorf("status = %v", st)
	}
	if _, leaked := st["password"]; leaked {
		t.Error("status exposes the password")
	}

	if w := ts.do(http.MethodPost, "/api/mqtt/stop", "", true); w.Code != http.StatusOK || ts.broker.stopped != 1 {
		t.Errorf("stop status = %d, stopped = %d", w.Code, ts.broker.stopped)
	}
}

func TestBrokerQuickTestTimeout(t *testing.T) {
	ts := newTestServer(t)
	ts.broker.quickTest = broker.QuickTestResult{OK: true, Details: "connected"}
	body := `{"ip":"192.168.1.50","password":"12345678"}`

	tests := []struct {
		query string
		code  int
		want  time.Duration
	}{
		{"", http.StatusOK, 4 * time.Second},
		{"?timeout=1.5", http.StatusOK, 1500 * time.Millisecond},
		{"?timeout=600", http.StatusOK, 30 * time.Second},
		{"?timeout=-1", http.StatusBadRequest, 0},
		{"?timeout=soon", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		before := len(ts.broker.tested)
		w := ts.do(http.MethodPost, "/api/mqtt/test"+tt.query, body, true)
		if w.Code != tt.code {
			t.Errorf("%q: status = %d, want %d", tt.query, w.Code, tt.code)
			continue
		}
		if tt.code != http.StatusOK {
			continue
		}
		if got := ts.broker.tested[before]; got != tt.want {
			t.Errorf("%q: timeout = %v, want %v", tt.query, got, tt.want)
		}
		var res broker.QuickTestResult
		decodeBody(t, w, &res)
		if !res.OK {
			t.Errorf("%q: result = %+v", tt.query, res)
		}
	}
}

func TestCORS(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/filaments", nil)
	req.Header.Set("Origin", "http://localhost:8100")
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:8100" {
		t.Errorf("Allow-Origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	w = httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin for unknown origin = %q", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.do(http.MethodGet, "/health", "", false)

	w := ts.do(http.MethodGet, "/metrics", "", false)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `spoolsync_http_requests_total{method="GET",path="/health",status="200"}`) {
		t.Errorf("metrics body lacks the health request:\n%s", w.Body)
	}
}

func TestListFilamentsEmptyIsArray(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodGet, "/api/filaments", "", false)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body := strings.TrimSpace(w.Body.String()); body != "[]" {
		t.Errorf("body = %s, want []", body)
	}
}

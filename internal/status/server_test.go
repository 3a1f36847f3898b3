package status

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zsiec/flowbridge/internal/certs"
	"github.com/zsiec/flowbridge/internal/flow"
	"github.com/zsiec/flowbridge/internal/metrics"
	"github.com/zsiec/flowbridge/internal/session"
)

var testFlowID = uuid.MustParse("0b5c7c1e-9d6f-4a53-8d59-1f4b2c3d4e5f")

func newTestServer(t *testing.T, reg *prometheus.Registry) *Server {
	t.Helper()
	cert, err := certs.Generate(24 * time.Hour)
	if err != nil {
		t.Fatalf("certs.Generate: %v", err)
	}
	srv, err := NewServer(ServerConfig{
		Addr:    ":0",
		Cert:    cert,
		Version: "test",
		Sessions: func() []session.Snapshot {
			return []session.Snapshot{
				{Name: "cam-in", Role: session.RoleSink, State: session.StateSteady, Units: 10},
				{Name: "cam-out", Role: session.RoleSource, State: session.StateResyncing, Discontinuities: 1},
			}
		},
		Flows: func() []flow.Info {
			return []flow.Info{{ID: testFlowID, Kind: flow.KindVideo, Rate: flow.Rate29_97, GrainCount: 8, GrainSize: 1024, TotalSlices: 16}}
		},
		Gatherer: reg,
	}, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNewServerValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewServer(ServerConfig{Addr: ":0"}, nil); err == nil {
		t.Error("expected error without cert")
	}
	cert, err := certs.Generate(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewServer(ServerConfig{Cert: cert}, nil); err == nil {
		t.Error("expected error without addr")
	}
	if _, err := NewServer(ServerConfig{Addr: ":0", Cert: cert}, nil); err == nil {
		t.Error("expected error without session lister")
	}
}

func TestHandleListSessions(t *testing.T) {
	t.Parallel()

	rec := get(t, newTestServer(t, prometheus.NewRegistry()).Handler(), "/api/sessions")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("CORS header: got %q", got)
	}

	var list []map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d sessions, want 2", len(list))
	}
	if list[0]["role"] != "sink" || list[1]["state"] != "resyncing" {
		t.Errorf("role/state rendering: %v", list)
	}
}

func TestHandleGetSession(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, prometheus.NewRegistry()).Handler()

	rec := get(t, h, "/api/sessions/cam-out")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var snap struct {
		Name            string `json:"name"`
		Discontinuities int64  `json:"discontinuities"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Name != "cam-out" || snap.Discontinuities != 1 {
		t.Errorf("got %+v", snap)
	}

	if rec := get(t, h, "/api/sessions/missing"); rec.Code != http.StatusNotFound {
		t.Errorf("missing session: status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestHandleListFlows(t *testing.T) {
	t.Parallel()

	rec := get(t, newTestServer(t, prometheus.NewRegistry()).Handler(), "/api/flows")
	var got []FlowInfo
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []FlowInfo{{
		ID:          testFlowID.String(),
		Kind:        "video",
		Rate:        "30000/1001",
		GrainCount:  8,
		GrainSize:   1024,
		TotalSlices: 16,
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("flows mismatch (-want +got):\n%s", diff)
	}
}

func TestHandleHealthAndCertHash(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, prometheus.NewRegistry())
	h := srv.Handler()

	var health healthResponse
	if err := json.NewDecoder(get(t, h, "/api/health").Body).Decode(&health); err != nil {
		t.Fatal(err)
	}
	if health.Status != "ok" || health.Sessions != 2 || health.Version != "test" {
		t.Errorf("health: %+v", health)
	}

	var hash certHashResponse
	if err := json.NewDecoder(get(t, h, "/api/cert-hash").Body).Decode(&hash); err != nil {
		t.Fatal(err)
	}
	if hash.Hash != srv.config.Cert.FingerprintBase64() {
		t.Errorf("hash: got %q", hash.Hash)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.RecordUnit("cam-in", "sink", "video", 1024)

	rec := get(t, newTestServer(t, reg).Handler(), "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `flowbridge_session_bytes_total{kind="video",role="sink",session="cam-in"} 1024`) {
		t.Errorf("metrics body missing bytes series:\n%s", body)
	}
}

func TestUnknownMethod(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest("POST", "/api/sessions", nil)
	rec := httptest.NewRecorder()
	newTestServer(t, prometheus.NewRegistry()).Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

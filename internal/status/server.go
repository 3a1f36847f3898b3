// Package status serves the bridge's read-only HTTP API: session snapshots,
// flow geometry and Prometheus metrics, over HTTP/3 with a self-signed
// certificate.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"github.com/zsiec/flowbridge/internal/certs"
	"github.com/zsiec/flowbridge/internal/flow"
	"github.com/zsiec/flowbridge/internal/session"
)

// SessionLister returns snapshots of all sessions.
type SessionLister func() []session.Snapshot

// FlowLister returns the flows known to the engine.
type FlowLister func() []flow.Info

// FlowInfo is the JSON form of a flow's geometry.
type FlowInfo struct {
	ID             string `json:"id"`
	Kind           string `json:"kind"`
	Rate           string `json:"rate"`
	GrainCount     uint32 `json:"grainCount,omitempty"`
	GrainSize      int    `json:"grainSize,omitempty"`
	TotalSlices    uint16 `json:"totalSlices,omitempty"`
	Channels       int    `json:"channels,omitempty"`
	BytesPerSample int    `json:"bytesPerSample,omitempty"`
	BufferLength   uint64 `json:"bufferLength,omitempty"`
	BatchHint      uint32 `json:"batchHint,omitempty"`
}

func flowInfo(i flow.Info) FlowInfo {
	return FlowInfo{
		ID:             i.ID.String(),
		Kind:           i.Kind.String(),
		Rate:           i.Rate.String(),
		GrainCount:     i.GrainCount,
		GrainSize:      i.GrainSize,
		TotalSlices:    i.TotalSlices,
		Channels:       i.Channels,
		BytesPerSample: i.BytesPerSample,
		BufferLength:   i.BufferLength,
		BatchHint:      i.BatchHint,
	}
}

// ServerConfig holds the status server's listen address, certificate and
// data sources.
type ServerConfig struct {
	Addr     string
	Cert     *certs.CertInfo
	Version  string
	Sessions SessionLister
	Flows    FlowLister
	// Gatherer backs /metrics. Nil uses prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
}

// Server is the HTTP/3 status server.
type Server struct {
	config ServerConfig
	log    *slog.Logger
	start  time.Time
	h3     *http3.Server
}

// NewServer creates a status server. It returns an error if required fields
// are missing.
func NewServer(config ServerConfig, log *slog.Logger) (*Server, error) {
	if config.Cert == nil {
		return nil, errors.New("status: Cert is required")
	}
	if config.Addr == "" {
		return nil, errors.New("status: Addr is required")
	}
	if config.Sessions == nil {
		return nil, errors.New("status: Sessions is required")
	}
	if config.Gatherer == nil {
		config.Gatherer = prometheus.DefaultGatherer
	}
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		config: config,
		log:    log.With("component", "status"),
		start:  time.Now(),
	}, nil
}

// Handler returns the API handler, for serving over HTTP/3 or any other
// transport.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{name}", s.handleGetSession)
	mux.HandleFunc("GET /api/flows", s.handleListFlows)
	mux.HandleFunc("GET /api/cert-hash", s.handleCertHash)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{}))
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// Start serves the API over HTTP/3 and blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.h3 = &http3.Server{
		Addr:      s.config.Addr,
		Handler:   s.Handler(),
		TLSConfig: s.config.Cert.TLSConfig(),
		QUICConfig: &quic.Config{
			MaxIdleTimeout: 30 * time.Second,
		},
	}

	s.log.Info("status server listening", "addr", s.config.Addr, "cert_hash", s.config.Cert.FingerprintBase64())

	stop := context.AfterFunc(ctx, func() { s.h3.Close() })
	defer stop()

	err := s.h3.ListenAndServe()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

type healthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version,omitempty"`
	UptimeMs int64  `json:"uptimeMs"`
	Sessions int    `json:"sessions"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		Version:  s.config.Version,
		UptimeMs: time.Since(s.start).Milliseconds(),
		Sessions: len(s.config.Sessions()),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	list := s.config.Sessions()
	if list == nil {
		list = []session.Snapshot{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	for _, snap := range s.config.Sessions() {
		if snap.Name == name {
			writeJSON(w, http.StatusOK, snap)
			return
		}
	}
	writeError(w, http.StatusNotFound, "session not found")
}

func (s *Server) handleListFlows(w http.ResponseWriter, _ *http.Request) {
	resp := []FlowInfo{}
	if s.config.Flows != nil {
		for _, f := range s.config.Flows() {
			resp = append(resp, flowInfo(f))
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type certHashResponse struct {
	Hash string `json:"hash"`
	Addr string `json:"addr"`
}

func (s *Server) handleCertHash(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, certHashResponse{
		Hash: s.config.Cert.FingerprintBase64(),
		Addr: s.config.Addr,
	})
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/flowbridge/internal/certs"
	"github.com/zsiec/flowbridge/internal/clock"
	"github.com/zsiec/flowbridge/internal/config"
	"github.com/zsiec/flowbridge/internal/flow"
	"github.com/zsiec/flowbridge/internal/media"
	"github.com/zsiec/flowbridge/internal/memflow"
	"github.com/zsiec/flowbridge/internal/metrics"
	"github.com/zsiec/flowbridge/internal/pipeline"
	"github.com/zsiec/flowbridge/internal/session"
	"github.com/zsiec/flowbridge/internal/status"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := loadConfig(envOr("CONFIG", ""))
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg.Domain = envOr("DOMAIN", cfg.Domain)
	cfg.Status.Addr = envOr("STATUS_ADDR", cfg.Status.Addr)
	apiAddr := envOr("API_ADDR", ":4446")

	slog.Info("generating self-signed certificate")
	cert, err := certs.Generate(certs.DefaultValidity, cfg.Status.CertHosts...)
	if err != nil {
		slog.Error("failed to generate cert", "error", err)
		os.Exit(1)
	}
	slog.Info("certificate generated",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	domain := memflow.NewDomain(cfg.Domain, memflow.WithLogger(slog.Default()))
	defer domain.Close()

	a := &app{
		cfg:     cfg,
		domain:  domain,
		running: clock.NewSystemClock(),
		mgr:     session.NewManager(domain, nil, session.WithMetrics(metrics.New(reg))),
	}
	runners, err := a.build()
	if err != nil {
		slog.Error("failed to set up flows", "error", err)
		os.Exit(1)
	}

	statusSrv, err := status.NewServer(status.ServerConfig{
		Addr:     cfg.Status.Addr,
		Cert:     cert,
		Version:  version,
		Sessions: a.mgr.List,
		Flows:    domain.Flows,
		Gatherer: reg,
	}, nil)
	if err != nil {
		slog.Error("failed to create status server", "error", err)
		os.Exit(1)
	}

	slog.Info("flowbridge starting",
		"version", version,
		"domain", cfg.Domain,
		"flows", len(cfg.Flows),
		"status", cfg.Status.Addr,
		"api", apiAddr,
		"cert_hash", cert.FingerprintBase64(),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return pipeline.RunAll(ctx, runners...)
	})

	g.Go(func() error {
		return statusSrv.Start(ctx)
	})

	apiSrv := &http.Server{
		Addr:      apiAddr,
		Handler:   statusSrv.Handler(),
		TLSConfig: cert.TLSConfig(),
	}
	apiSrv.TLSConfig.NextProtos = nil

	g.Go(func() error {
		slog.Info("HTTPS API server listening", "addr", apiAddr)
		if err := apiSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return apiSrv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		<-ctx.Done()
		return a.mgr.StopAll()
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("flowbridge stopped")
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		slog.Info("no CONFIG set, using the built-in demo flows")
		return config.Default(), nil
	}
	return config.Load(path)
}

type app struct {
	cfg     *config.Config
	domain  *memflow.Domain
	running clock.RunningClock
	mgr     *session.Manager
}

// build creates every configured flow and the sessions, generators and
// pumps bound to it.
func (a *app) build() ([]pipeline.Runner, error) {
	var runners []pipeline.Runner
	for _, f := range a.cfg.Flows {
		info, err := a.domain.CreateFlow(f.Info())
		if err != nil {
			return nil, fmt.Errorf("flow %s: %w", f.Name, err)
		}
		slog.Info("flow created", "name", f.Name, "id", info.ID, "kind", info.Kind, "rate", info.Rate)

		if f.Generate {
			s, err := a.mgr.Create(a.cfg.SessionConfig(f, session.RoleSink), session.WithRunningClock(a.running))
			if err != nil {
				return nil, err
			}
			gen, err := pipeline.NewGenerator(generatorConfig(f), s, a.running, nil)
			if err != nil {
				return nil, fmt.Errorf("flow %s: %w", f.Name, err)
			}
			runners = append(runners, &bound{s: s, run: gen})
		}

		if f.Consume {
			s, err := a.mgr.Create(a.cfg.SessionConfig(f, session.RoleSource), session.WithRunningClock(a.running))
			if err != nil {
				return nil, err
			}
			mon := pipeline.NewMonitor(slog.With("session", s.Name()))
			pump := pipeline.NewPump(s, mon.Consume, a.cfg.Timeouts.ReopenAfterEmpty, nil)
			runners = append(runners, &bound{s: s, run: pump})
		}
	}
	return runners, nil
}

func generatorConfig(f config.Flow) pipeline.GeneratorConfig {
	if f.Kind == flow.KindVideo {
		return pipeline.GeneratorConfig{Kind: f.Kind, Rate: f.Rate, FrameSize: f.GrainSize}
	}
	return pipeline.GeneratorConfig{
		Kind:            f.Kind,
		Rate:            f.Rate,
		Layout:          media.AudioLayout{Channels: f.Channels, BytesPerSample: f.BytesPerSample},
		FramesPerBuffer: int(f.BatchHint),
	}
}

// bound starts a session before running the loop that drives it.
type bound struct {
	s   *session.Session
	run pipeline.Runner
}

func (b *bound) Run(ctx context.Context) error {
	if err := b.s.Start(ctx); err != nil {
		if ctx.Err() != nil || errors.Is(err, flow.ErrSessionNotActive) {
			return nil
		}
		return fmt.Errorf("session %s: %w", b.s.Name(), err)
	}
	return b.run.Run(ctx)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

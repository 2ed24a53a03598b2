package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/phuslu/log"
	"golang.org/x/sync/errgroup"

	"github.com/tutu-network/docreview/internal/api"
	"github.com/tutu-network/docreview/internal/broadcast"
	"github.com/tutu-network/docreview/internal/domain"
	"github.com/tutu-network/docreview/internal/health"
	"github.com/tutu-network/docreview/internal/infra/engine"
	"github.com/tutu-network/docreview/internal/infra/extract"
	_ "github.com/tutu-network/docreview/internal/infra/metrics" // Register Prometheus metrics
	"github.com/tutu-network/docreview/internal/infra/sqlite"
	"github.com/tutu-network/docreview/internal/runner"
)

// shutdownTimeout bounds draining HTTP connections and in-flight runs.
const shutdownTimeout = 30 * time.Second

// Daemon is the docreview runtime. It wires together all services.
type Daemon struct {
	Config    Config
	DB        *sqlite.DB
	Extractor *extract.Extractor
	Engine    domain.Engine
	Registry  *broadcast.Registry
	Runner    *runner.Runner
	Server    *api.Server
	Health    *health.Checker
	cancel    context.CancelFunc
}

// New creates and initializes a Daemon from the config file.
func New() (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(cfg)
}

// NewWithConfig creates a Daemon with the given configuration.
func NewWithConfig(cfg Config) (*Daemon, error) {
	dir := cfg.Storage.Dir
	if dir == "" {
		dir = docreviewHome()
	}
	db, err := sqlite.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	ext, err := extract.New(cfg.Storage.ExtractCache)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create extractor: %w", err)
	}

	var (
		eng         domain.Engine
		engineCheck func() error
	)
	switch cfg.Engine.Kind {
	case EngineDemo:
		eng = engine.NewScripted(engine.DemoScript(parseDuration(cfg.Engine.DemoPace, 150*time.Millisecond)))
	default:
		claude := engine.NewClaude(cfg.ClaudeConfig())
		eng = claude
		engineCheck = func() error {
			_, err := claude.Binary()
			return err
		}
	}

	reg := broadcast.NewRegistry(cfg.Stream.MaxSubscribers, cfg.TeardownGrace())
	run := runner.New(db, ext, eng, reg, cfg.RunnerConfig())

	checker := health.NewChecker(db, dir, engineCheck)

	srv := api.NewServer(db, run, cfg.ServerConfig())
	srv.SetHealth(checker)
	if cfg.API.Metrics {
		srv.EnableMetrics()
	}

	d := &Daemon{
		Config:    cfg,
		DB:        db,
		Extractor: ext,
		Engine:    eng,
		Registry:  reg,
		Runner:    run,
		Server:    srv,
		Health:    checker,
	}

	// Jobs a previous process left behind will never finish; fail them so
	// their pollers terminate.
	if _, err := run.RecoverInterrupted(); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// Serve starts the HTTP server and blocks until ctx ends or SIGINT/SIGTERM
// arrives, then shuts down gracefully.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	defer cancel()

	// Request contexts end when shutdown begins, so streams still waiting
	// for a run to start let go of their connections.
	reqCtx, reqCancel := context.WithCancel(context.Background())
	defer reqCancel()

	addr := d.Config.Addr()
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           d.Server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		BaseContext:       func(net.Listener) context.Context { return reqCtx },
		// No WriteTimeout: progress streams stay open for the whole run.
	}
	httpServer.RegisterOnShutdown(reqCancel)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		d.Health.Run(gctx)
		return nil
	})

	g.Go(func() error {
		log.Info().Str("component", "daemon").Str("addr", "http://"+addr).
			Str("engine", d.Config.Engine.Kind).Bool("metrics", d.Config.API.Metrics).Msg("docreview serving")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Str("component", "daemon").Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()

		// Fail in-flight runs first so open streams deliver their complete
		// event, then close the listener and the remaining connections.
		if err := d.Runner.Shutdown(shutdownCtx); err != nil {
			log.Warn().Str("component", "daemon").Err(err).Msg("runs still active at shutdown")
		}
		return httpServer.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	d.DB.Close()
	return err
}

// Close shuts down all daemon resources.
func (d *Daemon) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.Runner != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = d.Runner.Shutdown(ctx)
	}
	if d.DB != nil {
		_ = d.DB.Close()
	}
}

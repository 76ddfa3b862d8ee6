package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/elexd/internal/config"
	"github.com/fyrsmithlabs/elexd/internal/events"
	"github.com/fyrsmithlabs/elexd/internal/gossip"
	httpserver "github.com/fyrsmithlabs/elexd/internal/http"
	"github.com/fyrsmithlabs/elexd/internal/intelligence"
	"github.com/fyrsmithlabs/elexd/internal/logging"
	"github.com/fyrsmithlabs/elexd/internal/patterns"
	"github.com/fyrsmithlabs/elexd/internal/secrets"
	"github.com/fyrsmithlabs/elexd/internal/storage"
	"github.com/fyrsmithlabs/elexd/internal/telemetry"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the agent until interrupted",
		Long: `Run the agent: restore persisted state, join the sync group when enabled,
serve diagnostics over HTTP, and persist state periodically and on shutdown.

Examples:
  elexd run
  elexd --config /etc/elexd/config.yaml run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx)
		},
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	a, err := newAgent(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	return a.serve(ctx)
}

// agent owns every long-lived component of a running process.
type agent struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	logger *logging.Logger
	zl     *zap.Logger
	store  *storage.Store
	nc     *nats.Conn
	bus    *events.Bus
	svc    *intelligence.Service
	server *httpserver.Server
}

func newAgent(ctx context.Context, cfg *config.Config) (*agent, error) {
	a := &agent{cfg: cfg}
	ready := false
	defer func() {
		if !ready {
			a.close()
		}
	}()

	var err error
	a.tel, err = telemetry.New(ctx, telemetryConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}
	if cfg.Logging.OTEL {
		a.tel.SetLoggerProvider(global.GetLoggerProvider())
	}

	lc, err := logging.NewConfig(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OTEL)
	if err != nil {
		return nil, fmt.Errorf("logging config: %w", err)
	}
	if lc.Fields == nil {
		lc.Fields = make(map[string]string)
	}
	lc.Fields["agent_id"] = cfg.Agent.ID
	lc.Fields["version"] = version
	a.logger, err = logging.NewLogger(lc, a.tel.LoggerProvider())
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	a.zl = a.logger.Underlying()
	ctx = logging.WithLogger(ctx, a.logger)

	if !cfg.Storage.InMemory {
		if err := config.EnsureDir(cfg.Storage.Path); err != nil {
			return nil, fmt.Errorf("creating state directory: %w", err)
		}
	}
	a.store, err = storage.Open(cfg.StorageConfig(), a.zl)
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}

	opts := []intelligence.Option{
		intelligence.WithLogger(a.zl),
		intelligence.WithStateStore(a.store),
	}

	if cfg.Patterns.Archive {
		if err := config.EnsureDir(cfg.Patterns.ArchivePath); err != nil {
			return nil, fmt.Errorf("creating pattern archive directory: %w", err)
		}
		archive, err := patterns.OpenChromemArchive(cfg.Patterns.ArchivePath, cfg.Patterns.ArchiveCompress, cfg.Patterns.Dimension, a.zl)
		if err != nil {
			return nil, fmt.Errorf("opening pattern archive: %w", err)
		}
		opts = append(opts, intelligence.WithPatternArchive(archive))
	}

	if cfg.Patterns.ScrubSecrets {
		opts = append(opts, intelligence.WithScrubber(secrets.MustNew(secrets.DefaultConfig())))
	}

	if cfg.Sync.Enabled {
		a.nc, err = connectNATS(cfg, a.zl)
		if err != nil {
			return nil, err
		}
		transport, err := gossip.NewNATSTransport(a.nc, cfg.Sync.SubjectPrefix, a.zl)
		if err != nil {
			return nil, fmt.Errorf("creating sync transport: %w", err)
		}
		opts = append(opts, intelligence.WithSync(transport, cfg.GossipConfig()))
	}

	a.bus = events.NewBus(a.zl)
	a.bus.Subscribe(logEvents(a.zl),
		events.TypeMerge, events.TypeAnomaly, events.TypePeerOnline,
		events.TypePeerOffline, events.TypeEpsilonDecayed, events.TypePatternEvicted)
	opts = append(opts, intelligence.WithPublisher(a.bus))

	a.svc, err = intelligence.New(cfg.IntelligenceConfig(), opts...)
	if err != nil {
		return nil, fmt.Errorf("creating intelligence service: %w", err)
	}
	if err := a.svc.LoadState(ctx); err != nil {
		return nil, fmt.Errorf("restoring state: %w", err)
	}

	if cfg.Server.Enabled {
		a.server, err = httpserver.NewServer(a.svc, a.zl, &httpserver.Config{
			Host: cfg.Server.Host,
			Port: cfg.Server.Port,
		})
		if err != nil {
			return nil, fmt.Errorf("creating http server: %w", err)
		}
		a.server.AddHealthCheck("telemetry", a.tel.Check)
		if a.nc != nil {
			a.server.AddHealthCheck("nats", func() error {
				if !a.nc.IsConnected() {
					return fmt.Errorf("nats %s", a.nc.Status())
				}
				return nil
			})
		}
	}

	a.logger.Info(ctx, "agent initialized",
		zap.Bool("sync_enabled", cfg.Sync.Enabled),
		zap.Bool("pattern_archive", cfg.Patterns.Archive),
		zap.String("state_path", a.store.Path()),
		zap.Int("q_entries", a.svc.QTable().Len()))
	ready = true
	return a, nil
}

func telemetryConfig(cfg *config.Config) *telemetry.Config {
	tc := telemetry.NewDefaultConfig()
	obs := cfg.Observability
	tc.Enabled = obs.EnableTelemetry
	tc.Endpoint = obs.Endpoint
	tc.Protocol = obs.Protocol
	tc.Insecure = obs.Insecure
	tc.ServiceName = obs.ServiceName
	tc.ServiceVersion = version
	tc.SampleRate = obs.SampleRate
	tc.Metrics = obs.EnableMetrics
	return tc
}

func connectNATS(cfg *config.Config, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("elexd-" + cfg.Agent.ID),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.Sync.MaxReconnects),
		nats.ReconnectWait(cfg.Sync.ReconnectWait.Duration()),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrlRedacted()))
		}),
	}
	if cfg.Sync.Token.IsSet() {
		opts = append(opts, nats.Token(cfg.Sync.Token.Value()))
	}

	logger.Info("connecting to nats",
		zap.String("url", cfg.Sync.NATSURL),
		zap.String("subject_prefix", cfg.Sync.SubjectPrefix),
		logging.Secret("sync_token", cfg.Sync.Token))
	nc, err := nats.Connect(cfg.Sync.NATSURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	return nc, nil
}

func logEvents(logger *zap.Logger) events.Handler {
	return func(ev events.Event) error {
		logger.Info("agent event",
			zap.String("event_type", string(ev.Type)),
			zap.String("event_id", ev.ID),
			zap.Any("data", ev.Data))
		return nil
	}
}

// serve runs the sync loop, the HTTP server and the maintenance tickers
// until ctx is cancelled.
func (a *agent) serve(ctx context.Context) error {
	if a.cfg.Sync.Enabled {
		if err := a.svc.StartSync(ctx); err != nil {
			return fmt.Errorf("starting sync: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if a.server != nil {
		g.Go(a.server.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration())
			defer cancel()
			return a.server.Shutdown(shutdownCtx)
		})
	}

	every(gctx, g, a.cfg.Storage.SaveInterval.Duration(), func() {
		if err := a.svc.SaveState(gctx); err != nil {
			a.zl.Warn("periodic state save failed", zap.Error(err))
		}
	})
	every(gctx, g, a.cfg.Learning.DecayInterval.Duration(), func() {
		a.svc.DecayExploration()
	})
	every(gctx, g, a.cfg.Learning.ReplayInterval.Duration(), func() {
		if n := a.svc.ReplayExperience(gctx, a.cfg.Learning.ReplayBatch); n > 0 {
			a.zl.Debug("replayed experience", zap.Int("updates", n))
		}
	})

	a.zl.Info("agent running")
	err := g.Wait()

	if a.cfg.Sync.Enabled {
		if serr := a.svc.StopSync(); serr != nil {
			a.zl.Warn("stopping sync", zap.Error(serr))
		}
	}
	saveCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if serr := a.svc.SaveState(saveCtx); serr != nil {
		err = errors.Join(err, fmt.Errorf("saving state: %w", serr))
	}
	a.zl.Info("agent stopped")
	return err
}

// every runs fn on interval until ctx is done. A zero interval disables it.
func every(ctx context.Context, g *errgroup.Group, interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				fn()
			}
		}
	})
}

// close releases components in reverse order of construction. It is safe on
// a partially built agent.
func (a *agent) close() {
	if a.svc != nil {
		if err := a.svc.Close(); err != nil && a.zl != nil {
			a.zl.Warn("closing intelligence service", zap.Error(err))
		}
	}
	if a.bus != nil {
		a.bus.Close()
	}
	if a.nc != nil {
		if err := a.nc.Drain(); err != nil && a.zl != nil {
			a.zl.Warn("draining nats connection", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil && a.zl != nil {
			a.zl.Warn("closing state store", zap.Error(err))
		}
	}
	if a.tel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.tel.Shutdown(ctx); err != nil && a.zl != nil {
			a.zl.Warn("telemetry shutdown", zap.Error(err))
		}
		cancel()
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

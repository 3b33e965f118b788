package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/vidgen/internal/config"
	"github.com/3leaps/vidgen/internal/observability"
	"github.com/3leaps/vidgen/internal/server"
	"github.com/3leaps/vidgen/internal/server/handlers"
	"github.com/3leaps/vidgen/pkg/events"
	amqpevents "github.com/3leaps/vidgen/pkg/events/amqp"
	"github.com/3leaps/vidgen/pkg/fetch"
	"github.com/3leaps/vidgen/pkg/jobregistry"
	"github.com/3leaps/vidgen/pkg/profile"
	"github.com/3leaps/vidgen/pkg/profile/postgres"
	"github.com/3leaps/vidgen/pkg/profile/sqlite"
	"github.com/3leaps/vidgen/pkg/provider"
	fileprovider "github.com/3leaps/vidgen/pkg/provider/file"
	minioprovider "github.com/3leaps/vidgen/pkg/provider/minio"
	s3provider "github.com/3leaps/vidgen/pkg/provider/s3"
	"github.com/3leaps/vidgen/pkg/videogen"
	"github.com/3leaps/vidgen/pkg/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the job API and worker orchestrator",
	Long: `Start the HTTP job control API.

Jobs run in this process. On SIGINT or SIGTERM the server stops accepting
requests, running workers are killed and their jobs are marked as errored.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "", "listen host (overrides server.host)")
	serveCmd.Flags().Int("port", 0, "listen port (overrides server.port)")
	serveCmd.Flags().Int("max-concurrent", 0, "maximum running workers, 0 = unlimited (overrides worker.max_concurrent)")
}

func serveOverrides(cmd *cobra.Command) map[string]any {
	out := map[string]any{}
	srv := map[string]any{}
	if cmd.Flags().Changed("host") {
		v, _ := cmd.Flags().GetString("host")
		srv["host"] = v
	}
	if cmd.Flags().Changed("port") {
		v, _ := cmd.Flags().GetInt("port")
		srv["port"] = v
	}
	if len(srv) > 0 {
		out["server"] = srv
	}
	if cmd.Flags().Changed("max-concurrent") {
		v, _ := cmd.Flags().GetInt("max-concurrent")
		out["worker"] = map[string]any{"max_concurrent": v}
	}
	if logLevel != "" {
		out["logging"] = map[string]any{"level": logLevel}
	}
	return out
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx, serveOverrides(cmd))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to load config", err)
	}
	if err := observability.InitServerLogger(appIdentity.BinaryName, cfg.Logging.Level, cfg.Logging.Profile); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to initialize logger", err)
	}
	logger := observability.ServerLogger
	defer observability.Sync()

	comps, err := buildComponents(ctx, cfg, logger)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to initialize backends", err)
	}
	defer comps.close(logger)

	var metrics videogen.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.InitTelemetry(appIdentity.BinaryName,
			net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Metrics.Port)))
	}

	orch, err := videogen.New(videogen.Config{
		Python:         cfg.Worker.Python,
		Script:         cfg.Worker.Script,
		Dir:            cfg.Worker.Dir,
		Env:            cfg.Worker.Env,
		OutputDir:      cfg.Worker.OutputDir,
		ArtifactSuffix: cfg.Worker.ArtifactSuffix,
		ArtifactGlob:   cfg.Worker.ArtifactGlob,
		Folder:         cfg.Storage.Folder,
		Timeout:        cfg.Worker.Timeout,
		MaxConcurrent:  cfg.Worker.MaxConcurrent,
	}, videogen.Deps{
		Store:    comps.store,
		Runner:   worker.NewExecRunner(logger.Named("worker")),
		Resolver: comps.resolver,
		Uploader: comps.uploader,
		Profile:  comps.profile,
		Events:   comps.events,
		Metrics:  metrics,
		Logger:   logger.Named("videogen"),
	})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid worker configuration", err)
	}
	if cfg.Metrics.Enabled {
		if err := observability.TelemetrySystem.TrackInFlight(orch.InFlight); err != nil {
			return exitError(foundry.ExitFailure, "Failed to register metrics", err)
		}
	}

	handlers.SetVersionInfo(versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate)
	if cfg.Health.Enabled {
		handlers.InitHealthManager(versionInfo.Version)
		hm := handlers.GetHealthManager()
		hm.RegisterChecker("signals", signalHealthChecker{})
		hm.RegisterChecker("identity", identityHealthChecker{
			binaryName: appIdentity.BinaryName,
			envPrefix:  appIdentity.EnvPrefix,
			configName: appIdentity.ConfigName,
		})
		if cfg.Metrics.Enabled {
			hm.RegisterChecker("telemetry", telemetryHealthChecker{})
		}
		for name, c := range comps.checks {
			hm.RegisterChecker(name, c)
		}
	}

	srv := server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithLogger(logger.Named("http")),
		server.WithJobs(handlers.NewJobsHandler(orch, logger.Named("api"))),
		server.WithSubmitLimit(cfg.Server.SubmitRate, cfg.Server.SubmitBurst),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
	)

	serveErr := make(chan error, 2)
	go func() { serveErr <- srv.Start() }()
	if exp := observability.PrometheusExporter; cfg.Metrics.Enabled && exp != nil {
		go func() {
			if err := exp.Start(); err != nil {
				serveErr <- fmt.Errorf("metrics exporter: %w", err)
			}
		}()
	}

	logger.Info("Service started",
		zap.String("addr", srv.Addr()),
		zap.String("version", versionInfo.Version),
		zap.String("jobs_backend", cfg.Jobs.Backend),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("profile_backend", cfg.Profile.Backend),
		zap.String("events_backend", cfg.Events.Backend))

	select {
	case err := <-serveErr:
		if err != nil {
			_ = orch.Shutdown(context.Background())
			return exitError(foundry.ExitFailure, "Server failed", err)
		}
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn("HTTP server shutdown incomplete", zap.Error(err))
	}
	if exp := observability.PrometheusExporter; cfg.Metrics.Enabled && exp != nil {
		if err := exp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Metrics exporter shutdown incomplete", zap.Error(err))
		}
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Job shutdown incomplete", zap.Error(err))
	}
	logger.Info("Service stopped")
	return nil
}

func shutdownTimeout(cfg *config.Config) time.Duration {
	if cfg.Server.ShutdownTimeout > 0 {
		return cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

// components are the backends selected by config.
type components struct {
	store    jobregistry.Store
	uploader provider.Uploader
	profile  profile.Updater
	events   events.Publisher
	resolver *fetch.Resolver

	checks  map[string]handlers.HealthChecker
	closers []func() error
}

func (c *components) onClose(fn func() error) { c.closers = append(c.closers, fn) }

func (c *components) addPinger(name string, v any) {
	if p, ok := v.(provider.Pinger); ok {
		c.checks[name] = handlers.HealthCheckerFunc(p.Ping)
	}
}

// addStoragePinger registers the storage readiness check. Bucket and
// credential misconfiguration is reported distinctly from an outage.
func (c *components) addStoragePinger(v any) {
	if p, ok := v.(provider.Pinger); ok {
		c.checks["storage"] = handlers.HealthCheckerFunc(func(ctx context.Context) error {
			return provider.ReadinessError(p.Ping(ctx))
		})
	}
}

func (c *components) close(logger *zap.Logger) {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			logger.Warn("Failed to close backend", zap.Error(err))
		}
	}
}

func buildComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *components, err error) {
	c := &components{checks: map[string]handlers.HealthChecker{}}
	defer func() {
		if err != nil {
			c.close(logger)
		}
	}()

	switch cfg.Jobs.Backend {
	case config.JobsBackendRedis:
		rs, err := jobregistry.NewRedisStore(ctx, jobregistry.RedisOptions{
			Addr:      cfg.Jobs.Redis.Addr,
			Password:  cfg.Jobs.Redis.Password,
			DB:        cfg.Jobs.Redis.DB,
			Prefix:    cfg.Jobs.Redis.Prefix,
			Retention: cfg.Jobs.Retention,
		})
		if err != nil {
			return nil, err
		}
		c.store = rs
		c.addPinger("jobs", rs)
		c.onClose(rs.Close)
	default:
		ms := jobregistry.NewMemoryStore(jobregistry.MemoryOptions{Retention: cfg.Jobs.Retention})
		stopJanitor := ms.StartJanitor(ctx, cfg.Jobs.JanitorInterval)
		c.store = ms
		c.onClose(func() error { stopJanitor(); return ms.Close() })
	}

	switch cfg.Storage.Backend {
	case config.StorageBackendS3:
		p, err := s3provider.New(ctx, s3provider.Config{
			Bucket:          cfg.Storage.S3.Bucket,
			Region:          cfg.Storage.S3.Region,
			Endpoint:        cfg.Storage.S3.Endpoint,
			Profile:         cfg.Storage.S3.Profile,
			AccessKeyID:     cfg.Storage.S3.AccessKeyID,
			SecretAccessKey: cfg.Storage.S3.SecretAccessKey,
			ForcePathStyle:  cfg.Storage.S3.ForcePathStyle,
			PublicBaseURL:   cfg.Storage.S3.PublicBaseURL,
		})
		if err != nil {
			return nil, err
		}
		c.uploader = p
		c.addStoragePinger(p)
		c.onClose(p.Close)
	case config.StorageBackendMinio:
		p, err := minioprovider.New(minioprovider.Config{
			Endpoint:      cfg.Storage.Minio.Endpoint,
			AccessKey:     cfg.Storage.Minio.AccessKey,
			SecretKey:     cfg.Storage.Minio.SecretKey,
			Bucket:        cfg.Storage.Minio.Bucket,
			Region:        cfg.Storage.Minio.Region,
			Secure:        cfg.Storage.Minio.Secure,
			PublicBaseURL: cfg.Storage.Minio.PublicBaseURL,
		})
		if err != nil {
			return nil, err
		}
		c.uploader = p
		c.addStoragePinger(p)
		c.onClose(p.Close)
	default:
		p, err := fileprovider.New(fileprovider.Config{
			BaseDir: cfg.Storage.File.Dir,
			BaseURL: cfg.Storage.File.BaseURL,
		})
		if err != nil {
			return nil, err
		}
		c.uploader = p
		c.addStoragePinger(p)
		c.onClose(p.Close)
	}

	switch cfg.Profile.Backend {
	case config.ProfileBackendSQLite:
		s, err := sqlite.Open(ctx, cfg.Profile.SQLite.Path)
		if err != nil {
			return nil, err
		}
		c.profile = s
		c.addPinger("profile", s)
		c.onClose(s.Close)
	case config.ProfileBackendPostgres:
		s, err := postgres.Open(ctx, cfg.Profile.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		c.profile = s
		c.addPinger("profile", s)
		c.onClose(s.Close)
	default:
		c.profile = profile.Nop{Logger: logger.Named("profile")}
	}

	switch cfg.Events.Backend {
	case config.EventsBackendAMQP:
		p, err := amqpevents.Dial(amqpevents.Config{
			URL:        cfg.Events.AMQP.URL,
			Exchange:   cfg.Events.AMQP.Exchange,
			RoutingKey: cfg.Events.AMQP.RoutingKey,
		})
		if err != nil {
			return nil, err
		}
		c.events = p
		c.addPinger("events", p)
		c.onClose(p.Close)
	default:
		c.events = events.Nop{}
	}

	c.resolver = &fetch.Resolver{
		Client:     &http.Client{Timeout: cfg.Fetch.Timeout},
		UploadsDir: cfg.UploadsDir,
		MaxBytes:   cfg.Fetch.MaxBytes,
	}
	return c, nil
}

// signalHealthChecker reports healthy while the process can receive signals.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(context.Context) error { return nil }

// telemetryHealthChecker fails until the metrics system is initialized.
type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(context.Context) error {
	if observability.TelemetrySystem == nil || observability.PrometheusExporter == nil {
		return errors.New("telemetry system not initialized")
	}
	return nil
}

// identityHealthChecker fails when the app identity is incomplete.
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(context.Context) error {
	switch {
	case c.binaryName == "":
		return fmt.Errorf("app identity: missing binary name")
	case c.envPrefix == "":
		return fmt.Errorf("app identity: missing env prefix")
	case c.configName == "":
		return fmt.Errorf("app identity: missing config name")
	}
	return nil
}

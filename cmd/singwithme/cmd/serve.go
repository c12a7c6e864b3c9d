package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Sepzie/SingWithMe/internal/config"
	"github.com/Sepzie/SingWithMe/pkg/api"
	"github.com/Sepzie/SingWithMe/pkg/artifacts"
	"github.com/Sepzie/SingWithMe/pkg/audio"
	"github.com/Sepzie/SingWithMe/pkg/jobs"
	"github.com/Sepzie/SingWithMe/pkg/logging"
	"github.com/Sepzie/SingWithMe/pkg/metrics"
	"github.com/Sepzie/SingWithMe/pkg/notify"
	"github.com/Sepzie/SingWithMe/pkg/ratelimit"
	"github.com/Sepzie/SingWithMe/pkg/retry"
	"github.com/Sepzie/SingWithMe/pkg/separation"
	"github.com/Sepzie/SingWithMe/pkg/shutdown"
	"github.com/Sepzie/SingWithMe/pkg/store"
	tlsutil "github.com/Sepzie/SingWithMe/pkg/tls"
	"github.com/Sepzie/SingWithMe/pkg/tracing"
	"github.com/Sepzie/SingWithMe/pkg/transcription"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the SingWithMe server",
	Long: `Start the HTTP API and the processing workers.

Jobs left unfinished by a previous run are marked failed on startup.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	flags := serveCmd.Flags()
	flags.String("addr", ":8000", "listen address")
	flags.String("store", "sqlite", "job store: memory, sqlite or postgres")
	flags.String("db", "singwithme.db", "SQLite database path")
	flags.Int("workers", 2, "concurrent processing jobs")
	flags.String("separation-url", "http://localhost:5000", "separation service base URL")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.Bool("tls", false, "serve HTTPS")

	viper.BindPFlag("server.addr", flags.Lookup("addr"))
	viper.BindPFlag("store.type", flags.Lookup("store"))
	viper.BindPFlag("store.path", flags.Lookup("db"))
	viper.BindPFlag("jobs.workers", flags.Lookup("workers"))
	viper.BindPFlag("separation.url", flags.Lookup("separation-url"))
	viper.BindPFlag("log.level", flags.Lookup("log-level"))
	viper.BindPFlag("server.tls.enabled", flags.Lookup("tls"))
}

func newLogger(cfg config.LogConfig) (*logging.Logger, error) {
	level := logging.ParseLevel(cfg.Level)
	if cfg.Dir != "" {
		return logging.NewFileLogger(cfg.Dir, "server", level, cfg.JSON)
	}
	return logging.NewLogger(level, cfg.JSON), nil
}

func newArtifactStore(ctx context.Context, cfg *config.Config) (artifacts.Store, error) {
	if cfg.Artifacts.Backend == "s3" {
		s3cfg := cfg.Artifacts.S3
		return artifacts.NewS3Store(ctx, artifacts.S3Config{
			Bucket:          s3cfg.Bucket,
			Prefix:          s3cfg.Prefix,
			Region:          s3cfg.Region,
			Endpoint:        s3cfg.Endpoint,
			ForcePathStyle:  s3cfg.ForcePathStyle,
			AccessKeyID:     s3cfg.AccessKeyID,
			SecretAccessKey: s3cfg.SecretAccessKey,
			URLExpiry:       s3cfg.URLExpiry,
		})
	}
	// the pipeline already writes into the output dir, so local puts are free
	return artifacts.NewLocalStore(cfg.Jobs.OutputDir, cfg.Server.PublicURL)
}

// tlsHosts returns the names a generated certificate should cover
func tlsHosts(addr string) []string {
	hosts := []string{"localhost", "127.0.0.1"}
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		hosts = append(hosts, host)
	}
	return hosts
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx := cmd.Context()
	logger.Info("Starting SingWithMe server", map[string]interface{}{
		"version": version,
		"addr":    cfg.Server.Addr,
		"store":   cfg.Store.Type,
		"workers": cfg.Jobs.Workers,
	})

	tracer, err := tracing.InitTracer(tracing.Config{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		Enabled:        cfg.Tracing.Enabled,
	}, logger)
	if err != nil {
		return err
	}

	st, err := store.NewStore(store.Config{
		Type:            cfg.Store.Type,
		DSN:             cfg.Store.DSN,
		Path:            cfg.Store.Path,
		MaxOpenConns:    cfg.Store.MaxOpenConns,
		MaxIdleConns:    cfg.Store.MaxIdleConns,
		ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
	})
	if err != nil {
		return fmt.Errorf("failed to open job store: %w", err)
	}

	arts, err := newArtifactStore(ctx, cfg)
	if err != nil {
		st.Close()
		return fmt.Errorf("failed to set up artifact storage: %w", err)
	}

	m := metrics.New()
	if err := m.Register(metrics.NewStoreCollector(st)); err != nil {
		logger.Warn("Failed to register store collector", map[string]interface{}{"error": err.Error()})
	}

	hub := notify.NewHub(logger.WithField("component", "hub"))
	hub.OnDelivery(m.ObserveDelivery)
	tracker := jobs.NewTracker(st, hub, logger.WithField("component", "tracker"))

	downloads := retry.DefaultConfig()
	downloads.MaxRetries = cfg.Separation.RetryCount

	orch := jobs.New(jobs.Config{
		Workers:      cfg.Jobs.Workers,
		QueueSize:    cfg.Jobs.QueueSize,
		StageTimeout: cfg.Jobs.StageTimeout,
		OutputDir:    cfg.Jobs.OutputDir,
	}, jobs.Deps{
		Tracker: tracker,
		Separator: separation.NewClient(separation.Config{
			BaseURL: cfg.Separation.URL,
			Timeout: cfg.Separation.Timeout,
			Retry:   downloads,
		}),
		Transcriber: transcription.NewClient(transcription.Config{
			BaseURL: cfg.Transcription.URL,
			APIKey:  cfg.Transcription.APIKey,
			Model:   cfg.Transcription.Model,
			Timeout: cfg.Transcription.Timeout,
		}),
		Normalizer: &audio.Normalizer{
			Enabled:    cfg.Audio.Normalize,
			FFmpegPath: cfg.Audio.FFmpegPath,
		},
		Artifacts: arts,
		Logger:    logger.WithField("component", "orchestrator"),
		Metrics:   m,
		Tracer:    tracer,
	})

	if cfg.Transcription.APIKey == "" {
		logger.Warn("No transcription API key configured; transcription requests will be rejected")
	}

	n, err := orch.Recover(ctx)
	if err != nil {
		logger.Error("Failed to recover interrupted jobs", map[string]interface{}{"error": err.Error()})
	} else if n > 0 {
		logger.Info("Marked interrupted jobs failed", map[string]interface{}{"count": n})
	}
	orch.Start()

	var limiter *ratelimit.Limiter
	if cfg.Server.UploadRateLimit > 0 {
		limiter = ratelimit.NewLimiter(cfg.Server.UploadRateLimit, cfg.Server.UploadRateBurst)
	}

	handler := api.NewHandler(api.Config{
		UploadDir:        cfg.Server.UploadDir,
		MaxUploadBytes:   cfg.Server.MaxUploadBytes,
		MinFreeDiskBytes: cfg.Server.MinFreeDiskBytes,
	}, api.Deps{
		Tracker:       tracker,
		Jobs:          orch,
		Artifacts:     arts,
		Health:        st,
		Logger:        logger.WithField("component", "api"),
		Metrics:       m,
		UploadLimiter: limiter,
	})
	if cfg.Auth.APIKey == "" {
		logger.Warn("No API key configured; the API is open to anyone who can reach it")
	}

	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: api.NewRouter(handler, api.RouterConfig{
			CORSOrigins: cfg.Server.CORSOrigins,
			APIKey:      cfg.Auth.APIKey,
			Tracer:      tracer,
		}),
		ReadTimeout: cfg.Server.ReadTimeout,
		// no write timeout: status sockets stay open for the whole job
		IdleTimeout: cfg.Server.IdleTimeout,
	}
	if cfg.Server.TLS.Enabled {
		tlsConfig, err := tlsutil.ServerConfig(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile,
			cfg.Server.TLS.AutoGenerate, tlsHosts(cfg.Server.Addr)...)
		if err != nil {
			return fmt.Errorf("failed to load TLS config: %w", err)
		}
		srv.TLSConfig = tlsConfig
	}

	// steps run in reverse: stop accepting requests, drain the workers,
	// then release the hub, the tracer and the store
	sm := shutdown.New(cfg.Server.ShutdownTimeout, logger)
	sm.Register("job store", shutdown.CloseResource(st))
	sm.Register("tracer", tracer.Shutdown)
	sm.Register("notification hub", func(context.Context) error {
		hub.Close()
		return nil
	})
	sm.Register("orchestrator", orch.Shutdown)
	sm.Register("HTTP server", shutdown.StopHTTPServer(srv))

	if limiter != nil {
		go func() {
			ticker := time.NewTicker(5 * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if n := limiter.CleanupOldLimiters(10 * time.Minute); n > 0 {
						logger.Debug("Cleaned up idle rate limiters", map[string]interface{}{"removed": n})
					}
				case <-sm.Done():
					return
				}
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Listening", map[string]interface{}{
			"addr": cfg.Server.Addr,
			"tls":  cfg.Server.TLS.Enabled,
		})
		var err error
		if cfg.Server.TLS.Enabled {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", map[string]interface{}{"error": err.Error()})
			serveErr <- err
			sm.Trigger()
		}
	}()

	if err := sm.WaitWithContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	select {
	case err := <-serveErr:
		return err
	default:
		return nil
	}
}

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/yegors/voicejournal/internal/api"
	"github.com/yegors/voicejournal/internal/audio"
	"github.com/yegors/voicejournal/internal/config"
	"github.com/yegors/voicejournal/internal/insight"
	"github.com/yegors/voicejournal/internal/jobs"
	"github.com/yegors/voicejournal/internal/metrics"
	"github.com/yegors/voicejournal/internal/storage/blob"
	"github.com/yegors/voicejournal/internal/storage/sqlite"
	"github.com/yegors/voicejournal/internal/transcription"
	"github.com/yegors/voicejournal/internal/websocket"
	"github.com/yegors/voicejournal/pkg/logger"
)

var (
	// Version is injected at build time
	Version = "dev"
)

const (
	modeAll    = "all"
	modeAPI    = "api"
	modeWorker = "worker"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (optional - will search in configs/ and root directory)")
	mode := flag.String("mode", modeAll, "Process role: all, api or worker")
	flag.Parse()

	if *mode != modeAll && *mode != modeAPI && *mode != modeWorker {
		fmt.Fprintf(os.Stderr, "Unknown mode %q (want all, api or worker)\n", *mode)
		os.Exit(2)
	}

	if err := config.LoadEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading .env: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadWithFallback(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting voice journal server",
		logger.String("version", Version),
		logger.String("mode", *mode),
		logger.String("config_path", *configPath),
	)

	if err := run(cfg, *mode, log); err != nil {
		log.Error("Server failed", logger.Error(err))
		log.Sync()
		os.Exit(1)
	}
	log.Info("Server fully stopped")
}

func run(cfg *config.Config, mode string, log *logger.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := sqlite.Open(cfg.Storage.SQLitePath, log)
	if err != nil {
		return err
	}
	defer db.Close()

	users, err := sqlite.NewUserStorage(db, log)
	if err != nil {
		return err
	}
	reflections, err := sqlite.NewReflectionStorage(db, log)
	if err != nil {
		return err
	}
	jobStorage, err := sqlite.NewJobStorage(db, log)
	if err != nil {
		return err
	}
	blobs, err := blob.NewStore(cfg.Storage.AudioDir, log)
	if err != nil {
		return err
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		err := m.RegisterQueue(func(ctx context.Context) (map[string]int, error) {
			counts, err := jobStorage.CountByStatus(ctx)
			if err != nil {
				return nil, err
			}
			out := make(map[string]int, len(counts))
			for status, n := range counts {
				out[string(status)] = n
			}
			return out, nil
		})
		if err != nil {
			return fmt.Errorf("failed to register queue metrics: %w", err)
		}
	}

	var wsServer *websocket.Server
	if mode != modeWorker {
		wsServer = websocket.NewServer(cfg.Server.CORSAllowedOrigins, log)
		go wsServer.Run(ctx)
	}

	var pool *jobs.Pool
	if mode != modeAPI {
		pool, err = newWorkerPool(ctx, cfg, reflections, jobStorage, blobs, wsServer, m, log)
		if err != nil {
			return err
		}
		if err := pool.Start(); err != nil {
			return err
		}
	}

	var handler http.Handler
	if mode == modeWorker {
		handler = workerRoutes(m, cfg.Metrics.Path)
	} else {
		h := api.NewHandler(api.HandlerConfig{
			Reflections:    reflections,
			Jobs:           jobStorage,
			Audio:          blobs,
			WebSocket:      wsServer,
			Metrics:        m,
			MaxUploadBytes: int64(cfg.Server.MaxUploadMB) << 20,
		}, log)
		handler = api.NewRouter(h, api.RouterConfig{
			Users:          users,
			Metrics:        m,
			MetricsPath:    cfg.Metrics.Path,
			AllowedOrigins: cfg.Server.CORSAllowedOrigins,
		}, log).Routes()
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSecs) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSecs) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSecs) * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("Starting HTTP server", logger.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info("Shutting down server...", logger.String("signal", sig.String()))
	case err := <-serverErr:
		log.Error("HTTP server error", logger.String("addr", server.Addr), logger.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", logger.Error(err))
		} else {
			log.Info("HTTP server shutdown complete")
		}
	}()

	if pool != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pool.Stop()
			log.Info("Transcription workers stopped")
		}()
	}
	wg.Wait()

	// Stops the websocket hub
	cancel()
	return nil
}

func newWorkerPool(
	ctx context.Context,
	cfg *config.Config,
	reflections *sqlite.ReflectionStorage,
	queue *sqlite.JobStorage,
	blobs *blob.Store,
	wsServer *websocket.Server,
	m *metrics.Metrics,
	log *logger.Logger,
) (*jobs.Pool, error) {
	engine, err := transcription.NewHandleFromConfig(cfg.Engine, log)
	if err != nil {
		return nil, err
	}
	engine.OnInit(m.EngineInitialized)

	normalizer := audio.NewNormalizer(audio.Config{
		FFmpegPath: cfg.Audio.FFmpegPath,
		SampleRate: cfg.Audio.SampleRate,
		Channels:   cfg.Audio.Channels,
		Codec:      cfg.Audio.Codec,
		TempDir:    cfg.Audio.TempDir,
	}, log)

	orchestratorCfg := jobs.OrchestratorConfig{
		Records:    reflections,
		Blobs:      blobs,
		Normalizer: normalizer,
		Engine:     engine,
		Analyzer:   insight.NewAnalyzer(cfg.Insight.KeywordCount, cfg.Insight.SummaryWords),
		Metrics:    m,
		Timeout:    cfg.Jobs.EngineTimeout(),
	}
	if wsServer != nil {
		orchestratorCfg.Notifier = wsServer
	}
	orchestrator, err := jobs.NewOrchestrator(orchestratorCfg, log)
	if err != nil {
		return nil, err
	}

	return jobs.NewPool(ctx, queue, orchestrator, jobs.PoolConfig{
		Workers:      cfg.Jobs.Workers,
		PollInterval: cfg.Jobs.PollInterval(),
		StaleAfter:   cfg.Jobs.StaleAfter(),
		Retry: jobs.RetryPolicy{
			MaxRetries: cfg.Jobs.MaxRetries,
			Delay:      cfg.Jobs.RetryDelay(),
		},
	}, m, log), nil
}

// workerRoutes serves health and metrics for worker-only processes
func workerRoutes(m *metrics.Metrics, metricsPath string) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	if m != nil {
		if metricsPath == "" {
			metricsPath = "/metrics"
		}
		r.Method(http.MethodGet, metricsPath, m.Handler())
	}
	return r
}

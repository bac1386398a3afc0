package app

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"lessonforge/internal/batch"
	"lessonforge/internal/config"
	apierrors "lessonforge/internal/errors"
	"lessonforge/internal/generator"
	"lessonforge/internal/history"
	"lessonforge/internal/infrastructure"
	customMiddleware "lessonforge/internal/middleware"
	"lessonforge/internal/operations"
	"lessonforge/internal/staging"
	handlers "lessonforge/internal/transport/http"
	"lessonforge/internal/uploader"
	ws "lessonforge/internal/websocket"
)

const AppName = "LessonForge"

var (
	// Version is set at build time with -ldflags
	Version = "dev"
	// BuildTime is set at compile time
	BuildTime = time.Now().Format(time.RFC3339)
	// BuildID is a unique identifier for this build
	BuildID = generateBuildID()
)

func generateBuildID() string {
	h := sha256.New()
	h.Write([]byte(Version))
	h.Write([]byte(time.Now().Format("2006-01-02")))
	return fmt.Sprintf("%x", h.Sum(nil))[:12]
}

// Dependencies replaces the external services built from configuration.
// Nil fields are built from the config.
type Dependencies struct {
	Generator generator.Generator
	Uploader  uploader.Uploader
}

// Application represents the main application container
type Application struct {
	Config        *config.Config
	Router        *chi.Mux
	Server        *http.Server
	Logger        *slog.Logger
	OTelProviders *infrastructure.OTelProviders
	Metrics       *infrastructure.BusinessMetrics
	Errors        *apierrors.ErrorHandler

	Staging      *staging.Store
	Broadcaster  *operations.StatusBroadcaster
	Manager      *operations.Manager
	History      *history.MemoryStore
	Scheduler    *batch.Scheduler
	WebSocketHub *ws.Hub

	generator generator.Generator
	uploader  uploader.Uploader

	mu         sync.Mutex
	listener   net.Listener
	stopLoops  context.CancelFunc
	loops      sync.WaitGroup
	serveError chan error
}

// NewApplication loads the configuration and logger from the environment and
// builds the application
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return New(cfg, logger, Dependencies{})
}

// New builds an application from an already loaded configuration
func New(cfg *config.Config, logger *slog.Logger, deps Dependencies) (*Application, error) {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	logger.Info("application_starting",
		slog.String("name", AppName),
		slog.String("version", Version),
		slog.String("build_id", BuildID))

	otelProviders, err := infrastructure.InitializeOTel(cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	metrics, err := infrastructure.CreateBusinessMetrics(otelProviders.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create business metrics: %w", err)
	}

	a := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: otelProviders,
		Metrics:       metrics,
		Errors:        apierrors.NewErrorHandler(logger, false),
		generator:     deps.Generator,
		uploader:      deps.Uploader,
	}

	if err := a.initializeServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}
	a.setupRouter()
	a.createServer()
	return a, nil
}

// initializeServices builds the stores, the generation step and the two
// executors in dependency order
func (a *Application) initializeServices() error {
	cfg := a.Config

	a.Staging = staging.NewStore(staging.Options{
		Capacity:      cfg.Staging.Capacity,
		TTL:           cfg.Staging.TTL,
		SweepInterval: cfg.Staging.SweepInterval,
		Logger:        a.Logger,
		OnRemove: func(reason string, n int) {
			a.Metrics.RecordStagingRemoval(context.Background(), reason, n)
		},
	})

	if a.generator == nil {
		a.generator = generator.NewOpenAI(cfg.Generation, a.Logger)
	}
	if a.uploader == nil {
		up, err := uploader.New(context.Background(), cfg.Upload, a.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize uploader: %w", err)
		}
		a.uploader = up
	}
	prompts, err := generator.NewPromptBuilder(cfg.Generation.TemplateFile)
	if err != nil {
		return fmt.Errorf("failed to load prompt templates: %w", err)
	}
	step := operations.NewGenerationStep(a.generator, prompts, a.Staging, a.uploader)

	a.WebSocketHub = ws.NewHub(a.Logger)
	hubMetrics, err := ws.NewMetrics(a.OTelProviders.Meter)
	if err != nil {
		return fmt.Errorf("failed to initialize WebSocket metrics: %w", err)
	}
	a.WebSocketHub.SetMetrics(hubMetrics)
	a.WebSocketHub.Start()

	a.Broadcaster = operations.NewStatusBroadcaster(a.WebSocketHub, a.Logger)
	a.WebSocketHub.SetReplay(a.replaySnapshots)

	tracer := operations.NewOperationTracer(a.Metrics)
	retry := operations.RetryConfig{
		MaxAttempts:  cfg.Pipeline.RetryMaxAttempts,
		InitialDelay: cfg.Pipeline.RetryInitialDelay,
		MaxDelay:     cfg.Pipeline.RetryMaxDelay,
		Multiplier:   2,
	}

	a.Manager = operations.NewManager(operations.ManagerOptions{
		Step:        step,
		Stager:      a.Staging,
		Broadcaster: a.Broadcaster,
		Tracer:      tracer,
		Logger:      a.Logger,
		Retry:       retry,
		Mode:        operations.ExecutionMode(cfg.Pipeline.Mode),
		Retention:   cfg.Pipeline.RunRetention,
	})

	a.History = history.NewMemoryStore(time.Now, a.Logger)
	a.Scheduler = batch.NewScheduler(batch.Options{
		Step:           step,
		History:        a.History,
		Broadcaster:    a.Broadcaster,
		Tracer:         tracer,
		Metrics:        a.Metrics,
		Logger:         a.Logger,
		Retry:          retry,
		MaxConcurrency: cfg.Batch.MaxConcurrency,
		MaxTasks:       cfg.Batch.MaxTasks,
		Retention:      cfg.Batch.HistoryRetention,
	})
	return nil
}

// replaySnapshots primes a new WebSocket client with the state of every
// known run, oldest first
func (a *Application) replaySnapshots() []ws.Message {
	snapshots := a.Broadcaster.GetAllSnapshots()
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].StartedAt.Before(snapshots[j].StartedAt)
	})

	messages := make([]ws.Message, 0, len(snapshots))
	for _, s := range snapshots {
		eventType := operations.EventTypeLessonSnapshot
		if s.Kind == operations.KindBatch {
			eventType = operations.EventTypeBatchSnapshot
		}
		messages = append(messages, ws.Message{
			Type:      eventType,
			ID:        s.ID,
			Action:    "replay",
			Data:      s,
			Timestamp: s.UpdatedAt,
		})
	}
	return messages
}

// setupRouter configures the HTTP router with all routes
func (a *Application) setupRouter() {
	r := chi.NewRouter()
	r.Use(customMiddleware.RequestID)
	r.Use(customMiddleware.RealIP)
	r.NotFound(a.Errors.NotFound)
	r.MethodNotAllowed(a.Errors.MethodNotAllowed)

	// The upgrade sits outside the logging and timeout chain.
	r.Handle("/ws", handlers.NewWebSocketHandler(a.WebSocketHub, handlers.WebSocketOptions{
		AllowedOrigins:  a.Config.Security.AllowedOrigins,
		ReadBufferSize:  a.Config.WebSocket.ReadBufferSize,
		WriteBufferSize: a.Config.WebSocket.WriteBufferSize,
	}, a.Logger))
	r.Handle("/metrics", handlers.NewMetricsHandler(a.OTelProviders.PrometheusHTTP, a.Errors))

	r.Group(func(r chi.Router) {
		// RequestID → RealIP → OTel → Logger → Recoverer
		r.Use(customMiddleware.NewOTelMiddleware(a.OTelProviders.Tracer, a.Metrics).Handler)
		r.Use(customMiddleware.StructuredLogger(a.Logger))
		r.Use(apierrors.RecoveryMiddleware(a.Errors))
		r.Use(customMiddleware.SecurityHeaders)
		if a.Config.Security.EnableCORS {
			r.Use(customMiddleware.CORS(customMiddleware.CORSConfig{
				AllowedOrigins: a.Config.Security.AllowedOrigins,
			}))
		}
		if a.Config.Security.RateLimit.Enabled {
			r.Use(customMiddleware.NewRateLimiter(
				a.Config.Security.RateLimit.RPS,
				a.Config.Security.RateLimit.Burst,
				a.Logger,
			).Handler)
		}
		a.setupAPIRoutes(r)
	})

	a.Router = r
}

// setupAPIRoutes configures API endpoints. Timeouts are applied per handler
// because the run and batch routes stream for as long as the work lasts.
func (a *Application) setupAPIRoutes(r chi.Router) {
	opts := handlers.Options{
		Logger:         a.Logger,
		Errors:         a.Errors,
		Validator:      customMiddleware.NewValidator(),
		KeepAlive:      a.Config.Stream.KeepAlive,
		RequestTimeout: a.Config.Server.RequestTimeout,
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))

		r.Mount("/lessons", handlers.NewLessonsHandler(a.Manager, a.Config.Generation, opts).Routes())
		r.Mount("/batches", handlers.NewBatchesHandler(a.Scheduler, nil, a.Config.Generation, opts).Routes())
		r.Mount("/staging", handlers.NewStagingHandler(a.Staging, opts).Routes())
		r.Mount("/health", handlers.NewHealthHandler(Version, map[string]handlers.HealthCheck{
			"staging":   handlers.SizeCheck(a.Staging),
			"history":   handlers.SizeCheck(a.History),
			"websocket": handlers.HubCheck(a.WebSocketHub),
		}, a.Logger).Routes())
	})
}

func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:              fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:           a.Router,
		ReadHeaderTimeout: a.Config.Server.ReadTimeout,
		IdleTimeout:       a.Config.Server.IdleTimeout,
	}
}

// Start begins serving and launches the background maintenance loops. cancel
// is called if the server fails after Start returned.
func (a *Application) Start(ctx context.Context, cancel context.CancelFunc) error {
	ln, err := net.Listen("tcp", a.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.Server.Addr, err)
	}

	loopCtx, stopLoops := context.WithCancel(context.WithoutCancel(ctx))
	a.mu.Lock()
	a.listener = ln
	a.stopLoops = stopLoops
	a.serveError = make(chan error, 1)
	a.mu.Unlock()

	a.goLoop(func() { a.Staging.Run(loopCtx) })
	a.goLoop(func() { a.Manager.StartCleanup(loopCtx, a.Config.Batch.CleanupInterval) })
	a.goLoop(func() { a.Scheduler.StartCleanup(loopCtx, a.Config.Batch.CleanupInterval) })

	go func() {
		if err := a.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
			a.Logger.ErrorContext(ctx, "server_error", slog.String("error", err.Error()))
			a.serveError <- err
			if cancel != nil {
				cancel()
			}
		}
	}()

	if a.Config.Generation.APIKey == "" {
		a.Logger.WarnContext(ctx, "generation_api_key_missing",
			slog.String("hint", config.EnvPrefix+"_GENERATION_API_KEY"))
	}
	a.Logger.InfoContext(ctx, "application_started",
		slog.String("address", ln.Addr().String()),
		slog.String("upload_backend", a.Config.Upload.Backend),
		slog.String("pipeline_mode", a.Config.Pipeline.Mode))
	return nil
}

func (a *Application) goLoop(fn func()) {
	a.loops.Add(1)
	go func() {
		defer a.loops.Done()
		fn()
	}()
}

// Addr returns the address the server listens on, or "" before Start
func (a *Application) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Stop drains the server and shuts every background component down
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "application_stopping")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	a.mu.Lock()
	stopLoops := a.stopLoops
	a.mu.Unlock()
	if stopLoops != nil {
		stopLoops()
	}
	a.loops.Wait()

	a.Manager.Wait()
	a.Scheduler.Wait()
	a.Broadcaster.Stop()
	a.WebSocketHub.Stop()

	if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
		a.Logger.ErrorContext(ctx, "otel_shutdown_failed", slog.String("error", err.Error()))
	}
	a.Logger.InfoContext(ctx, "application_stopped")
	if err := infrastructure.CloseLogFile(); err != nil {
		return fmt.Errorf("close log file: %w", err)
	}
	return nil
}

// Run starts the application and blocks until SIGINT, SIGTERM or a server
// failure, then shuts down gracefully
func (a *Application) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	if err := a.Start(ctx, cancel); err != nil {
		return err
	}

	var serveErr error
	select {
	case sig := <-sigChan:
		a.Logger.InfoContext(ctx, "signal_received", slog.String("signal", sig.String()))
	case serveErr = <-a.serveError:
	}

	if err := a.Stop(context.Background()); err != nil {
		return err
	}
	return serveErr
}

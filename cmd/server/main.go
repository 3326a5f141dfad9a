package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/formpilot/be-form-approvals/internal/cache"
	"github.com/formpilot/be-form-approvals/internal/client"
	"github.com/formpilot/be-form-approvals/internal/config"
	"github.com/formpilot/be-form-approvals/internal/handler"
	"github.com/formpilot/be-form-approvals/internal/natsclient"
	"github.com/formpilot/be-form-approvals/internal/notify"
	"github.com/formpilot/be-form-approvals/internal/platform/database"
	"github.com/formpilot/be-form-approvals/internal/platform/logger"
	"github.com/formpilot/be-form-approvals/internal/platform/middleware"
	"github.com/formpilot/be-form-approvals/internal/repository"
	"github.com/formpilot/be-form-approvals/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       os.Getenv("LOG_LEVEL"),
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Form Approvals Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	// Initialize read cache. The engine runs fine without Redis; a process-
	// local cache takes over in that case.
	var readCache cache.Cache = cache.NewMemoryCache()
	if cfg.Cache.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr: cfg.Cache.Addr,
			DB:   cfg.Cache.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Msg("Redis unreachable, using in-process cache")
		} else {
			readCache = cache.NewRedisCache(rdb, cfg.Cache.Timeout)
			defer rdb.Close()
			log.Info().Str("addr", cfg.Cache.Addr).Msg("Redis cache connected")
		}
	}

	// Initialize notification transport and dispatcher
	var transport notify.Transport
	if cfg.NATS.Enabled {
		nc, err := natsclient.Connect(cfg.NATS.URL, cfg.Service.Name)
		if err != nil {
			log.Warn().Err(err).Msg("NATS unreachable, notifications disabled")
		} else {
			transport = nc
			defer nc.Close()
			log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
		}
	}
	sender := notify.NewNATSSender(transport, log.Logger)
	dispatcher := notify.NewDispatcher(sender, log.Logger, cfg.Approval.DispatchBuffer, cfg.Approval.DispatchWorkers)

	// Initialize repositories
	formRepo := repository.NewFormRepository(db)
	submissionRepo := repository.NewSubmissionRepository(db)
	historyRepo := repository.NewApprovalHistoryRepository(db)
	linkRepo := repository.NewApprovalLinkRepository(db)

	// Collaborator services
	var planGate service.PlanGate = service.AllowAllPlanGate{}
	if addr := os.Getenv("SUBSCRIPTIONS_URL"); addr != "" {
		planGate = client.NewPlanGateClient(addr)
	}
	var directory service.Directory = noopDirectory{}
	if addr := os.Getenv("DIRECTORY_URL"); addr != "" {
		directory = client.NewDirectoryClient(addr)
	}

	// Initialize services
	workflowService := service.NewWorkflowService(
		submissionRepo, formRepo, historyRepo,
		planGate, directory, dispatcher,
		readCache, cfg.Cache.TTL, log,
	)
	formService := service.NewFormService(formRepo, submissionRepo, readCache, cfg.Cache.TTL, log)
	linkService := service.NewApprovalLinkService(
		linkRepo, formRepo, workflowService, dispatcher,
		cfg.Approval.LinkExpiry, log,
	)

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(workflowService, formService, linkService, log)
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	// Submission routes
	mux.HandleFunc("/api/v1/submissions", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			httpHandler.ListSubmissions(w, r)
		case http.MethodPost:
			httpHandler.CreateSubmission(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/api/v1/submissions/get", httpHandler.GetSubmission)
	mux.HandleFunc("/api/v1/submissions/submit", httpHandler.SubmitDraft)
	mux.HandleFunc("/api/v1/submissions/decide", httpHandler.Decide)
	mux.HandleFunc("/api/v1/submissions/history", httpHandler.GetApprovalHistory)
	mux.HandleFunc("/api/v1/submissions/pending", httpHandler.ListPendingApprovals)
	mux.HandleFunc("/api/v1/submissions/archive", httpHandler.ArchiveSubmission)

	// Form routes
	mux.HandleFunc("/api/v1/forms", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			httpHandler.ListForms(w, r)
		case http.MethodPost:
			httpHandler.CreateForm(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/api/v1/forms/get", httpHandler.GetForm)
	mux.HandleFunc("/api/v1/forms/publish", httpHandler.PublishForm)
	mux.HandleFunc("/api/v1/forms/flow", httpHandler.UpdateFormFlow)

	// Approval link routes
	mux.HandleFunc("/api/v1/approval-links", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			httpHandler.ListApprovalLinks(w, r)
		case http.MethodPost:
			httpHandler.IssueApprovalLink(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/approval-links/resolve", httpHandler.ResolveApprovalLink)
	mux.HandleFunc("/api/v1/approval-links/complete", httpHandler.CompleteApprovalLinkForm)

	// Apply middleware
	var h http.Handler = mux
	h = middleware.RequestID(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.CORS([]string{"*"})(h)
	h = middleware.Timeout(30 * time.Second)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	// Drain queued notifications before exiting
	dispatcher.Close(shutdownCtx)

	log.Info().Msg("Server stopped")
}

// noopDirectory is used when no directory service is configured; the plant
// admin recipient is simply omitted from fully-approved notifications.
type noopDirectory struct{}

func (noopDirectory) GetPlantAdmin(context.Context, string) (string, error) {
	return "", nil
}

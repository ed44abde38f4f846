package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	h "github.com/gorilla/handlers"
	"github.com/joho/godotenv"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	"github.com/stanstork/harvest-api/internal/config"
	"github.com/stanstork/harvest-api/internal/handlers"
	"github.com/stanstork/harvest-api/internal/ingest"
	"github.com/stanstork/harvest-api/internal/middleware"
	"github.com/stanstork/harvest-api/internal/migration"
	"github.com/stanstork/harvest-api/internal/repository"
	"github.com/stanstork/harvest-api/internal/repository/memory"
	"github.com/stanstork/harvest-api/internal/routes"

	_ "github.com/lib/pq" // PostgreSQL driver
)

type application struct {
	config *config.Config
	db     *sql.DB
	repos  ingest.Repositories
	logger zerolog.Logger
}

func main() {
	// Set up structured, level-based logging.
	consoleWriter := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	logger := zerolog.New(consoleWriter).With().Timestamp().Logger()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.SetFlags(0)
	log.SetOutput(logger)

	gooseAdapter := migration.NewGooseAdapter(logger)
	goose.SetLogger(gooseAdapter)

	// Load .env file if it exists, then configuration.
	_ = godotenv.Load()
	cfg := config.Load()
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	app := &application{config: cfg, logger: logger}

	switch cfg.Storage.Driver {
	case "memory":
		logger.Warn().Msg("Using in-memory storage; data is lost on exit")
		store := memory.NewStore()
		app.repos = ingest.Repositories{Jobs: store, Records: store, Deliveries: store, Containers: store}
	default:
		// Initialize database connection.
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to the database")
		}
		defer db.Close()
		if err := db.Ping(); err != nil {
			logger.Fatal().Err(err).Msg("Failed to ping database")
		}

		// Run database migrations.
		migration.RunMigrations(cfg.DatabaseURL, logger)

		app.db = db
		app.repos = ingest.Repositories{
			Jobs:       repository.NewJobRepository(db),
			Records:    repository.NewRecordRepository(db),
			Deliveries: repository.NewDeliveryRepository(db),
			Containers: repository.NewContainerRepository(db),
		}
	}

	// Initialize the HTTP router and middleware.
	router := app.initRouter(logger)
	loggedRouter := middleware.LoggingMiddleware(app.logger)(router)
	corsHandler := h.CORS(
		h.AllowedOrigins(cfg.CORS.AllowedOrigins),
		h.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
		h.AllowedHeaders([]string{"Content-Type", "Content-Encoding"}),
	)(loggedRouter)
	recovered := h.RecoveryHandler(h.PrintRecoveryStack(true), h.RecoveryLogger(log.Default()))(corsHandler)

	// Start the HTTP server and handle graceful shutdown.
	app.startServer(recovered, logger)

	logger.Info().Msg("Application terminated.")
}

// initRouter sets up all HTTP handlers and returns the router.
func (app *application) initRouter(logger zerolog.Logger) http.Handler {
	ic := app.config.Ingest

	var fetcher ingest.Fetcher
	if ic.FollowUpEnabled {
		fetcher = ingest.NewHTTPFetcher(ic.FollowUpTimeout, ic.MaxDecodedBytes, ic.FollowUpHosts)
	}

	pipeline := ingest.NewPipeline(app.repos, ingest.DefaultRules(), ingest.Options{
		Workers:            ic.Workers,
		FallbackPlatform:   ic.FallbackPlatform,
		DefaultContainerID: ic.DefaultContainerID,
		SecondaryWindow:    ic.SecondaryWindow,
		MaxInFlight:        ic.MaxInFlight,
		MaxDecodedBytes:    ic.MaxDecodedBytes,
	}, fetcher, logger)

	// A nil *sql.DB must not end up inside the interface.
	var pinger handlers.Pinger
	if app.db != nil {
		pinger = app.db
	}

	// Handlers
	healthHandler := handlers.NewHealthHandler(pinger, logger)
	webhookHandler := handlers.NewWebhookHandler(pipeline, ic.MaxBodyBytes, ic.ProcessingTimeout, logger)
	recordHandler := handlers.NewRecordHandler(app.repos.Records, logger)
	jobHandler := handlers.NewJobHandler(app.repos.Jobs, logger)
	deliveryHandler := handlers.NewDeliveryHandler(app.repos.Deliveries, pipeline, logger)

	return routes.NewRouter(healthHandler, webhookHandler, recordHandler, jobHandler, deliveryHandler)
}

// startServer launches the HTTP server and handles graceful shutdown.
func (app *application) startServer(handler http.Handler, logger zerolog.Logger) {
	server := &http.Server{
		Addr:              ":" + app.config.ServerPort,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Channel to listen for server errors
	serverErrCh := make(chan error, 1)
	go func() {
		logger.Info().Msgf("Server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
		}
	}()

	// Wait for an interrupt signal or a server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info().Msgf("Received signal: %s. Shutting down...", sig)
	case err := <-serverErrCh:
		logger.Error().Err(err).Msg("Server error occurred")
	}

	// In-flight deliveries get up to the processing timeout to finish.
	grace := app.config.Ingest.ProcessingTimeout
	if grace < 10*time.Second {
		grace = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	} else {
		logger.Info().Msg("HTTP server shutdown complete.")
	}
}

package main

import (
	"database/sql"
	"encoding/json"
	"io"
	"os"
	"time"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stanstork/harvest-api/internal/config"
	"github.com/stanstork/harvest-api/internal/ingest"
	"github.com/stanstork/harvest-api/internal/repository"
)

// env is what every subcommand needs: a connected database and a pipeline
// configured the same way the server configures it.
type env struct {
	cfg      *config.Config
	db       *sql.DB
	repos    ingest.Repositories
	pipeline *ingest.Pipeline
	logger   zerolog.Logger
}

func openEnv(stderr io.Writer) (*env, error) {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger()

	cfg, err := config.LoadFrom(configDir, configDir+"/config")
	if err != nil {
		return nil, err
	}
	if cfg.Storage.Driver != "postgres" {
		return nil, errors.Errorf("harvestctl needs postgres storage, got %q", cfg.Storage.Driver)
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(level)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping database")
	}

	repos := ingest.Repositories{
		Jobs:       repository.NewJobRepository(db),
		Records:    repository.NewRecordRepository(db),
		Deliveries: repository.NewDeliveryRepository(db),
		Containers: repository.NewContainerRepository(db),
	}

	ic := cfg.Ingest
	var fetcher ingest.Fetcher
	if ic.FollowUpEnabled {
		fetcher = ingest.NewHTTPFetcher(ic.FollowUpTimeout, ic.MaxDecodedBytes, ic.FollowUpHosts)
	}
	pipeline := ingest.NewPipeline(repos, ingest.DefaultRules(), ingest.Options{
		Workers:            ic.Workers,
		FallbackPlatform:   ic.FallbackPlatform,
		DefaultContainerID: ic.DefaultContainerID,
		SecondaryWindow:    ic.SecondaryWindow,
		MaxInFlight:        ic.MaxInFlight,
		MaxDecodedBytes:    ic.MaxDecodedBytes,
	}, fetcher, logger)

	return &env{cfg: cfg, db: db, repos: repos, pipeline: pipeline, logger: logger}, nil
}

func (e *env) Close() error {
	return e.db.Close()
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

package config

import (
	"errors"
	"log"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	pkgerrors "github.com/pkg/errors"
	"github.com/spf13/viper"
)

type StorageConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=postgres memory"`
}

type IngestConfig struct {
	Workers            int           `mapstructure:"workers" validate:"min=1,max=64"`
	FallbackPlatform   string        `mapstructure:"fallback_platform" validate:"required"`
	DefaultContainerID string        `mapstructure:"default_container_id"`
	SecondaryWindow    time.Duration `mapstructure:"secondary_window" validate:"gte=0"`
	MaxInFlight        int           `mapstructure:"max_in_flight" validate:"min=1"`
	MaxBodyBytes       int64         `mapstructure:"max_body_bytes" validate:"min=1024"`
	MaxDecodedBytes    int64         `mapstructure:"max_decoded_bytes" validate:"gtefield=MaxBodyBytes"`
	ProcessingTimeout  time.Duration `mapstructure:"processing_timeout" validate:"required"`
	FollowUpEnabled    bool          `mapstructure:"follow_up_enabled"`
	FollowUpHosts      []string      `mapstructure:"follow_up_hosts"`
	FollowUpTimeout    time.Duration `mapstructure:"follow_up_timeout" validate:"required"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type Config struct {
	DatabaseURL string        `mapstructure:"database_url"`
	ServerPort  string        `mapstructure:"server_port" validate:"required,numeric"`
	LogLevel    string        `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	Storage     StorageConfig `mapstructure:"storage"`
	Ingest      IngestConfig  `mapstructure:"ingest"`
	CORS        CORSConfig    `mapstructure:"cors"`
}

const envPrefix = "HARVEST"

func setDefaults(v *viper.Viper) {
	v.SetDefault("database_url", "")
	v.SetDefault("server_port", "8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("storage.driver", "postgres")
	v.SetDefault("ingest.workers", 8)
	v.SetDefault("ingest.fallback_platform", "instagram")
	v.SetDefault("ingest.default_container_id", "")
	v.SetDefault("ingest.secondary_window", 6*time.Hour)
	v.SetDefault("ingest.max_in_flight", 1)
	v.SetDefault("ingest.max_body_bytes", 32<<20)
	v.SetDefault("ingest.max_decoded_bytes", 256<<20)
	v.SetDefault("ingest.processing_timeout", 2*time.Minute)
	v.SetDefault("ingest.follow_up_enabled", false)
	v.SetDefault("ingest.follow_up_timeout", 30*time.Second)
	v.SetDefault("cors.allowed_origins", []string{"http://localhost:3000"})
}

// Load reads the configuration from a YAML file and returns a Config instance.
func Load() *Config {
	cfg, err := LoadFrom(".", "./config")
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}
	return cfg
}

// LoadFrom reads config.yaml from the first of paths that has one. The file
// is optional; every key can also be set through HARVEST_* environment
// variables, e.g. HARVEST_INGEST_WORKERS.
func LoadFrom(paths ...string) (*Config, error) {
	v := viper.New()
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, pkgerrors.Wrap(err, "read config file")
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, pkgerrors.Wrap(err, "unmarshal config")
	}

	// Fallback defaults
	if config.ServerPort == "" {
		config.ServerPort = "8080"
	}
	config.Storage.Driver = strings.ToLower(strings.TrimSpace(config.Storage.Driver))
	config.Ingest.FallbackPlatform = strings.ToLower(strings.TrimSpace(config.Ingest.FallbackPlatform))

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		cfg := sl.Current().Interface().(Config)
		if cfg.Storage.Driver == "postgres" && cfg.DatabaseURL == "" {
			sl.ReportError(cfg.DatabaseURL, "DatabaseURL", "database_url", "required_for_postgres", "")
		}
		if cfg.Ingest.FollowUpEnabled && len(cfg.Ingest.FollowUpHosts) == 0 {
			sl.ReportError(cfg.Ingest.FollowUpHosts, "Ingest.FollowUpHosts", "follow_up_hosts", "required_for_follow_up", "")
		}
	}, Config{})
	return v
}

// Validate checks the loaded values.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return pkgerrors.Wrap(err, "invalid config")
	}
	return nil
}

// Package config loads catalogmerge settings from config.yaml and
// CATALOGMERGE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/rpattn/catalogmerge/internal/db"
	"github.com/rpattn/catalogmerge/internal/logging"
)

const envPrefix = "CATALOGMERGE"

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config is the full application configuration.
type Config struct {
	Store      StoreConfig       `mapstructure:"store"`
	Database   DatabaseConfig    `mapstructure:"database"`
	HTTP       HTTPConfig        `mapstructure:"http"`
	Log        logging.Config    `mapstructure:"log"`
	Processing ProcessingConfig  `mapstructure:"processing"`
	OrgUnits   map[string]string `mapstructure:"org_units"`
}

// StoreConfig selects the backing database.
type StoreConfig struct {
	Driver     string `mapstructure:"driver"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// HTTPConfig configures the read-only API server.
type HTTPConfig struct {
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// ProcessingConfig tunes staging and reconciliation.
type ProcessingConfig struct {
	// Workers is the number of per-key lanes inside one batch.
	Workers          int    `mapstructure:"workers"`
	BatchConcurrency int    `mapstructure:"batch_concurrency"`
	StageChunkSize   int    `mapstructure:"stage_chunk_size"`
	Actor            string `mapstructure:"actor"`
}

// DBConfig converts the database section for db.NewConnection.
func (c DatabaseConfig) DBConfig() db.Config {
	return db.Config{
		Host:     c.Host,
		Port:     c.Port,
		User:     c.User,
		Password: c.Password,
		DBName:   c.DBName,
		SSLMode:  c.SSLMode,
		MaxConns: c.MaxConns,
	}
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	dbDefaults := db.DefaultConfig()
	return Config{
		Store: StoreConfig{
			Driver:     DriverSQLite,
			SQLitePath: "catalogmerge.db",
		},
		Database: DatabaseConfig{
			Host:     dbDefaults.Host,
			Port:     dbDefaults.Port,
			User:     dbDefaults.User,
			Password: dbDefaults.Password,
			DBName:   dbDefaults.DBName,
			SSLMode:  dbDefaults.SSLMode,
			MaxConns: dbDefaults.MaxConns,
		},
		HTTP: HTTPConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		Log: logging.Config{
			Level:  "info",
			Format: "json",
		},
		Processing: ProcessingConfig{
			Workers:          4,
			BatchConcurrency: 2,
			StageChunkSize:   500,
			Actor:            "system",
		},
	}
}

// Load reads config.yaml from path (a file or a directory) when present, then
// applies CATALOGMERGE_* environment overrides. It reports whether a file was
// found.
func Load(path string) (Config, bool, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path = strings.TrimSpace(path)
	switch {
	case path == "":
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	case strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml"):
		v.SetConfigFile(path)
	default:
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(path)
	}

	found := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, false, fmt.Errorf("failed to read config: %w", err)
		}
		found = false
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, found, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, found, err
	}
	return cfg, found, nil
}

// Validate checks values that cannot be defaulted.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case DriverPostgres:
	case DriverSQLite:
		if strings.TrimSpace(c.Store.SQLitePath) == "" {
			return errors.New("store.sqlite_path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unknown store.driver %q (want %s or %s)", c.Store.Driver, DriverPostgres, DriverSQLite)
	}
	if c.Processing.Workers < 1 {
		return fmt.Errorf("processing.workers must be at least 1, got %d", c.Processing.Workers)
	}
	if c.Processing.BatchConcurrency < 1 {
		return fmt.Errorf("processing.batch_concurrency must be at least 1, got %d", c.Processing.BatchConcurrency)
	}
	if c.Processing.StageChunkSize < 1 {
		return fmt.Errorf("processing.stage_chunk_size must be at least 1, got %d", c.Processing.StageChunkSize)
	}
	return nil
}

// setDefaults registers every key so AutomaticEnv can override keys absent
// from the file.
func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("store.driver", cfg.Store.Driver)
	v.SetDefault("store.sqlite_path", cfg.Store.SQLitePath)

	v.SetDefault("database.host", cfg.Database.Host)
	v.SetDefault("database.port", cfg.Database.Port)
	v.SetDefault("database.user", cfg.Database.User)
	v.SetDefault("database.password", cfg.Database.Password)
	v.SetDefault("database.dbname", cfg.Database.DBName)
	v.SetDefault("database.sslmode", cfg.Database.SSLMode)
	v.SetDefault("database.max_conns", cfg.Database.MaxConns)

	v.SetDefault("http.addr", cfg.HTTP.Addr)
	v.SetDefault("http.allowed_origins", cfg.HTTP.AllowedOrigins)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.output", cfg.Log.Output)
	v.SetDefault("log.development", cfg.Log.Development)

	v.SetDefault("processing.workers", cfg.Processing.Workers)
	v.SetDefault("processing.batch_concurrency", cfg.Processing.BatchConcurrency)
	v.SetDefault("processing.stage_chunk_size", cfg.Processing.StageChunkSize)
	v.SetDefault("processing.actor", cfg.Processing.Actor)
}

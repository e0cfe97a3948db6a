package main

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rpattn/catalogmerge/internal/config"
	"github.com/rpattn/catalogmerge/internal/db"
	"github.com/rpattn/catalogmerge/internal/ingestion"
	"github.com/rpattn/catalogmerge/internal/logging"
	"github.com/rpattn/catalogmerge/internal/merge"
	"github.com/rpattn/catalogmerge/internal/metrics"
	"github.com/rpattn/catalogmerge/internal/normalize"
	"github.com/rpattn/catalogmerge/internal/reconcile"
	"github.com/rpattn/catalogmerge/internal/repository"
	"github.com/rpattn/catalogmerge/internal/sqlitestore"
	"github.com/rpattn/catalogmerge/internal/staging"
)

type commandContext struct {
	configFlag *string
	actorFlag  *string

	configOnce sync.Once
	config     config.Config
	logger     *zap.Logger
	configErr  error
}

func newCommandContext(configFlag, actorFlag *string) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		actorFlag:  actorFlag,
	}
}

func (c *commandContext) ensureConfig() (config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		logger, err := logging.New(cfg.Log)
		if err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.logger = logger
	})
	return c.config, c.configErr
}

// actor returns the --actor flag, falling back to the configured actor.
func (c *commandContext) actor() string {
	if actor := c.explicitActor(); actor != "" {
		return actor
	}
	return c.config.Processing.Actor
}

func (c *commandContext) explicitActor() string {
	if c.actorFlag == nil {
		return ""
	}
	return strings.TrimSpace(*c.actorFlag)
}

// app holds the components one command run needs.
type app struct {
	cfg       config.Config
	logger    *zap.Logger
	store     repository.Store
	registry  *merge.Registry
	metrics   *metrics.Collector
	stager    *staging.Stager
	processor *reconcile.Processor
	ingestion *ingestion.Service
}

func (c *commandContext) withApp(ctx context.Context, fn func(*app) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	logger := logging.OrNop(c.logger)
	defer func() { _ = logger.Sync() }()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	registry, err := merge.DefaultRegistry()
	if err != nil {
		return fmt.Errorf("failed to build field registry: %w", err)
	}

	orgLabels := cfg.OrgUnits
	if len(orgLabels) == 0 {
		orgLabels = normalize.DefaultOrgUnitLabels()
	}

	collector := metrics.NewCollector("catalogmerge")
	stager := staging.NewStager(store, registry, staging.Options{ChunkSize: cfg.Processing.StageChunkSize}, logger, collector)
	processor := reconcile.NewProcessor(store, registry, reconcile.Options{
		Workers: cfg.Processing.Workers,
		Actor:   cfg.Processing.Actor,
	}, logger, collector)

	return fn(&app{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		registry:  registry,
		metrics:   collector,
		stager:    stager,
		processor: processor,
		ingestion: ingestion.NewService(stager, registry, normalize.NewOrgUnits(orgLabels), logger),
	})
}

// openStore connects to the configured database and brings its schema up to
// date.
func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (repository.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		conn, err := db.NewConnection(ctx, cfg.Database.DBConfig(), logger)
		if err != nil {
			return nil, err
		}
		if err := conn.RunMigrations(); err != nil {
			conn.Close()
			return nil, err
		}
		return repository.NewPostgresStore(conn), nil
	case config.DriverSQLite:
		store, err := sqlitestore.Open(cfg.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func parseBatchIDs(args []string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(args))
	for _, arg := range args {
		id, err := uuid.Parse(strings.TrimSpace(arg))
		if err != nil {
			return nil, fmt.Errorf("invalid batch id %q: %w", arg, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func orDash(value string) string {
	if strings.TrimSpace(value) == "" {
		return "-"
	}
	return value
}

package cmd

import (
	"fmt"

	"github.com/axelterrier/filament-tracker-backend/internal/core"
	"github.com/axelterrier/filament-tracker-backend/internal/infrastructure"
	"github.com/axelterrier/filament-tracker-backend/internal/metrics"
)

// stack is the wired service layer and the connections behind it.
type stack struct {
	db       *infrastructure.Database
	services *core.ServiceRegistry
	metrics  *metrics.Metrics
	closers  []func()
}

func (s *stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// buildStack connects the database and every optional integration that is
// configured. Optional integrations that fail to connect are logged and
// skipped.
func buildStack(m *metrics.Metrics) (*stack, error) {
	logger.Info("Connecting to database...")
	db, err := infrastructure.NewDatabase(cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	if err := db.Migrate(&core.Filament{}); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	s := &stack{db: db, metrics: m}
	s.closers = append(s.closers, func() { db.Close() })

	var (
		hooks   core.SyncHooks
		cache   core.FilamentCache
		archive core.ReportArchiver
	)

	if cfg.Redis.Enabled {
		logger.Info("Connecting to cache...")
		c, err := infrastructure.NewCache(cfg.Redis)
		if err != nil {
			logger.WithError(err).Warn("Cache unavailable, continuing without it")
		} else {
			s.closers = append(s.closers, func() { c.Close() })
			cache = c
			hooks.Cache = c
		}
	}

	if cfg.ServiceBus.ConnectionString != "" {
		logger.Info("Connecting to messaging service...")
		msg, err := infrastructure.NewMessaging(cfg.ServiceBus)
		if err != nil {
			logger.WithError(err).Warn("Messaging service unavailable, continuing without it")
		} else {
			s.closers = append(s.closers, func() { msg.Close() })
			hooks.Events = msg
		}
	}

	if cfg.InfluxDB.Enabled {
		logger.Info("Connecting to InfluxDB...")
		h, err := infrastructure.NewHistory(cfg.InfluxDB)
		if err != nil {
			logger.WithError(err).Warn("Usage history unavailable, continuing without it")
		} else {
			s.closers = append(s.closers, h.Close)
			hooks.Usage = h
		}
	}

	if cfg.Minio.Enabled {
		logger.Info("Connecting to object storage...")
		a, err := infrastructure.NewArchive(cfg.Minio)
		if err != nil {
			logger.WithError(err).Warn("Report archive unavailable, continuing without it")
		} else {
			archive = a
		}
	}

	repo := core.NewRepository(db.DB)
	reconciler := core.NewReconciler(repo, hooks, m, logger)
	s.services = &core.ServiceRegistry{
		Filaments:  core.NewFilamentService(repo, cache, cfg.Redis.TTL, logger),
		Reconciler: reconciler,
		Ingest:     core.NewIngestService(reconciler, archive, m, logger),
	}
	return s, nil
}

package main

import (
	"context"
	"fmt"
	"log/slog"

	"pitchside/internal/audit"
	"pitchside/internal/config"
	"pitchside/internal/exchange"
	"pitchside/internal/extract"
	"pitchside/internal/ingest"
	"pitchside/internal/journal"
	"pitchside/internal/migrate"
	"pitchside/internal/protocol"
	"pitchside/internal/reconcile"
	"pitchside/internal/records"
	"pitchside/internal/server"
	"pitchside/internal/store"
	"pitchside/internal/telemetry"
)

// appVersion is the release the data migrations move the store to.
const appVersion = "3.2.0"

// App owns one of every component and wires them together.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	store      *store.Store
	engine     *reconcile.Engine
	migrations *migrate.Manager
	extractor  *extract.Extractor
	pipeline   *ingest.Pipeline
	auditor    *audit.Auditor
	dispatcher *protocol.Dispatcher
	exchanger  *exchange.Exchanger
	metrics    *telemetry.Metrics
	journal    *journal.Journal
}

// NewApp creates the app. Nothing is opened before startup.
func NewApp(cfg *config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// startup opens the store and builds the components on top of it.
// Migrations are run separately by migrate.
func (a *App) startup(ctx context.Context) error {
	s, err := store.Open(ctx, a.cfg.Store.Options(a.logger))
	if err != nil {
		return err
	}
	a.store = s

	if a.cfg.Metrics.Enabled {
		a.metrics = telemetry.New()
	}
	var (
		observations ingest.Recorder
		messages     protocol.Recorder
	)
	if a.metrics != nil {
		observations, messages = a.metrics, a.metrics
	}
	var snapshots ingest.Journal
	if dir := a.cfg.Ingest.JournalDir; dir != "" {
		j, err := journal.Open(dir, a.logger)
		if err != nil {
			return err
		}
		a.journal, snapshots = j, j
	}

	a.engine = reconcile.New(a.logger)
	a.migrations = migrate.NewManager(s, a.engine, appVersion, a.logger)
	a.extractor = extract.New(a.cfg.Extract.Selectors, a.cfg.Extract.Report, a.logger)
	a.pipeline = ingest.NewPipeline(s, a.engine, a.extractor, ingest.Options{
		DedupeCapacity: a.cfg.Ingest.DedupeCapacity,
		Recorder:       observations,
		Journal:        snapshots,
	}, a.logger)
	a.auditor = audit.NewAuditor(s, a.logger)
	a.dispatcher = protocol.NewDispatcher(s, a.pipeline, a.auditor, messages, a.logger)
	a.exchanger = exchange.New(s, a.engine, a.migrations, a.logger)
	return nil
}

// shutdown seals the journal and releases the store.
func (a *App) shutdown() {
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.logger.Error("failed to close journal", slog.Any("error", err))
		}
	}
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("failed to close store", slog.Any("error", err))
	}
}

// migrate brings the store to appVersion and seeds the thresholds from the
// config when none are stored yet.
func (a *App) migrate(ctx context.Context) (migrate.Result, error) {
	res, err := a.migrations.Run(ctx)
	if a.metrics != nil {
		a.metrics.Migration(res.State.String())
	}
	if err != nil {
		return res, err
	}
	a.logger.Info("store ready", slog.String("state", res.State.String()),
		slog.Int("schema", res.SchemaTo), slog.String("data_version", res.DataTo), slog.Int("applied", len(res.Applied)))

	if err := a.seedThresholds(ctx); err != nil {
		return res, err
	}
	return res, nil
}

func (a *App) seedThresholds(ctx context.Context) error {
	_, found, err := a.store.SettingsFor(ctx, records.SettingsThresholds)
	if err != nil {
		return err
	}
	if found {
		return nil
	}
	_, err = a.store.Settings.Put(ctx, records.SettingsRecord{
		Category: records.SettingsThresholds,
		Settings: a.cfg.Thresholds.Map(),
	})
	if err != nil {
		return fmt.Errorf("failed to seed thresholds: %w", err)
	}
	return nil
}

// replay runs every journaled snapshot under dir through the pipeline again.
func (a *App) replay(ctx context.Context, dir string) (map[string]int, error) {
	counts := map[string]int{}
	_, err := journal.Replay(dir, func(e journal.Entry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := a.pipeline.Process(ctx, ingest.Observation{Kind: e.Kind, ID: e.ID, HTML: e.HTML})
		if err != nil {
			a.logger.Warn("replayed snapshot rejected",
				slog.String("kind", e.Kind), slog.String("id", e.ID), slog.Any("error", err))
		}
		counts[res.Status]++
		return nil
	})
	return counts, err
}

// server builds the HTTP front.
func (a *App) server() *server.Server {
	return server.New(server.Options{
		Config:     a.cfg.Server,
		Debounce:   a.cfg.Ingest.Debounce,
		Dispatcher: a.dispatcher,
		Pipeline:   a.pipeline,
		Exchanger:  a.exchanger,
		Auditor:    a.auditor,
		Migrations: a.migrations,
		Metrics:    a.metrics,
		Logger:     a.logger,
	})
}

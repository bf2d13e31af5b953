// Package migrate owns the store's shape. It runs two independent tracks:
// schema steps keyed by an integer that change tables, and data steps keyed
// by the release version that rewrite records.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"

	"pitchside/internal/reconcile"
	"pitchside/internal/store"
)

// ErrStepFailed wraps the error of a failing migration step.
var ErrStepFailed = errors.New("migration step failed")

// State is where the manager is in its lifecycle.
type State int

const (
	StateUninitialized State = iota
	StateNoMigrationNeeded
	StateMigrating
	StateMigrated
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNoMigrationNeeded:
		return "no_migration_needed"
	case StateMigrating:
		return "migrating"
	case StateMigrated:
		return "migrated"
	case StateFailed:
		return "failed"
	default:
		return "uninitialized"
	}
}

// SchemaStep changes the structure of the store.
type SchemaStep struct {
	Version int
	Name    string
	Apply   func(ctx context.Context, tx store.Tx, d store.Dialect) error
}

// DataStep rewrites records for one release.
type DataStep struct {
	Version string
	Name    string
	Apply   func(ctx context.Context, tx store.Tx) error
}

// Result describes one Run.
type Result struct {
	State      State    `json:"state"`
	SchemaFrom int      `json:"schemaFrom"`
	SchemaTo   int      `json:"schemaTo"`
	DataFrom   string   `json:"dataFrom"`
	DataTo     string   `json:"dataTo"`
	Applied    []string `json:"applied,omitempty"`
}

// Manager runs pending migration steps against a store.
type Manager struct {
	store      *store.Store
	engine     *reconcile.Engine
	logger     *slog.Logger
	appVersion string

	schemaSteps []SchemaStep
	dataSteps   []DataStep

	mu    sync.Mutex
	state State
}

// NewManager creates a manager with the built-in step registries.
// appVersion is the release the data track migrates to.
func NewManager(s *store.Store, engine *reconcile.Engine, appVersion string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:      s,
		engine:     engine,
		logger:     logger.With(slog.String("component", "migrate")),
		appVersion: appVersion,
	}
	m.schemaSteps = schemaSteps()
	m.dataSteps = m.builtinDataSteps()
	return m
}

// State returns the state reached by the last Run.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CurrentSchemaVersion is the highest registered schema step.
func (m *Manager) CurrentSchemaVersion() int {
	v := 0
	for _, s := range m.schemaSteps {
		v = max(v, s.Version)
	}
	return v
}

// AppVersion returns the release the data track migrates to.
func (m *Manager) AppVersion() string { return m.appVersion }

// Run brings both tracks up to date. Each step runs in its own transaction.
// On the first failing step the run stops, the error is logged and returned,
// and the marker of that track keeps its old value so the next Run retries.
func (m *Manager) Run(ctx context.Context) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, err := m.run(ctx)
	m.state = res.State
	if err != nil {
		m.logger.Error("migration failed", slog.Any("error", err))
	}
	return res, err
}

func (m *Manager) run(ctx context.Context) (Result, error) {
	res := Result{State: StateFailed}

	rawSchema, _, err := m.store.Meta(ctx, store.MetaSchemaVersion)
	if err != nil {
		return res, fmt.Errorf("failed to read schema version: %w", err)
	}
	dataFrom, _, err := m.store.Meta(ctx, store.MetaDataVersion)
	if err != nil {
		return res, fmt.Errorf("failed to read data version: %w", err)
	}
	schemaFrom := 0
	if rawSchema != "" {
		if schemaFrom, err = strconv.Atoi(rawSchema); err != nil {
			return res, fmt.Errorf("failed to parse schema version %q: %w", rawSchema, err)
		}
	}
	res.SchemaFrom, res.SchemaTo = schemaFrom, schemaFrom
	res.DataFrom, res.DataTo = dataFrom, dataFrom

	schemaPending := m.pendingSchema(schemaFrom)
	dataPending := m.pendingData(dataFrom)
	if len(schemaPending) == 0 && len(dataPending) == 0 {
		if CompareVersions(dataFrom, m.appVersion) < 0 {
			if err := m.store.SetMeta(ctx, store.MetaDataVersion, m.appVersion); err != nil {
				return res, err
			}
			res.DataTo = m.appVersion
		}
		res.State = StateNoMigrationNeeded
		return res, nil
	}

	m.state = StateMigrating
	m.logger.Info("migrating store",
		slog.Int("schema_from", schemaFrom), slog.Int("pending_schema", len(schemaPending)),
		slog.String("data_from", dataFrom), slog.Int("pending_data", len(dataPending)))

	dialect := m.store.Dialect()
	for _, step := range schemaPending {
		err := m.store.InTx(ctx, func(tx store.Tx) error {
			return step.Apply(ctx, tx, dialect)
		})
		if err != nil {
			return res, fmt.Errorf("%w: schema %d (%s): %w", ErrStepFailed, step.Version, step.Name, err)
		}
		res.Applied = append(res.Applied, fmt.Sprintf("schema %d %s", step.Version, step.Name))
		m.logger.Info("applied schema step", slog.Int("version", step.Version), slog.String("name", step.Name))
	}
	if len(schemaPending) > 0 {
		to := schemaPending[len(schemaPending)-1].Version
		if err := m.store.SetMeta(ctx, store.MetaSchemaVersion, strconv.Itoa(to)); err != nil {
			return res, err
		}
		res.SchemaTo = to
	}

	for _, step := range dataPending {
		err := m.store.InTx(ctx, func(tx store.Tx) error {
			return step.Apply(ctx, tx)
		})
		if err != nil {
			return res, fmt.Errorf("%w: data %s (%s): %w", ErrStepFailed, step.Version, step.Name, err)
		}
		res.Applied = append(res.Applied, fmt.Sprintf("data %s %s", step.Version, step.Name))
		m.logger.Info("applied data step", slog.String("version", step.Version), slog.String("name", step.Name))
	}
	// Data steps write settings inside their own transactions.
	m.store.InvalidateCaches()

	if CompareVersions(m.appVersion, dataFrom) > 0 {
		if err := m.store.SetMeta(ctx, store.MetaDataVersion, m.appVersion); err != nil {
			return res, err
		}
		res.DataTo = m.appVersion
	}

	res.State = StateMigrated
	return res, nil
}

// ConvertLegacy converts whatever legacy entries are stored now, regardless
// of the data marker. Used after legacy entries were imported into a store
// that is already past the conversion step.
func (m *Manager) ConvertLegacy(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.store.InTx(ctx, func(tx store.Tx) error {
		return m.convertLegacy(ctx, tx)
	})
	if err != nil {
		return fmt.Errorf("failed to convert legacy entries: %w", err)
	}
	m.store.InvalidateCaches()
	return nil
}

func (m *Manager) pendingSchema(from int) []SchemaStep {
	var out []SchemaStep
	for _, s := range m.schemaSteps {
		if s.Version > from {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

func (m *Manager) pendingData(from string) []DataStep {
	var out []DataStep
	for _, s := range m.dataSteps {
		if CompareVersions(s.Version, from) > 0 && CompareVersions(s.Version, m.appVersion) <= 0 {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return CompareVersions(out[i].Version, out[j].Version) < 0 })
	return out
}

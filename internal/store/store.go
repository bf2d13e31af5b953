// Package store persists players, matches and settings as revisioned JSON
// documents, together with the match participation table, the legacy
// key-value entries and the version markers.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"path/filepath"
	"time"

	"pitchside/internal/records"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverLibSQL   = "libsql"
	DriverPostgres = "postgres"
)

// Meta keys.
const (
	MetaDataVersion   = "data_version"
	MetaSchemaVersion = "schema_version"
)

const defaultRetries = 5

// Options selects and configures the backend.
type Options struct {
	Driver    string
	Path      string // sqlite file
	DSN       string // libsql URL or postgres connection string
	AuthToken string // libsql

	// Retries bounds how often a conflicting update is retried.
	Retries int
	Logger  *slog.Logger
}

// Store is the process-wide record store. Build one with Open and share it.
type Store struct {
	backend Backend
	logger  *slog.Logger
	locks   *keyedMutex
	cache   *settingsCache
	retries int

	Players  *Collection[records.Player]
	Matches  *Collection[records.Match]
	Settings *Collection[records.SettingsRecord]
}

// Open connects to the configured backend.
func Open(ctx context.Context, opts Options) (*Store, error) {
	var (
		backend Backend
		err     error
	)
	switch opts.Driver {
	case "", DriverSQLite:
		path := opts.Path
		if path == "" {
			path = filepath.Join(".", "pitchside.db")
		}
		backend, err = openSQLite(ctx, path)
	case DriverLibSQL:
		backend, err = openLibSQL(ctx, opts.DSN, opts.AuthToken)
	case DriverPostgres:
		backend, err = openPostgres(ctx, opts.DSN)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, opts.Driver)
	}
	if err != nil {
		return nil, err
	}
	return New(backend, opts.Retries, opts.Logger), nil
}

// New wraps an already opened backend.
func New(backend Backend, retries int, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if retries <= 0 {
		retries = defaultRetries
	}
	s := &Store{
		backend: backend,
		logger:  logger.With(slog.String("component", "store")),
		locks:   newKeyedMutex(),
		cache:   newSettingsCache(),
		retries: retries,
	}

	s.Players = &Collection[records.Player]{store: s, name: records.CollectionPlayers, idField: "id"}
	s.Matches = &Collection[records.Match]{
		store:       s,
		name:        records.CollectionMatches,
		idField:     "id",
		afterPut:    s.syncParticipation,
		afterDelete: s.dropParticipation,
	}
	s.Settings = &Collection[records.SettingsRecord]{
		store:    s,
		name:     records.CollectionSettings,
		idField:  "category",
		onCommit: s.cache.Invalidate,
	}
	return s
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// Dialect returns the SQL flavour of the backend.
func (s *Store) Dialect() Dialect {
	return s.backend.Dialect()
}

// InTx runs fn in one transaction. The transaction commits when fn returns
// nil and rolls back otherwise. A transaction that fails with ErrConflict is
// rolled back and run again from the start, so fn must not carry state
// across calls.
func (s *Store) InTx(ctx context.Context, fn func(tx Tx) error) error {
	for attempt := 0; ; attempt++ {
		err := s.write(ctx, fn)
		if err == nil || !errors.Is(err, ErrConflict) || attempt >= s.retries {
			return err
		}
		s.logger.Debug("retrying transaction after conflict", slog.Int("attempt", attempt+1))

		backoff := time.Duration(attempt+1)*5*time.Millisecond + time.Duration(rand.Int63n(int64(5*time.Millisecond)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

func (s *Store) write(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.backend.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) read(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.backend.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	return fn(tx)
}

// InvalidateCaches drops every cached settings document. Callers that write
// through InTx directly use it after committing.
func (s *Store) InvalidateCaches() {
	s.cache.Clear()
}

func (s *Store) syncParticipation(ctx context.Context, tx Tx, m records.Match) error {
	rows, bad := records.Participation(m)
	for _, id := range bad {
		s.logger.Warn("unreadable minutes in finishing lineup",
			slog.String("match", m.ID), slog.String("player", id))
	}
	return tx.ReplaceParticipation(ctx, m.ID, rows)
}

func (s *Store) dropParticipation(ctx context.Context, tx Tx, id string) error {
	return tx.ReplaceParticipation(ctx, id, nil)
}

// Participation returns the participation rows of one match.
func (s *Store) Participation(ctx context.Context, matchID string) ([]records.MatchPlayer, error) {
	if matchID == "" {
		return nil, nil
	}
	var rows []records.MatchPlayer
	err := s.read(ctx, func(tx Tx) error {
		var err error
		rows, err = tx.Participation(ctx, matchID)
		return err
	})
	return rows, err
}

// AllParticipation returns every participation row.
func (s *Store) AllParticipation(ctx context.Context) ([]records.MatchPlayer, error) {
	var rows []records.MatchPlayer
	err := s.read(ctx, func(tx Tx) error {
		var err error
		rows, err = tx.Participation(ctx, "")
		return err
	})
	return rows, err
}

// Meta reads a meta value.
func (s *Store) Meta(ctx context.Context, key string) (string, bool, error) {
	var (
		v  string
		ok bool
	)
	err := s.read(ctx, func(tx Tx) error {
		var err error
		v, ok, err = tx.GetMeta(ctx, key)
		return err
	})
	return v, ok, err
}

// SetMeta writes a meta value.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	return s.write(ctx, func(tx Tx) error {
		return tx.SetMeta(ctx, key, value)
	})
}

// LegacyPut stores a flat legacy entry, as written by older releases.
func (s *Store) LegacyPut(ctx context.Context, key, value string) error {
	return s.write(ctx, func(tx Tx) error {
		return tx.LegacyPut(ctx, key, value)
	})
}

// LegacyKeys lists the legacy entries still present.
func (s *Store) LegacyKeys(ctx context.Context) ([]string, error) {
	var keys []string
	err := s.read(ctx, func(tx Tx) error {
		var err error
		keys, err = tx.LegacyKeys(ctx)
		return err
	})
	return keys, err
}

// SettingsFor returns one settings category, served from memory after the
// first read.
func (s *Store) SettingsFor(ctx context.Context, category string) (records.SettingsRecord, bool, error) {
	if rec, ok := s.cache.Get(category); ok {
		return rec, true, nil
	}
	rec, found, err := s.Settings.Get(ctx, category)
	if err != nil || !found {
		return rec, found, err
	}
	s.cache.Set(rec)
	return rec, true, nil
}

// Thresholds returns the configured calculator cutoffs, or the defaults.
func (s *Store) Thresholds(ctx context.Context) (records.Thresholds, error) {
	rec, found, err := s.SettingsFor(ctx, records.SettingsThresholds)
	if err != nil {
		return records.DefaultThresholds(), err
	}
	if !found {
		return records.DefaultThresholds(), nil
	}
	return records.ThresholdsFrom(rec), nil
}

// Snapshot is a consistent read of every collection.
type Snapshot struct {
	Players       []records.Player
	Matches       []records.Match
	Settings      []records.SettingsRecord
	Participation []records.MatchPlayer
	DataVersion   string
	SchemaVersion string
}

// Snapshot reads every collection in one transaction.
func (s *Store) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := s.read(ctx, func(tx Tx) error {
		var err error
		if snap.Players, err = s.Players.all(ctx, tx); err != nil {
			return err
		}
		if snap.Matches, err = s.Matches.all(ctx, tx); err != nil {
			return err
		}
		if snap.Settings, err = s.Settings.all(ctx, tx); err != nil {
			return err
		}
		if snap.Participation, err = tx.Participation(ctx, ""); err != nil {
			return err
		}
		if snap.DataVersion, _, err = tx.GetMeta(ctx, MetaDataVersion); err != nil {
			return err
		}
		snap.SchemaVersion, _, err = tx.GetMeta(ctx, MetaSchemaVersion)
		return err
	})
	return snap, err
}

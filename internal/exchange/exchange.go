// Package exchange moves the whole record set in and out of the service: a
// portable JSON document carrying its version markers, the legacy key-value
// dump of older releases, and a spreadsheet of the minutes ledger.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"pitchside/internal/migrate"
	"pitchside/internal/reconcile"
	"pitchside/internal/records"
	"pitchside/internal/store"
)

// Format tags export documents.
const Format = "pitchside-export"

// ErrFormat is returned for a document that is not an export.
var ErrFormat = errors.New("not a pitchside export")

// Document is the portable export.
type Document struct {
	Format        string      `json:"format"`
	DataVersion   string      `json:"dataVersion"`
	SchemaVersion string      `json:"schemaVersion"`
	ExportedAt    time.Time   `json:"exportedAt"`
	ID            string      `json:"id"`
	Collections   Collections `json:"collections"`
}

// Collections holds every record of the export.
type Collections struct {
	Players      []records.Player         `json:"players"`
	Matches      []records.Match          `json:"matches"`
	MatchPlayers []records.MatchPlayer    `json:"matchPlayers"`
	Settings     []records.SettingsRecord `json:"settings"`
}

// Exchanger exports and imports the store's content.
type Exchanger struct {
	store   *store.Store
	engine  *reconcile.Engine
	manager *migrate.Manager
	logger  *slog.Logger
	now     func() time.Time
}

// New creates an exchanger. Imports run the migration manager afterwards.
func New(s *store.Store, engine *reconcile.Engine, manager *migrate.Manager, logger *slog.Logger) *Exchanger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exchanger{
		store:   s,
		engine:  engine,
		manager: manager,
		logger:  logger.With(slog.String("component", "exchange")),
		now:     time.Now,
	}
}

// Export reads the store into a document.
func (x *Exchanger) Export(ctx context.Context) (Document, error) {
	snap, err := x.store.Snapshot(ctx)
	if err != nil {
		return Document{}, fmt.Errorf("failed to export: %w", err)
	}
	doc := Document{
		Format:        Format,
		DataVersion:   snap.DataVersion,
		SchemaVersion: snap.SchemaVersion,
		ExportedAt:    x.now().UTC(),
		ID:            uuid.NewString(),
		Collections: Collections{
			Players:      snap.Players,
			Matches:      snap.Matches,
			MatchPlayers: snap.Participation,
			Settings:     snap.Settings,
		},
	}
	if doc.Collections.Players == nil {
		doc.Collections.Players = []records.Player{}
	}
	if doc.Collections.Matches == nil {
		doc.Collections.Matches = []records.Match{}
	}
	if doc.Collections.MatchPlayers == nil {
		doc.Collections.MatchPlayers = []records.MatchPlayer{}
	}
	if doc.Collections.Settings == nil {
		doc.Collections.Settings = []records.SettingsRecord{}
	}
	x.logger.Info("exported store", slog.String("id", doc.ID),
		slog.Int("players", len(snap.Players)), slog.Int("matches", len(snap.Matches)), slog.Int("settings", len(snap.Settings)))
	return doc, nil
}

// WriteJSON exports the store as indented JSON.
func (x *Exchanger) WriteJSON(ctx context.Context, w io.Writer) error {
	doc, err := x.Export(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to write export: %w", err)
	}
	return nil
}

// ReadDocument decodes and checks an export.
func ReadDocument(r io.Reader) (Document, error) {
	var doc Document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return Document{}, fmt.Errorf("failed to read export: %w", err)
	}
	if doc.Format != Format {
		return Document{}, fmt.Errorf("%w: format %q", ErrFormat, doc.Format)
	}
	return doc, nil
}

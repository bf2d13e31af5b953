package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"

	"pitchside/internal/migrate"
	"pitchside/internal/records"
	"pitchside/internal/store"
)

// ImportOptions control an import.
type ImportOptions struct {
	// Replace drops every stored record before writing the document's.
	// Otherwise imported records are reconciled with the stored ones.
	Replace bool
}

// ImportResult summarizes an import.
type ImportResult struct {
	Players   int            `json:"players"`
	Matches   int            `json:"matches"`
	Settings  int            `json:"settings"`
	Skipped   int            `json:"skipped"`
	Migration migrate.Result `json:"migration"`
}

// Import writes a document into the store in one transaction, moves the
// data marker to the document's version and migrates from there.
// Participation rows are rebuilt from the imported matches rather than
// copied from the document.
func (x *Exchanger) Import(ctx context.Context, doc Document, opts ImportOptions) (ImportResult, error) {
	var res ImportResult
	err := x.store.InTx(ctx, func(tx store.Tx) error {
		res = ImportResult{}
		if opts.Replace {
			if err := x.clear(ctx, tx); err != nil {
				return err
			}
		}
		for _, p := range doc.Collections.Players {
			ok, err := x.importPlayer(ctx, tx, p)
			if err != nil {
				return err
			}
			if !ok {
				res.Skipped++
				continue
			}
			res.Players++
		}
		for _, m := range doc.Collections.Matches {
			ok, err := x.importMatch(ctx, tx, m)
			if err != nil {
				return err
			}
			if !ok {
				res.Skipped++
				continue
			}
			res.Matches++
		}
		for _, s := range doc.Collections.Settings {
			if err := x.importSettings(ctx, tx, s); err != nil {
				return err
			}
			res.Settings++
		}

		version := doc.DataVersion
		if version == "" {
			version = "0.0.0"
		}
		return tx.SetMeta(ctx, store.MetaDataVersion, version)
	})
	if err != nil {
		return res, fmt.Errorf("failed to import %s: %w", doc.ID, err)
	}
	x.store.InvalidateCaches()
	x.logger.Info("imported document",
		slog.String("id", doc.ID), slog.String("data_version", doc.DataVersion),
		slog.Int("players", res.Players), slog.Int("matches", res.Matches),
		slog.Int("settings", res.Settings), slog.Int("skipped", res.Skipped))

	res.Migration, err = x.manager.Run(ctx)
	if err != nil {
		return res, err
	}
	return res, nil
}

func (x *Exchanger) clear(ctx context.Context, tx store.Tx) error {
	for _, coll := range []string{records.CollectionPlayers, records.CollectionMatches, records.CollectionSettings} {
		docs, err := tx.ListDocs(ctx, coll)
		if err != nil {
			return err
		}
		for _, d := range docs {
			if _, err := tx.DeleteDoc(ctx, coll, d.ID); err != nil {
				return err
			}
			if coll == records.CollectionMatches {
				if err := tx.ReplaceParticipation(ctx, d.ID, nil); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// importPlayer reconciles one imported player with the stored one. A player
// the engine would not accept is skipped rather than counted.
func (x *Exchanger) importPlayer(ctx context.Context, tx store.Tx, p records.Player) (bool, error) {
	fact := p.Fact(records.ModeAccumulate)
	if err := fact.Validate(); err != nil {
		x.logger.Warn("skipping imported player", slog.String("player", p.ID), slog.Any("error", err))
		return false, nil
	}
	_, err := x.store.Players.UpdateTx(ctx, tx, p.ID, func(cur records.Player, _ bool) (records.Player, error) {
		return x.engine.MergePlayer(cur, fact), nil
	})
	return err == nil, err
}

func (x *Exchanger) importMatch(ctx context.Context, tx store.Tx, m records.Match) (bool, error) {
	fact := m.Fact()
	if err := fact.Validate(); err != nil {
		x.logger.Warn("skipping imported match", slog.String("match", m.ID), slog.Any("error", err))
		return false, nil
	}
	_, err := x.store.Matches.UpdateTx(ctx, tx, m.ID, func(cur records.Match, _ bool) (records.Match, error) {
		return x.engine.MergeMatch(cur, fact), nil
	})
	return err == nil, err
}

// importSettings overlays the imported keys on the stored category.
func (x *Exchanger) importSettings(ctx context.Context, tx store.Tx, s records.SettingsRecord) error {
	if s.Category == "" {
		return nil
	}
	_, err := x.store.Settings.UpdateTx(ctx, tx, s.Category, func(cur records.SettingsRecord, found bool) (records.SettingsRecord, error) {
		if !found || cur.Settings == nil {
			cur = records.SettingsRecord{Category: s.Category, Settings: map[string]any{}}
		}
		maps.Copy(cur.Settings, s.Settings)
		return cur, nil
	})
	return err
}

// ImportLegacy loads a key-value dump of an older release (as saved from the
// browser's extension storage) and converts it. Values may be JSON or JSON
// encoded as a string. Unknown keys are ignored.
func (x *Exchanger) ImportLegacy(ctx context.Context, r io.Reader) ([]string, error) {
	var dump map[string]json.RawMessage
	if err := json.NewDecoder(r).Decode(&dump); err != nil {
		return nil, fmt.Errorf("failed to read legacy dump: %w", err)
	}

	var loaded []string
	for _, key := range migrate.LegacyKeys {
		raw, ok := dump[key]
		if !ok {
			continue
		}
		value := string(raw)
		var inner string
		if err := json.Unmarshal(raw, &inner); err == nil {
			value = inner
		}
		if err := x.store.LegacyPut(ctx, key, value); err != nil {
			return loaded, err
		}
		loaded = append(loaded, key)
	}
	if len(loaded) == 0 {
		return nil, nil
	}
	if err := x.manager.ConvertLegacy(ctx); err != nil {
		return loaded, err
	}
	return loaded, nil
}

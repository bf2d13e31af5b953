package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"reflect"
	"time"

	"pitchside/internal/records"
	"pitchside/internal/store"
)

func (m *Manager) builtinDataSteps() []DataStep {
	return []DataStep{
		{Version: "2.0.0", Name: "convert legacy entries", Apply: m.convertLegacy},
		{Version: "2.4.0", Name: "canonical date keys", Apply: m.canonicalDates},
		{Version: "3.1.0", Name: "normalize injuries and talents", Apply: m.normalizeLists},
	}
}

// convertLegacy moves the flat pre-structured entries into the collections.
// A fully converted key is deleted in the same transaction, so a re-run finds
// nothing left to convert. A key with anything the conversion could not carry
// over stays in place.
func (m *Manager) convertLegacy(ctx context.Context, tx store.Tx) error {
	for _, key := range LegacyKeys {
		raw, ok, err := tx.LegacyGet(ctx, key)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		var convErr error
		complete := true
		switch key {
		case LegacyPlayers:
			complete, convErr = m.convertLegacyPlayers(ctx, tx, raw)
		case LegacyMatches:
			complete, convErr = m.convertLegacyMatches(ctx, tx, raw)
		case LegacyModules:
			convErr = m.convertLegacySettings(ctx, tx, records.SettingsFeatures, raw, nil)
		case LegacyColors:
			convErr = m.convertLegacySettings(ctx, tx, records.SettingsColors, raw, nil)
		case LegacyThresholds:
			convErr = m.convertLegacySettings(ctx, tx, records.SettingsThresholds, raw, numericSettings)
		case LegacyCheckboxes:
			convErr = m.convertLegacySettings(ctx, tx, records.SettingsUI, raw, func(v map[string]any) map[string]any {
				return map[string]any{"checkboxes": v}
			})
		}
		if convErr != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(convErr, &syntaxErr) || errors.As(convErr, &typeErr) {
				// Unreadable as a whole: nothing to convert, keep the raw value around.
				m.logger.Error("leaving unreadable legacy entry in place",
					slog.String("key", key), slog.Any("error", convErr))
				continue
			}
			return convErr
		}
		if !complete {
			m.logger.Warn("converted legacy entry partially, keeping it in place", slog.String("key", key))
			continue
		}
		if err := tx.LegacyDelete(ctx, key); err != nil {
			return err
		}
		m.logger.Info("converted legacy entry", slog.String("key", key))
	}
	return nil
}

func (m *Manager) convertLegacyPlayers(ctx context.Context, tx store.Tx, raw string) (bool, error) {
	entries, err := decodeEntries(raw)
	if err != nil {
		return false, err
	}
	complete := true
	for _, id := range sortedIDs(entries) {
		fact, dropped := legacyPlayerFact(m.logger, id, entries[id])
		if dropped > 0 {
			complete = false
		}
		if err := fact.Validate(); err != nil {
			m.logger.Warn("skipping legacy player", slog.String("player", id), slog.Any("error", err))
			complete = false
			continue
		}
		_, err := m.store.Players.UpdateTx(ctx, tx, id, func(cur records.Player, _ bool) (records.Player, error) {
			merged := m.engine.MergePlayer(cur, fact)
			merged, kept := keepUnreadableDates(merged, fact, time.Now())
			if kept > 0 {
				m.logger.Warn("kept unreadable legacy dates as they are",
					slog.String("player", id), slog.Int("count", kept))
			}
			return merged, nil
		})
		if err != nil {
			return false, err
		}
	}
	return complete, nil
}

func (m *Manager) convertLegacyMatches(ctx context.Context, tx store.Tx, raw string) (bool, error) {
	entries, err := decodeEntries(raw)
	if err != nil {
		return false, err
	}
	complete := true
	for _, id := range sortedIDs(entries) {
		legacy, err := legacyMatch(id, entries[id])
		if err == nil {
			err = legacy.Fact().Validate()
		}
		if err != nil {
			m.logger.Warn("skipping legacy match", slog.String("match", id), slog.Any("error", err))
			complete = false
			continue
		}
		_, err = m.store.Matches.UpdateTx(ctx, tx, id, func(cur records.Match, _ bool) (records.Match, error) {
			return m.engine.MergeMatch(cur, legacy.Fact()), nil
		})
		if err != nil {
			return false, err
		}
	}
	return complete, nil
}

// convertLegacySettings folds a legacy settings object into its category.
// Values already present in the structured store win over legacy ones.
func (m *Manager) convertLegacySettings(ctx context.Context, tx store.Tx, category, raw string, shape func(map[string]any) map[string]any) error {
	var legacy map[string]any
	if err := json.Unmarshal([]byte(raw), &legacy); err != nil {
		return err
	}
	if shape != nil {
		legacy = shape(legacy)
	}

	_, err := m.store.Settings.UpdateTx(ctx, tx, category, func(rec records.SettingsRecord, found bool) (records.SettingsRecord, error) {
		if !found {
			rec = records.SettingsRecord{Category: category}
		}
		if rec.Settings == nil {
			rec.Settings = map[string]any{}
		}
		for k, v := range legacy {
			if _, ok := rec.Settings[k]; !ok {
				rec.Settings[k] = v
			}
		}
		return rec, nil
	})
	return err
}

func numericSettings(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if n, ok := toInt(v); ok {
			out[k] = n
		}
	}
	return out
}

// canonicalDates rewrites minutes and injury dates of every player and the
// date of every match into the canonical key format.
func (m *Manager) canonicalDates(ctx context.Context, tx store.Tx) error {
	players, err := m.store.Players.AllTx(ctx, tx)
	if err != nil {
		return err
	}
	for _, p := range players {
		next := m.engine.NormalizePlayer(p)
		if reflect.DeepEqual(next, p) {
			continue
		}
		if _, err := m.store.Players.ReplaceTx(ctx, tx, next); err != nil {
			return err
		}
	}

	matches, err := m.store.Matches.AllTx(ctx, tx)
	if err != nil {
		return err
	}
	for _, match := range matches {
		next := m.engine.NormalizeMatch(match)
		if next.Date == match.Date {
			continue
		}
		if _, err := m.store.Matches.ReplaceTx(ctx, tx, next); err != nil {
			return err
		}
	}
	return nil
}

// normalizeLists dedupes and orders injuries, normalizes talent sets and
// drops zero personality values, which only ever meant "unknown".
func (m *Manager) normalizeLists(ctx context.Context, tx store.Tx) error {
	players, err := m.store.Players.AllTx(ctx, tx)
	if err != nil {
		return err
	}
	for _, p := range players {
		next := m.engine.NormalizePlayer(p)
		for trait, v := range next.Personalities {
			if v == 0 {
				delete(next.Personalities, trait)
			}
		}
		if len(next.Personalities) == 0 {
			next.Personalities = nil
		}
		if reflect.DeepEqual(next, p) {
			continue
		}
		if _, err := m.store.Players.ReplaceTx(ctx, tx, next); err != nil {
			return err
		}
	}
	return nil
}

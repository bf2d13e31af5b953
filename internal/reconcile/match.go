package reconcile

import (
	"log/slog"
	"sort"

	"pitchside/internal/records"
)

// MergeMatch merges an incoming match fact into an existing match record.
// Scalars are only replaced by non-empty values, tactics are replaced as a
// whole and lineups are merged per side and player.
func (e *Engine) MergeMatch(existing records.Match, fact records.MatchFact) (merged records.Match) {
	defer e.recoverInto("match", fact.ID, func() { merged = existing })

	if err := fact.Validate(); err != nil {
		e.logger.Error("rejected match fact", slog.String("id", fact.ID), slog.Any("error", err))
		return existing
	}
	if existing.ID != "" && existing.ID != fact.ID {
		e.logger.Error("match fact id mismatch",
			slog.String("record", existing.ID), slog.String("fact", fact.ID))
		return existing
	}

	merged = existing.Clone()
	merged.ID = fact.ID

	if fact.Date != "" {
		if key, ok := records.NormalizeDate(fact.Date, e.now()); ok {
			merged.Date = key
		} else {
			e.logger.Warn("ignoring unreadable match date",
				slog.String("match", fact.ID), slog.String("date", fact.Date))
		}
	}
	setIf(&merged.Competition, fact.Competition)
	setIf(&merged.HomeTeamID, fact.HomeTeamID)
	setIf(&merged.HomeTeamName, fact.HomeTeamName)
	setIf(&merged.AwayTeamID, fact.AwayTeamID)
	setIf(&merged.AwayTeamName, fact.AwayTeamName)

	if fact.Tactics != nil {
		t := records.Match{Tactics: fact.Tactics}.Clone().Tactics
		merged.Tactics = t
	}

	if fact.StartingLineups != nil {
		if merged.StartingLineups == nil {
			merged.StartingLineups = &records.Lineups{}
		}
		merged.StartingLineups.Home = mergeSide(merged.StartingLineups.Home, fact.StartingLineups.Home, nil)
		merged.StartingLineups.Away = mergeSide(merged.StartingLineups.Away, fact.StartingLineups.Away, nil)
	}

	if fact.FinishingLineups != nil {
		if merged.FinishingLineups == nil {
			merged.FinishingLineups = &records.Lineups{}
		}
		var startHome, startAway map[string]records.LineupEntry
		if merged.StartingLineups != nil {
			startHome, startAway = merged.StartingLineups.Home, merged.StartingLineups.Away
		}
		merged.FinishingLineups.Home = mergeSide(merged.FinishingLineups.Home, fact.FinishingLineups.Home, startHome)
		merged.FinishingLineups.Away = mergeSide(merged.FinishingLineups.Away, fact.FinishingLineups.Away, startAway)
	}

	// A starting lineup seen after the finishing one still completes it.
	if merged.StartingLineups != nil && merged.FinishingLineups != nil {
		backfill(merged.FinishingLineups.Home, merged.StartingLineups.Home)
		backfill(merged.FinishingLineups.Away, merged.StartingLineups.Away)
	}
	return merged
}

func setIf(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// mergeSide merges incoming entries into existing ones. base supplies the
// starting-lineup entry a finishing entry is layered on when the finishing
// side has not seen the player yet.
func mergeSide(existing, incoming, base map[string]records.LineupEntry) map[string]records.LineupEntry {
	if len(incoming) == 0 {
		return existing
	}
	if existing == nil {
		existing = make(map[string]records.LineupEntry, len(incoming))
	}
	for id, in := range incoming {
		cur, ok := existing[id]
		if !ok {
			cur = base[id]
		}
		existing[id] = mergeEntry(cur, in)
	}
	return existing
}

// mergeEntry never replaces a known name or position; minutes and injury
// follow the latest observation that carries them.
func mergeEntry(cur, in records.LineupEntry) records.LineupEntry {
	if cur.Name == "" {
		cur.Name = in.Name
	}
	if cur.Position == "" {
		cur.Position = in.Position
	}
	setIf(&cur.Minutes, in.Minutes)
	setIf(&cur.Injury, in.Injury)
	return cur
}

func backfill(finishing, starting map[string]records.LineupEntry) {
	for id, f := range finishing {
		s, ok := starting[id]
		if !ok {
			continue
		}
		if f.Name == "" {
			f.Name = s.Name
		}
		if f.Position == "" {
			f.Position = s.Position
		}
		finishing[id] = f
	}
}

// PlayerFacts derives the player facts implied by a match record: every
// lineup participant exists as a player, and finishing lineups add one
// minutes entry and, when injured, one injury entry keyed by the match date.
// Without a match date only the existence facts are produced.
func (e *Engine) PlayerFacts(m records.Match) []records.PlayerFact {
	facts := make(map[string]*records.PlayerFact)
	touch := func(id string) *records.PlayerFact {
		f, ok := facts[id]
		if !ok {
			f = &records.PlayerFact{ID: id, Mode: records.ModeAuthoritative}
			facts[id] = f
		}
		return f
	}
	for _, l := range []*records.Lineups{m.StartingLineups, m.FinishingLineups} {
		if l == nil {
			continue
		}
		for id := range l.Home {
			touch(id)
		}
		for id := range l.Away {
			touch(id)
		}
	}

	if m.FinishingLineups != nil && m.Date != "" {
		for _, side := range []map[string]records.LineupEntry{m.FinishingLineups.Home, m.FinishingLineups.Away} {
			for id, entry := range side {
				f := touch(id)
				if entry.Minutes != "" {
					minutes, ok := records.ParseMinutes(entry.Minutes)
					if !ok {
						e.logger.Warn("skipping unreadable minutes",
							slog.String("match", m.ID), slog.String("player", id), slog.String("minutes", entry.Minutes))
					} else {
						f.MinutesPlayed = map[string]int{m.Date: minutes}
					}
				}
				if entry.Injury != "" {
					f.Injuries = []string{m.Date}
				}
			}
		}
	} else if m.FinishingLineups != nil {
		e.logger.Warn("match has no date, minutes and injuries not credited", slog.String("match", m.ID))
	}

	ids := make([]string, 0, len(facts))
	for id := range facts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]records.PlayerFact, 0, len(ids))
	for _, id := range ids {
		out = append(out, *facts[id])
	}
	return out
}

// NormalizeMatch rewrites a stored match date into canonical form. Unreadable
// dates are left as they are.
func (e *Engine) NormalizeMatch(m records.Match) records.Match {
	if m.Date == "" || records.IsCanonical(m.Date) {
		return m
	}
	key, ok := records.NormalizeDate(m.Date, e.now())
	if !ok {
		e.logger.Warn("leaving unreadable match date", slog.String("match", m.ID), slog.String("date", m.Date))
		return m
	}
	m.Date = key
	return m
}

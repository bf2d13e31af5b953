package reconcile

import (
	"log/slog"
	"sort"

	"github.com/samber/lo"

	"pitchside/internal/records"
)

// MergePlayer merges an incoming fact into an existing player record and
// returns the merged copy. existing is never modified. On an invalid fact the
// existing record is returned unchanged.
func (e *Engine) MergePlayer(existing records.Player, fact records.PlayerFact) (merged records.Player) {
	defer e.recoverInto("player", fact.ID, func() { merged = existing })

	if err := fact.Validate(); err != nil {
		e.logger.Error("rejected player fact", slog.String("id", fact.ID), slog.Any("error", err))
		return existing
	}
	if existing.ID != "" && existing.ID != fact.ID {
		e.logger.Error("player fact id mismatch",
			slog.String("record", existing.ID), slog.String("fact", fact.ID))
		return existing
	}

	merged = existing.Clone()
	merged.ID = fact.ID

	for trait, v := range fact.Personalities {
		// Zero means the trait could not be read; it never erases a known value.
		if v == 0 {
			continue
		}
		if merged.Personalities == nil {
			merged.Personalities = records.Personalities{}
		}
		merged.Personalities[trait] = v
	}

	if !fact.HiddenSkills.IsZero() {
		var hs records.HiddenSkills
		if merged.HiddenSkills != nil {
			hs = *merged.HiddenSkills
		}
		mergeHidden(&hs, fact.HiddenSkills)
		merged.HiddenSkills = &hs
	}

	if fact.TalentsObserved {
		merged.SpecialTalents = normalizeTalents(fact.SpecialTalents)
	}

	merged.MinutesPlayed = e.mergeMinutes(fact.ID, merged.MinutesPlayed, fact.MinutesPlayed, fact.Mode)
	merged.Injuries = e.mergeInjuries(fact.ID, merged.Injuries, fact.Injuries)
	return merged
}

func mergeHidden(dst *records.HiddenSkills, src records.HiddenSkills) {
	set := func(d **int, s *int) {
		if s != nil {
			v := *s
			*d = &v
		}
	}
	set(&dst.Adaptability, src.Adaptability)
	set(&dst.AdvancedDev, src.AdvancedDev)
	set(&dst.EstimatedPotential, src.EstimatedPotential)
	set(&dst.InjuryResistance, src.InjuryResistance)
	set(&dst.RetirementPlan, src.RetirementPlan)
}

func normalizeTalents(in []string) []string {
	out := lo.Uniq(lo.Filter(in, func(s string, _ int) bool { return s != "" }))
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}

// mergeMinutes unions the ledgers keyed by canonical date. A date already
// recorded keeps its value unless mode overrides it.
func (e *Engine) mergeMinutes(id string, existing, incoming map[string]int, mode records.MergeMode) map[string]int {
	if len(incoming) == 0 {
		return existing
	}
	out := existing
	if out == nil {
		out = make(map[string]int, len(incoming))
	}
	// Sorted so that two raw keys collapsing onto one date resolve the same way every run.
	keys := lo.Keys(incoming)
	sort.Strings(keys)
	for _, raw := range keys {
		minutes := incoming[raw]
		key, ok := records.NormalizeDate(raw, e.now())
		if !ok {
			e.logger.Warn("skipping minutes entry with unreadable date",
				slog.String("player", id), slog.String("date", raw))
			continue
		}
		if prev, seen := out[key]; seen && prev != minutes && !mode.Overrides() {
			e.logger.Debug("keeping recorded minutes",
				slog.String("player", id), slog.String("date", key),
				slog.Int("recorded", prev), slog.Int("incoming", minutes))
			continue
		}
		out[key] = minutes
	}
	return out
}

// mergeInjuries unions injury dates, drops duplicates and sorts most recent first.
func (e *Engine) mergeInjuries(id string, existing, incoming []string) []string {
	if len(incoming) == 0 && len(existing) == 0 {
		return existing
	}
	seen := make(map[string]bool, len(existing)+len(incoming))
	out := make([]string, 0, len(existing)+len(incoming))
	add := func(key string) {
		if !seen[key] {
			seen[key] = true
			out = append(out, key)
		}
	}
	for _, raw := range existing {
		// Stored values that do not parse are kept as they are.
		if key, ok := records.NormalizeDate(raw, e.now()); ok {
			add(key)
		} else {
			add(raw)
		}
	}
	for _, raw := range incoming {
		key, ok := records.NormalizeDate(raw, e.now())
		if !ok {
			e.logger.Warn("skipping injury with unreadable date",
				slog.String("player", id), slog.String("date", raw))
			continue
		}
		add(key)
	}
	records.SortDatesDesc(out)
	return out
}

// NormalizePlayer rewrites every date key of a stored player into canonical
// form. It is the correction pass used by migrations: when two stored keys
// land on the same date, the one that was already canonical wins.
func (e *Engine) NormalizePlayer(p records.Player) records.Player {
	out := p.Clone()
	if len(p.MinutesPlayed) > 0 {
		ledger := make(map[string]int, len(p.MinutesPlayed))
		keys := lo.Keys(p.MinutesPlayed)
		sort.Strings(keys)
		for _, raw := range keys {
			key, ok := records.NormalizeDate(raw, e.now())
			if !ok {
				e.logger.Warn("leaving unreadable minutes key in place",
					slog.String("player", p.ID), slog.String("date", raw))
				ledger[raw] = p.MinutesPlayed[raw]
				continue
			}
			if _, taken := ledger[key]; taken && !records.IsCanonical(raw) {
				continue
			}
			ledger[key] = p.MinutesPlayed[raw]
		}
		out.MinutesPlayed = ledger
	}
	out.Injuries = e.mergeInjuries(p.ID, p.Injuries, nil)
	if p.SpecialTalents != nil {
		out.SpecialTalents = normalizeTalents(p.SpecialTalents)
	}
	return out
}

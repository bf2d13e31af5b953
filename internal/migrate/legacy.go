package migrate

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"pitchside/internal/records"
)

// Flat keys written by releases before the structured store.
const (
	LegacyPlayers    = "player-data"
	LegacyMatches    = "matches"
	LegacyModules    = "modules"
	LegacyColors     = "colors"
	LegacyThresholds = "tresholds"
	LegacyCheckboxes = "checkboxes"
)

// LegacyKeys lists every flat key the 2.0.0 data step consumes.
var LegacyKeys = []string{
	LegacyPlayers, LegacyMatches, LegacyModules, LegacyColors, LegacyThresholds, LegacyCheckboxes,
}

// decodeEntries reads a legacy collection stored either as an object keyed
// by id or as an array of objects carrying an "id" field.
func decodeEntries(raw string) (map[string]map[string]any, error) {
	raw = strings.TrimSpace(raw)
	out := map[string]map[string]any{}
	if strings.HasPrefix(raw, "[") {
		var list []map[string]any
		if err := json.Unmarshal([]byte(raw), &list); err != nil {
			return nil, err
		}
		for _, e := range list {
			id, ok := scalarString(e["id"])
			if !ok || id == "" {
				continue
			}
			out[id] = e
		}
		return out, nil
	}
	var byID map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &byID); err != nil {
		return nil, err
	}
	for id, msg := range byID {
		var e map[string]any
		if err := json.Unmarshal(msg, &e); err != nil {
			continue
		}
		out[id] = e
	}
	return out, nil
}

func sortedIDs(m map[string]map[string]any) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// legacyPlayerFact converts one legacy player entry. Values that cannot be
// read are dropped with a warning so the rest of the entry survives.
// legacyPlayerFact reads one legacy player entry. dropped counts the values
// that could not be read.
func legacyPlayerFact(logger *slog.Logger, id string, e map[string]any) (fact records.PlayerFact, dropped int) {
	fact = records.PlayerFact{ID: id, Mode: records.ModeAccumulate}
	warn := func(field string, v any) {
		dropped++
		logger.Warn("unreadable legacy value",
			slog.String("player", id), slog.String("field", field), slog.Any("value", v))
	}

	if pers, ok := e["personalities"].(map[string]any); ok {
		fact.Personalities = records.Personalities{}
		for trait, v := range pers {
			n, ok := toInt(v)
			if !ok || n < -2 || n > 2 {
				warn("personalities."+trait, v)
				continue
			}
			fact.Personalities[trait] = n
		}
	}

	if hs, ok := e["hiddenSkills"].(map[string]any); ok {
		set := func(key string, dst **int) {
			v, present := hs[key]
			if !present || v == nil {
				return
			}
			n, ok := toInt(v)
			if !ok {
				warn("hiddenSkills."+key, v)
				return
			}
			*dst = &n
		}
		set("adaptability", &fact.HiddenSkills.Adaptability)
		set("advancedDev", &fact.HiddenSkills.AdvancedDev)
		set("estimatedPotential", &fact.HiddenSkills.EstimatedPotential)
		set("injuryResistance", &fact.HiddenSkills.InjuryResistance)
		set("retirementPlan", &fact.HiddenSkills.RetirementPlan)
	}

	if talents, ok := e["specialTalents"].([]any); ok {
		fact.TalentsObserved = true
		for _, t := range talents {
			if s, ok := t.(string); ok {
				fact.SpecialTalents = append(fact.SpecialTalents, s)
			}
		}
	}

	if minutes, ok := e["minutesPlayed"].(map[string]any); ok {
		fact.MinutesPlayed = map[string]int{}
		for date, v := range minutes {
			n, ok := toInt(v)
			if !ok || n < 0 {
				warn("minutesPlayed."+date, v)
				continue
			}
			fact.MinutesPlayed[date] = n
		}
	}

	if injuries, ok := e["injuries"].([]any); ok {
		for _, v := range injuries {
			s, ok := scalarString(v)
			if !ok {
				warn("injuries", v)
				continue
			}
			fact.Injuries = append(fact.Injuries, s)
		}
	}
	return fact, dropped
}

// keepUnreadableDates carries the date keys of fact that do not normalize
// into p as they are, so a later canonical-dates pass can retry them instead
// of the conversion losing them.
func keepUnreadableDates(p records.Player, fact records.PlayerFact, ref time.Time) (records.Player, int) {
	kept := 0
	for raw, minutes := range fact.MinutesPlayed {
		if _, ok := records.NormalizeDate(raw, ref); ok {
			continue
		}
		if p.MinutesPlayed == nil {
			p.MinutesPlayed = map[string]int{}
		}
		if _, seen := p.MinutesPlayed[raw]; !seen {
			p.MinutesPlayed[raw] = minutes
		}
		kept++
	}
	for _, raw := range fact.Injuries {
		if _, ok := records.NormalizeDate(raw, ref); ok {
			continue
		}
		if !slices.Contains(p.Injuries, raw) {
			p.Injuries = append(p.Injuries, raw)
		}
		kept++
	}
	if kept > 0 {
		records.SortDatesDesc(p.Injuries)
	}
	return p, kept
}

func legacyMatch(id string, e map[string]any) (records.Match, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return records.Match{}, err
	}
	var m records.Match
	if err := json.Unmarshal(raw, &m); err != nil {
		return records.Match{}, fmt.Errorf("failed to decode legacy match %s: %w", id, err)
	}
	m.ID = id
	return m, nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		return i, err == nil
	}
	return 0, false
}

// scalarString renders strings and numbers (epoch milliseconds in old
// exports) as strings.
func scalarString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case float64:
		return strconv.FormatInt(int64(s), 10), true
	}
	return "", false
}

package extract

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"pitchside/internal/records"
)

// Personalities reads the personality table. A value the page marks as
// unknown ("?" or empty) is left out rather than recorded as zero.
func (e *Extractor) Personalities(root *goquery.Selection) (records.Personalities, error) {
	rows := root.Find(e.sel.PersonalityRow)
	if rows.Length() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotReady, e.sel.PersonalityRow)
	}
	out := records.Personalities{}
	rows.Each(func(i int, row *goquery.Selection) {
		trait := traitName(text(row.Find("th").First()))
		if trait == "" {
			return
		}
		v, ok, err := cellInt(row.Find("td").First())
		if err != nil || (ok && (v < -2 || v > 2)) {
			e.logger.Warn("skipping malformed personality",
				slog.String("trait", trait), slog.String("value", text(row.Find("td").First())))
			return
		}
		if ok && v != 0 {
			out[trait] = v
		}
	})
	return out, nil
}

func traitName(label string) string {
	return strings.ToLower(strings.Join(strings.Fields(strings.TrimSuffix(label, ":")), ""))
}

// cellInt reads a numeric cell, preferring data-value. ok is false when the
// cell holds no value yet.
func cellInt(cell *goquery.Selection) (v int, ok bool, err error) {
	raw, has := cell.Attr("data-value")
	if !has {
		raw = text(cell)
	}
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "+")
	if raw == "" || raw == "?" || raw == "-" {
		return 0, false, nil
	}
	v, err = strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("failed to parse %q: %w", raw, err)
	}
	return v, true, nil
}

var hiddenSkillFields = map[string]func(*records.HiddenSkills) **int{
	"adaptability":        func(h *records.HiddenSkills) **int { return &h.Adaptability },
	"advanceddevelopment": func(h *records.HiddenSkills) **int { return &h.AdvancedDev },
	"estimatedpotential":  func(h *records.HiddenSkills) **int { return &h.EstimatedPotential },
	"injuryresistance":    func(h *records.HiddenSkills) **int { return &h.InjuryResistance },
	"retirementplan":      func(h *records.HiddenSkills) **int { return &h.RetirementPlan },
}

// HiddenSkills reads the hidden skills table. Unknown labels are ignored.
func (e *Extractor) HiddenSkills(root *goquery.Selection) (records.HiddenSkills, error) {
	rows := root.Find(e.sel.HiddenSkillRow)
	if rows.Length() == 0 {
		return records.HiddenSkills{}, fmt.Errorf("%w: %s", ErrNotReady, e.sel.HiddenSkillRow)
	}
	var hs records.HiddenSkills
	rows.Each(func(i int, row *goquery.Selection) {
		label := traitName(text(row.Find("th").First()))
		field, known := hiddenSkillFields[label]
		if !known {
			return
		}
		v, ok, err := cellInt(row.Find("td").First())
		if err != nil {
			e.logger.Warn("skipping malformed hidden skill", slog.String("skill", label), slog.Any("error", err))
			return
		}
		if ok {
			*field(&hs) = &v
		}
	})
	return hs, nil
}

// SpecialTalents lists the talents shown on a profile. An empty section is a
// valid observation: the player has no talents.
func (e *Extractor) SpecialTalents(root *goquery.Selection) ([]string, error) {
	section, err := required(root, e.sel.TalentsSection)
	if err != nil {
		return nil, err
	}
	talents := []string{}
	section.Find(e.sel.TalentItem).Each(func(_ int, item *goquery.Selection) {
		if t := text(item); t != "" {
			talents = append(talents, t)
		}
	})
	return talents, nil
}

// Injuries lists the injury dates of the injury history, canonicalized.
func (e *Extractor) Injuries(root *goquery.Selection) ([]string, error) {
	section, err := required(root, e.sel.InjuriesSection)
	if err != nil {
		return nil, err
	}
	var dates []string
	section.Find(e.sel.InjuryDate).Each(func(_ int, cell *goquery.Selection) {
		raw := text(cell)
		if raw == "" {
			return
		}
		key, ok := records.NormalizeDate(raw, e.now())
		if !ok {
			e.logger.Warn("skipping unreadable injury date", slog.String("date", raw))
			return
		}
		dates = append(dates, key)
	})
	return dates, nil
}

// MinutesPlayed reads the game log into a ledger keyed by canonical date.
func (e *Extractor) MinutesPlayed(root *goquery.Selection) (map[string]int, error) {
	section, err := required(root, e.sel.GamesSection)
	if err != nil {
		return nil, err
	}
	ledger := map[string]int{}
	section.Find(e.sel.GameRow).Each(func(i int, row *goquery.Selection) {
		rawDate := text(row.Find(e.sel.GameDate).First())
		rawMinutes := text(row.Find(e.sel.GameMinutes).First())
		key, ok := records.NormalizeDate(rawDate, e.now())
		if !ok {
			e.logger.Warn("skipping game row with unreadable date", slog.Int("row", i), slog.String("date", rawDate))
			return
		}
		minutes, ok := records.ParseMinutes(rawMinutes)
		if !ok {
			e.logger.Warn("skipping game row with malformed minutes", slog.Int("row", i), slog.String("minutes", rawMinutes))
			return
		}
		ledger[key] += minutes
	})
	return ledger, nil
}

// PlayerProfile reads every section a profile page currently shows. The
// profile container is required; each section is optional and an absent
// section is simply not observed.
func (e *Extractor) PlayerProfile(root *goquery.Selection, playerID string) (records.PlayerFact, error) {
	profile, err := required(root, e.sel.Profile)
	if err != nil {
		return records.PlayerFact{}, err
	}
	// The game log never overrides minutes already recorded for a date; only a
	// finishing lineup does.
	fact := records.PlayerFact{ID: playerID, Mode: records.ModeAccumulate}
	if p, err := e.Personalities(profile); err == nil {
		fact.Personalities = p
	}
	if hs, err := e.HiddenSkills(profile); err == nil {
		fact.HiddenSkills = hs
	}
	if t, err := e.SpecialTalents(profile); err == nil {
		fact.SpecialTalents = t
		fact.TalentsObserved = true
	}
	if inj, err := e.Injuries(profile); err == nil {
		fact.Injuries = inj
	}
	if mp, err := e.MinutesPlayed(profile); err == nil {
		fact.MinutesPlayed = mp
	}
	if err := fact.Validate(); err != nil {
		return records.PlayerFact{}, err
	}
	return fact, nil
}

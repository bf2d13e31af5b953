package extract

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"pitchside/internal/records"
)

// MatchHeader reads the date, competition and both teams of a match page.
func (e *Extractor) MatchHeader(root *goquery.Selection, matchID string) (records.MatchFact, error) {
	header, err := required(root, e.sel.MatchHeader)
	if err != nil {
		return records.MatchFact{}, err
	}
	home, err := required(header, e.sel.HomeTeam)
	if err != nil {
		return records.MatchFact{}, err
	}
	away, err := required(header, e.sel.AwayTeam)
	if err != nil {
		return records.MatchFact{}, err
	}

	fact := records.MatchFact{
		ID:           matchID,
		Competition:  text(header.Find(e.sel.Competition).First()),
		HomeTeamID:   linkID(home),
		HomeTeamName: text(home),
		AwayTeamID:   linkID(away),
		AwayTeamName: text(away),
	}
	if raw := text(header.Find(e.sel.MatchDate).First()); raw != "" {
		fact.Date = e.normalizeDate(raw, "match", matchID)
	}
	return fact, nil
}

// Tactics reads the tactics table: one row per category, home value then away value.
func (e *Extractor) Tactics(root *goquery.Selection) (*records.Tactics, error) {
	rows := root.Find(e.sel.TacticsRow)
	if rows.Length() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotReady, e.sel.TacticsRow)
	}
	t := &records.Tactics{Home: map[string]string{}, Away: map[string]string{}}
	rows.Each(func(i int, row *goquery.Selection) {
		category := strings.ToLower(text(row.Find("th").First()))
		cells := row.Find("td")
		if category == "" && cells.Length() == 0 {
			return
		}
		if category == "" || cells.Length() < 2 {
			e.logger.Warn("skipping malformed tactics row", slog.Int("row", i), slog.Int("cells", cells.Length()))
			return
		}
		if v := text(cells.Eq(0)); v != "" {
			t.Home[category] = v
		}
		if v := text(cells.Eq(1)); v != "" {
			t.Away[category] = v
		}
	})
	return t, nil
}

// Lineup reads one lineup container. finishing selects the end-of-match
// lineup, which also shows minutes and injuries.
func (e *Extractor) Lineup(root *goquery.Selection, finishing bool) (*records.Lineups, error) {
	selector := e.sel.StartingLineup
	if finishing {
		selector = e.sel.FinishingLineup
	}
	container, err := required(root, selector)
	if err != nil {
		return nil, err
	}
	home, err := required(container, e.sel.LineupHome)
	if err != nil {
		return nil, err
	}
	away, err := required(container, e.sel.LineupAway)
	if err != nil {
		return nil, err
	}
	return &records.Lineups{
		Home: e.lineupSide(home, finishing),
		Away: e.lineupSide(away, finishing),
	}, nil
}

func (e *Extractor) lineupSide(side *goquery.Selection, finishing bool) map[string]records.LineupEntry {
	entries := map[string]records.LineupEntry{}
	side.Find(e.sel.LineupRow).Each(func(i int, row *goquery.Selection) {
		link := row.Find(e.sel.RowPlayer).First()
		id := linkID(link)
		if id == "" {
			e.logger.Warn("skipping lineup row without player link", slog.Int("row", i))
			return
		}
		entry := records.LineupEntry{
			Name:     text(link),
			Position: strings.ToUpper(text(row.Find(e.sel.RowPosition).First())),
		}
		if finishing {
			raw := text(row.Find(e.sel.RowMinutes).First())
			minutes, ok := records.ParseMinutes(raw)
			if !ok {
				e.logger.Warn("skipping lineup row with malformed minutes", slog.String("player", id), slog.String("minutes", raw))
				return
			}
			if raw != "" {
				entry.Minutes = strconv.Itoa(minutes)
			}
			entry.Injury = injuryLabel(row.Find(e.sel.RowInjury).First())
		}
		entries[id] = entry
	})
	return entries
}

// injuryLabel prefers the icon's title over its text; the game renders
// severities as icons with a tooltip.
func injuryLabel(s *goquery.Selection) string {
	if s.Length() == 0 {
		return ""
	}
	if title, ok := s.Attr("title"); ok && strings.TrimSpace(title) != "" {
		return strings.ToLower(strings.TrimSpace(title))
	}
	return strings.ToLower(text(s))
}

// MatchPage reads everything a match page currently shows. Only the header
// is required; tactics and lineups are added when their tab is loaded.
func (e *Extractor) MatchPage(root *goquery.Selection, matchID string) (records.MatchFact, error) {
	fact, err := e.MatchHeader(root, matchID)
	if err != nil {
		return records.MatchFact{}, err
	}
	if t, err := e.Tactics(root); err == nil {
		fact.Tactics = t
	}
	if l, err := e.Lineup(root, false); err == nil {
		fact.StartingLineups = l
	}
	if l, err := e.Lineup(root, true); err == nil {
		fact.FinishingLineups = l
	}
	if err := fact.Validate(); err != nil {
		return records.MatchFact{}, err
	}
	return fact, nil
}

func (e *Extractor) normalizeDate(raw, kind, id string) string {
	if key, ok := records.NormalizeDate(raw, e.now()); ok {
		return key
	}
	e.logger.Warn("keeping unreadable date", slog.String("kind", kind), slog.String("id", id), slog.String("date", raw))
	return raw
}

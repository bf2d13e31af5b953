// Package extract reads facts out of game page snapshots. Pages arrive
// half-loaded as often as not: a missing required node yields ErrNotReady
// and the caller simply waits for the next snapshot. A present but
// malformed row is logged and skipped.
package extract

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// ErrNotReady means a required node is not on the page yet.
var ErrNotReady = errors.New("page not ready")

// Selectors locate the parts of a page. Row-level selectors are evaluated
// relative to their container.
type Selectors struct {
	MatchHeader string `yaml:"match_header" json:"matchHeader"`
	MatchDate   string `yaml:"match_date" json:"matchDate"`
	Competition string `yaml:"competition" json:"competition"`
	HomeTeam    string `yaml:"home_team" json:"homeTeam"`
	AwayTeam    string `yaml:"away_team" json:"awayTeam"`

	TacticsRow string `yaml:"tactics_row" json:"tacticsRow"`

	StartingLineup  string `yaml:"starting_lineup" json:"startingLineup"`
	FinishingLineup string `yaml:"finishing_lineup" json:"finishingLineup"`
	LineupHome      string `yaml:"lineup_home" json:"lineupHome"`
	LineupAway      string `yaml:"lineup_away" json:"lineupAway"`
	LineupRow       string `yaml:"lineup_row" json:"lineupRow"`
	RowPlayer       string `yaml:"row_player" json:"rowPlayer"`
	RowPosition     string `yaml:"row_position" json:"rowPosition"`
	RowMinutes      string `yaml:"row_minutes" json:"rowMinutes"`
	RowInjury       string `yaml:"row_injury" json:"rowInjury"`

	Profile         string `yaml:"profile" json:"profile"`
	PersonalityRow  string `yaml:"personality_row" json:"personalityRow"`
	HiddenSkillRow  string `yaml:"hidden_skill_row" json:"hiddenSkillRow"`
	TalentsSection  string `yaml:"talents_section" json:"talentsSection"`
	TalentItem      string `yaml:"talent_item" json:"talentItem"`
	InjuriesSection string `yaml:"injuries_section" json:"injuriesSection"`
	InjuryDate      string `yaml:"injury_date" json:"injuryDate"`
	GamesSection    string `yaml:"games_section" json:"gamesSection"`
	GameRow         string `yaml:"game_row" json:"gameRow"`
	GameDate        string `yaml:"game_date" json:"gameDate"`
	GameMinutes     string `yaml:"game_minutes" json:"gameMinutes"`

	Report         string `yaml:"report" json:"report"`
	ReportMinute   string `yaml:"report_minute" json:"reportMinute"`
	ReportPassType string `yaml:"report_pass_type" json:"reportPassType"`
}

// DefaultSelectors match the game's current markup.
func DefaultSelectors() Selectors {
	return Selectors{
		MatchHeader: "#match-header",
		MatchDate:   ".match-date",
		Competition: ".competition",
		HomeTeam:    ".home-team a",
		AwayTeam:    ".away-team a",

		TacticsRow: "table.tactics tr",

		StartingLineup:  "#lineup-start",
		FinishingLineup: "#lineup-end",
		LineupHome:      ".home",
		LineupAway:      ".away",
		LineupRow:       "tr.player",
		RowPlayer:       "a.player-link",
		RowPosition:     ".position",
		RowMinutes:      ".minutes",
		RowInjury:       ".injury",

		Profile:         "#player-profile",
		PersonalityRow:  "table.personalities tr",
		HiddenSkillRow:  "table.hidden-skills tr",
		TalentsSection:  "ul.special-talents",
		TalentItem:      "li",
		InjuriesSection: "table.injuries",
		InjuryDate:      "td.date",
		GamesSection:    "table.games",
		GameRow:         "tr.game",
		GameDate:        ".date",
		GameMinutes:     ".minutes",

		Report:         ".match-report",
		ReportMinute:   ".minute",
		ReportPassType: ".pass-type",
	}
}

// Extractor reads facts from pages using one set of selectors.
type Extractor struct {
	sel    Selectors
	rules  ReportRules
	logger *slog.Logger
	now    func() time.Time
}

// New creates an extractor. Empty selector fields fall back to the defaults.
func New(sel Selectors, rules ReportRules, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		sel:    withDefaults(sel),
		rules:  rules.withDefaults(),
		logger: logger.With(slog.String("component", "extract")),
		now:    time.Now,
	}
}

// WithClock sets the reference time used to resolve relative dates.
func (e *Extractor) WithClock(now func() time.Time) *Extractor {
	e.now = now
	return e
}

func withDefaults(sel Selectors) Selectors {
	def := DefaultSelectors()
	fill := func(dst *string, fallback string) {
		if strings.TrimSpace(*dst) == "" {
			*dst = fallback
		}
	}
	fill(&sel.MatchHeader, def.MatchHeader)
	fill(&sel.MatchDate, def.MatchDate)
	fill(&sel.Competition, def.Competition)
	fill(&sel.HomeTeam, def.HomeTeam)
	fill(&sel.AwayTeam, def.AwayTeam)
	fill(&sel.TacticsRow, def.TacticsRow)
	fill(&sel.StartingLineup, def.StartingLineup)
	fill(&sel.FinishingLineup, def.FinishingLineup)
	fill(&sel.LineupHome, def.LineupHome)
	fill(&sel.LineupAway, def.LineupAway)
	fill(&sel.LineupRow, def.LineupRow)
	fill(&sel.RowPlayer, def.RowPlayer)
	fill(&sel.RowPosition, def.RowPosition)
	fill(&sel.RowMinutes, def.RowMinutes)
	fill(&sel.RowInjury, def.RowInjury)
	fill(&sel.Profile, def.Profile)
	fill(&sel.PersonalityRow, def.PersonalityRow)
	fill(&sel.HiddenSkillRow, def.HiddenSkillRow)
	fill(&sel.TalentsSection, def.TalentsSection)
	fill(&sel.TalentItem, def.TalentItem)
	fill(&sel.InjuriesSection, def.InjuriesSection)
	fill(&sel.InjuryDate, def.InjuryDate)
	fill(&sel.GamesSection, def.GamesSection)
	fill(&sel.GameRow, def.GameRow)
	fill(&sel.GameDate, def.GameDate)
	fill(&sel.GameMinutes, def.GameMinutes)
	fill(&sel.Report, def.Report)
	fill(&sel.ReportMinute, def.ReportMinute)
	fill(&sel.ReportPassType, def.ReportPassType)
	return sel
}

// Selectors returns the selectors in use.
func (e *Extractor) Selectors() Selectors { return e.sel }

// Parse reads an HTML snapshot.
func Parse(r io.Reader) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse page: %w", err)
	}
	return doc, nil
}

// ParseString reads an HTML snapshot held in a string.
func ParseString(html string) (*goquery.Document, error) {
	return Parse(strings.NewReader(html))
}

var idPattern = regexp.MustCompile(`\d+`)

// idFromHref returns the last number in a link, which is how the game
// addresses players, teams and matches.
func idFromHref(href string) string {
	all := idPattern.FindAllString(href, -1)
	if len(all) == 0 {
		return ""
	}
	return all[len(all)-1]
}

// linkID reads the entity id of a link, preferring a data-id attribute.
func linkID(s *goquery.Selection) string {
	if id, ok := s.Attr("data-id"); ok && strings.TrimSpace(id) != "" {
		return strings.TrimSpace(id)
	}
	href, _ := s.Attr("href")
	return idFromHref(href)
}

func text(s *goquery.Selection) string {
	return strings.Join(strings.Fields(s.Text()), " ")
}

// required returns the first match of selector or ErrNotReady.
func required(root *goquery.Selection, selector string) (*goquery.Selection, error) {
	s := root.Find(selector).First()
	if s.Length() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotReady, selector)
	}
	return s, nil
}

package extract

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"pitchside/internal/records"
)

func newTestExtractor() *Extractor {
	e := New(Selectors{}, ReportRules{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return e.WithClock(func() time.Time { return time.Date(2026, time.October, 18, 12, 0, 0, 0, time.UTC) })
}

func intp(v int) *int { return &v }

const matchPage = `
<div id="match-header">
  <span class="match-date">18.10.2026 15:30</span>
  <span class="competition">League</span>
  <div class="home-team"><a href="/team/100">Reds</a></div>
  <div class="away-team"><a href="/team/200">Blues</a></div>
</div>
<table class="tactics">
  <tr><th>Style</th><td>Counter</td><td>Possession</td></tr>
  <tr><th>Pressing</th><td>High</td><td></td></tr>
  <tr><th>Broken</th></tr>
</table>
<div id="lineup-end">
  <table class="home">
    <tr class="player"><td class="position">fw</td><td><a class="player-link" href="/player/7">Xavier</a></td><td class="minutes">75'</td><td><span class="injury" title="Light"></span></td></tr>
    <tr class="player"><td class="position">GK</td><td><a class="player-link" href="/player/8">Yusuf</a></td><td class="minutes">90</td></tr>
    <tr class="player"><td class="position">DF</td><td><a class="player-link" href="/player/9">Zed</a></td><td class="minutes">abc</td></tr>
    <tr class="player"><td class="position">DF</td><td>no link</td></tr>
  </table>
  <table class="away">
    <tr class="player"><td class="position">MF</td><td><a class="player-link" href="/player/21">Wren</a></td><td class="minutes"></td></tr>
  </table>
</div>`

func TestMatchPage(t *testing.T) {
	doc, err := ParseString(matchPage)
	require.NoError(t, err)

	got, err := newTestExtractor().MatchPage(doc.Selection, "555")
	require.NoError(t, err)

	want := records.MatchFact{
		ID:           "555",
		Date:         "18 Oct 2026 15:30",
		Competition:  "League",
		HomeTeamID:   "100",
		HomeTeamName: "Reds",
		AwayTeamID:   "200",
		AwayTeamName: "Blues",
		Tactics: &records.Tactics{
			Home: map[string]string{"style": "Counter", "pressing": "High"},
			Away: map[string]string{"style": "Possession"},
		},
		FinishingLineups: &records.Lineups{
			Home: map[string]records.LineupEntry{
				"7": {Name: "Xavier", Position: "FW", Minutes: "75", Injury: "light"},
				"8": {Name: "Yusuf", Position: "GK", Minutes: "90"},
			},
			Away: map[string]records.LineupEntry{
				"21": {Name: "Wren", Position: "MF"},
			},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("MatchPage mismatch (-want +got):\n%s", diff)
	}
}

func TestMatchHeaderNotReady(t *testing.T) {
	doc, err := ParseString(`<div id="loading">please wait</div>`)
	require.NoError(t, err)

	_, err = newTestExtractor().MatchPage(doc.Selection, "555")
	require.True(t, errors.Is(err, ErrNotReady), "got %v", err)

	doc, err = ParseString(`<div id="match-header"><div class="home-team"><a href="/team/1">A</a></div></div>`)
	require.NoError(t, err)
	_, err = newTestExtractor().MatchHeader(doc.Selection, "555")
	require.ErrorIs(t, err, ErrNotReady)
}

func TestStartingLineupIgnoresMinutes(t *testing.T) {
	doc, err := ParseString(`
<div id="lineup-start">
  <ul class="home"><li class="player"><span class="position">MF</span><a class="player-link" data-id="31" href="/p">Quinn</a><span class="minutes">90</span></li></ul>
  <ul class="away"></ul>
</div>`)
	require.NoError(t, err)

	e := newTestExtractor()
	e.sel.LineupRow = "li.player"
	got, err := e.Lineup(doc.Selection, false)
	require.NoError(t, err)
	require.Equal(t, map[string]records.LineupEntry{"31": {Name: "Quinn", Position: "MF"}}, got.Home)
	require.Empty(t, got.Away)

	_, err = e.Lineup(doc.Selection, true)
	require.ErrorIs(t, err, ErrNotReady)
}

const profilePage = `
<div id="player-profile">
  <table class="personalities">
    <tr><th>Composure</th><td data-value="2"></td></tr>
    <tr><th>Arrogance</th><td>-1</td></tr>
    <tr><th>Teamwork</th><td>?</td></tr>
    <tr><th>Leadership</th><td>7</td></tr>
    <tr><th>Sportsmanship</th><td>0</td></tr>
  </table>
  <table class="hidden-skills">
    <tr><th>Adaptability</th><td>15</td></tr>
    <tr><th>Injury resistance</th><td>?</td></tr>
    <tr><th>Retirement plan</th><td>x</td></tr>
    <tr><th>Estimated potential</th><td data-value="120"></td></tr>
  </table>
  <ul class="special-talents"><li>Penalty specialist</li><li> Free kick   specialist </li></ul>
  <table class="injuries">
    <tr><td class="date">05.03.2025 20:45</td></tr>
    <tr><td class="date">??</td></tr>
  </table>
  <table class="games">
    <tr class="game"><td class="date">01.03.2025 15:00</td><td class="minutes">90</td></tr>
    <tr class="game"><td class="date">08.03.2025 15:00</td><td class="minutes">45'</td></tr>
    <tr class="game"><td class="date">??</td><td class="minutes">90</td></tr>
    <tr class="game"><td class="date">15.03.2025 15:00</td><td class="minutes">n/a</td></tr>
  </table>
</div>`

func TestPlayerProfile(t *testing.T) {
	doc, err := ParseString(profilePage)
	require.NoError(t, err)

	got, err := newTestExtractor().PlayerProfile(doc.Selection, "7")
	require.NoError(t, err)

	want := records.PlayerFact{
		ID:            "7",
		Personalities: records.Personalities{records.TraitComposure: 2, records.TraitArrogance: -1},
		HiddenSkills: records.HiddenSkills{
			Adaptability:       intp(15),
			EstimatedPotential: intp(120),
		},
		SpecialTalents:  []string{"Penalty specialist", "Free kick specialist"},
		TalentsObserved: true,
		Injuries:        []string{"05 Mar 2025 20:45"},
		MinutesPlayed: map[string]int{
			"01 Mar 2025 15:00": 90,
			"08 Mar 2025 15:00": 45,
		},
		Mode: records.ModeAccumulate,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("PlayerProfile mismatch (-want +got):\n%s", diff)
	}
}

func TestPlayerProfileSections(t *testing.T) {
	e := newTestExtractor()

	doc, err := ParseString(`<div id="player-profile"><h1>Loading</h1></div>`)
	require.NoError(t, err)
	got, err := e.PlayerProfile(doc.Selection, "7")
	require.NoError(t, err)
	require.True(t, got.Empty(), "no section loaded means nothing observed")

	doc, err = ParseString(`<div id="player-profile"><ul class="special-talents"></ul></div>`)
	require.NoError(t, err)
	got, err = e.PlayerProfile(doc.Selection, "7")
	require.NoError(t, err)
	require.True(t, got.TalentsObserved)
	require.Empty(t, got.SpecialTalents)

	doc, err = ParseString(`<div id="squad"></div>`)
	require.NoError(t, err)
	_, err = e.PlayerProfile(doc.Selection, "7")
	require.ErrorIs(t, err, ErrNotReady)
}

const report = `
<p>Kick-off in glorious sunshine, a chance for both sides.</p>
<div class="match-report">
<p><span class="minute">12'</span> <a href="/player/11">Adams</a> wins the ball and plays a <span class="pass-type">through</span> pass to <a href="/player/12">Baker</a>, whose shot is saved by <a href="/player/90">Keeper</a>.</p>
<p><span class="minute">30'</span> Quiet spell in midfield.</p>
<p><span class="minute">44'</span> <a href="/player/13">Clark</a> takes the corner. <a href="/player/14">Davis</a> sends a <span class="pass-type">High</span> ball to <a href="/player/15">Evans</a> who heads over the bar, then the rebound is blocked by <a href="/player/91">Fox</a>.</p>
<p><span class="minute">50'</span> <a href="/player/16">Hill</a> plays a pass to <a href="/player/17">Ives</a> near the corner flag, <b>shot</b> saved by <a href="/player/90">Keeper</a>.</p>
<p><span class="minute">60'</span> <a href="/player/18">Jones</a> has a chance but the goalkeeper <a href="/player/90">Keeper</a> is quicker.</p>
<p><span class="minute">90+2'</span> <a href="/player/19">Grant</a> shoots from distance and <em>scores</em>!</p>
</div>`

func TestAnalyzeReport(t *testing.T) {
	got, err := newTestExtractor().AnalyzeReport(report)
	require.NoError(t, err)

	p := func(id, name string) *PlayerRef { return &PlayerRef{ID: id, Name: name} }
	want := []Opportunity{
		{
			Minute: 12, Creator: p("11", "Adams"), Assistant: p("11", "Adams"), Receiver: p("12", "Baker"),
			Stopper: p("90", "Keeper"), PassType: "through", Outcome: OutcomeSaved,
		},
		{
			Minute: 44, Creator: p("13", "Clark"), Assistant: p("14", "Davis"), Receiver: p("15", "Evans"),
			Stopper: p("91", "Fox"), PassType: "high", Outcome: OutcomeBlocked, SetPiece: SetPieceCorner,
		},
		{
			Minute: 50, Creator: p("16", "Hill"), Assistant: p("16", "Hill"), Receiver: p("17", "Ives"),
			Stopper: p("90", "Keeper"), Outcome: OutcomeSaved,
		},
		{Minute: 60, Creator: p("18", "Jones")},
		{Minute: 92, Creator: p("19", "Grant"), Outcome: OutcomeGoal},
	}
	if diff := cmp.Diff(want, got, cmpIgnoreText); diff != "" {
		t.Errorf("AnalyzeReport mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, "Grant shoots from distance and scores!", got[4].Text)
}

var cmpIgnoreText = cmp.FilterPath(func(p cmp.Path) bool {
	return p.Last().String() == ".Text"
}, cmp.Ignore())

func TestReportPageNotReady(t *testing.T) {
	doc, err := ParseString(`<div class="match-summary"></div>`)
	require.NoError(t, err)
	_, err = newTestExtractor().ReportPage(doc.Selection)
	require.ErrorIs(t, err, ErrNotReady)

	doc, err = ParseString(report)
	require.NoError(t, err)
	got, err := newTestExtractor().ReportPage(doc.Selection)
	require.NoError(t, err)
	require.Len(t, got, 5)
}

func TestParseMinute(t *testing.T) {
	tests := map[string]int{"12'": 12, "90+3'": 93, "45 + 1": 46, "": 0, "7": 7}
	for in, want := range tests {
		if got := parseMinute(in); got != want {
			t.Errorf("parseMinute(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestIDFromHref(t *testing.T) {
	tests := map[string]string{
		"/player/123":                 "123",
		"index.php?page=player&id=42": "42",
		"/team/7/squad":               "7",
		"#":                           "",
	}
	for in, want := range tests {
		if got := idFromHref(in); got != want {
			t.Errorf("idFromHref(%q) = %q, want %q", in, got, want)
		}
	}
}

package reconcile

import (
	"io"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/go-cmp/cmp"

	"pitchside/internal/records"
)

func newTestEngine() *Engine {
	e := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	e.now = func() time.Time { return time.Date(2026, time.October, 18, 12, 0, 0, 0, time.UTC) }
	return e
}

func intp(v int) *int { return &v }

func randomFact(f *gofakeit.Faker, id string) records.PlayerFact {
	traits := []string{records.TraitComposure, records.TraitArrogance, records.TraitTeamwork, records.TraitLeadership}
	fact := records.PlayerFact{ID: id, Personalities: records.Personalities{}, MinutesPlayed: map[string]int{}}
	for _, t := range traits {
		if f.Bool() {
			fact.Personalities[t] = f.IntRange(-2, 2)
		}
	}
	base := time.Date(2024, time.January, 1, 15, 0, 0, 0, time.UTC)
	for n := f.IntRange(0, 6); n > 0; n-- {
		day := base.AddDate(0, 0, f.IntRange(0, 400))
		fact.MinutesPlayed[records.DateKey(day)] = f.IntRange(0, 90)
	}
	for n := f.IntRange(0, 3); n > 0; n-- {
		fact.Injuries = append(fact.Injuries, records.DateKey(base.AddDate(0, 0, f.IntRange(0, 400))))
	}
	if f.Bool() {
		fact.HiddenSkills.Adaptability = intp(f.IntRange(1, 5))
	}
	return fact
}

func TestMergePlayer_Idempotent(t *testing.T) {
	e := newTestEngine()
	faker := gofakeit.New(7)
	for i := 0; i < 50; i++ {
		existing := e.MergePlayer(records.Player{}, randomFact(faker, "42"))
		fact := randomFact(faker, "42")
		once := e.MergePlayer(existing, fact)
		twice := e.MergePlayer(once, fact)
		if diff := cmp.Diff(once, twice); diff != "" {
			t.Fatalf("merge not idempotent (-once +twice):\n%s", diff)
		}
	}
}

func TestMergePlayer_MonotonicAccumulation(t *testing.T) {
	e := newTestEngine()
	existing := records.Player{
		ID:            "7",
		Personalities: records.Personalities{records.TraitComposure: 2, records.TraitLeadership: -1},
		HiddenSkills:  &records.HiddenSkills{InjuryResistance: intp(3), RetirementPlan: intp(1)},
	}
	fact := records.PlayerFact{
		ID:            "7",
		Personalities: records.Personalities{records.TraitTeamwork: 1, records.TraitLeadership: 0},
		HiddenSkills:  records.HiddenSkills{Adaptability: intp(4), RetirementPlan: intp(2)},
	}
	got := e.MergePlayer(existing, fact)

	wantPers := records.Personalities{records.TraitComposure: 2, records.TraitLeadership: -1, records.TraitTeamwork: 1}
	if diff := cmp.Diff(wantPers, got.Personalities); diff != "" {
		t.Errorf("personalities (-want +got):\n%s", diff)
	}
	wantHidden := &records.HiddenSkills{InjuryResistance: intp(3), RetirementPlan: intp(2), Adaptability: intp(4)}
	if diff := cmp.Diff(wantHidden, got.HiddenSkills); diff != "" {
		t.Errorf("hidden skills (-want +got):\n%s", diff)
	}
	if existing.Personalities[records.TraitTeamwork] != 0 {
		t.Error("merge mutated the existing record")
	}
}

func TestMergePlayer_MinutesAdditivity(t *testing.T) {
	e := newTestEngine()
	first := records.PlayerFact{ID: "1", MinutesPlayed: map[string]int{
		"01 Mar 2025 15:00": 90,
		"08 Mar 2025 15:00": 45,
	}}
	second := records.PlayerFact{ID: "1", MinutesPlayed: map[string]int{
		"15 Mar 2025 15:00": 30,
		"22 Mar 2025 15:00": 12,
		"29 Mar 2025 15:00": 90,
	}}
	got := e.MergePlayer(e.MergePlayer(records.Player{}, first), second)
	if len(got.MinutesPlayed) != 5 {
		t.Fatalf("disjoint merge size = %d, want 5", len(got.MinutesPlayed))
	}

	overlap := records.PlayerFact{ID: "1", MinutesPlayed: map[string]int{"01.03.2025 15:00": 10}}
	got = e.MergePlayer(got, overlap)
	if got.MinutesPlayed["01 Mar 2025 15:00"] != 90 {
		t.Errorf("first-seen value lost: %d", got.MinutesPlayed["01 Mar 2025 15:00"])
	}
	if len(got.MinutesPlayed) != 5 {
		t.Errorf("overlapping merge changed size to %d", len(got.MinutesPlayed))
	}

	overlap.Mode = records.ModeAuthoritative
	got = e.MergePlayer(got, overlap)
	if got.MinutesPlayed["01 Mar 2025 15:00"] != 10 {
		t.Errorf("authoritative value not applied: %d", got.MinutesPlayed["01 Mar 2025 15:00"])
	}
}

func TestMergePlayer_InjuryOrdering(t *testing.T) {
	e := newTestEngine()
	faker := gofakeit.New(11)
	p := records.Player{}
	for i := 0; i < 30; i++ {
		p = e.MergePlayer(p, randomFact(faker, "9"))
		seen := map[string]bool{}
		for j, key := range p.Injuries {
			if seen[key] {
				t.Fatalf("duplicate injury %q in %v", key, p.Injuries)
			}
			seen[key] = true
			if j > 0 && records.CompareDateKeys(p.Injuries[j-1], key) <= 0 {
				t.Fatalf("injuries not strictly descending: %v", p.Injuries)
			}
		}
	}
}

func TestMergePlayer_InjuryDedupAcrossFormats(t *testing.T) {
	e := newTestEngine()
	p := e.MergePlayer(records.Player{}, records.PlayerFact{ID: "3", Injuries: []string{"02.02.2025 18:00", "01 Jan 2025 10:00"}})
	p = e.MergePlayer(p, records.PlayerFact{ID: "3", Injuries: []string{"02 Feb 2025 18:00", "05 May 2025 12:30", "??"}})
	want := []string{"05 May 2025 12:30", "02 Feb 2025 18:00", "01 Jan 2025 10:00"}
	if diff := cmp.Diff(want, p.Injuries); diff != "" {
		t.Errorf("injuries (-want +got):\n%s", diff)
	}
}

func TestMergePlayer_Talents(t *testing.T) {
	e := newTestEngine()
	p := e.MergePlayer(records.Player{}, records.PlayerFact{ID: "5", TalentsObserved: true, SpecialTalents: []string{"Sprinter", "Dribbler", "Sprinter"}})
	if diff := cmp.Diff([]string{"Dribbler", "Sprinter"}, p.SpecialTalents); diff != "" {
		t.Errorf("talents (-want +got):\n%s", diff)
	}
	p = e.MergePlayer(p, records.PlayerFact{ID: "5", Personalities: records.Personalities{records.TraitComposure: 1}})
	if len(p.SpecialTalents) != 2 {
		t.Errorf("unobserved talents section cleared the set: %v", p.SpecialTalents)
	}
	p = e.MergePlayer(p, records.PlayerFact{ID: "5", TalentsObserved: true})
	if p.SpecialTalents != nil {
		t.Errorf("observed empty talents section should clear the set, got %v", p.SpecialTalents)
	}
}

func TestMergePlayer_InvalidFactKeepsExisting(t *testing.T) {
	e := newTestEngine()
	existing := records.Player{ID: "1", MinutesPlayed: map[string]int{"01 Mar 2025 15:00": 90}}
	got := e.MergePlayer(existing, records.PlayerFact{ID: "1", Personalities: records.Personalities{"composure": 9}})
	if diff := cmp.Diff(existing, got); diff != "" {
		t.Errorf("invalid fact changed the record (-want +got):\n%s", diff)
	}
	got = e.MergePlayer(existing, records.PlayerFact{ID: "2", Personalities: records.Personalities{"composure": 1}})
	if diff := cmp.Diff(existing, got); diff != "" {
		t.Errorf("mismatched fact changed the record (-want +got):\n%s", diff)
	}
}

func TestMergeMatch_StartingThenFinishing(t *testing.T) {
	e := newTestEngine()
	m := e.MergeMatch(records.Match{}, records.MatchFact{
		ID: "m1", Date: "18.10.2026 15:30", HomeTeamID: "t1", HomeTeamName: "Home", AwayTeamID: "t2", AwayTeamName: "Away",
		StartingLineups: &records.Lineups{Home: map[string]records.LineupEntry{"X": {Name: "Xavier", Position: "FW"}}},
	})
	m = e.MergeMatch(m, records.MatchFact{
		ID: "m1",
		FinishingLineups: &records.Lineups{Home: map[string]records.LineupEntry{"X": {Name: "X. Avier", Position: "MF", Minutes: "75", Injury: "light"}}},
	})

	if diff := cmp.Diff(records.LineupEntry{Name: "Xavier", Position: "FW"}, m.StartingLineups.Home["X"]); diff != "" {
		t.Errorf("starting entry (-want +got):\n%s", diff)
	}
	want := records.LineupEntry{Name: "Xavier", Position: "FW", Minutes: "75", Injury: "light"}
	if diff := cmp.Diff(want, m.FinishingLineups.Home["X"]); diff != "" {
		t.Errorf("finishing entry (-want +got):\n%s", diff)
	}
	if m.Date != "18 Oct 2026 15:30" {
		t.Errorf("date = %q", m.Date)
	}
}

func TestMergeMatch_FinishingThenStarting(t *testing.T) {
	e := newTestEngine()
	m := e.MergeMatch(records.Match{}, records.MatchFact{
		ID:               "m2",
		FinishingLineups: &records.Lineups{Away: map[string]records.LineupEntry{"Y": {Minutes: "90"}}},
	})
	m = e.MergeMatch(m, records.MatchFact{
		ID:              "m2",
		StartingLineups: &records.Lineups{Away: map[string]records.LineupEntry{"Y": {Name: "Yann", Position: "DF"}}},
	})
	want := records.LineupEntry{Name: "Yann", Position: "DF", Minutes: "90"}
	if diff := cmp.Diff(want, m.FinishingLineups.Away["Y"]); diff != "" {
		t.Errorf("finishing entry (-want +got):\n%s", diff)
	}
}

func TestMergeMatch_TacticsReplaced(t *testing.T) {
	e := newTestEngine()
	m := e.MergeMatch(records.Match{}, records.MatchFact{ID: "m3", Tactics: &records.Tactics{
		Home: map[string]string{"style": "Counter", "pressing": "High"},
	}})
	m = e.MergeMatch(m, records.MatchFact{ID: "m3", Tactics: &records.Tactics{
		Home: map[string]string{"style": "Possession"},
		Away: map[string]string{"style": "Long balls"},
	}})
	want := &records.Tactics{
		Home: map[string]string{"style": "Possession"},
		Away: map[string]string{"style": "Long balls"},
	}
	if diff := cmp.Diff(want, m.Tactics); diff != "" {
		t.Errorf("tactics (-want +got):\n%s", diff)
	}
	m = e.MergeMatch(m, records.MatchFact{ID: "m3", Competition: "League"})
	if diff := cmp.Diff(want, m.Tactics); diff != "" {
		t.Errorf("fact without tactics changed them (-want +got):\n%s", diff)
	}
}

func TestMergeMatch_Idempotent(t *testing.T) {
	e := newTestEngine()
	fact := records.MatchFact{
		ID: "m4", Date: "01 Feb 2025 20:00", Competition: "Cup",
		StartingLineups:  &records.Lineups{Home: map[string]records.LineupEntry{"A": {Name: "A", Position: "GK"}}},
		FinishingLineups: &records.Lineups{Home: map[string]records.LineupEntry{"A": {Minutes: "90"}}},
	}
	once := e.MergeMatch(records.Match{}, fact)
	twice := e.MergeMatch(once, fact)
	if diff := cmp.Diff(once, twice); diff != "" {
		t.Errorf("match merge not idempotent (-once +twice):\n%s", diff)
	}
}

func TestPlayerFacts(t *testing.T) {
	e := newTestEngine()
	m := records.Match{
		ID:               "m5",
		Date:             "18 Oct 2026 15:30",
		StartingLineups:  &records.Lineups{Home: map[string]records.LineupEntry{"X": {Name: "X"}, "S": {Name: "Sub"}}},
		FinishingLineups: &records.Lineups{Home: map[string]records.LineupEntry{"X": {Minutes: "75", Injury: "light"}}},
	}
	facts := e.PlayerFacts(m)
	ids := make([]string, 0, len(facts))
	for _, f := range facts {
		ids = append(ids, f.ID)
	}
	sort.Strings(ids)
	if diff := cmp.Diff([]string{"S", "X"}, ids); diff != "" {
		t.Fatalf("fact ids (-want +got):\n%s", diff)
	}
	x := facts[1]
	if x.MinutesPlayed["18 Oct 2026 15:30"] != 75 || len(x.Injuries) != 1 {
		t.Errorf("fact for X = %+v", x)
	}
	if facts[0].MinutesPlayed != nil {
		t.Errorf("starting-only player got minutes: %+v", facts[0])
	}

	m.Date = ""
	for _, f := range e.PlayerFacts(m) {
		if len(f.MinutesPlayed) != 0 || len(f.Injuries) != 0 {
			t.Errorf("dateless match credited %+v", f)
		}
	}
}

func TestNormalizePlayer(t *testing.T) {
	e := newTestEngine()
	p := records.Player{
		ID: "8",
		MinutesPlayed: map[string]int{
			"01.03.2025 15:00":  80,
			"01 Mar 2025 15:00": 90,
			"2025-03-08T15:00":  45,
		},
		Injuries: []string{"01.01.2025 10:00", "05.05.2025 12:30"},
	}
	got := e.NormalizePlayer(p)
	want := map[string]int{"01 Mar 2025 15:00": 90, "08 Mar 2025 15:00": 45}
	if diff := cmp.Diff(want, got.MinutesPlayed); diff != "" {
		t.Errorf("minutes (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"05 May 2025 12:30", "01 Jan 2025 10:00"}, got.Injuries); diff != "" {
		t.Errorf("injuries (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(got, e.NormalizePlayer(got)); diff != "" {
		t.Errorf("normalization not idempotent:\n%s", diff)
	}
}

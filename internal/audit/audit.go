// Package audit cross-checks the player collection against what the match
// collection implies. It only reports; it never writes.
package audit

import (
	"context"
	"log/slog"
	"sort"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"pitchside/internal/records"
	"pitchside/internal/store"
)

// MinutesAnomaly is a player whose stored ledger holds fewer minutes than
// the finishing lineups credit them with.
type MinutesAnomaly struct {
	PlayerID string `json:"playerId"`
	Expected int    `json:"expected"`
	Stored   int    `json:"stored"`
}

// MalformedMinutes is a finishing lineup entry whose minutes do not parse.
type MalformedMinutes struct {
	MatchID  string `json:"matchId"`
	PlayerID string `json:"playerId"`
	Minutes  string `json:"minutes"`
}

// Report lists the findings of one audit.
type Report struct {
	Players int `json:"players"`
	Matches int `json:"matches"`

	DatelessMatches   []string `json:"datelessMatches"`
	UngatheredMatches []string `json:"ungatheredMatches"`
	// MissingPlayers took part in a match but have no stored record.
	MissingPlayers []string `json:"missingPlayers"`
	// UnmatchedStoredPlayers counts stored players seen in no finishing
	// lineup, which is normal for profiles visited directly.
	UnmatchedStoredPlayers int                `json:"unmatchedStoredPlayers"`
	MinutesAnomalies       []MinutesAnomaly   `json:"minutesAnomalies"`
	MalformedMinutes       []MalformedMinutes `json:"malformedMinutes"`
}

// Clean reports whether the audit found nothing worth a look.
func (r Report) Clean() bool {
	return len(r.DatelessMatches) == 0 && len(r.MissingPlayers) == 0 &&
		len(r.MinutesAnomalies) == 0 && len(r.MalformedMinutes) == 0
}

// Counts summarizes the findings by kind.
func (r Report) Counts() map[string]int {
	return map[string]int{
		"dateless_matches":         len(r.DatelessMatches),
		"ungathered_matches":       len(r.UngatheredMatches),
		"missing_players":          len(r.MissingPlayers),
		"unmatched_stored_players": r.UnmatchedStoredPlayers,
		"minutes_anomalies":        len(r.MinutesAnomalies),
		"malformed_minutes":        len(r.MalformedMinutes),
	}
}

// Audit compares players against the participation derived from the
// matches' finishing lineups.
func Audit(players []records.Player, matches []records.Match) Report {
	r := Report{
		Players:           len(players),
		Matches:           len(matches),
		DatelessMatches:   []string{},
		UngatheredMatches: []string{},
		MissingPlayers:    []string{},
		MinutesAnomalies:  []MinutesAnomaly{},
		MalformedMinutes:  []MalformedMinutes{},
	}

	expected := map[string]int{}
	for _, m := range matches {
		if m.Date == "" {
			r.DatelessMatches = append(r.DatelessMatches, m.ID)
		}
		if !m.Gathered() {
			r.UngatheredMatches = append(r.UngatheredMatches, m.ID)
		}
		if m.FinishingLineups == nil {
			continue
		}
		for _, side := range []map[string]records.LineupEntry{m.FinishingLineups.Home, m.FinishingLineups.Away} {
			for id, e := range side {
				minutes, ok := records.ParseMinutes(e.Minutes)
				if !ok {
					r.MalformedMinutes = append(r.MalformedMinutes, MalformedMinutes{MatchID: m.ID, PlayerID: id, Minutes: e.Minutes})
				}
				expected[id] += minutes
			}
		}
	}

	stored := lo.SliceToMap(players, func(p records.Player) (string, records.Player) {
		return p.ID, p
	})
	for id, want := range expected {
		p, ok := stored[id]
		if !ok {
			r.MissingPlayers = append(r.MissingPlayers, id)
			continue
		}
		if have := p.TotalMinutes(); want > have {
			r.MinutesAnomalies = append(r.MinutesAnomalies, MinutesAnomaly{PlayerID: id, Expected: want, Stored: have})
		}
	}
	for id := range stored {
		if _, ok := expected[id]; !ok {
			r.UnmatchedStoredPlayers++
		}
	}

	sort.Strings(r.DatelessMatches)
	sort.Strings(r.UngatheredMatches)
	sort.Strings(r.MissingPlayers)
	sort.Slice(r.MinutesAnomalies, func(i, j int) bool { return r.MinutesAnomalies[i].PlayerID < r.MinutesAnomalies[j].PlayerID })
	sort.Slice(r.MalformedMinutes, func(i, j int) bool {
		a, b := r.MalformedMinutes[i], r.MalformedMinutes[j]
		if a.MatchID != b.MatchID {
			return a.MatchID < b.MatchID
		}
		return a.PlayerID < b.PlayerID
	})
	return r
}

// Auditor runs audits against the store and logs the findings.
type Auditor struct {
	store  *store.Store
	logger *slog.Logger
}

// NewAuditor creates an auditor.
func NewAuditor(s *store.Store, logger *slog.Logger) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{store: s, logger: logger.With(slog.String("component", "audit"))}
}

// Run loads both collections and audits them.
func (a *Auditor) Run(ctx context.Context) (Report, error) {
	var (
		players []records.Player
		matches []records.Match
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		players, err = a.store.Players.All(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		matches, err = a.store.Matches.All(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	r := Audit(players, matches)
	a.log(r)
	return r, nil
}

func (a *Auditor) log(r Report) {
	a.logger.Info("integrity audit finished",
		slog.Int("players", r.Players),
		slog.Int("matches", r.Matches),
		slog.Int("unmatched_stored_players", r.UnmatchedStoredPlayers),
		slog.Int("ungathered_matches", len(r.UngatheredMatches)))

	if len(r.DatelessMatches) > 0 {
		a.logger.Warn("matches without date", slog.Any("matches", r.DatelessMatches))
	}
	if len(r.MissingPlayers) > 0 {
		a.logger.Warn("players from matches not in local storage", slog.Any("players", r.MissingPlayers))
	}
	for _, an := range r.MinutesAnomalies {
		a.logger.Warn("stored minutes below match total",
			slog.String("player", an.PlayerID), slog.Int("expected", an.Expected), slog.Int("stored", an.Stored))
	}
	for _, mm := range r.MalformedMinutes {
		a.logger.Warn("unreadable minutes in finishing lineup",
			slog.String("match", mm.MatchID), slog.String("player", mm.PlayerID), slog.String("minutes", mm.Minutes))
	}
}

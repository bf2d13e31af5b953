package records

import "sort"

// Collection names as they appear in exports and in the documents table.
const (
	CollectionPlayers      = "players"
	CollectionMatches      = "matches"
	CollectionSettings     = "settings"
	CollectionMatchPlayers = "matchPlayers"
)

// Personalities maps a trait name to a value in [-2,2]. Zero means unknown.
type Personalities map[string]int

// Trait names used by the calculators.
const (
	TraitComposure     = "composure"
	TraitArrogance     = "arrogance"
	TraitSportsmanship = "sportsmanship"
	TraitTeamwork      = "teamwork"
	TraitLeadership    = "leadership"
)

// HiddenSkills holds the optional hidden skill values shown on a player profile.
type HiddenSkills struct {
	Adaptability       *int `json:"adaptability,omitempty"`
	AdvancedDev        *int `json:"advancedDev,omitempty"`
	EstimatedPotential *int `json:"estimatedPotential,omitempty"`
	InjuryResistance   *int `json:"injuryResistance,omitempty"`
	RetirementPlan     *int `json:"retirementPlan,omitempty"`
}

// IsZero reports whether no hidden skill is known.
func (h HiddenSkills) IsZero() bool {
	return h.Adaptability == nil && h.AdvancedDev == nil && h.EstimatedPotential == nil &&
		h.InjuryResistance == nil && h.RetirementPlan == nil
}

// Player is the durable, accumulated record of one player.
type Player struct {
	ID             string         `json:"id"`
	Personalities  Personalities  `json:"personalities,omitempty"`
	SpecialTalents []string       `json:"specialTalents,omitempty"`
	HiddenSkills   *HiddenSkills  `json:"hiddenSkills,omitempty"`
	MinutesPlayed  map[string]int `json:"minutesPlayed,omitempty"`
	Injuries       []string       `json:"injuries,omitempty"`

	// Revision is the store's optimistic concurrency stamp. Zero means never stored.
	Revision int64 `json:"-"`
}

// RecordID implements the store's record constraint.
func (p Player) RecordID() string { return p.ID }

// Rev implements the store's record constraint.
func (p Player) Rev() int64 { return p.Revision }

// WithRevision implements the store's record constraint.
func (p Player) WithRevision(rev int64) Player { p.Revision = rev; return p }

// TotalMinutes sums the minutes ledger.
func (p Player) TotalMinutes() int {
	total := 0
	for _, m := range p.MinutesPlayed {
		total += m
	}
	return total
}

// Clone returns a deep copy so merges never alias the caller's maps and slices.
func (p Player) Clone() Player {
	out := p
	if p.Personalities != nil {
		out.Personalities = make(Personalities, len(p.Personalities))
		for k, v := range p.Personalities {
			out.Personalities[k] = v
		}
	}
	if p.SpecialTalents != nil {
		out.SpecialTalents = append([]string(nil), p.SpecialTalents...)
	}
	if p.HiddenSkills != nil {
		hs := cloneHidden(*p.HiddenSkills)
		out.HiddenSkills = &hs
	}
	if p.MinutesPlayed != nil {
		out.MinutesPlayed = make(map[string]int, len(p.MinutesPlayed))
		for k, v := range p.MinutesPlayed {
			out.MinutesPlayed[k] = v
		}
	}
	if p.Injuries != nil {
		out.Injuries = append([]string(nil), p.Injuries...)
	}
	return out
}

func cloneHidden(h HiddenSkills) HiddenSkills {
	cp := func(v *int) *int {
		if v == nil {
			return nil
		}
		n := *v
		return &n
	}
	return HiddenSkills{
		Adaptability:       cp(h.Adaptability),
		AdvancedDev:        cp(h.AdvancedDev),
		EstimatedPotential: cp(h.EstimatedPotential),
		InjuryResistance:   cp(h.InjuryResistance),
		RetirementPlan:     cp(h.RetirementPlan),
	}
}

// LineupEntry is one player's line in a lineup. Minutes and Injury are only
// known on finishing lineups.
type LineupEntry struct {
	Name     string `json:"name,omitempty"`
	Position string `json:"position,omitempty"`
	Minutes  string `json:"minutes,omitempty"`
	Injury   string `json:"injury,omitempty"`
}

// Lineups holds both sides of a lineup keyed by player ID.
type Lineups struct {
	Home map[string]LineupEntry `json:"home,omitempty"`
	Away map[string]LineupEntry `json:"away,omitempty"`
}

// Side returns the map for "home" or "away".
func (l *Lineups) Side(side string) map[string]LineupEntry {
	if side == SideAway {
		return l.Away
	}
	return l.Home
}

// Sides of a match.
const (
	SideHome = "home"
	SideAway = "away"
)

// Tactics holds category → value per side. Tactics are read once per match.
type Tactics struct {
	Home map[string]string `json:"home,omitempty"`
	Away map[string]string `json:"away,omitempty"`
}

// Match is the durable record of one match.
type Match struct {
	ID               string   `json:"id"`
	Date             string   `json:"date,omitempty"`
	Competition      string   `json:"competition,omitempty"`
	HomeTeamID       string   `json:"homeTeamID"`
	HomeTeamName     string   `json:"homeTeamName"`
	AwayTeamID       string   `json:"awayTeamID"`
	AwayTeamName     string   `json:"awayTeamName"`
	Tactics          *Tactics `json:"tactics,omitempty"`
	StartingLineups  *Lineups `json:"startingLineups,omitempty"`
	FinishingLineups *Lineups `json:"finishingLineups,omitempty"`

	Revision int64 `json:"-"`
}

// RecordID implements the store's record constraint.
func (m Match) RecordID() string { return m.ID }

// Rev implements the store's record constraint.
func (m Match) Rev() int64 { return m.Revision }

// WithRevision implements the store's record constraint.
func (m Match) WithRevision(rev int64) Match { m.Revision = rev; return m }

// Gathered reports whether any lineup has been collected for the match.
func (m Match) Gathered() bool {
	return m.StartingLineups != nil || m.FinishingLineups != nil
}

// TeamID returns the team identifier for a side.
func (m Match) TeamID(side string) string {
	if side == SideAway {
		return m.AwayTeamID
	}
	return m.HomeTeamID
}

// Clone returns a deep copy of the match.
func (m Match) Clone() Match {
	out := m
	if m.Tactics != nil {
		t := Tactics{Home: cloneStrings(m.Tactics.Home), Away: cloneStrings(m.Tactics.Away)}
		out.Tactics = &t
	}
	if m.StartingLineups != nil {
		l := Lineups{Home: cloneEntries(m.StartingLineups.Home), Away: cloneEntries(m.StartingLineups.Away)}
		out.StartingLineups = &l
	}
	if m.FinishingLineups != nil {
		l := Lineups{Home: cloneEntries(m.FinishingLineups.Home), Away: cloneEntries(m.FinishingLineups.Away)}
		out.FinishingLineups = &l
	}
	return out
}

func cloneStrings(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneEntries(in map[string]LineupEntry) map[string]LineupEntry {
	if in == nil {
		return nil
	}
	out := make(map[string]LineupEntry, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// MatchPlayer is one row of the denormalized participation table.
type MatchPlayer struct {
	MatchID       string `json:"matchId"`
	PlayerID      string `json:"playerId"`
	TeamID        string `json:"teamId"`
	MinutesPlayed int    `json:"minutesPlayed"`
	Injury        string `json:"injury,omitempty"`
}

// Participation derives the participation rows of a match from its finishing
// lineups. Rows whose minutes cannot be parsed are returned with zero minutes
// and reported through bad.
func Participation(m Match) (rows []MatchPlayer, bad []string) {
	if m.FinishingLineups == nil {
		return nil, nil
	}
	for _, side := range []string{SideHome, SideAway} {
		entries := m.FinishingLineups.Side(side)
		ids := make([]string, 0, len(entries))
		for id := range entries {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			e := entries[id]
			minutes, ok := ParseMinutes(e.Minutes)
			if !ok {
				bad = append(bad, id)
			}
			rows = append(rows, MatchPlayer{
				MatchID:       m.ID,
				PlayerID:      id,
				TeamID:        m.TeamID(side),
				MinutesPlayed: minutes,
				Injury:        e.Injury,
			})
		}
	}
	return rows, bad
}

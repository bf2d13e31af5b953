package calc

import (
	"sort"

	"pitchside/internal/records"
)

// Candidate is a player considered for a role.
type Candidate struct {
	ID            string                `json:"id"`
	Name          string                `json:"name,omitempty"`
	Skills        Skills                `json:"skills"`
	Personalities records.Personalities `json:"personalities,omitempty"`
}

// RankOptions control a ranking.
type RankOptions struct {
	Thresholds records.Thresholds `json:"thresholds"`
	// IncludeUnknownComposure appends candidates whose composure has not been
	// observed yet below the primary list.
	IncludeUnknownComposure bool `json:"includeUnknownComposure"`
	// Limit caps the result; zero keeps everyone.
	Limit int `json:"limit,omitempty"`
}

// Ranked is one line of a ranking.
type Ranked struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Score     int    `json:"score"`
	Tier      int    `json:"tier"`
	Composure *int   `json:"composure,omitempty"`
	// Unverified marks entries ranked without a known composure.
	Unverified bool `json:"unverified,omitempty"`
}

// PenaltyTakers ranks candidates by penalty-kick skill.
func PenaltyTakers(cands []Candidate, opts RankOptions) []Ranked {
	return rank(cands, opts, func(c Candidate) int { return PenaltyKick(c.Skills) })
}

// CornerTakers ranks candidates by set-piece cross skill.
func CornerTakers(cands []Candidate, opts RankOptions) []Ranked {
	return rank(cands, opts, func(c Candidate) int { return SetPieceCross(c.Skills) })
}

// Anchors ranks candidates by midfield dominance.
func Anchors(cands []Candidate, opts RankOptions) []Ranked {
	return rank(cands, opts, func(c Candidate) int {
		return MidfieldDominance(c.Skills, opts.Thresholds.Constitution)
	})
}

// trait returns a personality value; zero or absent means unknown.
func trait(p records.Personalities, name string) (int, bool) {
	v, ok := p[name]
	return v, ok && v != 0
}

// rank builds the primary list from candidates with a known composure at or
// above the threshold, then optionally the unknown-composure list. In both
// lists a known arrogance above the cutoff disqualifies. Each list is sorted
// by score, then composure, then id.
func rank(cands []Candidate, opts RankOptions, score func(Candidate) int) []Ranked {
	var primary, unknown []Ranked
	for _, c := range cands {
		if a, ok := trait(c.Personalities, records.TraitArrogance); ok && a > opts.Thresholds.Arrogance {
			continue
		}
		s := score(c)
		r := Ranked{ID: c.ID, Name: c.Name, Score: s, Tier: Denomination(s)}

		comp, ok := trait(c.Personalities, records.TraitComposure)
		switch {
		case ok && comp >= opts.Thresholds.Composure:
			r.Composure = &comp
			primary = append(primary, r)
		case !ok && opts.IncludeUnknownComposure:
			r.Unverified = true
			unknown = append(unknown, r)
		}
	}

	sortRanked(primary)
	sortRanked(unknown)
	out := append(primary, unknown...)
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	if out == nil {
		out = []Ranked{}
	}
	return out
}

func sortRanked(rs []Ranked) {
	sort.SliceStable(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		ca, cb := composureOf(a), composureOf(b)
		if ca != cb {
			return ca > cb
		}
		return a.ID < b.ID
	})
}

func composureOf(r Ranked) int {
	if r.Composure == nil {
		return 0
	}
	return *r.Composure
}

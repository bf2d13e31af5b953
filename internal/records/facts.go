package records

import (
	"errors"
	"fmt"
)

// ErrInvalidFact marks a fact that failed validation at the extractor boundary.
var ErrInvalidFact = errors.New("invalid fact")

// MergeMode says how much authority a fact has over already recorded values.
type MergeMode int

const (
	// ModeAccumulate keeps existing minutes for a date already recorded.
	ModeAccumulate MergeMode = iota
	// ModeAuthoritative is used for freshly observed finishing lineups.
	ModeAuthoritative
	// ModeCorrection is used by migrations that rewrite keys or values.
	ModeCorrection
)

func (m MergeMode) String() string {
	switch m {
	case ModeAuthoritative:
		return "authoritative"
	case ModeCorrection:
		return "correction"
	default:
		return "accumulate"
	}
}

// Overrides reports whether the mode may replace a recorded minutes value.
func (m MergeMode) Overrides() bool {
	return m == ModeAuthoritative || m == ModeCorrection
}

// PlayerFact is what one observation learned about a player.
type PlayerFact struct {
	ID            string
	Personalities Personalities
	HiddenSkills  HiddenSkills
	MinutesPlayed map[string]int
	Injuries      []string

	// SpecialTalents replaces the stored talent set when TalentsObserved is
	// set. An observation that never saw the talents section leaves it alone.
	SpecialTalents  []string
	TalentsObserved bool

	Mode MergeMode
}

// Validate checks the fact's shape.
func (f PlayerFact) Validate() error {
	if f.ID == "" {
		return fmt.Errorf("%w: player fact without id", ErrInvalidFact)
	}
	for trait, v := range f.Personalities {
		if trait == "" {
			return fmt.Errorf("%w: empty personality name for player %s", ErrInvalidFact, f.ID)
		}
		if v < -2 || v > 2 {
			return fmt.Errorf("%w: personality %s=%d out of range for player %s", ErrInvalidFact, trait, v, f.ID)
		}
	}
	for key, minutes := range f.MinutesPlayed {
		if minutes < 0 {
			return fmt.Errorf("%w: negative minutes %d on %q for player %s", ErrInvalidFact, minutes, key, f.ID)
		}
	}
	return nil
}

// Empty reports whether the fact carries nothing to merge.
func (f PlayerFact) Empty() bool {
	return len(f.Personalities) == 0 && f.HiddenSkills.IsZero() && len(f.MinutesPlayed) == 0 &&
		len(f.Injuries) == 0 && !f.TalentsObserved
}

// MatchFact is what one observation learned about a match.
type MatchFact struct {
	ID           string
	Date         string
	Competition  string
	HomeTeamID   string
	HomeTeamName string
	AwayTeamID   string
	AwayTeamName string

	Tactics          *Tactics
	StartingLineups  *Lineups
	FinishingLineups *Lineups
}

// Validate checks the fact's shape.
func (f MatchFact) Validate() error {
	if f.ID == "" {
		return fmt.Errorf("%w: match fact without id", ErrInvalidFact)
	}
	for _, l := range []*Lineups{f.StartingLineups, f.FinishingLineups} {
		if l == nil {
			continue
		}
		for _, side := range []map[string]LineupEntry{l.Home, l.Away} {
			for id, e := range side {
				if id == "" {
					return fmt.Errorf("%w: lineup entry without player id in match %s", ErrInvalidFact, f.ID)
				}
				if _, ok := ParseMinutes(e.Minutes); !ok {
					return fmt.Errorf("%w: minutes %q for player %s in match %s", ErrInvalidFact, e.Minutes, id, f.ID)
				}
			}
		}
	}
	return nil
}

// Fact turns a stored or imported match into a fact carrying all of it.
func (m Match) Fact() MatchFact {
	c := m.Clone()
	return MatchFact{
		ID:               c.ID,
		Date:             c.Date,
		Competition:      c.Competition,
		HomeTeamID:       c.HomeTeamID,
		HomeTeamName:     c.HomeTeamName,
		AwayTeamID:       c.AwayTeamID,
		AwayTeamName:     c.AwayTeamName,
		Tactics:          c.Tactics,
		StartingLineups:  c.StartingLineups,
		FinishingLineups: c.FinishingLineups,
	}
}

// Fact turns a stored or imported player into a fact carrying all of it.
func (p Player) Fact(mode MergeMode) PlayerFact {
	c := p.Clone()
	f := PlayerFact{
		ID:              c.ID,
		Personalities:   c.Personalities,
		MinutesPlayed:   c.MinutesPlayed,
		Injuries:        c.Injuries,
		SpecialTalents:  c.SpecialTalents,
		TalentsObserved: c.SpecialTalents != nil,
		Mode:            mode,
	}
	if c.HiddenSkills != nil {
		f.HiddenSkills = *c.HiddenSkills
	}
	return f
}

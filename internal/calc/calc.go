// Package calc turns skill and personality values into composite skills and
// recommendation rankings. Every formula works on integers so results are
// exact: a factor such as 1.2 is applied as 12/10 and the quotient floored.
package calc

import "pitchside/internal/records"

// Skills are the visible skill values of a player as shown on the squad pages.
type Skills struct {
	SC int `json:"SC"` // scoring
	OP int `json:"OP"` // offensive positioning
	BC int `json:"BC"` // ball control
	PA int `json:"PA"` // passing
	AE int `json:"AE"` // aerial ability
	CO int `json:"CO"` // constitution
	TA int `json:"TA"` // tackling
	DP int `json:"DP"` // defensive positioning
	OR int `json:"OR"` // goalkeeper organisation
}

// floorDiv divides rounding toward negative infinity.
func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// LongShot is floor((SC + min(2*SC, PA)) / 2).
func LongShot(s Skills) int {
	return floorDiv(s.SC+min(2*s.SC, s.PA), 2)
}

// PenaltyKick is floor(max(1.2*SC, 0.8*PA)).
func PenaltyKick(s Skills) int {
	return floorDiv(max(12*s.SC, 8*s.PA), 10)
}

// SetPieceHeading is floor(0.8*AE + 0.2*CO).
func SetPieceHeading(s Skills) int {
	return floorDiv(8*s.AE+2*s.CO, 10)
}

// SetPieceCross is floor(0.7*PA + 0.3*BC).
func SetPieceCross(s Skills) int {
	return floorDiv(7*s.PA+3*s.BC, 10)
}

// MidfieldDominance is PA + min(OP+BC, TA+DP) + max(0, CO-constitutionThreshold).
func MidfieldDominance(s Skills, constitutionThreshold int) int {
	return s.PA + min(s.OP+s.BC, s.TA+s.DP) + max(0, s.CO-constitutionThreshold)
}

// teamworkPercent maps a teamwork value to its multiplier in percent.
var teamworkPercent = map[int]int{-2: 75, -1: 85, 0: 100, 1: 115, 2: 125}

func withTeamwork(v, teamwork int) int {
	teamwork = min(2, max(-2, teamwork))
	return floorDiv(v*teamworkPercent[teamwork], 100)
}

// OffensiveAssistance is OP+BC scaled by the teamwork multiplier.
func OffensiveAssistance(s Skills, teamwork int) int {
	return withTeamwork(s.OP+s.BC, teamwork)
}

// DefensiveAssistance is TA+DP scaled by the teamwork multiplier.
func DefensiveAssistance(s Skills, teamwork int) int {
	return withTeamwork(s.TA+s.DP, teamwork)
}

// GoalkeeperAssistance is OR scaled by the teamwork multiplier.
func GoalkeeperAssistance(s Skills, teamwork int) int {
	return withTeamwork(s.OR, teamwork)
}

// Denomination buckets a value into its colour tier.
func Denomination(v int) int {
	switch {
	case v > 29:
		return v / 10
	case v > 15:
		return 2
	default:
		return 1
	}
}

// Composites holds every composite skill of one player.
type Composites struct {
	LongShot             int `json:"longShot"`
	PenaltyKick          int `json:"penaltyKick"`
	SetPieceHeading      int `json:"setPieceHeading"`
	SetPieceCross        int `json:"setPieceCross"`
	MidfieldDominance    int `json:"midfieldDominance"`
	OffensiveAssistance  int `json:"offensiveAssistance"`
	DefensiveAssistance  int `json:"defensiveAssistance"`
	GoalkeeperAssistance int `json:"goalkeeperAssistance"`
}

// Composite computes all composites for one player. An unknown teamwork
// counts as neutral.
func Composite(s Skills, p records.Personalities, th records.Thresholds) Composites {
	tw := p[records.TraitTeamwork]
	return Composites{
		LongShot:             LongShot(s),
		PenaltyKick:          PenaltyKick(s),
		SetPieceHeading:      SetPieceHeading(s),
		SetPieceCross:        SetPieceCross(s),
		MidfieldDominance:    MidfieldDominance(s, th.Constitution),
		OffensiveAssistance:  OffensiveAssistance(s, tw),
		DefensiveAssistance:  DefensiveAssistance(s, tw),
		GoalkeeperAssistance: GoalkeeperAssistance(s, tw),
	}
}

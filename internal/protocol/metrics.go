package protocol

import (
	"context"
	"fmt"

	"pitchside/internal/calc"
)

// MetricsRequest asks for composites and rankings over players whose
// skills the page shows. Personalities not sent are read from the store.
type MetricsRequest struct {
	Candidates              []calc.Candidate `json:"candidates"`
	Limit                   int              `json:"limit,omitempty"`
	IncludeUnknownComposure bool             `json:"includeUnknownComposure,omitempty"`
}

// MetricsResult carries the derived metrics.
type MetricsResult struct {
	Composites    map[string]calc.Composites `json:"composites"`
	PenaltyTakers []calc.Ranked              `json:"penaltyTakers"`
	CornerTakers  []calc.Ranked              `json:"cornerTakers"`
	Anchors       []calc.Ranked              `json:"anchors"`
}

// Metrics computes composites and rankings with the stored thresholds.
func (d *Dispatcher) Metrics(ctx context.Context, req MetricsRequest) (MetricsResult, error) {
	th, err := d.store.Thresholds(ctx)
	if err != nil {
		return MetricsResult{}, err
	}

	cands := make([]calc.Candidate, 0, len(req.Candidates))
	for _, c := range req.Candidates {
		if c.ID == "" {
			return MetricsResult{}, fmt.Errorf("%w: candidate without id", ErrBadRequest)
		}
		if len(c.Personalities) == 0 {
			p, found, err := d.store.Players.Get(ctx, c.ID)
			if err != nil {
				return MetricsResult{}, err
			}
			if found {
				c.Personalities = p.Personalities
			}
		}
		cands = append(cands, c)
	}

	opts := calc.RankOptions{Thresholds: th, IncludeUnknownComposure: req.IncludeUnknownComposure, Limit: req.Limit}
	out := MetricsResult{
		Composites:    make(map[string]calc.Composites, len(cands)),
		PenaltyTakers: calc.PenaltyTakers(cands, opts),
		CornerTakers:  calc.CornerTakers(cands, opts),
		Anchors:       calc.Anchors(cands, opts),
	}
	for _, c := range cands {
		out.Composites[c.ID] = calc.Composite(c.Skills, c.Personalities, th)
	}
	return out, nil
}

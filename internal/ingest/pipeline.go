// Package ingest turns page snapshots into stored records: extract a fact,
// reconcile it with what is stored, write it back.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"

	"pitchside/internal/extract"
	"pitchside/internal/reconcile"
	"pitchside/internal/records"
	"pitchside/internal/store"
)

// Page kinds.
const (
	KindMatch  = "match"
	KindPlayer = "player"
	KindReport = "report"
)

// Observation outcomes.
const (
	StatusStored    = "stored"
	StatusAnalyzed  = "analyzed"
	StatusNotReady  = "not_ready"
	StatusDuplicate = "duplicate"
	StatusRejected  = "rejected"
)

// ErrUnknownKind is returned for an observation of a page kind with no extractor.
var ErrUnknownKind = errors.New("unknown page kind")

// Observation is one snapshot of a page, sent whenever the page changes.
type Observation struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
	HTML string `json:"html"`
}

// Key identifies the page the observation belongs to.
func (o Observation) Key() string { return o.Kind + "/" + o.ID }

func (o Observation) digest() string {
	sum := sha256.Sum256([]byte(o.Kind + "\x00" + o.ID + "\x00" + o.HTML))
	return hex.EncodeToString(sum[:])
}

// seenKey ties a snapshot to the revision of the record it was applied to.
// Once the record changes by any other path (a delete, an edit, an import)
// the same snapshot is processed again.
func seenKey(digest string, rev int64) string {
	return digest + "@" + strconv.FormatInt(rev, 10)
}

// Result describes what an observation changed.
type Result struct {
	Kind          string                `json:"kind"`
	ID            string                `json:"id"`
	Status        string                `json:"status"`
	Match         *records.Match        `json:"match,omitempty"`
	Player        *records.Player       `json:"player,omitempty"`
	Players       []string              `json:"players,omitempty"`
	Opportunities []extract.Opportunity `json:"opportunities,omitempty"`
}

// Recorder receives one call per processed observation.
type Recorder interface {
	Observation(kind, status string, elapsed time.Duration)
}

// Journal keeps the snapshots that changed the store.
type Journal interface {
	Append(kind, id, html string) error
}

// Options tune a pipeline.
type Options struct {
	// DedupeCapacity sizes the filter of already processed snapshots.
	DedupeCapacity uint
	Recorder       Recorder
	Journal        Journal
}

const defaultDedupeCapacity = 100000

// Pipeline runs observations through extraction, reconciliation and storage.
type Pipeline struct {
	store     *store.Store
	engine    *reconcile.Engine
	extractor *extract.Extractor
	recorder  Recorder
	journal   Journal
	logger    *slog.Logger

	seenMu   sync.Mutex
	seen     *bloom.BloomFilter
	added    uint
	capacity uint
}

// NewPipeline creates a pipeline over a store.
func NewPipeline(s *store.Store, engine *reconcile.Engine, ex *extract.Extractor, opts Options, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DedupeCapacity == 0 {
		opts.DedupeCapacity = defaultDedupeCapacity
	}
	return &Pipeline{
		store:     s,
		engine:    engine,
		extractor: ex,
		recorder:  opts.Recorder,
		journal:   opts.Journal,
		logger:    logger.With(slog.String("component", "ingest")),
		seen:      bloom.NewWithEstimates(opts.DedupeCapacity, 0.001),
		capacity:  opts.DedupeCapacity,
	}
}

// Process handles one observation. A page that is not loaded yet is not an
// error: the result says so and the next snapshot will be tried again.
func (p *Pipeline) Process(ctx context.Context, obs Observation) (res Result, err error) {
	start := time.Now()
	res = Result{Kind: obs.Kind, ID: obs.ID}
	defer func() {
		if err != nil {
			res.Status = StatusRejected
		}
		if p.recorder != nil {
			p.recorder.Observation(obs.Kind, res.Status, time.Since(start))
		}
	}()

	if obs.ID == "" {
		return res, fmt.Errorf("failed to process %s observation: missing id", obs.Kind)
	}
	digest := obs.digest()
	rev, err := p.revision(ctx, obs)
	if err != nil {
		return res, err
	}
	if p.hasSeen(seenKey(digest, rev)) {
		res.Status = StatusDuplicate
		return res, nil
	}

	doc, err := extract.ParseString(obs.HTML)
	if err != nil {
		return res, err
	}

	switch obs.Kind {
	case KindMatch:
		fact, err := p.extractor.MatchPage(doc.Selection, obs.ID)
		if err != nil {
			return p.notReady(res, err)
		}
		m, players, err := p.ApplyMatchFact(ctx, fact)
		if err != nil {
			return res, err
		}
		res.Status, res.Match, res.Players = StatusStored, &m, players
		rev = m.Revision
	case KindPlayer:
		fact, err := p.extractor.PlayerProfile(doc.Selection, obs.ID)
		if err != nil {
			return p.notReady(res, err)
		}
		pl, err := p.ApplyPlayerFact(ctx, fact)
		if err != nil {
			return res, err
		}
		res.Status, res.Player = StatusStored, &pl
		rev = pl.Revision
	case KindReport:
		opps, err := p.extractor.ReportPage(doc.Selection)
		if err != nil {
			return p.notReady(res, err)
		}
		res.Status, res.Opportunities = StatusAnalyzed, opps
	default:
		return res, fmt.Errorf("%w: %q", ErrUnknownKind, obs.Kind)
	}

	if p.journal != nil && res.Status == StatusStored {
		if err := p.journal.Append(obs.Kind, obs.ID, obs.HTML); err != nil {
			p.logger.Error("failed to journal observation",
				slog.String("kind", obs.Kind), slog.String("id", obs.ID), slog.Any("error", err))
		}
	}
	p.markSeen(seenKey(digest, rev))
	return res, nil
}

// revision returns the stored revision of the record a snapshot applies to,
// zero when there is none yet. Reports are not stored.
func (p *Pipeline) revision(ctx context.Context, obs Observation) (int64, error) {
	var (
		rev int64
		err error
	)
	switch obs.Kind {
	case KindMatch:
		var m records.Match
		m, _, err = p.store.Matches.Get(ctx, obs.ID)
		rev = m.Revision
	case KindPlayer:
		var pl records.Player
		pl, _, err = p.store.Players.Get(ctx, obs.ID)
		rev = pl.Revision
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", obs.Key(), err)
	}
	return rev, nil
}

func (p *Pipeline) notReady(res Result, err error) (Result, error) {
	if errors.Is(err, extract.ErrNotReady) {
		p.logger.Debug("page not ready",
			slog.String("kind", res.Kind), slog.String("id", res.ID), slog.Any("error", err))
		res.Status = StatusNotReady
		return res, nil
	}
	return res, err
}

// ApplyMatchFact merges a match fact into the store, then credits every
// lineup participant with what the match implies about them. It returns the
// stored match and the ids of the players touched.
func (p *Pipeline) ApplyMatchFact(ctx context.Context, fact records.MatchFact) (records.Match, []string, error) {
	if err := fact.Validate(); err != nil {
		return records.Match{}, nil, err
	}
	m, err := p.store.Matches.Update(ctx, fact.ID, func(cur records.Match, _ bool) (records.Match, error) {
		return p.engine.MergeMatch(cur, fact), nil
	})
	if err != nil {
		return records.Match{}, nil, fmt.Errorf("failed to store match %s: %w", fact.ID, err)
	}

	var touched []string
	for _, pf := range p.engine.PlayerFacts(m) {
		if _, err := p.ApplyPlayerFact(ctx, pf); err != nil {
			// The match is stored; the next observation credits this player again.
			p.logger.Error("failed to credit player from match",
				slog.String("match", m.ID), slog.String("player", pf.ID), slog.Any("error", err))
			continue
		}
		touched = append(touched, pf.ID)
	}
	return m, touched, nil
}

// ApplyPlayerFact merges a player fact into the store. A player seen for
// the first time is created.
func (p *Pipeline) ApplyPlayerFact(ctx context.Context, fact records.PlayerFact) (records.Player, error) {
	if err := fact.Validate(); err != nil {
		return records.Player{}, err
	}
	pl, err := p.store.Players.Update(ctx, fact.ID, func(cur records.Player, _ bool) (records.Player, error) {
		return p.engine.MergePlayer(cur, fact), nil
	})
	if err != nil {
		return records.Player{}, fmt.Errorf("failed to store player %s: %w", fact.ID, err)
	}
	return pl, nil
}

func (p *Pipeline) hasSeen(digest string) bool {
	p.seenMu.Lock()
	defer p.seenMu.Unlock()
	return p.seen.TestString(digest)
}

// markSeen records a processed snapshot. A filter that reached its capacity
// starts over: past it the false-positive rate climbs and fresh snapshots
// would be dropped as duplicates.
func (p *Pipeline) markSeen(key string) {
	p.seenMu.Lock()
	defer p.seenMu.Unlock()
	if p.added >= p.capacity {
		p.logger.Info("dedupe filter full, starting over", slog.Uint64("capacity", uint64(p.capacity)))
		p.seen.ClearAll()
		p.added = 0
	}
	p.seen.AddString(key)
	p.added++
}

// Reset forgets every processed snapshot, so identical pages are processed
// again.
func (p *Pipeline) Reset() {
	p.seenMu.Lock()
	defer p.seenMu.Unlock()
	p.seen.ClearAll()
	p.added = 0
}

package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bep/debounce"
)

// ResultFunc receives the outcome of a coalesced observation.
type ResultFunc func(Result, error)

type pending struct {
	obs      Observation
	debounce func(func())
}

// Coalescer collapses bursts of observations of the same page into one:
// only the latest snapshot of a page is processed, once the page has been
// quiet for the configured window.
type Coalescer struct {
	pipeline *Pipeline
	after    time.Duration
	onResult ResultFunc
	logger   *slog.Logger
	ctx      context.Context

	mu      sync.Mutex
	pending map[string]*pending
	closed  bool
	wg      sync.WaitGroup
}

// NewCoalescer creates a coalescer in front of a pipeline. ctx bounds the
// processing of every observation it fires.
func NewCoalescer(ctx context.Context, p *Pipeline, after time.Duration, onResult ResultFunc) *Coalescer {
	if onResult == nil {
		onResult = func(Result, error) {}
	}
	return &Coalescer{
		pipeline: p,
		after:    after,
		onResult: onResult,
		logger:   p.logger,
		ctx:      ctx,
		pending:  make(map[string]*pending),
	}
}

// Submit queues an observation, replacing any queued snapshot of the same
// page. It reports false once the coalescer is closed.
func (c *Coalescer) Submit(obs Observation) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	key := obs.Key()
	p, ok := c.pending[key]
	if !ok {
		p = &pending{debounce: debounce.New(c.after)}
		c.pending[key] = p
	}
	p.obs = obs
	p.debounce(func() { c.fire(key) })
	return true
}

// Pending returns the number of pages waiting to be processed.
func (c *Coalescer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Coalescer) fire(key string) {
	c.mu.Lock()
	p, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
		c.wg.Add(1)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	defer c.wg.Done()
	c.run(p.obs)
}

func (c *Coalescer) run(obs Observation) {
	res, err := c.pipeline.Process(c.ctx, obs)
	if err != nil {
		c.logger.Error("failed to process observation",
			slog.String("kind", obs.Kind), slog.String("id", obs.ID), slog.Any("error", err))
	}
	c.onResult(res, err)
}

// Close stops accepting observations, processes whatever is still queued
// and waits for running work to finish.
func (c *Coalescer) Close() {
	c.mu.Lock()
	c.closed = true
	queued := make([]Observation, 0, len(c.pending))
	for key, p := range c.pending {
		queued = append(queued, p.obs)
		delete(c.pending, key)
	}
	c.mu.Unlock()

	for _, obs := range queued {
		c.run(obs)
	}
	c.wg.Wait()
}

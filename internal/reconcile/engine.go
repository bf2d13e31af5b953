// Package reconcile merges freshly extracted facts into accumulated records
// without losing previously known data.
package reconcile

import (
	"log/slog"
	"time"
)

// Engine applies the merge rules. It is stateless apart from its logger and
// clock, so one instance is shared by every caller.
type Engine struct {
	logger *slog.Logger
	now    func() time.Time
}

// New creates a reconciliation engine.
func New(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		logger: logger.With(slog.String("component", "reconcile")),
		now:    time.Now,
	}
}

// recoverInto turns a panic during a merge into a logged no-op.
func (e *Engine) recoverInto(kind, id string, restore func()) {
	if r := recover(); r != nil {
		e.logger.Error("merge aborted, keeping existing record",
			slog.String("kind", kind),
			slog.String("id", id),
			slog.Any("panic", r))
		restore()
	}
}

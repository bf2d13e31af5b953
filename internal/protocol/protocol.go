// Package protocol routes the extension's {type, id, data, changes}
// messages to the store, the ingestion pipeline, the auditor and the
// calculators. HTTP and websocket transports share one Dispatcher.
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"pitchside/internal/audit"
	"pitchside/internal/ingest"
	"pitchside/internal/records"
	"pitchside/internal/store"
)

// Message types.
const (
	TypeGetMatch     = "getMatch"
	TypeGetPlayer    = "getPlayer"
	TypeAddMatch     = "addMatch"
	TypeAddPlayer    = "addPlayer"
	TypeUpdateMatch  = "updateMatch"
	TypeUpdatePlayer = "updatePlayer"
	TypeDeleteMatch  = "deleteMatch"
	TypeGetSettings  = "getSettings"
	TypePutSettings  = "putSettings"
	TypeObserve      = "observe"
	TypeAudit        = "audit"
	TypeMetrics      = "metrics"
)

var (
	// ErrUnknownType is returned for a message type with no handler.
	ErrUnknownType = errors.New("unknown message type")
	// ErrBadRequest marks a message whose fields do not fit its type.
	ErrBadRequest = errors.New("bad request")
)

// Request is one message from the extension.
type Request struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	ID        string          `json:"id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Changes   map[string]any  `json:"changes,omitempty"`
}

// Response answers a request. Result is null when the record does not exist.
type Response struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Result    any    `json:"result"`
	Error     string `json:"error,omitempty"`
}

// Recorder receives one call per handled message.
type Recorder interface {
	Message(typ string, err error)
}

// Dispatcher handles messages.
type Dispatcher struct {
	store    *store.Store
	pipeline *ingest.Pipeline
	auditor  *audit.Auditor
	recorder Recorder
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher. recorder may be nil.
func NewDispatcher(s *store.Store, p *ingest.Pipeline, a *audit.Auditor, recorder Recorder, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:    s,
		pipeline: p,
		auditor:  a,
		recorder: recorder,
		logger:   logger.With(slog.String("component", "protocol")),
	}
}

// Respond handles a request and wraps the outcome into a response.
func (d *Dispatcher) Respond(ctx context.Context, req Request) Response {
	res, err := d.Handle(ctx, req)
	resp := Response{Type: req.Type, RequestID: req.RequestID, Result: res}
	if err != nil {
		resp.Result = nil
		resp.Error = err.Error()
	}
	return resp
}

// Handle runs one request. A missing record yields a nil result and no error.
func (d *Dispatcher) Handle(ctx context.Context, req Request) (res any, err error) {
	defer func() {
		if d.recorder != nil {
			d.recorder.Message(req.Type, err)
		}
		if err != nil && !errors.Is(err, ErrBadRequest) && !errors.Is(err, ErrUnknownType) {
			d.logger.Error("message failed", slog.String("type", req.Type), slog.String("id", req.ID), slog.Any("error", err))
		}
	}()

	switch req.Type {
	case TypeGetMatch:
		return getRecord(ctx, d.store.Matches, req)
	case TypeGetPlayer:
		return getRecord(ctx, d.store.Players, req)
	case TypeAddMatch:
		return addRecord(ctx, d.store.Matches, req)
	case TypeAddPlayer:
		return addRecord(ctx, d.store.Players, req)
	case TypeUpdateMatch:
		return patchRecord(ctx, d.store.Matches, req)
	case TypeUpdatePlayer:
		return patchRecord(ctx, d.store.Players, req)
	case TypeDeleteMatch:
		if req.ID == "" {
			return nil, fmt.Errorf("%w: %s without id", ErrBadRequest, req.Type)
		}
		deleted, err := d.store.Matches.Delete(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		return map[string]bool{"deleted": deleted}, nil
	case TypeGetSettings:
		return d.getSettings(ctx, req)
	case TypePutSettings:
		return d.putSettings(ctx, req)
	case TypeObserve:
		var obs ingest.Observation
		if err := decode(req, &obs); err != nil {
			return nil, err
		}
		if obs.ID == "" {
			obs.ID = req.ID
		}
		return d.pipeline.Process(ctx, obs)
	case TypeAudit:
		return d.auditor.Run(ctx)
	case TypeMetrics:
		var mr MetricsRequest
		if err := decode(req, &mr); err != nil {
			return nil, err
		}
		return d.Metrics(ctx, mr)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, req.Type)
	}
}

func decode(req Request, v any) error {
	if len(req.Data) == 0 || string(req.Data) == "null" {
		return fmt.Errorf("%w: %s without data", ErrBadRequest, req.Type)
	}
	if err := json.Unmarshal(req.Data, v); err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrBadRequest, req.Type, err)
	}
	return nil
}

func getRecord[T store.Record[T]](ctx context.Context, c *store.Collection[T], req Request) (any, error) {
	if req.ID == "" {
		return nil, fmt.Errorf("%w: %s without id", ErrBadRequest, req.Type)
	}
	rec, found, err := c.Get(ctx, req.ID)
	if err != nil || !found {
		return nil, err
	}
	return rec, nil
}

func addRecord[T store.Record[T]](ctx context.Context, c *store.Collection[T], req Request) (any, error) {
	var rec T
	if err := decode(req, &rec); err != nil {
		return nil, err
	}
	if rec.RecordID() == "" {
		return nil, fmt.Errorf("%w: %s data without id", ErrBadRequest, req.Type)
	}
	return c.Put(ctx, rec)
}

func patchRecord[T store.Record[T]](ctx context.Context, c *store.Collection[T], req Request) (any, error) {
	if req.ID == "" {
		return nil, fmt.Errorf("%w: %s without id", ErrBadRequest, req.Type)
	}
	if len(req.Changes) == 0 {
		return nil, fmt.Errorf("%w: %s without changes", ErrBadRequest, req.Type)
	}
	return c.Patch(ctx, req.ID, req.Changes)
}

// getSettings returns one category, or every category keyed by name when no
// id is given.
func (d *Dispatcher) getSettings(ctx context.Context, req Request) (any, error) {
	if req.ID != "" {
		rec, found, err := d.store.SettingsFor(ctx, req.ID)
		if err != nil || !found {
			return nil, err
		}
		return rec.Settings, nil
	}
	all, err := d.store.Settings.All(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]map[string]any, len(all))
	for _, rec := range all {
		out[rec.Category] = rec.Settings
	}
	return out, nil
}

func (d *Dispatcher) putSettings(ctx context.Context, req Request) (any, error) {
	category := strings.TrimSpace(req.ID)
	if category == "" {
		return nil, fmt.Errorf("%w: %s without category", ErrBadRequest, req.Type)
	}
	var settings map[string]any
	if err := decode(req, &settings); err != nil {
		return nil, err
	}
	rec, err := d.store.Settings.Put(ctx, records.SettingsRecord{Category: category, Settings: settings})
	if err != nil {
		return nil, err
	}
	return rec.Settings, nil
}

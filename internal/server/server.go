// Package server exposes the record store, the ingestion pipeline and the
// calculators to the browser extension over HTTP and a websocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"pitchside/internal/audit"
	"pitchside/internal/config"
	"pitchside/internal/exchange"
	"pitchside/internal/ingest"
	"pitchside/internal/migrate"
	"pitchside/internal/protocol"
	"pitchside/internal/telemetry"
)

// maxBodySize bounds request bodies. Imports and page snapshots are the largest.
const maxBodySize = 32 << 20

var errRateLimited = errors.New("rate limited")

// Options wires a server.
type Options struct {
	Config     config.ServerConfig
	Debounce   time.Duration
	Dispatcher *protocol.Dispatcher
	Pipeline   *ingest.Pipeline
	Exchanger  *exchange.Exchanger
	Auditor    *audit.Auditor
	Migrations *migrate.Manager
	// Metrics may be nil to disable the /metrics endpoint.
	Metrics *telemetry.Metrics
	Logger  *slog.Logger
}

// Server is the HTTP front of the service.
type Server struct {
	cfg        config.ServerConfig
	dispatcher *protocol.Dispatcher
	pipeline   *ingest.Pipeline
	coalescer  *ingest.Coalescer
	exchanger  *exchange.Exchanger
	auditor    *audit.Auditor
	migrations *migrate.Manager
	metrics    *telemetry.Metrics
	logger     *slog.Logger

	limiter  *clientLimiter
	upgrader websocket.Upgrader
	hub      *hub

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a server. With a positive debounce, observations posted to
// the observe endpoint are coalesced per page and their results are pushed
// to every open websocket.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:        opts.Config,
		dispatcher: opts.Dispatcher,
		pipeline:   opts.Pipeline,
		exchanger:  opts.Exchanger,
		auditor:    opts.Auditor,
		migrations: opts.Migrations,
		metrics:    opts.Metrics,
		logger:     logger.With(slog.String("component", "server")),
		hub:        newHub(),
		ctx:        ctx,
		cancel:     cancel,
	}
	if opts.Config.RateLimit > 0 {
		burst := opts.Config.Burst
		if burst <= 0 {
			burst = int(opts.Config.RateLimit)
		}
		s.limiter = newClientLimiter(rate.Limit(opts.Config.RateLimit), burst)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(s.cfg.AllowedOrigins, r.Header.Get("Origin"))
		},
	}
	if opts.Debounce > 0 && opts.Pipeline != nil {
		s.coalescer = ingest.NewCoalescer(ctx, opts.Pipeline, opts.Debounce, s.pushObserved)
	}
	return s
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	r.Get("/ws", s.handleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
				next.ServeHTTP(w, r)
			})
		})

		r.Post("/messages", s.handleMessage)
		r.Post("/observe/{kind}", s.handleObserve)
		r.Get("/audit", s.handleAudit)
		r.Post("/metrics", s.handleMetrics)
		r.Get("/export", s.handleExport)
		r.Post("/import", s.handleImport)
		r.Post("/import/legacy", s.handleImportLegacy)
	})
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("listening", slog.String("addr", s.cfg.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	if err != nil {
		return fmt.Errorf("failed to shut down: %w", err)
	}
	return nil
}

// Close flushes queued observations and stops the websocket pumps.
func (s *Server) Close() {
	if s.coalescer != nil {
		s.coalescer.Close()
	}
	s.cancel()
}

func (s *Server) pushObserved(res ingest.Result, err error) {
	msg := protocol.Response{Type: TypeObserved, Result: res}
	if err != nil {
		msg.Error = err.Error()
	}
	s.hub.broadcast(msg)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", chimiddleware.GetReqID(r.Context())))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":            "healthy",
		"service":           "pitchside",
		"websocket_clients": s.hub.count(),
	}
	if s.migrations != nil {
		health["migration"] = s.migrations.State().String()
		health["version"] = s.migrations.AppVersion()
	}
	if s.coalescer != nil {
		health["pending_observations"] = s.coalescer.Pending()
	}
	writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req protocol.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid message: %w", err))
		return
	}
	res, err := s.dispatcher.Handle(r.Context(), req)
	resp := protocol.Response{Type: req.Type, RequestID: req.RequestID, Result: res}
	if err != nil {
		resp.Result = nil
		resp.Error = err.Error()
	}
	writeJSON(w, statusFor(err), resp)
}

// handleObserve takes a page snapshot. With coalescing enabled it answers
// 202 and pushes the outcome over the websocket; ?sync=true, or a server
// without coalescing, processes it in the request.
func (s *Server) handleObserve(w http.ResponseWriter, r *http.Request) {
	var obs ingest.Observation
	if err := json.NewDecoder(r.Body).Decode(&obs); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid observation: %w", err))
		return
	}
	obs.Kind = chi.URLParam(r, "kind")
	switch obs.Kind {
	case ingest.KindMatch, ingest.KindPlayer, ingest.KindReport:
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %q", ingest.ErrUnknownKind, obs.Kind))
		return
	}
	if id := r.URL.Query().Get("id"); id != "" {
		obs.ID = id
	}
	if obs.ID == "" {
		writeError(w, http.StatusBadRequest, errors.New("observation without id"))
		return
	}

	if sync, _ := strconv.ParseBool(r.URL.Query().Get("sync")); !sync && s.coalescer != nil {
		if !s.coalescer.Submit(obs) {
			writeError(w, http.StatusServiceUnavailable, errors.New("shutting down"))
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"queued": true,
			"key":    obs.Key(),
		})
		return
	}

	res, err := s.pipeline.Process(r.Context(), obs)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	report, err := s.auditor.Run(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if s.metrics != nil {
		s.metrics.AuditFindings(report.Counts())
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var req protocol.MetricsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid metrics request: %w", err))
		return
	}
	res, err := s.dispatcher.Metrics(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	stamp := time.Now().UTC().Format("20060102-150405")
	switch r.URL.Query().Get("format") {
	case "", "json":
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="pitchside-%s.json"`, stamp))
		if err := s.exchanger.WriteJSON(r.Context(), w); err != nil {
			s.logger.Error("export failed", slog.Any("error", err))
		}
	case "xlsx":
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="pitchside-minutes-%s.xlsx"`, stamp))
		if err := s.exchanger.WriteMinutesXLSX(r.Context(), w); err != nil {
			s.logger.Error("minutes export failed", slog.Any("error", err))
		}
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown export format %q", r.URL.Query().Get("format")))
	}
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	doc, err := exchange.ReadDocument(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	replace, _ := strconv.ParseBool(r.URL.Query().Get("replace"))
	res, err := s.exchanger.Import(r.Context(), doc, exchange.ImportOptions{Replace: replace})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if s.metrics != nil {
		s.metrics.Migration(res.Migration.State.String())
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleImportLegacy(w http.ResponseWriter, r *http.Request) {
	keys, err := s.exchanger.ImportLegacy(r.Context(), r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"converted": keys})
}

func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, protocol.ErrBadRequest),
		errors.Is(err, protocol.ErrUnknownType),
		errors.Is(err, ingest.ErrUnknownKind):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

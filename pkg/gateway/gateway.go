// Package gateway exposes the runtime over HTTP: envelope ingest, agent
// state and hash reads, health, and engine counters. Requests pass
// through request-id, CORS, JWT auth, and per-tenant rate limiting
// before reaching a handler; every rejection is an RFC 7807 response.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"log/slog"

	"github.com/Mindburn-Labs/meshforge/pkg/auth"
	"github.com/Mindburn-Labs/meshforge/pkg/bus"
	"github.com/Mindburn-Labs/meshforge/pkg/engine"
	"github.com/Mindburn-Labs/meshforge/pkg/observability"
	"github.com/Mindburn-Labs/meshforge/pkg/policy"
	"github.com/Mindburn-Labs/meshforge/pkg/router"
)

// DefaultMaxBodyBytes caps ingest request bodies.
const DefaultMaxBodyBytes = 1 << 20

// Server routes HTTP traffic to the engines it fronts. Commands go to
// the router, events to the bus; reads go straight to the owning engine.
type Server struct {
	mu      sync.RWMutex
	engines map[string]*engine.Engine

	router    router.Router
	bus       bus.Bus
	gate      *policy.Gate
	validator *auth.Validator
	limiter   *auth.RateLimiter
	timeline  *observability.Timeline
	slos      *observability.SLOTracker
	obs       *observability.Provider
	logger    *slog.Logger
	version   string
	maxBody   int64
}

// Option configures a Server.
type Option func(*Server)

// WithValidator sets the JWT validator. Without one, every non-public
// request is rejected.
func WithValidator(v *auth.Validator) Option {
	return func(s *Server) { s.validator = v }
}

// WithRateLimiter sets the per-tenant ingress limiter.
func WithRateLimiter(rl *auth.RateLimiter) Option {
	return func(s *Server) { s.limiter = rl }
}

// WithGate sets the CEL ingress policy gate.
func WithGate(g *policy.Gate) Option {
	return func(s *Server) { s.gate = g }
}

// WithTimeline records ingest and denial entries on the activity timeline.
func WithTimeline(tl *observability.Timeline) Option {
	return func(s *Server) { s.timeline = tl }
}

// WithSLOTracker records ingest latency observations.
func WithSLOTracker(t *observability.SLOTracker) Option {
	return func(s *Server) { s.slos = t }
}

// WithTelemetry attaches the tracing provider.
func WithTelemetry(p *observability.Provider) Option {
	return func(s *Server) { s.obs = p }
}

// WithVersion sets the string served at /version.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithMaxBodyBytes overrides the ingest body cap.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) { s.maxBody = n }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates a gateway in front of the given router and bus. Engines
// are attached with Register.
func New(rt router.Router, b bus.Bus, opts ...Option) *Server {
	s := &Server{
		engines: make(map[string]*engine.Engine),
		router:  rt,
		bus:     b,
		version: "dev",
		maxBody: DefaultMaxBodyBytes,
		logger:  slog.Default().With("component", "gateway"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register attaches an engine for state reads and health reporting.
// Later registrations for the same agent id win.
func (s *Server) Register(eng *engine.Engine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engines[strings.ToLower(eng.AgentID())] = eng
}

func (s *Server) engine(id string) *engine.Engine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engines[strings.ToLower(id)]
}

func (s *Server) allEngines() []*engine.Engine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*engine.Engine, 0, len(s.engines))
	for _, eng := range s.engines {
		out = append(out, eng)
	}
	return out
}

// Handler returns the full middleware-wrapped HTTP handler. The rate
// limiter runs inside auth so authenticated requests are keyed by tenant.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/envelopes", s.handleIngest)
	mux.HandleFunc("/v1/agents/", s.handleAgents)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics/snapshot", s.handleMetricsSnapshot)
	mux.HandleFunc("/version", s.handleVersion)

	var h http.Handler = mux
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	h = auth.NewMiddleware(s.validator)(h)
	h = auth.CORSMiddleware(nil)(h)
	h = auth.RequestIDMiddleware(h)
	return h
}

// NewHTTPServer wraps the handler in an http.Server with production
// timeouts.
func NewHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func (s *Server) track(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if s.obs == nil {
		return ctx, func(error) {}
	}
	return s.obs.TrackOperation(ctx, name, attrs...)
}

func (s *Server) recordTimeline(entry observability.TimelineEntry) {
	if s.timeline == nil {
		return
	}
	if err := s.timeline.Record(entry); err != nil {
		s.logger.Warn("timeline record failed", "error", err)
	}
}

func (s *Server) recordIngestSLO(latency time.Duration, success bool) {
	if s.slos == nil {
		return
	}
	s.slos.Record(observability.SLOObservation{
		Operation: observability.OpIngest,
		Latency:   latency,
		Success:   success,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// Package proxy is the HTTP surface of the gateway.
//
// The Server authenticates the caller token, parses and normalizes the
// OpenAI-compatible request body, applies per-tenant rate limiting, and
// hands the request to the dispatcher. Responses are re-encoded in the
// OpenAI envelope; streaming responses are relayed as Server-Sent Events.
//
// Key design constraints:
//   - Metrics emitter, request logger, and rate limiter are optional and
//     nil-safe.
//   - All I/O uses context.Context so timeouts propagate correctly.
//   - Streaming responses are pass-through (SSE) with per-chunk flushes.
package proxy

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/tenant-gateway/internal/dispatch"
	"github.com/nulpointcorp/tenant-gateway/internal/identity"
	"github.com/nulpointcorp/tenant-gateway/internal/logger"
	"github.com/nulpointcorp/tenant-gateway/internal/metrics"
	"github.com/nulpointcorp/tenant-gateway/internal/ratelimit"
)

// modelListCreated is the fixed creation timestamp reported for every model
// in GET /models, matching the OpenAI-compatible convention.
const modelListCreated = 1677610602

// Dispatcher performs the routed backend call. *dispatch.Dispatcher
// satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *dispatch.Request) (*dispatch.Result, error)
}

// TokenResolver authenticates caller tokens. *identity.Resolver satisfies it.
type TokenResolver interface {
	Resolve(token string) (identity.Identity, error)
}

// ModelLister lists the logical model names the gateway routes.
// *registry.Registry satisfies it.
type ModelLister interface {
	Models() []string
}

// Options configures a Server. Dispatcher and Resolver are required;
// everything else is optional and nil-safe.
type Options struct {
	Dispatcher Dispatcher
	Resolver   TokenResolver
	Models     ModelLister
	Logger     *slog.Logger

	// Metrics enables Prometheus metrics emission and the /metrics endpoint.
	Metrics *metrics.Emitter

	// RequestLogger is the async request log.
	RequestLogger *logger.Logger

	// RPMLimiter enforces per-tenant request rates. Admin callers bypass it.
	RPMLimiter *ratelimit.RPMLimiter

	// Ready reports whether backing infrastructure is reachable; consulted
	// by GET /readiness. Nil means always ready.
	Ready func(ctx context.Context) bool

	// CORSOrigins is the allowed origin list. Empty means allow all.
	CORSOrigins []string

	// DispatchTimeout bounds one backend call end to end.
	// Default: 60s (streams need headroom beyond the per-request HTTP timeout).
	DispatchTimeout time.Duration
}

// Server is the gateway HTTP server.
type Server struct {
	dispatcher Dispatcher
	resolver   TokenResolver
	models     ModelLister
	log        *slog.Logger

	metrics   *metrics.Emitter
	reqLogger *logger.Logger
	rpm       *ratelimit.RPMLimiter
	ready     func(ctx context.Context) bool

	corsOrigins     []string
	dispatchTimeout time.Duration
}

// NewServer creates a Server.
func NewServer(opts Options) *Server {
	s := &Server{
		dispatcher:      opts.Dispatcher,
		resolver:        opts.Resolver,
		models:          opts.Models,
		log:             opts.Logger,
		metrics:         opts.Metrics,
		reqLogger:       opts.RequestLogger,
		rpm:             opts.RPMLimiter,
		ready:           opts.Ready,
		corsOrigins:     opts.CORSOrigins,
		dispatchTimeout: opts.DispatchTimeout,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.dispatchTimeout <= 0 {
		s.dispatchTimeout = 60 * time.Second
	}
	return s
}

// Handler builds the routed fasthttp handler with the middleware chain
// applied.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.POST("/chat/completions", s.handleCompletion)
	r.POST("/v1/chat/completions", s.handleCompletion)
	r.POST("/completions", s.handleCompletion)
	r.POST("/v1/completions", s.handleCompletion)

	r.GET("/models", s.handleModels)
	r.GET("/v1/models", s.handleModels)

	r.GET("/health", s.handleHealth)
	r.GET("/readiness", s.handleReadiness)

	if s.metrics != nil {
		r.GET("/metrics", s.metrics.Handler())
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(s.corsOrigins),
		securityHeaders,
	)
}

// Start starts the HTTP server on addr (e.g. ":8080").
func (s *Server) Start(addr string) error {
	srv := &fasthttp.Server{
		Handler:      s.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return srv.ListenAndServe(addr)
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]string{"status": "ok"})
}

func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	if s.ready == nil || s.ready(ctx) {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

// handleModels lists the logical model names from the routing table.
// Authenticated; both admins and tenants see the full list.
func (s *Server) handleModels(ctx *fasthttp.RequestCtx) {
	if _, err := s.authenticate(ctx); err != nil {
		return
	}

	names := []string{}
	if s.models != nil {
		names = s.models.Models()
	}

	list := modelList{Object: "list", Data: make([]modelEntry, 0, len(names))}
	for _, name := range names {
		list.Data = append(list.Data, modelEntry{
			ID:      name,
			Object:  "model",
			Created: modelListCreated,
			OwnedBy: "openai",
		})
	}
	writeJSON(ctx, list)
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}

// Package dispatch resolves a parsed completion request against the routing
// table, attaches credentials, and hands the call to the backend client for
// its provider family. It never retries and never falls back to another
// route: a failed backend call is wrapped and surfaced to the caller as-is.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/nulpointcorp/tenant-gateway/internal/credential"
	"github.com/nulpointcorp/tenant-gateway/internal/identity"
	"github.com/nulpointcorp/tenant-gateway/internal/registry"
	"github.com/nulpointcorp/tenant-gateway/internal/upstream"
	"github.com/nulpointcorp/tenant-gateway/pkg/apierr"
)

// Request is a parsed, normalized completion request ready for dispatch.
// Stream is already a boolean here; the transport layer normalizes string
// forms like "true" before building the Request.
type Request struct {
	// Model is the caller-facing logical model name.
	Model string

	// Path is the request path, used to pick the chat or text operation.
	Path string

	Messages    []upstream.Message
	Prompt      string
	Temperature float64
	MaxTokens   int
	Stream      bool

	// Caller is the authenticated identity the request runs under.
	Caller identity.Identity
}

// Marks carries the timestamps observed while serving one request. The
// metrics emitter derives all latency observations from them. Fields are
// zero when the corresponding point was never reached.
type Marks struct {
	RequestStart     time.Time
	BackendCallStart time.Time
	FirstToken       time.Time
	BackendCallEnd   time.Time
	RequestEnd       time.Time
}

// Result is a successful dispatch: the backend response plus the routing
// entry it was served from and the timing marks collected so far. For
// streaming responses BackendCallEnd and FirstToken are filled in as the
// stream is consumed.
type Result struct {
	Response *upstream.Response
	Entry    registry.RoutingEntry
	Marks    *Marks
}

// RouteLookup resolves logical model names. *registry.Registry satisfies it.
type RouteLookup interface {
	Route(model string) (registry.RoutingEntry, bool)
}

// TokenProviders yields bearer-token providers for client-credentials
// triples. *credential.Cache satisfies it.
type TokenProviders interface {
	TokenProvider(ctx context.Context, clientID, tenantID, clientSecret string) (oauth2.TokenSource, error)
}

// Dispatcher routes requests to backend clients.
type Dispatcher struct {
	routes    RouteLookup
	creds     TokenProviders
	upstreams map[registry.Family]upstream.Client
	log       *slog.Logger
	now       func() time.Time
}

// Options configures a Dispatcher.
type Options struct {
	Routes    RouteLookup
	Creds     TokenProviders
	Upstreams map[registry.Family]upstream.Client
	Logger    *slog.Logger

	// Now overrides the time source (used in tests).
	Now func() time.Time
}

// New creates a Dispatcher.
func New(opts Options) *Dispatcher {
	d := &Dispatcher{
		routes:    opts.Routes,
		creds:     opts.Creds,
		upstreams: opts.Upstreams,
		log:       opts.Logger,
		now:       opts.Now,
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d
}

// Dispatch resolves req against the routing table and performs the backend
// call. Routing failures surface before any network activity. The returned
// Marks carry RequestStart and BackendCallStart; BackendCallEnd is set when
// the call (or stream) completes, and FirstToken on the first streamed
// content chunk.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (*Result, error) {
	marks := &Marks{RequestStart: d.now()}

	entry, ok := d.routes.Route(req.Model)
	if !ok {
		return nil, apierr.RouteNotFound(req.Model)
	}

	client, ok := d.upstreams[entry.Family]
	if !ok {
		return nil, apierr.InvalidCredentialConfig(
			"no backend client registered for family " + entry.Family.String())
	}

	call := &upstream.Call{
		Model:        entry.StrippedBackendModel(),
		Messages:     req.Messages,
		Prompt:       req.Prompt,
		Temperature:  req.Temperature,
		MaxTokens:    req.MaxTokens,
		Stream:       req.Stream,
		User:         req.Caller.ID,
		APIBase:      entry.APIBase,
		APIKey:       entry.APIKey,
		ExtraHeaders: entry.ExtraHeaders,
	}

	// Routes with an explicit API key use static key auth; everything else in
	// a bearer-token family goes through credential acquisition (which may be
	// served by the ambient fallback source).
	if entry.Family.RequiresBearerToken() && (entry.Credential != nil || entry.APIKey == "") {
		token, err := d.bearerToken(ctx, entry)
		if err != nil {
			return nil, err
		}
		call.BearerToken = token
	}

	d.log.InfoContext(ctx, "dispatching request",
		slog.String("model", req.Model),
		slog.String("backend_model", call.Model),
		slog.String("family", entry.Family.String()),
		slog.String("caller", req.Caller.ID),
		slog.Bool("stream", req.Stream),
	)

	marks.BackendCallStart = d.now()

	var (
		resp *upstream.Response
		err  error
	)
	if isTextPath(req.Path) {
		resp, err = client.TextCompletion(ctx, call)
	} else {
		resp, err = client.ChatCompletion(ctx, call)
	}
	if err != nil {
		return nil, wrapUpstreamError(err)
	}

	if resp.Stream != nil {
		resp = &upstream.Response{Stream: d.relayStream(resp.Stream, marks)}
	} else {
		marks.BackendCallEnd = d.now()
	}

	return &Result{Response: resp, Entry: entry, Marks: marks}, nil
}

// bearerToken resolves the bearer credential for a token-auth route.
// Pre-issued static tokens bypass acquisition entirely. A route without
// credential params still consults the cache so an ambient fallback source
// can serve it; the cache rejects the empty triple otherwise.
func (d *Dispatcher) bearerToken(ctx context.Context, entry registry.RoutingEntry) (string, error) {
	var clientID, tenantID, clientSecret string
	if entry.Credential != nil {
		if entry.Credential.StaticToken != "" {
			return entry.Credential.StaticToken, nil
		}
		clientID = entry.Credential.ClientID
		tenantID = entry.Credential.TenantID
		clientSecret = entry.Credential.ClientSecret
	}

	ts, err := d.creds.TokenProvider(ctx, clientID, tenantID, clientSecret)
	if err != nil {
		if errors.Is(err, credential.ErrInvalidConfig) {
			return "", apierr.InvalidCredentialConfig(err.Error())
		}
		return "", apierr.InvalidCredentialConfig("token acquisition failed: " + err.Error())
	}

	tok, err := ts.Token()
	if err != nil {
		return "", apierr.InvalidCredentialConfig("token acquisition failed: " + err.Error())
	}
	return tok.AccessToken, nil
}

// relayStream forwards backend chunks, recording the first-token and
// stream-end timestamps on the way through.
func (d *Dispatcher) relayStream(in <-chan upstream.Chunk, marks *Marks) <-chan upstream.Chunk {
	out := make(chan upstream.Chunk, 64)

	go func() {
		defer close(out)

		for chunk := range in {
			if marks.FirstToken.IsZero() && chunk.Content != "" {
				marks.FirstToken = d.now()
			}
			out <- chunk
		}
		marks.BackendCallEnd = d.now()
	}()

	return out
}

// isTextPath reports whether the request path addresses the legacy text
// completion operation ("/completions" or "/v1/completions", but never the
// chat variants).
func isTextPath(path string) bool {
	return strings.HasSuffix(path, "/completions") && !strings.Contains(path, "/chat/")
}

func wrapUpstreamError(err error) error {
	var sc interface{ HTTPStatus() int }
	if errors.As(err, &sc) {
		return apierr.Upstream(sc.HTTPStatus(), err.Error())
	}
	return apierr.Upstream(0, err.Error())
}

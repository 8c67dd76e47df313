// Package credential caches per-(client,tenant) bearer-token providers for
// backends that authenticate with dynamically issued tokens.
//
// Providers are oauth2.TokenSource values acquired through the OAuth2 client
// credentials flow (Azure AD v2 token endpoint by default). An entry is
// reused while its expiry is at least 60 seconds away; closer than that it
// is treated as expired and replaced. Concurrent misses on the same key are
// collapsed into a single acquisition via singleflight, so at most one
// token-issuance call is ever in flight per key.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"
)

// expiryMargin is the safety window before actual expiry within which a
// cached provider is considered stale.
const expiryMargin = 60 * time.Second

// DefaultScope is the OAuth2 scope requested when none is configured.
const DefaultScope = "https://cognitiveservices.azure.com/.default"

// ErrInvalidConfig signals an incomplete client-credentials triple with no
// ambient fallback source configured.
var ErrInvalidConfig = errors.New("credential: client_id, tenant_id, and client_secret must all be provided")

// Issuer acquires a fresh token source for a client-credentials triple.
// The returned time is the expiry of the initially issued token.
type Issuer interface {
	Issue(ctx context.Context, clientID, tenantID, clientSecret string) (oauth2.TokenSource, time.Time, error)
}

// aadIssuer issues tokens from the Azure AD v2 token endpoint.
type aadIssuer struct {
	scope string
}

func (a aadIssuer) Issue(ctx context.Context, clientID, tenantID, clientSecret string) (oauth2.TokenSource, time.Time, error) {
	cfg := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", tenantID),
		Scopes:       []string{a.scope},
	}

	ts := cfg.TokenSource(ctx)

	// Acquire once eagerly so the expiry is known and auth failures surface
	// at acquisition time, not on the first upstream call.
	tok, err := ts.Token()
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("credential: acquire token: %w", err)
	}

	return oauth2.ReuseTokenSource(tok, ts), tok.Expiry, nil
}

type entry struct {
	source    oauth2.TokenSource
	expiresAt time.Time
}

// Cache is the credential provider cache. Safe for concurrent use.
type Cache struct {
	issuer   Issuer
	fallback oauth2.TokenSource
	now      func() time.Time
	log      *slog.Logger

	mu      sync.RWMutex
	entries map[string]entry

	group singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithIssuer replaces the default Azure AD issuer (used in tests and for
// non-AAD deployments).
func WithIssuer(i Issuer) Option {
	return func(c *Cache) { c.issuer = i }
}

// WithFallback sets the ambient token source used when a routing entry's
// client-credentials triple is incomplete. Without a fallback, incomplete
// credentials fail with ErrInvalidConfig.
func WithFallback(ts oauth2.TokenSource) Option {
	return func(c *Cache) { c.fallback = ts }
}

// WithClock overrides the time source (used in tests).
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Cache) { c.log = log }
}

// New creates a Cache that issues tokens for the given OAuth2 scope.
func New(scope string, opts ...Option) *Cache {
	if scope == "" {
		scope = DefaultScope
	}
	c := &Cache{
		issuer:  aadIssuer{scope: scope},
		now:     time.Now,
		log:     slog.Default(),
		entries: make(map[string]entry),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// TokenProvider returns a bearer-token provider for the given
// client-credentials triple.
//
// A cached provider whose expiry is at least 60s away is returned without
// any network call. Otherwise a fresh provider is acquired (concurrent
// misses on the same key collapse into one issuance) and the cache entry
// replaced. An incomplete triple falls back to the ambient source when one
// is configured, or fails with ErrInvalidConfig.
func (c *Cache) TokenProvider(ctx context.Context, clientID, tenantID, clientSecret string) (oauth2.TokenSource, error) {
	key := clientID + "_" + tenantID

	if ts, ok := c.fresh(key); ok {
		return ts, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// A racing request may have refreshed the entry while this one
		// waited for the flight slot.
		if ts, ok := c.fresh(key); ok {
			return ts, nil
		}

		if clientID == "" || tenantID == "" || clientSecret == "" {
			if c.fallback != nil {
				c.log.WarnContext(ctx, "incomplete client credentials, using ambient fallback",
					slog.String("cache_key", key),
				)
				return c.fallback, nil
			}
			return nil, ErrInvalidConfig
		}

		ts, expiresAt, err := c.issuer.Issue(ctx, clientID, tenantID, clientSecret)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.entries[key] = entry{source: ts, expiresAt: expiresAt}
		c.mu.Unlock()

		c.log.InfoContext(ctx, "credential provider acquired",
			slog.String("cache_key", key),
			slog.Time("expires_at", expiresAt),
		)

		return ts, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(oauth2.TokenSource), nil
}

// fresh returns the cached provider for key when its expiry is still outside
// the safety margin.
func (c *Cache) fresh(key string) (oauth2.TokenSource, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if e.expiresAt.Sub(c.now()) < expiryMargin {
		return nil, false
	}
	return e.source, true
}

// Len returns the number of cached providers (including stale ones awaiting
// replacement).
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/tenant-gateway/internal/credential"
	"github.com/nulpointcorp/tenant-gateway/internal/dispatch"
	"github.com/nulpointcorp/tenant-gateway/internal/identity"
	"github.com/nulpointcorp/tenant-gateway/internal/logger"
	"github.com/nulpointcorp/tenant-gateway/internal/metrics"
	"github.com/nulpointcorp/tenant-gateway/internal/proxy"
	"github.com/nulpointcorp/tenant-gateway/internal/ratelimit"
	"github.com/nulpointcorp/tenant-gateway/internal/registry"
	"github.com/nulpointcorp/tenant-gateway/internal/upstream"
	anthropicup "github.com/nulpointcorp/tenant-gateway/internal/upstream/anthropic"
	azureup "github.com/nulpointcorp/tenant-gateway/internal/upstream/azure"
	geminiup "github.com/nulpointcorp/tenant-gateway/internal/upstream/gemini"
	openaiup "github.com/nulpointcorp/tenant-gateway/internal/upstream/openaicompat"
)

// initInfra establishes optional external connections. Redis is only
// required when rate limiting is enabled; ClickHouse only when a sink
// address is configured.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Redis.URL != "" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	if a.cfg.ClickHouse.Addr != "" {
		a.log.Info("connecting to clickhouse", slog.String("addr", a.cfg.ClickHouse.Addr))

		sink, err := logger.NewClickHouseSink(ctx,
			a.cfg.ClickHouse.Addr,
			a.cfg.ClickHouse.Database,
			a.cfg.ClickHouse.Username,
			a.cfg.ClickHouse.Password,
		)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		a.chSink = sink
		a.log.Info("clickhouse connected")
	}

	return nil
}

// initRegistry loads the routing and user tables. A configured-but-missing
// file is fatal; empty paths start with empty tables.
func (a *App) initRegistry(_ context.Context) error {
	a.reg = registry.New()

	routes, err := a.reg.LoadRoutingTable(a.cfg.RoutingConfigPath)
	if err != nil {
		return fmt.Errorf("routing table: %w", err)
	}
	users, err := a.reg.LoadUserTable(a.cfg.UserConfigPath)
	if err != nil {
		return fmt.Errorf("user table: %w", err)
	}

	a.log.Info("registry loaded",
		slog.Int("models", len(routes)),
		slog.Int("users", len(users)),
	)
	return nil
}

// initServices creates the metrics emitter and the async request logger.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New(a.log)

	var sink logger.Sink
	if a.chSink != nil {
		sink = a.chSink
	}
	reqLogger, err := logger.New(ctx, a.log, sink)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = reqLogger

	return nil
}

// initServer wires the credential cache, dispatcher, backend clients, and
// HTTP server together.
func (a *App) initServer(_ context.Context) error {
	creds := credential.New(a.cfg.Credential.Scope, credential.WithLogger(a.log))

	upstreams := map[registry.Family]upstream.Client{
		registry.FamilyOpenAI:    openaiup.New("openai"),
		registry.FamilyAzure:     azureup.New(),
		registry.FamilyAnthropic: anthropicup.New(),
		registry.FamilyGemini:    geminiup.New(),
	}

	dispatcher := dispatch.New(dispatch.Options{
		Routes:    a.reg,
		Creds:     creds,
		Upstreams: upstreams,
		Logger:    a.log,
	})

	resolver := identity.NewResolver(a.cfg.MasterToken, a.reg)

	var rpm *ratelimit.RPMLimiter
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		rpm = ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit)
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	var ready func(ctx context.Context) bool
	if a.rdb != nil {
		ready = redisPinger(a.rdb)
	}

	a.srv = proxy.NewServer(proxy.Options{
		Dispatcher:    dispatcher,
		Resolver:      resolver,
		Models:        a.reg,
		Logger:        a.log,
		Metrics:       a.prom,
		RequestLogger: a.reqLogger,
		RPMLimiter:    rpm,
		Ready:         ready,
		CORSOrigins:   a.cfg.CORSOrigins,
	})

	return nil
}

// ABOUTME: Gateway orchestrator that wires the store, auth, dispatcher, and HTTP/gRPC servers
// ABOUTME: Owns listener setup (TCP or tailnet), the serve loop, and ordered graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/keepalive"

	"github.com/assessor-labs/mcpgate/internal/audit"
	"github.com/assessor-labs/mcpgate/internal/auth"
	"github.com/assessor-labs/mcpgate/internal/config"
	"github.com/assessor-labs/mcpgate/internal/dispatch"
	"github.com/assessor-labs/mcpgate/internal/mcp"
	"github.com/assessor-labs/mcpgate/internal/metrics"
	"github.com/assessor-labs/mcpgate/internal/ratelimit"
	"github.com/assessor-labs/mcpgate/internal/registry"
	"github.com/assessor-labs/mcpgate/internal/store"
	"github.com/assessor-labs/mcpgate/internal/tools"
)

// ShutdownTimeout bounds graceful shutdown, including the audit flush.
const ShutdownTimeout = 10 * time.Second

// Gateway owns every long-lived component of a running mcpgate.
type Gateway struct {
	config *config.Config
	logger *slog.Logger

	store      *store.SQLiteStore
	tokens     *auth.TokenService
	registry   *registry.Registry
	limiter    *ratelimit.Limiter
	exchange   *ratelimit.Limiter
	audit      *audit.Logger
	metrics    *metrics.Metrics
	dispatcher *dispatch.Dispatcher
	mcpServer  *mcp.Server

	health     *health.Server
	grpcServer *grpc.Server
	httpServer *http.Server
	tailnet    *tailnet

	shutdownOnce sync.Once
	shutdownErr  error
}

// initStore opens the SQLite store named by config.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// newAuditLogger builds the audit sink chain: the store always, plus an
// append-only JSONL file when configured.
func newAuditLogger(cfg *config.Config, s *store.SQLiteStore, onHealth func(bool), logger *slog.Logger) (*audit.Logger, error) {
	var sink audit.Sink = audit.NewStoreSink(s)
	if cfg.Audit.FilePath != "" {
		file, err := audit.NewFileSink(cfg.Audit.FilePath)
		if err != nil {
			return nil, fmt.Errorf("opening audit file: %w", err)
		}
		sink = audit.NewMultiSink(sink, file)
		logger.Info("audit file sink enabled", "path", file.Path())
	}

	return audit.NewLogger(sink, audit.Config{
		BufferLimit:    cfg.Audit.BufferLimit,
		OnHealthChange: onHealth,
		Logger:         logger,
	}), nil
}

// createGRPCServer creates the gRPC server carrying the health service.
func createGRPCServer(hs *health.Server) *grpc.Server {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	registerHealth(server, hs)
	return server
}

// New creates a Gateway from configuration. Nothing listens until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	gw := &Gateway{
		config: cfg,
		logger: logger.With("component", "gateway"),
		store:  s,
		health: health.NewServer(),
	}
	if err := gw.build(logger); err != nil {
		gw.closeComponents(context.Background())
		return nil, err
	}
	return gw, nil
}

func (g *Gateway) build(logger *slog.Logger) error {
	cfg := g.config

	credentials := auth.NewCredentials(g.store)
	g.tokens = auth.NewTokenService(auth.TokenServiceConfig{
		Secret: []byte(cfg.Auth.JWTSecret),
		Issuer: cfg.Auth.Issuer,
		TTL:    cfg.Auth.TokenTTL,
	}, credentials)
	clientIP, err := auth.NewClientIPResolver(cfg.Server.TrustProxyHeaders, cfg.Server.TrustedProxies)
	if err != nil {
		return err
	}
	authenticator := auth.NewAuthenticator(g.tokens, credentials, g.store, auth.AuthenticatorConfig{
		RevocationCheck: cfg.Auth.RevocationCheckEnabled(),
		ClientIP:        clientIP,
	})

	reg, err := registry.New(tools.New(g.store, g.store, logger).Definitions()...)
	if err != nil {
		return fmt.Errorf("building tool registry: %w", err)
	}
	g.registry = reg

	g.limiter = ratelimit.New(ratelimit.Config{
		Limit:      cfg.RateLimit.Requests,
		Window:     cfg.RateLimit.Window,
		Cooldown:   cfg.RateLimit.Cooldown,
		MaxBackoff: cfg.RateLimit.MaxBackoff,
		IdleTTL:    cfg.RateLimit.IdleTTL,
	})
	g.exchange = ratelimit.New(ratelimit.Config{
		Limit:      cfg.RateLimit.ExchangeRequests,
		Window:     cfg.RateLimit.Window,
		Cooldown:   cfg.RateLimit.Cooldown,
		MaxBackoff: cfg.RateLimit.MaxBackoff,
		IdleTTL:    cfg.RateLimit.IdleTTL,
	})

	g.audit, err = newAuditLogger(cfg, g.store, g.setServing, logger)
	if err != nil {
		return err
	}

	dcfg := dispatch.Config{
		HandlerTimeout:  cfg.Dispatch.HandlerTimeout,
		ExchangeLimiter: g.exchange,
		Tokens:          g.tokens,
		Logger:          logger,
	}
	if cfg.Metrics.Enabled {
		if err := g.initMetrics(); err != nil {
			return err
		}
		dcfg.Recorder = g.metrics
	}
	g.dispatcher = dispatch.New(reg, g.audit, g.limiter, dcfg)

	g.mcpServer, err = mcp.NewServer(mcp.Config{
		Dispatcher:    g.dispatcher,
		Authenticator: authenticator,
		ClientIP:      clientIP,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	if cfg.Server.GRPCAddr != "" || cfg.Tailscale.Enabled {
		g.grpcServer = createGRPCServer(g.health)
	}
	g.setServing(true)

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.logger.Info("gateway configured",
		"tools", reg.Len(),
		"rate_limit", cfg.RateLimit.Requests,
		"rate_window", cfg.RateLimit.Window,
		"revocation_check", cfg.Auth.RevocationCheckEnabled(),
		"metrics", cfg.Metrics.Enabled,
	)
	return nil
}

func (g *Gateway) initMetrics() error {
	m, err := metrics.New()
	if err != nil {
		return fmt.Errorf("creating metrics: %w", err)
	}
	g.metrics = m

	gauges := []struct {
		name, desc string
		fn         func() int64
	}{
		{"mcpgate.audit.backlog", "Audit writes waiting for the sink", func() int64 { return int64(g.audit.Backlog()) }},
		{"mcpgate.audit.dropped", "Audit writes abandoned at shutdown", g.audit.Dropped},
		{"mcpgate.ratelimit.identities", "Identities tracked by the request limiter", func() int64 { return int64(g.limiter.Len()) }},
	}
	for _, gauge := range gauges {
		if err := m.Gauge(gauge.name, gauge.desc, gauge.fn); err != nil {
			return fmt.Errorf("registering %s: %w", gauge.name, err)
		}
	}
	return nil
}

// Handler returns the HTTP handler serving the API, health, and metrics routes.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)
	g.mcpServer.RegisterRoutes(mux)
	if g.metrics != nil {
		mux.Handle(g.config.Metrics.Path, g.metrics.Handler())
	}
	return mux
}

// listen opens the health and API listeners: on the tailnet when tailscale is
// enabled, otherwise on the configured TCP addresses. healthLn is nil when no
// gRPC health address is configured.
func (g *Gateway) listen(ctx context.Context) (healthLn, apiLn net.Listener, err error) {
	srv := g.config.Server
	if g.config.Tailscale.Enabled {
		if srv.GRPCAddr != "" || srv.HTTPAddr != "" {
			g.logger.Warn("server addresses are ignored while tailscale is enabled",
				"grpc_addr", srv.GRPCAddr, "http_addr", srv.HTTPAddr)
		}
		g.tailnet = newTailnet(g.config.Tailscale, g.logger)
		return g.tailnet.listen(ctx)
	}

	if g.grpcServer != nil {
		if healthLn, err = net.Listen("tcp", srv.GRPCAddr); err != nil {
			return nil, nil, fmt.Errorf("listening for gRPC health on %s: %w", srv.GRPCAddr, err)
		}
	}
	if apiLn, err = net.Listen("tcp", srv.HTTPAddr); err != nil {
		if healthLn != nil {
			_ = healthLn.Close()
		}
		return nil, nil, fmt.Errorf("listening for HTTP on %s: %w", srv.HTTPAddr, err)
	}
	return healthLn, apiLn, nil
}

// Run starts the servers and blocks until ctx is canceled or a server fails.
// Shutdown always runs before Run returns.
func (g *Gateway) Run(ctx context.Context) error {
	healthLn, apiLn, err := g.listen(ctx)
	if err != nil {
		return err
	}
	return g.Serve(ctx, healthLn, apiLn)
}

// Serve runs the servers on the given listeners. grpcLn may be nil.
func (g *Gateway) Serve(ctx context.Context, grpcLn, httpLn net.Listener) error {
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	if grpcLn != nil && g.grpcServer != nil {
		eg.Go(func() error {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				return fmt.Errorf("gRPC server: %w", err)
			}
			return nil
		})
	}

	eg.Go(func() error {
		<-egCtx.Done()
		if ctx.Err() != nil {
			g.logger.Info("context canceled, initiating shutdown")
		}
		return g.gracefulShutdown()
	})

	return eg.Wait()
}

// gracefulShutdown performs shutdown with a fresh context and timeout, since
// the serve context is already canceled by the time it runs.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	if g.grpcServer == nil {
		return
	}
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting requests, flushes the audit trail, and releases
// resources. Safe to call more than once; later calls return the first result.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.logger.Info("shutting down gateway")
		g.health.Shutdown()

		var errs []error
		if g.httpServer != nil {
			errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
		}
		g.shutdownGRPCServer(ctx)

		errs = append(errs, g.closeComponents(ctx)...)
		if len(errs) > 0 {
			g.shutdownErr = fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
		}
	})
	return g.shutdownErr
}

// closeComponents releases everything New created, in dependency order:
// the audit logger flushes into the store before the store closes.
func (g *Gateway) closeComponents(ctx context.Context) []error {
	var errs []error
	if g.audit != nil {
		errs = appendCloseError(errs, "audit flush", g.audit.Close(ctx))
	}
	if g.limiter != nil {
		g.limiter.Close()
	}
	if g.exchange != nil {
		g.exchange.Close()
	}
	if g.metrics != nil {
		errs = appendCloseError(errs, "metrics shutdown", g.metrics.Shutdown(ctx))
	}
	errs = appendCloseError(errs, "tailscale shutdown", g.tailnet.Close())
	if g.store != nil {
		errs = appendCloseError(errs, "store close", g.store.Close())
	}
	return errs
}

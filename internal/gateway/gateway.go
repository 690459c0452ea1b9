// ABOUTME: Gateway orchestrator that wires the store, manager, presence and bridge
// ABOUTME: Runs the HTTP server and background loops under one errgroup

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/pulse-gateway/internal/auth"
	"github.com/2389/pulse-gateway/internal/bridge"
	"github.com/2389/pulse-gateway/internal/config"
	"github.com/2389/pulse-gateway/internal/dispatch"
	"github.com/2389/pulse-gateway/internal/metrics"
	"github.com/2389/pulse-gateway/internal/presence"
	"github.com/2389/pulse-gateway/internal/ratelimit"
	"github.com/2389/pulse-gateway/internal/room"
	"github.com/2389/pulse-gateway/internal/store"
)

const shutdownTimeout = 5 * time.Second

// Gateway owns every server component of pulse-gateway.
type Gateway struct {
	config     *config.Config
	manager    *Manager
	store      *store.SQLiteStore
	dispatcher *dispatch.Dispatcher
	notifier   *dispatch.Notifier
	metrics    *metrics.Collector
	httpServer *http.Server
	logger     *slog.Logger

	// presence is nil when no Redis address is configured
	presence *presence.RedisTracker

	// bridge is nil when no NATS URL is configured
	bridge *bridge.Bridge

	// serverID identifies this gateway instance
	serverID  string
	startedAt time.Time

	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a Gateway from cfg. External services that are configured
// must be reachable.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	validator, err := auth.NewJWTValidator([]byte(cfg.Auth.JWTSecret),
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithClaimNames(claimNames(cfg.Auth)),
	)
	if err != nil {
		return nil, fmt.Errorf("creating token validator: %w", err)
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	gw := &Gateway{
		config:    cfg,
		store:     s,
		metrics:   metrics.New(),
		logger:    logger.With("component", "gateway"),
		serverID:  generateServerID(),
		startedAt: time.Now(),
	}

	var tracker presence.Tracker = presence.Nop{}
	if cfg.Presence.RedisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		rt, err := presence.NewRedisTracker(ctx, presence.Options{
			Addr:       cfg.Presence.RedisAddr,
			Password:   cfg.Presence.RedisPassword,
			DB:         cfg.Presence.RedisDB,
			KeyPrefix:  cfg.Presence.KeyPrefix,
			TTL:        cfg.Presence.TTL,
			InstanceID: gw.serverID,
		}, logger)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		gw.presence = rt
		tracker = rt
	}

	gw.manager = NewManager(ManagerConfig{
		Validator: validator,
		Policy:    cfg.Policy(),
		RateLimit: rateLimitConfig(cfg.RateLimit),

		HeartbeatTimeout:       cfg.Sessions.HeartbeatTimeout,
		HeartbeatCheckInterval: cfg.Sessions.HeartbeatCheckInterval,

		Notifications: s,
		Presence:      tracker,
		Metrics:       gw.metrics,
		Logger:        logger,
	})
	gw.dispatcher = dispatch.New(gw.manager.Router())
	gw.notifier = dispatch.NewNotifier(s, gw.dispatcher)

	if cfg.Bridge.NATSURL != "" {
		b := bridge.New(bridge.Config{
			URL:        cfg.Bridge.NATSURL,
			Subject:    cfg.Bridge.Subject,
			QueueGroup: cfg.Bridge.QueueGroup,
			Name:       gw.serverID,
			DedupeSize: cfg.Bridge.DedupeSize,
			DedupeTTL:  cfg.Bridge.DedupeTTL,
		}, gw.dispatcher, gw.notifier, gw.metrics, logger)
		if err := b.Connect(); err != nil {
			gw.closeComponents()
			return nil, err
		}
		gw.bridge = b
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(validator),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

func claimNames(cfg config.AuthConfig) auth.ClaimNames {
	names := auth.DefaultClaimNames
	if cfg.RoleClaim != "" {
		names.Role = cfg.RoleClaim
	}
	if cfg.OrgClaim != "" {
		names.Org = cfg.OrgClaim
	}
	return names
}

func rateLimitConfig(cfg config.RateLimitConfig) ratelimit.Config {
	return ratelimit.Config{
		Window:        cfg.Window,
		MaxEvents:     cfg.MaxEvents,
		SweepInterval: cfg.SweepInterval,
		IdleTTL:       cfg.IdleTTL,
	}
}

// routes builds the HTTP handler tree.
func (g *Gateway) routes(validator auth.Validator) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /ws", newWSHandler(g.manager, g.config.Server.AllowedOrigins, wsOptions{
		WriteTimeout:    g.config.Server.WriteTimeout,
		PingInterval:    g.config.Server.PingInterval,
		MaxMessageBytes: g.config.Server.MaxMessageBytes,
		SendQueueSize:   g.config.Server.SendQueueSize,
	}, g.config.Server.HandshakeTimeout, g.logger))

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	statsRoles := g.manager.Router().Policy()[room.ChannelMetrics]
	mux.Handle("GET /api/stats",
		auth.BearerMiddleware(validator)(auth.RequireRoles(statsRoles...)(http.HandlerFunc(g.handleStats))))

	if g.config.Metrics.Enabled {
		mux.Handle("GET "+g.config.Metrics.Path, g.metrics.Handler())
	}
	return mux
}

// Handler returns the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Manager returns the connection manager.
func (g *Gateway) Manager() *Manager {
	return g.manager
}

// Dispatcher returns the dispatch facade for business services.
func (g *Gateway) Dispatcher() *dispatch.Dispatcher {
	return g.dispatcher
}

// Notifier returns the notification service.
func (g *Gateway) Notifier() *dispatch.Notifier {
	return g.notifier
}

// ServerID returns this instance's identifier.
func (g *Gateway) ServerID() string {
	return g.serverID
}

// Run serves HTTP and runs the background loops until ctx is canceled or
// one of them fails, then shuts down.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.config.Server.HTTPAddr, err)
	}
	return g.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	g.logger.Info("starting gateway",
		"server_id", g.serverID,
		"http_addr", ln.Addr().String(),
		"presence", g.presence != nil,
		"bridge", g.bridge != nil,
		"metrics", g.config.Metrics.Enabled,
	)

	eg, gctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	eg.Go(func() error { return g.manager.RunHeartbeatMonitor(gctx) })
	eg.Go(func() error { return g.manager.RunRateLimitSweep(gctx) })
	if g.presence != nil {
		eg.Go(func() error { return g.presence.Run(gctx, g.manager.ConnectedUsers) })
	}
	if g.bridge != nil {
		eg.Go(func() error { return g.bridge.Run(gctx) })
	}

	eg.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			g.logger.Info("context canceled, initiating shutdown")
		}
		return g.gracefulShutdown()
	})

	return eg.Wait()
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The caller's context is already canceled at this point.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// closeComponents closes the store and the optional external clients.
func (g *Gateway) closeComponents() []error {
	var errs []error
	if g.bridge != nil {
		errs = appendCloseError(errs, "bridge close", g.bridge.Close())
	}
	if g.presence != nil {
		errs = appendCloseError(errs, "presence close", g.presence.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())
	return errs
}

// Shutdown disconnects every client, stops the HTTP server and closes all
// components. Calls after the first return the first result.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.logger.Info("shutting down gateway", "connections", g.manager.Registry().ConnectionCount())

		// Websocket connections are hijacked and not tracked by the HTTP server.
		g.manager.CloseAll(ReasonShutdown)

		var errs []error
		errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
		errs = append(errs, g.closeComponents()...)

		if len(errs) > 0 {
			g.shutdownErr = fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
		}
	})
	return g.shutdownErr
}

// generateServerID creates a unique identifier for this gateway instance.
func generateServerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "pulse-gateway"
	}
	return fmt.Sprintf("%s-%d", host, time.Now().UnixNano()%1000000)
}

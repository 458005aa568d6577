// ABOUTME: Main gateway orchestrator wiring the relay, agent sessions and HTTP API
// ABOUTME: Owns the listeners, background loops and graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yuin/goldmark"
	"golang.org/x/sync/errgroup"
	"tailscale.com/tsnet"

	"github.com/2389/cohora-gateway/internal/auth"
	"github.com/2389/cohora-gateway/internal/builtins"
	"github.com/2389/cohora-gateway/internal/config"
	"github.com/2389/cohora-gateway/internal/conversation"
	"github.com/2389/cohora-gateway/internal/mcp"
	"github.com/2389/cohora-gateway/internal/metrics"
	"github.com/2389/cohora-gateway/internal/model"
	"github.com/2389/cohora-gateway/internal/providers"
	"github.com/2389/cohora-gateway/internal/relay"
	"github.com/2389/cohora-gateway/internal/relayclient"
	"github.com/2389/cohora-gateway/internal/session"
	"github.com/2389/cohora-gateway/internal/store"
	"github.com/2389/cohora-gateway/internal/tools"
	"github.com/2389/cohora-gateway/internal/users"
)

// Gateway is the main cohora-gateway server.
type Gateway struct {
	config       *config.Config
	store        store.Store
	users        *users.Registry
	metrics      *metrics.Metrics
	manager      *relay.Manager
	router       *relay.Router
	heartbeat    *relay.HeartbeatMonitor
	tools        *tools.Registry
	conversation *conversation.Service
	mcp          *mcp.Server
	verifier     *auth.JWTVerifier // nil when no secret is configured
	limiter      *senderLimiter
	markdown     goldmark.Markdown
	httpServer   *http.Server
	tsnetServer  *tsnet.Server
	logger       *slog.Logger

	// serveCtx outlives requests; hijacked websocket connections use it.
	serveCtx    context.Context
	stopServing context.CancelFunc
	draining    atomic.Bool
	shutdown    sync.Once
	shutdownErr error
}

type options struct {
	store       store.Store
	model       model.Model
	initializer tools.Initializer
}

// Option overrides a component New would otherwise build from config.
type Option func(*options)

// WithStore uses s instead of opening the configured SQLite database.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithModel uses m instead of the configured chat completions endpoint.
func WithModel(m model.Model) Option {
	return func(o *options) { o.model = m }
}

// WithToolInitializer replaces the MCP provider adapter.
func WithToolInitializer(init tools.Initializer) Option {
	return func(o *options) { o.initializer = init }
}

// initStore opens the SQLite store at the configured path.
func initStore(cfg *config.Config) (store.Store, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("creating store: %w", err)
	}
	return s, nil
}

// New creates a new Gateway instance with all components wired together.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s := o.store
	if s == nil {
		var err error
		if s, err = initStore(cfg); err != nil {
			return nil, err
		}
	}

	var verifier *auth.JWTVerifier
	var frameTokens relay.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		v, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		verifier, frameTokens = v, v
	}

	registry := users.NewRegistry(s, logger)
	if err := registry.Load(context.Background()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("loading users: %w", err)
	}

	var mtr *metrics.Metrics
	if cfg.Metrics.Enabled {
		mtr = metrics.New()
	}

	manager := relay.NewManager(registry, relay.ManagerOptions{
		AuthTimeout: cfg.Relay.AuthTimeout,
		Metrics:     mtr,
		Tokens:      frameTokens,
	}, logger)
	router := relay.NewRouter(manager, registry, relay.RouterOptions{
		MaxPending: cfg.Relay.MaxPending,
		PendingTTL: cfg.Relay.PendingTTL,
		Metrics:    mtr,
	}, logger)
	mtr.RegisterPendingGauge(router.PendingCount)

	initializer := o.initializer
	if initializer == nil {
		initializer = providers.NewAdapter(logger)
	}
	toolRegistry := tools.NewRegistry(initializer, tools.RegistryOptions{
		InitTimeout: cfg.Tools.ProviderInitTimeout,
		MaxParallel: cfg.Tools.MaxParallelInit,
		Metrics:     mtr,
	}, logger)
	if err := builtins.Register(toolRegistry, builtins.Deps{
		Sender:        router,
		Directory:     registry,
		Presence:      manager,
		ListenTimeout: cfg.Tools.ListenTimeout,
	}); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("registering builtin tools: %w", err)
	}

	m := o.model
	if m == nil {
		m = model.NewClient(model.Config{
			BaseURL:     cfg.Model.BaseURL,
			APIKey:      cfg.Model.APIKey,
			Model:       cfg.Model.Model,
			MaxTokens:   cfg.Model.MaxTokens,
			Temperature: cfg.Model.Temperature,
			MaxRetries:  cfg.Model.MaxRetries,
		}, logger)
	}

	inbox := conversation.LocalInbox(manager, relayclient.Options{
		HeartbeatInterval: inboxHeartbeatInterval(cfg.Relay),
		Logger:            logger,
	})
	convService := conversation.New(conversation.Deps{
		Store:    s,
		Users:    registry,
		Tools:    toolRegistry,
		Model:    m,
		Inbox:    inbox,
		Requeuer: router,
		Session: session.Options{
			StepBudget:  cfg.Session.StepBudget,
			TurnTimeout: cfg.Session.TurnTimeout,
			Metrics:     mtr,
		},
		Providers: conversation.ProviderPolicy{
			AllowStdio:    cfg.Tools.AllowStdioProviders,
			StdioCommands: cfg.Tools.StdioCommands,
		},
	}, logger)

	mcpServer, err := mcp.NewServer(mcp.Config{
		Tools:   toolRegistry.Builtins(),
		Inbox:   convService,
		Metrics: mtr,
		Logger:  logger,
	})
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("creating MCP server: %w", err)
	}

	serveCtx, stopServing := context.WithCancel(context.Background())
	gw := &Gateway{
		config:       cfg,
		store:        s,
		users:        registry,
		metrics:      mtr,
		manager:      manager,
		router:       router,
		heartbeat:    relay.NewHeartbeatMonitor(manager, cfg.Relay.HeartbeatInterval, cfg.Relay.HeartbeatTimeout, mtr, logger),
		tools:        toolRegistry,
		conversation: convService,
		mcp:          mcpServer,
		verifier:     verifier,
		limiter:      newSenderLimiter(cfg.Relay.SendRate, cfg.Relay.SendBurst),
		markdown:     goldmark.New(),
		logger:       logger,
		serveCtx:     serveCtx,
		stopServing:  stopServing,
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// routes builds the HTTP mux.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()
	requireUser := auth.Middleware(g.users, g.tokenVerifier(), g.authOptions())

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	mux.HandleFunc("POST /api/users/create", g.handleCreateUser)
	mux.HandleFunc("GET /api/users/list", g.handleListUsers)
	mux.Handle("POST /api/messages/send", requireUser(http.HandlerFunc(g.handleSendMessage)))
	mux.HandleFunc("GET /ws", g.handleWebSocket)

	mux.Handle("POST /api/chat", requireUser(http.HandlerFunc(g.handleChat)))
	mux.Handle("GET /api/chat", requireUser(http.HandlerFunc(g.handleListChats)))
	mux.Handle("GET /api/chat/{id}", requireUser(http.HandlerFunc(g.handleGetChat)))
	mux.Handle("GET /api/usage", requireUser(http.HandlerFunc(g.handleUsage)))
	mux.Handle("/mcp", requireUser(g.mcp))

	mux.Handle("POST /api/providers", requireUser(http.HandlerFunc(g.handleCreateProvider)))
	mux.Handle("GET /api/providers", requireUser(http.HandlerFunc(g.handleListProviders)))
	mux.Handle("DELETE /api/providers/{id}", requireUser(http.HandlerFunc(g.handleDeleteProvider)))

	if g.metrics != nil {
		mux.Handle("GET "+g.config.Metrics.Path, g.metrics.Handler())
	}
	return mux
}

// tokenVerifier returns the verifier as an interface, keeping a nil pointer nil.
func (g *Gateway) tokenVerifier() auth.TokenVerifier {
	if g.verifier == nil {
		return nil
	}
	return g.verifier
}

// authOptions makes the bearer token mandatory once a secret is configured.
func (g *Gateway) authOptions() auth.Options {
	return auth.Options{RequireToken: g.verifier != nil}
}

// inboxHeartbeatInterval keeps in-process inboxes well inside the heartbeat
// timeout so a listening session is never evicted as silent.
func inboxHeartbeatInterval(cfg config.RelayConfig) time.Duration {
	return cfg.HeartbeatTimeout / 3
}

// Handler returns the HTTP handler serving every gateway endpoint.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// setupTCPListener creates the plain TCP listener for HTTP.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", g.config.Server.HTTPAddr,
			)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// Run starts the HTTP server, the heartbeat monitor and the pending queue
// janitor, and blocks until ctx is canceled or one of them fails.
// Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}
	return g.Serve(ctx, ln)
}

// Serve runs the gateway on an existing listener.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	grp, gctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		g.heartbeat.Run(gctx)
		return nil
	})
	grp.Go(func() error {
		g.router.Run(gctx)
		return nil
	})
	grp.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	<-gctx.Done()
	if ctx.Err() != nil {
		g.logger.Info("context canceled, initiating shutdown")
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr := grp.Wait(); serverErr != nil {
		g.logger.Error("server error", "error", serverErr)
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
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

// Shutdown stops accepting requests, closes every relay connection and
// releases the store. Pending messages are not persisted. It is safe to call
// more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdown.Do(func() {
		g.logger.Info("shutting down gateway", "connections", g.manager.Count(), "pending", g.router.PendingCount())
		g.draining.Store(true)

		var errs []error
		errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

		g.stopServing()
		g.manager.Shutdown()

		if g.tsnetServer != nil {
			errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
		}
		errs = appendCloseError(errs, "store close", g.store.Close())

		if len(errs) > 0 {
			g.shutdownErr = fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
		}
	})
	return g.shutdownErr
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK until shutdown begins.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if g.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("shutting down"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d users, %d connected)", g.users.Count(), g.manager.Count())
}

// ABOUTME: Relay server that wires the turn core to its HTTP transport and collaborators
// ABOUTME: Manages the store, pool, buffers, submitter, scheduler, and listener lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/backend"
	"github.com/2389/coven-relay/internal/buffer"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/conversation"
	"github.com/2389/coven-relay/internal/pool"
	"github.com/2389/coven-relay/internal/relay"
	"github.com/2389/coven-relay/internal/runner"
	"github.com/2389/coven-relay/internal/schedule"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/submit"
)

// retentionInterval is how often old submission and turn records are pruned.
const retentionInterval = time.Hour

// Gateway orchestrates the coven-relay server components.
type Gateway struct {
	config       *config.Config
	store        *store.SQLiteStore
	pool         *pool.Pool
	registry     *buffer.Registry
	conversation *conversation.Service
	activity     *conversation.ActivityBroadcaster
	submitter    *submit.Submitter
	scheduler    *schedule.Scheduler
	handler      http.Handler
	httpServer   *http.Server
	tsnetServer  *tsnet.Server
	logger       *slog.Logger
	startedAt    time.Time
	relayOpts    relay.Options

	// stopRequests cancels the base context of every in-flight HTTP request
	stopRequests context.CancelFunc
}

// newBackend builds the execution backend selected by configuration.
func newBackend(cfg config.BackendConfig, logger *slog.Logger) backend.Backend {
	if cfg.Type == config.BackendProcess {
		return backend.NewProcessBackend(cfg.Command, cfg.Args, cfg.Env, logger)
	}
	return backend.NewEchoBackend(cfg.Delay)
}

// New creates a gateway from configuration, opening the store and backend.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	sqlStore, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("creating store: %w", err)
	}

	gw, err := newGateway(cfg, sqlStore, newBackend(cfg.Backend, logger), logger)
	if err != nil {
		sqlStore.Close()
		return nil, err
	}
	return gw, nil
}

// newGateway assembles the components around an already-open store and backend.
func newGateway(cfg *config.Config, sqlStore *store.SQLiteStore, b backend.Backend, logger *slog.Logger) (*Gateway, error) {
	p := pool.New(b, pool.Options{
		IdleTimeout:   cfg.Pool.IdleTimeout,
		SweepInterval: cfg.Pool.SweepInterval,
		Logger:        logger,
	})
	registry := buffer.NewRegistry(buffer.RegistryOptions{
		TTL:        cfg.Buffers.TTL,
		GCInterval: cfg.Buffers.GCInterval,
		Logger:     logger,
	})
	r := runner.New(p, registry, logger)
	activity := conversation.NewActivityBroadcaster(logger)

	gw := &Gateway{
		config:    cfg,
		store:     sqlStore,
		pool:      p,
		registry:  registry,
		activity:  activity,
		logger:    logger.With("component", "gateway"),
		startedAt: time.Now(),
		relayOpts: relay.Options{
			WaitTimeout: cfg.Buffers.WaitTimeout,
			Heartbeats:  cfg.Buffers.Heartbeats,
		},
	}

	gw.conversation = conversation.New(p, registry, r, conversation.Options{
		Settings:          sqlStore,
		Titles:            sqlStore,
		Turns:             sqlStore,
		Activity:          activity,
		DefaultWorkingDir: cfg.Backend.WorkingDir,
		DefaultModel:      cfg.Backend.Model,
		Relay:             gw.relayOpts,
		Logger:            logger,
	})

	gw.submitter = submit.New(p, registry, r, submit.Options{
		Concurrency: cfg.Submissions.Concurrency,
		MaxRuntime:  cfg.Submissions.MaxRuntime,
		DedupeTTL:   cfg.Submissions.DedupeTTL,
		MaxHistory:  cfg.Submissions.MaxHistory,
		Recorder:    sqlStore,
		Logger:      logger,
	})

	schedules := make([]schedule.Schedule, 0, len(cfg.Schedules))
	for _, s := range cfg.Schedules {
		workingDir := s.WorkingDir
		if workingDir == "" {
			workingDir = cfg.Backend.WorkingDir
		}
		model := s.Model
		if model == "" {
			model = cfg.Backend.Model
		}
		schedules = append(schedules, schedule.Schedule{
			ID:         s.ID,
			Interval:   s.Interval,
			Prompt:     s.Prompt,
			WorkingDir: workingDir,
			Model:      model,
			Tools:      s.Tools,
			MaxRuntime: s.MaxRuntime,
			RunOnStart: s.RunOnStart,
		})
	}
	scheduler, err := schedule.New(gw.submitter, schedules, logger)
	if err != nil {
		return nil, fmt.Errorf("creating scheduler: %w", err)
	}
	gw.scheduler = scheduler

	gw.handler = gw.routes()
	return gw, nil
}

// routes registers every HTTP route. /health is always public; /api requires
// a bearer token unless auth is disabled.
func (g *Gateway) routes() http.Handler {
	api := http.NewServeMux()

	api.HandleFunc("GET /api/conversations", g.handleListConversations)
	api.HandleFunc("GET /api/conversations/{id}", g.handleGetConversation)
	api.HandleFunc("PUT /api/conversations/{id}", g.handlePutConversation)
	api.HandleFunc("DELETE /api/conversations/{id}", g.handleDeleteConversation)
	api.HandleFunc("POST /api/conversations/{id}/messages", g.handleSendMessage)
	api.HandleFunc("GET /api/conversations/{id}/stream", g.handleStream)
	api.HandleFunc("GET /api/conversations/{id}/status", g.handleStatus)
	api.HandleFunc("POST /api/conversations/{id}/abort", g.handleAbort)
	api.HandleFunc("POST /api/conversations/{id}/disconnect", g.handleDisconnect)
	api.HandleFunc("GET /api/conversations/{id}/turns", g.handleListTurns)
	api.HandleFunc("GET /api/usage", g.handleUsage)

	api.HandleFunc("POST /api/submissions", g.handleCreateSubmission)
	api.HandleFunc("GET /api/submissions", g.handleListSubmissions)
	api.HandleFunc("GET /api/submissions/{id}", g.handleGetSubmission)
	api.HandleFunc("POST /api/submissions/{id}/abort", g.handleAbortSubmission)
	api.HandleFunc("POST /api/schedules/{id}/fire", g.handleFireSchedule)

	var active http.Handler = http.HandlerFunc(g.handleActive)
	var activeStream http.Handler = http.HandlerFunc(g.handleActivityStream)
	if !g.config.Auth.Disabled {
		active = auth.RequireRole(auth.RoleAdmin)(active)
		activeStream = auth.RequireRole(auth.RoleAdmin)(activeStream)
	}
	api.Handle("GET /api/active", active)
	api.Handle("GET /api/active/stream", activeStream)

	var apiHandler http.Handler = api
	if !g.config.Auth.Disabled {
		var opts []auth.VerifierOption
		if g.config.Auth.Issuer != "" {
			opts = append(opts, auth.WithIssuer(g.config.Auth.Issuer))
		}
		verifier := auth.NewJWTVerifier([]byte(g.config.Auth.JWTSecret), opts...)
		apiHandler = auth.HTTPAuthMiddleware(verifier, g.logger)(api)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.Handle("/api/", apiHandler)
	return mux
}

// Handler returns the HTTP handler serving the relay API.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// setupTCPListener creates the standard TCP listener for HTTP.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting relay", "http_addr", g.config.Server.HTTPAddr)

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
				"http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// Run starts serving and the background sweepers, and blocks until ctx is
// canceled or a component fails. Shutdown runs in both cases.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	baseCtx, stopRequests := context.WithCancel(context.Background())
	g.stopRequests = stopRequests
	g.httpServer = &http.Server{
		Handler:           g.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	eg.Go(func() error { return g.pool.Run(egCtx) })
	eg.Go(func() error { return g.registry.Run(egCtx) })
	eg.Go(func() error { return g.scheduler.Run(egCtx) })
	eg.Go(func() error { return g.runRetention(egCtx) })
	eg.Go(func() error {
		<-egCtx.Done()
		g.logger.Info("context canceled, initiating shutdown")
		return g.gracefulShutdown()
	})

	return eg.Wait()
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), g.config.Server.ShutdownTimeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// runRetention prunes submission and turn records older than database.retention.
func (g *Gateway) runRetention(ctx context.Context) error {
	retention := g.config.Database.Retention
	if retention <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()
	for {
		cutoff := time.Now().Add(-retention)
		if _, err := g.store.PruneSubmissions(ctx, cutoff); err != nil && ctx.Err() == nil {
			g.logger.Warn("pruning submissions failed", "error", err)
		}
		if _, err := g.store.PruneTurns(ctx, cutoff); err != nil && ctx.Err() == nil {
			g.logger.Warn("pruning turns failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "coven-relay", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener starts a tsnet node and listens on it.
// With funnel enabled the relay is served publicly over HTTPS on :443;
// otherwise it is tailnet-only on :80.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	if tsCfg.Funnel {
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel: %w", err)
		}
		return ln, nil
	}

	ln, err := g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting requests, cancels running turns and submissions,
// releases every handle, and closes the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down relay")

	var errs []error
	if g.stopRequests != nil {
		// Streams end with their request context; turns keep running until cancelled below.
		g.stopRequests()
	}
	if g.httpServer != nil {
		errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	}

	errs = appendCloseError(errs, "submitter shutdown", g.submitter.Shutdown(ctx))
	errs = appendCloseError(errs, "buffer shutdown", g.registry.Shutdown(ctx))
	errs = appendCloseError(errs, "turn watchers", g.conversation.Wait(ctx))
	g.pool.Close(ctx)
	g.activity.Close()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

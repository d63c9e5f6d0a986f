// ABOUTME: Gateway orchestrator that coordinates the HTTP and gRPC servers
// ABOUTME: Wires the registry, invoker, dispatch handler, history, metrics and health lifecycle

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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/keepalive"

	"github.com/palasangha/pala-platform-sub010/internal/agent"
	"github.com/palasangha/pala-platform-sub010/internal/config"
	"github.com/palasangha/pala-platform-sub010/internal/dedupe"
	"github.com/palasangha/pala-platform-sub010/internal/dispatch"
	"github.com/palasangha/pala-platform-sub010/internal/events"
	"github.com/palasangha/pala-platform-sub010/internal/mcp"
	"github.com/palasangha/pala-platform-sub010/internal/metrics"
	"github.com/palasangha/pala-platform-sub010/internal/store"
	"github.com/palasangha/pala-platform-sub010/internal/tools"
)

// Gateway orchestrates the broker server components.
type Gateway struct {
	config *config.Config
	logger *slog.Logger

	bus          *events.Broadcaster
	registry     *tools.Registry
	invoker      *tools.Invoker
	agentManager *agent.Manager
	dispatch     *dispatch.Handler

	// store is nil when invocation history is disabled
	store  store.Store
	dedupe *dedupe.Cache

	// metrics is nil when the metrics endpoint is disabled
	metrics *metrics.Metrics

	health     *health.Server
	grpcServer *grpc.Server
	httpServer *http.Server

	stopWorkers context.CancelFunc
	workers     sync.WaitGroup

	shutdownOnce sync.Once
	shutdownErr  error
}

// initStore opens the history database, or returns nil when it is disabled.
func initStore(cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	if cfg.Database.Path == "" {
		logger.Info("invocation history disabled")
		return nil, nil
	}
	s, err := store.NewSQLiteStore(cfg.Database.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("creating store: %w", err)
	}
	return s, nil
}

// createGRPCServer creates the gRPC server that carries the health service.
func createGRPCServer() *grpc.Server {
	return grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
}

// New creates a Gateway from cfg and starts its background workers.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	historyStore, err := initStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	bus := events.NewBroadcaster(logger)
	registry := tools.NewRegistry(logger, bus)
	agentMgr := agent.NewManager(logger)
	invoker := tools.NewInvoker(tools.InvokerConfig{
		Registry:    registry,
		Resolver:    agentMgr.Resolve,
		Logger:      logger.With("component", "invoker"),
		Broadcaster: bus,
		Timeout:     cfg.Broker.InvocationTimeout,
	})
	replay := dedupe.New(dedupe.Options{TTL: cfg.Broker.ReplayWindow})

	mcpServer, err := mcp.NewServer(mcp.Config{
		Registry: registry,
		Invoker:  invoker,
		Logger:   logger,
	})
	if err != nil {
		replay.Close()
		bus.Close()
		if historyStore != nil {
			_ = historyStore.Close()
		}
		return nil, fmt.Errorf("creating MCP server: %w", err)
	}

	gw := &Gateway{
		config:       cfg,
		logger:       logger.With("component", "gateway"),
		bus:          bus,
		registry:     registry,
		invoker:      invoker,
		agentManager: agentMgr,
		store:        historyStore,
		dedupe:       replay,
		health:       health.NewServer(),
		grpcServer:   createGRPCServer(),
	}

	gw.dispatch = dispatch.New(dispatch.Config{
		Registry:        registry,
		Invoker:         invoker,
		Agents:          agentMgr,
		History:         historyStore,
		Replay:          replay,
		Logger:          logger,
		MaxMessageBytes: cfg.Broker.MaxMessageBytes,
		WriteTimeout:    cfg.Broker.WriteTimeout,
	})

	registerHealthService(gw.grpcServer, gw.health)

	mux := http.NewServeMux()
	mux.Handle("/ws", gw.dispatch)
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)
	gw.registerHTTPAPIRoutes(mux)
	mcpServer.RegisterRoutes(mux)

	if cfg.Metrics.Enabled {
		promRegistry := prometheus.NewRegistry()
		promRegistry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		gw.metrics = metrics.MustNewMetrics(promRegistry, metrics.Sources{
			Tools:       registry.ToolCount,
			Agents:      registry.AgentCount,
			Connections: agentMgr.Count,
			Pending:     invoker.PendingCount,
		}, logger)
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	gw.startWorkers()
	return gw, nil
}

// startWorkers attaches the history recorder and metrics to the event bus
// and launches the background loops.
func (g *Gateway) startWorkers() {
	ctx, cancel := context.WithCancel(context.Background())
	g.stopWorkers = cancel

	if g.store != nil {
		recorder := store.NewRecorder(g.store, g.logger)
		recorder.Attach(g.bus)
		g.goWorker(func() { recorder.Run(ctx) })
	}
	if g.metrics != nil {
		g.metrics.Attach(g.bus)
	}
	g.goWorker(func() { g.watchReadiness(ctx, readinessInterval) })
}

func (g *Gateway) goWorker(fn func()) {
	g.workers.Add(1)
	go func() {
		defer g.workers.Done()
		fn()
	}()
}

// Handler returns the HTTP handler serving /ws, /mcp, health, API and metrics routes.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting broker",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// startServers starts gRPC and HTTP servers in goroutines, returning error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := g.grpcServer.Serve(grpcLn); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the servers and blocks until ctx is canceled or a server fails.
// Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupTCPListeners()
	if err != nil {
		return err
	}

	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context, since the run
// context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
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

// Shutdown stops the servers, fails pending invocations, closes every
// connection and empties the registry. Safe to call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.shutdownErr = g.shutdown(ctx)
	})
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down broker")

	var errs []error
	g.health.Shutdown()
	// Release callers blocked in Invoke before waiting on HTTP handlers, or an
	// in-flight /mcp tools/call holds Shutdown until its deadline.
	cancelled := g.invoker.Drain()
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	g.shutdownGRPCServer(ctx)

	closed := g.agentManager.CloseAll()
	errs = appendCloseError(errs, "connection drain", g.dispatch.Wait(ctx))
	g.registry.Clear()
	g.logger.Info("broker drained",
		"invocations_cancelled", cancelled,
		"connections_closed", closed,
	)

	g.stopWorkers()
	g.workers.Wait()
	g.dedupe.Close()
	if g.store != nil {
		errs = appendCloseError(errs, "store close", g.store.Close())
	}
	g.bus.Close()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	count := g.agentManager.Count()
	if count == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents, %d tools)", count, g.registry.ToolCount())
}

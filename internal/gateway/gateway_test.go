// ABOUTME: Tests for the Gateway orchestrator lifecycle, health endpoints and gRPC health
// ABOUTME: Runs the real servers on free local ports

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/palasangha/pala-platform-sub010/internal/config"
)

// freeAddr returns a local address that was free a moment ago.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// testConfig creates a minimal config for testing with available ports.
func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.Default()
	cfg.Server.GRPCAddr = freeAddr(t)
	cfg.Server.HTTPAddr = freeAddr(t)
	cfg.Database.Path = ":memory:"
	cfg.Broker.InvocationTimeout = 2 * time.Second
	cfg.Metrics.Enabled = true
	return cfg
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startGateway runs a gateway until the test ends.
func startGateway(t *testing.T, cfg *config.Config) *Gateway {
	t.Helper()

	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- gw.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(5 * time.Second):
			t.Error("gateway did not shutdown in time")
		}
	})

	waitFor(t, func() bool {
		resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})
	return gw
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func dialAgent(t *testing.T, httpAddr, agentID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+httpAddr+"/ws?agent_id="+agentID, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestGatewayNew(t *testing.T) {
	cfg := testConfig(t)

	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer gw.Shutdown(context.Background())

	if gw.config != cfg {
		t.Error("gateway config mismatch")
	}
	if gw.agentManager == nil {
		t.Error("agentManager should not be nil")
	}
	if gw.store == nil {
		t.Error("store should not be nil")
	}
	if gw.metrics == nil {
		t.Error("metrics should not be nil when enabled")
	}
	if got := gw.invoker.InvocationTimeout(); got != 2*time.Second {
		t.Errorf("invocation timeout = %v, want 2s", got)
	}
}

func TestGatewayNewWithoutHistory(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Path = ""
	cfg.Metrics.Enabled = false

	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer gw.Shutdown(context.Background())

	if gw.store != nil {
		t.Error("store should be nil when database.path is empty")
	}
	if gw.metrics != nil {
		t.Error("metrics should be nil when disabled")
	}
}

func TestGatewayRunAndShutdown(t *testing.T) {
	cfg := testConfig(t)

	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Run(ctx)
	}()

	waitFor(t, func() bool {
		resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return true
	})

	conn := dialAgent(t, cfg.Server.HTTPAddr, "a1")
	waitFor(t, func() bool { return gw.agentManager.IsOnline("a1") })

	cancel()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not shutdown in time")
	}

	if gw.agentManager.Count() != 0 {
		t.Errorf("connections after shutdown = %d, want 0", gw.agentManager.Count())
	}
	if gw.registry.ToolCount() != 0 {
		t.Errorf("tools after shutdown = %d, want 0", gw.registry.ToolCount())
	}

	// The agent sees its socket closed.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected read error after shutdown")
	}

	// A second Shutdown is a no-op.
	if err := gw.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown() = %v", err)
	}
}

func TestReadyEndpoint(t *testing.T) {
	cfg := testConfig(t)
	gw := startGateway(t, cfg)

	getReady := func() int {
		resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/health/ready")
		if err != nil {
			t.Fatalf("ready request failed: %v", err)
		}
		defer resp.Body.Close()
		return resp.StatusCode
	}

	if code := getReady(); code != http.StatusServiceUnavailable {
		t.Errorf("ready status = %d, want %d (no agents)", code, http.StatusServiceUnavailable)
	}

	dialAgent(t, cfg.Server.HTTPAddr, "a1")
	waitFor(t, func() bool { return gw.agentManager.IsOnline("a1") })

	if code := getReady(); code != http.StatusOK {
		t.Errorf("ready status = %d, want %d", code, http.StatusOK)
	}
}

func TestGRPCHealth(t *testing.T) {
	cfg := testConfig(t)
	startGateway(t, cfg)

	conn, err := grpc.NewClient(cfg.Server.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	check := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			t.Fatalf("Check(%q) failed: %v", service, err)
		}
		return resp.GetStatus()
	}

	if got := check(""); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("liveness = %v, want SERVING", got)
	}
	if got := check(HealthService); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("readiness = %v, want NOT_SERVING", got)
	}

	dialAgent(t, cfg.Server.HTTPAddr, "a1")
	waitFor(t, func() bool { return check(HealthService) == healthpb.HealthCheckResponse_SERVING })
}

func TestMetricsEndpoint(t *testing.T) {
	cfg := testConfig(t)
	startGateway(t, cfg)

	resp, err := http.Get("http://" + cfg.Server.HTTPAddr + cfg.Metrics.Path)
	if err != nil {
		t.Fatalf("metrics request failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading metrics: %v", err)
	}
	for _, name := range []string{"toolbroker_tools_registered", "toolbroker_connections", "go_goroutines"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

func TestMCPEndpointMounted(t *testing.T) {
	cfg := testConfig(t)
	startGateway(t, cfg)

	body := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	resp, err := http.Post("http://"+cfg.Server.HTTPAddr+"/mcp", "application/json", body)
	if err != nil {
		t.Fatalf("mcp request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Mcp-Session-Id") == "" {
		t.Error("expected Mcp-Session-Id header")
	}
}

func TestShutdownReleasesInFlightMCPCall(t *testing.T) {
	cfg := testConfig(t)
	cfg.Broker.InvocationTimeout = 30 * time.Second

	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = gw.Run(ctx) }()
	waitFor(t, func() bool {
		resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return true
	})

	// An agent that registers a tool and never answers it.
	agent := dialAgent(t, cfg.Server.HTTPAddr, "silent")
	register := `{"jsonrpc":"2.0","method":"tools/register","id":"reg","params":{"tools":[` +
		`{"name":"hang","description":"Never answers","inputSchema":{"type":"object"}}]}}`
	if err := agent.WriteMessage(websocket.TextMessage, []byte(register)); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	waitFor(t, func() bool { return gw.registry.ToolCount() == 1 })

	mcpURL := "http://" + cfg.Server.HTTPAddr + "/mcp"
	resp, err := http.Post(mcpURL, "application/json", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`))
	if err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	resp.Body.Close()
	sessionID := resp.Header.Get("Mcp-Session-Id")

	type callOutcome struct {
		body []byte
		err  error
	}
	outcome := make(chan callOutcome, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodPost, mcpURL,
			strings.NewReader(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"hang","arguments":{}}}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Mcp-Session-Id", sessionID)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			outcome <- callOutcome{err: err}
			return
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		outcome <- callOutcome{body: body, err: err}
	}()
	waitFor(t, func() bool { return gw.invoker.PendingCount() == 1 })

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer shutdownCancel()
	start := time.Now()
	if err := gw.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() = %v, want nil", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Shutdown() took %v waiting on the in-flight call", elapsed)
	}

	var got callOutcome
	select {
	case got = <-outcome:
	case <-time.After(2 * time.Second):
		t.Fatal("tools/call did not return after shutdown")
	}
	if got.err != nil {
		t.Fatalf("tools/call failed: %v", got.err)
	}
	var envelope struct {
		Result struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
			IsError bool `json:"isError"`
		} `json:"result"`
	}
	if err := json.Unmarshal(got.body, &envelope); err != nil {
		t.Fatalf("decode tools/call response %q: %v", got.body, err)
	}
	if !envelope.Result.IsError || len(envelope.Result.Content) != 1 ||
		!strings.Contains(envelope.Result.Content[0].Text, "cancelled") {
		t.Errorf("tools/call response = %s, want a cancelled error result", got.body)
	}
}

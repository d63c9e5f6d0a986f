// ABOUTME: Minimal agent for manual and E2E testing: connects over WebSocket and serves echo, add and sleep.
// ABOUTME: Usage: echo-agent [-url ws://localhost:8080/ws] [-id echo-agent]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/palasangha/pala-platform-sub010/internal/client"
	"github.com/palasangha/pala-platform-sub010/internal/tools"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "broker WebSocket URL")
	agentID := flag.String("id", "echo-agent", "Agent ID")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if err := run(*url, *agentID, logger); err != nil {
		logger.Error("echo-agent stopped", "error", err)
		os.Exit(1)
	}
}

func run(url, agentID string, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c, err := client.Dial(ctx, url, client.Options{
		AgentID: agentID,
		Handler: handle,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer c.Close()

	res, err := c.RegisterTools(ctx, definitions()...)
	if err != nil {
		return fmt.Errorf("failed to register: %w", err)
	}
	for _, e := range res.Errors {
		logger.Warn("tool rejected", "error", e)
	}
	fmt.Fprintf(os.Stderr, "registered %d tools as %s\n", res.Registered, agentID)

	select {
	case <-ctx.Done():
		return nil
	case <-c.Done():
		return c.Err()
	}
}

func definitions() []tools.ToolDefinition {
	noExtra := false
	return []tools.ToolDefinition{
		{
			Name:        "echo",
			Description: "Echo a message back",
			InputSchema: tools.InputSchema{
				Type:       "object",
				Properties: map[string]*jsonschema.Schema{"message": {Type: "string"}},
				Required:   []string{"message"},
			},
		},
		{
			Name:        "add",
			Description: "Add two numbers",
			InputSchema: tools.InputSchema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"a": {Type: "number"},
					"b": {Type: "number"},
				},
				Required:             []string{"a", "b"},
				AdditionalProperties: &noExtra,
			},
		},
		{
			Name:        "sleep",
			Description: "Wait for ms milliseconds, for exercising timeouts",
			InputSchema: tools.InputSchema{
				Type:       "object",
				Properties: map[string]*jsonschema.Schema{"ms": {Type: "integer"}},
				Required:   []string{"ms"},
			},
		},
	}
}

func handle(ctx context.Context, name string, args map[string]any) (any, error) {
	switch name {
	case "echo":
		return map[string]any{"echo": args["message"]}, nil
	case "add":
		a, aok := args["a"].(float64)
		b, bok := args["b"].(float64)
		if !aok || !bok {
			return nil, errors.New("a and b must be numbers")
		}
		return map[string]any{"sum": a + b}, nil
	case "sleep":
		ms, ok := args["ms"].(float64)
		if !ok {
			return nil, errors.New("ms must be a number")
		}
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
			return map[string]any{"slept_ms": ms}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	default:
		return nil, fmt.Errorf("unknown tool %s", name)
	}
}

// ABOUTME: Entry point for the toolbroker server and its command-line tools
// ABOUTME: serve runs the broker; health, tools, agents, invoke and history query a running one

package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"

	"github.com/palasangha/pala-platform-sub010/internal/config"
	"github.com/palasangha/pala-platform-sub010/internal/gateway"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const banner = `
 _              _ _               _
| |_ ___   ___ | | |__  _ __ ___ | | _____ _ __
| __/ _ \ / _ \| | '_ \| '__/ _ \| |/ / _ \ '__|
| || (_) | (_) | | |_) | | | (_) |   <  __/ |
 \__\___/ \___/|_|_.__/|_|  \___/|_|\_\___|_|
`

// getConfigPath returns the path to the broker config file.
// Priority: TOOLBROKER_CONFIG env var > XDG_CONFIG_HOME/toolbroker/config.yaml > ~/.config/toolbroker/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("TOOLBROKER_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "toolbroker", "config.yaml")
}

// loadConfig loads the config file, falling back to defaults when it does
// not exist.
func loadConfig() (*config.Config, string, error) {
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return config.Default(), "(defaults)", nil
	}
	if err != nil {
		return nil, configPath, fmt.Errorf("loading config: %w", err)
	}
	return cfg, configPath, nil
}

func usage() {
	fmt.Println("Usage: toolbroker <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                      Start the broker server")
	fmt.Println("  health                     Check broker readiness")
	fmt.Println("  tools [keyword]            List or search registered tools")
	fmt.Println("  agents                     List agents offering tools")
	fmt.Println("  invoke <tool> [json-args]  Invoke a tool and print the result")
	fmt.Println("  history [tool]             Show recent invocations")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	case "tools":
		err = runTools(ctx, args)
	case "agents":
		err = runAgents(ctx)
	case "invoke":
		err = runInvoke(ctx, args)
	case "history":
		err = runHistory(ctx, args)
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s (ws: /ws, mcp: /mcp)\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("gRPC:      %s (health)\n", cfg.Server.GRPCAddr)
	green.Print("    ▶ ")
	fmt.Printf("Timeout:   %s\n", cfg.Broker.InvocationTimeout)
	green.Print("    ▶ ")
	if cfg.Database.Path != "" {
		fmt.Printf("History:   %s\n", cfg.Database.Path)
	} else {
		fmt.Print("History:   ")
		gray.Println("disabled")
	}
	if cfg.Metrics.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Metrics:   %s\n", cfg.Metrics.Path)
	}
	fmt.Println()

	logger.Info("starting toolbroker",
		"config", configPath,
		"grpc_addr", cfg.Server.GRPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

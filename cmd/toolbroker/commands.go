// ABOUTME: Client commands that query a running broker
// ABOUTME: health uses HTTP; tools, agents, invoke and history use the WebSocket client

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/palasangha/pala-platform-sub010/internal/client"
	"github.com/palasangha/pala-platform-sub010/internal/config"
	"github.com/palasangha/pala-platform-sub010/internal/protocol"
	"github.com/palasangha/pala-platform-sub010/internal/tools"
)

// dialHost turns a listen address into one a local client can dial.
func dialHost(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

// brokerURL returns the WebSocket URL of the broker, honoring TOOLBROKER_URL.
func brokerURL(cfg *config.Config) string {
	if u := os.Getenv("TOOLBROKER_URL"); u != "" {
		return u
	}
	return "ws://" + dialHost(cfg.Server.HTTPAddr) + "/ws"
}

func connect(ctx context.Context) (*client.Client, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return client.Dial(dialCtx, brokerURL(cfg), client.Options{})
}

func runHealth(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s/health/ready", dialHost(cfg.Server.HTTPAddr))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("not ready: status %d: %s", resp.StatusCode, body)
	}

	color.Green("healthy: %s", body)
	return nil
}

func runTools(ctx context.Context, args []string) error {
	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	var keyword string
	if len(args) > 0 {
		keyword = args[0]
	}

	var defs []tools.ToolDefinition
	if keyword != "" {
		defs, err = c.SearchTools(ctx, keyword)
	} else {
		defs, err = c.ListTools(ctx)
	}
	if err != nil {
		return fmt.Errorf("listing tools: %w", err)
	}

	if len(defs) == 0 {
		color.HiBlack("no tools registered")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tAGENT\tDESCRIPTION")
	for _, def := range defs {
		fmt.Fprintf(w, "%s\t%s\t%s\n", def.Name, def.AgentID, def.Description)
	}
	return w.Flush()
}

func runAgents(ctx context.Context) error {
	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	agents, err := c.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("listing agents: %w", err)
	}
	if len(agents) == 0 {
		color.HiBlack("no agents offering tools")
		return nil
	}
	for _, id := range agents {
		fmt.Println(id)
	}
	return nil
}

func runInvoke(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: toolbroker invoke <tool> [json-args]")
	}

	params := protocol.InvokeParams{Name: args[0], Arguments: map[string]any{}}
	if len(args) > 1 {
		if err := json.Unmarshal([]byte(args[1]), &params.Arguments); err != nil {
			return fmt.Errorf("arguments must be a JSON object: %w", err)
		}
	}

	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	res, err := c.Invoke(ctx, params)
	if err != nil {
		return fmt.Errorf("invoking %s: %w", params.Name, err)
	}

	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	fmt.Println(string(out))

	if !res.Success {
		return fmt.Errorf("invocation failed: %s", res.Error)
	}
	return nil
}

func runHistory(ctx context.Context, args []string) error {
	params := protocol.HistoryParams{Limit: 20}
	if len(args) > 0 {
		params.ToolName = args[0]
	}
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("limit must be a number: %w", err)
		}
		params.Limit = n
	}

	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	records, err := c.History(ctx, params)
	if err != nil {
		return fmt.Errorf("reading history: %w", err)
	}
	if len(records) == 0 {
		color.HiBlack("no invocations recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FINISHED\tTOOL\tAGENT\tOK\tDURATION\tERROR")
	for _, r := range records {
		ok := color.GreenString("yes")
		if !r.Success {
			ok = color.RedString("no")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.FinishedAt.Local().Format(time.DateTime),
			r.ToolName,
			r.AgentID,
			ok,
			r.Duration.Round(time.Millisecond),
			r.Error,
		)
	}
	return w.Flush()
}

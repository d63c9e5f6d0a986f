// ABOUTME: Tests for the tool registry including registration, lookup, and search.
// ABOUTME: Validates argument checking and the events emitted on catalog changes.

package tools

import (
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/palasangha/pala-platform-sub010/internal/events"
)

func boolPtr(b bool) *bool { return &b }

// createTestTool builds a tool whose properties are all strings.
func createTestTool(name, agentID, description string, required []string, props ...string) ToolDefinition {
	properties := make(map[string]*jsonschema.Schema, len(props))
	for _, p := range props {
		properties[p] = &jsonschema.Schema{Type: "string"}
	}
	return ToolDefinition{
		Name:        name,
		Description: description,
		AgentID:     agentID,
		InputSchema: InputSchema{
			Type:       "object",
			Properties: properties,
			Required:   required,
		},
	}
}

func setupRegistryTest(t *testing.T) (*Registry, *events.Broadcaster) {
	t.Helper()
	bus := events.NewBroadcaster(slog.Default())
	t.Cleanup(bus.Close)
	return NewRegistry(slog.Default(), bus), bus
}

func TestRegistry_Register(t *testing.T) {
	t.Run("stores tool and indexes it by agent", func(t *testing.T) {
		registry, _ := setupRegistryTest(t)

		require.NoError(t, registry.Register(createTestTool("echo", "a1", "Echo a message", []string{"message"}, "message")))

		def, ok := registry.GetTool("echo")
		require.True(t, ok)
		assert.Equal(t, "Echo a message", def.Description)

		agentID, ok := registry.GetToolAgent("echo")
		require.True(t, ok)
		assert.Equal(t, "a1", agentID)

		assert.Len(t, registry.ListAgentTools("a1"), 1)
		assert.Equal(t, 1, registry.ToolCount())
		assert.Equal(t, 1, registry.AgentCount())
	})

	t.Run("rejects invalid names", func(t *testing.T) {
		registry, _ := setupRegistryTest(t)

		for _, name := range []string{"", "invalid name!", "has space", "dot.name", "slash/name", "ünïcode"} {
			err := registry.Register(createTestTool(name, "a1", "bad", nil))
			assert.ErrorIs(t, err, ErrInvalidToolName, "name %q", name)
		}
		assert.Equal(t, 0, registry.ToolCount())
		assert.Equal(t, 0, registry.AgentCount())
	})

	t.Run("accepts letters digits underscore and hyphen", func(t *testing.T) {
		registry, _ := setupRegistryTest(t)
		require.NoError(t, registry.Register(createTestTool("Tool_1-b", "a1", "", nil)))
	})

	t.Run("duplicate leaves state unchanged", func(t *testing.T) {
		registry, _ := setupRegistryTest(t)

		first := createTestTool("ocr", "a1", "Run OCR", nil)
		require.NoError(t, registry.Register(first))
		before := registry.ListTools()

		err := registry.Register(createTestTool("ocr", "a2", "Other OCR", nil))
		assert.ErrorIs(t, err, ErrDuplicateTool)

		assert.Equal(t, before, registry.ListTools())
		assert.Empty(t, registry.ListAgentTools("a2"))
		assert.Equal(t, 1, registry.AgentCount())
	})

	t.Run("rejects unresolvable property schema", func(t *testing.T) {
		registry, _ := setupRegistryTest(t)

		def := createTestTool("bad-schema", "a1", "", nil)
		def.InputSchema.Properties = map[string]*jsonschema.Schema{
			"path": {Type: "string", Pattern: "(["},
		}
		err := registry.Register(def)
		assert.ErrorIs(t, err, ErrInvalidSchema)
		assert.Equal(t, 0, registry.ToolCount())
	})

	t.Run("stored definition is isolated from caller", func(t *testing.T) {
		registry, _ := setupRegistryTest(t)

		def := createTestTool("iso", "a1", "", []string{"a"}, "a")
		require.NoError(t, registry.Register(def))
		def.InputSchema.Required[0] = "mutated"

		got, _ := registry.GetTool("iso")
		assert.Equal(t, []string{"a"}, got.InputSchema.Required)
	})

	t.Run("emits tool:registered with full definition", func(t *testing.T) {
		registry, bus := setupRegistryTest(t)
		ch, _ := bus.Subscribe(t.Context(), events.ToolRegistered)

		def := createTestTool("echo", "a1", "Echo", []string{"message"}, "message")
		require.NoError(t, registry.Register(def))

		select {
		case evt := <-ch:
			assert.Equal(t, "echo", evt.ToolName)
			assert.Equal(t, "a1", evt.AgentID)
			got, ok := evt.Definition.(ToolDefinition)
			require.True(t, ok)
			assert.Equal(t, def.Description, got.Description)
			assert.Equal(t, def.InputSchema.Required, got.InputSchema.Required)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for tool:registered")
		}
	})
}

func TestRegistry_RegisterAll(t *testing.T) {
	registry, _ := setupRegistryTest(t)
	require.NoError(t, registry.Register(createTestTool("taken", "other", "", nil)))

	n, errs := registry.RegisterAll([]ToolDefinition{
		createTestTool("one", "a1", "", nil),
		createTestTool("bad name", "a1", "", nil),
		createTestTool("taken", "a1", "", nil),
		createTestTool("two", "a1", "", nil),
	})

	assert.Equal(t, 2, n)
	require.Len(t, errs, 2)
	assert.ErrorIs(t, errs[0], ErrInvalidToolName)
	assert.ErrorIs(t, errs[1], ErrDuplicateTool)
	assert.Len(t, registry.ListAgentTools("a1"), 2)
}

func TestRegistry_Unregister(t *testing.T) {
	t.Run("removes tool and agent index", func(t *testing.T) {
		registry, bus := setupRegistryTest(t)
		ch, _ := bus.Subscribe(t.Context(), events.ToolUnregistered)

		require.NoError(t, registry.Register(createTestTool("echo", "a1", "", nil)))
		require.NoError(t, registry.Unregister("echo"))

		_, ok := registry.GetTool("echo")
		assert.False(t, ok)
		assert.Empty(t, registry.ListAgentTools("a1"))
		assert.Equal(t, 0, registry.AgentCount())

		select {
		case evt := <-ch:
			assert.Equal(t, "echo", evt.ToolName)
			assert.Equal(t, "a1", evt.AgentID)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for tool:unregistered")
		}
	})

	t.Run("unknown tool", func(t *testing.T) {
		registry, _ := setupRegistryTest(t)
		assert.ErrorIs(t, registry.Unregister("missing"), ErrToolNotFound)
	})
}

func TestRegistry_UnregisterAgent(t *testing.T) {
	t.Run("removes every tool of the agent", func(t *testing.T) {
		registry, _ := setupRegistryTest(t)

		require.NoError(t, registry.Register(createTestTool("ocr", "a1", "", nil)))
		require.NoError(t, registry.Register(createTestTool("pdf", "a1", "", nil)))
		require.NoError(t, registry.Register(createTestTool("mail", "a2", "", nil)))

		assert.Equal(t, 2, registry.UnregisterAgent("a1"))

		assert.Empty(t, registry.ListAgentTools("a1"))
		assert.Equal(t, 1, registry.ToolCount())
		_, ok := registry.GetTool("mail")
		assert.True(t, ok)
		assert.Equal(t, []string{"a2"}, registry.ListAgents())
	})

	t.Run("agent without tools is a no-op", func(t *testing.T) {
		registry, _ := setupRegistryTest(t)
		require.NoError(t, registry.Register(createTestTool("mail", "a2", "", nil)))
		before := registry.ListTools()

		assert.NotPanics(t, func() {
			assert.Equal(t, 0, registry.UnregisterAgent("nobody"))
			assert.Equal(t, 0, registry.UnregisterAgent("nobody"))
		})
		assert.Equal(t, before, registry.ListTools())
	})
}

func TestRegistry_Lookups(t *testing.T) {
	registry, _ := setupRegistryTest(t)

	_, ok := registry.GetTool("missing")
	assert.False(t, ok)
	_, ok = registry.GetToolAgent("missing")
	assert.False(t, ok)

	agentTools := registry.ListAgentTools("unknown")
	assert.NotNil(t, agentTools)
	assert.Empty(t, agentTools)

	require.NoError(t, registry.Register(createTestTool("zeta", "a1", "", nil)))
	require.NoError(t, registry.Register(createTestTool("alpha", "a2", "", nil)))

	all := registry.ListTools()
	require.Len(t, all, 2)
	assert.Equal(t, "alpha", all[0].Name)
	assert.Equal(t, "zeta", all[1].Name)
}

func TestRegistry_SearchTools(t *testing.T) {
	registry, _ := setupRegistryTest(t)

	require.NoError(t, registry.Register(createTestTool("ocr_google", "a1", "Extract text with Google Vision", nil)))
	require.NoError(t, registry.Register(createTestTool("ocr_tesseract", "a1", "Local OCR engine", nil)))
	require.NoError(t, registry.Register(createTestTool("send_email", "a2", "Send a report by mail", nil)))
	require.NoError(t, registry.Register(createTestTool("parse_metadata", "a3", "Parse document metadata", nil)))

	names := func(defs []ToolDefinition) []string {
		out := make([]string, 0, len(defs))
		for _, d := range defs {
			out = append(out, d.Name)
		}
		return out
	}

	assert.Equal(t, []string{"ocr_google", "ocr_tesseract"}, names(registry.SearchTools("ocr")))
	assert.Equal(t, []string{"send_email"}, names(registry.SearchTools("report")))
	assert.Equal(t, []string{"ocr_google"}, names(registry.SearchTools("VISION")), "search ignores case")

	none := registry.SearchTools("nothing-matches")
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestRegistry_ValidateArguments(t *testing.T) {
	registry, _ := setupRegistryTest(t)

	require.NoError(t, registry.Register(createTestTool("pair", "a1", "", []string{"a", "b"}, "a", "b")))

	strict := createTestTool("strict", "a1", "", nil, "known")
	strict.InputSchema.AdditionalProperties = boolPtr(false)
	require.NoError(t, registry.Register(strict))

	require.NoError(t, registry.Register(createTestTool("lenient", "a1", "", nil, "known")))

	t.Run("unknown tool", func(t *testing.T) {
		assert.ErrorIs(t, registry.ValidateArguments("missing", nil), ErrToolNotFound)
	})

	t.Run("missing required names the key", func(t *testing.T) {
		err := registry.ValidateArguments("pair", map[string]any{"a": "x"})
		require.ErrorIs(t, err, ErrMissingRequiredArgument)
		assert.Contains(t, err.Error(), "'b'")
	})

	t.Run("first missing key in required order", func(t *testing.T) {
		err := registry.ValidateArguments("pair", map[string]any{})
		require.ErrorIs(t, err, ErrMissingRequiredArgument)
		assert.Contains(t, err.Error(), "'a'")
	})

	t.Run("all required present", func(t *testing.T) {
		assert.NoError(t, registry.ValidateArguments("pair", map[string]any{"a": "x", "b": "y"}))
	})

	t.Run("additionalProperties false rejects unknown key", func(t *testing.T) {
		err := registry.ValidateArguments("strict", map[string]any{"known": "ok", "extra": "no"})
		require.ErrorIs(t, err, ErrUnexpectedArgument)
		assert.Contains(t, err.Error(), "'extra'")
	})

	t.Run("schema without additionalProperties false accepts unknown key", func(t *testing.T) {
		assert.NoError(t, registry.ValidateArguments("lenient", map[string]any{"known": "ok", "extra": "fine"}))
	})

	t.Run("value not matching property schema", func(t *testing.T) {
		err := registry.ValidateArguments("lenient", map[string]any{"known": true})
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("nil arguments against schema without required keys", func(t *testing.T) {
		assert.NoError(t, registry.ValidateArguments("lenient", nil))
	})
}

func TestRegistry_Clear(t *testing.T) {
	registry, bus := setupRegistryTest(t)
	require.NoError(t, registry.Register(createTestTool("one", "a1", "", nil)))
	require.NoError(t, registry.Register(createTestTool("two", "a2", "", nil)))

	ch, _ := bus.Subscribe(t.Context())
	registry.Clear()

	assert.Equal(t, 0, registry.ToolCount())
	assert.Equal(t, 0, registry.AgentCount())
	assert.Empty(t, registry.ListTools())
	assert.Len(t, ch, 0, "clear emits no per-tool events")

	require.NoError(t, registry.Register(createTestTool("one", "a3", "", nil)))
}

func TestRegistry_PropertySchemasAreCopied(t *testing.T) {
	registry, _ := setupRegistryTest(t)
	def := ToolDefinition{
		Name:    "resize",
		AgentID: "a1",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"mode": {Type: "string", Enum: []any{"fast", "slow"}},
			},
		},
	}
	require.NoError(t, registry.Register(def))

	// Neither the caller's definition nor a returned copy reaches the catalog.
	def.InputSchema.Properties["mode"].Type = "integer"
	got, ok := registry.GetTool("resize")
	require.True(t, ok)
	got.InputSchema.Properties["mode"].Enum[0] = "broken"
	got.InputSchema.Properties["mode"].Description = "mutated"

	again, ok := registry.GetTool("resize")
	require.True(t, ok)
	mode := again.InputSchema.Properties["mode"]
	assert.Equal(t, "string", mode.Type)
	assert.Equal(t, []any{"fast", "slow"}, mode.Enum)
	assert.Empty(t, mode.Description)
	assert.NoError(t, registry.ValidateArguments("resize", map[string]any{"mode": "fast"}))
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	registry, _ := setupRegistryTest(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			agentID := fmt.Sprintf("agent-%d", n)
			for j := 0; j < 10; j++ {
				_ = registry.Register(createTestTool(fmt.Sprintf("tool-%d-%d", n, j), agentID, "", nil))
				_ = registry.ListTools()
				_ = registry.SearchTools("tool")
			}
			registry.UnregisterAgent(agentID)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, registry.ToolCount())
	assert.Equal(t, 0, registry.AgentCount())
}

// ABOUTME: Tool name rules and argument validation against a tool's input schema
// ABOUTME: Presence checks are done here; value checks are delegated to jsonschema-go

package tools

import (
	"fmt"
	"regexp"
	"slices"

	"github.com/google/jsonschema-go/jsonschema"
)

var toolNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidToolName reports whether name is an acceptable tool name.
func ValidToolName(name string) bool {
	return toolNamePattern.MatchString(name)
}

// compileValueSchema resolves the property descriptors of s into a schema used
// for value checks. Returns nil when the tool declares no properties.
func compileValueSchema(s InputSchema) (*jsonschema.Resolved, error) {
	if len(s.Properties) == 0 {
		return nil, nil
	}
	root := &jsonschema.Schema{
		Type:       "object",
		Properties: s.Properties,
	}
	resolved, err := root.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	return resolved, nil
}

// checkArguments validates args against the tool's schema. Required keys are
// checked in declaration order and unexpected keys in sorted order, so the
// reported key is deterministic.
func checkArguments(name string, schema InputSchema, values *jsonschema.Resolved, args map[string]any) error {
	for _, key := range schema.Required {
		if _, ok := args[key]; !ok {
			return fmt.Errorf("%w '%s' for tool '%s'", ErrMissingRequiredArgument, key, name)
		}
	}

	if schema.rejectsAdditional() {
		keys := make([]string, 0, len(args))
		for key := range args {
			keys = append(keys, key)
		}
		slices.Sort(keys)
		for _, key := range keys {
			if _, ok := schema.Properties[key]; !ok {
				return fmt.Errorf("%w '%s' for tool '%s'", ErrUnexpectedArgument, key, name)
			}
		}
	}

	if values == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := values.Validate(args); err != nil {
		return fmt.Errorf("%w for tool '%s': %v", ErrInvalidArgument, name, err)
	}
	return nil
}

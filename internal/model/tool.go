package model

import (
	"fmt"
	"strings"
)

// ToolSourceKind is the protocol a tool source is reached with.
type ToolSourceKind string

const (
	ToolSourceKindHTTP    ToolSourceKind = "http"
	ToolSourceKindMCP     ToolSourceKind = "mcp"
	ToolSourceKindGraphQL ToolSourceKind = "graphql"
)

// ToolSource is an external system exposing tools under a common path prefix.
// The source name is the first segment of every tool path it serves.
type ToolSource struct {
	Name            string
	Kind            ToolSourceKind
	Endpoint        string
	Headers         map[string]string
	DefaultApproval ApprovalMode
	Tools           []ToolDefinition
}

// ToolDefinition is a tool of a source. Path is relative to the source name.
type ToolDefinition struct {
	Path            string
	DefaultApproval ApprovalMode
	// Method is the HTTP method for http sources, POST when empty.
	Method string
	// Query is the GraphQL document for graphql sources.
	Query string
	// RemoteName is the tool name on the remote MCP server, Path when empty.
	RemoteName string
}

// Validate validates the tool source.
func (s ToolSource) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("name is required: %w", ErrNotValid)
	}
	if strings.Contains(s.Name, ".") {
		return fmt.Errorf("source name %q can't contain dots: %w", s.Name, ErrNotValid)
	}
	if s.Endpoint == "" {
		return fmt.Errorf("source %s endpoint is required: %w", s.Name, ErrNotValid)
	}

	switch s.Kind {
	case ToolSourceKindHTTP, ToolSourceKindMCP, ToolSourceKindGraphQL:
	default:
		return fmt.Errorf("source %s has invalid kind %q: %w", s.Name, s.Kind, ErrNotValid)
	}

	if err := validateApprovalMode(s.DefaultApproval); err != nil {
		return fmt.Errorf("source %s: %w", s.Name, err)
	}

	seen := map[string]bool{}
	for _, t := range s.Tools {
		if t.Path == "" {
			return fmt.Errorf("source %s has a tool without path: %w", s.Name, ErrNotValid)
		}
		if seen[t.Path] {
			return fmt.Errorf("source %s has duplicated tool %s: %w", s.Name, t.Path, ErrNotValid)
		}
		seen[t.Path] = true

		if err := validateApprovalMode(t.DefaultApproval); err != nil {
			return fmt.Errorf("tool %s.%s: %w", s.Name, t.Path, err)
		}
		if s.Kind == ToolSourceKindGraphQL && t.Query == "" {
			return fmt.Errorf("graphql tool %s.%s requires a query: %w", s.Name, t.Path, ErrNotValid)
		}
	}

	return nil
}

func validateApprovalMode(m ApprovalMode) error {
	switch m {
	case "", ApprovalModeInherit, ApprovalModeAuto, ApprovalModeRequired:
		return nil
	}
	return fmt.Errorf("invalid approval mode %q: %w", m, ErrNotValid)
}

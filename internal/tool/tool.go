package tool

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/slok/codebroker/internal/model"
)

// Call is a resolved tool invocation.
type Call struct {
	ToolPath string
	// Path is the tool path relative to the source, e.g. `repos.list` for `github.repos.list`.
	Path   string
	Source model.ToolSource
	// Tool is the catalog definition, zero when the source doesn't declare its tools.
	Tool  model.ToolDefinition
	Input map[string]any
}

// Invoker executes tool calls against the external systems.
type Invoker interface {
	Invoke(ctx context.Context, call Call) (any, error)
}

// InvokerFunc is a helper to use functions as invokers.
type InvokerFunc func(ctx context.Context, call Call) (any, error)

func (f InvokerFunc) Invoke(ctx context.Context, call Call) (any, error) { return f(ctx, call) }

// Router dispatches the calls to the invoker of the source kind.
type Router struct {
	invokers map[model.ToolSourceKind]Invoker
}

// NewRouter returns a new invoker router.
func NewRouter(invokers map[model.ToolSourceKind]Invoker) *Router {
	return &Router{invokers: invokers}
}

func (r *Router) Invoke(ctx context.Context, call Call) (any, error) {
	inv, ok := r.invokers[call.Source.Kind]
	if !ok {
		return nil, fmt.Errorf("no invoker for %q tool sources: %w", call.Source.Kind, model.ErrNotValid)
	}
	return inv.Invoke(ctx, call)
}

// Resolution is what the catalog knows about a tool path.
type Resolution struct {
	SourceKey       string
	NamespacePrefix string
	DefaultApproval model.ApprovalMode
	Path            string
	Source          model.ToolSource
	Tool            model.ToolDefinition
}

// Catalog resolves tool paths into their sources.
type Catalog struct {
	sources map[string]model.ToolSource
}

// NewCatalog returns a catalog for the sources.
func NewCatalog(sources []model.ToolSource) (*Catalog, error) {
	c := &Catalog{sources: map[string]model.ToolSource{}}
	for _, s := range sources {
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("invalid source: %w", err)
		}
		if _, ok := c.sources[s.Name]; ok {
			return nil, fmt.Errorf("duplicated source %s: %w", s.Name, model.ErrAlreadyExists)
		}
		c.sources[s.Name] = s
	}
	return c, nil
}

// Split returns the source key and namespace prefix of a tool path. The source
// key is the first segment, the namespace prefix is the path without its last segment.
func Split(toolPath string) (sourceKey, namespacePrefix string) {
	parts := strings.Split(toolPath, ".")
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], strings.Join(parts[:len(parts)-1], ".")
}

// Resolve resolves a tool path. Sources declaring tools only expose those,
// sources without declared tools expose every path under them.
func (c *Catalog) Resolve(toolPath string) (Resolution, error) {
	if toolPath == "" || strings.HasPrefix(toolPath, ".") || strings.HasSuffix(toolPath, ".") || strings.Contains(toolPath, "..") {
		return Resolution{}, fmt.Errorf("invalid tool path %q: %w", toolPath, model.ErrNotValid)
	}

	sourceKey, ns := Split(toolPath)
	res := Resolution{
		SourceKey:       sourceKey,
		NamespacePrefix: ns,
		Path:            strings.TrimPrefix(strings.TrimPrefix(toolPath, sourceKey), "."),
	}

	src, ok := c.sources[sourceKey]
	if !ok {
		return res, fmt.Errorf("unknown tool source %q: %w", sourceKey, model.ErrNotFound)
	}
	if res.Path == "" {
		return res, fmt.Errorf("tool path %q has no tool: %w", toolPath, model.ErrNotValid)
	}
	res.Source = src
	res.DefaultApproval = src.DefaultApproval

	if len(src.Tools) == 0 {
		return res, nil
	}

	for _, t := range src.Tools {
		if t.Path == res.Path {
			res.Tool = t
			if t.DefaultApproval != "" && t.DefaultApproval != model.ApprovalModeInherit {
				res.DefaultApproval = t.DefaultApproval
			}
			return res, nil
		}
	}

	return res, fmt.Errorf("unknown tool %q: %w", toolPath, model.ErrNotFound)
}

// Sources returns the catalog sources sorted by name.
func (c *Catalog) Sources() []model.ToolSource {
	ss := make([]model.ToolSource, 0, len(c.sources))
	for _, s := range c.sources {
		ss = append(ss, s)
	}
	sort.Slice(ss, func(i, j int) bool { return ss[i].Name < ss[j].Name })
	return ss
}

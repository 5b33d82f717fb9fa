package tools

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/teslashibe/go-live/pkg/protocol"
)

// Enabler reports whether a tool may be advertised. liveconfig.Snapshot
// satisfies it.
type Enabler interface {
	ToolEnabled(name string) bool
}

// Registry holds the tools a session can run. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	order  []string
	frozen map[string]bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Names must be unique.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" || t.Handler == nil {
		return ErrInvalidTool
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[t.Name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateTool, t.Name)
	}
	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
	return nil
}

// MustRegister is Register for static setup. It panics on error.
func (r *Registry) MustRegister(tools ...Tool) {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
}

// Names returns registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Declarations returns the declarations for every registered tool that en
// allows. A nil en allows all tools.
func (r *Registry) Declarations(en Enabler) []protocol.FunctionDeclaration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var decls []protocol.FunctionDeclaration
	for _, name := range r.order {
		if en != nil && !en.ToolEnabled(name) {
			continue
		}
		t := r.tools[name]
		decls = append(decls, protocol.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
			Behavior:    t.Mode.behavior(),
		})
	}
	return decls
}

// Freeze records the set of tools advertised at handshake and returns
// their declarations. Tools registered later are not advertised until the
// next Freeze.
func (r *Registry) Freeze(en Enabler) []protocol.FunctionDeclaration {
	decls := r.Declarations(en)
	advertised := make(map[string]bool, len(decls))
	for _, d := range decls {
		advertised[d.Name] = true
	}
	r.mu.Lock()
	r.frozen = advertised
	r.mu.Unlock()
	return decls
}

// Advertised reports whether name was part of the last Freeze.
func (r *Registry) Advertised(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen[name]
}

// Invoke runs the named tool with args.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnknownToolError{Name: name}
	}
	if args == nil {
		args = map[string]any{}
	}
	return t.Handler(ctx, args)
}

// Run invokes c and times it.
func (r *Registry) Run(ctx context.Context, c Call) Result {
	start := time.Now()
	v, err := r.Invoke(ctx, c.Name, c.Args)
	return Result{CallID: c.ID, Name: c.Name, Value: v, Err: err, Duration: time.Since(start)}
}

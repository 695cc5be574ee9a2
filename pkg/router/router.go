// Package router dispatches command envelopes to the engine that owns the
// target agent. The in-process flavor here gives depth-first causal
// ordering inside one process; pkg/natsbus provides the durable flavor.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/Mindburn-Labs/meshforge/pkg/envelope"
)

var (
	// ErrNotCommand is returned for envelopes whose type is not cmd.*.
	ErrNotCommand = errors.New("router: envelope is not a command")
	// ErrNoRoute is returned when no processor owns the target agent.
	ErrNoRoute = errors.New("router: no route for target")
)

// FallbackTarget receives commands whose target has no registration.
const FallbackTarget = "unknown"

// Router routes a command envelope to its target agent.
type Router interface {
	Route(ctx context.Context, env *envelope.Envelope) error
}

// Processor is the slice of an engine the router needs.
type Processor interface {
	ProcessEvent(ctx context.Context, env *envelope.Envelope) ([]*envelope.Envelope, error)
}

// InProcessRouter maps agent names to co-located engines and invokes the
// target synchronously. A command emitted while processing a command is
// therefore fully processed before the parent returns.
type InProcessRouter struct {
	mu      sync.RWMutex
	targets map[string]Processor
}

// NewInProcessRouter returns an empty router.
func NewInProcessRouter() *InProcessRouter {
	return &InProcessRouter{targets: make(map[string]Processor)}
}

// Register binds an agent name to a processor. Later registrations for
// the same name win.
func (r *InProcessRouter) Register(agent string, proc Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets[strings.ToLower(agent)] = proc
}

func (r *InProcessRouter) Route(ctx context.Context, env *envelope.Envelope) error {
	if !env.IsCommand() {
		return fmt.Errorf("%w: type %q", ErrNotCommand, env.Type)
	}

	target := TargetAgent(env.Type)

	r.mu.RLock()
	proc, ok := r.targets[target]
	if !ok {
		proc, ok = r.targets[FallbackTarget]
	}
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %q", ErrNoRoute, target)
	}

	if _, err := proc.ProcessEvent(ctx, env); err != nil {
		return fmt.Errorf("route %s to %s: %w", env.Type, target, err)
	}
	return nil
}

// TargetAgent extracts the agent name from a command type of the form
// cmd.<agent>.<verb>. The name is lowercased for registry lookup.
func TargetAgent(typ string) string {
	parts := strings.Split(typ, ".")
	if len(parts) < 2 {
		return FallbackTarget
	}
	return strings.ToLower(parts[1])
}

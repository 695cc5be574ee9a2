// Package policy evaluates CEL rules against envelopes before they enter
// the runtime. The gate fails closed: a rule that does not compile, does
// not evaluate, or does not return a bool denies the envelope.
package policy

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/meshforge/pkg/envelope"
)

// ErrDenied is wrapped into the error returned when a rule rejects an
// envelope. Callers distinguish a clean denial from an evaluation failure
// with errors.Is; the gate denies in both cases.
var ErrDenied = errors.New("denied by policy")

// Rule is a named boolean constraint. Every rule that applies to an
// envelope must evaluate to true for the envelope to pass. Tenant ""
// applies the rule to all tenants.
type Rule struct {
	Name       string `json:"name" yaml:"name"`
	Tenant     string `json:"tenant,omitempty" yaml:"tenant,omitempty"`
	Expression string `json:"expression" yaml:"expression"`
}

// Gate compiles and evaluates ingress rules. System rules run first on
// every envelope, then global rules, then the envelope tenant's rules.
type Gate struct {
	env      *cel.Env
	mu       sync.RWMutex
	programs map[string]cel.Program
	system   []Rule
	global   []Rule
	tenant   map[string][]Rule
}

// System rules every envelope must satisfy regardless of tenant.
var systemRules = []Rule{
	{
		Name:       "system.type-grammar",
		Expression: `envelope_type.matches("^(cmd|evt)(\\.[a-zA-Z0-9_-]+)+$")`,
	},
	{
		Name:       "system.scope-present",
		Expression: `tenant != "" && workspace != ""`,
	},
}

// NewGate builds the evaluation environment and pre-compiles the system
// rules.
func NewGate() (*Gate, error) {
	env, err := cel.NewEnv(
		cel.Variable("envelope_type", cel.StringType),
		cel.Variable("tenant", cel.StringType),
		cel.Variable("workspace", cel.StringType),
		cel.Variable("actor_role", cel.StringType),
		cel.Variable("principal_type", cel.StringType),
		cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	g := &Gate{
		env:      env,
		programs: make(map[string]cel.Program),
		system:   systemRules,
		tenant:   make(map[string][]Rule),
	}
	for _, r := range g.system {
		if _, err := g.program(r.Expression); err != nil {
			return nil, fmt.Errorf("system rule %q: %w", r.Name, err)
		}
	}
	return g, nil
}

// AddRule registers a rule, compiling it immediately so malformed
// expressions surface at configuration time rather than on the first
// envelope.
func (g *Gate) AddRule(r Rule) error {
	if r.Name == "" {
		return errors.New("rule name required")
	}
	if _, err := g.program(r.Expression); err != nil {
		return fmt.Errorf("rule %q: %w", r.Name, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if r.Tenant == "" {
		g.global = append(g.global, r)
	} else {
		g.tenant[r.Tenant] = append(g.tenant[r.Tenant], r)
	}
	return nil
}

// Allow evaluates all applicable rules against the envelope. It returns
// true only when every rule holds. On denial or failure the error names
// the rule; denials satisfy errors.Is(err, ErrDenied).
func (g *Gate) Allow(env *envelope.Envelope) (bool, error) {
	activation := activationFor(env)

	for _, r := range g.system {
		if ok, err := g.check(r, activation); !ok {
			return false, err
		}
	}

	g.mu.RLock()
	rules := make([]Rule, 0, len(g.global)+len(g.tenant[env.Tenant]))
	rules = append(rules, g.global...)
	rules = append(rules, g.tenant[env.Tenant]...)
	g.mu.RUnlock()

	for _, r := range rules {
		if ok, err := g.check(r, activation); !ok {
			return false, err
		}
	}
	return true, nil
}

func (g *Gate) check(r Rule, activation map[string]any) (bool, error) {
	ok, err := g.evaluate(r.Expression, activation)
	if err != nil {
		return false, fmt.Errorf("rule %q: %w", r.Name, err)
	}
	if !ok {
		return false, fmt.Errorf("%w: rule %q", ErrDenied, r.Name)
	}
	return true, nil
}

func (g *Gate) evaluate(expr string, activation map[string]any) (bool, error) {
	prg, err := g.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(activation)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, errors.New("result not bool")
	}
	return val, nil
}

// program returns the compiled program for an expression, compiling and
// caching on first use.
func (g *Gate) program(expr string) (cel.Program, error) {
	g.mu.RLock()
	prg, hit := g.programs[expr]
	g.mu.RUnlock()
	if hit {
		return prg, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	// Double check
	if prg, hit = g.programs[expr]; hit {
		return prg, nil
	}

	ast, issues := g.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := g.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	g.programs[expr] = prg
	return prg, nil
}

func activationFor(env *envelope.Envelope) map[string]any {
	payload := env.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return map[string]any{
		"envelope_type":  env.Type,
		"tenant":         env.Tenant,
		"workspace":      env.Workspace,
		"actor_role":     env.Actor.Role,
		"principal_type": env.SecurityContext.PrincipalType,
		"payload":        payload,
	}
}

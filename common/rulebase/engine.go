package rulebase

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/praxisworks/meshflow/common/token"
)

// Target is one routing destination: the control node of targetService's
// targetOperation, plus the produced attribute that induced the edge. The
// publisher collapses duplicate (Service, Operation) entries for ordinary
// nodes and keeps them separate for forks, where each entry is one branch.
type Target struct {
	Service   string
	Operation string
	Address   string
	Attr      string
}

// Engine is the query façade over the rule store. Every answer is a pure
// function of an immutable rule-base snapshot and the inputs, which is what
// makes distributed routing decisions replayable.
type Engine struct {
	store *Store

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewEngine creates the façade over a store.
func NewEngine(store *Store) *Engine {
	return &Engine{
		store: store,
		cache: make(map[string]cel.Program),
	}
}

// NodeType answers the node-type query for one operation under one version.
func (e *Engine) NodeType(service, operation string, version token.Version) (NodeType, error) {
	rb, err := e.store.Active(version)
	if err != nil {
		return NodeUnknown, err
	}
	return rb.NodeTypeOf(service, operation), nil
}

// CanonicalBindings returns the declared (required, produced) attribute
// contract of an operation. Empty means pass-through.
func (e *Engine) CanonicalBindings(operation string, version token.Version) ([]CanonicalBinding, error) {
	rb, err := e.store.Active(version)
	if err != nil {
		return nil, err
	}
	return rb.Bindings(operation), nil
}

// RouteTargets computes the ordered routing destinations for a completed
// operation. One entry is emitted per (produced attribute present in the
// result) x (active operation requiring it); ordering is lexicographic on
// (service, operation, attr) so every node computes the same list.
func (e *Engine) RouteTargets(service, operation string, result map[string]string, version token.Version) ([]Target, error) {
	rb, err := e.store.Active(version)
	if err != nil {
		return nil, err
	}

	attrs := make([]string, 0, len(result))
	for attr := range result {
		attrs = append(attrs, attr)
	}
	sort.Strings(attrs)

	var targets []Target
	for _, attr := range attrs {
		for _, svc := range rb.Requirers(attr) {
			if svc.Service == service && svc.Operation == operation {
				// An operation never routes to itself on its own output.
				continue
			}
			targets = append(targets, Target{
				Service:   svc.Service,
				Operation: svc.Operation,
				Address:   svc.Addr(),
				Attr:      attr,
			})
		}
	}
	sort.Slice(targets, func(i, j int) bool {
		if targets[i].Service != targets[j].Service {
			return targets[i].Service < targets[j].Service
		}
		if targets[i].Operation != targets[j].Operation {
			return targets[i].Operation < targets[j].Operation
		}
		return targets[i].Attr < targets[j].Attr
	})
	return targets, nil
}

// EvaluateGuard evaluates a named guard against attribute bindings. The CEL
// expression sees attrs (the bindings) and decisions (the decisionValue
// facts of the guarded operation).
func (e *Engine) EvaluateGuard(guardName string, bindings map[string]string, version token.Version) (bool, error) {
	rb, err := e.store.Active(version)
	if err != nil {
		return false, err
	}
	guard, ok := rb.GuardByName(guardName)
	if !ok {
		return false, fmt.Errorf("guard %q not present in version %s", guardName, version)
	}
	return e.evalGuard(rb, guard, bindings)
}

// GuardsForEdge exposes the guard rules protecting one routing edge so the
// publisher can filter candidate targets.
func (e *Engine) GuardsForEdge(service, operation string, target Target, version token.Version) ([]GuardRule, error) {
	rb, err := e.store.Active(version)
	if err != nil {
		return nil, err
	}
	return rb.GuardsForEdge(service, operation, target.Service, target.Operation), nil
}

// EdgeAllowed evaluates every guard on one edge; an unguarded edge is
// allowed. All guards on the edge must hold.
func (e *Engine) EdgeAllowed(service, operation string, target Target, bindings map[string]string, version token.Version) (bool, error) {
	rb, err := e.store.Active(version)
	if err != nil {
		return false, err
	}
	guards := rb.GuardsForEdge(service, operation, target.Service, target.Operation)
	for _, guard := range guards {
		ok, err := e.evalGuard(rb, guard, bindings)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (e *Engine) evalGuard(rb *RuleBase, guard GuardRule, bindings map[string]string) (bool, error) {
	prg, err := e.program(guard.Expression)
	if err != nil {
		return false, fmt.Errorf("guard %q: %w", guard.Name, err)
	}

	attrs := make(map[string]any, len(bindings))
	for k, v := range bindings {
		attrs[k] = v
	}
	decisions := rb.Decisions(guard.Service, guard.Operation)
	if decisions == nil {
		decisions = []string{}
	}

	out, _, err := prg.Eval(map[string]any{
		"attrs":     attrs,
		"decisions": decisions,
	})
	if err != nil {
		return false, fmt.Errorf("guard %q evaluation: %w", guard.Name, err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("guard %q did not return boolean, got %T", guard.Name, out.Value())
	}
	return result, nil
}

// program compiles a guard expression, caching the compiled form. The cache
// never invalidates: rule bases are immutable, so an expression means the
// same thing for as long as the process lives.
func (e *Engine) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, exists := e.cache[expr]
	e.mu.RUnlock()
	if exists {
		return prg, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("attrs", cel.DynType),
		cel.Variable("decisions", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compilation error: %w", issues.Err())
	}
	prg, err = env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	e.mu.Lock()
	e.cache[expr] = prg
	e.mu.Unlock()
	return prg, nil
}

// CacheSize returns the number of compiled guard expressions.
func (e *Engine) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}

// Store exposes the underlying store for components that manage lifecycle
// (the distribution agent, the admin surface).
func (e *Engine) Store() *Store {
	return e.store
}

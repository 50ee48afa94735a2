package planner

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/wardenhq/warden/pkg/pack"
)

// GateMatcher evaluates required_gates conditions against step facts.
// Conditions are CEL expressions over a `step` map:
//
//	step.action, step.domain, step.sensitivity, step.index
type GateMatcher struct {
	env      *cel.Env
	mu       sync.Mutex
	programs map[string]cel.Program
}

// NewGateMatcher builds the CEL environment for gate conditions.
func NewGateMatcher() (*GateMatcher, error) {
	env, err := cel.NewEnv(
		cel.Variable("step", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("planner: cel env: %w", err)
	}
	return &GateMatcher{env: env, programs: make(map[string]cel.Program)}, nil
}

// Match returns the first gate rule whose condition holds for the step,
// preferring rules of the step's own tier so the nearest rule wins.
func (g *GateMatcher) Match(rules []pack.GateRule, step pack.Step, index int) (*pack.GateRule, error) {
	input := map[string]any{
		"step": map[string]any{
			"action":      step.Action,
			"domain":      HostOf(step.Target),
			"sensitivity": string(step.Sensitivity),
			"index":       index,
		},
	}

	var fallback *pack.GateRule
	for i := range rules {
		rule := &rules[i]
		ok, err := g.evaluate(rule.Condition, input)
		if err != nil {
			return nil, fmt.Errorf("planner: gate condition %q: %w", rule.Condition, err)
		}
		if !ok {
			continue
		}
		if rule.Tier == step.Sensitivity {
			return rule, nil
		}
		if fallback == nil {
			fallback = rule
		}
	}
	return fallback, nil
}

func (g *GateMatcher) evaluate(expr string, input map[string]any) (bool, error) {
	prg, err := g.program(expr)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(input)
	if err != nil {
		return false, err
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition is not boolean")
	}
	return result, nil
}

func (g *GateMatcher) program(expr string) (cel.Program, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if prg, ok := g.programs[expr]; ok {
		return prg, nil
	}

	ast, issues := g.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	prg, err := g.env.Program(ast)
	if err != nil {
		return nil, err
	}
	g.programs[expr] = prg
	return prg, nil
}

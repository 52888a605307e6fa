package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// AuthorizationInput is the variable set exposed to escalation rules.
type AuthorizationInput struct {
	AmountCents                int64
	Currency                   string
	SpentTodayCents            int64
	MaxDailyAuthorizationCents int64
	AgentID                    string
	CounterpartyAgentID        string
}

// Trip is a tripped escalation rule.
type Trip struct {
	Code string
	Expr string
}

// Engine compiles and evaluates CEL escalation rules. Programs are cached by
// expression; rules evaluate in declaration order and the first trip wins,
// which keeps reason codes deterministic.
type Engine struct {
	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

// NewEngine builds the CEL environment for authorization rules.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("amountCents", cel.IntType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("spentTodayCents", cel.IntType),
		cel.Variable("maxDailyAuthorizationCents", cel.IntType),
		cel.Variable("agentId", cel.StringType),
		cel.Variable("counterpartyAgentId", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: cel env: %w", err)
	}
	return &Engine{env: env, prgCache: make(map[string]cel.Program)}, nil
}

// Evaluate runs the profile's rules against the input and returns the first
// tripped rule, or nil. Rule errors fail closed: a rule that cannot be
// evaluated trips with its own code.
func (e *Engine) Evaluate(p *Profile, in AuthorizationInput) (*Trip, error) {
	vars := map[string]any{
		"amountCents":                in.AmountCents,
		"currency":                   in.Currency,
		"spentTodayCents":            in.SpentTodayCents,
		"maxDailyAuthorizationCents": in.MaxDailyAuthorizationCents,
		"agentId":                    in.AgentID,
		"counterpartyAgentId":        in.CounterpartyAgentID,
	}
	for _, rule := range p.EscalationRules {
		tripped, err := e.evaluateExpr(rule.Expr, vars)
		if err != nil {
			return &Trip{Code: rule.Code, Expr: rule.Expr}, fmt.Errorf("policy: rule %s: %w", rule.Code, err)
		}
		if tripped {
			return &Trip{Code: rule.Code, Expr: rule.Expr}, nil
		}
	}
	return nil, nil
}

func (e *Engine) evaluateExpr(expr string, vars map[string]any) (bool, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()

	if !hit {
		e.mu.Lock()
		if prg, hit = e.prgCache[expr]; !hit {
			ast, issues := e.env.Compile(expr)
			if issues != nil && issues.Err() != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("compile: %w", issues.Err())
			}
			p, err := e.env.Program(ast,
				cel.InterruptCheckFrequency(100),
				cel.CostLimit(10000),
			)
			if err != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("program: %w", err)
			}
			e.prgCache[expr] = p
			prg = p
		}
		e.mu.Unlock()
	}

	out, _, err := prg.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule result is %T, want bool", out.Value())
	}
	return val, nil
}

package moderation

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
)

// Guard is the local rule-based moderator: keyword blocklist, output-side
// marker phrases, and optional CEL expressions. It needs no network calls,
// so it runs first in the chain.
type Guard struct {
	keywords []string // lowercased
	markers  []string // lowercased, output direction only
	programs []cel.Program
	rules    []string
}

// GuardConfig configures the rule moderator.
type GuardConfig struct {
	Keywords []string
	Markers  []string
	// Rules are CEL expressions over the variables text (string) and
	// direction (string). Any rule evaluating to true blocks.
	Rules []string
}

// NewGuard compiles the rules. A bad expression is a startup error, not a
// per-request one.
func NewGuard(cfg *GuardConfig) (*Guard, error) {
	g := &Guard{
		keywords: lowerAll(cfg.Keywords),
		markers:  lowerAll(cfg.Markers),
		rules:    cfg.Rules,
	}

	if len(cfg.Rules) > 0 {
		env, err := cel.NewEnv(
			cel.Variable("text", cel.StringType),
			cel.Variable("direction", cel.StringType),
		)
		if err != nil {
			return nil, fmt.Errorf("create rule environment: %w", err)
		}
		for _, rule := range cfg.Rules {
			ast, issues := env.Compile(rule)
			if issues != nil && issues.Err() != nil {
				return nil, fmt.Errorf("compile rule %q: %w", rule, issues.Err())
			}
			if ast.OutputType() != cel.BoolType {
				return nil, fmt.Errorf("rule %q must evaluate to bool, got %s", rule, ast.OutputType())
			}
			program, err := env.Program(ast)
			if err != nil {
				return nil, fmt.Errorf("build rule %q: %w", rule, err)
			}
			g.programs = append(g.programs, program)
		}
	}
	return g, nil
}

func (g *Guard) Name() string { return "guard" }

func (g *Guard) Check(ctx context.Context, text string, direction Direction) (*Result, error) {
	lowered := strings.ToLower(text)

	for _, kw := range g.keywords {
		if strings.Contains(lowered, kw) {
			return &Result{Blocked: true, Category: "keyword"}, nil
		}
	}

	if direction == DirectionOut {
		for _, marker := range g.markers {
			if strings.Contains(lowered, marker) {
				return &Result{Blocked: true, Category: "marker"}, nil
			}
		}
	}

	for i, program := range g.programs {
		out, _, err := program.ContextEval(ctx, map[string]any{
			"text":      text,
			"direction": string(direction),
		})
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", g.rules[i], err)
		}
		if blocked, ok := out.Value().(bool); ok && blocked {
			return &Result{Blocked: true, Category: "rule"}, nil
		}
	}

	return &Result{Blocked: false}, nil
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, strings.ToLower(s))
		}
	}
	return out
}

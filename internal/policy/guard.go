package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Guard is a per-hat semantic rule. When its CEL expression evaluates
// true the envelope is rejected with Ask.
//
// Expressions see the envelope fields hat, intent, taskType, taskSize,
// risk, dataSensitivity, identityContext, thinking (strings),
// externalStateChange, approvalNeeded, policyOverride (bools) and
// actions (list of strings).
type Guard struct {
	Name string `yaml:"name" json:"name"`
	When string `yaml:"when" json:"when"`
	Ask  string `yaml:"ask" json:"ask"`

	prg cel.Program
}

// guardCostLimit bounds evaluation of operator-supplied expressions.
const guardCostLimit = 10000

var guardEnv = sync.OnceValues(func() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("hat", cel.StringType),
		cel.Variable("intent", cel.StringType),
		cel.Variable("taskType", cel.StringType),
		cel.Variable("taskSize", cel.StringType),
		cel.Variable("risk", cel.StringType),
		cel.Variable("dataSensitivity", cel.StringType),
		cel.Variable("identityContext", cel.StringType),
		cel.Variable("thinking", cel.StringType),
		cel.Variable("externalStateChange", cel.BoolType),
		cel.Variable("approvalNeeded", cel.BoolType),
		cel.Variable("policyOverride", cel.BoolType),
		cel.Variable("actions", cel.ListType(cel.StringType)),
	)
})

func (g *Guard) compile() error {
	env, err := guardEnv()
	if err != nil {
		return fmt.Errorf("create CEL environment: %w", err)
	}
	ast, issues := env.Compile(g.When)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("guard %q: compile: %w", g.Name, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return fmt.Errorf("guard %q: expression must yield bool, got %s", g.Name, ast.OutputType())
	}
	prg, err := env.Program(ast, cel.CostLimit(guardCostLimit))
	if err != nil {
		return fmt.Errorf("guard %q: program: %w", g.Name, err)
	}
	g.prg = prg
	return nil
}

// Triggered evaluates the guard against vars. An uncompiled guard, an
// evaluation error, or a non-bool result counts as triggered.
func (g *Guard) Triggered(vars map[string]any) (bool, error) {
	if g.prg == nil {
		return true, fmt.Errorf("guard %q not compiled", g.Name)
	}
	out, _, err := g.prg.Eval(vars)
	if err != nil {
		return true, fmt.Errorf("guard %q: eval: %w", g.Name, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return true, fmt.Errorf("guard %q: non-bool result %T", g.Name, out.Value())
	}
	return b, nil
}

// CheckGuards runs the hat's guards in order and returns the ask of the
// first one that fires.
func (h *Hat) CheckGuards(vars map[string]any) (ask string, blocked bool) {
	for i := range h.Guards {
		g := &h.Guards[i]
		hit, err := g.Triggered(vars)
		if err != nil {
			return fmt.Sprintf("guard %s could not be evaluated for hat=%s", g.Name, h.Name), true
		}
		if hit {
			return g.Ask, true
		}
	}
	return "", false
}

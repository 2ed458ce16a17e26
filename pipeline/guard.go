package pipeline

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"
)

// Guard decides whether a stage runs. Implementations must not modify the
// RunContext. A guard that references a field the context does not have
// returns an error wrapping ErrUnknownField.
type Guard interface {
	Evaluate(rc *RunContext) (bool, error)
	String() string
}

// Evaluate runs g against rc. A nil guard is always eligible. Unknown fields
// evaluate to false without error; any other failure evaluates to false and
// is returned as a *GuardEvaluationError.
func Evaluate(g Guard, rc *RunContext) (bool, error) {
	if g == nil {
		return true, nil
	}
	ok, err := g.Evaluate(rc)
	if err != nil {
		if errors.Is(err, ErrUnknownField) {
			return false, nil
		}
		return false, &GuardEvaluationError{Guard: g.String(), Err: err}
	}
	return ok, nil
}

// BranchGuard matches the run's branch against Pattern, either exactly or as
// a path.Match glob such as "release/*".
type BranchGuard struct {
	Pattern string
}

func (g BranchGuard) Evaluate(rc *RunContext) (bool, error) {
	branch := rc.Branch()
	if branch == "" {
		return false, fmt.Errorf("branch: %w", ErrUnknownField)
	}
	if branch == g.Pattern {
		return true, nil
	}
	matched, err := path.Match(g.Pattern, branch)
	if err != nil {
		return false, fmt.Errorf("branch pattern %q: %w", g.Pattern, err)
	}
	return matched, nil
}

func (g BranchGuard) String() string { return fmt.Sprintf("branch == %q", g.Pattern) }

// EnvGuard holds when the environment variable Name equals Value.
type EnvGuard struct {
	Name  string
	Value string
}

func (g EnvGuard) Evaluate(rc *RunContext) (bool, error) {
	v, ok := rc.LookupEnv(g.Name)
	if !ok {
		return false, fmt.Errorf("env.%s: %w", g.Name, ErrUnknownField)
	}
	return v == g.Value, nil
}

func (g EnvGuard) String() string { return fmt.Sprintf("env.%s == %q", g.Name, g.Value) }

// AllOf holds when every guard holds. An empty AllOf holds.
type AllOf []Guard

func (g AllOf) Evaluate(rc *RunContext) (bool, error) {
	return evaluateAll(g, rc, func(results []bool) bool {
		for _, r := range results {
			if !r {
				return false
			}
		}
		return true
	})
}

func (g AllOf) String() string { return joinGuards("all_of", g) }

// AnyOf holds when at least one guard holds.
type AnyOf []Guard

func (g AnyOf) Evaluate(rc *RunContext) (bool, error) {
	return evaluateAll(g, rc, func(results []bool) bool {
		for _, r := range results {
			if r {
				return true
			}
		}
		return false
	})
}

// evaluateAll evaluates every guard without short-circuiting, so a reference
// to an unknown field makes the combination false regardless of operand
// order. This matches ExprGuard, which checks all its references first.
func evaluateAll(guards []Guard, rc *RunContext, combine func([]bool) bool) (bool, error) {
	results := make([]bool, len(guards))
	var unknown error
	for i, sub := range guards {
		ok, err := sub.Evaluate(rc)
		if err != nil {
			if !errors.Is(err, ErrUnknownField) {
				return false, err
			}
			if unknown == nil {
				unknown = err
			}
			continue
		}
		results[i] = ok
	}
	if unknown != nil {
		return false, unknown
	}
	return combine(results), nil
}

func (g AnyOf) String() string { return joinGuards("any_of", g) }

// Not negates a guard. Negating a guard over an unknown field is still
// false.
type Not struct {
	Guard Guard
}

func (g Not) Evaluate(rc *RunContext) (bool, error) {
	ok, err := g.Guard.Evaluate(rc)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

func (g Not) String() string { return "not(" + g.Guard.String() + ")" }

func joinGuards(op string, guards []Guard) string {
	parts := make([]string, len(guards))
	for i, sub := range guards {
		parts[i] = sub.String()
	}
	return op + "(" + strings.Join(parts, ", ") + ")"
}

// ExprGuard is a boolean expr-lang expression over the run's facts:
// branch, commit, build_number, pipeline, run_id, status, env and outputs.
//
//	branch == "main" && env.DEPLOY == "true"
type ExprGuard struct {
	source  string
	program *vm.Program
	refs    []fieldRef
}

// fieldRef is a fact an expression reads. Key is set for env/outputs lookups
// with a constant key.
type fieldRef struct {
	Root string
	Key  string
}

// NewExprGuard compiles source. Syntax errors are reported here; names that
// are not facts make the guard evaluate to false at run time.
func NewExprGuard(source string) (*ExprGuard, error) {
	tree, err := parser.Parse(source)
	if err != nil {
		return nil, fmt.Errorf("parse guard expression: %w", err)
	}
	refs := collectRefs(&tree.Node)
	program, err := expr.Compile(source, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile guard expression: %w", err)
	}
	return &ExprGuard{source: source, program: program, refs: refs}, nil
}

func (g *ExprGuard) Evaluate(rc *RunContext) (bool, error) {
	facts := rc.facts()
	for _, ref := range g.refs {
		if !hasFact(facts, ref) {
			name := ref.Root
			if ref.Key != "" {
				name += "." + ref.Key
			}
			return false, fmt.Errorf("%s: %w", name, ErrUnknownField)
		}
	}
	out, err := expr.Run(g.program, facts)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("expression returned %T, want bool", out)
	}
	return b, nil
}

func (g *ExprGuard) String() string { return g.source }

func hasFact(facts map[string]any, ref fieldRef) bool {
	v, ok := facts[ref.Root]
	if !ok {
		return false
	}
	if ref.Key == "" {
		return true
	}
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	_, ok = m[ref.Key]
	return ok
}

// refCollector gathers identifier and constant member references. Names
// bound by let and names used as functions are not facts.
type refCollector struct {
	refs  []fieldRef
	local map[string]bool
}

func (c *refCollector) Visit(node *ast.Node) {
	switch n := (*node).(type) {
	case *ast.VariableDeclaratorNode:
		c.local[n.Name] = true
	case *ast.CallNode:
		if id, ok := n.Callee.(*ast.IdentifierNode); ok {
			c.local[id.Value] = true
		}
	case *ast.IdentifierNode:
		c.refs = append(c.refs, fieldRef{Root: n.Value})
	case *ast.MemberNode:
		id, ok := n.Node.(*ast.IdentifierNode)
		if !ok {
			return
		}
		if key, ok := n.Property.(*ast.StringNode); ok {
			c.refs = append(c.refs, fieldRef{Root: id.Value, Key: key.Value})
		}
	}
}

func collectRefs(node *ast.Node) []fieldRef {
	c := &refCollector{local: make(map[string]bool)}
	ast.Walk(node, c)
	refs := c.refs[:0]
	for _, ref := range c.refs {
		if c.local[ref.Root] || strings.HasPrefix(ref.Root, "$") {
			continue
		}
		refs = append(refs, ref)
	}
	return refs
}

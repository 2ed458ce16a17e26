package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ctxFor(branch string, env map[string]string) *RunContext {
	return NewRunContext(RunInfo{RunID: "r1", Branch: branch, Commit: "0123456789abcdef", BuildNumber: 42, Env: env})
}

func TestEvaluate_NilGuardIsEligible(t *testing.T) {
	ok, err := Evaluate(nil, ctxFor("dev", nil))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBranchGuard(t *testing.T) {
	tests := []struct {
		pattern string
		branch  string
		want    bool
	}{
		{"main", "main", true},
		{"main", "dev", false},
		{"release/*", "release/1.2", true},
		{"release/*", "release/1.2/hotfix", false},
		{"feature-?", "feature-a", true},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.branch, func(t *testing.T) {
			ok, err := Evaluate(BranchGuard{Pattern: tt.pattern}, ctxFor(tt.branch, nil))
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestGuards_UnknownFieldsFailClosed(t *testing.T) {
	rc := ctxFor("", nil)
	guards := []Guard{
		BranchGuard{Pattern: "main"},
		EnvGuard{Name: "DEPLOY", Value: "true"},
		Not{Guard: BranchGuard{Pattern: "main"}},
		Not{Guard: EnvGuard{Name: "DEPLOY", Value: "true"}},
		AllOf{EnvGuard{Name: "DEPLOY", Value: "true"}},
		AnyOf{EnvGuard{Name: "DEPLOY", Value: "true"}, BranchGuard{Pattern: "main"}},
		mustExpr(t, `branch != "main"`),
		mustExpr(t, `env.DEPLOY != "true"`),
		mustExpr(t, `not (outputs["checkout"] == "")`),
		mustExpr(t, `tag == "v1"`),
	}
	for _, g := range guards {
		t.Run(g.String(), func(t *testing.T) {
			ok, err := Evaluate(g, rc)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestEnvGuard(t *testing.T) {
	rc := ctxFor("main", map[string]string{"DEPLOY": "true"})
	ok, err := Evaluate(EnvGuard{Name: "DEPLOY", Value: "true"}, rc)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Evaluate(EnvGuard{Name: "DEPLOY", Value: "false"}, rc)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCombinators(t *testing.T) {
	rc := ctxFor("main", map[string]string{"DEPLOY": "true"})
	main := BranchGuard{Pattern: "main"}
	dev := BranchGuard{Pattern: "dev"}
	missing := EnvGuard{Name: "MISSING", Value: "x"}

	tests := []struct {
		guard Guard
		want  bool
	}{
		{AllOf{}, true},
		{AllOf{main, EnvGuard{Name: "DEPLOY", Value: "true"}}, true},
		{AllOf{main, dev}, false},
		{AllOf{main, missing}, false},
		{AnyOf{}, false},
		{AnyOf{dev, main}, true},
		{AnyOf{missing, main}, false},
		{AnyOf{main, missing}, false},
		{AnyOf{missing, dev}, false},
		{Not{Guard: dev}, true},
		{Not{Guard: main}, false},
	}
	for _, tt := range tests {
		t.Run(tt.guard.String(), func(t *testing.T) {
			ok, err := Evaluate(tt.guard, rc)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func mustExpr(t *testing.T, src string) *ExprGuard {
	t.Helper()
	g, err := NewExprGuard(src)
	require.NoError(t, err)
	return g
}

func TestExprGuard(t *testing.T) {
	rc := ctxFor("release/2.0", map[string]string{"DEPLOY": "true"})
	tests := []struct {
		src  string
		want bool
	}{
		{`branch == "release/2.0"`, true},
		{`branch startsWith "release/"`, true},
		{`branch == "main" || env.DEPLOY == "true"`, true},
		{`env["DEPLOY"] == "true" && build_number > 40`, true},
		{`build_number > 100`, false},
		{`len(commit) == 16`, true},
		{`status == "success"`, true},
		{`let b = branch; b != "main"`, true},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			ok, err := Evaluate(mustExpr(t, tt.src), rc)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestExprGuard_CompileError(t *testing.T) {
	_, err := NewExprGuard(`branch ==`)
	assert.Error(t, err)
}

func TestExprGuard_RuntimeErrorIsGuardEvaluationError(t *testing.T) {
	g := mustExpr(t, `int(branch) > 1`)
	ok, err := Evaluate(g, ctxFor("main", nil))
	assert.False(t, ok)
	var gerr *GuardEvaluationError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, g.String(), gerr.Guard)
}

func TestExprGuard_DoesNotMutateContext(t *testing.T) {
	rc := ctxFor("main", map[string]string{"A": "1"})
	g := mustExpr(t, `env.A == "1"`)
	_, err := Evaluate(g, rc)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "1"}, rc.Environ())
	assert.Empty(t, rc.Outputs())
}

func TestGuardStrings(t *testing.T) {
	g := AllOf{BranchGuard{Pattern: "main"}, Not{Guard: EnvGuard{Name: "SKIP", Value: "1"}}}
	assert.Equal(t, `all_of(branch == "main", not(env.SKIP == "1"))`, g.String())
	assert.Equal(t, `branch == "main"`, mustExpr(t, `branch == "main"`).String())
}

func TestGuards_UnknownFieldRuleMatchesAcrossForms(t *testing.T) {
	tests := []struct {
		name  string
		info  RunInfo
		expr  string
		guard Guard
		want  bool
	}{
		{
			name:  "unknown operand of or",
			info:  RunInfo{Branch: "main"},
			expr:  `env.DEPLOY == "true" || branch == "main"`,
			guard: AnyOf{EnvGuard{Name: "DEPLOY", Value: "true"}, BranchGuard{Pattern: "main"}},
			want:  false,
		},
		{
			name:  "unknown operand of or, reversed",
			info:  RunInfo{Branch: "main"},
			expr:  `branch == "main" || env.DEPLOY == "true"`,
			guard: AnyOf{BranchGuard{Pattern: "main"}, EnvGuard{Name: "DEPLOY", Value: "true"}},
			want:  false,
		},
		{
			name:  "unknown operand of and",
			info:  RunInfo{Branch: "dev"},
			expr:  `branch == "main" && env.DEPLOY == "true"`,
			guard: AllOf{BranchGuard{Pattern: "main"}, EnvGuard{Name: "DEPLOY", Value: "true"}},
			want:  false,
		},
		{
			name:  "negated unknown",
			info:  RunInfo{Branch: "main"},
			expr:  `not (env.DEPLOY == "true")`,
			guard: Not{Guard: EnvGuard{Name: "DEPLOY", Value: "true"}},
			want:  false,
		},
		{
			name:  "all fields known",
			info:  RunInfo{Branch: "main", Env: map[string]string{"DEPLOY": "false"}},
			expr:  `env.DEPLOY == "true" || branch == "main"`,
			guard: AnyOf{EnvGuard{Name: "DEPLOY", Value: "true"}, BranchGuard{Pattern: "main"}},
			want:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc := NewRunContext(tt.info)

			fromExpr, err := Evaluate(mustExpr(t, tt.expr), rc)
			require.NoError(t, err)
			fromCombinators, err := Evaluate(tt.guard, rc)
			require.NoError(t, err)

			assert.Equal(t, tt.want, fromExpr)
			assert.Equal(t, fromExpr, fromCombinators)
		})
	}
}

package numerator

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// ExhaustionPolicy decides whether a range needs renumbering soon.
type ExhaustionPolicy interface {
	NearExhaustion(u Usage) (bool, error)
}

// ThresholdPolicy fires when the usage ratio reaches Threshold.
type ThresholdPolicy struct {
	Threshold float64
}

// NearExhaustion implements ExhaustionPolicy.
func (p ThresholdPolicy) NearExhaustion(u Usage) (bool, error) {
	return u.Ratio >= p.Threshold, nil
}

// RulePolicy evaluates a compiled CEL expression against a Usage.
type RulePolicy struct {
	expr string
	prg  cel.Program
}

// NewRulePolicy compiles expr. The expression must evaluate to bool.
func NewRulePolicy(expr string) (*RulePolicy, error) {
	env, err := cel.NewEnv(
		cel.Variable("ratio", cel.DoubleType),
		cel.Variable("remaining", cel.IntType),
		cel.Variable("used", cel.IntType),
		cel.Variable("size", cel.IntType),
		cel.Variable("operation", cel.StringType),
		cel.Variable("location", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("create cel env: %w", err)
	}

	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile exhaustion rule: %w", iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("exhaustion rule must return bool, got %s", ast.OutputType())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build exhaustion rule: %w", err)
	}
	return &RulePolicy{expr: expr, prg: prg}, nil
}

// NearExhaustion implements ExhaustionPolicy.
func (p *RulePolicy) NearExhaustion(u Usage) (bool, error) {
	out, _, err := p.prg.Eval(map[string]any{
		"ratio":     u.Ratio,
		"remaining": u.Remaining,
		"used":      u.Used,
		"size":      u.Range.Size,
		"operation": string(u.Key.OperationType),
		"location":  int64(u.Key.Location),
	})
	if err != nil {
		return false, fmt.Errorf("evaluate exhaustion rule %q: %w", p.expr, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("exhaustion rule %q returned %T", p.expr, out.Value())
	}
	return b, nil
}

// PolicyFromConfig returns the rule policy when ExhaustionRule is set,
// otherwise a threshold policy on WarnThreshold.
func PolicyFromConfig(cfg Config) (ExhaustionPolicy, error) {
	if cfg.ExhaustionRule == "" {
		return ThresholdPolicy{Threshold: cfg.WarnThreshold}, nil
	}
	return NewRulePolicy(cfg.ExhaustionRule)
}

package model

import (
	"fmt"
	"regexp"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/opensource-finance/fraudproof/internal/domain"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var celReserved = map[string]bool{
	"true": true, "false": true, "null": true, "in": true, "as": true,
	"break": true, "const": true, "continue": true, "else": true, "for": true,
	"function": true, "if": true, "import": true, "let": true, "loop": true,
	"package": true, "namespace": true, "return": true, "var": true,
	"void": true, "while": true,
	"features": true, "x": true,
}

// celClassifier evaluates a compiled CEL expression over the feature vector.
// Every feature with an identifier-safe name is bound as a double variable;
// all of them are also reachable through `features["name"]` and `x[i]`.
type celClassifier struct {
	program   cel.Program
	features  []string
	bound     []bool
	threshold float64
}

func newCELClassifier(a *Artifact) (*celClassifier, error) {
	if a.Expression == "" {
		return nil, fmt.Errorf("model %s: cel artifact has no expression", a.Domain)
	}

	opts := []cel.EnvOption{
		cel.Variable("features", cel.MapType(cel.StringType, cel.DoubleType)),
		cel.Variable("x", cel.ListType(cel.DoubleType)),
	}
	bound := make([]bool, len(a.Features))
	for i, name := range a.Features {
		if identPattern.MatchString(name) && !celReserved[name] {
			opts = append(opts, cel.Variable(name, cel.DoubleType))
			bound[i] = true
		}
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(a.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile model %s: %w", a.Domain, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("model %s: expression must return bool, int, or double, got %s", a.Domain, outputType)
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for model %s: %w", a.Domain, err)
	}

	return &celClassifier{
		program:   program,
		features:  a.Features,
		bound:     bound,
		threshold: a.threshold(),
	}, nil
}

func (c *celClassifier) Predict(x domain.FeatureVector) (int, error) {
	if err := checkLen(x, len(c.features)); err != nil {
		return -1, err
	}

	named := make(map[string]float64, len(x))
	activation := make(map[string]any, len(x)+2)
	for i, name := range c.features {
		named[name] = x[i]
		if c.bound[i] {
			activation[name] = x[i]
		}
	}
	activation["features"] = named
	activation["x"] = []float64(x)

	out, _, err := c.program.Eval(activation)
	if err != nil {
		return -1, fmt.Errorf("%w: %v", domain.ErrInference, err)
	}

	if toScore(out) >= c.threshold {
		return 1, nil
	}
	return 0, nil
}

// toScore converts a CEL value to a numeric score.
func toScore(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0
		}
		return 0.0
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0.0
	}
}

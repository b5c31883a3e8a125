package campaign

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/noah-isme/klinik-promo/internal/lineitem"
	"github.com/noah-isme/klinik-promo/internal/pricing"
)

var (
	celEnvOnce sync.Once
	celEnv     *cel.Env
	celEnvErr  error
)

func expressionEnv() (*cel.Env, error) {
	celEnvOnce.Do(func() {
		celEnv, celEnvErr = cel.NewEnv(
			cel.Variable("item", cel.MapType(cel.StringType, cel.DynType)),
			cel.CrossTypeNumericComparisons(true),
		)
	})
	return celEnv, celEnvErr
}

// Expression is a compiled CEL predicate evaluated against one line item.
// The item is exposed as `item` with keys id, type, name, quantity,
// unit_price and total (prices in major units).
type Expression struct {
	Source  string
	program cel.Program
}

// CompileExpression parses and type-checks src. Expressions that cannot
// yield a bool are rejected: either the checked type says so, or a dyn
// result evaluated against an empty item is not a bool.
func CompileExpression(src string) (*Expression, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, errors.New("expression is required")
	}
	env, err := expressionEnv()
	if err != nil {
		return nil, fmt.Errorf("expression env: %w", err)
	}
	ast, iss := env.Compile(src)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile expression: %w", iss.Err())
	}
	out := ast.OutputType()
	if !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("expression yields %s, want bool", out)
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program expression: %w", err)
	}
	expr := &Expression{Source: src, program: prg}
	if v, err := expr.eval(lineitem.LineItem{}); err == nil {
		if _, ok := v.(bool); !ok {
			return nil, fmt.Errorf("expression yields %T, want bool", v)
		}
	}
	return expr, nil
}

// Matches evaluates the expression for item. Non-boolean results are errors.
func (e *Expression) Matches(item lineitem.LineItem) (bool, error) {
	if e == nil || e.program == nil {
		return false, errors.New("expression not compiled")
	}
	v, err := e.eval(item)
	if err != nil {
		return false, err
	}
	matched, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("expression returned %T, want bool", v)
	}
	return matched, nil
}

func (e *Expression) eval(item lineitem.LineItem) (any, error) {
	out, _, err := e.program.Eval(map[string]any{
		"item": map[string]any{
			"id":         item.ItemID,
			"type":       string(item.ItemType),
			"name":       item.ItemName,
			"quantity":   int64(item.Quantity),
			"unit_price": pricing.ToDecimal(item.UnitPrice),
			"total":      pricing.ToDecimal(item.Total),
		},
	})
	if err != nil {
		return nil, err
	}
	return out.Value(), nil
}

// Package evalstub is a minimal Evaluator (internal/qdb.Evaluator) for
// FindEntities filters: a single `field OP literal` comparison, enough
// for the engine and its tests to have a working filter hook without an
// external expression-language dependency.
package evalstub

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rqure/qdb/internal/qdb"
)

// Evaluator implements qdb.Evaluator with expressions of the form
// "FieldName == literal", "FieldName != literal", or the bare "true".
// literal is parsed according to the looked-up field's variant.
type Evaluator struct{}

func New() *Evaluator { return &Evaluator{} }

func (Evaluator) Evaluate(expr string, lookup func(string) (qdb.Value, bool)) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "true" {
		return true, nil
	}
	if expr == "false" {
		return false, nil
	}

	for _, op := range []string{"==", "!="} {
		if idx := strings.Index(expr, op); idx >= 0 {
			field := strings.TrimSpace(expr[:idx])
			literal := strings.TrimSpace(expr[idx+len(op):])
			v, ok := lookup(field)
			if !ok {
				return false, nil
			}
			eq := valueMatchesLiteral(v, literal)
			if op == "!=" {
				eq = !eq
			}
			return eq, nil
		}
	}
	return false, fmt.Errorf("evalstub: unrecognized expression %q", expr)
}

func valueMatchesLiteral(v qdb.Value, literal string) bool {
	literal = strings.Trim(literal, `"`)
	switch v.Variant() {
	case qdb.VariantBool:
		b, err := strconv.ParseBool(literal)
		return err == nil && v.Bool() == b
	case qdb.VariantInt:
		n, err := strconv.ParseInt(literal, 10, 64)
		return err == nil && v.Int() == n
	case qdb.VariantFloat:
		f, err := strconv.ParseFloat(literal, 64)
		return err == nil && v.Float() == f
	case qdb.VariantString:
		return v.String() == literal
	case qdb.VariantChoice:
		return v.Choice() == literal
	default:
		return false
	}
}

var _ qdb.Evaluator = Evaluator{}

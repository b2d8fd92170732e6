// Package filter narrows a subscription with a CEL expression evaluated on
// the client. Documents the expression rejects are reported as absent, so
// a document that stops matching is delivered as a deletion.
//
// Expressions see these variables:
//
//	id              string    last segment of the document name
//	name            string    full document resource name
//	fields          map       canonical field values
//	create_time_ms  int       creation time in Unix milliseconds
//	update_time_ms  int       last update time in Unix milliseconds
//
// Inside fields, integers and doubles are both doubles, references are
// resource name strings and geo points are maps with latitude and longitude.
package filter

import (
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"github.com/firesync/firesync.go/pkg/models"
	"github.com/google/cel-go/cel"
)

var ErrNotBoolean = errors.New("filter expression must evaluate to a bool")

// Filter is a compiled expression. It is safe for concurrent use.
type Filter struct {
	expr    string
	prog    cel.Program
	enabled bool
}

// Compile parses and type-checks expr. An empty expression matches every
// document.
func Compile(expr string) (*Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return &Filter{}, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("id", cel.StringType),
		cel.Variable("name", cel.StringType),
		cel.Variable("fields", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("create_time_ms", cel.IntType),
		cel.Variable("update_time_ms", cel.IntType),
	)
	if err != nil {
		return nil, err
	}

	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("failed to parse filter %q: %w", expr, iss.Err())
	}
	checked, iss := env.Check(ast)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("failed to check filter %q: %w", expr, iss.Err())
	}
	if out := checked.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("%w: %q has type %v", ErrNotBoolean, expr, out)
	}

	prog, err := env.Program(checked)
	if err != nil {
		return nil, err
	}

	return &Filter{expr: expr, prog: prog, enabled: true}, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(expr string) *Filter {
	f, err := Compile(expr)
	if err != nil {
		panic(err)
	}
	return f
}

func (f *Filter) String() string {
	return f.expr
}

// Match evaluates the expression against doc. Evaluation errors, such as a
// missing field, and non-bool results count as no match. Only a document
// whose fields cannot be converted yields an error.
func (f *Filter) Match(doc *firestorepb.Document) (bool, error) {
	if !f.enabled {
		return true, nil
	}

	fields, err := models.FieldsToCanonical(doc.GetFields())
	if err != nil {
		return false, err
	}

	out, _, err := f.prog.Eval(map[string]any{
		"id":             models.DocumentID(doc.GetName()),
		"name":           doc.GetName(),
		"fields":         celFields(fields),
		"create_time_ms": models.ToMilliseconds(doc.GetCreateTime()),
		"update_time_ms": models.ToMilliseconds(doc.GetUpdateTime()),
	})
	if err != nil {
		return false, nil
	}
	b, ok := out.Value().(bool)
	return ok && b, nil
}

// Where runs next only on documents f matches.
func Where[T any](f *Filter, next models.Converter[T]) models.Converter[T] {
	return func(doc *firestorepb.Document) (T, bool, error) {
		var zero T

		ok, err := f.Match(doc)
		if err != nil || !ok {
			return zero, false, err
		}
		return next(doc)
	}
}

func celFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = celValue(v)
	}
	return out
}

func celValue(v any) any {
	switch v := v.(type) {
	case models.GeoPoint:
		return map[string]any{"latitude": v.Latitude, "longitude": v.Longitude}
	case models.Reference:
		return string(v)
	case map[string]any:
		return celFields(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = celValue(item)
		}
		return out
	default:
		return v
	}
}

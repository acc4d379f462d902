// Package conditions evaluates level applicability predicates against request
// metadata. Predicates are stored as JSON expression trees and interpreted; an
// expression that cannot be parsed or evaluated is reported as an error so the
// caller can fail closed.
package conditions

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind discriminates the expression variants.
type Kind string

const (
	KindCompare Kind = "compare"
	KindAnd     Kind = "and"
	KindOr      Kind = "or"
	KindNot     Kind = "not"
	KindIn      Kind = "in"
	KindExists  Kind = "exists"
)

// Op is a comparison operator.
type Op string

const (
	OpEq  Op = "eq"
	OpNe  Op = "ne"
	OpGt  Op = "gt"
	OpGte Op = "gte"
	OpLt  Op = "lt"
	OpLte Op = "lte"
)

var opAliases = map[string]Op{
	"eq": OpEq, "==": OpEq, "=": OpEq,
	"ne": OpNe, "!=": OpNe, "<>": OpNe,
	"gt": OpGt, ">": OpGt,
	"gte": OpGte, ">=": OpGte,
	"lt": OpLt, "<": OpLt,
	"lte": OpLte, "<=": OpLte,
}

var (
	ErrUnknownKind     = errors.New("unknown expression kind")
	ErrUnknownOperator = errors.New("unknown comparison operator")
	ErrMissingField    = errors.New("expression requires a field")
	ErrMissingArgs     = errors.New("expression requires arguments")
	ErrNotComparable   = errors.New("values are not comparable")
	ErrTooDeep         = errors.New("expression nesting too deep")
)

// maxDepth bounds recursion for stored predicates.
const maxDepth = 32

// Expr is a node of the predicate tree. Which fields are meaningful depends on Kind:
//   - compare: Field, Op, Value
//   - in:      Field, Values
//   - exists:  Field
//   - and, or: Args (one or more)
//   - not:     Args (exactly one)
type Expr struct {
	Kind   Kind          `json:"kind"`
	Field  string        `json:"field,omitempty"`
	Op     Op            `json:"op,omitempty"`
	Value  interface{}   `json:"value,omitempty"`
	Values []interface{} `json:"values,omitempty"`
	Args   []*Expr       `json:"args,omitempty"`
}

// Compare builds a comparison node.
func Compare(field string, op Op, value interface{}) *Expr {
	return &Expr{Kind: KindCompare, Field: field, Op: op, Value: value}
}

// And builds a conjunction.
func And(args ...*Expr) *Expr { return &Expr{Kind: KindAnd, Args: args} }

// Or builds a disjunction.
func Or(args ...*Expr) *Expr { return &Expr{Kind: KindOr, Args: args} }

// Not negates an expression.
func Not(arg *Expr) *Expr { return &Expr{Kind: KindNot, Args: []*Expr{arg}} }

// In builds a membership test.
func In(field string, values ...interface{}) *Expr {
	return &Expr{Kind: KindIn, Field: field, Values: values}
}

// Exists tests that a field is present and non-null.
func Exists(field string) *Expr { return &Expr{Kind: KindExists, Field: field} }

// Parse decodes and validates a stored predicate. Empty input and JSON null
// mean "no predicate" and return nil without error.
func Parse(raw []byte) (*Expr, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return nil, nil
	}

	// Accept the shorthand {"field":..,"operator":..,"value":..} as a compare node.
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, fmt.Errorf("invalid predicate: %w", err)
	}
	if _, hasKind := fields["kind"]; !hasKind {
		if opRaw, ok := fields["operator"]; ok {
			fields["op"] = opRaw
			delete(fields, "operator")
			kindRaw, _ := json.Marshal(KindCompare)
			fields["kind"] = kindRaw
			trimmed, _ = json.Marshal(fields)
		}
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var expr Expr
	if err := dec.Decode(&expr); err != nil {
		return nil, fmt.Errorf("invalid predicate: %w", err)
	}
	if err := expr.Validate(); err != nil {
		return nil, err
	}
	return &expr, nil
}

// Validate checks the tree shape without evaluating it.
func (e *Expr) Validate() error {
	return e.validate(0)
}

func (e *Expr) validate(depth int) error {
	if e == nil {
		return ErrMissingArgs
	}
	if depth > maxDepth {
		return ErrTooDeep
	}
	switch e.Kind {
	case KindCompare:
		if strings.TrimSpace(e.Field) == "" {
			return ErrMissingField
		}
		op, ok := opAliases[strings.ToLower(string(e.Op))]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownOperator, e.Op)
		}
		e.Op = op
		return nil
	case KindIn:
		if strings.TrimSpace(e.Field) == "" {
			return ErrMissingField
		}
		if len(e.Values) == 0 {
			return ErrMissingArgs
		}
		return nil
	case KindExists:
		if strings.TrimSpace(e.Field) == "" {
			return ErrMissingField
		}
		return nil
	case KindAnd, KindOr:
		if len(e.Args) == 0 {
			return ErrMissingArgs
		}
		for _, arg := range e.Args {
			if err := arg.validate(depth + 1); err != nil {
				return err
			}
		}
		return nil
	case KindNot:
		if len(e.Args) != 1 {
			return fmt.Errorf("%w: not takes exactly one argument", ErrMissingArgs)
		}
		return e.Args[0].validate(depth + 1)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
}

// Evaluate interprets the expression against metadata. A compare on a field
// that is absent evaluates to false; type mismatches on ordering operators
// are errors.
func (e *Expr) Evaluate(metadata map[string]interface{}) (bool, error) {
	if err := e.Validate(); err != nil {
		return false, err
	}
	return e.eval(metadata)
}

func (e *Expr) eval(metadata map[string]interface{}) (bool, error) {
	switch e.Kind {
	case KindCompare:
		actual, ok := lookup(metadata, e.Field)
		if !ok || actual == nil {
			return false, nil
		}
		return compare(actual, e.Op, e.Value)
	case KindIn:
		actual, ok := lookup(metadata, e.Field)
		if !ok || actual == nil {
			return false, nil
		}
		for _, candidate := range e.Values {
			if equal(actual, candidate) {
				return true, nil
			}
		}
		return false, nil
	case KindExists:
		actual, ok := lookup(metadata, e.Field)
		return ok && actual != nil, nil
	case KindAnd:
		for _, arg := range e.Args {
			ok, err := arg.eval(metadata)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case KindOr:
		for _, arg := range e.Args {
			ok, err := arg.eval(metadata)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case KindNot:
		ok, err := e.Args[0].eval(metadata)
		if err != nil {
			return false, err
		}
		return !ok, nil
	}
	return false, fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
}

// lookup resolves a dotted path through nested maps.
func lookup(metadata map[string]interface{}, path string) (interface{}, bool) {
	var current interface{} = metadata
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func compare(actual interface{}, op Op, expected interface{}) (bool, error) {
	switch op {
	case OpEq:
		return equal(actual, expected), nil
	case OpNe:
		return !equal(actual, expected), nil
	}

	a, okA := toFloat(actual)
	b, okB := toFloat(expected)
	if !okA || !okB {
		return false, fmt.Errorf("%w: %v %s %v", ErrNotComparable, actual, op, expected)
	}
	switch op {
	case OpGt:
		return a > b, nil
	case OpGte:
		return a >= b, nil
	case OpLt:
		return a < b, nil
	case OpLte:
		return a <= b, nil
	}
	return false, fmt.Errorf("%w: %q", ErrUnknownOperator, op)
}

func equal(a, b interface{}) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return false
}

// toFloat converts JSON numbers, Go numerics and numeric strings.
func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil && !math.IsNaN(f)
	case float64:
		return n, !math.IsNaN(n)
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil && !math.IsNaN(f)
	}
	return 0, false
}

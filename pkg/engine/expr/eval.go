package expr

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"strings"
)

type node interface {
	Eval(ctx context.Context, lookup LookupFunc) (any, error)
}

type logicalExpr struct {
	op    tokenType
	left  node
	right node
}

type binaryExpr struct {
	op    tokenType
	left  node
	right node
}

type unaryExpr struct {
	op      tokenType
	operand node
}

type identifierExpr struct {
	name string
}

type literalExpr struct {
	value any
}

type listExpr struct {
	items []node
}

func (n *logicalExpr) Eval(ctx context.Context, lookup LookupFunc) (any, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	leftVal, err := n.left.Eval(ctx, lookup)
	if err != nil {
		return nil, err
	}
	leftBool, err := toBool(leftVal)
	if err != nil {
		return nil, err
	}

	// short-circuit
	if n.op == tokenAnd && !leftBool {
		return false, nil
	}
	if n.op == tokenOr && leftBool {
		return true, nil
	}

	rightVal, err := n.right.Eval(ctx, lookup)
	if err != nil {
		return nil, err
	}
	return toBool(rightVal)
}

func (n *binaryExpr) Eval(ctx context.Context, lookup LookupFunc) (any, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	leftVal, err := n.left.Eval(ctx, lookup)
	if err != nil {
		return nil, err
	}
	rightVal, err := n.right.Eval(ctx, lookup)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case tokenEq:
		return equals(leftVal, rightVal)
	case tokenNeq:
		eq, err := equals(leftVal, rightVal)
		if err != nil {
			return nil, err
		}
		return !eq, nil
	case tokenGt, tokenGte, tokenLt, tokenLte:
		return compare(leftVal, rightVal, n.op)
	case tokenIn:
		return contains(rightVal, leftVal)
	case tokenNotIn:
		in, err := contains(rightVal, leftVal)
		if err != nil {
			return nil, err
		}
		return !in, nil
	case tokenPlus, tokenMinus, tokenStar, tokenSlash, tokenPercent:
		return arithmetic(leftVal, rightVal, n.op)
	default:
		return nil, fmt.Errorf("%w: unsupported binary operator %s", ErrSyntax, n.op)
	}
}

func (n *unaryExpr) Eval(ctx context.Context, lookup LookupFunc) (any, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	value, err := n.operand.Eval(ctx, lookup)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case tokenNot:
		boolVal, err := toBool(value)
		if err != nil {
			return nil, err
		}
		return !boolVal, nil
	case tokenMinus:
		number, ok := toFloat(value)
		if !ok {
			return nil, fmt.Errorf("%w: unary - expects numeric operand", ErrTypeMismatch)
		}
		return -number, nil
	case tokenPlus:
		number, ok := toFloat(value)
		if !ok {
			return nil, fmt.Errorf("%w: unary + expects numeric operand", ErrTypeMismatch)
		}
		return number, nil
	default:
		return nil, fmt.Errorf("%w: unsupported unary operator", ErrSyntax)
	}
}

func (n *identifierExpr) Eval(ctx context.Context, lookup LookupFunc) (any, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if value, ok := lookup(n.name); ok {
		return value, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownIdentifier, n.name)
}

func (n *literalExpr) Eval(ctx context.Context, _ LookupFunc) (any, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	return n.value, nil
}

func (n *listExpr) Eval(ctx context.Context, lookup LookupFunc) (any, error) {
	out := make([]any, 0, len(n.items))
	for _, item := range n.items {
		v, err := item.Eval(ctx, lookup)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// --- Helpers ---

func checkContext(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func toBool(value any) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	default:
		return false, fmt.Errorf("%w: expected boolean, got %T", ErrTypeMismatch, value)
	}
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	}
	return 0, false
}

// isNumber reports numeric operands. Strings never coerce, so "1" == 1 is
// false and "10" < "9" compares lexically.
func isNumber(value any) bool {
	_, ok := toFloat(value)
	return ok
}

func equals(left, right any) (bool, error) {
	if left == nil || right == nil {
		return left == nil && right == nil, nil
	}

	if lf, ok := toFloat(left); ok {
		if rf, ok := toFloat(right); ok {
			return lf == rf, nil
		}
	}

	switch l := left.(type) {
	case string:
		r, ok := right.(string)
		return ok && l == r, nil
	case bool:
		r, ok := right.(bool)
		return ok && l == r, nil
	}
	switch right.(type) {
	case string, bool:
		return false, nil
	}

	if isComposite(left) || isComposite(right) {
		return reflect.DeepEqual(left, right), nil
	}

	return false, fmt.Errorf("%w: cannot compare %T and %T", ErrTypeMismatch, left, right)
}

func isComposite(v any) bool {
	switch reflect.ValueOf(v).Kind() {
	case reflect.Map, reflect.Slice, reflect.Array:
		return true
	}
	return false
}

func compare(left, right any, op tokenType) (bool, error) {
	if lf, ok := toFloat(left); ok {
		if rf, ok := toFloat(right); ok {
			switch op {
			case tokenGt:
				return lf > rf, nil
			case tokenGte:
				return lf >= rf, nil
			case tokenLt:
				return lf < rf, nil
			case tokenLte:
				return lf <= rf, nil
			}
		}
	}

	ls, leftIsString := left.(string)
	rs, rightIsString := right.(string)
	if leftIsString && rightIsString {
		switch op {
		case tokenGt:
			return ls > rs, nil
		case tokenGte:
			return ls >= rs, nil
		case tokenLt:
			return ls < rs, nil
		case tokenLte:
			return ls <= rs, nil
		}
	}

	return false, fmt.Errorf("%w: cannot apply comparator to %T and %T", ErrTypeMismatch, left, right)
}

// contains implements "needle in haystack" for strings, lists and map keys.
func contains(haystack, needle any) (bool, error) {
	switch h := haystack.(type) {
	case string:
		s, ok := needle.(string)
		if !ok {
			return false, fmt.Errorf("%w: 'in <string>' requires a string operand, got %T", ErrTypeMismatch, needle)
		}
		return strings.Contains(h, s), nil
	case map[string]any:
		key, ok := needle.(string)
		if !ok {
			return false, fmt.Errorf("%w: map membership requires a string key, got %T", ErrTypeMismatch, needle)
		}
		_, found := h[key]
		return found, nil
	case nil:
		return false, fmt.Errorf("%w: membership test against null", ErrTypeMismatch)
	}

	rv := reflect.ValueOf(haystack)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return false, fmt.Errorf("%w: %T does not support membership", ErrTypeMismatch, haystack)
	}
	for i := 0; i < rv.Len(); i++ {
		eq, err := equals(rv.Index(i).Interface(), needle)
		if err == nil && eq {
			return true, nil
		}
	}
	return false, nil
}

func arithmetic(left, right any, op tokenType) (any, error) {
	if op == tokenPlus {
		ls, leftIsString := left.(string)
		rs, rightIsString := right.(string)
		if leftIsString && rightIsString {
			return ls + rs, nil
		}
	}

	if !isNumber(left) || !isNumber(right) {
		return nil, fmt.Errorf("%w: operator %s expects numbers, got %T and %T", ErrTypeMismatch, op, left, right)
	}
	lf, _ := toFloat(left)
	rf, _ := toFloat(right)

	switch op {
	case tokenPlus:
		return lf + rf, nil
	case tokenMinus:
		return lf - rf, nil
	case tokenStar:
		return lf * rf, nil
	case tokenSlash:
		if rf == 0 {
			return nil, fmt.Errorf("%w: division by zero", ErrTypeMismatch)
		}
		return lf / rf, nil
	case tokenPercent:
		if rf == 0 {
			return nil, fmt.Errorf("%w: modulo by zero", ErrTypeMismatch)
		}
		return math.Mod(lf, rf), nil
	default:
		return nil, fmt.Errorf("%w: unsupported arithmetic operator %s", ErrSyntax, op)
	}
}

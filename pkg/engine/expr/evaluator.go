// Package expr implements the sandboxed condition language used to gate node
// execution. Expressions are compiled once into a small AST and evaluated
// against a read-only variable lookup; there is no function call syntax and
// no way to reach anything outside the bindings.
package expr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// LookupFunc resolves variable references encountered in expressions.
type LookupFunc func(path string) (any, bool)

var (
	// ErrSyntax indicates the expression could not be parsed.
	ErrSyntax = errors.New("condition syntax error")
	// ErrDisallowed indicates the expression references a forbidden identifier.
	ErrDisallowed = errors.New("disallowed construct")
	// ErrUnknownIdentifier indicates a referenced variable is not available in scope.
	ErrUnknownIdentifier = errors.New("unknown identifier")
	// ErrTypeMismatch indicates the expression attempted an unsupported type coercion.
	ErrTypeMismatch = errors.New("type mismatch")
)

// MaxExpressionLength bounds the size of a compiled expression.
const MaxExpressionLength = 4096

// Options control evaluator behaviour.
type Options struct {
	Timeout time.Duration
	// CacheSize bounds the number of compiled programs kept. Zero selects
	// the default; negative disables caching.
	CacheSize int
}

// Evaluator compiles and evaluates conditions, caching compiled programs by
// their source text.
type Evaluator struct {
	timeout   time.Duration
	cacheSize int

	mu       sync.RWMutex
	programs map[string]*Program
}

// NewEvaluator constructs an Evaluator applying sane defaults.
func NewEvaluator(opts Options) *Evaluator {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Millisecond
	}
	size := opts.CacheSize
	if size == 0 {
		size = 512
	}
	return &Evaluator{
		timeout:   timeout,
		cacheSize: size,
		programs:  make(map[string]*Program),
	}
}

// Compile parses expression once. Repeated calls with the same text return
// the cached program.
func (e *Evaluator) Compile(expression string) (*Program, error) {
	expression = strings.TrimSpace(expression)

	e.mu.RLock()
	prog, ok := e.programs[expression]
	e.mu.RUnlock()
	if ok {
		return prog, nil
	}

	prog, err := compile(expression, e.timeout)
	if err != nil {
		return nil, err
	}

	if e.cacheSize > 0 {
		e.mu.Lock()
		if len(e.programs) >= e.cacheSize {
			e.programs = make(map[string]*Program)
		}
		e.programs[expression] = prog
		e.mu.Unlock()
	}
	return prog, nil
}

// Evaluate compiles (or reuses) expression and evaluates it.
func (e *Evaluator) Evaluate(ctx context.Context, expression string, lookup LookupFunc) (bool, error) {
	prog, err := e.Compile(expression)
	if err != nil {
		return false, err
	}
	return prog.Eval(ctx, lookup)
}

// Compile parses expression with default options.
func Compile(expression string) (*Program, error) {
	return compile(strings.TrimSpace(expression), 10*time.Millisecond)
}

// Program is a compiled expression.
type Program struct {
	source      string
	root        node
	identifiers []string
	timeout     time.Duration
}

// Source returns the expression text the program was compiled from.
func (p *Program) Source() string { return p.source }

// Identifiers lists the variable paths the program reads, in order of first use.
func (p *Program) Identifiers() []string {
	return append([]string(nil), p.identifiers...)
}

// Eval evaluates the program. The result must be boolean.
func (p *Program) Eval(ctx context.Context, lookup LookupFunc) (bool, error) {
	if lookup == nil {
		return false, fmt.Errorf("%w: lookup function is required", ErrSyntax)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var cancel context.CancelFunc
	if p.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	value, err := p.root.Eval(ctx, lookup)
	if err != nil {
		return false, err
	}

	boolValue, ok := value.(bool)
	if !ok {
		return false, fmt.Errorf("%w: expression does not evaluate to boolean", ErrTypeMismatch)
	}
	return boolValue, nil
}

func compile(expression string, timeout time.Duration) (*Program, error) {
	if expression == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrSyntax)
	}
	if len(expression) > MaxExpressionLength {
		return nil, fmt.Errorf("%w: expression longer than %d bytes", ErrSyntax, MaxExpressionLength)
	}

	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	p := newParser(ctx, newLexer(expression))
	root, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	if err := p.expect(tokenEOF); err != nil {
		return nil, err
	}

	return &Program{
		source:      expression,
		root:        root,
		identifiers: p.identifiers,
		timeout:     timeout,
	}, nil
}

// MapLookup resolves dotted paths against nested maps, e.g. "node_a.score"
// reads vars["node_a"]["score"].
func MapLookup(vars map[string]any) LookupFunc {
	return func(path string) (any, bool) {
		if v, ok := vars[path]; ok {
			return v, true
		}
		segments := strings.Split(path, ".")
		current, ok := vars[segments[0]]
		if !ok {
			return nil, false
		}
		for _, seg := range segments[1:] {
			m, isMap := current.(map[string]any)
			if !isMap {
				return nil, false
			}
			current, ok = m[seg]
			if !ok {
				return nil, false
			}
		}
		return current, true
	}
}

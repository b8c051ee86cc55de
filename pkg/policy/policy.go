package policy

import (
	"context"
)

// Decision captures the result of a permission evaluation.
type Decision struct {
	Allow  bool
	Reason string
}

// Input describes one capability use to decide on.
type Input struct {
	Capability string
	Tier       string
	TenantID   string
	// Restricted maps capability types to the minimum tier allowed to use them.
	Restricted map[string]string
	// TierRanks orders tiers; higher ranks inherit lower ranks' permissions.
	TierRanks    map[string]int
	Entrypoint   string
	DisableCache bool
}

// Filter evaluates a permission decision for a given input.
type Filter interface {
	Evaluate(ctx context.Context, input Input) (Decision, error)
}

// FilterFunc adapts a function to Filter.
type FilterFunc func(ctx context.Context, input Input) (Decision, error)

// Evaluate calls f.
func (f FilterFunc) Evaluate(ctx context.Context, input Input) (Decision, error) {
	return f(ctx, input)
}

// Chain composes multiple filters, short-circuiting on the first deny.
type Chain struct {
	filters []Filter
}

// NewChain constructs a filter chain.
func NewChain(filters ...Filter) Chain {
	return Chain{filters: append([]Filter(nil), filters...)}
}

// Evaluate executes the chain until a filter denies.
func (c Chain) Evaluate(ctx context.Context, input Input) (Decision, error) {
	for _, filter := range c.filters {
		decision, err := filter.Evaluate(ctx, input)
		if err != nil {
			return Decision{}, err
		}
		if !decision.Allow {
			return decision, nil
		}
	}
	return Decision{Allow: true}, nil
}

// Package capability holds the registry of capability providers the engine
// dispatches nodes to, together with the provider contract.
package capability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrDuplicate is returned when a capability type is registered twice.
	ErrDuplicate = errors.New("capability already registered")
	// ErrInvalid is returned for empty types or nil providers.
	ErrInvalid = errors.New("invalid capability registration")
)

// Message is what a provider receives for one node invocation.
type Message struct {
	Action string         `json:"action"`
	Data   map[string]any `json:"data"`
	Config map[string]any `json:"config"`
}

// Provider handles messages for one capability type. A nil error signals
// success; any error fails the node.
type Provider interface {
	Handle(ctx context.Context, msg Message) (any, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, msg Message) (any, error)

// Handle calls f(ctx, msg).
func (f ProviderFunc) Handle(ctx context.Context, msg Message) (any, error) {
	return f(ctx, msg)
}

// BlockingProvider marks providers that do synchronous work and must run on
// the engine's bounded worker pool.
type BlockingProvider interface {
	Provider
	Blocking() bool
}

type blockingProvider struct {
	fn func(msg Message) (any, error)
}

// Blocking wraps a synchronous handler. The engine runs it on its worker
// pool; the handler does not receive the context.
func Blocking(fn func(msg Message) (any, error)) Provider {
	return blockingProvider{fn: fn}
}

func (b blockingProvider) Handle(_ context.Context, msg Message) (any, error) {
	return b.fn(msg)
}

func (b blockingProvider) Blocking() bool { return true }

// IsBlocking reports whether p must run on the worker pool.
func IsBlocking(p Provider) bool {
	bp, ok := p.(BlockingProvider)
	return ok && bp.Blocking()
}

// RateLimit throttles invocations of a capability. Zero disables throttling.
type RateLimit struct {
	PerSecond int `json:"per_second" yaml:"per_second"`
	Burst     int `json:"burst" yaml:"burst"`
}

// Metadata describes a registered capability.
type Metadata struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Version     string    `json:"version,omitempty"`
	Actions     []string  `json:"actions,omitempty"`
	RateLimit   RateLimit `json:"rate_limit,omitempty"`
}

// SupportsAction reports whether action is declared. Capabilities that
// declare no actions accept any.
func (m Metadata) SupportsAction(action string) bool {
	if len(m.Actions) == 0 {
		return true
	}
	for _, a := range m.Actions {
		if a == action {
			return true
		}
	}
	return false
}

type entry struct {
	provider Provider
	meta     Metadata
}

// Registry maps capability type names to providers.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds a provider under capType.
func (r *Registry) Register(capType string, provider Provider, meta Metadata) error {
	key := normalize(capType)
	if key == "" {
		return fmt.Errorf("%w: empty capability type", ErrInvalid)
	}
	if provider == nil {
		return fmt.Errorf("%w: nil provider for %q", ErrInvalid, key)
	}
	if meta.Name == "" {
		meta.Name = key
	}
	meta.Actions = append([]string(nil), meta.Actions...)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[key]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicate, key)
	}
	r.entries[key] = entry{provider: provider, meta: meta}
	return nil
}

// Get returns the provider for capType.
func (r *Registry) Get(capType string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[normalize(capType)]
	return e.provider, ok
}

// Metadata returns the metadata for capType.
func (r *Registry) Metadata(capType string) (Metadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[normalize(capType)]
	return e.meta, ok
}

// List returns a copy of every registered capability's metadata.
func (r *Registry) List() map[string]Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Metadata, len(r.entries))
	for key, e := range r.entries {
		out[key] = e.meta
	}
	return out
}

// Types returns the registered type names in lexical order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.entries))
	for key := range r.entries {
		types = append(types, key)
	}
	sort.Strings(types)
	return types
}

func normalize(capType string) string {
	return strings.TrimSpace(capType)
}

// Package providers holds the capability providers shipped with the CLI.
package providers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"text/template"
	"time"

	"github.com/fmonfasani/iopeer.com/pkg/capability"
)

// Capability type names.
const (
	Echo     = "echo"
	Static   = "static"
	Template = "template"
	Delay    = "delay"
	Redact   = "redact"
	HTTP     = "http"
)

var (
	// ErrMissingConfig is returned when a required config key is absent.
	ErrMissingConfig = errors.New("missing provider config")
)

// Register adds every built-in provider to reg.
func Register(reg *capability.Registry) error {
	entries := []struct {
		name     string
		provider capability.Provider
		meta     capability.Metadata
	}{
		{Echo, capability.ProviderFunc(echo), capability.Metadata{
			Description: "returns the action and input it received",
			Version:     "1.0.0",
		}},
		{Static, capability.ProviderFunc(static), capability.Metadata{
			Description: "returns config.value unchanged",
			Version:     "1.0.0",
		}},
		{Template, capability.Blocking(render), capability.Metadata{
			Description: "renders config.template with the node input",
			Version:     "1.0.0",
			Actions:     []string{"process", "render"},
		}},
		{Delay, capability.ProviderFunc(delay), capability.Metadata{
			Description: "waits config.duration, then echoes",
			Version:     "1.0.0",
			RateLimit:   capability.RateLimit{PerSecond: 50, Burst: 10},
		}},
		{Redact, capability.ProviderFunc(redact), capability.Metadata{
			Description: "masks PII in the node input using config.rules",
			Version:     "1.0.0",
		}},
		{HTTP, newHTTPProvider(nil), capability.Metadata{
			Description: "calls config.url on an allowlisted host",
			Version:     "1.0.0",
			RateLimit:   capability.RateLimit{PerSecond: 20, Burst: 5},
		}},
	}
	for _, e := range entries {
		e.meta.Name = e.name
		if err := reg.Register(e.name, e.provider, e.meta); err != nil {
			return err
		}
	}
	return nil
}

func echo(_ context.Context, msg capability.Message) (any, error) {
	return map[string]any{
		"action": msg.Action,
		"data":   msg.Data,
	}, nil
}

func static(_ context.Context, msg capability.Message) (any, error) {
	v, ok := msg.Config["value"]
	if !ok {
		return nil, fmt.Errorf("%w: value", ErrMissingConfig)
	}
	return v, nil
}

func render(msg capability.Message) (any, error) {
	src, _ := msg.Config["template"].(string)
	if src == "" {
		return nil, fmt.Errorf("%w: template", ErrMissingConfig)
	}
	tmpl, err := template.New("node").Option("missingkey=error").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, msg.Data); err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	return buf.String(), nil
}

func delay(ctx context.Context, msg capability.Message) (any, error) {
	d := time.Second
	if raw, ok := msg.Config["duration"].(string); ok {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid duration %q: %w", raw, err)
		}
		d = parsed
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}
	return echo(ctx, msg)
}

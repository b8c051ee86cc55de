package providers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fmonfasani/iopeer.com/pkg/capability"
)

func registry(t *testing.T) *capability.Registry {
	t.Helper()
	reg := capability.NewRegistry()
	require.NoError(t, Register(reg))
	return reg
}

func call(t *testing.T, reg *capability.Registry, name string, msg capability.Message) (any, error) {
	t.Helper()
	p, ok := reg.Get(name)
	require.True(t, ok, name)
	return p.Handle(context.Background(), msg)
}

func TestRegisterAll(t *testing.T) {
	reg := registry(t)
	assert.ElementsMatch(t, []string{Echo, Static, Template, Delay, Redact, HTTP}, reg.Types())

	meta, ok := reg.Metadata(Delay)
	require.True(t, ok)
	assert.Equal(t, 50, meta.RateLimit.PerSecond)

	p, _ := reg.Get(Template)
	assert.True(t, capability.IsBlocking(p))

	require.ErrorIs(t, Register(reg), capability.ErrDuplicate)
}

func TestEcho(t *testing.T) {
	out, err := call(t, registry(t), Echo, capability.Message{Action: "process", Data: map[string]any{"k": "v"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"action": "process", "data": map[string]any{"k": "v"}}, out)
}

func TestStatic(t *testing.T) {
	reg := registry(t)
	out, err := call(t, reg, Static, capability.Message{Config: map[string]any{"value": 7}})
	require.NoError(t, err)
	assert.Equal(t, 7, out)

	_, err = call(t, reg, Static, capability.Message{})
	require.ErrorIs(t, err, ErrMissingConfig)
}

func TestTemplate(t *testing.T) {
	reg := registry(t)
	out, err := call(t, reg, Template, capability.Message{
		Config: map[string]any{"template": "hello {{.name}} from {{.from_n1.action}}"},
		Data:   map[string]any{"name": "ada", "from_n1": map[string]any{"action": "process"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello ada from process", out)

	_, err = call(t, reg, Template, capability.Message{
		Config: map[string]any{"template": "{{.missing}}"},
		Data:   map[string]any{},
	})
	require.Error(t, err)

	_, err = call(t, reg, Template, capability.Message{})
	require.ErrorIs(t, err, ErrMissingConfig)
}

func TestDelayHonoursContext(t *testing.T) {
	p, _ := registry(t).Get(Delay)

	out, err := p.Handle(context.Background(), capability.Message{Config: map[string]any{"duration": "1ms"}})
	require.NoError(t, err)
	assert.NotNil(t, out)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = p.Handle(ctx, capability.Message{Config: map[string]any{"duration": "1m"}})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = p.Handle(context.Background(), capability.Message{Config: map[string]any{"duration": "soon"}})
	require.Error(t, err)
}

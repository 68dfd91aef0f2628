package resilience_test

import (
	"testing"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchlight/searchlight/internal/provider/resilience"
)

func TestRegistry(t *testing.T) {
	reg := resilience.NewRegistry()
	reg.Register(resilience.NewClient(resilience.DefaultClientConfig("push-relay")))
	reg.Register(resilience.NewClient(resilience.DefaultClientConfig("snapshot-poller")))

	assert.Equal(t, 2, reg.Len())
	assert.True(t, reg.Healthy())

	all := reg.All()
	require.Len(t, all, 2)
	assert.Equal(t, "push-relay", all[0].Name)
	assert.Equal(t, "ok", all[0].Status())

	h, ok := reg.Health("snapshot-poller")
	require.True(t, ok)
	assert.True(t, h.IsHealthy())

	reg.Unregister("snapshot-poller")
	_, ok = reg.Health("snapshot-poller")
	assert.False(t, ok)
}

func TestProviderHealth_Status(t *testing.T) {
	tests := []struct {
		state gobreaker.State
		want  string
	}{
		{gobreaker.StateClosed, "ok"},
		{gobreaker.StateHalfOpen, "degraded"},
		{gobreaker.StateOpen, "down"},
	}
	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			h := resilience.ProviderHealth{CircuitState: tt.state}
			assert.Equal(t, tt.want, h.Status())
		})
	}
}

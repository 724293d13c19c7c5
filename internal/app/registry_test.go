package app

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dkeye/voiceclient/internal/app/session"
	"github.com/dkeye/voiceclient/internal/core/coretest"
)

func TestRegistryReplaceAndStaleUnbind(t *testing.T) {
	r := NewRegistry()
	deps := session.Deps{Devices: &coretest.DeviceFactory{}}
	sig := &coretest.Signal{}

	first := session.NewCall(sig, deps)
	second := session.NewCall(sig, deps)
	t.Cleanup(first.Supersede)
	t.Cleanup(second.Supersede)

	require.Nil(t, r.BindCall(first))
	require.Same(t, first, r.BindCall(second))
	require.False(t, r.IsCurrent(first))
	require.True(t, r.IsCurrent(second))

	// The replaced session closing late must not unbind its successor.
	require.False(t, r.Unbind(first))
	cur, ok := r.Call()
	require.True(t, ok)
	require.Same(t, second, cur)

	require.True(t, r.Unbind(second))
	_, ok = r.Call()
	require.False(t, ok)
	require.Zero(t, r.Len())
}

func TestRegistryVoice(t *testing.T) {
	r := NewRegistry()
	v := session.NewVoice(&coretest.Signal{}, "srv", "chan", session.Deps{Devices: &coretest.DeviceFactory{}})
	t.Cleanup(v.Close)

	require.Nil(t, r.BindVoice(v))
	h, ok := r.Get(v.LocalID())
	require.True(t, ok)
	require.Equal(t, v.LocalID(), h.LocalID())
	require.True(t, r.Unbind(v))
	require.False(t, r.Unbind(v))
}

package capture

import (
	"math"
	"testing"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/wave"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voiceclient/internal/core"
)

func TestRMSLevels(t *testing.T) {
	require.Zero(t, rmsInt16(nil))
	require.Zero(t, rmsInt16([]int16{0, 0, 0}))
	require.InDelta(t, 1.0, rmsInt16([]int16{math.MaxInt16, -math.MaxInt16}), 1e-9)
	require.InDelta(t, 0.5, rmsFloat32([]float32{0.5, -0.5, 0.5, -0.5}), 1e-9)
	require.Equal(t, 1.0, rmsFloat32([]float32{2, -2}))
}

func TestMeterObservesChunks(t *testing.T) {
	m := &meter{}
	require.Zero(t, m.Level())

	m.observe(&wave.Float32Interleaved{Data: []float32{0.25, -0.25}})
	require.InDelta(t, 0.25, m.Level(), 1e-9)

	m.observe(&wave.Int16Interleaved{Data: []int16{0, 0}})
	require.Zero(t, m.Level())
}

func TestDeviceInfoMapping(t *testing.T) {
	mic, ok := deviceInfo(mediadevices.MediaDeviceInfo{DeviceID: "mic-1", Kind: mediadevices.AudioInput, Label: "USB Mic"})
	require.True(t, ok)
	require.Equal(t, core.DeviceInfo{ID: "mic-1", Label: "USB Mic", Kind: core.MediaAudio}, mic)

	cam, ok := deviceInfo(mediadevices.MediaDeviceInfo{DeviceID: "video0", Kind: mediadevices.VideoInput})
	require.True(t, ok)
	require.Equal(t, "video0", cam.Label)
	require.Equal(t, core.MediaVideo, cam.Kind)

	_, ok = deviceInfo(mediadevices.MediaDeviceInfo{DeviceID: "spk", Kind: mediadevices.AudioOutput})
	require.False(t, ok)
}

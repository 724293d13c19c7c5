//go:build linux

package capture

import (
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"

	"github.com/dkeye/voiceclient/internal/core"
)

func newSelector() (*mediadevices.CodecSelector, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}
	opusParams.Latency = opus.Latency20ms

	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	), nil
}

func (c *Capture) open(source core.MediaSource, deviceID string) (mediadevices.MediaStream, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: c.selector}
	switch source {
	case core.SourceMicrophone:
		constraints.Audio = func(m *mediadevices.MediaTrackConstraints) {
			if deviceID != "" {
				m.DeviceID = prop.String(deviceID)
			}
		}
	case core.SourceCamera:
		constraints.Video = func(m *mediadevices.MediaTrackConstraints) {
			if deviceID != "" {
				m.DeviceID = prop.String(deviceID)
			}
			// MJPEG nodes on some cameras poison the VP8 encoder.
			m.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			m.Width = prop.IntRanged{Max: 640}
			m.Height = prop.IntRanged{Max: 480}
		}
	case core.SourceScreen:
		constraints.Video = func(*mediadevices.MediaTrackConstraints) {}
		return mediadevices.GetDisplayMedia(constraints)
	default:
		return nil, ErrUnsupported
	}
	return mediadevices.GetUserMedia(constraints)
}

// Package capture exposes the local microphone, camera and screen through
// pion/mediadevices.
package capture

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voiceclient/internal/core"
)

var ErrUnsupported = errors.New("capture source not supported on this platform")

// Capture acquires local tracks. Every acquired track is encoded with the
// codecs registered by Populate.
type Capture struct {
	selector *mediadevices.CodecSelector
	logger   zerolog.Logger
}

func New() (*Capture, error) {
	sel, err := newSelector()
	if err != nil {
		return nil, err
	}
	return &Capture{
		selector: sel,
		logger:   log.With().Str("module", "capture").Logger(),
	}, nil
}

// Populate registers the capture encoders on a media engine. It is nil when
// the platform has no encoders, so callers fall back to default codecs.
func (c *Capture) Populate() func(*webrtc.MediaEngine) {
	if c.selector == nil {
		return nil
	}
	return c.selector.Populate
}

func (c *Capture) Enumerate() []core.DeviceInfo {
	devices := mediadevices.EnumerateDevices()
	out := make([]core.DeviceInfo, 0, len(devices))
	for _, d := range devices {
		if info, ok := deviceInfo(d); ok {
			out = append(out, info)
		}
	}
	if len(out) == 0 {
		c.logger.Warn().Msg("no capture devices found")
	}
	return out
}

func deviceInfo(d mediadevices.MediaDeviceInfo) (core.DeviceInfo, bool) {
	var kind core.MediaKind
	switch d.Kind {
	case mediadevices.AudioInput:
		kind = core.MediaAudio
	case mediadevices.VideoInput:
		kind = core.MediaVideo
	default:
		return core.DeviceInfo{}, false
	}
	label := d.Label
	if label == "" {
		label = d.DeviceID
	}
	return core.DeviceInfo{ID: d.DeviceID, Label: label, Kind: kind}, true
}

func (c *Capture) Acquire(ctx context.Context, source core.MediaSource, deviceID string) ([]core.LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream, err := c.open(source, deviceID)
	if err != nil {
		c.logger.Warn().Err(err).Str("source", string(source)).Str("device", deviceID).Msg("acquire failed")
		return nil, err
	}
	var out []core.LocalTrack
	for _, t := range stream.GetTracks() {
		out = append(out, wrap(t, deviceID, c.logger))
	}
	c.logger.Info().Str("source", string(source)).Int("tracks", len(out)).Msg("capture started")
	return out, nil
}

// track adapts a mediadevices track to the session and rtc interfaces.
type track struct {
	t        mediadevices.Track
	kind     core.MediaKind
	deviceID string
	meter    *meter
	stopped  atomic.Bool
}

func wrap(t mediadevices.Track, deviceID string, logger zerolog.Logger) *track {
	w := &track{t: t, kind: core.MediaVideo, deviceID: deviceID}
	t.OnEnded(func(err error) {
		if err != nil {
			logger.Warn().Err(err).Str("track", t.ID()).Msg("local track ended")
		}
	})
	if at, ok := t.(*mediadevices.AudioTrack); ok {
		w.kind = core.MediaAudio
		w.meter = &meter{}
		go w.meter.run(at.NewReader(false), &w.stopped)
	}
	return w
}

func (t *track) ID() string                    { return t.t.ID() }
func (t *track) Kind() core.MediaKind          { return t.kind }
func (t *track) DeviceID() string              { return t.deviceID }
func (t *track) TrackLocal() webrtc.TrackLocal { return t.t }

// Level is the RMS of the latest captured chunk. Video tracks report 0.
func (t *track) Level() float64 {
	if t.meter == nil {
		return 0
	}
	return t.meter.Level()
}

func (t *track) Stop() {
	if t.stopped.Swap(true) {
		return
	}
	t.t.Close()
}

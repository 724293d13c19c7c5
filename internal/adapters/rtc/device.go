package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voiceclient/internal/core"
)

// AudioLevelURI is the RTP header extension carrying per-packet audio level.
const AudioLevelURI = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"

// supportedMimes are the codecs the local media stack can encode or decode.
var supportedMimes = map[string]core.MediaKind{
	strings.ToLower(webrtc.MimeTypeOpus): core.MediaAudio,
	strings.ToLower(webrtc.MimeTypeVP8):  core.MediaVideo,
	strings.ToLower(webrtc.MimeTypeVP9):  core.MediaVideo,
	strings.ToLower(webrtc.MimeTypeH264): core.MediaVideo,
}

// Codec is one entry of the router's RTP capabilities.
type Codec struct {
	Kind                 core.MediaKind  `json:"kind"`
	MimeType             string          `json:"mimeType"`
	PreferredPayloadType uint8           `json:"preferredPayloadType"`
	ClockRate            uint32          `json:"clockRate"`
	Channels             uint16          `json:"channels,omitempty"`
	Parameters           map[string]any  `json:"parameters,omitempty"`
	RTCPFeedback         json.RawMessage `json:"rtcpFeedback,omitempty"`
}

type HeaderExtension struct {
	Kind        core.MediaKind `json:"kind"`
	URI         string         `json:"uri"`
	PreferredID int            `json:"preferredId"`
}

type Capabilities struct {
	Codecs           []Codec           `json:"codecs"`
	HeaderExtensions []HeaderExtension `json:"headerExtensions,omitempty"`
}

// Options configure every device a Factory creates.
type Options struct {
	ICEServers []string
	// Populate, when set, registers the capture encoders on the media
	// engine instead of pion's default codecs.
	Populate func(*webrtc.MediaEngine)
}

// Factory creates one pion ORTC device per session.
type Factory struct {
	opts Options
}

func NewFactory(opts Options) *Factory { return &Factory{opts: opts} }

func (f *Factory) NewDevice() (core.Device, error) {
	return &Device{
		opts:   f.opts,
		logger: log.With().Str("module", "rtc").Logger(),
	}, nil
}

// Device holds the negotiated capabilities and the pion API every transport
// of the session is built from.
type Device struct {
	opts   Options
	logger zerolog.Logger

	mu     sync.RWMutex
	loaded bool
	closed bool
	caps   Capabilities
	api    *webrtc.API
	ts     []core.Transport
}

func (d *Device) Load(_ context.Context, routerCapabilities json.RawMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.loaded {
		return core.ErrDeviceLoaded
	}
	var router Capabilities
	if err := json.Unmarshal(routerCapabilities, &router); err != nil {
		return fmt.Errorf("router capabilities: %w", err)
	}
	d.caps = Intersect(router)

	me := &webrtc.MediaEngine{}
	if d.opts.Populate != nil {
		d.opts.Populate(me)
	} else if err := me.RegisterDefaultCodecs(); err != nil {
		return err
	}
	for _, ext := range d.caps.HeaderExtensions {
		typ := webrtc.RTPCodecTypeAudio
		if ext.Kind == core.MediaVideo {
			typ = webrtc.RTPCodecTypeVideo
		}
		if err := me.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: ext.URI}, typ); err != nil {
			return err
		}
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, registry); err != nil {
		return err
	}
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	d.api = webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)
	d.loaded = true
	d.logger.Info().Int("codecs", len(d.caps.Codecs)).Msg("device loaded")
	return nil
}

// Intersect keeps the router codecs and header extensions the local stack
// supports.
func Intersect(router Capabilities) Capabilities {
	var out Capabilities
	for _, c := range router.Codecs {
		if kind, ok := supportedMimes[strings.ToLower(c.MimeType)]; ok {
			if c.Kind == "" {
				c.Kind = kind
			}
			out.Codecs = append(out.Codecs, c)
		}
	}
	for _, h := range router.HeaderExtensions {
		if h.URI == AudioLevelURI {
			out.HeaderExtensions = append(out.HeaderExtensions, h)
		}
	}
	return out
}

func (d *Device) Loaded() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.loaded
}

func (d *Device) RTPCapabilities() json.RawMessage {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.loaded {
		return nil
	}
	raw, _ := json.Marshal(d.caps)
	return raw
}

func (d *Device) CanProduce(kind core.MediaKind) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, c := range d.caps.Codecs {
		if c.Kind == kind {
			return true
		}
	}
	return false
}

func (d *Device) audioLevelID() uint8 {
	for _, h := range d.caps.HeaderExtensions {
		if h.URI == AudioLevelURI {
			return uint8(h.PreferredID)
		}
	}
	return 0
}

func (d *Device) CreateSendTransport(opts core.TransportOptions, h core.SendTransportHandler) (core.SendTransport, error) {
	t, err := d.newTransport(opts, h)
	if err != nil {
		return nil, err
	}
	return &SendTransport{transport: t, handler: h}, nil
}

func (d *Device) CreateRecvTransport(opts core.TransportOptions, h core.TransportHandler) (core.RecvTransport, error) {
	t, err := d.newTransport(opts, h)
	if err != nil {
		return nil, err
	}
	d.mu.RLock()
	ext := d.audioLevelID()
	d.mu.RUnlock()
	return &RecvTransport{transport: t, audioLevelID: ext}, nil
}

func (d *Device) newTransport(opts core.TransportOptions, h core.TransportHandler) (*transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.loaded {
		return nil, core.ErrDeviceNotLoaded
	}
	if d.closed {
		return nil, errors.New("device closed")
	}
	t, err := newTransport(d.api, d.opts.ICEServers, opts, h, d.logger)
	if err != nil {
		return nil, err
	}
	d.ts = append(d.ts, t)
	return t, nil
}

func (d *Device) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	ts := d.ts
	d.ts = nil
	d.mu.Unlock()
	for _, t := range ts {
		t.Close()
	}
}

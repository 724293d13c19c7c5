package core

import (
	"context"
	"encoding/json"
)

type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

type MediaSource string

const (
	SourceMicrophone  MediaSource = "microphone"
	SourceCamera      MediaSource = "camera"
	SourceScreen      MediaSource = "screen"
	SourceScreenAudio MediaSource = "screen_audio"
)

// Kind returns the media kind a source produces.
func (s MediaSource) Kind() MediaKind {
	if s == SourceCamera || s == SourceScreen {
		return MediaVideo
	}
	return MediaAudio
}

type TransportState string

const (
	TransportNew          TransportState = "new"
	TransportConnecting   TransportState = "connecting"
	TransportConnected    TransportState = "connected"
	TransportFailed       TransportState = "failed"
	TransportDisconnected TransportState = "disconnected"
	TransportClosed       TransportState = "closed"
)

// TransportOptions are the server-issued connection parameters of one
// transport. ICE and DTLS fields are passed to the SFU library as-is.
type TransportOptions struct {
	ID             string          `json:"id"`
	ICEParameters  json.RawMessage `json:"ice_parameters"`
	ICECandidates  json.RawMessage `json:"ice_candidates"`
	DTLSParameters json.RawMessage `json:"dtls_parameters"`
}

// ConsumerOptions describe a remote producer the server wants us to receive.
type ConsumerOptions struct {
	ID            string          `json:"consumer_id"`
	ProducerID    string          `json:"producer_id"`
	Kind          MediaKind       `json:"kind"`
	Source        MediaSource     `json:"source"`
	UserID        string          `json:"user_id"`
	RTPParameters json.RawMessage `json:"rtp_parameters"`
}

// TransportHandler receives the signaling callbacks of a transport.
type TransportHandler interface {
	// OnConnect is fired once, before the first media flows, with the local
	// DTLS parameters the server needs to complete the handshake.
	OnConnect(ctx context.Context, transportID string, dtlsParameters json.RawMessage) error
}

// SendTransportHandler additionally negotiates producers. OnProduce must not
// return until the server has assigned a producer id.
type SendTransportHandler interface {
	TransportHandler
	OnProduce(ctx context.Context, transportID string, kind MediaKind, source MediaSource, rtpParameters json.RawMessage) (string, error)
}

// Device is the negotiated codec/capability handle of one session.
type Device interface {
	Load(ctx context.Context, routerCapabilities json.RawMessage) error
	Loaded() bool
	RTPCapabilities() json.RawMessage
	CanProduce(kind MediaKind) bool
	CreateSendTransport(opts TransportOptions, h SendTransportHandler) (SendTransport, error)
	CreateRecvTransport(opts TransportOptions, h TransportHandler) (RecvTransport, error)
	Close()
}

// DeviceFactory creates a fresh Device per session.
type DeviceFactory interface {
	NewDevice() (Device, error)
}

type Transport interface {
	ID() string
	State() TransportState
	// OnStateChange registers a listener; listeners are never removed.
	OnStateChange(func(TransportState))
	Close()
}

type SendTransport interface {
	Transport
	Produce(ctx context.Context, track LocalTrack, source MediaSource) (Producer, error)
}

type RecvTransport interface {
	Transport
	Consume(ctx context.Context, opts ConsumerOptions) (Consumer, error)
}

// Producer is a local outbound media stream registered with the SFU.
type Producer interface {
	ID() string
	Kind() MediaKind
	Paused() bool
	Pause()
	Resume()
	ReplaceTrack(LocalTrack) error
	Close()
}

// Consumer is a local inbound handle to a remote producer.
type Consumer interface {
	ID() string
	ProducerID() string
	Kind() MediaKind
	Track() RemoteTrack
	Paused() bool
	Pause()
	Resume()
	Close()
}

// LocalTrack is a capture track owned by exactly one producer at a time.
type LocalTrack interface {
	ID() string
	Kind() MediaKind
	DeviceID() string
	Stop()
}

type RemoteTrack interface {
	ID() string
	Kind() MediaKind
}

// LevelSource is implemented by audio tracks that can report a normalised
// 0..1 level. Tracks without it simply get no speaking detection.
type LevelSource interface {
	Level() float64
}

// DeviceInfo describes one local capture device.
type DeviceInfo struct {
	ID    string    `json:"id"`
	Label string    `json:"label"`
	Kind  MediaKind `json:"kind"`
}

// Capture is the local device API. Failures are soft for the caller.
type Capture interface {
	Enumerate() []DeviceInfo
	Acquire(ctx context.Context, source MediaSource, deviceID string) ([]LocalTrack, error)
}

// ConsumerInfo is the metadata the UI needs to render a consumer.
type ConsumerInfo struct {
	ConsumerID string      `json:"consumer_id"`
	ProducerID string      `json:"producer_id"`
	UserID     string      `json:"user_id"`
	Kind       MediaKind   `json:"kind"`
	Source     MediaSource `json:"source"`
	Paused     bool        `json:"paused"`
}

// ProducerInfo is the read-only view of a local producer.
type ProducerInfo struct {
	ProducerID string      `json:"producer_id"`
	Kind       MediaKind   `json:"kind"`
	Source     MediaSource `json:"source"`
	Paused     bool        `json:"paused"`
	DeviceID   string      `json:"device_id,omitempty"`
}

// Renderer is the playback side owned by the UI. Attach returns the detach
// func that releases the rendering element.
type Renderer interface {
	Attach(info ConsumerInfo, track RemoteTrack) (detach func())
}

package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/voiceclient/internal/core"
)

var ErrTrackNotSendable = errors.New("track has no RTP source")

// TrackSource is implemented by local tracks that pion can send.
type TrackSource interface {
	TrackLocal() webrtc.TrackLocal
}

type SendTransport struct {
	*transport
	handler core.SendTransportHandler
}

// rtpParameters is the producer description the server expects.
type rtpParameters struct {
	Codecs           []rtpCodec     `json:"codecs"`
	Encodings        []rtpEncoding  `json:"encodings"`
	HeaderExtensions []rtpExtension `json:"headerExtensions,omitempty"`
}

type rtpCodec struct {
	MimeType    string `json:"mimeType"`
	PayloadType uint8  `json:"payloadType"`
	ClockRate   uint32 `json:"clockRate"`
	Channels    uint16 `json:"channels,omitempty"`
	SDPFmtpLine string `json:"sdpFmtpLine,omitempty"`
}

type rtpEncoding struct {
	SSRC uint32 `json:"ssrc"`
}

type rtpExtension struct {
	URI string `json:"uri"`
	ID  int    `json:"id"`
}

func describe(p webrtc.RTPSendParameters) rtpParameters {
	out := rtpParameters{}
	for _, c := range p.Codecs {
		out.Codecs = append(out.Codecs, rtpCodec{
			MimeType:    c.MimeType,
			PayloadType: uint8(c.PayloadType),
			ClockRate:   c.ClockRate,
			Channels:    c.Channels,
			SDPFmtpLine: c.SDPFmtpLine,
		})
	}
	for _, e := range p.Encodings {
		out.Encodings = append(out.Encodings, rtpEncoding{SSRC: uint32(e.SSRC)})
	}
	for _, h := range p.HeaderExtensions {
		out.HeaderExtensions = append(out.HeaderExtensions, rtpExtension{URI: h.URI, ID: h.ID})
	}
	return out
}

// Produce connects the transport if needed, asks the server for a producer
// id and starts sending.
func (t *SendTransport) Produce(ctx context.Context, track core.LocalTrack, source core.MediaSource) (core.Producer, error) {
	src, ok := track.(TrackSource)
	if !ok {
		return nil, ErrTrackNotSendable
	}
	if err := t.connect(ctx); err != nil {
		return nil, err
	}
	sender, err := t.api.NewRTPSender(src.TrackLocal(), t.dtls)
	if err != nil {
		return nil, err
	}
	params := sender.GetParameters()
	raw, err := json.Marshal(describe(params))
	if err != nil {
		_ = sender.Stop()
		return nil, err
	}
	id, err := t.handler.OnProduce(ctx, t.id, track.Kind(), source, raw)
	if err != nil {
		_ = sender.Stop()
		return nil, err
	}
	if err := sender.Send(params); err != nil {
		_ = sender.Stop()
		return nil, err
	}
	t.logger.Info().Str("producer_id", id).Str("source", string(source)).Msg("producing")
	return &Producer{id: id, kind: track.Kind(), sender: sender, track: track}, nil
}

type Producer struct {
	id     string
	kind   core.MediaKind
	sender *webrtc.RTPSender

	mu     sync.Mutex
	track  core.LocalTrack
	paused bool
}

func (p *Producer) ID() string           { return p.id }
func (p *Producer) Kind() core.MediaKind { return p.kind }

func (p *Producer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Pause detaches the track from the sender so no RTP is sent.
func (p *Producer) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		return
	}
	p.paused = true
	_ = p.sender.ReplaceTrack(nil)
}

func (p *Producer) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		return
	}
	p.paused = false
	if src, ok := p.track.(TrackSource); ok {
		_ = p.sender.ReplaceTrack(src.TrackLocal())
	}
}

// ReplaceTrack swaps the source without renegotiation. A paused producer
// keeps the new track detached until resumed.
func (p *Producer) ReplaceTrack(t core.LocalTrack) error {
	src, ok := t.(TrackSource)
	if !ok {
		return ErrTrackNotSendable
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		if err := p.sender.ReplaceTrack(src.TrackLocal()); err != nil {
			return err
		}
	}
	p.track = t
	return nil
}

func (p *Producer) Close() { _ = p.sender.Stop() }

type RecvTransport struct {
	*transport
	audioLevelID uint8
}

type recvParameters struct {
	Codecs    []rtpCodec    `json:"codecs"`
	Encodings []rtpEncoding `json:"encodings"`
}

func (t *RecvTransport) Consume(ctx context.Context, opts core.ConsumerOptions) (core.Consumer, error) {
	var params recvParameters
	if err := json.Unmarshal(opts.RTPParameters, &params); err != nil {
		return nil, fmt.Errorf("consumer rtp parameters: %w", err)
	}
	if len(params.Codecs) == 0 || len(params.Encodings) == 0 {
		return nil, errors.New("consumer rtp parameters: no codec or encoding")
	}
	if err := t.connect(ctx); err != nil {
		return nil, err
	}
	typ := webrtc.RTPCodecTypeAudio
	if opts.Kind == core.MediaVideo {
		typ = webrtc.RTPCodecTypeVideo
	}
	receiver, err := t.api.NewRTPReceiver(typ, t.dtls)
	if err != nil {
		return nil, err
	}
	err = receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(params.Encodings[0].SSRC),
				PayloadType: webrtc.PayloadType(params.Codecs[0].PayloadType),
			},
		}},
	})
	if err != nil {
		_ = receiver.Stop()
		return nil, err
	}
	c := &Consumer{
		id:         opts.ID,
		producerID: opts.ProducerID,
		kind:       opts.Kind,
		receiver:   receiver,
		paused:     true,
		track: &RemoteTrack{
			id:           opts.ID,
			kind:         opts.Kind,
			audioLevelID: t.audioLevelID,
		},
	}
	go c.track.read(receiver.Track())
	return c, nil
}

// Consumer starts paused; the server resumes it once the receive transport
// is connected.
type Consumer struct {
	id         string
	producerID string
	kind       core.MediaKind
	receiver   *webrtc.RTPReceiver
	track      *RemoteTrack

	mu     sync.Mutex
	paused bool
}

func (c *Consumer) ID() string              { return c.id }
func (c *Consumer) ProducerID() string      { return c.producerID }
func (c *Consumer) Kind() core.MediaKind    { return c.kind }
func (c *Consumer) Track() core.RemoteTrack { return c.track }

func (c *Consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Consumer) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
	c.track.setMuted(true)
}

func (c *Consumer) Resume() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
	c.track.setMuted(false)
}

func (c *Consumer) Close() { _ = c.receiver.Stop() }

// RemoteTrack reads the incoming RTP stream, tracks the audio level from
// the header extension and hands packets to an optional sink.
type RemoteTrack struct {
	id           string
	kind         core.MediaKind
	audioLevelID uint8

	level atomic.Uint64
	muted atomic.Bool
	sink  atomic.Pointer[func(*rtp.Packet)]
}

func (t *RemoteTrack) ID() string           { return t.id }
func (t *RemoteTrack) Kind() core.MediaKind { return t.kind }

// Level is the last reported level, 0..1.
func (t *RemoteTrack) Level() float64 {
	if t.muted.Load() {
		return 0
	}
	return math.Float64frombits(t.level.Load())
}

// SetSink installs the playback consumer of the packets.
func (t *RemoteTrack) SetSink(fn func(*rtp.Packet)) { t.sink.Store(&fn) }

func (t *RemoteTrack) setMuted(v bool) { t.muted.Store(v) }

func (t *RemoteTrack) read(tr *webrtc.TrackRemote) {
	if tr == nil {
		return
	}
	for {
		pkt, _, err := tr.ReadRTP()
		if err != nil {
			t.level.Store(0)
			return
		}
		if t.kind == core.MediaAudio && t.audioLevelID != 0 {
			if lvl, ok := AudioLevel(pkt, t.audioLevelID); ok {
				t.level.Store(math.Float64bits(lvl))
			}
		}
		if fn := t.sink.Load(); fn != nil && !t.muted.Load() {
			(*fn)(pkt)
		}
	}
}

// AudioLevel converts the ssrc-audio-level extension (0 loudest, 127 silent,
// in -dBov) to a linear 0..1 level.
func AudioLevel(pkt *rtp.Packet, id uint8) (float64, bool) {
	raw := pkt.GetExtension(id)
	if raw == nil {
		return 0, false
	}
	var ext rtp.AudioLevelExtension
	if err := ext.Unmarshal(raw); err != nil {
		return 0, false
	}
	if ext.Level >= 127 {
		return 0, true
	}
	return math.Pow(10, -float64(ext.Level)/20), true
}

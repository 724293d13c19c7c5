// Package coretest holds in-memory fakes of the core interfaces for tests.
package coretest

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/dkeye/voiceclient/internal/core"
)

// DeviceFactory hands out Devices and remembers them.
type DeviceFactory struct {
	mu      sync.Mutex
	Devices []*Device
	Err     error
	// Prepare, when set, runs on every new device before it is returned.
	Prepare func(*Device)
}

func (f *DeviceFactory) NewDevice() (core.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	d := &Device{}
	if f.Prepare != nil {
		f.Prepare(d)
	}
	f.Devices = append(f.Devices, d)
	return d, nil
}

func (f *DeviceFactory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Devices)
}

func (f *DeviceFactory) Last() *Device {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Devices) == 0 {
		return nil
	}
	return f.Devices[len(f.Devices)-1]
}

type Device struct {
	mu      sync.Mutex
	LoadErr error
	// LoadGate blocks Load until closed.
	LoadGate chan struct{}
	// NoVideo makes CanProduce(video) false.
	NoVideo bool

	loaded bool
	caps   json.RawMessage
	closed int

	Send *SendTransport
	Recv *RecvTransport
}

func (d *Device) Load(ctx context.Context, routerCapabilities json.RawMessage) error {
	if d.LoadGate != nil {
		select {
		case <-d.LoadGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.LoadErr != nil {
		return d.LoadErr
	}
	if d.loaded {
		return core.ErrDeviceLoaded
	}
	d.loaded = true
	d.caps = routerCapabilities
	return nil
}

func (d *Device) Loaded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loaded
}

func (d *Device) RTPCapabilities() json.RawMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.caps
}

func (d *Device) CanProduce(kind core.MediaKind) bool {
	return d.Loaded() && !(kind == core.MediaVideo && d.NoVideo)
}

func (d *Device) CreateSendTransport(opts core.TransportOptions, h core.SendTransportHandler) (core.SendTransport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.loaded {
		return nil, core.ErrDeviceNotLoaded
	}
	d.Send = &SendTransport{transport: newTransport(opts.ID), h: h}
	return d.Send, nil
}

func (d *Device) CreateRecvTransport(opts core.TransportOptions, h core.TransportHandler) (core.RecvTransport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.loaded {
		return nil, core.ErrDeviceNotLoaded
	}
	d.Recv = &RecvTransport{transport: newTransport(opts.ID), h: h}
	return d.Recv, nil
}

func (d *Device) Close() {
	d.mu.Lock()
	d.closed++
	d.mu.Unlock()
}

func (d *Device) Closed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Device) SendTransport() *SendTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Send
}

func (d *Device) RecvTransport() *RecvTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Recv
}

type transport struct {
	id        string
	mu        sync.Mutex
	state     core.TransportState
	listeners []func(core.TransportState)
	closed    int
}

func newTransport(id string) *transport {
	return &transport{id: id, state: core.TransportNew}
}

func (t *transport) ID() string { return t.id }

func (t *transport) State() core.TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *transport) OnStateChange(fn func(core.TransportState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

// SetState moves the transport and fires listeners synchronously.
func (t *transport) SetState(s core.TransportState) {
	t.mu.Lock()
	t.state = s
	ls := append([]func(core.TransportState){}, t.listeners...)
	t.mu.Unlock()
	for _, fn := range ls {
		fn(s)
	}
}

func (t *transport) Close() {
	t.mu.Lock()
	t.closed++
	t.mu.Unlock()
}

func (t *transport) Closed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type SendTransport struct {
	*transport
	h core.SendTransportHandler

	mu         sync.Mutex
	ProduceErr error
	Produced   []*Producer
}

func (t *SendTransport) Produce(ctx context.Context, track core.LocalTrack, source core.MediaSource) (core.Producer, error) {
	t.mu.Lock()
	perr := t.ProduceErr
	t.mu.Unlock()
	if perr != nil {
		return nil, perr
	}
	id, err := t.h.OnProduce(ctx, t.id, source.Kind(), source, json.RawMessage(`{"encodings":[]}`))
	if err != nil {
		return nil, err
	}
	p := &Producer{id: id, kind: source.Kind(), track: track}
	t.mu.Lock()
	t.Produced = append(t.Produced, p)
	t.mu.Unlock()
	return p, nil
}

func (t *SendTransport) Producers() []*Producer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Producer(nil), t.Produced...)
}

type RecvTransport struct {
	*transport
	h core.TransportHandler

	mu         sync.Mutex
	ConsumeErr error
	Consumed   []*Consumer
}

func (t *RecvTransport) Consume(_ context.Context, opts core.ConsumerOptions) (core.Consumer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ConsumeErr != nil {
		return nil, t.ConsumeErr
	}
	c := &Consumer{
		id:         opts.ID,
		producerID: opts.ProducerID,
		kind:       opts.Kind,
		track:      &RemoteTrack{TrackID: "r-" + opts.ProducerID, TrackKind: opts.Kind},
		paused:     true,
	}
	t.Consumed = append(t.Consumed, c)
	return c, nil
}

func (t *RecvTransport) Consumers() []*Consumer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Consumer(nil), t.Consumed...)
}

type Producer struct {
	id   string
	kind core.MediaKind

	mu         sync.Mutex
	track      core.LocalTrack
	paused     bool
	closed     int
	ReplaceErr error
}

func (p *Producer) ID() string           { return p.id }
func (p *Producer) Kind() core.MediaKind { return p.kind }

func (p *Producer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *Producer) Pause()  { p.mu.Lock(); p.paused = true; p.mu.Unlock() }
func (p *Producer) Resume() { p.mu.Lock(); p.paused = false; p.mu.Unlock() }

func (p *Producer) ReplaceTrack(t core.LocalTrack) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ReplaceErr != nil {
		return p.ReplaceErr
	}
	p.track = t
	return nil
}

func (p *Producer) Track() core.LocalTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.track
}

func (p *Producer) Close() { p.mu.Lock(); p.closed++; p.mu.Unlock() }

func (p *Producer) Closed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type Consumer struct {
	id         string
	producerID string
	kind       core.MediaKind
	track      *RemoteTrack

	mu      sync.Mutex
	paused  bool
	resumes int
	closed  int
}

func (c *Consumer) ID() string                { return c.id }
func (c *Consumer) ProducerID() string        { return c.producerID }
func (c *Consumer) Kind() core.MediaKind      { return c.kind }
func (c *Consumer) Track() core.RemoteTrack   { return c.track }
func (c *Consumer) RemoteTrack() *RemoteTrack { return c.track }

func (c *Consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Consumer) Pause() { c.mu.Lock(); c.paused = true; c.mu.Unlock() }

func (c *Consumer) Resume() {
	c.mu.Lock()
	c.paused = false
	c.resumes++
	c.mu.Unlock()
}

func (c *Consumer) Resumes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resumes
}

func (c *Consumer) Close() { c.mu.Lock(); c.closed++; c.mu.Unlock() }

func (c *Consumer) Closed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Track is a local capture track with a settable level.
type Track struct {
	TrackID   string
	TrackKind core.MediaKind
	Device    string

	stops atomic.Int32
	level atomic.Uint64
}

func NewTrack(id string, kind core.MediaKind) *Track {
	return &Track{TrackID: id, TrackKind: kind, Device: "default"}
}

func (t *Track) ID() string           { return t.TrackID }
func (t *Track) Kind() core.MediaKind { return t.TrackKind }
func (t *Track) DeviceID() string     { return t.Device }
func (t *Track) Stop()                { t.stops.Add(1) }
func (t *Track) Stops() int           { return int(t.stops.Load()) }

func (t *Track) Level() float64     { return math.Float64frombits(t.level.Load()) }
func (t *Track) SetLevel(v float64) { t.level.Store(math.Float64bits(v)) }

type RemoteTrack struct {
	TrackID   string
	TrackKind core.MediaKind

	level atomic.Uint64
}

func (t *RemoteTrack) ID() string           { return t.TrackID }
func (t *RemoteTrack) Kind() core.MediaKind { return t.TrackKind }
func (t *RemoteTrack) Level() float64       { return math.Float64frombits(t.level.Load()) }
func (t *RemoteTrack) SetLevel(v float64)   { t.level.Store(math.Float64bits(v)) }

// Renderer counts attach and detach calls.
type Renderer struct {
	mu       sync.Mutex
	Attached []core.ConsumerInfo
	detached int
}

func (r *Renderer) Attach(info core.ConsumerInfo, _ core.RemoteTrack) func() {
	r.mu.Lock()
	r.Attached = append(r.Attached, info)
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		r.detached++
		r.mu.Unlock()
	}
}

func (r *Renderer) Attachments() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Attached)
}

func (r *Renderer) Detached() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.detached
}

// Capture acquires fake tracks. Sources listed in Missing fail with ErrNoDevice.
type Capture struct {
	mu       sync.Mutex
	Missing  map[core.MediaSource]bool
	Acquired []*Track
	seq      int
}

func (c *Capture) Enumerate() []core.DeviceInfo {
	return []core.DeviceInfo{
		{ID: "default", Label: "Default microphone", Kind: core.MediaAudio},
		{ID: "usb-mic", Label: "USB microphone", Kind: core.MediaAudio},
		{ID: "cam0", Label: "Camera", Kind: core.MediaVideo},
	}
}

func (c *Capture) Acquire(_ context.Context, source core.MediaSource, deviceID string) ([]core.LocalTrack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Missing[source] {
		return nil, fmt.Errorf("acquire %s: %w", source, core.ErrNoDevice)
	}
	c.seq++
	t := NewTrack(fmt.Sprintf("%s-%d", source, c.seq), source.Kind())
	if deviceID != "" {
		t.Device = deviceID
	}
	c.Acquired = append(c.Acquired, t)
	return []core.LocalTrack{t}, nil
}

func (c *Capture) Tracks() []*Track {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Track(nil), c.Acquired...)
}

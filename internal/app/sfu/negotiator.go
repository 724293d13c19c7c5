package sfu

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dkeye/voiceclient/internal/core"
)

// Negotiator owns the device and the two transports of one session. The
// device is created once; transports can only be created on a loaded device.
type Negotiator struct {
	factory core.DeviceFactory
	logger  zerolog.Logger

	mu      sync.RWMutex
	device  core.Device
	started bool
	send    core.SendTransport
	recv    core.RecvTransport
	closed  bool
}

func NewNegotiator(factory core.DeviceFactory, logger zerolog.Logger) *Negotiator {
	return &Negotiator{factory: factory, logger: logger}
}

// Load creates the device and loads the router capabilities into it. A second
// call returns core.ErrDeviceLoaded and leaves the device untouched.
func (n *Negotiator) Load(ctx context.Context, routerCapabilities json.RawMessage) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return core.ErrSessionClosed
	}
	if n.started {
		n.mu.Unlock()
		return core.ErrDeviceLoaded
	}
	n.started = true
	dev, err := n.factory.NewDevice()
	if err != nil {
		n.started = false
		n.mu.Unlock()
		return fmt.Errorf("create device: %w", err)
	}
	n.device = dev
	n.mu.Unlock()

	if err := dev.Load(ctx, routerCapabilities); err != nil {
		return fmt.Errorf("load device: %w", err)
	}
	n.logger.Debug().Msg("device loaded")
	return nil
}

// Started reports whether device creation has begun. Once true, a competing
// answer from another client instance no longer wins.
func (n *Negotiator) Started() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.started
}

func (n *Negotiator) Loaded() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.device != nil && n.device.Loaded()
}

func (n *Negotiator) RTPCapabilities() (json.RawMessage, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.device == nil || !n.device.Loaded() {
		return nil, core.ErrDeviceNotLoaded
	}
	return n.device.RTPCapabilities(), nil
}

func (n *Negotiator) CanProduce(kind core.MediaKind) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.device != nil && n.device.CanProduce(kind)
}

// CreateSendTransport is a no-op when the send transport already exists.
func (n *Negotiator) CreateSendTransport(opts core.TransportOptions, h core.SendTransportHandler) (core.SendTransport, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.readyLocked(); err != nil {
		return nil, err
	}
	if n.send != nil {
		return n.send, nil
	}
	t, err := n.device.CreateSendTransport(opts, h)
	if err != nil {
		return nil, fmt.Errorf("create send transport: %w", err)
	}
	n.send = t
	n.logger.Debug().Str("transport_id", opts.ID).Msg("send transport created")
	return t, nil
}

func (n *Negotiator) CreateRecvTransport(opts core.TransportOptions, h core.TransportHandler) (core.RecvTransport, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.readyLocked(); err != nil {
		return nil, err
	}
	if n.recv != nil {
		return n.recv, nil
	}
	t, err := n.device.CreateRecvTransport(opts, h)
	if err != nil {
		return nil, fmt.Errorf("create recv transport: %w", err)
	}
	n.recv = t
	n.logger.Debug().Str("transport_id", opts.ID).Msg("recv transport created")
	return t, nil
}

func (n *Negotiator) readyLocked() error {
	if n.closed {
		return core.ErrSessionClosed
	}
	if n.device == nil || !n.device.Loaded() {
		return core.ErrDeviceNotLoaded
	}
	return nil
}

func (n *Negotiator) SendTransport() (core.SendTransport, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.send == nil {
		return nil, core.ErrNoTransport
	}
	return n.send, nil
}

func (n *Negotiator) RecvTransport() (core.RecvTransport, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.recv == nil {
		return nil, core.ErrNoTransport
	}
	return n.recv, nil
}

// Ready reports whether both transports exist.
func (n *Negotiator) Ready() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.send != nil && n.recv != nil
}

// Close tears down transports, then the device. Producers and consumers must
// be closed before.
func (n *Negotiator) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	send, recv, dev := n.send, n.recv, n.device
	n.send, n.recv, n.device = nil, nil, nil
	n.mu.Unlock()

	if send != nil {
		send.Close()
	}
	if recv != nil {
		recv.Close()
	}
	if dev != nil {
		dev.Close()
	}
	n.logger.Debug().Msg("negotiator closed")
}

package sfu

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dkeye/voiceclient/internal/core"
)

var (
	ErrAlreadyConsumed = errors.New("producer already consumed")
	ErrNoProducer      = errors.New("no producer for source")
	ErrSourceProducing = errors.New("source already producing")
)

// Notifier tells the server about local lifecycle changes.
type Notifier interface {
	ProducerClosed(ctx context.Context, producerID string, source core.MediaSource) error
	ResumeConsumer(ctx context.Context, consumerID string) error
}

// MediaManager tracks producers by source and consumers by id for one
// session, plus the set of remote producer ids already consumed.
type MediaManager struct {
	logger   zerolog.Logger
	notifier Notifier
	renderer core.Renderer

	mu        sync.RWMutex
	producers map[core.MediaSource]*ProducerEntry
	consumers map[string]*ConsumerEntry
	// producer id -> consumer id; empty while Consume is in flight.
	consumed  map[string]string
	heldKinds map[core.MediaKind]bool
	closed    bool
}

func NewMediaManager(notifier Notifier, renderer core.Renderer, logger zerolog.Logger) *MediaManager {
	if renderer == nil {
		renderer = NopRenderer{}
	}
	return &MediaManager{
		logger:    logger,
		notifier:  notifier,
		renderer:  renderer,
		producers: make(map[core.MediaSource]*ProducerEntry),
		consumers: make(map[string]*ConsumerEntry),
		consumed:  make(map[string]string),
		heldKinds: make(map[core.MediaKind]bool),
	}
}

// Produce publishes track under source. If the source already has a producer,
// the track is swapped in instead. On failure the track is stopped.
func (m *MediaManager) Produce(ctx context.Context, t core.SendTransport, track core.LocalTrack, source core.MediaSource) (*ProducerEntry, error) {
	m.mu.RLock()
	closed := m.closed
	existing := m.producers[source]
	m.mu.RUnlock()
	if closed {
		track.Stop()
		return nil, core.ErrSessionClosed
	}
	if existing != nil {
		if err := m.swap(existing, track); err != nil {
			return nil, err
		}
		return existing, nil
	}

	p, err := t.Produce(ctx, track, source)
	if err != nil {
		track.Stop()
		return nil, err
	}
	entry := newProducerEntry(p, track, source)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		entry.close()
		return nil, core.ErrSessionClosed
	}
	if m.producers[source] != nil {
		m.mu.Unlock()
		entry.close()
		return nil, ErrSourceProducing
	}
	m.producers[source] = entry
	m.mu.Unlock()

	m.logger.Info().
		Str("producer_id", entry.ID()).
		Str("source", string(source)).
		Msg("producer created")
	return entry, nil
}

// ReplaceTrack swaps the capture track of the producer for source without
// renegotiating. The previous track is stopped after the swap.
func (m *MediaManager) ReplaceTrack(source core.MediaSource, track core.LocalTrack) error {
	entry, ok := m.Producer(source)
	if !ok {
		return ErrNoProducer
	}
	return m.swap(entry, track)
}

func (m *MediaManager) swap(entry *ProducerEntry, track core.LocalTrack) error {
	old, err := entry.swapTrack(track)
	if err != nil {
		return err
	}
	if old != nil && old != track {
		old.Stop()
	}
	m.logger.Info().
		Str("producer_id", entry.ID()).
		Str("source", string(entry.Source)).
		Str("device_id", track.DeviceID()).
		Msg("producer track replaced")
	return nil
}

func (m *MediaManager) PauseProducer(source core.MediaSource) error {
	entry, ok := m.Producer(source)
	if !ok {
		return ErrNoProducer
	}
	entry.pause()
	return nil
}

func (m *MediaManager) ResumeProducer(source core.MediaSource) error {
	entry, ok := m.Producer(source)
	if !ok {
		return ErrNoProducer
	}
	entry.resume()
	return nil
}

// RemoveProducer closes the producer for source, stops its track and tells
// the server so remote peers drop their consumers.
func (m *MediaManager) RemoveProducer(ctx context.Context, source core.MediaSource) error {
	m.mu.Lock()
	entry, ok := m.producers[source]
	delete(m.producers, source)
	m.mu.Unlock()
	if !ok {
		return ErrNoProducer
	}
	if !entry.close() {
		return nil
	}
	m.logger.Info().Str("producer_id", entry.ID()).Str("source", string(source)).Msg("producer removed")
	if m.notifier == nil {
		return nil
	}
	return m.notifier.ProducerClosed(ctx, entry.ID(), source)
}

// Consume creates a receiver for a remote producer. A producer id already
// consumed, or being consumed, yields ErrAlreadyConsumed.
func (m *MediaManager) Consume(ctx context.Context, t core.RecvTransport, opts core.ConsumerOptions) (*ConsumerEntry, error) {
	logger := m.logger.With().Str("producer_id", opts.ProducerID).Logger()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, core.ErrSessionClosed
	}
	if _, dup := m.consumed[opts.ProducerID]; dup {
		m.mu.Unlock()
		logger.Debug().Msg("duplicate consumer notification dropped")
		return nil, ErrAlreadyConsumed
	}
	m.consumed[opts.ProducerID] = ""
	m.mu.Unlock()

	c, err := t.Consume(ctx, opts)
	if err != nil {
		m.mu.Lock()
		if cid, ok := m.consumed[opts.ProducerID]; ok && cid == "" {
			delete(m.consumed, opts.ProducerID)
		}
		m.mu.Unlock()
		return nil, err
	}
	entry := newConsumerEntry(c, opts)

	m.mu.Lock()
	if _, still := m.consumed[opts.ProducerID]; m.closed || !still {
		m.mu.Unlock()
		entry.close()
		return nil, core.ErrSessionClosed
	}
	m.consumed[opts.ProducerID] = c.ID()
	m.consumers[c.ID()] = entry
	held := m.heldKinds[c.Kind()]
	m.mu.Unlock()

	entry.OnClose(m.renderer.Attach(entry.Info(), c.Track()))
	m.scheduleResume(t, entry, held)

	logger.Info().
		Str("consumer_id", c.ID()).
		Str("user_id", opts.UserID).
		Str("kind", string(c.Kind())).
		Msg("consumer created")
	return entry, nil
}

// scheduleResume acknowledges the consumer once the receive transport is
// connected, so the first keyframe is not lost during the handshake.
func (m *MediaManager) scheduleResume(t core.RecvTransport, entry *ConsumerEntry, held bool) {
	var once sync.Once
	resume := func() {
		once.Do(func() {
			if entry.Closed() {
				return
			}
			if !held {
				entry.consumer.Resume()
			}
			if m.notifier == nil {
				return
			}
			if err := m.notifier.ResumeConsumer(context.Background(), entry.ID()); err != nil {
				m.logger.Warn().Err(err).Str("consumer_id", entry.ID()).Msg("consumer resume not sent")
			}
		})
	}

	if t.State() == core.TransportConnected {
		resume()
		return
	}
	m.logger.Debug().Str("consumer_id", entry.ID()).Msg("consumer resume deferred until transport connects")
	t.OnStateChange(func(s core.TransportState) {
		if s == core.TransportConnected {
			resume()
		}
	})
	// The transport may have connected between the check and the listener.
	if t.State() == core.TransportConnected {
		resume()
	}
}

// RemoveConsumer closes one consumer and releases its producer id.
func (m *MediaManager) RemoveConsumer(id string) bool {
	m.mu.Lock()
	entry, ok := m.consumers[id]
	if ok {
		delete(m.consumers, id)
		delete(m.consumed, entry.ProducerID())
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	entry.close()
	m.logger.Info().Str("consumer_id", id).Str("producer_id", entry.ProducerID()).Msg("consumer removed")
	return true
}

// RemoveConsumersOf closes the consumer of a remote producer that went away.
func (m *MediaManager) RemoveConsumersOf(producerID string) int {
	m.mu.RLock()
	var ids []string
	for id, e := range m.consumers {
		if e.ProducerID() == producerID {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()
	n := 0
	for _, id := range ids {
		if m.RemoveConsumer(id) {
			n++
		}
	}
	return n
}

// SetConsumersPaused pauses or resumes every consumer of kind locally. The
// setting also applies to consumers created later.
func (m *MediaManager) SetConsumersPaused(kind core.MediaKind, paused bool) int {
	m.mu.Lock()
	m.heldKinds[kind] = paused
	entries := make([]*ConsumerEntry, 0, len(m.consumers))
	for _, e := range m.consumers {
		if e.Kind() == kind {
			entries = append(entries, e)
		}
	}
	m.mu.Unlock()
	for _, e := range entries {
		if paused {
			e.consumer.Pause()
		} else {
			e.consumer.Resume()
		}
	}
	return len(entries)
}

// Close closes every producer and consumer exactly once and clears the
// consumed set. Later calls are no-ops.
func (m *MediaManager) Close() (producers, consumers int) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, 0
	}
	m.closed = true
	ps := m.producers
	cs := m.consumers
	m.producers = make(map[core.MediaSource]*ProducerEntry)
	m.consumers = make(map[string]*ConsumerEntry)
	m.consumed = make(map[string]string)
	m.mu.Unlock()

	for _, p := range ps {
		if p.close() {
			producers++
		}
	}
	for _, c := range cs {
		if c.close() {
			consumers++
		}
	}
	m.logger.Info().Int("producers", producers).Int("consumers", consumers).Msg("media closed")
	return producers, consumers
}

func (m *MediaManager) Producer(source core.MediaSource) (*ProducerEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.producers[source]
	return e, ok
}

func (m *MediaManager) Consumer(id string) (*ConsumerEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.consumers[id]
	return e, ok
}

func (m *MediaManager) Producers() []core.ProducerInfo {
	m.mu.RLock()
	out := make([]core.ProducerInfo, 0, len(m.producers))
	for _, e := range m.producers {
		out = append(out, e.Info())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

func (m *MediaManager) Consumers() []core.ConsumerInfo {
	m.mu.RLock()
	out := make([]core.ConsumerInfo, 0, len(m.consumers))
	for _, e := range m.consumers {
		out = append(out, e.Info())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ConsumerID < out[j].ConsumerID })
	return out
}

// ConsumedCount is the size of the consumed producer id set.
func (m *MediaManager) ConsumedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.consumed)
}

// NopRenderer drops every stream; used when no UI is attached.
type NopRenderer struct{}

func (NopRenderer) Attach(core.ConsumerInfo, core.RemoteTrack) func() { return nil }

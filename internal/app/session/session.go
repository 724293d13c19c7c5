// Package session implements the call and voice-channel state machines.
// Each session owns one queue; every inbound event and user intent runs on
// it, so the queue goroutine is the only writer of session state.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dkeye/voiceclient/internal/app/correlate"
	"github.com/dkeye/voiceclient/internal/app/queue"
	"github.com/dkeye/voiceclient/internal/app/sfu"
	"github.com/dkeye/voiceclient/internal/app/speaking"
	"github.com/dkeye/voiceclient/internal/core"
	"github.com/dkeye/voiceclient/internal/domain"
)

const keyProduce = "produce"

// MediaState is the read-only media view of a session.
type MediaState struct {
	Muted     bool                        `json:"muted"`
	Deafened  bool                        `json:"deafened"`
	Video     bool                        `json:"video"`
	Screen    bool                        `json:"screen"`
	Speaking  bool                        `json:"speaking"`
	Producers []core.ProducerInfo         `json:"producers"`
	Consumers []core.ConsumerInfo         `json:"consumers"`
	Failures  map[core.MediaSource]string `json:"failures,omitempty"`
}

// mediaSession is the part shared by calls and voice channels: signaling
// helpers, the negotiator, producers/consumers and speaking detection.
type mediaSession struct {
	kind    core.SessionKind
	family  string
	localID string
	sender  core.SignalSender
	deps    Deps
	logger  zerolog.Logger
	self    Handle

	queue   *queue.Queue
	pending *correlate.Pending
	neg     *sfu.Negotiator
	media   *sfu.MediaManager

	// Owned by the queue goroutine.
	autoProduced bool
	preferred    map[core.MediaKind]string
	stopLocal    func()
	localRaw     bool
	// speakingHook, when set, sees every speaking change before the observer.
	speakingHook func(domain.UserID, bool)

	mu                sync.RWMutex
	scope             scope
	intent            core.MediaIntent
	muted             bool
	deafened          bool
	mutedBeforeDeafen bool
	localSpeaking     bool
	remoteSpeaking    map[domain.UserID]bool
	failures          map[core.MediaSource]string
	released          bool
}

func newMediaSession(kind core.SessionKind, sender core.SignalSender, deps Deps, logger zerolog.Logger) *mediaSession {
	deps = deps.withDefaults()
	s := &mediaSession{
		kind:           kind,
		family:         string(kind),
		localID:        domain.NewLocalID(),
		sender:         sender,
		deps:           deps,
		preferred:      make(map[core.MediaKind]string),
		remoteSpeaking: make(map[domain.UserID]bool),
		failures:       make(map[core.MediaSource]string),
		pending:        correlate.New(),
	}
	s.logger = logger.With().Str("session", s.localID).Logger()
	s.queue = queue.New(string(kind)+":"+s.localID, s.logger)
	s.neg = sfu.NewNegotiator(deps.Devices, s.logger.With().Str("module", "sfu").Logger())
	s.media = sfu.NewMediaManager(s, deps.Renderer, s.logger.With().Str("module", "sfu").Logger())
	return s
}

func (s *mediaSession) Kind() core.SessionKind { return s.kind }
func (s *mediaSession) LocalID() string        { return s.localID }

// Sync waits until every event queued so far has been handled.
func (s *mediaSession) Sync(ctx context.Context) error { return s.queue.Sync(ctx) }

// Closed reports whether the session has been torn down.
func (s *mediaSession) Closed() bool { return s.queue.Closed() }

// Done is closed once teardown has finished.
func (s *mediaSession) Done() <-chan struct{} { return s.queue.Done() }

func (s *mediaSession) currentScope() scope {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scope
}

func (s *mediaSession) send(ctx context.Context, verb string, payload any) error {
	if s.sender == nil {
		return core.ErrNotConnected
	}
	return s.sender.Send(ctx, s.family+"."+verb, payload)
}

// sendBestEffort logs instead of failing; used on teardown paths.
func (s *mediaSession) sendBestEffort(ctx context.Context, verb string, payload any) {
	if err := s.send(ctx, verb, payload); err != nil {
		s.logger.Warn().Err(err).Str("event", s.family+"."+verb).Msg("send failed")
	}
}

func (s *mediaSession) changed() { s.deps.Observer.Changed(s.self) }

// correlate handles the events that must bypass the queue. It reports true
// when the event was fully consumed.
func (s *mediaSession) correlate(ev core.Event) bool {
	switch ev.Verb() {
	case core.VerbProduced:
		var sc scopedEvent
		_ = ev.Decode(&sc)
		if id := s.currentScope().id(); sc.id() != "" && id != "" && sc.id() != id {
			s.logger.Debug().Str("event_scope", sc.id()).Msg("produced for another session dropped")
			return true
		}
		if !s.pending.Resolve(keyProduce, ev.Data) {
			s.logger.Debug().Msg("produced without pending request dropped")
		}
		return true
	case core.VerbError:
		perr := &core.ProtocolError{}
		_ = ev.Decode(perr)
		if n := s.pending.RejectAll(perr); n > 0 {
			s.logger.Warn().Err(perr).Int("rejected", n).Msg("pending requests rejected by server error")
		}
		return false
	}
	return false
}

// TransportHandler and SendTransportHandler.

func (s *mediaSession) OnConnect(ctx context.Context, transportID string, dtls json.RawMessage) error {
	return s.send(ctx, core.VerbTransportConnect, transportConnectPayload{
		scope:          s.currentScope(),
		TransportID:    transportID,
		DTLSParameters: dtls,
	})
}

// OnProduce blocks until the server confirms the producer. The confirmation
// arrives through correlate, never through the queue this runs on.
func (s *mediaSession) OnProduce(ctx context.Context, transportID string, kind core.MediaKind, source core.MediaSource, rtp json.RawMessage) (string, error) {
	w := s.pending.Expect(keyProduce)
	err := s.send(ctx, core.VerbProduce, producePayload{
		scope:         s.currentScope(),
		TransportID:   transportID,
		Kind:          kind,
		Source:        source,
		RTPParameters: rtp,
	})
	if err != nil {
		w.Cancel()
		return "", err
	}
	data, err := w.Wait(ctx, s.deps.Options.ProduceTimeout)
	switch {
	case errors.Is(err, correlate.ErrTimeout):
		return "", fmt.Errorf("%s: %w", source, core.ErrProduceTimeout)
	case err != nil:
		return "", err
	}
	var pe producedEvent
	if err := json.Unmarshal(data, &pe); err != nil {
		return "", fmt.Errorf("decode produced: %w", err)
	}
	if pe.ProducerID == "" {
		return "", fmt.Errorf("produced without producer_id for %s", source)
	}
	return pe.ProducerID, nil
}

// sfu.Notifier.

func (s *mediaSession) ProducerClosed(ctx context.Context, producerID string, source core.MediaSource) error {
	return s.send(ctx, core.VerbProduceStop, produceStopPayload{
		scope:      s.currentScope(),
		ProducerID: producerID,
		Source:     source,
	})
}

func (s *mediaSession) ResumeConsumer(ctx context.Context, consumerID string) error {
	return s.send(ctx, core.VerbConsumerResume, consumerResumePayload{
		scope:      s.currentScope(),
		ConsumerID: consumerID,
	})
}

// Negotiation steps, run on the queue.

func (s *mediaSession) loadDevice(ctx context.Context, caps json.RawMessage) error {
	if err := s.neg.Load(ctx, caps); err != nil {
		if errors.Is(err, core.ErrDeviceLoaded) {
			s.logger.Debug().Msg("router capabilities repeated, device kept")
			return nil
		}
		return err
	}
	rtpCaps, err := s.neg.RTPCapabilities()
	if err != nil {
		return err
	}
	return s.send(ctx, core.VerbCapabilities, capabilitiesPayload{scope: s.currentScope(), RTPCapabilities: rtpCaps})
}

// createTransports builds whichever transports the event carries. A missing
// device drops the event.
func (s *mediaSession) createTransports(ev core.Event) error {
	var tc transportCreatedEvent
	if err := ev.Decode(&tc); err != nil {
		return fmt.Errorf("decode transport_created: %w", err)
	}
	if tc.Send != nil {
		if _, err := s.neg.CreateSendTransport(*tc.Send, s); err != nil {
			return err
		}
	}
	if tc.Recv != nil {
		if _, err := s.neg.CreateRecvTransport(*tc.Recv, s); err != nil {
			return err
		}
	}
	return nil
}

// autoProduce publishes the requested media once the send transport exists.
// Capture or produce failures degrade the session instead of ending it.
func (s *mediaSession) autoProduce(ctx context.Context) {
	if s.autoProduced {
		return
	}
	if _, err := s.neg.SendTransport(); err != nil {
		return
	}
	s.autoProduced = true
	s.mu.RLock()
	intent := s.intent
	s.mu.RUnlock()
	if intent.Audio {
		s.softStart(ctx, core.SourceMicrophone)
	}
	if intent.Video {
		s.softStart(ctx, core.SourceCamera)
	}
}

func (s *mediaSession) softStart(ctx context.Context, source core.MediaSource) {
	if err := s.startSource(ctx, source); err != nil {
		s.logger.Warn().Err(err).Str("source", string(source)).Msg("media unavailable, continuing without it")
		s.mu.Lock()
		s.failures[source] = err.Error()
		s.mu.Unlock()
		return
	}
	s.mu.Lock()
	delete(s.failures, source)
	s.mu.Unlock()
}

// startSource acquires capture for source and produces every track it
// yields. A screen capture may yield a second, audio, track.
func (s *mediaSession) startSource(ctx context.Context, source core.MediaSource) error {
	send, err := s.neg.SendTransport()
	if err != nil {
		return err
	}
	if !s.neg.CanProduce(source.Kind()) {
		return fmt.Errorf("device cannot produce %s: %w", source.Kind(), core.ErrNoDevice)
	}
	if s.deps.Capture == nil {
		return core.ErrNoDevice
	}
	tracks, err := s.deps.Capture.Acquire(ctx, source, s.preferred[source.Kind()])
	if err != nil {
		return err
	}
	var firstErr error
	for _, t := range tracks {
		src := source
		if source == core.SourceScreen && t.Kind() == core.MediaAudio {
			src = core.SourceScreenAudio
		}
		entry, err := s.media.Produce(ctx, send, t, src)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if src == core.SourceMicrophone {
			s.onMicrophone(entry)
		}
	}
	return firstErr
}

func (s *mediaSession) onMicrophone(entry *sfu.ProducerEntry) {
	s.mu.RLock()
	muted := s.muted
	s.mu.RUnlock()
	if muted {
		_ = s.media.PauseProducer(core.SourceMicrophone)
	}
	s.startLocalDetector(entry.Track())
}

func (s *mediaSession) startLocalDetector(t core.LocalTrack) {
	if s.stopLocal != nil {
		s.stopLocal()
		s.stopLocal = nil
	}
	src, ok := t.(core.LevelSource)
	if !ok {
		return
	}
	s.stopLocal = speaking.Start(src, s.deps.Options.Speaking, func(v bool) {
		s.mu.Lock()
		s.localRaw = v
		s.mu.Unlock()
		s.refreshLocalSpeaking()
	}, nil)
}

// refreshLocalSpeaking reports the local flag, which is forced off while
// muted.
func (s *mediaSession) refreshLocalSpeaking() {
	s.mu.Lock()
	now := s.localRaw && !s.muted
	if now == s.localSpeaking {
		s.mu.Unlock()
		return
	}
	s.localSpeaking = now
	s.mu.Unlock()
	s.reportSpeaking(s.deps.Self, now)
}

// consume creates a consumer for a server notification. Duplicates and
// events before the receive transport exists are dropped.
func (s *mediaSession) consume(ctx context.Context, ev core.Event) error {
	var opts core.ConsumerOptions
	if err := ev.Decode(&opts); err != nil {
		return fmt.Errorf("decode new_consumer: %w", err)
	}
	recv, err := s.neg.RecvTransport()
	if err != nil {
		return err
	}
	entry, err := s.media.Consume(ctx, recv, opts)
	if errors.Is(err, sfu.ErrAlreadyConsumed) {
		return nil
	}
	if err != nil {
		return err
	}
	if !speaking.Eligible(entry.Kind(), entry.Source()) {
		return nil
	}
	src, ok := entry.Track().(core.LevelSource)
	if !ok {
		return nil
	}
	user := domain.UserID(entry.UserID())
	entry.OnClose(speaking.Start(src, s.deps.Options.Speaking, func(v bool) {
		s.mu.Lock()
		if s.remoteSpeaking[user] == v {
			s.mu.Unlock()
			return
		}
		s.remoteSpeaking[user] = v
		s.mu.Unlock()
		s.reportSpeaking(user, v)
	}, nil))
	return nil
}

func (s *mediaSession) reportSpeaking(user domain.UserID, v bool) {
	if s.speakingHook != nil {
		s.speakingHook(user, v)
	}
	s.deps.Observer.Speaking(s.self, user, v)
}

func (s *mediaSession) producerClosed(ev core.Event) {
	var pc producerClosedEvent
	if err := ev.Decode(&pc); err != nil || pc.ProducerID == "" {
		s.logger.Debug().Msg("producer_closed without producer_id")
		return
	}
	s.media.RemoveConsumersOf(pc.ProducerID)
}

// Media intents. Each runs on the queue.

func (s *mediaSession) toggleMute(ctx context.Context) (bool, error) {
	s.mu.Lock()
	s.muted = !s.muted
	muted := s.muted
	if !muted && s.deafened {
		// Unmuting also undeafens.
		s.deafened = false
		s.mu.Unlock()
		s.media.SetConsumersPaused(core.MediaAudio, false)
	} else {
		s.mu.Unlock()
	}
	s.applyMute(muted)
	return muted, s.sendMute(ctx)
}

func (s *mediaSession) toggleDeafen(ctx context.Context) (bool, error) {
	s.mu.Lock()
	s.deafened = !s.deafened
	deafened := s.deafened
	if deafened {
		s.mutedBeforeDeafen = s.muted
		s.muted = true
	} else {
		s.muted = s.mutedBeforeDeafen
	}
	muted := s.muted
	s.mu.Unlock()

	s.media.SetConsumersPaused(core.MediaAudio, deafened)
	s.applyMute(muted)
	return deafened, s.sendMute(ctx)
}

func (s *mediaSession) applyMute(muted bool) {
	var err error
	if muted {
		err = s.media.PauseProducer(core.SourceMicrophone)
	} else {
		err = s.media.ResumeProducer(core.SourceMicrophone)
	}
	if err != nil && !errors.Is(err, sfu.ErrNoProducer) {
		s.logger.Warn().Err(err).Msg("microphone mute not applied")
	}
	s.refreshLocalSpeaking()
}

func (s *mediaSession) sendMute(ctx context.Context) error {
	m := s.mediaState()
	err := s.send(ctx, core.VerbMute, mutePayload{
		scope:     s.currentScope(),
		Muted:     m.Muted,
		Deafened:  m.Deafened,
		Video:     m.Video,
		Streaming: m.Screen,
	})
	s.changed()
	if errors.Is(err, core.ErrNotConnected) {
		// Local state still applies; the next join carries it.
		return nil
	}
	return err
}

func (s *mediaSession) toggleVideo(ctx context.Context) (bool, error) {
	if _, ok := s.media.Producer(core.SourceCamera); ok {
		if err := s.media.RemoveProducer(ctx, core.SourceCamera); err != nil {
			return true, err
		}
		s.setIntentVideo(false)
		return false, s.sendMute(ctx)
	}
	if err := s.startSource(ctx, core.SourceCamera); err != nil {
		return false, err
	}
	s.setIntentVideo(true)
	return true, s.sendMute(ctx)
}

func (s *mediaSession) setIntentVideo(v bool) {
	s.mu.Lock()
	s.intent.Video = v
	s.mu.Unlock()
}

func (s *mediaSession) toggleScreen(ctx context.Context) (bool, error) {
	if _, ok := s.media.Producer(core.SourceScreen); ok {
		err := s.media.RemoveProducer(ctx, core.SourceScreen)
		if aerr := s.media.RemoveProducer(ctx, core.SourceScreenAudio); aerr != nil && !errors.Is(aerr, sfu.ErrNoProducer) && err == nil {
			err = aerr
		}
		if err != nil {
			return true, err
		}
		return false, s.sendMute(ctx)
	}
	if err := s.startSource(ctx, core.SourceScreen); err != nil {
		return false, err
	}
	return true, s.sendMute(ctx)
}

// switchDevice swaps the capture device of the live producer for kind, or
// records the preference for the next acquisition.
func (s *mediaSession) switchDevice(ctx context.Context, kind core.MediaKind, deviceID string) error {
	s.preferred[kind] = deviceID
	source := core.SourceMicrophone
	if kind == core.MediaVideo {
		source = core.SourceCamera
	}
	if _, ok := s.media.Producer(source); !ok {
		return nil
	}
	if s.deps.Capture == nil {
		return core.ErrNoDevice
	}
	tracks, err := s.deps.Capture.Acquire(ctx, source, deviceID)
	if err != nil {
		return err
	}
	if len(tracks) == 0 {
		return core.ErrNoDevice
	}
	for _, extra := range tracks[1:] {
		extra.Stop()
	}
	if err := s.media.ReplaceTrack(source, tracks[0]); err != nil {
		tracks[0].Stop()
		return err
	}
	if source == core.SourceMicrophone {
		s.startLocalDetector(tracks[0])
	}
	s.changed()
	return nil
}

// release closes every media resource and clears the correlation map. It
// runs once; the queue is closed separately by the owner.
func (s *mediaSession) release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	s.mu.Unlock()

	s.pending.Clear()
	if s.stopLocal != nil {
		s.stopLocal()
		s.stopLocal = nil
	}
	s.media.Close()
	s.neg.Close()

	s.mu.Lock()
	s.localRaw = false
	s.localSpeaking = false
	s.remoteSpeaking = make(map[domain.UserID]bool)
	s.mu.Unlock()
}

func (s *mediaSession) mediaState() MediaState {
	s.mu.RLock()
	m := MediaState{
		Muted:    s.muted,
		Deafened: s.deafened,
		Speaking: s.localSpeaking,
	}
	if len(s.failures) > 0 {
		m.Failures = make(map[core.MediaSource]string, len(s.failures))
		for k, v := range s.failures {
			m.Failures[k] = v
		}
	}
	s.mu.RUnlock()
	m.Producers = s.media.Producers()
	m.Consumers = s.media.Consumers()
	for _, p := range m.Producers {
		switch p.Source {
		case core.SourceCamera:
			m.Video = true
		case core.SourceScreen:
			m.Screen = true
		}
	}
	return m
}

// speakingUsers lists remote users currently speaking.
func (s *mediaSession) speakingUsers() []domain.UserID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.UserID, 0, len(s.remoteSpeaking))
	for u, v := range s.remoteSpeaking {
		if v {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// doValue runs fn on q and returns its value. If ctx ends first the zero
// value is returned; the task may still run later.
func doValue[T any](ctx context.Context, q *queue.Queue, label string, fn func(context.Context) (T, error)) (T, error) {
	res := make(chan T, 1)
	err := q.Do(ctx, label, func(ctx context.Context) error {
		v, err := fn(ctx)
		res <- v
		return err
	})
	select {
	case v := <-res:
		return v, err
	default:
		var zero T
		return zero, err
	}
}

// ToggleMute flips the local microphone mute and returns the new state.
func (s *mediaSession) ToggleMute(ctx context.Context) (bool, error) {
	return doValue(ctx, s.queue, "toggle_mute", s.toggleMute)
}

// ToggleDeafen pauses every audio consumer and forces mute; toggling back
// restores the mute state from before.
func (s *mediaSession) ToggleDeafen(ctx context.Context) (bool, error) {
	return doValue(ctx, s.queue, "toggle_deafen", s.toggleDeafen)
}

func (s *mediaSession) ToggleVideo(ctx context.Context) (bool, error) {
	return doValue(ctx, s.queue, "toggle_video", s.toggleVideo)
}

func (s *mediaSession) ToggleScreenShare(ctx context.Context) (bool, error) {
	return doValue(ctx, s.queue, "toggle_screen", s.toggleScreen)
}

func (s *mediaSession) SwitchDevice(ctx context.Context, kind core.MediaKind, deviceID string) error {
	return s.queue.Do(ctx, "switch_device", func(ctx context.Context) error {
		return s.switchDevice(ctx, kind, deviceID)
	})
}

// PendingCount is the number of outstanding correlations.
func (s *mediaSession) PendingCount() int { return s.pending.Len() }

// ConsumedCount is the size of the consumed producer id set.
func (s *mediaSession) ConsumedCount() int { return s.media.ConsumedCount() }

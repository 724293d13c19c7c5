package orch

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voiceclient/internal/app"
	"github.com/dkeye/voiceclient/internal/app/session"
	"github.com/dkeye/voiceclient/internal/core"
	"github.com/dkeye/voiceclient/internal/domain"
)

// Signals resolves the connection a session signals over. Calls go through
// the central connection; voice channels through their server's.
type Signals interface {
	Central() core.SignalSender
	Server(id domain.ServerID) (core.SignalSender, bool)
	Focus(id domain.ServerID) error
}

// Forwarder receives every event outside the call and voice families.
type Forwarder interface {
	Forward(source domain.ServerID, ev core.Event)
}

// Notifier is told about state the UI renders.
type Notifier interface {
	Publish(topic string, payload any)
}

// Topics published to the Notifier.
const (
	TopicCall     = "call"
	TopicVoice    = "voice"
	TopicSpeaking = "speaking"
	TopicTransfer = "transfer"
)

type SpeakingUpdate struct {
	Kind     core.SessionKind `json:"kind"`
	UserID   domain.UserID    `json:"user_id"`
	Speaking bool             `json:"speaking"`
}

// State is the read-only view of every session.
type State struct {
	Call     *session.CallSnapshot  `json:"call,omitempty"`
	Voice    *session.VoiceSnapshot `json:"voice,omitempty"`
	Transfer *PendingTransfer       `json:"transfer,omitempty"`
}

// Orchestrator routes inbound call.* and voice.* events to the current
// sessions and turns user intents into session operations. Intents are
// serialized by mu; observer callbacks never take mu, so an intent may wait
// on a session queue while holding it.
type Orchestrator struct {
	Registry *app.Registry
	Resolver *Resolver
	Signals  Signals
	Forward  Forwarder
	Notify   Notifier

	deps   session.Deps
	logger zerolog.Logger
	mu     sync.Mutex
}

func New(signals Signals, deps session.Deps) *Orchestrator {
	o := &Orchestrator{
		Registry: app.NewRegistry(),
		Resolver: NewResolver(),
		Signals:  signals,
		logger:   log.With().Str("module", "orch").Logger(),
	}
	deps.Observer = o
	o.deps = deps
	return o
}

// HandleEvent is the transport's event sink. It runs on the connection's
// read goroutine and never blocks on a session.
func (o *Orchestrator) HandleEvent(source domain.ServerID, ev core.Event) {
	switch ev.Family() {
	case core.FamilyCall:
		o.routeCall(ev)
	case core.FamilyVoice:
		o.routeVoice(source, ev)
	default:
		if o.Forward != nil {
			o.Forward.Forward(source, ev)
		}
	}
}

func (o *Orchestrator) routeCall(ev core.Event) {
	if ev.Verb() == core.VerbInvite {
		o.onInvite(ev)
		return
	}
	c, ok := o.Registry.Call()
	if !ok {
		o.logger.Debug().Str("event", ev.Name).Msg("call event without a call dropped")
		return
	}
	c.Dispatch(ev)
}

// onInvite starts a new incoming call, or rejects it as busy while another
// call is live.
func (o *Orchestrator) onInvite(ev core.Event) {
	var inv struct {
		CallID string `json:"call_id"`
	}
	_ = ev.Decode(&inv)

	if cur, ok := o.Registry.Call(); ok {
		if cur.CallID() == inv.CallID && inv.CallID != "" && cur.Phase().Live() {
			cur.Dispatch(ev)
			return
		}
		if cur.Phase().Live() {
			o.logger.Info().Str("call_id", inv.CallID).Msg("second incoming call rejected as busy")
			if err := o.Signals.Central().Send(context.Background(), core.FamilyCall+"."+core.VerbReject, map[string]string{
				"call_id": inv.CallID,
				"reason":  session.ReasonBusy,
			}); err != nil {
				o.logger.Warn().Err(err).Msg("busy reject not sent")
			}
			return
		}
	}
	c := session.NewCall(o.Signals.Central(), o.deps)
	if prev := o.Registry.BindCall(c); prev != nil {
		prev.Supersede()
	}
	c.Dispatch(ev)
}

func (o *Orchestrator) routeVoice(source domain.ServerID, ev core.Event) {
	v, ok := o.Registry.Voice()
	if !ok {
		o.logger.Debug().Str("event", ev.Name).Msg("voice event without a voice session dropped")
		return
	}
	if source != "" && v.ServerID() != source {
		o.logger.Debug().Str("event", ev.Name).Str("source", string(source)).Msg("voice event from another server dropped")
		return
	}
	v.Dispatch(ev)
}

// session.Observer.

func (o *Orchestrator) Changed(h session.Handle) {
	if !o.Registry.IsCurrent(h) {
		return
	}
	switch s := h.(type) {
	case *session.CallSession:
		o.publish(TopicCall, s.Snapshot())
	case *session.VoiceSession:
		snap := s.Snapshot()
		o.publish(TopicVoice, snap)
		if snap.Phase == core.VoiceAlreadyConnectedElsewhere {
			o.offerTakeover(snap)
		}
	}
}

// offerTakeover parks a join the server refused because the account holds
// the channel elsewhere. Runs on the session queue, so it must not take mu.
func (o *Orchestrator) offerTakeover(snap session.VoiceSnapshot) {
	if pt, ok := o.Resolver.Pending(); ok && pt.Conflict == ConflictConnectedElsewhere &&
		pt.TargetServer == snap.ServerID && pt.TargetChannelID == snap.ChannelID {
		return
	}
	o.offer(PendingTransfer{
		Kind:            TransferVoiceJoin,
		Conflict:        ConflictConnectedElsewhere,
		TargetServer:    snap.ServerID,
		TargetChannelID: snap.ChannelID,
		Intent:          core.MediaIntent{Audio: true},
	})
}

func (o *Orchestrator) Speaking(h session.Handle, user domain.UserID, speaking bool) {
	o.publish(TopicSpeaking, SpeakingUpdate{Kind: h.Kind(), UserID: user, Speaking: speaking})
}

func (o *Orchestrator) Closed(h session.Handle) {
	if !o.Registry.Unbind(h) {
		return
	}
	switch s := h.(type) {
	case *session.CallSession:
		o.publish(TopicCall, s.Snapshot())
	case *session.VoiceSession:
		o.publish(TopicVoice, s.Snapshot())
	}
}

func (o *Orchestrator) publish(topic string, payload any) {
	if o.Notify != nil {
		o.Notify.Publish(topic, payload)
	}
}

// Snapshot returns the current state of every session.
func (o *Orchestrator) Snapshot() State {
	var st State
	if c, ok := o.Registry.Call(); ok {
		snap := c.Snapshot()
		st.Call = &snap
	}
	if v, ok := o.Registry.Voice(); ok {
		snap := v.Snapshot()
		st.Voice = &snap
	}
	if pt, ok := o.Resolver.Pending(); ok {
		st.Transfer = &pt
	}
	return st
}

func (o *Orchestrator) PendingTransfer() (PendingTransfer, bool) {
	return o.Resolver.Pending()
}

// Focus makes server the main connection.
func (o *Orchestrator) Focus(server domain.ServerID) error {
	return o.Signals.Focus(server)
}

// Close tears down every session without signaling.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if c, ok := o.Registry.Call(); ok {
		c.Supersede()
	}
	if v, ok := o.Registry.Voice(); ok {
		v.Close()
	}
	o.Resolver.Cancel()
}

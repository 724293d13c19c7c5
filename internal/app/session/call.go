package session

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voiceclient/internal/core"
	"github.com/dkeye/voiceclient/internal/domain"
)

type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
)

// End reasons reported in snapshots.
const (
	ReasonCancelled         = "cancelled"
	ReasonDeclined          = "declined"
	ReasonHangup            = "hangup"
	ReasonRemoteEnded       = "ended"
	ReasonRejected          = "rejected"
	ReasonAnsweredElsewhere = "answered_elsewhere"
	ReasonError             = "error"
	ReasonBusy              = "busy"
)

type CallSnapshot struct {
	LocalID       string           `json:"local_id"`
	CallID        string           `json:"call_id,omitempty"`
	Phase         core.CallPhase   `json:"phase"`
	Direction     Direction        `json:"direction,omitempty"`
	Peer          *domain.User     `json:"peer,omitempty"`
	Intent        core.MediaIntent `json:"intent"`
	RemoteRinging bool             `json:"remote_ringing,omitempty"`
	EndReason     string           `json:"end_reason,omitempty"`
	StartedAt     time.Time        `json:"started_at"`
	ActiveSince   *time.Time       `json:"active_since,omitempty"`
	SpeakingUsers []domain.UserID  `json:"speaking_users,omitempty"`
	Media         MediaState       `json:"media"`
}

// CallSession is one 1:1 call, from invite to teardown. A new CallSession is
// created for every call; a finished one is never reused.
type CallSession struct {
	*mediaSession

	// Guarded by mediaSession.mu.
	phase         core.CallPhase
	direction     Direction
	peer          *domain.User
	provisional   bool
	answering     bool
	remoteRinging bool
	endReason     string
	startedAt     time.Time
	activeSince   time.Time
	grace         *time.Timer
}

func NewCall(sender core.SignalSender, deps Deps) *CallSession {
	logger := log.With().Str("module", "session.call").Logger()
	c := &CallSession{phase: core.CallIdle, startedAt: time.Now()}
	c.mediaSession = newMediaSession(core.KindCall, sender, deps, logger)
	c.self = c
	return c
}

func (c *CallSession) Phase() core.CallPhase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phase
}

func (c *CallSession) CallID() string {
	return c.currentScope().CallID
}

func (c *CallSession) Peer() *domain.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peer
}

// transition moves the call to phase "to" if the table allows it. A non-empty
// reason is recorded together with the phase.
func (c *CallSession) transition(to core.CallPhase, reason string) bool {
	c.mu.Lock()
	from := c.phase
	if !CanTransitionCall(from, to) {
		c.mu.Unlock()
		c.logger.Debug().Str("from", string(from)).Str("to", string(to)).Msg("call transition ignored")
		return false
	}
	c.phase = to
	if reason != "" {
		c.endReason = reason
	}
	if to == core.CallActive {
		c.activeSince = time.Now()
	}
	c.mu.Unlock()
	c.logger.Info().Str("call_id", c.CallID()).Str("from", string(from)).Str("to", string(to)).Msg("call phase changed")
	c.changed()
	return true
}

// StartOutgoing invites peer. The call id is local until the server echoes
// its own in the first reply.
func (c *CallSession) StartOutgoing(ctx context.Context, peer domain.User, intent core.MediaIntent) error {
	return c.queue.Do(ctx, "start_call", func(ctx context.Context) error {
		c.mu.Lock()
		if c.phase != core.CallIdle {
			c.mu.Unlock()
			return core.ErrInvalidPhase
		}
		c.peer = &peer
		c.intent = intent
		c.direction = Outgoing
		c.scope.CallID = c.localID
		c.provisional = true
		c.startedAt = time.Now()
		c.mu.Unlock()

		if err := c.send(ctx, core.VerbInvite, invitePayload{scope: c.currentScope(), PeerID: peer.ID, Video: intent.Video}); err != nil {
			return err
		}
		c.transition(core.CallOutgoingRinging, "")
		return nil
	})
}

// Accept answers an incoming call, optionally adding video. The call stays
// ringing until the server starts negotiation, so another instance can still
// win the answer.
func (c *CallSession) Accept(ctx context.Context, upgradeVideo bool) error {
	return c.queue.Do(ctx, "accept_call", func(ctx context.Context) error {
		c.mu.Lock()
		if c.phase != core.CallIncomingRinging || c.answering {
			c.mu.Unlock()
			return core.ErrInvalidPhase
		}
		c.answering = true
		c.intent.Video = c.intent.Video || upgradeVideo
		c.intent.Audio = true
		video := c.intent.Video
		c.mu.Unlock()

		if err := c.send(ctx, core.VerbAnswer, answerPayload{scope: c.currentScope(), Video: video}); err != nil {
			c.mu.Lock()
			c.answering = false
			c.mu.Unlock()
			return err
		}
		c.changed()
		return nil
	})
}

func (c *CallSession) Reject(ctx context.Context) error {
	return c.queue.Do(ctx, "reject_call", func(ctx context.Context) error {
		if c.Phase() != core.CallIncomingRinging {
			return core.ErrInvalidPhase
		}
		c.sendBestEffort(ctx, core.VerbReject, reasonPayload{scope: c.currentScope(), Reason: ReasonDeclined})
		c.finish(core.CallEnded, ReasonDeclined)
		return nil
	})
}

// End hangs up, or cancels an outgoing call that is still ringing.
func (c *CallSession) End(ctx context.Context) error {
	return c.queue.Do(ctx, "end_call", func(ctx context.Context) error {
		phase := c.Phase()
		if !phase.Live() {
			return core.ErrInvalidPhase
		}
		reason := ReasonHangup
		if phase == core.CallOutgoingRinging {
			reason = ReasonCancelled
		}
		c.sendBestEffort(ctx, core.VerbEnd, reasonPayload{scope: c.currentScope(), Reason: reason})
		c.finish(core.CallEnded, reason)
		return nil
	})
}

// Dispatch hands an inbound call.* event to the session. Produce
// confirmations are resolved immediately; everything else is queued.
func (c *CallSession) Dispatch(ev core.Event) bool {
	if c.correlate(ev) {
		return true
	}
	return c.queue.Push(ev.Name, func(ctx context.Context) error {
		return c.handle(ctx, ev)
	})
}

// Supersede tears the session down now, cancelling a pending end grace
// timer. Used when a newer call replaces this one and on shutdown.
func (c *CallSession) Supersede() {
	c.mu.Lock()
	if c.grace != nil {
		c.grace.Stop()
	}
	c.mu.Unlock()
	c.pending.Clear()
	c.queue.Push("supersede", func(context.Context) error {
		c.teardown()
		return nil
	})
}

func (c *CallSession) handle(ctx context.Context, ev core.Event) error {
	var sc scopedEvent
	_ = ev.Decode(&sc)
	if !c.accepts(sc.CallID, ev.Verb()) {
		c.logger.Debug().Str("event", ev.Name).Str("event_call_id", sc.CallID).Msg("event for another call dropped")
		return nil
	}
	if c.Phase() == core.CallAnsweredElsewhere && ev.Verb() != core.VerbEnded {
		c.logger.Debug().Str("event", ev.Name).Msg("answered elsewhere, event ignored")
		return nil
	}

	switch ev.Verb() {
	case core.VerbInvite:
		return c.onInvite(ctx, ev)
	case core.VerbRinging:
		c.onRemoteRinging()
	case core.VerbAccepted:
		c.onAccepted()
	case core.VerbRouterCapabilities:
		return c.onRouterCapabilities(ctx, ev)
	case core.VerbTransportCreated:
		return c.onTransportCreated(ctx, ev)
	case core.VerbNewConsumer:
		return c.consume(ctx, ev)
	case core.VerbProducerClosed:
		c.producerClosed(ev)
	case core.VerbEnded:
		c.onEnded(ev, ReasonRemoteEnded)
	case core.VerbRejected:
		c.onEnded(ev, ReasonRejected)
	case core.VerbAnsweredElsewhere:
		c.onAnsweredElsewhere()
	case core.VerbError:
		c.onError(ev)
	case core.VerbProduced:
		// Settled in Dispatch.
	default:
		c.logger.Debug().Str("event", ev.Name).Msg("unhandled call event")
	}
	return nil
}

// accepts reports whether an event with call id "id" belongs to this call.
// While an outgoing call still has a local id, the first server reply names
// the call.
func (c *CallSession) accepts(id, verb string) bool {
	if id == "" {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.phase == core.CallIdle && verb == core.VerbInvite:
		return true
	case id == c.scope.CallID:
		return true
	case c.provisional && c.phase == core.CallOutgoingRinging:
		switch verb {
		case core.VerbRinging, core.VerbAccepted, core.VerbRouterCapabilities, core.VerbRejected, core.VerbEnded:
			c.scope.CallID = id
			c.provisional = false
			return true
		}
	}
	return false
}

func (c *CallSession) onInvite(ctx context.Context, ev core.Event) error {
	var inv inviteEvent
	if err := ev.Decode(&inv); err != nil {
		return err
	}
	c.mu.Lock()
	if c.phase != core.CallIdle {
		c.mu.Unlock()
		c.logger.Debug().Str("call_id", inv.CallID).Msg("repeated invite ignored")
		return nil
	}
	peer := inv.From
	c.peer = &peer
	c.direction = Incoming
	c.scope.CallID = inv.CallID
	c.intent = core.MediaIntent{Audio: true, Video: inv.Video}
	c.startedAt = time.Now()
	c.mu.Unlock()

	if !c.transition(core.CallIncomingRinging, "") {
		return nil
	}
	c.sendBestEffort(ctx, core.VerbRinging, reasonPayload{scope: c.currentScope()})
	return nil
}

func (c *CallSession) onRemoteRinging() {
	c.mu.Lock()
	if c.phase != core.CallOutgoingRinging || c.remoteRinging {
		c.mu.Unlock()
		return
	}
	c.remoteRinging = true
	c.mu.Unlock()
	c.changed()
}

func (c *CallSession) onAccepted() {
	if c.Phase() != core.CallOutgoingRinging {
		return
	}
	c.transition(core.CallConnecting, "")
}

// canNegotiate reports whether router capabilities may start the device:
// an outgoing call, or an incoming call this instance answered.
func (c *CallSession) canNegotiate() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch c.phase {
	case core.CallOutgoingRinging, core.CallConnecting:
		return true
	case core.CallIncomingRinging:
		return c.answering
	}
	return false
}

func (c *CallSession) onRouterCapabilities(ctx context.Context, ev core.Event) error {
	if !c.canNegotiate() {
		c.logger.Debug().Str("phase", string(c.Phase())).Msg("router capabilities dropped")
		return nil
	}
	if c.Phase().Ringing() {
		c.transition(core.CallConnecting, "")
	}
	var rc routerCapabilitiesEvent
	if err := ev.Decode(&rc); err != nil {
		return err
	}
	return c.loadDevice(ctx, rc.RTPCapabilities)
}

func (c *CallSession) onTransportCreated(ctx context.Context, ev core.Event) error {
	phase := c.Phase()
	if phase != core.CallConnecting && phase != core.CallActive {
		c.logger.Debug().Str("phase", string(phase)).Msg("transport_created dropped")
		return nil
	}
	if err := c.createTransports(ev); err != nil {
		return err
	}
	if phase == core.CallConnecting && c.neg.Ready() {
		c.transition(core.CallActive, "")
	}
	c.autoProduce(ctx)
	c.changed()
	return nil
}

// onAnsweredElsewhere wins only while this instance has not started its
// own device; after that the local call proceeds.
func (c *CallSession) onAnsweredElsewhere() {
	phase := c.Phase()
	switch {
	case phase.Ringing(), phase == core.CallConnecting && !c.neg.Started():
		c.finish(core.CallAnsweredElsewhere, ReasonAnsweredElsewhere)
	default:
		c.logger.Info().Str("phase", string(phase)).Msg("answered elsewhere ignored, local negotiation already started")
	}
}

func (c *CallSession) onEnded(ev core.Event, fallback string) {
	var e endedEvent
	_ = ev.Decode(&e)
	reason := e.Reason
	if reason == "" {
		reason = fallback
	}
	switch c.Phase() {
	case core.CallAnsweredElsewhere:
		c.stopGrace()
		c.teardown()
	case core.CallEnded, core.CallIdle:
		c.logger.Debug().Str("reason", reason).Msg("late terminal event ignored")
	default:
		c.finish(core.CallEnded, reason)
	}
}

// onError ends a call still being set up. Errors on an active call only
// affect the request they answered.
func (c *CallSession) onError(ev core.Event) {
	perr := &core.ProtocolError{}
	_ = ev.Decode(perr)
	phase := c.Phase()
	if phase == core.CallActive {
		c.logger.Warn().Err(perr).Msg("server error on active call")
		return
	}
	if !phase.Live() {
		return
	}
	c.logger.Warn().Err(perr).Str("phase", string(phase)).Msg("server error, ending call")
	reason := ReasonError
	if perr.Code != "" {
		reason = ReasonError + ":" + perr.Code
	}
	c.finish(core.CallEnded, reason)
}

// finish enters a terminal phase, releases media at once and schedules the
// final teardown after the grace delay.
func (c *CallSession) finish(to core.CallPhase, reason string) {
	if !c.transition(to, reason) {
		return
	}
	c.release()
	grace := c.deps.Options.EndGrace
	c.mu.Lock()
	if c.grace == nil {
		c.grace = time.AfterFunc(grace, func() {
			c.queue.Push("end_grace", func(context.Context) error {
				c.teardown()
				return nil
			})
		})
	}
	c.mu.Unlock()
}

func (c *CallSession) stopGrace() {
	c.mu.Lock()
	if c.grace != nil {
		c.grace.Stop()
	}
	c.mu.Unlock()
}

// teardown runs on the queue and is the last task it runs.
func (c *CallSession) teardown() {
	if c.queue.Closed() {
		return
	}
	c.release()
	c.mu.Lock()
	from := c.phase
	c.phase = core.CallIdle
	c.mu.Unlock()
	c.logger.Info().Str("call_id", c.CallID()).Str("from", string(from)).Msg("call torn down")
	c.queue.Close()
	c.changed()
	c.deps.Observer.Closed(c)
}

func (c *CallSession) Snapshot() CallSnapshot {
	c.mu.RLock()
	snap := CallSnapshot{
		LocalID:       c.localID,
		CallID:        c.scope.CallID,
		Phase:         c.phase,
		Direction:     c.direction,
		Intent:        c.intent,
		RemoteRinging: c.remoteRinging,
		EndReason:     c.endReason,
		StartedAt:     c.startedAt,
	}
	if c.peer != nil {
		p := *c.peer
		snap.Peer = &p
	}
	if !c.activeSince.IsZero() {
		t := c.activeSince
		snap.ActiveSince = &t
	}
	c.mu.RUnlock()
	snap.SpeakingUsers = c.speakingUsers()
	snap.Media = c.mediaState()
	return snap
}

package session

import (
	"context"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voiceclient/internal/core"
	"github.com/dkeye/voiceclient/internal/domain"
)

// Voice leave reasons.
const (
	ReasonLeft   = "left"
	ReasonKicked = "kicked"
)

type VoiceSnapshot struct {
	LocalID   string               `json:"local_id"`
	ServerID  domain.ServerID      `json:"server_id"`
	ChannelID domain.ChannelID     `json:"channel_id"`
	Phase     core.VoicePhase      `json:"phase"`
	Reason    string               `json:"reason,omitempty"`
	Members   []domain.VoiceMember `json:"members"`
	Media     MediaState           `json:"media"`
}

// VoiceSession is one membership of one voice channel. Switching channels
// means a new VoiceSession.
type VoiceSession struct {
	*mediaSession
	serverID domain.ServerID

	// Guarded by mediaSession.mu.
	phase   core.VoicePhase
	reason  string
	members map[domain.UserID]*domain.VoiceMember
}

func NewVoice(sender core.SignalSender, server domain.ServerID, channel domain.ChannelID, deps Deps) *VoiceSession {
	logger := log.With().
		Str("module", "session.voice").
		Str("channel_id", string(channel)).
		Logger()
	v := &VoiceSession{
		serverID: server,
		phase:    core.VoiceDisconnected,
		members:  make(map[domain.UserID]*domain.VoiceMember),
	}
	v.mediaSession = newMediaSession(core.KindVoice, sender, deps, logger)
	v.self = v
	v.scope = scope{ChannelID: string(channel), ServerID: string(server)}
	v.intent = core.MediaIntent{Audio: true}
	v.speakingHook = v.markSpeaking
	return v
}

func (v *VoiceSession) ServerID() domain.ServerID { return v.serverID }

func (v *VoiceSession) ChannelID() domain.ChannelID {
	return domain.ChannelID(v.currentScope().ChannelID)
}

func (v *VoiceSession) Phase() core.VoicePhase {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.phase
}

func (v *VoiceSession) transition(to core.VoicePhase, reason string) bool {
	v.mu.Lock()
	from := v.phase
	if !CanTransitionVoice(from, to) {
		v.mu.Unlock()
		v.logger.Debug().Str("from", string(from)).Str("to", string(to)).Msg("voice transition ignored")
		return false
	}
	v.phase = to
	v.reason = reason
	v.mu.Unlock()
	v.logger.Info().Str("from", string(from)).Str("to", string(to)).Msg("voice phase changed")
	v.changed()
	return true
}

// Join asks the server for membership. force takes over a membership held
// by another instance of the same account.
func (v *VoiceSession) Join(ctx context.Context, force bool) error {
	return v.queue.Do(ctx, "join_voice", func(ctx context.Context) error {
		if !v.transition(core.VoiceConnecting, "") {
			return core.ErrInvalidPhase
		}
		v.mu.RLock()
		p := joinPayload{scope: v.scope, Force: force, Muted: v.muted, Deafened: v.deafened}
		v.mu.RUnlock()
		if err := v.send(ctx, core.VerbJoin, p); err != nil {
			v.transition(core.VoiceDisconnected, "")
			return err
		}
		return nil
	})
}

// Leave notifies the server and tears the session down.
func (v *VoiceSession) Leave(ctx context.Context) error {
	return v.queue.Do(ctx, "leave_voice", func(ctx context.Context) error {
		if v.Phase().Live() {
			v.sendBestEffort(ctx, core.VerbLeave, reasonPayload{scope: v.currentScope()})
		}
		v.teardown(ReasonLeft)
		return nil
	})
}

// Close tears the session down without telling the server.
func (v *VoiceSession) Close() {
	v.pending.Clear()
	v.queue.Push("close", func(context.Context) error {
		v.teardown("")
		return nil
	})
}

func (v *VoiceSession) Dispatch(ev core.Event) bool {
	if v.correlate(ev) {
		return true
	}
	return v.queue.Push(ev.Name, func(ctx context.Context) error {
		return v.handle(ctx, ev)
	})
}

func (v *VoiceSession) handle(ctx context.Context, ev core.Event) error {
	var sc scopedEvent
	_ = ev.Decode(&sc)
	if sc.ChannelID != "" && sc.ChannelID != v.currentScope().ChannelID {
		v.logger.Debug().Str("event", ev.Name).Str("event_channel_id", sc.ChannelID).Msg("event for another channel dropped")
		return nil
	}

	switch ev.Verb() {
	case core.VerbJoined:
		return v.onJoined(ctx, ev)
	case core.VerbTransportCreated:
		return v.onTransportCreated(ctx, ev)
	case core.VerbNewConsumer:
		if !v.Phase().Live() {
			return nil
		}
		return v.consume(ctx, ev)
	case core.VerbProducerClosed:
		v.producerClosed(ev)
	case core.VerbUserJoined:
		v.onUserJoined(ev)
	case core.VerbUserLeft:
		v.onUserLeft(ev)
	case core.VerbStateUpdate:
		v.onStateUpdate(ev)
	case core.VerbAlreadyConnected:
		v.onAlreadyConnected()
	case core.VerbLeft:
		v.teardown(ReasonLeft)
	case core.VerbKicked:
		v.teardown(ReasonKicked)
	case core.VerbError:
		v.onError(ev)
	case core.VerbProduced:
	default:
		v.logger.Debug().Str("event", ev.Name).Msg("unhandled voice event")
	}
	return nil
}

func (v *VoiceSession) onJoined(ctx context.Context, ev core.Event) error {
	if v.Phase() != core.VoiceConnecting {
		v.logger.Debug().Msg("joined outside connecting dropped")
		return nil
	}
	var j joinedEvent
	if err := ev.Decode(&j); err != nil {
		return err
	}
	v.mu.Lock()
	v.members = make(map[domain.UserID]*domain.VoiceMember, len(j.Members))
	for i := range j.Members {
		m := j.Members[i]
		v.members[m.User.ID] = &m
	}
	v.mu.Unlock()
	v.changed()
	return v.loadDevice(ctx, j.RTPCapabilities)
}

func (v *VoiceSession) onTransportCreated(ctx context.Context, ev core.Event) error {
	phase := v.Phase()
	if !phase.Live() {
		return nil
	}
	if err := v.createTransports(ev); err != nil {
		return err
	}
	if phase == core.VoiceConnecting && v.neg.Ready() {
		v.transition(core.VoiceConnected, "")
	}
	v.autoProduce(ctx)
	v.changed()
	return nil
}

// onAlreadyConnected records that another instance holds the membership.
// The session keeps no media; the caller decides whether to force a join.
func (v *VoiceSession) onAlreadyConnected() {
	if v.neg.Started() {
		v.logger.Debug().Msg("already_connected after negotiation started, ignored")
		return
	}
	v.transition(core.VoiceAlreadyConnectedElsewhere, "")
}

func (v *VoiceSession) onError(ev core.Event) {
	perr := &core.ProtocolError{}
	_ = ev.Decode(perr)
	if v.Phase() == core.VoiceConnecting {
		v.logger.Warn().Err(perr).Msg("server error while joining")
		v.teardown(ReasonError + ":" + perr.Code)
		return
	}
	v.logger.Warn().Err(perr).Msg("server error on voice session")
}

func (v *VoiceSession) onUserJoined(ev core.Event) {
	var e userJoinedEvent
	if err := ev.Decode(&e); err != nil || e.Member.User.ID == "" {
		return
	}
	v.mu.Lock()
	m := e.Member
	v.members[m.User.ID] = &m
	v.mu.Unlock()
	v.changed()
}

func (v *VoiceSession) onUserLeft(ev core.Event) {
	var e userLeftEvent
	if err := ev.Decode(&e); err != nil {
		return
	}
	v.mu.Lock()
	_, ok := v.members[e.UserID]
	delete(v.members, e.UserID)
	delete(v.remoteSpeaking, e.UserID)
	v.mu.Unlock()
	if ok {
		v.changed()
	}
}

func (v *VoiceSession) onStateUpdate(ev core.Event) {
	var e stateUpdateEvent
	if err := ev.Decode(&e); err != nil {
		return
	}
	v.mu.Lock()
	m, ok := v.members[e.UserID]
	if ok {
		m.Muted = e.Muted
		m.Deafened = e.Deafened
		m.Streaming = e.Streaming
	}
	v.mu.Unlock()
	if ok {
		v.changed()
	}
}

func (v *VoiceSession) markSpeaking(user domain.UserID, speaking bool) {
	v.mu.Lock()
	if m, ok := v.members[user]; ok {
		m.Speaking = speaking
	}
	v.mu.Unlock()
}

func (v *VoiceSession) teardown(reason string) {
	if v.queue.Closed() {
		return
	}
	v.release()
	v.mu.Lock()
	v.phase = core.VoiceDisconnected
	if reason != "" {
		v.reason = reason
	}
	v.members = make(map[domain.UserID]*domain.VoiceMember)
	v.mu.Unlock()
	v.logger.Info().Str("reason", reason).Msg("voice session torn down")
	v.queue.Close()
	v.changed()
	v.deps.Observer.Closed(v)
}

func (v *VoiceSession) Snapshot() VoiceSnapshot {
	v.mu.RLock()
	snap := VoiceSnapshot{
		LocalID:   v.localID,
		ServerID:  v.serverID,
		ChannelID: domain.ChannelID(v.scope.ChannelID),
		Phase:     v.phase,
		Reason:    v.reason,
		Members:   make([]domain.VoiceMember, 0, len(v.members)),
	}
	for _, m := range v.members {
		snap.Members = append(snap.Members, *m)
	}
	v.mu.RUnlock()
	sort.Slice(snap.Members, func(i, j int) bool { return snap.Members[i].User.ID < snap.Members[j].User.ID })
	snap.Media = v.mediaState()
	return snap
}

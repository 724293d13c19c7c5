package orch

import (
	"context"
	"errors"

	"github.com/dkeye/voiceclient/internal/app/session"
	"github.com/dkeye/voiceclient/internal/core"
	"github.com/dkeye/voiceclient/internal/domain"
)

// StartCall places a call to peer. While a voice session is live the call
// is held as a pending transfer and ErrTransferPending is returned.
func (o *Orchestrator) StartCall(ctx context.Context, peer domain.User, intent core.MediaIntent) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if c, ok := o.Registry.Call(); ok && c.Phase().Live() {
		return core.ErrInvalidPhase
	}
	if v, ok := o.liveVoice(); ok {
		snap := v.Snapshot()
		o.offer(PendingTransfer{
			Kind:             TransferCallStart,
			Conflict:         ConflictVoiceActive,
			CurrentKind:      core.KindVoice,
			CurrentServer:    snap.ServerID,
			CurrentChannelID: snap.ChannelID,
			Peer:             &peer,
			Intent:           intent,
		})
		return core.ErrTransferPending
	}
	return o.startCall(ctx, peer, intent)
}

func (o *Orchestrator) startCall(ctx context.Context, peer domain.User, intent core.MediaIntent) error {
	c := session.NewCall(o.Signals.Central(), o.deps)
	if prev := o.Registry.BindCall(c); prev != nil {
		prev.Supersede()
	}
	if err := c.StartOutgoing(ctx, peer, intent); err != nil {
		c.Supersede()
		return err
	}
	return nil
}

// AcceptCall answers the ringing call. A live voice session turns the answer
// into a pending transfer.
func (o *Orchestrator) AcceptCall(ctx context.Context, upgradeVideo bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	c, ok := o.Registry.Call()
	if !ok {
		return core.ErrNoSession
	}
	if c.Phase() != core.CallIncomingRinging {
		return core.ErrInvalidPhase
	}
	if v, ok := o.liveVoice(); ok {
		snap := v.Snapshot()
		o.offer(PendingTransfer{
			Kind:             TransferCallAnswer,
			Conflict:         ConflictVoiceActive,
			CurrentKind:      core.KindVoice,
			CurrentServer:    snap.ServerID,
			CurrentChannelID: snap.ChannelID,
			CurrentCallID:    c.CallID(),
			Peer:             c.Peer(),
			UpgradeVideo:     upgradeVideo,
		})
		return core.ErrTransferPending
	}
	return c.Accept(ctx, upgradeVideo)
}

func (o *Orchestrator) RejectCall(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	c, ok := o.Registry.Call()
	if !ok {
		return core.ErrNoSession
	}
	o.dropTransfer(TransferCallAnswer)
	return c.Reject(ctx)
}

func (o *Orchestrator) EndCall(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	c, ok := o.Registry.Call()
	if !ok {
		return core.ErrNoSession
	}
	o.dropTransfer(TransferCallAnswer)
	return c.End(ctx)
}

// JoinVoice joins channel on server. A live call or a different live
// channel makes the join a pending transfer; joining the current channel
// again is a no-op.
func (o *Orchestrator) JoinVoice(ctx context.Context, server domain.ServerID, channel domain.ChannelID, force bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if c, ok := o.Registry.Call(); ok && c.Phase().Live() {
		o.offer(PendingTransfer{
			Kind:            TransferVoiceJoin,
			Conflict:        ConflictCallActive,
			CurrentKind:     core.KindCall,
			CurrentCallID:   c.CallID(),
			TargetServer:    server,
			TargetChannelID: channel,
			Intent:          core.MediaIntent{Audio: true},
		})
		return core.ErrTransferPending
	}
	if v, ok := o.liveVoice(); ok {
		if v.ServerID() == server && v.ChannelID() == channel {
			return nil
		}
		o.offer(PendingTransfer{
			Kind:             TransferVoiceJoin,
			Conflict:         ConflictVoiceActive,
			CurrentKind:      core.KindVoice,
			CurrentServer:    v.ServerID(),
			CurrentChannelID: v.ChannelID(),
			TargetServer:     server,
			TargetChannelID:  channel,
			Intent:           core.MediaIntent{Audio: true},
		})
		return core.ErrTransferPending
	}
	return o.joinVoice(ctx, server, channel, force)
}

func (o *Orchestrator) joinVoice(ctx context.Context, server domain.ServerID, channel domain.ChannelID, force bool) error {
	sender, ok := o.Signals.Server(server)
	if !ok {
		return core.ErrNotConnected
	}
	v := session.NewVoice(sender, server, channel, o.deps)
	if prev := o.Registry.BindVoice(v); prev != nil {
		prev.Close()
	}
	if err := v.Join(ctx, force); err != nil {
		v.Close()
		return err
	}
	o.logger.Info().Str("server", string(server)).Str("channel_id", string(channel)).Bool("force", force).Msg("voice join sent")
	return nil
}

func (o *Orchestrator) LeaveVoice(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	v, ok := o.Registry.Voice()
	if !ok {
		return core.ErrNoSession
	}
	o.dropTransfer(TransferVoiceJoin)
	return o.leaveVoice(ctx, v)
}

// leaveVoice returns once the session has released its media.
func (o *Orchestrator) leaveVoice(ctx context.Context, v *session.VoiceSession) error {
	if err := v.Leave(ctx); err != nil && !errors.Is(err, core.ErrSessionClosed) {
		return err
	}
	select {
	case <-v.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConfirmTransfer carries out the pending transfer with the given id. An
// empty id confirms whatever is pending.
func (o *Orchestrator) ConfirmTransfer(ctx context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	pt, ok := o.Resolver.Pending()
	if !ok || (id != "" && pt.ID != id) {
		return core.ErrNoTransfer
	}
	o.Resolver.Take()
	o.publish(TopicTransfer, nil)
	o.logger.Info().Str("transfer", pt.ID).Str("kind", string(pt.Kind)).Str("conflict", pt.Conflict).Msg("transfer confirmed")

	switch pt.Kind {
	case TransferVoiceJoin:
		if err := o.vacateForVoice(ctx, pt); err != nil {
			return err
		}
		return o.joinVoice(ctx, pt.TargetServer, pt.TargetChannelID, pt.Conflict == ConflictConnectedElsewhere)
	case TransferCallStart:
		if err := o.vacateVoice(ctx); err != nil {
			return err
		}
		if pt.Peer == nil {
			return core.ErrNoTransfer
		}
		return o.startCall(ctx, *pt.Peer, pt.Intent)
	case TransferCallAnswer:
		c, ok := o.Registry.Call()
		if !ok || c.CallID() != pt.CurrentCallID || c.Phase() != core.CallIncomingRinging {
			return core.ErrNoSession
		}
		if err := o.vacateVoice(ctx); err != nil {
			return err
		}
		return c.Accept(ctx, pt.UpgradeVideo)
	}
	return core.ErrNoTransfer
}

func (o *Orchestrator) vacateForVoice(ctx context.Context, pt PendingTransfer) error {
	switch pt.Conflict {
	case ConflictCallActive:
		if c, ok := o.Registry.Call(); ok && c.Phase().Live() {
			if err := c.End(ctx); err != nil && !errors.Is(err, core.ErrInvalidPhase) {
				return err
			}
		}
	case ConflictConnectedElsewhere:
		// The parked session never joined; the forced join replaces it.
		return nil
	}
	return o.vacateVoice(ctx)
}

func (o *Orchestrator) vacateVoice(ctx context.Context) error {
	v, ok := o.Registry.Voice()
	if !ok {
		return nil
	}
	return o.leaveVoice(ctx, v)
}

// CancelTransfer drops the pending transfer. A session parked because the
// account is connected elsewhere is closed with it.
func (o *Orchestrator) CancelTransfer() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	pt, ok := o.Resolver.Take()
	if !ok {
		return core.ErrNoTransfer
	}
	o.publish(TopicTransfer, nil)
	if pt.Conflict == ConflictConnectedElsewhere {
		if v, ok := o.Registry.Voice(); ok && v.Phase() == core.VoiceAlreadyConnectedElsewhere {
			v.Close()
		}
	}
	return nil
}

func (o *Orchestrator) offer(pt PendingTransfer) {
	pt = o.Resolver.Offer(pt)
	o.logger.Info().Str("transfer", pt.ID).Str("kind", string(pt.Kind)).Str("conflict", pt.Conflict).Msg("transfer pending")
	o.publish(TopicTransfer, pt)
}

func (o *Orchestrator) dropTransfer(kind TransferKind) {
	if pt, ok := o.Resolver.Pending(); ok && pt.Kind == kind {
		o.Resolver.Cancel()
		o.publish(TopicTransfer, nil)
	}
}

func (o *Orchestrator) liveVoice() (*session.VoiceSession, bool) {
	v, ok := o.Registry.Voice()
	if !ok || !v.Phase().Live() {
		return nil, false
	}
	return v, true
}

type mediaControls interface {
	ToggleMute(ctx context.Context) (bool, error)
	ToggleDeafen(ctx context.Context) (bool, error)
	ToggleVideo(ctx context.Context) (bool, error)
	ToggleScreenShare(ctx context.Context) (bool, error)
	SwitchDevice(ctx context.Context, kind core.MediaKind, deviceID string) error
}

// mediaTarget picks the session media intents apply to: the live call first,
// then the voice session.
func (o *Orchestrator) mediaTarget() (mediaControls, error) {
	if c, ok := o.Registry.Call(); ok && c.Phase().Live() {
		return c, nil
	}
	if v, ok := o.liveVoice(); ok {
		return v, nil
	}
	return nil, core.ErrNoSession
}

func (o *Orchestrator) ToggleMute(ctx context.Context) (bool, error) {
	t, err := o.mediaTarget()
	if err != nil {
		return false, err
	}
	return t.ToggleMute(ctx)
}

func (o *Orchestrator) ToggleDeafen(ctx context.Context) (bool, error) {
	t, err := o.mediaTarget()
	if err != nil {
		return false, err
	}
	return t.ToggleDeafen(ctx)
}

func (o *Orchestrator) ToggleVideo(ctx context.Context) (bool, error) {
	t, err := o.mediaTarget()
	if err != nil {
		return false, err
	}
	return t.ToggleVideo(ctx)
}

func (o *Orchestrator) ToggleScreenShare(ctx context.Context) (bool, error) {
	t, err := o.mediaTarget()
	if err != nil {
		return false, err
	}
	return t.ToggleScreenShare(ctx)
}

func (o *Orchestrator) SwitchDevice(ctx context.Context, kind core.MediaKind, deviceID string) error {
	t, err := o.mediaTarget()
	if err != nil {
		return err
	}
	return t.SwitchDevice(ctx, kind, deviceID)
}

// Devices lists local capture devices.
func (o *Orchestrator) Devices() []core.DeviceInfo {
	if o.deps.Capture == nil {
		return nil
	}
	return o.deps.Capture.Enumerate()
}

package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dkeye/voiceclient/internal/core"
	"github.com/dkeye/voiceclient/internal/core/coretest"
	"github.com/dkeye/voiceclient/internal/domain"
)

var peerB = domain.User{ID: "user-b", Username: "bob", DisplayName: "Bob"}

func routerCaps(callID string) core.Event {
	return coretest.Event("call.router_capabilities", map[string]any{
		"call_id":          callID,
		"rtp_capabilities": map[string]any{"codecs": []any{map[string]any{"mimeType": "audio/opus"}}},
	})
}

// startActiveCall drives an outgoing audio call to active.
func startActiveCall(t *testing.T, h *harness) *CallSession {
	t.Helper()
	c := NewCall(h.sig, h.deps)
	h.answerProduce("call", "call_id", "srv-1", c.Dispatch)

	require.NoError(t, c.StartOutgoing(context.Background(), peerB, core.MediaIntent{Audio: true}))
	require.Equal(t, core.CallOutgoingRinging, c.Phase())

	c.Dispatch(coretest.Event("call.ringing", map[string]any{"call_id": "srv-1"}))
	c.Dispatch(routerCaps("srv-1"))
	waitIdle(t, c)
	require.Equal(t, core.CallConnecting, c.Phase())

	c.Dispatch(coretest.Event("call.transport_created", transports("call_id", "srv-1")))
	waitIdle(t, c)
	require.Equal(t, core.CallActive, c.Phase())
	return c
}

func TestOutgoingCallReachesActiveWithAudioProducer(t *testing.T) {
	h := newHarness()
	c := startActiveCall(t, h)

	snap := c.Snapshot()
	require.Equal(t, "srv-1", snap.CallID)
	require.Equal(t, Outgoing, snap.Direction)
	require.True(t, snap.RemoteRinging)
	require.NotNil(t, snap.ActiveSince)
	require.Len(t, snap.Media.Producers, 1)
	require.Equal(t, core.SourceMicrophone, snap.Media.Producers[0].Source)
	require.Equal(t, "prod-microphone", snap.Media.Producers[0].ProducerID)

	require.Equal(t, []string{"call.invite", "call.capabilities", "call.produce"}, h.sig.Events())
	invite, _ := h.sig.Last("call.invite")
	require.JSONEq(t, `{"call_id":"`+c.LocalID()+`","peer_id":"user-b","video":false}`, string(invite))
	require.Equal(t, 1, h.factory.Count())
	require.Zero(t, c.PendingCount())
}

func TestVideoIntentFailsSoftWithoutCamera(t *testing.T) {
	h := newHarness()
	h.capture.Missing = map[core.MediaSource]bool{core.SourceCamera: true}
	c := NewCall(h.sig, h.deps)
	h.answerProduce("call", "call_id", "srv-1", c.Dispatch)

	require.NoError(t, c.StartOutgoing(context.Background(), peerB, core.MediaIntent{Audio: true, Video: true}))
	c.Dispatch(coretest.Event("call.accepted", map[string]any{"call_id": "srv-1"}))
	c.Dispatch(routerCaps("srv-1"))
	c.Dispatch(coretest.Event("call.transport_created", transports("call_id", "srv-1")))
	waitIdle(t, c)

	snap := c.Snapshot()
	require.Equal(t, core.CallActive, snap.Phase)
	require.Len(t, snap.Media.Producers, 1)
	require.Contains(t, snap.Media.Failures[core.SourceCamera], "capture device unavailable")
}

func TestDuplicateNewConsumerCreatesOneConsumer(t *testing.T) {
	h := newHarness()
	c := startActiveCall(t, h)

	c.Dispatch(newConsumer("call", "call_id", "srv-1", "c1", "remote-audio", core.MediaAudio, "user-b"))
	c.Dispatch(newConsumer("call", "call_id", "srv-1", "c2", "remote-audio", core.MediaAudio, "user-b"))
	waitIdle(t, c)

	require.Len(t, c.Snapshot().Media.Consumers, 1)
	require.Equal(t, 1, h.renderer.Attachments())
	require.Equal(t, 1, c.ConsumedCount())
}

func TestNewConsumerBeforeTransportIsDropped(t *testing.T) {
	h := newHarness()
	c := NewCall(h.sig, h.deps)
	require.NoError(t, c.StartOutgoing(context.Background(), peerB, core.MediaIntent{Audio: true}))

	c.Dispatch(newConsumer("call", "call_id", c.LocalID(), "c1", "remote-audio", core.MediaAudio, "user-b"))
	c.Dispatch(coretest.Event("call.ringing", nil))
	waitIdle(t, c)

	require.Empty(t, c.Snapshot().Media.Consumers)
	require.Equal(t, core.CallOutgoingRinging, c.Phase())
}

func TestProduceTimeoutIsSoftAndNeverResolvesLater(t *testing.T) {
	h := newHarness()
	h.deps.Options.ProduceTimeout = 30 * time.Millisecond
	c := NewCall(h.sig, h.deps)

	require.NoError(t, c.StartOutgoing(context.Background(), peerB, core.MediaIntent{Audio: true}))
	c.Dispatch(routerCaps("srv-1"))
	c.Dispatch(coretest.Event("call.transport_created", transports("call_id", "srv-1")))
	waitIdle(t, c)

	snap := c.Snapshot()
	require.Equal(t, core.CallActive, snap.Phase)
	require.Empty(t, snap.Media.Producers)
	require.Contains(t, snap.Media.Failures[core.SourceMicrophone], core.ErrProduceTimeout.Error())
	require.Zero(t, c.PendingCount())

	// The stray confirmation finds no waiter.
	require.True(t, c.Dispatch(coretest.Event("call.produced", map[string]any{"call_id": "srv-1", "producer_id": "late"})))
	waitIdle(t, c)
	require.Empty(t, c.Snapshot().Media.Producers)
	// The capture track was released.
	require.Equal(t, 1, h.capture.Tracks()[0].Stops())
}

func TestProducedForAnotherCallIsIgnored(t *testing.T) {
	h := newHarness()
	h.deps.Options.ProduceTimeout = 50 * time.Millisecond
	c := NewCall(h.sig, h.deps)
	h.answerProduce("call", "call_id", "old-call", c.Dispatch)

	require.NoError(t, c.StartOutgoing(context.Background(), peerB, core.MediaIntent{Audio: true}))
	c.Dispatch(routerCaps("srv-1"))
	c.Dispatch(coretest.Event("call.transport_created", transports("call_id", "srv-1")))
	waitIdle(t, c)

	require.Empty(t, c.Snapshot().Media.Producers)
}

func TestServerErrorRejectsPendingProduce(t *testing.T) {
	h := newHarness()
	c := NewCall(h.sig, h.deps)
	h.sig.OnSend = func(event string, _ json.RawMessage) {
		if event == "call.produce" {
			c.Dispatch(coretest.Event("call.error", map[string]any{"call_id": "srv-1", "code": "produce_denied"}))
		}
	}

	require.NoError(t, c.StartOutgoing(context.Background(), peerB, core.MediaIntent{Audio: true}))
	c.Dispatch(routerCaps("srv-1"))
	c.Dispatch(coretest.Event("call.transport_created", transports("call_id", "srv-1")))
	waitIdle(t, c)

	snap := c.Snapshot()
	require.Contains(t, snap.Media.Failures[core.SourceMicrophone], "produce_denied")
	// The queued copy of the error finds an active call and keeps it.
	require.Equal(t, core.CallActive, snap.Phase)
}

func TestIncomingCallAnsweredElsewhereWhileRinging(t *testing.T) {
	h := newHarness()
	c := NewCall(h.sig, h.deps)

	c.Dispatch(coretest.Event("call.invite", map[string]any{"call_id": "in-1", "from": peerB, "video": true}))
	waitIdle(t, c)
	require.Equal(t, core.CallIncomingRinging, c.Phase())
	require.Equal(t, 1, h.sig.Count("call.ringing"))

	require.NoError(t, c.Accept(context.Background(), false))
	require.Equal(t, 1, h.sig.Count("call.answer"))

	// Another instance wins while our answer is still in flight.
	c.Dispatch(coretest.Event("call.answered_elsewhere", map[string]any{"call_id": "in-1"}))
	c.Dispatch(routerCaps("in-1"))
	c.Dispatch(coretest.Event("call.transport_created", transports("call_id", "in-1")))
	waitIdle(t, c)

	snap := c.Snapshot()
	require.Equal(t, core.CallAnsweredElsewhere, snap.Phase)
	require.Equal(t, ReasonAnsweredElsewhere, snap.EndReason)
	require.Zero(t, h.factory.Count())
	require.Empty(t, snap.Media.Producers)

	// Only the final teardown event still gets through.
	c.Dispatch(coretest.Event("call.ended", map[string]any{"call_id": "in-1"}))
	require.Eventually(t, c.Closed, time.Second, 5*time.Millisecond)
	require.Equal(t, core.CallIdle, c.Phase())
	require.Equal(t, 1, h.observer.Closes())
}

func TestAnsweredElsewhereIgnoredOnceDeviceCreationStarted(t *testing.T) {
	h := newHarness()
	c := NewCall(h.sig, h.deps)
	h.answerProduce("call", "call_id", "in-1", c.Dispatch)

	c.Dispatch(coretest.Event("call.invite", map[string]any{"call_id": "in-1", "from": peerB}))
	waitIdle(t, c)
	require.NoError(t, c.Accept(context.Background(), true))

	c.Dispatch(routerCaps("in-1"))
	waitIdle(t, c)
	require.Equal(t, core.CallConnecting, c.Phase())
	require.Equal(t, 1, h.factory.Count())

	c.Dispatch(coretest.Event("call.answered_elsewhere", map[string]any{"call_id": "in-1"}))
	c.Dispatch(coretest.Event("call.transport_created", transports("call_id", "in-1")))
	waitIdle(t, c)

	snap := c.Snapshot()
	require.Equal(t, core.CallActive, snap.Phase)
	require.True(t, snap.Intent.Video)
	require.Len(t, snap.Media.Producers, 2)
}

func TestRejectIncomingCall(t *testing.T) {
	h := newHarness()
	c := NewCall(h.sig, h.deps)
	c.Dispatch(coretest.Event("call.invite", map[string]any{"call_id": "in-1", "from": peerB}))
	waitIdle(t, c)

	require.NoError(t, c.Reject(context.Background()))
	rej, ok := h.sig.Last("call.reject")
	require.True(t, ok)
	require.JSONEq(t, `{"call_id":"in-1","reason":"declined"}`, string(rej))
	require.Equal(t, core.CallEnded, c.Phase())
	require.ErrorIs(t, c.Accept(context.Background(), false), core.ErrInvalidPhase)
}

func TestEndClearsEverythingAndGraceTearsDown(t *testing.T) {
	h := newHarness()
	h.deps.Options.EndGrace = 100 * time.Millisecond
	c := startActiveCall(t, h)
	c.Dispatch(newConsumer("call", "call_id", "srv-1", "c1", "remote-audio", core.MediaAudio, "user-b"))
	c.Dispatch(newConsumer("call", "call_id", "srv-1", "c2", "remote-video", core.MediaVideo, "user-b"))
	waitIdle(t, c)
	require.Len(t, c.Snapshot().Media.Consumers, 2)

	require.NoError(t, c.End(context.Background()))
	snap := c.Snapshot()
	require.Equal(t, core.CallEnded, snap.Phase)
	require.Equal(t, ReasonHangup, snap.EndReason)
	require.Empty(t, snap.Media.Producers)
	require.Empty(t, snap.Media.Consumers)
	require.Zero(t, c.PendingCount())
	require.Zero(t, c.ConsumedCount())
	require.Equal(t, 1, h.factory.Last().Closed())
	require.Equal(t, 1, h.capture.Tracks()[0].Stops())
	require.Equal(t, 2, h.renderer.Detached())
	require.Equal(t, 1, h.sig.Count("call.end"))

	require.Eventually(t, c.Closed, time.Second, 5*time.Millisecond)
	require.Equal(t, core.CallIdle, c.Phase())
	require.Equal(t, 1, h.observer.Closes())
	require.False(t, c.Dispatch(coretest.Event("call.ended", map[string]any{"call_id": "srv-1"})))
}

func TestLateTerminalEventForOtherCallIgnored(t *testing.T) {
	h := newHarness()
	c := startActiveCall(t, h)

	c.Dispatch(coretest.Event("call.ended", map[string]any{"call_id": "previous-call", "reason": "timeout"}))
	waitIdle(t, c)
	require.Equal(t, core.CallActive, c.Phase())

	c.Dispatch(coretest.Event("call.ended", map[string]any{"call_id": "srv-1", "reason": "peer_left"}))
	waitIdle(t, c)
	require.Equal(t, core.CallEnded, c.Phase())
	require.Equal(t, "peer_left", c.Snapshot().EndReason)
}

func TestSupersedeCancelsGraceTimer(t *testing.T) {
	h := newHarness()
	h.deps.Options.EndGrace = time.Hour
	c := startActiveCall(t, h)

	c.Dispatch(coretest.Event("call.ended", map[string]any{"call_id": "srv-1"}))
	waitIdle(t, c)
	require.Equal(t, core.CallEnded, c.Phase())
	require.False(t, c.Closed())

	c.Supersede()
	require.Eventually(t, c.Closed, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, h.observer.Closes())
}

func TestDeafenPausesAudioAndForcesMute(t *testing.T) {
	h := newHarness()
	c := startActiveCall(t, h)
	h.factory.Last().RecvTransport().SetState(core.TransportConnected)
	c.Dispatch(newConsumer("call", "call_id", "srv-1", "c1", "remote-audio", core.MediaAudio, "user-b"))
	waitIdle(t, c)

	ctx := context.Background()
	deafened, err := c.ToggleDeafen(ctx)
	require.NoError(t, err)
	require.True(t, deafened)

	snap := c.Snapshot()
	require.True(t, snap.Media.Muted)
	require.True(t, snap.Media.Producers[0].Paused)
	require.True(t, snap.Media.Consumers[0].Paused)
	mute, _ := h.sig.Last("call.mute")
	require.JSONEq(t, `{"call_id":"srv-1","muted":true,"deafened":true,"video":false,"streaming":false}`, string(mute))

	deafened, err = c.ToggleDeafen(ctx)
	require.NoError(t, err)
	require.False(t, deafened)
	snap = c.Snapshot()
	require.False(t, snap.Media.Muted)
	require.False(t, snap.Media.Producers[0].Paused)
	require.False(t, snap.Media.Consumers[0].Paused)

	muted, err := c.ToggleMute(ctx)
	require.NoError(t, err)
	require.True(t, muted)
	require.True(t, c.Snapshot().Media.Producers[0].Paused)
}

func TestToggleVideoAndScreenShare(t *testing.T) {
	h := newHarness()
	c := startActiveCall(t, h)
	ctx := context.Background()

	on, err := c.ToggleVideo(ctx)
	require.NoError(t, err)
	require.True(t, on)
	require.True(t, c.Snapshot().Media.Video)

	on, err = c.ToggleScreenShare(ctx)
	require.NoError(t, err)
	require.True(t, on)
	require.True(t, c.Snapshot().Media.Screen)

	on, err = c.ToggleVideo(ctx)
	require.NoError(t, err)
	require.False(t, on)
	require.Equal(t, 1, h.sig.Count("call.produce_stop"))

	snap := c.Snapshot()
	require.False(t, snap.Media.Video)
	require.Len(t, snap.Media.Producers, 2)
}

func TestSwitchDeviceReplacesMicrophoneTrack(t *testing.T) {
	h := newHarness()
	c := startActiveCall(t, h)

	require.NoError(t, c.SwitchDevice(context.Background(), core.MediaAudio, "usb-mic"))

	tracks := h.capture.Tracks()
	require.Len(t, tracks, 2)
	require.Equal(t, 1, tracks[0].Stops())
	require.Zero(t, tracks[1].Stops())
	snap := c.Snapshot()
	require.Equal(t, "usb-mic", snap.Media.Producers[0].DeviceID)
	require.Equal(t, 1, h.sig.Count("call.produce"))
}

func TestLocalSpeakingIsReportedAndGatedByMute(t *testing.T) {
	h := newHarness()
	c := startActiveCall(t, h)
	mic := h.capture.Tracks()[0]

	mic.SetLevel(0.9)
	require.Eventually(t, func() bool { return h.observer.IsSpeaking("me") }, time.Second, 5*time.Millisecond)
	require.True(t, c.Snapshot().Media.Speaking)

	_, err := c.ToggleMute(context.Background())
	require.NoError(t, err)
	require.False(t, h.observer.IsSpeaking("me"))
}

func TestRemoteSpeakingIsReported(t *testing.T) {
	h := newHarness()
	c := startActiveCall(t, h)
	c.Dispatch(newConsumer("call", "call_id", "srv-1", "c1", "remote-audio", core.MediaAudio, "user-b"))
	waitIdle(t, c)

	h.factory.Last().RecvTransport().Consumers()[0].RemoteTrack().SetLevel(0.7)
	require.Eventually(t, func() bool { return h.observer.IsSpeaking("user-b") }, time.Second, 5*time.Millisecond)
	require.Equal(t, []domain.UserID{"user-b"}, c.Snapshot().SpeakingUsers)
}

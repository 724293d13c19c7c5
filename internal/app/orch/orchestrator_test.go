package orch

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voiceclient/internal/app/session"
	"github.com/dkeye/voiceclient/internal/core"
	"github.com/dkeye/voiceclient/internal/core/coretest"
	"github.com/dkeye/voiceclient/internal/domain"
)

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.Disabled)
	os.Exit(m.Run())
}

type fakeSignals struct {
	central *coretest.Signal
	servers map[domain.ServerID]*coretest.Signal
	focused domain.ServerID
}

func (f *fakeSignals) Central() core.SignalSender { return f.central }

func (f *fakeSignals) Server(id domain.ServerID) (core.SignalSender, bool) {
	s, ok := f.servers[id]
	return s, ok
}

func (f *fakeSignals) Focus(id domain.ServerID) error {
	if _, ok := f.servers[id]; !ok {
		return core.ErrNoSession
	}
	f.focused = id
	return nil
}

type published struct {
	Topic   string
	Payload any
}

type recordingNotifier struct {
	mu  sync.Mutex
	log []published
}

func (n *recordingNotifier) Publish(topic string, payload any) {
	n.mu.Lock()
	n.log = append(n.log, published{topic, payload})
	n.mu.Unlock()
}

func (n *recordingNotifier) Count(topic string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, p := range n.log {
		if p.Topic == topic {
			c++
		}
	}
	return c
}

type recordingForwarder struct {
	mu     sync.Mutex
	events []string
}

func (f *recordingForwarder) Forward(_ domain.ServerID, ev core.Event) {
	f.mu.Lock()
	f.events = append(f.events, ev.Name)
	f.mu.Unlock()
}

type fixture struct {
	o        *Orchestrator
	signals  *fakeSignals
	factory  *coretest.DeviceFactory
	renderer *coretest.Renderer
	notify   *recordingNotifier
	forward  *recordingForwarder
}

var peerB = domain.User{ID: "user-b", Username: "bob"}

func newFixture() *fixture {
	f := &fixture{
		signals: &fakeSignals{
			central: &coretest.Signal{},
			servers: map[domain.ServerID]*coretest.Signal{"srv-a": {}, "srv-b": {}},
		},
		factory:  &coretest.DeviceFactory{},
		renderer: &coretest.Renderer{},
		notify:   &recordingNotifier{},
		forward:  &recordingForwarder{},
	}
	f.o = New(f.signals, session.Deps{
		Self:     "me",
		Devices:  f.factory,
		Capture:  &coretest.Capture{},
		Renderer: f.renderer,
		Options:  session.Options{ProduceTimeout: time.Second, EndGrace: time.Hour},
	})
	f.o.Notify = f.notify
	f.o.Forward = f.forward

	// Every fake server confirms produce requests through the orchestrator,
	// the way the transport read pump would.
	answer := func(source domain.ServerID, sig *coretest.Signal) {
		sig.OnSend = func(event string, data json.RawMessage) {
			var p struct {
				CallID    string `json:"call_id"`
				ChannelID string `json:"channel_id"`
				Source    string `json:"source"`
			}
			_ = json.Unmarshal(data, &p)
			switch event {
			case "voice.produce":
				f.o.HandleEvent(source, coretest.Event("voice.produced", map[string]any{
					"channel_id": p.ChannelID, "producer_id": "prod-" + p.ChannelID, "source": p.Source,
				}))
			case "call.produce":
				f.o.HandleEvent("", coretest.Event("call.produced", map[string]any{
					"call_id": p.CallID, "producer_id": "prod-" + p.CallID, "source": p.Source,
				}))
			}
		}
	}
	answer("", f.signals.central)
	for id, sig := range f.signals.servers {
		answer(id, sig)
	}
	return f
}

func waitIdle(t *testing.T, s interface{ Sync(context.Context) error }) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Sync(ctx))
}

func transports(key, id string) map[string]any {
	return map[string]any{
		key:    id,
		"send": map[string]any{"id": "send-" + id},
		"recv": map[string]any{"id": "recv-" + id},
	}
}

// connectVoice drives a voice join on srv-a to connected.
func (f *fixture) connectVoice(t *testing.T, channel string) *session.VoiceSession {
	t.Helper()
	require.NoError(t, f.o.JoinVoice(context.Background(), "srv-a", domain.ChannelID(channel), false))
	v, ok := f.o.Registry.Voice()
	require.True(t, ok)

	f.o.HandleEvent("srv-a", coretest.Event("voice.joined", map[string]any{
		"channel_id":       channel,
		"rtp_capabilities": map[string]any{"codecs": []any{}},
	}))
	f.o.HandleEvent("srv-a", coretest.Event("voice.transport_created", transports("channel_id", channel)))
	waitIdle(t, v)
	require.Equal(t, core.VoiceConnected, v.Phase())
	return v
}

func (f *fixture) ringingIncoming(t *testing.T, callID string) *session.CallSession {
	t.Helper()
	f.o.HandleEvent("", coretest.Event("call.invite", map[string]any{"call_id": callID, "from": peerB}))
	c, ok := f.o.Registry.Call()
	require.True(t, ok)
	waitIdle(t, c)
	require.Equal(t, core.CallIncomingRinging, c.Phase())
	return c
}

func TestJoinOtherChannelRaisesTransferThenSwitches(t *testing.T) {
	f := newFixture()
	old := f.connectVoice(t, "chan-x")
	require.Len(t, old.Snapshot().Media.Producers, 1)
	f.o.HandleEvent("srv-a", coretest.Event("voice.new_consumer", map[string]any{
		"channel_id": "chan-x", "consumer_id": "c1", "producer_id": "p-u2", "kind": "audio", "source": "microphone", "user_id": "u2",
	}))
	waitIdle(t, old)
	require.Len(t, old.Snapshot().Media.Consumers, 1)

	err := f.o.JoinVoice(context.Background(), "srv-a", "chan-y", false)
	require.ErrorIs(t, err, core.ErrTransferPending)

	pt, ok := f.o.PendingTransfer()
	require.True(t, ok)
	require.Equal(t, TransferVoiceJoin, pt.Kind)
	require.Equal(t, ConflictVoiceActive, pt.Conflict)
	require.Equal(t, domain.ChannelID("chan-x"), pt.CurrentChannelID)
	require.Equal(t, domain.ChannelID("chan-y"), pt.TargetChannelID)

	// Nothing switched yet.
	cur, _ := f.o.Registry.Voice()
	require.Same(t, old, cur)
	require.Equal(t, core.VoiceConnected, old.Phase())

	require.NoError(t, f.o.ConfirmTransfer(context.Background(), pt.ID))
	_, ok = f.o.PendingTransfer()
	require.False(t, ok)

	require.True(t, old.Closed())
	snap := old.Snapshot()
	require.Empty(t, snap.Media.Producers)
	require.Empty(t, snap.Media.Consumers)
	require.Zero(t, old.PendingCount())
	require.Zero(t, old.ConsumedCount())

	dev := f.factory.Devices[0]
	for _, p := range dev.SendTransport().Producers() {
		require.Equal(t, 1, p.Closed())
	}
	require.Equal(t, 1, f.renderer.Detached())

	next, ok := f.o.Registry.Voice()
	require.True(t, ok)
	require.NotSame(t, old, next)
	require.Equal(t, domain.ChannelID("chan-y"), next.ChannelID())
	require.Equal(t, core.VoiceConnecting, next.Phase())

	sig := f.signals.servers["srv-a"]
	leave, ok := sig.Last("voice.leave")
	require.True(t, ok)
	require.Contains(t, string(leave), `"channel_id":"chan-x"`)
	join, _ := sig.Last("voice.join")
	require.Contains(t, string(join), `"channel_id":"chan-y"`)
}

func TestJoinSameChannelIsNoop(t *testing.T) {
	f := newFixture()
	v := f.connectVoice(t, "chan-x")

	require.NoError(t, f.o.JoinVoice(context.Background(), "srv-a", "chan-x", false))
	cur, _ := f.o.Registry.Voice()
	require.Same(t, v, cur)
	require.Equal(t, 1, f.signals.servers["srv-a"].Count("voice.join"))
}

func TestJoinVoiceWhileInCallNeedsConfirmation(t *testing.T) {
	f := newFixture()
	c := f.ringingIncoming(t, "in-1")

	err := f.o.JoinVoice(context.Background(), "srv-b", "chan-z", false)
	require.ErrorIs(t, err, core.ErrTransferPending)
	pt, _ := f.o.PendingTransfer()
	require.Equal(t, ConflictCallActive, pt.Conflict)
	require.Equal(t, "in-1", pt.CurrentCallID)
	_, ok := f.o.Registry.Voice()
	require.False(t, ok)

	require.NoError(t, f.o.ConfirmTransfer(context.Background(), ""))
	require.Equal(t, core.CallEnded, c.Phase())
	require.Equal(t, 1, f.signals.central.Count("call.end"))

	v, ok := f.o.Registry.Voice()
	require.True(t, ok)
	require.Equal(t, domain.ServerID("srv-b"), v.ServerID())
	require.Equal(t, 1, f.signals.servers["srv-b"].Count("voice.join"))
}

func TestStartCallWhileInVoiceAndCancel(t *testing.T) {
	f := newFixture()
	v := f.connectVoice(t, "chan-x")

	err := f.o.StartCall(context.Background(), peerB, core.MediaIntent{Audio: true})
	require.ErrorIs(t, err, core.ErrTransferPending)
	pt, _ := f.o.PendingTransfer()
	require.Equal(t, TransferCallStart, pt.Kind)
	require.Equal(t, core.KindVoice, pt.CurrentKind)

	require.NoError(t, f.o.CancelTransfer())
	require.ErrorIs(t, f.o.CancelTransfer(), core.ErrNoTransfer)
	require.ErrorIs(t, f.o.ConfirmTransfer(context.Background(), pt.ID), core.ErrNoTransfer)

	_, ok := f.o.Registry.Call()
	require.False(t, ok)
	require.Equal(t, core.VoiceConnected, v.Phase())
	require.Zero(t, f.signals.central.Count("call.invite"))
}

func TestStartCallTransferLeavesVoiceFirst(t *testing.T) {
	f := newFixture()
	v := f.connectVoice(t, "chan-x")

	require.ErrorIs(t, f.o.StartCall(context.Background(), peerB, core.MediaIntent{Audio: true}), core.ErrTransferPending)
	require.NoError(t, f.o.ConfirmTransfer(context.Background(), ""))

	require.True(t, v.Closed())
	_, ok := f.o.Registry.Voice()
	require.False(t, ok)
	c, ok := f.o.Registry.Call()
	require.True(t, ok)
	require.Equal(t, core.CallOutgoingRinging, c.Phase())
	require.Equal(t, 1, f.signals.central.Count("call.invite"))
}

func TestAcceptWhileInVoiceNeedsConfirmation(t *testing.T) {
	f := newFixture()
	f.connectVoice(t, "chan-x")
	c := f.ringingIncoming(t, "in-1")

	require.ErrorIs(t, f.o.AcceptCall(context.Background(), true), core.ErrTransferPending)
	require.Zero(t, f.signals.central.Count("call.answer"))

	require.NoError(t, f.o.ConfirmTransfer(context.Background(), ""))
	answer, ok := f.signals.central.Last("call.answer")
	require.True(t, ok)
	require.JSONEq(t, `{"call_id":"in-1","video":true}`, string(answer))
	require.Equal(t, core.CallIncomingRinging, c.Phase())
	_, ok = f.o.Registry.Voice()
	require.False(t, ok)
}

func TestRejectDropsPendingAnswer(t *testing.T) {
	f := newFixture()
	f.connectVoice(t, "chan-x")
	c := f.ringingIncoming(t, "in-1")

	require.ErrorIs(t, f.o.AcceptCall(context.Background(), false), core.ErrTransferPending)
	require.NoError(t, f.o.RejectCall(context.Background()))
	_, ok := f.o.PendingTransfer()
	require.False(t, ok)
	require.Equal(t, core.CallEnded, c.Phase())
}

func TestSecondInviteIsRejectedAsBusy(t *testing.T) {
	f := newFixture()
	c := f.ringingIncoming(t, "in-1")

	f.o.HandleEvent("", coretest.Event("call.invite", map[string]any{"call_id": "in-2", "from": peerB}))

	reject, ok := f.signals.central.Last("call.reject")
	require.True(t, ok)
	require.JSONEq(t, `{"call_id":"in-2","reason":"busy"}`, string(reject))
	cur, _ := f.o.Registry.Call()
	require.Same(t, c, cur)
	require.Equal(t, "in-1", cur.CallID())
}

func TestInviteAfterEndedCallReplacesIt(t *testing.T) {
	f := newFixture()
	old := f.ringingIncoming(t, "in-1")
	f.o.HandleEvent("", coretest.Event("call.ended", map[string]any{"call_id": "in-1"}))
	waitIdle(t, old)
	require.Equal(t, core.CallEnded, old.Phase())

	next := f.ringingIncoming(t, "in-2")
	require.NotSame(t, old, next)
	<-old.Done()
	require.True(t, old.Closed())
	require.Zero(t, f.signals.central.Count("call.reject"))
}

func TestReusedCallIDAfterEndRingsAgain(t *testing.T) {
	f := newFixture()
	old := f.ringingIncoming(t, "in-1")
	f.o.HandleEvent("", coretest.Event("call.ended", map[string]any{"call_id": "in-1"}))
	waitIdle(t, old)
	require.Equal(t, core.CallEnded, old.Phase())

	next := f.ringingIncoming(t, "in-1")
	require.NotSame(t, old, next)
	require.Equal(t, "in-1", next.CallID())
	<-old.Done()
	require.Zero(t, f.signals.central.Count("call.reject"))
}

func TestDuplicateNewConsumerThroughRouting(t *testing.T) {
	f := newFixture()
	v := f.connectVoice(t, "chan-x")

	ev := coretest.Event("voice.new_consumer", map[string]any{
		"channel_id": "chan-x", "consumer_id": "c1", "producer_id": "p-u2", "kind": "audio", "source": "microphone", "user_id": "u2",
	})
	f.o.HandleEvent("srv-a", ev)
	f.o.HandleEvent("srv-a", ev)
	waitIdle(t, v)

	require.Len(t, v.Snapshot().Media.Consumers, 1)
	require.Equal(t, 1, f.renderer.Attachments())
}

func TestVoiceEventFromOtherServerDropped(t *testing.T) {
	f := newFixture()
	v := f.connectVoice(t, "chan-x")

	f.o.HandleEvent("srv-b", coretest.Event("voice.kicked", map[string]any{"channel_id": "chan-x"}))
	waitIdle(t, v)
	require.Equal(t, core.VoiceConnected, v.Phase())
}

func TestAlreadyConnectedOffersForcedJoin(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.o.JoinVoice(context.Background(), "srv-a", "chan-x", false))
	parked, _ := f.o.Registry.Voice()

	f.o.HandleEvent("srv-a", coretest.Event("voice.already_connected", map[string]any{"channel_id": "chan-x"}))
	waitIdle(t, parked)
	require.Equal(t, core.VoiceAlreadyConnectedElsewhere, parked.Phase())

	pt, ok := f.o.PendingTransfer()
	require.True(t, ok)
	require.Equal(t, ConflictConnectedElsewhere, pt.Conflict)
	require.Equal(t, domain.ChannelID("chan-x"), pt.TargetChannelID)
	require.Zero(t, f.factory.Count())

	require.NoError(t, f.o.ConfirmTransfer(context.Background(), pt.ID))
	join, _ := f.signals.servers["srv-a"].Last("voice.join")
	require.Contains(t, string(join), `"force":true`)

	<-parked.Done()
	next, ok := f.o.Registry.Voice()
	require.True(t, ok)
	require.NotSame(t, parked, next)
	require.Equal(t, core.VoiceConnecting, next.Phase())
}

func TestLeaveVoiceUnbindsAndPublishes(t *testing.T) {
	f := newFixture()
	v := f.connectVoice(t, "chan-x")

	require.NoError(t, f.o.LeaveVoice(context.Background()))
	require.True(t, v.Closed())
	_, ok := f.o.Registry.Voice()
	require.False(t, ok)
	require.Zero(t, f.o.Registry.Len())
	require.Positive(t, f.notify.Count(TopicVoice))
	require.ErrorIs(t, f.o.LeaveVoice(context.Background()), core.ErrNoSession)
}

func TestMediaIntentsPreferCall(t *testing.T) {
	f := newFixture()
	_, err := f.o.ToggleMute(context.Background())
	require.ErrorIs(t, err, core.ErrNoSession)

	v := f.connectVoice(t, "chan-x")
	muted, err := f.o.ToggleMute(context.Background())
	require.NoError(t, err)
	require.True(t, muted)
	require.True(t, v.Snapshot().Media.Muted)
}

func TestOtherFamiliesAreForwarded(t *testing.T) {
	f := newFixture()
	f.o.HandleEvent("srv-a", coretest.Event("message.create", map[string]any{"id": "m1"}))
	f.o.HandleEvent("srv-a", core.Event{Name: "presence"})

	require.Equal(t, []string{"message.create", "presence"}, f.forward.events)
}

func TestSnapshotAndFocus(t *testing.T) {
	f := newFixture()
	f.connectVoice(t, "chan-x")
	require.ErrorIs(t, f.o.StartCall(context.Background(), peerB, core.MediaIntent{Audio: true}), core.ErrTransferPending)

	st := f.o.Snapshot()
	require.Nil(t, st.Call)
	require.NotNil(t, st.Voice)
	require.Equal(t, domain.ChannelID("chan-x"), st.Voice.ChannelID)
	require.NotNil(t, st.Transfer)

	require.NoError(t, f.o.Focus("srv-b"))
	require.Equal(t, domain.ServerID("srv-b"), f.signals.focused)
	require.Error(t, f.o.Focus("nope"))
}

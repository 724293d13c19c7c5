package rtc

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voiceclient/internal/core"
)

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.Disabled)
	os.Exit(m.Run())
}

const routerCaps = `{
	"codecs": [
		{"kind":"audio","mimeType":"audio/opus","preferredPayloadType":100,"clockRate":48000,"channels":2},
		{"kind":"video","mimeType":"video/VP8","preferredPayloadType":101,"clockRate":90000},
		{"kind":"video","mimeType":"video/AV1X","preferredPayloadType":102,"clockRate":90000}
	],
	"headerExtensions": [
		{"kind":"audio","uri":"urn:ietf:params:rtp-hdrext:ssrc-audio-level","preferredId":1},
		{"kind":"video","uri":"urn:3gpp:video-orientation","preferredId":4}
	]
}`

type nopHandler struct{}

func (nopHandler) OnConnect(context.Context, string, json.RawMessage) error { return nil }

func TestDeviceLoadKeepsSupportedCodecs(t *testing.T) {
	dev, err := NewFactory(Options{}).NewDevice()
	require.NoError(t, err)
	require.False(t, dev.Loaded())
	require.Nil(t, dev.RTPCapabilities())

	_, err = dev.CreateRecvTransport(core.TransportOptions{ID: "r"}, nopHandler{})
	require.ErrorIs(t, err, core.ErrDeviceNotLoaded)

	require.NoError(t, dev.Load(context.Background(), json.RawMessage(routerCaps)))
	require.ErrorIs(t, dev.Load(context.Background(), json.RawMessage(routerCaps)), core.ErrDeviceLoaded)
	require.True(t, dev.CanProduce(core.MediaAudio))
	require.True(t, dev.CanProduce(core.MediaVideo))

	var caps Capabilities
	require.NoError(t, json.Unmarshal(dev.RTPCapabilities(), &caps))
	require.Len(t, caps.Codecs, 2)
	require.Equal(t, "audio/opus", caps.Codecs[0].MimeType)
	require.Len(t, caps.HeaderExtensions, 1)
	require.Equal(t, AudioLevelURI, caps.HeaderExtensions[0].URI)
	dev.Close()
}

func TestDeviceLoadRejectsBadCapabilities(t *testing.T) {
	dev, _ := NewFactory(Options{}).NewDevice()
	require.Error(t, dev.Load(context.Background(), json.RawMessage(`{"codecs":`)))
	require.False(t, dev.Loaded())
}

func TestAudioOnlyRouterCannotProduceVideo(t *testing.T) {
	caps := Intersect(Capabilities{Codecs: []Codec{{MimeType: "audio/OPUS", ClockRate: 48000}}})
	require.Len(t, caps.Codecs, 1)
	require.Equal(t, core.MediaAudio, caps.Codecs[0].Kind)
}

func TestRecvTransportLifecycle(t *testing.T) {
	dev, _ := NewFactory(Options{ICEServers: []string{"stun:stun.l.google.com:19302"}}).NewDevice()
	require.NoError(t, dev.Load(context.Background(), json.RawMessage(routerCaps)))

	tr, err := dev.CreateRecvTransport(core.TransportOptions{
		ID:             "recv-1",
		ICEParameters:  json.RawMessage(`{"usernameFragment":"uf","password":"pw","iceLite":true}`),
		ICECandidates:  json.RawMessage(`[{"foundation":"1","priority":100,"ip":"10.0.0.1","protocol":"udp","port":40000,"type":"host"}]`),
		DTLSParameters: json.RawMessage(`{"role":"auto","fingerprints":[{"algorithm":"sha-256","value":"AA:BB"}]}`),
	}, nopHandler{})
	require.NoError(t, err)
	require.Equal(t, "recv-1", tr.ID())
	require.Equal(t, core.TransportNew, tr.State())
	require.Equal(t, uint8(1), tr.(*RecvTransport).audioLevelID)

	var seen []core.TransportState
	tr.OnStateChange(func(s core.TransportState) { seen = append(seen, s) })
	dev.Close()
	require.Equal(t, core.TransportClosed, tr.State())
	require.Equal(t, []core.TransportState{core.TransportClosed}, seen)
}

func TestConsumeRejectsEmptyParameters(t *testing.T) {
	dev, _ := NewFactory(Options{}).NewDevice()
	require.NoError(t, dev.Load(context.Background(), json.RawMessage(routerCaps)))
	tr, err := dev.CreateRecvTransport(core.TransportOptions{ID: "recv-1"}, nopHandler{})
	require.NoError(t, err)
	defer tr.Close()

	_, err = tr.Consume(context.Background(), core.ConsumerOptions{ID: "c1", Kind: core.MediaAudio, RTPParameters: json.RawMessage(`{"codecs":[],"encodings":[]}`)})
	require.Error(t, err)
}

func TestParseCandidatesSkipsUnknown(t *testing.T) {
	cands, err := parseCandidates(json.RawMessage(`[
		{"foundation":"1","priority":1,"ip":"10.0.0.1","protocol":"udp","port":1,"type":"host"},
		{"foundation":"2","priority":1,"address":"10.0.0.2","protocol":"tcp","port":2,"type":"host","tcpType":"passive"},
		{"foundation":"3","priority":1,"ip":"10.0.0.3","protocol":"sctp","port":3,"type":"host"}
	]`))
	require.NoError(t, err)
	require.Len(t, cands, 2)
	require.Equal(t, "10.0.0.1", cands[0].Address)
	require.Equal(t, "10.0.0.2", cands[1].Address)
	require.Equal(t, "passive", cands[1].TCPType)

	_, err = parseCandidates(json.RawMessage(`{}`))
	require.Error(t, err)
}

func TestAudioLevelFromHeaderExtension(t *testing.T) {
	pkt := func(level uint8) *rtp.Packet {
		p := &rtp.Packet{Header: rtp.Header{Version: 2}}
		raw, err := rtp.AudioLevelExtension{Level: level, Voice: true}.Marshal()
		require.NoError(t, err)
		require.NoError(t, p.Header.SetExtension(1, raw))
		return p
	}

	loud, ok := AudioLevel(pkt(0), 1)
	require.True(t, ok)
	require.InDelta(t, 1.0, loud, 1e-9)

	quiet, ok := AudioLevel(pkt(40), 1)
	require.True(t, ok)
	require.InDelta(t, 0.01, quiet, 1e-9)

	silent, ok := AudioLevel(pkt(127), 1)
	require.True(t, ok)
	require.Zero(t, silent)

	_, ok = AudioLevel(pkt(0), 3)
	require.False(t, ok)
}

package rtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/voiceclient/internal/core"
)

type iceCandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Address    string `json:"address"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
	TCPType    string `json:"tcpType,omitempty"`
}

type dtlsParameters struct {
	Role         string                   `json:"role"`
	Fingerprints []webrtc.DTLSFingerprint `json:"fingerprints"`
}

// parseCandidates converts server candidates into pion candidates. Entries
// pion cannot represent are skipped.
func parseCandidates(raw json.RawMessage) ([]webrtc.ICECandidate, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var in []iceCandidate
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("ice candidates: %w", err)
	}
	out := make([]webrtc.ICECandidate, 0, len(in))
	for _, c := range in {
		proto, err := webrtc.NewICEProtocol(c.Protocol)
		if err != nil {
			continue
		}
		typ, err := webrtc.NewICECandidateType(c.Type)
		if err != nil {
			continue
		}
		addr := c.Address
		if addr == "" {
			addr = c.IP
		}
		out = append(out, webrtc.ICECandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			Address:    addr,
			Protocol:   proto,
			Port:       c.Port,
			Typ:        typ,
			Component:  1,
			TCPType:    c.TCPType,
		})
	}
	return out, nil
}

func parseTransportOptions(opts core.TransportOptions) (webrtc.ICEParameters, []webrtc.ICECandidate, webrtc.DTLSParameters, error) {
	var (
		ice  webrtc.ICEParameters
		dtls dtlsParameters
	)
	if len(opts.ICEParameters) > 0 {
		if err := json.Unmarshal(opts.ICEParameters, &ice); err != nil {
			return ice, nil, webrtc.DTLSParameters{}, fmt.Errorf("ice parameters: %w", err)
		}
	}
	cands, err := parseCandidates(opts.ICECandidates)
	if err != nil {
		return ice, nil, webrtc.DTLSParameters{}, err
	}
	if len(opts.DTLSParameters) > 0 {
		if err := json.Unmarshal(opts.DTLSParameters, &dtls); err != nil {
			return ice, nil, webrtc.DTLSParameters{}, fmt.Errorf("dtls parameters: %w", err)
		}
	}
	// The SFU side always acts as DTLS server.
	return ice, cands, webrtc.DTLSParameters{Role: webrtc.DTLSRoleServer, Fingerprints: dtls.Fingerprints}, nil
}

func iceState(s webrtc.ICETransportState) (core.TransportState, bool) {
	switch s {
	case webrtc.ICETransportStateChecking:
		return core.TransportConnecting, true
	case webrtc.ICETransportStateDisconnected:
		return core.TransportDisconnected, true
	case webrtc.ICETransportStateFailed:
		return core.TransportFailed, true
	}
	return "", false
}

func dtlsState(s webrtc.DTLSTransportState) (core.TransportState, bool) {
	switch s {
	case webrtc.DTLSTransportStateConnecting:
		return core.TransportConnecting, true
	case webrtc.DTLSTransportStateConnected:
		return core.TransportConnected, true
	case webrtc.DTLSTransportStateFailed:
		return core.TransportFailed, true
	case webrtc.DTLSTransportStateClosed:
		return core.TransportClosed, true
	}
	return "", false
}

// transport is one ICE+DTLS path to the SFU. The connect handshake runs on
// first use, as the server expects the client's DTLS parameters only then.
type transport struct {
	id      string
	api     *webrtc.API
	handler core.TransportHandler
	logger  zerolog.Logger

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport

	remoteICE   webrtc.ICEParameters
	remoteCands []webrtc.ICECandidate
	remoteDTLS  webrtc.DTLSParameters

	connectOnce sync.Once
	connectErr  error

	mu        sync.Mutex
	state     core.TransportState
	listeners []func(core.TransportState)
}

func newTransport(api *webrtc.API, iceServers []string, opts core.TransportOptions, h core.TransportHandler, logger zerolog.Logger) (*transport, error) {
	remoteICE, cands, remoteDTLS, err := parseTransportOptions(opts)
	if err != nil {
		return nil, err
	}
	var servers []webrtc.ICEServer
	if len(iceServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{ICEServers: servers})
	if err != nil {
		return nil, err
	}
	ice := api.NewICETransport(gatherer)
	dtls, err := api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, err
	}
	t := &transport{
		id:          opts.ID,
		api:         api,
		handler:     h,
		logger:      logger.With().Str("transport", opts.ID).Logger(),
		gatherer:    gatherer,
		ice:         ice,
		dtls:        dtls,
		remoteICE:   remoteICE,
		remoteCands: cands,
		remoteDTLS:  remoteDTLS,
		state:       core.TransportNew,
	}
	ice.OnConnectionStateChange(func(s webrtc.ICETransportState) {
		t.logger.Debug().Str("ice_state", s.String()).Msg("ICE state")
		if st, ok := iceState(s); ok {
			t.setState(st)
		}
	})
	dtls.OnStateChange(func(s webrtc.DTLSTransportState) {
		t.logger.Info().Str("dtls_state", s.String()).Msg("DTLS state")
		if st, ok := dtlsState(s); ok {
			t.setState(st)
		}
	})
	return t, nil
}

func (t *transport) ID() string { return t.id }

func (t *transport) State() core.TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *transport) OnStateChange(fn func(core.TransportState)) {
	t.mu.Lock()
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

func (t *transport) setState(s core.TransportState) {
	t.mu.Lock()
	if t.state == s || t.state == core.TransportClosed {
		t.mu.Unlock()
		return
	}
	t.state = s
	ls := append([]func(core.TransportState){}, t.listeners...)
	t.mu.Unlock()
	for _, fn := range ls {
		fn(s)
	}
}

// connect gathers, hands the local DTLS parameters to the server and starts
// ICE and DTLS in the background. Only the first call does anything.
func (t *transport) connect(ctx context.Context) error {
	t.connectOnce.Do(func() {
		t.connectErr = t.doConnect(ctx)
	})
	return t.connectErr
}

func (t *transport) doConnect(ctx context.Context) error {
	gathered := make(chan struct{})
	t.gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			close(gathered)
		}
	})
	if err := t.gatherer.Gather(); err != nil {
		return err
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return ctx.Err()
	}

	local, err := t.dtls.GetLocalParameters()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(dtlsParameters{Role: "client", Fingerprints: local.Fingerprints})
	if err != nil {
		return err
	}
	if err := t.handler.OnConnect(ctx, t.id, raw); err != nil {
		return err
	}

	go func() {
		role := webrtc.ICERoleControlling
		if err := t.ice.SetRemoteCandidates(t.remoteCands); err != nil {
			t.logger.Error().Err(err).Msg("remote candidates")
			t.setState(core.TransportFailed)
			return
		}
		if err := t.ice.Start(nil, t.remoteICE, &role); err != nil {
			t.logger.Error().Err(err).Msg("ICE start")
			t.setState(core.TransportFailed)
			return
		}
		if err := t.dtls.Start(t.remoteDTLS); err != nil {
			t.logger.Error().Err(err).Msg("DTLS start")
			t.setState(core.TransportFailed)
		}
	}()
	return nil
}

func (t *transport) Close() {
	t.setState(core.TransportClosed)
	if err := t.dtls.Stop(); err != nil {
		t.logger.Debug().Err(err).Msg("dtls stop")
	}
	if err := t.ice.Stop(); err != nil {
		t.logger.Debug().Err(err).Msg("ice stop")
	}
	_ = t.gatherer.Close()
}

package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voiceclient/internal/config"
	"github.com/dkeye/voiceclient/internal/core"
)

// CloseAuthFailed is the close code a server uses to refuse a token.
const CloseAuthFailed = 4004

type Options struct {
	PingPeriod       time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	ReadLimit        int64
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	BackoffFactor    float64
	ProbePath        string
	ProbeTimeout     time.Duration
	SurfaceAfter     time.Duration
	// SendLimit is the number of sends of one event name allowed per
	// SendWindow. Zero disables the limit.
	SendLimit  int
	SendWindow time.Duration
}

func OptionsFromConfig(t config.Transport) Options {
	return Options{
		PingPeriod:       t.PingPeriod,
		WriteTimeout:     t.WriteTimeout,
		HandshakeTimeout: t.HandshakeTimeout,
		ReadLimit:        t.ReadLimit,
		BackoffBase:      t.BackoffBase,
		BackoffCap:       t.BackoffCap,
		BackoffFactor:    t.BackoffFactor,
		ProbePath:        t.ProbePath,
		ProbeTimeout:     t.ProbeTimeout,
		SurfaceAfter:     t.SurfaceAfter,
		SendLimit:        t.SendLimit,
		SendWindow:       t.SendWindow,
	}
}

func (o Options) withDefaults() Options {
	if o.PingPeriod <= 0 {
		o.PingPeriod = 25 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 1 << 20
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 30 * time.Second
	}
	if o.BackoffFactor < 1 {
		o.BackoffFactor = 2
	}
	if o.ProbePath == "" {
		o.ProbePath = "/health"
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 3 * time.Second
	}
	if o.SurfaceAfter <= 0 {
		o.SurfaceAfter = 10 * time.Second
	}
	if o.SendWindow <= 0 {
		o.SendWindow = time.Second
	}
	return o
}

// Ready is the server's answer to a fresh identify.
type Ready struct {
	SessionID string          `json:"session_id"`
	Seq       int64           `json:"seq"`
	Raw       json.RawMessage `json:"-"`
}

type identifyPayload struct {
	Token string        `json:"token"`
	Mode  core.ConnMode `json:"mode"`
}

type resumePayload struct {
	Token     string        `json:"token"`
	SessionID string        `json:"session_id,omitempty"`
	Seq       int64         `json:"seq"`
	Mode      core.ConnMode `json:"mode"`
}

// Dialer opens authenticated sockets. It holds no per-endpoint state.
type Dialer struct {
	opts   Options
	ws     websocket.Dialer
	logger zerolog.Logger
}

func NewDialer(opts Options) *Dialer {
	opts = opts.withDefaults()
	return &Dialer{
		opts: opts,
		ws: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		logger: log.With().Str("module", "ws").Logger(),
	}
}

// Connect opens a fresh session: identify, then wait for ready.
func (d *Dialer) Connect(ctx context.Context, address, token string, mode core.ConnMode) (*Conn, Ready, error) {
	ws, err := d.dial(ctx, address, token)
	if err != nil {
		return nil, Ready{}, err
	}
	ev, err := d.handshake(ws, core.EventIdentify, identifyPayload{Token: token, Mode: mode})
	if err != nil {
		_ = ws.Close()
		return nil, Ready{}, err
	}
	if ev.Name != core.EventReady {
		_ = ws.Close()
		return nil, Ready{}, fmt.Errorf("%w: unexpected %q during identify", core.ErrUnreachable, ev.Name)
	}
	var ready Ready
	if err := ev.Decode(&ready); err != nil {
		_ = ws.Close()
		return nil, Ready{}, fmt.Errorf("%w: bad ready: %v", core.ErrUnreachable, err)
	}
	ready.Raw = ev.Data
	return newConn(ws, d.opts, d.logger.With().Str("address", address).Logger()), ready, nil
}

// Resume continues the event stream after lastSeq. ErrInvalidSequence means
// the server no longer has that history and a fresh Connect is needed.
func (d *Dialer) Resume(ctx context.Context, address, token, sessionID string, lastSeq int64, mode core.ConnMode) (*Conn, error) {
	ws, err := d.dial(ctx, address, token)
	if err != nil {
		return nil, err
	}
	ev, err := d.handshake(ws, core.EventResume, resumePayload{Token: token, SessionID: sessionID, Seq: lastSeq, Mode: mode})
	if err != nil {
		_ = ws.Close()
		return nil, err
	}
	switch ev.Name {
	case core.EventResumed:
		return newConn(ws, d.opts, d.logger.With().Str("address", address).Logger()), nil
	case core.EventInvalidSequence:
		_ = ws.Close()
		return nil, core.ErrInvalidSequence
	}
	_ = ws.Close()
	return nil, fmt.Errorf("%w: unexpected %q during resume", core.ErrUnreachable, ev.Name)
}

func (d *Dialer) dial(ctx context.Context, address, token string) (*websocket.Conn, error) {
	u, err := socketURL(address)
	if err != nil {
		return nil, err
	}
	header := make(http.Header)
	header.Set("Authorization", "Bearer "+token)

	ws, resp, err := d.ws.DialContext(ctx, u, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, core.ErrAuthFailure
		}
		return nil, fmt.Errorf("%w: %v", core.ErrUnreachable, err)
	}
	return ws, nil
}

// handshake writes the opening message and reads exactly one reply.
func (d *Dialer) handshake(ws *websocket.Conn, event string, payload any) (core.Event, error) {
	deadline := time.Now().Add(d.opts.HandshakeTimeout)
	_ = ws.SetWriteDeadline(deadline)
	if err := ws.WriteJSON(envelope{Event: event, Data: payload}); err != nil {
		return core.Event{}, fmt.Errorf("%w: %v", core.ErrUnreachable, err)
	}
	_ = ws.SetReadDeadline(deadline)
	var ev core.Event
	if err := ws.ReadJSON(&ev); err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) && ce.Code == CloseAuthFailed {
			return core.Event{}, core.ErrAuthFailure
		}
		return core.Event{}, fmt.Errorf("%w: %v", core.ErrUnreachable, err)
	}
	_ = ws.SetReadDeadline(time.Time{})
	_ = ws.SetWriteDeadline(time.Time{})
	if ev.Name == core.EventAuthFailed {
		return core.Event{}, core.ErrAuthFailure
	}
	return ev, nil
}

// socketURL accepts ws(s):// or http(s):// addresses.
func socketURL(address string) (string, error) {
	u, err := url.Parse(address)
	if err != nil {
		return "", fmt.Errorf("bad address %q: %w", address, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("bad address %q: unsupported scheme", address)
	}
	return u.String(), nil
}

// probeURL is the health endpoint of the host behind a socket address.
func probeURL(address, path string) (string, error) {
	u, err := url.Parse(address)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = "/" + strings.TrimPrefix(path, "/")
	u.RawQuery = ""
	return u.String(), nil
}

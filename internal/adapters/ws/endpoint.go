package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dkeye/voiceclient/internal/app"
	"github.com/dkeye/voiceclient/internal/core"
	"github.com/dkeye/voiceclient/internal/domain"
)

// Events counted for background endpoints.
const (
	EventMessageCreate = "message.create"
	EventMention       = "mention"
)

// EventHandler receives every event of every endpoint in socket order. The
// central endpoint reports an empty source.
type EventHandler func(source domain.ServerID, ev core.Event)

// EndpointStatus is the read-only view of one endpoint.
type EndpointStatus struct {
	ID                domain.ServerID `json:"id,omitempty"`
	Central           bool            `json:"central,omitempty"`
	Address           string          `json:"address"`
	Mode              core.ConnMode   `json:"mode"`
	State             core.ConnMode   `json:"state"`
	SessionID         string          `json:"session_id,omitempty"`
	LastSeq           int64           `json:"last_seq"`
	ReconnectAttempts int             `json:"reconnect_attempts"`
	DownSince         *time.Time      `json:"down_since,omitempty"`
	// Surfaced is set once the endpoint has been down past surface_after.
	Surfaced  bool   `json:"surfaced"`
	Unread    int    `json:"unread"`
	Mentions  int    `json:"mentions"`
	LastError string `json:"last_error,omitempty"`
}

type holdResult int

const (
	holdDropped holdResult = iota
	holdModeChanged
	holdCancelled
	holdAuthFailed
)

// endpoint owns the connection to one server. Only run mutates conn and
// the resume position; mu guards reads from other goroutines.
type endpoint struct {
	id      domain.ServerID
	central bool
	address string
	token   string

	dialer  *Dialer
	prober  Prober
	handler EventHandler
	opts    Options
	logger  zerolog.Logger
	backoff *app.Backoff
	limiter *sendLimiter

	kick   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}

	readyOnce sync.Once
	ready     chan struct{}
	readyErr  error

	mu        sync.Mutex
	mode      core.ConnMode
	state     core.ConnMode
	conn      *Conn
	sessionID string
	lastSeq   int64
	attempts  int
	downSince time.Time
	unread    int
	mentions  int
	lastErr   error

	// mainHeld is open while a main-mode dial or socket is in flight.
	mainHeld chan struct{}
	// gate must close before this endpoint may dial as main.
	gate <-chan struct{}
}

func newEndpoint(id domain.ServerID, central bool, address, token string, mode core.ConnMode, m *Manager) *endpoint {
	logger := m.logger.With().Str("address", address).Logger()
	if central {
		logger = logger.With().Bool("central", true).Logger()
	} else {
		logger = logger.With().Str("server", string(id)).Logger()
	}
	return &endpoint{
		id:      id,
		central: central,
		address: address,
		token:   token,
		dialer:  m.dialer,
		prober:  m.prober,
		handler: m.handler,
		opts:    m.opts,
		logger:  logger,
		backoff: app.NewBackoff(m.opts.BackoffBase, m.opts.BackoffCap, m.opts.BackoffFactor),
		limiter: newSendLimiter(m.opts.SendLimit, m.opts.SendWindow),
		kick:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		ready:   make(chan struct{}),
		mode:    mode,
		state:   core.ModeConnecting,
	}
}

// Send implements core.SignalSender over whatever socket is current.
func (e *endpoint) Send(ctx context.Context, event string, payload any) error {
	e.mu.Lock()
	c := e.conn
	e.mu.Unlock()
	if c == nil {
		return core.ErrNotConnected
	}
	if !e.limiter.Allow(event) {
		e.logger.Warn().Str("event", event).Msg("send rate limited")
		return core.ErrBackpressure
	}
	return c.Send(ctx, event, payload)
}

func (e *endpoint) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn != nil && e.conn.Connected()
}

// setMode asks the loop to reconnect in mode. The socket is replaced, not
// upgraded in place. A main dial waits for gate to close first. The returned
// channel closes once no main-mode socket of this endpoint remains.
func (e *endpoint) setMode(mode core.ConnMode, gate <-chan struct{}) <-chan struct{} {
	e.mu.Lock()
	if mode == core.ModeMain {
		e.gate = gate
	}
	released := e.releasedLocked()
	if e.mode == mode {
		e.mu.Unlock()
		return released
	}
	e.mode = mode
	if mode == core.ModeMain {
		e.unread, e.mentions = 0, 0
	}
	e.mu.Unlock()
	select {
	case e.kick <- struct{}{}:
	default:
	}
	return released
}

var closedChan = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

func (e *endpoint) releasedLocked() <-chan struct{} {
	if e.mainHeld == nil {
		return closedChan
	}
	return e.mainHeld
}

func (e *endpoint) releaseMain() {
	e.mu.Lock()
	if e.mainHeld != nil {
		close(e.mainHeld)
		e.mainHeld = nil
	}
	e.mu.Unlock()
}

// awaitGate blocks while the endpoint wants main mode and the previous main
// endpoint still holds its socket.
func (e *endpoint) awaitGate(ctx context.Context) error {
	for {
		e.mu.Lock()
		g := e.gate
		if e.mode != core.ModeMain || g == nil {
			e.mu.Unlock()
			return nil
		}
		e.mu.Unlock()
		select {
		case <-g:
			e.mu.Lock()
			if e.gate == g {
				e.gate = nil
			}
			e.mu.Unlock()
		case <-e.kick:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *endpoint) markReady(err error) {
	e.readyOnce.Do(func() {
		e.readyErr = err
		close(e.ready)
	})
}

func (e *endpoint) run(ctx context.Context) {
	defer close(e.done)
	defer e.detach(core.ModeDisconnected, nil)
	defer e.releaseMain()

	retry := false
	for ctx.Err() == nil {
		if retry {
			delay := e.backoff.Next()
			e.mu.Lock()
			e.attempts = e.backoff.Attempts()
			e.state = core.ModeReconnecting
			e.mu.Unlock()
			e.logger.Debug().Dur("delay", delay).Int("attempt", e.backoff.Attempts()).Msg("reconnect scheduled")
			if !e.wait(ctx, delay) {
				return
			}
			if err := e.prober.Probe(ctx, e.address); err != nil {
				e.logger.Debug().Err(err).Msg("probe failed")
				e.recordErr(err)
				continue
			}
		}
		retry = true

		conn, err := e.open(ctx)
		if errors.Is(err, core.ErrAuthFailure) {
			e.authFailed(err)
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Warn().Err(err).Msg("connect failed")
			e.recordErr(err)
			continue
		}
		e.backoff.Reset()

		res := e.hold(ctx, conn)
		e.releaseMain()
		switch res {
		case holdCancelled:
			return
		case holdAuthFailed:
			e.authFailed(core.ErrAuthFailure)
			return
		case holdModeChanged:
			retry = false
		case holdDropped:
			e.logger.Info().Err(conn.Err()).Msg("connection lost")
			e.detach(core.ModeReconnecting, conn.Err())
		}
	}
}

// open resumes when a resume position exists and falls back to a fresh
// connect when the server has expired it.
func (e *endpoint) open(ctx context.Context) (*Conn, error) {
	if err := e.awaitGate(ctx); err != nil {
		return nil, err
	}
	e.mu.Lock()
	mode, sessionID, seq := e.mode, e.sessionID, e.lastSeq
	if mode == core.ModeMain && e.mainHeld == nil {
		e.mainHeld = make(chan struct{})
	}
	e.mu.Unlock()

	conn, err := e.dial(ctx, mode, sessionID, seq)
	if err != nil {
		e.releaseMain()
		return nil, err
	}
	return conn, nil
}

func (e *endpoint) dial(ctx context.Context, mode core.ConnMode, sessionID string, seq int64) (*Conn, error) {
	if sessionID != "" {
		conn, err := e.dialer.Resume(ctx, e.address, e.token, sessionID, seq, mode)
		switch {
		case err == nil:
			e.logger.Info().Int64("seq", seq).Str("mode", string(mode)).Msg("resumed")
			e.attach(conn, mode)
			e.handler(e.id, core.Event{Name: core.EventResumed, Seq: seq})
			conn.start(e.onEvent)
			return conn, nil
		case errors.Is(err, core.ErrInvalidSequence):
			e.logger.Info().Int64("seq", seq).Msg("resume position expired, connecting fresh")
			e.mu.Lock()
			e.sessionID, e.lastSeq = "", 0
			e.mu.Unlock()
		default:
			return nil, err
		}
	}

	conn, ready, err := e.dialer.Connect(ctx, e.address, e.token, mode)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.sessionID, e.lastSeq = ready.SessionID, ready.Seq
	e.mu.Unlock()
	e.logger.Info().Str("session_id", ready.SessionID).Str("mode", string(mode)).Msg("connected")
	e.attach(conn, mode)
	e.handler(e.id, core.Event{Name: core.EventReady, Data: ready.Raw, Seq: ready.Seq})
	conn.start(e.onEvent)
	return conn, nil
}

// hold waits until the socket drops, the mode changes or ctx ends.
func (e *endpoint) hold(ctx context.Context, conn *Conn) holdResult {
	e.mu.Lock()
	connMode := e.state
	e.mu.Unlock()
	for {
		select {
		case <-ctx.Done():
			conn.Close()
			<-conn.Done()
			return holdCancelled
		case <-e.kick:
			e.mu.Lock()
			same := e.mode == connMode
			e.mu.Unlock()
			if same {
				continue
			}
			e.logger.Info().Str("mode", string(connMode)).Msg("mode changed, replacing connection")
			conn.Close()
			<-conn.Done()
			e.mu.Lock()
			e.conn = nil
			e.state = core.ModeConnecting
			e.mu.Unlock()
			return holdModeChanged
		case <-conn.Done():
			var ce *websocket.CloseError
			if errors.As(conn.Err(), &ce) && ce.Code == CloseAuthFailed {
				return holdAuthFailed
			}
			return holdDropped
		}
	}
}

func (e *endpoint) onEvent(ev core.Event) {
	e.handler(e.id, ev)

	e.mu.Lock()
	if ev.Seq > e.lastSeq {
		e.lastSeq = ev.Seq
	}
	if e.mode == core.ModeNotify {
		switch ev.Name {
		case EventMessageCreate:
			e.unread++
		case EventMention:
			e.unread++
			e.mentions++
		}
	}
	e.mu.Unlock()
}

func (e *endpoint) attach(conn *Conn, mode core.ConnMode) {
	e.mu.Lock()
	e.conn = conn
	e.state = mode
	e.attempts = 0
	e.downSince = time.Time{}
	e.lastErr = nil
	e.mu.Unlock()
	e.markReady(nil)
}

func (e *endpoint) detach(state core.ConnMode, err error) {
	e.mu.Lock()
	e.conn = nil
	e.state = state
	if e.downSince.IsZero() {
		e.downSince = time.Now()
	}
	if err != nil {
		e.lastErr = err
	}
	e.mu.Unlock()
}

func (e *endpoint) recordErr(err error) {
	e.mu.Lock()
	e.lastErr = err
	if e.downSince.IsZero() {
		e.downSince = time.Now()
	}
	e.mu.Unlock()
}

func (e *endpoint) authFailed(err error) {
	e.logger.Error().Err(err).Msg("authentication refused, endpoint disconnected")
	e.detach(core.ModeDisconnected, err)
	e.markReady(err)
}

func (e *endpoint) status() EndpointStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := EndpointStatus{
		ID:                e.id,
		Central:           e.central,
		Address:           e.address,
		Mode:              e.mode,
		State:             e.state,
		SessionID:         e.sessionID,
		LastSeq:           e.lastSeq,
		ReconnectAttempts: e.attempts,
		Unread:            e.unread,
		Mentions:          e.mentions,
	}
	if !e.downSince.IsZero() {
		ds := e.downSince
		st.DownSince = &ds
		st.Surfaced = time.Since(ds) >= e.opts.SurfaceAfter
	}
	if e.lastErr != nil {
		st.LastError = e.lastErr.Error()
	}
	return st
}

// wait sleeps for d. A mode change cuts the sleep short so a newly focused
// endpoint dials at once.
func (e *endpoint) wait(ctx context.Context, d time.Duration) bool {
	e.mu.Lock()
	mode := e.mode
	e.mu.Unlock()
	t := time.NewTimer(d)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			return true
		case <-ctx.Done():
			return false
		case <-e.kick:
			e.mu.Lock()
			changed := e.mode != mode
			e.mu.Unlock()
			if changed {
				return true
			}
		}
	}
}

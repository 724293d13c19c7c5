package ws

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/voiceclient/internal/core"
	"github.com/dkeye/voiceclient/internal/domain"
)

var (
	ErrUnknownServer   = errors.New("unknown server")
	ErrDuplicateServer = errors.New("server already added")
	ErrCentralExists   = errors.New("central endpoint already connected")
	ErrManagerClosed   = errors.New("connection manager closed")
)

// Manager owns one endpoint per server plus the central endpoint. At most
// one server endpoint runs in main mode; the rest run in notify mode. The
// central endpoint always runs in main mode.
type Manager struct {
	dialer  *Dialer
	prober  Prober
	handler EventHandler
	opts    Options
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	mu      sync.Mutex
	closed  bool
	central *endpoint
	servers map[domain.ServerID]*endpoint
	focus   domain.ServerID
}

func NewManager(opts Options, handler EventHandler) *Manager {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		dialer:  NewDialer(opts),
		prober:  newHTTPProber(opts.ProbePath, opts.ProbeTimeout),
		handler: handler,
		opts:    opts,
		logger:  log.With().Str("module", "ws").Logger(),
		ctx:     ctx,
		cancel:  cancel,
		servers: make(map[domain.ServerID]*endpoint),
	}
}

func (m *Manager) ConnectCentral(address, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	if m.central != nil {
		return ErrCentralExists
	}
	m.central = newEndpoint("", true, address, token, core.ModeMain, m)
	m.start(m.central)
	return nil
}

// AddServer starts an endpoint for id. The first server added becomes the
// focused one.
func (m *Manager) AddServer(id domain.ServerID, address, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	if _, ok := m.servers[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateServer, id)
	}
	mode := core.ModeNotify
	if m.focus == "" {
		mode = core.ModeMain
		m.focus = id
	}
	e := newEndpoint(id, false, address, token, mode, m)
	m.servers[id] = e
	m.start(e)
	m.logger.Info().Str("server", string(id)).Str("mode", string(mode)).Msg("server added")
	return nil
}

func (m *Manager) start(e *endpoint) {
	ctx, cancel := context.WithCancel(m.ctx)
	e.cancel = cancel
	m.wg.Go(func() { e.run(ctx) })
}

// RemoveServer stops the endpoint and waits for its socket to close.
func (m *Manager) RemoveServer(id domain.ServerID) error {
	m.mu.Lock()
	e, ok := m.servers[id]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownServer
	}
	delete(m.servers, id)
	if m.focus == id {
		m.focus = ""
	}
	m.mu.Unlock()

	e.cancel()
	<-e.done
	m.logger.Info().Str("server", string(id)).Msg("server removed")
	return nil
}

// Focus moves main mode to id and demotes the previous main server.
func (m *Manager) Focus(id domain.ServerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, ok := m.servers[id]
	if !ok {
		return ErrUnknownServer
	}
	if m.focus == id {
		return nil
	}
	// next dials as main only after prev's main socket is closed.
	var released <-chan struct{}
	if prev, ok := m.servers[m.focus]; ok {
		released = prev.setMode(core.ModeNotify, nil)
	}
	next.setMode(core.ModeMain, released)
	m.focus = id
	m.logger.Info().Str("server", string(id)).Msg("focus changed")
	return nil
}

// WaitReady waits until every endpoint has either connected once or failed
// authentication, and returns the first authentication failure.
func (m *Manager) WaitReady(ctx context.Context) error {
	m.mu.Lock()
	eps := make([]*endpoint, 0, len(m.servers)+1)
	if m.central != nil {
		eps = append(eps, m.central)
	}
	for _, e := range m.servers {
		eps = append(eps, e)
	}
	m.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, e := range eps {
		g.Go(func() error {
			select {
			case <-e.ready:
				return e.readyErr
			case <-e.done:
				return ErrManagerClosed
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	return g.Wait()
}

// Central is the sender for call signaling. It exists before the endpoint
// connects and reports ErrNotConnected until then.
func (m *Manager) Central() core.SignalSender {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.central == nil {
		return disconnected{}
	}
	return m.central
}

func (m *Manager) Server(id domain.ServerID) (core.SignalSender, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.servers[id]
	if !ok {
		return nil, false
	}
	return e, true
}

// Snapshot lists the central endpoint first, then servers by id.
func (m *Manager) Snapshot() []EndpointStatus {
	m.mu.Lock()
	eps := make([]*endpoint, 0, len(m.servers))
	for _, e := range m.servers {
		eps = append(eps, e)
	}
	central := m.central
	m.mu.Unlock()

	sort.Slice(eps, func(i, j int) bool { return eps[i].id < eps[j].id })
	out := make([]EndpointStatus, 0, len(eps)+1)
	if central != nil {
		out = append(out, central.status())
	}
	for _, e := range eps {
		out = append(out, e.status())
	}
	return out
}

// Close stops every endpoint and waits for their goroutines.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
	m.logger.Info().Msg("connection manager closed")
}

type disconnected struct{}

func (disconnected) Send(context.Context, string, any) error { return core.ErrNotConnected }
func (disconnected) Connected() bool                         { return false }

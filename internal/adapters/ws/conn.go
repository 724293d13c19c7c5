package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dkeye/voiceclient/internal/core"
)

const sendBuffer = 64

// envelope is the wire shape of every message in both directions.
type envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Conn is one established, authenticated socket. It is never reused after
// it closes; the endpoint dials a new one.
type Conn struct {
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	logger zerolog.Logger

	pingPeriod   time.Duration
	writeTimeout time.Duration

	mu      sync.RWMutex
	closed  bool
	closeMu sync.Once
	err     error
}

func newConn(c *websocket.Conn, opts Options, logger zerolog.Logger) *Conn {
	c.SetReadLimit(opts.ReadLimit)
	return &Conn{
		conn:         c,
		send:         make(chan []byte, sendBuffer),
		done:         make(chan struct{}),
		logger:       logger,
		pingPeriod:   opts.PingPeriod,
		writeTimeout: opts.WriteTimeout,
	}
}

// Send queues one event. It never blocks on the network.
func (c *Conn) Send(_ context.Context, event string, payload any) error {
	data, err := json.Marshal(envelope{Event: event, Data: payload})
	if err != nil {
		return err
	}
	return c.trySend(data)
}

func (c *Conn) trySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrNotConnected
	}
	select {
	case c.send <- data:
		return nil
	default:
		return core.ErrBackpressure
	}
}

func (c *Conn) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed
}

// Done is closed once both pumps have stopped.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err is the error that ended the read pump, if any.
func (c *Conn) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

func (c *Conn) Close() {
	c.closeMu.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.writeTimeout))
		_ = c.conn.Close()
	})
}

// start runs the pumps. onEvent is called from the read goroutine in socket
// order.
func (c *Conn) start(onEvent func(core.Event)) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.writePump()
	}()
	go func() {
		defer wg.Done()
		c.readPump(onEvent)
	}()
	go func() {
		wg.Wait()
		close(c.done)
	}()
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				c.logger.Error().Err(err).Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Warn().Err(err).Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				c.logger.Warn().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

// readPump treats a socket silent for two ping periods as dead.
func (c *Conn) readPump(onEvent func(core.Event)) {
	defer c.Close()

	deadline := 2 * c.pingPeriod
	_ = c.conn.SetReadDeadline(time.Now().Add(deadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn().Err(err).Msg("readPump read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(deadline))

		var ev core.Event
		if err := json.Unmarshal(data, &ev); err != nil || ev.Name == "" {
			c.logger.Warn().Err(err).Msg("bad frame dropped")
			continue
		}
		onEvent(ev)
	}
}

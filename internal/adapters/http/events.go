package http

import (
	"encoding/json"
	"io"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voiceclient/internal/core"
	"github.com/dkeye/voiceclient/internal/domain"
)

// TopicEvent carries server events outside the call and voice families.
const TopicEvent = "event"

// Message is one published notification.
type Message struct {
	ID      uint64
	Topic   string
	Payload any
}

// ForwardedEvent is a raw server event handed to the UI.
type ForwardedEvent struct {
	Source domain.ServerID `json:"source"`
	Name   string          `json:"event"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Hub fans notifications out to every SSE subscriber. A subscriber that
// falls behind loses messages rather than stalling publishers.
type Hub struct {
	buffer int
	seq    atomic.Uint64
	logger zerolog.Logger

	mu   sync.RWMutex
	subs map[chan Message]struct{}
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		buffer: buffer,
		subs:   make(map[chan Message]struct{}),
		logger: log.With().Str("module", "adapters.http").Logger(),
	}
}

func (h *Hub) Publish(topic string, payload any) {
	msg := Message{ID: h.seq.Add(1), Topic: topic, Payload: payload}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- msg:
		default:
			h.logger.Warn().Str("topic", topic).Uint64("id", msg.ID).Msg("slow subscriber, message dropped")
		}
	}
}

// Forward publishes an unrouted server event on TopicEvent.
func (h *Hub) Forward(source domain.ServerID, ev core.Event) {
	h.Publish(TopicEvent, ForwardedEvent{Source: source, Name: ev.Name, Data: ev.Data})
}

// Subscribe returns a message stream and the func that ends it.
func (h *Hub) Subscribe() (<-chan Message, func()) {
	ch := make(chan Message, h.buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
		})
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// events streams hub messages as server-sent events, starting with the
// current state.
func (h *handlers) events(c *gin.Context) {
	ch, cancel := h.hub.Subscribe()
	defer cancel()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Render(-1, sse.Event{Event: "state", Data: h.intents.Snapshot()})
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case msg := <-ch:
			c.Render(-1, sse.Event{
				Id:    strconv.FormatUint(msg.ID, 10),
				Event: msg.Topic,
				Data:  msg.Payload,
			})
			return true
		}
	})
}

// TopicMedia announces remote streams the UI should render.
const TopicMedia = "media"

// MediaUpdate is published when a remote stream is attached or released.
type MediaUpdate struct {
	Attached bool              `json:"attached"`
	Consumer core.ConsumerInfo `json:"consumer"`
}

// Attach implements core.Renderer for a UI that renders over the event
// stream: the UI learns which consumers exist and when to drop them.
func (h *Hub) Attach(info core.ConsumerInfo, _ core.RemoteTrack) func() {
	h.Publish(TopicMedia, MediaUpdate{Attached: true, Consumer: info})
	return func() {
		h.Publish(TopicMedia, MediaUpdate{Consumer: info})
	}
}

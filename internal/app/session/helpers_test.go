package session

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voiceclient/internal/app/speaking"
	"github.com/dkeye/voiceclient/internal/core"
	"github.com/dkeye/voiceclient/internal/core/coretest"
	"github.com/dkeye/voiceclient/internal/domain"
)

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.Disabled)
	os.Exit(m.Run())
}

type recordingObserver struct {
	mu       sync.Mutex
	changes  int
	closed   []Handle
	speaking map[domain.UserID]bool
}

func (o *recordingObserver) Changed(Handle) {
	o.mu.Lock()
	o.changes++
	o.mu.Unlock()
}

func (o *recordingObserver) Speaking(_ Handle, user domain.UserID, v bool) {
	o.mu.Lock()
	if o.speaking == nil {
		o.speaking = make(map[domain.UserID]bool)
	}
	o.speaking[user] = v
	o.mu.Unlock()
}

func (o *recordingObserver) Closed(h Handle) {
	o.mu.Lock()
	o.closed = append(o.closed, h)
	o.mu.Unlock()
}

func (o *recordingObserver) Closes() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.closed)
}

func (o *recordingObserver) IsSpeaking(user domain.UserID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.speaking[user]
}

type harness struct {
	sig      *coretest.Signal
	factory  *coretest.DeviceFactory
	capture  *coretest.Capture
	renderer *coretest.Renderer
	observer *recordingObserver
	deps     Deps
}

func newHarness() *harness {
	h := &harness{
		sig:      &coretest.Signal{},
		factory:  &coretest.DeviceFactory{},
		capture:  &coretest.Capture{},
		renderer: &coretest.Renderer{},
		observer: &recordingObserver{},
	}
	h.deps = Deps{
		Self:     "me",
		Devices:  h.factory,
		Capture:  h.capture,
		Renderer: h.renderer,
		Observer: h.observer,
		Options: Options{
			ProduceTimeout: time.Second,
			EndGrace:       time.Hour,
			Speaking:       speaking.Options{Interval: 5 * time.Millisecond, Threshold: 0.5},
		},
	}
	return h
}

// answerProduce makes the fake server confirm every produce request through
// dispatch, the way the transport read pump would.
func (h *harness) answerProduce(family, scopeKey, scopeID string, dispatch func(core.Event) bool) {
	h.sig.OnSend = func(event string, data json.RawMessage) {
		if event != family+".produce" {
			return
		}
		var p struct {
			Source string `json:"source"`
		}
		_ = json.Unmarshal(data, &p)
		dispatch(coretest.Event(family+".produced", map[string]any{
			scopeKey:      scopeID,
			"producer_id": "prod-" + p.Source,
			"source":      p.Source,
		}))
	}
}

func waitIdle(t *testing.T, s interface{ Sync(context.Context) error }) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Sync(ctx))
}

func transports(scopeKey, scopeID string) map[string]any {
	return map[string]any{
		scopeKey: scopeID,
		"send":   map[string]any{"id": "send-1", "dtls_parameters": map[string]any{"role": "auto"}},
		"recv":   map[string]any{"id": "recv-1", "dtls_parameters": map[string]any{"role": "auto"}},
	}
}

func newConsumer(family, scopeKey, scopeID, consumerID, producerID string, kind core.MediaKind, user string) core.Event {
	source := core.SourceMicrophone
	if kind == core.MediaVideo {
		source = core.SourceCamera
	}
	return coretest.Event(family+".new_consumer", map[string]any{
		scopeKey:      scopeID,
		"consumer_id": consumerID,
		"producer_id": producerID,
		"kind":        kind,
		"source":      source,
		"user_id":     user,
	})
}

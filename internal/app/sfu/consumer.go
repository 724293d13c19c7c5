package sfu

import (
	"sync"
	"sync/atomic"

	"github.com/dkeye/voiceclient/internal/core"
)

// ConsumerEntry is one inbound stream with the metadata the UI and the
// speaking detector need.
type ConsumerEntry struct {
	consumer core.Consumer
	opts     core.ConsumerOptions

	mu       sync.Mutex
	cleanups []func()
	closed   atomic.Bool
}

func newConsumerEntry(c core.Consumer, opts core.ConsumerOptions) *ConsumerEntry {
	return &ConsumerEntry{consumer: c, opts: opts}
}

func (e *ConsumerEntry) ID() string               { return e.consumer.ID() }
func (e *ConsumerEntry) ProducerID() string       { return e.opts.ProducerID }
func (e *ConsumerEntry) UserID() string           { return e.opts.UserID }
func (e *ConsumerEntry) Kind() core.MediaKind     { return e.consumer.Kind() }
func (e *ConsumerEntry) Source() core.MediaSource { return e.opts.Source }
func (e *ConsumerEntry) Track() core.RemoteTrack  { return e.consumer.Track() }
func (e *ConsumerEntry) Closed() bool             { return e.closed.Load() }

func (e *ConsumerEntry) Info() core.ConsumerInfo {
	return core.ConsumerInfo{
		ConsumerID: e.ID(),
		ProducerID: e.opts.ProducerID,
		UserID:     e.opts.UserID,
		Kind:       e.Kind(),
		Source:     e.opts.Source,
		Paused:     e.consumer.Paused(),
	}
}

// OnClose registers fn to run once when the entry closes. On an already
// closed entry fn runs immediately.
func (e *ConsumerEntry) OnClose(fn func()) {
	if fn == nil {
		return
	}
	e.mu.Lock()
	if !e.closed.Load() {
		e.cleanups = append(e.cleanups, fn)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	fn()
}

func (e *ConsumerEntry) close() bool {
	e.mu.Lock()
	if e.closed.Swap(true) {
		e.mu.Unlock()
		return false
	}
	cleanups := e.cleanups
	e.cleanups = nil
	e.mu.Unlock()

	e.consumer.Close()
	for _, fn := range cleanups {
		fn()
	}
	return true
}

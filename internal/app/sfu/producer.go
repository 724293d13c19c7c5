package sfu

import (
	"sync"
	"sync/atomic"

	"github.com/dkeye/voiceclient/internal/core"
)

type EntryState int32

const (
	EntryActive EntryState = iota
	EntryPaused
	EntryClosed
)

func (s EntryState) String() string {
	switch s {
	case EntryActive:
		return "active"
	case EntryPaused:
		return "paused"
	default:
		return "closed"
	}
}

// ProducerEntry is one local outbound stream. It owns its capture track:
// closing the entry stops the track.
type ProducerEntry struct {
	Source   core.MediaSource
	producer core.Producer

	mu       sync.Mutex
	track    core.LocalTrack
	cleanups []func()

	state atomic.Int32 // Zero by default (EntryActive)
}

func newProducerEntry(p core.Producer, track core.LocalTrack, source core.MediaSource) *ProducerEntry {
	return &ProducerEntry{Source: source, producer: p, track: track}
}

func (e *ProducerEntry) ID() string           { return e.producer.ID() }
func (e *ProducerEntry) Kind() core.MediaKind { return e.producer.Kind() }

func (e *ProducerEntry) State() EntryState {
	return EntryState(e.state.Load())
}

func (e *ProducerEntry) Track() core.LocalTrack {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.track
}

func (e *ProducerEntry) Info() core.ProducerInfo {
	info := core.ProducerInfo{
		ProducerID: e.ID(),
		Kind:       e.Kind(),
		Source:     e.Source,
		Paused:     e.State() == EntryPaused,
	}
	if t := e.Track(); t != nil {
		info.DeviceID = t.DeviceID()
	}
	return info
}

// OnClose registers fn to run once when the entry closes.
func (e *ProducerEntry) OnClose(fn func()) {
	if fn == nil {
		return
	}
	e.mu.Lock()
	if e.State() != EntryClosed {
		e.cleanups = append(e.cleanups, fn)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	fn()
}

func (e *ProducerEntry) pause() bool {
	if !e.state.CompareAndSwap(int32(EntryActive), int32(EntryPaused)) {
		return false
	}
	e.producer.Pause()
	return true
}

func (e *ProducerEntry) resume() bool {
	if !e.state.CompareAndSwap(int32(EntryPaused), int32(EntryActive)) {
		return false
	}
	e.producer.Resume()
	return true
}

// swapTrack hands the producer a new capture track and returns the old one,
// which the caller stops once the swap succeeded.
func (e *ProducerEntry) swapTrack(t core.LocalTrack) (core.LocalTrack, error) {
	if e.State() == EntryClosed {
		return nil, core.ErrSessionClosed
	}
	if err := e.producer.ReplaceTrack(t); err != nil {
		return nil, err
	}
	e.mu.Lock()
	old := e.track
	e.track = t
	e.mu.Unlock()
	return old, nil
}

// close reports false when the entry was already closed.
func (e *ProducerEntry) close() bool {
	if EntryState(e.state.Swap(int32(EntryClosed))) == EntryClosed {
		return false
	}
	e.producer.Close()
	e.mu.Lock()
	track := e.track
	cleanups := e.cleanups
	e.cleanups = nil
	e.mu.Unlock()
	if track != nil {
		track.Stop()
	}
	for _, fn := range cleanups {
		fn()
	}
	return true
}

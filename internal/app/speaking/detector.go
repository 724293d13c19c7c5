// Package speaking samples an audio level source at a fixed interval and
// reports edge-triggered speaking transitions.
package speaking

import (
	"sync"
	"time"

	"github.com/dkeye/voiceclient/internal/core"
)

const (
	DefaultInterval  = 100 * time.Millisecond
	DefaultThreshold = 0.08
)

type Options struct {
	Interval  time.Duration
	Threshold float64
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Threshold <= 0 {
		o.Threshold = DefaultThreshold
	}
	return o
}

// Start samples src every Interval. onSpeaking fires only when the boolean
// changes; onLevel, if set, fires on every sample. The returned stop func
// blocks until the sampler exits and reports a final false if the source was
// speaking. It must not be called from inside a callback.
func Start(src core.LevelSource, opts Options, onSpeaking func(bool), onLevel func(float64)) (stop func()) {
	opts = opts.withDefaults()
	done := make(chan struct{})
	exited := make(chan struct{})

	go func() {
		defer close(exited)
		ticker := time.NewTicker(opts.Interval)
		defer ticker.Stop()

		speaking := false
		for {
			select {
			case <-done:
				if speaking && onSpeaking != nil {
					onSpeaking(false)
				}
				return
			case <-ticker.C:
			}
			level := src.Level()
			if onLevel != nil {
				onLevel(level)
			}
			now := level >= opts.Threshold
			if now != speaking {
				speaking = now
				if onSpeaking != nil {
					onSpeaking(now)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			<-exited
		})
	}
}

// Eligible reports whether a stream of this kind and source gets a detector.
// Screen-share audio is excluded.
func Eligible(kind core.MediaKind, source core.MediaSource) bool {
	return kind == core.MediaAudio && source != core.SourceScreenAudio
}

//go:build !linux

package capture

import (
	"github.com/pion/mediadevices"

	"github.com/dkeye/voiceclient/internal/core"
)

// Capture drivers and encoders are only wired on linux; elsewhere sessions
// run receive-only.
func newSelector() (*mediadevices.CodecSelector, error) { return nil, nil }

func (c *Capture) open(core.MediaSource, string) (mediadevices.MediaStream, error) {
	return nil, ErrUnsupported
}

package session

import (
	"time"

	"github.com/dkeye/voiceclient/internal/app/speaking"
	"github.com/dkeye/voiceclient/internal/core"
	"github.com/dkeye/voiceclient/internal/domain"
)

// Handle identifies one session instance.
type Handle interface {
	Kind() core.SessionKind
	LocalID() string
}

// Observer is told about session changes. Calls come from the session's
// queue goroutine or a speaking sampler; implementations must not wait on
// the session.
type Observer interface {
	Changed(h Handle)
	Speaking(h Handle, user domain.UserID, speaking bool)
	Closed(h Handle)
}

type NopObserver struct{}

func (NopObserver) Changed(Handle)                       {}
func (NopObserver) Speaking(Handle, domain.UserID, bool) {}
func (NopObserver) Closed(Handle)                        {}

type Options struct {
	ProduceTimeout time.Duration
	EndGrace       time.Duration
	Speaking       speaking.Options
}

func (o Options) withDefaults() Options {
	if o.ProduceTimeout <= 0 {
		o.ProduceTimeout = 5 * time.Second
	}
	if o.EndGrace < 0 {
		o.EndGrace = 0
	}
	return o
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Self     domain.UserID
	Devices  core.DeviceFactory
	Capture  core.Capture
	Renderer core.Renderer
	Observer Observer
	Options  Options
}

func (d Deps) withDefaults() Deps {
	if d.Observer == nil {
		d.Observer = NopObserver{}
	}
	d.Options = d.Options.withDefaults()
	return d
}

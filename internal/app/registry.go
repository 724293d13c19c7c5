package app

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voiceclient/internal/app/session"
)

// Registry is the session arena: at most one current call and one current
// voice session, indexed by local session id. Replacing a session only swaps
// the pointer; the caller tears the previous one down.
type Registry struct {
	mu    sync.RWMutex
	call  *session.CallSession
	voice *session.VoiceSession
	byID  map[string]session.Handle
}

func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]session.Handle)}
}

// BindCall makes c the current call and returns the call it replaced.
func (r *Registry) BindCall(c *session.CallSession) (prev *session.CallSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev = r.call
	if prev != nil {
		delete(r.byID, prev.LocalID())
	}
	r.call = c
	r.byID[c.LocalID()] = c
	log.Info().Str("module", "app.registry").Str("session", c.LocalID()).Msg("bound call")
	return prev
}

func (r *Registry) BindVoice(v *session.VoiceSession) (prev *session.VoiceSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev = r.voice
	if prev != nil {
		delete(r.byID, prev.LocalID())
	}
	r.voice = v
	r.byID[v.LocalID()] = v
	log.Info().
		Str("module", "app.registry").
		Str("session", v.LocalID()).
		Str("channel_id", string(v.ChannelID())).
		Msg("bound voice")
	return prev
}

func (r *Registry) Call() (*session.CallSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.call, r.call != nil
}

func (r *Registry) Voice() (*session.VoiceSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.voice, r.voice != nil
}

func (r *Registry) Get(localID string) (session.Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byID[localID]
	return h, ok
}

// IsCurrent reports whether h is still the bound session of its kind.
func (r *Registry) IsCurrent(h session.Handle) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cur, ok := r.byID[h.LocalID()]
	return ok && cur == h
}

// Unbind drops h if it is still current. A stale handle is ignored so a late
// close of a replaced session cannot unbind its successor.
func (r *Registry) Unbind(h session.Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.byID[h.LocalID()]; !ok || cur != h {
		return false
	}
	delete(r.byID, h.LocalID())
	switch s := h.(type) {
	case *session.CallSession:
		if r.call == s {
			r.call = nil
		}
	case *session.VoiceSession:
		if r.voice == s {
			r.voice = nil
		}
	}
	log.Info().Str("module", "app.registry").Str("session", h.LocalID()).Str("kind", string(h.Kind())).Msg("unbind session")
	return true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

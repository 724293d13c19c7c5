package coretest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/dkeye/voiceclient/internal/core"
)

// Sent is one recorded outbound event.
type Sent struct {
	Event string
	Data  json.RawMessage
}

// Signal records every Send. OnSend, when set, runs after recording and may
// feed replies back into the code under test.
type Signal struct {
	mu      sync.Mutex
	sent    []Sent
	Down    bool
	SendErr error
	OnSend  func(event string, data json.RawMessage)
}

func (s *Signal) Send(_ context.Context, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.Down {
		s.mu.Unlock()
		return core.ErrNotConnected
	}
	if s.SendErr != nil {
		err := s.SendErr
		s.mu.Unlock()
		return err
	}
	s.sent = append(s.sent, Sent{Event: event, Data: raw})
	hook := s.OnSend
	s.mu.Unlock()
	if hook != nil {
		hook(event, raw)
	}
	return nil
}

func (s *Signal) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.Down
}

func (s *Signal) Sent() []Sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Sent(nil), s.sent...)
}

// Events returns the names of every sent event in order.
func (s *Signal) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sent))
	for _, m := range s.sent {
		out = append(out, m.Event)
	}
	return out
}

// Count returns how many times event was sent.
func (s *Signal) Count(event string) int {
	n := 0
	for _, e := range s.Events() {
		if e == event {
			n++
		}
	}
	return n
}

// Last returns the last payload sent for event.
func (s *Signal) Last(event string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.sent) - 1; i >= 0; i-- {
		if s.sent[i].Event == event {
			return s.sent[i].Data, true
		}
	}
	return nil, false
}

// Event builds an inbound event, panicking on a bad payload.
func Event(name string, payload any) core.Event {
	ev, err := core.NewEvent(name, payload)
	if err != nil {
		panic(err)
	}
	return ev
}

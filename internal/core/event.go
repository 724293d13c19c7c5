package core

import (
	"encoding/json"
	"strings"
)

// Event is one inbound signaling message. Seq is used for resume.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
	Seq  int64           `json:"seq,omitempty"`
}

const (
	FamilyCall  = "call"
	FamilyVoice = "voice"
)

// Family returns the prefix before the first dot ("call" for "call.invite").
func (e Event) Family() string {
	if i := strings.IndexByte(e.Name, '.'); i > 0 {
		return e.Name[:i]
	}
	return e.Name
}

// Verb returns the part after the family ("invite" for "call.invite").
func (e Event) Verb() string {
	if i := strings.IndexByte(e.Name, '.'); i >= 0 {
		return e.Name[i+1:]
	}
	return e.Name
}

// Decode unmarshals Data into v. Empty data leaves v untouched.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

func NewEvent(name string, payload any) (Event, error) {
	ev := Event{Name: name}
	if payload == nil {
		return ev, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return ev, err
	}
	ev.Data = raw
	return ev, nil
}

// Verbs shared by call.* and voice.* families.
const (
	VerbProduced           = "produced"
	VerbNewConsumer        = "new_consumer"
	VerbProducerClosed     = "producer_closed"
	VerbTransportCreated   = "transport_created"
	VerbError              = "error"
	VerbCapabilities       = "capabilities"
	VerbTransportConnect   = "transport_connect"
	VerbProduce            = "produce"
	VerbProduceStop        = "produce_stop"
	VerbConsumerResume     = "consumer_resume"
	VerbMute               = "mute"
	VerbRouterCapabilities = "router_capabilities"
)

// call.* verbs.
const (
	VerbInvite            = "invite"
	VerbRinging           = "ringing"
	VerbAccepted          = "accepted"
	VerbAnswer            = "answer"
	VerbReject            = "reject"
	VerbRejected          = "rejected"
	VerbEnd               = "end"
	VerbEnded             = "ended"
	VerbAnsweredElsewhere = "answered_elsewhere"
)

// voice.* verbs.
const (
	VerbJoin             = "join"
	VerbJoined           = "joined"
	VerbLeave            = "leave"
	VerbLeft             = "left"
	VerbKicked           = "kicked"
	VerbUserJoined       = "user_joined"
	VerbUserLeft         = "user_left"
	VerbStateUpdate      = "state_update"
	VerbAlreadyConnected = "already_connected"
)

// Connection control events.
const (
	EventIdentify        = "identify"
	EventResume          = "resume"
	EventReady           = "ready"
	EventResumed         = "resumed"
	EventAuthFailed      = "auth_failed"
	EventInvalidSequence = "invalid_sequence"
)

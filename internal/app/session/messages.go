package session

import (
	"encoding/json"

	"github.com/dkeye/voiceclient/internal/core"
	"github.com/dkeye/voiceclient/internal/domain"
)

// scope identifies the call or channel an event belongs to. It is embedded
// in every outbound payload.
type scope struct {
	CallID    string `json:"call_id,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
	ServerID  string `json:"server_id,omitempty"`
}

// id is the identifier used to match inbound events.
func (s scope) id() string {
	if s.CallID != "" {
		return s.CallID
	}
	return s.ChannelID
}

// Outbound.

type invitePayload struct {
	scope
	PeerID domain.UserID `json:"peer_id"`
	Video  bool          `json:"video"`
}

type answerPayload struct {
	scope
	Video bool `json:"video"`
}

type reasonPayload struct {
	scope
	Reason string `json:"reason,omitempty"`
}

type joinPayload struct {
	scope
	Force    bool `json:"force"`
	Muted    bool `json:"muted"`
	Deafened bool `json:"deafened"`
}

type capabilitiesPayload struct {
	scope
	RTPCapabilities json.RawMessage `json:"rtp_capabilities"`
}

type transportConnectPayload struct {
	scope
	TransportID    string          `json:"transport_id"`
	DTLSParameters json.RawMessage `json:"dtls_parameters"`
}

type producePayload struct {
	scope
	TransportID   string           `json:"transport_id"`
	Kind          core.MediaKind   `json:"kind"`
	Source        core.MediaSource `json:"source"`
	RTPParameters json.RawMessage  `json:"rtp_parameters"`
}

type produceStopPayload struct {
	scope
	ProducerID string           `json:"producer_id"`
	Source     core.MediaSource `json:"source"`
}

type consumerResumePayload struct {
	scope
	ConsumerID string `json:"consumer_id"`
}

type mutePayload struct {
	scope
	Muted     bool `json:"muted"`
	Deafened  bool `json:"deafened"`
	Video     bool `json:"video"`
	Streaming bool `json:"streaming"`
}

// Inbound.

type scopedEvent struct {
	CallID    string `json:"call_id"`
	ChannelID string `json:"channel_id"`
}

func (e scopedEvent) id() string {
	if e.CallID != "" {
		return e.CallID
	}
	return e.ChannelID
}

type inviteEvent struct {
	CallID string      `json:"call_id"`
	From   domain.User `json:"from"`
	Video  bool        `json:"video"`
}

type routerCapabilitiesEvent struct {
	RTPCapabilities json.RawMessage `json:"rtp_capabilities"`
}

type transportCreatedEvent struct {
	Send *core.TransportOptions `json:"send"`
	Recv *core.TransportOptions `json:"recv"`
}

type producedEvent struct {
	ProducerID string           `json:"producer_id"`
	Source     core.MediaSource `json:"source"`
}

type producerClosedEvent struct {
	ProducerID string `json:"producer_id"`
}

type endedEvent struct {
	Reason string `json:"reason"`
}

type joinedEvent struct {
	ServerID        string               `json:"server_id"`
	RTPCapabilities json.RawMessage      `json:"rtp_capabilities"`
	Members         []domain.VoiceMember `json:"members"`
}

type userJoinedEvent struct {
	Member domain.VoiceMember `json:"member"`
}

type userLeftEvent struct {
	UserID domain.UserID `json:"user_id"`
}

type stateUpdateEvent struct {
	UserID    domain.UserID `json:"user_id"`
	Muted     bool          `json:"muted"`
	Deafened  bool          `json:"deafened"`
	Streaming bool          `json:"streaming"`
}

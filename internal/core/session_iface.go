package core

type SessionKind string

const (
	KindCall  SessionKind = "call"
	KindVoice SessionKind = "voice"
)

type CallPhase string

const (
	CallIdle              CallPhase = "idle"
	CallOutgoingRinging   CallPhase = "outgoing_ringing"
	CallIncomingRinging   CallPhase = "incoming_ringing"
	CallConnecting        CallPhase = "connecting"
	CallActive            CallPhase = "active"
	CallEnded             CallPhase = "ended"
	CallAnsweredElsewhere CallPhase = "answered_elsewhere"
)

// Ringing reports whether signaling is exchanged but no media exists yet.
func (p CallPhase) Ringing() bool {
	return p == CallOutgoingRinging || p == CallIncomingRinging
}

// Live reports whether the phase holds, or is about to hold, media resources.
func (p CallPhase) Live() bool {
	switch p {
	case CallOutgoingRinging, CallIncomingRinging, CallConnecting, CallActive:
		return true
	}
	return false
}

type VoicePhase string

const (
	VoiceDisconnected              VoicePhase = "disconnected"
	VoiceConnecting                VoicePhase = "connecting"
	VoiceConnected                 VoicePhase = "connected"
	VoiceAlreadyConnectedElsewhere VoicePhase = "already_connected_elsewhere"
)

func (p VoicePhase) Live() bool {
	return p == VoiceConnecting || p == VoiceConnected
}

// MediaIntent is the set of media requested at session start.
type MediaIntent struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
}

// ConnMode is the operating mode of one endpoint connection.
type ConnMode string

const (
	ModeMain         ConnMode = "main"
	ModeNotify       ConnMode = "notify"
	ModeDisconnected ConnMode = "disconnected"
	ModeConnecting   ConnMode = "connecting"
	ModeReconnecting ConnMode = "reconnecting"
)

package session

import "github.com/dkeye/voiceclient/internal/core"

var callTransitions = map[core.CallPhase][]core.CallPhase{
	core.CallIdle:              {core.CallOutgoingRinging, core.CallIncomingRinging},
	core.CallOutgoingRinging:   {core.CallConnecting, core.CallEnded, core.CallAnsweredElsewhere},
	core.CallIncomingRinging:   {core.CallConnecting, core.CallEnded, core.CallAnsweredElsewhere},
	core.CallConnecting:        {core.CallActive, core.CallEnded, core.CallAnsweredElsewhere},
	core.CallActive:            {core.CallEnded},
	core.CallEnded:             {core.CallIdle},
	core.CallAnsweredElsewhere: {core.CallIdle},
}

var voiceTransitions = map[core.VoicePhase][]core.VoicePhase{
	core.VoiceDisconnected:              {core.VoiceConnecting},
	core.VoiceConnecting:                {core.VoiceConnected, core.VoiceDisconnected, core.VoiceAlreadyConnectedElsewhere},
	core.VoiceConnected:                 {core.VoiceDisconnected},
	core.VoiceAlreadyConnectedElsewhere: {core.VoiceConnecting, core.VoiceDisconnected},
}

// CanTransitionCall reports whether the call state machine allows from -> to.
func CanTransitionCall(from, to core.CallPhase) bool {
	for _, p := range callTransitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

func CanTransitionVoice(from, to core.VoicePhase) bool {
	for _, p := range voiceTransitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

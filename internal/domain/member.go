package domain

// VoiceMember represents a user's participation meta for a voice channel.
// No transport or lifecycle logic here.
type VoiceMember struct {
	User      User `json:"user"`
	Muted     bool `json:"muted"`
	Deafened  bool `json:"deafened"`
	Streaming bool `json:"streaming"`
	Speaking  bool `json:"speaking"`
}

package orch

import (
	"sync"
	"time"

	"github.com/dkeye/voiceclient/internal/core"
	"github.com/dkeye/voiceclient/internal/domain"
)

type TransferKind string

const (
	// TransferVoiceJoin joins TargetChannelID once confirmed.
	TransferVoiceJoin TransferKind = "voice_join"
	// TransferCallStart places a call to Peer once confirmed.
	TransferCallStart TransferKind = "call_start"
	// TransferCallAnswer answers the ringing call once confirmed.
	TransferCallAnswer TransferKind = "call_answer"
)

// Why a transfer needs confirmation.
const (
	ConflictVoiceActive        = "voice_active"
	ConflictCallActive         = "call_active"
	ConflictConnectedElsewhere = "already_connected_elsewhere"
)

// PendingTransfer is a competing intent held for explicit confirmation.
type PendingTransfer struct {
	ID        string       `json:"id"`
	Kind      TransferKind `json:"kind"`
	Conflict  string       `json:"conflict"`
	CreatedAt time.Time    `json:"created_at"`

	CurrentKind      core.SessionKind `json:"current_kind,omitempty"`
	CurrentServer    domain.ServerID  `json:"current_server,omitempty"`
	CurrentChannelID domain.ChannelID `json:"current_channel_id,omitempty"`
	CurrentCallID    string           `json:"current_call_id,omitempty"`

	TargetServer    domain.ServerID  `json:"target_server,omitempty"`
	TargetChannelID domain.ChannelID `json:"target_channel_id,omitempty"`
	Peer            *domain.User     `json:"peer,omitempty"`
	Intent          core.MediaIntent `json:"intent"`
	UpgradeVideo    bool             `json:"upgrade_video,omitempty"`
}

// Resolver holds at most one pending transfer. A newer offer replaces the
// older one.
type Resolver struct {
	mu      sync.Mutex
	pending *PendingTransfer
}

func NewResolver() *Resolver { return &Resolver{} }

func (r *Resolver) Offer(pt PendingTransfer) PendingTransfer {
	if pt.ID == "" {
		pt.ID = domain.NewLocalID()
	}
	if pt.CreatedAt.IsZero() {
		pt.CreatedAt = time.Now()
	}
	r.mu.Lock()
	r.pending = &pt
	r.mu.Unlock()
	return pt
}

func (r *Resolver) Pending() (PendingTransfer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == nil {
		return PendingTransfer{}, false
	}
	return *r.pending, true
}

// Take removes and returns the pending transfer.
func (r *Resolver) Take() (PendingTransfer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == nil {
		return PendingTransfer{}, false
	}
	pt := *r.pending
	r.pending = nil
	return pt, true
}

func (r *Resolver) Cancel() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	had := r.pending != nil
	r.pending = nil
	return had
}

// Package peer drives the client side of a mesh room: it decides who offers
// to whom, runs the offer/answer exchange per remote member, buffers early
// ICE candidates and renegotiates when local media changes.
package peer

import (
	"context"
	"errors"

	"github.com/adwski/webrtc-mesh/backend/model"
)

type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// IsInitiator reports whether local offers to remote. The smaller id offers,
// so both sides of a pair agree without talking to each other.
func IsInitiator(local, remote string) bool {
	return local < remote
}

func roleFor(local, remote string) Role {
	if IsInitiator(local, remote) {
		return RoleInitiator
	}
	return RoleResponder
}

type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseOfferSent     Phase = "offer-sent"
	PhaseOfferReceived Phase = "offer-received"
	PhaseAnswerSent    Phase = "answer-sent"
	PhaseStable        Phase = "stable"
)

var transitions = map[Phase][]Phase{
	PhaseIdle:          {PhaseOfferSent, PhaseOfferReceived},
	PhaseOfferSent:     {PhaseStable, PhaseIdle},
	PhaseOfferReceived: {PhaseAnswerSent, PhaseIdle},
	PhaseAnswerSent:    {PhaseStable, PhaseIdle},
	PhaseStable:        {PhaseOfferSent, PhaseOfferReceived, PhaseIdle},
}

func (p Phase) CanTransition(to Phase) bool {
	for _, next := range transitions[p] {
		if next == to {
			return true
		}
	}
	return false
}

// Slot is a local media capability of a connection.
type Slot string

const (
	SlotAudio  Slot = "audio"
	SlotVideo  Slot = "video"
	SlotScreen Slot = "screen"
)

var slots = []Slot{SlotAudio, SlotVideo, SlotScreen}

// Track is an opaque local media track handle.
type Track any

var (
	ErrInvalidTransition = errors.New("invalid negotiation phase transition")
	ErrMediaUnavailable  = errors.New("local media unavailable")
	ErrChatNotOpen       = errors.New("chat channel is not open")
	ErrClosed            = errors.New("orchestrator is closed")
)

type (
	// Connection is one direct connection to a remote member.
	Connection interface {
		// DeclareMedia adds the audio and video slots on the offering side.
		DeclareMedia() error
		// SetTrack replaces, adds or (with a nil track) removes the local
		// track of slot.
		SetTrack(slot Slot, t Track) error
		// OpenChat creates the chat data channel on the offering side.
		OpenChat() error
		CreateOffer(ctx context.Context) (model.SessionDescription, error)
		CreateAnswer(ctx context.Context) (model.SessionDescription, error)
		SetRemoteDescription(ctx context.Context, desc model.SessionDescription) error
		AddCandidate(c model.Candidate) error
		ChatOpen() bool
		SendChat(b []byte) error
		Close() error
	}

	// Callbacks are invoked by a Connection from its own goroutines.
	Callbacks struct {
		OnCandidate func(c model.Candidate)
		OnChat      func(b []byte)
		OnClosed    func()
	}

	Factory interface {
		New(remoteID string, role Role, cb Callbacks) (Connection, error)
	}

	Signaler interface {
		Send(ctx context.Context, env model.Envelope) error
	}

	MemberSource interface {
		Members(ctx context.Context, roomID string) (*model.Room, error)
	}

	MediaSource interface {
		Acquire(ctx context.Context, slot Slot) (Track, error)
	}
)

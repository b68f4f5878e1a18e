package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindJoin           Kind = "join"
	KindOffer          Kind = "offer"
	KindAnswer         Kind = "answer"
	KindICECandidate   Kind = "ice-candidate"
	KindDisconnect     Kind = "disconnect"
	KindRefetchMembers Kind = "refetch-members"
	KindRenegotiate    Kind = "renegotiate"
)

// Legacy call-flow names accepted on input.
const (
	kindCallOffer  = "call-offer"
	kindCallAnswer = "call-answer"
)

var (
	ErrUnknownKind    = errors.New("unknown envelope type")
	ErrMissingSender  = errors.New("envelope has no sender")
	ErrMissingRoom    = errors.New("envelope has no room")
	ErrMissingTarget  = errors.New("directed envelope has no recipient")
	ErrPayloadMissing = errors.New("envelope has no payload")
)

// Directed reports whether envelopes of this kind address a single member.
func (k Kind) Directed() bool {
	switch k {
	case KindOffer, KindAnswer, KindICECandidate, KindRenegotiate:
		return true
	default:
		return false
	}
}

type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Payload is implemented only by the payload types of this package.
type Payload interface {
	Kind() Kind
	sealed()
}

type Join struct {
	DisplayName string `json:"display_name,omitempty"`
}

type Offer struct {
	Description SessionDescription `json:"description"`
}

type Answer struct {
	Description SessionDescription `json:"description"`
}

type ICECandidate struct {
	Candidate Candidate `json:"candidate"`
}

type Disconnect struct{}

type RefetchMembers struct{}

// Renegotiate asks the initiator of a pair to issue a fresh offer.
type Renegotiate struct{}

func (Join) Kind() Kind           { return KindJoin }
func (Offer) Kind() Kind          { return KindOffer }
func (Answer) Kind() Kind         { return KindAnswer }
func (ICECandidate) Kind() Kind   { return KindICECandidate }
func (Disconnect) Kind() Kind     { return KindDisconnect }
func (RefetchMembers) Kind() Kind { return KindRefetchMembers }
func (Renegotiate) Kind() Kind    { return KindRenegotiate }

func (Join) sealed()           {}
func (Offer) sealed()          {}
func (Answer) sealed()         {}
func (ICECandidate) sealed()   {}
func (Disconnect) sealed()     {}
func (RefetchMembers) sealed() {}
func (Renegotiate) sealed()    {}

// Envelope is one signaling message. It is immutable once sent.
type Envelope struct {
	ID      string
	From    string
	To      string
	RoomID  string
	SentAt  time.Time
	Payload Payload
}

// NewEnvelope stamps a fresh id and send time.
func NewEnvelope(roomID, from, to string, p Payload) Envelope {
	if !p.Kind().Directed() {
		to = ""
	}
	return Envelope{
		ID:      uuid.NewString(),
		From:    from,
		To:      to,
		RoomID:  roomID,
		SentAt:  time.Now().UTC(),
		Payload: p,
	}
}

func (e Envelope) Kind() Kind {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Kind()
}

func (e Envelope) Validate() error {
	if e.Payload == nil {
		return ErrPayloadMissing
	}
	if e.From == "" {
		return ErrMissingSender
	}
	if e.RoomID == "" {
		return ErrMissingRoom
	}
	if e.Kind().Directed() && e.To == "" {
		return ErrMissingTarget
	}
	return nil
}

type wireEnvelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	RoomID  string          `json:"room_id,omitempty"`
	SentAt  time.Time       `json:"sent_at"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, ErrPayloadMissing
	}
	p, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEnvelope{
		Type:    string(e.Kind()),
		ID:      e.ID,
		From:    e.From,
		To:      e.To,
		RoomID:  e.RoomID,
		SentAt:  e.SentAt,
		Payload: p,
	})
}

func (e *Envelope) UnmarshalJSON(b []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	p, err := decodePayload(w.Type, w.Payload)
	if err != nil {
		return err
	}
	*e = Envelope{
		ID:      w.ID,
		From:    w.From,
		To:      w.To,
		RoomID:  w.RoomID,
		SentAt:  w.SentAt,
		Payload: p,
	}
	return nil
}

func decodePayload(typ string, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch typ {
	case string(KindJoin):
		p = &Join{}
	case string(KindOffer), kindCallOffer:
		p = &Offer{}
	case string(KindAnswer), kindCallAnswer:
		p = &Answer{}
	case string(KindICECandidate):
		p = &ICECandidate{}
	case string(KindDisconnect):
		return Disconnect{}, nil
	case string(KindRefetchMembers):
		return RefetchMembers{}, nil
	case string(KindRenegotiate):
		return Renegotiate{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, typ)
	}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", typ, err)
		}
	}
	// hand back values, not pointers, so type switches see one shape
	switch v := p.(type) {
	case *Join:
		return *v, nil
	case *Offer:
		return *v, nil
	case *Answer:
		return *v, nil
	case *ICECandidate:
		return *v, nil
	}
	return p, nil
}

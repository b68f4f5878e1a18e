package model

import "time"

type Role string

const (
	RoleUser  Role = "user"
	RoleGuest Role = "guest"
)

type Room struct {
	ID      string   `json:"room_id"`
	Members []Member `json:"members"`
}

type Member struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	Role        Role      `json:"role"`
	LastSeen    time.Time `json:"last_seen,omitempty"`
}

// Wire is the outbound half of a persistent signaling channel.
// Done is closed when the channel goes away.
type Wire struct {
	TX   chan Envelope
	Done chan struct{}
}

func NewWire() Wire {
	return Wire{
		TX:   make(chan Envelope),
		Done: make(chan struct{}),
	}
}

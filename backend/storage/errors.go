package storage

import "errors"

var (
	ErrRoomNotFound   = errors.New("room is not found")
	ErrMemberNotFound = errors.New("member is not found")
)

// MemberRef names one roster entry.
type MemberRef struct {
	RoomID   string
	MemberID string
}

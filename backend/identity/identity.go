package identity

import (
	"net/http"
	"strings"

	"github.com/adwski/webrtc-mesh/backend/model"
	"github.com/google/uuid"
)

const (
	HeaderUserID   = "X-User-ID"
	HeaderUserName = "X-User-Name"

	guestPrefix = "guest-"
)

type Identity struct {
	ID          string
	DisplayName string
	Role        model.Role
}

// Resolver looks up the authenticated identity behind a request.
// A nil identity with nil error means the caller is anonymous.
type Resolver interface {
	Resolve(r *http.Request) (*Identity, error)
}

// HeaderResolver trusts identity headers set by an authenticating proxy.
type HeaderResolver struct{}

func (HeaderResolver) Resolve(r *http.Request) (*Identity, error) {
	id := strings.TrimSpace(r.Header.Get(HeaderUserID))
	if id == "" {
		return nil, nil
	}
	name := strings.TrimSpace(r.Header.Get(HeaderUserName))
	if name == "" {
		name = id
	}
	return &Identity{ID: id, DisplayName: name, Role: model.RoleUser}, nil
}

// Guest builds a guest identity. A client-persisted id is reused so
// reconnects keep the same member id; otherwise a new one is generated.
func Guest(persistedID, displayName string) Identity {
	id := strings.TrimSpace(persistedID)
	if id == "" {
		id = NewGuestID()
	}
	if displayName == "" {
		displayName = id
	}
	return Identity{ID: id, DisplayName: displayName, Role: model.RoleGuest}
}

func NewGuestID() string {
	return guestPrefix + uuid.NewString()
}

func (i Identity) Member() model.Member {
	return model.Member{ID: i.ID, DisplayName: i.DisplayName, Role: i.Role}
}

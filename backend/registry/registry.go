package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/adwski/webrtc-mesh/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultFwdTimeout = time.Second
)

var (
	ErrHandleClosed = errors.New("delivery handle is closed")
	ErrDeadEndpoint = errors.New("endpoint did not accept envelope in time")
)

// Handle is a delivery endpoint for one connected member.
type Handle interface {
	Deliver(ctx context.Context, env model.Envelope) error
	Open() bool
}

// Registry maps room -> member -> handle for members that are currently
// reachable over a persistent channel.
type Registry struct {
	logger zerolog.Logger
	mx     *sync.RWMutex
	rooms  map[string]map[string]Handle
}

func New(logger *zerolog.Logger) *Registry {
	return &Registry{
		logger: logger.With().Str("component", "registry").Logger(),
		mx:     &sync.RWMutex{},
		rooms:  make(map[string]map[string]Handle),
	}
}

// Register inserts or replaces the handle for memberID and returns
// the number of members in the room.
func (r *Registry) Register(roomID, memberID string, h Handle) int {
	r.mx.Lock()
	room, ok := r.rooms[roomID]
	if !ok {
		room = make(map[string]Handle)
		r.rooms[roomID] = room
	}
	_, replaced := room[memberID]
	room[memberID] = h
	n := len(room)
	r.mx.Unlock()

	r.logger.Debug().
		Str("roomID", roomID).
		Str("memberID", memberID).
		Bool("replaced", replaced).
		Int("members", n).
		Msg("member registered")
	return n
}

// Unregister removes memberID. An emptied room is deleted right away.
func (r *Registry) Unregister(roomID, memberID string) {
	r.mx.Lock()
	r.remove(roomID, memberID)
	r.mx.Unlock()

	r.logger.Debug().
		Str("roomID", roomID).
		Str("memberID", memberID).
		Msg("member unregistered")
}

// Release removes memberID only if h is still its registered handle.
// It reports whether anything was removed.
func (r *Registry) Release(roomID, memberID string, h Handle) bool {
	r.mx.Lock()
	defer r.mx.Unlock()

	cur, ok := r.rooms[roomID][memberID]
	if !ok || cur != h {
		return false
	}
	r.remove(roomID, memberID)
	return true
}

// remove must be called with the write lock held.
func (r *Registry) remove(roomID, memberID string) {
	room, ok := r.rooms[roomID]
	if !ok {
		return
	}
	delete(room, memberID)
	if len(room) == 0 {
		delete(r.rooms, roomID)
	}
}

func (r *Registry) Lookup(roomID, memberID string) (Handle, bool) {
	r.mx.RLock()
	defer r.mx.RUnlock()
	h, ok := r.rooms[roomID][memberID]
	return h, ok
}

// Members returns the ids registered in the room.
func (r *Registry) Members(roomID string) []string {
	r.mx.RLock()
	defer r.mx.RUnlock()
	ids := make([]string, 0, len(r.rooms[roomID]))
	for id := range r.rooms[roomID] {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) Rooms() int {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return len(r.rooms)
}

// Route delivers env to one member. Absent or closed recipients are a drop,
// never an error.
func (r *Registry) Route(ctx context.Context, roomID, to string, env model.Envelope) bool {
	logger := r.logger.With().
		Str("roomID", roomID).
		Str("type", string(env.Kind())).
		Str("src", env.From).
		Str("dst", to).
		Logger()

	h, ok := r.Lookup(roomID, to)
	if !ok {
		logger.Debug().Msg("cannot route, dst not found")
		return false
	}
	return deliver(ctx, h, env, &logger)
}

// Broadcast delivers env to every member of the room except excluding and
// returns how many handles accepted it.
func (r *Registry) Broadcast(ctx context.Context, roomID string, env model.Envelope, excluding string) int {
	logger := r.logger.With().
		Str("roomID", roomID).
		Str("type", string(env.Kind())).
		Str("src", env.From).
		Logger()

	r.mx.RLock()
	targets := make(map[string]Handle, len(r.rooms[roomID]))
	for id, h := range r.rooms[roomID] {
		if id != excluding {
			targets[id] = h
		}
	}
	r.mx.RUnlock()

	var sent int
	for dst, h := range targets {
		if ctx.Err() != nil {
			break
		}
		dstLogger := logger.With().Str("dst", dst).Logger()
		if deliver(ctx, h, env, &dstLogger) {
			sent++
		}
	}
	if sent == 0 {
		logger.Debug().Msg("broadcast did not reach anyone")
	}
	return sent
}

func deliver(ctx context.Context, h Handle, env model.Envelope, logger *zerolog.Logger) bool {
	if !h.Open() {
		logger.Debug().Msg("handle is closed, envelope dropped")
		return false
	}
	if err := h.Deliver(ctx, env); err != nil {
		logger.Error().Err(err).Msg("delivery failed")
		return false
	}
	logger.Debug().Msg("envelope is forwarded")
	return true
}

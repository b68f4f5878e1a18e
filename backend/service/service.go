package service

import (
	"context"
	"errors"
	"time"

	"github.com/adwski/webrtc-mesh/backend/identity"
	"github.com/adwski/webrtc-mesh/backend/model"
	"github.com/adwski/webrtc-mesh/backend/registry"
	"github.com/adwski/webrtc-mesh/backend/storage"
	"github.com/rs/zerolog"
)

const (
	defaultRosterTTL = 10 * time.Minute
)

var (
	ErrJoin       = errors.New("unable to join room")
	ErrLeave      = errors.New("unable to leave room")
	ErrGet        = errors.New("unable to get room")
	ErrSignal     = errors.New("unable to relay signal")
	ErrPoll       = errors.New("unable to poll signals")
	ErrConnect    = errors.New("unable to connect")
	ErrDisconnect = errors.New("unable to disconnect")
	ErrNoIdentity = errors.New("room id and member id are required")
)

type (
	Roster interface {
		FindMember(ctx context.Context, roomID, memberID string) (model.Member, error)
		InsertMember(ctx context.Context, roomID string, m model.Member) error
		DeleteMember(ctx context.Context, roomID, memberID string) error
		ListMembers(ctx context.Context, roomID string) ([]model.Member, error)
		Touch(ctx context.Context, roomID, memberID string) error
		Sweep(ctx context.Context, before time.Time) ([]storage.MemberRef, error)
	}

	Registry interface {
		Register(roomID, memberID string, h registry.Handle) int
		Unregister(roomID, memberID string)
		Release(roomID, memberID string, h registry.Handle) bool
		Lookup(roomID, memberID string) (registry.Handle, bool)
		Route(ctx context.Context, roomID, to string, env model.Envelope) bool
		Broadcast(ctx context.Context, roomID string, env model.Envelope, excluding string) int
	}

	Relay interface {
		Deliver(ctx context.Context, roomID, to string, env model.Envelope) error
		Drain(ctx context.Context, roomID, memberID string) ([]model.Envelope, error)
	}

	QueueSweeper interface {
		SweepQueues(ctx context.Context) (int, error)
	}

	Service struct {
		roster   Roster
		registry Registry
		relay    Relay
		sweeper  QueueSweeper
		ttl      time.Duration
		logger   zerolog.Logger
	}

	Config struct {
		Roster   Roster
		Registry Registry
		// Relay is the store-and-forward fallback. Nil disables it.
		Relay        Relay
		QueueSweeper QueueSweeper
		Logger       *zerolog.Logger
		RosterTTL    time.Duration
	}
)

func NewService(cfg Config) *Service {
	svc := &Service{
		roster:   cfg.Roster,
		registry: cfg.Registry,
		relay:    cfg.Relay,
		sweeper:  cfg.QueueSweeper,
		ttl:      cfg.RosterTTL,
		logger:   cfg.Logger.With().Str("component", "service").Logger(),
	}
	if svc.ttl <= 0 {
		svc.ttl = defaultRosterTTL
	}
	return svc
}

// Join admits ident into the room. Joining twice is a no-op.
func (svc *Service) Join(ctx context.Context, roomID string, ident identity.Identity) (*model.Room, error) {
	if roomID == "" || ident.ID == "" {
		return nil, errors.Join(ErrJoin, ErrNoIdentity)
	}
	added, err := svc.ensureMember(ctx, roomID, ident.Member())
	if err != nil {
		return nil, errors.Join(ErrJoin, err)
	}
	if added {
		svc.logger.Debug().
			Str("userID", ident.ID).
			Str("roomID", roomID).
			Str("role", string(ident.Role)).
			Msg("user joined room")
		svc.refetch(ctx, roomID, ident.ID)
	}
	return svc.Members(ctx, roomID)
}

func (svc *Service) Members(ctx context.Context, roomID string) (*model.Room, error) {
	members, err := svc.roster.ListMembers(ctx, roomID)
	if err != nil {
		return nil, errors.Join(ErrGet, err)
	}
	return &model.Room{ID: roomID, Members: members}, nil
}

// Leave removes the member from the roster and the registry and tells
// everyone else to refetch.
func (svc *Service) Leave(ctx context.Context, roomID, memberID string) error {
	if _, err := svc.roster.FindMember(ctx, roomID, memberID); err != nil {
		return errors.Join(ErrLeave, err)
	}
	if err := svc.roster.DeleteMember(ctx, roomID, memberID); err != nil {
		return errors.Join(ErrLeave, err)
	}
	svc.registry.Unregister(roomID, memberID)
	svc.logger.Debug().
		Str("userID", memberID).
		Str("roomID", roomID).
		Msg("user left room")
	svc.refetch(ctx, roomID, memberID)
	return nil
}

// CreateSignalingSession attaches a persistent channel for member.
func (svc *Service) CreateSignalingSession(ctx context.Context, roomID string, member model.Member, h registry.Handle) error {
	if _, err := svc.ensureMember(ctx, roomID, member); err != nil {
		return errors.Join(ErrConnect, err)
	}
	n := svc.registry.Register(roomID, member.ID, h)
	svc.logger.Debug().
		Str("userID", member.ID).
		Str("roomID", roomID).
		Int("live", n).
		Msg("signaling session connected")

	// peers may have tried to reach this member before the channel was up
	svc.refetch(ctx, roomID, member.ID)
	return nil
}

// DeleteSignalingSession handles a closed channel. A channel that was
// already replaced by a reconnect does not remove the member.
func (svc *Service) DeleteSignalingSession(ctx context.Context, roomID, memberID string, h registry.Handle) error {
	if !svc.registry.Release(roomID, memberID, h) {
		svc.logger.Debug().
			Str("userID", memberID).
			Str("roomID", roomID).
			Msg("stale signaling session closed")
		return nil
	}
	if err := svc.roster.DeleteMember(ctx, roomID, memberID); err != nil {
		return errors.Join(ErrDisconnect, err)
	}
	svc.logger.Debug().
		Str("userID", memberID).
		Str("roomID", roomID).
		Msg("signaling session deleted")
	svc.refetch(ctx, roomID, memberID)
	return nil
}

// HandleEnvelope processes one inbound signal from either transport.
func (svc *Service) HandleEnvelope(ctx context.Context, env model.Envelope) error {
	if err := env.Validate(); err != nil {
		return errors.Join(ErrSignal, err)
	}
	if env.Kind().Directed() {
		// not-found must not leave a half-applied roster change behind
		if _, err := svc.roster.FindMember(ctx, env.RoomID, env.To); err != nil {
			return errors.Join(ErrSignal, err)
		}
	}

	if env.Kind() == model.KindDisconnect {
		return svc.Leave(ctx, env.RoomID, env.From)
	}

	member := model.Member{ID: env.From, DisplayName: env.From, Role: model.RoleGuest}
	if j, ok := env.Payload.(model.Join); ok && j.DisplayName != "" {
		member.DisplayName = j.DisplayName
	}
	added, err := svc.ensureMember(ctx, env.RoomID, member)
	if err != nil {
		return errors.Join(ErrSignal, err)
	}
	if added {
		svc.logger.Info().
			Str("userID", env.From).
			Str("roomID", env.RoomID).
			Msg("member re-inserted into roster")
		svc.refetch(ctx, env.RoomID, env.From)
	}

	switch env.Kind() {
	case model.KindJoin:
		return nil
	case model.KindRefetchMembers:
		svc.broadcast(ctx, env.RoomID, env, env.From)
		return nil
	default:
		if err = svc.deliver(ctx, env); err != nil {
			return errors.Join(ErrSignal, err)
		}
		return nil
	}
}

// Poll drains the store-and-forward queue of a member. A poller swept from
// the roster is put back, same as a member signaling over a channel.
func (svc *Service) Poll(ctx context.Context, roomID, memberID string) ([]model.Envelope, error) {
	if svc.relay == nil {
		return []model.Envelope{}, nil
	}
	added, err := svc.ensureMember(ctx, roomID, model.Member{ID: memberID, DisplayName: memberID})
	if err != nil {
		return nil, errors.Join(ErrPoll, err)
	}
	if added {
		svc.logger.Info().
			Str("userID", memberID).
			Str("roomID", roomID).
			Msg("poller re-inserted into roster")
		svc.refetch(ctx, roomID, memberID)
	}
	envs, err := svc.relay.Drain(ctx, roomID, memberID)
	if err != nil {
		return nil, errors.Join(ErrPoll, err)
	}
	return envs, nil
}

// KeepAlive refreshes the roster timestamp of a live member.
func (svc *Service) KeepAlive(ctx context.Context, roomID, memberID string) {
	if err := svc.roster.Touch(ctx, roomID, memberID); err != nil {
		svc.logger.Debug().Err(err).
			Str("userID", memberID).
			Str("roomID", roomID).
			Msg("keepalive for unknown member")
	}
}

// Run sweeps stale roster entries and expired queues until ctx is done.
func (svc *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(svc.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			svc.sweep(ctx)
		}
	}
}

// sweep drops members that stopped refreshing, detaches whatever channel
// they left behind and tells the rest of their room to refetch.
func (svc *Service) sweep(ctx context.Context) {
	swept, err := svc.roster.Sweep(ctx, time.Now().Add(-svc.ttl))
	if err != nil {
		svc.logger.Error().Err(err).Msg("roster sweep failed")
	} else if len(swept) > 0 {
		svc.logger.Info().Int("removed", len(swept)).Msg("stale members swept")
	}
	for _, ref := range swept {
		svc.registry.Unregister(ref.RoomID, ref.MemberID)
		svc.refetch(ctx, ref.RoomID, ref.MemberID)
	}
	if svc.sweeper == nil {
		return
	}
	n, err := svc.sweeper.SweepQueues(ctx)
	if err != nil {
		svc.logger.Error().Err(err).Msg("queue sweep failed")
	} else if n > 0 {
		svc.logger.Debug().Int("removed", n).Msg("expired signals swept")
	}
}

// ensureMember inserts m when missing and reports whether it did.
func (svc *Service) ensureMember(ctx context.Context, roomID string, m model.Member) (bool, error) {
	_, err := svc.roster.FindMember(ctx, roomID, m.ID)
	switch {
	case err == nil:
		return false, svc.roster.Touch(ctx, roomID, m.ID)
	case !errors.Is(err, storage.ErrMemberNotFound):
		return false, err
	}
	if m.Role == "" {
		m.Role = model.RoleGuest
	}
	if err = svc.roster.InsertMember(ctx, roomID, m); err != nil {
		return false, err
	}
	return true, nil
}

// deliver prefers a live channel and falls back to the queue.
func (svc *Service) deliver(ctx context.Context, env model.Envelope) error {
	if h, ok := svc.registry.Lookup(env.RoomID, env.To); ok && h.Open() {
		if svc.registry.Route(ctx, env.RoomID, env.To, env) {
			return nil
		}
	}
	if svc.relay == nil {
		svc.logger.Debug().
			Str("roomID", env.RoomID).
			Str("src", env.From).
			Str("dst", env.To).
			Msg("no live channel and no queue, envelope dropped")
		return nil
	}
	return svc.relay.Deliver(ctx, env.RoomID, env.To, env)
}

func (svc *Service) refetch(ctx context.Context, roomID, from string) {
	svc.broadcast(ctx, roomID, model.NewEnvelope(roomID, from, "", model.RefetchMembers{}), from)
}

// broadcast reaches live channels directly and queues for everyone else.
func (svc *Service) broadcast(ctx context.Context, roomID string, env model.Envelope, excluding string) {
	svc.registry.Broadcast(ctx, roomID, env, excluding)
	if svc.relay == nil {
		return
	}
	members, err := svc.roster.ListMembers(ctx, roomID)
	if err != nil {
		if !errors.Is(err, storage.ErrRoomNotFound) {
			svc.logger.Error().Err(err).Str("roomID", roomID).Msg("failed to list members for broadcast")
		}
		return
	}
	for _, m := range members {
		if m.ID == excluding {
			continue
		}
		if h, ok := svc.registry.Lookup(roomID, m.ID); ok && h.Open() {
			continue
		}
		if err = svc.relay.Deliver(ctx, roomID, m.ID, env); err != nil {
			svc.logger.Warn().Err(err).
				Str("roomID", roomID).
				Str("dst", m.ID).
				Msg("failed to queue broadcast")
		}
	}
}

package queue

import (
	"context"
	"errors"
	"time"

	"github.com/adwski/webrtc-mesh/backend/model"
	"github.com/adwski/webrtc-mesh/backend/pubsub"
	"github.com/rs/zerolog"
)

const (
	DefaultLimit = 50
	DefaultTTL   = time.Hour
)

var (
	ErrEnqueue = errors.New("unable to enqueue envelope")
	ErrDrain   = errors.New("unable to drain queue")
)

type (
	// Store is a durable per-(room, recipient) envelope queue. Push keeps only
	// the newest limit entries and pushes the queue expiry ttl into the future.
	// Pop atomically returns and clears the queue in insertion order.
	Store interface {
		Push(ctx context.Context, roomID, memberID string, env model.Envelope, limit int, ttl time.Duration) error
		Pop(ctx context.Context, roomID, memberID string) ([]model.Envelope, error)
	}

	Notifier interface {
		Publish(topic string, ev pubsub.Event) (int, error)
	}

	Relay struct {
		store    Store
		notifier Notifier
		limit    int
		ttl      time.Duration
		logger   zerolog.Logger
	}

	Config struct {
		Store    Store
		Notifier Notifier
		Logger   *zerolog.Logger
		Limit    int
		TTL      time.Duration
	}
)

func NewRelay(cfg Config) *Relay {
	r := &Relay{
		store:    cfg.Store,
		notifier: cfg.Notifier,
		limit:    cfg.Limit,
		ttl:      cfg.TTL,
		logger:   cfg.Logger.With().Str("component", "queue-relay").Logger(),
	}
	if r.limit <= 0 {
		r.limit = DefaultLimit
	}
	if r.ttl <= 0 {
		r.ttl = DefaultTTL
	}
	return r
}

func (r *Relay) Enqueue(ctx context.Context, roomID, to string, env model.Envelope) error {
	if err := r.store.Push(ctx, roomID, to, env, r.limit, r.ttl); err != nil {
		return errors.Join(ErrEnqueue, err)
	}
	return nil
}

// Notify publishes a wake-up for the recipient. Failures are only logged:
// the queue stays authoritative.
func (r *Relay) Notify(_ context.Context, roomID, to, from string) {
	if r.notifier == nil {
		return
	}
	n, err := r.notifier.Publish(pubsub.Topic(roomID, to), pubsub.Event{To: to, From: from})
	if err != nil {
		r.logger.Warn().Err(err).
			Str("roomID", roomID).
			Str("dst", to).
			Msg("notify failed")
		return
	}
	r.logger.Trace().
		Str("roomID", roomID).
		Str("dst", to).
		Int("listeners", n).
		Msg("notify published")
}

func (r *Relay) Drain(ctx context.Context, roomID, memberID string) ([]model.Envelope, error) {
	envs, err := r.store.Pop(ctx, roomID, memberID)
	if err != nil {
		return nil, errors.Join(ErrDrain, err)
	}
	if envs == nil {
		envs = []model.Envelope{}
	}
	return envs, nil
}

// Deliver enqueues env for to and fires a notify.
func (r *Relay) Deliver(ctx context.Context, roomID, to string, env model.Envelope) error {
	if err := r.Enqueue(ctx, roomID, to, env); err != nil {
		return err
	}
	r.Notify(ctx, roomID, to, env.From)
	return nil
}

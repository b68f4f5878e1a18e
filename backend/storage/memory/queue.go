package memory

import (
	"context"
	"sync"
	"time"

	"github.com/adwski/webrtc-mesh/backend/model"
)

type queueKey struct {
	roomID   string
	memberID string
}

type envQueue struct {
	entries   []model.Envelope
	expiresAt time.Time
}

// Queue is an in-process store-and-forward queue with bounded length and
// a per-queue expiry.
type Queue struct {
	mx     sync.Mutex
	queues map[queueKey]*envQueue
	now    func() time.Time
}

func NewQueue() *Queue {
	return &Queue{
		queues: make(map[queueKey]*envQueue),
		now:    time.Now,
	}
}

func (q *Queue) Push(_ context.Context, roomID, memberID string, env model.Envelope, limit int, ttl time.Duration) error {
	q.mx.Lock()
	defer q.mx.Unlock()

	key := queueKey{roomID: roomID, memberID: memberID}
	now := q.now()
	eq, ok := q.queues[key]
	if !ok || !now.Before(eq.expiresAt) {
		eq = &envQueue{}
		q.queues[key] = eq
	}
	eq.entries = append(eq.entries, env)
	if over := len(eq.entries) - limit; over > 0 {
		eq.entries = append([]model.Envelope(nil), eq.entries[over:]...)
	}
	eq.expiresAt = now.Add(ttl)
	return nil
}

func (q *Queue) Pop(_ context.Context, roomID, memberID string) ([]model.Envelope, error) {
	q.mx.Lock()
	defer q.mx.Unlock()

	key := queueKey{roomID: roomID, memberID: memberID}
	eq, ok := q.queues[key]
	if !ok {
		return nil, nil
	}
	delete(q.queues, key)
	if !q.now().Before(eq.expiresAt) {
		return nil, nil
	}
	return eq.entries, nil
}

// Len reports the retained length of one queue.
func (q *Queue) Len(roomID, memberID string) int {
	q.mx.Lock()
	defer q.mx.Unlock()
	if eq, ok := q.queues[queueKey{roomID: roomID, memberID: memberID}]; ok {
		return len(eq.entries)
	}
	return 0
}

// SweepQueues removes expired queues.
func (q *Queue) SweepQueues(_ context.Context) (int, error) {
	q.mx.Lock()
	defer q.mx.Unlock()

	now := q.now()
	var n int
	for key, eq := range q.queues {
		if !now.Before(eq.expiresAt) {
			delete(q.queues, key)
			n++
		}
	}
	return n, nil
}

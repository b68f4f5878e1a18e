package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/adwski/webrtc-mesh/backend/model"
	"github.com/adwski/webrtc-mesh/backend/storage"
)

// MemStore is a process-local roster.
type MemStore struct {
	mx  *sync.Mutex
	db  map[string]map[string]model.Member
	now func() time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{
		mx:  &sync.Mutex{},
		db:  make(map[string]map[string]model.Member),
		now: time.Now,
	}
}

func (ms *MemStore) FindMember(_ context.Context, roomID, memberID string) (model.Member, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	m, ok := ms.db[roomID][memberID]
	if !ok {
		return model.Member{}, storage.ErrMemberNotFound
	}
	return m, nil
}

// InsertMember upserts m. Repeated writes are harmless.
func (ms *MemStore) InsertMember(_ context.Context, roomID string, m model.Member) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.db[roomID]
	if !ok {
		room = make(map[string]model.Member)
		ms.db[roomID] = room
	}
	m.LastSeen = ms.now()
	room[m.ID] = m
	return nil
}

func (ms *MemStore) DeleteMember(_ context.Context, roomID, memberID string) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.db[roomID]
	if !ok {
		return nil
	}
	delete(room, memberID)
	if len(room) == 0 {
		delete(ms.db, roomID)
	}
	return nil
}

func (ms *MemStore) ListMembers(_ context.Context, roomID string) ([]model.Member, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.db[roomID]
	if !ok {
		return nil, storage.ErrRoomNotFound
	}
	members := make([]model.Member, 0, len(room))
	for _, m := range room {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	return members, nil
}

func (ms *MemStore) Touch(_ context.Context, roomID, memberID string) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	m, ok := ms.db[roomID][memberID]
	if !ok {
		return storage.ErrMemberNotFound
	}
	m.LastSeen = ms.now()
	ms.db[roomID][memberID] = m
	return nil
}

// Sweep drops members not seen since before and returns them.
func (ms *MemStore) Sweep(_ context.Context, before time.Time) ([]storage.MemberRef, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	var swept []storage.MemberRef
	for roomID, room := range ms.db {
		for id, m := range room {
			if m.LastSeen.Before(before) {
				delete(room, id)
				swept = append(swept, storage.MemberRef{RoomID: roomID, MemberID: id})
			}
		}
		if len(room) == 0 {
			delete(ms.db, roomID)
		}
	}
	return swept, nil
}

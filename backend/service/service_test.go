package service

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/adwski/webrtc-mesh/backend/identity"
	"github.com/adwski/webrtc-mesh/backend/model"
	"github.com/adwski/webrtc-mesh/backend/queue"
	"github.com/adwski/webrtc-mesh/backend/registry"
	"github.com/adwski/webrtc-mesh/backend/storage"
	"github.com/adwski/webrtc-mesh/backend/storage/memory"
	"github.com/rs/zerolog"
)

type inbox struct {
	mu     sync.Mutex
	closed bool
	envs   []model.Envelope
}

func (in *inbox) Open() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return !in.closed
}

func (in *inbox) Deliver(_ context.Context, env model.Envelope) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.envs = append(in.envs, env)
	return nil
}

func (in *inbox) kinds() []model.Kind {
	in.mu.Lock()
	defer in.mu.Unlock()
	kinds := make([]model.Kind, 0, len(in.envs))
	for _, e := range in.envs {
		kinds = append(kinds, e.Kind())
	}
	return kinds
}

func (in *inbox) reset() {
	in.mu.Lock()
	in.envs = nil
	in.mu.Unlock()
}

type fixture struct {
	svc    *Service
	roster *memory.MemStore
	reg    *registry.Registry
	relay  *queue.Relay
}

func newFixture(withRelay bool) *fixture {
	logger := zerolog.New(io.Discard)
	f := &fixture{
		roster: memory.NewMemStore(),
		reg:    registry.New(&logger),
	}
	cfg := Config{Roster: f.roster, Registry: f.reg, Logger: &logger}
	if withRelay {
		q := memory.NewQueue()
		f.relay = queue.NewRelay(queue.Config{Store: q, Logger: &logger})
		cfg.Relay = f.relay
		cfg.QueueSweeper = q
	}
	f.svc = NewService(cfg)
	return f
}

func (f *fixture) connect(t *testing.T, roomID, memberID string) *inbox {
	t.Helper()
	in := &inbox{}
	err := f.svc.CreateSignalingSession(context.Background(), roomID, model.Member{ID: memberID, DisplayName: memberID}, in)
	if err != nil {
		t.Fatalf("connect %s: %v", memberID, err)
	}
	return in
}

func TestJoinIsIdempotent(t *testing.T) {
	f := newFixture(false)
	ctx := context.Background()
	bob := f.connect(t, "room", "bob")
	bob.reset()

	alice := identity.Identity{ID: "alice", DisplayName: "Alice", Role: model.RoleUser}
	room, err := f.svc.Join(ctx, "room", alice)
	if err != nil {
		t.Fatal(err)
	}
	if len(room.Members) != 2 {
		t.Fatalf("members = %+v", room.Members)
	}
	if _, err = f.svc.Join(ctx, "room", alice); err != nil {
		t.Fatal(err)
	}
	if got := bob.kinds(); len(got) != 1 || got[0] != model.KindRefetchMembers {
		t.Fatalf("bob saw %v, want exactly one refetch-members", got)
	}

	if _, err = f.svc.Join(ctx, "", alice); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("err = %v, want ErrNoIdentity", err)
	}
}

func TestRouteOfferOverLiveChannel(t *testing.T) {
	f := newFixture(false)
	f.connect(t, "room", "alice")
	bob := f.connect(t, "room", "bob")
	bob.reset()

	env := model.NewEnvelope("room", "alice", "bob", model.Offer{Description: model.SessionDescription{Type: "offer", SDP: "v=0"}})
	if err := f.svc.HandleEnvelope(context.Background(), env); err != nil {
		t.Fatal(err)
	}
	if got := bob.kinds(); len(got) != 1 || got[0] != model.KindOffer {
		t.Fatalf("bob saw %v", got)
	}
}

func TestSignalToUnknownMemberIsNotFound(t *testing.T) {
	f := newFixture(true)
	f.connect(t, "room", "alice")

	env := model.NewEnvelope("room", "ghost", "nobody", model.Offer{})
	err := f.svc.HandleEnvelope(context.Background(), env)
	if !errors.Is(err, storage.ErrMemberNotFound) {
		t.Fatalf("err = %v, want ErrMemberNotFound", err)
	}
	if _, err = f.roster.FindMember(context.Background(), "room", "ghost"); err == nil {
		t.Fatal("failed signal inserted its sender")
	}
}

// A member whose roster entry vanished (server restart, sweep) is
// re-inserted on its first signal and the room is told to refetch.
func TestReconcileOnFirstSignal(t *testing.T) {
	f := newFixture(false)
	ctx := context.Background()
	f.connect(t, "room", "alice")
	bob := f.connect(t, "room", "bob")
	_ = f.roster.DeleteMember(ctx, "room", "alice")
	bob.reset()

	env := model.NewEnvelope("room", "alice", "bob", model.ICECandidate{Candidate: model.Candidate{Candidate: "c1"}})
	if err := f.svc.HandleEnvelope(ctx, env); err != nil {
		t.Fatal(err)
	}
	if _, err := f.roster.FindMember(ctx, "room", "alice"); err != nil {
		t.Fatalf("alice not re-inserted: %v", err)
	}
	got := bob.kinds()
	if len(got) != 2 || got[0] != model.KindRefetchMembers || got[1] != model.KindICECandidate {
		t.Fatalf("bob saw %v, want [refetch-members ice-candidate]", got)
	}
}

func TestDisconnectRemovesAndNotifies(t *testing.T) {
	f := newFixture(false)
	ctx := context.Background()
	f.connect(t, "room", "alice")
	bob := f.connect(t, "room", "bob")
	bob.reset()

	if err := f.svc.HandleEnvelope(ctx, model.NewEnvelope("room", "alice", "", model.Disconnect{})); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.reg.Lookup("room", "alice"); ok {
		t.Fatal("alice still registered")
	}
	if _, err := f.roster.FindMember(ctx, "room", "alice"); !errors.Is(err, storage.ErrMemberNotFound) {
		t.Fatal("alice still in roster")
	}
	if got := bob.kinds(); len(got) != 1 || got[0] != model.KindRefetchMembers {
		t.Fatalf("bob saw %v", got)
	}
	if err := f.svc.Leave(ctx, "room", "alice"); !errors.Is(err, storage.ErrMemberNotFound) {
		t.Fatalf("second leave err = %v", err)
	}
}

func TestStaleChannelCloseKeepsMember(t *testing.T) {
	f := newFixture(false)
	ctx := context.Background()
	old := f.connect(t, "room", "alice")
	f.connect(t, "room", "alice")

	if err := f.svc.DeleteSignalingSession(ctx, "room", "alice", old); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.reg.Lookup("room", "alice"); !ok {
		t.Fatal("reconnected alice was evicted by her stale channel")
	}
	if _, err := f.roster.FindMember(ctx, "room", "alice"); err != nil {
		t.Fatal("alice removed from roster")
	}
}

func TestQueueFallbackAndPoll(t *testing.T) {
	f := newFixture(true)
	ctx := context.Background()
	_, _ = f.svc.Join(ctx, "room", identity.Guest("alice", ""))
	_, _ = f.svc.Join(ctx, "room", identity.Guest("bob", ""))
	// alice's join refetch was queued for nobody; bob's join queued one for alice
	_, _ = f.svc.Poll(ctx, "room", "alice")

	offer := model.NewEnvelope("room", "alice", "bob", model.Offer{})
	if err := f.svc.HandleEnvelope(ctx, offer); err != nil {
		t.Fatal(err)
	}
	got, err := f.svc.Poll(ctx, "room", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != offer.ID {
		t.Fatalf("bob polled %+v", got)
	}
	if again, _ := f.svc.Poll(ctx, "room", "bob"); len(again) != 0 {
		t.Fatalf("second poll returned %d envelopes", len(again))
	}

	if err = f.svc.Leave(ctx, "room", "bob"); err != nil {
		t.Fatal(err)
	}
	got, _ = f.svc.Poll(ctx, "room", "alice")
	if len(got) != 1 || got[0].Kind() != model.KindRefetchMembers {
		t.Fatalf("alice polled %+v, want one refetch-members", got)
	}

	// a poller that keeps polling after leaving is put back
	if _, err = f.svc.Poll(ctx, "room", "bob"); err != nil {
		t.Fatalf("poll after leave err = %v", err)
	}
	if _, err = f.roster.FindMember(ctx, "room", "bob"); err != nil {
		t.Fatalf("bob not back in roster: %v", err)
	}
	got, _ = f.svc.Poll(ctx, "room", "alice")
	if len(got) != 1 || got[0].Kind() != model.KindRefetchMembers || got[0].From != "bob" {
		t.Fatalf("alice polled %+v, want bob's refetch-members", got)
	}
}

func TestPollReinsertsSweptMember(t *testing.T) {
	f := newFixture(true)
	ctx := context.Background()
	alice := f.connect(t, "room", "alice")
	_, _ = f.svc.Join(ctx, "room", identity.Guest("bob", "Bob"))
	alice.reset()

	// bob's roster entry is gone while his poller is paused
	if err := f.roster.DeleteMember(ctx, "room", "bob"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Poll(ctx, "room", "bob"); err != nil {
		t.Fatalf("poll of swept member: %v", err)
	}
	m, err := f.roster.FindMember(ctx, "room", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if m.Role != model.RoleGuest {
		t.Fatalf("re-inserted as %s", m.Role)
	}
	if got := alice.kinds(); len(got) != 1 || got[0] != model.KindRefetchMembers {
		t.Fatalf("alice saw %v, want one refetch-members", got)
	}

	// a known poller does not cause a refetch
	alice.reset()
	if _, err = f.svc.Poll(ctx, "room", "bob"); err != nil {
		t.Fatal(err)
	}
	if got := alice.kinds(); len(got) != 0 {
		t.Fatalf("alice saw %v", got)
	}
}

func TestSweepUnregistersAndNotifies(t *testing.T) {
	f := newFixture(true)
	ctx := context.Background()
	f.svc.ttl = 50 * time.Millisecond

	f.connect(t, "room", "bob")
	_, _ = f.svc.Join(ctx, "room", identity.Guest("carol", ""))
	time.Sleep(100 * time.Millisecond)
	alice := f.connect(t, "room", "alice")
	alice.reset()

	f.svc.sweep(ctx)

	if _, ok := f.reg.Lookup("room", "bob"); ok {
		t.Fatal("swept member still registered")
	}
	for _, id := range []string{"bob", "carol"} {
		if _, err := f.roster.FindMember(ctx, "room", id); !errors.Is(err, storage.ErrMemberNotFound) {
			t.Fatalf("%s not swept: %v", id, err)
		}
	}
	if _, ok := f.reg.Lookup("room", "alice"); !ok {
		t.Fatal("fresh member unregistered")
	}
	got := alice.kinds()
	if len(got) != 2 || got[0] != model.KindRefetchMembers || got[1] != model.KindRefetchMembers {
		t.Fatalf("alice saw %v, want a refetch-members per swept member", got)
	}
}

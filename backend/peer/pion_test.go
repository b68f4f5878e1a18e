package peer

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/adwski/webrtc-mesh/backend/model"
	"github.com/pion/transport/v3/vnet"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

func newPionPair(t *testing.T) (Connection, Connection) {
	t.Helper()
	logger := zerolog.New(io.Discard)
	f, err := NewPionFactory(PionConfig{Logger: &logger})
	if err != nil {
		t.Fatal(err)
	}
	alice, err := f.New("bob", RoleInitiator, Callbacks{})
	if err != nil {
		t.Fatal(err)
	}
	bob, err := f.New("alice", RoleResponder, Callbacks{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = alice.Close()
		_ = bob.Close()
	})
	return alice, bob
}

func TestPionOfferAnswer(t *testing.T) {
	ctx := context.Background()
	alice, bob := newPionPair(t)

	if err := alice.DeclareMedia(); err != nil {
		t.Fatal(err)
	}
	if err := alice.OpenChat(); err != nil {
		t.Fatal(err)
	}
	offer, err := alice.CreateOffer(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if offer.Type != "offer" {
		t.Fatalf("offer type = %q", offer.Type)
	}
	for _, m := range []string{"m=audio", "m=video", "m=application"} {
		if !strings.Contains(offer.SDP, m) {
			t.Fatalf("offer has no %s section:\n%s", m, offer.SDP)
		}
	}

	if err = bob.SetRemoteDescription(ctx, offer); err != nil {
		t.Fatal(err)
	}
	answer, err := bob.CreateAnswer(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if answer.Type != "answer" {
		t.Fatalf("answer type = %q", answer.Type)
	}
	if err = alice.SetRemoteDescription(ctx, answer); err != nil {
		t.Fatal(err)
	}

	if alice.ChatOpen() {
		t.Fatal("chat open before transport is up")
	}
	if err = alice.SendChat([]byte("hi")); !errors.Is(err, ErrChatNotOpen) {
		t.Fatalf("send on closed chat err = %v", err)
	}
}

func TestPionRejectsUnknownDescription(t *testing.T) {
	alice, _ := newPionPair(t)
	err := alice.SetRemoteDescription(context.Background(), model.SessionDescription{Type: "bogus", SDP: "v=0"})
	if !errors.Is(err, ErrBadDescription) {
		t.Fatalf("err = %v", err)
	}
}

func TestPionSetTrack(t *testing.T) {
	alice, _ := newPionPair(t)
	if err := alice.DeclareMedia(); err != nil {
		t.Fatal(err)
	}
	if err := alice.SetTrack(SlotAudio, "not a track"); !errors.Is(err, ErrUnsupportedTrack) {
		t.Fatalf("err = %v", err)
	}

	mic, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "mesh")
	if err != nil {
		t.Fatal(err)
	}
	if err = alice.SetTrack(SlotAudio, mic); err != nil {
		t.Fatal(err)
	}
	if err = alice.SetTrack(SlotAudio, nil); err != nil {
		t.Fatal(err)
	}

	if err = alice.SetTrack(SlotScreen, sampleTrack(t, webrtc.MimeTypeVP8, "screen")); err != nil {
		t.Fatal(err)
	}
	if err = alice.SetTrack(SlotScreen, nil); err != nil {
		t.Fatal(err)
	}
	// removing twice is a no-op
	if err = alice.SetTrack(SlotScreen, nil); err != nil {
		t.Fatal(err)
	}
}

func negotiate(ctx context.Context, t *testing.T, offerer, answerer Connection) (offer, answer model.SessionDescription) {
	t.Helper()
	offer, err := offerer.CreateOffer(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err = answerer.SetRemoteDescription(ctx, offer); err != nil {
		t.Fatal(err)
	}
	if answer, err = answerer.CreateAnswer(ctx); err != nil {
		t.Fatal(err)
	}
	if err = offerer.SetRemoteDescription(ctx, answer); err != nil {
		t.Fatal(err)
	}
	return offer, answer
}

func sampleTrack(t *testing.T, mime, id string) webrtc.TrackLocal {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id, "mesh")
	if err != nil {
		t.Fatal(err)
	}
	return track
}

func TestPionResponderTracksRenegotiated(t *testing.T) {
	ctx := context.Background()
	alice, bob := newPionPair(t)
	if err := alice.DeclareMedia(); err != nil {
		t.Fatal(err)
	}
	if err := alice.OpenChat(); err != nil {
		t.Fatal(err)
	}
	// a slot muted before the first answer still starts sending
	if err := alice.SetTrack(SlotAudio, nil); err != nil {
		t.Fatal(err)
	}
	offer, _ := negotiate(ctx, t, alice, bob)
	if n := strings.Count(offer.SDP, "m=video"); n != 2 {
		t.Fatalf("offer has %d video sections, want camera and screen", n)
	}

	// the answering side publishes camera and screen together
	if err := bob.SetTrack(SlotVideo, sampleTrack(t, webrtc.MimeTypeVP8, "camtrack")); err != nil {
		t.Fatal(err)
	}
	if err := bob.SetTrack(SlotScreen, sampleTrack(t, webrtc.MimeTypeVP8, "screentrack")); err != nil {
		t.Fatal(err)
	}
	offer, answer := negotiate(ctx, t, alice, bob)
	for _, id := range []string{"camtrack", "screentrack"} {
		if !strings.Contains(answer.SDP, id) {
			t.Fatalf("answer does not carry %s:\n%s", id, answer.SDP)
		}
	}
	if a, o := strings.Count(answer.SDP, "m="), strings.Count(offer.SDP, "m="); a != o {
		t.Fatalf("answer has %d sections, offer %d", a, o)
	}

	// stopping and restarting the screen keeps its section
	if err := bob.SetTrack(SlotScreen, nil); err != nil {
		t.Fatal(err)
	}
	_, answer = negotiate(ctx, t, alice, bob)
	if strings.Contains(answer.SDP, "screentrack") {
		t.Fatalf("answer still carries removed screen:\n%s", answer.SDP)
	}
	if err := bob.SetTrack(SlotScreen, sampleTrack(t, webrtc.MimeTypeVP8, "screen2")); err != nil {
		t.Fatal(err)
	}
	offer, answer = negotiate(ctx, t, alice, bob)
	if !strings.Contains(answer.SDP, "screen2") {
		t.Fatalf("answer does not carry restarted screen:\n%s", answer.SDP)
	}
	if n := strings.Count(offer.SDP, "m=video"); n != 2 {
		t.Fatalf("offer grew to %d video sections", n)
	}
}

func TestChatCodec(t *testing.T) {
	in := newChatMessage("alice", "hello")
	b, err := encodeChat(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := decodeChat(b)
	if err != nil {
		t.Fatal(err)
	}
	if out.ID != in.ID || out.From != "alice" || out.Text != "hello" || !out.SentAt.Equal(in.SentAt) {
		t.Fatalf("decoded %+v, want %+v", out, in)
	}
	if _, err = decodeChat([]byte{0xc1}); err == nil {
		t.Fatal("garbage decoded")
	}
}

// hub relays envelopes between orchestrators in the same process.
type hub struct {
	mu    sync.Mutex
	inbox map[string]chan model.Envelope
}

func (h *hub) Send(_ context.Context, env model.Envelope) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.inbox {
		if id != env.From && (env.To == "" || env.To == id) {
			ch <- env
		}
	}
	return nil
}

func (h *hub) attach(ctx context.Context, id string, o *Orchestrator) {
	ch := make(chan model.Envelope, 256)
	h.mu.Lock()
	h.inbox[id] = ch
	h.mu.Unlock()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case env := <-ch:
				_ = o.HandleEnvelope(ctx, env)
			}
		}
	}()
}

func TestPionMeshChat(t *testing.T) {
	if testing.Short() {
		t.Skip("negotiates real connections")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := zerolog.New(io.Discard)

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: pionLoggers{logger: logger},
	})
	if err != nil {
		t.Fatal(err)
	}
	h := &hub{inbox: make(map[string]chan model.Envelope)}
	nodes := map[string]*Orchestrator{}
	got := make(chan ChatMessage, 16)
	for id, ip := range map[string]string{"alice": "10.0.0.1", "bob": "10.0.0.2"} {
		n, nErr := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
		if nErr != nil {
			t.Fatal(nErr)
		}
		if err = router.AddNet(n); err != nil {
			t.Fatal(err)
		}
		f, fErr := NewPionFactory(PionConfig{Logger: &logger, Net: n})
		if fErr != nil {
			t.Fatal(fErr)
		}
		cfg := Config{RoomID: "room", LocalID: id, Factory: f, Signaler: h, Logger: &logger}
		if id == "bob" {
			cfg.OnChat = func(m ChatMessage) { got <- m }
		}
		o := NewOrchestrator(cfg)
		t.Cleanup(o.Close)
		h.attach(ctx, id, o)
		nodes[id] = o
	}
	if err = router.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = router.Stop() })

	for _, o := range nodes {
		if err = o.SetMembers(ctx, []string{"alice", "bob"}); err != nil {
			t.Fatal(err)
		}
	}

	// resend until the chat channel is up on both ends
	retry := time.NewTicker(200 * time.Millisecond)
	defer retry.Stop()
	deadline := time.After(15 * time.Second)
	for {
		if _, err = nodes["alice"].SendChat("hello"); err != nil {
			t.Fatal(err)
		}
		select {
		case m := <-got:
			if m.From != "alice" || m.Text != "hello" {
				t.Fatalf("got %+v", m)
			}
			if p, _ := nodes["alice"].Phase("bob"); p != PhaseStable {
				t.Fatalf("alice phase = %s", p)
			}
			return
		case <-retry.C:
		case <-deadline:
			p, _ := nodes["bob"].Phase("alice")
			t.Fatalf("no chat delivered, bob phase = %s", p)
		}
	}
}

package http

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/adwski/webrtc-mesh/backend/identity"
	"github.com/adwski/webrtc-mesh/backend/model"
	"github.com/adwski/webrtc-mesh/backend/pubsub"
	"github.com/adwski/webrtc-mesh/backend/queue"
	"github.com/adwski/webrtc-mesh/backend/registry"
	"github.com/adwski/webrtc-mesh/backend/service"
	"github.com/adwski/webrtc-mesh/backend/storage/memory"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
)

type rawResponse struct {
	Message string          `json:"message"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := zerolog.New(io.Discard)
	broker := pubsub.NewBroker()
	t.Cleanup(broker.Close)
	q := memory.NewQueue()
	svc := service.NewService(service.Config{
		Roster:       memory.NewMemStore(),
		Registry:     registry.New(&logger),
		Relay:        queue.NewRelay(queue.Config{Store: q, Notifier: broker, Logger: &logger}),
		QueueSweeper: q,
		Logger:       &logger,
	})
	srv := NewServer(Config{Logger: &logger, RoomService: svc, Events: broker})
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, method, url string, body any, hdr http.Header) (int, rawResponse) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range hdr {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	var out rawResponse
	if err = json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("%s %s: decode: %v", method, url, err)
	}
	return resp.StatusCode, out
}

func join(t *testing.T, ts *httptest.Server, roomID, userID string) JoinResponse {
	t.Helper()
	code, resp := do(t, http.MethodPost, ts.URL+"/api/room", JoinRequest{RoomID: roomID, UserID: userID}, nil)
	if code != http.StatusOK {
		t.Fatalf("join %s: %d %s", userID, code, resp.Error)
	}
	var jr JoinResponse
	if err := json.Unmarshal(resp.Data, &jr); err != nil {
		t.Fatal(err)
	}
	return jr
}

func poll(t *testing.T, ts *httptest.Server, roomID, memberID string) []model.Envelope {
	t.Helper()
	code, resp := do(t, http.MethodGet, ts.URL+"/api/signal/"+roomID+"/"+memberID, nil, nil)
	if code != http.StatusOK {
		t.Fatalf("poll %s: %d %s", memberID, code, resp.Error)
	}
	var envs []model.Envelope
	if err := json.Unmarshal(resp.Data, &envs); err != nil {
		t.Fatal(err)
	}
	return envs
}

func TestJoinAndMembers(t *testing.T) {
	ts := newTestServer(t)

	guest := join(t, ts, "room", "")
	if !strings.HasPrefix(guest.Member.ID, "guest-") || guest.Member.Role != model.RoleGuest {
		t.Fatalf("unexpected guest: %s", spew.Sdump(guest.Member))
	}

	hdr := http.Header{}
	hdr.Set(identity.HeaderUserID, "alice")
	hdr.Set(identity.HeaderUserName, "Alice")
	code, resp := do(t, http.MethodPost, ts.URL+"/api/room", JoinRequest{RoomID: "room", UserID: "spoofed"}, hdr)
	if code != http.StatusOK {
		t.Fatalf("join: %d %s", code, resp.Error)
	}
	var jr JoinResponse
	_ = json.Unmarshal(resp.Data, &jr)
	if jr.Member.ID != "alice" || jr.Member.Role != model.RoleUser {
		t.Fatalf("header identity ignored: %s", spew.Sdump(jr.Member))
	}

	// rejoining with the persisted guest id keeps the same member
	again := join(t, ts, "room", guest.Member.ID)
	if len(again.Room.Members) != 2 {
		t.Fatalf("members: %s", spew.Sdump(again.Room.Members))
	}

	code, resp = do(t, http.MethodGet, ts.URL+"/api/room/room/members", nil, nil)
	if code != http.StatusOK {
		t.Fatalf("members: %d", code)
	}
	var room model.Room
	_ = json.Unmarshal(resp.Data, &room)
	if room.ID != "room" || len(room.Members) != 2 {
		t.Fatalf("room: %s", spew.Sdump(room))
	}

	code, _ = do(t, http.MethodGet, ts.URL+"/api/room/empty/members", nil, nil)
	if code != http.StatusNotFound {
		t.Fatalf("empty room: %d, want 404", code)
	}
}

func TestSignalAndPoll(t *testing.T) {
	ts := newTestServer(t)
	join(t, ts, "room", "alice")
	join(t, ts, "room", "bob")

	alicePending := poll(t, ts, "room", "alice")
	if len(alicePending) != 1 || alicePending[0].Kind() != model.KindRefetchMembers {
		t.Fatalf("alice pending: %s", spew.Sdump(alicePending))
	}

	offer := model.NewEnvelope("room", "alice", "bob", model.Offer{
		Description: model.SessionDescription{Type: "offer", SDP: "v=0"},
	})
	code, resp := do(t, http.MethodPost, ts.URL+"/api/signal", offer, nil)
	if code != http.StatusAccepted {
		t.Fatalf("signal: %d %s", code, resp.Error)
	}

	got := poll(t, ts, "room", "bob")
	if len(got) != 1 || got[0].ID != offer.ID || got[0].From != "alice" {
		t.Fatalf("bob polled: %s", spew.Sdump(got))
	}
	if again := poll(t, ts, "room", "bob"); len(again) != 0 {
		t.Fatalf("queue not drained: %s", spew.Sdump(again))
	}
}

func TestSignalErrors(t *testing.T) {
	ts := newTestServer(t)
	join(t, ts, "room", "alice")

	offer := model.NewEnvelope("room", "alice", "nobody", model.Offer{})
	if code, _ := do(t, http.MethodPost, ts.URL+"/api/signal", offer, nil); code != http.StatusNotFound {
		t.Fatalf("unknown target: %d, want 404", code)
	}

	bad := map[string]any{"type": "hello", "from": "alice", "room_id": "room"}
	if code, _ := do(t, http.MethodPost, ts.URL+"/api/signal", bad, nil); code != http.StatusBadRequest {
		t.Fatalf("unknown type: %d, want 400", code)
	}

	noTarget := map[string]any{"type": "answer", "from": "alice", "room_id": "room", "payload": map[string]any{}}
	if code, _ := do(t, http.MethodPost, ts.URL+"/api/signal", noTarget, nil); code != http.StatusBadRequest {
		t.Fatalf("missing target: %d, want 400", code)
	}

	// a poller missing from the roster is put back
	if got := poll(t, ts, "room", "nobody"); len(got) != 0 {
		t.Fatalf("nobody polled: %s", spew.Sdump(got))
	}
	code, resp := do(t, http.MethodGet, ts.URL+"/api/room/room/members", nil, nil)
	if code != http.StatusOK || !strings.Contains(string(resp.Data), `"nobody"`) {
		t.Fatalf("members after poll: %d %s", code, resp.Data)
	}
}

func TestLeave(t *testing.T) {
	ts := newTestServer(t)
	join(t, ts, "room", "alice")
	join(t, ts, "room", "bob")
	_ = poll(t, ts, "room", "alice")

	code, _ := do(t, http.MethodPost, ts.URL+"/api/room/room/leave", LeaveRequest{UserID: "bob"}, nil)
	if code != http.StatusOK {
		t.Fatalf("leave: %d", code)
	}
	got := poll(t, ts, "room", "alice")
	if len(got) != 1 || got[0].Kind() != model.KindRefetchMembers {
		t.Fatalf("alice polled: %s", spew.Sdump(got))
	}

	code, _ = do(t, http.MethodPost, ts.URL+"/api/room/room/leave", LeaveRequest{UserID: "bob"}, nil)
	if code != http.StatusNotFound {
		t.Fatalf("second leave: %d, want 404", code)
	}
}

func TestSignalEventsStream(t *testing.T) {
	ts := newTestServer(t)
	join(t, ts, "room", "alice")
	join(t, ts, "room", "bob")

	resp, err := http.Get(ts.URL + "/api/signal/room/bob/events")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}

	lines := make(chan string, 16)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()
	expect := func(prefix string) string {
		t.Helper()
		timeout := time.After(3 * time.Second)
		for {
			select {
			case l, ok := <-lines:
				if !ok {
					t.Fatalf("stream closed waiting for %q", prefix)
				}
				if strings.HasPrefix(l, prefix) {
					return l
				}
			case <-timeout:
				t.Fatalf("timed out waiting for %q", prefix)
			}
		}
	}
	expect(": subscribed")

	offer := model.NewEnvelope("room", "alice", "bob", model.Offer{})
	if code, r := do(t, http.MethodPost, ts.URL+"/api/signal", offer, nil); code != http.StatusAccepted {
		t.Fatalf("signal: %d %s", code, r.Error)
	}

	expect("event: signal")
	data := expect("data: ")
	var ev pubsub.Event
	if err = json.Unmarshal([]byte(strings.TrimPrefix(data, "data: ")), &ev); err != nil {
		t.Fatal(err)
	}
	if ev.To != "bob" || ev.From != "alice" {
		t.Fatalf("event: %s", spew.Sdump(ev))
	}
	// the hint carries no envelope; the queue still holds it
	if got := poll(t, ts, "room", "bob"); len(got) != 1 || got[0].ID != offer.ID {
		t.Fatalf("bob polled: %s", spew.Sdump(got))
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	if code, resp := do(t, http.MethodGet, ts.URL+"/healthz", nil, nil); code != http.StatusOK || resp.Message != "OK" {
		t.Fatalf("healthz: %d %+v", code, resp)
	}
}

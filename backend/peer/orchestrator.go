package peer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/adwski/webrtc-mesh/backend/model"
	"github.com/bep/debounce"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

const (
	defaultDebounce     = 100 * time.Millisecond
	defaultSendTimeout  = 5 * time.Second
	maxOrphanCandidates = 64
	recentEnvelopes     = 256
)

type peerState struct {
	remote      string
	role        Role
	phase       Phase
	conn        Connection
	remoteSet   bool
	pending     []model.Candidate
	renegotiate bool
}

func (st *peerState) transition(to Phase) error {
	if !st.phase.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, st.phase, to)
	}
	st.phase = to
	return nil
}

// outbox collects side effects produced under the lock so they can run
// after it is released.
type outbox struct {
	envs    []model.Envelope
	closers []Connection
}

type (
	Config struct {
		RoomID   string
		LocalID  string
		Factory  Factory
		Signaler Signaler
		// Members is consulted on refetch-members. Nil disables refetch.
		Members MemberSource
		Logger  *zerolog.Logger
		// OnChat is called for every chat message received from a peer.
		OnChat   func(ChatMessage)
		Debounce time.Duration
	}

	// Orchestrator keeps one connection per remote room member. All
	// negotiation steps are serialized; envelopes are sent after the step
	// that produced them finishes.
	Orchestrator struct {
		roomID   string
		localID  string
		factory  Factory
		signaler Signaler
		members  MemberSource
		onChat   func(ChatMessage)
		debounce time.Duration
		logger   zerolog.Logger

		mx         sync.Mutex
		peers      map[string]*peerState
		orphans    map[string][]model.Candidate
		media      map[Slot]Track
		transcript []ChatMessage
		seen       *lru.Cache[string, struct{}]
		debounced  func(f func())
		closed     bool
	}
)

func NewOrchestrator(cfg Config) *Orchestrator {
	// only fails for a non-positive size
	seen, _ := lru.New[string, struct{}](recentEnvelopes)
	o := &Orchestrator{
		roomID:   cfg.RoomID,
		localID:  cfg.LocalID,
		factory:  cfg.Factory,
		signaler: cfg.Signaler,
		members:  cfg.Members,
		onChat:   cfg.OnChat,
		debounce: cfg.Debounce,
		logger: cfg.Logger.With().
			Str("component", "orchestrator").
			Str("roomID", cfg.RoomID).
			Str("localID", cfg.LocalID).
			Logger(),
		peers:   make(map[string]*peerState),
		orphans: make(map[string][]model.Candidate),
		media:   make(map[Slot]Track),
		seen:    seen,
	}
	if o.debounce <= 0 {
		o.debounce = defaultDebounce
	}
	o.debounced = debounce.New(o.debounce)
	return o
}

func (o *Orchestrator) step(ctx context.Context, fn func(ob *outbox) error) error {
	var ob outbox
	o.mx.Lock()
	if o.closed {
		o.mx.Unlock()
		return ErrClosed
	}
	err := fn(&ob)
	o.mx.Unlock()
	o.flush(ctx, &ob)
	return err
}

func (o *Orchestrator) flush(ctx context.Context, ob *outbox) {
	for _, conn := range ob.closers {
		if err := conn.Close(); err != nil {
			o.logger.Debug().Err(err).Msg("connection close failed")
		}
	}
	for _, env := range ob.envs {
		o.send(ctx, env)
	}
}

func (o *Orchestrator) send(ctx context.Context, env model.Envelope) {
	sCtx, cancel := context.WithTimeout(ctx, defaultSendTimeout)
	defer cancel()
	if err := o.signaler.Send(sCtx, env); err != nil {
		o.logger.Warn().Err(err).
			Str("type", string(env.Kind())).
			Str("dst", env.To).
			Msg("signal not delivered")
	}
}

// SetMembers reconciles connections with the room member list: peers that
// are gone are torn down and new peers this side must offer to get an offer.
func (o *Orchestrator) SetMembers(ctx context.Context, ids []string) error {
	return o.step(ctx, func(ob *outbox) error {
		present := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			present[id] = struct{}{}
		}
		for remote := range o.peers {
			if _, ok := present[remote]; !ok {
				o.teardown(remote, ob)
			}
		}
		// candidates of a departed member belong to a dead session
		for remote := range o.orphans {
			if _, ok := present[remote]; !ok {
				delete(o.orphans, remote)
			}
		}
		for _, remote := range sortedKeys(present) {
			if remote == o.localID || o.peers[remote] != nil || !IsInitiator(o.localID, remote) {
				continue
			}
			o.startOffer(ctx, remote, ob)
		}
		return nil
	})
}

// Refresh pulls the member list and applies it.
func (o *Orchestrator) Refresh(ctx context.Context) error {
	if o.members == nil {
		return nil
	}
	room, err := o.members.Members(ctx, o.roomID)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(room.Members))
	for _, m := range room.Members {
		ids = append(ids, m.ID)
	}
	return o.SetMembers(ctx, ids)
}

// HandleEnvelope applies one inbound signal. Envelopes that do not fit the
// current phase of their peer are ignored, as are duplicates.
func (o *Orchestrator) HandleEnvelope(ctx context.Context, env model.Envelope) error {
	if env.From == "" || env.From == o.localID {
		return nil
	}
	if env.RoomID != "" && env.RoomID != o.roomID {
		return nil
	}
	if env.Kind().Directed() && env.To != o.localID {
		return nil
	}

	var refresh bool
	err := o.step(ctx, func(ob *outbox) error {
		if env.ID != "" && o.seen.Contains(env.ID) {
			o.logger.Debug().Str("id", env.ID).Msg("duplicate envelope ignored")
			return nil
		}
		if env.ID != "" {
			o.seen.Add(env.ID, struct{}{})
		}
		switch p := env.Payload.(type) {
		case model.Offer:
			return o.handleOffer(ctx, env.From, p.Description, ob)
		case model.Answer:
			return o.handleAnswer(ctx, env.From, p.Description, ob)
		case model.ICECandidate:
			o.handleCandidate(env.From, p.Candidate)
		case model.Renegotiate:
			o.handleRenegotiate(ctx, env.From, ob)
		case model.Disconnect:
			o.teardown(env.From, ob)
		case model.RefetchMembers:
			refresh = true
		}
		return nil
	})
	if err != nil || !refresh {
		return err
	}
	return o.Refresh(ctx)
}

func (o *Orchestrator) newPeer(remote string, role Role) (*peerState, error) {
	st := &peerState{remote: remote, role: role, phase: PhaseIdle}
	conn, err := o.factory.New(remote, role, Callbacks{
		OnCandidate: func(c model.Candidate) { o.sendCandidate(remote, c) },
		OnChat:      func(b []byte) { o.receiveChat(remote, b) },
		OnClosed:    func() { go o.dropPeer(remote, st) },
	})
	if err != nil {
		return nil, err
	}
	st.conn = conn
	o.peers[remote] = st
	return st, nil
}

func (o *Orchestrator) startOffer(ctx context.Context, remote string, ob *outbox) {
	st, err := o.newPeer(remote, RoleInitiator)
	if err != nil {
		o.logger.Error().Err(err).Str("remote", remote).Msg("failed to create connection")
		return
	}
	if err = o.offer(ctx, st, ob, true); err != nil {
		o.logger.Error().Err(err).Str("remote", remote).Msg("failed to offer")
		o.teardown(remote, ob)
	}
}

func (o *Orchestrator) offer(ctx context.Context, st *peerState, ob *outbox, fresh bool) error {
	if !st.phase.CanTransition(PhaseOfferSent) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, st.phase, PhaseOfferSent)
	}
	if fresh {
		if err := st.conn.DeclareMedia(); err != nil {
			return err
		}
		o.attachTracks(st, false)
		if err := st.conn.OpenChat(); err != nil {
			return err
		}
	}
	desc, err := st.conn.CreateOffer(ctx)
	if err != nil {
		return err
	}
	_ = st.transition(PhaseOfferSent)
	st.renegotiate = false
	ob.envs = append(ob.envs, model.NewEnvelope(o.roomID, o.localID, st.remote, model.Offer{Description: desc}))
	o.logger.Debug().Str("remote", st.remote).Bool("fresh", fresh).Msg("offer sent")
	return nil
}

func (o *Orchestrator) handleOffer(ctx context.Context, remote string, desc model.SessionDescription, ob *outbox) error {
	st := o.peers[remote]
	switch {
	case st == nil && IsInitiator(o.localID, remote):
		o.logger.Debug().Str("remote", remote).Msg("offer from the responder side ignored")
		return nil
	case st == nil:
		var err error
		if st, err = o.newPeer(remote, RoleResponder); err != nil {
			return err
		}
	case st.role != RoleResponder || !st.phase.CanTransition(PhaseOfferReceived):
		o.logger.Debug().Str("remote", remote).Str("phase", string(st.phase)).Msg("offer ignored")
		return nil
	}
	_ = st.transition(PhaseOfferReceived)

	if err := o.answer(ctx, st, desc, ob); err != nil {
		o.teardown(remote, ob)
		return err
	}
	return nil
}

func (o *Orchestrator) answer(ctx context.Context, st *peerState, desc model.SessionDescription, ob *outbox) error {
	if err := o.applyRemote(ctx, st, desc); err != nil {
		return err
	}
	o.attachTracks(st, false)
	answer, err := st.conn.CreateAnswer(ctx)
	if err != nil {
		return err
	}
	if err = st.transition(PhaseAnswerSent); err != nil {
		return err
	}
	ob.envs = append(ob.envs, model.NewEnvelope(o.roomID, o.localID, st.remote, model.Answer{Description: answer}))
	if err = st.transition(PhaseStable); err != nil {
		return err
	}
	o.logger.Debug().Str("remote", st.remote).Msg("answer sent")
	if st.renegotiate {
		o.renegotiatePeer(ctx, st, ob)
	}
	return nil
}

func (o *Orchestrator) handleAnswer(ctx context.Context, remote string, desc model.SessionDescription, ob *outbox) error {
	st := o.peers[remote]
	if st == nil || st.role != RoleInitiator || st.phase != PhaseOfferSent {
		o.logger.Debug().Str("remote", remote).Msg("answer ignored")
		return nil
	}
	if err := o.applyRemote(ctx, st, desc); err != nil {
		o.teardown(remote, ob)
		return err
	}
	_ = st.transition(PhaseStable)
	o.logger.Debug().Str("remote", remote).Msg("connection stable")
	if st.renegotiate {
		o.renegotiatePeer(ctx, st, ob)
	}
	return nil
}

// applyRemote sets the remote description and then flushes every candidate
// that arrived before it, in arrival order.
func (o *Orchestrator) applyRemote(ctx context.Context, st *peerState, desc model.SessionDescription) error {
	if err := st.conn.SetRemoteDescription(ctx, desc); err != nil {
		return err
	}
	st.remoteSet = true
	buffered := append(o.orphans[st.remote], st.pending...)
	delete(o.orphans, st.remote)
	st.pending = nil
	for _, c := range buffered {
		if err := st.conn.AddCandidate(c); err != nil {
			o.logger.Warn().Err(err).Str("remote", st.remote).Msg("buffered candidate rejected")
		}
	}
	return nil
}

func (o *Orchestrator) handleCandidate(remote string, c model.Candidate) {
	st := o.peers[remote]
	if st == nil {
		// the offer this candidate belongs to may still be in flight
		buf := o.orphans[remote]
		if len(buf) >= maxOrphanCandidates {
			buf = buf[1:]
		}
		o.orphans[remote] = append(buf, c)
		return
	}
	if !st.remoteSet {
		st.pending = append(st.pending, c)
		return
	}
	if err := st.conn.AddCandidate(c); err != nil {
		o.logger.Warn().Err(err).Str("remote", remote).Msg("candidate rejected")
	}
}

func (o *Orchestrator) handleRenegotiate(ctx context.Context, remote string, ob *outbox) {
	st := o.peers[remote]
	if st == nil || st.role != RoleInitiator {
		o.logger.Debug().Str("remote", remote).Msg("renegotiation request ignored")
		return
	}
	st.renegotiate = true
	if st.phase == PhaseStable {
		o.renegotiatePeer(ctx, st, ob)
	}
}

// renegotiatePeer applies the current local media to a stable peer. The
// initiator re-offers; the responder asks the initiator to.
func (o *Orchestrator) renegotiatePeer(ctx context.Context, st *peerState, ob *outbox) {
	o.attachTracks(st, true)
	if st.role == RoleResponder {
		st.renegotiate = false
		ob.envs = append(ob.envs, model.NewEnvelope(o.roomID, o.localID, st.remote, model.Renegotiate{}))
		return
	}
	if err := o.offer(ctx, st, ob, false); err != nil {
		o.logger.Error().Err(err).Str("remote", st.remote).Msg("renegotiation failed")
		o.teardown(st.remote, ob)
	}
}

// attachTracks pushes local tracks to the connection. With all set, slots
// without a track are cleared as well.
func (o *Orchestrator) attachTracks(st *peerState, all bool) {
	for _, slot := range slots {
		t, ok := o.media[slot]
		if !ok && !all {
			continue
		}
		if err := st.conn.SetTrack(slot, t); err != nil {
			o.logger.Warn().Err(err).
				Str("remote", st.remote).
				Str("slot", string(slot)).
				Msg("failed to set track")
		}
	}
}

func (o *Orchestrator) teardown(remote string, ob *outbox) {
	delete(o.orphans, remote)
	st, ok := o.peers[remote]
	if !ok {
		return
	}
	delete(o.peers, remote)
	st.phase = PhaseIdle
	st.pending = nil
	ob.closers = append(ob.closers, st.conn)
	o.logger.Info().Str("remote", remote).Msg("peer removed")
}

func (o *Orchestrator) dropPeer(remote string, st *peerState) {
	var ob outbox
	o.mx.Lock()
	if o.peers[remote] == st {
		o.teardown(remote, &ob)
	}
	o.mx.Unlock()
	o.flush(context.Background(), &ob)
}

func (o *Orchestrator) sendCandidate(remote string, c model.Candidate) {
	o.mx.Lock()
	closed := o.closed
	o.mx.Unlock()
	if closed {
		return
	}
	o.send(context.Background(), model.NewEnvelope(o.roomID, o.localID, remote, model.ICECandidate{Candidate: c}))
}

// SetLocalMedia replaces the local track of slot (nil removes it) and
// schedules a coalesced renegotiation of every peer.
func (o *Orchestrator) SetLocalMedia(slot Slot, t Track) error {
	return o.step(context.Background(), func(*outbox) error {
		if t == nil {
			delete(o.media, slot)
		} else {
			o.media[slot] = t
		}
		for _, st := range o.peers {
			st.renegotiate = true
		}
		o.debounced(func() { o.tick(context.Background()) })
		return nil
	})
}

// AcquireMedia gets a track from src and applies it. Failure leaves every
// connection untouched.
func (o *Orchestrator) AcquireMedia(ctx context.Context, src MediaSource, slot Slot) error {
	t, err := src.Acquire(ctx, slot)
	if err != nil {
		return errors.Join(ErrMediaUnavailable, err)
	}
	return o.SetLocalMedia(slot, t)
}

// tick renegotiates stable peers with a pending flag. The rest keep the flag
// and are handled when they become stable.
func (o *Orchestrator) tick(ctx context.Context) {
	_ = o.step(ctx, func(ob *outbox) error {
		for _, remote := range sortedKeys(o.peers) {
			st := o.peers[remote]
			if st != nil && st.renegotiate && st.phase == PhaseStable {
				o.renegotiatePeer(ctx, st, ob)
			}
		}
		return nil
	})
}

// SendChat records text in the local transcript and sends it to every peer
// with an open chat channel.
func (o *Orchestrator) SendChat(text string) (ChatMessage, error) {
	msg := newChatMessage(o.localID, text)

	o.mx.Lock()
	if o.closed {
		o.mx.Unlock()
		return msg, ErrClosed
	}
	o.transcript = append(o.transcript, msg)
	o.seen.Add(msg.ID, struct{}{})
	var conns []Connection
	for _, remote := range sortedKeys(o.peers) {
		if c := o.peers[remote].conn; c.ChatOpen() {
			conns = append(conns, c)
		}
	}
	o.mx.Unlock()

	b, err := encodeChat(msg)
	if err != nil {
		return msg, err
	}
	for _, c := range conns {
		if err = c.SendChat(b); err != nil {
			o.logger.Warn().Err(err).Msg("chat not delivered")
		}
	}
	return msg, nil
}

func (o *Orchestrator) receiveChat(remote string, b []byte) {
	msg, err := decodeChat(b)
	if err != nil {
		o.logger.Warn().Err(err).Str("remote", remote).Msg("bad chat frame")
		return
	}
	msg.From = remote

	o.mx.Lock()
	if o.closed || o.seen.Contains(msg.ID) {
		o.mx.Unlock()
		return
	}
	o.seen.Add(msg.ID, struct{}{})
	o.transcript = append(o.transcript, msg)
	onChat := o.onChat
	o.mx.Unlock()

	if onChat != nil {
		onChat(msg)
	}
}

func (o *Orchestrator) Transcript() []ChatMessage {
	o.mx.Lock()
	defer o.mx.Unlock()
	out := make([]ChatMessage, len(o.transcript))
	copy(out, o.transcript)
	return out
}

func (o *Orchestrator) Phase(remote string) (Phase, bool) {
	o.mx.Lock()
	defer o.mx.Unlock()
	st, ok := o.peers[remote]
	if !ok {
		return "", false
	}
	return st.phase, true
}

func (o *Orchestrator) Role(remote string) (Role, bool) {
	o.mx.Lock()
	defer o.mx.Unlock()
	st, ok := o.peers[remote]
	if !ok {
		return "", false
	}
	return st.role, true
}

func (o *Orchestrator) Peers() []string {
	o.mx.Lock()
	defer o.mx.Unlock()
	return sortedKeys(o.peers)
}

// Close tears down every connection. The orchestrator is unusable after.
func (o *Orchestrator) Close() {
	var ob outbox
	o.mx.Lock()
	if o.closed {
		o.mx.Unlock()
		return
	}
	o.closed = true
	for remote := range o.peers {
		o.teardown(remote, &ob)
	}
	o.orphans = make(map[string][]model.Candidate)
	o.mx.Unlock()
	o.flush(context.Background(), &ob)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package peer

import (
	"context"
	"errors"
	"sync"

	"github.com/adwski/webrtc-mesh/backend/model"
	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/transport/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

var (
	ErrUnsupportedTrack = errors.New("track is not a pion local track")
	ErrBadDescription   = errors.New("unsupported session description type")
)

type PionConfig struct {
	Logger     *zerolog.Logger
	ICEServers []string
	// Loopback allows loopback candidates, for peers on one host.
	Loopback bool
	// Net replaces the host network, e.g. with a virtual one.
	Net transport.Net
}

// PionFactory creates connections backed by pion/webrtc.
type PionFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
	logger zerolog.Logger
}

func NewPionFactory(cfg PionConfig) (*PionFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}
	f := &PionFactory{
		logger: cfg.Logger.With().Str("component", "pion").Logger(),
	}
	se := webrtc.SettingEngine{LoggerFactory: pionLoggers{logger: f.logger}}
	se.SetIncludeLoopbackCandidate(cfg.Loopback)
	if cfg.Net != nil {
		se.SetNet(cfg.Net)
	}
	f.api = webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)
	if len(cfg.ICEServers) > 0 {
		f.config.ICEServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	return f, nil
}

func (f *PionFactory) New(remoteID string, role Role, cb Callbacks) (Connection, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, err
	}
	c := &pionConn{
		pc:      pc,
		senders: make(map[Slot]*webrtc.RTPSender),
		cb:      cb,
		logger:  f.logger.With().Str("remote", remoteID).Str("role", string(role)).Logger(),
	}

	pc.OnICECandidate(func(ic *webrtc.ICECandidate) {
		if ic == nil || cb.OnCandidate == nil {
			return
		}
		init := ic.ToJSON()
		cb.OnCandidate(model.Candidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.logger.Debug().Str("state", state.String()).Msg("connection state changed")
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			if cb.OnClosed != nil {
				cb.OnClosed()
			}
		}
	})
	if role == RoleResponder {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if dc.Label() == chatLabel {
				c.wireChat(dc)
			}
		})
	}
	return c, nil
}

type pionConn struct {
	pc      *webrtc.PeerConnection
	cb      Callbacks
	logger  zerolog.Logger
	mx      sync.Mutex
	senders map[Slot]*webrtc.RTPSender
	chat    *webrtc.DataChannel
}

// declared is the transceiver layout of every offer: one m-line per slot,
// so a responder always finds a negotiated line for each of its tracks.
var declared = []struct {
	slot Slot
	kind webrtc.RTPCodecType
}{
	{SlotAudio, webrtc.RTPCodecTypeAudio},
	{SlotVideo, webrtc.RTPCodecTypeVideo},
	{SlotScreen, webrtc.RTPCodecTypeVideo},
}

func (c *pionConn) DeclareMedia() error {
	for _, d := range declared {
		tr, err := c.pc.AddTransceiverFromKind(d.kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
		})
		if err != nil {
			return err
		}
		c.mx.Lock()
		c.senders[d.slot] = tr.Sender()
		c.mx.Unlock()
	}
	return nil
}

// SetTrack binds a slot to a sender once and swaps tracks on it afterwards.
// Senders are never removed: a removed sender's m-line could not be reused
// by the answering side. Removing a track leaves a silent one in its place.
func (c *pionConn) SetTrack(slot Slot, t Track) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	sender := c.senders[slot]

	if t == nil {
		if sender == nil {
			return nil
		}
		silent, err := silentTrack(slot)
		if err != nil {
			return err
		}
		return sender.ReplaceTrack(silent)
	}

	track, ok := t.(webrtc.TrackLocal)
	if !ok {
		return ErrUnsupportedTrack
	}
	if sender != nil {
		return sender.ReplaceTrack(track)
	}
	// answering side: claims a free m-line of the same kind from the offer
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return err
	}
	c.senders[slot] = sender
	return nil
}

// silentTrack is never written to. A negotiated sender without any track
// fails to start.
func silentTrack(slot Slot) (webrtc.TrackLocal, error) {
	codec := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}
	if slot == SlotAudio {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}
	}
	return webrtc.NewTrackLocalStaticSample(codec, "silent-"+uuid.NewString(), "webrtc-mesh")
}

func (c *pionConn) OpenChat() error {
	ordered := true
	dc, err := c.pc.CreateDataChannel(chatLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return err
	}
	c.wireChat(dc)
	return nil
}

func (c *pionConn) wireChat(dc *webrtc.DataChannel) {
	c.mx.Lock()
	c.chat = dc
	c.mx.Unlock()

	dc.OnOpen(func() {
		c.logger.Debug().Msg("chat channel open")
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if c.cb.OnChat != nil {
			c.cb.OnChat(msg.Data)
		}
	})
}

func (c *pionConn) CreateOffer(_ context.Context) (model.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return model.SessionDescription{}, err
	}
	if err = c.pc.SetLocalDescription(offer); err != nil {
		return model.SessionDescription{}, err
	}
	return model.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (c *pionConn) CreateAnswer(_ context.Context) (model.SessionDescription, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return model.SessionDescription{}, err
	}
	if err = c.pc.SetLocalDescription(answer); err != nil {
		return model.SessionDescription{}, err
	}
	return model.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (c *pionConn) SetRemoteDescription(_ context.Context, desc model.SessionDescription) error {
	typ := webrtc.NewSDPType(desc.Type)
	if typ == webrtc.SDPTypeUnknown {
		return ErrBadDescription
	}
	return c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: desc.SDP})
}

func (c *pionConn) AddCandidate(cand model.Candidate) error {
	return c.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        cand.Candidate,
		SDPMid:           cand.SDPMid,
		SDPMLineIndex:    cand.SDPMLineIndex,
		UsernameFragment: cand.UsernameFragment,
	})
}

func (c *pionConn) ChatOpen() bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.chat != nil && c.chat.ReadyState() == webrtc.DataChannelStateOpen
}

func (c *pionConn) SendChat(b []byte) error {
	c.mx.Lock()
	dc := c.chat
	c.mx.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrChatNotOpen
	}
	return dc.Send(b)
}

func (c *pionConn) Close() error {
	return c.pc.Close()
}

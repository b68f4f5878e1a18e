package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/adwski/webrtc-mesh/backend/identity"
	"github.com/adwski/webrtc-mesh/backend/model"
	"github.com/adwski/webrtc-mesh/backend/registry"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	sessionCloseTimeout = 2 * time.Second
	signalTimeout       = 5 * time.Second

	upgradeBufferSize = 4096
	maxMessageSize    = 64 * 1024
	handshakeTimeout  = 3 * time.Second
	writeWait         = 5 * time.Second
	closeWait         = 2 * time.Second

	// a peer that misses pongWait-pingPeriod after a ping is gone
	pingPeriod = 5 * time.Second
	pongWait   = 7 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	SignalingService interface {
		CreateSignalingSession(ctx context.Context, roomID string, member model.Member, h registry.Handle) error
		DeleteSignalingSession(ctx context.Context, roomID, memberID string, h registry.Handle) error
		HandleEnvelope(ctx context.Context, env model.Envelope) error
		KeepAlive(ctx context.Context, roomID, memberID string)
	}

	Config struct {
		Logger           *zerolog.Logger
		SignalingService SignalingService
		// Identity resolves authenticated callers. Defaults to identity headers.
		Identity   identity.Resolver
		ListenAddr string
	}

	Server struct {
		svc      SignalingService
		identity identity.Resolver
		upgrader *websocket.Upgrader
		*http.Server

		logger zerolog.Logger
	}

	// session is one live channel of a room member.
	session struct {
		svc    SignalingService
		conn   *websocket.Conn
		roomID string
		member model.Member
		wire   model.Wire
		handle registry.Handle
		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:   cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:      cfg.SignalingService,
		identity: cfg.Identity,
		upgrader: &websocket.Upgrader{
			HandshakeTimeout: handshakeTimeout,
			ReadBufferSize:   upgradeBufferSize,
			WriteBufferSize:  upgradeBufferSize,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
	}
	if srv.identity == nil {
		srv.identity = identity.HeaderResolver{}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /signal/room/{roomID}/user/{userID}", srv.signal)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

// member builds the channel owner from the path, letting an authenticated
// identity fill in name and role. A mismatching identity is refused.
func (srv *Server) member(r *http.Request) (model.Member, int) {
	userID := r.PathValue("userID")
	ident, err := srv.identity.Resolve(r)
	switch {
	case err != nil:
		return model.Member{}, http.StatusUnauthorized
	case ident != nil && ident.ID != userID:
		return model.Member{}, http.StatusForbidden
	case ident != nil:
		return ident.Member(), 0
	}
	return identity.Guest(userID, r.URL.Query().Get("name")).Member(), 0
}

func (srv *Server) signal(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomID")
	if roomID == "" || r.PathValue("userID") == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	member, code := srv.member(r)
	if code != 0 {
		w.WriteHeader(code)
		return
	}

	conn, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	s := &session{
		svc:    srv.svc,
		conn:   conn,
		roomID: roomID,
		member: member,
		wire:   model.NewWire(),
		logger: srv.logger.With().
			Str("roomID", roomID).
			Str("userID", member.ID).
			Logger(),
	}
	s.handle = registry.NewWireHandle(s.wire)

	// outlives the upgrade request
	ctx, cancel := context.WithCancel(context.Background())
	if err = srv.svc.CreateSignalingSession(ctx, roomID, member, s.handle); err != nil {
		s.logger.Error().Err(err).Msg("failed to create signaling session")
		cancel()
		s.closeConn()
		return
	}
	s.logger.Debug().Msg("signaling session created")

	go s.serve(ctx, cancel)
}

// serve pumps both directions until either side stops, then unregisters.
func (s *session) serve(ctx context.Context, cancel context.CancelFunc) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		s.readLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		s.writeLoop(ctx)
	}()
	wg.Wait()

	close(s.wire.Done)
	s.closeConn()

	dCtx, dCancel := context.WithTimeout(context.Background(), sessionCloseTimeout)
	defer dCancel()
	if err := s.svc.DeleteSignalingSession(dCtx, s.roomID, s.member.ID, s.handle); err != nil {
		s.logger.Error().Err(err).Msg("failed to delete signaling session")
		return
	}
	s.logger.Debug().Msg("signaling session ended")
}

func (s *session) inbound(ctx context.Context, env model.Envelope) {
	// the channel owner wins over whatever the client claims
	env.From = s.member.ID
	env.RoomID = s.roomID
	hCtx, hCancel := context.WithTimeout(ctx, signalTimeout)
	defer hCancel()
	if err := s.svc.HandleEnvelope(hCtx, env); err != nil {
		s.logger.Warn().Err(err).Str("type", string(env.Kind())).Msg("signal rejected")
	}
}

func (s *session) readLoop(ctx context.Context) {
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetPongHandler(func(string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.svc.KeepAlive(ctx, s.roomID, s.member.ID)
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		s.logger.Error().Err(err).Msg("failed to set read deadline")
		return
	}
	// unblocks ReadMessage once the writer gives up
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for ctx.Err() == nil {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Msg("peer closed channel")
			} else {
				s.logger.Warn().Err(err).Msg("channel read failed")
			}
			return
		}
		var env model.Envelope
		if err = json.Unmarshal(msg, &env); err != nil {
			s.logger.Warn().Err(err).Msg("malformed envelope")
			continue
		}
		s.inbound(ctx, env)
		if env.Kind() == model.KindDisconnect {
			return
		}
	}
}

func (s *session) writeLoop(ctx context.Context) {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		var (
			typ int
			b   []byte
		)
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			typ = websocket.PingMessage
		case env := <-s.wire.TX:
			var err error
			if b, err = json.Marshal(env); err != nil {
				s.logger.Error().Err(err).Str("type", string(env.Kind())).Msg("failed to encode envelope")
				continue
			}
			typ = websocket.TextMessage
		}
		if err := s.write(typ, b, writeWait); err != nil {
			s.logger.Warn().Err(err).Msg("channel write failed")
			return
		}
	}
}

func (s *session) write(typ int, b []byte, wait time.Duration) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(wait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(typ, b)
}

func (s *session) closeConn() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := s.write(websocket.CloseMessage, msg, closeWait); err != nil {
		s.logger.Debug().Err(err).Msg("failed to send close message")
	}
	if err := s.conn.Close(); err != nil {
		s.logger.Debug().Err(err).Msg("failed to close connection")
	}
}

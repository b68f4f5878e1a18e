package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/adwski/webrtc-mesh/backend/model"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	wsWriteWait      = 10 * time.Second
	wsReadWait       = 30 * time.Second
	wsMaxMessageSize = 64 * 1024
	wsOutboundBuffer = 32
)

var ErrTransportClosed = errors.New("signaling transport closed")

type (
	// Handler receives inbound envelopes in arrival order.
	Handler func(ctx context.Context, env model.Envelope)

	// Transport is a signaling path between a peer and the server.
	Transport interface {
		Send(ctx context.Context, env model.Envelope) error
		Run(ctx context.Context, h Handler) error
		Close() error
	}

	WSConfig struct {
		Logger *zerolog.Logger
		Dialer *websocket.Dialer
		// URL is the websocket server root, e.g. ws://localhost:8888.
		URL         string
		RoomID      string
		UserID      string
		DisplayName string
	}

	// WS is the persistent channel transport.
	WS struct {
		conn   *websocket.Conn
		roomID string
		userID string
		out    chan model.Envelope
		done   chan struct{}
		once   sync.Once
		logger zerolog.Logger
	}
)

func DialWS(ctx context.Context, cfg WSConfig) (*WS, error) {
	u := strings.TrimRight(cfg.URL, "/") +
		"/signal/room/" + url.PathEscape(cfg.RoomID) +
		"/user/" + url.PathEscape(cfg.UserID)
	if cfg.DisplayName != "" {
		u += "?name=" + url.QueryEscape(cfg.DisplayName)
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, errors.Join(ErrTransportClosed, err)
	}

	ws := &WS{
		conn:   conn,
		roomID: cfg.RoomID,
		userID: cfg.UserID,
		out:    make(chan model.Envelope, wsOutboundBuffer),
		done:   make(chan struct{}),
		logger: cfg.Logger.With().Str("component", "ws-transport").Logger(),
	}
	conn.SetReadLimit(wsMaxMessageSize)
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(wsWriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	go ws.writePump()
	return ws, nil
}

func (ws *WS) Send(ctx context.Context, env model.Envelope) error {
	select {
	case <-ws.done:
		return ErrTransportClosed
	default:
	}
	select {
	case ws.out <- env:
		return nil
	case <-ws.done:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run reads envelopes until the channel closes. It returns nil after Close.
func (ws *WS) Run(ctx context.Context, h Handler) error {
	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()

	if err := ws.conn.SetReadDeadline(time.Now().Add(wsReadWait)); err != nil {
		return errors.Join(ErrTransportClosed, err)
	}
	for {
		_, b, err := ws.conn.ReadMessage()
		if err != nil {
			select {
			case <-ws.done:
				return nil
			default:
			}
			_ = ws.Close()
			return errors.Join(ErrTransportClosed, err)
		}
		var env model.Envelope
		if err = json.Unmarshal(b, &env); err != nil {
			ws.logger.Warn().Err(err).Msg("bad envelope from server")
			continue
		}
		h(ctx, env)
	}
}

// Close announces the departure and shuts the channel down.
func (ws *WS) Close() error {
	ws.once.Do(func() { close(ws.done) })
	return nil
}

func (ws *WS) writePump() {
	defer func() {
		_ = ws.conn.Close()
	}()
	for {
		select {
		case env := <-ws.out:
			_ = ws.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.conn.WriteJSON(env); err != nil {
				ws.logger.Error().Err(err).Msg("failed to write envelope")
				_ = ws.Close()
				return
			}
		case <-ws.done:
			_ = ws.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			bye := model.NewEnvelope(ws.roomID, ws.userID, "", model.Disconnect{})
			if err := ws.conn.WriteJSON(bye); err != nil {
				ws.logger.Debug().Err(err).Msg("failed to send disconnect")
			}
			_ = ws.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/adwski/webrtc-mesh/backend/identity"
	"github.com/adwski/webrtc-mesh/backend/model"
	"github.com/adwski/webrtc-mesh/backend/pubsub"
	"github.com/adwski/webrtc-mesh/backend/service"
	"github.com/adwski/webrtc-mesh/backend/storage"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second
	defaultMaxBodySize      = 64 * 1024
	defaultEventsKeepAlive  = 15 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	RoomService interface {
		Join(ctx context.Context, roomID string, ident identity.Identity) (*model.Room, error)
		Leave(ctx context.Context, roomID, memberID string) error
		Members(ctx context.Context, roomID string) (*model.Room, error)
		HandleEnvelope(ctx context.Context, env model.Envelope) error
		Poll(ctx context.Context, roomID, memberID string) ([]model.Envelope, error)
	}

	Subscriber interface {
		Subscribe(topic string) (<-chan pubsub.Event, func())
	}

	JoinRequest struct {
		RoomID      string `json:"room_id"`
		UserID      string `json:"user_id"`
		DisplayName string `json:"display_name"`
	}

	LeaveRequest struct {
		UserID string `json:"user_id"`
	}

	JoinResponse struct {
		Member model.Member `json:"member"`
		Room   *model.Room  `json:"room"`
	}

	GenericResponse struct {
		Message string      `json:"message,omitempty"`
		Error   string      `json:"error,omitempty"`
		Data    interface{} `json:"data,omitempty"`
	}

	Server struct {
		logger   zerolog.Logger
		svc      RoomService
		events   Subscriber
		identity identity.Resolver
		*http.Server
	}

	Config struct {
		Logger      *zerolog.Logger
		RoomService RoomService
		Events      Subscriber
		Identity    identity.Resolver
		ListenAddr  string
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:   cfg.Logger.With().Str("component", "api-server").Logger(),
		svc:      cfg.RoomService,
		events:   cfg.Events,
		identity: cfg.Identity,
	}
	if srv.identity == nil {
		srv.identity = identity.HeaderResolver{}
	}

	r := http.NewServeMux()
	r.HandleFunc("POST /api/room", srv.joinRoom)
	r.HandleFunc("POST /api/room/{roomID}/leave", srv.leaveRoom)
	r.HandleFunc("GET /api/room/{roomID}/members", srv.members)
	r.HandleFunc("POST /api/signal", srv.sendSignal)
	r.HandleFunc("GET /api/signal/{roomID}/{memberID}", srv.pollSignals)
	r.HandleFunc("GET /api/signal/{roomID}/{memberID}/events", srv.signalEvents)
	r.HandleFunc("GET /healthz", healthz)
	r.HandleFunc("OPTIONS /", corsHandler)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: allowOrigin(r),
	}
	return srv
}

func allowOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func corsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, X-User-ID, X-User-Name")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.Header().Set("Access-Control-Allow-Credentials", "true")
	w.WriteHeader(http.StatusNoContent)
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, &GenericResponse{Message: "OK"})
}

func (srv *Server) joinRoom(w http.ResponseWriter, r *http.Request) {
	var joinReq JoinRequest
	if err := readJSON(r, &joinReq); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	srv.logger.Trace().Any("request", joinReq).Msg("got join request")

	ident, err := srv.resolve(r, joinReq.UserID, joinReq.DisplayName)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	room, err := srv.svc.Join(r.Context(), joinReq.RoomID, ident)
	if err != nil {
		srv.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &GenericResponse{
		Message: "OK",
		Data:    JoinResponse{Member: ident.Member(), Room: room},
	})
}

func (srv *Server) leaveRoom(w http.ResponseWriter, r *http.Request) {
	var leaveReq LeaveRequest
	if err := readJSON(r, &leaveReq); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ident, err := srv.resolve(r, leaveReq.UserID, "")
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	if err = srv.svc.Leave(r.Context(), r.PathValue("roomID"), ident.ID); err != nil {
		srv.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &GenericResponse{Message: "OK"})
}

func (srv *Server) members(w http.ResponseWriter, r *http.Request) {
	room, err := srv.svc.Members(r.Context(), r.PathValue("roomID"))
	if err != nil {
		srv.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &GenericResponse{Data: room})
}

func (srv *Server) sendSignal(w http.ResponseWriter, r *http.Request) {
	var env model.Envelope
	if err := readJSON(r, &env); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ident, err := srv.identity.Resolve(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	if ident != nil {
		env.From = ident.ID
	}
	if env.SentAt.IsZero() {
		env.SentAt = time.Now().UTC()
	}
	srv.logger.Trace().
		Str("type", string(env.Kind())).
		Str("roomID", env.RoomID).
		Str("src", env.From).
		Str("dst", env.To).
		Msg("got signal")

	if err = srv.svc.HandleEnvelope(r.Context(), env); err != nil {
		srv.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, &GenericResponse{Message: "OK"})
}

func (srv *Server) pollSignals(w http.ResponseWriter, r *http.Request) {
	envs, err := srv.svc.Poll(r.Context(), r.PathValue("roomID"), r.PathValue("memberID"))
	if err != nil {
		srv.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &GenericResponse{Data: envs})
}

// signalEvents streams wake-up hints as server-sent events. Clients drain
// the queue on every event.
func (srv *Server) signalEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok || srv.events == nil {
		w.WriteHeader(http.StatusNotImplemented)
		return
	}
	roomID, memberID := r.PathValue("roomID"), r.PathValue("memberID")

	events, cancel := srv.events.Subscribe(pubsub.Topic(roomID, memberID))
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	// tell the client it is subscribed so it can do its first drain
	_, _ = fmt.Fprint(w, ": subscribed\n\n")
	flusher.Flush()

	keepAlive := time.NewTicker(defaultEventsKeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			b, err := json.Marshal(ev)
			if err != nil {
				srv.logger.Error().Err(err).Msg("failed to marshal event")
				continue
			}
			if _, err = fmt.Fprintf(w, "event: signal\ndata: %s\n\n", b); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// resolve prefers the authenticated identity and falls back to a guest.
func (srv *Server) resolve(r *http.Request, guestID, displayName string) (identity.Identity, error) {
	ident, err := srv.identity.Resolve(r)
	if err != nil {
		return identity.Identity{}, err
	}
	if ident != nil {
		return *ident, nil
	}
	return identity.Guest(guestID, displayName), nil
}

func (srv *Server) writeServiceError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrMemberNotFound), errors.Is(err, storage.ErrRoomNotFound):
		code = http.StatusNotFound
	case errors.Is(err, model.ErrMissingSender),
		errors.Is(err, model.ErrMissingRoom),
		errors.Is(err, model.ErrMissingTarget),
		errors.Is(err, model.ErrPayloadMissing),
		errors.Is(err, service.ErrNoIdentity):
		code = http.StatusBadRequest
	}
	if code == http.StatusInternalServerError {
		srv.logger.Error().Err(err).Msg("request failed")
	}
	writeError(w, code, err)
}

func readJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, defaultMaxBodySize))
	defer func() {
		_ = r.Body.Close()
	}()
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, &GenericResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, resp *GenericResponse) {
	b, err := json.Marshal(resp)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeBytes(w, code, b)
}

func writeBytes(w http.ResponseWriter, code int, b []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	_, _ = w.Write(b)
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
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

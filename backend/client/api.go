// Package client talks to the signaling server from the peer side: the REST
// room API, the websocket channel and the poll/notify fallback.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/adwski/webrtc-mesh/backend/identity"
	"github.com/adwski/webrtc-mesh/backend/model"
)

const defaultRequestTimeout = 10 * time.Second

var (
	ErrRequest  = errors.New("api request failed")
	ErrNotFound = errors.New("room or member not found")
)

type (
	APIConfig struct {
		// BaseURL is the api server root, e.g. http://localhost:8080.
		BaseURL    string
		HTTPClient *http.Client
		// UserID and UserName are sent as identity headers when set.
		UserID   string
		UserName string
	}

	API struct {
		base     string
		http     *http.Client
		userID   string
		userName string
	}

	JoinResult struct {
		Member model.Member `json:"member"`
		Room   *model.Room  `json:"room"`
	}

	response struct {
		Message string          `json:"message"`
		Error   string          `json:"error"`
		Data    json.RawMessage `json:"data"`
	}
)

func NewAPI(cfg APIConfig) *API {
	api := &API{
		base:     strings.TrimRight(cfg.BaseURL, "/"),
		http:     cfg.HTTPClient,
		userID:   cfg.UserID,
		userName: cfg.UserName,
	}
	if api.http == nil {
		api.http = &http.Client{Timeout: defaultRequestTimeout}
	}
	return api
}

// Join enters the room. guestID is reused when the server does not know the
// caller, so a persisted id survives reconnects.
func (a *API) Join(ctx context.Context, roomID, guestID, displayName string) (*JoinResult, error) {
	var res JoinResult
	err := a.do(ctx, http.MethodPost, "/api/room", map[string]string{
		"room_id":      roomID,
		"user_id":      guestID,
		"display_name": displayName,
	}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (a *API) Leave(ctx context.Context, roomID, memberID string) error {
	return a.do(ctx, http.MethodPost, "/api/room/"+url.PathEscape(roomID)+"/leave",
		map[string]string{"user_id": memberID}, nil)
}

func (a *API) Members(ctx context.Context, roomID string) (*model.Room, error) {
	var room model.Room
	if err := a.do(ctx, http.MethodGet, "/api/room/"+url.PathEscape(roomID)+"/members", nil, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

// Send posts one envelope to the signaling endpoint.
func (a *API) Send(ctx context.Context, env model.Envelope) error {
	return a.do(ctx, http.MethodPost, "/api/signal", env, nil)
}

// Poll drains the caller's queued envelopes.
func (a *API) Poll(ctx context.Context, roomID, memberID string) ([]model.Envelope, error) {
	var envs []model.Envelope
	err := a.do(ctx, http.MethodGet, "/api/signal/"+url.PathEscape(roomID)+"/"+url.PathEscape(memberID), nil, &envs)
	return envs, err
}

func (a *API) eventsURL(roomID, memberID string) string {
	return a.base + "/api/signal/" + url.PathEscape(roomID) + "/" + url.PathEscape(memberID) + "/events"
}

func (a *API) newRequest(ctx context.Context, method, u string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.userID != "" {
		req.Header.Set(identity.HeaderUserID, a.userID)
		if a.userName != "" {
			req.Header.Set(identity.HeaderUserName, a.userName)
		}
	}
	return req, nil
}

func (a *API) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := a.newRequest(ctx, method, a.base+path, body)
	if err != nil {
		return err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return errors.Join(ErrRequest, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	var r response
	if err = json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return errors.Join(ErrRequest, fmt.Errorf("%s %s: status %d: %w", method, path, resp.StatusCode, err))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		err = fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, r.Error)
		if resp.StatusCode == http.StatusNotFound {
			return errors.Join(ErrRequest, ErrNotFound, err)
		}
		return errors.Join(ErrRequest, err)
	}
	if out == nil || len(r.Data) == 0 {
		return nil
	}
	return json.Unmarshal(r.Data, out)
}

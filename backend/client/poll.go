package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/adwski/webrtc-mesh/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultPollInterval    = 2 * time.Second
	defaultStreamRetry     = time.Second
	defaultDisconnectDelay = 3 * time.Second
)

type (
	PollerConfig struct {
		API      *API
		Logger   *zerolog.Logger
		RoomID   string
		MemberID string
		// Interval is the fallback poll period when no wake-up arrives.
		Interval time.Duration
	}

	// Poller is the store-and-forward transport. It drains the queue on
	// every wake-up event and on a slow fallback timer.
	Poller struct {
		api      *API
		stream   *http.Client
		roomID   string
		memberID string
		interval time.Duration
		done     chan struct{}
		once     sync.Once
		logger   zerolog.Logger
	}
)

func NewPoller(cfg PollerConfig) *Poller {
	p := &Poller{
		api:      cfg.API,
		stream:   &http.Client{Transport: cfg.API.http.Transport},
		roomID:   cfg.RoomID,
		memberID: cfg.MemberID,
		interval: cfg.Interval,
		done:     make(chan struct{}),
		logger:   cfg.Logger.With().Str("component", "poll-transport").Logger(),
	}
	if p.interval <= 0 {
		p.interval = defaultPollInterval
	}
	return p
}

func (p *Poller) Send(ctx context.Context, env model.Envelope) error {
	select {
	case <-p.done:
		return ErrTransportClosed
	default:
	}
	return p.api.Send(ctx, env)
}

func (p *Poller) Run(ctx context.Context, h Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	wake := make(chan struct{}, 1)
	go p.listen(ctx, wake)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if err := p.drain(ctx, h); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-wake:
		case <-ticker.C:
		}
	}
}

func (p *Poller) drain(ctx context.Context, h Handler) error {
	envs, err := p.api.Poll(ctx, p.roomID, p.memberID)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return nil
	case errors.Is(err, ErrNotFound):
		// the server refused this member outright
		return errors.Join(ErrTransportClosed, err)
	default:
		p.logger.Warn().Err(err).Msg("poll failed")
		return nil
	}
	for _, env := range envs {
		h(ctx, env)
	}
	return nil
}

// listen keeps an event stream open and turns every event into a wake-up.
func (p *Poller) listen(ctx context.Context, wake chan<- struct{}) {
	for {
		err := p.subscribe(ctx, wake)
		if ctx.Err() != nil {
			return
		}
		p.logger.Debug().Err(err).Msg("event stream ended, retrying")
		select {
		case <-ctx.Done():
			return
		case <-time.After(defaultStreamRetry):
		}
	}
}

func (p *Poller) subscribe(ctx context.Context, wake chan<- struct{}) error {
	req, err := p.api.newRequest(ctx, http.MethodGet, p.api.eventsURL(p.roomID, p.memberID), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := p.stream.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event stream: status %d", resp.StatusCode)
	}

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		// the subscribe marker also wakes, to catch what was queued before it
		if strings.HasPrefix(line, "data:") || strings.HasPrefix(line, ": subscribed") {
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	}
	return sc.Err()
}

// Close announces the departure and stops Run.
func (p *Poller) Close() error {
	var err error
	p.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), defaultDisconnectDelay)
		defer cancel()
		err = p.api.Send(ctx, model.NewEnvelope(p.roomID, p.memberID, "", model.Disconnect{}))
		close(p.done)
	})
	return err
}

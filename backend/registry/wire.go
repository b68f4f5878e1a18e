package registry

import (
	"context"
	"time"

	"github.com/adwski/webrtc-mesh/backend/model"
)

// WireHandle delivers envelopes onto the TX channel of a websocket session.
type WireHandle struct {
	wire    model.Wire
	timeout time.Duration
}

func NewWireHandle(wire model.Wire) *WireHandle {
	return &WireHandle{wire: wire, timeout: defaultFwdTimeout}
}

func (wh *WireHandle) Open() bool {
	select {
	case <-wh.wire.Done:
		return false
	default:
		return true
	}
}

func (wh *WireHandle) Deliver(ctx context.Context, env model.Envelope) error {
	tCh := time.NewTimer(wh.timeout)
	defer tCh.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-wh.wire.Done:
		return ErrHandleClosed
	case <-tCh.C:
		return ErrDeadEndpoint
	case wh.wire.TX <- env:
		return nil
	}
}

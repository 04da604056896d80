package bililive

import (
	"context"
	"time"
)

// SendFunc writes one encoded frame to the transport.
type SendFunc func(data []byte) error

// StopFunc reports whether the client should shut down.
type StopFunc func() bool

// Heartbeat periodically sends keep-alive frames until its stop predicate
// reports true or its context ends.
type Heartbeat struct {
	Interval time.Duration
	Codec    FrameCodec
	Send     SendFunc
	// Stop is evaluated at the start of every tick. Nil never stops.
	Stop StopFunc
	// OnStop runs once when Stop reports true, before Run returns.
	OnStop func()
	Logger Logger

	metrics *Metrics
}

// Run blocks until Stop reports true, in which case it returns nil, or ctx
// is done, in which case it returns ctx.Err(). Send failures are logged and
// the next tick proceeds as usual.
func (h *Heartbeat) Run(ctx context.Context) error {
	logger := h.Logger
	if logger == nil {
		logger = defaultLogger()
	}

	interval := h.Interval
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}

	frame := h.Codec.Encode(OpHeartbeat, nil)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		if h.Stop != nil && h.Stop() {
			logger.Info("stop requested, shutting down")
			if h.OnStop != nil {
				h.OnStop()
			}
			return nil
		}

		logger.Debug("sending heartbeat")
		if err := h.Send(frame); err != nil {
			logger.Warn("heartbeat send failed", "error", err)
			h.metrics.heartbeatFailed()
		} else {
			h.metrics.heartbeatSent()
		}

		timer.Reset(interval)
	}
}

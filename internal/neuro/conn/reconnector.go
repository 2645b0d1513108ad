package conn

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/alxayo/neurolink/internal/neuro/eventbus"
)

// Reconnector attempts to restore a Session's connection after a Watchdog
// failure. It preserves the Dispatcher and its registered listeners,
// rebuilding only the Framer, serial port, and session-level state (spec
// §4.6).
type Reconnector struct {
	session *Session
	log     *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewReconnector constructs a Reconnector bound to session.
func NewReconnector(session *Session, log *slog.Logger) *Reconnector {
	return &Reconnector{session: session, log: log}
}

// Cancel stops an in-flight Run as soon as it next checks for cancellation.
func (r *Reconnector) Cancel() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run loops until parentCtx is cancelled or the connection is reconnected,
// returning true on success. It emits Disconnected immediately, then
// alternates between handshake attempts and, on handshake failure, a
// port-rebuild cycle bounded by BadPortRetryDelay between attempts.
func (r *Reconnector) Run(parentCtx context.Context) bool {
	ctx, cancel := context.WithCancel(parentCtx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
	defer cancel()

	r.session.mu.Lock()
	r.session.state = StateDisconnected
	r.session.mu.Unlock()
	r.session.hub.PublishConnectionStatus(eventbus.Disconnected)

	// reopenLimiter paces failed port-reopen attempts at BadPortRetryDelay,
	// read fresh here so tests that shrink it take effect per Run call.
	reopenLimiter := rate.NewLimiter(rate.Every(BadPortRetryDelay), 1)
	// The first reopen attempt is not gated by the limiter; draining the
	// initial token makes the wait after the first failed reopen last the
	// full BadPortRetryDelay too.
	reopenLimiter.Allow()

	for {
		select {
		case <-ctx.Done():
			return false
		default:
		}

		if r.session.metrics != nil {
			r.session.metrics.ReconnectAttempts.Inc()
		}
		if err := r.session.handshake(ctx); err == nil {
			r.session.mu.Lock()
			r.session.state = StateConnected
			r.session.mu.Unlock()
			r.session.hub.PublishConnectionStatus(eventbus.Connected)
			if r.session.metrics != nil {
				r.session.metrics.ReconnectSuccesses.Inc()
			}
			return true
		}

		r.session.mu.Lock()
		if r.session.cancel != nil {
			r.session.cancel()
		}
		if r.session.port != nil {
			_ = r.session.port.Close()
		}
		r.session.mu.Unlock()

		port, err := r.session.openPort()
		if err != nil {
			r.log.Warn("reconnector: port reopen failed", "error", err)
			r.session.hub.PublishConnectionStatus(eventbus.NoDevice)
			if err := reopenLimiter.Wait(ctx); err != nil {
				return false
			}
			continue
		}
		r.session.rebuildPort(ctx, port)
	}
}

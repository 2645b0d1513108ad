package conn

import (
	"context"
	"log/slog"
	"sync"
	"time"

	neuroerrors "github.com/alxayo/neurolink/internal/errors"
	"github.com/alxayo/neurolink/internal/neuro/packet"
)

// Watchdog pings the device at FeedingInterval; a tick that exhausts
// WatchdogAttempts hands off to a Reconnector and pauses ticking until the
// connection is restored.
type Watchdog struct {
	session *Session
	log     *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatchdog constructs a Watchdog for session. Start must be called to
// begin ticking.
func NewWatchdog(session *Session, log *slog.Logger) *Watchdog {
	return &Watchdog{session: session, log: log}
}

// Start launches the watchdog's ticking goroutine, derived from ctx.
func (w *Watchdog) Start(ctx context.Context) {
	wctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.wg.Add(1)
	go w.run(wctx)
}

// Cancel stops the watchdog and joins its goroutine.
func (w *Watchdog) Cancel() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *Watchdog) run(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(FeedingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx, ticker)
			if ctx.Err() != nil {
				return
			}
		}
	}
}

// tick implements spec §4.5: up to WatchdogAttempts WatchdogReset commands;
// a NotConnected/NotOpen reply stops the retries immediately. Either way, a
// tick that gets no Ok stops the ticker and blocks on a Reconnector until it
// restores the connection (or the watchdog is cancelled).
func (w *Watchdog) tick(ctx context.Context, ticker *time.Ticker) {
	if w.attemptResets(ctx) {
		return
	}

	ticker.Stop()
	if w.session.metrics != nil {
		w.session.metrics.WatchdogFailures.Inc()
	}
	rec := NewReconnector(w.session, w.log)
	w.session.mu.Lock()
	w.session.reconnector = rec
	w.session.mu.Unlock()

	reconnected := rec.Run(ctx)
	if reconnected && ctx.Err() == nil {
		ticker.Reset(FeedingInterval)
	}
}

func (w *Watchdog) attemptResets(ctx context.Context) bool {
	tr := w.session.Transport()
	if tr == nil {
		return false
	}
	for attempt := 0; attempt < WatchdogAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return true // don't trigger recovery during shutdown
		default:
		}
		err := tr.SendCommand(ctx, packet.OpWatchdogReset, nil)
		if err == nil {
			return true
		}
		code, isDevice := neuroerrors.AsDeviceError(err)
		if isDevice && (code == packet.ErrNotConnected || code == packet.ErrNotOpen) {
			w.log.Warn("watchdog: fatal reply, stopping tick early", "code", code.String())
			return false
		}
		w.log.Debug("watchdog: reset attempt failed, retrying", "attempt", attempt, "error", err)
	}
	return false
}

// Package conn composes the Framer, Dispatcher, and Transport into the
// Session lifecycle state machine, plus the Watchdog and Reconnector that
// keep a Session alive across transient serial faults.
package conn

import (
	"context"
	"log/slog"
	"sync"
	"time"

	neuroerrors "github.com/alxayo/neurolink/internal/errors"
	"github.com/alxayo/neurolink/internal/logger"
	"github.com/alxayo/neurolink/internal/metrics"
	"github.com/alxayo/neurolink/internal/neuro/dispatch"
	"github.com/alxayo/neurolink/internal/neuro/eventbus"
	"github.com/alxayo/neurolink/internal/neuro/framer"
	"github.com/alxayo/neurolink/internal/neuro/packet"
	"github.com/alxayo/neurolink/internal/neuro/transport"
	"github.com/alxayo/neurolink/internal/serialport"
)

const (
	// ConnectionAttempts bounds InitialConnection retries during handshake.
	ConnectionAttempts = 5

	// WatchdogAttempts bounds WatchdogReset retries per tick.
	WatchdogAttempts = 5

	// joinTimeout bounds how long Close waits for background goroutines.
	joinTimeout = time.Second
)

// FeedingInterval is the Watchdog tick period (3000-4000ms per spec),
// BadPortRetryDelay is how long Reconnector waits between failed port
// reopen attempts, and DefaultReadTimeout is the Framer's per-byte soft read
// timeout. These are vars rather than consts so tests can shrink them.
var (
	FeedingInterval    = 3500 * time.Millisecond
	BadPortRetryDelay  = 3000 * time.Millisecond
	DefaultReadTimeout = 500 * time.Millisecond
)

// Port is the minimal contract Session needs from an open serial connection.
type Port interface {
	framer.DeadlineReader
	transport.Writer
	Close() error
}

// PortOpener abstracts opening a named serial port, letting tests substitute
// an in-memory fake without touching the real driver.
type PortOpener func(name string, baud int) (Port, error)

// State is the Session lifecycle state of spec §4.4.
type State int

const (
	StateClosed State = iota
	StateOpening
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpening:
		return "Opening"
	case StateConnected:
		return "Connected"
	case StateDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// StreamingLifecycle is the subset of StreamingController that Session
// needs, kept narrow so conn does not import the streaming or therapy
// packages.
type StreamingLifecycle interface {
	Cancel(ctx context.Context)
}

// Session owns one serial port's entire connection lifecycle: the Framer's
// read goroutine, the Dispatcher's single consumer loop, the Transport, and
// (once connected) the Watchdog. StreamingController/TherapyMonitor are
// driven from outside (cmd/neurolinkd wiring) but registered here so Close
// and StopStreaming can tear them down; after a reconnect the
// StreamingController re-arms itself from the Connected event.
type Session struct {
	portName string
	baud     int
	opener   PortOpener
	readTO   time.Duration

	hub     *eventbus.Hub
	log     *slog.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	state State

	port      Port
	fr        *framer.Framer
	disp      *dispatch.Dispatcher
	transport *transport.Transport

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	watchdog    *Watchdog
	reconnector *Reconnector

	streamingMu sync.Mutex
	streaming   StreamingLifecycle
}

// New constructs a Session for portName, not yet opened. m may be nil to
// skip Prometheus instrumentation.
func New(portName string, baud int, opener PortOpener, hub *eventbus.Hub, log *slog.Logger, m *metrics.Metrics) *Session {
	if opener == nil {
		opener = defaultOpener
	}
	if log == nil {
		log = logger.Logger()
	}
	if hub == nil {
		hub = eventbus.New(log)
	}
	return &Session{
		portName: portName,
		baud:     baud,
		opener:   opener,
		readTO:   DefaultReadTimeout,
		hub:      hub,
		log:      logger.WithPort(log, portName),
		metrics:  m,
		state:    StateClosed,
	}
}

func defaultOpener(name string, baud int) (Port, error) {
	return serialport.Open(name, baud)
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Events returns the event bus subscribers attach to.
func (s *Session) Events() *eventbus.Hub { return s.hub }

// Transport exposes the Transport for components (StreamingController,
// TherapyMonitor) constructed outside the Session.
func (s *Session) Transport() *transport.Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

// Dispatcher exposes the Dispatcher for registering additional listeners
// (e.g. StreamingController's StreamData handler).
func (s *Session) Dispatcher() *dispatch.Dispatcher {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disp
}

// SetStreaming registers the active StreamingController so Close and
// StopStreaming can tear it down. Pass nil to clear it (StopStreaming).
func (s *Session) SetStreaming(sc StreamingLifecycle) {
	s.streamingMu.Lock()
	s.streaming = sc
	s.streamingMu.Unlock()
}

func (s *Session) currentStreaming() StreamingLifecycle {
	s.streamingMu.Lock()
	defer s.streamingMu.Unlock()
	return s.streaming
}

// Open performs the full open sequence of spec §4.4: open the port, start
// the Framer/Dispatcher, attempt the handshake, and on success start the
// Watchdog.
func (s *Session) Open(ctx context.Context) eventbus.ConnectionStatus {
	s.mu.Lock()
	if s.state != StateClosed {
		s.mu.Unlock()
		return eventbus.AlreadyConnected
	}
	s.state = StateOpening
	s.mu.Unlock()

	port, err := s.opener(s.portName, s.baud)
	if err != nil {
		s.log.Warn("open: port setup failed", "error", err)
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		return eventbus.NoDevice
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	disp := dispatch.New(64, s.log, s.metrics)
	fr := framer.New(port, s.readTO, s.log, s.metrics)
	tr := transport.New(port, disp, transport.DefaultWriteTimeout, s.log, s.metrics)

	s.mu.Lock()
	s.port, s.fr, s.disp, s.transport = port, fr, disp, tr
	s.ctx, s.cancel = sessCtx, cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		disp.Run(sessCtx)
	}()
	s.startReadLoop(sessCtx, fr, disp)

	if err := s.handshake(ctx); err != nil {
		s.log.Warn("open: handshake failed", "error", err)
		s.mu.Lock()
		s.teardownLocked()
		s.state = StateClosed
		s.mu.Unlock()
		code, _ := neuroerrors.AsDeviceError(err)
		if code == packet.ErrAlreadyConnected {
			return eventbus.AlreadyConnected
		}
		return eventbus.Failed
	}

	s.mu.Lock()
	s.state = StateConnected
	s.mu.Unlock()
	s.hub.PublishConnectionStatus(eventbus.Connected)

	// The Watchdog outlives sessCtx: its Reconnector cancels the session
	// context while rebuilding the port, and Close stops the Watchdog itself.
	s.watchdog = NewWatchdog(s, s.log)
	s.watchdog.Start(context.Background())

	return eventbus.Connected
}

// startReadLoop launches the single goroutine that pulls frames from the
// Framer and hands them to the Dispatcher's queue, in arrival order.
func (s *Session) startReadLoop(ctx context.Context, fr *framer.Framer, disp *dispatch.Dispatcher) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			p, err := fr.Next(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.log.Warn("framer read loop stopped on hard error", "error", err)
				return
			}
			if err := disp.Submit(ctx, p); err != nil {
				return
			}
		}
	}()
}

// handshake implements spec §4.4's InitialConnection retry loop.
func (s *Session) handshake(ctx context.Context) error {
	s.mu.Lock()
	tr := s.transport
	s.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < ConnectionAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return neuroerrors.NewDeviceError(packet.ErrCancelled)
		default:
		}
		err := tr.SendCommand(ctx, packet.OpInitialConnection, nil)
		if err == nil {
			return nil
		}
		code, ok := neuroerrors.AsDeviceError(err)
		if ok && code == packet.ErrAlreadyConnected {
			return nil
		}
		lastErr = err
		if ok && (code == packet.ErrTimeoutExpired || code == packet.ErrComFailed) {
			select {
			case <-time.After(transport.DefaultWriteTimeout):
			case <-ctx.Done():
				return neuroerrors.NewDeviceError(packet.ErrCancelled)
			}
			continue
		}
		return err
	}
	return lastErr
}

// StartStreaming transitions Session into the streaming state. The actual
// StreamingController is constructed by the caller (it needs TherapyMonitor
// wiring); Session only enforces the Connected precondition and idempotency
// via SetStreaming.
func (s *Session) StartStreaming() eventbus.StreamingStatus {
	if s.State() != StateConnected {
		return eventbus.ConnectionNotOpen
	}
	if s.currentStreaming() != nil {
		return eventbus.AlreadyStreaming
	}
	return eventbus.Streaming
}

// StopStreaming tears down the active StreamingController, if any.
func (s *Session) StopStreaming(ctx context.Context) {
	sc := s.currentStreaming()
	if sc == nil {
		return
	}
	sc.Cancel(ctx)
	s.SetStreaming(nil)
}

// Close stops streaming, cancels the Watchdog, cancels the Dispatcher,
// closes the port, and joins background goroutines with a bounded wait.
// Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.StopStreaming(context.Background())

	if s.reconnector != nil {
		s.reconnector.Cancel()
	}
	if s.watchdog != nil {
		s.watchdog.Cancel()
	}

	s.mu.Lock()
	s.teardownLocked()
	s.state = StateClosed
	s.mu.Unlock()

	s.hub.PublishConnectionStatus(eventbus.Closed)
}

// teardownLocked cancels the session context, closes the port, and joins
// goroutines with joinTimeout. Callers must hold s.mu (Close and the Open
// failure path both lock it before calling).
func (s *Session) teardownLocked() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.port != nil {
		_ = s.port.Close()
	}
	joined := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(joined)
	}()
	select {
	case <-joined:
	case <-time.After(joinTimeout):
		s.log.Warn("close: background goroutines did not join in time, detaching")
	}
	s.port, s.fr, s.disp, s.transport = nil, nil, nil, nil
}

// rebuildPort replaces the port, Framer, and Transport after a Reconnector
// successfully reopens the port, preserving the Dispatcher and its
// registered listeners (spec §4.6).
func (s *Session) rebuildPort(ctx context.Context, port Port) {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	if s.port != nil {
		_ = s.port.Close()
	}
	sessCtx, cancel := context.WithCancel(context.Background())
	fr := framer.New(port, s.readTO, s.log, s.metrics)
	tr := transport.New(port, s.disp, transport.DefaultWriteTimeout, s.log, s.metrics)
	s.port, s.fr, s.transport = port, fr, tr
	s.ctx, s.cancel = sessCtx, cancel
	disp := s.disp
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		disp.Run(sessCtx)
	}()
	s.startReadLoop(sessCtx, fr, disp)
}

func (s *Session) openPort() (Port, error) {
	return s.opener(s.portName, s.baud)
}

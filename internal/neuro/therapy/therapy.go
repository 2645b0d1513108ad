// Package therapy implements the sliding-window classifier driver and the
// hysteresis state machine that decides when to start or stop stimulation.
package therapy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alxayo/neurolink/internal/classifier"
	neuroerrors "github.com/alxayo/neurolink/internal/errors"
	"github.com/alxayo/neurolink/internal/metrics"
	"github.com/alxayo/neurolink/internal/neuro/eventbus"
	"github.com/alxayo/neurolink/internal/neuro/packet"
)

const (
	// Window is the classifier's input size; Cadence is how often (in
	// pushed samples) a window is re-evaluated once full.
	Window  = classifier.WindowSize
	Cadence = Window / 4 // 44

	// TimeGapAllowedMs is the maximum inter-sample timestamp gap (ms) before
	// a discontinuity resets the window.
	TimeGapAllowedMs = 10

	// SeizureStart/SeizureOver are the hysteresis thresholds on the
	// accumulated confidence needed to flip the "needed" verdict.
	SeizureStart = 1.0
	SeizureOver  = 3.0

	// RetryDelay is how long a StartTherapy/StopTherapy worker sleeps
	// between self-retries.
	RetryDelay = 50 * time.Millisecond
)

// CommandSender is the subset of Transport TherapyMonitor needs.
type CommandSender interface {
	SendCommand(ctx context.Context, opcode packet.OpCode, data []byte) error
}

// Monitor accumulates streaming samples, drives the classifier at a fixed
// cadence, and runs the start/stop-therapy hysteresis loop.
type Monitor struct {
	tr      CommandSender
	hub     *eventbus.Hub
	log     *slog.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu              sync.Mutex
	buffer          []float64
	n               int
	hasLastTS       bool
	lastTS          int64
	needed          bool
	active          bool
	enabledOperator bool
	confidenceAccum float64

	unsubscribeToggle func()
}

// New constructs a Monitor and subscribes it to TherapyEnabledChanged. The
// Monitor exists only while streaming is active; call Close on StopStreaming.
// m may be nil to skip instrumentation.
func New(ctx context.Context, tr CommandSender, hub *eventbus.Hub, log *slog.Logger, m *metrics.Metrics) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	mctx, cancel := context.WithCancel(ctx)
	mon := &Monitor{
		tr:      tr,
		hub:     hub,
		log:     log,
		metrics: m,
		ctx:     mctx,
		cancel:  cancel,
	}
	toggleCh, unsub := hub.SubscribeTherapyEnabledChanged(8)
	mon.unsubscribeToggle = unsub
	mon.wg.Add(1)
	go mon.watchToggle(toggleCh)
	return mon
}

func (m *Monitor) watchToggle(ch <-chan eventbus.TherapyEnabledChanged) {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			m.onToggle(e.Enabled)
		}
	}
}

// onToggle implements "when enabled and already needed -> StartTherapy; when
// disabled and currently active -> StopTherapy" (spec §4.8).
func (m *Monitor) onToggle(enabled bool) {
	m.mu.Lock()
	m.enabledOperator = enabled
	needed := m.needed
	active := m.active
	m.mu.Unlock()

	if enabled && needed {
		m.spawnWorker(true)
	} else if !enabled && active {
		m.spawnWorker(false)
	}
}

// PushSample feeds one decoded StreamData sample into the ring buffer,
// triggering an asynchronous classifier evaluation every Cadence samples
// once the window is full (spec §4.8).
func (m *Monitor) PushSample(timestampMs uint32, voltageMV float64) {
	m.mu.Lock()
	if m.hasLastTS {
		diff := int64(timestampMs) - m.lastTS
		if diff < 0 {
			diff = -diff
		}
		if diff > TimeGapAllowedMs {
			m.buffer = m.buffer[:0]
			m.n = 0
		}
	}
	m.lastTS = int64(timestampMs)
	m.hasLastTS = true

	m.buffer = append(m.buffer, voltageMV)
	if len(m.buffer) > Window {
		m.buffer = m.buffer[len(m.buffer)-Window:]
	}
	m.n++

	var snapshot []float64
	if m.n >= Window && m.n%Cadence == 0 {
		snapshot = append([]float64(nil), m.buffer...)
	}
	m.mu.Unlock()

	if snapshot != nil {
		go m.evaluate(snapshot)
	}
}

func (m *Monitor) evaluate(snapshot []float64) {
	start := time.Now()
	result, err := classifier.Classify(snapshot)
	if m.metrics != nil {
		metrics.ObserveClassifierLatency(m.metrics, start)
	}
	if err != nil {
		m.log.Error("classifier evaluation failed", "error", err)
		return
	}
	m.hub.PublishClassification(eventbus.SeizureClassification{
		Label:         result.Label,
		Confidence:    result.Confidence,
		SpectralPower: result.Spectrum,
	})
	m.applyHysteresis(result)
}

// applyHysteresis implements the hysteresis state machine of spec §4.8.
func (m *Monitor) applyHysteresis(result classifier.Result) {
	m.mu.Lock()
	var flip, startWanted bool
	if result.Label == m.needed {
		m.confidenceAccum -= float64(result.Confidence)
		if m.confidenceAccum < 0 {
			m.confidenceAccum = 0
		}
	} else {
		m.confidenceAccum += float64(result.Confidence)
		switch {
		case m.needed && m.confidenceAccum >= SeizureOver:
			m.needed = false
			m.confidenceAccum = 0
			flip = true
			startWanted = false
		case !m.needed && m.confidenceAccum >= SeizureStart:
			m.needed = true
			m.confidenceAccum = 0
			flip = true
			startWanted = true
		}
	}
	needed, active, enabled := m.needed, m.active, m.enabledOperator
	m.mu.Unlock()

	if !flip {
		return
	}
	m.hub.PublishTherapyStatus(eventbus.TherapyStatusChanged{Needed: needed, Active: active})

	if startWanted {
		if enabled {
			m.spawnWorker(true)
		}
	} else if active {
		m.spawnWorker(false)
	}
}

// spawnWorker launches a self-retrying StartTherapy/StopTherapy worker.
func (m *Monitor) spawnWorker(start bool) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runWorker(start)
	}()
}

// runWorker implements spec §4.8's retry loop: re-check preconditions,
// issue the op, treat the already-in-that-state reply as success, and sleep
// RetryDelay between attempts otherwise, until preconditions no longer hold
// or the context is cancelled.
func (m *Monitor) runWorker(start bool) {
	op := packet.OpStopTherapy
	if start {
		op = packet.OpStartTherapy
	}
	for {
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		m.mu.Lock()
		preconditionHolds := (start && m.enabledOperator && m.needed && !m.active) ||
			(!start && (!m.enabledOperator || !m.needed) && m.active)
		m.mu.Unlock()
		if !preconditionHolds {
			return
		}

		err := m.tr.SendCommand(m.ctx, op, nil)
		code, isDevice := neuroerrors.AsDeviceError(err)
		success := err == nil ||
			(isDevice && start && code == packet.ErrAlreadyDoingTherapy) ||
			(isDevice && !start && code == packet.ErrAlreadyStopTherapy)

		if success {
			m.mu.Lock()
			m.active = start
			needed, active := m.needed, m.active
			m.mu.Unlock()
			m.hub.PublishTherapyStatus(eventbus.TherapyStatusChanged{Needed: needed, Active: active})
			if m.metrics != nil {
				if start {
					m.metrics.TherapyStarts.Inc()
				} else {
					m.metrics.TherapyStops.Inc()
				}
			}
			return
		}

		select {
		case <-time.After(RetryDelay):
		case <-m.ctx.Done():
			return
		}
	}
}

// IsTherapyNeeded reports the current hysteresis verdict.
func (m *Monitor) IsTherapyNeeded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.needed
}

// IsTherapyActive reports whether therapy is currently believed to be
// delivered by the device.
func (m *Monitor) IsTherapyActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Close cancels all in-flight workers and the toggle-watch goroutine,
// waiting for them to exit. Call on StopStreaming (spec: "TherapyMonitor
// exists only while streaming; destroyed synchronously on StopStreaming").
func (m *Monitor) Close() {
	m.cancel()
	if m.unsubscribeToggle != nil {
		m.unsubscribeToggle()
	}
	m.wg.Wait()
}

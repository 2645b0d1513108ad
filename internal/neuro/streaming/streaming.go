// Package streaming drives the device's continuous sample feed: it arms
// streaming on the device, decodes each StreamData frame, and tees the
// result to the event bus, the seizure monitor, and the session log.
package streaming

import (
	"context"
	"encoding/binary"
	"log/slog"
	"sync"
	"time"

	neuroerrors "github.com/alxayo/neurolink/internal/errors"
	"github.com/alxayo/neurolink/internal/metrics"
	"github.com/alxayo/neurolink/internal/neuro/dispatch"
	"github.com/alxayo/neurolink/internal/neuro/eventbus"
	"github.com/alxayo/neurolink/internal/neuro/packet"
)

// RetryDelay paces InitStream's StartStreaming retry loop.
const RetryDelay = 500 * time.Millisecond

// CancelRetryLimit bounds how many times Cancel retries StopStreaming on a
// recoverable failure before giving up and tearing down locally anyway.
const CancelRetryLimit = 3

// CommandSender is the subset of Transport StreamingController needs.
type CommandSender interface {
	SendCommand(ctx context.Context, opcode packet.OpCode, data []byte) error
}

// SampleSink receives every decoded sample, in arrival order.
type SampleSink interface {
	PushSample(timestampMs uint32, voltageMV float64)
}

// LogWriter receives every decoded sample for durable logging. Implementors
// must not block the streaming hot path for long.
type LogWriter interface {
	WriteSample(timestampMs uint32, voltageMV float64, inSeizure bool, therapyActive bool)
}

// Controller activates device streaming and fans decoded samples out to its
// subscribers (spec §4.9). One Controller is constructed per StartStreaming
// call and torn down by Cancel on StopStreaming or Session.Close.
type Controller struct {
	tr   CommandSender
	disp *dispatch.Dispatcher
	hub  *eventbus.Hub
	log  *slog.Logger

	monitor SampleSink
	logW    LogWriter
	metrics *metrics.Metrics

	listenerID uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	lastLabel    bool
	lastActive   bool
	initInFlight bool
}

// New constructs a Controller, registers its StreamData listener, and
// launches InitStream in the background. monitor and logW may be nil (no
// therapy wiring, no durable log) for tests that only need event-bus fanout.
// m may be nil to skip instrumentation.
func New(parent context.Context, tr CommandSender, disp *dispatch.Dispatcher, hub *eventbus.Hub, monitor SampleSink, logW LogWriter, log *slog.Logger, m *metrics.Metrics) *Controller {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	c := &Controller{
		tr:      tr,
		disp:    disp,
		hub:     hub,
		log:     log,
		monitor: monitor,
		logW:    logW,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
	}
	c.listenerID = disp.Register(packet.TypeStreamData, false, c.onStreamData)

	statusCh, unsub := hub.SubscribeConnectionStatus(8)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer unsub()
		c.watchReconnect(statusCh)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.initStream()
	}()

	return c
}

// watchReconnect re-arms streaming after the device reconnects, since the
// device itself forgets the streaming-enabled flag across a reopen.
func (c *Controller) watchReconnect(ch <-chan eventbus.ConnectionStatus) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case st, ok := <-ch:
			if !ok {
				return
			}
			if st == eventbus.Connected {
				c.wg.Add(1)
				go func() {
					defer c.wg.Done()
					c.initStream()
				}()
			}
		}
	}
}

// initStream implements spec §4.9's InitStream retry loop: keep issuing
// StartStreaming until it succeeds (Ok or AlreadyStreaming both count) or
// the controller is cancelled. Concurrent calls collapse into one attempt
// chain via initInFlight.
func (c *Controller) initStream() {
	c.mu.Lock()
	if c.initInFlight {
		c.mu.Unlock()
		return
	}
	c.initInFlight = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.initInFlight = false
		c.mu.Unlock()
	}()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		err := c.tr.SendCommand(c.ctx, packet.OpStartStreaming, nil)
		code, isDevice := neuroerrors.AsDeviceError(err)
		if err == nil || (isDevice && code == packet.ErrAlreadyStreaming) {
			return
		}
		c.log.Debug("init_stream: attempt failed, retrying", "error", err)

		select {
		case <-time.After(RetryDelay):
		case <-c.ctx.Done():
			return
		}
	}
}

// onStreamData decodes one StreamData payload (4-byte LE timestamp + 2-byte
// LE raw reading per spec §6) and fans it out. It always claims the packet:
// a malformed frame is logged and dropped, never left for another listener.
func (c *Controller) onStreamData(p packet.Packet) bool {
	if c.ctx.Err() != nil {
		return true // cancelled: claim and drop until the listener is removed
	}
	payload := p.Payload()
	if len(payload) < 6 {
		c.log.Warn("stream_data: payload too short", "len", len(payload))
		return true
	}
	tsMs := binary.LittleEndian.Uint32(payload[0:4])
	raw := binary.LittleEndian.Uint16(payload[4:6])
	voltageMV := packet.DecodeSampleVoltage(raw)

	c.hub.PublishStreamingSample(eventbus.StreamingSample{TimestampMs: tsMs, VoltageMV: voltageMV})
	if c.metrics != nil {
		c.metrics.StreamingSamples.Inc()
	}

	if c.monitor != nil {
		c.monitor.PushSample(tsMs, voltageMV)
	}
	if c.logW != nil {
		c.mu.Lock()
		label, active := c.lastLabel, c.lastActive
		c.mu.Unlock()
		c.logW.WriteSample(tsMs, voltageMV, label, active)
	}
	return true
}

// ObserveTherapyStatus lets the wiring layer keep the log sink's
// InSeizure/TherapyState columns current without StreamingController
// importing the therapy package directly.
func (c *Controller) ObserveTherapyStatus(s eventbus.TherapyStatusChanged) {
	c.mu.Lock()
	c.lastLabel = s.Needed
	c.lastActive = s.Active
	c.mu.Unlock()
}

// Cancel implements conn.StreamingLifecycle: it stops accepting new samples,
// attempts a bounded number of StopStreaming retries, and unregisters the
// StreamData listener unconditionally so a slow or unreachable device never
// leaves the listener list (and thus the Dispatcher) holding a stale entry.
func (c *Controller) Cancel(ctx context.Context) {
	c.cancel()
	c.wg.Wait()

	for attempt := 0; attempt < CancelRetryLimit; attempt++ {
		err := c.tr.SendCommand(ctx, packet.OpStopStreaming, nil)
		if err == nil {
			break
		}
		code, isDevice := neuroerrors.AsDeviceError(err)
		if !isDevice || (code != packet.ErrBadChecksum && code != packet.ErrTimeoutExpired) {
			break
		}
	}

	if err := c.disp.Unregister(packet.TypeStreamData, c.listenerID); err != nil {
		c.log.Debug("cancel: stream_data listener already removed", "error", err)
	}
}

// Package transport owns frame construction and the synchronous
// request/response primitive (SendCommand) built on top of the dispatcher.
package transport

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	neuroerrors "github.com/alxayo/neurolink/internal/errors"
	"github.com/alxayo/neurolink/internal/metrics"
	"github.com/alxayo/neurolink/internal/neuro/dispatch"
	"github.com/alxayo/neurolink/internal/neuro/packet"
)

// DefaultWriteTimeout is WRITE_TIMEOUT from spec §4.3 (200-500ms default).
const DefaultWriteTimeout = 300 * time.Millisecond

// Writer is the minimal contract Transport needs from the open port.
type Writer interface {
	Write(b []byte) (int, error)
}

// Transport serializes outbound frames behind an exclusive write lock and
// correlates replies to requests via a one-shot Dispatcher listener.
type Transport struct {
	mu      sync.Mutex // exclusive write lock (serializes outbound bytes only)
	port    Writer
	disp    *dispatch.Dispatcher
	seq     uint32
	writeTO time.Duration
	log     *slog.Logger
	metrics *metrics.Metrics
}

// New constructs a Transport writing frames to port and correlating replies
// through disp. writeTimeout<=0 selects DefaultWriteTimeout. m may be nil to
// skip instrumentation.
func New(port Writer, disp *dispatch.Dispatcher, writeTimeout time.Duration, log *slog.Logger, m *metrics.Metrics) *Transport {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Transport{port: port, disp: disp, writeTO: writeTimeout, log: log, metrics: m}
}

// nextID returns the next sequence id, a process-wide monotonic counter
// incremented atomically and taken mod 256 (spec §4.3 step 1).
func (t *Transport) nextID() uint8 {
	n := atomic.AddUint32(&t.seq, 1)
	return uint8(n % 256)
}

type result struct {
	err error
}

// SendCommand builds a Command frame for opcode/data, writes it under the
// write lock, and blocks until a matching reply arrives, the write timeout
// elapses, or ctx is cancelled. It returns nil on a confirmed reply, or a
// *neuroerrors.DeviceError wrapping the device's reported code (including
// the host-synthesized TimeoutExpired, ComFailed, and Cancelled codes).
func (t *Transport) SendCommand(ctx context.Context, opcode packet.OpCode, data []byte) error {
	id := t.nextID()
	frame, err := packet.EncodeCommand(id, opcode, data)
	if err != nil {
		return err
	}
	if t.metrics != nil {
		t.metrics.CommandsSent.WithLabelValues(opcode.String()).Inc()
	}

	done := make(chan result, 1)
	listenerID := t.disp.Register(packet.TypeCommand, true, func(p packet.Packet) bool {
		if p.ID() != id {
			return false
		}
		if p.Type() == packet.TypeError {
			done <- result{err: neuroerrors.NewDeviceError(p.ErrorCode())}
		} else {
			done <- result{}
		}
		return true
	})

	// Hold the write lock only across the write itself; the listener was
	// registered before the write so a reply racing the write is not lost.
	t.mu.Lock()
	_, werr := t.port.Write(frame)
	t.mu.Unlock()
	if werr != nil {
		_ = t.disp.Unregister(packet.TypeCommand, listenerID)
		t.log.Warn("send_command write failed", "opcode", opcode.String(), "id", id, "error", werr)
		return neuroerrors.NewDeviceError(packet.ErrComFailed)
	}

	timer := time.NewTimer(t.writeTO)
	defer timer.Stop()
	select {
	case r := <-done:
		if r.err == nil && t.metrics != nil {
			t.metrics.CommandsSucceeded.WithLabelValues(opcode.String()).Inc()
		}
		return r.err
	case <-timer.C:
		_ = t.disp.Unregister(packet.TypeCommand, listenerID)
		if t.metrics != nil {
			t.metrics.CommandsTimedOut.WithLabelValues(opcode.String()).Inc()
		}
		return neuroerrors.NewDeviceError(packet.ErrTimeoutExpired)
	case <-ctx.Done():
		_ = t.disp.Unregister(packet.TypeCommand, listenerID)
		return neuroerrors.NewDeviceError(packet.ErrCancelled)
	}
}

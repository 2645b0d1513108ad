// Package framer reassembles Packets from a byte stream one byte at a time,
// resynchronizing after any malformed or corrupted frame.
package framer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/alxayo/neurolink/internal/metrics"
	"github.com/alxayo/neurolink/internal/neuro/packet"
)

const (
	posPrefix0 = iota
	posPrefix1
	posPrefix2
	posType
	posID
	posSize
	posPayload
	posChecksum
)

// DeadlineReader is satisfied by a transport that supports a bounded read
// deadline, letting Next treat "no byte arrived in time" as a soft signal
// rather than a hard I/O failure. serialport.Port implements this.
type DeadlineReader interface {
	io.Reader
	SetReadDeadline(t time.Time) error
}

// Framer is a reentrant, single-threaded-per-port byte-stream parser. It is
// infinitely tolerant: a bad prefix, bad type, zero size, or checksum
// mismatch never surfaces as an error from Next — it drops bytes and
// resynchronizes at the next 0xAA, logging once per incident.
type Framer struct {
	r           DeadlineReader
	readTimeout time.Duration
	log         *slog.Logger
	metrics     *metrics.Metrics

	pos     int
	typ     byte
	id      byte
	size    int
	payload []byte
	readIdx int
}

// New constructs a Framer reading from r, using readTimeout as the per-byte
// read deadline (the "soft timeout" of spec §4.1). m may be nil to skip
// instrumentation.
func New(r DeadlineReader, readTimeout time.Duration, log *slog.Logger, m *metrics.Metrics) *Framer {
	if log == nil {
		log = slog.Default()
	}
	return &Framer{r: r, readTimeout: readTimeout, log: log, metrics: m}
}

// ErrClosed is returned by Next when the underlying reader reports io.EOF.
// Any other non-timeout read error (for example serialport.Port's error
// after Close) is returned as is.
var ErrClosed = errors.New("framer: closed")

// Next blocks until it has assembled one complete, checksum-valid frame, the
// context is cancelled, or the underlying reader reports a hard I/O error
// (port fault). It never returns an error for a malformed frame; those are
// absorbed internally via resynchronization, matching the invariant that
// Framer either emits a frame or advances past at least one byte per
// iteration and never panics.
func (f *Framer) Next(ctx context.Context) (packet.Packet, error) {
	var one [1]byte
	for {
		select {
		case <-ctx.Done():
			return packet.Packet{}, ctx.Err()
		default:
		}

		if err := f.r.SetReadDeadline(time.Now().Add(f.readTimeout)); err != nil {
			return packet.Packet{}, err
		}
		n, err := f.r.Read(one[:])
		if err != nil {
			if isTimeout(err) {
				f.onSoftTimeout()
				continue
			}
			if errors.Is(err, io.EOF) {
				return packet.Packet{}, ErrClosed
			}
			return packet.Packet{}, err
		}
		if n == 0 {
			continue
		}

		if p, ok := f.feed(one[0]); ok {
			return p, nil
		}
	}
}

// onSoftTimeout implements the "treats a timeout as a soft signal" rule: log
// once if mid-frame, otherwise stay silent, and keep accumulated state.
func (f *Framer) onSoftTimeout() {
	if f.pos != posPrefix0 {
		f.log.Warn("incomplete packet", "position", f.pos)
	}
}

// feed advances the state machine by one byte. It returns (packet, true) the
// instant a checksum-verified frame completes.
func (f *Framer) feed(b byte) (packet.Packet, bool) {
	switch f.pos {
	case posPrefix0:
		if b == 0xAA {
			f.pos = posPrefix1
		}
		// else: drop, stay at pos 0
	case posPrefix1:
		if b == 0x01 {
			f.pos = posPrefix2
		} else {
			f.resetAfterError("bad second prefix byte")
		}
	case posPrefix2:
		if b == 0x02 {
			f.pos = posType
		} else {
			f.resetAfterError("bad third prefix byte")
		}
	case posType:
		if packet.ValidType(b) {
			f.typ = b
			f.pos = posID
		} else {
			f.resetAfterError("bad packet type")
		}
	case posID:
		f.id = b
		f.pos = posSize
	case posSize:
		if b == 0 {
			f.resetAfterError("zero size")
			break
		}
		f.size = int(b)
		f.payload = make([]byte, f.size)
		f.readIdx = 0
		f.pos = posPayload
	case posPayload:
		f.payload[f.readIdx] = b
		f.readIdx++
		if f.readIdx == f.size {
			f.pos = posChecksum
		}
	case posChecksum:
		want := f.checksum()
		if want != b {
			if f.metrics != nil {
				f.metrics.ChecksumFailures.Inc()
			}
			f.resetAfterError("checksum mismatch")
			break
		}
		p, err := packet.New(packet.Type(f.typ), f.id, f.payload)
		f.reset()
		if err != nil {
			// Can only happen if size validation above diverges from packet.New's
			// bounds; treat as a malformed frame and resynchronize.
			f.log.Warn("framer: rejected frame after checksum match", "error", err)
			if f.metrics != nil {
				f.metrics.FramesDropped.WithLabelValues("rejected_after_checksum").Inc()
			}
			return packet.Packet{}, false
		}
		if f.metrics != nil {
			f.metrics.FramesDecoded.Inc()
		}
		return p, true
	}
	return packet.Packet{}, false
}

// checksum recomputes the expected checksum over the frame assembled so far
// (prefix, type, id, size, payload) without reallocating per byte.
func (f *Framer) checksum() byte {
	var sum byte
	sum += 0xAA + 0x01 + 0x02
	sum += f.typ
	sum += f.id
	sum += byte(f.size)
	for _, b := range f.payload {
		sum += b
	}
	return sum
}

func (f *Framer) resetAfterError(reason string) {
	f.log.Warn("framing error, resynchronizing", "reason", reason, "position", f.pos)
	if f.metrics != nil {
		f.metrics.FramesDropped.WithLabelValues(reason).Inc()
	}
	f.reset()
}

func (f *Framer) reset() {
	f.pos = posPrefix0
	f.typ = 0
	f.id = 0
	f.size = 0
	f.payload = nil
	f.readIdx = 0
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	if errors.As(err, &t) {
		return t.Timeout()
	}
	return false
}

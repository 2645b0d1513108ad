// Package serialport adapts github.com/tarm/serial into the narrow
// byte-oriented contract the connection subsystem needs: open, read one byte
// at a time with a deadline, write all, close, and enumerate candidate ports.
package serialport

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/tarm/serial"
)

const (
	// DefaultBaud matches the 115200 8N1 link spec.
	DefaultBaud = 115200

	// internalPollTimeout bounds how long a single underlying read blocks
	// before the read loop checks whether the port has been closed. It is
	// independent of the deadline a Framer requests via SetReadDeadline.
	internalPollTimeout = 100 * time.Millisecond
)

// Port is a single open serial connection. Exactly one goroutine should call
// Read at a time (the Framer's read loop); Write is safe to call
// concurrently with Read, and Transport is responsible for serializing
// concurrent writers with its own lock.
type Port struct {
	sp   *serial.Port
	name string

	readCh  chan readResult
	closeCh chan struct{}
	closeOnce sync.Once

	writeMu sync.Mutex

	pendingDeadline deadlineBox
}

// deadlineBox holds the most recently set read deadline behind a mutex; it
// is set by SetReadDeadline (called from the Framer's goroutine) and read by
// Read (called from that same goroutine), but guarded regardless since the
// two calls are not required to be sequential in future callers.
type deadlineBox struct {
	mu sync.Mutex
	t  time.Time
}

func (d *deadlineBox) set(t time.Time) {
	d.mu.Lock()
	d.t = t
	d.mu.Unlock()
}

func (d *deadlineBox) get() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.t
}

type readResult struct {
	b   byte
	err error
}

// timeoutError implements the Timeout() bool contract framer.isTimeout and
// errors.IsTimeout look for.
type timeoutError struct{ msg string }

func (e timeoutError) Error() string { return e.msg }
func (e timeoutError) Timeout() bool { return true }

// Open opens name at baud (0 selects DefaultBaud) and starts the background
// read-pump goroutine.
func Open(name string, baud int) (*Port, error) {
	if baud <= 0 {
		baud = DefaultBaud
	}
	cfg := &serial.Config{Name: name, Baud: baud, ReadTimeout: internalPollTimeout, Size: 8, Parity: serial.ParityNone, StopBits: serial.Stop1}
	sp, err := serial.OpenPort(cfg)
	if err != nil {
		return nil, fmt.Errorf("serialport: open %s: %w", name, err)
	}
	p := &Port{
		sp:      sp,
		name:    name,
		readCh:  make(chan readResult),
		closeCh: make(chan struct{}),
	}
	go p.pump()
	return p, nil
}

// pump reads one byte at a time from the underlying port and forwards it
// (or a hard error) to readCh. It wakes up periodically even with no data so
// Close is observed promptly; tarm/serial's own ReadTimeout produces
// (0, nil) on an idle port, which we treat as "nothing yet" and retry.
func (p *Port) pump() {
	buf := make([]byte, 1)
	for {
		select {
		case <-p.closeCh:
			return
		default:
		}
		n, err := p.sp.Read(buf)
		if err != nil {
			select {
			case p.readCh <- readResult{err: err}:
			case <-p.closeCh:
			}
			return
		}
		if n == 0 {
			continue
		}
		select {
		case p.readCh <- readResult{b: buf[0]}:
		case <-p.closeCh:
			return
		}
	}
}

// SetReadDeadline is accepted for interface compatibility with
// framer.DeadlineReader; the pump goroutine already polls the OS read with a
// short internal timeout, so Read below implements the deadline itself by
// racing against a timer.
func (p *Port) SetReadDeadline(t time.Time) error {
	p.pendingDeadline.set(t)
	return nil
}

// Read returns exactly one byte per call (len(buf) must be >= 1), blocking
// until a byte arrives, the most recently set deadline elapses (returning a
// timeoutError), or the port hits a hard I/O error.
func (p *Port) Read(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	deadline := p.pendingDeadline.get()
	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return 0, timeoutError{msg: "serialport: read deadline already elapsed"}
		}
		timer = time.NewTimer(d)
		timeoutCh = timer.C
		defer timer.Stop()
	}
	select {
	case r := <-p.readCh:
		if r.err != nil {
			return 0, fmt.Errorf("serialport: read: %w", r.err)
		}
		buf[0] = r.b
		return 1, nil
	case <-timeoutCh:
		return 0, timeoutError{msg: "serialport: read timeout"}
	case <-p.closeCh:
		return 0, errors.New("serialport: closed")
	}
}

// Write writes all of b to the port under an exclusive lock, so concurrent
// callers never interleave bytes; Transport additionally serializes
// SendCommand callers with its own write lock.
func (p *Port) Write(b []byte) (int, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	n, err := p.sp.Write(b)
	if err != nil {
		return n, fmt.Errorf("serialport: write: %w", err)
	}
	return n, nil
}

// Close stops the read pump and closes the underlying port. Safe to call
// more than once.
func (p *Port) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closeCh)
		err = p.sp.Close()
	})
	return err
}

// Name returns the device path this Port was opened against.
func (p *Port) Name() string { return p.name }

// ListPorts enumerates plausible serial device paths on the host. It is a
// best-effort scan (no guarantee a listed path is this device), matching the
// "enumeration of available port names" contract the connection subsystem
// expects from the serial transport collaborator.
func ListPorts() ([]string, error) {
	var out []string
	for _, pattern := range []string{"/dev/ttyUSB*", "/dev/ttyACM*", "/dev/ttyS*"} {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("serialport: glob %s: %w", pattern, err)
		}
		out = append(out, matches...)
	}
	return out, nil
}

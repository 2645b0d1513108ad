package conn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alxayo/neurolink/internal/neuro/eventbus"
	"github.com/alxayo/neurolink/internal/neuro/packet"
)

// fakeDevicePort is an in-memory Port that acknowledges every Command frame
// written to it with an immediate Ok reply, unless replyWith is set to
// override the behavior for a specific opcode.
type fakeDevicePort struct {
	mu        sync.Mutex
	toHost    chan byte
	deadline  time.Time
	closed    bool
	replyWith map[packet.OpCode]func(id uint8) (packet.Packet, bool)
}

func newFakeDevicePort() *fakeDevicePort {
	return &fakeDevicePort{
		toHost:    make(chan byte, 4096),
		replyWith: make(map[packet.OpCode]func(id uint8) (packet.Packet, bool)),
	}
}

func (f *fakeDevicePort) SetReadDeadline(t time.Time) error {
	f.mu.Lock()
	f.deadline = t
	f.mu.Unlock()
	return nil
}

type fakeTimeout struct{}

func (fakeTimeout) Error() string { return "fake device port timeout" }
func (fakeTimeout) Timeout() bool { return true }

func (f *fakeDevicePort) Read(buf []byte) (int, error) {
	f.mu.Lock()
	dl := f.deadline
	f.mu.Unlock()
	var wait time.Duration = time.Second
	if !dl.IsZero() {
		wait = time.Until(dl)
		if wait < 0 {
			wait = 0
		}
	}
	select {
	case b := <-f.toHost:
		buf[0] = b
		return 1, nil
	case <-time.After(wait):
		return 0, fakeTimeout{}
	}
}

func (f *fakeDevicePort) Write(b []byte) (int, error) {
	p, _, err := packet.Decode(b)
	if err != nil {
		return len(b), nil // drop malformed writes in the fake
	}
	if p.Type() != packet.TypeCommand {
		return len(b), nil
	}
	op := p.Opcode()
	f.mu.Lock()
	override := f.replyWith[op]
	f.mu.Unlock()
	var reply packet.Packet
	var send bool
	if override != nil {
		reply, send = override(p.ID())
	} else {
		reply, _ = packet.New(packet.TypeCommand, p.ID(), []byte{0x00})
		send = true
	}
	if send {
		frame := reply.Encode()
		go func() {
			for _, fb := range frame {
				f.toHost <- fb
			}
		}()
	}
	return len(b), nil
}

func (f *fakeDevicePort) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func openerFor(port *fakeDevicePort) PortOpener {
	return func(name string, baud int) (Port, error) {
		return port, nil
	}
}

func TestSessionOpenSuccess(t *testing.T) {
	port := newFakeDevicePort()
	s := New("/dev/fake0", 115200, openerFor(port), nil, nil, nil)
	s.readTO = 20 * time.Millisecond

	status := s.Open(context.Background())
	if status != eventbus.Connected {
		t.Fatalf("expected Connected, got %v", status)
	}
	if s.State() != StateConnected {
		t.Fatalf("expected StateConnected, got %v", s.State())
	}
	s.Close()
	if s.State() != StateClosed {
		t.Fatalf("expected StateClosed after Close, got %v", s.State())
	}
}

func TestSessionOpenNoDevice(t *testing.T) {
	opener := func(name string, baud int) (Port, error) {
		return nil, errOpenFailed{}
	}
	s := New("/dev/missing", 115200, opener, nil, nil, nil)
	status := s.Open(context.Background())
	if status != eventbus.NoDevice {
		t.Fatalf("expected NoDevice, got %v", status)
	}
	if s.State() != StateClosed {
		t.Fatalf("expected state to remain Closed, got %v", s.State())
	}
}

type errOpenFailed struct{}

func (errOpenFailed) Error() string { return "no such device" }

func TestSessionOpenAlreadyConnectedIsIdempotent(t *testing.T) {
	port := newFakeDevicePort()
	s := New("/dev/fake0", 115200, openerFor(port), nil, nil, nil)
	s.readTO = 20 * time.Millisecond

	if status := s.Open(context.Background()); status != eventbus.Connected {
		t.Fatalf("expected Connected, got %v", status)
	}
	if status := s.Open(context.Background()); status != eventbus.AlreadyConnected {
		t.Fatalf("expected AlreadyConnected on second Open, got %v", status)
	}
	s.Close()
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	port := newFakeDevicePort()
	s := New("/dev/fake0", 115200, openerFor(port), nil, nil, nil)
	s.readTO = 20 * time.Millisecond
	s.Open(context.Background())
	s.Close()
	s.Close() // must not panic or block
}

func TestSessionHandshakeFailsOnUnrecoverableError(t *testing.T) {
	port := newFakeDevicePort()
	port.replyWith[packet.OpInitialConnection] = func(id uint8) (packet.Packet, bool) {
		p, _ := packet.New(packet.TypeError, id, []byte{byte(packet.ErrBadOpCode)})
		return p, true
	}
	s := New("/dev/fake0", 115200, openerFor(port), nil, nil, nil)
	s.readTO = 20 * time.Millisecond

	status := s.Open(context.Background())
	if status != eventbus.Failed {
		t.Fatalf("expected Failed, got %v", status)
	}
	if s.State() != StateClosed {
		t.Fatalf("expected state Closed after failed handshake, got %v", s.State())
	}
}

package errors

import (
	"context"
	stdErrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/alxayo/neurolink/internal/neuro/packet"
)

// fakeTimeoutErr simulates a net.Error with Timeout semantics (we don't need full net.Error here).
type fakeTimeoutErr struct{}

func (fakeTimeoutErr) Error() string { return "fake timeout" }
func (fakeTimeoutErr) Timeout() bool { return true }

func TestIsProtocolErrorClassification(t *testing.T) {
	root := stdErrors.New("root")
	wrapped := fmt.Errorf("adding context: %w", root)
	fe := &FramingError{Op: "framer.prefix", Err: wrapped}
	if !IsProtocolError(fe) {
		t.Fatalf("expected IsProtocolError=true for framing error")
	}
	if !stdErrors.Is(fe, root) {
		t.Fatalf("expected errors.Is to find root cause")
	}
	var fe2 *FramingError
	if !stdErrors.As(fe, &fe2) {
		t.Fatalf("expected errors.As to *FramingError")
	}
	if fe2.Op != "framer.prefix" {
		t.Fatalf("unexpected op: %s", fe2.Op)
	}

	de := NewDispatchError("dispatch.unregister", nil)
	if !IsProtocolError(de) {
		t.Fatalf("expected dispatch error classified as protocol")
	}

	dev := NewDeviceError(packet.ErrAlreadyStreaming)
	if !IsProtocolError(dev) {
		t.Fatalf("expected device error classified as protocol")
	}
	code, ok := AsDeviceError(dev)
	if !ok || code != packet.ErrAlreadyStreaming {
		t.Fatalf("expected AsDeviceError to recover code, got %v %v", code, ok)
	}
}

func TestIsTimeout(t *testing.T) {
	root := fakeTimeoutErr{}
	to := NewTimeoutError("send_command", 200*time.Millisecond, root)
	if !IsTimeout(to) {
		t.Fatalf("expected TimeoutError recognized")
	}
	if IsProtocolError(to) {
		t.Fatalf("timeout should NOT be protocol error")
	}
	if !IsTimeout(context.DeadlineExceeded) {
		t.Fatalf("expected context deadline recognized")
	}
	var ne error = root
	if !IsTimeout(ne) {
		t.Fatalf("expected net-like timeout recognized")
	}
	devTimeout := NewDeviceError(packet.ErrTimeoutExpired)
	if !IsTimeout(devTimeout) {
		t.Fatalf("expected DeviceError(TimeoutExpired) recognized as timeout")
	}
	devOther := NewDeviceError(packet.ErrNotConnected)
	if IsTimeout(devOther) {
		t.Fatalf("expected DeviceError(NotConnected) NOT recognized as timeout")
	}
}

func TestUnwrapChains(t *testing.T) {
	base := stdErrors.New("io EOF")
	l1 := fmt.Errorf("read: %w", base)
	l2 := NewFramingError("framer.read", l1)
	if !stdErrors.Is(l2, base) {
		t.Fatalf("errors.Is should reach base cause")
	}
	var pm protocolMarker
	if !stdErrors.As(l2, &pm) {
		t.Fatalf("expected to match protocolMarker via As")
	}
}

func TestNilSafety(t *testing.T) {
	if IsProtocolError(nil) {
		t.Fatalf("nil should not be protocol error")
	}
	if IsTimeout(nil) {
		t.Fatalf("nil should not be timeout")
	}
}

func TestNegativePredicates(t *testing.T) {
	if IsProtocolError(stdErrors.New("plain")) {
		t.Fatalf("plain error shouldn't be protocol")
	}
	if IsTimeout(stdErrors.New("plain")) {
		t.Fatalf("plain error shouldn't be timeout")
	}
}

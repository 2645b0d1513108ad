package errors

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"

	"github.com/alxayo/neurolink/internal/neuro/packet"
)

// protocolMarker is implemented by all protocol-layer error types so we can classify them.
type protocolMarker interface {
	error
	isProtocol()
}

// FramingError indicates a malformed byte stream observed by the Framer
// (bad prefix, bad type, size=0, checksum mismatch, read timeout mid-frame).
type FramingError struct {
	Op  string // e.g. "framer.prefix", "framer.checksum"
	Err error
}

func (e *FramingError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("framing error: %s", e.Op)
	}
	return fmt.Sprintf("framing error: %s: %v", e.Op, e.Err)
}
func (e *FramingError) Unwrap() error { return e.Err }
func (e *FramingError) isProtocol()   {}

// DispatchError indicates a dispatcher-level failure, such as unregistering
// an identity that was never registered. (A recovered listener panic is only
// logged by the dispatcher, not reported as a DispatchError.)
type DispatchError struct {
	Op  string
	Err error
}

func (e *DispatchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("dispatch error: %s", e.Op)
	}
	return fmt.Sprintf("dispatch error: %s: %v", e.Op, e.Err)
}
func (e *DispatchError) Unwrap() error { return e.Err }
func (e *DispatchError) isProtocol()   {}

// DeviceError wraps a DeviceErrorCode: either one the device actually sent
// back in an Error packet, or one host-synthesized (Cancelled, NotOpen,
// TimeoutExpired, ComFailed). send_command returns this on any non-Ok reply.
type DeviceError struct {
	Code packet.DeviceErrorCode
}

// NewDeviceError wraps code as an error.
func NewDeviceError(code packet.DeviceErrorCode) *DeviceError { return &DeviceError{Code: code} }

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device error: %s", e.Code)
}
func (e *DeviceError) isProtocol() {}

// AsDeviceError extracts the DeviceErrorCode carried by err, if any.
func AsDeviceError(err error) (packet.DeviceErrorCode, bool) {
	var de *DeviceError
	if stdErrors.As(err, &de) {
		return de.Code, true
	}
	return 0, false
}

// TimeoutError indicates an operation exceeded a deadline or idle timeout.
type TimeoutError struct {
	Op       string
	Duration time.Duration
	Err      error
}

func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (after %s)", e.Op, e.Duration)
	if e.Err != nil {
		return base + ": " + e.Err.Error()
	}
	return base
}
func (e *TimeoutError) Unwrap() error { return e.Err }

// IsTimeout returns true if err is (or wraps) a TimeoutError, a
// DeviceError{Code: ErrTimeoutExpired}, a context deadline exceeded, or any
// error type that exposes Timeout() bool and returns true.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	var te *TimeoutError
	if stdErrors.As(err, &te) {
		return true
	}
	if code, ok := AsDeviceError(err); ok && code == packet.ErrTimeoutExpired {
		return true
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var toErr interface{ Timeout() bool }
	if stdErrors.As(err, &toErr) && toErr.Timeout() {
		return true
	}
	return false
}

// IsProtocolError returns true if the error chain contains any protocol-layer
// error (FramingError, DispatchError, DeviceError).
func IsProtocolError(err error) bool {
	if err == nil {
		return false
	}
	var pm protocolMarker
	return stdErrors.As(err, &pm)
}

// Constructors (encourage contextual wrapping with %w when used by callers).
func NewFramingError(op string, cause error) error  { return &FramingError{Op: op, Err: cause} }
func NewDispatchError(op string, cause error) error { return &DispatchError{Op: op, Err: cause} }
func NewTimeoutError(op string, d time.Duration, cause error) error {
	return &TimeoutError{Op: op, Duration: d, Err: cause}
}

// Usage pattern example:
//
//	if _, err := io.ReadFull(r, buf); err != nil {
//	    return NewFramingError("read prefix", fmt.Errorf("io: %w", err))
//	}
//
// Keep layering context with fmt.Errorf("...: %w", err).

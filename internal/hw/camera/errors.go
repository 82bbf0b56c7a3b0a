package camera

import (
	"errors"
	"fmt"
	"io/fs"
	"syscall"
)

var (
	// ErrInsecureSource is returned by backends that refuse a plaintext source.
	ErrInsecureSource = errors.New("insecure capture source")
	// ErrUnknownDevice is returned when a device id is not in the enumeration.
	ErrUnknownDevice = errors.New("unknown capture device")
	// ErrNoDevice is returned when no device id was given and none is preferred.
	ErrNoDevice = errors.New("no capture device selected")
)

// ErrorKind tells the operator which remedy applies to a capture failure.
type ErrorKind int

const (
	Unknown ErrorKind = iota
	PermissionDenied
	DeviceNotFound
	InsecureContext
)

func (k ErrorKind) String() string {
	switch k {
	case PermissionDenied:
		return "PermissionDenied"
	case DeviceNotFound:
		return "DeviceNotFound"
	case InsecureContext:
		return "InsecureContext"
	default:
		return "Unknown"
	}
}

// Remedy is the message shown to the operator for this kind of failure.
func (k ErrorKind) Remedy() string {
	switch k {
	case PermissionDenied:
		return "Camera access denied. Please allow camera permissions."
	case DeviceNotFound:
		return "No camera found. Please ensure a camera is connected."
	case InsecureContext:
		return "Camera requires a secure (https) source. Please use a secure camera URL."
	default:
		return "Failed to start camera"
	}
}

// CaptureError is returned by Manager when a device cannot be bound.
type CaptureError struct {
	Kind     ErrorKind
	DeviceID string
	Err      error
}

func (e *CaptureError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("capture device %q: %s", e.DeviceID, e.Kind)
	}
	return fmt.Sprintf("capture device %q: %s: %v", e.DeviceID, e.Kind, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// Classify wraps a backend error into a CaptureError. Errors that already
// are CaptureErrors are returned unchanged.
func Classify(deviceID string, err error) error {
	if err == nil {
		return nil
	}
	var ce *CaptureError
	if errors.As(err, &ce) {
		return ce
	}

	kind := Unknown
	switch {
	case errors.Is(err, ErrInsecureSource):
		kind = InsecureContext
	case errors.Is(err, fs.ErrPermission):
		kind = PermissionDenied
	case errors.Is(err, fs.ErrNotExist),
		errors.Is(err, syscall.ENODEV),
		errors.Is(err, ErrUnknownDevice),
		errors.Is(err, ErrNoDevice):
		kind = DeviceNotFound
	}
	return &CaptureError{Kind: kind, DeviceID: deviceID, Err: err}
}

// KindOf returns the ErrorKind carried by err, or Unknown.
func KindOf(err error) ErrorKind {
	var ce *CaptureError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return Unknown
}

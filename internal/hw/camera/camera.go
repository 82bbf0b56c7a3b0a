package camera

import (
	"context"
	"image"
	"sync"
	"time"
)

// Device is one capture device reported by a Backend.
// A fresh enumeration may return a different set.
type Device struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Frame is a single video frame delivered to the frame buffer.
type Frame struct {
	Image      image.Image
	Seq        uint64 // strictly increasing for the lifetime of the buffer
	CapturedAt time.Time
}

// Sink receives frames from a bound device.
type Sink interface {
	PutFrame(img image.Image)
}

// Backend is the capture-device service: it enumerates devices and binds
// one of them to a sink. It represents an abstract camera source,
// regardless of how it is reached (V4L2, image directory, network snapshot).
type Backend interface {
	ListDevices(ctx context.Context) ([]Device, error)
	// Bind starts delivering frames from deviceID into sink. At least one
	// frame has been delivered when Bind returns without error.
	Bind(ctx context.Context, deviceID string, sink Sink) (Session, error)
}

// Session is a live binding between one device and one sink.
type Session interface {
	DeviceID() string
	// Release stops frame delivery and frees the device. No frame is
	// delivered after Release returns.
	Release() error
}

// FrameBuffer is a single-slot sink: the latest frame wins.
type FrameBuffer struct {
	mu    sync.RWMutex
	frame Frame
	ok    bool
	seq   uint64
	now   func() time.Time
}

// NewFrameBuffer returns an empty buffer.
func NewFrameBuffer() *FrameBuffer {
	return &FrameBuffer{now: time.Now}
}

// PutFrame stores img as the latest frame.
func (b *FrameBuffer) PutFrame(img image.Image) {
	if img == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	b.frame = Frame{Image: img, Seq: b.seq, CapturedAt: b.now()}
	b.ok = true
}

// Latest returns the most recent frame, or false when no frame has arrived
// since the last Reset.
func (b *FrameBuffer) Latest() (Frame, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.frame, b.ok
}

// Reset drops the stored frame. Sequence numbers keep increasing.
func (b *FrameBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frame = Frame{}
	b.ok = false
}

// Package scan turns the live frame stream into discrete scan events.
//
// The loop samples the most recent frame at a fixed rate, hands it to the
// decoder, and pauses itself after the first successful decode. Nothing is
// sampled again until Resume is called, so a code held in front of the
// camera produces one event per activation.
package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cjeanneret/RollGo/internal/debug"
	"github.com/cjeanneret/RollGo/internal/hw/camera"
	"github.com/cjeanneret/RollGo/internal/hw/qr"
)

// DefaultSampleRate is the number of frames submitted per second.
const DefaultSampleRate = 8

// FrameSource returns the most recent frame, if any.
type FrameSource interface {
	Latest() (camera.Frame, bool)
}

// ScanEvent is emitted once per successful decode.
type ScanEvent struct {
	RawPayload string
	FrameSeq   uint64
	DecodedAt  time.Time
}

// DecodeWarning reports a genuine decoder failure on one frame. It is
// non-fatal; the loop keeps sampling.
type DecodeWarning struct {
	Err      error
	FrameSeq uint64
}

func (w DecodeWarning) Error() string {
	return fmt.Sprintf("decode frame %d: %v", w.FrameSeq, w.Err)
}

func (w DecodeWarning) Unwrap() error { return w.Err }

// Option configures a Loop.
type Option func(*Loop)

// WithRate sets the sampling rate in frames per second.
func WithRate(perSecond float64) Option {
	return func(l *Loop) {
		if perSecond > 0 {
			l.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// WithWarningHandler registers a callback for decode warnings.
func WithWarningHandler(fn func(DecodeWarning)) Option {
	return func(l *Loop) { l.onWarning = fn }
}

// WithScanHandler registers a callback run for every decoded payload,
// before the event is delivered.
func WithScanHandler(fn func(ScanEvent)) Option {
	return func(l *Loop) { l.onScan = fn }
}

// WithClock overrides the time source for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

// Loop is the decode loop. Run must be called exactly once.
type Loop struct {
	source    FrameSource
	decoder   qr.Decoder
	limiter   *rate.Limiter
	onWarning func(DecodeWarning)
	onScan    func(ScanEvent)
	now       func() time.Time
	events    chan ScanEvent

	mu      sync.Mutex
	paused  bool
	lastSeq uint64
	wake    chan struct{}
}

// New creates a loop reading from source. The loop starts armed.
func New(source FrameSource, dec qr.Decoder, opts ...Option) *Loop {
	l := &Loop{
		source:  source,
		decoder: dec,
		limiter: rate.NewLimiter(rate.Limit(DefaultSampleRate), 1),
		now:     time.Now,
		events:  make(chan ScanEvent, 1),
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Events delivers scan events. At most one is pending at any time.
func (l *Loop) Events() <-chan ScanEvent {
	return l.events
}

// Paused reports whether the loop is waiting for Resume.
func (l *Loop) Paused() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.paused
}

// Resume re-arms sampling after a successful decode. It is a no-op while
// the loop is already sampling.
func (l *Loop) Resume() {
	l.mu.Lock()
	if !l.paused {
		l.mu.Unlock()
		return
	}
	l.paused = false
	l.mu.Unlock()

	debug.Live("Scanning resumed")
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run samples frames until ctx is done and returns ctx.Err().
func (l *Loop) Run(ctx context.Context) error {
	debug.Verbose("Decode loop started")
	defer debug.Verbose("Decode loop stopped")

	for {
		if l.Paused() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-l.wake:
			}
			continue
		}

		if err := l.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("decode loop: %w", err)
		}
		l.step(ctx)
	}
}

// step submits the latest unseen frame, if any.
func (l *Loop) step(ctx context.Context) {
	frame, ok := l.source.Latest()
	if !ok {
		return
	}

	l.mu.Lock()
	if l.paused || frame.Seq == l.lastSeq {
		l.mu.Unlock()
		return
	}
	l.lastSeq = frame.Seq
	l.mu.Unlock()

	payload, err := l.decoder.Decode(frame.Image)
	switch {
	case errors.Is(err, qr.ErrNotFound):
		debug.Trace("frame %d: no code", frame.Seq)
		return
	case err != nil:
		w := DecodeWarning{Err: err, FrameSeq: frame.Seq}
		debug.Warn("%v", w)
		if l.onWarning != nil {
			l.onWarning(w)
		}
		return
	}

	l.mu.Lock()
	l.paused = true
	l.mu.Unlock()

	debug.Scan(frame.Seq, payload)
	ev := ScanEvent{RawPayload: payload, FrameSeq: frame.Seq, DecodedAt: l.now()}
	if l.onScan != nil {
		l.onScan(ev)
	}
	// The loop stays paused until the consumer resumes it, so the slot is
	// free unless the previous event was never read.
	select {
	case l.events <- ev:
	case <-ctx.Done():
	}
}

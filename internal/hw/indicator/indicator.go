package indicator

import (
	"context"
	"fmt"
	"time"

	"github.com/cjeanneret/RollGo/internal/debug"
	"github.com/cjeanneret/RollGo/internal/hw/gpio"
	"github.com/cjeanneret/RollGo/internal/logic/attendance"
)

// Pins are the GPIO lines of the three LEDs (active HIGH):
// - GREEN: attendance recorded
// - YELLOW: already marked present
// - RED: rejected scan, persistence failure or camera error
type Pins struct {
	Green  int
	Yellow int
	Red    int
}

// Indicator mirrors outcomes on LEDs. Pulses run on the Run goroutine so
// the workflow never waits for a LED.
type Indicator struct {
	gpio    gpio.Driver
	pins    Pins
	pulse   time.Duration
	signals chan attendance.Severity
}

// New configures the pins as outputs, all LOW.
func New(g gpio.Driver, pins Pins, pulse time.Duration) (*Indicator, error) {
	for _, pin := range []int{pins.Green, pins.Yellow, pins.Red} {
		if err := g.SetupPin(pin, gpio.Output); err != nil {
			return nil, fmt.Errorf("setup indicator pin %d: %w", pin, err)
		}
		if err := g.WritePin(pin, gpio.Low); err != nil {
			return nil, fmt.Errorf("reset indicator pin %d: %w", pin, err)
		}
	}
	return &Indicator{
		gpio:    g,
		pins:    pins,
		pulse:   pulse,
		signals: make(chan attendance.Severity, 4),
	}, nil
}

// Observe is an attendance.Observer. Only outcomes light a LED.
func (i *Indicator) Observe(s attendance.Snapshot) {
	if s.State != attendance.ShowingResult || s.Outcome == nil {
		return
	}
	i.Signal(s.Outcome.Severity())
}

// Signal queues a pulse. It drops the signal when the queue is full.
func (i *Indicator) Signal(sev attendance.Severity) {
	select {
	case i.signals <- sev:
	default:
		debug.Trace("Indicator: queue full, dropping %s", sev)
	}
}

func (i *Indicator) pinFor(sev attendance.Severity) int {
	switch sev {
	case attendance.SeveritySuccess:
		return i.pins.Green
	case attendance.SeverityWarning:
		return i.pins.Yellow
	default:
		return i.pins.Red
	}
}

// Run pulses queued signals until ctx is done, then turns every LED off.
func (i *Indicator) Run(ctx context.Context) error {
	defer i.off()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sev := <-i.signals:
			pin := i.pinFor(sev)
			debug.Verbose("Indicator: %s (pin %d) for %v", sev, pin, i.pulse)
			if err := gpio.Pulse(i.gpio, pin, i.pulse); err != nil {
				debug.Warn("indicator pin %d: %v", pin, err)
			}
		}
	}
}

func (i *Indicator) off() {
	for _, pin := range []int{i.pins.Green, i.pins.Yellow, i.pins.Red} {
		_ = i.gpio.WritePin(pin, gpio.Low)
	}
}

package indicator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cjeanneret/RollGo/internal/hw/gpio"
	"github.com/cjeanneret/RollGo/internal/logic/attendance"
)

// recordingDriver records every write.
type recordingDriver struct {
	*gpio.MockDriver
	mu     sync.Mutex
	writes []write
}

type write struct {
	pin   int
	level gpio.Level
}

func newRecordingDriver() *recordingDriver {
	return &recordingDriver{MockDriver: gpio.NewMockDriver()}
}

func (r *recordingDriver) WritePin(pin int, level gpio.Level) error {
	r.mu.Lock()
	r.writes = append(r.writes, write{pin, level})
	r.mu.Unlock()
	return r.MockDriver.WritePin(pin, level)
}

func (r *recordingDriver) highs() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var pins []int
	for _, w := range r.writes {
		if w.level == gpio.High {
			pins = append(pins, w.pin)
		}
	}
	return pins
}

var testPins = Pins{Green: 17, Yellow: 27, Red: 22}

func runIndicator(ind *Indicator) func() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = ind.Run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestNew_PinsStartLow(t *testing.T) {
	drv := newRecordingDriver()
	if _, err := New(drv, testPins, time.Millisecond); err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, pin := range []int{17, 27, 22} {
		lvl, _ := drv.ReadPin(pin)
		if lvl != gpio.Low {
			t.Errorf("pin %d = %v, want LOW", pin, lvl)
		}
	}
	if got := drv.highs(); len(got) != 0 {
		t.Errorf("highs = %v, want none", got)
	}
}

func TestObserve_OutcomeColours(t *testing.T) {
	tests := []struct {
		kind attendance.OutcomeKind
		want int
	}{
		{attendance.Recorded, 17},
		{attendance.AlreadyMarked, 27},
		{attendance.RejectedInvalidPayload, 22},
		{attendance.RejectedPersistenceFailure, 22},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			drv := newRecordingDriver()
			ind, err := New(drv, testPins, time.Millisecond)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			stop := runIndicator(ind)

			ind.Observe(attendance.Snapshot{
				State:   attendance.ShowingResult,
				Outcome: &attendance.Outcome{Kind: tt.kind},
			})

			deadline := time.Now().Add(time.Second)
			for len(drv.highs()) == 0 && time.Now().Before(deadline) {
				time.Sleep(time.Millisecond)
			}
			stop()

			highs := drv.highs()
			if len(highs) != 1 || highs[0] != tt.want {
				t.Errorf("highs = %v, want [%d]", highs, tt.want)
			}
			lvl, _ := drv.ReadPin(tt.want)
			if lvl != gpio.Low {
				t.Errorf("pin %d left %v after pulse", tt.want, lvl)
			}
		})
	}
}

func TestObserve_IgnoresNonResultStates(t *testing.T) {
	drv := newRecordingDriver()
	ind, _ := New(drv, testPins, time.Millisecond)

	ind.Observe(attendance.Snapshot{State: attendance.AwaitingConfirmation})
	ind.Observe(attendance.Snapshot{State: attendance.ShowingResult})

	if n := len(ind.signals); n != 0 {
		t.Errorf("queued signals = %d, want 0", n)
	}
}

func TestSignal_DropsWhenFull(t *testing.T) {
	drv := newRecordingDriver()
	ind, _ := New(drv, testPins, time.Millisecond)

	for i := 0; i < cap(ind.signals)+3; i++ {
		ind.Signal(attendance.SeverityError)
	}
	if n := len(ind.signals); n != cap(ind.signals) {
		t.Errorf("queued signals = %d, want %d", n, cap(ind.signals))
	}
}

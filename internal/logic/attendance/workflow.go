// Package attendance drives one scan through parse, confirmation,
// duplicate check and insert, then re-arms scanning.
package attendance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cjeanneret/RollGo/internal/debug"
	"github.com/cjeanneret/RollGo/internal/logic/payload"
	"github.com/cjeanneret/RollGo/internal/logic/scan"
	"github.com/cjeanneret/RollGo/internal/store"
)

// ErrInvalidState is returned when an action does not apply to the
// current state.
var ErrInvalidState = errors.New("action not allowed in current state")

// DefaultSubmitTimeout bounds the whole lookup+insert round trip.
const DefaultSubmitTimeout = 10 * time.Second

// State of the workflow.
type State int

const (
	Idle State = iota
	AwaitingConfirmation
	Submitting
	ShowingResult
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case AwaitingConfirmation:
		return "AwaitingConfirmation"
	case Submitting:
		return "Submitting"
	case ShowingResult:
		return "ShowingResult"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ResumeCause says why scanning is being re-armed.
type ResumeCause int

const (
	// ResumeAfterCancel follows a cancelled confirmation.
	ResumeAfterCancel ResumeCause = iota
	// ResumeAfterResult follows a dismissed outcome.
	ResumeAfterResult
)

func (c ResumeCause) String() string {
	if c == ResumeAfterResult {
		return "result"
	}
	return "cancel"
}

// Scanner is what the workflow re-arms after a cycle.
type Scanner interface {
	// Active reports whether a capture session is running.
	Active() bool
	// Resume re-arms the decode loop.
	Resume(cause ResumeCause)
}

// Snapshot is a copy of the workflow state.
type Snapshot struct {
	State     State                   `json:"state"`
	CycleID   string                  `json:"cycle_id,omitempty"`
	Pending   *payload.IdentityRecord `json:"pending,omitempty"`
	Outcome   *Outcome                `json:"outcome,omitempty"`
	Severity  Severity                `json:"severity,omitempty"`
	UpdatedAt time.Time               `json:"updated_at"`
}

// Observer is notified after every transition, outside the workflow lock.
type Observer func(Snapshot)

// Option configures a Workflow.
type Option func(*Workflow)

func WithObserver(fn Observer) Option {
	return func(w *Workflow) { w.observers = append(w.observers, fn) }
}

func WithClock(now func() time.Time) Option {
	return func(w *Workflow) { w.now = now }
}

// WithSubmitTimeout bounds the persistence round trip. Zero disables it.
func WithSubmitTimeout(d time.Duration) Option {
	return func(w *Workflow) { w.submitTimeout = d }
}

// Workflow is the single attendance state machine. All methods are safe
// for concurrent use; Submitting acts as a gate so at most one store
// round trip is ever in flight.
type Workflow struct {
	store         store.Store
	scanner       Scanner
	observers     []Observer
	now           func() time.Time
	submitTimeout time.Duration

	mu        sync.Mutex
	state     State
	cycleID   string
	pending   *payload.IdentityRecord
	outcome   *Outcome
	updatedAt time.Time
}

// New creates an Idle workflow.
func New(st store.Store, scanner Scanner, opts ...Option) *Workflow {
	w := &Workflow{
		store:         st,
		scanner:       scanner,
		now:           time.Now,
		submitTimeout: DefaultSubmitTimeout,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.updatedAt = w.now()
	return w
}

// Snapshot returns the current state.
func (w *Workflow) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshotLocked()
}

func (w *Workflow) snapshotLocked() Snapshot {
	s := Snapshot{State: w.state, CycleID: w.cycleID, UpdatedAt: w.updatedAt}
	if w.pending != nil {
		p := *w.pending
		s.Pending = &p
	}
	if w.outcome != nil {
		o := *w.outcome
		s.Outcome = &o
		s.Severity = o.Severity()
	}
	return s
}

// transitionLocked moves to next and returns the snapshot to publish.
func (w *Workflow) transitionLocked(next State) Snapshot {
	debug.Transition(w.state.String(), next.String())
	w.state = next
	w.updatedAt = w.now()
	return w.snapshotLocked()
}

func (w *Workflow) notify(s Snapshot) {
	for _, fn := range w.observers {
		fn(s)
	}
}

// HandleScan starts a cycle from a decoded payload. It is only accepted
// while Idle. A payload that does not parse skips confirmation.
func (w *Workflow) HandleScan(ev scan.ScanEvent) error {
	w.mu.Lock()
	if w.state != Idle {
		state := w.state
		w.mu.Unlock()
		return fmt.Errorf("scan in %s: %w", state, ErrInvalidState)
	}

	w.cycleID = uuid.NewString()
	w.outcome = nil
	w.pending = nil

	rec, err := payload.Parse(ev.RawPayload)
	var snap Snapshot
	if err != nil {
		o := newOutcome(RejectedInvalidPayload, nil, err)
		w.outcome = &o
		debug.Outcome(o.Kind.String(), "", o.Message)
		snap = w.transitionLocked(ShowingResult)
	} else {
		w.pending = &rec
		debug.Live("Confirm %s (%s)", rec.RegistrationNumber, rec.FullName())
		snap = w.transitionLocked(AwaitingConfirmation)
	}
	w.mu.Unlock()

	w.notify(snap)
	return nil
}

// Confirm submits the pending record and blocks until the outcome is
// known. Once started, submission is not cancelled by ctx beyond the
// store's own handling of it; the cycle always ends in ShowingResult.
func (w *Workflow) Confirm(ctx context.Context) (Outcome, error) {
	w.mu.Lock()
	if w.state != AwaitingConfirmation {
		state := w.state
		w.mu.Unlock()
		return Outcome{}, fmt.Errorf("confirm in %s: %w", state, ErrInvalidState)
	}
	rec := *w.pending
	snap := w.transitionLocked(Submitting)
	w.mu.Unlock()
	w.notify(snap)

	outcome := w.submit(ctx, rec)

	w.mu.Lock()
	w.outcome = &outcome
	w.pending = nil
	snap = w.transitionLocked(ShowingResult)
	w.mu.Unlock()

	debug.Outcome(outcome.Kind.String(), rec.RegistrationNumber, outcome.Message)
	if outcome.Err != nil {
		debug.Error(outcome.Err)
	}
	w.notify(snap)
	return outcome, nil
}

// submit runs lookup then insert. "Not found" on lookup is the expected
// not-duplicate signal; a conflict on insert means a concurrent scan won
// the race and is reported as AlreadyMarked.
func (w *Workflow) submit(ctx context.Context, rec payload.IdentityRecord) Outcome {
	// Submission runs to completion even if the caller goes away.
	ctx = context.WithoutCancel(ctx)
	if w.submitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.submitTimeout)
		defer cancel()
	}

	_, err := w.store.FindByKey(ctx, rec.RegistrationNumber)
	switch {
	case err == nil:
		return newOutcome(AlreadyMarked, &rec, nil)
	case !errors.Is(err, store.ErrNotFound):
		return newOutcome(RejectedPersistenceFailure, &rec, &PersistenceError{Op: LookupFailed, Err: err})
	}

	err = w.store.Insert(ctx, store.Record{
		RegistrationNumber: rec.RegistrationNumber,
		FirstName:          rec.FirstName,
		LastName:           rec.LastName,
		MarkedAt:           w.now(),
	})
	switch {
	case err == nil:
		return newOutcome(Recorded, &rec, nil)
	case errors.Is(err, store.ErrConflict):
		return newOutcome(AlreadyMarked, &rec, nil)
	default:
		return newOutcome(RejectedPersistenceFailure, &rec, &PersistenceError{Op: InsertFailed, Err: err})
	}
}

// Cancel drops the pending record and resumes scanning.
func (w *Workflow) Cancel() error {
	w.mu.Lock()
	if w.state != AwaitingConfirmation {
		state := w.state
		w.mu.Unlock()
		return fmt.Errorf("cancel in %s: %w", state, ErrInvalidState)
	}
	w.pending = nil
	snap := w.transitionLocked(Idle)
	w.mu.Unlock()

	debug.Live("Scan cancelled")
	w.notify(snap)
	w.scanner.Resume(ResumeAfterCancel)
	return nil
}

// Acknowledge dismisses the outcome. Scanning is resumed only while a
// capture session is running; a stopped camera stays stopped.
func (w *Workflow) Acknowledge() error {
	w.mu.Lock()
	if w.state != ShowingResult {
		state := w.state
		w.mu.Unlock()
		return fmt.Errorf("acknowledge in %s: %w", state, ErrInvalidState)
	}
	w.outcome = nil
	snap := w.transitionLocked(Idle)
	w.mu.Unlock()

	w.notify(snap)
	if w.scanner.Active() {
		w.scanner.Resume(ResumeAfterResult)
	} else {
		debug.Verbose("Camera inactive, scanning not resumed")
	}
	return nil
}

// Run feeds scan events into the workflow one at a time until ctx is done.
func (w *Workflow) Run(ctx context.Context, events <-chan scan.ScanEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := w.HandleScan(ev); err != nil {
				debug.Warn("dropping scan from frame %d: %v", ev.FrameSeq, err)
			}
		}
	}
}

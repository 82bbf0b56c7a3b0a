package camera

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/cjeanneret/RollGo/internal/debug"
)

// StateFunc is called after every change of the active session.
// It runs outside the manager lock.
type StateFunc func(active bool, deviceID string)

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithStateFunc registers a callback for session changes.
func WithStateFunc(fn StateFunc) ManagerOption {
	return func(m *Manager) {
		m.onState = append(m.onState, fn)
	}
}

// Manager is the single owner of the capture session. No other component
// binds or releases a device; at most one session is active at a time.
type Manager struct {
	backend Backend
	frames  *FrameBuffer
	onState []StateFunc

	mu        sync.Mutex
	session   Session
	preferred string
	lastBound string
}

// NewManager creates a manager over backend. Frames of the active session
// land in the manager's FrameBuffer.
func NewManager(backend Backend, opts ...ManagerOption) *Manager {
	m := &Manager{
		backend: backend,
		frames:  NewFrameBuffer(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Frames returns the buffer fed by the active session.
func (m *Manager) Frames() *FrameBuffer {
	return m.frames
}

// ListDevices enumerates devices. An empty list is a valid answer (no
// camera present or permitted) and is not an error.
func (m *Manager) ListDevices(ctx context.Context) ([]Device, error) {
	devices, err := m.backend.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("list capture devices: %w", err)
	}
	debug.Verbose("Camera: %d device(s) listed", len(devices))
	return devices, nil
}

// SelectDefault prefers a rear/environment-facing device, falling back to
// the first one. It records the choice as the preferred device and returns
// false when devices is empty.
func (m *Manager) SelectDefault(devices []Device) (Device, bool) {
	if len(devices) == 0 {
		return Device{}, false
	}
	chosen := devices[0]
	for _, d := range devices {
		label := strings.ToLower(d.Label)
		if strings.Contains(label, "back") || strings.Contains(label, "environment") {
			chosen = d
			break
		}
	}
	m.SetPreferred(chosen.ID)
	debug.Value("Default camera", chosen.Label)
	return chosen, true
}

// SetPreferred records the device Start uses when called without an id.
func (m *Manager) SetPreferred(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.preferred = deviceID
}

// Preferred returns the preferred device id.
func (m *Manager) Preferred() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.preferred
}

// Active reports whether a session is bound.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session != nil
}

// ActiveDevice returns the bound device id.
func (m *Manager) ActiveDevice() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return "", false
	}
	return m.session.DeviceID(), true
}

// Start binds deviceID, or the preferred device when deviceID is empty.
// Starting the device that is already bound is a no-op; starting another
// one switches to it. Failures are *CaptureError.
func (m *Manager) Start(ctx context.Context, deviceID string) error {
	m.mu.Lock()
	if deviceID == "" {
		deviceID = m.preferred
	}
	var err error
	switch {
	case deviceID == "":
		err = Classify("", ErrNoDevice)
	case m.session == nil:
		err = m.bindLocked(ctx, deviceID)
	case m.session.DeviceID() != deviceID:
		err = m.rebindLocked(ctx, deviceID)
	}
	m.unlockAndNotify()
	return err
}

// Stop releases the active session. It is a no-op without one.
func (m *Manager) Stop() error {
	m.mu.Lock()
	err := m.releaseLocked()
	m.unlockAndNotify()
	return err
}

// SwitchDevice changes the device. Without a session only the preferred
// device changes; with one the session is rebound under the manager lock,
// so callers never observe a stopped camera in between.
func (m *Manager) SwitchDevice(ctx context.Context, deviceID string) error {
	if deviceID == "" {
		return Classify("", ErrNoDevice)
	}
	m.mu.Lock()
	var err error
	switch {
	case m.session == nil:
		m.preferred = deviceID
		debug.Verbose("Camera: preferred device set to %q", deviceID)
	case m.session.DeviceID() != deviceID:
		err = m.rebindLocked(ctx, deviceID)
	}
	m.unlockAndNotify()
	return err
}

// Restart stops and starts the last bound device.
func (m *Manager) Restart(ctx context.Context) error {
	m.mu.Lock()
	deviceID := m.lastBound
	var err error
	if deviceID == "" {
		err = Classify("", ErrNoDevice)
	} else {
		if rerr := m.releaseLocked(); rerr != nil {
			debug.Warn("camera restart: %v", rerr)
		}
		err = m.bindLocked(ctx, deviceID)
	}
	m.unlockAndNotify()
	return err
}

// Close releases the device on teardown.
func (m *Manager) Close() error {
	return m.Stop()
}

func (m *Manager) bindLocked(ctx context.Context, deviceID string) error {
	session, err := m.backend.Bind(ctx, deviceID, m.frames)
	if err != nil {
		ce := Classify(deviceID, err)
		debug.Error(ce)
		return ce
	}
	m.session = session
	m.preferred = deviceID
	m.lastBound = deviceID
	debug.Device("started", deviceID)
	return nil
}

func (m *Manager) releaseLocked() error {
	if m.session == nil {
		return nil
	}
	deviceID := m.session.DeviceID()
	err := m.session.Release()
	m.session = nil
	m.frames.Reset()
	debug.Device("stopped", deviceID)
	if err != nil {
		return fmt.Errorf("release %s: %w", deviceID, err)
	}
	return nil
}

// rebindLocked moves the session to deviceID. If the new device cannot be
// bound, the previous one is restored best-effort and the bind error is
// returned.
func (m *Manager) rebindLocked(ctx context.Context, deviceID string) error {
	previous := m.session.DeviceID()
	if err := m.releaseLocked(); err != nil {
		debug.Warn("camera switch: %v", err)
	}
	err := m.bindLocked(ctx, deviceID)
	if err == nil {
		debug.Device("switched", deviceID)
		return nil
	}
	if rerr := m.bindLocked(ctx, previous); rerr != nil {
		debug.Warn("camera switch: restoring %q: %v", previous, rerr)
	}
	return err
}

func (m *Manager) unlockAndNotify() {
	active := m.session != nil
	var deviceID string
	if active {
		deviceID = m.session.DeviceID()
	}
	m.mu.Unlock()
	for _, fn := range m.onState {
		fn(active, deviceID)
	}
}

package web

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/cjeanneret/RollGo/internal/logic/attendance"
)

// Event types carried on the status stream.
const (
	EventLog    = "log"
	EventState  = "state"
	EventCamera = "camera"
	EventError  = "error"
)

// StatusEvent is one message on the SSE stream.
type StatusEvent struct {
	Type  string          `json:"type"`
	Time  string          `json:"t"`
	Level string          `json:"l,omitempty"`
	Msg   string          `json:"msg,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// StatusBroadcaster distributes status events to multiple SSE clients.
type StatusBroadcaster struct {
	mu      sync.RWMutex
	clients map[chan string]struct{}
	now     func() time.Time
}

// NewStatusBroadcaster creates a new broadcaster.
func NewStatusBroadcaster() *StatusBroadcaster {
	return &StatusBroadcaster{
		clients: make(map[chan string]struct{}),
		now:     time.Now,
	}
}

// Subscribe returns a channel that receives broadcast messages and a cleanup function.
// The caller must call the returned cleanup when done (e.g. on client disconnect).
func (b *StatusBroadcaster) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 64)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.clients, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Clients returns the number of subscribers.
func (b *StatusBroadcaster) Clients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Broadcast sends a log line to all subscribed clients.
// Slow clients may miss messages (non-blocking, buffered).
func (b *StatusBroadcaster) Broadcast(level, msg string) {
	b.send(StatusEvent{Type: EventLog, Level: level, Msg: msg})
}

// BroadcastMsg is a convenience for level "info".
func (b *StatusBroadcaster) BroadcastMsg(msg string) {
	b.Broadcast("info", msg)
}

// BroadcastError sends an operator-facing error message.
func (b *StatusBroadcaster) BroadcastError(msg string) {
	b.send(StatusEvent{Type: EventError, Level: "error", Msg: msg})
}

// Publish sends v, JSON-encoded, as an event of the given type.
func (b *StatusBroadcaster) Publish(eventType string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	b.send(StatusEvent{Type: eventType, Data: data})
}

// PublishState sends a workflow snapshot. It has the attendance.Observer signature.
func (b *StatusBroadcaster) PublishState(s attendance.Snapshot) {
	b.Publish(EventState, s)
}

// PublishCamera sends the capture session state. It has the camera.StateFunc signature.
func (b *StatusBroadcaster) PublishCamera(active bool, deviceID string) {
	b.Publish(EventCamera, cameraState{Active: active, DeviceID: deviceID})
}

// encode stamps evt and renders it as one SSE data line.
func (b *StatusBroadcaster) encode(evt StatusEvent) (string, bool) {
	evt.Time = b.now().Format(time.RFC3339)
	data, err := json.Marshal(evt)
	if err != nil {
		return "", false
	}
	return string(data), true
}

func (b *StatusBroadcaster) send(evt StatusEvent) {
	payload, ok := b.encode(evt)
	if !ok {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- payload:
		default:
			// channel full, skip
		}
	}
}

// BroadcastWriter implements io.Writer; each Write broadcasts the content to SSE clients.
func BroadcastWriter(b *StatusBroadcaster) *broadcastWriter {
	return &broadcastWriter{b: b}
}

// broadcastWriter wraps StatusBroadcaster as io.Writer for use with debug.SetOutput.
type broadcastWriter struct {
	b *StatusBroadcaster
}

func (w *broadcastWriter) Write(p []byte) (n int, err error) {
	for _, line := range strings.Split(string(p), "\n") {
		if msg := strings.TrimSpace(line); msg != "" {
			w.b.Broadcast(levelOf(msg), msg)
		}
	}
	return len(p), nil
}

// levelOf maps the debug package's line tags to stream levels.
func levelOf(line string) string {
	switch {
	case strings.Contains(line, "[ERROR]"):
		return "error"
	case strings.Contains(line, "[WARN]"):
		return "warn"
	default:
		return "info"
	}
}

package camera

import (
	"context"
	"fmt"
	"image"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cjeanneret/RollGo/internal/debug"
)

const maxSnapshotBytes = 16 << 20

// SnapshotDevice is a network camera exposing a still-image URL.
type SnapshotDevice struct {
	ID    string
	Label string
	URL   string
}

// SnapshotBackend polls network cameras for JPEG/PNG snapshots.
// With requireTLS, plain http URLs are refused as InsecureContext.
type SnapshotBackend struct {
	devices    []SnapshotDevice
	client     *http.Client
	interval   time.Duration
	requireTLS bool
}

// NewSnapshotBackend creates a backend over the configured cameras.
// A nil client uses a client with a 10 second timeout.
func NewSnapshotBackend(devices []SnapshotDevice, client *http.Client, interval time.Duration, requireTLS bool) *SnapshotBackend {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &SnapshotBackend{
		devices:    append([]SnapshotDevice(nil), devices...),
		client:     client,
		interval:   interval,
		requireTLS: requireTLS,
	}
}

func (b *SnapshotBackend) ListDevices(_ context.Context) ([]Device, error) {
	devices := make([]Device, 0, len(b.devices))
	for _, d := range b.devices {
		devices = append(devices, Device{ID: d.ID, Label: d.Label})
	}
	return devices, nil
}

func (b *SnapshotBackend) Bind(ctx context.Context, deviceID string, sink Sink) (Session, error) {
	var dev *SnapshotDevice
	for i := range b.devices {
		if b.devices[i].ID == deviceID {
			dev = &b.devices[i]
			break
		}
	}
	if dev == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDevice, deviceID)
	}

	u, err := url.Parse(dev.URL)
	if err != nil {
		return nil, fmt.Errorf("parse snapshot url: %w", err)
	}
	if b.requireTLS && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: %s", ErrInsecureSource, u.Redacted())
	}

	first, err := b.fetch(ctx, dev.URL)
	if err != nil {
		return nil, err
	}
	sink.PutFrame(first)

	pollCtx, cancel := context.WithCancel(context.Background())
	s := &snapshotSession{id: deviceID, cancel: cancel, done: make(chan struct{})}
	go s.run(pollCtx, b, dev.URL, sink)
	return s, nil
}

func (b *SnapshotBackend) fetch(ctx context.Context, rawURL string) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build snapshot request: %w", err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("fetch snapshot: %s: %w", resp.Status, fs.ErrPermission)
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("fetch snapshot: %s: %w", resp.Status, fs.ErrNotExist)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("fetch snapshot: unexpected status %s", resp.Status)
	}

	img, _, err := image.Decode(io.LimitReader(resp.Body, maxSnapshotBytes))
	if err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return img, nil
}

type snapshotSession struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *snapshotSession) DeviceID() string { return s.id }

func (s *snapshotSession) run(ctx context.Context, b *SnapshotBackend, rawURL string, sink Sink) {
	defer close(s.done)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		img, err := b.fetch(ctx, rawURL)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			debug.Warn("snapshot camera %s: %v", s.id, err)
			continue
		}
		sink.PutFrame(img)
	}
}

func (s *snapshotSession) Release() error {
	s.once.Do(s.cancel)
	<-s.done
	return nil
}

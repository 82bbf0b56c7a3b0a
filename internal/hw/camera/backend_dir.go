package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cjeanneret/RollGo/internal/debug"
)

// DirBackend treats every sub-directory of root as a camera whose video is
// the images inside it, replayed in name order. It is used for kiosks
// without a camera attached, demos and tests.
//
// A device's label is the first line of its "label" file, or the directory
// name.
type DirBackend struct {
	root     string
	interval time.Duration
}

// NewDirBackend creates a directory backend replaying one image per interval.
func NewDirBackend(root string, interval time.Duration) *DirBackend {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	return &DirBackend{root: root, interval: interval}
}

func (b *DirBackend) ListDevices(_ context.Context) ([]Device, error) {
	entries, err := os.ReadDir(b.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read capture root: %w", err)
	}

	var devices []Device
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		devices = append(devices, Device{ID: e.Name(), Label: b.label(e.Name())})
	}
	return devices, nil
}

func (b *DirBackend) label(id string) string {
	data, err := os.ReadFile(filepath.Join(b.root, id, "label"))
	if err != nil {
		return id
	}
	line, _, _ := strings.Cut(string(data), "\n")
	if line = strings.TrimSpace(line); line != "" {
		return line
	}
	return id
}

func (b *DirBackend) Bind(_ context.Context, deviceID string, sink Sink) (Session, error) {
	if deviceID == "" || filepath.Base(deviceID) != deviceID || deviceID == "." || deviceID == ".." {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDevice, deviceID)
	}
	dir := filepath.Join(b.root, deviceID)
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("open device: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %q is not a directory", ErrUnknownDevice, deviceID)
	}

	frames, err := loadFrames(dir)
	if err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("device %q has no frames", deviceID)
	}

	s := &dirSession{
		id:   deviceID,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	sink.PutFrame(frames[0])
	go s.run(sink, frames, b.interval)
	return s, nil
}

func loadFrames(dir string) ([]image.Image, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read device: %w", err)
	}
	var frames []image.Image
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".png", ".jpg", ".jpeg", ".gif":
		default:
			continue
		}
		img, err := decodeFile(filepath.Join(dir, e.Name()))
		if err != nil {
			debug.Warn("skipping frame %s: %v", e.Name(), err)
			continue
		}
		frames = append(frames, img)
	}
	return frames, nil
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	return img, err
}

type dirSession struct {
	id       string
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func (s *dirSession) DeviceID() string { return s.id }

func (s *dirSession) run(sink Sink, frames []image.Image, interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	next := 1
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			sink.PutFrame(frames[next%len(frames)])
			debug.Trace("dir camera %s: frame %d", s.id, next%len(frames))
			next++
		}
	}
}

func (s *dirSession) Release() error {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
	return nil
}

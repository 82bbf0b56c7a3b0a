//go:build linux

package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/blackjack/webcam"

	"github.com/cjeanneret/RollGo/internal/debug"
)

// 'MJPG' fourcc.
const pixelFormatMJPEG = webcam.PixelFormat(0x47504A4D)

const (
	v4l2FrameTimeoutSec = 2
	v4l2RetryDelay      = 500 * time.Millisecond
)

// V4L2Backend captures MJPEG frames from /dev/video* devices.
type V4L2Backend struct {
	width, height uint32
	devGlob       string
	sysfsRoot     string
}

// NewV4L2Backend creates a V4L2 backend requesting width x height frames.
func NewV4L2Backend(width, height int) (Backend, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("v4l2: invalid frame size %dx%d", width, height)
	}
	return &V4L2Backend{
		width:     uint32(width),
		height:    uint32(height),
		devGlob:   "/dev/video*",
		sysfsRoot: "/sys/class/video4linux",
	}, nil
}

func (b *V4L2Backend) ListDevices(_ context.Context) ([]Device, error) {
	paths, err := filepath.Glob(b.devGlob)
	if err != nil {
		return nil, fmt.Errorf("glob video devices: %w", err)
	}
	sort.Strings(paths)

	devices := make([]Device, 0, len(paths))
	for _, p := range paths {
		label := filepath.Base(p)
		if data, err := os.ReadFile(filepath.Join(b.sysfsRoot, filepath.Base(p), "name")); err == nil {
			if name := strings.TrimSpace(string(data)); name != "" {
				label = name
			}
		}
		devices = append(devices, Device{ID: p, Label: label})
	}
	return devices, nil
}

func (b *V4L2Backend) Bind(ctx context.Context, deviceID string, sink Sink) (Session, error) {
	if ok, _ := filepath.Match(b.devGlob, deviceID); !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDevice, deviceID)
	}

	cam, err := webcam.Open(deviceID)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", deviceID, err)
	}

	if _, ok := cam.GetSupportedFormats()[pixelFormatMJPEG]; !ok {
		cam.Close()
		return nil, fmt.Errorf("open %s: MJPEG not supported", deviceID)
	}
	if _, _, _, err := cam.SetImageFormat(pixelFormatMJPEG, b.width, b.height); err != nil {
		cam.Close()
		return nil, fmt.Errorf("set format on %s: %w", deviceID, err)
	}
	if err := cam.StartStreaming(); err != nil {
		cam.Close()
		return nil, fmt.Errorf("start streaming on %s: %w", deviceID, err)
	}

	s := &v4l2Session{id: deviceID, cam: cam, stop: make(chan struct{}), done: make(chan struct{})}
	if err := s.firstFrame(ctx, sink); err != nil {
		_ = cam.StopStreaming()
		cam.Close()
		return nil, err
	}
	go s.run(sink)
	return s, nil
}

type v4l2Session struct {
	id   string
	cam  *webcam.Webcam
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func (s *v4l2Session) DeviceID() string { return s.id }

func (s *v4l2Session) firstFrame(ctx context.Context, sink Sink) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, err := s.readFrame(sink)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
}

// readFrame returns false when the device timed out or delivered an
// undecodable frame.
func (s *v4l2Session) readFrame(sink Sink) (bool, error) {
	err := s.cam.WaitForFrame(v4l2FrameTimeoutSec)
	var timeout *webcam.Timeout
	if errors.As(err, &timeout) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("wait for frame on %s: %w", s.id, err)
	}

	raw, err := s.cam.ReadFrame()
	if err != nil {
		return false, fmt.Errorf("read frame on %s: %w", s.id, err)
	}
	if len(raw) == 0 {
		return false, nil
	}
	// TODO: insert the default Huffman tables for cameras that omit DHT in MJPEG frames.
	img, err := jpeg.Decode(bytes.NewReader(raw))
	if err != nil {
		debug.Trace("v4l2 %s: dropping frame: %v", s.id, err)
		return false, nil
	}
	sink.PutFrame(img)
	return true, nil
}

func (s *v4l2Session) run(sink Sink) {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		default:
		}
		if _, err := s.readFrame(sink); err != nil {
			debug.Warn("v4l2 camera: %v", err)
			select {
			case <-s.stop:
				return
			case <-time.After(v4l2RetryDelay):
			}
		}
	}
}

func (s *v4l2Session) Release() error {
	var err error
	s.once.Do(func() {
		close(s.stop)
		<-s.done
		if serr := s.cam.StopStreaming(); serr != nil {
			err = fmt.Errorf("stop streaming on %s: %w", s.id, serr)
		}
		if cerr := s.cam.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", s.id, cerr)
		}
	})
	return err
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cjeanneret/RollGo/internal/config"
	"github.com/cjeanneret/RollGo/internal/debug"
	"github.com/cjeanneret/RollGo/internal/hw/camera"
	"github.com/cjeanneret/RollGo/internal/logic/attendance"
	"github.com/cjeanneret/RollGo/internal/metrics"
	"github.com/cjeanneret/RollGo/internal/store"
)

// ---------- validateCLIOverrides ----------

func TestValidateCLIOverrides_Unset(t *testing.T) {
	assert.NoError(t, validateCLIOverrides(cliOverrides{DebugLevel: -1}))
}

func TestValidateCLIOverrides_Valid(t *testing.T) {
	cases := []cliOverrides{
		{DebugLevel: 0},
		{DebugLevel: 4},
		{DebugLevel: -1, SampleRate: 0.5},
		{DebugLevel: -1, SampleRate: 60},
		{DebugLevel: -1, Port: 8980, Device: "video2"},
	}
	for _, o := range cases {
		assert.NoError(t, validateCLIOverrides(o), "%+v", o)
	}
}

func TestValidateCLIOverrides_Invalid(t *testing.T) {
	cases := []struct {
		name string
		o    cliOverrides
	}{
		{"debug_too_high", cliOverrides{DebugLevel: 5}},
		{"debug_too_low", cliOverrides{DebugLevel: -2}},
		{"rate_negative", cliOverrides{DebugLevel: -1, SampleRate: -1}},
		{"rate_too_high", cliOverrides{DebugLevel: -1, SampleRate: 61}},
		{"rate_nan", cliOverrides{DebugLevel: -1, SampleRate: math.NaN()}},
		{"rate_inf", cliOverrides{DebugLevel: -1, SampleRate: math.Inf(1)}},
		{"port", cliOverrides{DebugLevel: -1, Port: 70000}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, validateCLIOverrides(tc.o))
		})
	}
}

// ---------- webPortFlag ----------

func TestWebPortFlag_EmptyString(t *testing.T) {
	w := &webPortFlag{defaultPort: 8080}
	require.NoError(t, w.Set(""))
	assert.Equal(t, 8080, w.port())
}

func TestWebPortFlag_ValidPorts(t *testing.T) {
	cases := []struct {
		input string
		want  int
	}{
		{"8080", 8080},
		{"1", 1},
		{"65535", 65535},
	}
	for _, tc := range cases {
		t.Run(tc.input, func(t *testing.T) {
			w := &webPortFlag{defaultPort: 8080}
			require.NoError(t, w.Set(tc.input))
			assert.Equal(t, tc.want, w.port())
		})
	}
}

func TestWebPortFlag_InvalidPorts(t *testing.T) {
	for _, input := range []string{"0", "65536", "-1", "abc", "8080.5"} {
		t.Run(input, func(t *testing.T) {
			w := &webPortFlag{defaultPort: 8080}
			assert.Error(t, w.Set(input))
		})
	}
}

func TestWebPortFlag_String(t *testing.T) {
	w := &webPortFlag{val: 0}
	assert.Equal(t, "0", w.String())
	w.val = 9090
	assert.Equal(t, "9090", w.String())
}

// ---------- applyOverrides ----------

func baseConfig() *config.Config {
	return &config.Config{
		Capture:  config.CaptureConfig{Backend: config.BackendDir, PreferredDevice: "cam0"},
		Decoder:  config.DecoderConfig{SampleRateHz: 8},
		Web:      config.WebConfig{Port: 8080},
		Defaults: config.DefaultsConfig{DebugLevel: 1},
	}
}

func TestApplyOverrides_Set(t *testing.T) {
	cfg := baseConfig()
	applyOverrides(cfg, cliOverrides{Port: 8980, DebugLevel: 3, Device: "cam1", SampleRate: 15})

	assert.Equal(t, 8980, cfg.Web.Port)
	assert.Equal(t, 3, cfg.Defaults.DebugLevel)
	assert.Equal(t, "cam1", cfg.Capture.PreferredDevice)
	assert.Equal(t, 15.0, cfg.Decoder.SampleRateHz)
}

func TestApplyOverrides_UnsetLeavesConfig(t *testing.T) {
	cfg := baseConfig()
	applyOverrides(cfg, cliOverrides{DebugLevel: -1})
	assert.Equal(t, baseConfig(), cfg)
}

func TestApplyOverrides_DebugZeroDisables(t *testing.T) {
	cfg := baseConfig()
	applyOverrides(cfg, cliOverrides{DebugLevel: 0})
	assert.Equal(t, 0, cfg.Defaults.DebugLevel)
}

// ---------- factories ----------

func TestNewBackendFromConfig(t *testing.T) {
	cfg := baseConfig()
	cfg.Capture.Dir.Root = t.TempDir()
	b, err := newBackendFromConfig(cfg)
	require.NoError(t, err)
	assert.IsType(t, &camera.DirBackend{}, b)

	cfg.Capture.Backend = config.BackendSnapshot
	cfg.Capture.Snapshot.Devices = []config.SnapshotDeviceConfig{{ID: "lobby", URL: "https://cam.example.org/s.jpg"}}
	b, err = newBackendFromConfig(cfg)
	require.NoError(t, err)
	devices, err := b.ListDevices(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []camera.Device{{ID: "lobby"}}, devices)

	cfg.Capture.Backend = "webrtc"
	_, err = newBackendFromConfig(cfg)
	assert.Error(t, err)
}

func TestNewStoreFromConfig(t *testing.T) {
	ctx := context.Background()
	cfg := baseConfig()

	cfg.Store.Type = config.StoreMemory
	st, err := newStoreFromConfig(ctx, cfg)
	require.NoError(t, err)
	assert.IsType(t, &store.Memory{}, st)

	cfg.Store.Type = config.StorePostgREST
	cfg.Store.PostgREST = config.PostgRESTConfig{URL: "https://project.supabase.co/rest/v1", Table: "students"}
	st, err = newStoreFromConfig(ctx, cfg)
	require.NoError(t, err)
	assert.IsType(t, &store.PostgREST{}, st)

	cfg.Store.Type = "mongo"
	_, err = newStoreFromConfig(ctx, cfg)
	assert.Error(t, err)
}

// ---------- startup ----------

// countingBackend lists a fixed set of devices and counts Bind calls.
type countingBackend struct {
	mu      sync.Mutex
	devices []camera.Device
	binds   int
}

func (b *countingBackend) ListDevices(context.Context) ([]camera.Device, error) {
	return b.devices, nil
}

func (b *countingBackend) Bind(_ context.Context, deviceID string, sink camera.Sink) (camera.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.binds++
	sink.PutFrame(image.NewGray(image.Rect(0, 0, 1, 1)))
	return stubSession(deviceID), nil
}

func (b *countingBackend) bindCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.binds
}

type stubSession string

func (s stubSession) DeviceID() string { return string(s) }
func (s stubSession) Release() error   { return nil }

func TestAutostart_NoDevicesDoesNotBind(t *testing.T) {
	ctx := context.Background()
	backend := &countingBackend{}
	manager := camera.NewManager(backend)
	defer manager.Close()
	m := metrics.New()

	available := selectStartupDevice(ctx, manager, "cam9")
	assert.False(t, available)
	autostartCamera(ctx, manager, m, available)

	assert.Zero(t, backend.bindCount())
	assert.False(t, manager.Active())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CaptureErrors.WithLabelValues(camera.DeviceNotFound.String())))
}

func TestAutostart_BindsPreferredDevice(t *testing.T) {
	ctx := context.Background()
	backend := &countingBackend{devices: []camera.Device{{ID: "cam0"}, {ID: "cam1"}}}
	manager := camera.NewManager(backend)
	defer manager.Close()

	available := selectStartupDevice(ctx, manager, "cam1")
	require.True(t, available)
	autostartCamera(ctx, manager, metrics.New(), available)

	assert.Equal(t, 1, backend.bindCount())
	id, ok := manager.ActiveDevice()
	assert.True(t, ok)
	assert.Equal(t, "cam1", id)
}

// ---------- scanControl ----------

type fakeSession struct {
	active   bool
	restarts int
}

func (s *fakeSession) Active() bool { return s.active }
func (s *fakeSession) Restart(context.Context) error {
	s.restarts++
	return nil
}

type fakeResumer struct{ resumes int }

func (r *fakeResumer) Resume() { r.resumes++ }

type fixedState attendance.State

func (s fixedState) Snapshot() attendance.Snapshot {
	return attendance.Snapshot{State: attendance.State(s)}
}

func TestScanControl_Resume(t *testing.T) {
	cases := []struct {
		name         string
		restartOnAck bool
		active       bool
		cause        attendance.ResumeCause
		wantRestarts int
	}{
		{"ack_restarts", true, true, attendance.ResumeAfterResult, 1},
		{"cancel_keeps_session", true, true, attendance.ResumeAfterCancel, 0},
		{"option_off", false, true, attendance.ResumeAfterResult, 0},
		{"camera_stopped", true, false, attendance.ResumeAfterResult, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cam := &fakeSession{active: tc.active}
			loop := &fakeResumer{}
			c := &scanControl{ctx: context.Background(), camera: cam, loop: loop, restartOnAck: tc.restartOnAck}

			c.Resume(tc.cause)
			assert.Equal(t, tc.wantRestarts, cam.restarts)
			assert.Equal(t, 1, loop.resumes, "decode loop is always re-armed")
		})
	}
}

func TestScanControl_CameraChanged(t *testing.T) {
	cases := []struct {
		name        string
		active      bool
		state       attendance.State
		wantResumes int
	}{
		{"started_while_idle", true, attendance.Idle, 1},
		{"started_with_pending_scan", true, attendance.AwaitingConfirmation, 0},
		{"started_while_showing_result", true, attendance.ShowingResult, 0},
		{"stopped", false, attendance.Idle, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			loop := &fakeResumer{}
			c := &scanControl{camera: &fakeSession{}, loop: loop, workflow: fixedState(tc.state)}
			c.cameraChanged(tc.active)
			assert.Equal(t, tc.wantResumes, loop.resumes)
		})
	}
}

func TestScanControl_CameraChangedBeforeWiring(t *testing.T) {
	c := &scanControl{}
	assert.NotPanics(t, func() { c.cameraChanged(true) })
}

// ---------- end to end ----------

// writeQRFrame renders payload into root/<device>/0001.png.
func writeQRFrame(t *testing.T, root, device, payload string) {
	t.Helper()
	matrix, err := qrcode.NewQRCodeWriter().Encode(payload, gozxing.BarcodeFormat_QR_CODE, 200, 200, nil)
	require.NoError(t, err)
	img := image.NewGray(image.Rect(0, 0, 240, 240))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(20, 20, 220, 220), matrix, image.Point{}, draw.Src)

	dir := filepath.Join(root, device)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	f, err := os.Create(filepath.Join(dir, "0001.png"))
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

type kioskState struct {
	Camera struct {
		Active   bool   `json:"active"`
		DeviceID string `json:"device_id"`
	} `json:"camera"`
	Workflow struct {
		State string `json:"state"`
	} `json:"workflow"`
}

type outcomeResponse struct {
	Kind     string `json:"kind"`
	Severity string `json:"severity"`
}

// kiosk is a running process with a QR code in front of camera cam0.
type kiosk struct {
	t    *testing.T
	base string
}

func startKiosk(t *testing.T, restartOnAck bool) *kiosk {
	t.Helper()
	debug.Init(0)
	root := t.TempDir()
	writeQRFrame(t, root, "cam0", "21BCE001 Jane Doe")

	cfg := &config.Config{
		Capture: config.CaptureConfig{
			Backend:      config.BackendDir,
			Dir:          config.DirConfig{Root: root, FrameIntervalMs: 20},
			RestartOnAck: restartOnAck,
		},
		Decoder: config.DecoderConfig{SampleRateHz: 20},
		Store:   config.StoreConfig{Type: config.StoreMemory, TimeoutMs: 2000},
		Web:     config.WebConfig{Port: freePort(t)},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, true) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("run did not stop")
		}
	})
	return &kiosk{t: t, base: fmt.Sprintf("http://127.0.0.1:%d", cfg.Web.Port)}
}

func (k *kiosk) state() (kioskState, bool) {
	var s kioskState
	resp, err := http.Get(k.base + "/api/state")
	if err != nil {
		return s, false
	}
	defer resp.Body.Close()
	return s, json.NewDecoder(resp.Body).Decode(&s) == nil
}

func (k *kiosk) waitFor(state string) {
	k.t.Helper()
	require.Eventually(k.t, func() bool {
		s, ok := k.state()
		return ok && s.Workflow.State == state
	}, 5*time.Second, 20*time.Millisecond, "workflow never reached %s", state)
}

func (k *kiosk) post(path string) *http.Response {
	k.t.Helper()
	resp, err := http.Post(k.base+path, "application/json", nil)
	require.NoError(k.t, err)
	k.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (k *kiosk) confirm() outcomeResponse {
	k.t.Helper()
	resp := k.post("/api/scan/confirm")
	require.Equal(k.t, http.StatusOK, resp.StatusCode)
	var out outcomeResponse
	require.NoError(k.t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestRun_ScanConfirmAcknowledge(t *testing.T) {
	k := startKiosk(t, false)
	k.waitFor("AwaitingConfirmation")

	s, _ := k.state()
	assert.True(t, s.Camera.Active)
	assert.Equal(t, "cam0", s.Camera.DeviceID)

	out := k.confirm()
	assert.Equal(t, "Recorded", out.Kind)
	assert.Equal(t, "success", out.Severity)
	assert.Equal(t, http.StatusOK, k.post("/api/result/ack").StatusCode)

	// The same code is still in front of the camera: the next cycle
	// finds it already marked.
	k.waitFor("AwaitingConfirmation")
	assert.Equal(t, "AlreadyMarked", k.confirm().Kind)
}

func TestRun_ScanningResumesWhenCameraRestartsAfterStop(t *testing.T) {
	k := startKiosk(t, false)
	k.waitFor("AwaitingConfirmation")

	assert.Equal(t, http.StatusOK, k.post("/api/camera/stop").StatusCode)
	assert.Equal(t, "Recorded", k.confirm().Kind)
	assert.Equal(t, http.StatusOK, k.post("/api/result/ack").StatusCode)

	s, _ := k.state()
	assert.Equal(t, "Idle", s.Workflow.State)
	assert.False(t, s.Camera.Active)

	assert.Equal(t, http.StatusOK, k.post("/api/camera/start").StatusCode)
	k.waitFor("AwaitingConfirmation")
	assert.Equal(t, "AlreadyMarked", k.confirm().Kind)
}

func TestRun_CancelAfterStopResumesOnStart(t *testing.T) {
	k := startKiosk(t, false)
	k.waitFor("AwaitingConfirmation")

	assert.Equal(t, http.StatusOK, k.post("/api/camera/stop").StatusCode)
	assert.Equal(t, http.StatusOK, k.post("/api/scan/cancel").StatusCode)
	assert.Equal(t, http.StatusOK, k.post("/api/camera/start").StatusCode)
	k.waitFor("AwaitingConfirmation")
}

func TestRun_RestartOnAcknowledge(t *testing.T) {
	k := startKiosk(t, true)
	k.waitFor("AwaitingConfirmation")

	assert.Equal(t, "Recorded", k.confirm().Kind)
	assert.Equal(t, http.StatusOK, k.post("/api/result/ack").StatusCode)

	k.waitFor("AwaitingConfirmation")
	s, _ := k.state()
	assert.True(t, s.Camera.Active)
	assert.Equal(t, "cam0", s.Camera.DeviceID)
}

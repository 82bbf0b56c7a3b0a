package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/cjeanneret/RollGo/internal/config"
	"github.com/cjeanneret/RollGo/internal/debug"
	"github.com/cjeanneret/RollGo/internal/hw/camera"
	"github.com/cjeanneret/RollGo/internal/hw/gpio"
	"github.com/cjeanneret/RollGo/internal/hw/indicator"
	"github.com/cjeanneret/RollGo/internal/hw/qr"
	"github.com/cjeanneret/RollGo/internal/logic/attendance"
	"github.com/cjeanneret/RollGo/internal/logic/scan"
	"github.com/cjeanneret/RollGo/internal/metrics"
	"github.com/cjeanneret/RollGo/internal/store"
	"github.com/cjeanneret/RollGo/internal/web"
)

func main() {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "override web port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	debugLevel := flag.Int("debug", -1, "override debug level (0-4); -1 keeps the config value")
	device := flag.String("device", "", "override preferred capture device id")
	sampleRate := flag.Float64("rate", 0, "override decode sample rate in frames per second")
	autostart := flag.Bool("autostart", false, "start the preferred camera at launch")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Load configuration
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	overrides := cliOverrides{
		Port:       webPort.port(),
		DebugLevel: *debugLevel,
		Device:     *device,
		SampleRate: *sampleRate,
	}
	if err := validateCLIOverrides(overrides); err != nil {
		log.Fatalf("invalid CLI override: %v", err)
	}
	applyOverrides(cfg, overrides)

	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", debug.Level())

	if err := run(ctx, cfg, *autostart); err != nil {
		log.Fatalf("rollgo: %v", err)
	}
}

// run wires the kiosk and blocks until ctx is cancelled or a component fails.
func run(ctx context.Context, cfg *config.Config, autostart bool) error {
	m := metrics.New()
	broadcaster := web.NewStatusBroadcaster()
	debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))

	// Indicator LEDs
	var ind *indicator.Indicator
	if cfg.Indicator.Enabled {
		debug.Step(1, "Initializing GPIO indicator")
		debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)
		gpioDriver, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
		if err != nil {
			return fmt.Errorf("init GPIO: %w", err)
		}
		defer func() {
			if err := gpioDriver.Close(); err != nil {
				log.Printf("closing GPIO driver failed: %v", err)
			}
		}()
		ind, err = indicator.New(gpioDriver, indicator.Pins{
			Green:  cfg.Indicator.GreenPin,
			Yellow: cfg.Indicator.YellowPin,
			Red:    cfg.Indicator.RedPin,
		}, cfg.PulseDuration())
		if err != nil {
			return fmt.Errorf("init indicator: %w", err)
		}
		debug.PrintStruct("Indicator config", cfg.Indicator)
	}

	// Camera
	debug.Step(2, "Initializing capture backend")
	backend, err := newBackendFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("init capture backend: %w", err)
	}
	debug.Value("Capture backend", cfg.Capture.Backend)
	control := &scanControl{ctx: ctx, restartOnAck: cfg.Capture.RestartOnAck}
	manager := camera.NewManager(backend, camera.WithStateFunc(func(active bool, deviceID string) {
		m.SetCameraActive(active)
		broadcaster.PublishCamera(active, deviceID)
		control.cameraChanged(active)
	}))
	defer manager.Close()
	control.camera = manager
	devicesAvailable := selectStartupDevice(ctx, manager, cfg.Capture.PreferredDevice)

	// Store
	debug.Step(3, "Connecting attendance store")
	st, err := newStoreFromConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer st.Close()
	debug.Value("Store type", cfg.Store.Type)

	// Decode loop and workflow
	debug.Step(4, "Starting scan workflow")
	loop := scan.New(manager.Frames(), qr.NewZXing(cfg.Decoder.TryHarder),
		scan.WithRate(cfg.Decoder.SampleRateHz),
		scan.WithScanHandler(func(scan.ScanEvent) { m.IncrementScans() }),
		scan.WithWarningHandler(func(scan.DecodeWarning) { m.IncrementDecodeWarnings() }),
	)
	control.loop = loop

	observers := []attendance.Option{
		attendance.WithSubmitTimeout(cfg.StoreTimeout()),
		attendance.WithObserver(broadcaster.PublishState),
		attendance.WithObserver(func(s attendance.Snapshot) {
			if s.State == attendance.ShowingResult && s.Outcome != nil {
				m.IncrementOutcome(s.Outcome.Kind.String())
			}
		}),
	}
	if ind != nil {
		observers = append(observers, attendance.WithObserver(ind.Observe))
	}
	wf := attendance.New(st, control, observers...)
	control.workflow = wf

	// Web surface
	addr := fmt.Sprintf(":%d", cfg.Web.Port)
	srv, err := web.NewServer(addr, web.Deps{
		Camera:      manager,
		Workflow:    wf,
		Broadcaster: broadcaster,
		Metrics:     m,
		OnCaptureError: func(camera.ErrorKind) {
			if ind != nil {
				ind.Signal(attendance.SeverityError)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("init web server: %w", err)
	}

	if autostart {
		autostartCamera(ctx, manager, m, devicesAvailable)
	}

	debug.Summary("RollGo ready on " + addr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(loop.Run(gctx)) })
	g.Go(func() error { return ignoreCanceled(wf.Run(gctx, loop.Events())) })
	g.Go(func() error { return srv.Run(gctx) })
	if ind != nil {
		g.Go(func() error { return ignoreCanceled(ind.Run(gctx)) })
	}
	return g.Wait()
}

// selectStartupDevice enumerates cameras once and records the preferred one.
// An explicit id wins over the rear-camera heuristic. It reports whether
// any device was found.
func selectStartupDevice(ctx context.Context, manager *camera.Manager, preferred string) bool {
	devices, err := manager.ListDevices(ctx)
	if err != nil {
		debug.Warn("camera enumeration failed: %v", err)
		return false
	}
	debug.Info("%d camera(s) available", len(devices))
	if debug.IsEnabled(debug.LevelLive) {
		for _, d := range devices {
			debug.Device("found", d.ID+" ("+d.Label+")")
		}
	}
	if len(devices) == 0 {
		debug.Warn("%s", camera.DeviceNotFound.Remedy())
		return false
	}
	if preferred != "" {
		manager.SetPreferred(preferred)
		debug.Value("Preferred camera", preferred)
		return true
	}
	manager.SelectDefault(devices)
	return true
}

// autostartCamera binds the preferred camera at launch. Without any
// device nothing is bound.
func autostartCamera(ctx context.Context, manager *camera.Manager, m *metrics.Metrics, devicesAvailable bool) {
	if !devicesAvailable {
		m.IncrementCaptureError(camera.DeviceNotFound.String())
		debug.Warn("autostart skipped: %s", camera.DeviceNotFound.Remedy())
		return
	}
	if err := manager.Start(ctx, ""); err != nil {
		m.IncrementCaptureError(camera.KindOf(err).String())
		debug.Warn("autostart: %s", camera.KindOf(err).Remedy())
		debug.Error(err)
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// scanControl re-arms the decode loop after a cycle and whenever a capture
// session comes up while no cycle is open.
type scanControl struct {
	ctx          context.Context
	camera       cameraSession
	loop         resumer
	workflow     workflowState
	restartOnAck bool
}

type cameraSession interface {
	Active() bool
	Restart(ctx context.Context) error
}

type resumer interface {
	Resume()
}

type workflowState interface {
	Snapshot() attendance.Snapshot
}

func (s *scanControl) Active() bool { return s.camera.Active() }

// Resume rebinds the camera first when restart_on_ack is set and a result
// was just dismissed.
func (s *scanControl) Resume(cause attendance.ResumeCause) {
	if cause == attendance.ResumeAfterResult && s.restartOnAck && s.camera.Active() {
		debug.Verbose("Restarting camera after %s", cause)
		if err := s.camera.Restart(s.ctx); err != nil {
			debug.Error(err)
		}
	}
	s.loop.Resume()
}

// cameraChanged is the camera state hook. A session that becomes active
// while the workflow is Idle gets a scanning loop; an open cycle keeps the
// loop paused until it is resolved.
func (s *scanControl) cameraChanged(active bool) {
	if !active || s.loop == nil || s.workflow == nil {
		return
	}
	if s.workflow.Snapshot().State == attendance.Idle {
		s.loop.Resume()
	}
}

// cliOverrides holds flag values. Zero values (and -1 for DebugLevel) keep
// the config value.
type cliOverrides struct {
	Port       int
	DebugLevel int
	Device     string
	SampleRate float64
}

// validateCLIOverrides checks that set overrides are within valid ranges.
func validateCLIOverrides(o cliOverrides) error {
	if o.DebugLevel < -1 || o.DebugLevel > debug.LevelTrace {
		return fmt.Errorf("debug must be between 0 and %d, got %d", debug.LevelTrace, o.DebugLevel)
	}
	if o.SampleRate != 0 {
		if math.IsNaN(o.SampleRate) || math.IsInf(o.SampleRate, 0) || o.SampleRate < 0 || o.SampleRate > 60 {
			return fmt.Errorf("rate must be between 0 and 60, got %g", o.SampleRate)
		}
	}
	if o.Port < 0 || o.Port > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", o.Port)
	}
	return nil
}

// applyOverrides mutates cfg with the set overrides.
func applyOverrides(cfg *config.Config, o cliOverrides) {
	if o.Port > 0 {
		cfg.Web.Port = o.Port
	}
	if o.DebugLevel >= 0 {
		cfg.Defaults.DebugLevel = o.DebugLevel
	}
	if o.Device != "" {
		cfg.Capture.PreferredDevice = o.Device
	}
	if o.SampleRate > 0 {
		cfg.Decoder.SampleRateHz = o.SampleRate
	}
}

// webPortFlag implements flag.Value for -web: 0 = config port, -web= → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }

// newBackendFromConfig selects a capture backend based on configuration.
func newBackendFromConfig(cfg *config.Config) (camera.Backend, error) {
	switch cfg.Capture.Backend {
	case config.BackendDir:
		return camera.NewDirBackend(cfg.Capture.Dir.Root, cfg.FrameInterval()), nil
	case config.BackendSnapshot:
		devices := make([]camera.SnapshotDevice, 0, len(cfg.Capture.Snapshot.Devices))
		for _, d := range cfg.Capture.Snapshot.Devices {
			devices = append(devices, camera.SnapshotDevice{ID: d.ID, Label: d.Label, URL: d.URL})
		}
		client := &http.Client{Timeout: cfg.SnapshotTimeout()}
		return camera.NewSnapshotBackend(devices, client, cfg.SnapshotInterval(), cfg.Capture.Snapshot.RequireTLS), nil
	case config.BackendV4L2:
		return camera.NewV4L2Backend(cfg.Capture.V4L2.Width, cfg.Capture.V4L2.Height)
	default:
		return nil, fmt.Errorf("unsupported capture backend: %s", cfg.Capture.Backend)
	}
}

// newStoreFromConfig opens the configured attendance store.
func newStoreFromConfig(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Type {
	case config.StoreMemory:
		return store.NewMemory(), nil
	case config.StorePostgres:
		return store.NewPostgres(ctx, store.PostgresOptions{
			DSN:            cfg.Store.Postgres.DSN,
			Migrate:        cfg.Store.Postgres.Migrate,
			ConnectTimeout: cfg.ConnectTimeout(),
			MaxConns:       cfg.Store.Postgres.MaxConns,
		})
	case config.StoreRedis:
		return store.NewRedis(ctx, cfg.Store.Redis.URL, cfg.Store.Redis.Prefix)
	case config.StorePostgREST:
		client := &http.Client{Timeout: cfg.StoreTimeout()}
		return store.NewPostgREST(cfg.Store.PostgREST.URL, cfg.Store.PostgREST.APIKey, cfg.Store.PostgREST.Table, client)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", cfg.Store.Type)
	}
}

package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// MaxConfigFileBytes caps the size of a config file.
const MaxConfigFileBytes = 1 << 20

// Capture backends.
const (
	BackendDir      = "dir"
	BackendSnapshot = "snapshot"
	BackendV4L2     = "v4l2"
)

// Store types.
const (
	StoreMemory    = "memory"
	StorePostgres  = "postgres"
	StoreRedis     = "redis"
	StorePostgREST = "postgrest"
)

// DirConfig configures the directory replay backend.
type DirConfig struct {
	Root            string `yaml:"root"`
	FrameIntervalMs int    `yaml:"frame_interval_ms" validate:"gte=0"`
}

// SnapshotDeviceConfig is one network camera.
type SnapshotDeviceConfig struct {
	ID    string `yaml:"id" validate:"required"`
	Label string `yaml:"label"`
	URL   string `yaml:"url" validate:"required,url"`
}

// SnapshotConfig configures the network snapshot backend.
type SnapshotConfig struct {
	RequireTLS bool                   `yaml:"require_tls"`
	IntervalMs int                    `yaml:"interval_ms" validate:"gte=0"`
	TimeoutMs  int                    `yaml:"timeout_ms" validate:"gte=0"`
	Devices    []SnapshotDeviceConfig `yaml:"devices" validate:"dive"`
}

// V4L2Config configures the Linux video capture backend.
type V4L2Config struct {
	Width  int `yaml:"width" validate:"gte=0"`
	Height int `yaml:"height" validate:"gte=0"`
}

// CaptureConfig selects and configures the camera backend.
type CaptureConfig struct {
	Backend         string         `yaml:"backend" validate:"oneof=dir snapshot v4l2"`
	PreferredDevice string         `yaml:"preferred_device"` // overrides the rear-camera heuristic
	RestartOnAck    bool           `yaml:"restart_on_ack"`   // restart the camera when a result is dismissed
	Dir             DirConfig      `yaml:"dir"`
	Snapshot        SnapshotConfig `yaml:"snapshot"`
	V4L2            V4L2Config     `yaml:"v4l2"`
}

// DecoderConfig configures the decode loop.
type DecoderConfig struct {
	SampleRateHz float64 `yaml:"sample_rate_hz" validate:"gte=0,lte=60"`
	TryHarder    bool    `yaml:"try_harder"`
}

// PostgresConfig configures the postgres store.
type PostgresConfig struct {
	DSN              string `yaml:"dsn"`
	Migrate          bool   `yaml:"migrate"`
	ConnectTimeoutMs int    `yaml:"connect_timeout_ms" validate:"gte=0"`
	MaxConns         int32  `yaml:"max_conns" validate:"gte=0"`
}

// RedisConfig configures the redis store.
type RedisConfig struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

// PostgRESTConfig configures the PostgREST/Supabase store.
type PostgRESTConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
	Table  string `yaml:"table"`
}

// StoreConfig selects and configures the attendance store.
type StoreConfig struct {
	Type      string          `yaml:"type" validate:"oneof=memory postgres redis postgrest"`
	TimeoutMs int             `yaml:"timeout_ms" validate:"gte=0"` // lookup+insert budget per confirmation
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	PostgREST PostgRESTConfig `yaml:"postgrest"`
}

// IndicatorConfig configures the optional GPIO LEDs.
type IndicatorConfig struct {
	Enabled   bool `yaml:"enabled"`
	GreenPin  int  `yaml:"green_pin" validate:"gte=0,lte=27"`
	YellowPin int  `yaml:"yellow_pin" validate:"gte=0,lte=27"`
	RedPin    int  `yaml:"red_pin" validate:"gte=0,lte=27"`
	PulseMs   int  `yaml:"pulse_ms" validate:"gte=0"`
}

// WebConfig configures the operator surface.
type WebConfig struct {
	Port int `yaml:"port" validate:"gte=0,lte=65535"`
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int  `yaml:"debug_level" validate:"gte=0,lte=4"` // 0=off, 1=info, 2=live, 3=verbose, 4=trace
	MockGPIO   bool `yaml:"mock_gpio"`                          // true=dev/test, false=real Raspberry Pi
}

// Config aggregates all application configuration.
type Config struct {
	Capture   CaptureConfig   `yaml:"capture"`
	Decoder   DecoderConfig   `yaml:"decoder"`
	Store     StoreConfig     `yaml:"store"`
	Indicator IndicatorConfig `yaml:"indicator"`
	Web       WebConfig       `yaml:"web"`
	Defaults  DefaultsConfig  `yaml:"defaults"`
}

// ValidateConfigPath accepts only .yaml files directly inside a directory
// named "configs", with no parent references.
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	clean := filepath.Clean(path)
	for _, part := range strings.Split(filepath.ToSlash(clean), "/") {
		if part == ".." {
			return fmt.Errorf("config path %q must not contain '..'", path)
		}
	}
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config path %q must have a .yaml extension", path)
	}
	if filepath.Base(filepath.Dir(clean)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	if err := ValidateConfigPath(path); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxConfigFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(data) > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file exceeds %d bytes", MaxConfigFileBytes)
	}

	cfg := Config{}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Capture.Backend == "" {
		c.Capture.Backend = BackendDir
	}
	if c.Capture.Dir.Root == "" {
		c.Capture.Dir.Root = "frames"
	}
	if c.Capture.Dir.FrameIntervalMs == 0 {
		c.Capture.Dir.FrameIntervalMs = 200
	}
	if c.Capture.Snapshot.IntervalMs == 0 {
		c.Capture.Snapshot.IntervalMs = 250
	}
	if c.Capture.Snapshot.TimeoutMs == 0 {
		c.Capture.Snapshot.TimeoutMs = 5000
	}
	if c.Capture.V4L2.Width == 0 {
		c.Capture.V4L2.Width = 1280
	}
	if c.Capture.V4L2.Height == 0 {
		c.Capture.V4L2.Height = 720
	}

	if c.Decoder.SampleRateHz == 0 {
		c.Decoder.SampleRateHz = 8
	}

	if c.Store.Type == "" {
		c.Store.Type = StoreMemory
	}
	if c.Store.TimeoutMs == 0 {
		c.Store.TimeoutMs = 10000
	}
	if c.Store.Postgres.ConnectTimeoutMs == 0 {
		c.Store.Postgres.ConnectTimeoutMs = 60000
	}
	if c.Store.PostgREST.Table == "" {
		c.Store.PostgREST.Table = "students"
	}

	if c.Indicator.GreenPin == 0 {
		c.Indicator.GreenPin = 17
	}
	if c.Indicator.YellowPin == 0 {
		c.Indicator.YellowPin = 27
	}
	if c.Indicator.RedPin == 0 {
		c.Indicator.RedPin = 22
	}
	if c.Indicator.PulseMs == 0 {
		c.Indicator.PulseMs = 1500
	}

	if c.Web.Port == 0 {
		c.Web.Port = 8080
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks field ranges and the settings the selected backend and
// store require.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", yamlPath(fe.Namespace()), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.Capture.Backend == BackendSnapshot && len(c.Capture.Snapshot.Devices) == 0 {
		return errors.New("capture.snapshot.devices is required for the snapshot backend")
	}

	switch c.Store.Type {
	case StorePostgres:
		if c.Store.Postgres.DSN == "" {
			return errors.New("store.postgres.dsn is required for the postgres store")
		}
	case StoreRedis:
		if c.Store.Redis.URL == "" {
			return errors.New("store.redis.url is required for the redis store")
		}
	case StorePostgREST:
		if c.Store.PostgREST.URL == "" {
			return errors.New("store.postgrest.url is required for the postgrest store")
		}
	}

	if c.Indicator.Enabled {
		pins := map[int]bool{}
		for _, p := range []int{c.Indicator.GreenPin, c.Indicator.YellowPin, c.Indicator.RedPin} {
			if pins[p] {
				return fmt.Errorf("indicator pins must be distinct, pin %d used twice", p)
			}
			pins[p] = true
		}
	}
	return nil
}

// yamlPath turns "Config.capture.snapshot.devices[0].url" into
// "capture.snapshot.devices[0].url".
func yamlPath(namespace string) string {
	_, rest, found := strings.Cut(namespace, ".")
	if !found {
		return namespace
	}
	return rest
}

// FrameInterval returns the directory backend replay interval.
func (c *Config) FrameInterval() time.Duration {
	return time.Duration(c.Capture.Dir.FrameIntervalMs) * time.Millisecond
}

// SnapshotInterval returns the snapshot polling interval.
func (c *Config) SnapshotInterval() time.Duration {
	return time.Duration(c.Capture.Snapshot.IntervalMs) * time.Millisecond
}

// SnapshotTimeout returns the HTTP timeout for one snapshot.
func (c *Config) SnapshotTimeout() time.Duration {
	return time.Duration(c.Capture.Snapshot.TimeoutMs) * time.Millisecond
}

// StoreTimeout returns the budget for one confirmation round trip.
func (c *Config) StoreTimeout() time.Duration {
	return time.Duration(c.Store.TimeoutMs) * time.Millisecond
}

// ConnectTimeout returns how long the postgres store retries its first connection.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Store.Postgres.ConnectTimeoutMs) * time.Millisecond
}

// PulseDuration returns how long an indicator LED stays lit.
func (c *Config) PulseDuration() time.Duration {
	return time.Duration(c.Indicator.PulseMs) * time.Millisecond
}

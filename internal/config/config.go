// Package config loads the node's startup configuration snapshot.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config is the immutable, snapshotted configuration for one node.
// It is read once at startup and passed by value to component
// constructors; reconfiguration happens through Agent.Reconfigure,
// never by mutating a shared Config in place.
type Config struct {
	Lora    LoraConfig    `mapstructure:"lora" validate:"required"`
	Mesh    MeshConfig    `mapstructure:"mesh" validate:"required"`
	Link    LinkConfig    `mapstructure:"link"`
	API     APIConfig     `mapstructure:"api"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// LoraConfig configures the radio I/O adapter.
type LoraConfig struct {
	Port          string        `mapstructure:"port" validate:"required"`
	BaudRate      int           `mapstructure:"baud_rate" validate:"required,min=1200"`
	MaxFrameBytes int           `mapstructure:"max_frame_bytes" validate:"required,min=1"`
	AckTimeout    time.Duration `mapstructure:"ack_timeout_s"`
	RetryLimit    int           `mapstructure:"retry_limit" validate:"min=0"`
}

// MeshConfig configures the routing engine.
type MeshConfig struct {
	NodeID             string        `mapstructure:"node_id" validate:"required"`
	IsGateway          bool          `mapstructure:"is_gateway"`
	DiscoveryInterval  time.Duration `mapstructure:"discovery_interval_s"`
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval_s"`
	NodeTimeout        time.Duration `mapstructure:"node_timeout_s"`
	MaxHops            int           `mapstructure:"max_hops" validate:"min=1"`
	NeighbourSweepTick time.Duration `mapstructure:"neighbour_sweep_interval_s"`
}

// LinkConfig tunes the link protocol engine's internal bookkeeping.
// These have sensible defaults and are rarely overridden.
type LinkConfig struct {
	HighBurst          int           `mapstructure:"high_burst" validate:"min=1"`
	MediumBurst        int           `mapstructure:"medium_burst" validate:"min=1"`
	AckCheckPeriod     time.Duration `mapstructure:"ack_check_period_ms"`
	ReassemblyTTL      time.Duration `mapstructure:"reassembly_ttl_s"`
	ReassemblyGCTick   time.Duration `mapstructure:"reassembly_gc_interval_s"`
	SendBackpressure   time.Duration `mapstructure:"send_backpressure_ms"`
	MaxInFlight        int           `mapstructure:"max_in_flight" validate:"min=1"`
	InboundQueueDepth  int           `mapstructure:"inbound_queue_depth" validate:"min=1"`
	SchedulerIdleSleep time.Duration `mapstructure:"scheduler_idle_sleep_ms"`
}

// APIConfig configures the thin status/control surface.
type APIConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ListenAddr   string `mapstructure:"listen_addr"`
	CORSOrigins  []string `mapstructure:"cors_origins"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

var validate = validator.New()

// Load reads configuration from (in increasing priority) built-in
// defaults, a config file named "meshd" on the search path, and
// MESH_-prefixed environment variables. An optional .env file is
// loaded into the environment first, so its MESH_ entries also
// override the config file; variables already set in the environment
// are not replaced by .env.
func Load(configPaths ...string) (*Config, error) {
	_ = godotenv.Load() // optional; missing .env is not an error

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("meshd")
	v.SetConfigType("yaml")
	for _, p := range configPaths {
		v.AddConfigPath(p)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/meshd")

	v.SetEnvPrefix("MESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("lora.port", "/dev/ttyUSB0")
	v.SetDefault("lora.baud_rate", 115200)
	v.SetDefault("lora.max_frame_bytes", 230)
	v.SetDefault("lora.ack_timeout_s", "2s")
	v.SetDefault("lora.retry_limit", 3)

	v.SetDefault("mesh.is_gateway", false)
	v.SetDefault("mesh.discovery_interval_s", "60s")
	v.SetDefault("mesh.heartbeat_interval_s", "30s")
	v.SetDefault("mesh.node_timeout_s", "180s")
	v.SetDefault("mesh.max_hops", 5)
	v.SetDefault("mesh.neighbour_sweep_interval_s", "10s")

	v.SetDefault("link.high_burst", 4)
	v.SetDefault("link.medium_burst", 2)
	v.SetDefault("link.ack_check_period_ms", "200ms")
	v.SetDefault("link.reassembly_ttl_s", "30s")
	v.SetDefault("link.reassembly_gc_interval_s", "5s")
	v.SetDefault("link.send_backpressure_ms", "100ms")
	v.SetDefault("link.max_in_flight", 1024)
	v.SetDefault("link.inbound_queue_depth", 256)
	v.SetDefault("link.scheduler_idle_sleep_ms", "10ms")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen_addr", ":8090")
	v.SetDefault("api.cors_origins", []string{"*"})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
}

// Validate runs struct-tag validation plus the one cross-field check
// the tags can't express: the frame size must leave payload headroom
// after HeaderBytes.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if c.Lora.MaxFrameBytes-HeaderBytes < 1 {
		return fmt.Errorf("lora.max_frame_bytes too small: header alone needs %d bytes", HeaderBytes)
	}
	return nil
}

// MaxPayload returns the maximum payload bytes per fragment for this
// node's configured frame size.
func (c *Config) MaxPayload() int {
	return c.Lora.MaxFrameBytes - HeaderBytes
}

// HeaderBytes is the on-wire overhead reserved per frame so that
// MaxPayload lands near 210 bytes for the default 230-byte frame.
const HeaderBytes = 20

// Logger builds a zap.Logger from the logging section.
func (c *Config) Logger() (*zap.Logger, error) {
	var zc zap.Config
	if c.Logging.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	level, err := zap.ParseAtomicLevel(c.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("config: invalid logging level %q: %w", c.Logging.Level, err)
	}
	zc.Level = level
	return zc.Build()
}

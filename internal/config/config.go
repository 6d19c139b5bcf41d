// Package config loads the controller configuration from YAML, an optional
// .env file and HS3_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/eliteGoblin/hs3guard/internal/hs3"
	"github.com/eliteGoblin/hs3guard/internal/infra"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "HS3_"

// AutoPort asks the link to discover the generator.
const AutoPort = "AUTO"

type Config struct {
	Device     DeviceConfig  `yaml:"device"`
	LimitsFile string        `yaml:"limits_file"`
	Monitor    MonitorConfig `yaml:"monitor"`
	Store      StoreConfig   `yaml:"store"`
	Log        LogConfig     `yaml:"log"`
	Publish    PublishConfig `yaml:"publish"`
	HTTP       HTTPConfig    `yaml:"http"`
}

type DeviceConfig struct {
	Port            string        `yaml:"port"`
	BaudRate        int           `yaml:"baud_rate"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	SettleDelay     time.Duration `yaml:"settle_delay"`
	IdentifySettle  time.Duration `yaml:"identify_settle"`
	ProbeTimeout    time.Duration `yaml:"probe_timeout"`
	IdentifyPattern string        `yaml:"identify_pattern"`
	VendorID        string        `yaml:"vendor_id"`
	ProductIDs      []string      `yaml:"product_ids"`
}

type MonitorConfig struct {
	TickInterval           time.Duration `yaml:"tick_interval"`
	CleanupInterval        time.Duration `yaml:"cleanup_interval"`
	Retention              time.Duration `yaml:"retention"`
	RevalidateEachStep     bool          `yaml:"revalidate_each_step"`
	ConflictingProcesses   []string      `yaml:"conflicting_processes"`
	MemoryThresholdPercent float64       `yaml:"memory_threshold_percent"`
}

type StoreConfig struct {
	DataDir string `yaml:"data_dir"`
	// KeyEnv names the variable holding a hex key; the key file is used when unset.
	KeyEnv string `yaml:"key_env"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

type PublishConfig struct {
	QueueSize int                `yaml:"queue_size"`
	Timeout   time.Duration      `yaml:"timeout"`
	MQTT      *infra.MQTTConfig  `yaml:"mqtt,omitempty"`
	Redis     *infra.RedisConfig `yaml:"redis,omitempty"`
	Kafka     *infra.KafkaConfig `yaml:"kafka,omitempty"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// Load reads path (empty means defaults only), applies environment
// overrides and defaults, then validates.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	if err := cfg.loadFromEnv(os.Getenv); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDotEnv loads variables from a .env file. A missing file is ignored
// and existing variables are never overwritten.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Default returns the configuration used without a file.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	serial := infra.DefaultSerialConfig()
	link := hs3.DefaultLinkConfig()
	mode := infra.DetectExecMode()

	if c.Device.Port == "" {
		c.Device.Port = AutoPort
	}
	if c.Device.BaudRate == 0 {
		c.Device.BaudRate = serial.BaudRate
	}
	if c.Device.ReadTimeout == 0 {
		c.Device.ReadTimeout = serial.ReadTimeout
	}
	if c.Device.SettleDelay == 0 {
		c.Device.SettleDelay = link.SettleDelay
	}
	if c.Device.IdentifySettle == 0 {
		c.Device.IdentifySettle = link.IdentifySettle
	}
	if c.Device.ProbeTimeout == 0 {
		c.Device.ProbeTimeout = 10 * time.Second
	}
	if c.Device.IdentifyPattern == "" {
		c.Device.IdentifyPattern = infra.DefaultIdentifyPattern
	}
	if c.Device.VendorID == "" {
		c.Device.VendorID = hs3.VendorID
	}
	if len(c.Device.ProductIDs) == 0 {
		c.Device.ProductIDs = append([]string(nil), hs3.ProductIDs...)
	}

	if c.Monitor.TickInterval == 0 {
		c.Monitor.TickInterval = time.Second
	}
	if c.Monitor.CleanupInterval == 0 {
		c.Monitor.CleanupInterval = 5 * time.Minute
	}
	if c.Monitor.Retention == 0 {
		c.Monitor.Retention = 7 * 24 * time.Hour
	}
	if c.Monitor.ConflictingProcesses == nil {
		c.Monitor.ConflictingProcesses = append([]string(nil), infra.DefaultConflictingProcesses...)
	}
	if c.Monitor.MemoryThresholdPercent == 0 {
		c.Monitor.MemoryThresholdPercent = 95
	}

	if c.Store.DataDir == "" {
		c.Store.DataDir = mode.DataDir
	}
	if c.Store.KeyEnv == "" {
		c.Store.KeyEnv = EnvPrefix + "STORE_KEY"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}

	if c.Publish.QueueSize == 0 {
		c.Publish.QueueSize = 256
	}
	if c.Publish.Timeout == 0 {
		c.Publish.Timeout = 2 * time.Second
	}
}

func (c *Config) validate() error {
	if c.Device.BaudRate <= 0 {
		return fmt.Errorf("device.baud_rate must be positive")
	}
	if c.Device.ReadTimeout < 0 || c.Device.SettleDelay < 0 || c.Device.IdentifySettle < 0 {
		return fmt.Errorf("device timeouts must not be negative")
	}
	if c.Monitor.TickInterval <= 0 {
		return fmt.Errorf("monitor.tick_interval must be positive")
	}
	if c.Monitor.CleanupInterval <= 0 {
		return fmt.Errorf("monitor.cleanup_interval must be positive")
	}
	if c.Monitor.Retention <= 0 {
		return fmt.Errorf("monitor.retention must be positive")
	}
	if c.Monitor.MemoryThresholdPercent <= 0 || c.Monitor.MemoryThresholdPercent > 100 {
		return fmt.Errorf("monitor.memory_threshold_percent must be in (0, 100]")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format %q is not json or console", c.Log.Format)
	}
	if c.Publish.MQTT != nil && c.Publish.MQTT.Broker == "" {
		return fmt.Errorf("publish.mqtt.broker is required")
	}
	if c.Publish.Redis != nil && c.Publish.Redis.Addr == "" {
		return fmt.Errorf("publish.redis.addr is required")
	}
	if c.Publish.Kafka != nil && len(c.Publish.Kafka.Brokers) == 0 {
		return fmt.Errorf("publish.kafka.brokers is required")
	}
	return nil
}

// loadFromEnv applies HS3_* overrides on top of the file values.
func (c *Config) loadFromEnv(getenv func(string) string) error {
	env := func(name string) string { return strings.TrimSpace(getenv(EnvPrefix + name)) }

	if v := env("PORT"); v != "" {
		c.Device.Port = v
	}
	if v := env("BAUD_RATE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sBAUD_RATE: %w", EnvPrefix, err)
		}
		c.Device.BaudRate = n
	}
	if v := env("LIMITS_FILE"); v != "" {
		c.LimitsFile = v
	}
	if v := env("TICK_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sTICK_INTERVAL: %w", EnvPrefix, err)
		}
		c.Monitor.TickInterval = d
	}
	if v := env("REVALIDATE_EACH_STEP"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sREVALIDATE_EACH_STEP: %w", EnvPrefix, err)
		}
		c.Monitor.RevalidateEachStep = b
	}
	if v := env("DATA_DIR"); v != "" {
		c.Store.DataDir = v
	}
	if v := env("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := env("LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := env("LOG_FILE"); v != "" {
		c.Log.File = v
	}
	if v := env("HTTP_ADDR"); v != "" {
		c.HTTP.Addr = v
	}
	if v := env("MQTT_BROKER"); v != "" {
		if c.Publish.MQTT == nil {
			c.Publish.MQTT = &infra.MQTTConfig{ClientID: "hs3guard"}
		}
		c.Publish.MQTT.Broker = v
	}
	if v := env("REDIS_ADDR"); v != "" {
		if c.Publish.Redis == nil {
			c.Publish.Redis = &infra.RedisConfig{}
		}
		c.Publish.Redis.Addr = v
	}
	if v := env("KAFKA_BROKERS"); v != "" {
		if c.Publish.Kafka == nil {
			c.Publish.Kafka = &infra.KafkaConfig{}
		}
		c.Publish.Kafka.Brokers = splitList(v)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

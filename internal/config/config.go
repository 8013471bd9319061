package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Printers  PrintersConfig  `yaml:"printers"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Events    EventsConfig    `yaml:"events"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Port          int           `yaml:"port"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	GinMode       string        `yaml:"gin_mode"`
	MaxUploadSize int64         `yaml:"max_upload_size"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// PrinterEntry is one statically configured printer.
type PrinterEntry struct {
	ID       string `yaml:"id"`
	Endpoint string `yaml:"endpoint"`
}

type PrintersConfig struct {
	Roster            []PrinterEntry `yaml:"roster"`
	CommandTimeout    time.Duration  `yaml:"command_timeout"`
	StalenessWindow   time.Duration  `yaml:"staleness_window"`
	PollInterval      time.Duration  `yaml:"poll_interval"`
	QueueCapacity     int            `yaml:"queue_capacity"`
	FilamentMinTemp   float64        `yaml:"filament_min_temp"`
	UploadExtension   string         `yaml:"upload_extension"`
	BaudRate          int            `yaml:"baud_rate"`
	StartupDelay      time.Duration  `yaml:"startup_delay"`
	AutoReconnect     bool           `yaml:"auto_reconnect"`
	ReconnectInterval time.Duration  `yaml:"reconnect_interval"`
}

type DiscoveryConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Interval  time.Duration `yaml:"interval"`
	VendorIDs []string      `yaml:"vendor_ids"`
}

type WebhookConfig struct {
	Name   string   `yaml:"name"`
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type EventsConfig struct {
	Webhooks    []WebhookConfig `yaml:"webhooks"`
	Kafka       KafkaConfig     `yaml:"kafka"`
	RetryCount  int             `yaml:"retry_count"`
	RetryDelay  time.Duration   `yaml:"retry_delay"`
	Timeout     time.Duration   `yaml:"timeout"`
	WorkerCount int             `yaml:"worker_count"`
	QueueSize   int             `yaml:"queue_size"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:          5005,
			ReadTimeout:   30 * time.Second,
			WriteTimeout:  5 * time.Minute,
			GinMode:       "release",
			MaxUploadSize: 64 << 20,
		},
		Database: DatabaseConfig{
			Path: "./data/printfarm.db",
		},
		Printers: PrintersConfig{
			CommandTimeout:    5 * time.Second,
			StalenessWindow:   10 * time.Second,
			PollInterval:      2 * time.Second,
			QueueCapacity:     50,
			FilamentMinTemp:   200,
			UploadExtension:   ".gcode",
			BaudRate:          115200,
			StartupDelay:      2 * time.Second,
			AutoReconnect:     true,
			ReconnectInterval: 15 * time.Second,
		},
		Discovery: DiscoveryConfig{
			Enabled:   false,
			Interval:  30 * time.Second,
			VendorIDs: []string{"2C99", "2341", "1A86", "0403", "1D50"},
		},
		Events: EventsConfig{
			Kafka: KafkaConfig{
				Topic: "printfarm.events",
			},
			RetryCount:  3,
			RetryDelay:  5 * time.Second,
			Timeout:     10 * time.Second,
			WorkerCount: 3,
			QueueSize:   100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaults()
}

// Load reads the YAML file at configPath on top of the defaults, then applies
// the environment (including a .env file in the working directory). A missing
// config file is not an error.
func Load(configPath string) (*Config, error) {
	cfg := defaults()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	_ = godotenv.Load()
	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := getEnvAsInt("PRINTFARM_PORT", 0); v != 0 {
		cfg.Server.Port = v
	}
	if v := os.Getenv("PRINTFARM_GIN_MODE"); v != "" {
		cfg.Server.GinMode = v
	}
	if v := os.Getenv("PRINTFARM_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("PRINTFARM_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("PRINTFARM_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	cfg.Printers.CommandTimeout = getEnvAsDuration("PRINTFARM_COMMAND_TIMEOUT", cfg.Printers.CommandTimeout)
	cfg.Printers.StalenessWindow = getEnvAsDuration("PRINTFARM_STALENESS_WINDOW", cfg.Printers.StalenessWindow)
	cfg.Printers.PollInterval = getEnvAsDuration("PRINTFARM_POLL_INTERVAL", cfg.Printers.PollInterval)
	if v := os.Getenv("PRINTFARM_FILAMENT_MIN_TEMP"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Printers.FilamentMinTemp = f
		}
	}
	// PRINTFARM_PRINTERS="id1=/dev/ttyACM0,id2=tcp://10.0.0.5:23"
	if v := os.Getenv("PRINTFARM_PRINTERS"); v != "" {
		cfg.Printers.Roster = parseRoster(v)
	}
	if v := os.Getenv("PRINTFARM_KAFKA_BROKERS"); v != "" {
		cfg.Events.Kafka.Brokers = splitList(v)
	}
}

func parseRoster(v string) []PrinterEntry {
	var roster []PrinterEntry
	for _, item := range splitList(v) {
		id, endpoint, ok := strings.Cut(item, "=")
		if !ok {
			continue
		}
		roster = append(roster, PrinterEntry{ID: strings.TrimSpace(id), Endpoint: strings.TrimSpace(endpoint)})
	}
	return roster
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvAsInt(name string, defaultValue int) int {
	if value, err := strconv.Atoi(os.Getenv(name)); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(name string, defaultValue time.Duration) time.Duration {
	if value, err := time.ParseDuration(os.Getenv(name)); err == nil {
		return value
	}
	return defaultValue
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server timeouts must be non-negative")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}

	if c.Printers.CommandTimeout <= 0 {
		return fmt.Errorf("command timeout must be positive")
	}

	if c.Printers.StalenessWindow <= 0 {
		return fmt.Errorf("staleness window must be positive")
	}

	if c.Printers.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}

	if c.Printers.PollInterval >= c.Printers.StalenessWindow {
		return fmt.Errorf("poll interval (%s) must be shorter than the staleness window (%s)",
			c.Printers.PollInterval, c.Printers.StalenessWindow)
	}

	if c.Printers.QueueCapacity < 1 {
		return fmt.Errorf("queue capacity must be at least 1")
	}

	if c.Printers.FilamentMinTemp <= 0 {
		return fmt.Errorf("filament minimum temperature must be positive")
	}

	if !strings.HasPrefix(c.Printers.UploadExtension, ".") {
		return fmt.Errorf("upload extension must start with a dot, got %q", c.Printers.UploadExtension)
	}

	if c.Printers.BaudRate < 0 || c.Printers.StartupDelay < 0 || c.Printers.ReconnectInterval < 0 {
		return fmt.Errorf("baud rate, startup delay and reconnect interval must be non-negative")
	}

	seen := make(map[string]bool)
	for i, p := range c.Printers.Roster {
		if p.ID == "" {
			return fmt.Errorf("printer #%d: id is required", i)
		}
		if p.Endpoint == "" {
			return fmt.Errorf("printer %s: endpoint is required", p.ID)
		}
		if seen[p.ID] {
			return fmt.Errorf("printer %s: duplicate id", p.ID)
		}
		seen[p.ID] = true
	}

	if c.Discovery.Enabled && c.Discovery.Interval <= 0 {
		return fmt.Errorf("discovery interval must be positive")
	}

	for _, w := range c.Events.Webhooks {
		if w.URL == "" {
			return fmt.Errorf("webhook %q: url is required", w.Name)
		}
	}

	if len(c.Events.Kafka.Brokers) > 0 && c.Events.Kafka.Topic == "" {
		return fmt.Errorf("kafka topic is required when brokers are set")
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json": true,
		"text": true,
	}

	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (valid: json, text)", c.Logging.Format)
	}

	return nil
}

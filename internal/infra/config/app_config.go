// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type fanoutWorkerKind int

const (
	fanoutWorkerUnset fanoutWorkerKind = iota
	fanoutWorkerExplicit
	fanoutWorkerAuto
)

// FanoutWorkerSetting accepts either a positive integer or "auto".
type FanoutWorkerSetting struct {
	kind  fanoutWorkerKind
	value int
}

// UnmarshalYAML supports integer and "auto" values for fanout workers.
func (s *FanoutWorkerSetting) UnmarshalYAML(node *yaml.Node) error {
	text := ""
	if node != nil {
		text = strings.TrimSpace(node.Value)
	}
	if text == "" {
		*s = FanoutWorkerSetting{}
		return nil
	}
	if strings.EqualFold(text, "auto") {
		*s = FanoutWorkerSetting{kind: fanoutWorkerAuto}
		return nil
	}
	val, err := strconv.Atoi(text)
	if err != nil {
		return fmt.Errorf("fanoutWorkers: invalid value %q", node.Value)
	}
	if val <= 0 {
		return fmt.Errorf("fanoutWorkers: numeric value must be > 0")
	}
	*s = FanoutWorkerSetting{kind: fanoutWorkerExplicit, value: val}
	return nil
}

// Resolve returns the effective worker count.
func (s FanoutWorkerSetting) Resolve() int {
	switch s.kind {
	case fanoutWorkerExplicit:
		return s.value
	case fanoutWorkerAuto:
		if cores := runtime.NumCPU(); cores > 0 {
			return cores
		}
		return 4
	default:
		return 4
	}
}

// LoggingConfig selects the log level.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// FeedConfig configures the exchange websocket feed.
type FeedConfig struct {
	Enabled        bool    `yaml:"enabled"`
	URL            string  `yaml:"url"`
	JWT            string  `yaml:"jwt"`
	DialAttempts   uint    `yaml:"dialAttempts"`
	ControlRate    float64 `yaml:"controlRate"`
	ControlBurst   int     `yaml:"controlBurst"`
	ReadLimitBytes int64   `yaml:"readLimitBytes"`
}

// RedisRelayConfig configures the Redis Pub/Sub relay feed.
type RedisRelayConfig struct {
	Enabled bool `yaml:"enabled"`
	// Mode is "subscribe" to consume relayed messages or "publish" to mirror the
	// exchange feed into Redis for other processes.
	Mode          RelayMode `yaml:"mode"`
	Addr          string    `yaml:"addr"`
	Password      string    `yaml:"password"`
	DB            int       `yaml:"db"`
	TickerChannel string    `yaml:"tickerChannel"`
	CandleChannel string    `yaml:"candleChannel"`
	OrderChannel  string    `yaml:"orderChannel"`
	// InterestChannel carries product and order interest from subscribers to the publisher.
	InterestChannel string `yaml:"interestChannel"`
	// StatusChannel carries exchange connection failures from the publisher to subscribers.
	StatusChannel string `yaml:"statusChannel"`
}

// PoolsConfig sizes the market and order pools.
type PoolsConfig struct {
	CandleBufferSize int                 `yaml:"candleBufferSize"`
	FanoutWorkers    FanoutWorkerSetting `yaml:"fanoutWorkers"`
}

// WaiterConfig bounds waits and sizes the history writer.
type WaiterConfig struct {
	MaxTimeoutSeconds   int           `yaml:"maxTimeoutSeconds"`
	HistoryWorkers      int           `yaml:"historyWorkers"`
	HistoryQueue        int           `yaml:"historyQueue"`
	HistoryWriteTimeout time.Duration `yaml:"historyWriteTimeout"`
}

// APIServerConfig configures the HTTP surface.
type APIServerConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	Enabled           bool          `yaml:"enabled"`
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/eventwait"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 8
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
}

func (c DatabaseConfig) validate() error {
	if !c.Enabled {
		return nil
	}
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	return nil
}

// AppConfig is the unified eventwait configuration sourced from YAML.
type AppConfig struct {
	Environment Environment      `yaml:"environment"`
	Logging     LoggingConfig    `yaml:"logging"`
	Feed        FeedConfig       `yaml:"feed"`
	RedisRelay  RedisRelayConfig `yaml:"redisRelay"`
	Pools       PoolsConfig      `yaml:"pools"`
	Waiter      WaiterConfig     `yaml:"waiter"`
	APIServer   APIServerConfig  `yaml:"apiServer"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Database    DatabaseConfig   `yaml:"database"`
}

// ResolvePath picks the config file: the explicit path, then EVENTWAIT_CONFIG, then the default.
func ResolvePath(explicit string) string {
	if p := strings.TrimSpace(explicit); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv(ConfigPathEnv)); p != "" {
		return p
	}
	return DefaultConfigPath
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(bytes)
}

// Parse decodes, defaults, and validates YAML config bytes.
func Parse(data []byte) (AppConfig, error) {
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	c.Feed.URL = strings.TrimSpace(c.Feed.URL)
	if c.Feed.URL == "" {
		c.Feed.URL = "wss://advanced-trade-ws.coinbase.com"
	}
	c.Feed.JWT = strings.TrimSpace(c.Feed.JWT)
	if c.Feed.JWT == "" {
		c.Feed.JWT = strings.TrimSpace(os.Getenv("EVENTWAIT_FEED_JWT"))
	}
	if c.Feed.DialAttempts == 0 {
		c.Feed.DialAttempts = 5
	}
	if c.Feed.ControlRate <= 0 {
		c.Feed.ControlRate = 5
	}
	if c.Feed.ControlBurst <= 0 {
		c.Feed.ControlBurst = 1
	}
	if c.Feed.ReadLimitBytes <= 0 {
		c.Feed.ReadLimitBytes = 1 << 20
	}

	c.RedisRelay.Mode = RelayMode(strings.ToLower(strings.TrimSpace(string(c.RedisRelay.Mode))))
	if c.RedisRelay.Mode == "" {
		c.RedisRelay.Mode = RelaySubscribe
	}
	c.RedisRelay.Addr = strings.TrimSpace(c.RedisRelay.Addr)
	if c.RedisRelay.Addr == "" {
		c.RedisRelay.Addr = "localhost:6379"
	}
	if c.RedisRelay.Password == "" {
		c.RedisRelay.Password = os.Getenv("EVENTWAIT_REDIS_PASSWORD")
	}
	if c.RedisRelay.TickerChannel == "" {
		c.RedisRelay.TickerChannel = "eventwait:ticker"
	}
	if c.RedisRelay.CandleChannel == "" {
		c.RedisRelay.CandleChannel = "eventwait:candles"
	}
	if c.RedisRelay.OrderChannel == "" {
		c.RedisRelay.OrderChannel = "eventwait:orders"
	}
	if c.RedisRelay.InterestChannel == "" {
		c.RedisRelay.InterestChannel = "eventwait:interest"
	}
	if c.RedisRelay.StatusChannel == "" {
		c.RedisRelay.StatusChannel = "eventwait:status"
	}

	if c.Pools.CandleBufferSize <= 0 {
		c.Pools.CandleBufferSize = 300
	}

	if c.Waiter.MaxTimeoutSeconds == 0 {
		c.Waiter.MaxTimeoutSeconds = 3600
	}
	if c.Waiter.HistoryWorkers <= 0 {
		c.Waiter.HistoryWorkers = 2
	}
	if c.Waiter.HistoryQueue <= 0 {
		c.Waiter.HistoryQueue = 256
	}
	if c.Waiter.HistoryWriteTimeout <= 0 {
		c.Waiter.HistoryWriteTimeout = 5 * time.Second
	}

	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	if c.APIServer.Addr == "" {
		c.APIServer.Addr = ":8880"
	}
	if c.APIServer.ReadHeaderTimeout <= 0 {
		c.APIServer.ReadHeaderTimeout = 10 * time.Second
	}

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "eventwait"
	}

	c.Database.applyDefaults()
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging level %q not supported", c.Logging.Level)
	}

	if c.Feed.Enabled {
		u, err := url.Parse(c.Feed.URL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return fmt.Errorf("feed url must be a ws:// or wss:// URL")
		}
	}
	if c.RedisRelay.Enabled {
		if c.RedisRelay.DB < 0 {
			return fmt.Errorf("redisRelay db must be >= 0")
		}
		switch c.RedisRelay.Mode {
		case RelaySubscribe:
		case RelayPublish:
			if !c.Feed.Enabled {
				return fmt.Errorf("redisRelay publish mode requires feed enabled")
			}
		default:
			return fmt.Errorf("redisRelay mode must be subscribe or publish")
		}
	}
	if c.Pools.CandleBufferSize > 1000 {
		return fmt.Errorf("pools candleBufferSize must be <= 1000")
	}
	if c.Waiter.MaxTimeoutSeconds < 0 {
		return fmt.Errorf("waiter maxTimeoutSeconds must be >= 0")
	}
	if strings.TrimSpace(c.APIServer.Addr) == "" {
		return fmt.Errorf("apiServer addr required")
	}
	if err := c.Database.validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}

package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Indexflow       IndexflowConfig `yaml:"indexflow"`
	Index           IndexConfig     `yaml:"index"`
	Bus             BusConfig       `yaml:"bus"`
	Stream          StreamConfig    `yaml:"stream"`
	WorkQueue       WorkQueueConfig `yaml:"work_queue"`
	Batch           BatchConfig     `yaml:"batch"`
	Sink            SinkConfig      `yaml:"sink"`
	Kafka           KafkaConfig     `yaml:"kafka"`
	Archive         ArchiveConfig   `yaml:"archive"`
	Collector       CollectorConfig `yaml:"collector"`
	Metrics         MetricsConfig   `yaml:"metrics"`
	Logging         LoggingConfig   `yaml:"logging"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
}

type IndexflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// IndexConfig drives the fusion engine. Millisecond fields keep the names
// used by the published tick payload.
type IndexConfig struct {
	Depth             int      `yaml:"depth"`
	TickIntervalMs    int      `yaml:"tick_interval_ms"`
	Decimals          int      `yaml:"decimals"`
	StaleMs           int      `yaml:"stale_ms"`
	ProvisionalMaxMs  int      `yaml:"provisional_max_ms"`
	ExpectedExchanges []string `yaml:"expected_exchanges"`
	Symbols           []string `yaml:"symbols"`
	OverridesFile     string   `yaml:"overrides_file"`
}

func (c IndexConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMs) * time.Millisecond
}

func (c IndexConfig) Stale() time.Duration {
	return time.Duration(c.StaleMs) * time.Millisecond
}

func (c IndexConfig) ProvisionalMax() time.Duration {
	return time.Duration(c.ProvisionalMaxMs) * time.Millisecond
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_reconnect_attempts"`
	BaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	MaxDelay    time.Duration `yaml:"reconnect_max_delay"`
}

type BusConfig struct {
	PubEndpoint  string   `yaml:"pub_endpoint"`
	SubEndpoints []string `yaml:"sub_endpoints"`
	Topics       []string `yaml:"topics"`
	SendBuffer   int      `yaml:"send_buffer"`
	RetryConfig  `yaml:",inline"`
}

type StreamConfig struct {
	PullEndpoint   string `yaml:"pull_endpoint"`
	PushEndpoint   string `yaml:"push_endpoint"`
	ReadLimitBytes int64  `yaml:"read_limit_bytes"`
	SendBuffer     int    `yaml:"send_buffer"`
	RetryConfig    `yaml:",inline"`
}

type WorkQueueConfig struct {
	Concurrency int `yaml:"concurrency"`
	MaxDepth    int `yaml:"max_depth"`
}

type BatchConfig struct {
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxSize       int           `yaml:"max_size"`
}

type SinkConfig struct {
	Host                 string        `yaml:"host"`
	Port                 int           `yaml:"port"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	BaseDelay            time.Duration `yaml:"base_delay"`
	MaxDelay             time.Duration `yaml:"max_delay"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	MaxPending           int           `yaml:"max_pending"`
	TimestampUnit        string        `yaml:"timestamp_unit"`
}

func (c SinkConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	Buffer  int      `yaml:"buffer"`
}

type ArchiveConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	PathStyle       bool          `yaml:"path_style"`
	Prefix          string        `yaml:"prefix"`
	Compression     string        `yaml:"compression"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	MaxRows         int           `yaml:"max_rows"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
}

// CollectorConfig configures cmd/collector. Symbols maps the exchange's
// native symbol to the canonical symbol published downstream.
type CollectorConfig struct {
	ExchangeID      string            `yaml:"exchange_id"`
	BaseURL         string            `yaml:"base_url"`
	PubEndpoint     string            `yaml:"pub_endpoint"`
	Symbols         map[string]string `yaml:"symbols"`
	DepthLimit      int               `yaml:"depth_limit"`
	IntervalMs      int               `yaml:"interval_ms"`
	Timeout         time.Duration     `yaml:"timeout"`
	WeightPerMinute int64             `yaml:"weight_per_minute"`
}

func (c CollectorConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

// Validate checks the settings only cmd/collector needs.
func (c CollectorConfig) Validate() error {
	if c.ExchangeID == "" {
		return fmt.Errorf("collector.exchange_id is required")
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("collector.symbols must map at least one symbol")
	}
	if c.IntervalMs <= 0 {
		return fmt.Errorf("collector.interval_ms must be greater than 0")
	}
	switch c.DepthLimit {
	case 5, 10, 20, 50, 100, 500, 1000:
	default:
		return fmt.Errorf("collector.depth_limit %d is not a supported binance depth", c.DepthLimit)
	}
	return nil
}

type MetricsConfig struct {
	Enabled    bool             `yaml:"enabled"`
	Listen     string           `yaml:"listen"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// Default returns the configuration used for every key the YAML file omits.
func Default() Config {
	return Config{
		Index: IndexConfig{
			Depth:            15,
			TickIntervalMs:   1000,
			Decimals:         2,
			StaleMs:          30000,
			ProvisionalMaxMs: 60000,
		},
		Bus: BusConfig{
			PubEndpoint: "127.0.0.1:5557",
			Topics:      []string{"orderbook", "ticker"},
			SendBuffer:  1024,
			RetryConfig: RetryConfig{
				MaxAttempts: 10,
				BaseDelay:   500 * time.Millisecond,
				MaxDelay:    30 * time.Second,
			},
		},
		Stream: StreamConfig{
			PullEndpoint:   "127.0.0.1:5556",
			ReadLimitBytes: 1 << 20,
			SendBuffer:     4096,
			RetryConfig: RetryConfig{
				MaxAttempts: 10,
				BaseDelay:   500 * time.Millisecond,
				MaxDelay:    30 * time.Second,
			},
		},
		WorkQueue: WorkQueueConfig{
			Concurrency: 4,
			MaxDepth:    1000,
		},
		Batch: BatchConfig{
			FlushInterval: time.Second,
			MaxSize:       500,
		},
		Sink: SinkConfig{
			Host:                 "127.0.0.1",
			Port:                 9009,
			MaxReconnectAttempts: 0,
			BaseDelay:            500 * time.Millisecond,
			MaxDelay:             30 * time.Second,
			WriteTimeout:         5 * time.Second,
			MaxPending:           100000,
			TimestampUnit:        "ms",
		},
		Kafka: KafkaConfig{
			Topic:  "fkbrti.index",
			Buffer: 1024,
		},
		Archive: ArchiveConfig{
			Prefix:        "fkbrti",
			Compression:   "snappy",
			FlushInterval: time.Minute,
			MaxRows:       10000,
		},
		Collector: CollectorConfig{
			PubEndpoint:     "127.0.0.1:5558",
			DepthLimit:      20,
			IntervalMs:      1000,
			Timeout:         5 * time.Second,
			WeightPerMinute: 1200,
		},
		Metrics: MetricsConfig{
			Listen: "0.0.0.0:2112",
			CloudWatch: CloudWatchConfig{
				Namespace: "Indexflow",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		ShutdownTimeout: 30 * time.Second,
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(config *Config) {
	if v := strings.TrimSpace(os.Getenv("SINK_HOST")); v != "" {
		config.Sink.Host = v
	}
	if v := strings.TrimSpace(os.Getenv("SINK_PORT")); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			config.Sink.Port = port
		}
	}
	if v := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); v != "" {
		config.Kafka.Brokers = splitList(v)
	}
	if v := strings.TrimSpace(os.Getenv("EXPECTED_EXCHANGES")); v != "" {
		config.Index.ExpectedExchanges = splitList(v)
	}

	// Override S3 settings from environment variables if available
	if config.Archive.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Archive.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Archive.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Archive.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Archive.Bucket = strings.TrimSpace(v)
		}
	}
	config.Archive.Bucket = strings.TrimSpace(config.Archive.Bucket)
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

var knownTopics = map[string]struct{}{
	"orderbook": {},
	"ticker":    {},
	"trade":     {},
	"index":     {},
}

func validateConfig(cfg *Config) error {
	if cfg.Indexflow.Name == "" {
		return fmt.Errorf("indexflow.name is required")
	}
	if cfg.Indexflow.Version == "" {
		return fmt.Errorf("indexflow.version is required")
	}

	if cfg.Index.Depth <= 0 {
		return fmt.Errorf("index.depth must be greater than 0")
	}
	if cfg.Index.TickIntervalMs <= 0 {
		return fmt.Errorf("index.tick_interval_ms must be greater than 0")
	}
	if cfg.Index.Decimals < 0 {
		return fmt.Errorf("index.decimals must not be negative")
	}
	if cfg.Index.StaleMs <= 0 {
		return fmt.Errorf("index.stale_ms must be greater than 0")
	}
	if cfg.Index.ProvisionalMaxMs < 0 {
		return fmt.Errorf("index.provisional_max_ms must not be negative")
	}
	if len(cfg.Index.ExpectedExchanges) == 0 {
		return fmt.Errorf("index.expected_exchanges must list at least one exchange")
	}

	for _, topic := range cfg.Bus.Topics {
		if _, ok := knownTopics[topic]; !ok {
			return fmt.Errorf("bus.topics contains unknown topic %q", topic)
		}
	}
	if cfg.Bus.MaxAttempts < 0 || cfg.Stream.MaxAttempts < 0 || cfg.Sink.MaxReconnectAttempts < 0 {
		return fmt.Errorf("max_reconnect_attempts must not be negative")
	}

	if cfg.WorkQueue.Concurrency <= 0 {
		return fmt.Errorf("work_queue.concurrency must be greater than 0")
	}
	if cfg.WorkQueue.MaxDepth <= 0 {
		return fmt.Errorf("work_queue.max_depth must be greater than 0")
	}

	if cfg.Batch.FlushInterval <= 0 {
		return fmt.Errorf("batch.flush_interval must be greater than 0")
	}
	if cfg.Batch.MaxSize <= 0 {
		return fmt.Errorf("batch.max_size must be greater than 0")
	}

	if cfg.Sink.Host == "" || cfg.Sink.Port <= 0 {
		return fmt.Errorf("sink.host and sink.port are required")
	}
	switch cfg.Sink.TimestampUnit {
	case "ms", "us", "ns":
	default:
		return fmt.Errorf("sink.timestamp_unit must be one of ms, us, ns")
	}

	if cfg.Kafka.Enabled && len(cfg.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required when kafka is enabled")
	}

	if cfg.Archive.Enabled {
		if cfg.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket is required when archive is enabled")
		}
		if cfg.Archive.Region == "" {
			return fmt.Errorf("archive.region is required when archive is enabled")
		}
		if !isValidS3Bucket(cfg.Archive.Bucket) {
			return fmt.Errorf("archive.bucket '%s' is invalid", cfg.Archive.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}

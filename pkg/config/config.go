// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, Postgres, Kafka, Redis, Snapshot, Ingestor, Materializer,
// Cache, Ranking, feature groups, etc.).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server        ServerConfig         `yaml:"server"`
	Postgres      PostgresConfig       `yaml:"postgres"`
	Kafka         KafkaConfig          `yaml:"kafka"`
	Redis         RedisConfig          `yaml:"redis"`
	Snapshot      SnapshotConfig       `yaml:"snapshot"`
	Ingestor      IngestorConfig       `yaml:"ingestor"`
	Materializer  MaterializerConfig   `yaml:"materializer"`
	Cache         CacheConfig          `yaml:"cache"`
	Ranking       RankingConfig        `yaml:"ranking"`
	RPC           RPCConfig            `yaml:"rpc"`
	FeatureGroups []FeatureGroupConfig `yaml:"featureGroups"`
	Logging       LoggingConfig        `yaml:"logging"`
	Tracing       TracingConfig        `yaml:"tracing"`
	Metrics       MetricsConfig        `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings. RateLimit is requests per second
// per client; 0 disables limiting. AdminAuth requires an operator key on
// administrative writes.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	RateLimit       int           `yaml:"rateLimit"`
	AdminAuth       bool          `yaml:"adminAuth"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	Events           string `yaml:"events"`
	RankingDecisions string `yaml:"rankingDecisions"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"poolSize"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
}

// SnapshotConfig selects and configures the durable blob store that holds
// snapshot partitions.
type SnapshotConfig struct {
	Backend         string        `yaml:"backend"`
	DataDir         string        `yaml:"dataDir"`
	Bucket          string        `yaml:"bucket"`
	Prefix          string        `yaml:"prefix"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	PartitionWindow time.Duration `yaml:"partitionWindow"`
	OpTimeout       time.Duration `yaml:"opTimeout"`
}

// IngestorConfig controls stream batching and write retry budgets.
type IngestorConfig struct {
	BatchSize            int           `yaml:"batchSize"`
	BatchTimeout         time.Duration `yaml:"batchTimeout"`
	Workers              int           `yaml:"workers"`
	RetryAttempts        int           `yaml:"retryAttempts"`
	RetryInitialDelay    time.Duration `yaml:"retryInitialDelay"`
	RetryMaxDelay        time.Duration `yaml:"retryMaxDelay"`
	NaiveTimestampPolicy string        `yaml:"naiveTimestampPolicy"`
	CommitTimeout        time.Duration `yaml:"commitTimeout"`
}

// MaterializerConfig controls scheduled materialization runs.
type MaterializerConfig struct {
	Interval        time.Duration `yaml:"interval"`
	Lookback        time.Duration `yaml:"lookback"`
	WriteBatchSize  int           `yaml:"writeBatchSize"`
	ReadConcurrency int           `yaml:"readConcurrency"`
	ReadAttempts    int           `yaml:"readAttempts"`
	RecordRuns      bool          `yaml:"recordRuns"`
}

// CacheConfig controls online cache behaviour shared by writers and readers.
type CacheConfig struct {
	KeyPrefix        string        `yaml:"keyPrefix"`
	MarkerRetention  time.Duration `yaml:"markerRetention"`
	OpTimeout        time.Duration `yaml:"opTimeout"`
	ReadChunkSize    int           `yaml:"readChunkSize"`
	ReadAttempts     int           `yaml:"readAttempts"`
	BreakerThreshold int           `yaml:"breakerThreshold"`
	BreakerReset     time.Duration `yaml:"breakerReset"`
}

// RankingConfig controls the ranking request path.
type RankingConfig struct {
	LatencyBudget      time.Duration `yaml:"latencyBudget"`
	DefaultResults     int           `yaml:"defaultResults"`
	MaxResults         int           `yaml:"maxResults"`
	MaxCandidates      int           `yaml:"maxCandidates"`
	DegradedThreshold  float64       `yaml:"degradedThreshold"`
	ModelPollInterval  time.Duration `yaml:"modelPollInterval"`
	DriverLatRef       string        `yaml:"driverLatRef"`
	DriverLonRef       string        `yaml:"driverLonRef"`
	RequestLatRef      string        `yaml:"requestLatRef"`
	RequestLonRef      string        `yaml:"requestLonRef"`
	DriftWindow        int           `yaml:"driftWindow"`
	DriftComputeEvery  int           `yaml:"driftComputeEvery"`
	DecisionLogEnabled bool          `yaml:"decisionLogEnabled"`
	DecisionLogBuffer  int           `yaml:"decisionLogBuffer"`
}

// RPCConfig controls the internal JSON-over-TCP endpoint.
type RPCConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// FeatureGroupConfig declares one feature group schema.
type FeatureGroupConfig struct {
	Name       string               `yaml:"name"`
	Version    int                  `yaml:"version"`
	EntityType string               `yaml:"entityType"`
	TTL        time.Duration        `yaml:"ttl"`
	Fields     []FeatureFieldConfig `yaml:"fields"`
}

// FeatureFieldConfig declares one typed field within a feature group.
type FeatureFieldConfig struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig controls span logging for request traces.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	SampleRate float64 `yaml:"sampleRate"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with sensible defaults for any
// missing values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration without reading a file or the
// environment.
func Default() *Config {
	return defaultConfig()
}

// Validate checks numeric bounds and feature group declarations.
func (c *Config) Validate() error {
	if c.Snapshot.PartitionWindow <= 0 {
		return fmt.Errorf("snapshot.partitionWindow must be positive")
	}
	switch c.Snapshot.Backend {
	case "file", "s3":
	default:
		return fmt.Errorf("snapshot.backend must be file or s3, got %q", c.Snapshot.Backend)
	}
	switch c.Ingestor.NaiveTimestampPolicy {
	case "assume_utc", "reject":
	default:
		return fmt.Errorf("ingestor.naiveTimestampPolicy must be assume_utc or reject, got %q", c.Ingestor.NaiveTimestampPolicy)
	}
	if c.Ingestor.BatchSize <= 0 || c.Ingestor.Workers <= 0 {
		return fmt.Errorf("ingestor.batchSize and ingestor.workers must be positive")
	}
	if c.Ranking.DegradedThreshold < 0 || c.Ranking.DegradedThreshold > 1 {
		return fmt.Errorf("ranking.degradedThreshold must be within [0,1]")
	}
	seen := make(map[string]struct{}, len(c.FeatureGroups))
	for _, g := range c.FeatureGroups {
		if g.Name == "" {
			return fmt.Errorf("feature group with empty name")
		}
		if _, dup := seen[g.Name]; dup {
			return fmt.Errorf("feature group %q declared twice", g.Name)
		}
		seen[g.Name] = struct{}{}
		if g.TTL <= 0 {
			return fmt.Errorf("feature group %q: ttl must be positive", g.Name)
		}
	}
	return nil
}

// defaultConfig returns a Config with defaults suitable for local
// development against the docker-compose stack.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "ridematch",
			User:            "ridematch",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "ridematch-ingestor",
			Topics: KafkaTopics{
				Events:           "ridematch-events",
				RankingDecisions: "ridematch-ranking-decisions",
			},
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     32,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  200 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
		},
		Snapshot: SnapshotConfig{
			Backend:         "file",
			DataDir:         "data/snapshots",
			Bucket:          "ridematch-raw",
			Region:          "us-east-1",
			PartitionWindow: 10 * time.Minute,
			OpTimeout:       30 * time.Second,
		},
		Ingestor: IngestorConfig{
			BatchSize:            500,
			BatchTimeout:         2 * time.Second,
			Workers:              2,
			RetryAttempts:        5,
			RetryInitialDelay:    200 * time.Millisecond,
			RetryMaxDelay:        10 * time.Second,
			NaiveTimestampPolicy: "assume_utc",
			CommitTimeout:        10 * time.Second,
		},
		Materializer: MaterializerConfig{
			Interval:        time.Minute,
			Lookback:        2 * time.Hour,
			WriteBatchSize:  200,
			ReadConcurrency: 4,
			ReadAttempts:    3,
			RecordRuns:      true,
		},
		Cache: CacheConfig{
			MarkerRetention:  24 * time.Hour,
			OpTimeout:        50 * time.Millisecond,
			ReadChunkSize:    64,
			ReadAttempts:     2,
			BreakerThreshold: 5,
			BreakerReset:     5 * time.Second,
		},
		Ranking: RankingConfig{
			LatencyBudget:      100 * time.Millisecond,
			DefaultResults:     5,
			MaxResults:         50,
			MaxCandidates:      500,
			DegradedThreshold:  0.3,
			ModelPollInterval:  30 * time.Second,
			DriverLatRef:       "driver_status:lat",
			DriverLonRef:       "driver_status:lon",
			RequestLatRef:      "ride_request:origin_lat",
			RequestLonRef:      "ride_request:origin_lon",
			DriftWindow:        1000,
			DriftComputeEvery:  100,
			DecisionLogEnabled: false,
			DecisionLogBuffer:  10000,
		},
		RPC: RPCConfig{
			Enabled: true,
			Addr:    ":9100",
		},
		FeatureGroups: []FeatureGroupConfig{
			{
				Name:       "driver_status",
				Version:    1,
				EntityType: "driver",
				TTL:        5 * time.Minute,
				Fields: []FeatureFieldConfig{
					{Name: "lat", Type: "float"},
					{Name: "lon", Type: "float"},
					{Name: "status", Type: "string"},
				},
			},
			{
				Name:       "driver_agg",
				Version:    1,
				EntityType: "driver",
				TTL:        time.Hour,
				Fields: []FeatureFieldConfig{
					{Name: "accept_rate_7d", Type: "float"},
					{Name: "avg_response_ms", Type: "float"},
				},
			},
			{
				Name:       "ride_request",
				Version:    1,
				EntityType: "ride_request",
				TTL:        15 * time.Minute,
				Fields: []FeatureFieldConfig{
					{Name: "origin_lat", Type: "float"},
					{Name: "origin_lon", Type: "float"},
					{Name: "pref_vehicle", Type: "string"},
				},
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:    false,
			SampleRate: 0.01,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads RM_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RM_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("RM_SERVER_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.RateLimit = n
		}
	}
	if v := os.Getenv("RM_SERVER_ADMIN_AUTH"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Server.AdminAuth = b
		}
	}
	if v := os.Getenv("RM_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("RM_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("RM_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("RM_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("RM_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("RM_POSTGRES_SSLMODE"); v != "" {
		cfg.Postgres.SSLMode = v
	}
	if v := os.Getenv("RM_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("RM_KAFKA_EVENTS_TOPIC"); v != "" {
		cfg.Kafka.Topics.Events = v
	}
	if v := os.Getenv("RM_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("RM_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("RM_SNAPSHOT_BACKEND"); v != "" {
		cfg.Snapshot.Backend = v
	}
	if v := os.Getenv("RM_SNAPSHOT_DATA_DIR"); v != "" {
		cfg.Snapshot.DataDir = v
	}
	if v := os.Getenv("RM_SNAPSHOT_BUCKET"); v != "" {
		cfg.Snapshot.Bucket = v
	}
	if v := os.Getenv("RM_SNAPSHOT_ENDPOINT"); v != "" {
		cfg.Snapshot.Endpoint = v
	}
	if v := os.Getenv("RM_INGESTOR_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Ingestor.Workers = n
		}
	}
	if v := os.Getenv("RM_INGESTOR_NAIVE_TIMESTAMP_POLICY"); v != "" {
		cfg.Ingestor.NaiveTimestampPolicy = v
	}
	if v := os.Getenv("RM_MATERIALIZER_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Materializer.Interval = d
		}
	}
	if v := os.Getenv("RM_RANKING_LATENCY_BUDGET"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Ranking.LatencyBudget = d
		}
	}
	if v := os.Getenv("RM_RPC_ADDR"); v != "" {
		cfg.RPC.Addr = v
	}
	if v := os.Getenv("RM_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("RM_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("RM_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = port
		}
	}
}

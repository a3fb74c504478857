package config

import (
	"fmt"
	"os"
	"time"

	"github.com/OFFIS-RIT/kiwi/curator/internal/util"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the curator. Values are resolved in three
// layers: defaults, the optional YAML file named by CURATOR_CONFIG_FILE, then
// environment variables.
type Config struct {
	Debug     bool   `yaml:"debug"`
	LogFormat string `yaml:"log_format"`

	DatabaseURL string `yaml:"database_url"`
	Namespace   string `yaml:"namespace"`

	Ingest     IngestConfig     `yaml:"ingest"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Validation ValidationConfig `yaml:"validation"`
	Conflict   ConflictConfig   `yaml:"conflict"`
	Writer     WriterConfig     `yaml:"writer"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Events     EventsConfig     `yaml:"events"`

	Port         string `yaml:"port"`
	MetricsPort  string `yaml:"metrics_port"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

type IngestConfig struct {
	BatchSize            int           `yaml:"batch_size"`
	FlushInterval        time.Duration `yaml:"flush_interval"`
	MaxAttempts          int           `yaml:"max_attempts"`
	MaxConcurrentBatches int           `yaml:"max_concurrent_batches"`
	QueueName            string        `yaml:"queue_name"`
}

type ExtractionConfig struct {
	Timeout             time.Duration `yaml:"timeout"`
	CallTimeout         time.Duration `yaml:"call_timeout"`
	StageRetries        int           `yaml:"stage_retries"`
	ParallelRequests    int           `yaml:"parallel_requests"`
	SimilarityThreshold float64       `yaml:"similarity_threshold"`
	SimilarityLimit     int           `yaml:"similarity_limit"`
}

type ValidationConfig struct {
	MinConfidence     float64  `yaml:"min_confidence"`
	AllowedPredicates []string `yaml:"allowed_predicates"`
}

type ConflictConfig struct {
	MultiValuedPredicates []string `yaml:"multi_valued_predicates"`
	MaxAttempts           int      `yaml:"max_attempts"`
}

type WriterConfig struct {
	MaxRetries  int           `yaml:"max_retries"`
	RetryBase   time.Duration `yaml:"retry_base"`
	RetryMax    time.Duration `yaml:"retry_max"`
	LockTimeout time.Duration `yaml:"lock_timeout"`
}

type CheckpointConfig struct {
	Backend  string        `yaml:"backend"`
	Dir      string        `yaml:"dir"`
	Bucket   string        `yaml:"bucket"`
	Key      string        `yaml:"key"`
	Interval time.Duration `yaml:"interval"`
}

type EventsConfig struct {
	Buffer       int    `yaml:"buffer"`
	RedisAddr    string `yaml:"redis_addr"`
	RedisChannel string `yaml:"redis_channel"`
	Topic        string `yaml:"topic"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LogFormat: "console",
		Namespace: "curator",
		Ingest: IngestConfig{
			BatchSize:            5,
			FlushInterval:        5 * time.Second,
			MaxAttempts:          3,
			MaxConcurrentBatches: 4,
			QueueName:            "consolidated_states",
		},
		Extraction: ExtractionConfig{
			Timeout:             2 * time.Minute,
			CallTimeout:         45 * time.Second,
			StageRetries:        2,
			ParallelRequests:    8,
			SimilarityThreshold: 0.85,
			SimilarityLimit:     5,
		},
		Validation: ValidationConfig{
			MinConfidence: 0.3,
		},
		Conflict: ConflictConfig{
			MaxAttempts: 3,
		},
		Writer: WriterConfig{
			MaxRetries:  5,
			RetryBase:   50 * time.Millisecond,
			RetryMax:    2 * time.Second,
			LockTimeout: 5 * time.Second,
		},
		Checkpoint: CheckpointConfig{
			Backend:  "badger",
			Dir:      "./data/checkpoint",
			Key:      "curator/checkpoint.json",
			Interval: 30 * time.Second,
		},
		Events: EventsConfig{
			Buffer:       1024,
			RedisChannel: "curator.events",
			Topic:        "curator.events",
		},
		Port:        "8080",
		MetricsPort: "9090",
	}
}

// Load resolves the configuration from defaults, the YAML overlay and the
// environment.
func Load() (Config, error) {
	cfg := Default()

	if path := util.GetEnv("CURATOR_CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Debug = util.GetEnvBool("DEBUG", c.Debug)
	c.LogFormat = util.GetEnvString("LOG_FORMAT", c.LogFormat)
	c.DatabaseURL = util.GetEnvString("DATABASE_URL", c.DatabaseURL)
	c.Namespace = util.GetEnvString("CURATOR_NAMESPACE", c.Namespace)

	c.Ingest.BatchSize = util.GetEnvInt("CURATOR_BATCH_SIZE", c.Ingest.BatchSize)
	c.Ingest.FlushInterval = util.GetEnvDuration("CURATOR_FLUSH_INTERVAL", c.Ingest.FlushInterval)
	c.Ingest.MaxAttempts = util.GetEnvInt("CURATOR_MAX_ATTEMPTS", c.Ingest.MaxAttempts)
	c.Ingest.MaxConcurrentBatches = util.GetEnvInt("CURATOR_MAX_CONCURRENT_BATCHES", c.Ingest.MaxConcurrentBatches)
	c.Ingest.QueueName = util.GetEnvString("CURATOR_QUEUE", c.Ingest.QueueName)

	c.Extraction.Timeout = util.GetEnvDuration("CURATOR_EXTRACTION_TIMEOUT", c.Extraction.Timeout)
	c.Extraction.CallTimeout = util.GetEnvDuration("CURATOR_CALL_TIMEOUT", c.Extraction.CallTimeout)
	c.Extraction.StageRetries = util.GetEnvInt("CURATOR_STAGE_RETRIES", c.Extraction.StageRetries)
	c.Extraction.ParallelRequests = util.GetEnvInt("AI_PARALLEL_REQ", c.Extraction.ParallelRequests)
	c.Extraction.SimilarityThreshold = util.GetEnvNumeric("CURATOR_SIMILARITY_THRESHOLD", c.Extraction.SimilarityThreshold)
	c.Extraction.SimilarityLimit = util.GetEnvInt("CURATOR_SIMILARITY_LIMIT", c.Extraction.SimilarityLimit)

	c.Validation.MinConfidence = util.GetEnvNumeric("CURATOR_MIN_CONFIDENCE", c.Validation.MinConfidence)
	c.Validation.AllowedPredicates = util.GetEnvList("CURATOR_ALLOWED_PREDICATES", c.Validation.AllowedPredicates)

	c.Conflict.MultiValuedPredicates = util.GetEnvList("CURATOR_MULTI_VALUED_PREDICATES", c.Conflict.MultiValuedPredicates)
	c.Conflict.MaxAttempts = util.GetEnvInt("CURATOR_MAX_CONFLICT_ATTEMPTS", c.Conflict.MaxAttempts)

	c.Writer.MaxRetries = util.GetEnvInt("CURATOR_PERSIST_RETRIES", c.Writer.MaxRetries)
	c.Writer.LockTimeout = util.GetEnvDuration("CURATOR_LOCK_TIMEOUT", c.Writer.LockTimeout)

	c.Checkpoint.Backend = util.GetEnvString("CHECKPOINT_BACKEND", c.Checkpoint.Backend)
	c.Checkpoint.Dir = util.GetEnvString("CHECKPOINT_DIR", c.Checkpoint.Dir)
	c.Checkpoint.Bucket = util.GetEnvString("AWS_BUCKET", c.Checkpoint.Bucket)
	c.Checkpoint.Key = util.GetEnvString("CHECKPOINT_KEY", c.Checkpoint.Key)
	c.Checkpoint.Interval = util.GetEnvDuration("CHECKPOINT_INTERVAL", c.Checkpoint.Interval)

	c.Events.Buffer = util.GetEnvInt("CURATOR_EVENT_BUFFER", c.Events.Buffer)
	c.Events.RedisAddr = util.GetEnvString("REDIS_ADDR", c.Events.RedisAddr)
	c.Events.RedisChannel = util.GetEnvString("REDIS_CHANNEL", c.Events.RedisChannel)

	c.Port = util.GetEnvString("PORT", c.Port)
	c.MetricsPort = util.GetEnvString("METRICS_PORT", c.MetricsPort)
	c.OTLPEndpoint = util.GetEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", c.OTLPEndpoint)
}

// Validate rejects configurations the pipeline cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Ingest.BatchSize <= 0:
		return fmt.Errorf("batch size must be positive, got %d", c.Ingest.BatchSize)
	case c.Ingest.FlushInterval <= 0:
		return fmt.Errorf("flush interval must be positive, got %s", c.Ingest.FlushInterval)
	case c.Ingest.MaxConcurrentBatches <= 0:
		return fmt.Errorf("max concurrent batches must be positive, got %d", c.Ingest.MaxConcurrentBatches)
	case c.Extraction.SimilarityThreshold < 0 || c.Extraction.SimilarityThreshold > 1:
		return fmt.Errorf("similarity threshold must be in [0,1], got %v", c.Extraction.SimilarityThreshold)
	case c.Validation.MinConfidence < 0 || c.Validation.MinConfidence > 1:
		return fmt.Errorf("min confidence must be in [0,1], got %v", c.Validation.MinConfidence)
	}
	switch c.Checkpoint.Backend {
	case "badger", "s3", "none", "":
	default:
		return fmt.Errorf("unknown checkpoint backend %q", c.Checkpoint.Backend)
	}
	return nil
}

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrConfig marks bad or missing configuration
var ErrConfig = errors.New("config error")

// Config represents the complete engine configuration
type Config struct {
	InstanceID       string                 `yaml:"instance_id"`
	ShutdownTimeoutS int                    `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	Server           ServerConfig           `yaml:"server"`
	Scheduler        SchedulerConfig        `yaml:"scheduler"`
	State            StateConfig            `yaml:"state"`
	Analysis         AnalysisConfig         `yaml:"analysis"`
	Buffer           BufferConfig           `yaml:"buffer"`
	Skills           map[string]SkillConfig `yaml:"skills"`
	Inference        InferenceConfig        `yaml:"inference"`
	Storage          StorageConfig          `yaml:"storage"`
	Messaging        MessagingConfig        `yaml:"messaging"`
	RateLimit        RateLimitConfig        `yaml:"rate_limit"`
	Auth             AuthConfig             `yaml:"auth"`
	Tracing          TracingConfig          `yaml:"tracing"`
}

// ServerConfig contains listener settings
type ServerConfig struct {
	Listen     string `yaml:"listen"`      // API listen address (default ":50051")
	HealthPort string `yaml:"health_port"` // health/metrics port (default "8080")
}

// SchedulerConfig contains admission control settings
type SchedulerConfig struct {
	MaxConcurrentTasks   int     `yaml:"max_concurrent_tasks"`   // initial limit (default 10)
	MaxConcurrentCeiling int     `yaml:"max_concurrent_ceiling"` // upper bound for dynamic growth, 0 = unbounded
	CPUThreshold         float64 `yaml:"cpu_threshold"`          // percent (default 80)
	MemoryThreshold      float64 `yaml:"memory_threshold"`       // percent (default 80)
	GPUThreshold         float64 `yaml:"gpu_threshold"`          // percent (default 80, reported only)
	PollIntervalMS       int     `yaml:"poll_interval_ms"`       // default 100
	AdjustIntervalS      int     `yaml:"adjust_interval_s"`      // default 60
	SampleIntervalMS     int     `yaml:"sample_interval_ms"`     // resource sampling period (default 1000)
	ResultRetention      int     `yaml:"result_retention"`       // retained task records (default 1000)
}

// StateConfig selects where task records are retained
type StateConfig struct {
	Backend string      `yaml:"backend"` // memory, redis, bolt
	Redis   RedisConfig `yaml:"redis"`
	Bolt    BoltConfig  `yaml:"bolt"`
}

// RedisConfig contains redis connection settings
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	TTLS     int    `yaml:"ttl_s"`  // record expiry (default 86400)
	Stream   string `yaml:"stream"` // stream name when used as the message bus
}

// BoltConfig contains the embedded store settings
type BoltConfig struct {
	Path   string `yaml:"path"`
	Bucket string `yaml:"bucket"`
}

// AnalysisConfig contains anomaly analyzer settings
type AnalysisConfig struct {
	Window        int                `yaml:"window"`         // entries examined per check (default 10)
	HistoryLimit  int                `yaml:"history_limit"`  // entries retained per task (default 1000)
	MinViolations int                `yaml:"min_violations"` // helmet entries needed in a window (default 5)
	Thresholds    map[string]float64 `yaml:"thresholds"`     // related-object confidence per class (default 0.5)
}

// BufferConfig contains ring buffer settings
type BufferConfig struct {
	Capacity     int    `yaml:"capacity"`      // frames per task (default 150)
	BeforeFrames int    `yaml:"before_frames"` // default 90
	AfterFrames  int    `yaml:"after_frames"`  // default 90
	ClipFPS      int    `yaml:"clip_fps"`      // playback rate written into clips (default 30)
	Encoder      string `yaml:"encoder"`       // mjpeg or msgpack (default mjpeg)
}

// SkillConfig defines one detection skill
type SkillConfig struct {
	Type        string        `yaml:"type"`
	Name        string        `yaml:"name"`
	Description string        `yaml:"description"`
	Enabled     *bool         `yaml:"enabled"` // default true
	Models      []ModelConfig `yaml:"models"`
}

// IsEnabled returns the enabled flag, defaulting to true
func (s SkillConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// ModelConfig defines a single model owned by a skill
type ModelConfig struct {
	ModelID    string            `yaml:"model_id"`
	Name       string            `yaml:"name"`
	Type       string            `yaml:"type"`
	MarPath    string            `yaml:"mar_path"`
	Parameters map[string]string `yaml:"parameters"`
}

// InferenceConfig selects the inference backend
type InferenceConfig struct {
	Backend    string           `yaml:"backend"` // mock, process, torchserve
	TimeoutMS  int              `yaml:"timeout_ms"`
	Process    ProcessConfig    `yaml:"process"`
	TorchServe TorchServeConfig `yaml:"torchserve"`
}

// ProcessConfig configures per-model runner subprocesses
type ProcessConfig struct {
	Command string   `yaml:"command"` // e.g. models/run_model.sh
	Args    []string `yaml:"args"`
}

// TorchServeConfig configures the TorchServe REST endpoints
type TorchServeConfig struct {
	InferenceURL   string `yaml:"inference_url"`
	ManagementURL  string `yaml:"management_url"`
	InitialWorkers int    `yaml:"initial_workers"`
}

// StorageConfig selects the clip/keyframe store
type StorageConfig struct {
	Backend string      `yaml:"backend"` // memory, minio
	Minio   MinioConfig `yaml:"minio"`
}

// MinioConfig contains object store settings
type MinioConfig struct {
	Endpoint    string `yaml:"endpoint"`
	AccessKey   string `yaml:"access_key"`
	SecretKey   string `yaml:"secret_key"`
	Secure      bool   `yaml:"secure"`
	VideoBucket string `yaml:"video_bucket"`
	ImageBucket string `yaml:"image_bucket"`
	URLExpiryH  int    `yaml:"url_expiry_h"` // presigned URL lifetime (default 168)
}

// MessagingConfig selects the result publisher
type MessagingConfig struct {
	Backend string      `yaml:"backend"` // mqtt, redis
	MQTT    MQTTConfig  `yaml:"mqtt"`
	Redis   RedisConfig `yaml:"redis"`
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Broker string          `yaml:"broker"`
	Topics MQTTTopics      `yaml:"topics"`
	QoS    map[string]byte `yaml:"qos"`
}

// MQTTTopics contains topic templates
type MQTTTopics struct {
	Results string `yaml:"results"`
	Control string `yaml:"control"`
	Health  string `yaml:"health"`
}

// RateLimitConfig contains per-method request limits
type RateLimitConfig struct {
	Default LimitConfig            `yaml:"default"`
	Methods map[string]LimitConfig `yaml:"methods"`
}

// LimitConfig allows Requests calls per PeriodS seconds
type LimitConfig struct {
	Requests int `yaml:"requests"`
	PeriodS  int `yaml:"period_s"`
}

// Period returns the window length
func (l LimitConfig) Period() time.Duration {
	return time.Duration(l.PeriodS) * time.Second
}

// AuthConfig contains API credentials
type AuthConfig struct {
	Tokens map[string]TokenConfig `yaml:"tokens"`
}

// TokenConfig binds a bearer token to a client and its allowed methods
type TokenConfig struct {
	ClientID    string   `yaml:"client_id"`
	Permissions []string `yaml:"permissions"`
}

// TracingConfig configures OpenTelemetry export
type TracingConfig struct {
	Exporter    string            `yaml:"exporter"` // none, stdout, otlp, otlphttp
	Endpoint    string            `yaml:"endpoint"`
	Insecure    bool              `yaml:"insecure"`
	SampleRatio float64           `yaml:"sample_ratio"`
	Headers     map[string]string `yaml:"headers"`
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML bytes, applies environment overrides and validates the result
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config: %v", ErrConfig, err)
	}

	applyEnv(&cfg)

	// Validate configuration
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// LoadEnv loads variables from a .env file when one exists.
// Variables already set in the process environment win.
func LoadEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}

// applyEnv overrides secrets and endpoints from the environment
func applyEnv(cfg *Config) {
	if v := os.Getenv("SMARTENGINE_MINIO_ACCESS_KEY"); v != "" {
		cfg.Storage.Minio.AccessKey = v
	}
	if v := os.Getenv("SMARTENGINE_MINIO_SECRET_KEY"); v != "" {
		cfg.Storage.Minio.SecretKey = v
	}
	if v := os.Getenv("SMARTENGINE_REDIS_PASSWORD"); v != "" {
		cfg.State.Redis.Password = v
		cfg.Messaging.Redis.Password = v
	}
	if v := os.Getenv("SMARTENGINE_MQTT_BROKER"); v != "" {
		cfg.Messaging.MQTT.Broker = v
	}
}

// ShutdownTimeout returns the configured graceful shutdown timeout
// Returns default of 5 seconds if not configured
func (c *Config) ShutdownTimeout() time.Duration {
	timeout := time.Duration(c.ShutdownTimeoutS) * time.Second
	if timeout == 0 {
		return 5 * time.Second
	}
	return timeout
}

package config

import (
	"fmt"
	"regexp"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks if the configuration is valid and fills defaults
func Validate(cfg *Config) error {
	// Validate instance_id
	if cfg.InstanceID == "" {
		return fmt.Errorf("%w: instance_id is required", ErrConfig)
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("%w: instance_id must match pattern [a-z0-9-]+", ErrConfig)
	}

	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":50051"
	}
	if cfg.Server.HealthPort == "" {
		cfg.Server.HealthPort = "8080"
	}

	if err := validateScheduler(&cfg.Scheduler); err != nil {
		return err
	}

	// Analyzer and buffer defaults
	if cfg.Analysis.Window <= 0 {
		cfg.Analysis.Window = 10
	}
	if cfg.Analysis.HistoryLimit <= 0 {
		cfg.Analysis.HistoryLimit = 1000
	}
	if cfg.Analysis.HistoryLimit < cfg.Analysis.Window {
		return fmt.Errorf("%w: analysis.history_limit (%d) must be >= analysis.window (%d)",
			ErrConfig, cfg.Analysis.HistoryLimit, cfg.Analysis.Window)
	}
	if cfg.Analysis.MinViolations <= 0 {
		cfg.Analysis.MinViolations = 5
	}
	if cfg.Analysis.MinViolations > cfg.Analysis.Window {
		return fmt.Errorf("%w: analysis.min_violations (%d) must be <= analysis.window (%d)",
			ErrConfig, cfg.Analysis.MinViolations, cfg.Analysis.Window)
	}
	for class, th := range cfg.Analysis.Thresholds {
		if th < 0 || th >= 1 {
			return fmt.Errorf("%w: analysis.thresholds.%s must be within [0, 1)", ErrConfig, class)
		}
	}
	if cfg.Buffer.Capacity <= 0 {
		cfg.Buffer.Capacity = 150
	}
	if cfg.Buffer.BeforeFrames <= 0 {
		cfg.Buffer.BeforeFrames = 90
	}
	if cfg.Buffer.AfterFrames <= 0 {
		cfg.Buffer.AfterFrames = 90
	}
	if cfg.Buffer.ClipFPS <= 0 {
		cfg.Buffer.ClipFPS = 30
	}
	switch cfg.Buffer.Encoder {
	case "":
		cfg.Buffer.Encoder = "mjpeg"
	case "mjpeg", "msgpack":
	default:
		return fmt.Errorf("%w: unknown buffer.encoder %q", ErrConfig, cfg.Buffer.Encoder)
	}

	if len(cfg.Skills) == 0 {
		return fmt.Errorf("%w: at least one skill must be configured", ErrConfig)
	}

	if err := validateBackends(cfg); err != nil {
		return err
	}

	// Rate limit defaults
	if cfg.RateLimit.Default.Requests <= 0 {
		cfg.RateLimit.Default.Requests = 100
	}
	if cfg.RateLimit.Default.PeriodS <= 0 {
		cfg.RateLimit.Default.PeriodS = 60
	}
	for method, l := range cfg.RateLimit.Methods {
		if l.Requests <= 0 || l.PeriodS <= 0 {
			return fmt.Errorf("%w: rate_limit.methods.%s: requests and period_s must be > 0", ErrConfig, method)
		}
	}

	for token, tc := range cfg.Auth.Tokens {
		if token == "" || tc.ClientID == "" {
			return fmt.Errorf("%w: auth tokens need a non-empty token and client_id", ErrConfig)
		}
	}

	switch cfg.Tracing.Exporter {
	case "", "none", "stdout", "otlp", "otlpgrpc", "grpc", "otlphttp", "http":
	default:
		return fmt.Errorf("%w: tracing.exporter %q is not supported", ErrConfig, cfg.Tracing.Exporter)
	}
	if cfg.Tracing.SampleRatio <= 0 || cfg.Tracing.SampleRatio > 1 {
		cfg.Tracing.SampleRatio = 1
	}

	return nil
}

func validateScheduler(s *SchedulerConfig) error {
	if s.MaxConcurrentTasks == 0 {
		s.MaxConcurrentTasks = 10
	}
	if s.MaxConcurrentTasks < 0 {
		return fmt.Errorf("%w: scheduler.max_concurrent_tasks must be > 0", ErrConfig)
	}
	if s.MaxConcurrentCeiling < 0 {
		return fmt.Errorf("%w: scheduler.max_concurrent_ceiling must be >= 0", ErrConfig)
	}
	if s.MaxConcurrentCeiling > 0 && s.MaxConcurrentCeiling < s.MaxConcurrentTasks {
		return fmt.Errorf("%w: scheduler.max_concurrent_ceiling must be 0 or >= max_concurrent_tasks", ErrConfig)
	}
	for name, v := range map[string]*float64{
		"cpu_threshold":    &s.CPUThreshold,
		"memory_threshold": &s.MemoryThreshold,
		"gpu_threshold":    &s.GPUThreshold,
	} {
		if *v == 0 {
			*v = 80
		}
		if *v < 0 || *v > 100 {
			return fmt.Errorf("%w: scheduler.%s must be within (0, 100], got %.1f", ErrConfig, name, *v)
		}
	}
	if s.PollIntervalMS <= 0 {
		s.PollIntervalMS = 100
	}
	if s.AdjustIntervalS <= 0 {
		s.AdjustIntervalS = 60
	}
	if s.SampleIntervalMS <= 0 {
		s.SampleIntervalMS = 1000
	}
	if s.ResultRetention <= 0 {
		s.ResultRetention = 1000
	}
	return nil
}

func validateBackends(cfg *Config) error {
	switch cfg.State.Backend {
	case "", "memory":
		cfg.State.Backend = "memory"
	case "redis":
		if cfg.State.Redis.Addr == "" {
			return fmt.Errorf("%w: state.redis.addr is required for the redis backend", ErrConfig)
		}
		if cfg.State.Redis.TTLS <= 0 {
			cfg.State.Redis.TTLS = 86400
		}
	case "bolt":
		if cfg.State.Bolt.Path == "" {
			cfg.State.Bolt.Path = "smartengine.db"
		}
		if cfg.State.Bolt.Bucket == "" {
			cfg.State.Bolt.Bucket = "tasks"
		}
	default:
		return fmt.Errorf("%w: unknown state.backend %q", ErrConfig, cfg.State.Backend)
	}

	switch cfg.Inference.Backend {
	case "", "mock":
		cfg.Inference.Backend = "mock"
	case "process":
		if cfg.Inference.Process.Command == "" {
			return fmt.Errorf("%w: inference.process.command is required", ErrConfig)
		}
	case "torchserve":
		if cfg.Inference.TorchServe.InferenceURL == "" || cfg.Inference.TorchServe.ManagementURL == "" {
			return fmt.Errorf("%w: inference.torchserve needs inference_url and management_url", ErrConfig)
		}
		if cfg.Inference.TorchServe.InitialWorkers <= 0 {
			cfg.Inference.TorchServe.InitialWorkers = 1
		}
	default:
		return fmt.Errorf("%w: unknown inference.backend %q", ErrConfig, cfg.Inference.Backend)
	}
	if cfg.Inference.TimeoutMS <= 0 {
		cfg.Inference.TimeoutMS = 5000
	}

	switch cfg.Storage.Backend {
	case "", "memory":
		cfg.Storage.Backend = "memory"
	case "minio":
		m := &cfg.Storage.Minio
		if m.Endpoint == "" {
			return fmt.Errorf("%w: storage.minio.endpoint is required", ErrConfig)
		}
		if m.VideoBucket == "" {
			m.VideoBucket = "smartengine-videos"
		}
		if m.ImageBucket == "" {
			m.ImageBucket = "smartengine-images"
		}
		if m.URLExpiryH <= 0 {
			m.URLExpiryH = 7 * 24
		}
	default:
		return fmt.Errorf("%w: unknown storage.backend %q", ErrConfig, cfg.Storage.Backend)
	}

	// MQTT topics are needed by the control plane even when results go to redis
	if cfg.Messaging.MQTT.Topics.Results == "" {
		cfg.Messaging.MQTT.Topics.Results = fmt.Sprintf("smartengine/results/%s", cfg.InstanceID)
	}
	if cfg.Messaging.MQTT.Topics.Control == "" {
		cfg.Messaging.MQTT.Topics.Control = fmt.Sprintf("smartengine/control/%s", cfg.InstanceID)
	}
	if cfg.Messaging.MQTT.Topics.Health == "" {
		cfg.Messaging.MQTT.Topics.Health = fmt.Sprintf("smartengine/health/%s", cfg.InstanceID)
	}
	if cfg.Messaging.MQTT.QoS == nil {
		cfg.Messaging.MQTT.QoS = map[string]byte{
			"control": 1,
			"result":  1,
			"error":   1,
			"health":  0,
		}
	}

	switch cfg.Messaging.Backend {
	case "", "mqtt":
		cfg.Messaging.Backend = "mqtt"
		if cfg.Messaging.MQTT.Broker == "" {
			return fmt.Errorf("%w: messaging.mqtt.broker is required", ErrConfig)
		}
	case "redis":
		if cfg.Messaging.Redis.Addr == "" {
			return fmt.Errorf("%w: messaging.redis.addr is required", ErrConfig)
		}
		if cfg.Messaging.Redis.Stream == "" {
			cfg.Messaging.Redis.Stream = "smartengine:results"
		}
	case "none":
		// results are only logged; useful for local runs
	default:
		return fmt.Errorf("%w: unknown messaging.backend %q", ErrConfig, cfg.Messaging.Backend)
	}

	return nil
}

// ValidateSkill checks a single skill entry. Invalid skills are skipped at startup,
// they do not stop the engine.
func ValidateSkill(id string, s SkillConfig) error {
	if s.Type == "" {
		return fmt.Errorf("%w: skill %q: type is required", ErrConfig, id)
	}
	if len(s.Models) == 0 {
		return fmt.Errorf("%w: skill %q: at least one model is required", ErrConfig, id)
	}
	seen := make(map[string]bool, len(s.Models))
	for i, m := range s.Models {
		if m.Name == "" || m.MarPath == "" || m.Type == "" {
			return fmt.Errorf("%w: skill %q: model %d needs name, mar_path and type", ErrConfig, id, i)
		}
		key := m.ModelID
		if key == "" {
			key = m.Name
		}
		if seen[key] {
			return fmt.Errorf("%w: skill %q: duplicate model id %q", ErrConfig, id, key)
		}
		seen[key] = true
	}
	return nil
}

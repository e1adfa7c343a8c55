package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the orchestratord process configuration (spec §9 "the
// application root" wiring input): where to load declarative agent and
// skill documents from (spec §6.2), how to reach durable storage (spec
// §6.4), which cron schedules to run (spec §4.10), and per-queue
// analysis-worker tuning (spec §4.9, SPEC_FULL.md Supplemented Features).
type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Storage struct {
		// Driver selects "postgres" or "memory" (the in-process fallback
		// used for local runs and tests).
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn,omitempty"`
	} `yaml:"storage"`

	Transport struct {
		// RedisAddr enables the external pub/sub relay (spec §4.1); empty
		// keeps the in-process no-op transport.
		RedisAddr string `yaml:"redis_addr,omitempty"`
		Channel   string `yaml:"channel,omitempty"`
	} `yaml:"transport"`

	Registry struct {
		AgentDir string `yaml:"agent_dir"`
		SkillDir string `yaml:"skill_dir"`
	} `yaml:"registry"`

	Schedules []ScheduleConfig `yaml:"schedules,omitempty"`

	AnalysisQueues []AnalysisQueueConfig `yaml:"analysis_queues,omitempty"`

	Runtime struct {
		TokenModel string `yaml:"token_model,omitempty"`
		TokenLimit int    `yaml:"token_limit,omitempty"`
		// Per-million-token rates for the execution-history cost field;
		// zero records a zero cost.
		CostInPerMTok  float64 `yaml:"cost_in_per_mtok,omitempty"`
		CostOutPerMTok float64 `yaml:"cost_out_per_mtok,omitempty"`
	} `yaml:"runtime"`
}

// ScheduleConfig mirrors internal/schedsource.ScheduleDef in document form.
type ScheduleConfig struct {
	ID        string         `yaml:"id"`
	Cron      string         `yaml:"cron"`
	EventType string         `yaml:"event_type"`
	Priority  string         `yaml:"priority,omitempty"`
	Payload   map[string]any `yaml:"payload,omitempty"`
}

// AnalysisQueueConfig mirrors internal/analysis.QueueConfig in document form.
type AnalysisQueueConfig struct {
	Name              string        `yaml:"name"`
	PollInterval      time.Duration `yaml:"poll_interval,omitempty"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout,omitempty"`
	MaxRetries        int           `yaml:"max_retries,omitempty"`
	Concurrency       int           `yaml:"concurrency,omitempty"`
}

// Load reads path (resolving $include and env expansion via LoadRaw) and
// decodes it into a Config.
func Load(path string) (Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return Config{}, err
	}
	// Round-trip the resolved raw map through YAML so $include merging
	// and env expansion apply uniformly regardless of the source file's
	// format (yaml or json5), without adding a structural-decode
	// dependency beyond the yaml.v3 the registry already carries.
	encoded, err := yaml.Marshal(raw)
	if err != nil {
		return Config{}, fmt.Errorf("config: re-encode resolved document: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(encoded, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "memory"
	}
	if cfg.Transport.Channel == "" {
		cfg.Transport.Channel = "orchestrator.events"
	}
	return cfg, nil
}

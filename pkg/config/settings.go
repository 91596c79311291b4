package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/froyoflow/pkg/engine"
	"github.com/openfroyo/froyoflow/pkg/policy"
	"github.com/openfroyo/froyoflow/pkg/telemetry"
)

// Settings is the engine settings file.
type Settings struct {
	// Database is the SQLite path. ":memory:" keeps everything in process.
	Database string `yaml:"database" validate:"required"`

	Engine  EngineSettings  `yaml:"engine"`
	Healing HealingSettings `yaml:"healing"`

	// PoliciesDir holds .rego admission policies.
	PoliciesDir string `yaml:"policies_dir"`

	// PolicyLimits is the data the built-in admission policies check against.
	PolicyLimits policy.Limits `yaml:"policy_limits"`

	// DefinitionsDir is watched by serve for definition files.
	DefinitionsDir string `yaml:"definitions_dir"`

	// ProvidersDir holds WASM capability providers.
	ProvidersDir string `yaml:"providers_dir"`

	// RateLimits throttles capabilities by ID.
	RateLimits map[string]RateLimitSettings `yaml:"rate_limits" validate:"dive"`

	Telemetry *telemetry.Config `yaml:"telemetry"`
}

// EngineSettings configures the scheduler.
type EngineSettings struct {
	GlobalConcurrency   int              `yaml:"global_concurrency" validate:"gte=1"`
	WorkflowConcurrency int              `yaml:"workflow_concurrency" validate:"gte=1"`
	DefaultTimeout      time.Duration    `yaml:"default_timeout" validate:"gt=0"`
	AbortMode           engine.AbortMode `yaml:"abort_mode" validate:"oneof=graceful cooperative"`
	PlanCacheSize       int              `yaml:"plan_cache_size" validate:"gte=1"`
	HeartbeatInterval   time.Duration    `yaml:"heartbeat_interval" validate:"gt=0"`
	LeaseTimeout        time.Duration    `yaml:"lease_timeout" validate:"gtfield=HeartbeatInterval"`
}

// HealingSettings configures retry backoff.
type HealingSettings struct {
	BaseDelay time.Duration `yaml:"base_delay" validate:"gt=0"`
	MaxDelay  time.Duration `yaml:"max_delay" validate:"gtefield=BaseDelay"`
	Jitter    float64       `yaml:"jitter" validate:"gte=0,lte=1"`
}

// RateLimitSettings is a token bucket for one capability.
type RateLimitSettings struct {
	Rate  float64 `yaml:"rate" validate:"gt=0"`
	Burst int     `yaml:"burst" validate:"gte=0"`
}

// DefaultSettings returns the built-in settings.
func DefaultSettings() *Settings {
	healing := engine.DefaultHealingConfig()
	sched := engine.DefaultSchedulerConfig()
	return &Settings{
		Database: "froyoflow.db",
		Engine: EngineSettings{
			GlobalConcurrency:   16,
			WorkflowConcurrency: 4,
			DefaultTimeout:      30 * time.Second,
			AbortMode:           engine.AbortModeGraceful,
			PlanCacheSize:       128,
			HeartbeatInterval:   sched.HeartbeatInterval,
			LeaseTimeout:        sched.LeaseTimeout,
		},
		Healing: HealingSettings{
			BaseDelay: healing.BaseDelay,
			MaxDelay:  healing.MaxDelay,
			Jitter:    healing.JitterFraction,
		},
		PolicyLimits: policy.DefaultLimits(),
		RateLimits:   map[string]RateLimitSettings{},
		Telemetry:    telemetry.DefaultConfig(),
	}
}

// LoadSettings reads a YAML settings file over the defaults. An empty path
// or a missing file yields the defaults.
func LoadSettings(path string) (*Settings, error) {
	s := DefaultSettings()
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}

	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse settings %s: %w", path, err)
	}
	if s.Telemetry == nil {
		s.Telemetry = telemetry.DefaultConfig()
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks field constraints.
func (s *Settings) Validate() error {
	if err := validator.New().Struct(s); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	if s.Telemetry != nil {
		if err := s.Telemetry.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Apply copies scheduler, healing and cache settings into engine options.
func (s *Settings) Apply(opts *engine.Options) {
	opts.Scheduler = engine.SchedulerConfig{
		GlobalConcurrency:   s.Engine.GlobalConcurrency,
		WorkflowConcurrency: s.Engine.WorkflowConcurrency,
		DefaultTimeout:      s.Engine.DefaultTimeout,
		AbortMode:           s.Engine.AbortMode,
		HeartbeatInterval:   s.Engine.HeartbeatInterval,
		LeaseTimeout:        s.Engine.LeaseTimeout,
	}
	opts.Healing = engine.HealingConfig{
		BaseDelay:      s.Healing.BaseDelay,
		MaxDelay:       s.Healing.MaxDelay,
		JitterFraction: s.Healing.Jitter,
	}
	opts.PlanCacheSize = s.Engine.PlanCacheSize
}

// ApplyRateLimits sets RateLimit and Burst on capabilities named in the
// settings. Capabilities without an entry are returned unchanged.
func (s *Settings) ApplyRateLimits(caps []engine.Capability) []engine.Capability {
	out := make([]engine.Capability, len(caps))
	for i, c := range caps {
		if rl, ok := s.RateLimits[c.ID]; ok {
			c.RateLimit = rl.Rate
			c.Burst = rl.Burst
		}
		out[i] = c
	}
	return out
}

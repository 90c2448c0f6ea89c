// Package config loads the runtime configuration of the service core from
// YAML, TOML or JSON files and the environment, applies defaults, validates
// it, and converts the startup section into a startup.Plan.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/servicecore/startup"
)

var (
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrUnsupportedFormat = errors.New("unsupported configuration format")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config is the complete configuration.
type Config struct {
	Startup  StartupConfig  `yaml:"startup" toml:"startup" json:"startup"`
	Health   HealthConfig   `yaml:"health" toml:"health" json:"health"`
	Recovery RecoveryConfig `yaml:"recovery" toml:"recovery" json:"recovery"`
	Boundary BoundaryConfig `yaml:"boundary" toml:"boundary" json:"boundary"`
	EventBus EventBusConfig `yaml:"event_bus" toml:"event_bus" json:"event_bus"`
}

// StartupConfig describes the startup sequence.
type StartupConfig struct {
	PollInterval Duration                    `yaml:"poll_interval" toml:"poll_interval" json:"poll_interval" env:"STARTUP_POLL_INTERVAL" validate:"gt=0"`
	MaxBackoff   Duration                    `yaml:"max_backoff" toml:"max_backoff" json:"max_backoff" env:"STARTUP_MAX_BACKOFF" validate:"gte=0"`
	Phases       []PhaseConfig               `yaml:"phases" toml:"phases" json:"phases" validate:"dive"`
	Dependencies map[string]DependencyConfig `yaml:"dependencies" toml:"dependencies" json:"dependencies" validate:"dive"`
}

// PhaseConfig is one startup phase.
type PhaseConfig struct {
	Name     string   `yaml:"name" toml:"name" json:"name" validate:"required"`
	Services []string `yaml:"services" toml:"services" json:"services" validate:"dive,required"`
	Parallel bool     `yaml:"parallel" toml:"parallel" json:"parallel"`
	Timeout  Duration `yaml:"timeout" toml:"timeout" json:"timeout" validate:"gte=0"`
}

// DependencyConfig holds the startup rules of one service.
type DependencyConfig struct {
	DependsOn     []string `yaml:"depends_on" toml:"depends_on" json:"depends_on" validate:"dive,required"`
	Timeout       Duration `yaml:"timeout" toml:"timeout" json:"timeout" validate:"gte=0"`
	RetryAttempts int      `yaml:"retry_attempts" toml:"retry_attempts" json:"retry_attempts" validate:"gte=0"`
	Critical      bool     `yaml:"critical" toml:"critical" json:"critical"`
}

// HealthConfig configures the health monitor. A non-empty Schedule takes
// precedence over Interval.
type HealthConfig struct {
	Interval     Duration `yaml:"interval" toml:"interval" json:"interval" env:"HEALTH_INTERVAL" validate:"gt=0"`
	ProbeTimeout Duration `yaml:"probe_timeout" toml:"probe_timeout" json:"probe_timeout" env:"HEALTH_PROBE_TIMEOUT" validate:"gt=0"`
	Schedule     string   `yaml:"schedule" toml:"schedule" json:"schedule" env:"HEALTH_SCHEDULE"`
	Concurrency  int      `yaml:"concurrency" toml:"concurrency" json:"concurrency" env:"HEALTH_CONCURRENCY" validate:"gte=0"`
}

// RecoveryConfig configures the recovery engine.
type RecoveryConfig struct {
	HistoryLimit      int  `yaml:"history_limit" toml:"history_limit" json:"history_limit" env:"RECOVERY_HISTORY_LIMIT" validate:"gt=0"`
	ErrorHistoryLimit int  `yaml:"error_history_limit" toml:"error_history_limit" json:"error_history_limit" env:"RECOVERY_ERROR_HISTORY_LIMIT" validate:"gt=0"`
	PlanRecovery      bool `yaml:"plan_recovery" toml:"plan_recovery" json:"plan_recovery" env:"RECOVERY_PLAN_RECOVERY"`
}

// BoundaryConfig configures the error boundary.
type BoundaryConfig struct {
	Cooldown      Duration `yaml:"cooldown" toml:"cooldown" json:"cooldown" env:"BOUNDARY_COOLDOWN" validate:"gte=0"`
	MaxAttempts   int      `yaml:"max_attempts" toml:"max_attempts" json:"max_attempts" env:"BOUNDARY_MAX_ATTEMPTS" validate:"gt=0"`
	Window        Duration `yaml:"window" toml:"window" json:"window" env:"BOUNDARY_WINDOW" validate:"gt=0"`
	RatePerSecond float64  `yaml:"rate_per_second" toml:"rate_per_second" json:"rate_per_second" env:"BOUNDARY_RATE_PER_SECOND" validate:"gte=0"`
	Burst         int      `yaml:"burst" toml:"burst" json:"burst" env:"BOUNDARY_BURST" validate:"gt=0"`
}

// EventBusConfig configures the event bus. Zero disables history.
type EventBusConfig struct {
	HistorySize int `yaml:"history_size" toml:"history_size" json:"history_size" env:"EVENTBUS_HISTORY_SIZE" validate:"gte=0"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Startup: StartupConfig{
			PollInterval: Duration(100 * time.Millisecond),
			MaxBackoff:   Duration(5 * time.Second),
			Dependencies: map[string]DependencyConfig{},
		},
		Health: HealthConfig{
			Interval:     Duration(10 * time.Second),
			ProbeTimeout: Duration(5 * time.Second),
		},
		Recovery: RecoveryConfig{
			HistoryLimit:      50,
			ErrorHistoryLimit: 500,
		},
		Boundary: BoundaryConfig{
			Cooldown:      Duration(5 * time.Second),
			MaxAttempts:   3,
			Window:        Duration(5 * time.Minute),
			RatePerSecond: 10,
			Burst:         20,
		},
		EventBus: EventBusConfig{HistorySize: 1000},
	}
}

// Validate checks field constraints and the startup plan for cycles.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := c.ToPlan().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// ToPlan converts the startup section.
func (c Config) ToPlan() startup.Plan {
	plan := startup.Plan{
		Phases:       make([]startup.Phase, 0, len(c.Startup.Phases)),
		Dependencies: make(map[string]startup.Dependency, len(c.Startup.Dependencies)),
	}
	for _, p := range c.Startup.Phases {
		plan.Phases = append(plan.Phases, startup.Phase{
			Name:     p.Name,
			Services: slices.Clone(p.Services),
			Parallel: p.Parallel,
			Timeout:  p.Timeout.Std(),
		})
	}
	for name, d := range c.Startup.Dependencies {
		plan.Dependencies[name] = startup.Dependency{
			ServiceName:   name,
			Dependencies:  slices.Clone(d.DependsOn),
			Timeout:       d.Timeout.Std(),
			RetryAttempts: d.RetryAttempts,
			Critical:      d.Critical,
		}
	}
	return plan
}

// Clone returns a deep copy.
func (c Config) Clone() Config {
	out := c
	out.Startup.Phases = make([]PhaseConfig, len(c.Startup.Phases))
	for i, p := range c.Startup.Phases {
		p.Services = slices.Clone(p.Services)
		out.Startup.Phases[i] = p
	}
	out.Startup.Dependencies = make(map[string]DependencyConfig, len(c.Startup.Dependencies))
	for name, d := range c.Startup.Dependencies {
		d.DependsOn = slices.Clone(d.DependsOn)
		out.Startup.Dependencies[name] = d
	}
	return out
}

// Dump encodes the configuration as yaml, toml or json.
func (c Config) Dump(format string) ([]byte, error) {
	switch format {
	case FormatYAML:
		return yaml.Marshal(c)
	case FormatTOML:
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(c); err != nil {
			return nil, fmt.Errorf("encode toml: %w", err)
		}
		return buf.Bytes(), nil
	case FormatJSON:
		return json.MarshalIndent(c, "", "  ")
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// ServiceNames returns every service the configuration mentions, sorted.
func (c Config) ServiceNames() []string {
	seen := make(map[string]struct{})
	for _, p := range c.Startup.Phases {
		for _, s := range p.Services {
			seen[s] = struct{}{}
		}
	}
	for name := range c.Startup.Dependencies {
		seen[name] = struct{}{}
	}
	return slices.Sorted(maps.Keys(seen))
}

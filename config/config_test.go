package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/servicecore"
	"github.com/GoCodeAlone/servicecore/internal/testutil"
)

const yamlConfig = `
startup:
  poll_interval: 50ms
  phases:
    - name: core
      services: [db, cache]
      parallel: true
      timeout: 2s
    - name: app
      services: [api]
  dependencies:
    api:
      depends_on: [db]
      critical: true
      retry_attempts: 2
      timeout: 1500ms
health:
  interval: 30s
boundary:
  max_attempts: 5
`

const tomlConfig = `
[startup]
poll_interval = "75ms"

[[startup.phases]]
name = "core"
services = ["db"]

[startup.dependencies.db]
critical = true
timeout = "3s"

[health]
interval = "1m"
`

const jsonConfig = `{"health": {"interval": "15s"}, "recovery": {"plan_recovery": true}}`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadYAML(t *testing.T) {
	testutil.IsolateEnv(t, DefaultEnvPrefix)
	cfg, err := Load(WithFile(writeFile(t, "core.yaml", yamlConfig)))
	require.NoError(t, err)

	assert.Equal(t, 50*time.Millisecond, cfg.Startup.PollInterval.Std())
	require.Len(t, cfg.Startup.Phases, 2)
	assert.Equal(t, "core", cfg.Startup.Phases[0].Name)
	assert.Equal(t, []string{"db", "cache"}, cfg.Startup.Phases[0].Services)
	assert.True(t, cfg.Startup.Phases[0].Parallel)
	assert.Equal(t, 2*time.Second, cfg.Startup.Phases[0].Timeout.Std())

	api := cfg.Startup.Dependencies["api"]
	assert.Equal(t, []string{"db"}, api.DependsOn)
	assert.True(t, api.Critical)
	assert.Equal(t, 2, api.RetryAttempts)
	assert.Equal(t, 1500*time.Millisecond, api.Timeout.Std())

	assert.Equal(t, 30*time.Second, cfg.Health.Interval.Std())
	assert.Equal(t, 5, cfg.Boundary.MaxAttempts)
	// untouched keys keep their defaults
	assert.Equal(t, 5*time.Second, cfg.Health.ProbeTimeout.Std())
	assert.Equal(t, 20, cfg.Boundary.Burst)
}

func TestLoadTOML(t *testing.T) {
	testutil.IsolateEnv(t, DefaultEnvPrefix)
	cfg, err := Load(WithFile(writeFile(t, "core.toml", tomlConfig)))
	require.NoError(t, err)

	assert.Equal(t, 75*time.Millisecond, cfg.Startup.PollInterval.Std())
	require.Len(t, cfg.Startup.Phases, 1)
	assert.Equal(t, []string{"db"}, cfg.Startup.Phases[0].Services)
	assert.True(t, cfg.Startup.Dependencies["db"].Critical)
	assert.Equal(t, 3*time.Second, cfg.Startup.Dependencies["db"].Timeout.Std())
	assert.Equal(t, time.Minute, cfg.Health.Interval.Std())
}

func TestLoadJSON(t *testing.T) {
	testutil.IsolateEnv(t, DefaultEnvPrefix)
	cfg, err := Load(WithFile(writeFile(t, "core.json", jsonConfig)))
	require.NoError(t, err)

	assert.Equal(t, 15*time.Second, cfg.Health.Interval.Std())
	assert.True(t, cfg.Recovery.PlanRecovery)
}

func TestLoadLaterFilesOverride(t *testing.T) {
	testutil.IsolateEnv(t, DefaultEnvPrefix)
	cfg, err := Load(
		WithFile(writeFile(t, "base.yaml", yamlConfig)),
		WithFile(writeFile(t, "override.json", jsonConfig)),
	)
	require.NoError(t, err)

	assert.Equal(t, 15*time.Second, cfg.Health.Interval.Std())
	assert.Len(t, cfg.Startup.Phases, 2)
}

func TestLoadEnvironment(t *testing.T) {
	testutil.IsolateEnv(t, DefaultEnvPrefix)
	t.Setenv("SERVICECORE_HEALTH_INTERVAL", "45s")
	t.Setenv("SERVICECORE_HEALTH_CONCURRENCY", "4")
	t.Setenv("SERVICECORE_BOUNDARY_RATE_PER_SECOND", "2.5")
	t.Setenv("SERVICECORE_RECOVERY_PLAN_RECOVERY", "true")
	t.Setenv("SERVICECORE_EVENTBUS_HISTORY_SIZE", "0")

	cfg, err := Load(WithFile(writeFile(t, "core.yaml", yamlConfig)))
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.Health.Interval.Std())
	assert.Equal(t, 4, cfg.Health.Concurrency)
	assert.InDelta(t, 2.5, cfg.Boundary.RatePerSecond, 0.0001)
	assert.True(t, cfg.Recovery.PlanRecovery)
	assert.Equal(t, 0, cfg.EventBus.HistorySize)
}

func TestLoadEnvironmentPrefixAndOptOut(t *testing.T) {
	testutil.IsolateEnv(t, "CORETEST")
	t.Setenv("CORETEST_HEALTH_SCHEDULE", "@every 1m")

	cfg, err := Load(WithEnvPrefix("coretest"))
	require.NoError(t, err)
	assert.Equal(t, "@every 1m", cfg.Health.Schedule)

	cfg, err = Load(WithEnvPrefix("CORETEST"), WithoutEnv())
	require.NoError(t, err)
	assert.Empty(t, cfg.Health.Schedule)
}

func TestLoadEnvironmentBadValue(t *testing.T) {
	testutil.IsolateEnv(t, DefaultEnvPrefix)
	t.Setenv("SERVICECORE_BOUNDARY_BURST", "lots")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SERVICECORE_BOUNDARY_BURST")

	t.Setenv("SERVICECORE_BOUNDARY_BURST", "5")
	t.Setenv("SERVICECORE_HEALTH_INTERVAL", "soon")
	_, err = Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SERVICECORE_HEALTH_INTERVAL")
}

func TestLoadErrors(t *testing.T) {
	testutil.IsolateEnv(t, DefaultEnvPrefix)

	_, err := Load(WithFile("core.ini"))
	require.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = Load(WithFile(filepath.Join(t.TempDir(), "missing.yaml")))
	require.Error(t, err)

	_, err = Load(WithFile(writeFile(t, "bad.yaml", "health: [")))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		target error
	}{
		{"zero health interval", func(c *Config) { c.Health.Interval = 0 }, nil},
		{"negative retries", func(c *Config) {
			c.Startup.Dependencies["api"] = DependencyConfig{RetryAttempts: -1}
		}, nil},
		{"unnamed phase", func(c *Config) {
			c.Startup.Phases = []PhaseConfig{{Services: []string{"db"}}}
		}, nil},
		{"empty service name", func(c *Config) {
			c.Startup.Phases = []PhaseConfig{{Name: "core", Services: []string{""}}}
		}, nil},
		{"zero burst", func(c *Config) { c.Boundary.Burst = 0 }, nil},
		{"cycle", func(c *Config) {
			c.Startup.Dependencies["a"] = DependencyConfig{DependsOn: []string{"b"}}
			c.Startup.Dependencies["b"] = DependencyConfig{DependsOn: []string{"a"}}
		}, servicecore.ErrCircularDependency},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, ErrInvalidConfig)
			if tt.target != nil {
				require.ErrorIs(t, err, tt.target)
			}
		})
	}
}

func TestToPlan(t *testing.T) {
	testutil.IsolateEnv(t, DefaultEnvPrefix)
	cfg, err := Load(WithFile(writeFile(t, "core.yaml", yamlConfig)))
	require.NoError(t, err)

	plan := cfg.ToPlan()
	require.Len(t, plan.Phases, 2)
	assert.Equal(t, "core", plan.Phases[0].Name)
	assert.True(t, plan.Phases[0].Parallel)
	assert.Equal(t, 2*time.Second, plan.Phases[0].Timeout)
	assert.Equal(t, []string{"db", "cache", "api"}, plan.Services())

	api := plan.Dependencies["api"]
	assert.Equal(t, "api", api.ServiceName)
	assert.Equal(t, []string{"db"}, api.Dependencies)
	assert.Equal(t, 1500*time.Millisecond, api.Timeout)
	assert.Equal(t, 2, api.RetryAttempts)
	assert.True(t, plan.IsCritical("api"))
	assert.False(t, plan.IsCritical("db"))

	plan.Phases[0].Services[0] = "changed"
	assert.Equal(t, "db", cfg.Startup.Phases[0].Services[0])
}

func TestServiceNames(t *testing.T) {
	cfg := Default()
	cfg.Startup.Phases = []PhaseConfig{{Name: "core", Services: []string{"db", "cache"}}}
	cfg.Startup.Dependencies["worker"] = DependencyConfig{}
	cfg.Startup.Dependencies["db"] = DependencyConfig{Critical: true}

	assert.Equal(t, []string{"cache", "db", "worker"}, cfg.ServiceNames())
}

func TestCloneIsDeep(t *testing.T) {
	cfg := Default()
	cfg.Startup.Phases = []PhaseConfig{{Name: "core", Services: []string{"db"}}}
	cfg.Startup.Dependencies["db"] = DependencyConfig{DependsOn: []string{"disk"}}

	clone := cfg.Clone()
	clone.Startup.Phases[0].Services[0] = "x"
	clone.Startup.Dependencies["db"].DependsOn[0] = "y"
	clone.Startup.Dependencies["new"] = DependencyConfig{}

	assert.Equal(t, "db", cfg.Startup.Phases[0].Services[0])
	assert.Equal(t, "disk", cfg.Startup.Dependencies["db"].DependsOn[0])
	assert.NotContains(t, cfg.Startup.Dependencies, "new")
}

func TestDump(t *testing.T) {
	testutil.IsolateEnv(t, DefaultEnvPrefix)
	cfg := Default()
	cfg.Startup.Phases = []PhaseConfig{{Name: "core", Services: []string{"db"}, Timeout: Duration(time.Second)}}

	out, err := cfg.Dump(FormatYAML)
	require.NoError(t, err)
	assert.Contains(t, string(out), "interval: 10s")

	reloaded, err := Load(WithFile(writeFile(t, "dump.yaml", string(out))))
	require.NoError(t, err)
	assert.Equal(t, cfg.Health, reloaded.Health)
	assert.Equal(t, cfg.Boundary, reloaded.Boundary)
	assert.Equal(t, cfg.Startup.Phases, reloaded.Startup.Phases)

	out, err = cfg.Dump(FormatTOML)
	require.NoError(t, err)
	assert.Contains(t, string(out), `interval = "10s"`)

	out, err = cfg.Dump(FormatJSON)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"interval": "10s"`)

	_, err = cfg.Dump("xml")
	require.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestEnvFeederRejectsNonStruct(t *testing.T) {
	var n int
	require.ErrorIs(t, EnvFeeder{}.Feed(&n), ErrEnvInvalidStructure)
	require.ErrorIs(t, EnvFeeder{}.Feed(Config{}), ErrEnvInvalidStructure)
}

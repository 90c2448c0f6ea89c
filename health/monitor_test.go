package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/servicecore"
	"github.com/GoCodeAlone/servicecore/eventbus"
	"github.com/GoCodeAlone/servicecore/internal/testutil"
	"github.com/GoCodeAlone/servicecore/registry"
)

type panicService struct{ testutil.FakeService }

func (*panicService) IsHealthy(context.Context) bool { panic("probe exploded") }

type slowService struct{ testutil.FakeService }

func (*slowService) IsHealthy(ctx context.Context) bool {
	<-ctx.Done()
	time.Sleep(50 * time.Millisecond)
	return true
}

type monitorFixture struct {
	bus *eventbus.Bus
	reg *registry.Registry
	rec *testutil.EventRecorder
	mon *Monitor
}

func newMonitorFixture(t *testing.T, opts ...Option) *monitorFixture {
	t.Helper()
	bus := eventbus.New()
	rec := &testutil.EventRecorder{}
	rec.Attach(bus, servicecore.EventHealthStatusUpdated, servicecore.EventHealthCriticalAlert)
	reg := registry.New(registry.WithEventBus(bus))
	opts = append([]Option{WithProbeTimeout(50 * time.Millisecond)}, opts...)
	return &monitorFixture{
		bus: bus,
		reg: reg,
		rec: rec,
		mon: NewMonitor(reg, bus, opts...),
	}
}

func (f *monitorFixture) add(t *testing.T, name string, instance any, status servicecore.ServiceStatus) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.reg.Register(ctx, name, instance, nil, nil))
	if status != servicecore.StatusRegistered {
		require.NoError(t, f.reg.UpdateStatus(ctx, name, status))
	}
}

func TestCheckLevels(t *testing.T) {
	f := newMonitorFixture(t)
	f.add(t, "healthy", testutil.NewHealthService(true), servicecore.StatusRunning)
	f.add(t, "sick", testutil.NewHealthService(false), servicecore.StatusRunning)
	f.add(t, "stopped", testutil.NewHealthService(true), servicecore.StatusStopped)
	f.add(t, "plain-running", &testutil.FakeService{}, servicecore.StatusRunning)
	f.add(t, "plain-registered", &testutil.FakeService{}, servicecore.StatusRegistered)
	f.add(t, "panics", &panicService{}, servicecore.StatusRunning)
	f.add(t, "slow", &slowService{}, servicecore.StatusRunning)
	f.add(t, "snapshot-ok", testutil.NewStatusService(map[string]any{"status": "OK"}), servicecore.StatusRunning)
	f.add(t, "snapshot-string", testutil.NewStatusService(map[string]any{"healthy": "false"}), servicecore.StatusRunning)

	summary := f.mon.Check(context.Background())

	expected := map[string]servicecore.HealthLevel{
		"healthy":          servicecore.HealthLevelHealthy,
		"sick":             servicecore.HealthLevelWarning,
		"stopped":          servicecore.HealthLevelCritical,
		"plain-running":    servicecore.HealthLevelHealthy,
		"plain-registered": servicecore.HealthLevelCritical,
		"panics":           servicecore.HealthLevelCritical,
		"slow":             servicecore.HealthLevelCritical,
		"snapshot-ok":      servicecore.HealthLevelHealthy,
		"snapshot-string":  servicecore.HealthLevelWarning,
	}
	for name, level := range expected {
		r, ok := f.mon.Result(name)
		require.True(t, ok, name)
		assert.Equal(t, level, r.Level, name)
		assert.Equal(t, level == servicecore.HealthLevelHealthy, r.Healthy, name)
	}

	panicked, _ := f.mon.Result("panics")
	assert.Contains(t, panicked.Error, "panicked")
	slow, _ := f.mon.Result("slow")
	assert.Contains(t, slow.Error, "timed out")

	assert.Equal(t, 9, summary.Total)
	assert.Equal(t, 3, summary.Healthy)
	assert.Equal(t, 2, summary.Warning)
	assert.Equal(t, 4, summary.Critical)
	assert.Equal(t, servicecore.SystemUnhealthy, summary.Status)
}

func TestCheckEmitsEvents(t *testing.T) {
	f := newMonitorFixture(t)
	f.add(t, "a", testutil.NewHealthService(true), servicecore.StatusRunning)
	f.add(t, "b", testutil.NewHealthService(true), servicecore.StatusRunning)

	f.mon.Check(context.Background())
	assert.Equal(t, []string{servicecore.EventHealthStatusUpdated}, f.rec.Types())

	payload, ok := f.rec.Of(servicecore.EventHealthStatusUpdated)[0].(servicecore.HealthPayload)
	require.True(t, ok)
	assert.Equal(t, servicecore.SystemHealthy, payload.Summary.Status)
	assert.Len(t, payload.ServiceResults, 2)

	require.NoError(t, f.reg.UpdateStatus(context.Background(), "b", servicecore.StatusError))
	f.mon.Check(context.Background())

	alerts := f.rec.Of(servicecore.EventHealthCriticalAlert)
	require.Len(t, alerts, 1)
	alert := alerts[0].(servicecore.HealthPayload)
	require.Len(t, alert.ServiceResults, 1)
	assert.Equal(t, "b", alert.ServiceResults[0].ServiceName)
	assert.Equal(t, servicecore.SystemUnhealthy, alert.Summary.Status)
}

func TestCheckRecordsInRegistry(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	f := newMonitorFixture(t, WithClock(func() time.Time { return at }))
	f.add(t, "a", testutil.NewHealthService(false), servicecore.StatusRunning)

	f.mon.Check(context.Background())

	def, ok := f.reg.Get("a")
	require.True(t, ok)
	assert.Equal(t, at, def.LastHealthCheck)
	assert.False(t, def.LastHealthy)
}

func TestCheckEmptyRegistry(t *testing.T) {
	f := newMonitorFixture(t)
	summary := f.mon.Check(context.Background())
	assert.Equal(t, 0, summary.Total)
	assert.Equal(t, servicecore.SystemUnhealthy, summary.Status)
	assert.Empty(t, f.rec.Of(servicecore.EventHealthCriticalAlert))
}

func TestCheckConcurrencyLimit(t *testing.T) {
	f := newMonitorFixture(t, WithConcurrency(1))
	for _, name := range []string{"a", "b", "c"} {
		f.add(t, name, testutil.NewHealthService(true), servicecore.StatusRunning)
	}
	summary := f.mon.Check(context.Background())
	assert.Equal(t, 3, summary.Healthy)
}

func TestStartStop(t *testing.T) {
	f := newMonitorFixture(t, WithInterval(time.Second))
	f.add(t, "a", testutil.NewHealthService(true), servicecore.StatusRunning)
	ctx := context.Background()

	require.ErrorIs(t, f.mon.Stop(ctx), ErrMonitorNotRunning)
	require.NoError(t, f.mon.Start(ctx))
	assert.True(t, f.mon.IsRunning())
	require.ErrorIs(t, f.mon.Start(ctx), ErrMonitorAlreadyRunning)

	assert.Eventually(t, func() bool {
		_, ok := f.mon.Summary()
		return ok
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, f.mon.Stop(ctx))
	assert.False(t, f.mon.IsRunning())
}

func TestStartRejectsBadSchedule(t *testing.T) {
	f := newMonitorFixture(t, WithSchedule("not a schedule"))
	err := f.mon.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid health schedule")
	assert.False(t, f.mon.IsRunning())
}

func TestSetInterval(t *testing.T) {
	f := newMonitorFixture(t, WithInterval(time.Hour))
	ctx := context.Background()

	require.ErrorIs(t, f.mon.SetInterval(0), ErrInvalidInterval)
	require.NoError(t, f.mon.SetInterval(2*time.Hour))
	assert.Equal(t, 2*time.Hour, f.mon.Interval())

	f.add(t, "a", testutil.NewHealthService(true), servicecore.StatusRunning)
	require.NoError(t, f.mon.Start(ctx))
	t.Cleanup(func() { _ = f.mon.Stop(ctx) })

	require.NoError(t, f.mon.SetInterval(time.Second))
	assert.Equal(t, time.Second, f.mon.Interval())
	assert.Eventually(t, func() bool {
		_, ok := f.mon.Summary()
		return ok
	}, 3*time.Second, 20*time.Millisecond)
}

func TestSummaryBeforeFirstTick(t *testing.T) {
	f := newMonitorFixture(t)
	_, ok := f.mon.Summary()
	assert.False(t, ok)
	_, ok = f.mon.Result("missing")
	assert.False(t, ok)
}

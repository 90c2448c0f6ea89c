package startup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/GoCodeAlone/servicecore"
	"github.com/GoCodeAlone/servicecore/eventbus"
	"github.com/GoCodeAlone/servicecore/internal/testutil"
	"github.com/GoCodeAlone/servicecore/registry"
	"github.com/GoCodeAlone/servicecore/retry"
)

var errStart = errors.New("start failed")

type fixture struct {
	bus    *eventbus.Bus
	reg    *registry.Registry
	logger *testutil.RecordingLogger
	rec    *testutil.EventRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := &testutil.RecordingLogger{}
	bus := eventbus.New(eventbus.WithLogger(logger))
	rec := &testutil.EventRecorder{}
	rec.Attach(bus,
		servicecore.EventPhaseStarted,
		servicecore.EventPhaseCompleted,
		servicecore.EventPhaseFailed,
		servicecore.EventServiceStarted,
		servicecore.EventServiceFailed,
		servicecore.EventSequenceComplete)
	return &fixture{
		bus:    bus,
		reg:    registry.New(registry.WithEventBus(bus), registry.WithLogger(logger)),
		logger: logger,
		rec:    rec,
	}
}

func (f *fixture) register(t *testing.T, name string, svc any, deps ...string) {
	t.Helper()
	require.NoError(t, f.reg.Register(context.Background(), name, svc, deps, nil))
}

func (f *fixture) orchestrator(t *testing.T, plan Plan, opts ...Option) *Orchestrator {
	t.Helper()
	base := []Option{
		WithLogger(f.logger),
		WithPollInterval(5 * time.Millisecond),
		WithBackoff(retry.DefaultPolicy().WithInitialDelay(time.Millisecond).WithMaxDelay(2 * time.Millisecond)),
	}
	o, err := New(plan, f.reg, f.bus, append(base, opts...)...)
	require.NoError(t, err)
	return o
}

func (f *fixture) status(t *testing.T, name string) servicecore.ServiceStatus {
	t.Helper()
	s, ok := f.reg.Status(name)
	require.True(t, ok)
	return s
}

func TestRun_StartsPhasesInOrder(t *testing.T) {
	f := newFixture(t)
	var mu sync.Mutex
	var order []string
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}
	slow := func(ctx context.Context) error {
		time.Sleep(20 * time.Millisecond)
		return record("a")(ctx)
	}

	f.register(t, "a", &testutil.FakeService{InitFunc: slow})
	f.register(t, "b", &testutil.FakeService{InitFunc: record("b")})
	f.register(t, "c", &testutil.FakeService{InitFunc: record("c")})

	plan := Plan{Phases: []Phase{
		{Name: "core", Services: []string{"a", "b"}, Parallel: true, Timeout: time.Second},
		{Name: "ui", Services: []string{"c"}, Timeout: time.Second},
	}}

	report, err := f.orchestrator(t, plan).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Success())
	assert.ElementsMatch(t, []string{"a", "b", "c"}, report.Started())
	assert.Equal(t, "c", order[2], "phase 2 starts only after phase 1 resolved")

	for _, name := range []string{"a", "b", "c"} {
		assert.Equal(t, servicecore.StatusRunning, f.status(t, name))
	}

	assert.Equal(t, []string{
		servicecore.EventPhaseStarted,
		servicecore.EventPhaseCompleted,
		servicecore.EventPhaseStarted,
		servicecore.EventServiceStarted,
		servicecore.EventPhaseCompleted,
		servicecore.EventSequenceComplete,
	}, filterTypes(f.rec.Types(), servicecore.EventServiceStarted, 2))
}

// filterTypes drops the first n occurrences of eventType so assertions do
// not depend on the interleaving of parallel starts.
func filterTypes(types []string, eventType string, n int) []string {
	var out []string
	for _, t := range types {
		if t == eventType && n > 0 {
			n--
			continue
		}
		out = append(out, t)
	}
	return out
}

func TestRun_CriticalVersusNonCriticalExhaustion(t *testing.T) {
	tests := []struct {
		name        string
		critical    bool
		wantErr     bool
		wantPhase2  bool
		wantFailure error
	}{
		{name: "critical fails the sequence", critical: true, wantErr: true, wantPhase2: false, wantFailure: servicecore.ErrCriticalServiceFailure},
		{name: "non-critical is tolerated", critical: false, wantErr: false, wantPhase2: true, wantFailure: servicecore.ErrNonCriticalServiceFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			flaky := &testutil.FakeService{InitFunc: testutil.FailTimes(10, errStart)}
			later := &testutil.FakeService{}
			f.register(t, "flaky", flaky)
			f.register(t, "later", later)

			plan := Plan{
				Phases: []Phase{
					{Name: "one", Services: []string{"flaky"}, Timeout: time.Second},
					{Name: "two", Services: []string{"later"}, Timeout: time.Second},
				},
				Dependencies: map[string]Dependency{
					"flaky": {RetryAttempts: 2, Critical: tt.critical, Timeout: 100 * time.Millisecond},
				},
			}

			report, err := f.orchestrator(t, plan).Run(context.Background())
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, servicecore.ErrCriticalServiceFailure)
				assert.ErrorIs(t, err, errStart)
				assert.Len(t, f.rec.Of(servicecore.EventPhaseFailed), 1)
			} else {
				require.NoError(t, err)
			}

			assert.Equal(t, 3, flaky.InitCalls(), "one attempt plus two retries")
			assert.Equal(t, tt.wantPhase2, later.InitCalls() == 1)
			assert.Equal(t, servicecore.StatusError, f.status(t, "flaky"))

			res, ok := report.Result("flaky")
			require.True(t, ok)
			assert.ErrorIs(t, res.Err, tt.wantFailure)
			assert.Equal(t, []string{"flaky"}, report.Failed())

			failed := f.rec.Of(servicecore.EventServiceFailed)
			require.Len(t, failed, 1)
			payload := failed[0].(servicecore.ServiceStartPayload)
			assert.Equal(t, "flaky", payload.ServiceName)
			assert.Equal(t, 3, payload.Attempts)
			assert.Equal(t, tt.critical, payload.Critical)
			assert.NotEmpty(t, payload.Error)
		})
	}
}

func TestRun_RetrySucceeds(t *testing.T) {
	f := newFixture(t)
	svc := &testutil.FakeService{InitFunc: testutil.FailTimes(1, errStart)}
	f.register(t, "svc", svc)

	plan := Plan{
		Phases:       []Phase{{Name: "one", Services: []string{"svc"}, Timeout: time.Second}},
		Dependencies: map[string]Dependency{"svc": {RetryAttempts: 3, Critical: true}},
	}

	report, err := f.orchestrator(t, plan).Run(context.Background())
	require.NoError(t, err)
	res, _ := report.Result("svc")
	assert.Equal(t, 2, res.Attempts)
	assert.True(t, f.logger.Contains("warn", "retrying"))
}

func TestRun_TimeoutCancelsStart(t *testing.T) {
	f := newFixture(t)
	var cancelled atomic.Bool
	f.register(t, "slow", &testutil.FakeService{InitFunc: testutil.BlockUntilDone(&cancelled)})

	plan := Plan{
		Phases:       []Phase{{Name: "one", Services: []string{"slow"}, Timeout: time.Second}},
		Dependencies: map[string]Dependency{"slow": {Timeout: 20 * time.Millisecond, Critical: true}},
	}

	_, err := f.orchestrator(t, plan).Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, servicecore.ErrStartupTimeout)
	assert.Eventually(t, cancelled.Load, time.Second, 5*time.Millisecond, "initializer observes cancellation")
}

func TestRun_NonCooperativeStartIsAbandoned(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	defer close(release)
	f.register(t, "stuck", &testutil.FakeService{InitFunc: func(context.Context) error {
		<-release
		return nil
	}})

	plan := Plan{
		Phases:       []Phase{{Name: "one", Services: []string{"stuck"}}},
		Dependencies: map[string]Dependency{"stuck": {Timeout: 20 * time.Millisecond}},
	}

	start := time.Now()
	report, err := f.orchestrator(t, plan).Run(context.Background())
	require.NoError(t, err, "non-critical timeout is tolerated")
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	res, _ := report.Result("stuck")
	assert.ErrorIs(t, res.Err, servicecore.ErrStartupTimeout)
}

func TestRun_CriticalFailureCancelsParallelSiblings(t *testing.T) {
	f := newFixture(t)
	var cancelled atomic.Bool
	f.register(t, "bad", &testutil.FakeService{InitFunc: func(context.Context) error { return errStart }})
	f.register(t, "waiting", &testutil.FakeService{InitFunc: testutil.BlockUntilDone(&cancelled)})

	plan := Plan{
		Phases:       []Phase{{Name: "one", Services: []string{"bad", "waiting"}, Parallel: true, Timeout: 5 * time.Second}},
		Dependencies: map[string]Dependency{"bad": {Critical: true}},
	}

	_, err := f.orchestrator(t, plan).Run(context.Background())
	require.ErrorIs(t, err, servicecore.ErrCriticalServiceFailure)
	assert.Eventually(t, cancelled.Load, time.Second, 5*time.Millisecond)
}

func TestRun_CriticalDependencyNotReadyFailsDependent(t *testing.T) {
	f := newFixture(t)
	dependent := &testutil.FakeService{}
	f.register(t, "core", &testutil.FakeService{})
	f.register(t, "dependent", dependent)

	plan := Plan{
		Phases: []Phase{{Name: "one", Services: []string{"dependent"}}},
		Dependencies: map[string]Dependency{
			"core":      {Critical: true},
			"dependent": {Dependencies: []string{"core"}, Timeout: 30 * time.Millisecond},
		},
	}

	report, err := f.orchestrator(t, plan).Run(context.Background())
	require.NoError(t, err, "dependent itself is non-critical")
	res, _ := report.Result("dependent")
	assert.ErrorIs(t, res.Err, servicecore.ErrDependencyNotReady)
	assert.Zero(t, dependent.InitCalls())
	assert.Zero(t, res.Attempts)
}

func TestRun_DependencyInErrorEndsWaitEarly(t *testing.T) {
	f := newFixture(t)
	f.register(t, "broken", &testutil.FakeService{})
	f.register(t, "user", &testutil.FakeService{})
	require.NoError(t, f.reg.UpdateStatus(context.Background(), "broken", servicecore.StatusError))

	plan := Plan{
		Phases:       []Phase{{Name: "one", Services: []string{"user"}}},
		Dependencies: map[string]Dependency{"user": {Dependencies: []string{"broken"}, Timeout: 5 * time.Second}},
	}

	start := time.Now()
	report, err := f.orchestrator(t, plan).Run(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	res, _ := report.Result("user")
	assert.True(t, res.Started)
	assert.Equal(t, []string{"broken"}, res.SkippedDependencies)
}

func TestRun_SoftDependencyWaitLeavesStartItsTimeout(t *testing.T) {
	f := newFixture(t)
	f.register(t, "A", &testutil.FakeService{})
	f.register(t, "B", &testutil.FakeService{})
	f.register(t, "C", &testutil.FakeService{InitFunc: func(ctx context.Context) error {
		select {
		case <-time.After(5 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}})

	plan := Plan{
		Phases: []Phase{
			{Name: "one", Services: []string{"A"}, Timeout: time.Second},
			{Name: "two", Services: []string{"C"}, Timeout: 200 * time.Millisecond},
		},
		Dependencies: map[string]Dependency{
			"A": {Critical: true},
			"C": {Dependencies: []string{"A", "B"}},
		},
	}

	report, err := f.orchestrator(t, plan).Run(context.Background())
	require.NoError(t, err)
	res, ok := report.Result("C")
	require.True(t, ok)
	require.NoError(t, res.Err)
	assert.True(t, res.Started)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, []string{"B"}, res.SkippedDependencies)
	assert.Equal(t, servicecore.StatusRunning, f.status(t, "C"))
}

func TestRun_CancelledRunStopsStartAttempt(t *testing.T) {
	f := newFixture(t)
	var cancelled atomic.Bool
	f.register(t, "slow", &testutil.FakeService{InitFunc: testutil.BlockUntilDone(&cancelled)})

	plan := Plan{
		Phases:       []Phase{{Name: "one", Services: []string{"slow"}, Timeout: 5 * time.Second}},
		Dependencies: map[string]Dependency{"slow": {Timeout: 5 * time.Second}},
	}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	report, err := f.orchestrator(t, plan).Run(ctx)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	res, _ := report.Result("slow")
	assert.Error(t, res.Err)
	assert.Eventually(t, cancelled.Load, time.Second, 5*time.Millisecond)
}

func TestRun_RegistryDependenciesAreUsedWithoutPlanEntry(t *testing.T) {
	f := newFixture(t)
	f.register(t, "base", &testutil.FakeService{})
	f.register(t, "top", &testutil.FakeService{}, "base")

	plan := Plan{Phases: []Phase{{Name: "one", Services: []string{"base", "top"}, Parallel: true, Timeout: time.Second}}}

	report, err := f.orchestrator(t, plan).Run(context.Background())
	require.NoError(t, err)
	res, _ := report.Result("top")
	assert.True(t, res.Started)
	assert.Empty(t, res.SkippedDependencies, "top waited for base to run")
}

func TestRun_UnknownServiceFails(t *testing.T) {
	f := newFixture(t)
	plan := Plan{
		Phases:       []Phase{{Name: "one", Services: []string{"ghost"}}},
		Dependencies: map[string]Dependency{"ghost": {Critical: true}},
	}
	_, err := f.orchestrator(t, plan).Run(context.Background())
	assert.ErrorIs(t, err, servicecore.ErrServiceNotFound)
}

func TestRun_RejectsConcurrentRuns(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	f.register(t, "gate", &testutil.FakeService{InitFunc: func(context.Context) error {
		<-release
		return nil
	}})
	o := f.orchestrator(t, Plan{Phases: []Phase{{Name: "one", Services: []string{"gate"}}}})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = o.Run(context.Background())
	}()

	assert.Eventually(t, func() bool { return o.Progress().Running }, time.Second, time.Millisecond)
	_, err := o.Run(context.Background())
	assert.ErrorIs(t, err, servicecore.ErrStartupAlreadyRunning)

	close(release)
	<-done
	assert.False(t, o.Progress().Running)
	require.NotNil(t, o.LastReport())
	assert.True(t, o.LastReport().Success())
}

func TestRestartService(t *testing.T) {
	f := newFixture(t)
	svc := &testutil.FakeService{}
	f.register(t, "svc", svc)
	o := f.orchestrator(t, Plan{Phases: []Phase{{Name: "one", Services: []string{"svc"}}}})

	_, err := o.Run(context.Background())
	require.NoError(t, err)

	require.NoError(t, o.RestartService(context.Background(), "svc"))
	assert.Equal(t, 2, svc.InitCalls())
	assert.Equal(t, 1, svc.DestroyCalls())
	assert.Equal(t, servicecore.StatusRunning, f.status(t, "svc"))

	require.NoError(t, f.reg.UpdateStatus(context.Background(), "svc", servicecore.StatusError))
	require.NoError(t, o.RestartService(context.Background(), "svc"))
	assert.Equal(t, 3, svc.InitCalls())
	assert.Equal(t, 1, svc.DestroyCalls(), "no destroy when restarting from error")

	assert.ErrorIs(t, o.RestartService(context.Background(), "missing"), servicecore.ErrServiceNotFound)
}

func TestRun_RecordsSpans(t *testing.T) {
	f := newFixture(t)
	f.register(t, "svc", &testutil.FakeService{})
	f.register(t, "bad", &testutil.FakeService{InitFunc: func(context.Context) error { return errStart }})

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	o := f.orchestrator(t, Plan{Phases: []Phase{{Name: "one", Services: []string{"svc", "bad"}}}}, WithTracerProvider(tp))

	_, err := o.Run(context.Background())
	require.NoError(t, err)

	names := map[string]int{}
	var failedSpans int
	for _, s := range recorder.Ended() {
		names[s.Name()]++
		if s.Status().Code == codes.Error {
			failedSpans++
		}
	}
	assert.Equal(t, 1, names["startup.sequence"])
	assert.Equal(t, 1, names["startup.phase"])
	assert.Equal(t, 2, names["startup.service"])
	assert.Equal(t, 1, failedSpans, "only the failing service span is marked as error")
}

func TestPlanValidate(t *testing.T) {
	tests := []struct {
		name    string
		plan    Plan
		wantErr error
	}{
		{name: "empty plan", plan: Plan{}},
		{name: "unnamed phase", plan: Plan{Phases: []Phase{{Services: []string{"a"}}}}, wantErr: servicecore.ErrPhaseNameEmpty},
		{
			name: "cycle",
			plan: Plan{Dependencies: map[string]Dependency{
				"a": {Dependencies: []string{"b"}},
				"b": {Dependencies: []string{"c"}},
				"c": {Dependencies: []string{"a"}},
			}},
			wantErr: servicecore.ErrCircularDependency,
		},
		{
			name: "diamond is fine",
			plan: Plan{Dependencies: map[string]Dependency{
				"a": {Dependencies: []string{"b", "c"}},
				"b": {Dependencies: []string{"d"}},
				"c": {Dependencies: []string{"d"}},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.plan.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	_, err := New(Plan{Dependencies: map[string]Dependency{"a": {Dependencies: []string{"a"}}}}, registry.New(), nil)
	assert.ErrorContains(t, err, "a -> a")
}

func TestPlanWarnings(t *testing.T) {
	plan := Plan{
		Phases: []Phase{
			{Name: "one", Services: []string{"a"}},
			{Name: "two", Services: []string{"b"}},
		},
		Dependencies: map[string]Dependency{
			"a": {Dependencies: []string{"b", "external"}},
		},
	}
	assert.Equal(t, []string{
		"a depends on b, which starts in a later phase",
		"a depends on external, which no phase starts",
	}, plan.Warnings())
	assert.Equal(t, []string{"a", "b"}, plan.Services())
}

package servicecore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to ServiceStatus
		want     bool
	}{
		{StatusRegistered, StatusInitialized, true},
		{StatusInitialized, StatusRunning, true},
		{StatusRegistered, StatusRunning, true},
		{StatusRunning, StatusRunning, true},
		{StatusRunning, StatusInitialized, false},
		{StatusRunning, StatusRegistered, false},
		{StatusInitialized, StatusRegistered, false},
		{StatusRunning, StatusError, true},
		{StatusRegistered, StatusStopped, true},
		{StatusError, StatusInitialized, true},
		{StatusError, StatusRunning, true},
		{StatusStopped, StatusRunning, true},
		{StatusError, StatusRegistered, false},
		{StatusRunning, ServiceStatus("bogus"), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

type predicateSvc struct{}

func (predicateSvc) IsHealthy(context.Context) bool { return true }

type snapshotSvc struct{}

func (snapshotSvc) Status(context.Context) map[string]any { return map[string]any{"healthy": true} }

type bothSvc struct {
	predicateSvc
	snapshotSvc
}

func TestProbeFor(t *testing.T) {
	assert.IsType(t, PredicateProbe{}, ProbeFor(predicateSvc{}))
	assert.IsType(t, SnapshotProbe{}, ProbeFor(snapshotSvc{}))
	assert.IsType(t, PredicateProbe{}, ProbeFor(bothSvc{}), "predicate wins when both exist")
	assert.IsType(t, NoHealthCheck{}, ProbeFor(struct{}{}))
	assert.IsType(t, NoHealthCheck{}, ProbeFor(nil))
}

func TestClassifyHealth(t *testing.T) {
	tests := []struct {
		name           string
		healthy, total int
		want           SystemHealth
	}{
		{"empty system", 0, 0, SystemUnhealthy},
		{"all healthy", 4, 4, SystemHealthy},
		{"exactly half", 2, 4, SystemUnhealthy},
		{"just over half", 3, 5, SystemDegraded},
		{"majority", 3, 4, SystemDegraded},
		{"none", 0, 3, SystemUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyHealth(tt.healthy, tt.total))
		})
	}
}

func TestClassifyReadiness(t *testing.T) {
	tests := []struct {
		name                               string
		running, failed, expected, critical int
		want                               Readiness
	}{
		{"all running", 5, 0, 5, 0, ReadinessReady},
		{"one failed of five", 4, 1, 5, 0, ReadinessPartial},
		{"one critical issue", 5, 0, 5, 1, ReadinessPartial},
		{"two critical issues", 5, 0, 5, 2, ReadinessFailed},
		{"below eighty percent", 3, 2, 5, 0, ReadinessFailed},
		{"nothing running", 0, 0, 5, 0, ReadinessFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyReadiness(tt.running, tt.failed, tt.expected, tt.critical))
		})
	}
}

func TestServiceFailure_Unwrap(t *testing.T) {
	cause := errors.New("boom")
	critical := &ServiceFailure{Service: "db", Phase: "core", Attempts: 3, Critical: true, Cause: cause}
	soft := &ServiceFailure{Service: "cache", Phase: "core", Attempts: 1, Cause: cause}

	assert.ErrorIs(t, critical, ErrCriticalServiceFailure)
	assert.ErrorIs(t, critical, cause)
	assert.True(t, IsCritical(critical))
	assert.ErrorIs(t, soft, ErrNonCriticalServiceFailure)
	assert.False(t, IsCritical(soft))
	assert.Contains(t, critical.Error(), `critical service "db"`)

	var transition error = &StateTransitionError{Subject: "db", From: "running", To: "registered"}
	assert.ErrorIs(t, transition, ErrInvalidStateTransition)

	var timeout error = &TimeoutError{Operation: "start", Service: "db", Timeout: "1s"}
	assert.ErrorIs(t, timeout, ErrStartupTimeout)
}

func TestPayloadAs(t *testing.T) {
	p := PhasePayload{PhaseName: "core"}

	got, ok := PayloadAs[PhasePayload](Event{Data: p})
	assert.True(t, ok)
	assert.Equal(t, "core", got.PhaseName)

	got, ok = PayloadAs[PhasePayload](Event{Data: &p})
	assert.True(t, ok)
	assert.Equal(t, "core", got.PhaseName)

	_, ok = PayloadAs[PhasePayload](Event{Data: "nope"})
	assert.False(t, ok)

	_, ok = PayloadAs[PhasePayload](Event{Data: (*PhasePayload)(nil)})
	assert.False(t, ok)
}

func TestNewCloudEvent(t *testing.T) {
	ce := NewCloudEvent(EventPhaseStarted, "startup", PhasePayload{PhaseName: "core"}, map[string]any{"phase": "core"})
	assert.NoError(t, ValidateCloudEvent(ce))
	assert.Equal(t, EventPhaseStarted, ce.Type())
	assert.Equal(t, "core", ce.Extensions()["phase"])
	assert.NotEqual(t, NewID(), NewID())
}

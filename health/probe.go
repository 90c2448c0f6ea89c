package health

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/golobby/cast"

	"github.com/GoCodeAlone/servicecore"
	"github.com/GoCodeAlone/servicecore/registry"
)

// healthyStatuses are the snapshot "status" values read as healthy.
var healthyStatuses = map[string]bool{
	"running": true,
	"healthy": true,
	"ok":      true,
	"up":      true,
}

// probeService produces the result for one service. A probe error, panic
// or timeout and a non-running status are critical; a running service whose
// probe reports unhealthy is a warning.
func (m *Monitor) probeService(ctx context.Context, def registry.ServiceDefinition) servicecore.HealthResult {
	res := servicecore.HealthResult{
		ServiceName: def.Name,
		Status:      def.Status,
		Timestamp:   m.now(),
	}

	start := time.Now()
	healthy, err := m.evaluate(ctx, def)
	res.ResponseTime = time.Since(start)

	switch {
	case err != nil:
		res.Level = servicecore.HealthLevelCritical
		res.Error = err.Error()
	case def.Status != servicecore.StatusRunning:
		res.Level = servicecore.HealthLevelCritical
		res.Error = fmt.Sprintf("service is %s", def.Status)
	case !healthy:
		res.Level = servicecore.HealthLevelWarning
		res.Error = "health probe reported unhealthy"
	default:
		res.Level = servicecore.HealthLevelHealthy
	}
	res.Healthy = res.Level == servicecore.HealthLevelHealthy
	return res
}

// evaluate runs the probe of def under the probe timeout.
func (m *Monitor) evaluate(ctx context.Context, def registry.ServiceDefinition) (bool, error) {
	switch p := def.Probe.(type) {
	case servicecore.PredicateProbe:
		return runProbe(ctx, m.probeTimeout, func(ctx context.Context) (bool, error) {
			return p.Check(ctx), nil
		})
	case servicecore.SnapshotProbe:
		return runProbe(ctx, m.probeTimeout, func(ctx context.Context) (bool, error) {
			return interpretSnapshot(p.Snapshot(ctx))
		})
	default:
		return def.Status == servicecore.StatusRunning, nil
	}
}

type probeOutcome struct {
	healthy bool
	err     error
}

// runProbe bounds fn by timeout and converts a panic into an error.
func runProbe(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (bool, error)) (bool, error) {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan probeOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- probeOutcome{err: fmt.Errorf("%w: %v", ErrProbePanicked, r)}
			}
		}()
		healthy, err := fn(probeCtx)
		done <- probeOutcome{healthy: healthy, err: err}
	}()

	select {
	case out := <-done:
		return out.healthy, out.err
	case <-probeCtx.Done():
		return false, fmt.Errorf("%w after %s", ErrProbeTimeout, timeout)
	}
}

var boolType = reflect.TypeOf(true)

// interpretSnapshot reads a Status snapshot. The "healthy" key wins and may
// be a bool or anything castable to one; otherwise "status" is compared
// against the known healthy values.
func interpretSnapshot(snapshot map[string]any) (bool, error) {
	if v, ok := snapshot["healthy"]; ok {
		if b, ok := v.(bool); ok {
			return b, nil
		}
		converted, err := cast.FromType(fmt.Sprint(v), boolType)
		if err != nil {
			return false, fmt.Errorf("%w: healthy=%v: %v", ErrUnreadableSnapshot, v, err)
		}
		return converted.(bool), nil
	}
	if v, ok := snapshot["status"]; ok {
		return healthyStatuses[strings.ToLower(fmt.Sprint(v))], nil
	}
	return false, ErrUnreadableSnapshot
}

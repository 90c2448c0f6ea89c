package servicecore

import "context"

// ServiceStatus is the lifecycle status of a registered service.
type ServiceStatus string

const (
	StatusRegistered  ServiceStatus = "registered"
	StatusInitialized ServiceStatus = "initialized"
	StatusRunning     ServiceStatus = "running"
	StatusStopped     ServiceStatus = "stopped"
	StatusError       ServiceStatus = "error"
)

// rank orders the forward progression. Terminal statuses have no rank.
var rank = map[ServiceStatus]int{
	StatusRegistered:  0,
	StatusInitialized: 1,
	StatusRunning:     2,
}

// Valid reports whether s is one of the known statuses.
func (s ServiceStatus) Valid() bool {
	switch s {
	case StatusRegistered, StatusInitialized, StatusRunning, StatusStopped, StatusError:
		return true
	}
	return false
}

// CanTransition reports whether a service may move from one status to
// another. Progress is forward only (registered, initialized, running).
// error and stopped are reachable from anywhere, and a service in error or
// stopped may be brought back through initialized or running by a restart.
// Re-applying the current status is allowed and treated as a no-op.
func CanTransition(from, to ServiceStatus) bool {
	if !to.Valid() {
		return false
	}
	if from == to || to == StatusError || to == StatusStopped {
		return true
	}
	if from == StatusError || from == StatusStopped {
		return to == StatusInitialized || to == StatusRunning
	}
	return rank[to] > rank[from]
}

// Initializer is implemented by services that need to start work.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// Destroyer is implemented by services that hold resources to release.
type Destroyer interface {
	Destroy(ctx context.Context) error
}

// HealthChecker is the predicate flavor of the health capability.
type HealthChecker interface {
	IsHealthy(ctx context.Context) bool
}

// StatusReporter is the snapshot flavor of the health capability. The
// snapshot is read through its "healthy" or "status" keys.
type StatusReporter interface {
	Status(ctx context.Context) map[string]any
}

// HealthProbe is the resolved health capability of a service. It is a
// closed set: NoHealthCheck, PredicateProbe or SnapshotProbe.
type HealthProbe interface {
	isHealthProbe()
}

// NoHealthCheck means the registry status is the only health signal.
type NoHealthCheck struct{}

// PredicateProbe wraps an IsHealthy style check.
type PredicateProbe struct {
	Check func(ctx context.Context) bool
}

// SnapshotProbe wraps a Status style snapshot.
type SnapshotProbe struct {
	Snapshot func(ctx context.Context) map[string]any
}

func (NoHealthCheck) isHealthProbe()  {}
func (PredicateProbe) isHealthProbe() {}
func (SnapshotProbe) isHealthProbe()  {}

// ProbeFor resolves the health capability of instance once, at
// registration time. The predicate wins when both capabilities exist.
func ProbeFor(instance any) HealthProbe {
	switch v := instance.(type) {
	case HealthChecker:
		return PredicateProbe{Check: v.IsHealthy}
	case StatusReporter:
		return SnapshotProbe{Snapshot: v.Status}
	default:
		return NoHealthCheck{}
	}
}

// Package health polls the service registry on a schedule, probes each
// service's health capability and publishes the aggregated result.
package health

import (
	"errors"
	"time"

	"github.com/GoCodeAlone/servicecore/registry"
)

// Static errors for health package
var (
	ErrMonitorAlreadyRunning = errors.New("health monitor is already running")
	ErrMonitorNotRunning     = errors.New("health monitor is not running")
	ErrInvalidInterval       = errors.New("health check interval must be positive")
	ErrProbeTimeout          = errors.New("health probe timed out")
	ErrProbePanicked         = errors.New("health probe panicked")
	ErrUnreadableSnapshot    = errors.New("status snapshot has no usable health field")
)

// ServiceSource is the registry surface the monitor reads and updates.
type ServiceSource interface {
	List() []registry.ServiceDefinition
	RecordHealthCheck(name string, healthy bool, at time.Time) error
}

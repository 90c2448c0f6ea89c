// Package registry provides the catalog of service instances with their
// lifecycle status, dependencies, metadata and last health observation.
package registry

import (
	"context"
	"maps"
	"slices"
	"time"

	"github.com/GoCodeAlone/servicecore"
)

// ServiceRegistry is the contract consumed by the orchestrator, the health
// monitor and the recovery engine.
type ServiceRegistry interface {
	// Register adds a service. A duplicate name is logged and overwritten.
	Register(ctx context.Context, name string, instance any, dependencies []string, metadata map[string]any) error

	// Get returns a copy of the named definition.
	Get(name string) (ServiceDefinition, bool)

	// UpdateStatus moves a service to a new status.
	UpdateStatus(ctx context.Context, name string, status servicecore.ServiceStatus) error

	// Unregister removes a service.
	Unregister(ctx context.Context, name string) error

	// ServicesByStatus returns services currently in status.
	ServicesByStatus(status servicecore.ServiceStatus) []ServiceDefinition

	// ServiceCount returns the number of unique registered names.
	ServiceCount() int

	// List returns every service in registration order.
	List() []ServiceDefinition

	// RecordHealthCheck stores the latest probe outcome of a service.
	RecordHealthCheck(name string, healthy bool, at time.Time) error
}

// ServiceDefinition is the registry's record of one service.
type ServiceDefinition struct {
	Name            string
	Instance        any
	Status          servicecore.ServiceStatus
	Dependencies    []string
	Metadata        map[string]any
	Probe           servicecore.HealthProbe
	LastHealthCheck time.Time
	LastHealthy     bool
	ErrorCount      int
	RegisteredAt    time.Time
	UpdatedAt       time.Time
}

// clone detaches the definition from registry-owned slices and maps.
func (d ServiceDefinition) clone() ServiceDefinition {
	d.Dependencies = slices.Clone(d.Dependencies)
	d.Metadata = maps.Clone(d.Metadata)
	return d
}

// Package startup drives the phased, dependency-aware startup of registered
// services: phases run strictly in order, services within a phase start in
// parallel or one at a time, and each start honors dependency waits,
// per-service timeouts and retry policies.
package startup

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/GoCodeAlone/servicecore"
	"github.com/GoCodeAlone/servicecore/retry"
)

// DefaultServiceTimeout applies when neither the dependency entry nor the
// phase sets a timeout.
const DefaultServiceTimeout = 30 * time.Second

// Phase is an ordered group of services started together.
type Phase struct {
	Name     string
	Services []string
	Parallel bool
	Timeout  time.Duration
}

// Dependency holds the startup rules of one service.
type Dependency struct {
	ServiceName   string
	Dependencies  []string
	Timeout       time.Duration
	RetryAttempts int
	Critical      bool
	// Retry overrides the orchestrator's backoff for this service. Its
	// MaxAttempts is always derived from RetryAttempts.
	Retry *retry.Policy
}

// Plan is the static startup description.
type Plan struct {
	Phases       []Phase
	Dependencies map[string]Dependency
}

// Services returns every service named by a phase, in phase order.
func (p Plan) Services() []string {
	var out []string
	for _, ph := range p.Phases {
		for _, s := range ph.Services {
			if !slices.Contains(out, s) {
				out = append(out, s)
			}
		}
	}
	return out
}

// IsCritical reports whether name is flagged critical.
func (p Plan) IsCritical(name string) bool {
	return p.Dependencies[name].Critical
}

// dependencyFor resolves the rules of name inside phase. Services without
// an entry are non-critical, never retried and bounded by the phase timeout.
func (p Plan) dependencyFor(name string, phase Phase, registered []string) Dependency {
	dep, ok := p.Dependencies[name]
	if !ok {
		dep = Dependency{ServiceName: name}
	}
	if dep.ServiceName == "" {
		dep.ServiceName = name
	}
	if dep.Dependencies == nil {
		dep.Dependencies = registered
	}
	if dep.Timeout <= 0 {
		dep.Timeout = phase.Timeout
	}
	if dep.Timeout <= 0 {
		dep.Timeout = DefaultServiceTimeout
	}
	if dep.RetryAttempts < 0 {
		dep.RetryAttempts = 0
	}
	return dep
}

// Validate rejects unnamed phases and dependency cycles.
func (p Plan) Validate() error {
	for i, ph := range p.Phases {
		if ph.Name == "" {
			return fmt.Errorf("startup: phase %d: %w", i, servicecore.ErrPhaseNameEmpty)
		}
	}
	if cycle := p.findCycle(); cycle != nil {
		return fmt.Errorf("startup: %w: %s", servicecore.ErrCircularDependency, strings.Join(cycle, " -> "))
	}
	return nil
}

// Warnings lists suspicious but accepted plan entries: dependencies on
// services no phase starts, and dependencies started in a later phase.
func (p Plan) Warnings() []string {
	phaseOf := make(map[string]int)
	for i, ph := range p.Phases {
		for _, s := range ph.Services {
			if _, seen := phaseOf[s]; !seen {
				phaseOf[s] = i
			}
		}
	}

	var warnings []string
	for _, name := range p.sortedNames() {
		own, started := phaseOf[name]
		for _, d := range p.Dependencies[name].Dependencies {
			depPhase, ok := phaseOf[d]
			switch {
			case !ok:
				warnings = append(warnings, fmt.Sprintf("%s depends on %s, which no phase starts", name, d))
			case started && depPhase > own:
				warnings = append(warnings, fmt.Sprintf("%s depends on %s, which starts in a later phase", name, d))
			}
		}
	}
	return warnings
}

func (p Plan) sortedNames() []string {
	names := make([]string, 0, len(p.Dependencies))
	for n := range p.Dependencies {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// findCycle returns one dependency cycle, or nil.
func (p Plan) findCycle() []string {
	visited := make(map[string]bool)
	onPath := make(map[string]bool)
	var path []string
	var cycle []string

	var visit func(string) bool
	visit = func(node string) bool {
		if onPath[node] {
			start := slices.Index(path, node)
			cycle = append(slices.Clone(path[start:]), node)
			return true
		}
		if visited[node] {
			return false
		}
		onPath[node] = true
		path = append(path, node)
		for _, dep := range p.Dependencies[node].Dependencies {
			if visit(dep) {
				return true
			}
		}
		path = path[:len(path)-1]
		onPath[node] = false
		visited[node] = true
		return false
	}

	for _, node := range p.sortedNames() {
		if visit(node) {
			return cycle
		}
	}
	return nil
}

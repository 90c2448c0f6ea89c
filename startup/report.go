package startup

import (
	"time"
)

// ServiceResult is the outcome of starting one service.
type ServiceResult struct {
	Name     string
	Critical bool
	Started  bool
	Attempts int
	Duration time.Duration
	// SkippedDependencies lists non-critical dependencies that were not
	// running when the service proceeded.
	SkippedDependencies []string
	Err                 error
}

// PhaseReport is the outcome of one phase.
type PhaseReport struct {
	Name     string
	Parallel bool
	Services []ServiceResult
	Duration time.Duration
	Err      error
}

// Report is the outcome of a startup sequence.
type Report struct {
	StartedAt time.Time
	Duration  time.Duration
	Phases    []PhaseReport
	Err       error
}

// Success reports whether the sequence ran to the end.
func (r *Report) Success() bool {
	return r.Err == nil
}

// Started lists the services that reached running, in start order.
func (r *Report) Started() []string {
	var out []string
	for _, s := range r.results() {
		if s.Started {
			out = append(out, s.Name)
		}
	}
	return out
}

// Failed lists the services that exhausted their attempts.
func (r *Report) Failed() []string {
	var out []string
	for _, s := range r.results() {
		if s.Err != nil {
			out = append(out, s.Name)
		}
	}
	return out
}

// Result returns the result for name.
func (r *Report) Result(name string) (ServiceResult, bool) {
	for _, s := range r.results() {
		if s.Name == name {
			return s, true
		}
	}
	return ServiceResult{}, false
}

func (r *Report) results() []ServiceResult {
	var out []ServiceResult
	for _, p := range r.Phases {
		for _, s := range p.Services {
			if s.Name != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

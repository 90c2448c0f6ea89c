package health

import (
	"time"

	"github.com/GoCodeAlone/servicecore"
)

// ServiceReport is the readiness view of one expected service.
type ServiceReport struct {
	ServiceName  string                    `json:"serviceName"`
	Status       servicecore.ServiceStatus `json:"status"`
	Running      bool                      `json:"running"`
	HealthStatus string                    `json:"healthStatus"`
	Error        string                    `json:"error,omitempty"`
}

// StartupReport combines service counts with the latest health summary.
type StartupReport struct {
	Overall   servicecore.Readiness `json:"overall"`
	Expected  int                   `json:"expected"`
	Running   int                   `json:"running"`
	Failed    int                   `json:"failed"`
	Critical  int                   `json:"critical"`
	Services  []ServiceReport       `json:"services"`
	CheckedAt time.Time             `json:"checkedAt"`
}

// Verify reports readiness for the expected services. When expected is
// empty every registered service is expected. A service that is missing or
// not running counts as failed.
func (m *Monitor) Verify(expected ...string) StartupReport {
	all := len(expected) == 0
	byName := make(map[string]servicecore.ServiceStatus)
	for _, def := range m.services.List() {
		byName[def.Name] = def.Status
		if all {
			expected = append(expected, def.Name)
		}
	}

	report := StartupReport{Expected: len(expected), CheckedAt: m.now()}
	for _, name := range expected {
		sr := ServiceReport{ServiceName: name, HealthStatus: "unknown"}
		status, ok := byName[name]
		switch {
		case !ok:
			sr.Error = "service not registered"
		case status != servicecore.StatusRunning:
			sr.Status = status
			sr.Error = "service not running"
		default:
			sr.Status = status
			sr.Running = true
		}
		if r, ok := m.Result(name); ok {
			sr.HealthStatus = r.Level.String()
		}
		if sr.Running {
			report.Running++
		} else {
			report.Failed++
		}
		report.Services = append(report.Services, sr)
	}

	if summary, ok := m.Summary(); ok {
		report.Critical = summary.Critical
	}
	report.Overall = servicecore.ClassifyReadiness(report.Running, report.Failed, report.Expected, report.Critical)
	return report
}

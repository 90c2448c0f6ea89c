package health

import (
	"time"

	"github.com/GoCodeAlone/servicecore"
)

// Summarize aggregates one tick of results.
func Summarize(results []servicecore.HealthResult, at time.Time) servicecore.HealthSummary {
	s := servicecore.HealthSummary{Total: len(results), CheckedAt: at}
	var total time.Duration
	for _, r := range results {
		switch r.Level {
		case servicecore.HealthLevelHealthy:
			s.Healthy++
		case servicecore.HealthLevelWarning:
			s.Warning++
		case servicecore.HealthLevelCritical:
			s.Critical++
		}
		total += r.ResponseTime
	}
	if len(results) > 0 {
		s.AverageResponseTime = total / time.Duration(len(results))
	}
	s.Status = servicecore.ClassifyHealth(s.Healthy, s.Total)
	return s
}

package observability

import (
	"github.com/fairyhunter13/scrape-orchestrator/internal/domain"
)

// MetricsPublisher decorates an EventPublisher with lifecycle counters, so
// job metrics stay populated even when no broker is configured.
type MetricsPublisher struct {
	Next domain.EventPublisher
}

// NewMetricsPublisher wraps next; next may be nil when events are disabled.
func NewMetricsPublisher(next domain.EventPublisher) *MetricsPublisher {
	return &MetricsPublisher{Next: next}
}

// Publish counts the event and forwards it.
func (p *MetricsPublisher) Publish(ctx domain.Context, ev domain.JobEvent) error {
	jobType := string(ev.JobType)
	switch ev.Type {
	case domain.EventJobCreated:
		JobsAdmittedTotal.WithLabelValues(jobType).Inc()
	case domain.EventJobCompleted:
		JobsCompletedTotal.WithLabelValues(jobType).Inc()
	case domain.EventJobFailed:
		JobsFailedTotal.WithLabelValues(jobType).Inc()
	case domain.EventJobCancelled:
		JobsCancelledTotal.WithLabelValues(jobType).Inc()
	}
	if p.Next == nil {
		return nil
	}
	return p.Next.Publish(ctx, ev)
}

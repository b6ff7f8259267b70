package orchestrator

import (
	"context"
	"time"
)

// HealthState is the coarse pipeline condition.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// HealthStatus is one health evaluation. QueueDepthErr notes a ledger read
// failure; the evaluation itself still completes.
type HealthStatus struct {
	State         HealthState `json:"state"`
	ActiveJobs    int         `json:"active_jobs"`
	QueueDepth    int         `json:"queue_depth"`
	QueueDepthErr string      `json:"queue_depth_error,omitempty"`
	JobsCompleted int64       `json:"jobs_completed"`
	JobsFailed    int64       `json:"jobs_failed"`
	FailureRate   float64     `json:"failure_rate"`
	LastSuccessAt time.Time   `json:"last_success_at"`
	CheckedAt     time.Time   `json:"checked_at"`
}

// evaluateHealth computes the current status. It must never panic or block
// the dispatch loop; a broken ledger degrades the report instead of
// crashing the daemon.
func (o *Orchestrator) evaluateHealth(ctx context.Context) HealthStatus {
	status := HealthStatus{
		State:         HealthHealthy,
		ActiveJobs:    o.pool.Running(),
		JobsCompleted: o.completed.Load(),
		JobsFailed:    o.failed.Load(),
		CheckedAt:     o.clock.Now(),
	}
	if ns := o.lastSuccess.Load(); ns != 0 {
		status.LastSuccessAt = time.Unix(0, ns)
	}

	depth, err := o.store.QueueDepth(ctx)
	if err != nil {
		status.QueueDepthErr = err.Error()
		status.State = HealthUnhealthy
	} else {
		status.QueueDepth = depth
	}

	total := status.JobsCompleted + status.JobsFailed
	if total > 0 {
		status.FailureRate = float64(status.JobsFailed) / float64(total)
	}

	// Starvation: work is waiting but nothing has completed inside the
	// timeout window. The next completed job clears it.
	starved := !status.LastSuccessAt.IsZero() &&
		(status.QueueDepth > 0 || status.ActiveJobs > 0) &&
		status.CheckedAt.Sub(status.LastSuccessAt) >= o.cfg.NoSuccessTimeout

	if status.State == HealthHealthy {
		switch {
		case status.FailureRate >= o.cfg.UnhealthyFailureRate:
			status.State = HealthUnhealthy
		case starved:
			status.State = HealthUnhealthy
		case status.FailureRate >= o.cfg.DegradedFailureRate:
			status.State = HealthDegraded
		case status.QueueDepth >= o.cfg.DegradedQueueDepth:
			status.State = HealthDegraded
		}
	}

	return status
}

// healthLoop periodically refreshes the cached status and emits an event.
func (o *Orchestrator) healthLoop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := o.evaluateHealth(ctx)
			o.healthMu.Lock()
			o.health = status
			o.healthMu.Unlock()

			o.bus.Publish(Event{
				Type:      EventHealthCheck,
				Timestamp: status.CheckedAt,
				Fields: map[string]any{
					"state":        string(status.State),
					"active_jobs":  status.ActiveJobs,
					"queue_depth":  status.QueueDepth,
					"failure_rate": status.FailureRate,
				},
			})

			if status.State != HealthHealthy {
				o.logger.Warn("pipeline health degraded",
					"state", status.State,
					"failure_rate", status.FailureRate,
					"queue_depth", status.QueueDepth,
					"queue_depth_error", status.QueueDepthErr)
			}
		}
	}
}

// GetHealthStatus returns the latest evaluation. Before the first periodic
// check it computes one synchronously.
func (o *Orchestrator) GetHealthStatus(ctx context.Context) HealthStatus {
	o.healthMu.RLock()
	cached := o.health
	o.healthMu.RUnlock()

	if cached.CheckedAt.IsZero() {
		return o.evaluateHealth(ctx)
	}
	return cached
}

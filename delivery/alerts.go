package delivery

import (
	"context"
	"sync"

	"github.com/settld/go-settle/core"
)

// AlertFunc receives one alert when a (tenant, target) dead-letter bucket
// crosses the threshold.
type AlertFunc func(ctx context.Context, key core.DeadLetterKey, count int)

// DeadLetterAlarm is an edge-triggered detector over dead-letter counts: it
// fires once when a bucket crosses the threshold and re-arms only after the
// bucket drops back below it, so a persistently broken target does not page
// on every poll.
type DeadLetterAlarm struct {
	threshold int
	alert     AlertFunc
	logger    core.Logger
	metrics   core.MetricsRecorder

	mu    sync.Mutex
	fired map[core.DeadLetterKey]bool
}

func NewDeadLetterAlarm(threshold int, alert AlertFunc, logger core.Logger, metrics core.MetricsRecorder) *DeadLetterAlarm {
	if threshold <= 0 {
		threshold = 1
	}
	if metrics == nil {
		metrics = core.NopMetricsRecorder{}
	}
	return &DeadLetterAlarm{
		threshold: threshold,
		alert:     alert,
		logger:    logger,
		metrics:   metrics,
		fired:     map[core.DeadLetterKey]bool{},
	}
}

// Observe feeds the alarm one snapshot of dead-letter counts. Buckets absent
// from the snapshot are treated as zero and re-armed.
func (a *DeadLetterAlarm) Observe(ctx context.Context, counts map[core.DeadLetterKey]int) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	for key := range a.fired {
		if counts[key] < a.threshold {
			delete(a.fired, key)
		}
	}

	for key, count := range counts {
		a.metrics.ObserveHistogram(ctx, "settle.delivery_dead_letter_depth", float64(count), map[string]string{
			"tenant_id": key.TenantID,
			"target":    key.Target,
		})
		if count < a.threshold || a.fired[key] {
			continue
		}
		a.fired[key] = true
		a.metrics.IncCounter(ctx, "settle.delivery_dead_letter_alarm.total", 1, map[string]string{
			"tenant_id": key.TenantID,
			"target":    key.Target,
		})
		if a.logger != nil {
			a.logger.Error("dead-letter threshold crossed",
				"tenant_id", key.TenantID,
				"target", key.Target,
				"count", count,
				"threshold", a.threshold,
			)
		}
		if a.alert != nil {
			a.alert(ctx, key, count)
		}
	}
}

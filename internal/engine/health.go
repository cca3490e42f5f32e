package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/weftlabs/weft/internal/types"
)

// Health statuses, ordered by severity.
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
	HealthCritical = "critical"
)

// healthWindow is the event window health checks aggregate over.
const healthWindow = time.Hour

// Health is the operational health report.
type Health struct {
	Status          string             `json:"status"`
	Issues          []string           `json:"issues,omitempty"`
	Recommendations []string           `json:"recommendations,omitempty"`
	Counts          types.StatusCounts `json:"counts"`
	PendingEvents   int                `json:"pending_events"`
}

// HealthCheck aggregates event counts, the pending backlog and cursor
// states into a status with issues and recommendations.
func (e *Engine) HealthCheck(ctx context.Context) (*Health, error) {
	counts, err := e.store.CountByStatus(ctx, healthWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}
	pending, err := e.store.PendingCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending events: %w", err)
	}

	h := &Health{Status: HealthHealthy, Counts: counts, PendingEvents: pending}

	failureRate := counts.FailureRate()
	switch {
	case failureRate > 0.10:
		h.Status = HealthCritical
		h.Issues = append(h.Issues, fmt.Sprintf("failure rate %.1f%% over the last hour", failureRate*100))
		h.Recommendations = append(h.Recommendations, "inspect failed events with `weft events list --status failed`")
	case failureRate > 0.02:
		h.degrade(fmt.Sprintf("failure rate %.1f%% over the last hour", failureRate*100),
			"review recent adapter errors for a failing target")
	}

	if pending >= e.cfg.PendingHighWatermark {
		h.Status = HealthCritical
		h.Issues = append(h.Issues, fmt.Sprintf("pending backlog %d at high watermark %d", pending, e.cfg.PendingHighWatermark))
		h.Recommendations = append(h.Recommendations, "bulk submissions are refused until the backlog drains; consider more workers")
	} else if pending > e.cfg.PendingHighWatermark/2 {
		h.degrade(fmt.Sprintf("pending backlog %d above half the high watermark", pending),
			"increase workers or review slow adapters")
	}

	if e.replicator != nil {
		cursors, err := e.replicator.Status(ctx, "")
		if err != nil {
			return nil, fmt.Errorf("failed to list cursors: %w", err)
		}
		for _, cur := range cursors {
			switch cur.State {
			case types.CursorError:
				h.degrade(fmt.Sprintf("replication cursor %s in error: %s", cur.Key(), cur.LastError),
					fmt.Sprintf("run `weft replication resume %s %s %s` to trigger catch-up", cur.EntityType, cur.SourceRegion, cur.TargetRegion))
			case types.CursorActive:
				if cur.MaxLagSeconds > 0 && cur.LagSeconds > float64(cur.MaxLagSeconds) {
					h.degrade(fmt.Sprintf("replication cursor %s lagging %.0fs", cur.Key(), cur.LagSeconds),
						"check transport connectivity to the target region")
				}
			}
		}
	}

	return h, nil
}

// degrade adds an issue without downgrading a critical status.
func (h *Health) degrade(issue, rec string) {
	if h.Status == HealthHealthy {
		h.Status = HealthDegraded
	}
	h.Issues = append(h.Issues, issue)
	h.Recommendations = append(h.Recommendations, rec)
}

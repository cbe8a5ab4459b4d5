package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/roomlink-server/roomlink-server-pro/internal/models"
	"github.com/roomlink-server/roomlink-server-pro/internal/storage"
)

// periods maps the metrics query periods to window sizes
var periods = map[string]time.Duration{
	"1h":  time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
}

// Summarize computes the aggregate view for a window: device status
// counts plus session and occupancy statistics. It is a pure fold over
// closed sessions and occupancy samples in the window; orphaned lefts
// are counted but never contribute minutes.
func (r *Reconstructor) Summarize(ctx context.Context, period string) (*models.MetricsSummary, error) {
	window, ok := periods[period]
	if !ok {
		return nil, fmt.Errorf("invalid period %q", period)
	}

	to := r.now()
	from := to.Add(-window)

	summary := &models.MetricsSummary{
		Period: period,
		From:   from,
		To:     to,
	}

	counts, err := r.store.CountDevicesByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count devices: %w", err)
	}
	summary.StatusCounts = counts

	sessions, _, err := r.store.ListSessions(ctx, storage.SessionFilters{
		StartTime: &from,
		EndTime:   &to,
	}, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	for _, s := range sessions {
		if s.EndedAt == nil {
			continue
		}
		summary.SessionCount++
		summary.TotalMinutes += float64(s.Duration) / 60
	}

	occupancyType := models.TelemetryOccupancySample
	samples, _, err := r.store.ListTelemetry(ctx, storage.TelemetryFilters{
		Type:      &occupancyType,
		StartTime: &from,
		EndTime:   &to,
	}, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("list occupancy samples: %w", err)
	}

	var sum, n int
	for _, sample := range samples {
		count, ok := sample.Occupancy()
		if !ok {
			continue
		}
		sum += count
		n++
		if count > summary.PeakOccupancy {
			summary.PeakOccupancy = count
		}
	}
	if n > 0 {
		summary.AvgOccupancy = float64(sum) / float64(n)
	}

	orphanType := models.EventTypeOrphanLeft
	_, orphans, err := r.store.ListEventLogs(ctx, storage.EventLogFilters{
		Type:      &orphanType,
		StartTime: &from,
		EndTime:   &to,
	}, 1, 0)
	if err != nil {
		return nil, fmt.Errorf("count orphans: %w", err)
	}
	summary.OrphanedLefts = int(orphans)

	return summary, nil
}

package portfolio

import (
	"context"
	"fmt"
	"sort"
	"time"

	"paper-trading-bot-go/internal/models"
)

// ChartPeriod is a rolling chart window. A zero Window keeps all history.
type ChartPeriod struct {
	Name   string
	Window time.Duration
}

// ChartPeriods are the windows kept in the chart cache.
var ChartPeriods = []ChartPeriod{
	{Name: "1d", Window: 24 * time.Hour},
	{Name: "1w", Window: 7 * 24 * time.Hour},
	{Name: "1m", Window: 30 * 24 * time.Hour},
	{Name: "1y", Window: 365 * 24 * time.Hour},
	{Name: "all"},
}

// LookupChartPeriod finds a period by name.
func LookupChartPeriod(name string) (ChartPeriod, bool) {
	for _, p := range ChartPeriods {
		if p.Name == name {
			return p, true
		}
	}
	return ChartPeriod{}, false
}

func (p ChartPeriod) cutoff(now int64) int64 {
	if p.Window == 0 {
		return 0
	}
	return now - p.Window.Milliseconds()
}

// GetChart returns the cached equity series of the named period.
func (e *Engine) GetChart(ctx context.Context, name string) ([]models.ChartCachePoint, error) {
	period, ok := LookupChartPeriod(name)
	if !ok {
		return nil, fmt.Errorf("unknown chart period %q", name)
	}
	points, err := e.store.GetChartCache(ctx, period.Name)
	if err != nil {
		return nil, err
	}
	cutoff := period.cutoff(e.clock.Now())
	out := points[:0]
	for _, p := range points {
		if p.Timestamp >= cutoff {
			out = append(out, p)
		}
	}
	return out, nil
}

func (e *Engine) updateChartCache(ctx context.Context, period ChartPeriod, point models.ChartCachePoint) error {
	cutoff := period.cutoff(point.Timestamp)

	points, err := e.store.GetChartCache(ctx, period.Name)
	if err != nil {
		return err
	}
	if len(points) == 0 {
		snapshots, err := e.store.GetSnapshotsSince(ctx, cutoff)
		if err != nil {
			return err
		}
		for _, s := range snapshots {
			points = append(points, models.ChartCachePoint{Timestamp: s.Timestamp, Equity: s.CurrentEquity})
		}
	}
	points = append(points, point)

	points = compactSeries(points, cutoff, e.chart.MaxPoints, e.chart.TargetPoints)
	return e.store.ReplaceChartCache(ctx, period.Name, points)
}

// compactSeries drops points before cutoff, keeps the last point for each
// timestamp, and downsamples to target once the series is longer than maxPoints.
func compactSeries(points []models.ChartCachePoint, cutoff int64, maxPoints, target int) []models.ChartCachePoint {
	byTimestamp := make(map[int64]models.ChartCachePoint, len(points))
	for _, p := range points {
		if p.Timestamp < cutoff {
			continue
		}
		byTimestamp[p.Timestamp] = models.ChartCachePoint{Timestamp: p.Timestamp, Equity: p.Equity}
	}
	out := make([]models.ChartCachePoint, 0, len(byTimestamp))
	for _, p := range byTimestamp {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })

	if maxPoints > 0 && len(out) > maxPoints {
		out = Downsample(out, target)
	}
	return out
}

// Downsample averages fixed-size blocks so at most target points remain. Each
// output point takes the timestamp of its block's last point and the mean
// equity of the block. Series already within target are returned unchanged.
func Downsample(data []models.ChartCachePoint, target int) []models.ChartCachePoint {
	if target <= 0 || len(data) <= target {
		return data
	}
	blockSize := (len(data) + target - 1) / target

	out := make([]models.ChartCachePoint, 0, target)
	for start := 0; start < len(data); start += blockSize {
		end := min(start+blockSize, len(data))
		var sum float64
		for _, p := range data[start:end] {
			sum += p.Equity
		}
		out = append(out, models.ChartCachePoint{
			Timestamp: data[end-1].Timestamp,
			Equity:    sum / float64(end-start),
		})
	}
	return out
}

package triage

import (
	"context"
	"math"
	"sort"
	"time"
)

// DashboardPeriod is the window the latency summary covers.
const DashboardPeriod = 24 * time.Hour

// Dashboard is the operational summary shown to the reading room.
type Dashboard struct {
	StudiesToday    int                `json:"studies_today"`
	StudiesThisWeek int                `json:"studies_this_week"`
	Triage          TriageDistribution `json:"triage_distribution"`
	Latency         LatencySummary     `json:"latency"`
	GeneratedAt     time.Time          `json:"generated_at"`
}

// TriageDistribution counts analyzed studies per level over all time.
type TriageDistribution struct {
	Normal  int `json:"normal"`
	Routine int `json:"routine"`
	Urgent  int `json:"urgent"`
	Total   int `json:"total"`
}

// LatencySummary describes processing time of studies completed in the period.
type LatencySummary struct {
	AvgSeconds  float64 `json:"avg_seconds"`
	P50Seconds  float64 `json:"p50_seconds"`
	P95Seconds  float64 `json:"p95_seconds"`
	P99Seconds  float64 `json:"p99_seconds"`
	Studies     int     `json:"total_studies"`
	PeriodHours int     `json:"period_hours"`
}

// Dashboard builds the summary as of now. Days start at UTC midnight and
// the week is the seven days before today's start plus today.
func (s *Service) Dashboard(ctx context.Context, now time.Time) (*Dashboard, error) {
	now = now.UTC()
	todayStart := now.Truncate(24 * time.Hour)
	weekStart := todayStart.AddDate(0, 0, -7)
	latencySince := now.Add(-DashboardPeriod)

	since := weekStart
	if latencySince.Before(since) {
		since = latencySince
	}
	stats, err := s.store.StudyStats(ctx, since)
	if err != nil {
		return nil, err
	}
	counts, err := s.store.CountByLevel(ctx)
	if err != nil {
		return nil, err
	}

	d := &Dashboard{
		Triage: TriageDistribution{
			Normal:  counts[LevelNormal],
			Routine: counts[LevelRoutine],
			Urgent:  counts[LevelUrgent],
		},
		Latency:     LatencySummary{PeriodHours: int(DashboardPeriod / time.Hour)},
		GeneratedAt: now,
	}
	d.Triage.Total = d.Triage.Normal + d.Triage.Routine + d.Triage.Urgent

	var durations []float64
	for _, st := range stats {
		if !st.CreatedAt.Before(todayStart) {
			d.StudiesToday++
		}
		if !st.CreatedAt.Before(weekStart) {
			d.StudiesThisWeek++
		}
		if st.Status == StudyCompleted && st.Duration > 0 && !st.CreatedAt.Before(latencySince) {
			durations = append(durations, st.Duration)
		}
	}
	if len(durations) > 0 {
		sort.Float64s(durations)
		var sum float64
		for _, v := range durations {
			sum += v
		}
		d.Latency.AvgSeconds = round3(sum / float64(len(durations)))
		d.Latency.P50Seconds = round3(Percentile(durations, 50))
		d.Latency.P95Seconds = round3(Percentile(durations, 95))
		d.Latency.P99Seconds = round3(Percentile(durations, 99))
		d.Latency.Studies = len(durations)
	}
	return d, nil
}

// Percentile returns the p-th percentile of sorted by linear interpolation
// between closest ranks. sorted must be ascending and non-empty.
func Percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (rank-float64(lo))*(sorted[hi]-sorted[lo])
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

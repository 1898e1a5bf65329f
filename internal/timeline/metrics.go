package timeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/ifcbdash/server/internal/model"
)

// Resolution is a time-bucket granularity.
type Resolution string

const (
	ResolutionAuto  Resolution = "auto"
	ResolutionYear  Resolution = "year"
	ResolutionMonth Resolution = "month"
	ResolutionWeek  Resolution = "week"
	ResolutionDay   Resolution = "day"
	ResolutionHour  Resolution = "hour"
	// ResolutionBin plots every bin as its own point.
	ResolutionBin Resolution = "bin"
)

// Ladder lists the concrete resolutions from coarsest to finest.
var Ladder = []Resolution{
	ResolutionYear,
	ResolutionMonth,
	ResolutionWeek,
	ResolutionDay,
	ResolutionHour,
	ResolutionBin,
}

// ParseResolution resolves a resolution name; empty means auto.
func ParseResolution(s string) (Resolution, error) {
	r := Resolution(strings.ToLower(strings.TrimSpace(s)))
	if r == "" || r == ResolutionAuto {
		return ResolutionAuto, nil
	}
	for _, l := range Ladder {
		if r == l {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: unknown resolution %q", model.ErrInvalidRequest, s)
}

// Finer returns the next finer ladder entry. Bin is its own successor and
// auto starts at the coarsest entry.
func (r Resolution) Finer() Resolution {
	if r == ResolutionAuto {
		return Ladder[0]
	}
	for i, l := range Ladder {
		if l == r && i+1 < len(Ladder) {
			return Ladder[i+1]
		}
	}
	return ResolutionBin
}

// Truncate returns the start of the bucket containing ts, in UTC. Weeks
// start on Monday.
func Truncate(ts time.Time, r Resolution) time.Time {
	ts = ts.UTC()
	switch r {
	case ResolutionYear:
		return time.Date(ts.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
	case ResolutionMonth:
		return time.Date(ts.Year(), ts.Month(), 1, 0, 0, 0, 0, time.UTC)
	case ResolutionWeek:
		day := time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case ResolutionDay:
		return time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
	case ResolutionHour:
		return ts.Truncate(time.Hour)
	default:
		return ts
	}
}

// window returns the bins with timestamps in [start, end]; nil bounds are open.
func (t *Timeline) window(start, end *time.Time) []model.Bin {
	lo, hi := 0, len(t.bins)
	if start != nil {
		lo = t.firstAtOrAfter(*start)
	}
	if end != nil {
		hi = t.firstAfter(*end)
	}
	if lo >= hi {
		return nil
	}
	return t.bins[lo:hi]
}

// Aggregate buckets the metric values of bins in [start, end] at resolution r.
// Bins that did not record the metric are skipped; empty buckets produce no
// point. r must be a ladder entry.
func (t *Timeline) Aggregate(m model.Metric, start, end *time.Time, r Resolution) []model.MetricPoint {
	bins := t.window(start, end)
	points := []model.MetricPoint{}

	if r == ResolutionBin {
		for _, b := range bins {
			if v, ok := b.Metric(m); ok {
				points = append(points, model.MetricPoint{BucketStart: b.Timestamp, Value: v})
			}
		}
		return points
	}

	agg := m.Aggregation()
	var bucket time.Time
	var sum float64
	var n int
	flush := func() {
		if n == 0 {
			return
		}
		v := sum
		if agg == model.AggregateMean {
			v = sum / float64(n)
		}
		points = append(points, model.MetricPoint{BucketStart: bucket, Value: v})
	}

	// Bins are time ordered, so each bucket is a contiguous run.
	for _, b := range bins {
		v, ok := b.Metric(m)
		if !ok {
			continue
		}
		key := Truncate(b.Timestamp, r)
		if n > 0 && !key.Equal(bucket) {
			flush()
			sum, n = 0, 0
		}
		bucket = key
		sum += v
		n++
	}
	flush()
	return points
}

// Metrics aggregates m at the requested resolution, refining toward
// ResolutionBin while the series has at most one point. It returns the series
// together with the resolution actually used.
func (t *Timeline) Metrics(m model.Metric, start, end *time.Time, r Resolution) ([]model.MetricPoint, Resolution) {
	if r == "" || r == ResolutionAuto {
		r = Ladder[0]
	}
	for {
		points := t.Aggregate(m, start, end, r)
		if len(points) > 1 || r == ResolutionBin {
			return points, r
		}
		r = r.Finer()
	}
}

// XRange returns the display window for a series: its first and last bucket,
// or twelve hours either side of a lone per-bin point.
func XRange(points []model.MetricPoint, r Resolution) (time.Time, time.Time) {
	if len(points) == 0 {
		return time.Time{}, time.Time{}
	}
	first, last := points[0].BucketStart, points[len(points)-1].BucketStart
	if r == ResolutionBin && len(points) == 1 {
		return first.Add(-12 * time.Hour), first.Add(12 * time.Hour)
	}
	return first, last
}

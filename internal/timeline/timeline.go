// Package timeline indexes a dataset's bins by time for navigation, nearest
// lookups and metric aggregation.
package timeline

import (
	"fmt"
	"sort"
	"time"

	"github.com/golang/geo/s1"
	"github.com/golang/geo/s2"

	"github.com/ifcbdash/server/internal/model"
)

// EarthRadiusMeters is the mean Earth radius used for great-circle distances.
const EarthRadiusMeters = 6371000.0

// Timeline is an immutable, timestamp-ordered view over a set of bins. It is
// safe for concurrent use.
type Timeline struct {
	bins []model.Bin
}

// New builds a timeline from bins in any order.
func New(bins []model.Bin) *Timeline {
	sorted := make([]model.Bin, len(bins))
	copy(sorted, bins)
	model.SortBins(sorted)
	return &Timeline{bins: sorted}
}

// Len returns the number of bins.
func (t *Timeline) Len() int { return len(t.bins) }

// Bins returns the ordered bins. The slice must not be modified.
func (t *Timeline) Bins() []model.Bin { return t.bins }

// firstAtOrAfter returns the index of the first bin with timestamp >= ts.
func (t *Timeline) firstAtOrAfter(ts time.Time) int {
	return sort.Search(len(t.bins), func(i int) bool {
		return !t.bins[i].Timestamp.Before(ts)
	})
}

// firstAfter returns the index of the first bin with timestamp > ts.
func (t *Timeline) firstAfter(ts time.Time) int {
	return sort.Search(len(t.bins), func(i int) bool {
		return t.bins[i].Timestamp.After(ts)
	})
}

// PreviousBin returns the bin with the greatest timestamp strictly before b's.
func (t *Timeline) PreviousBin(b model.Bin) (model.Bin, bool) {
	i := t.firstAtOrAfter(b.Timestamp)
	if i == 0 {
		return model.Bin{}, false
	}
	return t.bins[i-1], true
}

// NextBin returns the bin with the least timestamp strictly after b's.
func (t *Timeline) NextBin(b model.Bin) (model.Bin, bool) {
	i := t.firstAfter(b.Timestamp)
	if i == len(t.bins) {
		return model.Bin{}, false
	}
	return t.bins[i], true
}

// MostRecentBin returns the last bin, or with a target the last bin at or
// before it.
func (t *Timeline) MostRecentBin(target *time.Time) (model.Bin, bool) {
	if len(t.bins) == 0 {
		return model.Bin{}, false
	}
	if target == nil {
		return t.bins[len(t.bins)-1], true
	}
	i := t.firstAfter(*target)
	if i == 0 {
		return model.Bin{}, false
	}
	return t.bins[i-1], true
}

// BinClosestInTime returns the bin nearest to target. Ties go to the earlier
// timestamp.
func (t *Timeline) BinClosestInTime(target time.Time) (model.Bin, error) {
	if len(t.bins) == 0 {
		return model.Bin{}, fmt.Errorf("closest bin to %s: %w", target.Format(time.RFC3339), model.ErrNotFound)
	}

	i := t.firstAtOrAfter(target)
	switch {
	case i == 0:
		return t.bins[0], nil
	case i == len(t.bins):
		return t.bins[t.firstAtOrAfter(t.bins[i-1].Timestamp)], nil
	}

	before, after := t.bins[i-1], t.bins[i]
	if target.Sub(before.Timestamp) <= after.Timestamp.Sub(target) {
		// First of any bins sharing the earlier timestamp.
		return t.bins[t.firstAtOrAfter(before.Timestamp)], nil
	}
	return after, nil
}

// NearestBin returns the bin closest to the given position by great-circle
// distance. Bins without a position are ignored; ties go to the earlier bin.
// The position must be finite and within latitude [-90, 90] and longitude
// [-180, 180].
func (t *Timeline) NearestBin(longitude, latitude float64) (model.Bin, error) {
	if !(latitude >= -90 && latitude <= 90 && longitude >= -180 && longitude <= 180) {
		return model.Bin{}, fmt.Errorf("%w: invalid position (%v, %v)", model.ErrInvalidRequest, latitude, longitude)
	}
	target := s2.LatLngFromDegrees(latitude, longitude)

	best := -1
	var bestDist s1.Angle
	for i, b := range t.bins {
		if !b.HasPosition() {
			continue
		}
		d := target.Distance(s2.LatLngFromDegrees(*b.Latitude, *b.Longitude))
		if best < 0 || d < bestDist {
			best, bestDist = i, d
		}
	}
	if best < 0 {
		return model.Bin{}, fmt.Errorf("no bin with a position: %w", model.ErrNotFound)
	}
	return t.bins[best], nil
}

// DistanceMeters returns the great-circle distance between two points.
func DistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	p1 := s2.LatLngFromDegrees(lat1, lon1)
	p2 := s2.LatLngFromDegrees(lat2, lon2)
	return p1.Distance(p2).Radians() * EarthRadiusMeters
}

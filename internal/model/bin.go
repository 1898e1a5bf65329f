// Package model defines the read-only value types shared by the mosaic,
// timeline and repository packages.
package model

import (
	"math"
	"sort"
	"time"
)

// ImageDescriptor describes one particle image of a bin in acquisition order.
type ImageDescriptor struct {
	Index  int `json:"index"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Bin is a snapshot of one sampling run's metadata.
// Latitude, Longitude and Depth are nil when the instrument did not record them.
type Bin struct {
	ID         string             `json:"id"`
	Timestamp  time.Time          `json:"timestamp"`
	Instrument string             `json:"instrument,omitempty"`
	Latitude   *float64           `json:"latitude"`
	Longitude  *float64           `json:"longitude"`
	Depth      *float64           `json:"depth"`
	Tags       []string           `json:"tags"`
	Metrics    map[Metric]float64 `json:"-"`
}

// HasPosition reports whether the bin carries a usable geographic position.
func (b Bin) HasPosition() bool {
	if b.Latitude == nil || b.Longitude == nil {
		return false
	}
	lat, lon := *b.Latitude, *b.Longitude
	if math.IsNaN(lat) || math.IsNaN(lon) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// HasTag reports whether tag is one of the bin's tags.
func (b Bin) HasTag(tag string) bool {
	for _, t := range b.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Metric returns the bin's value for m and whether it was recorded.
func (b Bin) Metric(m Metric) (float64, bool) {
	v, ok := b.Metrics[m]
	if !ok || math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

// Dataset is a named collection of bins exposed as a navigable unit.
type Dataset struct {
	Name  string `json:"name"`
	Title string `json:"title"`
}

// BinFilter narrows the bins of a dataset. Zero fields match everything.
type BinFilter struct {
	Dataset    string
	Instrument string
	Tags       []string
	Start      *time.Time
	End        *time.Time
}

// Match reports whether b satisfies every non-zero field except Dataset,
// which is resolved by the repository.
func (f BinFilter) Match(b Bin) bool {
	if f.Instrument != "" && b.Instrument != f.Instrument {
		return false
	}
	if f.Start != nil && b.Timestamp.Before(*f.Start) {
		return false
	}
	if f.End != nil && b.Timestamp.After(*f.End) {
		return false
	}
	for _, tag := range f.Tags {
		if !b.HasTag(tag) {
			return false
		}
	}
	return true
}

// SortBins orders bins by timestamp ascending, breaking ties by ID so the
// order is stable across calls.
func SortBins(bins []Bin) {
	sort.SliceStable(bins, func(i, j int) bool {
		if bins[i].Timestamp.Equal(bins[j].Timestamp) {
			return bins[i].ID < bins[j].ID
		}
		return bins[i].Timestamp.Before(bins[j].Timestamp)
	})
}

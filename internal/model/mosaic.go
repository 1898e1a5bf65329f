package model

import "time"

// Shape is a mosaic page size in pixels.
type Shape struct {
	Height int `json:"height"`
	Width  int `json:"width"`
}

// PlacementRecord is the position of one scaled image on a mosaic page.
type PlacementRecord struct {
	TargetIndex int `json:"target_index"`
	Page        int `json:"page"`
	X           int `json:"x"`
	Y           int `json:"y"`
	Width       int `json:"width"`
	Height      int `json:"height"`
}

// MetricPoint is one aggregated value of a time series.
type MetricPoint struct {
	BucketStart time.Time `json:"bucket_start"`
	Value       float64   `json:"value"`
}

package model

import (
	"fmt"
	"strings"
)

// Metric is a per-bin scalar that can be plotted over time.
type Metric int

const (
	MetricTriggerRate Metric = iota
	MetricLookTime
	MetricMLAnalyzed
	MetricConcentration
	MetricImageCount
	MetricTemperature
	MetricHumidity
)

// Aggregation combines the values of one time bucket.
type Aggregation int

const (
	AggregateMean Aggregation = iota
	AggregateSum
)

type metricInfo struct {
	name  string
	label string
	agg   Aggregation
}

var metricTable = [...]metricInfo{
	MetricTriggerRate:   {"trigger_rate", "Trigger Rate (s⁻¹)", AggregateMean},
	MetricLookTime:      {"look_time", "Look Time (s)", AggregateMean},
	MetricMLAnalyzed:    {"ml_analyzed", "Volume Analyzed (ml)", AggregateSum},
	MetricConcentration: {"concentration", "Concentration (ROIs/ml)", AggregateMean},
	MetricImageCount:    {"n_images", "Images", AggregateSum},
	MetricTemperature:   {"temperature", "Temperature (°C)", AggregateMean},
	MetricHumidity:      {"humidity", "Humidity (%)", AggregateMean},
}

// Metrics lists every supported metric.
func Metrics() []Metric {
	out := make([]Metric, len(metricTable))
	for i := range metricTable {
		out[i] = Metric(i)
	}
	return out
}

// ParseMetric resolves a metric by name. Dashes are accepted in place of
// underscores so URL slugs map directly.
func ParseMetric(name string) (Metric, error) {
	name = strings.ReplaceAll(strings.TrimSpace(name), "-", "_")
	for i, info := range metricTable {
		if info.name == name {
			return Metric(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown metric %q", ErrInvalidRequest, name)
}

func (m Metric) valid() bool { return m >= 0 && int(m) < len(metricTable) }

// String returns the metric's canonical name.
func (m Metric) String() string {
	if !m.valid() {
		return fmt.Sprintf("metric(%d)", int(m))
	}
	return metricTable[m].name
}

// Label returns the axis label for plots of m.
func (m Metric) Label() string {
	if !m.valid() {
		return m.String()
	}
	return metricTable[m].label
}

// Aggregation returns the function used to combine m within a time bucket.
func (m Metric) Aggregation() Aggregation {
	if !m.valid() {
		return AggregateMean
	}
	return metricTable[m].agg
}

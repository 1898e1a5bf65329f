// Package metrics records cache, packing and work-queue activity.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector receives operational events. Implementations must be safe for
// concurrent use.
type Collector interface {
	// CacheLookup is called for every mosaic cache read.
	CacheLookup(hit bool)
	// PackComputed is called after a layout was computed for n images.
	PackComputed(n int, d time.Duration)
	// JobSubmitted is called when a job was accepted by the work queue.
	JobSubmitted(kind string)
	// JobDropped is called when a submission was rejected (rate limit, full queue).
	JobDropped(kind, reason string)
	// JobFinished is called after a worker ran a job.
	JobFinished(kind string, d time.Duration, err error)
	// QueueDepth reports the number of jobs waiting for a worker.
	QueueDepth(n int)
}

// Noop discards every event.
type Noop struct{}

func (Noop) CacheLookup(bool)                         {}
func (Noop) PackComputed(int, time.Duration)          {}
func (Noop) JobSubmitted(string)                      {}
func (Noop) JobDropped(string, string)                {}
func (Noop) JobFinished(string, time.Duration, error) {}
func (Noop) QueueDepth(int)                           {}

// Prometheus exports events as Prometheus metrics.
type Prometheus struct {
	cacheLookups *prometheus.CounterVec
	packLatency  prometheus.Histogram
	packImages   prometheus.Counter
	jobs         *prometheus.CounterVec
	jobLatency   *prometheus.HistogramVec
	queueDepth   prometheus.Gauge
}

// NewPrometheus creates collectors and registers them with reg.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	p := &Prometheus{
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ifcbdash_mosaic_cache_lookups_total",
			Help: "Mosaic cache lookups by result",
		}, []string{"result"}),
		packLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ifcbdash_mosaic_pack_seconds",
			Help:    "Time spent computing mosaic layouts",
			Buckets: prometheus.DefBuckets,
		}),
		packImages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ifcbdash_mosaic_packed_images_total",
			Help: "Images placed by computed mosaic layouts",
		}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ifcbdash_queue_jobs_total",
			Help: "Work queue jobs by kind and outcome",
		}, []string{"kind", "outcome"}),
		jobLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ifcbdash_queue_job_seconds",
			Help:    "Work queue job run time",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ifcbdash_queue_depth",
			Help: "Jobs waiting for a worker",
		}),
	}

	for _, c := range []prometheus.Collector{p.cacheLookups, p.packLatency, p.packImages, p.jobs, p.jobLatency, p.queueDepth} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prometheus) CacheLookup(hit bool) {
	if hit {
		p.cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	p.cacheLookups.WithLabelValues("miss").Inc()
}

func (p *Prometheus) PackComputed(n int, d time.Duration) {
	p.packLatency.Observe(d.Seconds())
	p.packImages.Add(float64(n))
}

func (p *Prometheus) JobSubmitted(kind string) {
	p.jobs.WithLabelValues(kind, "submitted").Inc()
}

func (p *Prometheus) JobDropped(kind, reason string) {
	p.jobs.WithLabelValues(kind, "dropped_"+reason).Inc()
}

func (p *Prometheus) JobFinished(kind string, d time.Duration, err error) {
	outcome := "completed"
	if err != nil {
		outcome = "failed"
	}
	p.jobs.WithLabelValues(kind, outcome).Inc()
	p.jobLatency.WithLabelValues(kind).Observe(d.Seconds())
}

func (p *Prometheus) QueueDepth(n int) {
	p.queueDepth.Set(float64(n))
}

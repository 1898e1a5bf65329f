package mosaic

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/ifcbdash/server/internal/cache"
	"github.com/ifcbdash/server/internal/metrics"
	"github.com/ifcbdash/server/internal/model"
	"github.com/ifcbdash/server/internal/queue"
)

// JobKind identifies cache-warming jobs on the work queue.
const JobKind = "mosaic_coordinates"

// ImageSource supplies a bin's image descriptors.
type ImageSource interface {
	GetImages(ctx context.Context, binID string) ([]model.ImageDescriptor, error)
}

// Submitter enqueues background work without waiting for it.
type Submitter interface {
	Submit(kind string, params any) (*queue.Job, error)
}

// CacheConfig contains mosaic cache configuration.
type CacheConfig struct {
	Store    cache.Store
	Images   ImageSource
	Queue    Submitter // may be nil; preloads then become no-ops
	Compress bool
	Metrics  metrics.Collector
}

// Cache serves mosaic layouts keyed by (bin, shape, scale), computing them on
// a miss either inline or on the work queue.
//
// Identical concurrent misses may each compute and store the layout. Pack is
// deterministic, so every writer stores the same value.
type Cache struct {
	store    cache.Store
	images   ImageSource
	queue    Submitter
	compress bool
	metrics  metrics.Collector
}

// NewCache creates a mosaic cache.
func NewCache(cfg CacheConfig) *Cache {
	collector := cfg.Metrics
	if collector == nil {
		collector = metrics.Noop{}
	}
	return &Cache{
		store:    cfg.Store,
		images:   cfg.Images,
		queue:    cfg.Queue,
		compress: cfg.Compress,
		metrics:  collector,
	}
}

// GetOrCompute returns the layout for req. On a miss with blocking set, the
// layout is computed, stored and returned. On a miss without blocking, a
// warming job is submitted and GetOrCompute returns nil, nil immediately.
func (c *Cache) GetOrCompute(ctx context.Context, req Request, blocking bool) ([]model.PlacementRecord, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if records, ok := c.lookup(req); ok {
		return records, nil
	}

	if !blocking {
		c.preload(req)
		return nil, nil
	}
	return c.Warm(ctx, req)
}

// Warm computes the layout for req and stores it, replacing any cached value.
func (c *Cache) Warm(ctx context.Context, req Request) ([]model.PlacementRecord, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	images, err := c.images.GetImages(ctx, req.BinID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	records := Pack(images, req.Shape, req.Scale)
	c.metrics.PackComputed(len(records), time.Since(start))

	data, err := Encode(records, c.compress)
	if err != nil {
		return nil, err
	}
	if err := c.store.Set(req.Key(), data); err != nil {
		// A layout that cannot be cached is still a valid answer.
		log.Printf("[MosaicCache] failed to store %s: %v", req.Key(), err)
	}
	return records, nil
}

// Evict removes the cached layout for req.
func (c *Cache) Evict(req Request) {
	c.store.Delete(req.Key())
}

// HandleJob is the work-queue handler for JobKind jobs.
func (c *Cache) HandleJob(ctx context.Context, job *queue.Job) error {
	var req Request
	if err := json.Unmarshal(job.Params, &req); err != nil {
		return fmt.Errorf("invalid mosaic job params: %w", err)
	}
	if err := req.Validate(); err != nil {
		return err
	}
	if _, ok := c.lookup(req); ok {
		return nil
	}
	_, err := c.Warm(ctx, req)
	return err
}

func (c *Cache) lookup(req Request) ([]model.PlacementRecord, bool) {
	data, ok := c.store.Get(req.Key())
	if !ok {
		c.metrics.CacheLookup(false)
		return nil, false
	}
	records, err := Decode(data)
	if err != nil {
		log.Printf("[MosaicCache] dropping unreadable entry %s: %v", req.Key(), err)
		c.store.Delete(req.Key())
		c.metrics.CacheLookup(false)
		return nil, false
	}
	c.metrics.CacheLookup(true)
	return records, true
}

func (c *Cache) preload(req Request) {
	if c.queue == nil {
		return
	}
	if _, err := c.queue.Submit(JobKind, req); err != nil {
		log.Printf("[MosaicCache] preload of %s not queued: %v", req.Key(), err)
	}
}

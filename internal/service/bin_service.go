// Package service provides the bin viewer operations used by the HTTP layer.
package service

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"

	"github.com/ifcbdash/server/internal/model"
	"github.com/ifcbdash/server/internal/mosaic"
	"github.com/ifcbdash/server/internal/repository"
	"github.com/ifcbdash/server/internal/timeline"
)

// LookupKind selects a timeline navigation query.
type LookupKind string

const (
	LookupPrevious   LookupKind = "previous"
	LookupNext       LookupKind = "next"
	LookupMostRecent LookupKind = "most_recent"
	LookupClosest    LookupKind = "closest"
)

// ParseLookupKind resolves a lookup kind by name.
func ParseLookupKind(s string) (LookupKind, error) {
	k := LookupKind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case LookupPrevious, LookupNext, LookupMostRecent, LookupClosest:
		return k, nil
	}
	return "", fmt.Errorf("%w: unknown timeline lookup %q", model.ErrInvalidRequest, s)
}

// BinServiceConfig contains bin service configuration.
type BinServiceConfig struct {
	Repo    repository.BinRepository
	Mosaics *mosaic.Cache

	// With a positive TimelineTTL, timelines are cached per filter for that
	// long, at most TimelineEntries of them (default 64). Zero rebuilds the
	// timeline on every request.
	TimelineEntries int
	TimelineTTL     time.Duration
}

// BinService wires the repository, mosaic cache and timelines together.
type BinService struct {
	repo      repository.BinRepository
	mosaics   *mosaic.Cache
	timelines *expirable.LRU[string, *timeline.Timeline] // nil when caching is off
}

// NewBinService creates a bin service.
func NewBinService(cfg BinServiceConfig) *BinService {
	s := &BinService{
		repo:    cfg.Repo,
		mosaics: cfg.Mosaics,
	}
	if cfg.TimelineTTL > 0 {
		entries := cfg.TimelineEntries
		if entries <= 0 {
			entries = 64
		}
		s.timelines = expirable.NewLRU[string, *timeline.Timeline](entries, nil, cfg.TimelineTTL)
	}
	return s
}

// PackMosaic returns the mosaic layout of a bin. Without blocking, a cache
// miss queues the computation and returns nil records.
func (s *BinService) PackMosaic(ctx context.Context, binID string, shape model.Shape, scale float64, blocking bool) ([]model.PlacementRecord, error) {
	return s.mosaics.GetOrCompute(ctx, mosaic.Request{BinID: binID, Shape: shape, Scale: scale}, blocking)
}

// Timeline returns the timeline of the bins matching filter.
func (s *BinService) Timeline(ctx context.Context, filter model.BinFilter) (*timeline.Timeline, error) {
	key := filterKey(filter)
	if s.timelines != nil {
		if tl, ok := s.timelines.Get(key); ok {
			return tl, nil
		}
	}

	bins, err := s.repo.FilteredBins(ctx, filter)
	if err != nil {
		return nil, err
	}
	tl := timeline.New(bins)
	if s.timelines != nil {
		s.timelines.Add(key, tl)
	}
	return tl, nil
}

// InvalidateTimelines drops every cached timeline, e.g. after bins are added.
func (s *BinService) InvalidateTimelines() {
	if s.timelines != nil {
		s.timelines.Purge()
	}
}

func filterKey(f model.BinFilter) string {
	tags := append([]string(nil), f.Tags...)
	sort.Strings(tags)
	bound := func(t *time.Time) string {
		if t == nil {
			return ""
		}
		return t.UTC().Format(time.RFC3339Nano)
	}
	return strings.Join([]string{
		f.Dataset,
		f.Instrument,
		strings.Join(tags, ","),
		bound(f.Start),
		bound(f.End),
	}, "|")
}

// LookupArgs are the arguments of a timeline lookup. BinID is required for
// previous and next; Target is optional for most_recent and closest.
type LookupArgs struct {
	BinID  string
	Target *time.Time
}

// TimelineLookup answers a navigation query over a dataset. It returns nil
// when the query has no answer, e.g. the previous bin of the first bin.
func (s *BinService) TimelineLookup(ctx context.Context, dataset string, kind LookupKind, args LookupArgs) (*model.Bin, error) {
	tl, err := s.Timeline(ctx, model.BinFilter{Dataset: dataset})
	if err != nil {
		return nil, err
	}

	var (
		bin model.Bin
		ok  bool
	)
	switch kind {
	case LookupPrevious, LookupNext:
		if args.BinID == "" {
			return nil, fmt.Errorf("%w: %s lookup needs a bin", model.ErrInvalidRequest, kind)
		}
		ref, err := s.repo.GetBin(ctx, args.BinID)
		if err != nil {
			return nil, err
		}
		if kind == LookupPrevious {
			bin, ok = tl.PreviousBin(ref)
		} else {
			bin, ok = tl.NextBin(ref)
		}
	case LookupMostRecent:
		bin, ok = tl.MostRecentBin(args.Target)
	case LookupClosest:
		if args.Target == nil {
			bin, ok = tl.MostRecentBin(nil)
			break
		}
		bin, err = tl.BinClosestInTime(*args.Target)
		if err != nil {
			return nil, err
		}
		ok = true
	default:
		return nil, fmt.Errorf("%w: unknown timeline lookup %q", model.ErrInvalidRequest, kind)
	}

	if !ok {
		return nil, nil
	}
	return &bin, nil
}

// NearestBin returns the bin matching filter that is closest to the given
// position.
func (s *BinService) NearestBin(ctx context.Context, filter model.BinFilter, longitude, latitude float64) (model.Bin, error) {
	tl, err := s.Timeline(ctx, filter)
	if err != nil {
		return model.Bin{}, err
	}
	return tl.NearestBin(longitude, latitude)
}

// DetailsRequest selects a bin and the mosaic view it is shown in.
type DetailsRequest struct {
	Dataset            string
	BinID              string
	Shape              model.Shape
	Scale              float64
	PreloadAdjacent    bool
	IncludeCoordinates bool
}

// BinDetails is the view model of one bin in a dataset.
type BinDetails struct {
	BinID         string          `json:"bin_id"`
	Dataset       string          `json:"dataset"`
	Timestamp     time.Time       `json:"timestamp_iso"`
	Instrument    string          `json:"instrument,omitempty"`
	Scale         float64         `json:"scale"`
	Shape         model.Shape     `json:"shape"`
	PreviousBinID string          `json:"previous_bin_id"`
	NextBinID     string          `json:"next_bin_id"`
	Latitude      *float64        `json:"lat"`
	Longitude     *float64        `json:"lng"`
	Depth         *float64        `json:"depth"`
	Tags          []string        `json:"tags"`
	NumPages      int             `json:"num_pages"`
	Pages         []int           `json:"pages"`
	Coordinates   *mosaic.Columns `json:"coordinates,omitempty"`
}

// BinDetails returns a bin with its mosaic layout. With PreloadAdjacent the
// previous and next bins are resolved and their layouts are queued for
// warming; their IDs are empty otherwise.
func (s *BinService) BinDetails(ctx context.Context, req DetailsRequest) (*BinDetails, error) {
	bin, err := s.repo.GetBin(ctx, req.BinID)
	if err != nil {
		return nil, err
	}
	if _, err := s.repo.GetDataset(ctx, req.Dataset); err != nil {
		return nil, err
	}

	records, err := s.PackMosaic(ctx, bin.ID, req.Shape, req.Scale, true)
	if err != nil {
		return nil, err
	}

	details := &BinDetails{
		BinID:      bin.ID,
		Dataset:    req.Dataset,
		Timestamp:  bin.Timestamp.UTC(),
		Instrument: bin.Instrument,
		Scale:      req.Scale,
		Shape:      req.Shape,
		Latitude:   bin.Latitude,
		Longitude:  bin.Longitude,
		Depth:      bin.Depth,
		Tags:       bin.Tags,
		NumPages:   mosaic.PageCount(records),
	}
	if details.Tags == nil {
		details.Tags = []string{}
	}
	details.Pages = make([]int, details.NumPages)
	for i := range details.Pages {
		details.Pages[i] = i
	}
	if req.IncludeCoordinates {
		cols := mosaic.ToColumns(records)
		details.Coordinates = &cols
	}

	if req.PreloadAdjacent {
		if err := s.preloadAdjacent(ctx, bin, req, details); err != nil {
			return nil, err
		}
	}
	return details, nil
}

func (s *BinService) preloadAdjacent(ctx context.Context, bin model.Bin, req DetailsRequest, details *BinDetails) error {
	tl, err := s.Timeline(ctx, model.BinFilter{Dataset: req.Dataset})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	warm := func(adjacent model.Bin, ok bool, id *string) {
		if !ok {
			return
		}
		*id = adjacent.ID
		g.Go(func() error {
			_, err := s.PackMosaic(gctx, adjacent.ID, req.Shape, req.Scale, false)
			if err != nil {
				log.Printf("[BinService] preload of %s skipped: %v", adjacent.ID, err)
			}
			return nil
		})
	}
	prev, ok := tl.PreviousBin(bin)
	warm(prev, ok, &details.PreviousBinID)
	next, ok := tl.NextBin(bin)
	warm(next, ok, &details.NextBinID)
	return g.Wait()
}

// Series is a metric time series in columnar form.
type Series struct {
	Metric     string              `json:"metric"`
	X          []time.Time         `json:"x"`
	Y          []float64           `json:"y"`
	XRange     []time.Time         `json:"x_range"`
	YAxis      string              `json:"y_axis"`
	Resolution timeline.Resolution `json:"resolution"`
}

// AggregateMetric buckets a metric over a dataset's bins in [start, end],
// refining the resolution until the series has more than one point.
func (s *BinService) AggregateMetric(ctx context.Context, dataset string, metric model.Metric, start, end *time.Time, resolution timeline.Resolution) (*Series, error) {
	if start != nil && end != nil && end.Before(*start) {
		return nil, fmt.Errorf("%w: end precedes start", model.ErrInvalidRequest)
	}
	tl, err := s.Timeline(ctx, model.BinFilter{Dataset: dataset})
	if err != nil {
		return nil, err
	}

	points, used := tl.Metrics(metric, start, end, resolution)
	series := &Series{
		Metric:     metric.String(),
		X:          make([]time.Time, len(points)),
		Y:          make([]float64, len(points)),
		XRange:     []time.Time{},
		YAxis:      metric.Label(),
		Resolution: used,
	}
	for i, p := range points {
		series.X[i] = p.BucketStart
		series.Y[i] = p.Value
	}
	if len(points) > 0 {
		lo, hi := timeline.XRange(points, used)
		series.XRange = []time.Time{lo, hi}
	}
	return series, nil
}

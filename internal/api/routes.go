// Package api provides HTTP handlers for the bin viewer server.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ifcbdash/server/internal/model"
	"github.com/ifcbdash/server/internal/mosaic"
	"github.com/ifcbdash/server/internal/queue"
	"github.com/ifcbdash/server/internal/service"
	"github.com/ifcbdash/server/internal/timeline"
)

// JobLookup reads background job state.
type JobLookup interface {
	Get(id string) *queue.Job
}

// RouterConfig contains router configuration.
type RouterConfig struct {
	Service     *service.BinService
	Jobs        JobLookup
	CORSOrigins []string
	Title       string

	DefaultShape model.Shape
	DefaultScale float64
	ViewSizes    []string
	ScaleFactors []int

	// Gatherer serves /metrics when set.
	Gatherer prometheus.Gatherer
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/mosaic/options", mosaicOptionsHandler(cfg))
		r.Get("/bins/{bin}/mosaic/coordinates", mosaicCoordinatesHandler(cfg))
		r.Post("/nearest_bin", nearestBinHandler(cfg.Service))
		r.Get("/jobs/{job_id}", jobStatusHandler(cfg.Jobs))

		r.Route("/datasets/{dataset}", func(r chi.Router) {
			r.Get("/bins/{bin}", binDetailsHandler(cfg))
			r.Get("/timeline/{kind}", timelineHandler(cfg.Service))
			r.Get("/series/{metric}", seriesHandler(cfg.Service))
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps sentinel errors to status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrInvalidRequest):
		status = http.StatusBadRequest
	}
	http.Error(w, err.Error(), status)
}

// errorf reports a malformed request parameter.
func errorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{model.ErrInvalidRequest}, args...)...)
}

// parseView reads view_size and scale_factor, falling back to the defaults.
func parseView(cfg RouterConfig, get func(string) string) (model.Shape, float64, error) {
	shape, scale := cfg.DefaultShape, cfg.DefaultScale
	if v := get("view_size"); v != "" {
		s, err := mosaic.ParseViewSize(v)
		if err != nil {
			return model.Shape{}, 0, err
		}
		shape = s
	}
	if v := get("scale_factor"); v != "" {
		percent, err := strconv.Atoi(v)
		if err != nil {
			return model.Shape{}, 0, errorf("scale factor %q is not an integer", v)
		}
		s, err := mosaic.ParseScaleFactor(percent)
		if err != nil {
			return model.Shape{}, 0, err
		}
		scale = s
	}
	return shape, scale, nil
}

func parseBool(v string, def bool) (bool, error) {
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, errorf("invalid boolean %q", v)
	}
	return b, nil
}

// parseTime accepts RFC 3339 timestamps and plain dates.
func parseTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, errorf("invalid time %q", v)
}

func parseTags(v string) []string {
	var tags []string
	for _, tag := range strings.Split(v, ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}

func mosaicOptionsHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"title":                cfg.Title,
			"view_sizes":           cfg.ViewSizes,
			"scale_factors":        cfg.ScaleFactors,
			"default_view_size":    mosaic.FormatViewSize(cfg.DefaultShape),
			"default_scale_factor": int(cfg.DefaultScale*100 + 0.5),
		})
	}
}

func mosaicCoordinatesHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		binID := chi.URLParam(r, "bin")
		query := r.URL.Query()

		shape, scale, err := parseView(cfg, query.Get)
		if err != nil {
			writeError(w, err)
			return
		}
		blocking, err := parseBool(query.Get("blocking"), true)
		if err != nil {
			writeError(w, err)
			return
		}

		records, err := cfg.Service.PackMosaic(r.Context(), binID, shape, scale, blocking)
		if err != nil {
			writeError(w, err)
			return
		}
		if records == nil {
			// Not cached yet. A warming job may or may not have been
			// accepted, so clients poll until the layout appears.
			writeJSON(w, http.StatusAccepted, map[string]interface{}{
				"bin_id": binID,
				"status": "pending",
			})
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"bin_id":      binID,
			"shape":       shape,
			"scale":       scale,
			"num_pages":   mosaic.PageCount(records),
			"coordinates": mosaic.ToColumns(records),
		})
	}
}

func binDetailsHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()

		shape, scale, err := parseView(cfg, query.Get)
		if err != nil {
			writeError(w, err)
			return
		}
		preload, err := parseBool(query.Get("preload_adjacent_bins"), false)
		if err != nil {
			writeError(w, err)
			return
		}
		coords, err := parseBool(query.Get("include_coordinates"), true)
		if err != nil {
			writeError(w, err)
			return
		}

		details, err := cfg.Service.BinDetails(r.Context(), service.DetailsRequest{
			Dataset:            chi.URLParam(r, "dataset"),
			BinID:              chi.URLParam(r, "bin"),
			Shape:              shape,
			Scale:              scale,
			PreloadAdjacent:    preload,
			IncludeCoordinates: coords,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, details)
	}
}

func timelineHandler(svc *service.BinService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, err := service.ParseLookupKind(chi.URLParam(r, "kind"))
		if err != nil {
			writeError(w, err)
			return
		}
		target, err := parseTime(r.URL.Query().Get("target"))
		if err != nil {
			writeError(w, err)
			return
		}

		bin, err := svc.TimelineLookup(r.Context(), chi.URLParam(r, "dataset"), kind, service.LookupArgs{
			BinID:  r.URL.Query().Get("bin"),
			Target: target,
		})
		if err != nil {
			writeError(w, err)
			return
		}

		resp := map[string]interface{}{"bin_id": "", "bin": bin}
		if bin != nil {
			resp["bin_id"] = bin.ID
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func nearestBinHandler(svc *service.BinService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			writeError(w, errorf("invalid form: %v", err))
			return
		}

		lat, errLat := strconv.ParseFloat(r.PostForm.Get("latitude"), 64)
		lon, errLon := strconv.ParseFloat(r.PostForm.Get("longitude"), 64)
		if errLat != nil || errLon != nil {
			writeError(w, errorf("latitude and longitude are required"))
			return
		}
		start, err := parseTime(r.PostForm.Get("start"))
		if err != nil {
			writeError(w, err)
			return
		}
		end, err := parseTime(r.PostForm.Get("end"))
		if err != nil {
			writeError(w, err)
			return
		}

		bin, err := svc.NearestBin(r.Context(), model.BinFilter{
			Dataset:    r.PostForm.Get("dataset"),
			Instrument: r.PostForm.Get("instrument"),
			Tags:       parseTags(r.PostForm.Get("tags")),
			Start:      start,
			End:        end,
		}, lon, lat)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"bin_id":    bin.ID,
			"timestamp": bin.Timestamp,
			"latitude":  bin.Latitude,
			"longitude": bin.Longitude,
		})
	}
}

func seriesHandler(svc *service.BinService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()

		metric, err := model.ParseMetric(chi.URLParam(r, "metric"))
		if err != nil {
			writeError(w, err)
			return
		}
		resolution, err := timeline.ParseResolution(query.Get("resolution"))
		if err != nil {
			writeError(w, err)
			return
		}
		start, err := parseTime(query.Get("start"))
		if err != nil {
			writeError(w, err)
			return
		}
		end, err := parseTime(query.Get("end"))
		if err != nil {
			writeError(w, err)
			return
		}

		series, err := svc.AggregateMetric(r.Context(), chi.URLParam(r, "dataset"), metric, start, end, resolution)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, series)
	}
}

func jobStatusHandler(jobs JobLookup) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jobs == nil {
			http.Error(w, "job queue not configured", http.StatusNotImplemented)
			return
		}

		job := jobs.Get(chi.URLParam(r, "job_id"))
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ifcbdash/server/internal/cache"
	"github.com/ifcbdash/server/internal/metrics"
	"github.com/ifcbdash/server/internal/model"
	"github.com/ifcbdash/server/internal/mosaic"
	"github.com/ifcbdash/server/internal/queue"
	"github.com/ifcbdash/server/internal/repository"
	"github.com/ifcbdash/server/internal/service"
)

var t0 = time.Date(2022, 8, 1, 0, 0, 0, 0, time.UTC)

func ptr(v float64) *float64 { return &v }

// setupRouter wires a router over a temp SQLite repository holding three
// bins of dataset "mvco", one day apart.
func setupRouter(t *testing.T) (http.Handler, *queue.Manager) {
	t.Helper()
	ctx := context.Background()

	repo, err := repository.Open(filepath.Join(t.TempDir(), "bins.sqlite"))
	if err != nil {
		t.Fatalf("failed to open repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	if err := repo.PutDataset(ctx, model.Dataset{Name: "mvco", Title: "MVCO"}); err != nil {
		t.Fatalf("PutDataset: %v", err)
	}
	for i, id := range []string{"D1", "D2", "D3"} {
		images := make([]model.ImageDescriptor, 4)
		for j := range images {
			images[j] = model.ImageDescriptor{Index: j + 1, Width: 200, Height: 100}
		}
		bin := model.Bin{
			ID:        id,
			Timestamp: t0.Add(time.Duration(i) * 24 * time.Hour),
			Latitude:  ptr(41 + float64(i)),
			Longitude: ptr(-70),
			Tags:      []string{"surface"},
			Metrics:   map[model.Metric]float64{model.MetricMLAnalyzed: float64(i + 1)},
		}
		if err := repo.PutBin(ctx, bin, images, "mvco"); err != nil {
			t.Fatalf("PutBin: %v", err)
		}
	}

	reg := prometheus.NewRegistry()
	collector, err := metrics.NewPrometheus(reg)
	if err != nil {
		t.Fatalf("NewPrometheus: %v", err)
	}

	jobs, err := queue.NewManager(queue.Config{
		Workers:    1,
		SQLitePath: filepath.Join(t.TempDir(), "jobs.sqlite"),
	}, collector)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	store, err := cache.NewLRUStore(64)
	if err != nil {
		t.Fatalf("NewLRUStore: %v", err)
	}
	mosaics := mosaic.NewCache(mosaic.CacheConfig{
		Store:    store,
		Images:   repo,
		Queue:    jobs,
		Compress: true,
		Metrics:  collector,
	})
	jobs.Handle(mosaic.JobKind, mosaics.HandleJob)
	jobs.Start()
	t.Cleanup(jobs.Stop)

	router := NewRouter(RouterConfig{
		Service:      service.NewBinService(service.BinServiceConfig{Repo: repo, Mosaics: mosaics}),
		Jobs:         jobs,
		CORSOrigins:  []string{"http://localhost:3000"},
		Title:        "Test",
		DefaultShape: model.Shape{Height: 600, Width: 800},
		DefaultScale: 0.33,
		ViewSizes:    []string{"800x600"},
		ScaleFactors: []int{33, 100},
		Gatherer:     reg,
	})
	return router, jobs
}

func do(t *testing.T, h http.Handler, req *http.Request, wantStatus int, out interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != wantStatus {
		t.Fatalf("%s %s: expected status %d, got %d: %s", req.Method, req.URL, wantStatus, rec.Code, rec.Body.String())
	}
	if out != nil {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
	}
}

func get(t *testing.T, h http.Handler, path string, wantStatus int, out interface{}) {
	t.Helper()
	do(t, h, httptest.NewRequest(http.MethodGet, path, nil), wantStatus, out)
}

func TestHealth(t *testing.T) {
	router, _ := setupRouter(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Errorf("unexpected health response: %d %q", rec.Code, rec.Body.String())
	}
}

func TestMosaicOptions(t *testing.T) {
	router, _ := setupRouter(t)
	var resp struct {
		Title              string `json:"title"`
		DefaultViewSize    string `json:"default_view_size"`
		DefaultScaleFactor int    `json:"default_scale_factor"`
	}
	get(t, router, "/api/mosaic/options", http.StatusOK, &resp)
	if resp.Title != "Test" || resp.DefaultViewSize != "800x600" || resp.DefaultScaleFactor != 33 {
		t.Errorf("unexpected options: %+v", resp)
	}
}

func TestMosaicCoordinates(t *testing.T) {
	router, _ := setupRouter(t)

	var resp struct {
		BinID       string         `json:"bin_id"`
		NumPages    int            `json:"num_pages"`
		Coordinates mosaic.Columns `json:"coordinates"`
	}
	get(t, router, "/api/bins/D1/mosaic/coordinates?view_size=400x100&scale_factor=100", http.StatusOK, &resp)

	// 200x100 images, two per 400 wide row, one row per page.
	if resp.NumPages != 2 {
		t.Errorf("expected 2 pages, got %d", resp.NumPages)
	}
	if got := resp.Coordinates.X; len(got) != 4 || got[0] != 0 || got[1] != 200 || got[2] != 0 {
		t.Errorf("unexpected x column: %v", got)
	}
	if got := resp.Coordinates.Page; got[3] != 1 {
		t.Errorf("unexpected page column: %v", got)
	}
}

func TestMosaicCoordinates_Errors(t *testing.T) {
	router, _ := setupRouter(t)

	get(t, router, "/api/bins/missing/mosaic/coordinates", http.StatusNotFound, nil)
	get(t, router, "/api/bins/D1/mosaic/coordinates?view_size=big", http.StatusBadRequest, nil)
	get(t, router, "/api/bins/D1/mosaic/coordinates?scale_factor=0", http.StatusBadRequest, nil)
	get(t, router, "/api/bins/D1/mosaic/coordinates?scale_factor=half", http.StatusBadRequest, nil)
	get(t, router, "/api/bins/D1/mosaic/coordinates?blocking=maybe", http.StatusBadRequest, nil)
}

func TestMosaicCoordinates_NonBlocking(t *testing.T) {
	router, _ := setupRouter(t)
	path := "/api/bins/D2/mosaic/coordinates?blocking=false"

	var pending struct {
		Status string `json:"status"`
	}
	get(t, router, path, http.StatusAccepted, &pending)
	if pending.Status != "pending" {
		t.Errorf("expected pending, got %q", pending.Status)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code == http.StatusOK {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("layout was not warmed in time, last status %d", rec.Code)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestBinDetails(t *testing.T) {
	router, _ := setupRouter(t)

	var resp service.BinDetails
	get(t, router, "/api/datasets/mvco/bins/D2?preload_adjacent_bins=true&view_size=800x600&scale_factor=100", http.StatusOK, &resp)

	if resp.PreviousBinID != "D1" || resp.NextBinID != "D3" {
		t.Errorf("unexpected neighbours: %q %q", resp.PreviousBinID, resp.NextBinID)
	}
	if resp.NumPages != 1 || len(resp.Pages) != 1 {
		t.Errorf("unexpected pages: %d %v", resp.NumPages, resp.Pages)
	}
	if resp.Coordinates == nil || len(resp.Coordinates.TargetIndex) != 4 {
		t.Errorf("expected coordinates for 4 images, got %+v", resp.Coordinates)
	}
	if resp.Scale != 1 {
		t.Errorf("expected scale 1, got %v", resp.Scale)
	}

	get(t, router, "/api/datasets/nope/bins/D2", http.StatusNotFound, nil)
}

func TestTimeline(t *testing.T) {
	router, _ := setupRouter(t)

	tests := []struct {
		path string
		want string
	}{
		{"/api/datasets/mvco/timeline/next?bin=D1", "D2"},
		{"/api/datasets/mvco/timeline/previous?bin=D1", ""},
		{"/api/datasets/mvco/timeline/most_recent", "D3"},
		{"/api/datasets/mvco/timeline/closest?target=2022-08-02T11:00:00Z", "D2"},
		{"/api/datasets/mvco/timeline/closest?target=2022-08-02T12:00:00Z", "D2"},
		{"/api/datasets/mvco/timeline/closest?target=2022-08-01", "D1"},
		{"/api/datasets/mvco/timeline/closest", "D3"},
	}
	for _, tt := range tests {
		var resp struct {
			BinID string     `json:"bin_id"`
			Bin   *model.Bin `json:"bin"`
		}
		get(t, router, tt.path, http.StatusOK, &resp)
		if resp.BinID != tt.want {
			t.Errorf("%s: expected %q, got %q", tt.path, tt.want, resp.BinID)
		}
		if tt.want == "" && resp.Bin != nil {
			t.Errorf("%s: expected null bin", tt.path)
		}
	}

	get(t, router, "/api/datasets/mvco/timeline/sideways", http.StatusBadRequest, nil)
	get(t, router, "/api/datasets/mvco/timeline/next", http.StatusBadRequest, nil)
	get(t, router, "/api/datasets/mvco/timeline/closest?target=yesterday", http.StatusBadRequest, nil)
	get(t, router, "/api/datasets/nope/timeline/most_recent", http.StatusNotFound, nil)
}

func TestNearestBin(t *testing.T) {
	router, _ := setupRouter(t)

	post := func(form url.Values, wantStatus int, out interface{}) {
		t.Helper()
		req := httptest.NewRequest(http.MethodPost, "/api/nearest_bin", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		do(t, router, req, wantStatus, out)
	}

	var resp struct {
		BinID string `json:"bin_id"`
	}
	post(url.Values{"latitude": {"42.9"}, "longitude": {"-70"}, "dataset": {"mvco"}}, http.StatusOK, &resp)
	if resp.BinID != "D3" {
		t.Errorf("expected D3, got %q", resp.BinID)
	}

	post(url.Values{"latitude": {"42.9"}, "longitude": {"-70"}, "end": {"2022-08-01T12:00:00Z"}}, http.StatusOK, &resp)
	if resp.BinID != "D1" {
		t.Errorf("expected D1 within the time window, got %q", resp.BinID)
	}

	post(url.Values{"latitude": {"42.9"}, "longitude": {"-70"}, "tags": {"deep"}}, http.StatusNotFound, nil)
	post(url.Values{"longitude": {"-70"}}, http.StatusBadRequest, nil)
	post(url.Values{"latitude": {"NaN"}, "longitude": {"NaN"}}, http.StatusBadRequest, nil)
	post(url.Values{"latitude": {"42.9"}, "longitude": {"+Inf"}}, http.StatusBadRequest, nil)
	post(url.Values{"latitude": {"95"}, "longitude": {"-70"}}, http.StatusBadRequest, nil)
}

func TestSeries(t *testing.T) {
	router, _ := setupRouter(t)

	var resp service.Series
	get(t, router, "/api/datasets/mvco/series/ml-analyzed", http.StatusOK, &resp)
	if resp.Resolution != "day" {
		t.Errorf("expected refinement to day, got %q", resp.Resolution)
	}
	if len(resp.Y) != 3 || resp.Y[2] != 3 {
		t.Errorf("unexpected series: %v", resp.Y)
	}
	if len(resp.XRange) != 2 || !resp.XRange[1].Equal(t0.Add(48*time.Hour)) {
		t.Errorf("unexpected x range: %v", resp.XRange)
	}

	get(t, router, "/api/datasets/mvco/series/ml_analyzed?resolution=month", http.StatusOK, &resp)
	if resp.Resolution != "day" {
		t.Errorf("expected refinement from month to day, got %q", resp.Resolution)
	}

	get(t, router, "/api/datasets/mvco/series/salinity", http.StatusBadRequest, nil)
	get(t, router, "/api/datasets/mvco/series/ml_analyzed?resolution=decade", http.StatusBadRequest, nil)
	get(t, router, "/api/datasets/mvco/series/ml_analyzed?start=2022-08-03&end=2022-08-01", http.StatusBadRequest, nil)
}

func TestJobStatus(t *testing.T) {
	router, jobs := setupRouter(t)

	job, err := jobs.Submit(mosaic.JobKind, mosaic.Request{BinID: "D1", Shape: model.Shape{Height: 100, Width: 100}, Scale: 1})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		var resp queue.Job
		get(t, router, "/api/jobs/"+job.ID, http.StatusOK, &resp)
		if resp.Status == queue.StatusCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job did not complete, status %q", resp.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	get(t, router, "/api/jobs/unknown", http.StatusNotFound, nil)
}

func TestMetricsEndpoint(t *testing.T) {
	router, _ := setupRouter(t)
	get(t, router, "/api/bins/D1/mosaic/coordinates", http.StatusOK, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ifcbdash_") {
		t.Error("expected ifcbdash metrics in exposition")
	}
}

package mosaic

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ifcbdash/server/internal/cache"
	"github.com/ifcbdash/server/internal/model"
	"github.com/ifcbdash/server/internal/queue"
)

type fakeImages struct {
	images map[string][]model.ImageDescriptor
	calls  atomic.Int32
}

func (f *fakeImages) GetImages(ctx context.Context, binID string) ([]model.ImageDescriptor, error) {
	f.calls.Add(1)
	images, ok := f.images[binID]
	if !ok {
		return nil, model.ErrNotFound
	}
	return images, nil
}

type recordingSubmitter struct {
	mu   sync.Mutex
	reqs []Request
	err  error
}

func (s *recordingSubmitter) Submit(kind string, params any) (*queue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.reqs = append(s.reqs, params.(Request))
	return &queue.Job{Kind: kind}, nil
}

func newTestCache(t *testing.T, sub Submitter) (*Cache, *fakeImages, cache.Store) {
	t.Helper()
	store, err := cache.NewLRUStore(32)
	require.NoError(t, err)
	images := &fakeImages{images: map[string][]model.ImageDescriptor{
		"bin-a": uniformImages(10, 100, 100),
		"bin-b": {},
	}}
	return NewCache(CacheConfig{Store: store, Images: images, Queue: sub, Compress: true}), images, store
}

var testShape = model.Shape{Height: 200, Width: 300}

func TestCache_BlockingComputesOnce(t *testing.T) {
	c, images, store := newTestCache(t, nil)
	ctx := context.Background()
	req := Request{BinID: "bin-a", Shape: testShape, Scale: 0.5}

	first, err := c.GetOrCompute(ctx, req, true)
	require.NoError(t, err)
	assert.Len(t, first, 10)
	assert.Equal(t, 1, store.Len())

	second, err := c.GetOrCompute(ctx, req, true)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), images.calls.Load(), "second call must be served from cache")

	c.Evict(req)
	_, err = c.GetOrCompute(ctx, req, true)
	require.NoError(t, err)
	assert.Equal(t, int32(2), images.calls.Load())
}

func TestCache_EmptyBin(t *testing.T) {
	c, _, _ := newTestCache(t, nil)
	records, err := c.GetOrCompute(context.Background(), Request{BinID: "bin-b", Shape: testShape, Scale: 1}, true)
	require.NoError(t, err)
	assert.NotNil(t, records)
	assert.Empty(t, records)
}

func TestCache_Errors(t *testing.T) {
	c, images, _ := newTestCache(t, nil)
	ctx := context.Background()

	_, err := c.GetOrCompute(ctx, Request{BinID: "bin-a", Shape: testShape, Scale: 0}, true)
	assert.ErrorIs(t, err, model.ErrInvalidRequest)
	assert.Equal(t, int32(0), images.calls.Load(), "validation happens before any lookup")

	_, err = c.GetOrCompute(ctx, Request{BinID: "missing", Shape: testShape, Scale: 0.5}, true)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestCache_PreloadSubmitsWithoutComputing(t *testing.T) {
	sub := &recordingSubmitter{}
	c, images, store := newTestCache(t, sub)
	req := Request{BinID: "bin-a", Shape: testShape, Scale: 0.5}

	records, err := c.GetOrCompute(context.Background(), req, false)
	require.NoError(t, err)
	assert.Nil(t, records)
	assert.Equal(t, int32(0), images.calls.Load())
	assert.Equal(t, 0, store.Len())
	assert.Equal(t, []Request{req}, sub.reqs)

	// A failed submission is not surfaced to the caller.
	sub.err = errors.New("queue down")
	records, err = c.GetOrCompute(context.Background(), Request{BinID: "bin-a", Shape: testShape, Scale: 0.25}, false)
	assert.NoError(t, err)
	assert.Nil(t, records)
}

func TestCache_PreloadHitReturnsCached(t *testing.T) {
	sub := &recordingSubmitter{}
	c, _, _ := newTestCache(t, sub)
	req := Request{BinID: "bin-a", Shape: testShape, Scale: 0.5}

	want, err := c.GetOrCompute(context.Background(), req, true)
	require.NoError(t, err)

	got, err := c.GetOrCompute(context.Background(), req, false)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Empty(t, sub.reqs)
}

func TestCache_CorruptEntryIsRecomputed(t *testing.T) {
	c, images, store := newTestCache(t, nil)
	req := Request{BinID: "bin-a", Shape: testShape, Scale: 0.5}
	require.NoError(t, store.Set(req.Key(), []byte{0x28, 0xb5, 0x2f, 0xfd, 0x00}))

	records, err := c.GetOrCompute(context.Background(), req, true)
	require.NoError(t, err)
	assert.Len(t, records, 10)
	assert.Equal(t, int32(1), images.calls.Load())
}

func TestCache_ConcurrentIdenticalRequests(t *testing.T) {
	c, _, store := newTestCache(t, nil)
	req := Request{BinID: "bin-a", Shape: testShape, Scale: 0.5}
	want := Pack(uniformImages(10, 100, 100), testShape, 0.5)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := c.GetOrCompute(context.Background(), req, true)
			assert.NoError(t, err)
			assert.Equal(t, want, got)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, store.Len())
}

func TestCache_PreloadThroughQueue(t *testing.T) {
	q, err := queue.NewManager(queue.Config{
		Workers:    1,
		SQLitePath: filepath.Join(t.TempDir(), "jobs.sqlite"),
	}, nil)
	require.NoError(t, err)

	c, _, store := newTestCache(t, q)
	q.Handle(JobKind, c.HandleJob)
	q.Start()
	defer q.Stop()

	req := Request{BinID: "bin-a", Shape: testShape, Scale: 0.5}
	records, err := c.GetOrCompute(context.Background(), req, false)
	require.NoError(t, err)
	assert.Nil(t, records)

	require.Eventually(t, func() bool {
		_, ok := store.Get(req.Key())
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	got, err := c.GetOrCompute(context.Background(), req, false)
	require.NoError(t, err)
	assert.Len(t, got, 10)
}

func TestCache_HandleJobRejectsBadParams(t *testing.T) {
	c, _, _ := newTestCache(t, nil)
	err := c.HandleJob(context.Background(), &queue.Job{Params: []byte(`{"bin_id": 5}`)})
	assert.Error(t, err)

	err = c.HandleJob(context.Background(), &queue.Job{Params: []byte(`{"bin_id":"missing","shape":{"height":10,"width":10},"scale":1}`)})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestCache_HandleJobValidatesFirst(t *testing.T) {
	c, images, store := newTestCache(t, nil)
	req := Request{BinID: "bin-a", Shape: testShape, Scale: 0}

	data, err := Encode([]model.PlacementRecord{}, false)
	require.NoError(t, err)
	require.NoError(t, store.Set(req.Key(), data))

	params, err := json.Marshal(req)
	require.NoError(t, err)
	err = c.HandleJob(context.Background(), &queue.Job{Params: params})
	assert.ErrorIs(t, err, model.ErrInvalidRequest)
	assert.Equal(t, int32(0), images.calls.Load())
}

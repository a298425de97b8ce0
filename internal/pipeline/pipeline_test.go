package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-photo-ingest/internal/dedup"
	"github.com/tendant/simple-photo-ingest/internal/img"
	"github.com/tendant/simple-photo-ingest/internal/keys"
	"github.com/tendant/simple-photo-ingest/internal/objectstore"
	"github.com/tendant/simple-photo-ingest/internal/persist"
	"github.com/tendant/simple-photo-ingest/internal/quality"
	"github.com/tendant/simple-photo-ingest/internal/store"
	"github.com/tendant/simple-photo-ingest/pkg/schema"
)

type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	getErr  error
	gets    []string
}

func newMemObjects() *memObjects {
	return &memObjects{objects: map[string][]byte{}}
}

func (m *memObjects) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets = append(m.gets, key)
	if m.getErr != nil {
		return nil, m.getErr
	}
	data, ok := m.objects[key]
	if !ok {
		return nil, objectstore.ErrNotFound
	}
	return data, nil
}

func (m *memObjects) Put(_ context.Context, key string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
	return nil
}

func (m *memObjects) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok
}

type stageLog struct {
	mu     sync.Mutex
	stages map[string]int
}

func (s *stageLog) ObserveStage(stage string, _ time.Duration, _ error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stages == nil {
		s.stages = map[string]int{}
	}
	s.stages[stage]++
}

type harness struct {
	objects  *memObjects
	records  *store.Memory
	pipeline *Pipeline
	stages   *stageLog
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	objects := newMemObjects()
	records := store.NewMemory()
	records.PutSession("t1", "se1", "v1")
	records.PutSession("t2", "se9", "v9")

	q, err := quality.NewEngine(quality.DefaultThresholds())
	require.NoError(t, err)
	stages := &stageLog{}

	p := New(Deps{
		Objects:     objects,
		Thumbnailer: img.NewGenerator(objects, []int{16, 32}),
		Quality:     q,
		Dedup:       dedup.NewEngine(records, nil),
		Persister:   persist.New(records, nil, nil),
		Observer:    stages,
	})
	return &harness{objects: objects, records: records, pipeline: p, stages: stages}
}

func record(key string) schema.StorageEventRecord {
	var r schema.StorageEventRecord
	r.EventName = "ObjectCreated:Put"
	r.S3.Bucket.Name = "vehicle-photos"
	r.S3.Object.Key = key
	return r
}

// sharpImage alternates two mid-range grays pixel by pixel: high Laplacian
// response and no clipped pixels.
func sharpImage(t *testing.T, seed uint8) []byte {
	t.Helper()
	m := image.NewGray(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			v := uint8(60)
			if (x+y)%2 == 0 {
				v = 190
			}
			m.SetGray(x, y, color.Gray{Y: v})
		}
	}
	m.SetGray(0, 0, color.Gray{Y: 100 + seed})
	return encodePNG(t, m)
}

func flatImage(t *testing.T) []byte {
	t.Helper()
	m := image.NewGray(image.Rect(0, 0, 40, 40))
	for i := range m.Pix {
		m.Pix[i] = 128
	}
	return encodePNG(t, m)
}

func encodePNG(t *testing.T, m image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, m))
	return buf.Bytes()
}

func TestProcessStoresProcessedRecord(t *testing.T) {
	h := newHarness(t)
	key := "org/t1/site/s1/session/se1/0deg.jpg"
	h.objects.objects[key] = sharpImage(t, 0)

	res, err := h.pipeline.Process(context.Background(), record(key))
	require.NoError(t, err)
	require.False(t, res.Skipped)
	assert.Equal(t, schema.ImageStatusProcessed, res.Status)
	assert.Equal(t, schema.CheckPass, res.Quality.Sharpness.Status)
	assert.Equal(t, schema.CheckPass, res.Quality.Exposure.Status)
	assert.Empty(t, res.Quality.DuplicateOf)

	rec, ok := h.records.Image(res.ImageID)
	require.True(t, ok)
	assert.Equal(t, "v1", rec.VehicleID)
	assert.Equal(t, schema.ImageStatusProcessed, rec.Status)
	require.NotNil(t, rec.AngleDeg)
	assert.Equal(t, 0, *rec.AngleDeg)
	assert.Equal(t, 64, rec.Width)
	assert.Equal(t, 48, rec.Height)
	assert.Equal(t, res.Digest, rec.ContentHash)

	evs := h.records.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, schema.EventProcessingComplete, evs[0].Type)
	assert.Equal(t, res.ImageID, evs[0].ImageID)

	coords, err := keys.Parse(key)
	require.NoError(t, err)
	for _, size := range []int{16, 32} {
		thumb := keys.ThumbnailKey(coords, size)
		assert.True(t, h.objects.has(thumb), "missing %s", thumb)
		assert.Equal(t, thumb, rec.Thumbnails[strconv.Itoa(size)])
	}

	for _, stage := range []string{StageFetch, StageThumbnail, StageQuality, StageDedup, StagePersist} {
		assert.Equal(t, 1, h.stages.stages[stage], stage)
	}
}

func TestProcessFlatImageIsFailedNotError(t *testing.T) {
	h := newHarness(t)
	key := "org/t1/site/s1/session/se1/front_quarter.jpg"
	h.objects.objects[key] = flatImage(t)

	res, err := h.pipeline.Process(context.Background(), record(key))
	require.NoError(t, err)
	assert.Equal(t, schema.ImageStatusFailed, res.Status)
	assert.Equal(t, 0, res.Quality.Sharpness.Score)

	evs := h.records.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, schema.EventProcessingFailed, evs[0].Type)
	assert.Equal(t, schema.CheckFail, evs[0].Sharpness)
}

func TestProcessMalformedKeyIsTerminal(t *testing.T) {
	h := newHarness(t)

	_, err := h.pipeline.Process(context.Background(), record("uploads/0deg.jpg"))
	require.Error(t, err)
	assert.True(t, IsTerminal(err))
	assert.Equal(t, StageParse, StageOf(err))
	assert.ErrorIs(t, err, keys.ErrMalformedKey)
	assert.Empty(t, h.objects.gets)
	assert.Equal(t, 0, h.records.ImageCount())
	assert.Empty(t, h.records.Events())
}

func TestProcessFetchErrors(t *testing.T) {
	tests := []struct {
		name     string
		getErr   error
		terminal bool
	}{
		{"missing object", nil, true},
		{"oversized object", objectstore.ErrTooLarge, true},
		{"transient", errors.New("connection reset"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.objects.getErr = tt.getErr

			_, err := h.pipeline.Process(context.Background(), record("org/t1/site/s1/session/se1/0deg.jpg"))
			require.Error(t, err)
			assert.Equal(t, StageFetch, StageOf(err))
			assert.Equal(t, tt.terminal, IsTerminal(err))
		})
	}
}

func TestProcessUndecodableIsTerminal(t *testing.T) {
	h := newHarness(t)
	key := "org/t1/site/s1/session/se1/0deg.jpg"
	h.objects.objects[key] = []byte("not an image")

	_, err := h.pipeline.Process(context.Background(), record(key))
	require.Error(t, err)
	assert.Equal(t, StageDecode, StageOf(err))
	assert.True(t, IsTerminal(err))
}

func TestProcessSessionNotFoundIsTerminal(t *testing.T) {
	h := newHarness(t)
	key := "org/t1/site/s1/session/unknown/0deg.jpg"
	h.objects.objects[key] = sharpImage(t, 0)

	_, err := h.pipeline.Process(context.Background(), record(key))
	require.Error(t, err)
	assert.Equal(t, StagePersist, StageOf(err))
	assert.True(t, IsTerminal(err))
	assert.ErrorIs(t, err, store.ErrSessionNotFound)
	assert.Equal(t, 0, h.records.ImageCount())
}

func TestProcessDecodesKey(t *testing.T) {
	h := newHarness(t)
	h.objects.objects["org/t1/site/s1/session/se1/rear view.jpg"] = sharpImage(t, 0)

	res, err := h.pipeline.Process(context.Background(), record("org/t1/site/s1/session/se1/rear+view.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "org/t1/site/s1/session/se1/rear view.jpg", res.Key)
}

func TestProcessSkipsThumbnails(t *testing.T) {
	h := newHarness(t)

	res, err := h.pipeline.Process(context.Background(), record("org/t1/site/s1/session/se1/thumbs/0deg_150.jpg"))
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, h.objects.gets)
}

func TestProcessDedupWithinTenant(t *testing.T) {
	h := newHarness(t)
	data := sharpImage(t, 1)
	first := "org/t1/site/s1/session/se1/0deg.jpg"
	second := "org/t1/site/s1/session/se1/90deg.jpg"
	h.objects.objects[first] = data
	h.objects.objects[second] = data

	r1, err := h.pipeline.Process(context.Background(), record(first))
	require.NoError(t, err)
	assert.Empty(t, r1.Quality.DuplicateOf)

	r2, err := h.pipeline.Process(context.Background(), record(second))
	require.NoError(t, err)
	assert.Equal(t, r1.ImageID, r2.Quality.DuplicateOf)
	assert.Equal(t, 1, h.records.ImageCount())

	// A redelivery of the first key is not a duplicate of itself.
	r3, err := h.pipeline.Process(context.Background(), record(first))
	require.NoError(t, err)
	assert.Empty(t, r3.Quality.DuplicateOf)
}

func TestProcessDedupAcrossTenants(t *testing.T) {
	h := newHarness(t)
	data := sharpImage(t, 2)
	a := "org/t1/site/s1/session/se1/0deg.jpg"
	b := "org/t2/site/s1/session/se9/0deg.jpg"
	h.objects.objects[a] = data
	h.objects.objects[b] = data

	r1, err := h.pipeline.Process(context.Background(), record(a))
	require.NoError(t, err)
	r2, err := h.pipeline.Process(context.Background(), record(b))
	require.NoError(t, err)

	assert.Empty(t, r2.Quality.DuplicateOf)
	assert.NotEqual(t, r1.ImageID, r2.ImageID)
	assert.Equal(t, 2, h.records.ImageCount())
}

type digestThumbnailer struct {
	Thumbnailer
	digest string
}

func (d *digestThumbnailer) Generate(ctx context.Context, c keys.Coordinates, src *img.Source, digest string) (*img.Output, error) {
	d.digest = digest
	return d.Thumbnailer.Generate(ctx, c, src, digest)
}

type digestChecker struct {
	DuplicateChecker
	digest string
}

func (d *digestChecker) Check(ctx context.Context, tenantID, key, digest string, im image.Image) (dedup.Result, error) {
	d.digest = digest
	return d.DuplicateChecker.Check(ctx, tenantID, key, digest, im)
}

func TestProcessSharesOneDigest(t *testing.T) {
	objects := newMemObjects()
	records := store.NewMemory()
	records.PutSession("t1", "se1", "v1")
	q, err := quality.NewEngine(quality.DefaultThresholds())
	require.NoError(t, err)

	thumbs := &digestThumbnailer{Thumbnailer: img.NewGenerator(objects, []int{16})}
	checker := &digestChecker{DuplicateChecker: dedup.NewEngine(records, nil)}
	p := New(Deps{
		Objects:     objects,
		Thumbnailer: thumbs,
		Quality:     q,
		Dedup:       checker,
		Persister:   persist.New(records, nil, nil),
	})

	key := "org/t1/site/s1/session/se1/0deg.jpg"
	data := sharpImage(t, 3)
	objects.objects[key] = data

	res, err := p.Process(context.Background(), record(key))
	require.NoError(t, err)

	assert.Equal(t, dedup.Digest(data), res.Digest)
	assert.Equal(t, res.Digest, thumbs.digest)
	assert.Equal(t, res.Digest, checker.digest)
}

type failingThumbnailer struct{}

func (failingThumbnailer) Generate(context.Context, keys.Coordinates, *img.Source, string) (*img.Output, error) {
	return nil, errors.New("put failed")
}

func TestProcessThumbnailFailureIsRetryable(t *testing.T) {
	objects := newMemObjects()
	records := store.NewMemory()
	records.PutSession("t1", "se1", "v1")
	q, err := quality.NewEngine(quality.DefaultThresholds())
	require.NoError(t, err)

	p := New(Deps{
		Objects:     objects,
		Thumbnailer: failingThumbnailer{},
		Quality:     q,
		Dedup:       dedup.NewEngine(records, nil),
		Persister:   persist.New(records, nil, nil),
	})
	key := "org/t1/site/s1/session/se1/0deg.jpg"
	objects.objects[key] = sharpImage(t, 0)

	_, err = p.Process(context.Background(), record(key))
	require.Error(t, err)
	assert.False(t, IsTerminal(err))
	assert.Equal(t, StageThumbnail, StageOf(err))
	assert.Equal(t, 0, records.ImageCount())
}

func TestDecide(t *testing.T) {
	tests := []struct {
		sharp, expo schema.CheckStatus
		want        schema.ImageStatus
	}{
		{schema.CheckPass, schema.CheckPass, schema.ImageStatusProcessed},
		{schema.CheckWarn, schema.CheckWarn, schema.ImageStatusProcessed},
		{schema.CheckFail, schema.CheckPass, schema.ImageStatusFailed},
		{schema.CheckPass, schema.CheckFail, schema.ImageStatusFailed},
		{schema.CheckWarn, schema.CheckFail, schema.ImageStatusFailed},
	}
	for _, tt := range tests {
		q := schema.QualityResult{
			Sharpness: schema.SharpnessResult{Status: tt.sharp},
			Exposure:  schema.ExposureResult{Status: tt.expo},
		}
		assert.Equal(t, tt.want, Decide(q), "sharpness=%s exposure=%s", tt.sharp, tt.expo)
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, schema.FailureType(""), Classify(nil))
	assert.Equal(t, schema.FailureTypeRetryable, Classify(errors.New("boom")))
	assert.True(t, IsTerminal(permanent(StageFetch, objectstore.ErrNotFound)))
	assert.True(t, IsTerminal(invalid(StageParse, keys.ErrMalformedKey)))
	assert.False(t, IsTerminal(retryable(StagePersist, errors.New("db down"))))
}

type panickingEvaluator struct{}

func (panickingEvaluator) Evaluate(context.Context, image.Image) (schema.QualityResult, error) {
	panic("quality stage exploded")
}

func TestProcessStagePanicIsRetryable(t *testing.T) {
	objects := newMemObjects()
	records := store.NewMemory()
	records.PutSession("t1", "se1", "v1")
	stages := &stageLog{}

	p := New(Deps{
		Objects:     objects,
		Thumbnailer: img.NewGenerator(objects, []int{16}),
		Quality:     panickingEvaluator{},
		Dedup:       dedup.NewEngine(records, nil),
		Persister:   persist.New(records, nil, nil),
		Observer:    stages,
	})
	key := "org/t1/site/s1/session/se1/front.png"
	objects.objects[key] = sharpImage(t, 0)

	_, err := p.Process(context.Background(), record(key))
	require.Error(t, err)
	assert.False(t, IsTerminal(err))
	assert.Equal(t, StageQuality, StageOf(err))
	assert.Contains(t, err.Error(), "quality stage exploded")
	assert.Equal(t, 0, records.ImageCount())
	assert.Equal(t, 1, stages.stages[StageQuality])
}

// Package pipeline turns one object-created record into a persisted image
// record: parse, fetch, decode, then thumbnails, quality and dedup in
// parallel, then the status decision and persistence.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"net/url"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tendant/simple-photo-ingest/internal/dedup"
	"github.com/tendant/simple-photo-ingest/internal/img"
	"github.com/tendant/simple-photo-ingest/internal/keys"
	"github.com/tendant/simple-photo-ingest/internal/objectstore"
	"github.com/tendant/simple-photo-ingest/internal/persist"
	"github.com/tendant/simple-photo-ingest/internal/store"
	"github.com/tendant/simple-photo-ingest/pkg/schema"
)

type Thumbnailer interface {
	Generate(ctx context.Context, coords keys.Coordinates, src *img.Source, digest string) (*img.Output, error)
}

type QualityEvaluator interface {
	Evaluate(ctx context.Context, img image.Image) (schema.QualityResult, error)
}

type DuplicateChecker interface {
	Check(ctx context.Context, tenantID, key, digest string, img image.Image) (dedup.Result, error)
}

type Persister interface {
	Persist(ctx context.Context, in persist.Input) (string, error)
}

// Observer receives per-stage timings. It must be safe for concurrent use.
type Observer interface {
	ObserveStage(stage string, d time.Duration, err error)
}

type Deps struct {
	Objects     objectstore.Store
	Thumbnailer Thumbnailer
	Quality     QualityEvaluator
	Dedup       DuplicateChecker
	Persister   Persister
	Observer    Observer
	Logger      *slog.Logger
}

type Pipeline struct {
	objects  objectstore.Store
	thumbs   Thumbnailer
	quality  QualityEvaluator
	dedup    DuplicateChecker
	persist  Persister
	observer Observer
	logger   *slog.Logger
}

func New(d Deps) *Pipeline {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Pipeline{
		objects:  d.Objects,
		thumbs:   d.Thumbnailer,
		quality:  d.Quality,
		dedup:    d.Dedup,
		persist:  d.Persister,
		observer: d.Observer,
		logger:   d.Logger,
	}
}

// Result describes one processed record. It is used for logging and metrics.
type Result struct {
	Key        string
	ImageID    string
	Status     schema.ImageStatus
	Thumbnails map[string]string
	Quality    schema.QualityResult
	Digest     string
	Duration   time.Duration
	// Skipped is set for keys this worker wrote itself, such as thumbnails.
	Skipped bool
}

// Decide applies the quality gate. Warn on either axis is still processed.
func Decide(q schema.QualityResult) schema.ImageStatus {
	if q.Sharpness.Status == schema.CheckFail || q.Exposure.Status == schema.CheckFail {
		return schema.ImageStatusFailed
	}
	return schema.ImageStatusProcessed
}

// Process runs the pipeline for one record. Errors are *StageError values;
// use IsTerminal to decide whether the carrying message should be deleted.
func (p *Pipeline) Process(ctx context.Context, rec schema.StorageEventRecord) (*Result, error) {
	start := time.Now()

	key, err := url.QueryUnescape(rec.S3.Object.Key)
	if err != nil {
		return nil, invalid(StageParse, fmt.Errorf("unescape key %q: %w", rec.S3.Object.Key, err))
	}
	res := &Result{Key: key}
	if keys.IsThumbnail(key) {
		res.Skipped = true
		return res, nil
	}

	coords, err := keys.Parse(key)
	if err != nil {
		return nil, invalid(StageParse, err)
	}

	data, err := p.fetch(ctx, key)
	if err != nil {
		return nil, err
	}

	src, err := img.Decode(data)
	if err != nil {
		return nil, invalid(StageDecode, err)
	}
	digest := dedup.Digest(data)
	res.Digest = digest

	var (
		thumbs  *img.Output
		q       schema.QualityResult
		dupe    dedup.Result
		g, gctx = errgroup.WithContext(ctx)
	)
	g.Go(func() error {
		var err error
		thumbs, err = observe(p, StageThumbnail, func() (*img.Output, error) {
			return p.thumbs.Generate(gctx, coords, src, digest)
		})
		if err != nil {
			return retryable(StageThumbnail, err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		q, err = observe(p, StageQuality, func() (schema.QualityResult, error) {
			return p.quality.Evaluate(gctx, src.Image)
		})
		if err != nil {
			return retryable(StageQuality, err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		dupe, err = observe(p, StageDedup, func() (dedup.Result, error) {
			return p.dedup.Check(gctx, coords.TenantID, key, digest, src.Image)
		})
		if err != nil {
			return retryable(StageDedup, err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	q.DuplicateOf = dupe.DuplicateOf
	status := Decide(q)

	imageID, err := observe(p, StagePersist, func() (string, error) {
		return p.persist.Persist(ctx, persist.Input{
			Coords:     coords,
			Digest:     digest,
			PHash:      dupe.PHash,
			Width:      thumbs.Width,
			Height:     thumbs.Height,
			Exif:       thumbs.Exif,
			Thumbnails: thumbs.Thumbnails,
			Quality:    q,
			Status:     status,
		})
	})
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return nil, permanent(StagePersist, err)
		}
		return nil, retryable(StagePersist, err)
	}

	res.ImageID = imageID
	res.Status = status
	res.Thumbnails = thumbs.Thumbnails
	res.Quality = q
	res.Duration = time.Since(start)
	return res, nil
}

func (p *Pipeline) fetch(ctx context.Context, key string) ([]byte, error) {
	data, err := observe(p, StageFetch, func() ([]byte, error) {
		return p.objects.Get(ctx, key)
	})
	switch {
	case err == nil:
		return data, nil
	// A missing object will not reappear on redelivery, so it is terminal like an oversized one.
	case errors.Is(err, objectstore.ErrNotFound), errors.Is(err, objectstore.ErrTooLarge):
		return nil, permanent(StageFetch, err)
	default:
		return nil, retryable(StageFetch, err)
	}
}

// observe times fn and turns a panic inside it into an error, so stage
// goroutines never take the worker down.
func observe[T any](p *Pipeline, stage string, fn func() (T, error)) (v T, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panic: %v", stage, r)
		}
		if p.observer != nil {
			p.observer.ObserveStage(stage, time.Since(start), err)
		}
	}()
	return fn()
}

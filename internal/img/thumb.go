// internal/img/thumb.go
package img

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"strconv"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/tendant/simple-photo-ingest/internal/keys"
	"github.com/tendant/simple-photo-ingest/internal/objectstore"
	"github.com/tendant/simple-photo-ingest/pkg/schema"
)

const (
	ContentTypeJPEG = "image/jpeg"

	DefaultQuality = 85
)

// DefaultSizes are the square edge lengths generated for every photo.
var DefaultSizes = []int{150, 600, 1200}

type ThumbnailSpec struct {
	Name string
	Size int
}

type ThumbnailOutput struct {
	Name  string
	Key   string
	Size  int
	Bytes int
}

// Output is what the orchestrator needs from the thumbnail stage.
type Output struct {
	Thumbnails map[string]string // size name -> storage key
	Digest     string
	Width      int
	Height     int
	Exif       *schema.ExifData
}

type Generator struct {
	store     objectstore.Store
	specs     []ThumbnailSpec
	quality   int
	retryBase time.Duration
	attempts  uint64
}

type Option func(*Generator)

func WithQuality(q int) Option {
	return func(g *Generator) {
		if q > 0 && q <= 100 {
			g.quality = q
		}
	}
}

// WithRetry sets the backoff base and total attempts for each upload.
func WithRetry(base time.Duration, attempts uint64) Option {
	return func(g *Generator) {
		g.retryBase = base
		if attempts > 0 {
			g.attempts = attempts
		}
	}
}

func NewGenerator(store objectstore.Store, sizes []int, opts ...Option) *Generator {
	if len(sizes) == 0 {
		sizes = DefaultSizes
	}
	specs := make([]ThumbnailSpec, len(sizes))
	for i, s := range sizes {
		specs[i] = ThumbnailSpec{Name: strconv.Itoa(s), Size: s}
	}
	g := &Generator{
		store:     store,
		specs:     specs,
		quality:   DefaultQuality,
		retryBase: 100 * time.Millisecond,
		attempts:  3,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Generator) Specs() []ThumbnailSpec { return g.specs }

// Generate renders every size concurrently and uploads it next to the
// original under thumbs/. A failing size does not stop the others, but any
// failure fails the whole call.
func (g *Generator) Generate(ctx context.Context, coords keys.Coordinates, src *Source, digest string) (*Output, error) {
	var (
		mu      sync.Mutex
		outputs = make(map[string]string, len(g.specs))
		eg      errgroup.Group
	)
	for _, spec := range g.specs {
		spec := spec
		eg.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("thumbnail %s: panic: %v", spec.Name, r)
				}
			}()
			out, err := g.generateOne(ctx, coords, src.Image, spec)
			if err != nil {
				return fmt.Errorf("thumbnail %s: %w", spec.Name, err)
			}
			mu.Lock()
			outputs[out.Name] = out.Key
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	return &Output{
		Thumbnails: outputs,
		Digest:     digest,
		Width:      src.Width,
		Height:     src.Height,
		Exif:       src.Exif,
	}, nil
}

func (g *Generator) generateOne(ctx context.Context, coords keys.Coordinates, src image.Image, spec ThumbnailSpec) (ThumbnailOutput, error) {
	data, err := Render(src, spec.Size, g.quality)
	if err != nil {
		return ThumbnailOutput{}, err
	}

	key := keys.ThumbnailKey(coords, spec.Size)
	b := retry.WithMaxRetries(g.attempts-1, retry.NewExponential(g.retryBase))
	err = retry.Do(ctx, b, func(ctx context.Context) error {
		if err := g.store.Put(ctx, key, data, ContentTypeJPEG); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return ThumbnailOutput{}, fmt.Errorf("upload %s: %w", key, err)
	}
	return ThumbnailOutput{Name: spec.Name, Key: key, Size: spec.Size, Bytes: len(data)}, nil
}

// Render center-crops src to a size x size square and encodes it as JPEG.
// Sources smaller than size are upscaled so every thumbnail is exactly size.
func Render(src image.Image, size, quality int) ([]byte, error) {
	thumb := imaging.Fill(src, size, size, imaging.Center, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return buf.Bytes(), nil
}

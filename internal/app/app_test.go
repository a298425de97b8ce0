package app

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-photo-ingest/internal/config"
	"github.com/tendant/simple-photo-ingest/internal/quality"
	"github.com/tendant/simple-photo-ingest/internal/store"
	"github.com/tendant/simple-photo-ingest/pkg/schema"
)

func localConfig(dir string) config.Config {
	return config.Config{
		ObjectStore:      config.ObjectStoreFilesystem,
		ObjectStoreDir:   dir,
		MaxObjectBytes:   1 << 20,
		Thresholds:       quality.DefaultThresholds(),
		ThumbnailSizes:   []int{32},
		ThumbnailQuality: 80,
		NotifyBackend:    config.NotifyNone,
	}
}

func TestNewLocalPipelineEndToEnd(t *testing.T) {
	dir := t.TempDir()
	a, err := New(context.Background(), localConfig(dir), slog.New(slog.NewTextHandler(os.Stderr, nil)))
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.Queue)
	mem, ok := a.Records.(*store.Memory)
	require.True(t, ok)
	mem.PutSession("t1", "se1", "v1")

	key := "org/t1/site/s1/session/se1/45deg.png"
	require.NoError(t, os.MkdirAll(filepath.Join(dir, filepath.Dir(key)), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, key), checkerPNG(t), 0o644))

	var rec schema.StorageEventRecord
	rec.EventName = "ObjectCreated:Put"
	rec.S3.Object.Key = key

	res, err := a.Pipeline.Process(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, schema.ImageStatusProcessed, res.Status)

	_, err = os.Stat(filepath.Join(dir, "org/t1/site/s1/session/se1/thumbs/45deg_32.jpg"))
	assert.NoError(t, err)

	stored, ok := mem.Image(res.ImageID)
	require.True(t, ok)
	require.NotNil(t, stored.AngleDeg)
	assert.Equal(t, 45, *stored.AngleDeg)

	families, err := a.Registry.Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "photo_ingest_stage_duration_seconds")
}

func TestNewRejectsBadThresholds(t *testing.T) {
	cfg := localConfig(t.TempDir())
	cfg.Thresholds.SharpnessWarn = cfg.Thresholds.SharpnessFail

	_, err := New(context.Background(), cfg, slog.Default())
	assert.Error(t, err)
}

func checkerPNG(t *testing.T) []byte {
	t.Helper()
	m := image.NewGray(image.Rect(0, 0, 48, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 48; x++ {
			v := uint8(70)
			if (x+y)%2 == 0 {
				v = 180
			}
			m.SetGray(x, y, color.Gray{Y: v})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, m))
	return buf.Bytes()
}

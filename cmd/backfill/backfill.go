package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/tendant/simple-photo-ingest/internal/keys"
	"github.com/tendant/simple-photo-ingest/internal/objectstore"
	"github.com/tendant/simple-photo-ingest/internal/pipeline"
	"github.com/tendant/simple-photo-ingest/internal/queue"
	"github.com/tendant/simple-photo-ingest/pkg/schema"
)

type Processor interface {
	Process(ctx context.Context, rec schema.StorageEventRecord) (*pipeline.Result, error)
}

// Backfiller re-drives originals already in the object store through the
// pipeline, either by enqueueing synthetic notifications or in-process.
type Backfiller struct {
	Lister      objectstore.Lister
	Objects     objectstore.Store
	Sender      queue.Sender
	Processor   Processor
	Bucket      string
	ThumbSize   int
	Limit       int
	DryRun      bool
	OnlyMissing bool
	Logger      *slog.Logger
	Now         func() time.Time
}

type Stats struct {
	Found            int
	SkippedThumbs    int
	SkippedHasThumbs int
	Enqueued         int
	Processed        int
	Failed           int
	FailedKeys       []string
}

func (b *Backfiller) Run(ctx context.Context, prefix string) (Stats, error) {
	var stats Stats
	if !b.DryRun && b.Sender == nil && b.Processor == nil {
		return stats, errors.New("nothing to send to: configure a queue or use -direct")
	}

	all, err := b.Lister.List(ctx, prefix)
	if err != nil {
		return stats, fmt.Errorf("list %s: %w", prefix, err)
	}

	for _, key := range all {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if b.Limit > 0 && stats.Found >= b.Limit {
			break
		}
		if keys.IsThumbnail(key) {
			stats.SkippedThumbs++
			continue
		}
		coords, err := keys.Parse(key)
		if err != nil {
			b.Logger.Warn("skipping key outside the layout", "key", key)
			continue
		}
		stats.Found++

		if b.OnlyMissing && b.hasThumbnail(ctx, coords) {
			stats.SkippedHasThumbs++
			continue
		}
		if b.DryRun {
			b.Logger.Info("would process", "key", key)
			continue
		}

		if err := b.handle(ctx, key, &stats); err != nil {
			stats.Failed++
			stats.FailedKeys = append(stats.FailedKeys, key)
			b.Logger.Error("backfill key failed", "key", key, "err", err)
		}
	}
	return stats, nil
}

func (b *Backfiller) handle(ctx context.Context, key string, stats *Stats) error {
	// Notifications carry query-escaped keys, as the object store sends them.
	escaped := strings.ReplaceAll(url.QueryEscape(key), "%2F", "/")

	if b.Processor != nil {
		var rec schema.StorageEventRecord
		rec.EventName = "ObjectCreated:Put"
		rec.S3.Bucket.Name = b.Bucket
		rec.S3.Object.Key = escaped
		res, err := b.Processor.Process(ctx, rec)
		if err != nil {
			return err
		}
		stats.Processed++
		b.Logger.Info("processed", "key", key, "image_id", res.ImageID, "status", res.Status)
		return nil
	}

	body, err := queue.EncodeCreated(b.Bucket, escaped, 0, b.Now())
	if err != nil {
		return err
	}
	if err := b.Sender.Send(ctx, body); err != nil {
		return err
	}
	stats.Enqueued++
	return nil
}

func (b *Backfiller) hasThumbnail(ctx context.Context, coords keys.Coordinates) bool {
	_, err := b.Objects.Get(ctx, keys.ThumbnailKey(coords, b.ThumbSize))
	return err == nil
}

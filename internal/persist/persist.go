// Package persist writes the outcome of one pipeline run: the image record,
// its timeline event, and an optional notification.
package persist

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tendant/simple-photo-ingest/internal/keys"
	"github.com/tendant/simple-photo-ingest/internal/quality"
	"github.com/tendant/simple-photo-ingest/pkg/schema"
)

// RecordStore is the durable store contract. Implementations must enforce
// uniqueness on (tenant, content hash).
type RecordStore interface {
	FindSessionVehicle(ctx context.Context, sessionID, tenantID string) (string, error)
	UpsertImageByHash(ctx context.Context, rec schema.ImageRecord) (string, error)
	AppendEvent(ctx context.Context, ev schema.ImageEvent) error
}

// Notifier mirrors appended events to a message bus.
type Notifier interface {
	Notify(ctx context.Context, ev schema.ImageEvent) error
}

type Input struct {
	Coords     keys.Coordinates
	Digest     string
	PHash      string
	Width      int
	Height     int
	Exif       *schema.ExifData
	Thumbnails map[string]string
	Quality    schema.QualityResult
	Status     schema.ImageStatus
}

type Persister struct {
	store    RecordStore
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// New returns a Persister. notifier may be nil.
func New(store RecordStore, notifier Notifier, logger *slog.Logger) *Persister {
	if logger == nil {
		logger = slog.Default()
	}
	return &Persister{store: store, notifier: notifier, logger: logger, now: time.Now}
}

// Persist resolves the session's vehicle, upserts the record by content hash
// and appends one event. It returns the image id. Errors from the session
// lookup wrap store.ErrSessionNotFound when the session does not exist.
func (p *Persister) Persist(ctx context.Context, in Input) (string, error) {
	vehicleID, err := p.store.FindSessionVehicle(ctx, in.Coords.SessionID, in.Coords.TenantID)
	if err != nil {
		return "", fmt.Errorf("resolve session: %w", err)
	}

	rec := Record(in, vehicleID)
	imageID, err := p.store.UpsertImageByHash(ctx, rec)
	if err != nil {
		return "", fmt.Errorf("upsert image: %w", err)
	}

	ev := Event(imageID, in, p.now())
	if err := p.store.AppendEvent(ctx, ev); err != nil {
		return "", fmt.Errorf("append event: %w", err)
	}

	if p.notifier != nil {
		if err := p.notifier.Notify(ctx, ev); err != nil {
			p.logger.Warn("event notification failed", "image_id", imageID, "type", ev.Type, "err", err)
		}
	}
	return imageID, nil
}

// Record builds the fixed-shape record for an upsert. Optional fields stay
// nil when the pipeline did not produce them so the merge keeps old values.
func Record(in Input, vehicleID string) schema.ImageRecord {
	shot := keys.DeriveShot(in.Coords.Filename)
	q := in.Quality
	version := quality.SchemaVersion

	rec := schema.ImageRecord{
		TenantID:       in.Coords.TenantID,
		SiteID:         in.Coords.SiteID,
		SessionID:      in.Coords.SessionID,
		VehicleID:      vehicleID,
		StorageKey:     in.Coords.Key(),
		AngleDeg:       shot.AngleDeg,
		ShotName:       shot.Name,
		ContentHash:    in.Digest,
		Width:          in.Width,
		Height:         in.Height,
		Exif:           in.Exif,
		Quality:        &q,
		QualityVersion: &version,
		Status:         in.Status,
	}
	if len(in.Thumbnails) > 0 {
		rec.Thumbnails = in.Thumbnails
	}
	if in.PHash != "" {
		ph := in.PHash
		rec.PHash = &ph
	}
	return rec
}

func Event(imageID string, in Input, at time.Time) schema.ImageEvent {
	typ := schema.EventProcessingComplete
	if in.Status == schema.ImageStatusFailed {
		typ = schema.EventProcessingFailed
	}
	return schema.ImageEvent{
		Type:        typ,
		ImageID:     imageID,
		TenantID:    in.Coords.TenantID,
		SessionID:   in.Coords.SessionID,
		StorageKey:  in.Coords.Key(),
		Sharpness:   in.Quality.Sharpness.Status,
		Exposure:    in.Quality.Exposure.Status,
		DuplicateOf: in.Quality.DuplicateOf,
		HappenedAt:  at.Unix(),
	}
}

package store

import (
	"time"

	"github.com/tendant/simple-photo-ingest/pkg/schema"
)

// Merge folds a freshly processed record into the stored one. Identity,
// association and capture fields keep their first-seen values. Thumbnails,
// quality, quality version and perceptual hash are replaced only when the
// new record carries them. Status always takes the new value.
func Merge(old, fresh schema.ImageRecord, now time.Time) schema.ImageRecord {
	merged := old
	if len(fresh.Thumbnails) > 0 {
		merged.Thumbnails = fresh.Thumbnails
	}
	if fresh.Quality != nil {
		merged.Quality = fresh.Quality
	}
	if fresh.QualityVersion != nil {
		merged.QualityVersion = fresh.QualityVersion
	}
	if fresh.PHash != nil {
		merged.PHash = fresh.PHash
	}
	merged.Status = fresh.Status
	merged.UpdatedAt = now
	return merged
}

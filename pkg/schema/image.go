package schema

import "time"

type ImageStatus string

const (
	ImageStatusPending    ImageStatus = "pending"
	ImageStatusProcessing ImageStatus = "processing"
	ImageStatusProcessed  ImageStatus = "processed"
	ImageStatusFailed     ImageStatus = "failed"
	ImageStatusPublished  ImageStatus = "published"
)

// CheckStatus is ordered pass > warn > fail.
type CheckStatus string

const (
	CheckPass CheckStatus = "pass"
	CheckWarn CheckStatus = "warn"
	CheckFail CheckStatus = "fail"
)

func (s CheckStatus) rank() int {
	switch s {
	case CheckPass:
		return 2
	case CheckWarn:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether s is as good as or better than other.
func (s CheckStatus) AtLeast(other CheckStatus) bool {
	return s.rank() >= other.rank()
}

type SharpnessResult struct {
	Score  int         `json:"score"`
	Status CheckStatus `json:"status"`
}

type ExposureResult struct {
	Status                    CheckStatus `json:"status"`
	ClippedHighlightsFraction *float64    `json:"clippedHighlightsFraction,omitempty"`
	ClippedShadowsFraction    *float64    `json:"clippedShadowsFraction,omitempty"`
}

type QualityResult struct {
	Sharpness   SharpnessResult `json:"sharpness"`
	Exposure    ExposureResult  `json:"exposure"`
	DuplicateOf string          `json:"duplicateOf,omitempty"`
}

type ExifData struct {
	Make  string `json:"make,omitempty"`
	Model string `json:"model,omitempty"`
}

// ImageRecord has a fixed shape: optional fields are pointers or nil maps so
// a merge can tell "absent" from "empty".
type ImageRecord struct {
	ID             string
	TenantID       string
	SiteID         string
	SessionID      string
	VehicleID      string
	StorageKey     string
	AngleDeg       *int
	ShotName       *string
	ContentHash    string
	PHash          *string
	Width          int
	Height         int
	Exif           *ExifData
	Thumbnails     map[string]string
	Quality        *QualityResult
	QualityVersion *int
	Status         ImageStatus
	CreatedAt      time.Time
	PublishedAt    *time.Time
	UpdatedAt      time.Time
}

// pkg/schema/events.go
package schema

import "strings"

// S3EventNotification is the body of a queue message produced by the object
// store's "object created" notifications.
type S3EventNotification struct {
	Records []StorageEventRecord `json:"Records"`
}

type StorageEventRecord struct {
	EventName string   `json:"eventName"`
	EventTime string   `json:"eventTime,omitempty"`
	S3        S3Entity `json:"s3"`
}

type S3Entity struct {
	Bucket S3Bucket `json:"bucket"`
	Object S3Object `json:"object"`
}

type S3Bucket struct {
	Name string `json:"name"`
}

type S3Object struct {
	Key  string `json:"key"`
	Size int64  `json:"size"`
	ETag string `json:"eTag"`
}

const objectCreatedPrefix = "ObjectCreated:"

// IsObjectCreated reports whether the record announces a new object. The
// "s3:" prefix used by some emitters is tolerated.
func (r StorageEventRecord) IsObjectCreated() bool {
	return strings.HasPrefix(strings.TrimPrefix(r.EventName, "s3:"), objectCreatedPrefix)
}

type FailureType string

const (
	FailureTypeRetryable  FailureType = "retryable"
	FailureTypePermanent  FailureType = "permanent"
	FailureTypeValidation FailureType = "validation"
)

type EventType string

const (
	EventProcessingComplete EventType = "processing_complete"
	EventProcessingFailed   EventType = "processing_failed"
)

// ImageEvent is appended to the record store once per persisted image and
// mirrored to the optional notifier.
type ImageEvent struct {
	Type        EventType   `json:"type"`
	ImageID     string      `json:"image_id"`
	TenantID    string      `json:"tenant_id"`
	SessionID   string      `json:"session_id"`
	StorageKey  string      `json:"storage_key"`
	Sharpness   CheckStatus `json:"sharpness_status"`
	Exposure    CheckStatus `json:"exposure_status"`
	DuplicateOf string      `json:"duplicate_of,omitempty"`
	HappenedAt  int64       `json:"happened_at"`
}

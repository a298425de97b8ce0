// Package queue is the message queue contract the consumer polls, with an
// SQS implementation.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tendant/simple-photo-ingest/pkg/schema"
)

type Message struct {
	ID            string
	ReceiptHandle string
	Body          string
	ReceiveCount  int
}

// Queue is safe for concurrent use.
type Queue interface {
	Receive(ctx context.Context, max int, wait, visibility time.Duration) ([]Message, error)
	Delete(ctx context.Context, receiptHandle string) error
	ExtendVisibility(ctx context.Context, receiptHandle string, timeout time.Duration) error
}

// Sender enqueues raw bodies. Used by backfill.
type Sender interface {
	Send(ctx context.Context, body string) error
}

// MaxBatch is the largest receive batch the queue accepts.
const MaxBatch = 10

// DecodeBody parses an event notification. Bodies without records, such as
// a bucket's test event, decode to an empty notification.
func DecodeBody(body string) (schema.S3EventNotification, error) {
	var n schema.S3EventNotification
	if err := json.Unmarshal([]byte(body), &n); err != nil {
		return schema.S3EventNotification{}, fmt.Errorf("decode message body: %w", err)
	}
	return n, nil
}

// EncodeCreated builds the body an object-created notification for key
// would carry.
func EncodeCreated(bucket, key string, size int64, at time.Time) (string, error) {
	var rec schema.StorageEventRecord
	rec.EventName = "ObjectCreated:Put"
	rec.EventTime = at.UTC().Format(time.RFC3339)
	rec.S3.Bucket.Name = bucket
	rec.S3.Object.Key = key
	rec.S3.Object.Size = size
	b, err := json.Marshal(schema.S3EventNotification{Records: []schema.StorageEventRecord{rec}})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

package queue

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleBody = `{
  "Records": [
    {
      "eventName": "ObjectCreated:Put",
      "eventTime": "2024-05-01T12:00:00.000Z",
      "s3": {
        "bucket": {"name": "vehicle-photos"},
        "object": {"key": "org/t1/site/s1/session/se1/front+quarter.jpg", "size": 1024, "eTag": "abc123"}
      }
    },
    {
      "eventName": "ObjectRemoved:Delete",
      "s3": {"bucket": {"name": "vehicle-photos"}, "object": {"key": "org/t1/site/s1/session/se1/x.jpg"}}
    }
  ]
}`

func TestDecodeBody(t *testing.T) {
	n, err := DecodeBody(sampleBody)
	require.NoError(t, err)
	require.Len(t, n.Records, 2)

	r := n.Records[0]
	assert.True(t, r.IsObjectCreated())
	assert.Equal(t, "vehicle-photos", r.S3.Bucket.Name)
	assert.Equal(t, "org/t1/site/s1/session/se1/front+quarter.jpg", r.S3.Object.Key)
	assert.Equal(t, int64(1024), r.S3.Object.Size)
	assert.Equal(t, "abc123", r.S3.Object.ETag)
	assert.False(t, n.Records[1].IsObjectCreated())
}

func TestDecodeBodyTestEvent(t *testing.T) {
	n, err := DecodeBody(`{"Service":"Amazon S3","Event":"s3:TestEvent"}`)
	require.NoError(t, err)
	assert.Empty(t, n.Records)
}

func TestDecodeBodyInvalid(t *testing.T) {
	_, err := DecodeBody("not json")
	assert.Error(t, err)
}

func TestEncodeCreatedRoundTrip(t *testing.T) {
	body, err := EncodeCreated("b", "org/t1/site/s1/session/se1/0deg.jpg", 10, time.Unix(0, 0))
	require.NoError(t, err)

	n, err := DecodeBody(body)
	require.NoError(t, err)
	require.Len(t, n.Records, 1)
	assert.True(t, n.Records[0].IsObjectCreated())
	assert.Equal(t, "org/t1/site/s1/session/se1/0deg.jpg", n.Records[0].S3.Object.Key)
}

type fakeSQS struct {
	receiveIn  *sqs.ReceiveMessageInput
	receiveOut *sqs.ReceiveMessageOutput
	deleted    []string
	visibility map[string]int32
	sent       []string
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.receiveIn = in
	return f.receiveOut, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) ChangeMessageVisibility(_ context.Context, in *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	if f.visibility == nil {
		f.visibility = map[string]int32{}
	}
	f.visibility[aws.ToString(in.ReceiptHandle)] = in.VisibilityTimeout
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.sent = append(f.sent, aws.ToString(in.MessageBody))
	return &sqs.SendMessageOutput{}, nil
}

func TestSQSReceive(t *testing.T) {
	f := &fakeSQS{receiveOut: &sqs.ReceiveMessageOutput{Messages: []types.Message{{
		MessageId:     aws.String("m1"),
		ReceiptHandle: aws.String("r1"),
		Body:          aws.String(sampleBody),
		Attributes:    map[string]string{"ApproximateReceiveCount": "3"},
	}}}}
	q := NewSQS(f, "https://sqs.local/queue")

	msgs, err := q.Receive(context.Background(), 25, 20*time.Second, 2*time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "r1", msgs[0].ReceiptHandle)
	assert.Equal(t, 3, msgs[0].ReceiveCount)

	assert.Equal(t, int32(MaxBatch), f.receiveIn.MaxNumberOfMessages)
	assert.Equal(t, int32(20), f.receiveIn.WaitTimeSeconds)
	assert.Equal(t, int32(120), f.receiveIn.VisibilityTimeout)
	assert.Equal(t, "https://sqs.local/queue", aws.ToString(f.receiveIn.QueueUrl))
}

func TestSQSDeleteExtendSend(t *testing.T) {
	f := &fakeSQS{}
	q := NewSQS(f, "u")

	require.NoError(t, q.Delete(context.Background(), "r1"))
	require.NoError(t, q.ExtendVisibility(context.Background(), "r2", 90*time.Second))
	require.NoError(t, q.Send(context.Background(), "{}"))

	assert.Equal(t, []string{"r1"}, f.deleted)
	assert.Equal(t, int32(90), f.visibility["r2"])
	assert.Equal(t, []string{"{}"}, f.sent)
}

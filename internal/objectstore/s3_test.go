package objectstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	objects map[string][]byte
	getErr  error
	puts    []*s3.PutObjectInput
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.puts = append(f.puts, in)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	out := &s3.ListObjectsV2Output{}
	for k := range f.objects {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func TestS3StoreGet(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{"a.jpg": []byte("abc")}}
	s := NewS3Store(fake, "bucket", 0)

	got, err := s.Get(context.Background(), "a.jpg")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)

	_, err = s.Get(context.Background(), "missing.jpg")
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
}

func TestS3StoreGetTransient(t *testing.T) {
	boom := errors.New("connection reset")
	s := NewS3Store(&fakeS3{getErr: boom}, "bucket", 0)

	_, err := s.Get(context.Background(), "a.jpg")
	assert.True(t, errors.Is(err, boom))
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestS3StoreGetTooLarge(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{"a.jpg": []byte("abcdef")}}
	s := NewS3Store(fake, "bucket", 3)

	_, err := s.Get(context.Background(), "a.jpg")
	assert.True(t, errors.Is(err, ErrTooLarge), "got %v", err)
}

func TestS3StorePut(t *testing.T) {
	fake := &fakeS3{}
	s := NewS3Store(fake, "bucket", 0)

	require.NoError(t, s.Put(context.Background(), "thumbs/a_150.jpg", []byte("x"), "image/jpeg"))
	require.Len(t, fake.puts, 1)
	assert.Equal(t, "bucket", aws.ToString(fake.puts[0].Bucket))
	assert.Equal(t, "image/jpeg", aws.ToString(fake.puts[0].ContentType))
}

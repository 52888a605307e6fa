package export

import (
	"bytes"
	"context"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Sink writes snapshots to an S3 bucket.
type S3Sink struct {
	client *s3.Client
	bucket string
}

// NewS3Sink builds a sink using the ambient AWS credential chain.
func NewS3Sink(ctx context.Context, bucket string) (*S3Sink, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	return &S3Sink{client: s3.NewFromConfig(cfg), bucket: bucket}, nil
}

// Put implements Sink.
func (s *S3Sink) Put(ctx context.Context, key string, body []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/jsonl"),
	})
	return err
}

// GCSSink writes snapshots to a Google Cloud Storage bucket.
type GCSSink struct {
	client *storage.Client
	bucket string
}

// NewGCSSink builds a sink using ambient application credentials.
func NewGCSSink(ctx context.Context, bucket string) (*GCSSink, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSSink{client: client, bucket: bucket}, nil
}

// Put implements Sink.
func (g *GCSSink) Put(ctx context.Context, key string, body []byte) error {
	w := g.client.Bucket(g.bucket).Object(key).NewWriter(ctx)
	w.ContentType = "application/jsonl"
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

// OpenSink resolves an s3:// or gs:// bucket URL into a live sink plus the
// key prefix embedded in the URL.
func OpenSink(ctx context.Context, bucketURL string) (Sink, string, error) {
	scheme, bucket, prefix, err := ParseBucketURL(bucketURL)
	if err != nil {
		return nil, "", err
	}
	switch scheme {
	case "s3":
		sink, err := NewS3Sink(ctx, bucket)
		return sink, prefix, err
	default:
		sink, err := NewGCSSink(ctx, bucket)
		return sink, prefix, err
	}
}

// MemorySink collects snapshots in memory for tests.
type MemorySink struct {
	mu      sync.Mutex
	Objects map[string][]byte
}

// NewMemorySink creates an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{Objects: make(map[string][]byte)}
}

// Put implements Sink.
func (m *MemorySink) Put(_ context.Context, key string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(body))
	copy(cp, body)
	m.Objects[key] = cp
	return nil
}

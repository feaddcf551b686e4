package relay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"maps"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"storysync/internal/canvas"
)

// SnapshotStore keeps the latest canvas bitmap of each page key so later
// joiners can be sent it in init.
type SnapshotStore interface {
	Put(ctx context.Context, sessionID, key, dataURL string) error
	Delete(ctx context.Context, sessionID, key string) error
	List(ctx context.Context, sessionID string) (map[string]string, error)
}

// MemorySnapshots is a SnapshotStore within one process.
type MemorySnapshots struct {
	mu   sync.Mutex
	data map[string]map[string]string
}

func NewMemorySnapshots() *MemorySnapshots {
	return &MemorySnapshots{data: make(map[string]map[string]string)}
}

func (m *MemorySnapshots) Put(_ context.Context, sessionID, key, dataURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[sessionID] == nil {
		m.data[sessionID] = make(map[string]string)
	}
	m.data[sessionID][key] = dataURL
	return nil
}

func (m *MemorySnapshots) Delete(_ context.Context, sessionID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[sessionID], key)
	return nil
}

func (m *MemorySnapshots) List(_ context.Context, sessionID string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.data[sessionID]), nil
}

// S3Snapshots stores canvas bitmaps as PNG objects under
// {prefix}{session}/{key}.png.
type S3Snapshots struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3Options configures the S3 client. Endpoint and path-style addressing
// allow S3-compatible stores.
type S3Options struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

func NewS3Snapshots(opts S3Options) *S3Snapshots {
	o := s3.Options{Region: opts.Region}
	if o.Region == "" {
		o.Region = "us-east-1"
	}
	if opts.Endpoint != "" {
		o.BaseEndpoint = aws.String(opts.Endpoint)
		o.UsePathStyle = true
	}
	if opts.AccessKey != "" {
		creds := aws.Credentials{AccessKeyID: opts.AccessKey, SecretAccessKey: opts.SecretKey, Source: "storysync config"}
		o.Credentials = aws.NewCredentialsCache(aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return creds, nil
		}))
	}
	return &S3Snapshots{client: s3.New(o), bucket: opts.Bucket, prefix: opts.Prefix}
}

func (s *S3Snapshots) objectKey(sessionID, key string) string {
	return s.prefix + sessionID + "/" + key + ".png"
}

func (s *S3Snapshots) Put(ctx context.Context, sessionID, key, dataURL string) error {
	raw, err := canvas.PNGBytes(dataURL)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(sessionID, key)),
		Body:        bytes.NewReader(raw),
		ContentType: aws.String("image/png"),
	})
	if err != nil {
		return fmt.Errorf("s3 put snapshot %s/%s: %w", sessionID, key, err)
	}
	return nil
}

func (s *S3Snapshots) Delete(ctx context.Context, sessionID, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(sessionID, key)),
	})
	if err != nil {
		return fmt.Errorf("s3 delete snapshot %s/%s: %w", sessionID, key, err)
	}
	return nil
}

func (s *S3Snapshots) List(ctx context.Context, sessionID string) (map[string]string, error) {
	prefix := s.prefix + sessionID + "/"
	out := make(map[string]string)
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list snapshots %s: %w", sessionID, err)
		}
		for _, obj := range page.Contents {
			name := aws.ToString(obj.Key)
			key := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".png")
			data, err := s.get(ctx, name)
			if err != nil {
				return nil, err
			}
			out[key] = canvas.DataURL(data)
		}
	}
	return out, nil
}

func (s *S3Snapshots) get(ctx context.Context, name string) ([]byte, error) {
	res, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(name),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get %s: %w", name, err)
	}
	defer res.Body.Close()
	return io.ReadAll(res.Body)
}

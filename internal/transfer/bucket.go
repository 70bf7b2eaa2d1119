package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	awsv2cfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	s3v2 "github.com/aws/aws-sdk-go-v2/service/s3"
	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	"gocloud.dev/blob/s3blob"

	_ "gocloud.dev/blob/gcsblob" // GCS driver
)

// Options identifies one remote destination plus the credentials to reach it.
type Options struct {
	Backend   string // "s3" | "gcs" | "local"
	Bucket    string
	Region    string
	Endpoint  string // custom endpoint for B2/MinIO/R2
	AccessKey string
	SecretKey string
	LocalDir  string // for the local backend
}

// cacheKey hashes the connection-relevant fields so repeated clients with
// identical configuration share one underlying bucket handle.
func (o Options) cacheKey() string {
	h := sha256.New()
	for _, part := range []string{o.Backend, o.Bucket, o.Region, o.Endpoint, o.AccessKey, o.SecretKey, o.LocalDir} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// objectStore is the slice of *blob.Bucket the client needs. Kept small so
// tests can substitute a fake.
type objectStore interface {
	Put(ctx context.Context, key string, r io.Reader, opts *blob.WriterOptions) error
	Get(ctx context.Context, key string, w io.Writer) error
	Exists(ctx context.Context, key string) (bool, error)
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	Ping(ctx context.Context) error
}

// bucketStore adapts *blob.Bucket to objectStore.
type bucketStore struct {
	bucket *blob.Bucket
}

func (s *bucketStore) Put(ctx context.Context, key string, r io.Reader, opts *blob.WriterOptions) error {
	w, err := s.bucket.NewWriter(ctx, key, opts)
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", key, err)
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return fmt.Errorf("write data to %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", key, err)
	}
	return nil
}

func (s *bucketStore) Get(ctx context.Context, key string, w io.Writer) error {
	r, err := s.bucket.NewReader(ctx, key, nil)
	if err != nil {
		return fmt.Errorf("create reader for %s: %w", key, err)
	}
	defer r.Close()
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("read data from %s: %w", key, err)
	}
	return nil
}

func (s *bucketStore) Exists(ctx context.Context, key string) (bool, error) {
	return s.bucket.Exists(ctx, key)
}

func (s *bucketStore) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return s.bucket.SignedURL(ctx, key, &blob.SignedURLOptions{Expiry: ttl})
}

// Ping exercises the bucket with a single list call. An empty bucket is a
// healthy bucket; anything but io.EOF is a real failure.
func (s *bucketStore) Ping(ctx context.Context) error {
	iter := s.bucket.List(&blob.ListOptions{})
	if _, err := iter.Next(ctx); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// bucketCache holds the most recently opened bucket handle. Repeated clients
// with the same credentials and region reuse it instead of reconnecting;
// a config change replaces it.
var bucketCache struct {
	mu     sync.Mutex
	key    string
	bucket *blob.Bucket
}

// openBucket returns a shared bucket handle for opts, opening one if the
// cached handle was built from different options.
func openBucket(ctx context.Context, opts Options) (*blob.Bucket, error) {
	key := opts.cacheKey()

	bucketCache.mu.Lock()
	defer bucketCache.mu.Unlock()

	if bucketCache.bucket != nil && bucketCache.key == key {
		return bucketCache.bucket, nil
	}

	bucket, err := dialBucket(ctx, opts)
	if err != nil {
		return nil, err
	}

	if bucketCache.bucket != nil {
		bucketCache.bucket.Close()
	}
	bucketCache.key = key
	bucketCache.bucket = bucket
	return bucket, nil
}

// dialBucket opens a fresh bucket handle for the configured backend.
func dialBucket(ctx context.Context, opts Options) (*blob.Bucket, error) {
	switch opts.Backend {
	case "s3":
		return dialS3(ctx, opts)
	case "gcs":
		return blob.OpenBucket(ctx, "gs://"+opts.Bucket)
	case "local":
		return fileblob.OpenBucket(opts.LocalDir, &fileblob.Options{CreateDir: true})
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", opts.Backend)
	}
}

// dialS3 opens an S3-compatible bucket. Static credentials use the v2 SDK
// directly; otherwise the URL opener applies the SDK's own credential chain.
func dialS3(ctx context.Context, opts Options) (*blob.Bucket, error) {
	if opts.AccessKey != "" {
		loadOpts := []func(*awsv2cfg.LoadOptions) error{
			awsv2cfg.WithRegion(opts.Region),
			awsv2cfg.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
			),
		}

		cfg, err := awsv2cfg.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}

		client := s3v2.NewFromConfig(cfg, func(o *s3v2.Options) {
			if opts.Endpoint != "" {
				o.BaseEndpoint = awsv2.String(opts.Endpoint)
				o.UsePathStyle = true
			}
		})

		bucket, err := s3blob.OpenBucketV2(ctx, client, opts.Bucket, nil)
		if err != nil {
			return nil, fmt.Errorf("open S3 bucket %s: %w", opts.Bucket, err)
		}
		return bucket, nil
	}

	bucketURL := fmt.Sprintf("s3://%s", opts.Bucket)
	params := url.Values{}
	if opts.Region != "" {
		params.Set("region", opts.Region)
	}
	if opts.Endpoint != "" {
		params.Set("endpoint", opts.Endpoint)
		params.Set("s3ForcePathStyle", "true")
	}
	if len(params) > 0 {
		bucketURL = bucketURL + "?" + params.Encode()
	}

	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open S3 bucket %s: %w", opts.Bucket, err)
	}
	return bucket, nil
}

// Package transfer moves clip artifacts to and from remote object storage
// with size-based strategy selection and bounded retry.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/courtvision/clip-engine/internal/metrics"
)

const (
	// MaxRetries bounds upload/download attempts per call.
	MaxRetries = 3

	// backoffBase is the delay before the second attempt; it doubles per
	// attempt after that.
	backoffBase = time.Second

	// Artifacts at or above the threshold go through a parallel multipart
	// writer; smaller files use a single-shot put.
	multipartThreshold = 100 * 1024 * 1024
	multipartChunkSize = 25 * 1024 * 1024
	multipartParallel  = 4
)

// FailureKind classifies terminal transfer failures.
type FailureKind string

const (
	KindAuth          FailureKind = "auth"
	KindMissingBucket FailureKind = "missing_bucket"
	KindNetwork       FailureKind = "network"
)

// TransferError is a terminal transfer failure, after any retries.
type TransferError struct {
	Kind FailureKind
	Op   string
	Key  string
	Err  error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer %s %s (%s): %v", e.Op, e.Key, e.Kind, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// Client uploads and downloads clip artifacts. One underlying bucket handle
// is shared between clients built from identical options.
type Client struct {
	store objectStore
	log   *slog.Logger

	maxRetries int
	// wait is the inter-attempt delay hook, replaceable in tests.
	wait func(ctx context.Context, d time.Duration) error
}

// New opens (or reuses) the bucket handle for opts and returns a client.
func New(ctx context.Context, opts Options) (*Client, error) {
	bucket, err := openBucket(ctx, opts)
	if err != nil {
		return nil, err
	}
	return newWithStore(&bucketStore{bucket: bucket}), nil
}

func newWithStore(store objectStore) *Client {
	return &Client{
		store:      store,
		log:        slog.With("component", "transfer"),
		maxRetries: MaxRetries,
		wait:       sleepCtx,
	}
}

// Upload sends the file at path to key. Files of 100MB and above use the
// multipart strategy. Transient failures are retried with exponential
// backoff; auth and missing-destination failures are terminal immediately.
func (c *Client) Upload(ctx context.Context, path, key string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	strategy := "single"
	var opts *blob.WriterOptions
	if info.Size() >= multipartThreshold {
		strategy = "multipart"
		opts = &blob.WriterOptions{
			BufferSize:     multipartChunkSize,
			MaxConcurrency: multipartParallel,
		}
	}

	c.log.Info("uploading",
		"path", path,
		"key", key,
		"bytes", info.Size(),
		"strategy", strategy,
	)

	start := time.Now()
	err = c.withRetry(ctx, "upload", key, func(ctx context.Context) error {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		defer f.Close()
		return c.store.Put(ctx, key, f, opts)
	})
	if err != nil {
		return err
	}

	if m := metrics.Get(); m != nil {
		m.ObserveUploadDuration(strategy, time.Since(start).Seconds())
		m.ObserveArtifactBytes(strategy, float64(info.Size()))
	}
	c.log.Info("uploaded", "key", key, "duration", time.Since(start).String())
	return nil
}

// Download fetches key into localPath with the same retry policy as Upload.
func (c *Client) Download(ctx context.Context, key, localPath string) error {
	return c.withRetry(ctx, "download", key, func(ctx context.Context) error {
		f, err := os.Create(localPath)
		if err != nil {
			return fmt.Errorf("create %s: %w", localPath, err)
		}
		if err := c.store.Get(ctx, key, f); err != nil {
			f.Close()
			os.Remove(localPath)
			return err
		}
		return f.Close()
	})
}

// Exists reports whether the destination object is already present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	return c.store.Exists(ctx, key)
}

// SignedURL returns a short-lived access URL for key.
func (c *Client) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return c.store.SignedURL(ctx, key, ttl)
}

// TestConnection verifies credentials and destination reachability, and
// classifies the failure so callers can report it precisely.
func (c *Client) TestConnection(ctx context.Context) error {
	err := c.store.Ping(ctx)
	if err == nil {
		return nil
	}

	kind := classify(err)
	switch kind {
	case KindAuth:
		err = fmt.Errorf("credentials are invalid or lack permissions: %w", err)
	case KindMissingBucket:
		err = fmt.Errorf("destination bucket does not exist: %w", err)
	default:
		err = fmt.Errorf("connection failed: %w", err)
	}
	return &TransferError{Kind: kind, Op: "test_connection", Err: err}
}

// withRetry runs op up to maxRetries times, waiting base*2^(i-1) before
// attempt i. Only transient failures are retried.
func (c *Client) withRetry(ctx context.Context, opName, key string, op func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffBase << (attempt - 1)
			c.log.Warn("retrying",
				"op", opName,
				"key", key,
				"attempt", attempt+1,
				"delay", delay.String(),
				"error", lastErr,
			)
			if m := metrics.Get(); m != nil {
				m.IncRetryAttempts(opName)
			}
			if err := c.wait(ctx, delay); err != nil {
				return err
			}
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !retryable(err) {
			break
		}
	}

	kind := classify(lastErr)
	if m := metrics.Get(); m != nil {
		m.IncTransferErrors(string(kind))
	}
	return &TransferError{Kind: kind, Op: opName, Key: key, Err: lastErr}
}

// retryable reports whether an error is a transient, network-class failure.
// Permission and not-found errors never heal by retrying.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch gcerrors.Code(err) {
	case gcerrors.PermissionDenied, gcerrors.NotFound,
		gcerrors.InvalidArgument, gcerrors.FailedPrecondition:
		return false
	}
	return true
}

// classify maps an error to a failure kind for reporting.
func classify(err error) FailureKind {
	switch gcerrors.Code(err) {
	case gcerrors.PermissionDenied:
		return KindAuth
	case gcerrors.NotFound:
		return KindMissingBucket
	default:
		return KindNetwork
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

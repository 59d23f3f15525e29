// Package storage keeps the files produced and consumed by executions in a blob bucket.
// Files are addressed by URIs of the form flowd:///<key>.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dukex/flowd/pkg/models"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
)

const scheme = "flowd:///"

var (
	ErrNotFound   = errors.New("file not found")
	ErrInvalidURI = errors.New("invalid storage uri")
)

// Storage reads and writes execution files.
type Storage interface {
	Get(ctx context.Context, uri string) ([]byte, error)
	// Put writes data under key and returns its URI.
	Put(ctx context.Context, key string, data []byte) (string, error)
	Delete(ctx context.Context, uri string) error
	// DeletePrefix removes every file under a key prefix.
	DeletePrefix(ctx context.Context, prefix string) error
	Close() error
}

// Blob is a Storage over a gocloud bucket: file:///path, mem://, s3://...
type Blob struct {
	bucket *blob.Bucket
}

var _ Storage = (*Blob)(nil)

func Open(ctx context.Context, bucketURL string) (*Blob, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open bucket %s: %w", bucketURL, err)
	}

	return &Blob{bucket: bucket}, nil
}

// URI returns the storage URI of a key.
func URI(key string) string {
	return scheme + strings.TrimPrefix(key, "/")
}

// Key returns the key of a storage URI.
func Key(uri string) (string, error) {
	key, ok := strings.CutPrefix(uri, scheme)
	if !ok || key == "" {
		return "", fmt.Errorf("%w: %s", ErrInvalidURI, uri)
	}

	return key, nil
}

// ExecutionPrefix is the key prefix of the files of an execution.
func ExecutionPrefix(execution models.Execution) string {
	prefix := execution.Namespace + "/" + execution.FlowID + "/executions/" + execution.ID
	if execution.TenantID != "" {
		prefix = execution.TenantID + "/" + prefix
	}

	return prefix
}

func (b *Blob) Get(ctx context.Context, uri string) ([]byte, error) {
	key, err := Key(uri)
	if err != nil {
		return nil, err
	}

	data, err := b.bucket.ReadAll(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, uri)
		}

		return nil, fmt.Errorf("failed to read %s: %w", uri, err)
	}

	return data, nil
}

func (b *Blob) Put(ctx context.Context, key string, data []byte) (string, error) {
	key = strings.TrimPrefix(key, "/")

	err := b.bucket.WriteAll(ctx, key, data, nil)
	if err != nil {
		return "", fmt.Errorf("failed to write %s: %w", key, err)
	}

	return URI(key), nil
}

func (b *Blob) Delete(ctx context.Context, uri string) error {
	key, err := Key(uri)
	if err != nil {
		return err
	}

	err = b.bucket.Delete(ctx, key)
	if err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return fmt.Errorf("failed to delete %s: %w", uri, err)
	}

	return nil
}

func (b *Blob) DeletePrefix(ctx context.Context, prefix string) error {
	iter := b.bucket.List(&blob.ListOptions{Prefix: strings.TrimPrefix(prefix, "/")})

	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return fmt.Errorf("failed to list %s: %w", prefix, err)
		}

		err = b.bucket.Delete(ctx, obj.Key)
		if err != nil && gcerrors.Code(err) != gcerrors.NotFound {
			return fmt.Errorf("failed to delete %s: %w", obj.Key, err)
		}
	}
}

func (b *Blob) Close() error {
	return b.bucket.Close()
}

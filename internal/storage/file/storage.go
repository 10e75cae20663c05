package file

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrObjectNotFound is returned by Load and Stat for a missing key.
var ErrObjectNotFound = errors.New("object not found")

// Options configures a bucket connection.
type Options struct {
	Endpoint   string
	AccessKey  string
	SecretKey  string
	BucketName string
	UseSSL     bool
	Region     string

	// Anonymous skips request signing, used for public buckets such as NOAA's.
	Anonymous bool

	// CreateBucket creates the bucket when it does not exist yet.
	CreateBucket bool
}

// Storage provides an S3-compatible object store backed by one MinIO bucket.
// It is used for the raw segment bucket, the tile bucket and the upstream mirror source.
type Storage struct {
	client     *minio.Client
	bucketName string
}

// NewStorage connects to the bucket described by opts.
// If CreateBucket is set and the bucket does not exist, it will be created automatically.
func NewStorage(ctx context.Context, opts Options) (*Storage, error) {
	creds := credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, "")
	if opts.Anonymous {
		creds = credentials.NewStaticV4("", "", "")
	}

	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  creds,
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize minio client: %w", err)
	}

	if opts.CreateBucket {
		exists, err := client.BucketExists(ctx, opts.BucketName)
		if err != nil {
			return nil, fmt.Errorf("failed to check if bucket exists: %w", err)
		}

		if !exists {
			if err := client.MakeBucket(ctx, opts.BucketName, minio.MakeBucketOptions{Region: opts.Region}); err != nil {
				return nil, fmt.Errorf("failed to create bucket: %w", err)
			}
		}
	}

	return &Storage{
		client:     client,
		bucketName: opts.BucketName,
	}, nil
}

// Bucket returns the bucket name the storage writes to.
func (s *Storage) Bucket() string {
	return s.bucketName
}

// List returns every object key under prefix, recursively.
func (s *Storage) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for obj := range s.client.ListObjects(ctx, s.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", prefix, obj.Err)
		}
		keys = append(keys, obj.Key)
	}

	return keys, nil
}

// Save uploads src to key, replacing any object already stored there.
// size may be -1 when unknown.
func (s *Storage) Save(ctx context.Context, key string, src io.Reader, size int64, contentType string, metadata map[string]string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err := s.client.PutObject(ctx, s.bucketName, key, src, size, minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: metadata,
	})
	if err != nil {
		return fmt.Errorf("failed to save %s: %w", key, err)
	}

	return nil
}

// Load retrieves the object stored at key and returns a reader.
func (s *Storage) Load(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", key, err)
	}

	// GetObject is lazy; Stat surfaces a missing key before the caller reads.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		if isNotFound(err) {
			return nil, fmt.Errorf("load %s: %w", key, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("failed to load %s: %w", key, err)
	}

	return obj, nil
}

// Exists reports whether key is present in the bucket.
func (s *Storage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucketName, key, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat %s: %w", key, err)
	}

	return true, nil
}

// Delete removes the specified object from the bucket.
func (s *Storage) Delete(ctx context.Context, key string) error {
	return s.client.RemoveObject(ctx, s.bucketName, key, minio.RemoveObjectOptions{})
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NotFound"
}

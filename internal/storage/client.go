package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"sitemigrate/internal/errs"
)

// Client defines the S3-compatible operations used to ship archives
type Client interface {
	GetObject(ctx context.Context, bucket, key string) (Object, error)
	PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts PutOptions) error
	HeadObject(ctx context.Context, bucket, key string) (ObjectInfo, error)
}

// Object represents an object stream
type Object interface {
	io.ReadCloser
	Stat() (ObjectInfo, error)
}

// ObjectInfo contains object metadata
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
	ContentType  string
	Metadata     map[string]string
}

// PutOptions contains options for put operations
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// Config contains client configuration
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Secure    bool
}

// ArchiveContentType is stored with uploaded archives
const ArchiveContentType = "application/x-sitemig"

// Scheme prefixes remote archive locations
const Scheme = "s3://"

// ParseLocation splits s3://bucket/key. ok is false for local paths.
func ParseLocation(loc string) (bucket, key string, ok bool, err error) {
	if !strings.HasPrefix(loc, Scheme) {
		return "", "", false, nil
	}
	rest := strings.TrimPrefix(loc, Scheme)
	bucket, key, found := strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", true, fmt.Errorf("%w: remote archive %q must be %sbucket/key", errs.ErrValidation, loc, Scheme)
	}
	return bucket, key, true, nil
}

// Location formats bucket and key as an s3:// location
func Location(bucket, key string) string {
	return Scheme + bucket + "/" + key
}

// UploadFile puts the local file at path under bucket/key
func UploadFile(ctx context.Context, c Client, bucket, key, path string, metadata map[string]string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	opts := PutOptions{ContentType: ArchiveContentType, Metadata: metadata}
	if err := c.PutObject(ctx, bucket, key, f, info.Size(), opts); err != nil {
		return 0, errs.Unavailable("upload "+Location(bucket, key), err)
	}
	return info.Size(), nil
}

// DownloadFile copies bucket/key into path, replacing it only once the
// download is complete
func DownloadFile(ctx context.Context, c Client, bucket, key, path string) (int64, error) {
	obj, err := c.GetObject(ctx, bucket, key)
	if err != nil {
		return 0, errs.Unavailable("download "+Location(bucket, key), err)
	}
	defer obj.Close()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, err
	}
	tmp := path + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, obj)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp)
		return 0, errs.Unavailable("download "+Location(bucket, key), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return 0, err
	}
	return n, nil
}

// Package s3 provides an S3 interface with the conveniences this system
// needs: pagination wrangling (listing or deleting more than 1000 objects),
// a safe-word guard against catastrophic deletes, and optional gzip
// compression on upload/download.
package s3

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	gauerrors "github.com/chriscugliotta/glue-athena-utils/internal/errors"
)

// deleteBatchSize is the S3 DeleteObjects per-request maximum.
const deleteBatchSize = 1000

// API is the subset of the S3 client used by Connection. Declared here so
// tests can substitute an in-memory fake.
type API interface {
	ListObjectsV2(ctx context.Context, params *awss3.ListObjectsV2Input, optFns ...func(*awss3.Options)) (*awss3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, params *awss3.DeleteObjectsInput, optFns ...func(*awss3.Options)) (*awss3.DeleteObjectsOutput, error)
	PutObject(ctx context.Context, params *awss3.PutObjectInput, optFns ...func(*awss3.Options)) (*awss3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *awss3.GetObjectInput, optFns ...func(*awss3.Options)) (*awss3.GetObjectOutput, error)
}

// Object holds metadata for a listed S3 object.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Connection wraps an S3 client scoped to a single bucket.
type Connection struct {
	api    API
	bucket string
}

// New creates a Connection for the given bucket using ambient AWS
// credentials.
func New(ctx context.Context, bucket, region string) (*Connection, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, gauerrors.NewStorageError(gauerrors.CodeDownloadFailed, "failed to load AWS config", err)
	}
	log.Printf("s3: constructed new connection for bucket %s", bucket)
	return &Connection{api: awss3.NewFromConfig(awsCfg), bucket: bucket}, nil
}

// NewWithClient creates a Connection with a pre-configured client.
func NewWithClient(api API, bucket string) *Connection {
	return &Connection{api: api, bucket: bucket}
}

// Bucket returns the bucket this connection is scoped to.
func (c *Connection) Bucket() string {
	return c.bucket
}

// ParseURL splits an s3://bucket/key/prefix URL into bucket and key.
func ParseURL(url string) (bucket, key string, err error) {
	trimmed, ok := strings.CutPrefix(url, "s3://")
	if !ok {
		return "", "", gauerrors.Newf(gauerrors.ErrCategoryStorage, gauerrors.CodeInvalidConfig,
			"not an s3 url: %s", url)
	}
	bucket, key, _ = strings.Cut(trimmed, "/")
	if bucket == "" {
		return "", "", gauerrors.Newf(gauerrors.ErrCategoryStorage, gauerrors.CodeInvalidConfig,
			"s3 url has no bucket: %s", url)
	}
	return bucket, key, nil
}

// List returns metadata for all objects whose key starts with prefix,
// following pagination past the 1000-object page limit.
func (c *Connection) List(ctx context.Context, prefix string) ([]Object, error) {
	var out []Object
	var token *string
	for {
		page, err := c.api.ListObjectsV2(ctx, &awss3.ListObjectsV2Input{
			Bucket:            aws.String(c.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, gauerrors.NewStorageError(gauerrors.CodeDownloadFailed,
				fmt.Sprintf("failed to list s3://%s/%s", c.bucket, prefix), err)
		}
		for _, obj := range page.Contents {
			o := Object{Key: aws.ToString(obj.Key), Size: aws.ToInt64(obj.Size)}
			if obj.LastModified != nil {
				o.LastModified = *obj.LastModified
			}
			out = append(out, o)
		}
		if page.NextContinuationToken == nil {
			return out, nil
		}
		token = page.NextContinuationToken
	}
}

// Exists reports whether an object with the exact key exists.
func (c *Connection) Exists(ctx context.Context, key string) (bool, error) {
	objects, err := c.List(ctx, key)
	if err != nil {
		return false, err
	}
	for _, obj := range objects {
		if obj.Key == key {
			return true, nil
		}
	}
	return false, nil
}

// Delete removes the given keys in batches of 1000. If safeWord is
// non-empty, every key must contain it as a substring; otherwise nothing is
// deleted and a DELETE_REFUSED error is returned. This is a safety feature
// intended to prevent catastrophic, accidental deletion of data.
func (c *Connection) Delete(ctx context.Context, keys []string, safeWord string) error {
	if safeWord != "" {
		for _, key := range keys {
			if !strings.Contains(key, safeWord) {
				return gauerrors.Newf(gauerrors.ErrCategoryStorage, gauerrors.CodeDeleteRefused,
					"refusing to delete %s: key does not contain safe word %q", key, safeWord)
			}
		}
	}

	for start := 0; start < len(keys); start += deleteBatchSize {
		end := start + deleteBatchSize
		if end > len(keys) {
			end = len(keys)
		}

		objects := make([]s3types.ObjectIdentifier, 0, end-start)
		for _, key := range keys[start:end] {
			objects = append(objects, s3types.ObjectIdentifier{Key: aws.String(key)})
		}

		_, err := c.api.DeleteObjects(ctx, &awss3.DeleteObjectsInput{
			Bucket: aws.String(c.bucket),
			Delete: &s3types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return gauerrors.NewStorageError(gauerrors.CodeDeleteRefused,
				fmt.Sprintf("failed to delete %d object(s) from s3://%s", end-start, c.bucket), err)
		}
	}
	return nil
}

// DeletePrefix removes every object under the given prefix and returns the
// number of objects deleted.
func (c *Connection) DeletePrefix(ctx context.Context, prefix, safeWord string) (int, error) {
	objects, err := c.List(ctx, prefix)
	if err != nil {
		return 0, err
	}
	keys := make([]string, len(objects))
	var bytes int64
	for i, obj := range objects {
		keys[i] = obj.Key
		bytes += obj.Size
	}
	log.Printf("s3: deleting %d object(s), %0.2f MiB at s3://%s/%s", len(keys), float64(bytes)/1024/1024, c.bucket, prefix)
	if err := c.Delete(ctx, keys, safeWord); err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Upload uploads a local file. When zip is true, the content is
// gzip-compressed in transit; the key should then carry a .gz extension.
func (c *Connection) Upload(ctx context.Context, localPath, key string, zip bool) error {
	file, err := os.Open(localPath)
	if err != nil {
		return gauerrors.NewStorageError(gauerrors.CodeUploadFailed, "failed to open local file", err)
	}
	defer file.Close()

	var body io.Reader = file
	if zip {
		pr, pw := io.Pipe()
		go func() {
			gz := gzip.NewWriter(pw)
			if _, err := io.Copy(gz, file); err != nil {
				pw.CloseWithError(err)
				return
			}
			pw.CloseWithError(gz.Close())
		}()
		body = pr
	}

	_, err = c.api.PutObject(ctx, &awss3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		Body:   body,
	})
	if err != nil {
		return gauerrors.NewStorageError(gauerrors.CodeUploadFailed,
			fmt.Sprintf("failed to upload s3://%s/%s", c.bucket, key), err)
	}
	return nil
}

// Download fetches an object into a local file. When unzip is true, the
// content is gzip-decompressed on the way down.
func (c *Connection) Download(ctx context.Context, key, localPath string, unzip bool) error {
	out, err := c.api.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return gauerrors.NewStorageError(gauerrors.CodeDownloadFailed,
			fmt.Sprintf("failed to download s3://%s/%s", c.bucket, key), err)
	}
	defer out.Body.Close()

	var body io.Reader = out.Body
	if unzip {
		gz, err := gzip.NewReader(out.Body)
		if err != nil {
			return gauerrors.NewStorageError(gauerrors.CodeDownloadFailed, "failed to open gzip stream", err)
		}
		defer gz.Close()
		body = gz
	}

	file, err := os.Create(localPath)
	if err != nil {
		return gauerrors.NewStorageError(gauerrors.CodeDownloadFailed, "failed to create local file", err)
	}
	defer file.Close()

	if _, err := io.Copy(file, body); err != nil {
		return gauerrors.NewStorageError(gauerrors.CodeDownloadFailed, "failed to write local file", err)
	}
	return nil
}

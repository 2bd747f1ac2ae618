package s3

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	gauerrors "github.com/chriscugliotta/glue-athena-utils/internal/errors"
)

func s3Object(key string, size int64) s3types.Object {
	return s3types.Object{Key: aws.String(key), Size: aws.Int64(size)}
}

// fakeAPI is an in-memory S3 implementation with a small page size so
// pagination paths are exercised.
type fakeAPI struct {
	mu       sync.Mutex
	objects  map[string][]byte
	pageSize int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{objects: make(map[string][]byte), pageSize: 2}
}

func (f *fakeAPI) ListObjectsV2(ctx context.Context, params *awss3.ListObjectsV2Input, optFns ...func(*awss3.Options)) (*awss3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var keys []string
	for key := range f.objects {
		if params.Prefix == nil || len(*params.Prefix) == 0 || len(key) >= len(*params.Prefix) && key[:len(*params.Prefix)] == *params.Prefix {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	start := 0
	if params.ContinuationToken != nil {
		fmt.Sscanf(*params.ContinuationToken, "%d", &start)
	}
	end := start + f.pageSize
	if end > len(keys) {
		end = len(keys)
	}

	out := &awss3.ListObjectsV2Output{}
	for _, key := range keys[start:end] {
		size := int64(len(f.objects[key]))
		out.Contents = append(out.Contents, s3Object(key, size))
	}
	if end < len(keys) {
		out.NextContinuationToken = aws.String(fmt.Sprintf("%d", end))
	}
	return out, nil
}

func (f *fakeAPI) DeleteObjects(ctx context.Context, params *awss3.DeleteObjectsInput, optFns ...func(*awss3.Options)) (*awss3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(params.Delete.Objects) > 1000 {
		return nil, fmt.Errorf("batch too large: %d", len(params.Delete.Objects))
	}
	for _, obj := range params.Delete.Objects {
		delete(f.objects, *obj.Key)
	}
	return &awss3.DeleteObjectsOutput{}, nil
}

func (f *fakeAPI) PutObject(ctx context.Context, params *awss3.PutObjectInput, optFns ...func(*awss3.Options)) (*awss3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[*params.Key] = data
	return &awss3.PutObjectOutput{}, nil
}

func (f *fakeAPI) GetObject(ctx context.Context, params *awss3.GetObjectInput, optFns ...func(*awss3.Options)) (*awss3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[*params.Key]
	if !ok {
		return nil, fmt.Errorf("no such key: %s", *params.Key)
	}
	return &awss3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func TestParseURL(t *testing.T) {
	bucket, key, err := ParseURL("s3://my-bucket/db/table/")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if bucket != "my-bucket" || key != "db/table/" {
		t.Errorf("got (%s, %s)", bucket, key)
	}

	if _, _, err := ParseURL("http://x/y"); err == nil {
		t.Error("expected error for non-s3 url")
	}
	if _, _, err := ParseURL("s3://"); err == nil {
		t.Error("expected error for empty bucket")
	}
}

func TestList_Pagination(t *testing.T) {
	api := newFakeAPI()
	for i := 0; i < 5; i++ {
		api.objects[fmt.Sprintf("db/table/part-%d", i)] = []byte("x")
	}
	api.objects["db/other/part-0"] = []byte("x")

	conn := NewWithClient(api, "bucket")
	objects, err := conn.List(context.Background(), "db/table/")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(objects) != 5 {
		t.Errorf("got %d objects, want 5", len(objects))
	}
}

func TestDelete_SafeWord(t *testing.T) {
	api := newFakeAPI()
	api.objects["db/table__backup/part-0"] = []byte("x")
	api.objects["db/table/part-0"] = []byte("x")

	conn := NewWithClient(api, "bucket")
	err := conn.Delete(context.Background(), []string{"db/table__backup/part-0", "db/table/part-0"}, "__backup")
	if err == nil {
		t.Fatal("expected delete to be refused")
	}
	if gauerrors.GetCode(err) != gauerrors.CodeDeleteRefused {
		t.Errorf("got code %q, want DELETE_REFUSED", gauerrors.GetCode(err))
	}
	// Nothing deleted on refusal.
	if len(api.objects) != 2 {
		t.Errorf("objects were deleted despite refusal: %d left", len(api.objects))
	}
}

func TestDeletePrefix(t *testing.T) {
	api := newFakeAPI()
	for i := 0; i < 7; i++ {
		api.objects[fmt.Sprintf("db/table__backup/part-%d", i)] = []byte("x")
	}
	api.objects["db/table/part-0"] = []byte("keep")

	conn := NewWithClient(api, "bucket")
	n, err := conn.DeletePrefix(context.Background(), "db/table__backup/", "")
	if err != nil {
		t.Fatalf("delete prefix failed: %v", err)
	}
	if n != 7 {
		t.Errorf("deleted %d objects, want 7", n)
	}
	if _, ok := api.objects["db/table/part-0"]; !ok {
		t.Error("sibling prefix was deleted")
	}
}

func TestUploadDownload_Gzip(t *testing.T) {
	api := newFakeAPI()
	conn := NewWithClient(api, "bucket")
	ctx := context.Background()
	dir := t.TempDir()

	src := filepath.Join(dir, "data.csv")
	if err := os.WriteFile(src, []byte("a,b\n1,2\n"), 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if err := conn.Upload(ctx, src, "data/data.csv.gz", true); err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	// Stored object should be gzip-compressed.
	gz, err := gzip.NewReader(bytes.NewReader(api.objects["data/data.csv.gz"]))
	if err != nil {
		t.Fatalf("stored object is not gzip: %v", err)
	}
	raw, _ := io.ReadAll(gz)
	if string(raw) != "a,b\n1,2\n" {
		t.Errorf("round-trip mismatch: %q", raw)
	}

	dst := filepath.Join(dir, "out.csv")
	if err := conn.Download(ctx, "data/data.csv.gz", dst, true); err != nil {
		t.Fatalf("download failed: %v", err)
	}
	data, _ := os.ReadFile(dst)
	if string(data) != "a,b\n1,2\n" {
		t.Errorf("downloaded content mismatch: %q", data)
	}
}

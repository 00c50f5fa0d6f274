package objectstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

func TestConfigValidate(t *testing.T) {
	valid := Config{
		Driver:    DriverMinIO,
		Endpoint:  "localhost:9000",
		AccessKey: "a",
		SecretKey: "b",
		Region:    "us-east-1",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}

	invalid := valid
	invalid.Endpoint = "http://localhost:9000"
	if err := invalid.Validate(); err == nil {
		t.Fatalf("Validate() expected error for scheme in endpoint")
	}

	s3cfg := Config{Driver: DriverS3, Region: "eu-west-1", AccessKey: "a"}
	if err := s3cfg.Validate(); err == nil {
		t.Fatalf("Validate() expected error for access key without secret")
	}
	s3cfg.SecretKey = "b"
	if err := s3cfg.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}

	if err := (Config{Driver: "gcs"}).Validate(); err == nil {
		t.Fatalf("Validate() expected error for unknown driver")
	}
}

func TestMemoryStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := EnsureBuckets(ctx, store, "pipeline"); err != nil {
		t.Fatalf("EnsureBuckets() err=%v", err)
	}
	if err := CheckBuckets(ctx, store, "pipeline"); err != nil {
		t.Fatalf("CheckBuckets() err=%v", err)
	}
	if err := CheckBuckets(ctx, store, "missing"); err == nil {
		t.Fatalf("CheckBuckets() expected error for missing bucket")
	}

	body := []byte("hello")
	if err := store.Put(ctx, "pipeline", "a/b.txt", bytes.NewReader(body), int64(len(body)), "text/plain"); err != nil {
		t.Fatalf("Put() err=%v", err)
	}
	got, err := ReadAll(ctx, store, "pipeline", "a/b.txt")
	if err != nil {
		t.Fatalf("ReadAll() err=%v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("ReadAll()=%q", got)
	}

	if err := store.Delete(ctx, "pipeline", "a/b.txt"); err != nil {
		t.Fatalf("Delete() err=%v", err)
	}
	if _, err := store.Stat(ctx, "pipeline", "a/b.txt"); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("Stat() err=%v, want ErrObjectNotFound", err)
	}
}

type fakeS3 struct {
	objects map[string]string
	buckets map[string]bool
	created []string
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = string(data)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(strings.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) HeadBucket(ctx context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if !f.buckets[aws.ToString(in.Bucket)] {
		return nil, &types.NotFound{}
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) CreateBucket(ctx context.Context, in *s3.CreateBucketInput, _ ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	name := aws.ToString(in.Bucket)
	f.buckets[name] = true
	if in.CreateBucketConfiguration != nil {
		name += "@" + string(in.CreateBucketConfiguration.LocationConstraint)
	}
	f.created = append(f.created, name)
	return &s3.CreateBucketOutput{}, nil
}

func TestS3Store_MapsNotFoundAndCreatesBuckets(t *testing.T) {
	ctx := context.Background()
	fake := &fakeS3{objects: map[string]string{}, buckets: map[string]bool{}}
	store := &S3Store{client: fake, region: "eu-west-1"}

	if _, _, err := store.Get(ctx, "b", "missing"); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("Get() err=%v, want ErrObjectNotFound", err)
	}
	if err := EnsureBuckets(ctx, store, "b"); err != nil {
		t.Fatalf("EnsureBuckets() err=%v", err)
	}
	if len(fake.created) != 1 || fake.created[0] != "b@eu-west-1" {
		t.Fatalf("created=%v", fake.created)
	}
	if err := store.Put(ctx, "b", "k", strings.NewReader("v"), 1, "text/plain"); err != nil {
		t.Fatalf("Put() err=%v", err)
	}
	info, err := store.Stat(ctx, "b", "k")
	if err != nil {
		t.Fatalf("Stat() err=%v", err)
	}
	if info.Size != 1 {
		t.Fatalf("Stat().Size=%d", info.Size)
	}
}

package registry

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"markerengine/internal/types"
)

// S3Config configures the object-store registry source.
type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

// S3Source reads marker documents from an S3/MinIO bucket. Every object
// under the prefix with a .json/.yaml/.yml suffix is treated as a marker
// document file.
type S3Source struct {
	client *minio.Client
	bucket string
	prefix string
}

func NewS3Source(cfg S3Config) (*S3Source, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	access := strings.TrimSpace(cfg.AccessKey)
	secret := strings.TrimSpace(cfg.SecretKey)
	if access == "" || secret == "" {
		return nil, fmt.Errorf("s3 access key and secret key are required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}

	return &S3Source{
		client: client,
		bucket: bucket,
		prefix: strings.TrimSpace(cfg.Prefix),
	}, nil
}

func (s *S3Source) Fetch(ctx context.Context) ([]types.MarkerDefinition, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("s3 source is not initialized")
	}
	var out []types.MarkerDefinition
	objects := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    s.prefix,
		Recursive: true,
	})
	for obj := range objects {
		if obj.Err != nil {
			return nil, obj.Err
		}
		key := obj.Key
		lower := strings.ToLower(key)
		if !strings.HasSuffix(lower, ".json") && !strings.HasSuffix(lower, ".yaml") && !strings.HasSuffix(lower, ".yml") {
			continue
		}
		data, err := s.getObject(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", key, err)
		}
		defs, err := DecodeDocuments(key, data)
		if err != nil {
			return nil, err
		}
		out = append(out, defs...)
	}
	return out, nil
}

func (s *S3Source) getObject(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	return io.ReadAll(obj)
}

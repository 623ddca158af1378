package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"videoQA/core"
)

// S3API is the subset of the S3 client used by the store.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3StoreConfig holds configuration for S3BundleStore.
type S3StoreConfig struct {
	Bucket   string
	Region   string
	Endpoint string // MinIO, LocalStack, ...
	Prefix   string
}

// S3BundleStore mirrors FileBundleStore on object storage:
// <prefix>/<key>/<version>/<artifact> plus <prefix>/<key>/CURRENT, which is
// written last.
type S3BundleStore struct {
	client  S3API
	bucket  string
	prefix  string
	decoder core.IndexDecoder
	logger  *log.Logger
}

// NewS3BundleStore 创建 S3 存储
func NewS3BundleStore(ctx context.Context, cfg S3StoreConfig, decoder core.IndexDecoder) (*S3BundleStore, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3BundleStoreWithClient(client, cfg.Bucket, cfg.Prefix, decoder), nil
}

// NewS3BundleStoreWithClient wires an existing client.
func NewS3BundleStoreWithClient(client S3API, bucket, prefix string, decoder core.IndexDecoder) *S3BundleStore {
	return &S3BundleStore{
		client:  client,
		bucket:  bucket,
		prefix:  strings.Trim(prefix, "/"),
		decoder: decoder,
		logger:  log.New(os.Stdout, "[S3-STORE] ", log.LstdFlags),
	}
}

func (s *S3BundleStore) objectKey(parts ...string) string {
	return path.Join(append([]string{s.prefix}, parts...)...)
}

func (s *S3BundleStore) Save(ctx context.Context, b *core.VideoBundle) error {
	files, err := encodeBundle(b)
	if err != nil {
		return err
	}
	version := newVersion()
	for _, name := range artifactNames {
		if err := s.put(ctx, s.objectKey(b.Key, version, name), files[name]); err != nil {
			return err
		}
	}
	if err := s.put(ctx, s.objectKey(b.Key, currentFile), []byte(version)); err != nil {
		return err
	}
	s.logger.Printf("saved bundle %s version %s to s3://%s/%s", b.Key, version, s.bucket, s.objectKey(b.Key))
	return nil
}

func (s *S3BundleStore) Load(ctx context.Context, key string) (*core.VideoBundle, error) {
	pointer, err := s.get(ctx, s.objectKey(key, currentFile))
	if err != nil {
		return nil, err
	}
	version := strings.TrimSpace(string(pointer))
	if version == "" || strings.Contains(version, "/") {
		return nil, fmt.Errorf("%w: %s has an invalid version pointer", core.ErrBundleNotFound, key)
	}
	files := make(map[string][]byte, len(artifactNames))
	for _, name := range artifactNames {
		data, err := s.get(ctx, s.objectKey(key, version, name))
		if err != nil {
			return nil, err
		}
		files[name] = data
	}
	return decodeBundle(ctx, key, files, s.decoder)
}

func (s *S3BundleStore) put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("%w: s3 put %s: %v", core.ErrStoreUnavailable, key, err)
	}
	return nil
}

func (s *S3BundleStore) get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: %s", core.ErrBundleNotFound, key)
		}
		return nil, fmt.Errorf("%w: s3 get %s: %v", core.ErrStoreUnavailable, key, err)
	}
	defer func() { _ = out.Body.Close() }()
	return io.ReadAll(out.Body)
}

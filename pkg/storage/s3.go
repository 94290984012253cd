package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/dataplane-io/strata/pkg/config"
	"github.com/dataplane-io/strata/pkg/metrics"
	"github.com/dataplane-io/strata/pkg/strataerrors"
)

// s3Storage serves the s3 scheme via the AWS SDK. Credentials and region
// come from the default chain (env, shared config, instance role).
type s3Storage struct {
	client         *s3.Client
	uploader       *manager.Uploader
	bucket         string
	readBufferSize int
}

// NewS3 creates an S3 backend for one bucket.
func NewS3(ctx context.Context, bucket string, cfg *config.PipelineConfig) (Storage, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, strataerrors.Wrap(err, strataerrors.ErrorTypeConfig, "load AWS configuration")
	}

	client := s3.NewFromConfig(awsCfg)
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = int64(cfg.Storage.WriteBufferSize)
	})

	return &s3Storage{
		client:         client,
		uploader:       uploader,
		bucket:         bucket,
		readBufferSize: cfg.Storage.ReadBufferSize,
	}, nil
}

func (s *s3Storage) Backend() string { return "s3" }

func classifyS3Error(err error, msg string) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NoSuchBucket", "NotFound":
			return strataerrors.Wrap(err, strataerrors.ErrorTypeNotFound, msg)
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return strataerrors.Wrap(err, strataerrors.ErrorTypePermission, msg)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return strataerrors.Wrap(err, strataerrors.ErrorTypeCancelled, msg)
	}
	return strataerrors.Wrap(err, strataerrors.ErrorTypeStorageIO, msg)
}

func (s *s3Storage) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: &s.bucket,
		Prefix: &prefix,
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			metrics.StorageOperations.WithLabelValues("s3", "list", "error").Inc()
			return nil, classifyS3Error(err, "list s3://"+s.bucket+"/"+prefix)
		}
		for _, obj := range page.Contents {
			keys = append(keys, *obj.Key)
		}
	}
	metrics.StorageOperations.WithLabelValues("s3", "list", "ok").Inc()
	return keys, nil
}

func (s *s3Storage) Open(ctx context.Context, key string, rng *ByteRange) (io.ReadCloser, error) {
	input := &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	}
	if rng != nil {
		var spec string
		if rng.Length > 0 {
			spec = fmt.Sprintf("bytes=%d-%d", rng.Offset, rng.Offset+rng.Length-1)
		} else {
			spec = fmt.Sprintf("bytes=%d-", rng.Offset)
		}
		input.Range = &spec
	}

	out, err := s.client.GetObject(ctx, input)
	if err != nil {
		metrics.StorageOperations.WithLabelValues("s3", "open", "error").Inc()
		return nil, classifyS3Error(err, "open s3://"+s.bucket+"/"+key)
	}

	metrics.StorageOperations.WithLabelValues("s3", "open", "ok").Inc()
	return newChunkedReader(out.Body, s.readBufferSize), nil
}

func (s *s3Storage) ReadAll(ctx context.Context, key string) ([]byte, error) {
	rc, err := s.Open(ctx, key, nil)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, classifyS3Error(err, "read s3://"+s.bucket+"/"+key)
	}
	metrics.StorageBytesRead.WithLabelValues("s3").Add(float64(len(data)))
	return data, nil
}

func (s *s3Storage) Write(ctx context.Context, key string, r io.Reader) error {
	// The uploader buffers parts internally, so a mid-stream failure
	// never leaves a visible partial object.
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
		Body:   r,
	})
	if err != nil {
		metrics.StorageOperations.WithLabelValues("s3", "write", "error").Inc()
		return classifyS3Error(err, "write s3://"+s.bucket+"/"+key)
	}
	metrics.StorageOperations.WithLabelValues("s3", "write", "ok").Inc()
	return nil
}

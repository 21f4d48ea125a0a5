package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/relaymesh/relaymesh/internal/logger"
)

// S3Config configures the S3 storage backend.
type S3Config struct {
	// Endpoint overrides the AWS endpoint (MinIO, localstack, R2).
	Endpoint string

	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string

	// KeyPrefix is prepended to every object key.
	KeyPrefix string

	// ForcePathStyle is required for MinIO/localstack endpoints.
	ForcePathStyle bool
}

// NewS3Client creates an S3 client from configuration parameters.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return client, nil
}

// S3Storage is the S3-backed remote store for relayed files. It serves
// both the task manager's whole-file uploads and the stream worker's
// chunked sinks.
type S3Storage struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// NewS3Storage creates the storage over an existing client.
func NewS3Storage(client *s3.Client, bucket, keyPrefix string) *S3Storage {
	return &S3Storage{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		prefix:   keyPrefix,
	}
}

func (s *S3Storage) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

// stripKey undoes key for listed objects. Buckets written by other
// tools may carry a zero-byte marker object named exactly like the
// prefix; that strips to "".
func (s *S3Storage) stripKey(key string) string {
	if s.prefix == "" {
		return key
	}
	key = strings.TrimPrefix(key, s.prefix+"/")
	return strings.TrimPrefix(key, s.prefix)
}

// Exists reports whether the remote object is already present.
func (s *S3Storage) Exists(ctx context.Context, remoteName string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(remoteName)),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("s3 head %s: %w", remoteName, err)
	}
	return true, nil
}

// Upload streams a local file to the remote object.
func (s *S3Storage) Upload(ctx context.Context, localPath, remoteName string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("s3 upload %s: %w", remoteName, err)
	}
	defer f.Close()

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(remoteName)),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("s3 upload %s: %w", remoteName, err)
	}
	return nil
}

// List returns object names under prefix, with the configured key
// prefix stripped.
func (s *S3Storage) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.key(prefix)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			name := s.stripKey(aws.ToString(obj.Key))
			if name == "" {
				continue
			}
			names = append(names, name)
		}
	}
	return names, nil
}

// NewSink opens a streaming sink: chunk writes feed an io.Pipe whose
// read side is consumed by a multipart upload.
func (s *S3Storage) NewSink(ctx context.Context, taskID string, meta Metadata) (UploadSink, error) {
	pr, pw := io.Pipe()
	sink := &s3Sink{taskID: taskID, pw: pw, done: make(chan struct{})}

	go func() {
		defer close(sink.done)
		_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(meta.FileName)),
			Body:   pr,
		})
		if err != nil {
			sink.err = err
			// Unblock any writer stuck in pw.Write.
			_ = pr.CloseWithError(err)
			logger.Warn("s3 streaming upload failed",
				logger.KeyTaskID, taskID, logger.KeyError, err.Error())
			return
		}
		_ = pr.Close()
	}()
	return sink, nil
}

type s3Sink struct {
	taskID string
	pw     *io.PipeWriter

	closeOnce sync.Once
	done      chan struct{}
	err       error
}

func (s *s3Sink) Write(p []byte) (int, error) { return s.pw.Write(p) }

func (s *s3Sink) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.pw.Close() })
	return err
}

func (s *s3Sink) Wait() error {
	<-s.done
	if s.err != nil {
		return fmt.Errorf("s3 upload: %w", s.err)
	}
	return nil
}

func (s *s3Sink) Abort() {
	s.closeOnce.Do(func() { _ = s.pw.CloseWithError(errors.New("aborted")) })
	<-s.done
}

package artifacts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/dustin/go-humanize"

	"github.com/jo-hoe/podqueue/internal/common"
	"github.com/jo-hoe/podqueue/internal/config"
)

// objectAPI is the part of the S3 client the backend uses.
type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

var _ Backend = (*S3)(nil)

// S3 stores artifacts in an S3 compatible bucket such as Cloudflare R2.
type S3 struct {
	client        objectAPI
	bucket        string
	publicBaseURL string
	log           *slog.Logger
}

// NewS3 builds a client from cfg. Static credentials are used when both keys
// are set; otherwise the default AWS credential chain applies.
func NewS3(ctx context.Context, cfg config.S3Settings, log *slog.Logger) (*S3, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return newS3WithClient(client, cfg.Bucket, cfg.PublicBaseURL, log), nil
}

func newS3WithClient(client objectAPI, bucket, publicBaseURL string, log *slog.Logger) *S3 {
	if log == nil {
		log = slog.Default()
	}
	return &S3{client: client, bucket: bucket, publicBaseURL: strings.TrimRight(publicBaseURL, "/"), log: log}
}

func (b *S3) Store(ctx context.Context, localPath, key string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("%w: open %s: %v", ErrStorage, localPath, err)
	}
	defer func() { _ = f.Close() }()
	fi, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("%w: stat %s: %v", ErrStorage, localPath, err)
	}

	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(fi.Size()),
		ContentType:   aws.String(contentTypeFor(key)),
	})
	if err != nil {
		return "", fmt.Errorf("%w: put %s: %v", ErrStorage, key, err)
	}
	b.log.Info("artifact uploaded", "bucket", b.bucket, "key", key, "size", humanize.Bytes(uint64(fi.Size())))
	return b.ref(key), nil
}

func (b *S3) Locate(ctx context.Context, jobID string) (string, error) {
	for _, key := range CandidateKeys(jobID) {
		_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(key),
		})
		if err == nil {
			return key, nil
		}
		if !isNotFound(err) {
			return "", fmt.Errorf("%w: head %s: %v", ErrStorage, key, err)
		}
	}
	return "", ErrNotFound
}

func (b *S3) Open(ctx context.Context, key string) (*Object, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: get %s: %v", ErrStorage, key, err)
	}
	ct := aws.ToString(out.ContentType)
	if ct == "" {
		ct = common.ContentTypeAudio
	}
	return &Object{Body: out.Body, Size: aws.ToInt64(out.ContentLength), ContentType: ct}, nil
}

func (b *S3) ref(key string) string {
	if b.publicBaseURL != "" {
		return joinURL(b.publicBaseURL, key)
	}
	return "s3://" + b.bucket + "/" + key
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	if errors.As(err, &nf) || errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "404":
			return true
		}
	}
	return false
}

package objectclient

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	cfg "github.com/markdave123-py/contexta-gateway/internal/config"
	"github.com/markdave123-py/contexta-gateway/internal/core"
)

type S3Client struct {
	uploader *manager.Uploader
	region   string
	logger   *zap.SugaredLogger
}

func NewS3Client(ctx context.Context, cfg *cfg.Config, logger *zap.SugaredLogger) (*S3Client, error) {
	if cfg.AwsAccessKey == "" || cfg.AwsSecretKey == "" {
		return nil, errors.New("AWS credentials not set")
	}
	if cfg.AwsRegion == "" {
		return nil, errors.New("AWS_REGION not set")
	}

	awsCfg, err := config.LoadDefaultConfig(
		ctx,
		config.WithRegion(cfg.AwsRegion),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AwsAccessKey, cfg.AwsSecretKey, ""),
		),
	)
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}

	client := s3.NewFromConfig(awsCfg)
	logger.Infow("S3 client ready", "region", cfg.AwsRegion)

	return &S3Client{
		uploader: manager.NewUploader(client),
		region:   cfg.AwsRegion,
		logger:   logger,
	}, nil
}

// UploadFile streams data to bucket/key and returns the object URL.
func (c *S3Client) UploadFile(ctx context.Context, bucket, key string, data io.Reader, contentType string) (string, error) {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        data,
		ContentType: aws.String(contentType),
	}

	ctxUpload, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	if _, err := c.uploader.Upload(ctxUpload, input); err != nil {
		return "", errors.Wrapf(err, "s3 upload %s", key)
	}

	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", bucket, c.region, key), nil
}

var _ core.ObjectClient = (*S3Client)(nil)

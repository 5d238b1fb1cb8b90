package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/treeverse/tables/pkg/block"
	"github.com/treeverse/tables/pkg/block/params"
	"github.com/treeverse/tables/pkg/logging"
)

type Adapter struct {
	client *s3.Client
}

// LoadConfig builds the aws config from params, falling back to the default credential chain
// when no static keys are given.
func LoadConfig(ctx context.Context, p params.S3) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithLogger(&logging.AWSAdapter{Logger: logging.FromContext(ctx).WithField("sdk", "aws")}),
	}
	if p.Region != "" {
		opts = append(opts, config.WithRegion(p.Region))
	}
	if p.MaxRetries > 0 {
		opts = append(opts, config.WithRetryMaxAttempts(p.MaxRetries))
	}
	if p.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(p.AccessKeyID, p.SecretAccessKey, "")))
	}
	return config.LoadDefaultConfig(ctx, opts...)
}

// WithClientParams applies endpoint overrides, used for S3 compatible stores
func WithClientParams(p params.S3) func(*s3.Options) {
	return func(o *s3.Options) {
		if p.Endpoint != "" {
			o.BaseEndpoint = aws.String(p.Endpoint)
		}
		o.UsePathStyle = p.ForcePathStyle
	}
}

func NewAdapter(ctx context.Context, p params.S3) (*Adapter, error) {
	cfg, err := LoadConfig(ctx, p)
	if err != nil {
		return nil, err
	}
	return NewAdapterWithClient(s3.NewFromConfig(cfg, WithClientParams(p))), nil
}

func NewAdapterWithClient(client *s3.Client) *Adapter {
	return &Adapter{client: client}
}

func isErrNotFound(err error) bool {
	var (
		noSuchKey *types.NoSuchKey
		notFound  *types.NotFound
		apiErr    smithy.APIError
	)
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == http.StatusText(http.StatusNotFound)
}

func (a *Adapter) Put(ctx context.Context, obj block.ObjectPointer, sizeBytes int64, reader io.Reader) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(obj.StorageNamespace),
		Key:    aws.String(obj.Identifier),
		Body:   reader,
	}
	if sizeBytes >= 0 {
		input.ContentLength = aws.Int64(sizeBytes)
	}
	_, err := a.client.PutObject(ctx, input)
	if err != nil {
		logging.FromContext(ctx).WithError(err).WithField("object", obj.String()).Error("failed to put S3 object")
		return fmt.Errorf("put %s: %w", obj, err)
	}
	return nil
}

func (a *Adapter) Get(ctx context.Context, obj block.ObjectPointer) (io.ReadCloser, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(obj.StorageNamespace),
		Key:    aws.String(obj.Identifier),
	})
	if isErrNotFound(err) {
		return nil, fmt.Errorf("%s: %w", obj, block.ErrDataNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", obj, err)
	}
	return out.Body, nil
}

func (a *Adapter) Exists(ctx context.Context, obj block.ObjectPointer) (bool, error) {
	_, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(obj.StorageNamespace),
		Key:    aws.String(obj.Identifier),
	})
	if isErrNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (a *Adapter) Remove(ctx context.Context, obj block.ObjectPointer) error {
	_, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(obj.StorageNamespace),
		Key:    aws.String(obj.Identifier),
	})
	if err != nil {
		return fmt.Errorf("remove %s: %w", obj, err)
	}
	return nil
}

func (a *Adapter) BlockstoreType() string {
	return block.BlockstoreTypeS3
}

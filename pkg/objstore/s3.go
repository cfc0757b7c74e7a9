package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/cuemby/ferry/pkg/log"
	"github.com/cuemby/ferry/pkg/types"
	"github.com/rs/zerolog"
)

const (
	// DefaultPartSize is the size of one uploaded part
	DefaultPartSize = 16 * 1024 * 1024
	// MinPartSize is the smallest part S3 accepts except for the last one
	MinPartSize = 5 * 1024 * 1024
)

// S3Store implements Store against an S3 compatible bucket
type S3Store struct {
	client   *s3.Client
	bucket   string
	partSize int64
	logger   zerolog.Logger
}

// NewS3Store builds a client for an S3 remote. secretKey is the unsealed
// secret of remote.AccessKey.
func NewS3Store(ctx context.Context, remote *types.Remote, secretKey string) (*S3Store, error) {
	if remote.Type != types.RemoteTypeS3 {
		return nil, fmt.Errorf("remote %s is not an s3 remote", remote.Name)
	}

	region := remote.Region
	if region == "" {
		region = "us-east-1"
	}

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(remote.AccessKey, secretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if remote.Endpoint != "" {
			o.BaseEndpoint = aws.String(remote.Endpoint)
		}
		o.UsePathStyle = remote.UsePathStyle
	})

	return &S3Store{
		client:   client,
		bucket:   remote.Bucket,
		partSize: DefaultPartSize,
		logger:   log.WithComponent("objstore").With().Str("bucket", remote.Bucket).Logger(),
	}, nil
}

// WithPartSize sets the part size, clamped to MinPartSize
func (s *S3Store) WithPartSize(size int64) *S3Store {
	if size < MinPartSize {
		size = MinPartSize
	}
	s.partSize = size
	return s
}

func (s *S3Store) InitMultipart(ctx context.Context, key string) (string, error) {
	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create multipart upload for %s: %w", key, err)
	}
	return aws.ToString(out.UploadId), nil
}

func (s *S3Store) PutObjectMultipart(ctx context.Context, key, uploadID string, r io.Reader) error {
	var parts []s3types.CompletedPart
	buf := make([]byte, s.partSize)

	for partNr := int32(1); ; partNr++ {
		n, readErr := io.ReadFull(r, buf)
		if readErr != nil && readErr != io.EOF && readErr != io.ErrUnexpectedEOF {
			return fmt.Errorf("failed to read part %d of %s: %w", partNr, key, readErr)
		}
		// an empty stream still needs one part
		if n == 0 && len(parts) > 0 {
			break
		}

		out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(key),
			UploadId:      aws.String(uploadID),
			PartNumber:    aws.Int32(partNr),
			Body:          bytes.NewReader(buf[:n]),
			ContentLength: aws.Int64(int64(n)),
		})
		if err != nil {
			return fmt.Errorf("failed to upload part %d of %s: %w", partNr, key, err)
		}
		parts = append(parts, s3types.CompletedPart{
			ETag:       out.ETag,
			PartNumber: aws.Int32(partNr),
		})
		s.logger.Trace().Str("key", key).Int32("part", partNr).Int("bytes", n).Msg("Uploaded part")

		if readErr != nil {
			break
		}
	}

	_, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &s3types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return fmt.Errorf("failed to complete multipart upload of %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) AbortMultipart(ctx context.Context, key, uploadID string) error {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil && !IsNotFound(err) {
		return fmt.Errorf("failed to abort multipart upload of %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) GetObject(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return out.Body, nil
}

func (s *S3Store) PutObject(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

// IsNotFound reports whether err is an S3 404 or a missing key or upload
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchUpload", "NoSuchKey", "NotFound":
			return true
		}
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound {
		return true
	}
	return false
}

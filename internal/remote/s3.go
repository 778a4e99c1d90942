package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

type S3Config struct {
	Bucket       string
	Region       string
	BaseEndpoint string
	AccessKey    string
	SecretKey    string
	// PublicBaseURL prefixes returned references. Defaults to
	// BaseEndpoint/Bucket.
	PublicBaseURL string
	UsePathStyle  bool
}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Uploader writes documents to an S3-compatible bucket at
// applications/<applicationID>/<documentID>. Rewrites overwrite the object.
type S3Uploader struct {
	client    objectPutter
	bucket    string
	publicURL string
}

var (
	loadDefaultAWSConfig  = awsconfig.LoadDefaultConfig
	newS3ClientFromConfig = s3.NewFromConfig
)

func NewS3Uploader(ctx context.Context, cfg S3Config) (*S3Uploader, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("s3 bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := loadDefaultAWSConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := newS3ClientFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.BaseEndpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	publicURL := strings.TrimRight(cfg.PublicBaseURL, "/")
	if publicURL == "" && cfg.BaseEndpoint != "" {
		publicURL = strings.TrimRight(cfg.BaseEndpoint, "/") + "/" + cfg.Bucket
	}
	return &S3Uploader{client: client, bucket: cfg.Bucket, publicURL: publicURL}, nil
}

func (u *S3Uploader) UploadDocument(ctx context.Context, applicationID, documentID string, data []byte, contentType string) (DocumentRef, error) {
	if applicationID == "" || documentID == "" {
		return DocumentRef{}, errors.New("application and document ids are required")
	}
	key := DocumentObjectKey(applicationID, documentID)
	input := &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := u.client.PutObject(ctx, input); err != nil {
		return DocumentRef{}, classifyS3Error(err)
	}
	ref := DocumentRef{URL: "s3://" + u.bucket + "/" + key}
	if u.publicURL != "" {
		ref.URL = u.publicURL + "/" + key
	}
	return ref, nil
}

func DocumentObjectKey(applicationID, documentID string) string {
	return path.Join("applications", url.PathEscape(applicationID), url.PathEscape(documentID))
}

// classifyS3Error keeps service responses as HTTP errors and everything else
// as transport failures.
func classifyS3Error(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		status := 500
		var statusErr interface{ HTTPStatusCode() int }
		if errors.As(err, &statusErr) {
			status = statusErr.HTTPStatusCode()
		}
		return &HTTPError{StatusCode: status, Code: apiErr.ErrorCode(), Message: apiErr.ErrorMessage()}
	}
	return &TransportError{Op: "s3 put", Err: err}
}

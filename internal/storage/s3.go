package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// Provider names an S3-compatible service.
type Provider string

const (
	ProviderR2           Provider = "r2"
	ProviderS3           Provider = "s3"
	ProviderSupabase     Provider = "supabase"
	ProviderS3Compatible Provider = "s3compatible"
)

// defaultRegion is used when the config leaves the region empty.
func (p Provider) defaultRegion() string {
	if p == ProviderR2 {
		return "auto"
	}
	return "us-east-1"
}

// managesBuckets reports whether buckets can be created through the S3 API.
// R2 and Supabase buckets are created from their dashboards.
func (p Provider) managesBuckets() bool {
	return p != ProviderR2 && p != ProviderSupabase
}

// S3Config holds connection settings for an S3-compatible bucket.
type S3Config struct {
	Provider  Provider
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	Region    string
	// PublicURL prefixes object URLs (CDN, r2.dev or a public bucket). Empty
	// means path-style URLs on the endpoint.
	PublicURL string
}

// S3Store is an ArtifactStore on an S3-compatible bucket.
type S3Store struct {
	client    *s3.Client
	bucket    string
	provider  Provider
	publicURL string
}

// NewS3Store builds a path-style S3 client for cfg.
func NewS3Store(cfg *S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("storage: bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = cfg.Provider.defaultRegion()
	}
	baseURL := endpointURL(cfg)

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(baseURL)
		o.UsePathStyle = true
	})

	publicURL := strings.TrimSuffix(cfg.PublicURL, "/")
	if publicURL == "" {
		publicURL = baseURL + "/" + cfg.Bucket
	}

	return &S3Store{
		client:    client,
		bucket:    cfg.Bucket,
		provider:  cfg.Provider,
		publicURL: publicURL,
	}, nil
}

// endpointURL returns scheme://host for the endpoint. Supabase keeps its
// path since it serves S3 under /storage/v1/s3.
func endpointURL(cfg *S3Config) string {
	if cfg.Provider == ProviderSupabase && strings.HasPrefix(cfg.Endpoint, "http") {
		return strings.TrimSuffix(cfg.Endpoint, "/")
	}
	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}
	return scheme + "://" + endpointHost(cfg.Endpoint)
}

// endpointHost strips scheme and path from an endpoint.
func endpointHost(endpoint string) string {
	host := strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")
	if i := strings.IndexByte(host, '/'); i != -1 {
		host = host[:i]
	}
	return host
}

// EnsureBucket creates the bucket when the provider allows it.
func (s *S3Store) EnsureBucket(ctx context.Context) error {
	if err := s.Ping(ctx); err == nil {
		return nil
	}
	if !s.provider.managesBuckets() {
		return fmt.Errorf("bucket %s does not exist, create it in the %s dashboard", s.bucket, s.provider)
	}
	if _, err := s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

// Ping issues HeadBucket.
func (s *S3Store) Ping(ctx context.Context) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return fmt.Errorf("bucket %s unreachable: %w", s.bucket, err)
	}
	return nil
}

// Put uploads obj unless an object already sits at its key.
func (s *S3Store) Put(ctx context.Context, obj Object) (string, error) {
	exists, err := s.exists(ctx, obj.Key)
	if err != nil {
		return "", err
	}
	if !exists {
		input := &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(obj.Key),
			Body:          bytes.NewReader(obj.Data),
			ContentLength: aws.Int64(int64(len(obj.Data))),
			ContentType:   aws.String(obj.ContentType),
			CacheControl:  aws.String("public, max-age=31536000, immutable"),
		}
		if obj.SourceURL != "" {
			input.Metadata = map[string]string{"source-url": obj.SourceURL}
		}
		if _, err := s.client.PutObject(ctx, input); err != nil {
			return "", fmt.Errorf("failed to upload %s: %w", obj.Key, err)
		}
	}
	return s.url(obj.Key), nil
}

func (s *S3Store) url(key string) string {
	return s.publicURL + "/" + key
}

func (s *S3Store) exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat %s: %w", key, err)
}

// isNotFound covers both the typed error and providers that only return a
// bare 404 on HEAD.
func isNotFound(err error) bool {
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NotFound" {
		return true
	}
	var respErr interface{ HTTPStatusCode() int }
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound
}

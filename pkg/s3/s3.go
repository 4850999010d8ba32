package s3

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Client is a thin wrapper around the AWS SDK v2 S3 client used for hosting
// configuration-profile documents with public-read semantics.
type Client struct {
	api      *s3.Client
	presign  *s3.PresignClient
	region   string
	endpoint string
}

// ObjectInfo summarises an already-stored object.
type ObjectInfo struct {
	SHA256 string
	Size   int64
}

// NewClientFromEnv initialises a Client from the environment.
//
// Optional environment variables:
//   - AWS_REGION (default "eu-north-1").
//   - S3_ENDPOINT: custom endpoint for S3-compatible stores; omit for AWS.
//   - S3_ACCESS_KEY / S3_SECRET_KEY: static credentials; when unset the
//     default AWS credential chain is used.
//   - S3_FORCE_PATH_STYLE (bool; default false, true implied by S3_ENDPOINT).
func NewClientFromEnv(ctx context.Context) (*Client, error) {
	region := strings.TrimSpace(os.Getenv("AWS_REGION"))
	if region == "" {
		region = "eu-north-1"
	}
	endpoint := strings.TrimSpace(os.Getenv("S3_ENDPOINT"))
	if endpoint != "" && !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "https://" + endpoint
	}

	pathStyle := endpoint != ""
	if v := strings.TrimSpace(os.Getenv("S3_FORCE_PATH_STYLE")); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			pathStyle = parsed
		}
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
		awsconfig.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
	}
	accessKey := os.Getenv("S3_ACCESS_KEY")
	secretKey := os.Getenv("S3_SECRET_KEY")
	if accessKey != "" && secretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = pathStyle
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	return &Client{
		api:      client,
		presign:  s3.NewPresignClient(client),
		region:   region,
		endpoint: endpoint,
	}, nil
}

// PutObject uploads data under bucket/key with the given content type and
// content disposition. The SHA-256 of the body is stored as object metadata
// so later uploads can detect byte-identical content without a download.
func (c *Client) PutObject(ctx context.Context, bucket, key string, data []byte, contentType, contentDisposition string) error {
	if c == nil {
		return errors.New("nil client")
	}

	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	checksum := base64.StdEncoding.EncodeToString(sum[:])
	size := int64(len(data))

	input := &s3.PutObjectInput{
		Bucket:            &bucket,
		Key:               &key,
		Body:              bytes.NewReader(data),
		ContentLength:     &size,
		ChecksumAlgorithm: s3types.ChecksumAlgorithmSha256,
		ChecksumSHA256:    &checksum,
		Metadata: map[string]string{
			"sha256": digest,
		},
	}
	if contentType != "" {
		input.ContentType = &contentType
	}
	if contentDisposition != "" {
		input.ContentDisposition = &contentDisposition
	}

	_, err := c.api.PutObject(ctx, input)
	return err
}

// Head returns metadata for bucket/key. The second return value reports
// whether the object exists.
func (c *Client) Head(ctx context.Context, bucket, key string) (ObjectInfo, bool, error) {
	if c == nil {
		return ObjectInfo{}, false, errors.New("nil client")
	}

	out, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &bucket,
		Key:    &key,
	})
	if err != nil {
		var notFound *s3types.NotFound
		if errors.As(err, &notFound) {
			return ObjectInfo{}, false, nil
		}
		return ObjectInfo{}, false, err
	}

	info := ObjectInfo{SHA256: out.Metadata["sha256"]}
	if out.ContentLength != nil {
		info.Size = *out.ContentLength
	}
	return info, true, nil
}

// PublicURL returns the unauthenticated HTTPS URL for bucket/key. Against a
// custom endpoint it uses path-style addressing; against AWS it uses the
// regional virtual-hosted form.
func (c *Client) PublicURL(bucket, key string) string {
	escaped := escapeKey(key)
	if c != nil && c.endpoint != "" {
		return fmt.Sprintf("%s/%s/%s", strings.TrimSuffix(c.endpoint, "/"), bucket, escaped)
	}
	region := "eu-north-1"
	if c != nil && c.region != "" {
		region = c.region
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", bucket, region, escaped)
}

// PresignGet generates a presigned GET URL for the provided key and TTL.
func (c *Client) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	if c == nil {
		return "", errors.New("nil client")
	}

	req, err := c.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &bucket,
		Key:    &key,
	}, func(opts *s3.PresignOptions) {
		opts.Expires = ttl
	})
	if err != nil {
		return "", err
	}

	return req.URL, nil
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

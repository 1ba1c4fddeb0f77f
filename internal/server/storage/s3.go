// Package storage implements the object-storage gateway over an
// S3-compatible backend: presigned upload/download URLs and best-effort
// object deletion.
package storage

import (
	"context"
	"fmt"
	"time"

	sc "github.com/dmitrijs2005/vidstream/internal/server/config"
	"github.com/google/uuid"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}

	newS3PresignClient = func(c *s3.Client) *s3.PresignClient {
		return s3.NewPresignClient(c)
	}

	presignPutObject = func(pc *s3.PresignClient, ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
		return pc.PresignPutObject(ctx, in, optFns...)
	}
	presignGetObject = func(pc *s3.PresignClient, ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
		return pc.PresignGetObject(ctx, in, optFns...)
	}
	deleteObject = func(c *s3.Client, ctx context.Context, in *s3.DeleteObjectInput) (*s3.DeleteObjectOutput, error) {
		return c.DeleteObject(ctx, in)
	}
)

// S3Gateway issues presigned URLs and deletes objects in a single bucket.
type S3Gateway struct {
	config *sc.Config
}

// NewS3Gateway constructs a gateway using the server config's S3 settings.
func NewS3Gateway(config *sc.Config) *S3Gateway {
	return &S3Gateway{config: config}
}

// NewRawStorageKey builds the raw-upload key for a file name:
// "raw-videos/<uuid>-<fileName>". The uuid token makes the key unique across
// uploads of the same file.
func NewRawStorageKey(fileName string) string {
	return fmt.Sprintf("raw-videos/%v-%s", uuid.New(), fileName)
}

func (g *S3Gateway) getClient() (*s3.Client, error) {
	cfg, err := loadDefaultAWSConfig(context.Background(),
		config.WithRegion(g.config.S3Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			g.config.S3RootUser,     // MINIO_ROOT_USER
			g.config.S3RootPassword, // MINIO_ROOT_PASSWORD
			"",
		)))
	if err != nil {
		return nil, err
	}

	client := newS3ClientFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(g.config.S3BaseEndpoint)
	})

	return client, nil
}

// IssueUploadURL returns a presigned PUT URL for the given key, valid for ttl.
func (g *S3Gateway) IssueUploadURL(ctx context.Context, key, contentType string, ttl time.Duration) (string, error) {

	client, err := g.getClient()
	if err != nil {
		return "", err
	}

	bucket := g.config.S3Bucket

	// Presigned PUT
	req, err := presignPutObject(newS3PresignClient(client), ctx, &s3.PutObjectInput{
		Bucket:      &bucket,
		Key:         &key,
		ContentType: &contentType,
	}, s3.WithPresignExpires(ttl))

	if err != nil {
		return "", err
	}

	return req.URL, nil
}

// IssueDownloadURL returns a presigned GET URL for the given key, valid for ttl.
func (g *S3Gateway) IssueDownloadURL(ctx context.Context, key string, ttl time.Duration) (string, error) {

	client, err := g.getClient()
	if err != nil {
		return "", err
	}

	bucket := g.config.S3Bucket

	// Presigned GET
	req, err := presignGetObject(newS3PresignClient(client), ctx, &s3.GetObjectInput{
		Bucket: &bucket,
		Key:    &key,
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", err
	}

	return req.URL, nil
}

// DeleteObject removes the object at key from the bucket.
func (g *S3Gateway) DeleteObject(ctx context.Context, key string) error {

	client, err := g.getClient()
	if err != nil {
		return err
	}

	bucket := g.config.S3Bucket

	if _, err := deleteObject(client, ctx, &s3.DeleteObjectInput{
		Bucket: &bucket,
		Key:    &key,
	}); err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

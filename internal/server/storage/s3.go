package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config holds the settings for an S3-compatible backend (AWS, MinIO, R2).
type S3Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
}

// S3Store stores attachment blobs in an S3-compatible bucket. Abandoned
// multipart uploads are left to the bucket's lifecycle rules.
type S3Store struct {
	client *s3.Client
	bucket string
}

// NewS3Store builds an S3 client from static credentials.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)))
	if err != nil {
		return nil, fmt.Errorf("failed to load s3 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Store{client: client, bucket: cfg.Bucket}, nil
}

// EnsureReady creates the bucket when it does not exist yet.
func (s *S3Store) EnsureReady(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err == nil {
		return nil
	}

	slog.Info("creating bucket", "bucket", s.bucket)
	if _, err := s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		if errors.As(err, &owned) {
			return nil
		}
		return fmt.Errorf("failed to create bucket %s: %w", s.bucket, err)
	}
	return nil
}

// CreateMultipartUpload starts the upload and writes its metadata to a
// pending/ sidecar object. S3 does not return the metadata of an upload in
// progress, so UploadMetadata reads the sidecar instead.
func (s *S3Store) CreateMultipartUpload(ctx context.Context, key string, meta Metadata) (string, error) {
	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String("application/octet-stream"),
		Metadata:    meta,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create multipart upload for %s: %w", key, err)
	}
	uploadID := aws.ToString(out.UploadId)

	manifest, err := json.Marshal(multipartManifest{Key: key, Metadata: meta})
	if err == nil {
		_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(pendingKey(key, uploadID)),
			Body:        bytes.NewReader(manifest),
			ContentType: aws.String("application/json"),
		})
	}
	if err != nil {
		if _, abortErr := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(s.bucket),
			Key:      aws.String(key),
			UploadId: aws.String(uploadID),
		}); abortErr != nil {
			slog.Error("failed to abort multipart upload", "key", key, "upload_id", uploadID, "error", abortErr)
		}
		return "", fmt.Errorf("failed to write upload manifest for %s: %w", key, err)
	}
	return uploadID, nil
}

func (s *S3Store) UploadMetadata(ctx context.Context, key, uploadID string) (Metadata, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(pendingKey(key, uploadID)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrUploadNotFound
		}
		return nil, fmt.Errorf("failed to read upload manifest for %s: %w", key, err)
	}
	defer out.Body.Close()

	var m multipartManifest
	if err := json.NewDecoder(out.Body).Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to decode upload manifest: %w", err)
	}
	if m.Key != key {
		return nil, ErrUploadNotFound
	}
	return m.Metadata, nil
}

func (s *S3Store) UploadPart(ctx context.Context, key, uploadID string, partNumber int32, data []byte) (string, error) {
	out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(partNumber),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		var nsu *types.NoSuchUpload
		if errors.As(err, &nsu) {
			return "", ErrUploadNotFound
		}
		return "", fmt.Errorf("failed to upload part %d of %s: %w", partNumber, key, err)
	}
	return aws.ToString(out.ETag), nil
}

func (s *S3Store) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []Part) error {
	completed := make([]types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(p.Number),
		})
	}

	_, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		var nsu *types.NoSuchUpload
		if errors.As(err, &nsu) {
			return ErrUploadNotFound
		}
		return fmt.Errorf("%w: %v", ErrInvalidPart, err)
	}

	if err := s.Delete(ctx, pendingKey(key, uploadID)); err != nil {
		slog.Warn("failed to delete upload manifest", "key", key, "upload_id", uploadID, "error", err)
	}
	return nil
}

func (s *S3Store) Put(ctx context.Context, key string, data io.Reader, size int64, meta Metadata) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          data,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/octet-stream"),
		Metadata:      meta,
	})
	if err != nil {
		return fmt.Errorf("failed to put object %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, key string) (*Object, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("failed to get object %s: %w", key, err)
	}
	return &Object{
		Body:     out.Body,
		Size:     aws.ToInt64(out.ContentLength),
		Metadata: out.Metadata,
	}, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object %s from bucket %s: %w", key, s.bucket, err)
	}
	return nil
}

func pendingKey(key, uploadID string) string {
	return "pending/" + key + "/" + url.PathEscape(uploadID) + ".json"
}

var (
	_ BlobStore = (*S3Store)(nil)
	_ BlobStore = (*FileSystemStore)(nil)
)

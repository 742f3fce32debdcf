package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/maneesh/permastore/internal/models"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const minioLinkPrefix = "links/"

// MinioStore is a LinkStore keeping one JSON object per link.
// Put writes with If-None-Match so the server refuses to replace an existing link.
// Servers that ignore the condition are covered only by the stat before the write.
type MinioStore struct {
	client     *minio.Client
	bucketName string
	now        func() time.Time
}

// NewMinioStore initializes a MinIO client and makes sure the bucket exists
func NewMinioStore(endpoint, accessKey, secretKey, bucketName string, useSSL bool) (*MinioStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	ctx := context.Background()
	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		slog.Info("creating bucket", "bucket", bucketName)
		if err := client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &MinioStore{
		client:     client,
		bucketName: bucketName,
		now:        time.Now,
	}, nil
}

// Ping checks that the bucket is reachable
func (ms *MinioStore) Ping(ctx context.Context) error {
	_, err := ms.client.BucketExists(ctx, ms.bucketName)
	return err
}

func linkObjectKey(token string) string {
	return minioLinkPrefix + token + ".json"
}

// Put writes the link object unless one already exists
func (ms *MinioStore) Put(ctx context.Context, token string, refs []models.ContentRef) error {
	ctx, span := tracer.Start(ctx, "minio.put_link",
		trace.WithAttributes(
			attribute.String("token", token),
			attribute.Int("item_count", len(refs)),
		),
	)
	defer span.End()

	if len(refs) == 0 {
		return ErrEmptyBatch
	}

	key := linkObjectKey(token)
	_, err := ms.client.StatObject(ctx, ms.bucketName, key, minio.StatObjectOptions{})
	if err == nil {
		span.SetAttributes(attribute.Bool("duplicate", true))
		return ErrDuplicateToken
	}
	if !isNoSuchKey(err) {
		span.RecordError(err)
		return fmt.Errorf("failed to stat link object: %w", err)
	}

	data, err := json.Marshal(models.LinkRecord{
		Token:     token,
		Refs:      refs,
		CreatedAt: ms.now().UTC(),
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to marshal link: %w", err)
	}

	opts := minio.PutObjectOptions{ContentType: "application/json"}
	opts.SetMatchETagExcept("*")
	_, err = ms.client.PutObject(ctx, ms.bucketName, key, bytes.NewReader(data), int64(len(data)), opts)
	if isPreconditionFailed(err) {
		span.SetAttributes(attribute.Bool("duplicate", true))
		return ErrDuplicateToken
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to upload link object: %w", err)
	}

	span.SetAttributes(attribute.Bool("upload_success", true))
	return nil
}

// Get downloads and decodes the link object
func (ms *MinioStore) Get(ctx context.Context, token string) (*models.LinkRecord, error) {
	ctx, span := tracer.Start(ctx, "minio.get_link",
		trace.WithAttributes(
			attribute.String("token", token),
		),
	)
	defer span.End()

	object, err := ms.client.GetObject(ctx, ms.bucketName, linkObjectKey(token), minio.GetObjectOptions{})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get link object: %w", err)
	}
	defer object.Close()

	// GetObject is lazy; a missing key surfaces on the first read.
	data, err := io.ReadAll(object)
	if err != nil {
		if isNoSuchKey(err) {
			span.SetAttributes(attribute.Bool("found", false))
			return nil, nil
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read link object: %w", err)
	}

	var record models.LinkRecord
	if err := json.Unmarshal(data, &record); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to unmarshal link: %w", err)
	}

	span.SetAttributes(attribute.Bool("found", true))
	return &record, nil
}

// Delete removes the link object. Removing a missing object succeeds.
func (ms *MinioStore) Delete(ctx context.Context, token string) error {
	ctx, span := tracer.Start(ctx, "minio.delete_link",
		trace.WithAttributes(
			attribute.String("token", token),
		),
	)
	defer span.End()

	err := ms.client.RemoveObject(ctx, ms.bucketName, linkObjectKey(token), minio.RemoveObjectOptions{})
	if err != nil && !isNoSuchKey(err) {
		span.RecordError(err)
		return fmt.Errorf("failed to delete link object: %w", err)
	}
	return nil
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}

func isPreconditionFailed(err error) bool {
	return err != nil && minio.ToErrorResponse(err).Code == "PreconditionFailed"
}

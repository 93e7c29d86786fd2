package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3API is the subset of the S3 client used by S3BlobStore.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Object metadata keys. S3 lower-cases user metadata keys on read.
const (
	metaFileName  = "file-name"
	metaCategory  = "category"
	metaHash      = "sha256"
	metaCreatedAt = "created-at"
	metaCreatedBy = "created-by"
	metaTagPrefix = "tag-"
)

// S3BlobStore keeps each blob as one object under prefix, with the descriptive
// fields carried as object metadata.
type S3BlobStore struct {
	client S3API
	bucket string
	prefix string
}

func NewS3BlobStore(client S3API, bucket, prefix string) *S3BlobStore {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3BlobStore{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3BlobStore) key(id string) string {
	return s.prefix + id
}

func (s *S3BlobStore) Upload(ctx context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	meta, data, err := prepare(meta, content)
	if err != nil {
		return nil, err
	}

	objMeta := map[string]string{
		metaFileName:  meta.FileName,
		metaCategory:  meta.Category,
		metaHash:      meta.Hash,
		metaCreatedAt: meta.CreatedAt.Format(time.RFC3339Nano),
		metaCreatedBy: meta.CreatedBy,
	}
	for k, v := range meta.Tags {
		objMeta[metaTagPrefix+strings.ToLower(k)] = v
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(meta.ID)),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(meta.ContentType),
		ContentLength: aws.Int64(meta.Size),
		Metadata:      objMeta,
	})
	if err != nil {
		return nil, fmt.Errorf("blobstore: s3 put %s: %w", meta.ID, err)
	}
	return &meta, nil
}

func (s *S3BlobStore) Download(ctx context.Context, id string) (io.ReadCloser, *BlobMetadata, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		return nil, nil, s.translate(id, err)
	}
	meta := metadataFromObject(id, out.Metadata, aws.ToString(out.ContentType), aws.ToInt64(out.ContentLength))
	return out.Body, meta, nil
}

func (s *S3BlobStore) GetMetadata(ctx context.Context, id string) (*BlobMetadata, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		return nil, s.translate(id, err)
	}
	return metadataFromObject(id, out.Metadata, aws.ToString(out.ContentType), aws.ToInt64(out.ContentLength)), nil
}

// Delete removes the object. S3 deletes are idempotent, so a missing key is
// not an error.
func (s *S3BlobStore) Delete(ctx context.Context, id string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		return fmt.Errorf("blobstore: s3 delete %s: %w", id, err)
	}
	return nil
}

func (s *S3BlobStore) translate(id string, err error) error {
	var nsk *s3types.NoSuchKey
	var nf *s3types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return ErrBlobNotFound
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NoSuchKey" || apiErr.ErrorCode() == "NotFound") {
		return ErrBlobNotFound
	}
	return fmt.Errorf("blobstore: s3 get %s: %w", id, err)
}

func metadataFromObject(id string, m map[string]string, contentType string, size int64) *BlobMetadata {
	meta := &BlobMetadata{
		ID:          id,
		FileName:    m[metaFileName],
		ContentType: contentType,
		Size:        size,
		Category:    m[metaCategory],
		Hash:        m[metaHash],
		CreatedBy:   m[metaCreatedBy],
		Tags:        make(map[string]string),
	}
	if ts, err := time.Parse(time.RFC3339Nano, m[metaCreatedAt]); err == nil {
		meta.CreatedAt = ts
	}
	for k, v := range m {
		if tag, ok := strings.CutPrefix(k, metaTagPrefix); ok {
			meta.Tags[tag] = v
		}
	}
	return meta
}

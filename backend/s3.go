//go:build s3

// Package backend contains implementation of various backend providers.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package backend

import (
	"bytes"
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/pkg/errors"

	"github.com/julea-io/julea-go/internal/cos"
)

var _ Provider = (*S3)(nil)

// S3 realizes Provider against an S3-compatible bucket: one object key
// per (namespace, name), with offset writes implemented as a
// read-modify-write through the manager.Downloader/Uploader pair (S3 has
// no native partial-overwrite primitive). Grounded on the teacher's
// ais/backend provider-per-file layout; S3 itself is a direct teacher
// dependency (SPEC_FULL domain stack).
type S3 struct {
	name   string
	bucket string
	client *s3.Client
	up     *manager.Uploader
	down   *manager.Downloader
}

func OpenS3(ctx context.Context, name, bucket string) (*S3, error) {
	cfg, err := awscfg.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, cos.NewBackendError("backend.OpenS3", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3{
		name:   name,
		bucket: bucket,
		client: client,
		up:     manager.NewUploader(client),
		down:   manager.NewDownloader(client),
	}, nil
}

func (s *S3) Name() string { return s.name }

func objectKey(namespace, name string) string { return namespace + "/" + name }

func (s *S3) ObjectCreate(ctx context.Context, namespace, name string) error {
	_, err := s.up.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(namespace, name)),
		Body:   bytes.NewReader(nil),
	})
	return wrapS3Err("backend.ObjectCreate", err)
}

func (s *S3) ObjectDelete(ctx context.Context, namespace, name string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(namespace, name)),
	})
	return wrapS3Err("backend.ObjectDelete", err)
}

func (s *S3) ObjectRead(ctx context.Context, namespace, name string, buf []byte, offset int64) (int, error) {
	w := manager.NewWriteAtBuffer(make([]byte, 0, len(buf)))
	rng := aws.String(httpRange(offset, int64(len(buf))))
	n, err := s.down.Download(ctx, w, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(namespace, name)),
		Range:  rng,
	})
	if err != nil {
		return 0, wrapS3Err("backend.ObjectRead", err)
	}
	copy(buf, w.Bytes())
	return int(n), nil
}

func (s *S3) ObjectWrite(ctx context.Context, namespace, name string, data []byte, offset int64) (int, error) {
	// S3 has no partial-overwrite primitive: realize spec §4.8's offset
	// write by downloading, splicing in Go, and re-uploading the whole
	// object. Acceptable for the co-located-deployment use case this
	// Provider targets; a production multipart-copy splice is out of
	// scope here.
	existing, err := s.readWhole(ctx, namespace, name)
	if err != nil && !cos.IsKind(err, cos.KindBackend) {
		return 0, err
	}
	grown := growAt(existing, offset, data)
	_, err = s.up.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(namespace, name)),
		Body:   bytes.NewReader(grown),
	})
	if err != nil {
		return 0, wrapS3Err("backend.ObjectWrite", err)
	}
	return len(data), nil
}

func (s *S3) readWhole(ctx context.Context, namespace, name string) ([]byte, error) {
	w := manager.NewWriteAtBuffer(nil)
	_, err := s.down.Download(ctx, w, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(namespace, name)),
	})
	if err != nil {
		return nil, wrapS3Err("backend.readWhole", err)
	}
	return w.Bytes(), nil
}

func (s *S3) ObjectStatus(ctx context.Context, namespace, name string) (int64, int64, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(namespace, name)),
	})
	if err != nil {
		return 0, 0, wrapS3Err("backend.ObjectStatus", err)
	}
	var size int64
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	var modTime int64
	if out.LastModified != nil {
		modTime = out.LastModified.UnixNano()
	}
	return modTime, size, nil
}

// ObjectSync is a no-op: every S3 PutObject/Upload call above already
// completed (and was ack'd by the service) before returning.
func (s *S3) ObjectSync(context.Context, string, string) error { return nil }

func (s *S3) KVPut(ctx context.Context, namespace, key string, value []byte) error {
	_, err := s.up.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(namespace, key)),
		Body:   bytes.NewReader(value),
	})
	return wrapS3Err("backend.KVPut", err)
}

func (s *S3) KVGet(ctx context.Context, namespace, key string) ([]byte, error) {
	return s.readWhole(ctx, namespace, key)
}

func (s *S3) KVDelete(ctx context.Context, namespace, key string) error {
	return s.ObjectDelete(ctx, namespace, key)
}

func (s *S3) KVGetByPrefix(ctx context.Context, namespace, prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(objectKey(namespace, prefix)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, wrapS3Err("backend.KVGetByPrefix", err)
		}
		for _, obj := range page.Contents {
			v, err := s.readWhole(ctx, "", *obj.Key)
			if err != nil {
				return nil, err
			}
			out[*obj.Key] = v
		}
	}
	return out, nil
}

func httpRange(offset, length int64) string {
	return "bytes=" + itoa(offset) + "-" + itoa(offset+length-1)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	var b [20]byte
	i := len(b)
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		b[i] = '-'
	}
	return string(b[i:])
}

func wrapS3Err(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "NoSuchKey", "NoSuchBucket", "NotFound":
			return cos.NewBackendError(op, errors.Wrap(err, "not found"))
		}
	}
	return cos.NewBackendError(op, errors.WithStack(err))
}

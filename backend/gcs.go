//go:build gcp

// Package backend contains implementation of various backend providers.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package backend

import (
	"bytes"
	"context"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/julea-io/julea-go/internal/cos"
)

var _ Provider = (*GCS)(nil)

// GCS realizes Provider against a Google Cloud Storage bucket, grounded
// on the same provider-per-file shape as S3/Azure above; cloud.google.com/go/storage
// is a direct teacher dependency (SPEC_FULL domain stack).
type GCS struct {
	name   string
	bucket *storage.BucketHandle
}

func OpenGCS(ctx context.Context, name, bucketName string) (*GCS, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, cos.NewBackendError("backend.OpenGCS", err)
	}
	return &GCS{name: name, bucket: client.Bucket(bucketName)}, nil
}

func (g *GCS) Name() string { return g.name }

func (g *GCS) obj(namespace, name string) *storage.ObjectHandle {
	return g.bucket.Object(objectKey(namespace, name))
}

func (g *GCS) ObjectCreate(ctx context.Context, namespace, name string) error {
	w := g.obj(namespace, name).NewWriter(ctx)
	return wrapGCSErr("backend.ObjectCreate", w.Close())
}

func (g *GCS) ObjectDelete(ctx context.Context, namespace, name string) error {
	return wrapGCSErr("backend.ObjectDelete", g.obj(namespace, name).Delete(ctx))
}

func (g *GCS) ObjectRead(ctx context.Context, namespace, name string, buf []byte, offset int64) (int, error) {
	r, err := g.obj(namespace, name).NewRangeReader(ctx, offset, int64(len(buf)))
	if err != nil {
		return 0, wrapGCSErr("backend.ObjectRead", err)
	}
	defer r.Close()
	n, err := io.ReadFull(r, buf)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		err = nil
	}
	return n, wrapGCSErr("backend.ObjectRead", err)
}

func (g *GCS) readWhole(ctx context.Context, namespace, name string) ([]byte, error) {
	r, err := g.obj(namespace, name).NewReader(ctx)
	if err != nil {
		return nil, wrapGCSErr("backend.readWhole", err)
	}
	defer r.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, wrapGCSErr("backend.readWhole", err)
	}
	return buf.Bytes(), nil
}

func (g *GCS) ObjectWrite(ctx context.Context, namespace, name string, data []byte, offset int64) (int, error) {
	existing, err := g.readWhole(ctx, namespace, name)
	if err != nil && !cos.IsKind(err, cos.KindBackend) {
		return 0, err
	}
	grown := growAt(existing, offset, data)
	w := g.obj(namespace, name).NewWriter(ctx)
	if _, err := w.Write(grown); err != nil {
		return 0, wrapGCSErr("backend.ObjectWrite", err)
	}
	if err := w.Close(); err != nil {
		return 0, wrapGCSErr("backend.ObjectWrite", err)
	}
	return len(data), nil
}

func (g *GCS) ObjectStatus(ctx context.Context, namespace, name string) (int64, int64, error) {
	attrs, err := g.obj(namespace, name).Attrs(ctx)
	if err != nil {
		return 0, 0, wrapGCSErr("backend.ObjectStatus", err)
	}
	return attrs.Updated.UnixNano(), attrs.Size, nil
}

func (g *GCS) ObjectSync(context.Context, string, string) error { return nil }

func (g *GCS) KVPut(ctx context.Context, namespace, key string, value []byte) error {
	w := g.obj(namespace, key).NewWriter(ctx)
	if _, err := w.Write(value); err != nil {
		return wrapGCSErr("backend.KVPut", err)
	}
	return wrapGCSErr("backend.KVPut", w.Close())
}

func (g *GCS) KVGet(ctx context.Context, namespace, key string) ([]byte, error) {
	return g.readWhole(ctx, namespace, key)
}

func (g *GCS) KVDelete(ctx context.Context, namespace, key string) error {
	return g.ObjectDelete(ctx, namespace, key)
}

func (g *GCS) KVGetByPrefix(ctx context.Context, namespace, prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	it := g.bucket.Objects(ctx, &storage.Query{Prefix: objectKey(namespace, prefix)})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, wrapGCSErr("backend.KVGetByPrefix", err)
		}
		v, err := g.readWhole(ctx, "", attrs.Name)
		if err != nil {
			return nil, err
		}
		out[attrs.Name] = v
	}
	return out, nil
}

func wrapGCSErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return cos.NewBackendError(op, err)
}

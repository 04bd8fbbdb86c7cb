//go:build hdfs

// Package backend contains implementation of various backend providers.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package backend

import (
	"context"
	"os"
	"path"

	"github.com/colinmarc/hdfs/v2"

	"github.com/julea-io/julea-go/internal/cos"
)

var _ Provider = (*HDFS)(nil)

// HDFS realizes Provider against an HDFS namenode, grounded on the same
// provider-per-file shape as the other cloud backends; colinmarc/hdfs/v2
// is a direct teacher dependency (SPEC_FULL domain stack). Kerberos
// extras are dropped per SPEC_FULL.md — this Provider only exercises the
// plain-auth client constructor.
type HDFS struct {
	name   string
	client *hdfs.Client
	root   string
}

func OpenHDFS(name, namenode, root string) (*HDFS, error) {
	client, err := hdfs.New(namenode)
	if err != nil {
		return nil, cos.NewBackendError("backend.OpenHDFS", err)
	}
	return &HDFS{name: name, client: client, root: root}, nil
}

func (h *HDFS) Name() string { return h.name }

func (h *HDFS) path(namespace, name string) string {
	return path.Join(h.root, namespace, name)
}

func (h *HDFS) ObjectCreate(_ context.Context, namespace, name string) error {
	p := h.path(namespace, name)
	if err := h.client.MkdirAll(path.Dir(p), 0o755); err != nil {
		return wrapHDFSErr("backend.ObjectCreate", err)
	}
	w, err := h.client.Create(p)
	if err != nil {
		return wrapHDFSErr("backend.ObjectCreate", err)
	}
	return wrapHDFSErr("backend.ObjectCreate", w.Close())
}

func (h *HDFS) ObjectDelete(_ context.Context, namespace, name string) error {
	return wrapHDFSErr("backend.ObjectDelete", h.client.Remove(h.path(namespace, name)))
}

func (h *HDFS) ObjectRead(_ context.Context, namespace, name string, buf []byte, offset int64) (int, error) {
	r, err := h.client.Open(h.path(namespace, name))
	if err != nil {
		return 0, wrapHDFSErr("backend.ObjectRead", err)
	}
	defer r.Close()
	n, err := r.ReadAt(buf, offset)
	if err != nil && !isEOF(err) {
		return n, wrapHDFSErr("backend.ObjectRead", err)
	}
	return n, nil
}

func (h *HDFS) readWhole(namespace, name string) ([]byte, error) {
	r, err := h.client.Open(h.path(namespace, name))
	if err != nil {
		return nil, wrapHDFSErr("backend.readWhole", err)
	}
	defer r.Close()
	data := make([]byte, r.Stat().Size())
	if _, err := r.Read(data); err != nil && !isEOF(err) {
		return nil, wrapHDFSErr("backend.readWhole", err)
	}
	return data, nil
}

func (h *HDFS) ObjectWrite(ctx context.Context, namespace, name string, data []byte, offset int64) (int, error) {
	existing, err := h.readWhole(namespace, name)
	if err != nil && !cos.IsKind(err, cos.KindBackend) {
		existing = nil
	}
	grown := growAt(existing, offset, data)
	p := h.path(namespace, name)
	_ = h.client.Remove(p)
	w, err := h.client.Create(p)
	if err != nil {
		return 0, wrapHDFSErr("backend.ObjectWrite", err)
	}
	defer w.Close()
	if _, err := w.Write(grown); err != nil {
		return 0, wrapHDFSErr("backend.ObjectWrite", err)
	}
	return len(data), nil
}

func (h *HDFS) ObjectStatus(_ context.Context, namespace, name string) (int64, int64, error) {
	info, err := h.client.Stat(h.path(namespace, name))
	if err != nil {
		return 0, 0, wrapHDFSErr("backend.ObjectStatus", err)
	}
	return info.ModTime().UnixNano(), info.Size(), nil
}

func (h *HDFS) ObjectSync(context.Context, string, string) error { return nil }

func (h *HDFS) KVPut(ctx context.Context, namespace, key string, value []byte) error {
	_, err := h.ObjectWrite(ctx, namespace, key, value, 0)
	return err
}

func (h *HDFS) KVGet(_ context.Context, namespace, key string) ([]byte, error) {
	return h.readWhole(namespace, key)
}

func (h *HDFS) KVDelete(ctx context.Context, namespace, key string) error {
	return h.ObjectDelete(ctx, namespace, key)
}

func (h *HDFS) KVGetByPrefix(_ context.Context, namespace, prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	dir := path.Join(h.root, namespace)
	entries, err := h.client.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, wrapHDFSErr("backend.KVGetByPrefix", err)
	}
	for _, e := range entries {
		if len(e.Name()) >= len(prefix) && e.Name()[:len(prefix)] == prefix {
			v, err := h.readWhole(namespace, e.Name())
			if err != nil {
				return nil, err
			}
			out[e.Name()] = v
		}
	}
	return out, nil
}

func isEOF(err error) bool { return err != nil && err.Error() == "EOF" }

func wrapHDFSErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return cos.NewBackendError(op, err)
}

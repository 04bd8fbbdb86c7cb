// Package backend defines the opaque storage-backend collaborator (spec
// §1, §4.8, §9 design note): "on-disk storage backends are external
// collaborators... the core invokes them through an opaque backend
// interface when a backend is co-located with the client". This package
// owns only that interface and its concrete realizations; it never
// decides distribution, batching, or wire framing — those stay in
// distribution/wire/object/kv.
//
// Grounded on the teacher's ais/backend package: one interface
// (core.BackendProvider there, Provider here), one file per concrete
// backend, each file opening with an "interface guard" var asserting it
// satisfies the interface.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package backend

import "context"

// Provider is the opaque backend interface the object and kv engines
// call through when a backend runs co-located with the client (spec
// §4.8 "when the object backend runs in-process, the engine bypasses
// the Message path entirely and invokes the backend's open/op/close
// sequence directly").
type Provider interface {
	Name() string

	// Object operations (C8).
	ObjectCreate(ctx context.Context, namespace, name string) error
	ObjectDelete(ctx context.Context, namespace, name string) error
	ObjectRead(ctx context.Context, namespace, name string, buf []byte, offset int64) (int, error)
	ObjectWrite(ctx context.Context, namespace, name string, data []byte, offset int64) (int, error)
	ObjectStatus(ctx context.Context, namespace, name string) (modTime int64, size int64, err error)
	ObjectSync(ctx context.Context, namespace, name string) error

	// KV operations (C9).
	KVPut(ctx context.Context, namespace, key string, value []byte) error
	KVGet(ctx context.Context, namespace, key string) ([]byte, error)
	KVDelete(ctx context.Context, namespace, key string) error
	KVGetByPrefix(ctx context.Context, namespace, prefix string) (map[string][]byte, error)
}

// Registry maps a configured backend name (spec §4.1 BackendSpec.Backend)
// to its Provider, mirroring the teacher's provider-by-name lookup in
// ais/backend (there keyed by apc.Provider constants).
type Registry struct {
	providers map[string]Provider
}

func NewRegistry() *Registry { return &Registry{providers: make(map[string]Provider)} }

func (r *Registry) Register(p Provider) { r.providers[p.Name()] = p }

func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

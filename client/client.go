// Package client ties the core together: a Context carries the loaded
// Configuration, the connection pool, the tracer, and any co-located
// backends, and hands out object and kv handles bound to it.
//
// Per design note 9, there is no process-wide singleton here: tests and
// embedders construct as many independent Contexts in one process as
// they like, each with its own pool and config. This is the one
// deliberate departure from the teacher's global-config style, taken on
// the spec's own instruction.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package client

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/julea-io/julea-go/backend"
	"github.com/julea-io/julea-go/config"
	"github.com/julea-io/julea-go/conn"
	"github.com/julea-io/julea-go/distribution"
	"github.com/julea-io/julea-go/internal/cos"
	"github.com/julea-io/julea-go/internal/env"
	"github.com/julea-io/julea-go/internal/nlog"
	"github.com/julea-io/julea-go/kv"
	"github.com/julea-io/julea-go/object"
	"github.com/julea-io/julea-go/pool"
	"github.com/julea-io/julea-go/trace"
)

// Options tunes Context construction beyond what the config file
// carries.
type Options struct {
	// Program identifies this client in the PING handshake and in
	// access-log rows; defaults to the executable's basename.
	Program string

	// DistributionKind selects the default striping strategy for
	// objects created through this Context.
	DistributionKind distribution.Kind

	// AccessLogPath, when non-empty and access tracing is enabled via
	// JULEA_TRACE, receives the per-call CSV rows.
	AccessLogPath string

	// Registry supplies pre-constructed co-located backends, keyed by
	// backend name; backends named in the config but absent here are
	// opened from their BackendSpec.
	Registry *backend.Registry
}

// Context is the explicit stand-in for the source's process-wide init
// state (design note 9). Immutable after New.
type Context struct {
	cfg    *config.Config
	pool   *pool.Pool
	tracer *trace.Tracer
	kvEng  *kv.Engine

	program    string
	uid        uint32
	authSecret []byte
	distKind   distribution.Kind

	objLocal backend.Provider // non-nil when [object] runs component=client
	kvLocal  backend.Provider // non-nil when [kv] runs component=client
}

// New builds a Context over an already-loaded Config.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Context, error) {
	program := opts.Program
	if program == "" {
		if exe, err := os.Executable(); err == nil {
			program = filepath.Base(exe)
		} else {
			program = "julea"
		}
	}

	tracer, err := trace.New(trace.ModeFromEnv(), trace.FunctionAllowlistFromEnv(), opts.AccessLogPath)
	if err != nil {
		return nil, err
	}

	c := &Context{
		cfg:      cfg,
		tracer:   tracer,
		program:  program,
		uid:      uint32(os.Getuid()),
		distKind: opts.DistributionKind,
	}
	if secret := os.Getenv(env.Julea.Secret); secret != "" {
		c.authSecret = []byte(secret)
	}

	if c.objLocal, err = openLocal(ctx, cfg.Object, opts.Registry); err != nil {
		return nil, err
	}
	if c.kvLocal, err = openLocal(ctx, cfg.KV, opts.Registry); err != nil {
		return nil, err
	}

	c.pool = pool.New(c)
	c.kvEng = kv.NewEngine(c)
	return c, nil
}

// Init is the convenience entry point: resolve the config per the XDG
// search order, load it, and build a Context.
func Init(ctx context.Context, opts Options) (*Context, error) {
	path, err := config.Find("julea")
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg, opts)
}

// openLocal instantiates a co-located backend for a spec whose
// component is "client" (spec §4.8 "when the object backend runs
// in-process"). Server-component specs return nil: those backends live
// behind the wire.
func openLocal(ctx context.Context, spec config.BackendSpec, reg *backend.Registry) (backend.Provider, error) {
	if spec.Component != "client" || spec.Backend == "" {
		return nil, nil
	}
	if reg != nil {
		if p, ok := reg.Get(spec.Backend); ok {
			return p, nil
		}
	}
	switch spec.Backend {
	case "posix", "fs":
		return backend.OpenFS(spec.Backend, spec.Path)
	case "buntdb":
		return backend.OpenBuntDB(spec.Backend, spec.Path)
	case "s3":
		return backend.OpenS3(ctx, spec.Backend, spec.Path)
	case "gcs":
		return backend.OpenGCS(ctx, spec.Backend, spec.Path)
	case "hdfs":
		namenode, root, _ := strings.Cut(spec.Path, "/")
		return backend.OpenHDFS(spec.Backend, namenode, "/"+root)
	case "azure":
		return backend.OpenAzure(spec.Backend,
			os.Getenv("AZURE_STORAGE_URL"),
			os.Getenv("AZURE_STORAGE_ACCOUNT"),
			os.Getenv("AZURE_STORAGE_KEY"),
			spec.Path)
	default:
		return nil, cos.NewConfigError("client.openLocal", errors.Errorf("unknown client-side backend %q", spec.Backend))
	}
}

// Object returns a logical distributed-object handle bound to this
// Context.
func (c *Context) Object(namespace, name string) *object.Object {
	return object.New(c, namespace, name)
}

// KV returns a key handle bound to this Context's kv engine.
func (c *Context) KV(namespace, key string) *kv.KV {
	return c.kvEng.New(namespace, key)
}

// KVEngine exposes the engine itself for namespace enumeration
// (GetAll / GetByPrefix).
func (c *Context) KVEngine() *kv.Engine { return c.kvEng }

// Fini tears the Context down: drains and shuts the pool, closes the
// tracer's sinks. Safe to call once, after all outstanding batches have
// rejoined.
func (c *Context) Fini() {
	c.pool.Fini()
	if err := c.tracer.Close(); err != nil {
		nlog.Warningf("client.Fini: closing trace sink: %v", err)
	}
}

// ---- pool.ServerAddr ----

func (c *Context) Server(b pool.Backend, index int) (string, error) {
	servers := c.serversFor(b)
	if index < 0 || index >= len(servers) {
		return "", errors.Errorf("server index %d out of range (%d configured)", index, len(servers))
	}
	return servers[index], nil
}

func (c *Context) ServerCount(b pool.Backend) int { return len(c.serversFor(b)) }

func (c *Context) serversFor(b pool.Backend) []string {
	switch b {
	case pool.Object:
		return c.cfg.ObjectServers
	case pool.KV:
		return c.cfg.KVServers
	case pool.DB:
		return c.cfg.DBServers
	default:
		return nil
	}
}

func (c *Context) MaxConnections() int { return c.cfg.MaxConnections }

func (c *Context) DialOpts() conn.Opts {
	return conn.Opts{
		Program:       c.program,
		UID:           c.uid,
		MaxInjectSize: c.cfg.MaxInjectSize,
		CompressMin:   c.cfg.MaxOperationSize / 4,
		AuthSecret:    c.authSecret,
	}
}

// ---- object.Context ----

func (c *Context) Pool() *pool.Pool                  { return c.pool }
func (c *Context) ObjectServerCount() int            { return len(c.cfg.ObjectServers) }
func (c *Context) MaxOperationSize() int64           { return c.cfg.MaxOperationSize }
func (c *Context) DistributionKind() distribution.Kind { return c.distKind }
func (c *Context) StripeSize() int64                 { return c.cfg.StripeSize }
func (c *Context) Tracer() *trace.Tracer             { return c.tracer }
func (c *Context) Program() string                   { return c.program }

func (c *Context) LocalBackend() (backend.Provider, bool) {
	return c.objLocal, c.objLocal != nil
}

// ---- kv.Context ----

func (c *Context) KVServerCount() int { return len(c.cfg.KVServers) }

func (c *Context) LocalKVBackend() (backend.Provider, bool) {
	return c.kvLocal, c.kvLocal != nil
}

// Interface guards, the teacher's idiom for asserting implementations
// at compile time.
var (
	_ pool.ServerAddr = (*Context)(nil)
	_ object.Context  = (*Context)(nil)
	_ kv.Context      = (*Context)(nil)
)

